// Package pricing splits gross token amounts between the platform, an optional agency, and the creator.
//
// All arithmetic is performed on integer token units. Rates are held in basis points so that a
// configured rate such as "0.20" is represented exactly.
package pricing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	basisPointsPerUnit = 10000
	maxBasisPoints     = basisPointsPerUnit
)

var (
	ErrInvalidRate        = errors.New("invalid rate")
	ErrInvalidGrossAmount = errors.New("invalid gross amount")
)

var (
	basisPointScale = decimal.NewFromInt(basisPointsPerUnit)
	percentScale    = decimal.NewFromInt(100)
)

// Rate is a commission rate expressed in basis points (1/10000).
type Rate struct {
	basisPoints int64
}

// ZeroRate takes no commission.
var ZeroRate = Rate{}

// NewRate validates a basis-point rate.
func NewRate(basisPoints int64) (Rate, error) {
	if basisPoints < 0 || basisPoints > maxBasisPoints {
		return Rate{}, fmt.Errorf("%w: %d basis points out of range", ErrInvalidRate, basisPoints)
	}
	return Rate{basisPoints: basisPoints}, nil
}

// ParseRate parses a decimal fraction such as "0.2" or "0.125".
// Rates finer than one basis point are rejected rather than rounded.
func ParseRate(raw string) (Rate, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Rate{}, fmt.Errorf("%w: empty value", ErrInvalidRate)
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return Rate{}, fmt.Errorf("%w: %v", ErrInvalidRate, err)
	}
	scaled := value.Mul(basisPointScale)
	if !scaled.IsInteger() {
		return Rate{}, fmt.Errorf("%w: %s is finer than one basis point", ErrInvalidRate, trimmed)
	}
	return NewRate(scaled.IntPart())
}

// MustParseRate is ParseRate for constants; it panics on malformed input.
func MustParseRate(raw string) Rate {
	rate, err := ParseRate(raw)
	if err != nil {
		panic(err)
	}
	return rate
}

// BasisPoints returns the rate in basis points.
func (rate Rate) BasisPoints() int64 {
	return rate.basisPoints
}

// IsZero reports whether the rate takes nothing.
func (rate Rate) IsZero() bool {
	return rate.basisPoints == 0
}

// String renders the rate as a decimal fraction.
func (rate Rate) String() string {
	return rate.decimal().String()
}

func (rate Rate) decimal() decimal.Decimal {
	return decimal.NewFromInt(rate.basisPoints).Div(basisPointScale)
}

// Split is the result of a commission calculation.
// PlatformFee + AgencyFee + CreatorEarnings always equals Gross.
type Split struct {
	Gross           int64
	PlatformFee     int64
	AgencyFee       int64
	CreatorEarnings int64
}

// Calculate splits gross between platform, agency and creator.
//
// The platform fee is gross*platformRate rounded half-to-even. The agency fee is taken from what remains
// after the platform fee, rounded the same way. The creator receives the exact remainder, so no token is
// created or lost by rounding.
func Calculate(gross int64, platformRate Rate, agencyRate Rate) (Split, error) {
	if gross <= 0 {
		return Split{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidGrossAmount)
	}
	platformFee := applyRate(gross, platformRate)
	agencyFee := int64(0)
	if !agencyRate.IsZero() {
		agencyFee = applyRate(gross-platformFee, agencyRate)
	}
	return Split{
		Gross:           gross,
		PlatformFee:     platformFee,
		AgencyFee:       agencyFee,
		CreatorEarnings: gross - platformFee - agencyFee,
	}, nil
}

// Balanced reports whether the split accounts for every token of the gross amount.
func (split Split) Balanced() bool {
	return split.PlatformFee >= 0 &&
		split.AgencyFee >= 0 &&
		split.CreatorEarnings >= 0 &&
		split.PlatformFee+split.AgencyFee+split.CreatorEarnings == split.Gross
}

// Percentage returns part as a percentage of whole, rounded half-to-even to two decimal places.
// A non-positive whole yields zero.
func Percentage(part int64, whole int64) decimal.Decimal {
	if whole <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(part).Mul(percentScale).Div(decimal.NewFromInt(whole)).RoundBank(2)
}

func applyRate(amount int64, rate Rate) int64 {
	if amount <= 0 || rate.IsZero() {
		return 0
	}
	return decimal.NewFromInt(amount).Mul(rate.decimal()).RoundBank(0).IntPart()
}
