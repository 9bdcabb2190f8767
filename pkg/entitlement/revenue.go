package entitlement

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/fanvault/pkg/pricing"
	"github.com/shopspring/decimal"
)

const (
	DefaultRevenueWindowDays = 30
	MaxRevenueWindowDays     = 365

	revenueDateLayout = "2006-01-02"
)

// RevenueDay is one UTC calendar day of creator earnings.
type RevenueDay struct {
	Date    string
	Revenue Tokens
}

// RevenueReport sums a creator's completed earnings over a trailing window.
// Only credits count: tips the creator sent and fees taken from them never appear here.
type RevenueReport struct {
	CreatorID     UserID
	SinceUnixUTC  int64
	Days          []RevenueDay
	Subscriptions Tokens
	PPV           Tokens
	Tips          Tokens
}

// Total is the sum of every source.
func (report RevenueReport) Total() Tokens {
	return report.Subscriptions + report.PPV + report.Tips
}

// Share returns amount as a percentage of Total, rounded to two places. An empty report yields zero.
func (report RevenueReport) Share(amount Tokens) decimal.Decimal {
	return pricing.Percentage(amount.Int64(), report.Total().Int64())
}

// Revenue reports the creator's COMPLETED tip, subscription and pay-per-view earnings over the last
// days days, grouped by UTC day in ascending order. Zero days means DefaultRevenueWindowDays.
func (service *Service) Revenue(ctx context.Context, creatorID UserID, days int) (RevenueReport, error) {
	if days == 0 {
		days = DefaultRevenueWindowDays
	}
	if days < 0 || days > MaxRevenueWindowDays {
		return RevenueReport{}, fmt.Errorf("%w: days must be between 1 and %d", ErrInvalidRevenueWindow, MaxRevenueWindowDays)
	}
	ctx, cancel := service.boundContext(ctx)
	defer cancel()
	since := service.nowFn().UTC().AddDate(0, 0, -days).Unix()
	transactions, err := service.ledger.CompletedTransactionsSince(ctx, creatorID, since)
	if err != nil {
		return RevenueReport{}, err
	}
	return buildRevenueReport(creatorID, since, transactions), nil
}

func buildRevenueReport(creatorID UserID, sinceUnixUTC int64, transactions []Transaction) RevenueReport {
	report := RevenueReport{CreatorID: creatorID, SinceUnixUTC: sinceUnixUTC, Days: []RevenueDay{}}
	for _, transaction := range transactions {
		if transaction.Status != StatusCompleted || transaction.Amount <= 0 {
			continue
		}
		switch transaction.Kind {
		case KindTip:
			report.Tips += transaction.Amount
		case KindSubscription:
			report.Subscriptions += transaction.Amount
		case KindPurchase:
			report.PPV += transaction.Amount
		default:
			continue
		}
		date := time.Unix(transaction.CreatedUnixUTC, 0).UTC().Format(revenueDateLayout)
		if last := len(report.Days) - 1; last >= 0 && report.Days[last].Date == date {
			report.Days[last].Revenue += transaction.Amount
			continue
		}
		report.Days = append(report.Days, RevenueDay{Date: date, Revenue: transaction.Amount})
	}
	return report
}
