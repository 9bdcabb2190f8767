package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	signatureTimestampKey = "t"
	signatureSchemeV1     = "v1"

	// DefaultTolerance bounds how old a signed delivery may be.
	DefaultTolerance = 5 * time.Minute
)

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// Sign produces a "t=<unix>,v1=<hex>" header for payload. It is the inverse of verifySignature.
func Sign(secret []byte, payload []byte, at time.Time) string {
	timestamp := strconv.FormatInt(at.Unix(), 10)
	return signatureTimestampKey + "=" + timestamp + "," + signatureSchemeV1 + "=" + computeSignature(secret, timestamp, payload)
}

func computeSignature(secret []byte, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifySignature accepts the header when any v1 entry matches and the timestamp is within tolerance.
// The returned error never says which of the two checks failed.
func verifySignature(secret []byte, payload []byte, header string, now time.Time, tolerance time.Duration) error {
	if strings.TrimSpace(header) == "" {
		return ErrMissingSignature
	}
	var (
		timestamp  string
		signatures []string
	)
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case signatureTimestampKey:
			timestamp = value
		case signatureSchemeV1:
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return ErrInvalidSignature
	}
	signedAt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	age := now.Sub(time.Unix(signedAt, 0))
	if tolerance > 0 && (age > tolerance || age < -tolerance) {
		return ErrInvalidSignature
	}
	expected := []byte(computeSignature(secret, timestamp, payload))
	for _, candidate := range signatures {
		if hmac.Equal(expected, []byte(strings.ToLower(candidate))) {
			return nil
		}
	}
	return ErrInvalidSignature
}
