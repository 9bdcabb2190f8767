// Package signedurl mints and verifies time-limited capabilities binding a content item to a user.
//
// The signed message is "contentID:userID:expiresAt" where expiresAt is a unix timestamp in seconds.
// Identifiers containing the separator are rejected, so the message is never ambiguous.
package signedurl

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	fieldSeparator = ":"

	QueryContentID = "id"
	QueryUserID    = "user"
	QueryExpiresAt = "expires"
	QuerySignature = "signature"
)

var (
	ErrMissingSecret  = errors.New("signing secret is required")
	ErrInvalidField   = errors.New("invalid token field")
	ErrInvalidTTL     = errors.New("invalid token ttl")
	ErrMissingClock   = errors.New("clock dependency is nil")
	ErrMalformedQuery = errors.New("malformed token query")
)

// Token is a minted capability. It is never persisted.
type Token struct {
	ContentID string
	UserID    string
	ExpiresAt int64
	Signature string
}

// ExpiresAtString renders the expiry exactly as it was signed.
func (token Token) ExpiresAtString() string {
	return strconv.FormatInt(token.ExpiresAt, 10)
}

// Query serializes the token as URL query parameters.
func (token Token) Query() url.Values {
	values := url.Values{}
	values.Set(QueryContentID, token.ContentID)
	values.Set(QueryUserID, token.UserID)
	values.Set(QueryExpiresAt, token.ExpiresAtString())
	values.Set(QuerySignature, token.Signature)
	return values
}

// RawToken is the unverified form of a token as received from a client.
type RawToken struct {
	ContentID string
	UserID    string
	ExpiresAt string
	Signature string
}

// ParseQuery extracts a RawToken from query parameters. All four parameters are required.
func ParseQuery(values url.Values) (RawToken, error) {
	raw := RawToken{
		ContentID: values.Get(QueryContentID),
		UserID:    values.Get(QueryUserID),
		ExpiresAt: values.Get(QueryExpiresAt),
		Signature: values.Get(QuerySignature),
	}
	if raw.ContentID == "" || raw.UserID == "" || raw.ExpiresAt == "" || raw.Signature == "" {
		return RawToken{}, ErrMalformedQuery
	}
	return raw, nil
}

// Codec holds the process-wide signing secret.
type Codec struct {
	secret []byte
	now    func() time.Time
}

// NewCodec validates the secret. An empty secret is a configuration error.
func NewCodec(secret []byte, now func() time.Time) (*Codec, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	if now == nil {
		return nil, ErrMissingClock
	}
	secretCopy := make([]byte, len(secret))
	copy(secretCopy, secret)
	return &Codec{secret: secretCopy, now: now}, nil
}

// Mint signs a capability for contentID and userID valid for ttl.
func (codec *Codec) Mint(contentID string, userID string, ttl time.Duration) (Token, error) {
	if err := validateField(contentID); err != nil {
		return Token{}, fmt.Errorf("content id: %w", err)
	}
	if err := validateField(userID); err != nil {
		return Token{}, fmt.Errorf("user id: %w", err)
	}
	if ttl < time.Second {
		return Token{}, fmt.Errorf("%w: must be at least one second", ErrInvalidTTL)
	}
	expiresAt := codec.now().Add(ttl).Unix()
	expiresAtText := strconv.FormatInt(expiresAt, 10)
	return Token{
		ContentID: contentID,
		UserID:    userID,
		ExpiresAt: expiresAt,
		Signature: codec.sign(contentID, userID, expiresAtText),
	}, nil
}

// Verify reports whether signature is valid for the fields and the token has not expired.
// It does not say which check failed.
func (codec *Codec) Verify(contentID string, userID string, expiresAt string, signature string) bool {
	if validateField(contentID) != nil || validateField(userID) != nil {
		return false
	}
	expiresAtUnix, err := strconv.ParseInt(expiresAt, 10, 64)
	if err != nil {
		return false
	}
	expected := codec.sign(contentID, userID, expiresAt)
	signatureValid := hmac.Equal([]byte(expected), []byte(signature))
	notExpired := codec.now().Unix() <= expiresAtUnix
	return signatureValid && notExpired
}

// VerifyRaw is Verify over a RawToken.
func (codec *Codec) VerifyRaw(raw RawToken) bool {
	return codec.Verify(raw.ContentID, raw.UserID, raw.ExpiresAt, raw.Signature)
}

func (codec *Codec) sign(contentID string, userID string, expiresAt string) string {
	mac := hmac.New(sha256.New, codec.secret)
	_, _ = mac.Write([]byte(contentID + fieldSeparator + userID + fieldSeparator + expiresAt))
	return hex.EncodeToString(mac.Sum(nil))
}

func validateField(value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidField)
	}
	if strings.Contains(value, fieldSeparator) {
		return fmt.Errorf("%w: contains %q", ErrInvalidField, fieldSeparator)
	}
	return nil
}
