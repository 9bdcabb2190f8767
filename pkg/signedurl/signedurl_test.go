package signedurl

import (
	"errors"
	"net/url"
	"testing"
	"time"
)

const (
	testSecret    = "stream-secret"
	testContentID = "c1"
	testUserID    = "u1"
)

type manualClock struct {
	current time.Time
}

func (clock *manualClock) Now() time.Time {
	return clock.current
}

func (clock *manualClock) Advance(duration time.Duration) {
	clock.current = clock.current.Add(duration)
}

func newTestCodec(test *testing.T) (*Codec, *manualClock) {
	test.Helper()
	clock := &manualClock{current: time.Unix(1_760_000_000, 0).UTC()}
	codec, err := NewCodec([]byte(testSecret), clock.Now)
	if err != nil {
		test.Fatalf("codec: %v", err)
	}
	return codec, clock
}

func mustMint(test *testing.T, codec *Codec, contentID string, userID string, ttl time.Duration) Token {
	test.Helper()
	token, err := codec.Mint(contentID, userID, ttl)
	if err != nil {
		test.Fatalf("mint: %v", err)
	}
	return token
}

func TestNewCodecRequiresSecret(test *testing.T) {
	test.Parallel()
	if _, err := NewCodec(nil, time.Now); !errors.Is(err, ErrMissingSecret) {
		test.Fatalf("expected ErrMissingSecret, got %v", err)
	}
	if _, err := NewCodec([]byte(testSecret), nil); !errors.Is(err, ErrMissingClock) {
		test.Fatalf("expected ErrMissingClock, got %v", err)
	}
}

func TestVerifyRoundTripUntilExpiry(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		contentID string
		userID    string
		ttl       time.Duration
	}{
		{contentID: testContentID, userID: testUserID, ttl: time.Second},
		{contentID: "content-9f2c", userID: "fan-42", ttl: time.Minute},
		{contentID: "a b c", userID: "ünïcode", ttl: time.Hour},
	}
	for _, testCase := range testCases {
		codec, clock := newTestCodec(test)
		token := mustMint(test, codec, testCase.contentID, testCase.userID, testCase.ttl)
		if !codec.Verify(token.ContentID, token.UserID, token.ExpiresAtString(), token.Signature) {
			test.Fatalf("expected fresh token to verify: %+v", token)
		}
		clock.Advance(testCase.ttl)
		if !codec.Verify(token.ContentID, token.UserID, token.ExpiresAtString(), token.Signature) {
			test.Fatalf("expected token to verify at its expiry instant: %+v", token)
		}
		clock.Advance(time.Second)
		if codec.Verify(token.ContentID, token.UserID, token.ExpiresAtString(), token.Signature) {
			test.Fatalf("expected token to fail after expiry: %+v", token)
		}
	}
}

func TestVerifyRejectsSingleCharacterTampering(test *testing.T) {
	test.Parallel()
	codec, _ := newTestCodec(test)
	token := mustMint(test, codec, "content-123", "user-456", time.Hour)
	expiresAt := token.ExpiresAtString()

	for index := range token.ContentID {
		if codec.Verify(flipCharacter(token.ContentID, index), token.UserID, expiresAt, token.Signature) {
			test.Fatalf("tampered content id at %d verified", index)
		}
	}
	for index := range token.UserID {
		if codec.Verify(token.ContentID, flipCharacter(token.UserID, index), expiresAt, token.Signature) {
			test.Fatalf("tampered user id at %d verified", index)
		}
	}
	for index := range expiresAt {
		if codec.Verify(token.ContentID, token.UserID, flipCharacter(expiresAt, index), token.Signature) {
			test.Fatalf("tampered expiry at %d verified", index)
		}
	}
	for index := range token.Signature {
		if codec.Verify(token.ContentID, token.UserID, expiresAt, flipCharacter(token.Signature, index)) {
			test.Fatalf("tampered signature at %d verified", index)
		}
	}
}

func TestVerifyRejectsUppercasedSignature(test *testing.T) {
	test.Parallel()
	codec, _ := newTestCodec(test)
	token := mustMint(test, codec, testContentID, testUserID, time.Hour)
	upper := []byte(token.Signature)
	for index, character := range upper {
		if character >= 'a' && character <= 'f' {
			upper[index] = character - 'a' + 'A'
		}
	}
	if codec.Verify(token.ContentID, token.UserID, token.ExpiresAtString(), string(upper)) {
		test.Fatalf("expected case-altered signature to fail")
	}
}

func TestVerifyRejectsForeignSecret(test *testing.T) {
	test.Parallel()
	codec, clock := newTestCodec(test)
	other, err := NewCodec([]byte("other-secret"), clock.Now)
	if err != nil {
		test.Fatalf("codec: %v", err)
	}
	token := mustMint(test, other, testContentID, testUserID, time.Hour)
	if codec.Verify(token.ContentID, token.UserID, token.ExpiresAtString(), token.Signature) {
		test.Fatalf("expected token from another secret to fail")
	}
}

func TestMintValidatesFields(test *testing.T) {
	test.Parallel()
	codec, _ := newTestCodec(test)
	testCases := []struct {
		name      string
		contentID string
		userID    string
		ttl       time.Duration
		wantErr   error
	}{
		{name: "empty content", contentID: "", userID: testUserID, ttl: time.Minute, wantErr: ErrInvalidField},
		{name: "separator in content", contentID: "c:1", userID: testUserID, ttl: time.Minute, wantErr: ErrInvalidField},
		{name: "separator in user", contentID: testContentID, userID: "u:1", ttl: time.Minute, wantErr: ErrInvalidField},
		{name: "zero ttl", contentID: testContentID, userID: testUserID, ttl: 0, wantErr: ErrInvalidTTL},
		{name: "sub second ttl", contentID: testContentID, userID: testUserID, ttl: time.Millisecond, wantErr: ErrInvalidTTL},
	}
	for _, testCase := range testCases {
		if _, err := codec.Mint(testCase.contentID, testCase.userID, testCase.ttl); !errors.Is(err, testCase.wantErr) {
			test.Fatalf("%s: expected %v, got %v", testCase.name, testCase.wantErr, err)
		}
	}
}

func TestQueryRoundTrip(test *testing.T) {
	test.Parallel()
	codec, _ := newTestCodec(test)
	token := mustMint(test, codec, testContentID, testUserID, time.Minute)
	encoded := token.Query().Encode()
	decoded, err := url.ParseQuery(encoded)
	if err != nil {
		test.Fatalf("parse query: %v", err)
	}
	raw, err := ParseQuery(decoded)
	if err != nil {
		test.Fatalf("parse token: %v", err)
	}
	if !codec.VerifyRaw(raw) {
		test.Fatalf("expected query round trip to verify: %s", encoded)
	}
	delete(decoded, QuerySignature)
	if _, err := ParseQuery(decoded); !errors.Is(err, ErrMalformedQuery) {
		test.Fatalf("expected ErrMalformedQuery, got %v", err)
	}
}

func flipCharacter(value string, index int) string {
	characters := []byte(value)
	switch character := characters[index]; {
	case character >= '0' && character <= '9':
		characters[index] = '0' + (character-'0'+1)%10
	case character == 'x':
		characters[index] = 'y'
	default:
		characters[index] = 'x'
	}
	return string(characters)
}
