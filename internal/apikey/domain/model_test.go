package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	keyID, secret, err := NewToken()
	if err != nil {
		t.Fatalf("new token: %v", err)
	}
	if !strings.HasPrefix(keyID, "dk_") {
		t.Fatalf("key id %q missing prefix", keyID)
	}

	gotID, gotSecret, err := SplitToken(keyID + "." + secret)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if gotID != keyID || gotSecret != secret {
		t.Fatalf("split = %q/%q, want %q/%q", gotID, gotSecret, keyID, secret)
	}
}

func TestSplitTokenRejectsMalformed(t *testing.T) {
	for _, token := range []string{"", "dk_abc", "nope.secret", "dk_abc."} {
		if _, _, err := SplitToken(token); !errors.Is(err, ErrMalformedToken) {
			t.Fatalf("token %q: expected malformed, got %v", token, err)
		}
	}
}

func TestHashAndVerifySecret(t *testing.T) {
	hash, err := HashSecret("correct horse")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Fatalf("hash %q is not a PHC string", hash)
	}
	if !VerifySecret("correct horse", hash) {
		t.Fatalf("right secret rejected")
	}
	if VerifySecret("wrong horse", hash) {
		t.Fatalf("wrong secret accepted")
	}
	if VerifySecret("correct horse", "$argon2id$garbage") {
		t.Fatalf("garbage hash accepted")
	}
}

func TestUsable(t *testing.T) {
	now := time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)
	expired := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	cases := []struct {
		name string
		key  APIKey
		want bool
	}{
		{"active", APIKey{Status: StatusActive}, true},
		{"revoked", APIKey{Status: StatusRevoked}, false},
		{"expired", APIKey{Status: StatusActive, ExpiresAt: &expired}, false},
		{"not yet expired", APIKey{Status: StatusActive, ExpiresAt: &future}, true},
	}
	for _, tc := range cases {
		if got := tc.key.Usable(now); got != tc.want {
			t.Errorf("%s: usable = %v, want %v", tc.name, got, tc.want)
		}
	}
}
