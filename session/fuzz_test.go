package session

import (
	"testing"
	"time"
)

func FuzzDecodeToken(f *testing.F) {
	f.Add("")
	f.Add("a.b")
	f.Add("a.b.c")
	f.Add("eyJhbGciOiJIUzI1NiJ9..sig")
	f.Add("....")

	valid, err := EncodeToken(TokenPayload{
		Subject:   "fuzz-user",
		IssuedAt:  time.Unix(1700000000, 0),
		ExpiresAt: time.Unix(1700003600, 0),
	}, []byte("fuzz-secret"))
	if err != nil {
		f.Fatalf("EncodeToken() error = %v", err)
	}
	f.Add(valid)

	f.Fuzz(func(t *testing.T, raw string) {
		payload, err := DecodeToken(raw)
		if err != nil {
			return
		}
		// A successfully decoded token always carries a subject and never
		// an expiry at or before its issue time.
		if payload.Subject == "" {
			t.Fatalf("DecodeToken(%q) accepted empty subject", raw)
		}
		if !payload.IssuedAt.IsZero() && !payload.ExpiresAt.IsZero() && !payload.ExpiresAt.After(payload.IssuedAt) {
			t.Fatalf("DecodeToken(%q) accepted expiry before issue", raw)
		}
	})
}
