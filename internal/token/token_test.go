package token

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog"

	"github.com/dyadlabs/dyad-server/internal/apperr"
	"github.com/dyadlabs/dyad-server/internal/crypto"
	"github.com/dyadlabs/dyad-server/internal/keyring"
	"github.com/dyadlabs/dyad-server/internal/kvstore"
)

func testService(t *testing.T) (*Service, *keyring.Ring, *kvstore.MemoryStore) {
	t.Helper()
	enc, err := crypto.NewService("test-secret")
	if err != nil {
		t.Fatal(err)
	}
	kv := kvstore.NewMemoryStore()
	ring := keyring.New(kv, enc, keyring.Options{
		RotationInterval: 30 * 24 * time.Hour,
		GracePeriod:      7 * 24 * time.Hour,
		MaxActiveKeys:    3,
		LockTTL:          time.Minute,
	}, zerolog.Nop())

	svc, err := New(context.Background(), ring, kv, "legacy-secret", 7*24*time.Hour, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(svc.Close)
	return svc, ring, kv
}

func TestCreateVerifyRoundtrip(t *testing.T) {
	ctx := context.Background()
	svc, ring, _ := testService(t)

	if _, err := ring.GenerateNewKey(ctx); err != nil {
		t.Fatal(err)
	}

	tok, err := svc.Create(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	userID, err := svc.Verify(ctx, tok)
	if err != nil {
		t.Fatal(err)
	}
	if userID != "user-1" {
		t.Errorf("userID = %q", userID)
	}

	t.Run("token_carries_kid", func(t *testing.T) {
		parsed, _, err := jwt.NewParser().ParseUnverified(tok, &Claims{})
		if err != nil {
			t.Fatal(err)
		}
		if kid, _ := parsed.Header["kid"].(string); kid == "" {
			t.Error("token missing kid header")
		}
	})
}

func TestLegacySecretFallback(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := testService(t)

	// No signing key generated: falls back to the legacy secret.
	tok, err := svc.Create(ctx, "user-2")
	if err != nil {
		t.Fatal(err)
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(tok, &Claims{})
	if err != nil {
		t.Fatal(err)
	}
	if _, hasKid := parsed.Header["kid"]; hasKid {
		t.Error("legacy token must not carry a kid")
	}

	userID, err := svc.Verify(ctx, tok)
	if err != nil || userID != "user-2" {
		t.Errorf("verify legacy token: %q, %v", userID, err)
	}
}

func TestVerifyAfterRotation(t *testing.T) {
	ctx := context.Background()
	svc, ring, _ := testService(t)

	start := time.Now()
	ring.SetClock(func() time.Time { return start })
	first, _ := ring.GenerateNewKey(ctx)

	s1, err := svc.Create(ctx, "user-3")
	if err != nil {
		t.Fatal(err)
	}

	ring.SetClock(func() time.Time { return start.Add(31 * 24 * time.Hour) })
	if err := ring.RotateKeys(ctx); err != nil {
		t.Fatal(err)
	}

	t.Run("old_token_verifies_during_grace", func(t *testing.T) {
		userID, err := svc.Verify(ctx, s1)
		if err != nil || userID != "user-3" {
			t.Errorf("verify after rotation: %q, %v", userID, err)
		}
	})

	t.Run("revocation_rejects_old_token", func(t *testing.T) {
		if err := ring.RevokeKey(ctx, first.ID); err != nil {
			t.Fatal(err)
		}
		// The key_revoked event flushes the cache synchronously in the
		// memory store, so the next verify re-reads the ring.
		if _, err := svc.Verify(ctx, s1); !apperr.Is(err, apperr.CodeInvalidToken) {
			t.Errorf("expected invalid_token, got %v", err)
		}
	})

	t.Run("new_token_still_verifies", func(t *testing.T) {
		s2, err := svc.Create(ctx, "user-3")
		if err != nil {
			t.Fatal(err)
		}
		userID, err := svc.Verify(ctx, s2)
		if err != nil || userID != "user-3" {
			t.Errorf("verify new token: %q, %v", userID, err)
		}
	})
}

func TestVerifyRejectsGarbage(t *testing.T) {
	ctx := context.Background()
	svc, ring, _ := testService(t)
	ring.GenerateNewKey(ctx)

	cases := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"not_a_jwt", "hello"},
		{"wrong_signature", func() string {
			tok := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{UserID: "x"})
			s, _ := tok.SignedString([]byte("wrong"))
			return s
		}()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Verify(ctx, tc.token); err == nil {
				t.Error("expected verification failure")
			}
		})
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	ctx := context.Background()
	svc, ring, _ := testService(t)
	key, _ := ring.GenerateNewKey(ctx)

	claims := Claims{
		UserID: "user-4",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = key.ID
	signed, _ := tok.SignedString(key.Secret)

	if _, err := svc.Verify(ctx, signed); !apperr.Is(err, apperr.CodeExpiredToken) {
		t.Errorf("expected expired_token, got %v", err)
	}
}

func TestVerifyUnknownKid(t *testing.T) {
	ctx := context.Background()
	svc, ring, _ := testService(t)
	ring.GenerateNewKey(ctx)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: "user-5",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	tok.Header["kid"] = "unknown-kid"
	signed, _ := tok.SignedString([]byte("whatever"))

	if _, err := svc.Verify(ctx, signed); !apperr.Is(err, apperr.CodeInvalidToken) {
		t.Errorf("expected invalid_token, got %v", err)
	}
}
