// Package token issues and verifies bearer session tokens. Tokens are
// HMAC-signed JWTs carrying the signing key id in the header; verifiers
// resolve the key through the key ring with a short local cache that is
// flushed whenever a key-updates event arrives.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog"

	"github.com/dyadlabs/dyad-server/internal/apperr"
	"github.com/dyadlabs/dyad-server/internal/keyring"
	"github.com/dyadlabs/dyad-server/internal/kvstore"
)

// cacheTTL bounds how long verification key material is reused before
// re-reading the ring.
const cacheTTL = 5 * time.Minute

// Claims is the session token payload.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Service signs and verifies session tokens.
type Service struct {
	ring         *keyring.Ring
	legacySecret string
	expiresIn    time.Duration
	log          zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedKey

	unsubscribe func()
}

type cachedKey struct {
	secret   []byte
	revoked  bool
	cachedAt time.Time
}

// New creates the token service and subscribes to key-update events so
// cached verification keys drop immediately on rotation or revocation.
func New(ctx context.Context, ring *keyring.Ring, kv kvstore.Store, legacySecret string, expiresIn time.Duration, log zerolog.Logger) (*Service, error) {
	s := &Service{
		ring:         ring,
		legacySecret: legacySecret,
		expiresIn:    expiresIn,
		log:          log,
		cache:        make(map[string]cachedKey),
	}

	cancel, err := kv.Subscribe(ctx, keyring.UpdatesChannel, func(payload string) {
		var ev keyring.UpdateEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return
		}
		s.flushCache()
		log.Debug().Str("event", ev.Event).Msg("verification key cache flushed")
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe key updates: %w", err)
	}
	s.unsubscribe = cancel
	return s, nil
}

// Close stops the key-update subscription.
func (s *Service) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// Create issues a session token for userId. When the ring has no current
// signing key the legacy configured secret signs instead, and the token
// carries no kid.
func (s *Service) Create(ctx context.Context, userID string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiresIn)),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	key, err := s.ring.CurrentSigningKey(ctx)
	if err != nil {
		return "", fmt.Errorf("load signing key: %w", err)
	}
	if key == nil {
		s.log.Warn().Msg("no current signing key, issuing with legacy secret")
		return tok.SignedString([]byte(s.legacySecret))
	}

	tok.Header["kid"] = key.ID
	return tok.SignedString(key.Secret)
}

// Verify checks a session token and returns the user id it carries.
// Failures map to the auth error taxonomy with coarse reasons only.
func (s *Service) Verify(ctx context.Context, tokenString string) (string, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}

		kid, hasKid := t.Header["kid"].(string)
		if !hasKid || kid == "" {
			// Legacy token issued before the key ring existed.
			return []byte(s.legacySecret), nil
		}

		secret, revoked, err := s.verificationKey(ctx, kid)
		if err != nil {
			return nil, err
		}
		if revoked || secret == nil {
			return nil, errKeyUnusable
		}
		return secret, nil
	})

	if err != nil {
		return "", mapVerifyError(err)
	}
	if !tok.Valid || claims.UserID == "" {
		return "", apperr.New(apperr.CodeInvalidToken, "invalid payload")
	}
	return claims.UserID, nil
}

var errKeyUnusable = errors.New("signing key revoked or unknown")

func mapVerifyError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperr.New(apperr.CodeExpiredToken, "expired")
	case errors.Is(err, errKeyUnusable), errors.Is(err, jwt.ErrSignatureInvalid):
		return apperr.New(apperr.CodeInvalidToken, "invalid signature")
	default:
		return apperr.Wrap(apperr.CodeInvalidToken, "invalid payload", err)
	}
}

// verificationKey resolves key material for kid, consulting the local
// cache first. Unknown kids are cached too, so a storm of bad tokens
// does not hammer the KV store.
func (s *Service) verificationKey(ctx context.Context, kid string) ([]byte, bool, error) {
	s.mu.Lock()
	entry, ok := s.cache[kid]
	s.mu.Unlock()
	if ok && time.Since(entry.cachedAt) < cacheTTL {
		return entry.secret, entry.revoked, nil
	}

	key, err := s.ring.GetKeyByID(ctx, kid)
	if err != nil {
		// KV trouble on a read path: fall back to stale cache if any.
		if ok {
			s.log.Warn().Err(err).Str("key_id", kid).Msg("key lookup failed, serving stale cache")
			return entry.secret, entry.revoked, nil
		}
		return nil, false, err
	}

	fresh := cachedKey{cachedAt: time.Now()}
	if key != nil {
		fresh.secret = key.Secret
		fresh.revoked = key.Revoked
	}
	s.mu.Lock()
	s.cache[kid] = fresh
	s.mu.Unlock()

	return fresh.secret, fresh.revoked, nil
}

func (s *Service) flushCache() {
	s.mu.Lock()
	s.cache = make(map[string]cachedKey)
	s.mu.Unlock()
}
