// Package identity verifies externally issued identity tokens (Apple
// Sign-In) against the provider's remote JWKS. Verification results are
// cached briefly by raw token to shed repeated load from retrying clients.
package identity

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog"

	"github.com/dyadlabs/dyad-server/internal/apperr"
)

const (
	jwksCacheTTL = time.Hour
	// staleWindow bounds how long an unrefreshable JWKS keeps serving.
	staleWindow = 24 * time.Hour
	// resultTTL is the per-token verification result cache window.
	resultTTL = time.Minute
)

// Identity is the verified subject of an identity token.
type Identity struct {
	Subject string
	Email   string
}

// Options configures the verifier.
type Options struct {
	Issuer            string
	JWKSURL           string
	AcceptedAudiences []string
	FetchTimeout      time.Duration
}

// Verifier checks identity tokens against the provider JWKS.
type Verifier struct {
	opts   Options
	client *http.Client
	log    zerolog.Logger

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time

	resultMu sync.Mutex
	results  map[string]cachedResult
}

type cachedResult struct {
	identity Identity
	errCode  apperr.Code // empty on success
	errMsg   string
	cachedAt time.Time
}

// jwk is a single RSA public key in JWK form.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

// NewVerifier creates an identity verifier.
func NewVerifier(opts Options, log zerolog.Logger) *Verifier {
	timeout := opts.FetchTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Verifier{
		opts:    opts,
		client:  &http.Client{Timeout: timeout},
		log:     log,
		results: make(map[string]cachedResult),
	}
}

// Verify checks an identity token: signature against the JWKS, issuer,
// expiry, subject presence, and audience membership in the accepted list
// (any match wins, regardless of list order).
func (v *Verifier) Verify(ctx context.Context, tokenString string) (*Identity, error) {
	if cached, ok := v.cachedResult(tokenString); ok {
		if cached.errCode != "" {
			return nil, apperr.New(cached.errCode, cached.errMsg)
		}
		id := cached.identity
		return &id, nil
	}

	id, err := v.verify(ctx, tokenString)
	v.storeResult(tokenString, id, err)
	if err != nil {
		return nil, err
	}
	return id, nil
}

func (v *Verifier) verify(ctx context.Context, tokenString string) (*Identity, error) {
	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		key, err := v.keyFor(ctx, kid)
		if err != nil {
			return nil, err
		}
		return key, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		var upstream *upstreamError
		if errors.As(err, &upstream) {
			return nil, apperr.Wrap(apperr.CodeIdentityProvider, "identity provider unavailable", err)
		}
		return nil, apperr.Wrap(apperr.CodeInvalidToken, "invalid identity token", err)
	}
	if !tok.Valid {
		return nil, apperr.New(apperr.CodeInvalidToken, "invalid identity token")
	}

	// Expiry and issuer checks run explicitly so the audience loop below
	// is the only acceptance-order-sensitive part.
	now := time.Now()
	if !claims.VerifyExpiresAt(now.Unix(), true) {
		return nil, apperr.New(apperr.CodeInvalidToken, "identity token expired")
	}
	if !claims.VerifyIssuer(v.opts.Issuer, true) {
		return nil, apperr.New(apperr.CodeInvalidToken, "unexpected issuer")
	}

	// Accept any configured audience. Only the audience check tolerates
	// failure per candidate; every other failure short-circuits above.
	audOK := false
	for _, aud := range v.opts.AcceptedAudiences {
		if claims.VerifyAudience(aud, true) {
			audOK = true
			break
		}
	}
	if !audOK {
		v.log.Warn().Interface("aud", claims["aud"]).Msg("identity token audience not in accepted list")
		return nil, apperr.New(apperr.CodeInvalidToken, "unexpected audience")
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, apperr.New(apperr.CodeInvalidToken, "identity token missing subject")
	}
	email, _ := claims["email"].(string)

	return &Identity{Subject: sub, Email: email}, nil
}

// upstreamError marks JWKS transport failures so they map to
// IdentityProviderError rather than InvalidToken.
type upstreamError struct{ err error }

func (e *upstreamError) Error() string { return e.err.Error() }
func (e *upstreamError) Unwrap() error { return e.err }

// keyFor returns the RSA key for kid, refreshing the JWKS when the cache
// is past TTL. A failed refresh serves the stale set for a bounded window.
func (v *Verifier) keyFor(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	age := time.Since(v.fetchedAt)
	if v.keys == nil || age >= jwksCacheTTL {
		keys, err := v.fetchJWKS(ctx)
		if err != nil {
			if v.keys != nil && age < staleWindow {
				v.log.Warn().Err(err).Msg("jwks refresh failed, serving stale cache")
			} else {
				return nil, &upstreamError{err}
			}
		} else {
			v.keys = keys
			v.fetchedAt = time.Now()
		}
	}

	key, ok := v.keys[kid]
	if !ok {
		return nil, fmt.Errorf("no jwks key with kid %q", kid)
	}
	return key, nil
}

func (v *Verifier) fetchJWKS(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.opts.JWKSURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jwks fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("jwks read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks fetch status %d: %s", resp.StatusCode, body)
	}

	var set jwkSet
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("jwks parse: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := jwkToRSA(k)
		if err != nil {
			v.log.Warn().Err(err).Str("kid", k.Kid).Msg("skipping unparseable jwk")
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("jwks contained no usable RSA keys")
	}
	return keys, nil
}

func jwkToRSA(k jwk) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	e := new(big.Int).SetBytes(eBytes)
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(e.Int64()),
	}, nil
}

func (v *Verifier) cachedResult(token string) (cachedResult, bool) {
	v.resultMu.Lock()
	defer v.resultMu.Unlock()
	r, ok := v.results[token]
	if !ok || time.Since(r.cachedAt) >= resultTTL {
		delete(v.results, token)
		return cachedResult{}, false
	}
	return r, true
}

func (v *Verifier) storeResult(token string, id *Identity, err error) {
	r := cachedResult{cachedAt: time.Now()}
	if err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			r.errCode = ae.Code
			r.errMsg = ae.Message
		} else {
			r.errCode = apperr.CodeUnexpected
			r.errMsg = "verification failed"
		}
	} else {
		r.identity = *id
	}

	v.resultMu.Lock()
	// Bound the map; a flood of distinct bad tokens must not grow it forever.
	if len(v.results) > 4096 {
		v.results = make(map[string]cachedResult)
	}
	v.results[token] = r
	v.resultMu.Unlock()
}
