// Package keyring manages the rotating pool of session-token signing keys.
// Key secrets live in the KV store encrypted at rest; rotation runs under a
// distributed lock so only one process rotates at a time. Rotation and
// revocation are announced on the key-updates channel so verifiers can
// drop cached key material.
package keyring

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dyadlabs/dyad-server/internal/crypto"
	"github.com/dyadlabs/dyad-server/internal/kvstore"
	"github.com/dyadlabs/dyad-server/internal/metrics"
)

// KV layout.
const (
	keyPrefix     = "keys:"
	allKeysKey    = "keys:all"
	revokedKey    = "keys:revoked"
	currentKeyKey = "keys:current"
	rotationLock  = "keys:rotation:lock"

	// UpdatesChannel carries key_rotated / key_revoked events.
	UpdatesChannel = "key-updates"
)

// Key statuses.
const (
	StatusActive   = "active"
	StatusRotating = "rotating"
	StatusExpired  = "expired"
)

// secretLen is the raw signing secret length (512 bits).
const secretLen = 64

// Key is a signing key. Secret is plaintext in memory only; the stored
// record carries it encrypted.
type Key struct {
	ID        string
	Secret    []byte
	Algorithm string
	Status    string
	// Revoked means the key is in the revocation set: it must not verify.
	// A merely expired key still verifies until its envelope TTL passes.
	Revoked   bool
	CreatedAt time.Time
	ExpiresAt time.Time
}

// storedKey is the KV record. Secret is a crypto envelope (JSON string).
type storedKey struct {
	ID        string `json:"id"`
	Secret    string `json:"secret"`
	Algorithm string `json:"algorithm"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// UpdateEvent is the payload published on UpdatesChannel.
type UpdateEvent struct {
	Event string `json:"event"` // "key_rotated" or "key_revoked"
	KeyID string `json:"key_id,omitempty"`
}

// Options configures the ring schedule.
type Options struct {
	RotationInterval time.Duration
	GracePeriod      time.Duration
	MaxActiveKeys    int
	LockTTL          time.Duration
}

// Ring is the key-ring service.
type Ring struct {
	kv      kvstore.Store
	enc     *crypto.Service
	opts    Options
	nonce   string // per-process identity for the rotation lock
	log     zerolog.Logger
	nowFunc func() time.Time
}

// New creates a Ring.
func New(kv kvstore.Store, enc *crypto.Service, opts Options, log zerolog.Logger) *Ring {
	return &Ring{
		kv:      kv,
		enc:     enc,
		opts:    opts,
		nonce:   uuid.NewString(),
		log:     log,
		nowFunc: time.Now,
	}
}

// SetClock overrides the ring's clock. Test hook.
func (r *Ring) SetClock(now func() time.Time) { r.nowFunc = now }

// GenerateNewKey creates a fresh active key, persists it encrypted with a
// TTL matching its expiry, and claims the current-signer slot if vacant.
func (r *Ring) GenerateNewKey(ctx context.Context) (*Key, error) {
	secret := make([]byte, secretLen)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}

	now := r.nowFunc()
	key := &Key{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Secret:    secret,
		Algorithm: "HS256",
		Status:    StatusActive,
		CreatedAt: now,
		ExpiresAt: now.Add(r.opts.RotationInterval + r.opts.GracePeriod),
	}

	if err := r.persist(ctx, key); err != nil {
		return nil, err
	}
	if err := r.kv.SetAdd(ctx, allKeysKey, key.ID); err != nil {
		return nil, fmt.Errorf("register key: %w", err)
	}

	// Claim the current-signer slot only if no key holds it yet.
	if _, err := r.kv.SetIfAbsent(ctx, currentKeyKey, key.ID, 0); err != nil {
		return nil, fmt.Errorf("claim current key: %w", err)
	}

	r.log.Info().Str("key_id", key.ID).Time("expires_at", key.ExpiresAt).Msg("signing key generated")
	return key, nil
}

// GetKeyByID loads and decrypts a key. Revoked keys are reported with
// status expired. Returns nil, nil when the key does not exist or its
// envelope cannot be opened (fail-closed: a corrupt key must not sign).
func (r *Ring) GetKeyByID(ctx context.Context, id string) (*Key, error) {
	data, err := r.kv.Get(ctx, keyPrefix+id)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	key, err := r.decode(data)
	if err != nil {
		r.log.Error().Err(err).Str("key_id", id).Msg("signing key envelope unreadable, treating as missing")
		return nil, nil
	}

	revoked, err := r.kv.SetContains(ctx, revokedKey, id)
	if err != nil {
		return nil, err
	}
	if revoked {
		key.Status = StatusExpired
		key.Revoked = true
	}
	return key, nil
}

// GetActiveKeys returns all non-expired keys with status active or
// rotating, newest first.
func (r *Ring) GetActiveKeys(ctx context.Context) ([]*Key, error) {
	ids, err := r.kv.SetMembers(ctx, allKeysKey)
	if err != nil {
		return nil, err
	}

	now := r.nowFunc()
	var keys []*Key
	for _, id := range ids {
		key, err := r.GetKeyByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if key == nil {
			// Envelope TTL passed; drop the dangling set member.
			_ = r.kv.SetRemove(ctx, allKeysKey, id)
			continue
		}
		if key.Status == StatusExpired || !key.ExpiresAt.After(now) {
			continue
		}
		keys = append(keys, key)
	}

	sort.Slice(keys, func(i, j int) bool {
		return keys[i].CreatedAt.After(keys[j].CreatedAt)
	})
	return keys, nil
}

// CurrentSigningKeyID returns the id of the current signer, or "" if none.
func (r *Ring) CurrentSigningKeyID(ctx context.Context) (string, error) {
	id, err := r.kv.Get(ctx, currentKeyKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return "", nil
	}
	return id, err
}

// CurrentSigningKey returns the current signer with its secret, or nil.
func (r *Ring) CurrentSigningKey(ctx context.Context) (*Key, error) {
	id, err := r.CurrentSigningKeyID(ctx)
	if err != nil || id == "" {
		return nil, err
	}
	key, err := r.GetKeyByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if key != nil && key.Status == StatusExpired {
		return nil, nil
	}
	return key, nil
}

// RotateKeys replaces the current signer if it is older than the rotation
// interval. The previous signer moves to rotating status and keeps
// verifying until its TTL; keys beyond MaxActiveKeys expire.
func (r *Ring) RotateKeys(ctx context.Context) error {
	now := r.nowFunc()

	current, err := r.CurrentSigningKey(ctx)
	if err != nil {
		return err
	}
	if current != nil && now.Sub(current.CreatedAt) < r.opts.RotationInterval {
		r.log.Debug().Str("key_id", current.ID).Msg("current key within rotation interval, skipping")
		return nil
	}

	fresh, err := r.GenerateNewKey(ctx)
	if err != nil {
		return fmt.Errorf("rotate: %w", err)
	}

	if current != nil {
		current.Status = StatusRotating
		if err := r.persist(ctx, current); err != nil {
			return fmt.Errorf("demote previous key: %w", err)
		}
	}

	if err := r.kv.Set(ctx, currentKeyKey, fresh.ID, 0); err != nil {
		return fmt.Errorf("promote new key: %w", err)
	}

	if err := r.trim(ctx, fresh.ID); err != nil {
		return err
	}

	r.publish(ctx, UpdateEvent{Event: "key_rotated", KeyID: fresh.ID})
	metrics.KeyRotationsTotal.Inc()
	r.log.Info().Str("key_id", fresh.ID).Msg("signing keys rotated")
	return nil
}

// RevokeKey marks a key expired immediately. Sessions signed with it stop
// verifying as soon as caches drop it.
func (r *Ring) RevokeKey(ctx context.Context, id string) error {
	if err := r.kv.SetAdd(ctx, revokedKey, id); err != nil {
		return err
	}

	if data, err := r.kv.Get(ctx, keyPrefix+id); err == nil {
		if key, derr := r.decode(data); derr == nil {
			key.Status = StatusExpired
			if perr := r.persist(ctx, key); perr != nil {
				return perr
			}
		}
	}

	r.publish(ctx, UpdateEvent{Event: "key_revoked", KeyID: id})
	r.log.Warn().Str("key_id", id).Msg("signing key revoked")
	return nil
}

// CheckAndRotateKeys runs RotateKeys under the distributed rotation lock.
// Silently returns when another process holds the lock.
func (r *Ring) CheckAndRotateKeys(ctx context.Context) error {
	acquired, err := r.kv.SetIfAbsent(ctx, rotationLock, r.nonce, r.opts.LockTTL)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}

	rotateErr := r.RotateKeys(ctx)

	// Release only if we still hold the lock; a TTL expiry mid-rotation
	// means another process may own it now.
	holder, err := r.kv.Get(ctx, rotationLock)
	if err == nil && holder == r.nonce {
		if derr := r.kv.Delete(ctx, rotationLock); derr != nil {
			r.log.Warn().Err(derr).Msg("rotation lock release failed")
		}
	} else {
		r.log.Warn().Msg("rotation lock lost before release; rotation may have overlapped")
	}

	return rotateErr
}

// trim expires all but the MaxActiveKeys newest active keys. keepID is
// always retained.
func (r *Ring) trim(ctx context.Context, keepID string) error {
	keys, err := r.GetActiveKeys(ctx)
	if err != nil {
		return err
	}
	if len(keys) <= r.opts.MaxActiveKeys {
		return nil
	}

	for _, key := range keys[r.opts.MaxActiveKeys:] {
		if key.ID == keepID {
			continue
		}
		key.Status = StatusExpired
		if err := r.persist(ctx, key); err != nil {
			return err
		}
		r.log.Info().Str("key_id", key.ID).Msg("signing key expired by trim")
	}
	return nil
}

func (r *Ring) persist(ctx context.Context, key *Key) error {
	envelope, err := r.enc.EncryptToJSON(key.Secret)
	if err != nil {
		return fmt.Errorf("encrypt key secret: %w", err)
	}

	rec := storedKey{
		ID:        key.ID,
		Secret:    envelope,
		Algorithm: key.Algorithm,
		Status:    key.Status,
		CreatedAt: key.CreatedAt.Unix(),
		ExpiresAt: key.ExpiresAt.Unix(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	ttl := key.ExpiresAt.Sub(r.nowFunc())
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := r.kv.Set(ctx, keyPrefix+key.ID, string(data), ttl); err != nil {
		return fmt.Errorf("store key: %w", err)
	}
	return nil
}

func (r *Ring) decode(data string) (*Key, error) {
	var rec storedKey
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("parse key record: %w", err)
	}
	secret, err := r.enc.DecryptFromJSON(rec.Secret)
	if err != nil {
		return nil, fmt.Errorf("open key envelope: %w", err)
	}
	return &Key{
		ID:        rec.ID,
		Secret:    secret,
		Algorithm: rec.Algorithm,
		Status:    rec.Status,
		CreatedAt: time.Unix(rec.CreatedAt, 0),
		ExpiresAt: time.Unix(rec.ExpiresAt, 0),
	}, nil
}

func (r *Ring) publish(ctx context.Context, ev UpdateEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := r.kv.Publish(ctx, UpdatesChannel, string(data)); err != nil {
		r.log.Warn().Err(err).Str("event", ev.Event).Msg("key update publish failed")
	}
}
