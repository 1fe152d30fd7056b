// Package quota enforces the free-tier weekly conversation limit and the
// subscription entitlement check consulted before conversation creation.
package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dyadlabs/dyad-server/internal/apperr"
	"github.com/dyadlabs/dyad-server/internal/kvstore"
)

const counterPrefix = "quota:"

// Entitlement is the subscription status of a user as last reported by
// the external receipt-validation service.
type Entitlement int

const (
	EntitlementUnknown Entitlement = iota
	EntitlementFree
	EntitlementPaying
)

// SubscriptionChecker resolves a user's entitlement. Implementations may
// call out over the network; errors mean the status could not be
// determined right now.
type SubscriptionChecker interface {
	Entitlement(ctx context.Context, userID string) (Entitlement, error)
}

// Gate is the weekly free-tier quota gate. Counters are keyed by ISO
// week in the KV store; the reset boundary is the next Sunday 00:00 UTC.
type Gate struct {
	kv    kvstore.Store
	subs  SubscriptionChecker
	limit int
	log   zerolog.Logger
	now   func() time.Time

	mu        sync.Mutex
	lastKnown map[string]Entitlement
}

// NewGate creates a quota gate with the given weekly limit.
func NewGate(kv kvstore.Store, subs SubscriptionChecker, limit int, log zerolog.Logger) *Gate {
	return &Gate{
		kv:        kv,
		subs:      subs,
		limit:     limit,
		log:       log.With().Str("component", "quota").Logger(),
		now:       time.Now,
		lastKnown: make(map[string]Entitlement),
	}
}

// SetClock overrides the time source. Test hook.
func (g *Gate) SetClock(now func() time.Time) { g.now = now }

// Allow reports whether userID may create another conversation this week.
// When the subscription service is unreachable the gate fails open for
// users last known to be paying and fails closed for unknown status.
func (g *Gate) Allow(ctx context.Context, userID string) error {
	ent, err := g.subs.Entitlement(ctx, userID)
	if err != nil {
		last := g.getLastKnown(userID)
		if last == EntitlementPaying {
			g.log.Warn().Err(err).Str("user_id", userID).
				Msg("subscription check failed, admitting last-known paying user")
			return nil
		}
		g.log.Error().Err(err).Str("user_id", userID).
			Msg("subscription check failed for user with unknown status, denying")
		return apperr.Wrap(apperr.CodeQuotaExceeded, "unable to verify subscription status", err)
	}
	g.setLastKnown(userID, ent)

	if ent == EntitlementPaying {
		return nil
	}

	count, err := g.currentCount(ctx, userID)
	if err != nil {
		// KV trouble on a read path degrades to a cache miss.
		g.log.Warn().Err(err).Str("user_id", userID).Msg("quota read failed, admitting")
		return nil
	}

	if count >= g.limit {
		now := g.now()
		e := apperr.New(apperr.CodeQuotaExceeded, "weekly conversation limit reached")
		e.RetryAfter = int(nextSundayUTC(now).Sub(now).Seconds())
		return e
	}
	return nil
}

// Record counts one conversation against the current ISO week. Called
// after the conversation row is created.
func (g *Gate) Record(ctx context.Context, userID string) error {
	key := g.counterKey(userID)
	now := g.now()

	count, err := g.currentCount(ctx, userID)
	if err != nil {
		count = 0
	}
	ttl := nextSundayUTC(now).Sub(now)
	if err := g.kv.Set(ctx, key, strconv.Itoa(count+1), ttl); err != nil {
		g.log.Warn().Err(err).Str("user_id", userID).Msg("quota write failed")
		return apperr.Wrap(apperr.CodeKvUnavailable, "quota counter unavailable", err)
	}
	return nil
}

func (g *Gate) currentCount(ctx context.Context, userID string) (int, error) {
	v, err := g.kv.Get(ctx, g.counterKey(userID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("corrupt quota counter: %w", err)
	}
	return n, nil
}

func (g *Gate) counterKey(userID string) string {
	year, week := g.now().UTC().ISOWeek()
	return fmt.Sprintf("%s%s:%d-W%02d", counterPrefix, userID, year, week)
}

func (g *Gate) getLastKnown(userID string) Entitlement {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastKnown[userID]
}

func (g *Gate) setLastKnown(userID string, ent Entitlement) {
	g.mu.Lock()
	g.lastKnown[userID] = ent
	g.mu.Unlock()
}

// nextSundayUTC returns the next Sunday 00:00 UTC strictly after now.
func nextSundayUTC(now time.Time) time.Time {
	now = now.UTC()
	days := (7 - int(now.Weekday())) % 7
	if days == 0 {
		days = 7
	}
	d := now.AddDate(0, 0, days)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}

// StaticChecker reports the same entitlement for every user. Used when no
// subscription service is configured (everyone is free tier) and in tests.
type StaticChecker struct {
	Status Entitlement
	Err    error
}

func (c StaticChecker) Entitlement(ctx context.Context, userID string) (Entitlement, error) {
	return c.Status, c.Err
}

// HTTPChecker queries an external receipt-validation endpoint.
type HTTPChecker struct {
	baseURL string
	client  *http.Client
}

// NewHTTPChecker creates a checker against the given endpoint.
func NewHTTPChecker(baseURL string, timeout time.Duration) *HTTPChecker {
	return &HTTPChecker{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPChecker) Entitlement(ctx context.Context, userID string) (Entitlement, error) {
	u := c.baseURL + "?user_id=" + url.QueryEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return EntitlementUnknown, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return EntitlementUnknown, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return EntitlementUnknown, fmt.Errorf("subscription check: status %d", resp.StatusCode)
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return EntitlementUnknown, fmt.Errorf("subscription check: %w", err)
	}
	if body.Status == "active" {
		return EntitlementPaying, nil
	}
	return EntitlementFree, nil
}
