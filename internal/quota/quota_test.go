package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dyadlabs/dyad-server/internal/apperr"
	"github.com/dyadlabs/dyad-server/internal/kvstore"
)

func newTestGate(t *testing.T, subs SubscriptionChecker, limit int) *Gate {
	t.Helper()
	return NewGate(kvstore.NewMemoryStore(), subs, limit, zerolog.Nop())
}

func TestGateAllowsUnderLimit(t *testing.T) {
	ctx := context.Background()
	g := newTestGate(t, StaticChecker{Status: EntitlementFree}, 3)

	for i := 0; i < 3; i++ {
		if err := g.Allow(ctx, "u1"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if err := g.Record(ctx, "u1"); err != nil {
			t.Fatal(err)
		}
	}

	err := g.Allow(ctx, "u1")
	if !apperr.Is(err, apperr.CodeQuotaExceeded) {
		t.Fatalf("err = %v, want quota_exceeded", err)
	}
	var ae *apperr.Error
	errors.As(err, &ae)
	if ae.RetryAfter <= 0 || ae.RetryAfter > 7*24*3600 {
		t.Errorf("RetryAfter = %d, want within one week", ae.RetryAfter)
	}
}

func TestGateCountersAreIsolatedPerUser(t *testing.T) {
	ctx := context.Background()
	g := newTestGate(t, StaticChecker{Status: EntitlementFree}, 1)

	g.Record(ctx, "u1")
	if err := g.Allow(ctx, "u1"); !apperr.Is(err, apperr.CodeQuotaExceeded) {
		t.Fatalf("u1 err = %v", err)
	}
	if err := g.Allow(ctx, "u2"); err != nil {
		t.Errorf("u2 should be unaffected: %v", err)
	}
}

func TestGateResetsOnNewWeek(t *testing.T) {
	ctx := context.Background()
	g := newTestGate(t, StaticChecker{Status: EntitlementFree}, 1)

	// Mid-week Wednesday.
	now := time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return now })

	g.Record(ctx, "u1")
	if err := g.Allow(ctx, "u1"); !apperr.Is(err, apperr.CodeQuotaExceeded) {
		t.Fatalf("err = %v", err)
	}

	// The following Monday lands in a new ISO week.
	now = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	if err := g.Allow(ctx, "u1"); err != nil {
		t.Errorf("new week should reset: %v", err)
	}
}

func TestGatePayingUserUnlimited(t *testing.T) {
	ctx := context.Background()
	g := newTestGate(t, StaticChecker{Status: EntitlementPaying}, 1)

	for i := 0; i < 10; i++ {
		if err := g.Allow(ctx, "u1"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		g.Record(ctx, "u1")
	}
}

func TestGateSubscriptionCheckFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("fails_closed_for_unknown_status", func(t *testing.T) {
		g := newTestGate(t, StaticChecker{Err: errors.New("unreachable")}, 100)
		err := g.Allow(ctx, "u1")
		if !apperr.Is(err, apperr.CodeQuotaExceeded) {
			t.Errorf("err = %v, want quota_exceeded", err)
		}
	})

	t.Run("fails_open_for_last_known_paying", func(t *testing.T) {
		checker := &flakyChecker{status: EntitlementPaying}
		g := newTestGate(t, checker, 100)

		if err := g.Allow(ctx, "u1"); err != nil {
			t.Fatal(err)
		}

		checker.fail = true
		if err := g.Allow(ctx, "u1"); err != nil {
			t.Errorf("last-known paying user should be admitted: %v", err)
		}
	})
}

type flakyChecker struct {
	status Entitlement
	fail   bool
}

func (c *flakyChecker) Entitlement(ctx context.Context, userID string) (Entitlement, error) {
	if c.fail {
		return EntitlementUnknown, errors.New("unreachable")
	}
	return c.status, nil
}

func TestNextSundayUTC(t *testing.T) {
	cases := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			"midweek",
			time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC), // Wednesday
			time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC),
		},
		{
			"saturday_night",
			time.Date(2025, 3, 8, 23, 59, 59, 0, time.UTC),
			time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC),
		},
		{
			"exactly_sunday_midnight_rolls_forward",
			time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC),
			time.Date(2025, 3, 16, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := nextSundayUTC(tc.now); !got.Equal(tc.want) {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}
