package ratelimit

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLimiterWindow(t *testing.T) {
	l := NewLimiter(15*time.Minute, zerolog.Nop())
	l.RegisterScope("auth", 5)

	now := time.Now()
	l.SetClock(func() time.Time { return now })

	key := Key("", "198.51.100.7", "POST", "/api/v1/auth/apple")

	t.Run("allows_up_to_max", func(t *testing.T) {
		for i := 1; i <= 5; i++ {
			d := l.Check("auth", key)
			if !d.Allowed {
				t.Fatalf("request %d should be allowed", i)
			}
			if d.Remaining != 5-i {
				t.Errorf("request %d: remaining = %d, want %d", i, d.Remaining, 5-i)
			}
		}
	})

	t.Run("rejects_over_max", func(t *testing.T) {
		d := l.Check("auth", key)
		if d.Allowed {
			t.Fatal("6th request should be rejected")
		}
		if d.Remaining != 0 {
			t.Errorf("remaining = %d, want 0", d.Remaining)
		}
		if d.RetryAfter <= 0 || d.RetryAfter > 900 {
			t.Errorf("retry-after = %d, want (0, 900]", d.RetryAfter)
		}
	})

	t.Run("window_expiry_resets", func(t *testing.T) {
		l.SetClock(func() time.Time { return now.Add(16 * time.Minute) })
		d := l.Check("auth", key)
		if !d.Allowed {
			t.Error("request after window expiry should be allowed")
		}
		if d.Remaining != 4 {
			t.Errorf("remaining = %d, want 4", d.Remaining)
		}
	})
}

func TestLimiterScopeFallback(t *testing.T) {
	l := NewLimiter(time.Minute, zerolog.Nop())
	l.RegisterScope("default", 2)

	key := Key("user-1", "10.0.0.1", "GET", "/api/v1/conversations")
	l.Check("unregistered", key)
	l.Check("unregistered", key)
	d := l.Check("unregistered", key)
	if d.Allowed {
		t.Error("unregistered scope should use the default cap")
	}
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	l := NewLimiter(time.Minute, zerolog.Nop())
	l.RegisterScope("default", 1)

	a := Key("user-a", "", "GET", "/x")
	b := Key("user-b", "", "GET", "/x")
	l.Check("default", a)
	if d := l.Check("default", b); !d.Allowed {
		t.Error("different identities must not share a counter")
	}
	if d := l.Check("default", a); d.Allowed {
		t.Error("same identity should be over its cap")
	}
}

func TestKeyIdentityPrecedence(t *testing.T) {
	cases := []struct {
		name                 string
		userID, ip, expected string
	}{
		{"user_id_wins", "u1", "1.2.3.4", "u1|GET|/p"},
		{"ip_fallback", "", "1.2.3.4", "1.2.3.4|GET|/p"},
		{"unknown_fallback", "", "", "unknown|GET|/p"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Key(tc.userID, tc.ip, "GET", "/p"); got != tc.expected {
				t.Errorf("got %q, want %q", got, tc.expected)
			}
		})
	}
}

func TestSweepEvictsExpired(t *testing.T) {
	l := NewLimiter(time.Minute, zerolog.Nop())
	l.RegisterScope("default", 10)

	now := time.Now()
	l.SetClock(func() time.Time { return now })

	for _, k := range []string{"a", "b", "c"} {
		l.Check("default", k)
	}

	l.SetClock(func() time.Time { return now.Add(2 * time.Minute) })
	l.sweep()

	l.mu.RLock()
	size := len(l.scopes["default"].entries)
	l.mu.RUnlock()
	if size != 0 {
		t.Errorf("sweep left %d expired entries", size)
	}
}
