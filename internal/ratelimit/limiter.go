// Package ratelimit implements sliding-window request counters and the
// authentication abuse ladder. Window counters are in-process and reset
// on restart; ladder state that must survive restarts lives in the KV
// store.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// maxKeysPerScope caps counter memory per scope; the sweeper evicts
// oldest-reset entries beyond it.
const maxKeysPerScope = 10000

// sweepInterval is how often the background sweep runs.
const sweepInterval = 5 * time.Minute

// Decision is the outcome of a rate-limit check with advisory fields for
// response headers.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      int64 // epoch seconds when the window resets
	RetryAfter int   // seconds; set only when !Allowed
}

type entry struct {
	count   int
	resetAt time.Time
}

type scope struct {
	mu      sync.Mutex
	max     int
	entries map[string]*entry
}

// Limiter tracks sliding-window counters per scope. A scope is a route
// class (auth, conversations, audio, default); the key within a scope is
// identity|method|path.
type Limiter struct {
	window time.Duration
	log    zerolog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	scopes map[string]*scope

	stop chan struct{}
	done chan struct{}
}

// NewLimiter creates a limiter with the given window.
func NewLimiter(window time.Duration, log zerolog.Logger) *Limiter {
	return &Limiter{
		window: window,
		log:    log,
		now:    time.Now,
		scopes: make(map[string]*scope),
	}
}

// SetClock overrides the limiter clock. Test hook.
func (l *Limiter) SetClock(now func() time.Time) { l.now = now }

// RegisterScope declares a scope and its per-window cap. Unregistered
// scopes fall back to a scope named "default", which must be registered.
func (l *Limiter) RegisterScope(name string, max int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scopes[name] = &scope{max: max, entries: make(map[string]*entry)}
}

// Check increments the counter for key in scope and decides admission.
func (l *Limiter) Check(scopeName, key string) Decision {
	l.mu.RLock()
	sc, ok := l.scopes[scopeName]
	if !ok {
		sc = l.scopes["default"]
	}
	l.mu.RUnlock()
	if sc == nil {
		// No scopes registered at all; fail open.
		return Decision{Allowed: true}
	}

	now := l.now()

	sc.mu.Lock()
	e, ok := sc.entries[key]
	if !ok || !e.resetAt.After(now) {
		e = &entry{resetAt: now.Add(l.window)}
		sc.entries[key] = e
	}
	e.count++
	count := e.count
	resetAt := e.resetAt
	sc.mu.Unlock()

	remaining := sc.max - count
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:   count <= sc.max,
		Limit:     sc.max,
		Remaining: remaining,
		Reset:     resetAt.Unix(),
	}
	if !d.Allowed {
		retry := int(resetAt.Sub(now).Seconds())
		if retry < 1 {
			retry = 1
		}
		d.RetryAfter = retry
	}
	return d
}

// Start launches the background sweeper.
func (l *Limiter) Start() {
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-l.stop:
				return
			case <-ticker.C:
				l.sweep()
			}
		}
	}()
}

// Stop halts the sweeper.
func (l *Limiter) Stop() {
	if l.stop == nil {
		return
	}
	close(l.stop)
	<-l.done
}

// sweep drops expired entries, then evicts oldest-reset entries from any
// scope still over the cap.
func (l *Limiter) sweep() {
	l.mu.RLock()
	scopes := make(map[string]*scope, len(l.scopes))
	for name, sc := range l.scopes {
		scopes[name] = sc
	}
	l.mu.RUnlock()

	now := l.now()
	for name, sc := range scopes {
		sc.mu.Lock()
		for k, e := range sc.entries {
			if !e.resetAt.After(now) {
				delete(sc.entries, k)
			}
		}
		evicted := 0
		for len(sc.entries) > maxKeysPerScope {
			oldestKey := ""
			var oldest time.Time
			for k, e := range sc.entries {
				if oldestKey == "" || e.resetAt.Before(oldest) {
					oldestKey, oldest = k, e.resetAt
				}
			}
			delete(sc.entries, oldestKey)
			evicted++
		}
		size := len(sc.entries)
		sc.mu.Unlock()

		if evicted > 0 {
			l.log.Warn().Str("scope", name).Int("evicted", evicted).Int("size", size).
				Msg("rate-limit scope over cap, evicted oldest entries")
		}
	}
}

// Key builds the composite counter key: identity|method|path where
// identity is userId if known, else the remote IP, else "unknown".
func Key(userID, remoteIP, method, path string) string {
	identity := userID
	if identity == "" {
		identity = remoteIP
	}
	if identity == "" {
		identity = "unknown"
	}
	return identity + "|" + method + "|" + path
}
