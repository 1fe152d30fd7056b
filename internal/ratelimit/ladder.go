package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dyadlabs/dyad-server/internal/apperr"
	"github.com/dyadlabs/dyad-server/internal/kvstore"
)

// KV layout for ladder state.
const (
	failPrefix    = "auth:fail:"    // per-IP failure count
	captchaPrefix = "auth:captcha:" // per-IP challenge flag
	lockoutPrefix = "auth:lockout:" // per-email failure count / lock flag
)

// progressiveDelays indexes pre-admission sleep by failed-attempt count.
// Attempts beyond the table use the last value.
var progressiveDelays = []time.Duration{
	0,
	time.Second,
	5 * time.Second,
	15 * time.Second,
	30 * time.Second,
}

const (
	challengeThreshold = 3
	lockoutThreshold   = 10
)

// Ladder escalates responses to repeated authentication failures:
// progressive delay, then a challenge requirement per IP, and lockout
// per email. State lives in the KV store so it survives restarts.
type Ladder struct {
	kv              kvstore.Store
	failWindow      time.Duration
	lockoutWindow   time.Duration
	lockoutCooldown time.Duration
	log             zerolog.Logger
	sleep           func(context.Context, time.Duration)
}

// NewLadder creates the abuse ladder.
func NewLadder(kv kvstore.Store, failWindow, lockoutWindow, lockoutCooldown time.Duration, log zerolog.Logger) *Ladder {
	return &Ladder{
		kv:              kv,
		failWindow:      failWindow,
		lockoutWindow:   lockoutWindow,
		lockoutCooldown: lockoutCooldown,
		log:             log,
		sleep:           sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// Admit gates an authentication attempt from ip against email. It sleeps
// the progressive delay for the IP's failure count, then rejects if a
// challenge is pending or the email is locked out. KV read failures
// admit (AP: availability over enforcement) with a logged alert.
func (l *Ladder) Admit(ctx context.Context, ip, email string) error {
	fails, err := l.getCount(ctx, failPrefix+ip)
	if err != nil {
		l.log.Error().Err(err).Msg("abuse ladder degraded, admitting without delay")
		return nil
	}

	delay := progressiveDelays[min(fails, len(progressiveDelays)-1)]
	l.sleep(ctx, delay)

	challenged, err := l.kv.Get(ctx, captchaPrefix+ip)
	if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		l.log.Error().Err(err).Msg("challenge lookup degraded, admitting")
	} else if err == nil && challenged == "required" {
		return apperr.New(apperr.CodeChallengeRequired, "challenge required")
	}

	if email != "" {
		locked, err := l.kv.Get(ctx, lockoutPrefix+strings.ToLower(email))
		if err == nil && strings.HasPrefix(locked, "locked") {
			return apperr.New(apperr.CodeAccountLocked, "account temporarily locked")
		}
	}
	return nil
}

// RecordFailure bumps the IP and email failure counters, escalating to a
// challenge requirement or an email lockout at their thresholds.
// Returns true when this failure locked the account.
func (l *Ladder) RecordFailure(ctx context.Context, ip, email string) (locked bool, err error) {
	fails, err := l.bump(ctx, failPrefix+ip, l.failWindow)
	if err != nil {
		return false, fmt.Errorf("record ip failure: %w", err)
	}
	if fails >= challengeThreshold {
		if err := l.kv.Set(ctx, captchaPrefix+ip, "required", l.failWindow); err != nil {
			return false, fmt.Errorf("set challenge: %w", err)
		}
	}

	if email == "" {
		return false, nil
	}
	emailKey := lockoutPrefix + strings.ToLower(email)
	emailFails, err := l.bump(ctx, emailKey, l.lockoutWindow)
	if err != nil {
		return false, fmt.Errorf("record email failure: %w", err)
	}
	if emailFails >= lockoutThreshold {
		if err := l.kv.Set(ctx, emailKey, "locked", l.lockoutCooldown); err != nil {
			return false, fmt.Errorf("set lockout: %w", err)
		}
		l.log.Warn().Str("ip", ip).Msg("account locked out after repeated failures")
		return true, nil
	}
	return false, nil
}

// RecordSuccess clears IP, challenge, and email state for the tuple.
func (l *Ladder) RecordSuccess(ctx context.Context, ip, email string) {
	for _, key := range []string{failPrefix + ip, captchaPrefix + ip} {
		if err := l.kv.Delete(ctx, key); err != nil {
			l.log.Warn().Err(err).Str("key", key).Msg("ladder reset failed")
		}
	}
	if email != "" {
		if err := l.kv.Delete(ctx, lockoutPrefix+strings.ToLower(email)); err != nil {
			l.log.Warn().Err(err).Msg("lockout reset failed")
		}
	}
}

// SolveChallenge clears the challenge requirement for ip.
func (l *Ladder) SolveChallenge(ctx context.Context, ip string) error {
	if err := l.kv.Delete(ctx, captchaPrefix+ip); err != nil {
		return err
	}
	return l.kv.Delete(ctx, failPrefix+ip)
}

// bump atomically-enough increments a windowed counter stored as text.
// The first failure sets the window TTL; later failures extend the count
// without touching it, matching a fixed abuse window.
func (l *Ladder) bump(ctx context.Context, key string, window time.Duration) (int, error) {
	created, err := l.kv.SetIfAbsent(ctx, key, "1", window)
	if err != nil {
		return 0, err
	}
	if created {
		return 1, nil
	}

	cur, err := l.getCount(ctx, key)
	if err != nil {
		return 0, err
	}
	next := cur + 1
	if err := l.kv.Set(ctx, key, strconv.Itoa(next), window); err != nil {
		return 0, err
	}
	return next, nil
}

func (l *Ladder) getCount(ctx context.Context, key string) (int, error) {
	v, err := l.kv.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if strings.HasPrefix(v, "locked") {
		return lockoutThreshold, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, nil
	}
	return n, nil
}
