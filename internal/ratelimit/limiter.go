package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	gateway "github.com/Alpaca-Network/gatewayz/internal"
)

// windowStore is the persistence surface the limiter needs.
type windowStore interface {
	UpsertRateWindow(ctx context.Context, keyID string, kind gateway.WindowKind, start time.Time, requests, tokens int64) error
	GetRateWindows(ctx context.Context, keyID string, now time.Time) (minute, hour, day *gateway.RateWindow, err error)
}

// AuditSink records security and operational events without blocking.
type AuditSink interface {
	Record(ctx context.Context, e *gateway.AuditEntry)
}

// Limiter checks and commits sliding-window usage against the store.
// Store failures fail open: the request proceeds and the event is audited.
type Limiter struct {
	store windowStore
	audit AuditSink
	log   *slog.Logger
	now   func() time.Time
}

// NewLimiter creates a Limiter. audit may be nil.
func NewLimiter(store windowStore, audit AuditSink, log *slog.Logger) *Limiter {
	if log == nil {
		log = slog.Default()
	}
	return &Limiter{store: store, audit: audit, log: log, now: time.Now}
}

var windowKinds = []gateway.WindowKind{gateway.WindowMinute, gateway.WindowHour, gateway.WindowDay}

// Check verifies that one more request carrying estTokens fits every window.
// Call with estTokens 0 for a pure request-count precheck. On violation it
// returns a RateLimitError naming the tightest violated window.
func (l *Limiter) Check(ctx context.Context, keyID string, limits Limits, estTokens int64) error {
	now := l.now()
	minute, hour, day, err := l.store.GetRateWindows(ctx, keyID, now)
	if err != nil {
		l.failOpen(ctx, keyID, err)
		return nil
	}

	windows := map[gateway.WindowKind]*gateway.RateWindow{
		gateway.WindowMinute: minute,
		gateway.WindowHour:   hour,
		gateway.WindowDay:    day,
	}
	for _, kind := range windowKinds {
		w := windows[kind]
		if w == nil {
			continue // window not yet created, nothing consumed
		}
		reqLimit, tokLimit := limits.forKind(kind)
		if reqLimit > 0 && w.Requests+1 > reqLimit {
			return l.violation(ctx, keyID, kind, now, reqLimit-w.Requests)
		}
		if tokLimit > 0 && w.Tokens+estTokens > tokLimit {
			return l.violation(ctx, keyID, kind, now, 0)
		}
	}
	return nil
}

func (l *Limiter) violation(ctx context.Context, keyID string, kind gateway.WindowKind, now time.Time, remaining int64) error {
	if remaining < 0 {
		remaining = 0
	}
	retryAfter := kind.Truncate(now).Add(kind.Duration()).Sub(now)
	if l.audit != nil {
		details, _ := json.Marshal(map[string]string{"window": string(kind)})
		l.audit.Record(ctx, &gateway.AuditEntry{
			KeyID:   keyID,
			Action:  gateway.AuditRateLimitTrip,
			Details: details,
		})
	}
	return &gateway.RateLimitError{
		Kind:       string(kind),
		RetryAfter: retryAfter,
		Remaining:  remaining,
	}
}

// failOpen logs and audits a store failure and lets the request through.
func (l *Limiter) failOpen(ctx context.Context, keyID string, err error) {
	l.log.LogAttrs(ctx, slog.LevelWarn, "rate limiter failing open",
		slog.String("key_id", keyID), slog.String("error", err.Error()))
	if l.audit != nil {
		details, _ := json.Marshal(map[string]string{"error": err.Error()})
		l.audit.Record(ctx, &gateway.AuditEntry{
			KeyID:   keyID,
			Action:  gateway.AuditLimiterFailOpen,
			Details: details,
		})
	}
}

// Commit records one request and its token total into all three windows.
// Windows are created lazily by the upsert. A failed upsert does not stop the
// remaining windows from being stamped.
func (l *Limiter) Commit(ctx context.Context, keyID string, tokens int64) {
	now := l.now()
	var errs error
	for _, kind := range windowKinds {
		if err := l.store.UpsertRateWindow(ctx, keyID, kind, kind.Truncate(now), 1, tokens); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	if errs != nil {
		l.failOpen(ctx, keyID, errs)
	}
}
