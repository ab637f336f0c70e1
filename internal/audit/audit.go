// Package audit persists security and operational events off the request path.
// Recording never blocks; entries are dropped when the buffer is full.
package audit

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/Alpaca-Network/gatewayz/internal"
)

const (
	chanSize  = 1000
	drainTime = 10 * time.Second
)

// Store is the persistence interface consumed by the Sink.
type Store interface {
	InsertAudit(ctx context.Context, e *gateway.AuditEntry) error
}

// Sink buffers audit entries and writes them to the store asynchronously.
type Sink struct {
	ch    chan *gateway.AuditEntry
	store Store
	log   *slog.Logger
	now   func() time.Time
}

// NewSink creates a Sink backed by store.
func NewSink(store Store, log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	return &Sink{
		ch:    make(chan *gateway.AuditEntry, chanSize),
		store: store,
		log:   log,
		now:   time.Now,
	}
}

// Name returns the worker identifier.
func (s *Sink) Name() string { return "audit_sink" }

// Record enqueues an entry. It never blocks; drops on full channel.
func (s *Sink) Record(_ context.Context, e *gateway.AuditEntry) {
	if e.At.IsZero() {
		e.At = s.now()
	}
	select {
	case s.ch <- e:
	default:
		s.log.Warn("audit entry dropped, channel full", "action", e.Action)
	}
}

// Run writes entries until ctx is cancelled, then drains the buffer.
func (s *Sink) Run(ctx context.Context) error {
	for {
		select {
		case e := <-s.ch:
			s.write(ctx, e)
		case <-ctx.Done():
			s.drain()
			return nil
		}
	}
}

func (s *Sink) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTime)
	defer cancel()

	for {
		select {
		case e := <-s.ch:
			s.write(ctx, e)
		default:
			return
		}
	}
}

func (s *Sink) write(ctx context.Context, e *gateway.AuditEntry) {
	if err := s.store.InsertAudit(ctx, e); err != nil {
		s.log.LogAttrs(ctx, slog.LevelError, "audit write failed",
			slog.String("action", e.Action),
			slog.String("error", err.Error()),
		)
	}
}
