package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	gateway "github.com/Alpaca-Network/gatewayz/internal"
)

type fakeAuditStore struct {
	mu      sync.Mutex
	entries []*gateway.AuditEntry
	err     error
}

func (f *fakeAuditStore) InsertAudit(_ context.Context, e *gateway.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeAuditStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func TestSinkWritesEntries(t *testing.T) {
	t.Parallel()

	store := &fakeAuditStore{}
	sink := NewSink(store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = sink.Run(ctx)
		close(done)
	}()

	for range 3 {
		sink.Record(context.Background(), &gateway.AuditEntry{
			KeyID:  "k1",
			Action: gateway.AuditRateLimitTrip,
		})
	}

	deadline := time.After(2 * time.Second)
	for store.count() < 3 {
		select {
		case <-deadline:
			t.Fatalf("entries written = %d, want 3", store.count())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done

	store.mu.Lock()
	defer store.mu.Unlock()
	for _, e := range store.entries {
		if e.At.IsZero() {
			t.Error("entry timestamp should be stamped on record")
		}
	}
}

func TestSinkDrainsOnShutdown(t *testing.T) {
	t.Parallel()

	store := &fakeAuditStore{}
	sink := NewSink(store, nil)

	// Enqueue before the worker starts, then cancel immediately: entries
	// must still land via the drain path.
	for range 5 {
		sink.Record(context.Background(), &gateway.AuditEntry{Action: gateway.AuditSecurityViolation})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sink.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if got := store.count(); got != 5 {
		t.Errorf("entries after drain = %d, want 5", got)
	}
}

func TestSinkNeverBlocksWhenFull(t *testing.T) {
	t.Parallel()

	sink := NewSink(&fakeAuditStore{err: errors.New("down")}, nil)

	// No worker running; overfill the channel and make sure Record returns.
	done := make(chan struct{})
	go func() {
		for range chanSize + 10 {
			sink.Record(context.Background(), &gateway.AuditEntry{Action: gateway.AuditKeyCreated})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a full channel")
	}
}
