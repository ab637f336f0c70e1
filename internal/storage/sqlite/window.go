package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/Alpaca-Network/gatewayz/internal"
)

// UpsertRateWindow adds deltas to a window row, creating it lazily. The upsert
// runs on the single-writer connection, so concurrent updates against the same
// (key, kind, window_start) linearize and counters stay monotonic.
func (s *Store) UpsertRateWindow(ctx context.Context, keyID string, kind gateway.WindowKind, windowStart time.Time, requestsDelta, tokensDelta int64) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO rate_limit_windows (key_id, window_kind, window_start, requests_count, tokens_count)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (key_id, window_kind, window_start) DO UPDATE SET
		 requests_count = requests_count + excluded.requests_count,
		 tokens_count = tokens_count + excluded.tokens_count`,
		keyID, string(kind), windowStart.UTC().Format(time.RFC3339), requestsDelta, tokensDelta,
	)
	return wrapWriteErr(err)
}

// GetRateWindows returns the current minute/hour/day rows for a key.
// Windows with no row yet come back nil.
func (s *Store) GetRateWindows(ctx context.Context, keyID string, now time.Time) (*gateway.RateWindow, *gateway.RateWindow, *gateway.RateWindow, error) {
	kinds := []gateway.WindowKind{gateway.WindowMinute, gateway.WindowHour, gateway.WindowDay}
	out := make([]*gateway.RateWindow, 3)
	for i, kind := range kinds {
		start := kind.Truncate(now)
		w := gateway.RateWindow{KeyID: keyID, Kind: kind, WindowStart: start}
		err := s.read.QueryRowContext(ctx,
			`SELECT requests_count, tokens_count FROM rate_limit_windows
			 WHERE key_id = ? AND window_kind = ? AND window_start = ?`,
			keyID, string(kind), start.UTC().Format(time.RFC3339),
		).Scan(&w.Requests, &w.Tokens)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, nil, nil, err
		}
		out[i] = &w
	}
	return out[0], out[1], out[2], nil
}

// PruneRateWindows deletes rows whose window ended before cutoff.
func (s *Store) PruneRateWindows(ctx context.Context, cutoff time.Time) (int64, error) {
	// A day window started more than 24h before cutoff has certainly elapsed;
	// shorter kinds are covered by the same bound.
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM rate_limit_windows WHERE window_start < ?`,
		cutoff.Add(-24*time.Hour).UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
