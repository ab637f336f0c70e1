package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	gateway "github.com/Alpaca-Network/gatewayz/internal"
)

// InsertUsage batch-inserts usage records in a single transaction.
// request_id uniqueness is enforced by the schema; a duplicate fails the batch
// with a constraint error.
func (s *Store) InsertUsage(ctx context.Context, records []gateway.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert usage: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO usage_records (id, user_id, key_id, model, provider, tokens_prompt,
		 tokens_completion, cost_micro, latency_ms, request_id, finish_reason, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("insert usage: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.UserID, r.KeyID, r.Model, r.Provider,
			r.PromptTokens, r.CompletionTokens, gateway.MicroFromCredits(r.Cost),
			r.LatencyMs, r.RequestID, nullIfEmpty(r.FinishReason),
			r.Timestamp.UTC().Format(time.RFC3339),
		); err != nil {
			return wrapWriteErr(err)
		}
	}
	return tx.Commit()
}

// SumUsage aggregates requests and total tokens for a user since the given time.
func (s *Store) SumUsage(ctx context.Context, userID string, since time.Time) (int64, int64, error) {
	var requests, tokens int64
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(tokens_prompt + tokens_completion), 0)
		 FROM usage_records WHERE user_id = ? AND timestamp >= ?`,
		userID, since.UTC().Format(time.RFC3339),
	).Scan(&requests, &tokens)
	if err != nil {
		return 0, 0, err
	}
	return requests, tokens, nil
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
