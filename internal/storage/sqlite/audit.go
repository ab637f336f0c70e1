package sqlite

import (
	"context"
	"time"

	gateway "github.com/Alpaca-Network/gatewayz/internal"
)

// InsertAudit appends an audit entry. The audit log is insert-only.
func (s *Store) InsertAudit(ctx context.Context, e *gateway.AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	var details any
	if len(e.Details) > 0 {
		details = string(e.Details)
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO audit_log (user_id, key_id, action, details, ip, at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		nullIfEmpty(e.UserID), nullIfEmpty(e.KeyID), e.Action, details,
		nullIfEmpty(e.IP), e.At.UTC().Format(time.RFC3339),
	)
	return err
}
