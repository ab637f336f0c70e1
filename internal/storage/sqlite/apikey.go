package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	gateway "github.com/Alpaca-Network/gatewayz/internal"
)

// CreateKey inserts a new API key.
func (s *Store) CreateKey(ctx context.Context, k *gateway.APIKey) error {
	scopes, err := marshalJSON(k.Scopes)
	if err != nil {
		return err
	}
	ips, err := marshalJSON(k.IPAllowlist)
	if err != nil {
		return err
	}
	referers, err := marshalJSON(k.RefererAllowlist)
	if err != nil {
		return err
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO api_keys (id, user_id, secret, name, is_active, is_primary, environment_tag,
		 scopes, expires_at, max_requests, requests_used, ip_allowlist, referer_allowlist, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.UserID, k.Secret, k.Name, boolToInt(k.IsActive), boolToInt(k.IsPrimary),
		k.EnvironmentTag, scopes, timeToStr(k.ExpiresAt), k.MaxRequests, k.RequestsUsed,
		ips, referers, k.CreatedAt.Format(time.RFC3339),
	)
	return wrapWriteErr(err)
}

const keySelect = `SELECT id, user_id, secret, name, is_active, is_primary, environment_tag,
 scopes, expires_at, max_requests, requests_used, ip_allowlist, referer_allowlist,
 last_used_at, created_at FROM api_keys`

// GetKeyBySecret retrieves an API key by its opaque secret.
func (s *Store) GetKeyBySecret(ctx context.Context, secret string) (*gateway.APIKey, error) {
	return scanKey(s.read.QueryRowContext(ctx, keySelect+` WHERE secret = ?`, secret))
}

// ListKeys returns all API keys for a user, newest first.
func (s *Store) ListKeys(ctx context.Context, userID string) ([]*gateway.APIKey, error) {
	rows, err := s.read.QueryContext(ctx,
		keySelect+` WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*gateway.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateKey updates an existing API key's mutable fields.
func (s *Store) UpdateKey(ctx context.Context, k *gateway.APIKey) error {
	scopes, err := marshalJSON(k.Scopes)
	if err != nil {
		return err
	}
	ips, err := marshalJSON(k.IPAllowlist)
	if err != nil {
		return err
	}
	referers, err := marshalJSON(k.RefererAllowlist)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET name=?, is_active=?, is_primary=?, scopes=?, expires_at=?,
		 max_requests=?, ip_allowlist=?, referer_allowlist=? WHERE id=?`,
		k.Name, boolToInt(k.IsActive), boolToInt(k.IsPrimary), scopes,
		timeToStr(k.ExpiresAt), k.MaxRequests, ips, referers, k.ID,
	)
	if err != nil {
		return wrapWriteErr(err)
	}
	return checkRowsAffected(result, "api key")
}

// DeleteKey removes an API key.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// CheckKeyNameUnique reports whether (userID, name) is free.
func (s *Store) CheckKeyNameUnique(ctx context.Context, userID, name, excludingID string) (bool, error) {
	var n int
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM api_keys WHERE user_id = ? AND name = ? AND id != ?`,
		userID, name, excludingID,
	).Scan(&n)
	return n == 0, err
}

// IncrementKeyUsage bumps requests_used by one.
func (s *Store) IncrementKeyUsage(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET requests_used = requests_used + 1 WHERE id = ?`, id)
	return err
}

// TouchKeyUsed updates the last_used_at timestamp.
func (s *Store) TouchKeyUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at=? WHERE id=?`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	return err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanKey(row scanner) (*gateway.APIKey, error) {
	var k gateway.APIKey
	var scopesJSON, ipsJSON, referersJSON sql.NullString
	var expiresAt, lastUsedAt, createdAt sql.NullString
	var active, primary int
	var maxRequests sql.NullInt64

	err := row.Scan(
		&k.ID, &k.UserID, &k.Secret, &k.Name, &active, &primary, &k.EnvironmentTag,
		&scopesJSON, &expiresAt, &maxRequests, &k.RequestsUsed,
		&ipsJSON, &referersJSON, &lastUsedAt, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.IsActive = active != 0
	k.IsPrimary = primary != 0
	if maxRequests.Valid {
		k.MaxRequests = &maxRequests.Int64
	}
	if scopesJSON.Valid {
		if err := json.Unmarshal([]byte(scopesJSON.String), &k.Scopes); err != nil {
			return nil, fmt.Errorf("unmarshal scopes: %w", err)
		}
	}
	if k.IPAllowlist, err = unmarshalStringSlice(ipsJSON); err != nil {
		return nil, err
	}
	if k.RefererAllowlist, err = unmarshalStringSlice(referersJSON); err != nil {
		return nil, err
	}
	k.ExpiresAt = parseTime(expiresAt)
	k.LastUsedAt = parseTime(lastUsedAt)
	if t := parseTime(createdAt); t != nil {
		k.CreatedAt = *t
	}
	return &k, nil
}

// helpers

func marshalJSON(v any) (sql.NullString, error) {
	switch t := v.(type) {
	case nil:
		return sql.NullString{}, nil
	case []string:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	case gateway.ScopeMap:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalStringSlice(ns sql.NullString) ([]string, error) {
	if !ns.Valid {
		return nil, nil
	}
	var s []string
	if err := json.Unmarshal([]byte(ns.String), &s); err != nil {
		return nil, fmt.Errorf("unmarshal string slice: %w", err)
	}
	return s, nil
}

func timeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, gateway.ErrNotFound)
	}
	return nil
}
