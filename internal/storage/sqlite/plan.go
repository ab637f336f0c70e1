package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	gateway "github.com/Alpaca-Network/gatewayz/internal"
)

const planSelect = `SELECT id, name, type, daily_request_limit, monthly_request_limit,
 daily_token_limit, monthly_token_limit, max_concurrent_requests, features, price_micro,
 is_active FROM plans`

// ListPlans returns all plans.
func (s *Store) ListPlans(ctx context.Context) ([]*gateway.Plan, error) {
	rows, err := s.read.QueryContext(ctx, planSelect+` ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []*gateway.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// GetPlan retrieves a plan by id.
func (s *Store) GetPlan(ctx context.Context, id string) (*gateway.Plan, error) {
	return scanPlan(s.read.QueryRowContext(ctx, planSelect+` WHERE id = ?`, id))
}

// CreatePlan inserts a plan (used by bootstrap and tests).
func (s *Store) CreatePlan(ctx context.Context, p *gateway.Plan) error {
	features, err := marshalJSON(p.Features)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO plans (id, name, type, daily_request_limit, monthly_request_limit,
		 daily_token_limit, monthly_token_limit, max_concurrent_requests, features,
		 price_micro, is_active) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, string(p.Type), p.DailyRequestLimit, p.MonthlyRequestLimit,
		p.DailyTokenLimit, p.MonthlyTokenLimit, p.MaxConcurrentRequests, features,
		gateway.MicroFromCredits(p.Price), boolToInt(p.IsActive),
	)
	return wrapWriteErr(err)
}

func scanPlan(row scanner) (*gateway.Plan, error) {
	var p gateway.Plan
	var typ string
	var features sql.NullString
	var priceMicro int64
	var active int

	err := row.Scan(&p.ID, &p.Name, &typ, &p.DailyRequestLimit, &p.MonthlyRequestLimit,
		&p.DailyTokenLimit, &p.MonthlyTokenLimit, &p.MaxConcurrentRequests,
		&features, &priceMicro, &active)
	if err != nil {
		return nil, notFoundErr(err)
	}
	p.Type = gateway.PlanType(typ)
	p.Price = gateway.CreditsFromMicro(priceMicro)
	p.IsActive = active != 0
	if p.Features, err = unmarshalStringSlice(features); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetActiveUserPlan returns the single active plan assignment for a user.
func (s *Store) GetActiveUserPlan(ctx context.Context, userID string) (*gateway.UserPlan, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, user_id, plan_id, started_at, expires_at, is_active
		 FROM user_plans WHERE user_id = ? AND is_active = 1`, userID)
	return scanUserPlan(row)
}

// AssignPlan deactivates any existing assignment and inserts the new one in a
// single transaction, preserving the at-most-one-active invariant.
func (s *Store) AssignPlan(ctx context.Context, up *gateway.UserPlan) error {
	if up.ID == "" {
		up.ID = uuid.Must(uuid.NewV7()).String()
	}
	if up.StartedAt.IsZero() {
		up.StartedAt = time.Now().UTC()
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("assign plan: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`UPDATE user_plans SET is_active = 0 WHERE user_id = ? AND is_active = 1`,
		up.UserID,
	); err != nil {
		return wrapWriteErr(err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO user_plans (id, user_id, plan_id, started_at, expires_at, is_active)
		 VALUES (?, ?, ?, ?, ?, 1)`,
		up.ID, up.UserID, up.PlanID, up.StartedAt.UTC().Format(time.RFC3339),
		timeToStr(up.ExpiresAt),
	); err != nil {
		return wrapWriteErr(err)
	}
	return tx.Commit()
}

// DeactivateUserPlan clears the user's active assignment.
func (s *Store) DeactivateUserPlan(ctx context.Context, userID string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE user_plans SET is_active = 0 WHERE user_id = ? AND is_active = 1`, userID)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "user plan")
}

func scanUserPlan(row scanner) (*gateway.UserPlan, error) {
	var up gateway.UserPlan
	var startedAt string
	var expiresAt sql.NullString
	var active int

	err := row.Scan(&up.ID, &up.UserID, &up.PlanID, &startedAt, &expiresAt, &active)
	if err != nil {
		return nil, notFoundErr(err)
	}
	up.IsActive = active != 0
	if t, err := time.Parse(time.RFC3339, startedAt); err == nil {
		up.StartedAt = t
	}
	up.ExpiresAt = parseTime(expiresAt)
	return &up, nil
}
