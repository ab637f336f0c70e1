package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	gateway "github.com/Alpaca-Network/gatewayz/internal"
)

// CreateUser inserts a new user.
func (s *Store) CreateUser(ctx context.Context, u *gateway.User) error {
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO users (id, identity_subject, email, credits_micro, subscription_status,
		 trial_end_at, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.IdentitySubject, u.Email, gateway.MicroFromCredits(u.Credits),
		string(u.Subscription), timeToStr(u.TrialEndAt), boolToInt(u.IsActive),
		u.CreatedAt.Format(time.RFC3339), u.UpdatedAt.Format(time.RFC3339),
	)
	return wrapWriteErr(err)
}

// GetUser retrieves a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*gateway.User, error) {
	return s.scanUserRow(s.read.QueryRowContext(ctx, userSelect+` WHERE id = ?`, id))
}

// GetUserBySubject retrieves a user by identity subject.
func (s *Store) GetUserBySubject(ctx context.Context, subject string) (*gateway.User, error) {
	return s.scanUserRow(s.read.QueryRowContext(ctx, userSelect+` WHERE identity_subject = ?`, subject))
}

// UpdateUser updates mutable user fields.
func (s *Store) UpdateUser(ctx context.Context, u *gateway.User) error {
	u.UpdatedAt = time.Now().UTC()
	result, err := s.write.ExecContext(ctx,
		`UPDATE users SET email=?, subscription_status=?, trial_end_at=?, is_active=?, updated_at=?
		 WHERE id=?`,
		u.Email, string(u.Subscription), timeToStr(u.TrialEndAt),
		boolToInt(u.IsActive), u.UpdatedAt.Format(time.RFC3339), u.ID,
	)
	if err != nil {
		return wrapWriteErr(err)
	}
	return checkRowsAffected(result, "user")
}

// DeductCredits atomically subtracts amount from the user's balance.
// The WHERE clause is the compare-and-swap: the row only updates when the
// balance covers the amount, so concurrent deductions never go negative.
func (s *Store) DeductCredits(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	micro := gateway.MicroFromCredits(amount)
	if micro < 0 {
		return decimal.Zero, fmt.Errorf("deduct credits: %w: negative amount", gateway.ErrConstraint)
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE users SET credits_micro = credits_micro - ?, updated_at = ?
		 WHERE id = ? AND credits_micro >= ?`,
		micro, time.Now().UTC().Format(time.RFC3339), userID, micro,
	)
	if err != nil {
		return decimal.Zero, wrapWriteErr(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return decimal.Zero, err
	}
	if n == 0 {
		// Either the user is missing or the balance is short; disambiguate.
		balance, err := s.userBalance(ctx, userID)
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.Zero, &gateway.InsufficientCreditsError{
			Required:  amount.String(),
			Available: balance.String(),
		}
	}
	return s.userBalance(ctx, userID)
}

// AddCredits atomically adds amount to the user's balance.
func (s *Store) AddCredits(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	result, err := s.write.ExecContext(ctx,
		`UPDATE users SET credits_micro = credits_micro + ?, updated_at = ? WHERE id = ?`,
		gateway.MicroFromCredits(amount), time.Now().UTC().Format(time.RFC3339), userID,
	)
	if err != nil {
		return decimal.Zero, wrapWriteErr(err)
	}
	if err := checkRowsAffected(result, "user"); err != nil {
		return decimal.Zero, err
	}
	return s.userBalance(ctx, userID)
}

func (s *Store) userBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var micro int64
	err := s.read.QueryRowContext(ctx,
		`SELECT credits_micro FROM users WHERE id = ?`, userID,
	).Scan(&micro)
	if err != nil {
		return decimal.Zero, notFoundErr(err)
	}
	return gateway.CreditsFromMicro(micro), nil
}

const userSelect = `SELECT id, identity_subject, email, credits_micro, subscription_status,
 trial_end_at, is_active, created_at, updated_at FROM users`

func (s *Store) scanUserRow(row *sql.Row) (*gateway.User, error) {
	var u gateway.User
	var micro int64
	var status string
	var trialEnd, createdAt, updatedAt sql.NullString
	var active int

	err := row.Scan(&u.ID, &u.IdentitySubject, &u.Email, &micro, &status,
		&trialEnd, &active, &createdAt, &updatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	u.Credits = gateway.CreditsFromMicro(micro)
	u.Subscription = gateway.SubscriptionStatus(status)
	u.TrialEndAt = parseTime(trialEnd)
	u.IsActive = active != 0
	if t := parseTime(createdAt); t != nil {
		u.CreatedAt = *t
	}
	if t := parseTime(updatedAt); t != nil {
		u.UpdatedAt = *t
	}
	return &u, nil
}

// notFoundErr translates sql.ErrNoRows to gateway.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.ErrNotFound
	}
	return err
}

// wrapWriteErr classifies write failures into domain error kinds.
func wrapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint"), strings.Contains(msg, "CHECK constraint"):
		return fmt.Errorf("%w: %v", gateway.ErrConstraint, err)
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "busy"):
		return fmt.Errorf("%w: %v", gateway.ErrConflict, err)
	default:
		return err
	}
}
