package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/ovaphlow/pitchfork/service-onboarding/internal/user/entity"
)

func (s *PostgresStore) FindMFAByToken(ctx context.Context, email, token string) (*entity.MFARecord, error) {
	const q = `SELECT m.id, m.user_id, m.email_token, m.is_verify, m.created_at, m.updated_at, m.deleted_at
		FROM user_mfa m JOIN users u ON u.id = m.user_id
		WHERE m.email_token=$1 AND lower(u.email)=lower($2)
		  AND m.deleted_at IS NULL AND u.deleted_at IS NULL`
	var m entity.MFARecord
	if err := s.db.GetContext(ctx, &m, q, token, email); err != nil {
		return nil, mapErr(err)
	}
	return &m, nil
}

func (s *PostgresStore) MarkEmailVerified(ctx context.Context, mfaID int64) (bool, error) {
	const q = `UPDATE user_mfa SET is_verify=true, updated_at=NOW()
		WHERE id=$1 AND is_verify=false AND deleted_at IS NULL RETURNING 1`
	return s.updateOne(ctx, q, mfaID)
}

func (s *PostgresStore) FindVerifiedUser(ctx context.Context, email string) (*entity.User, error) {
	q := `SELECT ` + userColumns + ` FROM users u
		JOIN user_mfa m ON m.user_id = u.id AND m.deleted_at IS NULL
		WHERE lower(u.email)=lower($1) AND m.is_verify AND u.deleted_at IS NULL`
	var u entity.User
	if err := s.db.GetContext(ctx, &u, q, email); err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

func (s *PostgresStore) SetPasswordOnce(ctx context.Context, userID int64, hash string) (bool, error) {
	const q = `UPDATE users SET password=$2, updated_at=NOW()
		WHERE id=$1 AND password IS NULL AND deleted_at IS NULL RETURNING 1`
	return s.updateOne(ctx, q, userID, hash)
}

// UpsertOTP replaces any outstanding code for the user.
func (s *PostgresStore) UpsertOTP(ctx context.Context, userID int64, otp string, expiry time.Time) error {
	const q = `INSERT INTO user_otp_verified (user_id, otp, otp_expiry, otp_verified) VALUES ($1, $2, $3, false)
		ON CONFLICT (user_id) DO UPDATE SET
		  otp = EXCLUDED.otp, otp_expiry = EXCLUDED.otp_expiry, otp_verified = false, updated_at = NOW()`
	_, err := s.db.ExecContext(ctx, q, userID, otp, expiry)
	return err
}

func (s *PostgresStore) FindOTP(ctx context.Context, userID int64) (*entity.OtpRecord, error) {
	const q = `SELECT id, user_id, otp, otp_expiry, otp_verified, created_at, updated_at
		FROM user_otp_verified WHERE user_id=$1`
	var r entity.OtpRecord
	if err := s.db.GetContext(ctx, &r, q, userID); err != nil {
		return nil, mapErr(err)
	}
	return &r, nil
}

func (s *PostgresStore) ConsumeOTP(ctx context.Context, userID int64, otp string, now time.Time) (bool, error) {
	const q = `UPDATE user_otp_verified SET otp=NULL, otp_expiry=NULL, otp_verified=true, updated_at=NOW()
		WHERE user_id=$1 AND otp=$2 AND otp_expiry >= $3 RETURNING 1`
	return s.updateOne(ctx, q, userID, otp, now)
}

const activeHolderQuery = `SELECT h.user_id, u.name, u.email
	FROM user_login_history h JOIN users u ON u.id = h.user_id
	WHERE h.is_active AND h.logout_time IS NULL
	LIMIT 1`

func (s *PostgresStore) ActiveSession(ctx context.Context) (*entity.SessionHolder, error) {
	var h entity.SessionHolder
	if err := s.db.GetContext(ctx, &h, activeHolderQuery); err != nil {
		return nil, mapErr(err)
	}
	return &h, nil
}

// OpenSession checks for a holder and inserts inside one transaction. Two
// racing inserts that both pass the check are serialized by the
// user_login_history_one_active index; the loser re-reads the holder.
func (s *PostgresStore) OpenSession(ctx context.Context, userID int64, token string, at time.Time) (*entity.LoginSession, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var h entity.SessionHolder
	err = tx.GetContext(ctx, &h, activeHolderQuery)
	if err == nil {
		return nil, &ActiveSessionError{Holder: h}
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	const q = `INSERT INTO user_login_history (user_id, login_time, token, is_active) VALUES ($1, $2, $3, true)
		RETURNING id, user_id, login_time, logout_time, token, is_active`
	var sess entity.LoginSession
	if err := tx.GetContext(ctx, &sess, q, userID, at, token); err != nil {
		if isUniqueViolation(err, "user_login_history_one_active") {
			_ = tx.Rollback()
			return nil, s.holderErr(ctx)
		}
		return nil, mapErr(err)
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err, "user_login_history_one_active") {
			return nil, s.holderErr(ctx)
		}
		return nil, err
	}
	return &sess, nil
}

func (s *PostgresStore) holderErr(ctx context.Context) error {
	h, err := s.ActiveSession(ctx)
	if err != nil {
		return ErrSessionActive
	}
	return &ActiveSessionError{Holder: *h}
}

func (s *PostgresStore) FindOpenSession(ctx context.Context, userID int64, token string) (*entity.LoginSession, error) {
	const q = `SELECT id, user_id, login_time, logout_time, token, is_active
		FROM user_login_history WHERE user_id=$1 AND token=$2 AND logout_time IS NULL
		ORDER BY id DESC LIMIT 1`
	var sess entity.LoginSession
	if err := s.db.GetContext(ctx, &sess, q, userID, token); err != nil {
		return nil, mapErr(err)
	}
	return &sess, nil
}

func (s *PostgresStore) CloseSession(ctx context.Context, userID int64, token string, at time.Time) (bool, error) {
	const q = `UPDATE user_login_history SET logout_time=$3, token=NULL, is_active=false
		WHERE user_id=$1 AND token=$2 AND logout_time IS NULL RETURNING 1`
	return s.updateOne(ctx, q, userID, token, at)
}

// updateOne runs a conditional UPDATE ... RETURNING 1 and reports whether a
// row matched.
func (s *PostgresStore) updateOne(ctx context.Context, q string, args ...any) (bool, error) {
	var rows []int
	if err := sqlx.SelectContext(ctx, s.db, &rows, q, args...); err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}
