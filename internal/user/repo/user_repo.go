package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/ovaphlow/pitchfork/service-onboarding/internal/user/entity"
)

// insertChunk bounds rows per multi-row INSERT; Postgres allows 65535 bind
// parameters per statement.
const insertChunk = 1000

// PostgresStore implements Store on Postgres using sqlx.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore { return &PostgresStore{db: db} }

// EnsureSchema creates the tables and indexes if they do not exist (idempotent).
// This is a convenience for early development; prefer migrations in production.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS users (
  id BIGSERIAL PRIMARY KEY,
  unique_id VARCHAR(100) NOT NULL UNIQUE,
  name VARCHAR(100) NOT NULL,
  email VARCHAR(255) NOT NULL,
  password TEXT,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  deleted_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS users_email_live ON users (lower(email)) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS user_personal_details (
  id BIGSERIAL PRIMARY KEY,
  user_id BIGINT NOT NULL UNIQUE REFERENCES users(id),
  address JSONB,
  dob DATE,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  deleted_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_user_personal_details_dob ON user_personal_details(dob);

CREATE TABLE IF NOT EXISTS user_mfa (
  id BIGSERIAL PRIMARY KEY,
  user_id BIGINT NOT NULL UNIQUE REFERENCES users(id),
  email_token VARCHAR(64) NOT NULL,
  is_verify BOOLEAN NOT NULL DEFAULT false,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  deleted_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS user_otp_verified (
  id BIGSERIAL PRIMARY KEY,
  user_id BIGINT NOT NULL UNIQUE REFERENCES users(id),
  otp VARCHAR(16),
  otp_expiry TIMESTAMPTZ,
  otp_verified BOOLEAN NOT NULL DEFAULT false,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS user_login_history (
  id BIGSERIAL PRIMARY KEY,
  user_id BIGINT NOT NULL REFERENCES users(id),
  login_time TIMESTAMPTZ NOT NULL,
  logout_time TIMESTAMPTZ,
  token TEXT,
  is_active BOOLEAN NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS idx_user_login_history_user_token ON user_login_history(user_id, token);
-- at most one active session across the whole table
CREATE UNIQUE INDEX IF NOT EXISTS user_login_history_one_active ON user_login_history ((is_active)) WHERE is_active;
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

const userColumns = `u.id, u.unique_id, u.name, u.email, u.password, u.created_at, u.updated_at, u.deleted_at`

func (s *PostgresStore) FindUserByEmail(ctx context.Context, email string) (*entity.User, error) {
	q := `SELECT ` + userColumns + ` FROM users u WHERE lower(u.email)=lower($1) AND u.deleted_at IS NULL`
	var u entity.User
	if err := s.db.GetContext(ctx, &u, q, email); err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

func (s *PostgresStore) FindUserByID(ctx context.Context, id int64) (*entity.User, error) {
	q := `SELECT ` + userColumns + ` FROM users u WHERE u.id=$1 AND u.deleted_at IS NULL`
	var u entity.User
	if err := s.db.GetContext(ctx, &u, q, id); err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

type userInsert struct {
	UniqueID string `db:"unique_id"`
	Name     string `db:"name"`
	Email    string `db:"email"`
}

type detailInsert struct {
	UserID  int64          `db:"user_id"`
	Address entity.JSONDoc `db:"address"`
	DOB     *string        `db:"dob"`
}

type mfaInsert struct {
	UserID     int64  `db:"user_id"`
	EmailToken string `db:"email_token"`
}

func (s *PostgresStore) CreateUsers(ctx context.Context, in []entity.NewUser) ([]entity.User, error) {
	if len(in) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	out := make([]entity.User, len(in))
	for start := 0; start < len(in); start += insertChunk {
		end := min(start+insertChunk, len(in))
		chunk := in[start:end]
		if err := s.createChunk(ctx, tx, chunk, out[start:end]); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// createChunk inserts users first, then personal details and MFA rows keyed by
// the new ids. RETURNING order is not guaranteed, so rows are matched back to
// their input position by unique_id.
func (s *PostgresStore) createChunk(ctx context.Context, tx *sqlx.Tx, chunk []entity.NewUser, dst []entity.User) error {
	rows := make([]userInsert, len(chunk))
	for i, nu := range chunk {
		rows[i] = userInsert{UniqueID: nu.UniqueID, Name: nu.Name, Email: nu.Email}
	}
	const qUsers = `INSERT INTO users (unique_id, name, email) VALUES (:unique_id, :name, :email)
		RETURNING id, unique_id, name, email, password, created_at, updated_at, deleted_at`
	res, err := sqlx.NamedQueryContext(ctx, tx, qUsers, rows)
	if err != nil {
		return mapErr(err)
	}
	byUID := make(map[string]entity.User, len(chunk))
	for res.Next() {
		var u entity.User
		if err := res.StructScan(&u); err != nil {
			res.Close()
			return err
		}
		byUID[u.UniqueID] = u
	}
	if err := res.Err(); err != nil {
		res.Close()
		return mapErr(err)
	}
	res.Close()

	details := make([]detailInsert, len(chunk))
	mfas := make([]mfaInsert, len(chunk))
	for i, nu := range chunk {
		u, ok := byUID[nu.UniqueID]
		if !ok {
			return fmt.Errorf("insert users: no row returned for %s", nu.UniqueID)
		}
		dst[i] = u
		details[i] = detailInsert{UserID: u.ID, Address: nu.Address, DOB: nu.DOB}
		mfas[i] = mfaInsert{UserID: u.ID, EmailToken: nu.EmailToken}
	}
	if _, err := tx.NamedExecContext(ctx,
		`INSERT INTO user_personal_details (user_id, address, dob) VALUES (:user_id, :address, :dob)`, details); err != nil {
		return mapErr(err)
	}
	if _, err := tx.NamedExecContext(ctx,
		`INSERT INTO user_mfa (user_id, email_token) VALUES (:user_id, :email_token)`, mfas); err != nil {
		return mapErr(err)
	}
	return nil
}

const profileSelect = `SELECT u.id, u.unique_id, u.name, u.email, to_char(d.dob, 'YYYY-MM-DD') AS dob, d.address
	FROM users u
	LEFT JOIN user_personal_details d ON d.user_id = u.id AND d.deleted_at IS NULL`

func (s *PostgresStore) ListUsers(ctx context.Context, f entity.UserFilter) ([]entity.UserProfile, int, error) {
	where := []string{"u.deleted_at IS NULL", "u.id <> $1"}
	args := []any{f.ExcludeID}
	if f.Search != "" {
		args = append(args, "%"+escapeLike(f.Search)+"%")
		n := len(args)
		where = append(where, fmt.Sprintf("(u.name ILIKE $%d OR u.email ILIKE $%d)", n, n))
	}
	if f.DOB != "" {
		args = append(args, f.DOB)
		where = append(where, fmt.Sprintf("d.dob = $%d::date", len(args)))
	}
	cond := " WHERE " + strings.Join(where, " AND ")

	var total int
	countQ := `SELECT COUNT(*) FROM users u LEFT JOIN user_personal_details d ON d.user_id = u.id AND d.deleted_at IS NULL` + cond
	if err := s.db.GetContext(ctx, &total, countQ, args...); err != nil {
		return nil, 0, err
	}

	n := len(args)
	listQ := profileSelect + cond + fmt.Sprintf(" ORDER BY u.name ASC, u.id ASC LIMIT $%d OFFSET $%d", n+1, n+2)
	items := []entity.UserProfile{}
	if err := s.db.SelectContext(ctx, &items, listQ, append(args, f.Limit, f.Offset)...); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, userID int64) (*entity.UserProfile, error) {
	return getProfile(ctx, s.db, userID)
}

func getProfile(ctx context.Context, q sqlx.QueryerContext, userID int64) (*entity.UserProfile, error) {
	var p entity.UserProfile
	if err := sqlx.GetContext(ctx, q, &p, profileSelect+` WHERE u.id=$1 AND u.deleted_at IS NULL`, userID); err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

func (s *PostgresStore) UpdateProfile(ctx context.Context, userID int64, p entity.ProfilePatch) (*entity.UserProfile, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	if err := tx.GetContext(ctx, &one, `SELECT 1 FROM users WHERE id=$1 AND deleted_at IS NULL FOR UPDATE`, userID); err != nil {
		return nil, mapErr(err)
	}
	if p.Name != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE users SET name=$2, updated_at=NOW() WHERE id=$1`, userID, *p.Name); err != nil {
			return nil, err
		}
	}
	if p.TouchesDetail() {
		const q = `INSERT INTO user_personal_details (user_id, address, dob) VALUES ($1, $2::jsonb, $3::date)
			ON CONFLICT (user_id) DO UPDATE SET
			  address = COALESCE(EXCLUDED.address, user_personal_details.address),
			  dob = COALESCE(EXCLUDED.dob, user_personal_details.dob),
			  updated_at = NOW()
			WHERE user_personal_details.deleted_at IS NULL`
		if _, err := tx.ExecContext(ctx, q, userID, p.Address, p.DOB); err != nil {
			return nil, err
		}
	}
	out, err := getProfile(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicate, pqErr.Constraint)
	}
	return err
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == constraint
}
