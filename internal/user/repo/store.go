package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ovaphlow/pitchfork/service-onboarding/internal/user/entity"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrDuplicate     = errors.New("duplicate record")
	ErrSessionActive = errors.New("another session is active")
)

// ActiveSessionError is returned by OpenSession when an active session
// already exists. It matches ErrSessionActive with errors.Is.
type ActiveSessionError struct {
	Holder entity.SessionHolder
}

func (e *ActiveSessionError) Error() string {
	return fmt.Sprintf("session held by %s", e.Holder.Email)
}

func (e *ActiveSessionError) Is(target error) bool { return target == ErrSessionActive }

// Store is the identity store. Every query skips soft-deleted users,
// personal details and MFA records. Multi-step methods are atomic.
type Store interface {
	FindUserByEmail(ctx context.Context, email string) (*entity.User, error)
	FindUserByID(ctx context.Context, id int64) (*entity.User, error)
	// CreateUsers inserts users with their personal detail and MFA rows in
	// one transaction. The result is index-aligned with the input.
	CreateUsers(ctx context.Context, users []entity.NewUser) ([]entity.User, error)

	FindMFAByToken(ctx context.Context, email, token string) (*entity.MFARecord, error)
	// MarkEmailVerified flips is_verify and reports false if it was already set.
	MarkEmailVerified(ctx context.Context, mfaID int64) (bool, error)
	FindVerifiedUser(ctx context.Context, email string) (*entity.User, error)
	// SetPasswordOnce stores hash and reports false if a password exists.
	SetPasswordOnce(ctx context.Context, userID int64, hash string) (bool, error)

	UpsertOTP(ctx context.Context, userID int64, otp string, expiry time.Time) error
	FindOTP(ctx context.Context, userID int64) (*entity.OtpRecord, error)
	// ConsumeOTP clears a matching code whose expiry is not before now.
	ConsumeOTP(ctx context.Context, userID int64, otp string, now time.Time) (bool, error)

	ActiveSession(ctx context.Context) (*entity.SessionHolder, error)
	// OpenSession records an active session or returns *ActiveSessionError.
	OpenSession(ctx context.Context, userID int64, token string, at time.Time) (*entity.LoginSession, error)
	FindOpenSession(ctx context.Context, userID int64, token string) (*entity.LoginSession, error)
	CloseSession(ctx context.Context, userID int64, token string, at time.Time) (bool, error)

	ListUsers(ctx context.Context, f entity.UserFilter) ([]entity.UserProfile, int, error)
	GetProfile(ctx context.Context, userID int64) (*entity.UserProfile, error)
	UpdateProfile(ctx context.Context, userID int64, p entity.ProfilePatch) (*entity.UserProfile, error)
}
