package user

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-onboarding/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-onboarding/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-onboarding/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-onboarding/pkg/email"
	"github.com/ovaphlow/pitchfork/service-onboarding/pkg/utilities"
)

// SessionOpener grants a session to a user who passed the OTP challenge.
type SessionOpener interface {
	Open(ctx context.Context, u *entity.User) (string, error)
}

// Options tunes UserService; zero values take defaults.
type Options struct {
	OTPTTL time.Duration
	Now    func() time.Time
	NewOTP func() (string, error)
}

// UserService orchestrates the identity lifecycle after import: email
// verification, password provisioning, login with OTP and the profile.
type UserService struct {
	store    userrepo.Store
	hasher   PasswordHasher
	sessions SessionOpener
	mailer   email.Sender
	logger   *zap.SugaredLogger
	now      func() time.Time
	otpTTL   time.Duration
	newOTP   func() (string, error)
}

func NewUserService(store userrepo.Store, hasher PasswordHasher, sessions SessionOpener, mailer email.Sender, logger *zap.SugaredLogger, opts Options) *UserService {
	if hasher == nil {
		hasher = BcryptHasher{Cost: 10}
	}
	s := &UserService{
		store:    store,
		hasher:   hasher,
		sessions: sessions,
		mailer:   mailer,
		logger:   logger,
		now:      opts.Now,
		otpTTL:   opts.OTPTTL,
		newOTP:   opts.NewOTP,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.otpTTL <= 0 {
		s.otpTTL = 10 * time.Minute
	}
	if s.newOTP == nil {
		s.newOTP = func() (string, error) { return utilities.RandomDigits(6) }
	}
	return s
}

var (
	ErrEmailTokenRequired   = apperr.New(apperr.Validation, "Email and token are required.")
	ErrInvalidEmailToken    = apperr.New(apperr.NotFound, "Invalid email or token.")
	ErrEmailAlreadyVerified = apperr.New(apperr.Conflict, "Email already verified.")
	ErrUserNotVerified      = apperr.New(apperr.NotFound, "User not found or email not verified.")
	ErrPasswordAlreadySet   = apperr.New(apperr.Conflict, "Password already set")
	ErrPasswordRequired     = apperr.New(apperr.Validation, "Email and password required")
)

// VerifyEmailToken confirms the token sent at import. The transition is one-way:
// a second call for the same user fails with ErrEmailAlreadyVerified.
func (s *UserService) VerifyEmailToken(ctx context.Context, emailAddr, token string) error {
	emailAddr = email.Normalize(emailAddr)
	token = strings.TrimSpace(token)
	if emailAddr == "" || token == "" {
		return ErrEmailTokenRequired
	}
	rec, err := s.store.FindMFAByToken(ctx, emailAddr, token)
	if err != nil {
		if errors.Is(err, userrepo.ErrNotFound) {
			return ErrInvalidEmailToken
		}
		return fmt.Errorf("find email token: %w", err)
	}
	if rec.IsVerify {
		return ErrEmailAlreadyVerified
	}
	ok, err := s.store.MarkEmailVerified(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("mark email verified: %w", err)
	}
	if !ok {
		return ErrEmailAlreadyVerified
	}
	s.logger.Infow("email verified", "user_id", rec.UserID)
	return nil
}

// SetPassword assigns the password of a verified user exactly once.
func (s *UserService) SetPassword(ctx context.Context, emailAddr, plain string) error {
	emailAddr = email.Normalize(emailAddr)
	if emailAddr == "" || plain == "" {
		return ErrPasswordRequired
	}
	if err := checkPasswordPolicy(plain); err != nil {
		return err
	}
	u, err := s.store.FindVerifiedUser(ctx, emailAddr)
	if err != nil {
		if errors.Is(err, userrepo.ErrNotFound) {
			return ErrUserNotVerified
		}
		return fmt.Errorf("find verified user: %w", err)
	}
	if u.HasPassword() {
		return ErrPasswordAlreadySet
	}
	pw, err := NewPassword(plain, s.hasher)
	if err != nil {
		return err
	}
	ok, err := s.store.SetPasswordOnce(ctx, u.ID, pw.Hash())
	if err != nil {
		return fmt.Errorf("set password: %w", err)
	}
	if !ok {
		return ErrPasswordAlreadySet
	}
	s.logger.Infow("password set", "user_id", u.ID)
	return nil
}
