package user

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/ovaphlow/pitchfork/service-onboarding/internal/apperr"
	userrepo "github.com/ovaphlow/pitchfork/service-onboarding/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-onboarding/pkg/email"
)

var (
	ErrCredentialsRequired = apperr.New(apperr.Validation, "Email and password are required.")
	ErrBadCredentials      = apperr.New(apperr.Auth, "Invalid email or password.")
	ErrPasswordNotSet      = apperr.New(apperr.Auth, "Verify email token and set password first")
	ErrOTPRequired         = apperr.New(apperr.Validation, "Email and OTP required")
	ErrUserNotFound        = apperr.New(apperr.NotFound, "User not found")
	ErrOTPNotIssued        = apperr.New(apperr.NotFound, "OTP not found, please login first")
	ErrInvalidOTP          = apperr.New(apperr.Validation, "Invalid or expired OTP.")
	ErrOTPDelivery         = apperr.New(apperr.Unexpected, "Failed to send OTP email")
)

// OTPChallenge describes the code just issued by Login.
type OTPChallenge struct {
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// LoginUser is the minimal identity returned with a session token.
type LoginUser struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

type LoginResult struct {
	Token string    `json:"token"`
	User  LoginUser `json:"user"`
}

// Login checks the password and issues a one-time code. Any outstanding
// code for the user is replaced.
func (s *UserService) Login(ctx context.Context, emailAddr, password string) (*OTPChallenge, error) {
	emailAddr = email.Normalize(emailAddr)
	if emailAddr == "" || password == "" {
		return nil, ErrCredentialsRequired
	}
	u, err := s.store.FindUserByEmail(ctx, emailAddr)
	if err != nil {
		if errors.Is(err, userrepo.ErrNotFound) {
			return nil, ErrBadCredentials
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	if !u.HasPassword() {
		return nil, ErrPasswordNotSet
	}
	if !s.hasher.Verify(*u.Password, password) {
		return nil, ErrBadCredentials
	}

	code, err := s.newOTP()
	if err != nil {
		return nil, fmt.Errorf("generate otp: %w", err)
	}
	expiry := s.now().Add(s.otpTTL)
	if err := s.store.UpsertOTP(ctx, u.ID, code, expiry); err != nil {
		return nil, fmt.Errorf("store otp: %w", err)
	}
	// the stored code stays valid if delivery fails; the caller may retry login
	if err := s.mailer.Send(ctx, email.OTPMessage(u.Email, code, s.otpTTL)); err != nil {
		s.logger.Warnw("otp delivery failed", "user_id", u.ID, "to", u.Email, "err", err)
		return nil, apperr.Wrap(ErrOTPDelivery.Kind, ErrOTPDelivery.Message, err)
	}
	s.logger.Infow("otp issued", "user_id", u.ID, "expires_at", expiry)
	return &OTPChallenge{Email: u.Email, ExpiresAt: expiry}, nil
}

// VerifyOTP consumes a matching, unexpired code and opens the session.
// A code is still valid at exactly its expiry instant.
func (s *UserService) VerifyOTP(ctx context.Context, emailAddr, code string) (*LoginResult, error) {
	emailAddr = email.Normalize(emailAddr)
	if emailAddr == "" || code == "" {
		return nil, ErrOTPRequired
	}
	u, err := s.store.FindUserByEmail(ctx, emailAddr)
	if err != nil {
		if errors.Is(err, userrepo.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	rec, err := s.store.FindOTP(ctx, u.ID)
	if err != nil {
		if errors.Is(err, userrepo.ErrNotFound) {
			return nil, ErrOTPNotIssued
		}
		return nil, fmt.Errorf("find otp: %w", err)
	}
	now := s.now()
	if rec.OTP == nil || rec.OTPExpiry == nil || !otpMatches(*rec.OTP, code) || now.After(*rec.OTPExpiry) {
		return nil, ErrInvalidOTP
	}
	ok, err := s.store.ConsumeOTP(ctx, u.ID, code, now)
	if err != nil {
		return nil, fmt.Errorf("consume otp: %w", err)
	}
	if !ok {
		return nil, ErrInvalidOTP
	}

	token, err := s.sessions.Open(ctx, u)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Token: token, User: LoginUser{ID: u.ID, Email: u.Email, Name: u.Name}}, nil
}

// otpMatches compares a stored and a submitted code in constant time.
func otpMatches(stored, submitted string) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(submitted)) == 1
}
