package user

import (
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-onboarding/internal/apperr"
)

const (
	// MinPasswordLength is the shortest accepted password, in characters.
	MinPasswordLength = 6
	// MaxPasswordBytes is the bcrypt input limit; longer input is rejected, not truncated.
	MaxPasswordBytes = 72
)

var (
	ErrPasswordTooShort = apperr.New(apperr.Validation, "Password must be at least 6 characters long")
	ErrPasswordTooLong  = apperr.New(apperr.Validation, "Password must be at most 72 bytes long")
)

// PasswordHasher defines minimal hashing interface (abstract so we can swap to argon2 later).
type PasswordHasher interface {
	Hash(pw string) (string, error)
	Verify(hash, pw string) bool
}

// BcryptHasher implementation.
type BcryptHasher struct{ Cost int }

func (b BcryptHasher) Hash(pw string) (string, error) {
	cost := b.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(pw), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func (b BcryptHasher) Verify(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

// Password is an already-hashed password. The only way to build one is
// NewPassword, so a Password value never holds plaintext.
type Password struct {
	hash string
}

func checkPasswordPolicy(plain string) error {
	if utf8.RuneCountInString(plain) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	if len(plain) > MaxPasswordBytes {
		return ErrPasswordTooLong
	}
	return nil
}

// NewPassword validates plain against the policy and hashes it once.
func NewPassword(plain string, h PasswordHasher) (Password, error) {
	if err := checkPasswordPolicy(plain); err != nil {
		return Password{}, err
	}
	hash, err := h.Hash(plain)
	if err != nil {
		return Password{}, err
	}
	return Password{hash: hash}, nil
}

func (p Password) Hash() string { return p.hash }
