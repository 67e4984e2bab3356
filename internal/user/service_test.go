package user

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-onboarding/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-onboarding/internal/session"
	"github.com/ovaphlow/pitchfork/service-onboarding/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-onboarding/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-onboarding/pkg/email"
)

type outbox struct {
	mu   sync.Mutex
	msgs []email.Message
	err  error
}

func (o *outbox) Send(_ context.Context, m email.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.msgs = append(o.msgs, m)
	return nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	svc      *UserService
	store    *userrepo.MemoryStore
	sessions *session.Manager
	mail     *outbox
	clock    *clock
	otps     []string
}

func newFixture(t *testing.T, users ...entity.NewUser) *fixture {
	t.Helper()
	f := &fixture{
		store: userrepo.NewMemoryStore(),
		mail:  &outbox{},
		clock: &clock{t: time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)},
	}
	if len(users) > 0 {
		_, err := f.store.CreateUsers(context.Background(), users)
		require.NoError(t, err)
	}
	tokens, err := session.NewTokenIssuer("test-secret", "", 0)
	require.NoError(t, err)
	logger := zap.NewNop().Sugar()
	f.sessions = session.NewManager(f.store, tokens, logger)
	n := 0
	f.svc = NewUserService(f.store, BcryptHasher{Cost: bcrypt.MinCost}, f.sessions, f.mail, logger, Options{
		Now: f.clock.Now,
		NewOTP: func() (string, error) {
			n++
			code := []string{"111111", "222222", "333333", "444444"}[(n-1)%4]
			f.otps = append(f.otps, code)
			return code, nil
		},
	})
	return f
}

func ann() entity.NewUser {
	return entity.NewUser{UniqueID: "u-ann", Name: "Ann", Email: "ann@x.com", EmailToken: "abc123"}
}

func bob() entity.NewUser {
	return entity.NewUser{UniqueID: "u-bob", Name: "Bob", Email: "bob@x.com", EmailToken: "def456"}
}

// provision verifies the email and sets the password.
func (f *fixture) provision(t *testing.T, u entity.NewUser, pw string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.svc.VerifyEmailToken(ctx, u.Email, u.EmailToken))
	require.NoError(t, f.svc.SetPassword(ctx, u.Email, pw))
}

func TestVerifyEmailTokenOneWay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ann())

	err := f.svc.VerifyEmailToken(ctx, "ann@x.com", "wrong1")
	assert.ErrorIs(t, err, ErrInvalidEmailToken)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	require.NoError(t, f.svc.VerifyEmailToken(ctx, " ANN@x.com ", "abc123"))
	err = f.svc.VerifyEmailToken(ctx, "ann@x.com", "abc123")
	assert.ErrorIs(t, err, ErrEmailAlreadyVerified)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))

	assert.ErrorIs(t, f.svc.VerifyEmailToken(ctx, "", "abc123"), ErrEmailTokenRequired)
}

func TestSetPasswordLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ann())

	assert.ErrorIs(t, f.svc.SetPassword(ctx, "ann@x.com", "secret1"), ErrUserNotVerified)
	assert.ErrorIs(t, f.svc.SetPassword(ctx, "ann@x.com", "short"), ErrPasswordTooShort)

	require.NoError(t, f.svc.VerifyEmailToken(ctx, "ann@x.com", "abc123"))
	assert.ErrorIs(t, f.svc.SetPassword(ctx, "ann@x.com", "short"), ErrPasswordTooShort)
	require.NoError(t, f.svc.SetPassword(ctx, "ann@x.com", "secret1"))

	err := f.svc.SetPassword(ctx, "ann@x.com", "secret2")
	assert.ErrorIs(t, err, ErrPasswordAlreadySet)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
	assert.ErrorIs(t, f.svc.SetPassword(ctx, "ann@x.com", "abc"), ErrPasswordTooShort)

	u, err := f.store.FindUserByEmail(ctx, "ann@x.com")
	require.NoError(t, err)
	assert.NotEqual(t, "secret1", *u.Password)
	assert.True(t, BcryptHasher{}.Verify(*u.Password, "secret1"))
}

func TestSetPasswordRejectsOverlongInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ann())
	require.NoError(t, f.svc.VerifyEmailToken(ctx, "ann@x.com", "abc123"))

	// 40 characters but 80 bytes
	err := f.svc.SetPassword(ctx, "ann@x.com", strings.Repeat("é", 40))
	assert.ErrorIs(t, err, ErrPasswordTooLong)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))

	err = f.svc.SetPassword(ctx, "ann@x.com", strings.Repeat("a", MaxPasswordBytes+1))
	assert.ErrorIs(t, err, ErrPasswordTooLong)

	u, err := f.store.FindUserByEmail(ctx, "ann@x.com")
	require.NoError(t, err)
	assert.False(t, u.HasPassword())

	require.NoError(t, f.svc.SetPassword(ctx, "ann@x.com", strings.Repeat("a", MaxPasswordBytes)))
}

func TestLoginFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ann(), bob())
	f.provision(t, ann(), "secret1")

	_, err := f.svc.Login(ctx, "nobody@x.com", "secret1")
	assert.ErrorIs(t, err, ErrBadCredentials)
	_, err = f.svc.Login(ctx, "ann@x.com", "wrong-pw")
	assert.ErrorIs(t, err, ErrBadCredentials)
	_, err = f.svc.Login(ctx, "bob@x.com", "secret1")
	assert.ErrorIs(t, err, ErrPasswordNotSet)
	assert.Equal(t, apperr.Auth, apperr.KindOf(err))
	assert.Empty(t, f.mail.msgs)
}

func TestLoginSendsOTPAndOverwrites(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ann())
	f.provision(t, ann(), "secret1")

	ch, err := f.svc.Login(ctx, "ann@x.com", "secret1")
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(10*time.Minute), ch.ExpiresAt)
	require.Len(t, f.mail.msgs, 1)
	assert.Equal(t, "Your login OTP", f.mail.msgs[0].Subject)
	assert.Contains(t, f.mail.msgs[0].Text, "111111")

	_, err = f.svc.Login(ctx, "ann@x.com", "secret1")
	require.NoError(t, err)

	_, err = f.svc.VerifyOTP(ctx, "ann@x.com", "111111")
	assert.ErrorIs(t, err, ErrInvalidOTP)
	res, err := f.svc.VerifyOTP(ctx, "ann@x.com", "222222")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)
	assert.Equal(t, "Ann", res.User.Name)
}

func TestLoginDeliveryFailureKeepsCode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ann())
	f.provision(t, ann(), "secret1")
	f.mail.err = errors.New("smtp down")

	_, err := f.svc.Login(ctx, "ann@x.com", "secret1")
	require.ErrorIs(t, err, ErrOTPDelivery)
	assert.Equal(t, apperr.Unexpected, apperr.KindOf(err))

	u, _ := f.store.FindUserByEmail(ctx, "ann@x.com")
	rec, err := f.store.FindOTP(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, rec.OTP)
	assert.Equal(t, "111111", *rec.OTP)
}

func TestVerifyOTPExpiryBoundary(t *testing.T) {
	ctx := context.Background()

	t.Run("accepted at exact expiry", func(t *testing.T) {
		f := newFixture(t, ann())
		f.provision(t, ann(), "secret1")
		_, err := f.svc.Login(ctx, "ann@x.com", "secret1")
		require.NoError(t, err)
		f.clock.Advance(10 * time.Minute)
		_, err = f.svc.VerifyOTP(ctx, "ann@x.com", "111111")
		require.NoError(t, err)

		u, _ := f.store.FindUserByEmail(ctx, "ann@x.com")
		rec, _ := f.store.FindOTP(ctx, u.ID)
		assert.True(t, rec.OTPVerified)
		assert.Nil(t, rec.OTP)
		assert.Nil(t, rec.OTPExpiry)
	})

	t.Run("rejected one second later", func(t *testing.T) {
		f := newFixture(t, ann())
		f.provision(t, ann(), "secret1")
		_, err := f.svc.Login(ctx, "ann@x.com", "secret1")
		require.NoError(t, err)
		f.clock.Advance(10*time.Minute + time.Second)
		_, err = f.svc.VerifyOTP(ctx, "ann@x.com", "111111")
		assert.ErrorIs(t, err, ErrInvalidOTP)
	})

	t.Run("wrong code and reuse", func(t *testing.T) {
		f := newFixture(t, ann())
		f.provision(t, ann(), "secret1")
		_, err := f.svc.VerifyOTP(ctx, "ann@x.com", "111111")
		assert.ErrorIs(t, err, ErrOTPNotIssued)
		_, err = f.svc.Login(ctx, "ann@x.com", "secret1")
		require.NoError(t, err)
		_, err = f.svc.VerifyOTP(ctx, "ann@x.com", "999999")
		assert.ErrorIs(t, err, ErrInvalidOTP)
		_, err = f.svc.VerifyOTP(ctx, "ghost@x.com", "111111")
		assert.ErrorIs(t, err, ErrUserNotFound)
		res, err := f.svc.VerifyOTP(ctx, "ann@x.com", "111111")
		require.NoError(t, err)
		require.NoError(t, f.sessions.Logout(ctx, res.User.ID, res.Token))
		_, err = f.svc.VerifyOTP(ctx, "ann@x.com", "111111")
		assert.ErrorIs(t, err, ErrInvalidOTP)
	})
}

func TestVerifyOTPSingleActiveSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ann(), bob())
	f.provision(t, ann(), "secret1")
	f.provision(t, bob(), "secret2")

	_, err := f.svc.Login(ctx, "ann@x.com", "secret1")
	require.NoError(t, err)
	_, err = f.svc.Login(ctx, "bob@x.com", "secret2")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, in := range []struct{ email, code string }{{"ann@x.com", "111111"}, {"bob@x.com", "222222"}} {
		i, in := i, in
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results[i] = f.svc.VerifyOTP(ctx, in.email, in.code)
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		require.ErrorIs(t, err, session.ErrSessionHeld)
		holder, ok := apperr.As(err).Detail.(entity.SessionHolder)
		require.True(t, ok)
		assert.Contains(t, []string{"ann@x.com", "bob@x.com"}, holder.Email)
	}
	assert.Equal(t, 1, wins)
}

func TestAlreadyLoggedInUserCannotReverify(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ann())
	f.provision(t, ann(), "secret1")

	_, err := f.svc.Login(ctx, "ann@x.com", "secret1")
	require.NoError(t, err)
	_, err = f.svc.VerifyOTP(ctx, "ann@x.com", "111111")
	require.NoError(t, err)

	_, err = f.svc.Login(ctx, "ann@x.com", "secret1")
	require.NoError(t, err)
	_, err = f.svc.VerifyOTP(ctx, "ann@x.com", "222222")
	assert.ErrorIs(t, err, session.ErrAlreadyLoggedIn)
}

func TestNewPassword(t *testing.T) {
	_, err := NewPassword("12345", BcryptHasher{Cost: bcrypt.MinCost})
	assert.ErrorIs(t, err, ErrPasswordTooShort)
	p, err := NewPassword("123456", BcryptHasher{Cost: bcrypt.MinCost})
	require.NoError(t, err)
	assert.NotEqual(t, "123456", p.Hash())
	assert.True(t, BcryptHasher{}.Verify(p.Hash(), "123456"))
}

func TestOTPMatches(t *testing.T) {
	assert.True(t, otpMatches("123456", "123456"))
	assert.False(t, otpMatches("123456", "123457"))
	assert.False(t, otpMatches("123456", "12345"))
	assert.False(t, otpMatches("123456", ""))
}
