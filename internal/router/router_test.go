package router

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-onboarding/internal/session"
	"github.com/ovaphlow/pitchfork/service-onboarding/internal/user"
	"github.com/ovaphlow/pitchfork/service-onboarding/internal/user/importer"
	userrepo "github.com/ovaphlow/pitchfork/service-onboarding/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-onboarding/pkg/email"
)

type mailbox struct {
	mu   sync.Mutex
	msgs []email.Message
}

func (m *mailbox) Send(_ context.Context, msg email.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	return nil
}

// last returns the text after ": " on the first line of the newest message to addr.
func (m *mailbox) last(addr string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.msgs) - 1; i >= 0; i-- {
		if m.msgs[i].To == addr {
			line := strings.SplitN(m.msgs[i].Text, "\n", 2)[0]
			return line[strings.LastIndex(line, ": ")+2:]
		}
	}
	return ""
}

type app struct {
	handler    http.Handler
	mail       *mailbox
	dispatcher *email.Dispatcher
}

func newApp(t *testing.T, limiter *IPLimiter) *app {
	t.Helper()
	logger := zap.NewNop().Sugar()
	store := userrepo.NewMemoryStore()
	mail := &mailbox{}
	dispatcher := email.NewDispatcher(mail, 4, logger)
	tokens, err := session.NewTokenIssuer("router-test", "onboarding", 0)
	require.NoError(t, err)
	sessions := session.NewManager(store, tokens, logger)
	svc := user.NewUserService(store, user.BcryptHasher{Cost: bcrypt.MinCost}, sessions, mail, logger, user.Options{})
	pipeline := importer.NewPipeline(store, dispatcher, logger)
	h := user.NewHandler(svc, pipeline, sessions, logger, 1<<20)
	return &app{
		handler:    RegisterRoutes(Deps{Logger: logger, Users: h, Auth: sessions, Limiter: limiter}),
		mail:       mail,
		dispatcher: dispatcher,
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Errors  json.RawMessage `json:"errors"`
}

func (a *app) do(t *testing.T, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func (a *app) upload(t *testing.T, field, csv string) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, "users.csv")
	require.NoError(t, err)
	_, _ = fw.Write([]byte(csv))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/users/uploadUserCSV", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

const sampleCSV = "Name,Email,DOB,Address\n" +
	"Ann,ann@x.com,45000,\"{\"\"city\"\":\"\"X\"\"}\"\n" +
	"Bob,bob@x.com,1990-01-02,\n" +
	"Bad,bad@x.com,,not json\n"

func TestOnboardingFlow(t *testing.T) {
	a := newApp(t, nil)

	code, env := a.upload(t, "userDetailFile", sampleCSV)
	require.Equal(t, http.StatusOK, code, env.Message)
	var up user.UploadResponse
	require.NoError(t, json.Unmarshal(env.Data, &up))
	assert.Equal(t, 2, up.Counts.Created)
	assert.Equal(t, 1, up.Counts.Skipped)
	assert.Equal(t, "Invalid address json", up.Skipped.SkippedUsers[0].Reason)
	a.dispatcher.Wait()

	annToken := a.mail.last("ann@x.com")
	require.Len(t, annToken, 6)

	code, env = a.do(t, http.MethodPost, "/users/setPassword", "", map[string]string{"email": "ann@x.com", "password": "secret1"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "User not found or email not verified.", env.Message)

	code, _ = a.do(t, http.MethodPost, "/users/verifyEmailToken", "", map[string]string{"email": "ann@x.com", "emailToken": annToken})
	require.Equal(t, http.StatusOK, code)
	code, env = a.do(t, http.MethodPost, "/api/users/verifyEmailToken", "", map[string]string{"email": "ann@x.com", "emailToken": annToken})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "Email already verified.", env.Message)

	code, env = a.do(t, http.MethodPost, "/users/setPassword", "", map[string]string{"email": "ann@x.com", "password": "123"})
	assert.Equal(t, http.StatusBadRequest, code, env.Message)
	code, _ = a.do(t, http.MethodPost, "/users/setPassword", "", map[string]string{"email": "ann@x.com", "password": "secret1"})
	require.Equal(t, http.StatusOK, code)

	code, env = a.do(t, http.MethodPost, "/users/login", "", map[string]string{"email": "ann@x.com", "password": "nope123"})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.False(t, env.Success)

	code, _ = a.do(t, http.MethodPost, "/users/login", "", map[string]string{"email": "ann@x.com", "password": "secret1"})
	require.Equal(t, http.StatusOK, code)
	otp := a.mail.last("ann@x.com")
	require.Len(t, otp, 6)

	code, env = a.do(t, http.MethodPost, "/users/verifyOTP", "", map[string]string{"email": "ann@x.com", "otp": otp})
	require.Equal(t, http.StatusOK, code, env.Message)
	var login user.LoginResult
	require.NoError(t, json.Unmarshal(env.Data, &login))
	require.NotEmpty(t, login.Token)
	assert.Equal(t, "Ann", login.User.Name)

	code, env = a.do(t, http.MethodGet, "/users/getDashboardUsers?search=bob&page=1&limit=5", login.Token, nil)
	require.Equal(t, http.StatusOK, code, env.Message)
	var page user.DashboardPage
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, "Bob", page.Users[0].Name)

	code, env = a.do(t, http.MethodGet, "/users/getDashboardUsers?filterDOB=1990", login.Token, nil)
	assert.Equal(t, http.StatusBadRequest, code, env.Message)

	code, env = a.do(t, http.MethodPatch, "/users/updateProfile", login.Token, map[string]any{"name": "Ann Lee", "address": map[string]string{"city": "Y"}})
	require.Equal(t, http.StatusOK, code, env.Message)
	assert.Contains(t, string(env.Data), `"Ann Lee"`)
	assert.Contains(t, string(env.Data), `"2023-03-15"`)

	code, env = a.do(t, http.MethodGet, "/users/logout", login.Token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "null", string(env.Data))
	code, env = a.do(t, http.MethodGet, "/users/logout", login.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "Token is blacklisted or expired", env.Message)
}

func TestSecondUserBlockedWhileSessionActive(t *testing.T) {
	a := newApp(t, nil)
	code, _ := a.upload(t, "file", sampleCSV)
	require.Equal(t, http.StatusOK, code)
	a.dispatcher.Wait()

	tokens := map[string]string{"ann@x.com": a.mail.last("ann@x.com"), "bob@x.com": a.mail.last("bob@x.com")}
	for addr, tok := range tokens {
		code, _ = a.do(t, http.MethodPost, "/users/verifyEmailToken", "", map[string]string{"email": addr, "emailToken": tok})
		require.Equal(t, http.StatusOK, code)
		code, _ = a.do(t, http.MethodPost, "/users/setPassword", "", map[string]string{"email": addr, "password": "secret1"})
		require.Equal(t, http.StatusOK, code)
		code, _ = a.do(t, http.MethodPost, "/users/login", "", map[string]string{"email": addr, "password": "secret1"})
		require.Equal(t, http.StatusOK, code)
	}

	code, _ = a.do(t, http.MethodPost, "/users/verifyOTP", "", map[string]string{"email": "ann@x.com", "otp": a.mail.last("ann@x.com")})
	require.Equal(t, http.StatusOK, code)

	code, env := a.do(t, http.MethodPost, "/users/verifyOTP", "", map[string]string{"email": "bob@x.com", "otp": a.mail.last("bob@x.com")})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "Already one user login in to the system", env.Message)
	assert.JSONEq(t, `{"name":"Ann","email":"ann@x.com"}`, string(env.Errors))
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	a := newApp(t, nil)
	code, env := a.do(t, http.MethodGet, "/users/getDashboardUsers", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "Access token missing", env.Message)

	code, env = a.do(t, http.MethodGet, "/users/logout", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "Invalid token", env.Message)
}

func TestRequestValidation(t *testing.T) {
	a := newApp(t, nil)

	code, env := a.do(t, http.MethodPost, "/users/login", "", map[string]string{"email": "not-an-email", "password": "secret1"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Invalid email", env.Message)
	assert.JSONEq(t, `[{"field":"email","rule":"email","message":"Invalid email"}]`, string(env.Errors))

	code, env = a.do(t, http.MethodPost, "/users/verifyOTP", "", map[string]string{"email": "ann@x.com", "otp": "12ab"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Invalid or expired OTP.", env.Message)

	// 40 characters, 80 bytes: over the bcrypt input limit
	code, env = a.do(t, http.MethodPost, "/users/setPassword", "", map[string]string{"email": "ann@x.com", "password": strings.Repeat("é", 40)})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Password must be at most 72 bytes long", env.Message)
	assert.Equal(t, "null", string(env.Errors))
}

func TestUploadErrors(t *testing.T) {
	a := newApp(t, nil)
	code, env := a.upload(t, "other", sampleCSV)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "No file uploaded", env.Message)

	code, env = a.upload(t, "userDetailFile", "Name,Email\nAnn,ann@x.com\n")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Missing required column: dob", env.Message)

	code, env = a.upload(t, "userDetailFile", "Name,Email,DOB,Address\n")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Empty file", env.Message)
}

func TestRateLimitAndHeaders(t *testing.T) {
	a := newApp(t, NewIPLimiter(1, 2))
	var last int
	for i := 0; i < 3; i++ {
		last, _ = a.do(t, http.MethodPost, "/users/login", "", map[string]string{"email": "x@x.com", "password": "secret1"})
	}
	assert.Equal(t, http.StatusTooManyRequests, last)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestIPLimiterSweep(t *testing.T) {
	l := NewIPLimiter(1, 1)
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
	l.idleTTL = -time.Second
	l.Sweep()
	assert.Empty(t, l.limiters)
	assert.True(t, l.Allow("10.0.0.1"))
}
