package user

import (
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-onboarding/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-onboarding/internal/httpx"
	"github.com/ovaphlow/pitchfork/service-onboarding/internal/session"
	"github.com/ovaphlow/pitchfork/service-onboarding/internal/user/importer"
	"github.com/ovaphlow/pitchfork/service-onboarding/pkg/email"
	"github.com/ovaphlow/pitchfork/service-onboarding/pkg/validator"
)

// SessionCloser ends the caller's session on logout.
type SessionCloser interface {
	Logout(ctx context.Context, userID int64, token string) error
}

// Handler exposes HTTP endpoints for the onboarding and login flow.
type Handler struct {
	svc       *UserService
	pipeline  *importer.Pipeline
	sessions  SessionCloser
	validate  *validator.Validator
	logger    *zap.SugaredLogger
	maxUpload int64
}

func NewHandler(svc *UserService, pipeline *importer.Pipeline, sessions SessionCloser, logger *zap.SugaredLogger, maxUpload int64) *Handler {
	if maxUpload <= 0 {
		maxUpload = 10 << 20
	}
	return &Handler{
		svc:       svc,
		pipeline:  pipeline,
		sessions:  sessions,
		validate:  validator.NewValidator(),
		logger:    logger,
		maxUpload: maxUpload,
	}
}

var (
	ErrInvalidPayload = apperr.New(apperr.Validation, "invalid payload")
	ErrNoFile         = apperr.New(apperr.Validation, "No file uploaded")
	ErrUnreadableFile = apperr.New(apperr.Validation, "Unable to read spreadsheet")
	ErrNoIdentity     = apperr.New(apperr.Auth, "Access token missing")
)

// upload form fields, in lookup order
var uploadFields = []string{"userDetailFile", "file"}

type skippedBlock struct {
	SkippedUsers []importer.Skipped `json:"skippedUsers"`
	Message      string             `json:"message"`
}

type uploadCounts struct {
	Created       int `json:"created"`
	AlreadyExists int `json:"alreadyExists"`
	Skipped       int `json:"skipped"`
}

type UploadResponse struct {
	Created       []importer.Entry `json:"created"`
	AlreadyExists []importer.Entry `json:"alreadyExists"`
	Skipped       skippedBlock     `json:"skipped"`
	Counts        uploadCounts     `json:"counts"`
}

func (h *Handler) UploadUsers(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(w, r, apperr.New(apperr.Validation, "File too large"))
			return
		}
		h.fail(w, r, ErrNoFile)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	var (
		file     multipart.File
		filename string
	)
	for _, field := range uploadFields {
		f, hdr, err := r.FormFile(field)
		if err == nil {
			defer f.Close()
			file, filename = f, hdr.Filename
			break
		}
	}
	if file == nil {
		h.fail(w, r, ErrNoFile)
		return
	}

	batch, err := importer.ReadSheet(file, filename, importer.UnzipLimit(h.maxUpload))
	if err != nil {
		h.fail(w, r, ErrUnreadableFile.WithDetail(err.Error()))
		return
	}
	res, err := h.pipeline.Import(r.Context(), batch)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	msg := "No users were skipped"
	if len(res.Skipped) > 0 {
		msg = "Some users were skipped due to validation errors"
	}
	httpx.WriteJSON(w, http.StatusOK, httpx.Ok("Users uploaded successfully.", UploadResponse{
		Created:       res.Created,
		AlreadyExists: res.AlreadyExists,
		Skipped:       skippedBlock{SkippedUsers: res.Skipped, Message: msg},
		Counts: uploadCounts{
			Created:       len(res.Created),
			AlreadyExists: len(res.AlreadyExists),
			Skipped:       len(res.Skipped),
		},
	}))
}

// VerifyEmailTokenRequest body for the email verification endpoint.
type VerifyEmailTokenRequest struct {
	Email      string `json:"email" validate:"omitempty,email,max=255"`
	EmailToken string `json:"emailToken" validate:"omitempty,max=64"`
}

func (h *Handler) VerifyEmailToken(w http.ResponseWriter, r *http.Request) {
	var req VerifyEmailTokenRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.VerifyEmailToken(r.Context(), req.Email, req.EmailToken); err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, httpx.Ok("Email verification successful.", req.Email))
}

// CredentialsRequest body for setPassword and login.
type CredentialsRequest struct {
	Email    string `json:"email" validate:"omitempty,email,max=255"`
	Password string `json:"password"`
}

func (h *Handler) SetPassword(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.SetPassword(r.Context(), req.Email, req.Password); err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, httpx.Ok[any]("Password set successfully", nil))
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if !h.decode(w, r, &req) {
		return
	}
	ch, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, httpx.Ok("sent OTP to your email successfully", ch))
}

// VerifyOTPRequest body for the OTP challenge.
type VerifyOTPRequest struct {
	Email string `json:"email" validate:"omitempty,email,max=255"`
	OTP   string `json:"otp" validate:"omitempty,numeric,max=16"`
}

func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.VerifyOTP(r.Context(), req.Email, req.OTP)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, httpx.Ok("OTP verified successfully", res))
}

func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	id, ok := session.IdentityFrom(r.Context())
	if !ok {
		h.fail(w, r, ErrNoIdentity)
		return
	}
	q := r.URL.Query()
	page, err := h.svc.Dashboard(r.Context(), id.UserID, DashboardQuery{
		Search:    q.Get("search"),
		Page:      atoiOr(q.Get("page"), 1),
		Limit:     atoiOr(q.Get("limit"), defaultPageLimit),
		FilterDOB: q.Get("filterDOB"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, httpx.Ok("User list fetched successfully", page))
}

func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := session.IdentityFrom(r.Context())
	if !ok {
		h.fail(w, r, ErrNoIdentity)
		return
	}
	var req ProfileUpdate
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.svc.UpdateProfile(r.Context(), id.UserID, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, httpx.Ok("User profile update successfully", p))
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	id, ok := session.IdentityFrom(r.Context())
	if !ok {
		h.fail(w, r, ErrNoIdentity)
		return
	}
	if err := h.sessions.Logout(r.Context(), id.UserID, id.Token); err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, httpx.Ok[any]("User logged out successfully", nil))
}

// decode reads a JSON body into v and validates its tags. It writes the
// failure response itself and reports whether the handler may continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.logger.Debugw("invalid payload", "path", r.URL.Path, "err", err)
		h.fail(w, r, ErrInvalidPayload.WithDetail(err.Error()))
		return false
	}
	switch req := v.(type) {
	case *VerifyEmailTokenRequest:
		req.Email = email.Normalize(req.Email)
	case *CredentialsRequest:
		req.Email = email.Normalize(req.Email)
	case *VerifyOTPRequest:
		req.Email = email.Normalize(req.Email)
	}
	if err := h.validate.Validate(v); err != nil {
		var errs validator.Errors
		if errors.As(err, &errs) {
			h.fail(w, r, apperr.New(apperr.Validation, errs.First()).WithDetail(errs))
			return false
		}
		h.fail(w, r, apperr.New(apperr.Validation, err.Error()))
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	httpx.WriteError(w, r, h.logger, err)
}

func atoiOr(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
