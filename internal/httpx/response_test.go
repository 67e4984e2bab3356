package httpx

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-onboarding/internal/apperr"
)

func TestEnvelopeKeepsEmptyKeys(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusOK, Ok[any]("User logged out successfully", nil))
	assert.JSONEq(t, `{"success":true,"message":"User logged out successfully","data":null}`, rec.Body.String())

	rec = httptest.NewRecorder()
	WriteJSON(rec, http.StatusBadRequest, Fail("Empty file", nil))
	assert.JSONEq(t, `{"success":false,"message":"Empty file","errors":null}`, rec.Body.String())
}

func TestWriteError(t *testing.T) {
	logger := zap.NewNop().Sugar()
	req := httptest.NewRequest(http.MethodGet, "/users/logout", nil)

	cases := []struct {
		name   string
		err    error
		status int
		body   string
	}{
		{
			name:   "validation without detail",
			err:    apperr.New(apperr.Validation, "Email and OTP required"),
			status: http.StatusBadRequest,
			body:   `{"success":false,"message":"Email and OTP required","errors":null}`,
		},
		{
			name:   "conflict with detail",
			err:    apperr.New(apperr.Conflict, "Already one user login in to the system").WithDetail(map[string]string{"name": "Ann"}),
			status: http.StatusConflict,
			body:   `{"success":false,"message":"Already one user login in to the system","errors":{"name":"Ann"}}`,
		},
		{
			name:   "plain error",
			err:    errors.New("db down"),
			status: http.StatusInternalServerError,
			body:   `{"success":false,"message":"Something went wrong","errors":"db down"}`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, req, logger, tc.err)
			require.Equal(t, tc.status, rec.Code)
			assert.JSONEq(t, tc.body, rec.Body.String())
		})
	}
}
