// Package httpx holds the response envelope and error mapping shared by
// all handlers.
package httpx

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-onboarding/internal/apperr"
)

// Result is the success body. Data is always present, null when empty.
type Result[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

// Failure is the error body. Errors is always present, null when empty.
type Failure struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Errors  any    `json:"errors"`
}

func Ok[T any](message string, data T) Result[T] {
	return Result[T]{Success: true, Message: message, Data: data}
}

func Fail(message string, errs any) Failure {
	return Failure{Success: false, Message: message, Errors: errs}
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StatusOf maps an error kind to its HTTP status.
func StatusOf(k apperr.Kind) int {
	switch k {
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.Auth:
		return http.StatusUnauthorized
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

const genericMessage = "Something went wrong"

// WriteError writes the failure envelope for err. Unexpected errors are
// logged with request context and carry the internal message in errors.
func WriteError(w http.ResponseWriter, r *http.Request, logger *zap.SugaredLogger, err error) {
	e := apperr.As(err)
	kind := apperr.KindOf(err)
	status := StatusOf(kind)
	if kind == apperr.Unexpected {
		msg := genericMessage
		if e != nil && e.Message != "" {
			msg = e.Message
		}
		logger.Errorw("request failed",
			"method", r.Method, "path", r.URL.Path, "request_id", RequestID(r.Context()), "err", err)
		WriteJSON(w, status, Fail(msg, err.Error()))
		return
	}
	logger.Debugw("request rejected",
		"method", r.Method, "path", r.URL.Path, "kind", kind.String(), "err", err)
	WriteJSON(w, status, Fail(e.Message, e.Detail))
}

type requestIDKey struct{}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
