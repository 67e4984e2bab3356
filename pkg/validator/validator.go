// Package validator checks request payloads and reports failures in the
// wording the onboarding API returns to clients.
package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// FieldError is one failed rule, keyed by the JSON field name.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// Errors lists every failed rule of a payload in field order.
type Errors []FieldError

func (e Errors) Error() string {
	msgs := make([]string, len(e))
	for i, fe := range e {
		msgs[i] = fe.Message
	}
	return strings.Join(msgs, "; ")
}

// First returns the message of the first failure, used as the response message.
func (e Errors) First() string {
	if len(e) == 0 {
		return ""
	}
	return e[0].Message
}

// messages holds the client-facing text for field/rule pairs of the
// onboarding payloads. Token and OTP rule failures use the lookup-failure wording.
var messages = map[string]string{
	"email/required":      "Email is required",
	"email/email":         "Invalid email",
	"email/max":           "Email must be at most 255 characters",
	"emailToken/required": "Email and token are required.",
	"emailToken/max":      "Invalid email or token.",
	"otp/required":        "Email and OTP required",
	"otp/max":             "Invalid or expired OTP.",
	"otp/numeric":         "Invalid or expired OTP.",
	"password/required":   "Email and password are required.",
	"password/min":        "Password must be at least 6 characters long",
}

type Validator struct {
	validate *validator.Validate
}

func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report JSON names so messages and field keys match the payload
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return strings.ToLower(fld.Name)
		}
		return name
	})
	return &Validator{validate: v}
}

// Validate checks the struct tags of payload. Rule failures come back as Errors.
func (v *Validator) Validate(payload any) error {
	err := v.validate.Struct(payload)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := make(Errors, len(verrs))
	for i, fe := range verrs {
		out[i] = FieldError{Field: fe.Field(), Rule: fe.Tag(), Message: messageFor(fe)}
	}
	return out
}

// Email reports whether s is a syntactically valid address of 5 to 255 characters.
func (v *Validator) Email(s string) bool {
	return v.validate.Var(s, "required,min=5,max=255,email") == nil
}

func messageFor(fe validator.FieldError) string {
	if m, ok := messages[fe.Field()+"/"+fe.Tag()]; ok {
		return m
	}
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}
