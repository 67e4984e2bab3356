package email

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Sender delivers a single message. Implementations report failure per call.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Message is a plain-text notification to one recipient.
type Message struct {
	To      string
	Subject string
	Text    string
}

// Config holds email service configuration
type Config struct {
	BaseURL string        // URL of the email service API endpoint
	APIKey  string        // bearer key for the API, optional
	From    string        // sender address
	Timeout time.Duration // HTTP request timeout
}

// Normalize trims and lower-cases an address. Stored emails use this form.
func Normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// VerificationMessage carries the email-verification token issued at import.
func VerificationMessage(to, token string) Message {
	return Message{
		To:      to,
		Subject: "Your Email Verification Token",
		Text:    fmt.Sprintf("Your email verification token is: %s", token),
	}
}

// OTPMessage carries a login one-time code.
func OTPMessage(to, otp string, ttl time.Duration) Message {
	return Message{
		To:      to,
		Subject: "Your login OTP",
		Text: fmt.Sprintf("Your login OTP is: %s\nNote: this OTP expires within %d minutes.",
			otp, int(ttl.Minutes())),
	}
}
