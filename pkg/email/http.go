package email

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPSender posts messages as JSON to a transactional mail API.
type HTTPSender struct {
	client *resty.Client
	from   string
}

type sendRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

type sendResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func NewHTTPSender(cfg Config) (*HTTPSender, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("email service URL is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	return &HTTPSender{client: client, from: cfg.From}, nil
}

func (s *HTTPSender) Send(ctx context.Context, msg Message) error {
	var out sendResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(sendRequest{From: s.from, To: msg.To, Subject: msg.Subject, Text: msg.Text}).
		SetResult(&out).
		SetError(&out).
		Post("")
	if err != nil {
		return fmt.Errorf("send email to %s: %w", msg.To, err)
	}
	if resp.IsError() {
		reason := out.Error
		if reason == "" {
			reason = out.Message
		}
		return fmt.Errorf("send email to %s: status %d: %s", msg.To, resp.StatusCode(), reason)
	}
	return nil
}
