// Package notify sends the transactional submission summary through an
// HTTP mail API.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultSendTimeout = 15 * time.Second

var (
	errMissingEndpoint = errors.New("notify: mail endpoint is required")
	errMissingAPIKey   = errors.New("notify: mail api key is required")
	errMissingFrom     = errors.New("notify: sender address is required")
)

// SendError reports a non-2xx response from the mail API.
type SendError struct {
	Status int
	Body   string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("notify: mail api returned %d: %s", e.Status, e.Body)
}

// Retryable reports whether the send may succeed on a later attempt.
func (e *SendError) Retryable() bool {
	return e.Status >= http.StatusInternalServerError || e.Status == http.StatusTooManyRequests
}

// MailerConfig describes the transactional mail API binding.
type MailerConfig struct {
	Endpoint   string
	APIKey     string
	From       string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Mailer posts transactional messages to the configured mail API.
type Mailer struct {
	endpoint   string
	apiKey     string
	from       string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewMailer constructs a Mailer.
func NewMailer(cfg MailerConfig) (*Mailer, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errMissingEndpoint
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errMissingAPIKey
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errMissingFrom
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultSendTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mailer{
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		from:       cfg.From,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type sendPayload struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// Send posts one transactional message. Non-2xx responses become a
// SendError so the caller can classify retryability by status.
func (m *Mailer) Send(ctx context.Context, to, subject, htmlBody string) error {
	payload, err := json.Marshal(sendPayload{
		From:    m.from,
		To:      to,
		Subject: subject,
		HTML:    htmlBody,
	})
	if err != nil {
		return fmt.Errorf("notify: encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		var body struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return &SendError{Status: resp.StatusCode, Body: body.Message}
	}
	return nil
}
