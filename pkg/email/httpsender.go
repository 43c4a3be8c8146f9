// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/grovelabs/groveauth/pkg/logger"
)

const (
	// DefaultTimeout bounds a single delivery attempt.
	DefaultTimeout = 5 * time.Second

	// DefaultMaxTries is the total number of delivery attempts, the first
	// one included.
	DefaultMaxTries = 3

	// DefaultPerSecond and DefaultBurst smooth outbound sends so a burst of
	// login requests cannot flood the provider.
	DefaultPerSecond = 5
	DefaultBurst     = 10
)

// Config configures an HTTPSender.
type Config struct {
	// Endpoint receives one JSON POST per message.
	Endpoint string

	// APIKey is sent as a Bearer credential when set.
	APIKey string

	// From is the sender address.
	From string

	// Timeout bounds one delivery attempt. Zero means DefaultTimeout.
	Timeout time.Duration

	// MaxTries is the total number of attempts. Zero means DefaultMaxTries.
	MaxTries uint

	// PerSecond and Burst configure send smoothing. Zero means the defaults.
	PerSecond float64
	Burst     int
}

// HTTPSender delivers messages through a JSON mail-provider API. Transient
// failures are retried with exponential backoff; provider rejections are not.
type HTTPSender struct {
	endpoint string
	apiKey   string
	from     string
	maxTries uint
	client   *http.Client
	limiter  *rate.Limiter
}

var _ Sender = (*HTTPSender)(nil)

// NewHTTPSender validates the config and returns a ready sender.
func NewHTTPSender(cfg Config) (*HTTPSender, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("email endpoint is required")
	}
	if cfg.From == "" {
		return nil, errors.New("email from address is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxTries := cfg.MaxTries
	if maxTries == 0 {
		maxTries = DefaultMaxTries
	}
	perSecond := cfg.PerSecond
	if perSecond <= 0 {
		perSecond = DefaultPerSecond
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &HTTPSender{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		from:     cfg.From,
		maxTries: maxTries,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(perSecond), burst),
	}, nil
}

// payload is the provider wire format.
type payload struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

// Send delivers one message, waiting for the smoothing limiter first.
func (s *HTTPSender) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return errors.New("recipient is required")
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for send slot: %w", err)
	}

	body, err := json.Marshal(payload{
		From:    s.from,
		To:      msg.To,
		Subject: msg.Subject,
		Text:    msg.Body,
	})
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 100 * time.Millisecond

	operation := func() (struct{}, error) {
		return struct{}{}, s.post(ctx, body)
	}
	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(s.maxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Debugw("retrying email delivery", "error", err, "delay", d)
		}),
	)
	if err != nil {
		return fmt.Errorf("delivering email: %w", err)
	}
	return nil
}

// post performs one delivery attempt. Client errors from the provider are
// permanent; network failures and server errors are retryable.
func (s *HTTPSender) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting message: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return backoff.Permanent(fmt.Errorf("provider rejected message: %s", resp.Status))
	default:
		return fmt.Errorf("provider returned %s", resp.Status)
	}
}
