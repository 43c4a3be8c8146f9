// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package email is the outbound mail boundary. The actual delivery transport
// lives behind the Sender interface; the rest of the server only composes
// messages and hands them over.
package email

import (
	"context"

	"github.com/grovelabs/groveauth/pkg/logger"
)

// Message is one outbound mail. Plain text only.
type Message struct {
	// To is the recipient address.
	To string

	// Subject is the subject line.
	Subject string

	// Body is the text/plain body.
	Body string
}

// Sender delivers messages. Implementations must honor context cancellation
// and return an error only when the message was not handed off.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes messages to the process log instead of delivering them.
// It exists for development and tests, where the login code has to be
// readable somewhere.
type LogSender struct{}

var _ Sender = (*LogSender)(nil)

// NewLogSender returns a Sender that logs every message.
func NewLogSender() *LogSender {
	return &LogSender{}
}

// Send logs the message at info level, body included.
func (*LogSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	logger.Infow("email delivery disabled, logging message",
		"to", msg.To,
		"subject", msg.Subject,
		"body", msg.Body,
	)
	return nil
}
