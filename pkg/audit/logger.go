// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"maps"
	"sync/atomic"
	"time"

	"github.com/grovelabs/groveauth/pkg/logger"
	"github.com/grovelabs/groveauth/pkg/storage"
)

const (
	defaultBufferSize   = 256
	defaultWriteTimeout = 3 * time.Second
)

// Logger appends events to the audit store from a background goroutine.
// Record never blocks and never returns an error: when the buffer is full
// the event is dropped and counted, and a failed store write is logged
// and forgotten. Call Start before recording and Shutdown to drain.
type Logger struct {
	store  storage.AuditStore
	config *Config

	events chan *storage.AuditEvent
	stopCh chan struct{}
	doneCh chan struct{}

	started  atomic.Bool
	shutdown atomic.Bool
	dropped  atomic.Int64

	writeTimeout time.Duration
}

// Option adjusts Logger construction.
type Option func(*Logger)

// WithBufferSize sets how many events may be queued before Record starts
// dropping.
func WithBufferSize(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.events = make(chan *storage.AuditEvent, n)
		}
	}
}

// WithWriteTimeout bounds each store write made by the background worker.
func WithWriteTimeout(d time.Duration) Option {
	return func(l *Logger) {
		if d > 0 {
			l.writeTimeout = d
		}
	}
}

// WithConfig installs an event-kind filter.
func WithConfig(cfg *Config) Option {
	return func(l *Logger) {
		if cfg != nil {
			l.config = cfg
		}
	}
}

// New creates a Logger over the given store. The worker does not run
// until Start is called.
func New(store storage.AuditStore, opts ...Option) *Logger {
	l := &Logger{
		store:        store,
		config:       DefaultConfig(),
		events:       make(chan *storage.AuditEvent, defaultBufferSize),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start launches the background worker. Calling it twice is a no-op.
func (l *Logger) Start() {
	if l.started.Swap(true) {
		return
	}
	go l.run()
}

// Record queues one event. Events of filtered-out kinds are ignored, and
// a full buffer drops the event rather than blocking the caller.
func (l *Logger) Record(event *Event) {
	if event == nil || l.shutdown.Load() {
		return
	}
	if !l.config.ShouldAudit(event.row.Kind) {
		return
	}

	// Copy so the caller cannot mutate the event after it is queued.
	row := event.row
	row.Details = maps.Clone(event.row.Details)
	select {
	case l.events <- &row:
	default:
		l.dropped.Add(1)
		logger.Warnf("audit buffer full, dropping %s event", row.Kind)
	}
}

// Dropped returns how many events have been discarded because the buffer
// was full.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

// Shutdown stops accepting events and waits for the worker to drain the
// buffer, up to the context deadline.
func (l *Logger) Shutdown(ctx context.Context) {
	if l.shutdown.Swap(true) {
		return
	}
	if !l.started.Load() {
		return
	}

	close(l.stopCh)
	select {
	case <-l.doneCh:
	case <-ctx.Done():
		logger.Warnf("audit logger shutdown timed out: %v", ctx.Err())
	}
}

func (l *Logger) run() {
	defer close(l.doneCh)

	for {
		select {
		case row := <-l.events:
			l.append(row)
		case <-l.stopCh:
			// Drain whatever is buffered, then exit.
			for {
				select {
				case row := <-l.events:
					l.append(row)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) append(row *storage.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), l.writeTimeout)
	defer cancel()

	if err := l.store.AppendAuditEvent(ctx, row); err != nil {
		logger.Warnf("recording %s audit event: %v", row.Kind, err)
	}
}
