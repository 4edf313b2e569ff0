// Package alarms reads the accelerator alarm log. Each alarm source is one
// partition (subject) of the log; the log position is the alarm's offset.
package alarms

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	lru "github.com/hashicorp/golang-lru/v2"

	eventbus "github.com/fermi-ad/extapi-acsys/internal/eventbus"
	events "github.com/fermi-ad/extapi-acsys/internal/events"
	"github.com/fermi-ad/extapi-acsys/internal/failure"
)

// Backend names the alarm log in failures, logs and metrics.
const Backend = "alarms"

// Client-facing messages. Broker details go to the server log only.
const (
	BrokerUnavailable = "An error occurred while attempting to connect to the message broker. See server logs for details."
	ConsumeFailed     = "An error occurred while consuming messages. See server logs for details. Closing stream."
)

// ErrClosed is returned by Stream.Next after Close.
var ErrClosed = errors.New("alarms: stream closed")

// Alarm is one delivered alarm message.
type Alarm struct {
	Source  string
	Offset  uint64
	Payload string
	Time    time.Time
}

// Adapter turns the alarm log into per-subscriber streams.
type Adapter struct {
	log    Log
	opts   Options
	prefix string
	logger *slog.Logger
}

// New returns an Adapter reading log.
func New(log Log, opts ...Option) *Adapter {
	o := defaultOptions()
	for _, f := range opts {
		f(&o)
	}
	if o.Window <= 0 {
		o.Window = 1
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		log:    log,
		opts:   o,
		prefix: strings.TrimSuffix(strings.TrimSuffix(o.Subjects, ">"), "*"),
		logger: logger.With("backend", Backend, "stream", o.Stream),
	}
}

// Open starts a stream of alarms appended from now on. Creating the
// consumer is retried with exponential backoff; when every attempt failed
// the error is BackendUnavailable with a generic message.
func (a *Adapter) Open(ctx context.Context) (*Stream, error) {
	attempt := 0
	cur, err := backoff.Retry(ctx, func() (Cursor, error) {
		attempt++
		c, err := a.log.Tail(ctx)
		if err != nil {
			a.logger.Warn("alarm consumer creation failed", "attempt", attempt, "error", err)
			eventbus.Publish(ctx, events.AlarmConsumerRetry{Stream: a.opts.Stream, Attempt: attempt, Err: err})
		}
		return c, err
	},
		backoff.WithBackOff(a.opts.retryPolicy()),
		backoff.WithMaxTries(uint(a.opts.MaxAttempts)),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, failure.Wrap(failure.Timeout, Backend, ctx.Err(), "alarm consumer was not created before the request ended")
		}
		a.logger.Error("alarm consumer unavailable", "attempts", attempt, "error", err)
		return nil, failure.Fixed(failure.BackendUnavailable, Backend, err, BrokerUnavailable)
	}

	seen, err := lru.New[offsetKey, struct{}](a.opts.Window)
	if err != nil {
		cur.Stop()
		return nil, err
	}
	a.logger.Debug("alarm stream opened")
	return &Stream{a: a, cur: cur, seen: seen}, nil
}

// Snapshot returns the alarms present in the log at call time, oldest
// first.
func (a *Adapter) Snapshot(ctx context.Context) ([]Alarm, error) {
	var out []Alarm
	err := a.log.Replay(ctx, func(rec Record) error {
		if alarm, ok := a.decode(rec); ok {
			out = append(out, alarm)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, failure.Wrap(failure.Timeout, Backend, err, "alarm snapshot did not complete before the request ended")
		}
		a.logger.Error("alarm snapshot failed", "error", err)
		return nil, failure.Fixed(failure.BackendUnavailable, Backend, err, BrokerUnavailable)
	}
	return out, nil
}

// decode converts a record. Payloads that are not UTF-8 text are logged
// and skipped.
func (a *Adapter) decode(rec Record) (Alarm, bool) {
	if !utf8.Valid(rec.Data) {
		a.logger.Warn("dropping alarm with non UTF-8 payload", "subject", rec.Subject, "offset", rec.Sequence)
		return Alarm{}, false
	}
	return Alarm{
		Source:  strings.TrimPrefix(rec.Subject, a.prefix),
		Offset:  rec.Sequence,
		Payload: string(rec.Data),
		Time:    rec.Time,
	}, true
}

type offsetKey struct {
	source string
	offset uint64
}

// Stream delivers alarms to one subscriber. Redeliveries seen within the
// dedup window are dropped.
type Stream struct {
	a    *Adapter
	cur  Cursor
	seen *lru.Cache[offsetKey, struct{}]

	mu     sync.Mutex
	closed bool
}

// Next returns the next alarm in log order.
func (s *Stream) Next(ctx context.Context) (Alarm, error) {
	for {
		if s.isClosed() {
			return Alarm{}, ErrClosed
		}
		rec, err := s.cur.Next(ctx)
		if err != nil {
			switch {
			case s.isClosed(), errors.Is(err, ErrClosed):
				return Alarm{}, ErrClosed
			case ctx.Err() != nil:
				return Alarm{}, ctx.Err()
			}
			s.a.logger.Error("alarm consumer failed", "error", err)
			return Alarm{}, failure.Fixed(failure.BackendCallFailed, Backend, err, ConsumeFailed)
		}
		s.ack(rec)

		alarm, ok := s.a.decode(rec)
		if !ok {
			continue
		}
		if err := s.admit(alarm); err != nil {
			s.a.logger.Debug("dropped redelivered alarm", "source", alarm.Source, "offset", alarm.Offset, "delivered", rec.Delivered, "error", err)
			eventbus.Publish(ctx, events.AlarmDuplicate{Source: alarm.Source, Offset: alarm.Offset})
			continue
		}
		return alarm, nil
	}
}

// admit records the alarm in the dedup window. It fails with
// DuplicateDelivery for an alarm already in the window.
func (s *Stream) admit(alarm Alarm) error {
	if seen, _ := s.seen.ContainsOrAdd(offsetKey{alarm.Source, alarm.Offset}, struct{}{}); seen {
		return failure.Newf(failure.DuplicateDelivery, Backend, "alarm %s@%d already delivered", alarm.Source, alarm.Offset)
	}
	return nil
}

func (s *Stream) ack(rec Record) {
	if rec.Ack == nil {
		return
	}
	if err := rec.Ack(); err != nil {
		s.a.logger.Warn("alarm ack failed", "subject", rec.Subject, "offset", rec.Sequence, "error", err)
	}
}

// Close stops the stream's consumer. It is safe to call more than once and
// concurrently with Next.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cur.Stop()
	s.a.logger.Debug("alarm stream closed")
	return nil
}

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
