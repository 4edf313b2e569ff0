package alarms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Record is one message of the alarm log.
type Record struct {
	Subject   string
	Sequence  uint64
	Data      []byte
	Time      time.Time
	Delivered uint64
	// Ack acknowledges the record. It is nil for records that need none.
	Ack func() error
}

// Cursor iterates over newly appended records.
type Cursor interface {
	// Next blocks until a record arrives. A cancelled ctx ends the cursor.
	Next(ctx context.Context) (Record, error)
	Stop()
}

// Log is the partitioned, append-only alarm log.
type Log interface {
	// Tail creates a consumer that delivers records appended from now on.
	Tail(ctx context.Context) (Cursor, error)
	// Replay calls fn for every record present when it was called, in
	// log order.
	Replay(ctx context.Context, fn func(Record) error) error
}

// JetStreamLog reads the alarm log from a JetStream stream.
type JetStreamLog struct {
	js       jetstream.JetStream
	stream   string
	subjects string

	// Inactive is how long the server keeps an abandoned tail consumer.
	Inactive time.Duration
	// Batch and Wait bound each fetch of a replay.
	Batch int
	Wait  time.Duration
}

// NewJetStreamLog returns a Log over the subjects of stream.
func NewJetStreamLog(js jetstream.JetStream, stream, subjects string) *JetStreamLog {
	return &JetStreamLog{
		js:       js,
		stream:   stream,
		subjects: subjects,
		Inactive: 30 * time.Second,
		Batch:    256,
		Wait:     500 * time.Millisecond,
	}
}

// Tail creates an ephemeral, explicitly acknowledged consumer that starts
// at the next appended message.
func (l *JetStreamLog) Tail(ctx context.Context) (Cursor, error) {
	cons, err := l.js.CreateOrUpdateConsumer(ctx, l.stream, jetstream.ConsumerConfig{
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		AckPolicy:         jetstream.AckExplicitPolicy,
		FilterSubject:     l.subjects,
		InactiveThreshold: l.Inactive,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer on %s: %w", l.stream, err)
	}
	it, err := cons.Messages()
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", l.stream, err)
	}
	return &jetStreamCursor{it: it}, nil
}

// Replay reads the stream from its first message with an ordered consumer
// and stops at the message that was last when Replay was called.
func (l *JetStreamLog) Replay(ctx context.Context, fn func(Record) error) error {
	stream, err := l.js.Stream(ctx, l.stream)
	if err != nil {
		return fmt.Errorf("stream %s: %w", l.stream, err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("stream %s info: %w", l.stream, err)
	}
	last := info.State.LastSeq
	if info.State.Msgs == 0 {
		return nil
	}

	cons, err := l.js.OrderedConsumer(ctx, l.stream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{l.subjects},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("replay %s: %w", l.stream, err)
	}
	for {
		batch, err := cons.Fetch(l.Batch, jetstream.FetchMaxWait(l.Wait))
		if err != nil {
			return fmt.Errorf("replay %s: %w", l.stream, err)
		}
		n := 0
		for msg := range batch.Messages() {
			n++
			rec, pending, err := record(msg)
			if err != nil {
				return err
			}
			if rec.Sequence > last {
				return nil
			}
			rec.Ack = nil
			if err := fn(rec); err != nil {
				return err
			}
			if rec.Sequence == last || pending == 0 {
				return nil
			}
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			return fmt.Errorf("replay %s: %w", l.stream, err)
		}
		if n == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

type jetStreamCursor struct {
	it jetstream.MessagesContext
}

func (c *jetStreamCursor) Next(ctx context.Context) (Record, error) {
	stop := context.AfterFunc(ctx, c.it.Stop)
	defer stop()
	msg, err := c.it.Next()
	if err != nil {
		if ctx.Err() != nil {
			return Record{}, ctx.Err()
		}
		if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
			return Record{}, ErrClosed
		}
		return Record{}, err
	}
	rec, _, err := record(msg)
	return rec, err
}

func (c *jetStreamCursor) Stop() { c.it.Stop() }

func record(msg jetstream.Msg) (Record, uint64, error) {
	meta, err := msg.Metadata()
	if err != nil {
		return Record{}, 0, fmt.Errorf("message metadata: %w", err)
	}
	return Record{
		Subject:   msg.Subject(),
		Sequence:  meta.Sequence.Stream,
		Data:      msg.Data(),
		Time:      meta.Timestamp,
		Delivered: meta.NumDelivered,
		Ack:       msg.Ack,
	}, meta.NumPending, nil
}
