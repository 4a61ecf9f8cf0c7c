// Package bus provides durable pub/sub over file-backed streams with
// at-least-once pull consumers and dead-letter routing.
package bus

import (
	"context"
	"time"
)

// Header keys carried alongside message payloads.
const (
	// HeaderMsgID carries the publisher-supplied idempotency key used for
	// duplicate suppression inside the dedup window.
	HeaderMsgID = "msg-id"
	// HeaderError carries the truncated failure description on DLQ messages.
	HeaderError = "error"
	// HeaderOrigSubject carries the original subject on DLQ messages.
	HeaderOrigSubject = "orig-subject"
)

// ErrorHeaderMaxLen bounds the error header on dead-letter messages.
const ErrorHeaderMaxLen = 200

// Msg is one delivered stream message. Redelivered until acknowledged.
type Msg struct {
	Stream      string
	Subject     string
	Seq         uint64
	MsgID       string
	Headers     map[string]string
	Data        []byte
	PublishedAt float64
}

// Bus publishes events onto durable streams and hands out pull consumers.
type Bus interface {
	// Publish appends data on subject. A message whose msgID was seen within
	// the dedup window is silently dropped.
	Publish(ctx context.Context, subject, msgID string, headers map[string]string, data []byte) error
	// PullSubscribe binds a named durable consumer to a stream. The consumer's
	// position survives restarts.
	PullSubscribe(stream, durable string) (Consumer, error)
	Close() error
}

// Consumer is a durable pull subscriber over one stream.
type Consumer interface {
	// Fetch returns up to batch messages after the consumer's cursor, waiting
	// at most timeout for the first message. An empty batch is not an error.
	Fetch(ctx context.Context, batch int, timeout time.Duration) ([]Msg, error)
	// Ack advances the durable cursor past msg. Messages are delivered in
	// order; acking out of order is rejected.
	Ack(msg Msg) error
	// Lag reports messages appended but not yet acknowledged.
	Lag() (uint64, error)
}

// Config controls stream durability and dedup behavior.
type Config struct {
	// Root is the directory holding one subdirectory per stream.
	Root string
	// MaxAge discards segments whose newest record is older than this.
	MaxAge time.Duration
	// DedupWindow suppresses republished message IDs within this window.
	DedupWindow time.Duration
	// SegmentMaxBytes rolls the active segment file past this size.
	SegmentMaxBytes int64
	// RetentionSweepEvery sets the cadence of the age-based retention sweep.
	RetentionSweepEvery time.Duration
	// Environment tags metrics emitted by the bus.
	Environment string
}

func (c Config) normalize() Config {
	if c.MaxAge <= 0 {
		c.MaxAge = 168 * time.Hour
	}
	if c.DedupWindow < 120*time.Second {
		c.DedupWindow = 120 * time.Second
	}
	if c.SegmentMaxBytes <= 0 {
		c.SegmentMaxBytes = 32 << 20
	}
	if c.RetentionSweepEvery <= 0 {
		c.RetentionSweepEvery = time.Minute
	}
	return c
}
