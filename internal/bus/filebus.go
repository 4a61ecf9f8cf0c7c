package bus

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/strikeline/strikeline/errs"
	"github.com/strikeline/strikeline/internal/observability"
	"github.com/strikeline/strikeline/internal/schema"
	"github.com/strikeline/strikeline/internal/telemetry"
)

// FileBus implements Bus over per-stream append-only journals under a root
// directory. Subjects map to streams via the schema subject tables.
type FileBus struct {
	cfg Config

	mu       sync.Mutex
	journals map[string]*journal
	closed   bool

	sweepStop chan struct{}
	sweepDone chan struct{}

	metrics *busMetrics
}

type busMetrics struct {
	published  metric.Int64Counter
	duplicates metric.Int64Counter
	fetched    metric.Int64Counter
	acked      metric.Int64Counter
	deadLetter metric.Int64Counter
}

func newBusMetrics() *busMetrics {
	meter := otel.Meter("strikeline/bus")
	published, _ := meter.Int64Counter("bus.published",
		metric.WithDescription("Messages appended to a stream"))
	duplicates, _ := meter.Int64Counter("bus.duplicates_suppressed",
		metric.WithDescription("Publishes dropped inside the dedup window"))
	fetched, _ := meter.Int64Counter("bus.fetched",
		metric.WithDescription("Messages delivered to pull consumers"))
	acked, _ := meter.Int64Counter("bus.acked",
		metric.WithDescription("Messages acknowledged by consumers"))
	deadLetter, _ := meter.Int64Counter("bus.dead_letter",
		metric.WithDescription("Messages routed to DLQ subjects"))
	return &busMetrics{
		published:  published,
		duplicates: duplicates,
		fetched:    fetched,
		acked:      acked,
		deadLetter: deadLetter,
	}
}

// Open creates or reopens the file-backed bus rooted at cfg.Root and starts
// the retention sweeper.
func Open(cfg Config) (*FileBus, error) {
	cfg = cfg.normalize()
	if cfg.Root == "" {
		return nil, errs.New("bus", errs.CodeConfig, errs.WithMessage("bus root directory required"))
	}
	b := &FileBus{
		cfg:       cfg,
		journals:  make(map[string]*journal),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
		metrics:   newBusMetrics(),
	}
	go b.sweepLoop()
	return b, nil
}

func (b *FileBus) sweepLoop() {
	defer close(b.sweepDone)
	ticker := time.NewTicker(b.cfg.RetentionSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-b.sweepStop:
			return
		case <-ticker.C:
			b.mu.Lock()
			journals := make([]*journal, 0, len(b.journals))
			for _, j := range b.journals {
				journals = append(journals, j)
			}
			b.mu.Unlock()
			for _, j := range journals {
				j.sweepRetention(b.cfg.MaxAge)
			}
		}
	}
}

func (b *FileBus) journalFor(stream string) (*journal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errs.New("bus", errs.CodeTransientIO, errs.WithMessage("bus closed"))
	}
	if j, ok := b.journals[stream]; ok {
		return j, nil
	}
	j, err := openJournal(b.cfg.Root, stream, b.cfg)
	if err != nil {
		return nil, err
	}
	b.journals[stream] = j
	return j, nil
}

// Publish appends data on subject, suppressing duplicate msgIDs within the
// dedup window.
func (b *FileBus) Publish(ctx context.Context, subject, msgID string, headers map[string]string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stream, ok := schema.StreamForSubject(subject)
	if !ok {
		return errs.New("bus", errs.CodeValidation,
			errs.WithMessage("subject not bound to a stream"),
			errs.WithContext("subject", subject))
	}
	j, err := b.journalFor(stream)
	if err != nil {
		return err
	}
	_, duplicate, err := j.append(subject, msgID, headers, data)
	if err != nil {
		return err
	}
	attrs := telemetry.EventAttributes(b.cfg.Environment, "", subject)
	if duplicate {
		b.metrics.duplicates.Add(ctx, 1, metric.WithAttributes(attrs...))
		return nil
	}
	b.metrics.published.Add(ctx, 1, metric.WithAttributes(attrs...))
	return nil
}

// PullSubscribe binds the named durable consumer to stream.
func (b *FileBus) PullSubscribe(stream, durable string) (Consumer, error) {
	if durable == "" {
		return nil, errs.New("bus", errs.CodeValidation, errs.WithMessage("durable consumer name required"))
	}
	j, err := b.journalFor(stream)
	if err != nil {
		return nil, err
	}
	cursor, err := j.loadCursor(durable)
	if err != nil {
		return nil, err
	}
	return &pullConsumer{
		bus:     b,
		journal: j,
		stream:  stream,
		durable: durable,
		cursor:  cursor,
	}, nil
}

// Close stops the sweeper and releases all journals.
func (b *FileBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	journals := make([]*journal, 0, len(b.journals))
	for _, j := range b.journals {
		journals = append(journals, j)
	}
	b.mu.Unlock()

	close(b.sweepStop)
	<-b.sweepDone
	var firstErr error
	for _, j := range journals {
		if err := j.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type pullConsumer struct {
	bus     *FileBus
	journal *journal
	stream  string
	durable string

	mu     sync.Mutex
	cursor uint64
}

func (c *pullConsumer) Fetch(ctx context.Context, batch int, timeout time.Duration) ([]Msg, error) {
	if batch <= 0 {
		batch = 1
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		c.mu.Lock()
		after := c.cursor
		c.mu.Unlock()
		records, err := c.journal.read(after, batch)
		if err != nil {
			return nil, err
		}
		if len(records) > 0 {
			msgs := make([]Msg, 0, len(records))
			for _, rec := range records {
				msgs = append(msgs, Msg{
					Stream:      c.stream,
					Subject:     rec.Subject,
					Seq:         rec.Seq,
					MsgID:       rec.MsgID,
					Headers:     rec.Headers,
					Data:        []byte(rec.Data),
					PublishedAt: rec.PublishedAt,
				})
			}
			attrs := telemetry.ConsumerAttributes(c.bus.cfg.Environment, c.stream, c.durable)
			c.bus.metrics.fetched.Add(ctx, int64(len(msgs)), metric.WithAttributes(attrs...))
			return msgs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-c.journal.notify:
			// new data appended; retry the read
		}
	}
}

func (c *pullConsumer) Ack(msg Msg) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.Seq <= c.cursor {
		// Redelivered message already acknowledged; at-least-once makes this benign.
		return nil
	}
	if err := c.journal.storeCursor(c.durable, msg.Seq); err != nil {
		return err
	}
	c.cursor = msg.Seq
	attrs := telemetry.ConsumerAttributes(c.bus.cfg.Environment, c.stream, c.durable)
	c.bus.metrics.acked.Add(context.Background(), 1, metric.WithAttributes(attrs...))
	return nil
}

func (c *pullConsumer) Lag() (uint64, error) {
	c.mu.Lock()
	cursor := c.cursor
	c.mu.Unlock()
	tail := c.journal.tail()
	if tail <= cursor {
		return 0, nil
	}
	return tail - cursor, nil
}

// PublishInvalid routes an unparseable payload to the broadcast DLQ subject
// and records the failure. The raw bytes are preserved verbatim.
func PublishInvalid(ctx context.Context, b Bus, origSubject string, raw []byte, cause error) error {
	headers := map[string]string{
		HeaderError:       truncateError(cause),
		HeaderOrigSubject: origSubject,
	}
	if fb, ok := b.(*FileBus); ok {
		attrs := telemetry.EventAttributes(fb.cfg.Environment, "invalid_event", schema.SubjectInvalidEvent)
		fb.metrics.deadLetter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	observability.Log().Warn("routing unparseable payload to dlq",
		observability.F("orig_subject", origSubject),
		observability.F("error", truncateError(cause)))
	return b.Publish(ctx, schema.SubjectInvalidEvent, "", headers, raw)
}

// PublishDead routes a message that failed application to the per-subject DLQ
// with a truncated error header, preserving the original message ID.
func PublishDead(ctx context.Context, b Bus, msg Msg, cause error) error {
	headers := make(map[string]string, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[HeaderError] = truncateError(cause)
	headers[HeaderOrigSubject] = msg.Subject
	if fb, ok := b.(*FileBus); ok {
		attrs := telemetry.EventAttributes(fb.cfg.Environment, "", schema.DLQSubject(msg.Subject))
		fb.metrics.deadLetter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	observability.Log().Warn("routing failed message to dlq",
		observability.F("subject", msg.Subject),
		observability.F("msg_id", msg.MsgID),
		observability.F("error", truncateError(cause)))
	return b.Publish(ctx, schema.DLQSubject(msg.Subject), msg.MsgID, headers, msg.Data)
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	text := err.Error()
	if len(text) > ErrorHeaderMaxLen {
		return text[:ErrorHeaderMaxLen]
	}
	return text
}
