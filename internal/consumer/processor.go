// Package consumer reads schema-registry framed events from Kafka and hands the ones this
// service knows about to a Handler. Offsets are committed after the handler succeeds. Records
// that can never be handled (bad framing, event types outside the catalog) are committed and
// counted so they cannot block a partition.
package consumer

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"example.com/reconciliation/internal/events"
)

// Reader exposes the minimal kafka.Reader interface needed by the processor.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Handler receives decoded messages from Kafka.
type Handler interface {
	Handle(context.Context, Message) error
}

// Message is a decoded record whose event type is in the events catalog.
type Message struct {
	Topic         string
	Partition     int
	Offset        int64
	Key           string
	Timestamp     time.Time
	EventType     string
	TenantID      string
	SchemaSubject string
	SchemaID      int
	Payload       json.RawMessage
}

func (m Message) fields() logrus.Fields {
	return logrus.Fields{"topic": m.Topic, "offset": m.Offset, "event_type": m.EventType, "tenant_id": m.TenantID}
}

// errUnknownEventType marks records whose event type the catalog does not list.
var errUnknownEventType = errors.New("unknown event type")

// Option configures optional behaviour for the Processor.
type Option func(*Processor)

// WithLogger overrides the logger used to report errors.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithRetry sets how often a failing handler is attempted for one record and the base delay,
// doubled per attempt, between attempts.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(p *Processor) {
		if attempts > 0 {
			p.attempts = attempts
		}
		if backoff >= 0 {
			p.backoff = backoff
		}
	}
}

// Processor pulls messages from Kafka, decodes them, and dispatches to a Handler.
type Processor struct {
	reader   Reader
	handler  Handler
	logger   logrus.FieldLogger
	attempts int
	backoff  time.Duration
}

// NewProcessor constructs a Processor with the provided reader and handler. A failing handler
// is attempted three times, 500ms apart and doubling, before the record is left uncommitted.
func NewProcessor(reader Reader, handler Handler, opts ...Option) *Processor {
	p := &Processor{
		reader:   reader,
		handler:  handler,
		logger:   logrus.StandardLogger(),
		attempts: 3,
		backoff:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts a blocking loop that processes Kafka messages until the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			p.logger.WithError(err).Warn("kafka fetch failed")
			continue
		}

		event, decodeErr := decodeMessage(msg)
		if decodeErr != nil {
			log := p.logger.WithFields(logrus.Fields{"topic": msg.Topic, "partition": msg.Partition, "offset": msg.Offset})
			if errors.Is(decodeErr, errUnknownEventType) {
				log.WithError(decodeErr).Debug("ignoring event outside the catalog")
				recordSkipped("unknown_event_type")
			} else {
				log.WithError(decodeErr).Warn("dropping undecodable message")
				recordDecodeError(msg.Topic)
			}
			if commitErr := p.reader.CommitMessages(ctx, msg); commitErr != nil {
				p.logger.WithError(commitErr).Error("commit after decode failure")
			}
			continue
		}

		if handleErr := p.handle(ctx, event); handleErr != nil {
			if errors.Is(handleErr, context.Canceled) {
				return handleErr
			}
			p.logger.WithFields(event.fields()).WithError(handleErr).Error("event handler failed, leaving offset uncommitted")
			recordHandlerError(event)
			continue
		}

		if commitErr := p.reader.CommitMessages(ctx, msg); commitErr != nil {
			p.logger.WithFields(event.fields()).WithError(commitErr).Error("commit failed")
		} else {
			recordProcessed(event)
		}
	}
}

// handle calls the handler up to p.attempts times with exponential backoff.
func (p *Processor) handle(ctx context.Context, event Message) error {
	delay := p.backoff
	var err error
	for attempt := 1; ; attempt++ {
		if err = p.handler.Handle(ctx, event); err == nil {
			return nil
		}
		if attempt >= p.attempts {
			return err
		}
		p.logger.WithFields(event.fields()).WithError(err).WithField("attempt", attempt).Warn("event handler failed, retrying")
		recordRetry(event)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
}

func decodeMessage(msg kafka.Message) (Message, error) {
	if len(msg.Value) < 5 {
		return Message{}, fmt.Errorf("invalid payload length: %d", len(msg.Value))
	}
	if msg.Value[0] != 0 {
		return Message{}, fmt.Errorf("unexpected magic byte %d", msg.Value[0])
	}

	eventType, ok := headerValue(msg, "event_type")
	if !ok {
		return Message{}, errors.New("missing event_type header")
	}
	meta, err := events.Lookup(string(eventType))
	if err != nil {
		return Message{}, fmt.Errorf("%w: %s", errUnknownEventType, eventType)
	}
	tenantID, _ := headerValue(msg, "tenant_id")
	schemaSubject, ok := headerValue(msg, "schema_subject")
	if !ok {
		schemaSubject = []byte(meta.SchemaSubject)
	}

	schemaID := int(binary.BigEndian.Uint32(msg.Value[1:5]))
	payload := json.RawMessage(append([]byte(nil), msg.Value[5:]...))

	return Message{
		Topic:         msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		Key:           string(msg.Key),
		Timestamp:     msg.Time,
		EventType:     string(eventType),
		TenantID:      string(tenantID),
		SchemaSubject: string(schemaSubject),
		SchemaID:      schemaID,
		Payload:       payload,
	}, nil
}

func headerValue(msg kafka.Message, key string) ([]byte, bool) {
	for _, header := range msg.Headers {
		if header.Key == key {
			return header.Value, true
		}
	}
	return nil, false
}
