// Package kafka publishes order lifecycle events to a Kafka topic.
package kafka

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/xenking/kart-fulfillment/internal/domain/order"
)

// Writer is the part of *kafka.Writer the producer uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ErrBufferFull is returned when the publish buffer cannot take more events.
var ErrBufferFull = errors.New("event buffer full")

var _ order.Publisher = (*Producer)(nil)

// Producer buffers events and writes them from a single goroutine started by
// Run. Messages are keyed by order ID so one order's events stay ordered.
type Producer struct {
	w      Writer
	inbox  chan kafka.Message
	source string
	lg     *zap.Logger
}

// NewWriter returns a kafka.Writer for topic.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

// NewProducer creates a Producer with room for buf pending events.
func NewProducer(w Writer, source string, buf int, lg *zap.Logger) *Producer {
	if buf <= 0 {
		buf = 256
	}
	return &Producer{
		w:      w,
		inbox:  make(chan kafka.Message, buf),
		source: source,
		lg:     lg,
	}
}

// Publish enqueues e without blocking.
func (p *Producer) Publish(_ context.Context, e order.Event) error {
	msg := kafka.Message{
		Key:   []byte(e.OrderID),
		Value: Encode(p.source, e),
		Time:  e.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	}
	select {
	case p.inbox <- msg:
		return nil
	default:
		return ErrBufferFull
	}
}

// Run writes buffered messages until ctx is done, then flushes what is left
// and closes the writer.
func (p *Producer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return p.flush()
		case m := <-p.inbox:
			if err := p.w.WriteMessages(ctx, m); err != nil {
				p.lg.Error("Write event", zap.ByteString("key", m.Key), zap.Error(err))
			}
		}
	}
}

func (p *Producer) flush() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		select {
		case m := <-p.inbox:
			if err := p.w.WriteMessages(ctx, m); err != nil {
				p.lg.Error("Flush event", zap.ByteString("key", m.Key), zap.Error(err))
			}
		default:
			return p.w.Close()
		}
	}
}

// Encode renders the event envelope:
//
//	{"event_id", "event_type", "event_version", "occurred_at", "producer", "payload": {...}}
func Encode(source string, ev order.Event) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("event_id")
	e.Str(uuid.NewString())
	e.FieldStart("event_type")
	e.Str(string(ev.Type))
	e.FieldStart("event_version")
	e.Int(1)
	e.FieldStart("occurred_at")
	e.Str(ev.OccurredAt.UTC().Format(time.RFC3339Nano))
	e.FieldStart("producer")
	e.Str(source)
	e.FieldStart("payload")
	e.ObjStart()
	e.FieldStart("order_id")
	e.Str(ev.OrderID)
	e.FieldStart("user_id")
	e.Str(ev.UserID)
	e.FieldStart("total")
	e.Str(ev.Total.StringFixed(2))
	e.FieldStart("payment_status")
	e.Str(string(ev.PaymentStatus))
	e.FieldStart("delivery_status")
	e.Str(string(ev.DeliveryStatus))
	e.ObjEnd()
	e.ObjEnd()
	return e.Bytes()
}
