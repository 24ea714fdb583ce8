package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/relaygate/mailbridge/internal/logger"
)

// Lifecycle event names published per relay decision.
const (
	InboundReceived  = "relay.inbound.received"
	InboundDelivered = "relay.inbound.delivered"
	OutboundSent     = "relay.outbound.sent"
	OutboundFailed   = "relay.outbound.failed"
)

// Publisher emits relay lifecycle events to Kafka. A nil *Publisher is
// valid and publishes nothing, so callers never branch on configuration.
type Publisher struct {
	w *kafka.Writer
}

type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration // default 5s
}

func NewPublisher(c Config) *Publisher {
	if len(c.Brokers) == 0 {
		return nil
	}
	topic := c.Topic
	if topic == "" {
		topic = "relay.events"
	}
	wt := c.WriteTimeout
	if wt <= 0 {
		wt = 5 * time.Second
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(c.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: wt,
		RequiredAcks: kafka.RequireOne,
	}

	return &Publisher{w: w}
}

type envelope struct {
	Event string `json:"event"`
	Ref   string `json:"ref"`
	At    string `json:"at"`
	Data  any    `json:"data,omitempty"`
}

// Publish is best effort: a broker failure is logged, never surfaced
// into the relay path.
func (p *Publisher) Publish(ctx context.Context, event, ref string, data any) {
	if p == nil {
		return
	}
	payload, err := json.Marshal(envelope{
		Event: event,
		Ref:   ref,
		At:    time.Now().UTC().Format(time.RFC3339),
		Data:  data,
	})
	if err != nil {
		logger.L().Warn("event marshal failed", zap.String("event", event), zap.Error(err))
		return
	}
	err = p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ref),
		Value: payload,
	})
	if err != nil {
		logger.L().Warn("event publish failed", zap.String("event", event), zap.String("ref", ref), zap.Error(err))
	}
}

func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.w.Close()
}
