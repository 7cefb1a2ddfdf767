package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/pitabwire/leadflow/model"
)

type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher sends outbound pipeline events to the topic exchange, routed
// by event type.
type Publisher struct {
	exchange string
	channel  func() (publishChannel, error)
	logger   *zap.Logger
}

// NewPublisher creates a publisher over conn.
func NewPublisher(conn *Connection, exchange string, logger *zap.Logger) *Publisher {
	return &Publisher{
		exchange: exchange,
		channel: func() (publishChannel, error) {
			return conn.Channel()
		},
		logger: logger.Named("publisher"),
	}
}

// Publish sends evt as a persistent JSON message.
func (p *Publisher) Publish(ctx context.Context, evt model.Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", evt.Type, err)
	}
	ch, err := p.channel()
	if err != nil {
		return err
	}

	headers := amqp.Table{}
	otel.GetTextMapPropagator().Inject(ctx, tableCarrier(headers))

	ts := evt.OccurredAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	err = ch.PublishWithContext(ctx, p.exchange, evt.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    evt.ID,
		Type:         evt.Type,
		Timestamp:    ts,
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("events: publish %s to %s: %w", evt.Type, p.exchange, err)
	}

	p.logger.Debug("event published",
		zap.String("event_id", evt.ID),
		zap.String("event_type", evt.Type),
		zap.String("entity_id", evt.EntityID),
	)
	return nil
}

// tableCarrier adapts AMQP headers to the otel text map carrier.
type tableCarrier amqp.Table

func (c tableCarrier) Get(key string) string {
	v, _ := c[key].(string)
	return v
}

func (c tableCarrier) Set(key, value string) {
	c[key] = value
}

func (c tableCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
