package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/pitabwire/leadflow/internal/dedup"
	"github.com/pitabwire/leadflow/internal/observability"
	"github.com/pitabwire/leadflow/model"
)

// Processor handles one inbound domain event. *orchestrator.Orchestrator
// satisfies it.
type Processor interface {
	ProcessEvent(ctx context.Context, evt model.Event) (model.ProcessResult, error)
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Queue    string
	Prefetch int
	Workers  int
	// Dedup, when set, skips deliveries whose message id was already
	// processed within DedupTTL.
	Dedup    dedup.Store
	DedupTTL time.Duration
}

// Consumer reads domain events from the engine queue and feeds them to a
// Processor. Deliveries are acknowledged once processed, requeued once on
// an infrastructure failure and dead-lettered after that or when they
// cannot be decoded.
type Consumer struct {
	conn      *Connection
	processor Processor
	cfg       ConsumerConfig
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// NewConsumer creates a consumer on conn.
func NewConsumer(conn *Connection, processor Processor, cfg ConsumerConfig, logger *zap.Logger, metrics *observability.Metrics) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Consumer{
		conn:      conn,
		processor: processor,
		cfg:       cfg,
		logger:    logger.Named("consumer"),
		metrics:   metrics,
	}
}

// Run consumes until ctx is cancelled, resubscribing after reconnects.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		deliveries, ch, err := c.subscribe()
		if err != nil {
			c.logger.Error("subscribe failed", zap.String("queue", c.cfg.Queue), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.conn.Reconnected():
				continue
			}
		}

		c.logger.Info("consuming", zap.String("queue", c.cfg.Queue), zap.Int("workers", c.cfg.Workers))
		c.drain(ctx, deliveries)
		ch.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("delivery channel closed, waiting for reconnect", zap.String("queue", c.cfg.Queue))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.conn.Reconnected():
		}
	}
}

func (c *Consumer) subscribe() (<-chan amqp.Delivery, *amqp.Channel, error) {
	ch, err := c.conn.OpenChannel()
	if err != nil {
		return nil, nil, err
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		return nil, nil, err
	}
	deliveries, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, err
	}
	return deliveries, ch, nil
}

// drain fans deliveries out to the worker pool and returns when the
// delivery channel closes or ctx is done.
func (c *Consumer) drain(ctx context.Context, deliveries <-chan amqp.Delivery) {
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					c.Handle(ctx, d)
				}
			}
		}()
	}
	wg.Wait()
}

// Handle processes and settles one delivery.
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, tableCarrier(d.Headers))

	var evt model.Event
	if err := json.Unmarshal(d.Body, &evt); err != nil {
		c.logger.Error("undecodable delivery dead-lettered",
			zap.String("message_id", d.MessageId),
			zap.String("routing_key", d.RoutingKey),
			zap.Error(err),
		)
		d.Nack(false, false)
		return
	}
	if evt.ID == "" {
		evt.ID = d.MessageId
	}
	if evt.Type == "" {
		evt.Type = firstNonEmpty(d.Type, d.RoutingKey)
	}
	messageID := firstNonEmpty(d.MessageId, evt.ID)

	logger := c.logger.With(zap.String("message_id", messageID)).With(observability.EventFields(evt)...)
	if ce := logger.Check(zap.DebugLevel, "delivery received"); ce != nil {
		ce.Write(zap.Any("data", observability.RedactPayload(evt.Data)))
	}

	key := ""
	if c.cfg.Dedup != nil && messageID != "" {
		key = dedup.FormatKey(evt.Type, messageID)
		prior, found, err := c.cfg.Dedup.Check(ctx, key)
		switch {
		case err != nil:
			logger.Warn("dedup check failed, processing anyway", zap.Error(err))
		case found:
			c.metrics.RecordDuplicate()
			logger.Debug("duplicate delivery skipped", zap.String("prior_action", prior.Action))
			d.Ack(false)
			return
		}
	}

	res, err := c.processor.ProcessEvent(ctx, evt)
	if err != nil {
		requeue := !d.Redelivered || errors.Is(err, context.Canceled)
		logger.Error("event processing failed",
			zap.Bool("requeue", requeue),
			zap.Error(err),
		)
		d.Nack(false, requeue)
		return
	}

	if key != "" {
		if err := c.cfg.Dedup.Store(ctx, key, res, c.cfg.DedupTTL); err != nil {
			logger.Warn("dedup store failed", zap.Error(err))
		}
	}
	if res.Error != nil {
		logger.Info("event rejected",
			zap.String("code", res.Error.Code),
			zap.String("reason", res.Error.Message),
		)
	}
	d.Ack(false)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
