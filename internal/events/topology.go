package events

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/pitabwire/leadflow/internal/config"
)

// Topology names the exchanges and queues the engine uses.
//
//	<exchange> (topic)          outbound pipeline.* events, routed by type
//	<inbound exchange> (topic)
//	  └── <queue>               one binding per subscribed event type
//	<queue>.dlx (fanout)
//	  └── <queue>.dead          undecodable or repeatedly failing deliveries
type Topology struct {
	Exchange        string
	InboundExchange string
	Queue           string
	Subscriptions   []string
}

// TopologyFrom builds the topology from config. With no subscriptions the
// queue receives every inbound event.
func TopologyFrom(cfg config.EventsConfig) Topology {
	return Topology{
		Exchange:        cfg.Exchange,
		InboundExchange: cfg.InboundExchange,
		Queue:           cfg.Queue,
		Subscriptions:   cfg.Subscriptions,
	}
}

// DeadLetterExchange is the exchange rejected deliveries are routed to.
func (t Topology) DeadLetterExchange() string { return t.Queue + ".dlx" }

// DeadLetterQueue holds rejected deliveries for inspection.
func (t Topology) DeadLetterQueue() string { return t.Queue + ".dead" }

// bindings returns the routing keys the inbound queue is bound with.
func (t Topology) bindings() []string {
	if len(t.Subscriptions) == 0 {
		return []string{"#"}
	}
	return t.Subscriptions
}

// Declarer is the subset of *amqp.Channel used to declare the topology.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Declare creates every exchange, queue and binding. It is idempotent.
func (t Topology) Declare(ch Declarer) error {
	exchanges := []struct{ name, kind string }{
		{t.Exchange, amqp.ExchangeTopic},
		{t.DeadLetterExchange(), amqp.ExchangeFanout},
	}
	if t.InboundExchange != "" {
		exchanges = append(exchanges, struct{ name, kind string }{t.InboundExchange, amqp.ExchangeTopic})
	}
	for _, ex := range exchanges {
		if err := ch.ExchangeDeclare(ex.name, ex.kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("events: declare exchange %s: %w", ex.name, err)
		}
	}

	if _, err := ch.QueueDeclare(t.DeadLetterQueue(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("events: declare queue %s: %w", t.DeadLetterQueue(), err)
	}
	if err := ch.QueueBind(t.DeadLetterQueue(), "", t.DeadLetterExchange(), false, nil); err != nil {
		return fmt.Errorf("events: bind %s: %w", t.DeadLetterQueue(), err)
	}

	args := amqp.Table{"x-dead-letter-exchange": t.DeadLetterExchange()}
	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("events: declare queue %s: %w", t.Queue, err)
	}
	if t.InboundExchange == "" {
		return nil
	}
	for _, key := range t.bindings() {
		if err := ch.QueueBind(t.Queue, key, t.InboundExchange, false, nil); err != nil {
			return fmt.Errorf("events: bind %s to %s/%s: %w", t.Queue, t.InboundExchange, key, err)
		}
	}
	return nil
}
