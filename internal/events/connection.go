// Package events carries domain events into the engine and pipeline events
// out of it over RabbitMQ.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const maxReconnectDelay = 30 * time.Second

// ErrNotConnected is returned while the broker connection is down.
var ErrNotConnected = errors.New("events: not connected")

// Connection wraps an AMQP connection that re-dials in the background
// after the broker drops it. Publishing shares one channel; each consumer
// opens its own.
type Connection struct {
	url    string
	delay  time.Duration
	logger *zap.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool

	closedCh    chan struct{}
	reconnectCh chan struct{}
}

// Dial connects to the broker at url. reconnectDelay is the first wait
// between re-dial attempts and doubles up to 30s.
func Dial(url string, reconnectDelay time.Duration, logger *zap.Logger) (*Connection, error) {
	if reconnectDelay <= 0 {
		reconnectDelay = time.Second
	}
	c := &Connection{
		url:         url,
		delay:       reconnectDelay,
		logger:      logger.Named("amqp"),
		closedCh:    make(chan struct{}),
		reconnectCh: make(chan struct{}, 1),
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	go c.watch()
	return c, nil
}

func (c *Connection) connect() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("events: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("events: open channel: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.mu.Unlock()

	c.logger.Info("connected to broker")
	return nil
}

func (c *Connection) watch() {
	for {
		c.mu.RLock()
		conn := c.conn
		closed := c.closed
		c.mu.RUnlock()
		if closed {
			return
		}

		notify := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-c.closedCh:
			return
		case err := <-notify:
			if err != nil {
				c.logger.Warn("broker connection lost", zap.Error(err))
			}
			if !c.reconnect() {
				return
			}
		}
	}
}

// reconnect re-dials until it succeeds or the connection is closed.
func (c *Connection) reconnect() bool {
	delay := c.delay
	for {
		select {
		case <-c.closedCh:
			return false
		case <-time.After(delay):
		}

		if err := c.connect(); err != nil {
			c.logger.Warn("reconnect failed", zap.Duration("delay", delay), zap.Error(err))
			delay = min(delay*2, maxReconnectDelay)
			continue
		}

		select {
		case c.reconnectCh <- struct{}{}:
		default:
		}
		return true
	}
}

// Channel returns the shared publishing channel.
func (c *Connection) Channel() (*amqp.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.channel == nil || c.channel.IsClosed() {
		return nil, ErrNotConnected
	}
	return c.channel, nil
}

// OpenChannel opens a dedicated channel on the current connection.
func (c *Connection) OpenChannel() (*amqp.Channel, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil || conn.IsClosed() {
		return nil, ErrNotConnected
	}
	return conn.Channel()
}

// Reconnected is signalled after every successful re-dial.
func (c *Connection) Reconnected() <-chan struct{} {
	return c.reconnectCh
}

// HealthCheck reports whether the broker connection is up.
func (c *Connection) HealthCheck(context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil || c.conn.IsClosed() {
		return ErrNotConnected
	}
	return nil
}

// Close shuts the channel and connection and stops reconnecting.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closedCh)

	var errs []error
	if c.channel != nil && !c.channel.IsClosed() {
		errs = append(errs, c.channel.Close())
	}
	if c.conn != nil && !c.conn.IsClosed() {
		errs = append(errs, c.conn.Close())
	}
	return errors.Join(errs...)
}
