package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nadermedhet148/sql-insight-engine/pkg/config"
)

// Handler processes one delivery. Implementations must resolve every
// delivery by calling exactly one of d.Ack or d.Nack; a handler panic is
// recovered and nacked without requeue.
type Handler func(ctx context.Context, d *Delivery)

// acknowledger is the subset of amqp.Channel used to resolve deliveries.
// Narrowed to an interface so tests can observe ack/nack traffic.
type acknowledger interface {
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple bool, requeue bool) error
}

// Delivery is a single message handed to a worker goroutine. The underlying
// AMQP channel is owned by the consumer's event loop and is not safe for
// cross-goroutine use, so Ack/Nack enqueue closures onto the consumer's
// action queue instead of touching the channel directly.
type Delivery struct {
	Body    []byte
	Headers amqp.Table

	tag     uint64
	ack     acknowledger
	actions chan<- func()
	logger  *slog.Logger
}

// Ack acknowledges the delivery via the consumer's event loop.
func (d *Delivery) Ack() {
	d.enqueue(func() {
		if err := d.ack.Ack(d.tag, false); err != nil {
			d.logger.Warn("Ack failed", "tag", d.tag, "error", err)
		}
	})
}

// Nack rejects the delivery via the consumer's event loop.
func (d *Delivery) Nack(requeue bool) {
	d.enqueue(func() {
		if err := d.ack.Nack(d.tag, false, requeue); err != nil {
			d.logger.Warn("Nack failed", "tag", d.tag, "error", err)
		}
	})
}

func (d *Delivery) enqueue(action func()) {
	select {
	case d.actions <- action:
	default:
		// The action queue is full or the loop is gone. Dropping means the
		// message stays unacked and is redelivered after the connection
		// closes, which is the safe direction.
		d.logger.Warn("Action queue full, dropping ack/nack", "tag", d.tag)
	}
}

// Consumer consumes one queue with a bounded worker pool. Message delivery
// and acknowledgment happen on the event-loop goroutine; handler execution
// happens on pool workers.
type Consumer struct {
	queue     string
	brokerCfg config.BrokerConfig
	prefetch  int
	reconnect config.ConsumerConfig
	handler   Handler
	logger    *slog.Logger

	actions chan func()
	tokens  chan struct{}
	wg      sync.WaitGroup
}

// NewConsumer creates a consumer for the named queue. prefetch bounds both
// the broker QoS window and the worker pool size.
func NewConsumer(queue string, brokerCfg config.BrokerConfig, consumerCfg config.ConsumerConfig, prefetch int, handler Handler) *Consumer {
	if prefetch <= 0 {
		prefetch = consumerCfg.PrefetchCount
	}
	return &Consumer{
		queue:     queue,
		brokerCfg: brokerCfg,
		prefetch:  prefetch,
		reconnect: consumerCfg,
		handler:   handler,
		logger:    slog.With("queue", queue),
		actions:   make(chan func(), 1024),
		tokens:    make(chan struct{}, prefetch),
	}
}

// Run consumes until ctx is cancelled. Connection losses are hidden: the
// consumer drops stale actions, sleeps, reconnects, and re-consumes;
// unacked messages are redelivered by the broker.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Consumer starting", "prefetch", c.prefetch)

	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, channel, deliveries, err := c.connect()
		if err != nil {
			c.logger.Warn("Broker connection failed, retrying", "error", err)
			if !c.sleep(ctx) {
				return nil
			}
			continue
		}

		done := c.eventLoop(ctx, conn, channel, deliveries)
		_ = conn.Close()
		if done {
			c.logger.Info("Consumer stopped")
			return nil
		}

		// Connection lost mid-consume. Queued actions belong to the dead
		// channel; drop them before reconnecting.
		c.drainActions()
		c.logger.Warn("Broker connection lost, reconnecting")
		if !c.sleep(ctx) {
			return nil
		}
	}
}

// eventLoop multiplexes deliveries, worker actions, and close notifications
// on the connection's owning goroutine. Returns true on clean shutdown,
// false when the connection was lost.
func (c *Consumer) eventLoop(ctx context.Context, conn *amqp.Connection, channel *amqp.Channel, deliveries <-chan amqp.Delivery) bool {
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			c.shutdown(channel)
			return true

		case amqpErr := <-closed:
			if amqpErr != nil {
				c.logger.Warn("Connection closed by broker", "error", amqpErr)
			}
			return false

		case d, ok := <-deliveries:
			if !ok {
				return false
			}
			c.dispatch(ctx, channel, d)

		case action := <-c.actions:
			action()
		}
	}
}

// dispatch hands a delivery to a pool worker, blocking for a token (and
// still draining actions) when the pool is saturated.
func (c *Consumer) dispatch(ctx context.Context, channel *amqp.Channel, d amqp.Delivery) {
	for {
		select {
		case c.tokens <- struct{}{}:
			delivery := &Delivery{
				Body:    d.Body,
				Headers: d.Headers,
				tag:     d.DeliveryTag,
				ack:     channel,
				actions: c.actions,
				logger:  c.logger,
			}
			c.wg.Add(1)
			go c.process(ctx, delivery)
			return
		case action := <-c.actions:
			action()
		case <-ctx.Done():
			return
		}
	}
}

// process runs the handler on a worker goroutine. Panics are contained and
// resolved as nack-without-requeue so a poisoned message cannot wedge the
// pool.
func (c *Consumer) process(ctx context.Context, d *Delivery) {
	defer c.wg.Done()
	defer func() { <-c.tokens }()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Handler panicked", "panic", r)
			d.Nack(false)
		}
	}()

	c.handler(ctx, d)
}

// shutdown stops intake, waits for in-flight workers, and flushes their
// final acks before the connection closes.
func (c *Consumer) shutdown(channel *amqp.Channel) {
	_ = channel.Cancel(c.consumerTag(), false)

	workersDone := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(workersDone)
	}()

	for {
		select {
		case action := <-c.actions:
			action()
		case <-workersDone:
			c.drainPendingActions()
			return
		}
	}
}

// drainPendingActions executes any actions already enqueued.
func (c *Consumer) drainPendingActions() {
	for {
		select {
		case action := <-c.actions:
			action()
		default:
			return
		}
	}
}

// drainActions discards queued actions after a connection loss.
func (c *Consumer) drainActions() {
	for {
		select {
		case <-c.actions:
		default:
			return
		}
	}
}

func (c *Consumer) connect() (*amqp.Connection, *amqp.Channel, <-chan amqp.Delivery, error) {
	conn, err := amqp.DialConfig(c.brokerCfg.URL(), amqp.Config{Heartbeat: c.brokerCfg.Heartbeat})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dialing broker: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, nil, fmt.Errorf("opening channel: %w", err)
	}
	if _, err := channel.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, nil, nil, fmt.Errorf("declaring queue %q: %w", c.queue, err)
	}
	if err := channel.Qos(c.prefetch, 0, false); err != nil {
		_ = conn.Close()
		return nil, nil, nil, fmt.Errorf("setting QoS: %w", err)
	}

	deliveries, err := channel.Consume(c.queue, c.consumerTag(), false, false, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return nil, nil, nil, fmt.Errorf("starting consume: %w", err)
	}

	c.logger.Info("Consumer connected", "prefetch", c.prefetch)
	return conn, channel, deliveries, nil
}

// consumerTag names this consumer on the broker so shutdown can cancel it.
func (c *Consumer) consumerTag() string {
	return c.queue + "-consumer"
}

// sleep pauses before a reconnect attempt; returns false if ctx ended.
func (c *Consumer) sleep(ctx context.Context) bool {
	t := c.reconnect.ReconnectDelay
	if t <= 0 {
		t = 5 * time.Second
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(t):
		return true
	}
}
