// Package broker provides the RabbitMQ publisher and consumer used by the
// saga pipeline. Queues are durable and messages persistent; the broker is
// the unit of reliability between steps.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nadermedhet148/sql-insight-engine/pkg/config"
	"github.com/nadermedhet148/sql-insight-engine/pkg/saga"
)

// Queue names for each saga step transition.
const (
	QueueGenerateQuery = "query_generate_query"
	QueueExecuteQuery  = "query_execute_query"
	QueueFormatResult  = "query_format_result"
	QueueError         = "query_error"
)

// ErrBrokerUnavailable is returned when a publish fails even after the
// single reconnect-and-retry.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// allQueues lists every queue declared at connect time.
var allQueues = []string{QueueGenerateQuery, QueueExecuteQuery, QueueFormatResult, QueueError}

// Metadated is implemented by every saga message (via Envelope) and supplies
// the values stamped into message headers.
type Metadated interface {
	Meta() (sagaID string, userID int64, accountID string)
}

// Publisher publishes saga messages over a single long-lived connection and
// channel. The channel is not safe for concurrent use, so all access is
// serialized by a mutex; on a broker-side channel close the publisher
// reconnects transparently and retries the publish once.
type Publisher struct {
	cfg    config.BrokerConfig
	logger *slog.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewPublisher creates a Publisher. The connection is established lazily on
// first publish.
func NewPublisher(cfg config.BrokerConfig) *Publisher {
	return &Publisher{
		cfg:    cfg,
		logger: slog.Default(),
	}
}

// Publish serializes msg and publishes it to the named queue with persistent
// delivery and saga headers. Synchronous from the caller's perspective;
// returns ErrBrokerUnavailable (wrapped) only when the reconnect retry also
// fails.
func (p *Publisher) Publish(ctx context.Context, queue string, msg Metadated) error {
	body, err := saga.Encode(msg)
	if err != nil {
		return err
	}
	sagaID, userID, accountID := msg.Meta()

	publishing := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Headers: amqp.Table{
			"saga_id":    sagaID,
			"user_id":    strconv.FormatInt(userID, 10),
			"account_id": accountID,
		},
		Body: body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureConnectionLocked(); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}

	err = p.channel.PublishWithContext(ctx, "", queue, false, false, publishing)
	if err == nil {
		p.logger.Info("Published saga message", "queue", queue, "saga_id", sagaID)
		return nil
	}

	// Channel closed by the broker mid-publish: reconnect and retry once.
	p.logger.Warn("Publish failed, reconnecting", "queue", queue, "error", err)
	p.resetLocked()
	if err := p.ensureConnectionLocked(); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	if err := p.channel.PublishWithContext(ctx, "", queue, false, false, publishing); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	p.logger.Info("Published saga message after reconnect", "queue", queue, "saga_id", sagaID)
	return nil
}

// PublishQueryGeneration publishes to the generate-query queue (step 1).
func (p *Publisher) PublishQueryGeneration(ctx context.Context, msg Metadated) error {
	return p.Publish(ctx, QueueGenerateQuery, msg)
}

// PublishQueryExecution publishes to the execute-query queue (step 2).
func (p *Publisher) PublishQueryExecution(ctx context.Context, msg Metadated) error {
	return p.Publish(ctx, QueueExecuteQuery, msg)
}

// PublishResultFormatting publishes to the format-result queue (step 3).
func (p *Publisher) PublishResultFormatting(ctx context.Context, msg Metadated) error {
	return p.Publish(ctx, QueueFormatResult, msg)
}

// PublishError publishes a terminal error event to the error queue.
func (p *Publisher) PublishError(ctx context.Context, msg Metadated) error {
	return p.Publish(ctx, QueueError, msg)
}

// Close shuts down the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil && !p.conn.IsClosed() {
		err := p.conn.Close()
		p.conn = nil
		p.channel = nil
		return err
	}
	return nil
}

// ensureConnectionLocked dials and declares queues if needed. Caller must
// hold p.mu.
func (p *Publisher) ensureConnectionLocked() error {
	if p.conn != nil && !p.conn.IsClosed() && p.channel != nil && !p.channel.IsClosed() {
		return nil
	}
	p.resetLocked()

	conn, err := amqp.DialConfig(p.cfg.URL(), amqp.Config{Heartbeat: p.cfg.Heartbeat})
	if err != nil {
		return fmt.Errorf("dialing broker: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("opening channel: %w", err)
	}
	for _, q := range allQueues {
		if _, err := channel.QueueDeclare(q, true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return fmt.Errorf("declaring queue %q: %w", q, err)
		}
	}

	p.conn = conn
	p.channel = channel
	return nil
}

// resetLocked drops the current connection state. Caller must hold p.mu.
func (p *Publisher) resetLocked() {
	if p.conn != nil && !p.conn.IsClosed() {
		_ = p.conn.Close()
	}
	p.conn = nil
	p.channel = nil
}
