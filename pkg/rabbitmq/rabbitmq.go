package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"handoff/internal/models"

	amqp "github.com/streadway/amqp"
	"go.uber.org/zap"
)

// DeliveryEventsQueue carries every delivery workflow event.
const DeliveryEventsQueue = "delivery_events"

// Client holds the RabbitMQ connection and channel.
type Client struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	mu      sync.Mutex // guards channel for publishers
	logger  *zap.Logger
}

// Config holds RabbitMQ connection details.
type Config struct {
	URL   string
	Queue string
}

// EventHandler processes one delivery event. Returning an error requeues it.
type EventHandler func(ctx context.Context, event models.DeliveryEvent) error

// NewClient connects to RabbitMQ, opens a channel and declares the queue.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Queue == "" {
		cfg.Queue = DeliveryEventsQueue
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err := declare(ch, cfg.Queue); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare %s: %w", cfg.Queue, err)
	}

	logger = logger.Named("rabbitmq")
	logger.Info("RabbitMQ client connected", zap.String("queue", cfg.Queue))

	return &Client{
		conn:    conn,
		channel: ch,
		queue:   cfg.Queue,
		logger:  logger,
	}, nil
}

func declare(ch *amqp.Channel, queue string) (amqp.Queue, error) {
	return ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
}

// Close closes the RabbitMQ connection and channel.
func (c *Client) Close() error {
	var errs []error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close channel: %w", err))
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("multiple errors occurred during RabbitMQ client close: %v", errs)
	}
	return nil
}

// PublishDeliveryEvent publishes event as a persistent JSON message.
func (c *Client) PublishDeliveryEvent(ctx context.Context, event models.DeliveryEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.channel == nil {
		return fmt.Errorf("RabbitMQ channel is not available")
	}

	msg, err := newPublishing(event)
	if err != nil {
		return err
	}

	c.mu.Lock()
	err = c.channel.Publish(
		"",      // default exchange
		c.queue, // routing key
		false,   // mandatory
		false,   // immediate
		msg,
	)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	c.logger.Debug("delivery event published",
		zap.String("order_id", event.OrderID),
		zap.String("event_type", event.EventType))
	return nil
}

func newPublishing(event models.DeliveryEvent) (amqp.Publishing, error) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal delivery event: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		Type:         event.EventType,
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.OccurredAt,
	}, nil
}

// ConsumeDeliveryEvents hands every message on the queue to handler until ctx
// is done or the broker closes the channel.
func (c *Client) ConsumeDeliveryEvents(ctx context.Context, handler EventHandler) error {
	if c.channel == nil {
		return fmt.Errorf("RabbitMQ channel is not available for consumption")
	}

	msgs, err := c.channel.Consume(
		c.queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("waiting for delivery events", zap.String("queue", c.queue))
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery events channel closed")
			}
			c.dispatch(ctx, msg, handler)
		}
	}
}

// dispatch acks handled messages, requeues handler failures and drops
// messages that cannot be decoded.
func (c *Client) dispatch(ctx context.Context, msg amqp.Delivery, handler EventHandler) {
	var event models.DeliveryEvent
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		c.logger.Warn("dropping undecodable delivery event", zap.Uint64("tag", msg.DeliveryTag), zap.Error(err))
		if err := msg.Reject(false); err != nil {
			c.logger.Error("failed to reject message", zap.Uint64("tag", msg.DeliveryTag), zap.Error(err))
		}
		return
	}

	if err := handler(ctx, event); err != nil {
		c.logger.Warn("failed to process delivery event",
			zap.Uint64("tag", msg.DeliveryTag),
			zap.String("event_type", event.EventType),
			zap.Error(err))
		if err := msg.Nack(false, true); err != nil {
			c.logger.Error("failed to nack message", zap.Uint64("tag", msg.DeliveryTag), zap.Error(err))
		}
		return
	}
	if err := msg.Ack(false); err != nil {
		c.logger.Error("failed to ack message", zap.Uint64("tag", msg.DeliveryTag), zap.Error(err))
	}
}

// LogEvents returns a handler that writes each event to logger.
func LogEvents(logger *zap.Logger) EventHandler {
	return func(_ context.Context, event models.DeliveryEvent) error {
		logger.Info("delivery event",
			zap.String("order_id", event.OrderID),
			zap.String("event_type", event.EventType),
			zap.String("description", event.Description),
			zap.Time("occurred_at", event.OccurredAt))
		return nil
	}
}
