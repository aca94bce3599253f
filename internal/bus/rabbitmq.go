package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultExchange = "kestrel.events"

// RabbitBus implements EventBus over a RabbitMQ topic exchange. Topics are
// routing keys; each topic is consumed from one durable queue shared by
// every node, so a message is handled once.
type RabbitBus struct {
	conn     *amqp.Connection
	exchange string

	pubMu sync.Mutex
	pubCh *amqp.Channel

	mu            sync.Mutex
	subscriptions map[string]*rabbitSubscription
}

type rabbitSubscription struct {
	id    string
	topic string
	ch    *amqp.Channel
	tag   string
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewRabbitBus dials RabbitMQ and declares the topic exchange.
func NewRabbitBus(cfg domain.EventBusConfig) (*RabbitBus, error) {
	cleanURL, err := sanitizeAMQPURL(cfg.RabbitMQURL)
	if err != nil {
		return nil, fmt.Errorf("invalid RabbitMQ URL: %w", err)
	}

	exchange := cfg.RabbitMQExchange
	if exchange == "" {
		exchange = defaultExchange
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	slog.Info("RabbitMQ connected", "exchange", exchange)

	return &RabbitBus{
		conn:          conn,
		exchange:      exchange,
		pubCh:         ch,
		subscriptions: make(map[string]*rabbitSubscription),
	}, nil
}

// Publish sends a persistent message with topic as the routing key.
func (b *RabbitBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic == "" {
		return fmt.Errorf("topic is required")
	}

	msg := newMessage(topic, payload)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	return b.pubCh.PublishWithContext(ctx,
		b.exchange,
		topic,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Body:         data,
		})
}

// Subscribe binds the topic's shared queue and consumes it on a dedicated
// channel. A failed delivery is requeued once and then dropped.
func (b *RabbitBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	queue := "kestrel." + topic
	q, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(q.Name, topic, b.exchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to bind queue %s: %w", queue, err)
	}

	sub := &rabbitSubscription{
		id:    uuid.New().String(),
		topic: topic,
		ch:    ch,
	}
	sub.tag = "kestrel-" + sub.id

	deliveries, err := ch.Consume(q.Name, sub.tag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to consume %s: %w", queue, err)
	}

	go func() {
		for d := range deliveries {
			var msg domain.Message
			if err := json.Unmarshal(d.Body, &msg); err != nil {
				slog.Error("failed to unmarshal RabbitMQ message",
					"routing_key", d.RoutingKey,
					"error", err,
				)
				_ = d.Nack(false, false)
				continue
			}

			if err := handler(ctx, &msg); err != nil {
				slog.Error("handler error",
					"routing_key", d.RoutingKey,
					"message_id", msg.ID,
					"redelivered", d.Redelivered,
					"error", err,
				)
				_ = d.Nack(false, !d.Redelivered)
				continue
			}
			_ = d.Ack(false)
		}
	}()

	b.mu.Lock()
	b.subscriptions[sub.id] = sub
	b.mu.Unlock()

	return sub, nil
}

// Ping checks the RabbitMQ connection.
func (b *RabbitBus) Ping(ctx context.Context) error {
	if b.conn.IsClosed() {
		return fmt.Errorf("RabbitMQ connection closed")
	}
	return nil
}

// Close closes every channel and the connection.
func (b *RabbitBus) Close() error {
	b.mu.Lock()
	for _, sub := range b.subscriptions {
		_ = sub.ch.Close()
	}
	b.subscriptions = make(map[string]*rabbitSubscription)
	b.mu.Unlock()

	b.pubMu.Lock()
	_ = b.pubCh.Close()
	b.pubMu.Unlock()

	return b.conn.Close()
}

// Unsubscribe cancels the consumer and closes its channel.
func (s *rabbitSubscription) Unsubscribe() error {
	if err := s.ch.Cancel(s.tag, false); err != nil {
		return err
	}
	return s.ch.Close()
}

// Topic returns the subscribed topic.
func (s *rabbitSubscription) Topic() string {
	return s.topic
}
