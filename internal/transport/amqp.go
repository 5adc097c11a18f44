// ABOUTME: AMQP bridge that mirrors hub publishes across gateway instances.
// ABOUTME: Topic exchange per deployment; routing key is the group name.

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

const publishTimeout = 5 * time.Second

// envelope is the wire form of a mirrored event.
type envelope struct {
	ID     string          `json:"id"`
	Origin string          `json:"origin"` // publishing instance, for echo suppression
	Group  string          `json:"group"`
	Name   string          `json:"name"`
	Body   json.RawMessage `json:"body"`
	SentAt time.Time       `json:"sent_at"`
}

// Bridge mirrors hub publishes onto an AMQP topic exchange and relays
// deliveries from sibling gateway instances back into the local hub.
type Bridge struct {
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	exchange string
	origin   string
	log      *slog.Logger
	done     chan struct{}
}

// DialBridge connects to AMQP and declares the topic exchange.
func DialBridge(url, exchange string, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring exchange: %w", err)
	}

	return &Bridge{
		conn:     conn,
		ch:       ch,
		exchange: exchange,
		origin:   uuid.New().String(),
		log:      logger.With("component", "amqp-bridge"),
		done:     make(chan struct{}),
	}, nil
}

// Mirror returns the callback to install on a Hub via SetMirror.
func (b *Bridge) Mirror() func(group string, ev Event) {
	return func(group string, ev Event) {
		if err := b.publish(group, ev); err != nil {
			b.log.Error("mirror publish failed", "group", group, "event", ev.Name, "err", err)
		}
	}
}

func (b *Bridge) publish(group string, ev Event) error {
	body, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}

	env := envelope{
		ID:     uuid.New().String(),
		Origin: b.origin,
		Group:  group,
		Name:   ev.Name,
		Body:   body,
		SentAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	return b.ch.PublishWithContext(ctx, b.exchange, routingKey(group), false, false,
		amqp091.Publishing{
			ContentType: "application/json",
			MessageId:   env.ID,
			Timestamp:   env.SentAt,
			Body:        raw,
		})
}

// Relay binds a queue for this instance and re-publishes sibling events into
// the local hub. Events originated by this instance are skipped. Blocks until
// the bridge is closed.
func (b *Bridge) Relay(hub *Hub, queueName string) error {
	if err := b.ch.Qos(10, 0, false); err != nil {
		return fmt.Errorf("setting qos: %w", err)
	}
	q, err := b.ch.QueueDeclare(queueName, false, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("declaring queue: %w", err)
	}
	if err := b.ch.QueueBind(q.Name, "#", b.exchange, false, nil); err != nil {
		return fmt.Errorf("binding queue: %w", err)
	}
	msgs, err := b.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming: %w", err)
	}

	for {
		select {
		case <-b.done:
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			b.relayOne(hub, msg)
		}
	}
}

func (b *Bridge) relayOne(hub *Hub, msg amqp091.Delivery) {
	var env envelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		b.log.Warn("dropping malformed envelope", "err", err)
		_ = msg.Nack(false, false)
		return
	}
	if env.Origin == b.origin {
		_ = msg.Ack(false)
		return
	}

	hub.PublishLocal(env.Group, Event{Name: env.Name, Payload: env.Body})
	_ = msg.Ack(false)
}

// Close shuts down the bridge.
func (b *Bridge) Close() error {
	close(b.done)
	_ = b.ch.Close()
	return b.conn.Close()
}

// routingKey sanitizes a group name into an AMQP routing key.
func routingKey(group string) string {
	return strings.ReplaceAll(group, ":", ".")
}
