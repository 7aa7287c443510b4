package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// AMQPPublisher publishes events to a durable topic exchange. The routing
// key is the event type.
type AMQPPublisher struct {
	exchange string
	conn     *amqp091.Connection

	mu      sync.Mutex
	channel *amqp091.Channel
}

// SanitizeAMQPURL trims quotes and stray prefixes from a configured URL and
// checks the scheme.
func SanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("notify: AMQP scheme must be amqp:// or amqps://")
	}
	return clean, nil
}

// NewAMQPPublisher dials the broker and declares the exchange.
func NewAMQPPublisher(rawURL, exchange string) (*AMQPPublisher, error) {
	cleanURL, err := SanitizeAMQPURL(rawURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	p := &AMQPPublisher{exchange: exchange, conn: conn}
	if err := p.reopen(); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

// reopen replaces the channel and redeclares the exchange. Caller holds mu
// or is the constructor.
func (p *AMQPPublisher) reopen() error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return err
	}
	p.channel = ch
	return nil
}

// Notify publishes ev. A failed publish reopens the channel and retries once.
func (p *AMQPPublisher) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    ev.OccurredAt,
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.channel.PublishWithContext(ctx, p.exchange, ev.Type, false, false, msg)
	if err == nil {
		return nil
	}
	slog.Warn("amqp publish failed; reopening channel", "exchange", p.exchange, "routing_key", ev.Type, "err", err)
	if rerr := p.reopen(); rerr != nil {
		return errors.Join(err, rerr)
	}
	return p.channel.PublishWithContext(ctx, p.exchange, ev.Type, false, false, msg)
}

// Close closes the channel and the connection.
func (p *AMQPPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
