// Package events delivers ledger events to a RabbitMQ topic exchange.
//
// Routing keys are the event types (concession.block.consumed, ...), so
// consumers can bind to concession.block.# or concession.balance.*.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/warp/concession-ledger/concession"
)

const DefaultExchange = "concessions"

// channel is the subset of *amqp091.Channel the publisher needs.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// AMQPPublisher implements concession.Publisher over amqp091.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	ch       channel
	exchange string
	log      logrus.FieldLogger
	declared bool
}

// Dial connects to the broker and opens a publishing channel.
func Dial(amqpURL, exchange string, log logrus.FieldLogger) (*AMQPPublisher, error) {
	clean, err := sanitizeURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.DialConfig(clean, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("failed to dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}

	p := newPublisher(ch, exchange, log)
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, exchange string, log logrus.FieldLogger) *AMQPPublisher {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &AMQPPublisher{ch: ch, exchange: exchange, log: log}
}

// Publish sends e as a persistent JSON message keyed by its type.
func (p *AMQPPublisher) Publish(ctx context.Context, e concession.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.declared {
		if err := p.ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", p.exchange, err)
		}
		p.declared = true
	}

	at := e.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	err = p.ch.PublishWithContext(ctx, p.exchange, string(e.Type), false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    at,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", e.Type, err)
	}

	p.log.WithFields(logrus.Fields{
		"exchange":    p.exchange,
		"routing_key": e.Type,
		"customer_id": e.CustomerID,
	}).Debug("ledger event published")
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}

// LogPublisher is used when no broker is configured. It only logs.
type LogPublisher struct {
	Log logrus.FieldLogger
}

func (p LogPublisher) Publish(_ context.Context, e concession.Event) error {
	log := p.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log.WithFields(logrus.Fields{
		"event":       e.Type,
		"customer_id": e.CustomerID,
		"block_ids":   e.BlockIDs,
		"mode":        "fallback",
	}).Info("ledger event (no broker configured)")
	return nil
}

func sanitizeURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("invalid amqp url: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}
