package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// ErrNacked is returned when the broker refuses a confirmed publish.
var ErrNacked = errors.New("rabbitmq: publish not acknowledged")

// Publisher delivers chat audit and socket lifecycle events to a topic exchange.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
	Close() error
}

// Config selects the broker. An empty URL disables publishing.
type Config struct {
	URL      string
	Exchange string
	// ConfirmTimeout enables publisher confirms when positive.
	ConfirmTimeout time.Duration
}

// kinded events carry their own AMQP message type.
type kinded interface {
	Kind() string
}

// NewPublisher connects to the broker, falling back to a noop publisher when
// the broker is disabled or unreachable.
func NewPublisher(cfg Config) Publisher {
	if cfg.URL == "" {
		log.Info().Msg("rabbitmq disabled, using noop: empty amqp url")
		return noopPublisher{reason: "empty amqp url"}
	}

	p := &amqpPublisher{cfg: cfg, newID: uuid.NewString, now: time.Now}
	if err := p.open(); err != nil {
		log.Warn().Err(err).Str("exchange", cfg.Exchange).Msg("rabbitmq disabled, using noop")
		return noopPublisher{reason: err.Error()}
	}
	log.Info().Str("exchange", cfg.Exchange).Bool("confirms", cfg.ConfirmTimeout > 0).Msg("rabbitmq connected")
	return p
}

type amqpPublisher struct {
	mu    sync.Mutex
	cfg   Config
	conn  *amqp.Connection
	ch    *amqp.Channel
	newID func() string
	now   func() time.Time
}

// open (re)establishes the connection and channel. Callers hold mu or own p exclusively.
func (p *amqpPublisher) open() error {
	if p.conn == nil || p.conn.IsClosed() {
		conn, err := amqp.Dial(p.cfg.URL)
		if err != nil {
			return err
		}
		p.conn = conn
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(p.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return err
	}
	if p.cfg.ConfirmTimeout > 0 {
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return err
		}
	}
	p.ch = ch
	return nil
}

func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	msg, err := buildPublishing(event, headers, p.newID(), p.now())
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil || p.ch.IsClosed() {
		if err := p.open(); err != nil {
			log.Error().Err(err).Str("routing_key", routingKey).Msg("rabbitmq reconnect failed")
			return err
		}
		log.Info().Str("exchange", p.cfg.Exchange).Msg("rabbitmq channel reopened")
	}

	if p.cfg.ConfirmTimeout <= 0 {
		err = p.ch.PublishWithContext(ctx, p.cfg.Exchange, routingKey, false, false, msg)
		if err != nil {
			log.Error().Err(err).Str("routing_key", routingKey).Msg("rabbitmq publish failed")
		}
		return err
	}

	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, p.cfg.Exchange, routingKey, false, false, msg)
	if err != nil {
		log.Error().Err(err).Str("routing_key", routingKey).Msg("rabbitmq publish failed")
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.ConfirmTimeout)
	defer cancel()
	acked, err := confirm.WaitContext(waitCtx)
	if err != nil {
		return err
	}
	if !acked {
		log.Warn().Str("routing_key", routingKey).Str("message_id", msg.MessageId).Msg("rabbitmq publish nacked")
		return ErrNacked
	}
	return nil
}

func (p *amqpPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func buildPublishing(event any, headers map[string]string, id string, now time.Time) (amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, err
	}

	var table amqp.Table
	if len(headers) > 0 {
		table = make(amqp.Table, len(headers))
		for k, v := range headers {
			table[k] = v
		}
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    now.UTC(),
		Headers:      table,
		Body:         body,
	}
	if k, ok := event.(kinded); ok {
		msg.Type = k.Kind()
	}
	return msg, nil
}

type noopPublisher struct {
	reason string
}

func (noopPublisher) Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	entry := log.Debug().Str("routing_key", routingKey).Str("request_id", headers["x-request-id"])
	if k, ok := event.(kinded); ok {
		entry = entry.Str("event_type", k.Kind())
	}
	entry.Msg("rabbitmq noop publish")
	return nil
}

func (noopPublisher) Close() error {
	return nil
}

// Describe reports the publisher mode and, for a noop publisher, why it is one.
func Describe(p Publisher) (mode, reason string) {
	switch v := p.(type) {
	case *amqpPublisher:
		return "amqp", ""
	case noopPublisher:
		return "noop", v.reason
	default:
		return "unknown", ""
	}
}
