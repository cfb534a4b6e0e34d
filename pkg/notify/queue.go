package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/pdisk/pkg/config"
	"github.com/cuemby/pdisk/pkg/log"
	"github.com/cuemby/pdisk/pkg/types"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const dialTimeout = 10 * time.Second

// publisher is the part of an AMQP channel the notifier uses
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// dialFunc opens a channel and returns it with a function releasing it
type dialFunc func(url string) (publisher, func() error, error)

// QueueNotifier publishes events as JSON to an AMQP exchange
type QueueNotifier struct {
	cfg    config.AMQPConfig
	dial   dialFunc
	logger zerolog.Logger
}

// NewQueueNotifier creates a notifier publishing to cfg.Exchange
func NewQueueNotifier(cfg config.AMQPConfig) *QueueNotifier {
	return &QueueNotifier{
		cfg:    cfg,
		dial:   dialAMQP,
		logger: log.WithComponent("notify"),
	}
}

func dialAMQP(url string) (publisher, func() error, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{Dial: amqp.DefaultDial(dialTimeout)})
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return ch, func() error {
		ch.Close()
		return conn.Close()
	}, nil
}

func (n *QueueNotifier) Notify(ctx context.Context, ev types.Event) error {
	if n.cfg.URL == "" {
		return nil
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	ch, release, err := n.dial(n.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to message queue: %w", err)
	}
	defer func() {
		if err := release(); err != nil {
			n.logger.Warn().Err(err).Msg("Failed to close message queue connection")
		}
	}()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.Created,
		Type:         "image.saved",
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, n.cfg.Exchange, n.cfg.RoutingKey, false, false, msg); err != nil {
		return fmt.Errorf("failed to publish event for %s: %w", ev.Identifier, err)
	}

	n.logger.Info().
		Str("identifier", ev.Identifier).
		Str("exchange", n.cfg.Exchange).
		Str("routing_key", n.cfg.RoutingKey).
		Msg("Save event published")
	return nil
}
