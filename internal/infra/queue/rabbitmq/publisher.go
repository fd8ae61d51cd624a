// Package rabbitmq publishes analysis completions to a durable queue.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/bryanwahyu/medscan/internal/domain/analysis"
)

const DefaultQueue = "medscan.analysis.completed"

var _ analysis.Publisher = (*Publisher)(nil)

type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	log     zerolog.Logger

	mu sync.Mutex // amqp.Channel tidak aman dipakai bareng
}

// Dial connects to url and declares queue (durable).
func Dial(url, queue string, log zerolog.Logger) (*Publisher, error) {
	if queue == "" {
		queue = DefaultQueue
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err = ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	log = log.With().Str("component", "rabbitmq").Str("queue", queue).Logger()
	log.Info().Msg("completion publisher ready")
	return &Publisher{conn: conn, channel: ch, queue: queue, log: log}, nil
}

func (p *Publisher) PublishCompletion(ctx context.Context, c analysis.Completion) error {
	msg, err := Message(c)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.channel.PublishWithContext(ctx,
		"",      // exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		msg,
	); err != nil {
		return fmt.Errorf("failed to publish completion: %w", err)
	}
	return nil
}

// Message builds the persistent JSON publishing for c.
func Message(c analysis.Completion) (amqp.Publishing, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    string(c.AnalysisID),
		Timestamp:    c.At,
		Type:         "analysis." + string(c.Status),
		Body:         body,
	}, nil
}

func (p *Publisher) Close() error {
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.log.Warn().Err(err).Msg("close channel")
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			p.log.Warn().Err(err).Msg("close connection")
		}
	}
	return nil
}
