package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"stampline/internal/domain"
)

const defaultConfirmTimeout = 5 * time.Second

// amqpChannel is the subset of *amqp.Channel the sink uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes events to a durable topic exchange with the event type as
// routing key. Publishes wait for broker confirmation. The connection is
// opened lazily and reopened after a failure.
type AMQPSink struct {
	URL            string
	Exchange       string
	ConfirmTimeout time.Duration

	mu       sync.Mutex
	dial     func(url string) (amqpChannel, func() error, error)
	ch       amqpChannel
	closer   func() error
	confirms chan amqp.Confirmation
}

func NewAMQPSink(url, exchange string) *AMQPSink {
	return &AMQPSink{URL: url, Exchange: exchange, dial: dialAMQP}
}

func dialAMQP(url string) (amqpChannel, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return ch, conn.Close, nil
}

func (s *AMQPSink) Name() string { return "amqp:" + s.Exchange }

func (s *AMQPSink) Deliver(ctx context.Context, evt domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.connect(); err != nil {
		return err
	}
	body, err := json.Marshal(NewEnvelope(evt))
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    strconv.FormatInt(evt.ID, 10),
		Type:         evt.Type,
		Headers:      amqp.Table{"set_id": evt.SetID},
		Body:         body,
	}
	if ts, err := time.Parse(time.RFC3339Nano, evt.TS); err == nil {
		msg.Timestamp = ts
	}
	if err := s.ch.PublishWithContext(ctx, s.Exchange, evt.Type, false, false, msg); err != nil {
		s.reset()
		return fmt.Errorf("publish: %w", err)
	}
	timeout := s.ConfirmTimeout
	if timeout <= 0 {
		timeout = defaultConfirmTimeout
	}
	select {
	case confirm, ok := <-s.confirms:
		if !ok {
			s.reset()
			return errors.New("channel closed before confirmation")
		}
		if !confirm.Ack {
			return errors.New("message was nacked")
		}
		return nil
	case <-time.After(timeout):
		s.reset()
		return errors.New("timeout waiting for confirmation")
	case <-ctx.Done():
		s.reset()
		return ctx.Err()
	}
}

func (s *AMQPSink) connect() error {
	if s.ch != nil {
		return nil
	}
	dial := s.dial
	if dial == nil {
		dial = dialAMQP
	}
	ch, closer, err := dial(s.URL)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	if err := ch.ExchangeDeclare(s.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		closer()
		return fmt.Errorf("declare exchange %s: %w", s.Exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		closer()
		return fmt.Errorf("enable confirms: %w", err)
	}
	s.ch = ch
	s.closer = closer
	s.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	return nil
}

func (s *AMQPSink) reset() {
	if s.ch != nil {
		s.ch.Close()
	}
	if s.closer != nil {
		s.closer()
	}
	s.ch, s.closer, s.confirms = nil, nil, nil
}

func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}
