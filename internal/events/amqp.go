package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"ridepool/internal/config"
	"ridepool/internal/model"
)

// ErrNotConnected is returned by Publish while the broker connection is down.
var ErrNotConnected = errors.New("amqp: not connected")

// HandleFunc processes one inbound message body.
type HandleFunc func(ctx context.Context, body []byte) error

// amqpConn is the part of *amqp091.Connection the service uses.
type amqpConn interface {
	Channel() (*amqp091.Channel, error)
	NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error
	Close() error
}

// AMQPService owns the RabbitMQ connection: it consumes inbound messages on a bounded worker
// pool, publishes outbound events and reconnects after connection loss.
type AMQPService struct {
	url      string
	exchange string
	queue    string
	workers  int
	handle   HandleFunc
	dial     func(url string) (amqpConn, error)
	retry    time.Duration

	mu     sync.Mutex
	conn   amqpConn
	pubCh  *amqp091.Channel
	cancel context.CancelFunc
	done   chan struct{}
}

func NewAMQPService(cfg config.Config, handle HandleFunc) *AMQPService {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	return &AMQPService{
		url:      cfg.AMQPURL,
		exchange: cfg.Exchange,
		queue:    cfg.Queue,
		workers:  workers,
		handle:   handle,
		dial: func(url string) (amqpConn, error) {
			c, err := amqp091.Dial(url)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		retry:    time.Second,
	}
}

// InboundKey is the routing key inbound messages of type t are published with.
func InboundKey(t Type) string { return "inbound." + string(t) }

func outboundKey(k model.EventKind) string { return "outbound." + string(k) }

// Start connects and begins consuming. The first connection attempt must succeed; later
// losses are retried in the background until Stop.
func (s *AMQPService) Start(ctx context.Context) error {
	conn, err := s.connect()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()
	go s.run(ctx, conn)
	return nil
}

// Stop ends consumption, waits for in-flight messages and closes the connection.
func (s *AMQPService) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		s.retire(conn)
	}
}

// retire closes conn and forgets it if it is still the current connection.
func (s *AMQPService) retire(conn amqpConn) {
	_ = conn.Close()
	s.mu.Lock()
	if s.conn == conn {
		s.conn, s.pubCh = nil, nil
	}
	s.mu.Unlock()
}

func (s *AMQPService) connect() (amqpConn, error) {
	conn, err := s.dial(s.url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	if err := s.setup(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	pubCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open publish channel: %w", err)
	}
	s.mu.Lock()
	s.conn, s.pubCh = conn, pubCh
	s.mu.Unlock()
	log.Info().Str("exchange", s.exchange).Str("queue", s.queue).Msg("connected to RabbitMQ")
	return conn, nil
}

func (s *AMQPService) setup(conn amqpConn) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()
	err = ch.ExchangeDeclare(
		s.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", s.exchange, err)
	}
	if _, err := ch.QueueDeclare(s.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", s.queue, err)
	}
	if err := ch.QueueBind(s.queue, "inbound.#", s.exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", s.queue, err)
	}
	return nil
}

func (s *AMQPService) run(ctx context.Context, conn amqpConn) {
	defer close(s.done)
	backoff := s.retry
	for {
		err := s.consume(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		// the connection may outlive a dropped consumer channel
		s.retire(conn)
		log.Error().Err(err).Dur("retry_in", backoff).Msg("RabbitMQ consumer stopped")
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			if conn, err = s.connect(); err == nil {
				backoff = s.retry
				break
			}
			log.Warn().Err(err).Dur("retry_in", backoff).Msg("RabbitMQ reconnect failed")
		}
	}
}

// consume processes deliveries until ctx ends or the connection drops.
func (s *AMQPService) consume(ctx context.Context, conn amqpConn) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consume channel: %w", err)
	}
	defer ch.Close()
	if err := ch.Qos(s.workers, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	msgs, err := ch.Consume(
		s.queue, // queue
		"",      // consumer
		false,   // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", s.queue, err)
	}
	closed := conn.NotifyClose(make(chan *amqp091.Error, 1))

	p := pool.New().WithMaxGoroutines(s.workers)
	defer p.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-closed:
			return fmt.Errorf("connection closed: %v", e)
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			p.Go(func() { s.deliver(ctx, d) })
		}
	}
}

// deliver acks handled and malformed messages; other failures are requeued once.
func (s *AMQPService) deliver(ctx context.Context, d amqp091.Delivery) {
	err := s.handle(ctx, d.Body)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case model.ReasonOf(err) == model.ReasonMalformedMessage:
		log.Warn().Err(err).Str("routing_key", d.RoutingKey).Msg("dropping malformed message")
		_ = d.Nack(false, false)
	default:
		log.Error().Err(err).Str("routing_key", d.RoutingKey).Bool("redelivered", d.Redelivered).Msg("inbound message failed")
		_ = d.Nack(false, !d.Redelivered)
	}
}

// Publish sends ev to the exchange under "outbound.<kind>".
func (s *AMQPService) Publish(ctx context.Context, ev model.Event) error {
	s.mu.Lock()
	ch := s.pubCh
	s.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	err = ch.PublishWithContext(ctx,
		s.exchange,           // exchange
		outboundKey(ev.Kind), // routing key
		false,                // mandatory
		false,                // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			MessageId:    ev.ID,
			Body:         body,
			Timestamp:    ev.TS,
			DeliveryMode: amqp091.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", ev.Kind, err)
	}
	return nil
}
