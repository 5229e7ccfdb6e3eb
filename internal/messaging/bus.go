package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/restaurant-reservation/internal/logging"
)

// BusConfig names the broker objects the service uses.
type BusConfig struct {
	URL             string
	RestaurantQueue string // restaurant.* requests
	TableQueue      string // table.* requests and status updates
	ReplyQueue      string // per-instance reply queue
	PushQueue       string // menu and user-profile pushes
	EventsExchange  string // topic exchange for reservation.* domain events
	Prefetch        int
	// ReadyTimeout bounds how long a request waits for the reply queue
	// consumer to come up (default 5s).
	ReadyTimeout time.Duration
}

// DeliveryHandler processes one inbound message body.
type DeliveryHandler func(ctx context.Context, body []byte, correlationID string) error

// Bus is the RabbitMQ transport.  Publishing shares one lazily (re)opened
// channel; consuming runs its own connection inside a reconnect loop.
type Bus struct {
	cfg BusConfig
	log *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel

	// ready is closed while the reply queue is being consumed.
	readyMu   sync.Mutex
	ready     chan struct{}
	consuming bool
}

// NewBus returns an unconnected bus.  Connections are opened on first use.
func NewBus(cfg BusConfig, logger *slog.Logger) *Bus {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 50
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 5 * time.Second
	}
	return &Bus{cfg: cfg, log: logging.Component(logger, "amqp-bus"), ready: make(chan struct{})}
}

// ReplyQueue is the queue remote services should answer to.
func (b *Bus) ReplyQueue() string { return b.cfg.ReplyQueue }

// RouteFor returns the routing key (queue name on the default exchange) a
// request kind is published to.
func (b *Bus) RouteFor(kind Kind) (string, error) {
	switch {
	case strings.HasPrefix(string(kind), "restaurant."):
		return b.cfg.RestaurantQueue, nil
	case strings.HasPrefix(string(kind), "table."):
		return b.cfg.TableQueue, nil
	}
	return "", fmt.Errorf("no route for kind %q", kind)
}

func (b *Bus) setConsuming(on bool) {
	b.readyMu.Lock()
	defer b.readyMu.Unlock()
	if on == b.consuming {
		return
	}
	b.consuming = on
	if on {
		close(b.ready)
	} else {
		b.ready = make(chan struct{})
	}
}

// awaitReplyQueue blocks until the reply queue exists and is consumed.  The
// queue is exclusive to the consuming connection, so a reply addressed to
// it before then would be dropped by the broker.
func (b *Bus) awaitReplyQueue(ctx context.Context) error {
	b.readyMu.Lock()
	ready := b.ready
	b.readyMu.Unlock()

	t := time.NewTimer(b.cfg.ReadyTimeout)
	defer t.Stop()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return ErrReplyQueueNotReady
	}
}

func (b *Bus) channel() (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch != nil && !b.ch.IsClosed() {
		return b.ch, nil
	}
	if b.conn == nil || b.conn.IsClosed() {
		conn, err := amqp.Dial(b.cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("dial broker: %w", err)
		}
		b.conn = conn
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("channel open: %w", err)
	}
	if err := declarePublishTopology(ch, b.cfg); err != nil {
		_ = ch.Close()
		return nil, err
	}
	b.ch = ch
	return ch, nil
}

func declarePublishTopology(ch *amqp.Channel, cfg BusConfig) error {
	for _, q := range []string{cfg.RestaurantQueue, cfg.TableQueue} {
		if q == "" {
			continue
		}
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("queue declare %s: %w", q, err)
		}
	}
	if cfg.EventsExchange != "" {
		if err := ch.ExchangeDeclare(cfg.EventsExchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("exchange declare %s: %w", cfg.EventsExchange, err)
		}
	}
	return nil
}

// Publish sends a request envelope to the queue that serves its kind.  The
// correlation id and reply queue are set both in the envelope and on the
// AMQP properties.  Messages are persistent.  Requests that expect a reply
// wait for the reply consumer first and fail with ErrReplyQueueNotReady if
// it does not come up in time.
func (b *Bus) Publish(ctx context.Context, env Envelope) error {
	key, err := b.RouteFor(env.Kind)
	if err != nil {
		return err
	}
	if _, expectsReply := ReplyKind(env.Kind); expectsReply {
		if err := b.awaitReplyQueue(ctx); err != nil {
			return err
		}
		env.ReplyTo = b.cfg.ReplyQueue
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	ch, err := b.channel()
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, "", key, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     env.SentAt,
		Type:          string(env.Kind),
		CorrelationId: env.CorrelationID,
		ReplyTo:       env.ReplyTo,
		Body:          body,
	})
}

// PublishEvent publishes a domain event to the events exchange under
// routingKey.
func (b *Bus) PublishEvent(ctx context.Context, routingKey string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ch, err := b.channel()
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, b.cfg.EventsExchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         routingKey,
		Body:         body,
	})
}

// Run consumes the reply queue and the push queue until ctx is done.
// Connection failures are retried with exponential backoff capped at 30s.
func (b *Bus) Run(ctx context.Context, handle DeliveryHandler) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := amqp.Dial(b.cfg.URL)
		if err != nil {
			b.log.Warn("failed to dial broker", "error", err, "retry_in", backoff)
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = b.consumeLoop(ctx, conn, handle)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.log.Warn("consume loop ended, reconnecting", "error", err)
		if !sleepCtx(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (b *Bus) consumeLoop(ctx context.Context, conn *amqp.Connection, handle DeliveryHandler) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
		b.log.Warn("set QoS failed", "error", err)
	}
	// The reply queue lives as long as this instance: replies addressed to
	// a previous process cannot match any slot here.
	if _, err := ch.QueueDeclare(b.cfg.ReplyQueue, false, true, true, false, nil); err != nil {
		return fmt.Errorf("reply queue declare: %w", err)
	}
	replies, err := ch.Consume(b.cfg.ReplyQueue, "", false, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("reply queue consume: %w", err)
	}

	var pushes <-chan amqp.Delivery
	if b.cfg.PushQueue != "" {
		if _, err := ch.QueueDeclare(b.cfg.PushQueue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("push queue declare: %w", err)
		}
		if pushes, err = ch.Consume(b.cfg.PushQueue, "", false, false, false, false, nil); err != nil {
			return fmt.Errorf("push queue consume: %w", err)
		}
	}

	b.setConsuming(true)
	defer b.setConsuming(false)

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	b.log.Info("consuming", "reply_queue", b.cfg.ReplyQueue, "push_queue", b.cfg.PushQueue)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closed:
			if amqpErr == nil {
				return errors.New("connection closed")
			}
			return amqpErr
		case d, ok := <-replies:
			if !ok {
				return errors.New("reply deliveries channel closed")
			}
			b.deliver(ctx, d, handle)
		case d, ok := <-pushes:
			if !ok {
				return errors.New("push deliveries channel closed")
			}
			b.deliver(ctx, d, handle)
		}
	}
}

// deliver acks handled messages and rejects failing ones without requeue so
// a poison message cannot spin the consumer.
func (b *Bus) deliver(ctx context.Context, d amqp.Delivery, handle DeliveryHandler) {
	if err := handle(ctx, d.Body, d.CorrelationId); err != nil {
		b.log.Error("handle message failed", "type", d.Type, "correlation_id", d.CorrelationId, "error", err)
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

// Close releases the publishing connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch != nil {
		_ = b.ch.Close()
		b.ch = nil
	}
	if b.conn != nil {
		err := b.conn.Close()
		b.conn = nil
		return err
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
