package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/restaurant-reservation/internal/clock"
	"github.com/iliyamo/restaurant-reservation/internal/logging"
)

// Publisher puts an envelope on the bus.  The AMQP Bus implements it; tests
// substitute an in-process loopback.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// DispatcherOptions configures a Dispatcher.  Zero values select defaults.
type DispatcherOptions struct {
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *Metrics
	Timeout time.Duration // default wait for Call (default 5s)
	NewID   func() string // correlation id generator (default random UUID)
}

// Dispatcher turns request/reply pairs on the bus into calls with a bounded
// wait.  A slot is registered before the request is published, so a fast
// reply can never arrive ahead of its slot.
type Dispatcher struct {
	registry  *Registry
	publisher Publisher
	clock     clock.Clock
	log       *slog.Logger
	metrics   *Metrics
	timeout   time.Duration
	newID     func() string
}

// NewDispatcher wires a dispatcher to a registry and a publisher.
func NewDispatcher(reg *Registry, pub Publisher, opts DispatcherOptions) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Dispatcher{
		registry:  reg,
		publisher: pub,
		clock:     opts.Clock,
		log:       logging.Component(opts.Logger, "dispatcher"),
		metrics:   opts.Metrics,
		timeout:   opts.Timeout,
		newID:     opts.NewID,
	}
}

// Timeout is the default wait applied by Call.
func (d *Dispatcher) Timeout() time.Duration { return d.timeout }

// Handle is the caller's side of a dispatched request.
type Handle struct {
	CorrelationID string
	Kind          Kind

	slot     *Slot
	registry *Registry
	timeout  time.Duration
	started  time.Time
}

// Dispatch publishes a request of the given kind and returns a handle that
// can be awaited for up to timeout.  If publishing fails the slot is removed
// and the publish error is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, kind Kind, payload any, timeout time.Duration) (*Handle, error) {
	replyKind, ok := ReplyKind(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoReplyExpected, kind)
	}
	if timeout <= 0 {
		timeout = d.timeout
	}
	id := d.newID()
	env, err := NewEnvelope(kind, id, payload, d.clock.Now())
	if err != nil {
		return nil, err
	}

	slot := d.registry.Register(id, replyKind, timeout)
	h := &Handle{
		CorrelationID: id,
		Kind:          kind,
		slot:          slot,
		registry:      d.registry,
		timeout:       timeout,
		started:       time.Now(),
	}

	err = d.publisher.Publish(ctx, env)
	d.metrics.publish(kind, err)
	if err != nil {
		d.registry.Cancel(id)
		d.log.Error("publish failed", "kind", kind, "correlation_id", id, "error", err)
		return nil, fmt.Errorf("publish %s: %w", kind, err)
	}
	d.log.Debug("request dispatched", "kind", kind, "correlation_id", id, "timeout", timeout)
	return h, nil
}

// Await blocks until the reply arrives, the timeout elapses or ctx ends.
// A missing reply yields a *TimeoutError and the slot is removed; a reply
// whose sender reported a failure yields a *RemoteError.
func (h *Handle) Await(ctx context.Context) (Envelope, error) {
	remaining := h.timeout - time.Since(h.started)
	if remaining < 0 {
		remaining = 0
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-h.slot.Done():
	case <-timer.C:
		if h.registry.Expire(h.CorrelationID) {
			return Envelope{}, &TimeoutError{Kind: h.slot.Kind, CorrelationID: h.CorrelationID, After: h.timeout}
		}
		<-h.slot.Done()
	case <-ctx.Done():
		if h.registry.Cancel(h.CorrelationID) {
			return Envelope{}, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		<-h.slot.Done()
	}
	return h.slot.Result()
}

// Call dispatches a request with the default timeout, waits for the reply
// and decodes its payload into out.
func (d *Dispatcher) Call(ctx context.Context, kind Kind, payload, out any) error {
	h, err := d.Dispatch(ctx, kind, payload, d.timeout)
	if err != nil {
		return err
	}
	env, err := h.Await(ctx)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return env.Decode(out)
}

// Send publishes a fire-and-forget message.  No slot is registered.
func (d *Dispatcher) Send(ctx context.Context, kind Kind, payload any) error {
	env, err := NewEnvelope(kind, d.newID(), payload, d.clock.Now())
	if err != nil {
		return err
	}
	err = d.publisher.Publish(ctx, env)
	d.metrics.publish(kind, err)
	if err != nil {
		return fmt.Errorf("publish %s: %w", kind, err)
	}
	return nil
}
