package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopback is a Publisher that answers requests through a router, the way a
// remote service would over the broker.
type loopback struct {
	mu        sync.Mutex
	router    *Router
	respond   func(env Envelope) (Envelope, bool)
	published []Envelope
	err       error
	copies    int
}

func (l *loopback) Publish(ctx context.Context, env Envelope) error {
	l.mu.Lock()
	l.published = append(l.published, env)
	err, respond, copies := l.err, l.respond, l.copies
	l.mu.Unlock()
	if err != nil {
		return err
	}
	if respond == nil {
		return nil
	}
	reply, ok := respond(env)
	if !ok {
		return nil
	}
	if copies < 1 {
		copies = 1
	}
	go func() {
		for i := 0; i < copies; i++ {
			_ = l.router.Route(context.Background(), reply)
		}
	}()
	return nil
}

func (l *loopback) sent() []Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Envelope(nil), l.published...)
}

func newLoopbackDispatcher(t *testing.T, timeout time.Duration) (*Dispatcher, *Registry, *loopback) {
	t.Helper()
	reg := NewRegistry(RegistryOptions{})
	lb := &loopback{router: NewRouter(reg, nil)}
	return NewDispatcher(reg, lb, DispatcherOptions{Timeout: timeout}), reg, lb
}

func TestDispatcher_CallDecodesReply(t *testing.T) {
	d, reg, lb := newLoopbackDispatcher(t, time.Second)
	lb.respond = func(env Envelope) (Envelope, bool) {
		var req TableAvailabilityRequest
		require.NoError(t, env.Decode(&req))
		reply, err := NewEnvelope(KindTableAvailabilityReply, env.CorrelationID,
			TableAvailabilityResponse{Available: req.PartySize <= 4, TableID: 12}, time.Now())
		require.NoError(t, err)
		return reply, true
	}

	var resp TableAvailabilityResponse
	err := d.Call(context.Background(), KindTableAvailability, TableAvailabilityRequest{RestaurantID: 1, PartySize: 4}, &resp)
	require.NoError(t, err)
	assert.True(t, resp.Available)
	assert.Equal(t, uint64(12), resp.TableID)
	assert.Equal(t, 0, reg.Len())

	sent := lb.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, KindTableAvailability, sent[0].Kind)
	assert.NotEmpty(t, sent[0].CorrelationID)
}

func TestDispatcher_TimeoutAfterDeadlineWithoutLeak(t *testing.T) {
	const timeout = 150 * time.Millisecond
	d, reg, _ := newLoopbackDispatcher(t, timeout)

	start := time.Now()
	err := d.Call(context.Background(), KindRestaurantValidate, RestaurantValidationRequest{RestaurantID: 9}, &RestaurantValidationResponse{})
	elapsed := time.Since(start)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindRestaurantValidateReply, te.Kind)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+250*time.Millisecond)
	assert.Equal(t, 0, reg.Len())
}

func TestDispatcher_DuplicateRepliesDoNotAffectWaiter(t *testing.T) {
	d, reg, lb := newLoopbackDispatcher(t, time.Second)
	lb.copies = 3
	lb.respond = func(env Envelope) (Envelope, bool) {
		reply, _ := NewEnvelope(KindOwnershipValidateReply, env.CorrelationID, OwnershipValidationResponse{Owner: true}, time.Now())
		return reply, true
	}

	var resp OwnershipValidationResponse
	require.NoError(t, d.Call(context.Background(), KindOwnershipValidate, OwnershipValidationRequest{RestaurantID: 1, OwnerID: 2}, &resp))
	assert.True(t, resp.Owner)

	id := lb.sent()[0].CorrelationID
	// A redelivery after completion is a no-op.
	assert.Equal(t, OutcomeDuplicate, reg.Fulfill(id, Envelope{Kind: KindOwnershipValidateReply, CorrelationID: id}))
	assert.Equal(t, 0, reg.Len())
}

func TestDispatcher_PublishFailureRemovesSlot(t *testing.T) {
	d, reg, lb := newLoopbackDispatcher(t, time.Second)
	lb.err = errors.New("broker down")

	_, err := d.Dispatch(context.Background(), KindHoursValidate, HoursValidationRequest{RestaurantID: 1}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.Equal(t, 0, reg.Len())
}

func TestDispatcher_ContextCancellation(t *testing.T) {
	d, reg, _ := newLoopbackDispatcher(t, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())

	h, err := d.Dispatch(ctx, KindRestaurantSearch, RestaurantSearchRequest{Query: "pizza"}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Len())

	cancel()
	_, err = h.Await(ctx)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.False(t, IsTimeout(err))
	assert.Equal(t, 0, reg.Len())
}

func TestDispatcher_SendIsFireAndForget(t *testing.T) {
	d, reg, lb := newLoopbackDispatcher(t, time.Second)

	require.NoError(t, d.Send(context.Background(), KindTableStatusUpdate, TableStatusUpdate{TableID: 3, Status: TableAvailable}))
	assert.Equal(t, 0, reg.Len())
	require.Len(t, lb.sent(), 1)

	_, err := d.Dispatch(context.Background(), KindTableStatusUpdate, TableStatusUpdate{}, 0)
	assert.ErrorIs(t, err, ErrNoReplyExpected)
}
