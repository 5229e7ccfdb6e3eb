package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(wait time.Duration) *Bus {
	return NewBus(BusConfig{
		RestaurantQueue: "restaurant.requests",
		TableQueue:      "table.requests",
		ReplyQueue:      "reservation.replies.test",
		ReadyTimeout:    wait,
	}, nil)
}

func TestBus_RequestBeforeReplyConsumerFails(t *testing.T) {
	b := newTestBus(20 * time.Millisecond)

	err := b.Publish(context.Background(), Envelope{Kind: KindRestaurantValidate, CorrelationID: "c-1"})
	assert.ErrorIs(t, err, ErrReplyQueueNotReady)
}

func TestBus_FireAndForgetDoesNotWaitForReplies(t *testing.T) {
	b := newTestBus(time.Hour)

	start := time.Now()
	err := b.Publish(context.Background(), Envelope{Kind: KindTableStatusUpdate, CorrelationID: "c-2"})
	require.Error(t, err, "no broker URL configured")
	assert.NotErrorIs(t, err, ErrReplyQueueNotReady)
	assert.Less(t, time.Since(start), time.Second)
}

func TestBus_AwaitReplyQueueFollowsConsumer(t *testing.T) {
	b := newTestBus(50 * time.Millisecond)
	ctx := context.Background()

	released := make(chan error, 1)
	go func() { released <- b.awaitReplyQueue(ctx) }()
	time.Sleep(5 * time.Millisecond)
	b.setConsuming(true)
	require.NoError(t, <-released)
	assert.NoError(t, b.awaitReplyQueue(ctx))

	b.setConsuming(false)
	assert.ErrorIs(t, b.awaitReplyQueue(ctx), ErrReplyQueueNotReady, "lost consumer blocks requests again")

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, b.awaitReplyQueue(cctx), context.Canceled)
}
