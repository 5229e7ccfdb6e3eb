package messaging

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/iliyamo/restaurant-reservation/internal/clock"
	"github.com/iliyamo/restaurant-reservation/internal/logging"
)

const shardCount = 32

// SlotState is the fulfilment state of a pending response slot.
type SlotState int32

const (
	SlotPending SlotState = iota
	SlotFulfilled
	SlotExpired
	SlotCancelled
)

func (s SlotState) String() string {
	switch s {
	case SlotPending:
		return "pending"
	case SlotFulfilled:
		return "fulfilled"
	case SlotExpired:
		return "expired"
	case SlotCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Outcome reports what the registry did with an inbound reply.
type Outcome int

const (
	// OutcomeDelivered: a pending slot took the reply and its waiter was woken.
	OutcomeDelivered Outcome = iota
	// OutcomeDuplicate: the slot was already fulfilled; the reply was dropped.
	OutcomeDuplicate
	// OutcomeLate: the slot expired or was cancelled before the reply came.
	OutcomeLate
	// OutcomeParked: no slot is known yet; the reply is held briefly in case
	// registration is still in flight.
	OutcomeParked
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeLate:
		return "late"
	case OutcomeParked:
		return "parked"
	}
	return "unknown"
}

// Slot is a single-fulfilment response slot keyed by correlation id.  Once
// done is closed, state, result and err never change again.
type Slot struct {
	ID        string
	Kind      Kind // expected reply kind
	CreatedAt time.Time
	Deadline  time.Time

	done   chan struct{}
	state  atomic.Int32
	result Envelope
	err    error
}

// Done is closed when the slot leaves the pending state.
func (s *Slot) Done() <-chan struct{} { return s.done }

// State returns the current fulfilment state.
func (s *Slot) State() SlotState { return SlotState(s.state.Load()) }

// Result returns the reply or the error the slot finished with.  It must only
// be called after Done is closed.
func (s *Slot) Result() (Envelope, error) { return s.result, s.err }

type shard struct {
	mu    sync.Mutex
	slots map[string]*Slot
}

// RegistryOptions configures a Registry.  Zero values select defaults.
type RegistryOptions struct {
	Clock       clock.Clock
	Logger      *slog.Logger
	Metrics     *Metrics
	ParkTTL     time.Duration // how long an unmatched reply is held (default 10s)
	FinishedTTL time.Duration // how long finished ids are remembered for duplicate detection (default 5m)
}

// Registry maps correlation ids to pending response slots.  The map is split
// into shards with independent locks so concurrent dispatch, fulfilment and
// expiry on different ids do not contend on a single mutex.  Every mutation
// of a given id happens under its shard lock, which makes insert, fulfil,
// expire and cancel atomic with respect to each other.
type Registry struct {
	shards   [shardCount]*shard
	clock    clock.Clock
	log      *slog.Logger
	metrics  *Metrics
	parked   *cache.Cache // correlation id -> Envelope
	finished *cache.Cache // correlation id -> SlotState
}

// NewRegistry builds an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.ParkTTL <= 0 {
		opts.ParkTTL = 10 * time.Second
	}
	if opts.FinishedTTL <= 0 {
		opts.FinishedTTL = 5 * time.Minute
	}
	r := &Registry{
		clock:    opts.Clock,
		log:      logging.Component(opts.Logger, "correlation-registry"),
		metrics:  opts.Metrics,
		parked:   cache.New(opts.ParkTTL, 2*opts.ParkTTL),
		finished: cache.New(opts.FinishedTTL, opts.FinishedTTL),
	}
	for i := range r.shards {
		r.shards[i] = &shard{slots: make(map[string]*Slot)}
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return r.shards[h.Sum32()%shardCount]
}

// Register creates a pending slot for id that expects a reply of the given
// kind within timeout.  It must be called before the request is published.
// A reply that was parked for id is delivered immediately.
func (r *Registry) Register(id string, kind Kind, timeout time.Duration) *Slot {
	now := r.clock.Now()
	s := &Slot{
		ID:        id,
		Kind:      kind,
		CreatedAt: now,
		Deadline:  now.Add(timeout),
		done:      make(chan struct{}),
	}
	sh := r.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.slots[id] = s
	r.metrics.slotRegistered()
	if v, ok := r.parked.Get(id); ok {
		r.parked.Delete(id)
		r.fulfillLocked(sh, s, v.(Envelope))
		r.log.Debug("parked reply delivered on registration", "correlation_id", id, "kind", kind)
	}
	return s
}

// Fulfill hands env to the pending slot for id.  Only the first reply for an
// id is delivered; later ones are reported as duplicates or late arrivals and
// dropped.  Replies for ids the registry has never seen are parked.
func (r *Registry) Fulfill(id string, env Envelope) Outcome {
	sh := r.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if s, ok := sh.slots[id]; ok {
		r.fulfillLocked(sh, s, env)
		return OutcomeDelivered
	}
	if v, ok := r.finished.Get(id); ok {
		if v.(SlotState) == SlotFulfilled {
			r.metrics.reply(OutcomeDuplicate)
			r.log.Warn("duplicate reply discarded", "correlation_id", id, "kind", env.Kind)
			return OutcomeDuplicate
		}
		r.metrics.reply(OutcomeLate)
		r.log.Warn("late reply discarded", "correlation_id", id, "kind", env.Kind, "slot_state", v.(SlotState).String())
		return OutcomeLate
	}
	r.parked.SetDefault(id, env)
	r.metrics.reply(OutcomeParked)
	r.log.Warn("reply for unknown correlation id parked", "correlation_id", id, "kind", env.Kind)
	return OutcomeParked
}

func (r *Registry) fulfillLocked(sh *shard, s *Slot, env Envelope) {
	var err error
	switch {
	case env.Kind != s.Kind:
		err = &UnexpectedKindError{Want: s.Kind, Got: env.Kind}
	case env.Error != "":
		err = &RemoteError{Kind: s.Kind, Message: env.Error}
	}
	r.finishLocked(sh, s, SlotFulfilled, env, err)
	r.metrics.reply(OutcomeDelivered)
}

func (r *Registry) finishLocked(sh *shard, s *Slot, state SlotState, env Envelope, err error) {
	s.result = env
	s.err = err
	s.state.Store(int32(state))
	delete(sh.slots, s.ID)
	r.finished.SetDefault(s.ID, state)
	r.metrics.slotFinished(state)
	close(s.done)
}

// Expire removes a still-pending slot and wakes its waiter with a timeout.
// It returns false when the slot had already finished.
func (r *Registry) Expire(id string) bool {
	return r.finish(id, SlotExpired)
}

// Cancel removes a still-pending slot on behalf of a caller that gave up.
// It returns false when the slot had already finished.
func (r *Registry) Cancel(id string) bool {
	return r.finish(id, SlotCancelled)
}

func (r *Registry) finish(id string, state SlotState) bool {
	sh := r.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.slots[id]
	if !ok {
		return false
	}
	r.finishLocked(sh, s, state, Envelope{}, r.errorFor(s, state))
	return true
}

func (r *Registry) errorFor(s *Slot, state SlotState) error {
	if state == SlotCancelled {
		return ErrCancelled
	}
	return &TimeoutError{Kind: s.Kind, CorrelationID: s.ID, After: s.Deadline.Sub(s.CreatedAt)}
}

// Sweep expires every slot whose deadline is at or before now.  Waiters
// normally expire their own slots; the sweep catches slots whose waiter went
// away without doing so.  It returns the number of slots removed.
func (r *Registry) Sweep(now time.Time) int {
	removed := 0
	for _, sh := range r.shards {
		sh.mu.Lock()
		for _, s := range sh.slots {
			if !s.Deadline.After(now) {
				r.finishLocked(sh, s, SlotExpired, Envelope{}, r.errorFor(s, SlotExpired))
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		r.log.Info("swept expired slots", "count", removed)
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Sweep(r.clock.Now())
		}
	}
}

// Len returns the number of pending slots.
func (r *Registry) Len() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.Lock()
		n += len(sh.slots)
		sh.mu.Unlock()
	}
	return n
}

// Pending reports whether id still has a pending slot.
func (r *Registry) Pending(id string) bool {
	sh := r.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.slots[id]
	return ok
}
