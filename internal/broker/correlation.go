package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultCorrelationCapacity bounds the number of in-flight requests.
const DefaultCorrelationCapacity = 150

// Result is delivered exactly once to a Pending request.
type Result[R any] struct {
	Reply R
	Err   error

	CreatedAt  time.Time
	SentAt     time.Time
	ReceivedAt time.Time
	// RoundTrip is ReceivedAt-SentAt, or ReceivedAt-CreatedAt if the send
	// was never recorded.
	RoundTrip time.Duration
}

// Pending is the one-shot reply slot for a tracked request.
type Pending[R any] struct {
	ID      string
	Context any
	done    chan Result[R]
}

// Done yields the result once: a reply, an eviction, or a close.
func (p *Pending[R]) Done() <-chan Result[R] {
	return p.done
}

// Wait blocks until the result arrives or ctx is done.
func (p *Pending[R]) Wait(ctx context.Context) (Result[R], error) {
	select {
	case res := <-p.done:
		return res, res.Err
	case <-ctx.Done():
		return Result[R]{}, ctx.Err()
	}
}

type correlationEntry[R any] struct {
	pending   *Pending[R]
	createdAt time.Time
	sentAt    time.Time
	settled   bool
}

func (e *correlationEntry[R]) settle(res Result[R]) {
	if e.settled {
		return
	}
	e.settled = true
	res.CreatedAt = e.createdAt
	res.SentAt = e.sentAt
	e.pending.done <- res // buffered, never blocks
}

// Tracker maps correlation ids to pending replies. Capacity is fixed and
// the oldest request is evicted first, regardless of activity.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Tracker[R any] struct {
	mu      sync.Mutex
	lru     *simplelru.LRU[string, *correlationEntry[R]]
	now     func() time.Time
	logger  Logger
	onEvict func()
}

// NewTracker creates a tracker holding at most capacity pending requests.
// capacity < 1 uses DefaultCorrelationCapacity.
func NewTracker[R any](capacity int) *Tracker[R] {
	if capacity < 1 {
		capacity = DefaultCorrelationCapacity
	}
	t := &Tracker[R]{
		now:    time.Now,
		logger: noopLogger{},
	}
	// Only Add, Peek and Remove are used, so recency order equals
	// insertion order.
	lru, err := simplelru.NewLRU[string, *correlationEntry[R]](capacity, t.evicted)
	if err != nil {
		panic(fmt.Sprintf("broker: correlation tracker: %v", err)) // capacity is validated above
	}
	t.lru = lru
	return t
}

// SetLogger sets the logger for the tracker.
func (t *Tracker[R]) SetLogger(logger Logger) {
	t.mu.Lock()
	t.logger = logger
	t.mu.Unlock()
}

// evicted runs under t.mu for both capacity evictions and explicit removal;
// settled entries are explicit removals.
func (t *Tracker[R]) evicted(id string, e *correlationEntry[R]) {
	if e.settled {
		return
	}
	t.logger.Debug("correlation evicted without reply", "correlation_id", id)
	e.settle(Result[R]{Err: ErrCorrelationEvicted, ReceivedAt: t.now()})
	if t.onEvict != nil {
		t.onEvict()
	}
}

// Track records a new request and returns its reply slot.
func (t *Tracker[R]) Track(id string, reqCtx any) (*Pending[R], error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lru.Contains(id) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCorrelation, id)
	}
	p := &Pending[R]{ID: id, Context: reqCtx, done: make(chan Result[R], 1)}
	t.lru.Add(id, &correlationEntry[R]{pending: p, createdAt: t.now()})
	return p, nil
}

// MarkSent records when the request left the queue. It reports whether the
// id is still pending.
func (t *Tracker[R]) MarkSent(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.lru.Peek(id)
	if !ok {
		return false
	}
	e.sentAt = t.now()
	return true
}

// Resolve delivers reply to the pending request and forgets it. Unknown ids
// (never tracked, already answered or evicted) are dropped and reported
// as false.
func (t *Tracker[R]) Resolve(id string, reply R) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.lru.Peek(id)
	if !ok {
		t.logger.Debug("reply for unknown correlation id dropped", "correlation_id", id)
		return false
	}

	received := t.now()
	start := e.sentAt
	if start.IsZero() {
		start = e.createdAt
	}
	e.settle(Result[R]{Reply: reply, ReceivedAt: received, RoundTrip: received.Sub(start)})
	t.lru.Remove(id)
	return true
}

// Cancel forgets a request without delivering a result.
func (t *Tracker[R]) Cancel(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.lru.Peek(id)
	if !ok {
		return false
	}
	e.settled = true
	t.lru.Remove(id)
	return true
}

// Fail settles a pending request with err and forgets it.
func (t *Tracker[R]) Fail(id string, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.lru.Peek(id)
	if !ok {
		return false
	}
	e.settle(Result[R]{Err: err, ReceivedAt: t.now()})
	t.lru.Remove(id)
	return true
}

// Len returns the number of pending requests.
func (t *Tracker[R]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lru.Len()
}

// Close fails every pending request with err.
func (t *Tracker[R]) Close(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for _, id := range t.lru.Keys() {
		if e, ok := t.lru.Peek(id); ok {
			e.settle(Result[R]{Err: err, ReceivedAt: now})
		}
	}
	t.lru.Purge()
}
