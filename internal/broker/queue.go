package broker

import (
	"context"
	"slices"
	"sync"
)

// Item is one unit of outbound work owned by the Queue until it is sent
// or handed back.
//
// Registration lanes carry Kind/Key referring to a Registry entry; message
// lanes carry Msg.
type Item struct {
	Lane Lane
	Kind Kind
	Key  string
	Msg  *Message
}

// SendFunc attempts to deliver one item.
type SendFunc func(ctx context.Context, it Item) error

// Queue is a six-lane priority queue drained by a single worker at a time.
//
// Items leave in strict lane priority (registrations, bindings,
// subscriptions, high, normal, low) and FIFO within a lane. A failed send
// puts the item back at the front of its lane and stops the drain.
//
// Thread Safety:
//   - All methods are safe for concurrent use. Only one Drain runs at a
//     time; concurrent calls return ErrDrainInProgress immediately.
type Queue struct {
	mu       sync.Mutex
	lanes    [numLanes][]Item
	draining bool
	halted   bool

	// onDepth observes lane depth after every change.
	onDepth func(lane Lane, depth int)
}

// NewQueue creates an empty, halted queue. Resume it once a session is up.
func NewQueue() *Queue {
	return &Queue{halted: true}
}

// Push appends it to the back of its lane.
func (q *Queue) Push(it Item) {
	q.mu.Lock()
	q.lanes[it.Lane] = append(q.lanes[it.Lane], it)
	depth := len(q.lanes[it.Lane])
	q.mu.Unlock()
	q.observe(it.Lane, depth)
}

func (q *Queue) pushFront(it Item) {
	q.mu.Lock()
	q.lanes[it.Lane] = slices.Insert(q.lanes[it.Lane], 0, it)
	depth := len(q.lanes[it.Lane])
	q.mu.Unlock()
	q.observe(it.Lane, depth)
}

// pop removes the head of the highest-priority non-empty allowed lane.
func (q *Queue) pop(allowed [numLanes]bool) (Item, bool) {
	q.mu.Lock()
	for l := range q.lanes {
		if !allowed[l] || len(q.lanes[l]) == 0 {
			continue
		}
		it := q.lanes[l][0]
		q.lanes[l][0] = Item{}
		q.lanes[l] = q.lanes[l][1:]
		depth := len(q.lanes[l])
		q.mu.Unlock()
		q.observe(Lane(l), depth)
		return it, true
	}
	q.mu.Unlock()
	return Item{}, false
}

func (q *Queue) observe(l Lane, depth int) {
	if q.onDepth != nil {
		q.onDepth(l, depth)
	}
}

// Len returns the number of items in a lane.
func (q *Queue) Len(l Lane) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes[l])
}

// Total returns the number of items across all lanes.
func (q *Queue) Total() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, lane := range q.lanes {
		n += len(lane)
	}
	return n
}

// Halt stops Drain from sending until Resume. A drain already running
// stops before its next item.
func (q *Queue) Halt() {
	q.mu.Lock()
	q.halted = true
	q.mu.Unlock()
}

// Resume re-enables Drain.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.halted = false
	q.mu.Unlock()
}

// Halted reports whether draining is halted.
func (q *Queue) Halted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.halted
}

// Drain sends items from every lane until the queue is empty, a send
// fails, the queue is halted or ctx is done. It returns the number of items
// sent and the send error, if any.
func (q *Queue) Drain(ctx context.Context, send SendFunc) (int, error) {
	var all [numLanes]bool
	for i := range all {
		all[i] = true
	}
	return q.drain(ctx, send, all, true)
}

// DrainLanes drains only the given lanes and ignores Halt. It is used to
// replay registrations before normal delivery resumes.
func (q *Queue) DrainLanes(ctx context.Context, send SendFunc, lanes ...Lane) (int, error) {
	var allowed [numLanes]bool
	for _, l := range lanes {
		allowed[l] = true
	}
	return q.drain(ctx, send, allowed, false)
}

func (q *Queue) drain(ctx context.Context, send SendFunc, allowed [numLanes]bool, honourHalt bool) (int, error) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return 0, ErrDrainInProgress
	}
	q.draining = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	sent := 0
	for {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if honourHalt && q.Halted() {
			return sent, nil
		}

		it, ok := q.pop(allowed)
		if !ok {
			return sent, nil
		}
		if err := send(ctx, it); err != nil {
			q.pushFront(it)
			return sent, err
		}
		sent++
	}
}

// purge removes and returns every item in the given lanes.
func (q *Queue) purge(lanes ...Lane) []Item {
	q.mu.Lock()
	var out []Item
	for _, l := range lanes {
		out = append(out, q.lanes[l]...)
		q.lanes[l] = nil
	}
	q.mu.Unlock()
	for _, l := range lanes {
		q.observe(l, 0)
	}
	return out
}
