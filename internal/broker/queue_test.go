package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func msgItem(lane Lane, body string) Item {
	return Item{Lane: lane, Msg: &Message{Body: []byte(body)}}
}

func collect(sent *[]string) SendFunc {
	return func(_ context.Context, it Item) error {
		if it.Msg != nil {
			*sent = append(*sent, string(it.Msg.Body))
		} else {
			*sent = append(*sent, it.Key)
		}
		return nil
	}
}

func TestQueue_PriorityAcrossLanes(t *testing.T) {
	q := NewQueue()
	q.Resume()

	q.Push(msgItem(LaneLow, "a"))
	q.Push(msgItem(LaneHigh, "b"))
	q.Push(msgItem(LaneNormal, "c"))

	var sent []string
	n, err := q.Drain(context.Background(), collect(&sent))
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Drain() sent = %d, want 3", n)
	}
	want := []string{"b", "c", "a"}
	for i := range want {
		if sent[i] != want[i] {
			t.Fatalf("drain order = %v, want %v", sent, want)
		}
	}
}

func TestQueue_FullLaneOrder(t *testing.T) {
	q := NewQueue()
	q.Resume()

	pushes := []struct {
		lane Lane
		name string
	}{
		{LaneLow, "low1"},
		{LaneSubscriptions, "sub1"},
		{LaneNormal, "norm1"},
		{LaneRegistrations, "reg1"},
		{LaneHigh, "high1"},
		{LaneBindings, "bind1"},
		{LaneRegistrations, "reg2"},
		{LaneLow, "low2"},
		{LaneBindings, "bind2"},
	}
	for _, p := range pushes {
		if p.lane <= LaneSubscriptions {
			q.Push(Item{Lane: p.lane, Key: p.name})
		} else {
			q.Push(msgItem(p.lane, p.name))
		}
	}

	var sent []string
	if _, err := q.Drain(context.Background(), collect(&sent)); err != nil {
		t.Fatal(err)
	}

	want := []string{"reg1", "reg2", "bind1", "bind2", "sub1", "high1", "norm1", "low1", "low2"}
	if len(sent) != len(want) {
		t.Fatalf("sent = %v, want %v", sent, want)
	}
	for i := range want {
		if sent[i] != want[i] {
			t.Errorf("sent[%d] = %s, want %s", i, sent[i], want[i])
		}
	}
}

func TestQueue_FailureRequeuesAtFront(t *testing.T) {
	q := NewQueue()
	q.Resume()
	q.Push(msgItem(LaneNormal, "first"))
	q.Push(msgItem(LaneNormal, "second"))

	boom := errors.New("boom")
	calls := 0
	_, err := q.Drain(context.Background(), func(context.Context, Item) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Drain() error = %v, want boom", err)
	}
	if calls != 1 {
		t.Errorf("send attempts = %d, want 1 (drain stops on failure)", calls)
	}

	var sent []string
	if _, err := q.Drain(context.Background(), collect(&sent)); err != nil {
		t.Fatal(err)
	}
	if len(sent) != 2 || sent[0] != "first" || sent[1] != "second" {
		t.Errorf("after retry sent = %v, want [first second]", sent)
	}
}

func TestQueue_ReentrantDrainIgnored(t *testing.T) {
	q := NewQueue()
	q.Resume()
	q.Push(msgItem(LaneHigh, "x"))

	var inner error
	var once sync.Once
	_, err := q.Drain(context.Background(), func(ctx context.Context, it Item) error {
		once.Do(func() {
			_, inner = q.Drain(ctx, func(context.Context, Item) error { return nil })
		})
		return nil
	})
	if err != nil {
		t.Fatalf("outer Drain() error = %v", err)
	}
	if !errors.Is(inner, ErrDrainInProgress) {
		t.Errorf("inner Drain() error = %v, want ErrDrainInProgress", inner)
	}
}

func TestQueue_HaltAndDrainLanes(t *testing.T) {
	q := NewQueue()
	if !q.Halted() {
		t.Fatal("new queue should start halted")
	}

	q.Push(Item{Lane: LaneRegistrations, Key: "reg"})
	q.Push(msgItem(LaneHigh, "msg"))

	var sent []string
	if n, _ := q.Drain(context.Background(), collect(&sent)); n != 0 {
		t.Errorf("halted Drain() sent %d items", n)
	}

	// Replay bypasses the halt but only touches the requested lanes.
	if _, err := q.DrainLanes(context.Background(), collect(&sent), LaneRegistrations); err != nil {
		t.Fatal(err)
	}
	if len(sent) != 1 || sent[0] != "reg" {
		t.Errorf("DrainLanes sent = %v, want [reg]", sent)
	}
	if q.Len(LaneHigh) != 1 {
		t.Errorf("high lane = %d, want 1", q.Len(LaneHigh))
	}

	q.Resume()
	if _, err := q.Drain(context.Background(), collect(&sent)); err != nil {
		t.Fatal(err)
	}
	if q.Total() != 0 {
		t.Errorf("Total() = %d after resume drain, want 0", q.Total())
	}
}

func TestQueue_PurgeAndDepthObserver(t *testing.T) {
	q := NewQueue()
	depths := map[Lane]int{}
	q.onDepth = func(l Lane, d int) { depths[l] = d }

	q.Push(Item{Lane: LaneBindings, Key: "b1"})
	q.Push(Item{Lane: LaneBindings, Key: "b2"})
	q.Push(msgItem(LaneLow, "keep"))

	if depths[LaneBindings] != 2 {
		t.Errorf("observed bindings depth = %d, want 2", depths[LaneBindings])
	}

	purged := q.purge(LaneRegistrations, LaneBindings, LaneSubscriptions)
	if len(purged) != 2 {
		t.Errorf("purge() = %d items, want 2", len(purged))
	}
	if depths[LaneBindings] != 0 {
		t.Errorf("observed bindings depth after purge = %d, want 0", depths[LaneBindings])
	}
	if q.Len(LaneLow) != 1 {
		t.Error("purge removed message lane items")
	}
}

func TestLane_String(t *testing.T) {
	if LaneRegistrations.String() != "registrations" || LaneLow.String() != "low" {
		t.Error("unexpected lane names")
	}
	if Lane(42).String() != "unknown" {
		t.Error("out of range lane should be unknown")
	}
}
