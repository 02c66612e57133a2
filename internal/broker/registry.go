package broker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"sync"
)

// Registration is the registry's record of one broker resource.
//
// Only the params field matching Kind is meaningful.
type Registration struct {
	Kind Kind
	Key  string

	Exchange     ExchangeParams
	Queue        QueueParams
	Binding      BindingParams
	Subscription SubscriptionParams

	// Persist marks the resource for replay after every reconnect.
	// Non-persistent entries are dropped after their first success.
	Persist bool

	Registered bool
	Queued     bool
}

// Registry tracks exchanges, queues, bindings and subscriptions by natural
// key so they can be replayed in order after a reconnect.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries [numKinds]map[string]*Registration
	order   [numKinds][]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.entries {
		r.entries[i] = make(map[string]*Registration)
	}
	return r
}

// BindingKey returns the natural key of a binding: the hex sha256 of
// exchange, queue and routing key concatenated.
func BindingKey(exchange, queue, routingKey string) string {
	sum := sha256.Sum256([]byte(exchange + queue + routingKey))
	return hex.EncodeToString(sum[:])
}

// naturalKey validates reg and derives its key.
func naturalKey(reg *Registration) (string, error) {
	switch reg.Kind {
	case KindExchange:
		if reg.Exchange.Name == "" {
			return "", fmt.Errorf("%w: exchange name is required", ErrInvalidResource)
		}
		return reg.Exchange.Name, nil
	case KindQueue:
		if reg.Queue.Name == "" {
			return "", fmt.Errorf("%w: queue name is required", ErrInvalidResource)
		}
		return reg.Queue.Name, nil
	case KindBinding:
		b := reg.Binding
		if b.Exchange == "" || b.Queue == "" {
			return "", fmt.Errorf("%w: binding needs exchange and queue", ErrInvalidResource)
		}
		return BindingKey(b.Exchange, b.Queue, b.RoutingKey), nil
	case KindSubscription:
		if reg.Subscription.Queue == "" {
			return "", fmt.Errorf("%w: subscription queue is required", ErrInvalidResource)
		}
		if reg.Subscription.Handler == nil {
			return "", fmt.Errorf("%w: subscription handler is required", ErrInvalidResource)
		}
		return reg.Subscription.Queue, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %d", ErrInvalidResource, reg.Kind)
	}
}

// add stores reg, marks it queued and returns the delivery item for it.
// A duplicate natural key fails without touching the existing entry.
func (r *Registry) add(reg Registration) (Item, error) {
	key, err := naturalKey(&reg)
	if err != nil {
		return Item{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[reg.Kind][key]; exists {
		return Item{}, fmt.Errorf("%w: %s %q", ErrDuplicateResource, reg.Kind, key)
	}

	reg.Key = key
	reg.Registered = false
	reg.Queued = true
	r.entries[reg.Kind][key] = &reg
	r.order[reg.Kind] = append(r.order[reg.Kind], key)

	return Item{Lane: reg.Kind.lane(), Kind: reg.Kind, Key: key}, nil
}

// Get returns a copy of the registration.
func (r *Registry) Get(kind Kind, key string) (Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.entries[kind][key]
	if !ok {
		return Registration{}, false
	}
	return *reg, true
}

// Len returns the number of registrations of a kind.
func (r *Registry) Len(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries[kind])
}

// markRegistered records a broker acknowledgment. Non-persistent entries
// are removed and removed is true.
func (r *Registry) markRegistered(kind Kind, key string) (removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.entries[kind][key]
	if !ok {
		return false
	}
	if !reg.Persist {
		r.removeLocked(kind, key)
		return true
	}
	reg.Registered = true
	reg.Queued = false
	return false
}

// drop removes an entry the transport rejected permanently.
func (r *Registry) drop(kind Kind, key string) {
	r.mu.Lock()
	r.removeLocked(kind, key)
	r.mu.Unlock()
}

// resetForReconnect runs on connection loss: persistent entries become
// unregistered, and nothing is considered queued because the registration
// lanes are purged alongside.
func (r *Registry) resetForReconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k := range r.entries {
		for _, reg := range r.entries[k] {
			if reg.Persist {
				reg.Registered = false
			}
			reg.Queued = false
		}
	}
}

// replayOrder is the order kinds are replayed in after a reconnect.
var replayOrder = [numKinds]Kind{KindQueue, KindExchange, KindBinding, KindSubscription}

// pending marks every unregistered, unqueued entry as queued and returns
// delivery items for them in replay order.
func (r *Registry) pending() []Item {
	r.mu.Lock()
	defer r.mu.Unlock()

	var items []Item
	for _, kind := range replayOrder {
		for _, key := range r.order[kind] {
			reg := r.entries[kind][key]
			if reg.Registered || reg.Queued {
				continue
			}
			reg.Queued = true
			items = append(items, Item{Lane: kind.lane(), Kind: kind, Key: key})
		}
	}
	return items
}

func (r *Registry) removeLocked(kind Kind, key string) {
	delete(r.entries[kind], key)
	if i := slices.Index(r.order[kind], key); i >= 0 {
		r.order[kind] = slices.Delete(r.order[kind], i, i+1)
	}
}
