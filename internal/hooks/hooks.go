package hooks

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Hook names fired by the gateway.
const (
	AtomSet             = "atoms_set"
	StateSet            = "states_set"
	DeviceStatus        = "device_status"
	DeviceCommand       = "device_command"
	DeviceCommandStatus = "device_command_status"
	Notification        = "notification"
	PeerOnline          = "gateway_online"
	PeerOffline         = "gateway_offline"
)

// ErrInvalidHandler is returned when registering a nil handler or an empty
// hook or handler name.
var ErrInvalidHandler = errors.New("hooks: invalid handler")

// Handler receives the payload passed to Dispatch.
type Handler func(ctx context.Context, payload any) error

// Logger defines the logging interface for the dispatcher.
type Logger interface {
	Debug(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Error(string, ...any) {}

type entry struct {
	name string
	fn   Handler
}

// Dispatcher maps hook names to ordered handler lists.
//
// Thread Safety:
//   - All methods are safe for concurrent use. Handlers may call Register
//     and Dispatch themselves.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]entry
	logger   Logger
}

// New creates an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string][]entry),
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.mu.Lock()
	d.logger = logger
	d.mu.Unlock()
}

// Register adds fn under name for hook. Registering an existing name
// replaces that handler in place.
func (d *Dispatcher) Register(hook, name string, fn Handler) error {
	if hook == "" || name == "" || fn == nil {
		return ErrInvalidHandler
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	list := d.handlers[hook]
	for i := range list {
		if list[i].name == name {
			list[i].fn = fn
			return nil
		}
	}
	d.handlers[hook] = append(list, entry{name: name, fn: fn})
	return nil
}

// Unregister removes the named handler from hook.
func (d *Dispatcher) Unregister(hook, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	list := d.handlers[hook]
	for i := range list {
		if list[i].name == name {
			d.handlers[hook] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Handlers returns the handler names registered for hook, in call order.
func (d *Dispatcher) Handlers(hook string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.handlers[hook]))
	for _, e := range d.handlers[hook] {
		names = append(names, e.name)
	}
	return names
}

// Dispatch calls every handler registered for hook with payload. All
// handlers run even if some fail; their errors are joined. A panicking
// handler is reported as an error.
func (d *Dispatcher) Dispatch(ctx context.Context, hook string, payload any) error {
	d.mu.RLock()
	list := append([]entry(nil), d.handlers[hook]...)
	logger := d.logger
	d.mu.RUnlock()

	if len(list) == 0 {
		return nil
	}
	logger.Debug("dispatching hook", "hook", hook, "handlers", len(list))

	var errs []error
	for _, e := range list {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := call(ctx, e, payload); err != nil {
			logger.Error("hook handler failed", "hook", hook, "handler", e.name, "error", err)
			errs = append(errs, fmt.Errorf("%s/%s: %w", hook, e.name, err))
		}
	}
	return errors.Join(errs...)
}

func call(ctx context.Context, e entry, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.fn(ctx, payload)
}
