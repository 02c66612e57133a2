package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-gateway/internal/hooks"
)

// Limits for in-memory history.
const (
	maxStatusHistory  = 20
	maxCommandHistory = 16
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Dispatcher fires hooks. *hooks.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, hook string, payload any) error
}

// Registry provides device and command management with caching and thread
// safety. It wraps a Repository and keeps every device and command in
// memory, along with a short status history per device.
//
// Status and command changes fire the device_status, device_command and
// device_command_status hooks with the caller-supplied source.
//
// All public methods are thread-safe.
type Registry struct {
	repo   Repository
	hooks  Dispatcher
	logger Logger
	now    func() time.Time

	mu       sync.RWMutex
	devices  map[string]*Device
	history  map[string][]StatusRecord
	commands map[string]*Command
}

// NewRegistry creates a new device registry. d may be nil.
func NewRegistry(repo Repository, d Dispatcher) *Registry {
	return &Registry{
		repo:     repo,
		hooks:    d,
		logger:   noopLogger{},
		now:      time.Now,
		devices:  make(map[string]*Device),
		history:  make(map[string][]StatusRecord),
		commands: make(map[string]*Command),
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads all devices and commands from the repository.
// This should be called on application startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}
	cmds, err := r.repo.ListCommands(ctx)
	if err != nil {
		return fmt.Errorf("loading commands: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices = make(map[string]*Device, len(devices))
	for i := range devices {
		r.devices[devices[i].ID] = devices[i].DeepCopy()
	}
	r.commands = make(map[string]*Command, len(cmds))
	for i := range cmds {
		r.commands[cmds[i].ID] = cmds[i].DeepCopy()
	}

	r.logger.Info("device cache refreshed", "devices", len(devices), "commands", len(cmds))
	return nil
}

// Get retrieves a device by ID. The returned device is a deep copy.
// Returns ErrDeviceNotFound if the device does not exist.
func (r *Registry) Get(id string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return d.DeepCopy(), nil
}

// List returns every device sorted by ID.
func (r *Registry) List() []Device {
	return r.filter(func(*Device) bool { return true })
}

// ListByGateway returns the devices owned by gatewayID.
func (r *Registry) ListByGateway(gatewayID string) []Device {
	return r.filter(func(d *Device) bool { return d.GatewayID == gatewayID })
}

func (r *Registry) filter(keep func(*Device) bool) []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		if keep(d) {
			out = append(out, *d.DeepCopy())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Create validates and persists a new device.
func (r *Registry) Create(ctx context.Context, d *Device) error {
	if d.ID == "" || d.GatewayID == "" || d.Label == "" {
		return fmt.Errorf("%w: id, gateway_id and label are required", ErrInvalidDevice)
	}
	if err := r.repo.Create(ctx, d); err != nil {
		return err
	}

	r.mu.Lock()
	r.devices[d.ID] = d.DeepCopy()
	r.mu.Unlock()

	r.logger.Info("device created", "id", d.ID, "gateway_id", d.GatewayID)
	return nil
}

// Delete removes a device and its commands.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.devices, id)
	delete(r.history, id)
	for cid, c := range r.commands {
		if c.DeviceID == id {
			delete(r.commands, cid)
		}
	}
	r.mu.Unlock()
	return nil
}

// SetStatus records a new status for a known device and fires the
// device_status hook.
func (r *Registry) SetStatus(ctx context.Context, id string, status Status, source string) error {
	at := r.now().UTC()
	if err := r.repo.UpdateStatus(ctx, id, status, at); err != nil {
		return err
	}

	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return ErrDeviceNotFound
	}
	d.Status = Status(deepCopyMap(status))
	d.StatusAt = &at
	d.UpdatedAt = at
	r.history[id] = appendBounded(r.history[id], StatusRecord{
		Status:    d.Status,
		Source:    source,
		GatewayID: d.GatewayID,
		At:        at,
	}, maxStatusHistory)
	event := StatusEvent{Device: *d.DeepCopy(), Source: source}
	r.mu.Unlock()

	r.fire(ctx, hooks.DeviceStatus, event)
	return nil
}

// StatusHistory returns the recent statuses of a device, oldest first.
func (r *Registry) StatusHistory(id string) []StatusRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]StatusRecord(nil), r.history[id]...)
}

// Command stores a new command for a known device and fires the
// device_command hook. A missing status defaults to pending; the owning
// gateway is taken from the device.
func (r *Registry) Command(ctx context.Context, c Command, source string) (*Command, error) {
	if c.ID == "" || c.DeviceID == "" || c.Command == "" {
		return nil, fmt.Errorf("%w: request_id, device_id and command are required", ErrInvalidCommand)
	}
	if c.Status == "" {
		c.Status = CommandPending
	}
	if !c.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidCommand, c.Status)
	}

	d, err := r.Get(c.DeviceID)
	if err != nil {
		return nil, err
	}
	c.GatewayID = d.GatewayID

	now := r.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.History = []CommandHistoryEntry{{Status: c.Status, At: now}}

	if err := r.repo.CreateCommand(ctx, &c); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.commands[c.ID] = c.DeepCopy()
	r.mu.Unlock()

	r.logger.Debug("device command stored", "request_id", c.ID, "device_id", c.DeviceID, "source", source)
	r.fire(ctx, hooks.DeviceCommand, CommandEvent{Command: *c.DeepCopy(), Source: source})
	return &c, nil
}

// UpdateCommandStatus moves a command to status and fires the
// device_command_status hook.
func (r *Registry) UpdateCommandStatus(ctx context.Context, id string, status CommandStatus, message, source string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidCommand, status)
	}
	at := r.now().UTC()
	if err := r.repo.UpdateCommandStatus(ctx, id, status, at); err != nil {
		return err
	}

	r.mu.Lock()
	c, ok := r.commands[id]
	if !ok {
		r.mu.Unlock()
		return ErrCommandNotFound
	}
	c.Status = status
	c.UpdatedAt = at
	c.History = appendBounded(c.History, CommandHistoryEntry{Status: status, Message: message, At: at}, maxCommandHistory)
	event := CommandEvent{Command: *c.DeepCopy(), Source: source}
	r.mu.Unlock()

	r.fire(ctx, hooks.DeviceCommandStatus, event)
	return nil
}

// GetCommand returns a copy of the command with request id id.
func (r *Registry) GetCommand(id string) (*Command, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.commands[id]
	if !ok {
		return nil, ErrCommandNotFound
	}
	return c.DeepCopy(), nil
}

// CommandsByGateway returns the commands for devices owned by gatewayID,
// oldest first. Terminal commands are skipped unless includeDone is set.
func (r *Registry) CommandsByGateway(gatewayID string, includeDone bool) []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Command
	for _, c := range r.commands {
		if c.GatewayID != gatewayID || (!includeDone && c.Status.Terminal()) {
			continue
		}
		out = append(out, *c.DeepCopy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *Registry) fire(ctx context.Context, hook string, payload any) {
	if r.hooks == nil {
		return
	}
	if err := r.hooks.Dispatch(ctx, hook, payload); err != nil {
		r.logger.Warn("device hook failed", "hook", hook, "error", err)
	}
}

func appendBounded[T any](s []T, v T, limit int) []T {
	s = append(s, v)
	if len(s) > limit {
		s = append(s[:0:0], s[len(s)-limit:]...)
	}
	return s
}
