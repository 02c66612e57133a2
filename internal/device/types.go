package device

import "time"

// Device is a controllable or monitorable entity owned by one gateway.
// This matches the devices table in migrations/20260301_110000_devices.up.sql.
type Device struct {
	ID        string `json:"id"`
	GatewayID string `json:"gateway_id"`
	Label     string `json:"label"`
	Type      string `json:"device_type,omitempty"`

	// Status is the last reported machine status, for example
	// {"on": true, "level": 75}.
	Status   Status     `json:"status"`
	StatusAt *time.Time `json:"status_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Status holds a device status as a JSON map.
type Status map[string]any

// OwnedBy reports whether gatewayID owns d.
func (d *Device) OwnedBy(gatewayID string) bool {
	return d != nil && d.GatewayID == gatewayID
}

// DeepCopy creates a complete independent copy of the Device so cached
// entries are never shared with callers.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	cpy := *d
	cpy.Status = Status(deepCopyMap(d.Status))
	return &cpy
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		return v
	}
}

// StatusRecord is one entry of a device's recent status history.
type StatusRecord struct {
	Status    Status    `json:"status"`
	Source    string    `json:"source"`
	GatewayID string    `json:"gateway_id"`
	At        time.Time `json:"at"`
}

// CommandStatus tracks a command from request to completion.
type CommandStatus string

const (
	CommandPending  CommandStatus = "pending"
	CommandSent     CommandStatus = "sent"
	CommandReceived CommandStatus = "received"
	CommandAccepted CommandStatus = "accepted"
	CommandDone     CommandStatus = "done"
	CommandFailed   CommandStatus = "failed"
)

// Terminal reports whether no further transition is expected.
func (s CommandStatus) Terminal() bool {
	return s == CommandDone || s == CommandFailed
}

// Valid reports whether s is a known status.
func (s CommandStatus) Valid() bool {
	switch s {
	case CommandPending, CommandSent, CommandReceived, CommandAccepted, CommandDone, CommandFailed:
		return true
	}
	return false
}

// Command is a request for a device to do something. Commands may be
// created on any gateway; the device owner executes them.
type Command struct {
	ID       string         `json:"request_id"`
	DeviceID string         `json:"device_id"`
	Command  string         `json:"command"`
	Inputs   map[string]any `json:"inputs,omitempty"`

	// GatewayID owns the device. SourceGatewayID created the command.
	GatewayID       string `json:"gateway_id"`
	SourceGatewayID string `json:"source_gateway_id"`

	Status  CommandStatus         `json:"status"`
	History []CommandHistoryEntry `json:"history,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CommandHistoryEntry records one status transition.
type CommandHistoryEntry struct {
	Status  CommandStatus `json:"status"`
	Message string        `json:"message,omitempty"`
	At      time.Time     `json:"at"`
}

// DeepCopy returns an independent copy of c.
func (c *Command) DeepCopy() *Command {
	if c == nil {
		return nil
	}
	cpy := *c
	cpy.Inputs = deepCopyMap(c.Inputs)
	if c.History != nil {
		cpy.History = make([]CommandHistoryEntry, len(c.History))
		copy(cpy.History, c.History)
	}
	return &cpy
}

// StatusEvent is the device_status hook payload.
type StatusEvent struct {
	Device Device
	Source string
}

// CommandEvent is the device_command and device_command_status hook
// payload.
type CommandEvent struct {
	Command Command
	Source  string
}
