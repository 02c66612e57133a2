package cluster

import (
	"context"
	"errors"
	"time"

	"github.com/nerrad567/gray-logic-gateway/internal/broker"
	"github.com/nerrad567/gray-logic-gateway/internal/device"
	"github.com/nerrad567/gray-logic-gateway/internal/envelope"
	"github.com/nerrad567/gray-logic-gateway/internal/hooks"
	"github.com/nerrad567/gray-logic-gateway/internal/variables"
)

// DeviceStatus is the wire form of one device status.
type DeviceStatus struct {
	DeviceID  string        `json:"device_id"`
	GatewayID string        `json:"gateway_id"`
	Status    device.Status `json:"status"`
	At        int64         `json:"at,omitempty"`
}

// CommandStatus is the wire form of one command status transition.
type CommandStatus struct {
	RequestID string               `json:"request_id"`
	DeviceID  string               `json:"device_id"`
	Status    device.CommandStatus `json:"status"`
	Message   string               `json:"message,omitempty"`
	At        int64                `json:"at,omitempty"`
}

// Notification is the notification hook payload.
type Notification struct {
	From    string
	Payload any
}

// ===== Data handlers =====

func (s *Sync) importVariables(store *variables.Store) Handler {
	return func(ctx context.Context, env envelope.Envelope) error {
		var values map[string]any
		if err := env.DecodePayload(&values); err != nil {
			return err
		}
		return store.Import(ctx, env.SourceID, values, SourceSync)
	}
}

func (s *Sync) handleDeviceStatus(ctx context.Context, env envelope.Envelope) error {
	var statuses []DeviceStatus
	if err := env.DecodePayload(&statuses); err != nil {
		return err
	}

	var errs []error
	for _, st := range statuses {
		d, err := s.devices.Get(st.DeviceID)
		if errors.Is(err, device.ErrDeviceNotFound) {
			s.logger.Debug("status for unknown device ignored", "device_id", st.DeviceID, "source", env.SourceID)
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if d.OwnedBy(s.opts.GatewayID) {
			continue
		}
		if err := s.devices.SetStatus(ctx, st.DeviceID, st.Status, SourceSync); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// handleDeviceCommand stores commands from peers. A slave only takes
// commands for devices it owns; the master keeps every command so it can
// track the whole fleet.
func (s *Sync) handleDeviceCommand(ctx context.Context, env envelope.Envelope) error {
	var cmds []device.Command
	if err := env.DecodePayload(&cmds); err != nil {
		return err
	}

	var errs []error
	for _, c := range cmds {
		d, err := s.devices.Get(c.DeviceID)
		if errors.Is(err, device.ErrDeviceNotFound) {
			s.logger.Debug("command for unknown device ignored", "device_id", c.DeviceID, "request_id", c.ID)
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		owned := d.OwnedBy(s.opts.GatewayID)
		if !owned && !s.opts.IsMaster {
			s.logger.Debug("command for device owned elsewhere ignored",
				"device_id", c.DeviceID, "owner", d.GatewayID, "request_id", c.ID)
			continue
		}

		if c.SourceGatewayID == "" {
			c.SourceGatewayID = env.SourceID
		}
		c.History = nil
		if _, err := s.devices.Command(ctx, c, SourceSync); err != nil {
			if errors.Is(err, device.ErrCommandExists) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		if owned {
			// Local source: the acknowledgement is forwarded like any
			// other local status change.
			if err := s.devices.UpdateCommandStatus(ctx, c.ID, device.CommandReceived, "", variables.SourceLocal); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Sync) handleCommandStatus(ctx context.Context, env envelope.Envelope) error {
	var updates []CommandStatus
	if err := env.DecodePayload(&updates); err != nil {
		return err
	}

	var errs []error
	for _, u := range updates {
		err := s.devices.UpdateCommandStatus(ctx, u.RequestID, u.Status, u.Message, SourceSync)
		if errors.Is(err, device.ErrCommandNotFound) {
			s.logger.Debug("status for unknown command ignored", "request_id", u.RequestID)
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Sync) handleNotification(ctx context.Context, env envelope.Envelope) error {
	var payload any
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	if s.hooks == nil {
		return nil
	}
	return s.hooks.Dispatch(ctx, hooks.Notification, Notification{From: env.SourceID, Payload: payload})
}

// ===== Request handlers =====

func (s *Sync) replyVariables(store *variables.Store) Handler {
	return func(_ context.Context, env envelope.Envelope) error {
		var names []string
		_ = env.DecodePayload(&names) //nolint:errcheck // Anything but a name list means everything

		snapshot := store.Snapshot(s.opts.GatewayID)
		if len(names) > 0 {
			filtered := make(map[string]any, len(names))
			for _, n := range names {
				if v, ok := snapshot[n]; ok {
					filtered[n] = v
				}
			}
			snapshot = filtered
		}
		return s.reply(env, snapshot)
	}
}

func (s *Sync) replyDeviceStatus(_ context.Context, env envelope.Envelope) error {
	return s.reply(env, s.localDeviceStatus())
}

func (s *Sync) replyDeviceCommands(_ context.Context, env envelope.Envelope) error {
	cmds := s.devices.CommandsByGateway(s.opts.GatewayID, false)
	if cmds == nil {
		cmds = []device.Command{}
	}
	return s.reply(env, cmds)
}

func (s *Sync) reply(req envelope.Envelope, payload any) error {
	env, err := req.Reply(s.opts.GatewayID, req.ComponentName, payload)
	if err != nil {
		return err
	}
	return s.publish(env, broker.LaneNormal)
}

// localDeviceStatus returns the status of every device this gateway owns.
func (s *Sync) localDeviceStatus() []DeviceStatus {
	devices := s.devices.ListByGateway(s.opts.GatewayID)
	out := make([]DeviceStatus, 0, len(devices))
	for i := range devices {
		out = append(out, toDeviceStatus(&devices[i]))
	}
	return out
}

func toDeviceStatus(d *device.Device) DeviceStatus {
	st := DeviceStatus{DeviceID: d.ID, GatewayID: d.GatewayID, Status: d.Status}
	if d.StatusAt != nil {
		st.At = d.StatusAt.UnixMilli()
	}
	return st
}

// ===== Local changes =====

const hookHandlerName = "cluster_sync"

func (s *Sync) registerHooks() error {
	handlers := []struct {
		hook string
		fn   hooks.Handler
	}{
		{hooks.AtomSet, s.onVariableChange},
		{hooks.StateSet, s.onVariableChange},
		{hooks.DeviceStatus, s.onDeviceStatus},
		{hooks.DeviceCommand, s.onDeviceCommand},
		{hooks.DeviceCommandStatus, s.onCommandStatus},
	}
	for _, h := range handlers {
		if err := s.hooks.Register(h.hook, hookHandlerName, h.fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sync) onVariableChange(_ context.Context, payload any) error {
	c, ok := payload.(variables.Change)
	if !ok || c.Source == SourceSync || c.GatewayID != s.opts.GatewayID || !s.okToPublish.Load() {
		return nil
	}
	return s.Send(envelope.DestinationAll, envelope.ComponentLib, string(c.Kind), map[string]any{c.Name: c.Value}, broker.LaneNormal)
}

func (s *Sync) onDeviceStatus(_ context.Context, payload any) error {
	ev, ok := payload.(device.StatusEvent)
	if !ok || ev.Source == SourceSync || !ev.Device.OwnedBy(s.opts.GatewayID) || !s.okToPublish.Load() {
		return nil
	}
	return s.Send(envelope.DestinationAll, envelope.ComponentLib, ComponentDeviceStatus,
		[]DeviceStatus{toDeviceStatus(&ev.Device)}, broker.LaneNormal)
}

// onDeviceCommand forwards locally created commands to the cluster: the
// owner executes, the master tracks.
func (s *Sync) onDeviceCommand(_ context.Context, payload any) error {
	ev, ok := payload.(device.CommandEvent)
	if !ok || ev.Source == SourceSync {
		return nil
	}
	return s.Send(envelope.DestinationCluster, envelope.ComponentLib, ComponentDeviceCommand,
		[]device.Command{ev.Command}, broker.LaneHigh)
}

func (s *Sync) onCommandStatus(_ context.Context, payload any) error {
	ev, ok := payload.(device.CommandEvent)
	if !ok || ev.Source == SourceSync {
		return nil
	}
	c := ev.Command
	var msg string
	if n := len(c.History); n > 0 {
		msg = c.History[n-1].Message
	}
	return s.Send(envelope.DestinationCluster, envelope.ComponentLib, ComponentDeviceCommandStatus,
		[]CommandStatus{{
			RequestID: c.ID,
			DeviceID:  c.DeviceID,
			Status:    c.Status,
			Message:   msg,
			At:        c.UpdatedAt.UnixMilli(),
		}}, broker.LaneHigh)
}

// unixMilli converts a millisecond timestamp; zero stays the zero time.
func unixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
