package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/nerrad567/gray-logic-gateway/internal/broker"
	"github.com/nerrad567/gray-logic-gateway/internal/envelope"
	"github.com/nerrad567/gray-logic-gateway/internal/hooks"
)

// Presence is the payload of the gateway presence component.
type Presence struct {
	Status   CommStatus `json:"status"`
	IsMaster bool       `json:"is_master,omitempty"`
	Label    string     `json:"label,omitempty"`
}

func (s *Sync) presence(status CommStatus, dest string) (envelope.Envelope, error) {
	return envelope.New(envelope.MessageData, s.opts.GatewayID, dest, envelope.ComponentLib, ComponentGateway, Presence{
		Status:   status,
		IsMaster: s.opts.IsMaster,
		Label:    s.opts.Label,
	})
}

// OfflineMessage encodes a fresh "offline" broadcast with a new message id
// and send time. It satisfies broker.WillFunc: install it as the manager's
// and the transport's last will so peers hear it on a clean shutdown and,
// where the broker supports it, on a lost connection.
func (s *Sync) OfflineMessage() (broker.Message, error) {
	env, err := s.presence(StatusOffline, envelope.DestinationAll)
	if err != nil {
		return broker.Message{}, err
	}
	return s.toMessage(env)
}

// Announce broadcasts "online".
func (s *Sync) Announce() error {
	env, err := s.presence(StatusOnline, envelope.DestinationAll)
	if err != nil {
		return err
	}
	return s.publish(env, broker.LaneHigh)
}

// handleConnect runs on every (re)connect: announce, wait, push the full
// snapshot, then open the gate for local changes.
func (s *Sync) handleConnect() {
	if err := s.Announce(); err != nil {
		s.logger.Warn("online announcement failed", "error", err)
		return
	}
	s.after(s.opts.AnnounceDelay, func(context.Context) {
		if err := s.SendSnapshot(envelope.DestinationAll); err != nil {
			s.logger.Warn("startup snapshot failed", "error", err)
		}
		if !s.okToPublish.Swap(true) {
			s.logger.Info("startup snapshot sent, forwarding local changes")
		}
	})
}

// SendSnapshot sends this gateway's atoms, states and device statuses to
// dest.
func (s *Sync) SendSnapshot(dest string) error {
	self := s.opts.GatewayID
	return errors.Join(
		s.Send(dest, envelope.ComponentLib, ComponentAtoms, s.atoms.Snapshot(self), broker.LaneLow),
		s.Send(dest, envelope.ComponentLib, ComponentStates, s.states.Snapshot(self), broker.LaneLow),
		s.Send(dest, envelope.ComponentLib, ComponentDeviceStatus, s.localDeviceStatus(), broker.LaneLow),
	)
}

func (s *Sync) handlePresence(ctx context.Context, env envelope.Envelope) error {
	var p Presence
	if err := env.DecodePayload(&p); err != nil {
		return err
	}
	switch p.Status {
	case StatusOnline:
		s.peerOnline(ctx, env.SourceID, p)
	case StatusOffline:
		s.peerOffline(ctx, env.SourceID)
	default:
		return fmt.Errorf("%w: presence status %q", envelope.ErrMalformed, p.Status)
	}
	return nil
}

// peerOnline marks the peer online and schedules a snapshot addressed to it
// alone. The random delay spreads the fleet's answers; the per-peer limiter
// absorbs presence storms.
func (s *Sync) peerOnline(ctx context.Context, id string, p Presence) {
	if p.IsMaster {
		s.peers.SetMaster(id)
	}
	if s.peers.SetStatus(id, StatusOnline) {
		s.logger.Info("peer online", "peer", id, "master", p.IsMaster)
	}
	s.metrics.SetPeerOnline(id, true)
	s.telemetry.RecordPeerStatus(id, true)
	s.fire(ctx, hooks.PeerOnline, id)

	if !s.allowResync(id) {
		s.logger.Debug("resync suppressed", "peer", id)
		return
	}
	s.after(s.jitter(), func(context.Context) {
		if err := s.SendSnapshot(id); err != nil {
			s.logger.Warn("peer snapshot failed", "peer", id, "error", err)
		}
	})
}

func (s *Sync) peerOffline(ctx context.Context, id string) {
	if s.peers.SetStatus(id, StatusOffline) {
		s.logger.Info("peer offline", "peer", id)
	}
	s.metrics.SetPeerOnline(id, false)
	s.telemetry.RecordPeerStatus(id, false)
	s.fire(ctx, hooks.PeerOffline, id)
}

func (s *Sync) allowResync(id string) bool {
	s.limMu.Lock()
	defer s.limMu.Unlock()

	l, ok := s.limiters[id]
	if !ok {
		l = rate.NewLimiter(rate.Every(s.opts.ResyncMinInterval), 1)
		s.limiters[id] = l
	}
	return l.Allow()
}

func (s *Sync) fire(ctx context.Context, hook string, payload any) {
	if s.hooks == nil {
		return
	}
	if err := s.hooks.Dispatch(ctx, hook, payload); err != nil {
		s.logger.Warn("hook failed", "hook", hook, "error", err)
	}
}

// reannounceLoop repeats the online announcement so late joiners converge.
func (s *Sync) reannounceLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.ReannounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Announce(); err != nil {
				s.logger.Warn("re-announce failed", "error", err)
			}
		}
	}
}
