package cluster

import (
	"context"
	"time"

	"github.com/nerrad567/gray-logic-gateway/internal/broker"
	"github.com/nerrad567/gray-logic-gateway/internal/envelope"
)

// PingRequest is the payload of a ping request.
type PingRequest struct {
	SentAt int64 `json:"sent_at"`
}

// PingReply is the payload of a ping reply: when the request arrived and
// when the reply left, both on the responder's clock.
type PingReply struct {
	RequestReceivedAt int64 `json:"request_received_at"`
	SentAt            int64 `json:"sent_at"`
}

// pingTiming derives round trip and clock offset from one exchange:
// t0 request sent and t3 reply received on the local clock, t1 request
// received and t2 reply sent on the peer's clock. A positive offset means
// the peer's clock is ahead.
func pingTiming(t0, t1, t2, t3 time.Time) (rtt, offset time.Duration) {
	rtt = t3.Sub(t0) - t2.Sub(t1)
	if rtt < 0 {
		rtt = 0
	}
	offset = (t1.Sub(t0) + t2.Sub(t3)) / 2
	return rtt, offset
}

func (s *Sync) pingLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pingAll(ctx)
		}
	}
}

// pingAll pings every eligible peer, PingStagger apart.
func (s *Sync) pingAll(ctx context.Context) {
	for i, id := range s.peers.PingTargets() {
		if i > 0 {
			t := time.NewTimer(s.opts.PingStagger)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		if err := s.Ping(id); err != nil {
			s.logger.Warn("ping failed", "peer", id, "error", err)
		}
	}
}

// Ping sends one ping to a known peer. The result lands in the directory
// when the reply arrives.
func (s *Sync) Ping(peerID string) error {
	if _, ok := s.peers.Get(peerID); !ok || peerID == s.opts.GatewayID {
		return ErrUnknownPeer
	}

	now := s.now()
	env, err := envelope.New(envelope.MessageRequest, s.opts.GatewayID, peerID, envelope.ComponentSystem, SystemPing,
		PingRequest{SentAt: now.UnixMilli()})
	if err != nil {
		return err
	}
	env.CreatedAt = now
	env.CorrelationID = env.MessageID

	s.peers.StartPing(peerID, env.MessageID, now)
	p, err := s.request(env, broker.LaneHigh)
	if err != nil {
		return err
	}
	s.awaitReply(p)
	return nil
}

func (s *Sync) answerPing(_ context.Context, env envelope.Envelope) error {
	reply, err := env.Reply(s.opts.GatewayID, SystemPing, PingReply{
		RequestReceivedAt: env.ReceivedAt.UnixMilli(),
		SentAt:            s.now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return s.publish(reply, broker.LaneHigh)
}

func (s *Sync) handlePingReply(_ context.Context, env envelope.Envelope) error {
	var r PingReply
	if err := env.DecodePayload(&r); err != nil {
		return err
	}

	id, sentAt, ok := s.peers.PendingPing(env.SourceID)
	if !ok || id != env.ReplyToID {
		s.logger.Debug("stale ping reply ignored", "peer", env.SourceID, "reply_to", env.ReplyToID)
		return nil
	}

	rtt, offset := pingTiming(sentAt, unixMilli(r.RequestReceivedAt), unixMilli(r.SentAt), env.ReceivedAt)
	if !s.peers.FinishPing(env.SourceID, id, rtt, offset) {
		return nil
	}
	s.metrics.ObservePing(env.SourceID, rtt, offset)
	s.telemetry.RecordPing(env.SourceID, rtt, offset)
	s.logger.Debug("ping complete", "peer", env.SourceID, "round_trip", rtt, "offset", offset)
	return nil
}
