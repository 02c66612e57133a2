package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementPeerPing   = "gateway_peer_ping"
	measurementPeerStatus = "gateway_peer_status"
	measurementLaneDepth  = "gateway_lane_depth"
	measurementMessages   = "gateway_messages"
)

// RecordPing writes a completed ping to peerID.
func (c *Client) RecordPing(peerID string, rtt, offset time.Duration) {
	if !c.enabled() {
		return
	}
	c.write(pingPoint(c.gatewayID, peerID, rtt, offset, time.Now()))
}

// RecordPeerStatus writes a peer's online/offline transition.
func (c *Client) RecordPeerStatus(peerID string, online bool) {
	if !c.enabled() {
		return
	}
	c.write(peerStatusPoint(c.gatewayID, peerID, online, time.Now()))
}

// RecordLaneDepth writes the depth of one delivery lane.
func (c *Client) RecordLaneDepth(lane string, depth int) {
	if !c.enabled() {
		return
	}
	c.write(laneDepthPoint(c.gatewayID, lane, depth, time.Now()))
}

// RecordMessage writes one sync message event. direction is "in" or "out".
func (c *Client) RecordMessage(direction, component string, size int) {
	if !c.enabled() {
		return
	}
	c.write(messagePoint(c.gatewayID, direction, component, size, time.Now()))
}

func (c *Client) enabled() bool {
	return c != nil && c.IsConnected()
}

func (c *Client) write(p *write.Point) {
	c.writeAPI.WritePoint(p)
}

func pingPoint(gatewayID, peerID string, rtt, offset time.Duration, ts time.Time) *write.Point {
	return write.NewPoint(
		measurementPeerPing,
		map[string]string{"gateway_id": gatewayID, "peer_id": peerID},
		map[string]any{
			"round_trip_ms":   float64(rtt.Microseconds()) / 1000,
			"clock_offset_ms": float64(offset.Microseconds()) / 1000,
		},
		ts,
	)
}

func peerStatusPoint(gatewayID, peerID string, online bool, ts time.Time) *write.Point {
	return write.NewPoint(
		measurementPeerStatus,
		map[string]string{"gateway_id": gatewayID, "peer_id": peerID},
		map[string]any{"online": online},
		ts,
	)
}

func laneDepthPoint(gatewayID, lane string, depth int, ts time.Time) *write.Point {
	return write.NewPoint(
		measurementLaneDepth,
		map[string]string{"gateway_id": gatewayID, "lane": lane},
		map[string]any{"depth": int64(depth)},
		ts,
	)
}

func messagePoint(gatewayID, direction, component string, size int, ts time.Time) *write.Point {
	return write.NewPoint(
		measurementMessages,
		map[string]string{"gateway_id": gatewayID, "direction": direction, "component": component},
		map[string]any{"bytes": int64(size), "count": int64(1)},
		ts,
	)
}
