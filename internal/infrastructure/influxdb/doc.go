// Package influxdb records gateway fleet telemetry in InfluxDB.
//
// Points written:
//   - gateway_peer_ping: round trip and clock offset per peer ping
//   - gateway_peer_status: peer online/offline transitions
//   - gateway_lane_depth: delivery queue depth per lane
//   - gateway_messages: inbound and outbound sync message sizes
//
// Every point carries a gateway_id tag. Writes are non-blocking and
// batched (batch_size, flush_interval); async write errors reach the
// callback set with SetOnError. A nil *Client is a valid no-op recorder,
// so callers need not check whether InfluxDB is enabled.
//
// # Usage
//
//	tel, err := influxdb.Connect(ctx, cfg.InfluxDB, gatewayID)
//	if err != nil {
//	    return err
//	}
//	defer tel.Close()
//	tel.RecordPing("gw2", rtt, offset)
package influxdb
