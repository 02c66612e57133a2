package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "graylogic_gateway"

// connectionStates lists every value SetConnectionState may receive so the
// gauge reports 0 for the inactive ones.
var connectionStates = []string{"disconnected", "connecting", "connected", "closing"}

// Metrics holds the gateway's Prometheus collectors. It satisfies the
// broker and cluster instrumentation interfaces.
type Metrics struct {
	registry *prometheus.Registry

	laneDepth          *prometheus.GaugeVec
	connectionState    *prometheus.GaugeVec
	reconnects         prometheus.Counter
	correlationEvicted prometheus.Counter
	messagesReceived   *prometheus.CounterVec
	messagesSent       *prometheus.CounterVec
	messagesDropped    *prometheus.CounterVec
	peerRoundTrip      *prometheus.GaugeVec
	peerClockOffset    *prometheus.GaugeVec
	peerOnline         *prometheus.GaugeVec
	mosquittoRestarts  prometheus.Counter
	endpointSelections *prometheus.CounterVec
}

func newGaugeVec(subsystem, name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func newCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func newCounter(subsystem, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

// New creates the collectors on a private registry, together with the Go
// runtime and process collectors.
func New() (*Metrics, error) {
	m := &Metrics{
		registry:           prometheus.NewRegistry(),
		laneDepth:          newGaugeVec("broker", "queue_depth", "Items waiting in each delivery lane", "lane"),
		connectionState:    newGaugeVec("broker", "connection_state", "1 for the current broker connection state", "state"),
		reconnects:         newCounter("broker", "reconnects_total", "Broker reconnection attempts"),
		correlationEvicted: newCounter("broker", "correlation_evictions_total", "Pending requests evicted before a reply arrived"),
		messagesReceived:   newCounterVec("sync", "messages_received_total", "Gateway messages accepted for dispatch", "component"),
		messagesSent:       newCounterVec("sync", "messages_sent_total", "Gateway messages published", "component"),
		messagesDropped:    newCounterVec("sync", "messages_dropped_total", "Gateway messages dropped on receipt", "reason"),
		peerRoundTrip:      newGaugeVec("peer", "ping_round_trip_seconds", "Last ping round trip per peer", "gateway_id"),
		peerClockOffset:    newGaugeVec("peer", "clock_offset_seconds", "Last measured clock offset per peer", "gateway_id"),
		peerOnline:         newGaugeVec("peer", "online", "1 while the peer is online", "gateway_id"),
		mosquittoRestarts:  newCounter("mosquitto", "restarts_total", "Managed broker process restarts"),
		endpointSelections: newCounterVec("endpoint", "selections_total", "Broker endpoints selected by probing", "endpoint"),
	}

	cs := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.laneDepth,
		m.connectionState,
		m.reconnects,
		m.correlationEvicted,
		m.messagesReceived,
		m.messagesSent,
		m.messagesDropped,
		m.peerRoundTrip,
		m.peerClockOffset,
		m.peerOnline,
		m.mosquittoRestarts,
		m.endpointSelections,
	}
	for _, c := range cs {
		if err := m.registry.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return nil, fmt.Errorf("registering collector: %w", err)
		}
	}
	return m, nil
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns the exposition handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ===== Broker =====

// SetLaneDepth records the current depth of a delivery lane.
func (m *Metrics) SetLaneDepth(lane string, depth int) {
	m.laneDepth.WithLabelValues(lane).Set(float64(depth))
}

// IncReconnects counts a reconnection attempt.
func (m *Metrics) IncReconnects() { m.reconnects.Inc() }

// IncCorrelationEvictions counts a pending request evicted unanswered.
func (m *Metrics) IncCorrelationEvictions() { m.correlationEvicted.Inc() }

// SetConnectionState marks state as current.
func (m *Metrics) SetConnectionState(state string) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connectionState.WithLabelValues(s).Set(v)
	}
}

// ===== Sync =====

// IncReceived counts an accepted inbound message.
func (m *Metrics) IncReceived(component string) {
	m.messagesReceived.WithLabelValues(component).Inc()
}

// IncSent counts a published message.
func (m *Metrics) IncSent(component string) {
	m.messagesSent.WithLabelValues(component).Inc()
}

// IncDropped counts an inbound message dropped for reason.
func (m *Metrics) IncDropped(reason string) {
	m.messagesDropped.WithLabelValues(reason).Inc()
}

// ObservePing records a completed ping exchange with a peer.
func (m *Metrics) ObservePing(gatewayID string, roundTrip, offset time.Duration) {
	m.peerRoundTrip.WithLabelValues(gatewayID).Set(roundTrip.Seconds())
	m.peerClockOffset.WithLabelValues(gatewayID).Set(offset.Seconds())
}

// SetPeerOnline records a peer's presence.
func (m *Metrics) SetPeerOnline(gatewayID string, online bool) {
	v := 0.0
	if online {
		v = 1
	}
	m.peerOnline.WithLabelValues(gatewayID).Set(v)
}

// IncEndpointSelected counts a probe-selected broker endpoint.
func (m *Metrics) IncEndpointSelected(endpoint string) {
	m.endpointSelections.WithLabelValues(endpoint).Inc()
}

// IncMosquittoRestarts counts a managed broker restart.
func (m *Metrics) IncMosquittoRestarts() { m.mosquittoRestarts.Inc() }
