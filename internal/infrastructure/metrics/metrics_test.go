package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_ConnectionStateIsExclusive(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatal(err)
	}

	m.SetConnectionState("connecting")
	m.SetConnectionState("connected")

	if got := testutil.ToFloat64(m.connectionState.WithLabelValues("connected")); got != 1 {
		t.Errorf("connected = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.connectionState.WithLabelValues("connecting")); got != 0 {
		t.Errorf("connecting = %v, want 0", got)
	}
}

func TestMetrics_Recorders(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatal(err)
	}

	m.SetLaneDepth("high", 3)
	m.IncReconnects()
	m.IncReconnects()
	m.IncCorrelationEvictions()
	m.IncDropped("echo")
	m.IncReceived("lib/atoms")
	m.IncSent("lib/atoms")
	m.ObservePing("gw2", 150*time.Millisecond, -2*time.Second)
	m.SetPeerOnline("gw2", true)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"lane depth", testutil.ToFloat64(m.laneDepth.WithLabelValues("high")), 3},
		{"reconnects", testutil.ToFloat64(m.reconnects), 2},
		{"evictions", testutil.ToFloat64(m.correlationEvicted), 1},
		{"dropped", testutil.ToFloat64(m.messagesDropped.WithLabelValues("echo")), 1},
		{"rtt", testutil.ToFloat64(m.peerRoundTrip.WithLabelValues("gw2")), 0.15},
		{"offset", testutil.ToFloat64(m.peerClockOffset.WithLabelValues("gw2")), -2},
		{"online", testutil.ToFloat64(m.peerOnline.WithLabelValues("gw2")), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestMetrics_Handler(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatal(err)
	}
	m.IncReconnects()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "graylogic_gateway_broker_reconnects_total 1") {
		t.Error("exposition missing reconnects counter")
	}
}
