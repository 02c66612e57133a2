package cluster

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/nerrad567/gray-logic-gateway/internal/broker"
	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-gateway/internal/kvstore"
)

const (
	defaultProbeTimeout = 2 * time.Second

	// A candidate that fails this many probes in a row is skipped until
	// breakerCooldown has passed.
	breakerTrips    = 3
	breakerCooldown = time.Minute
)

// ProbeFunc checks that an endpoint accepts connections.
type ProbeFunc func(ctx context.Context, ep broker.Endpoint) error

// DialProbe returns a ProbeFunc that opens and closes a TCP connection.
func DialProbe(timeout time.Duration) ProbeFunc {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return func(ctx context.Context, ep broker.Endpoint) error {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port)))
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// Candidates returns the master's advertised endpoints in preference
// order: local plain, local TLS, remote TLS. Unset entries are skipped.
func Candidates(cfg config.EndpointsConfig) []broker.Endpoint {
	var out []broker.Endpoint
	if cfg.LocalHost != "" && cfg.LocalPort > 0 {
		out = append(out, broker.Endpoint{Host: cfg.LocalHost, Port: cfg.LocalPort})
	}
	if cfg.LocalHost != "" && cfg.LocalTLSPort > 0 {
		out = append(out, broker.Endpoint{Host: cfg.LocalHost, Port: cfg.LocalTLSPort, TLS: true})
	}
	if cfg.RemoteHost != "" && cfg.RemoteTLS > 0 {
		out = append(out, broker.Endpoint{Host: cfg.RemoteHost, Port: cfg.RemoteTLS, TLS: true})
	}
	return out
}

// EndpointStore persists the last selected endpoint. *kvstore.Store
// satisfies it.
type EndpointStore interface {
	Lookup(ctx context.Context, key string, v any) error
	Set(ctx context.Context, key string, value any) error
}

// EndpointMetrics counts selections.
type EndpointMetrics interface {
	IncEndpointSelected(endpoint string)
}

// storedEndpoint is the persisted form of a broker.Endpoint.
type storedEndpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	TLS  bool   `json:"tls"`
}

type candidate struct {
	ep      broker.Endpoint
	breaker *gobreaker.CircuitBreaker
}

// Selector picks the broker endpoint a slave dials. The first candidate
// that answers a probe is used until Invalidate is called.
//
// Thread Safety:
//   - Resolve and Invalidate are safe for concurrent use.
type Selector struct {
	candidates []candidate
	fallback   broker.Endpoint
	probe      ProbeFunc
	store      EndpointStore
	metrics    EndpointMetrics
	logger     Logger

	mu     sync.Mutex
	chosen *broker.Endpoint
}

// NewSelector creates a Selector. fallback is used when no candidate
// answers and nothing was persisted; store may be nil. A plain fallback
// must be on the local network (see localHost); a remote one needs TLS.
func NewSelector(candidates []broker.Endpoint, fallback broker.Endpoint, probe ProbeFunc, store EndpointStore) *Selector {
	if probe == nil {
		probe = DialProbe(defaultProbeTimeout)
	}
	s := &Selector{
		fallback: fallback,
		probe:    probe,
		store:    store,
		logger:   noopLogger{},
	}
	for _, ep := range candidates {
		s.candidates = append(s.candidates, candidate{
			ep: ep,
			breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:        ep.String(),
				MaxRequests: 1,
				Timeout:     breakerCooldown,
				ReadyToTrip: func(c gobreaker.Counts) bool {
					return c.ConsecutiveFailures >= breakerTrips
				},
				OnStateChange: func(name string, from, to gobreaker.State) {
					s.logger.Debug("endpoint breaker state changed", "endpoint", name, "from", from.String(), "to", to.String())
				},
			}),
		})
	}
	return s
}

// SetLogger sets the logger for the selector.
func (s *Selector) SetLogger(logger Logger) {
	s.logger = logger
}

// SetMetrics sets the selection counter.
func (s *Selector) SetMetrics(m EndpointMetrics) {
	s.metrics = m
}

// Resolve satisfies broker.Resolver.
func (s *Selector) Resolve(ctx context.Context) (broker.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chosen != nil {
		return *s.chosen, nil
	}

	for _, c := range s.candidates {
		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, s.probe(ctx, c.ep)
		})
		if err != nil {
			if ctx.Err() != nil {
				return broker.Endpoint{}, ctx.Err()
			}
			s.logger.Debug("endpoint probe failed", "endpoint", c.ep.String(), "error", err)
			continue
		}
		s.choose(ctx, c.ep)
		return c.ep, nil
	}

	if ep, ok := s.stored(ctx); ok {
		s.logger.Warn("no endpoint answered, using last known", "endpoint", ep.String())
		return ep, nil
	}
	if s.fallback.Host != "" && s.fallback.Port > 0 {
		if !s.fallback.TLS && !s.localHost(s.fallback.Host) {
			s.logger.Error("no endpoint answered and configured broker is remote without tls", "endpoint", s.fallback.String())
			return broker.Endpoint{}, ErrNoEndpoint
		}
		s.logger.Warn("no endpoint answered, using configured broker", "endpoint", s.fallback.String())
		return s.fallback, nil
	}
	return broker.Endpoint{}, ErrNoEndpoint
}

// localHost reports whether host is loopback, a private or link-local
// address, an mDNS name, or the host of a plain candidate.
func (s *Selector) localHost(host string) bool {
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".local") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() {
			return true
		}
	}
	for _, c := range s.candidates {
		if !c.ep.TLS && strings.EqualFold(c.ep.Host, host) {
			return true
		}
	}
	return false
}

// Invalidate forgets the cached choice so the next Resolve probes again.
func (s *Selector) Invalidate() {
	s.mu.Lock()
	s.chosen = nil
	s.mu.Unlock()
}

func (s *Selector) choose(ctx context.Context, ep broker.Endpoint) {
	s.chosen = &ep
	s.logger.Info("broker endpoint selected", "endpoint", ep.String())
	if s.metrics != nil {
		s.metrics.IncEndpointSelected(ep.String())
	}
	if s.store == nil {
		return
	}
	if err := s.store.Set(ctx, kvstore.KeyBrokerEndpoint, storedEndpoint(ep)); err != nil {
		s.logger.Warn("persisting broker endpoint failed", "error", err)
	}
}

func (s *Selector) stored(ctx context.Context) (broker.Endpoint, bool) {
	if s.store == nil {
		return broker.Endpoint{}, false
	}
	var se storedEndpoint
	if err := s.store.Lookup(ctx, kvstore.KeyBrokerEndpoint, &se); err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			s.logger.Warn("reading stored broker endpoint failed", "error", err)
		}
		return broker.Endpoint{}, false
	}
	if se.Host == "" || se.Port <= 0 {
		return broker.Endpoint{}, false
	}
	return broker.Endpoint(se), true
}
