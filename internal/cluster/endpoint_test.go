package cluster

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nerrad567/gray-logic-gateway/internal/broker"
	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-gateway/internal/kvstore"
)

// fakeProber answers probes from a fixed set of reachable endpoints.
type fakeProber struct {
	mu        sync.Mutex
	reachable map[broker.Endpoint]bool
	probed    []broker.Endpoint
}

func (f *fakeProber) probe(_ context.Context, ep broker.Endpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probed = append(f.probed, ep)
	if f.reachable[ep] {
		return nil
	}
	return errors.New("connection refused")
}

func (f *fakeProber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.probed)
}

var (
	localPlain = broker.Endpoint{Host: "10.0.0.2", Port: 1883}
	localTLS   = broker.Endpoint{Host: "10.0.0.2", Port: 8883, TLS: true}
	remoteTLS  = broker.Endpoint{Host: "gw.example.net", Port: 8883, TLS: true}
)

func TestCandidates_Order(t *testing.T) {
	got := Candidates(config.EndpointsConfig{
		LocalHost:    "10.0.0.2",
		LocalPort:    1883,
		LocalTLSPort: 8883,
		RemoteHost:   "gw.example.net",
		RemoteTLS:    8883,
	})
	want := []broker.Endpoint{localPlain, localTLS, remoteTLS}
	if len(got) != len(want) {
		t.Fatalf("Candidates() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Candidates()[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	if got := Candidates(config.EndpointsConfig{RemoteHost: "gw.example.net"}); len(got) != 0 {
		t.Errorf("Candidates() without ports = %v", got)
	}
}

func TestSelector_Resolve(t *testing.T) {
	candidates := []broker.Endpoint{localPlain, localTLS, remoteTLS}
	fallback := broker.Endpoint{Host: "broker.local", Port: 1883}

	tests := []struct {
		name       string
		candidates []broker.Endpoint
		reachable  []broker.Endpoint
		fallback   broker.Endpoint
		want       broker.Endpoint
		wantErr    error
	}{
		{name: "local plain preferred", candidates: candidates, reachable: []broker.Endpoint{localPlain, remoteTLS}, want: localPlain},
		{name: "falls through to local tls", candidates: candidates, reachable: []broker.Endpoint{localTLS, remoteTLS}, want: localTLS},
		{name: "remote tls last", candidates: candidates, reachable: []broker.Endpoint{remoteTLS}, want: remoteTLS},
		{name: "nothing reachable uses fallback", candidates: candidates, fallback: fallback, want: fallback},
		{name: "no candidates uses fallback", fallback: fallback, want: fallback},
		{name: "nothing at all", wantErr: ErrNoEndpoint},
		{name: "remote plain fallback refused", candidates: candidates, fallback: broker.Endpoint{Host: "gw.example.net", Port: 1883}, wantErr: ErrNoEndpoint},
		{name: "public ip plain fallback refused", fallback: broker.Endpoint{Host: "203.0.113.7", Port: 1883}, wantErr: ErrNoEndpoint},
		{name: "remote tls fallback allowed", fallback: remoteTLS, want: remoteTLS},
		{name: "private ip fallback allowed", fallback: broker.Endpoint{Host: "192.168.1.20", Port: 1883}, want: broker.Endpoint{Host: "192.168.1.20", Port: 1883}},
		{name: "loopback fallback allowed", fallback: broker.Endpoint{Host: "localhost", Port: 1883}, want: broker.Endpoint{Host: "localhost", Port: 1883}},
		{
			name:       "plain candidate host fallback allowed",
			candidates: []broker.Endpoint{{Host: "gw-master", Port: 1883}},
			fallback:   broker.Endpoint{Host: "gw-master", Port: 1884},
			want:       broker.Endpoint{Host: "gw-master", Port: 1884},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProber{reachable: make(map[broker.Endpoint]bool)}
			for _, ep := range tt.reachable {
				p.reachable[ep] = true
			}
			s := NewSelector(tt.candidates, tt.fallback, p.probe, nil)

			got, err := s.Resolve(context.Background())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Resolve() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Resolve() = %v, want %v", got, tt.want)
			}
		})
	}
}

type levelLogger struct {
	mu     sync.Mutex
	levels []string
}

func (l *levelLogger) record(level string) {
	l.mu.Lock()
	l.levels = append(l.levels, level)
	l.mu.Unlock()
}

func (l *levelLogger) Debug(string, ...any) {}
func (l *levelLogger) Info(string, ...any)  { l.record("info") }
func (l *levelLogger) Warn(string, ...any)  { l.record("warn") }
func (l *levelLogger) Error(string, ...any) { l.record("error") }

func TestSelector_FallbackLogged(t *testing.T) {
	p := &fakeProber{reachable: map[broker.Endpoint]bool{}}
	s := NewSelector([]broker.Endpoint{localPlain}, broker.Endpoint{Host: "broker.local", Port: 1883}, p.probe, nil)
	logs := &levelLogger{}
	s.SetLogger(logs)

	if _, err := s.Resolve(context.Background()); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	logs.mu.Lock()
	defer logs.mu.Unlock()
	if len(logs.levels) != 1 || logs.levels[0] != "warn" {
		t.Errorf("logged levels = %v, want one warn", logs.levels)
	}
}

func TestSelector_CachesUntilInvalidated(t *testing.T) {
	p := &fakeProber{reachable: map[broker.Endpoint]bool{localTLS: true}}
	s := NewSelector([]broker.Endpoint{localPlain, localTLS}, broker.Endpoint{}, p.probe, nil)
	ctx := context.Background()

	if _, err := s.Resolve(ctx); err != nil {
		t.Fatal(err)
	}
	probes := p.count()
	if _, err := s.Resolve(ctx); err != nil {
		t.Fatal(err)
	}
	if p.count() != probes {
		t.Errorf("cached Resolve() probed again: %d -> %d", probes, p.count())
	}

	s.Invalidate()
	if _, err := s.Resolve(ctx); err != nil {
		t.Fatal(err)
	}
	if p.count() == probes {
		t.Error("Resolve() after Invalidate did not probe")
	}
}

func TestSelector_PersistsChoice(t *testing.T) {
	store := kvstore.New(setupTestDB(t).DB)
	ctx := context.Background()

	p := &fakeProber{reachable: map[broker.Endpoint]bool{remoteTLS: true}}
	s := NewSelector([]broker.Endpoint{localPlain, remoteTLS}, broker.Endpoint{}, p.probe, store)
	if got, err := s.Resolve(ctx); err != nil || got != remoteTLS {
		t.Fatalf("Resolve() = %v, %v", got, err)
	}

	// A later session where nothing answers falls back to the stored choice.
	down := &fakeProber{reachable: map[broker.Endpoint]bool{}}
	s2 := NewSelector([]broker.Endpoint{localPlain, remoteTLS}, broker.Endpoint{Host: "ignored", Port: 1}, down.probe, store)
	got, err := s2.Resolve(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != remoteTLS {
		t.Errorf("Resolve() with nothing reachable = %v, want stored %v", got, remoteTLS)
	}
}

func TestSelector_BreakerSkipsFailingCandidate(t *testing.T) {
	p := &fakeProber{reachable: map[broker.Endpoint]bool{localTLS: true}}
	s := NewSelector([]broker.Endpoint{localPlain, localTLS}, broker.Endpoint{}, p.probe, nil)
	ctx := context.Background()

	for i := 0; i < breakerTrips; i++ {
		if _, err := s.Resolve(ctx); err != nil {
			t.Fatal(err)
		}
		s.Invalidate()
	}

	p.mu.Lock()
	p.probed = nil
	p.mu.Unlock()
	if _, err := s.Resolve(ctx); err != nil {
		t.Fatal(err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.probed) != 1 || p.probed[0] != localTLS {
		t.Errorf("probed = %v, want only %v once the breaker opened", p.probed, localTLS)
	}
}
