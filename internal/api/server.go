package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-gateway/internal/broker"
	"github.com/nerrad567/gray-logic-gateway/internal/cluster"
)

const (
	readHeaderTimeout       = 5 * time.Second
	gracefulShutdownTimeout = 5 * time.Second
)

// Logger defines the logging interface used by the server.
type Logger interface {
	Debug(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Error(string, ...any) {}

// Cluster is the view of the sync layer the server reports on.
// *cluster.Sync satisfies it.
type Cluster interface {
	GatewayID() string
	OKToPublish() bool
	IncomingLog() []cluster.LogEntry
	OutgoingLog() []cluster.LogEntry
}

// Peers is the peer directory. *cluster.Directory satisfies it.
type Peers interface {
	List() []cluster.Peer
	Get(gatewayID string) (cluster.Peer, bool)
}

// Broker reports the broker connection state. *broker.Manager satisfies it.
type Broker interface {
	State() broker.State
}

// Deps holds the dependencies required by the server.
type Deps struct {
	Listen      string
	MetricsPath string
	Metrics     http.Handler
	Cluster     Cluster
	Peers       Peers
	Broker      Broker
	Logger      Logger
	Version     string
}

// Server is the diagnostics HTTP server.
type Server struct {
	deps   Deps
	logger Logger
}

// New creates a server. Nothing listens until Serve.
func New(deps Deps) *Server {
	if deps.MetricsPath == "" {
		deps.MetricsPath = "/metrics"
	}
	var logger Logger = noopLogger{}
	if deps.Logger != nil {
		logger = deps.Logger
	}
	return &Server{deps: deps, logger: logger}
}

// Serve listens on the configured address until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.deps.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("diagnostics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down diagnostics server: %w", err)
		}
		return nil
	}
}
