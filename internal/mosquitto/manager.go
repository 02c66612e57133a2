package mosquitto

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-gateway/internal/process"
)

const (
	// readyTimeout bounds the wait for the plain listener after start.
	readyTimeout = 15 * time.Second

	// readyPollInterval is how often the listener is probed while starting.
	readyPollInterval = 200 * time.Millisecond

	// dialTimeout bounds one TCP probe.
	dialTimeout = 2 * time.Second
)

// HealthError is a failed health check. Recoverable failures let the
// supervisor restart the broker.
type HealthError struct {
	Check       string
	Recoverable bool
	Err         error
}

func (e *HealthError) Error() string {
	return fmt.Sprintf("mosquitto %s check failed: %v", e.Check, e.Err)
}

func (e *HealthError) Unwrap() error { return e.Err }

// IsRecoverable implements process.RecoverableError.
func (e *HealthError) IsRecoverable() bool { return e.Recoverable }

// Logger defines the logging interface for the broker supervisor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Metrics receives supervisor events.
type Metrics interface {
	IncMosquittoRestarts()
}

type noopMetrics struct{}

func (noopMetrics) IncMosquittoRestarts() {}

// Manager renders the broker config and supervises the mosquitto process
// on a master gateway.
type Manager struct {
	cfg      config.MosquittoConfig
	settings Settings
	process  *process.Manager
	logger   Logger
	metrics  Metrics
}

// NewManager validates cfg and returns a Manager. Nothing starts until
// Start.
func NewManager(cfg config.MosquittoConfig) (*Manager, error) {
	if cfg.Managed && cfg.Binary == "" {
		return nil, fmt.Errorf("%w: binary is required", ErrInvalidConfig)
	}
	if cfg.Managed && cfg.ConfigFile == "" {
		return nil, fmt.Errorf("%w: config_file is required", ErrInvalidConfig)
	}
	s := SettingsFrom(cfg)
	if cfg.Managed {
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}
	return &Manager{
		cfg:      cfg,
		settings: s,
		logger:   noopLogger{},
		metrics:  noopMetrics{},
	}, nil
}

// SetLogger sets the logger for the manager and its process supervisor.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// SetMetrics sets the restart counter sink.
func (m *Manager) SetMetrics(metrics Metrics) {
	m.metrics = metrics
}

// IsManaged reports whether this gateway supervises the broker.
func (m *Manager) IsManaged() bool {
	return m.cfg.Managed
}

// Start writes the config, launches mosquitto and blocks until the plain
// listener accepts connections. It is a no-op when not managed.
func (m *Manager) Start(ctx context.Context) error {
	if !m.cfg.Managed {
		m.logger.Info("mosquitto management disabled, expecting external broker")
		return nil
	}

	if _, err := WriteConfig(m.cfg.ConfigFile, m.settings); err != nil {
		return err
	}

	m.process = process.NewManager(process.Config{
		Name:                "mosquitto",
		Binary:              m.cfg.Binary,
		Args:                []string{"-c", m.cfg.ConfigFile},
		RestartOnFailure:    m.cfg.RestartOnFailure,
		RestartDelay:        m.cfg.RestartDelay,
		MaxRestartAttempts:  m.cfg.MaxRestartAttempts,
		HealthCheckInterval: m.cfg.HealthCheckInterval,
		HealthCheckFunc:     m.HealthCheck,
		OnStop: func(err error) {
			if err != nil {
				m.logger.Warn("mosquitto stopped", "error", err)
			}
		},
		OnRestart: func(attempt int) {
			m.metrics.IncMosquittoRestarts()
			m.logger.Info("mosquitto restarting", "attempt", attempt)
		},
	})
	m.process.SetLogger(m.logger)

	if err := m.process.Start(ctx); err != nil {
		return fmt.Errorf("starting mosquitto: %w", err)
	}
	if err := m.waitForReady(ctx); err != nil {
		if stopErr := m.process.Stop(); stopErr != nil {
			m.logger.Warn("error stopping mosquitto after failed readiness check", "error", stopErr)
		}
		return fmt.Errorf("mosquitto failed to become ready: %w", err)
	}

	m.logger.Info("mosquitto ready",
		"pid", m.process.PID(),
		"listen_port", m.cfg.ListenPort,
		"listen_port_tls", m.cfg.ListenPortTLS,
	)
	return nil
}

func (m *Manager) listenAddr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(m.cfg.ListenPort))
}

func (m *Manager) waitForReady(ctx context.Context) error {
	deadline := time.Now().Add(readyTimeout)
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		if !m.process.IsRunning() {
			if err := m.process.LastError(); err != nil {
				return fmt.Errorf("mosquitto exited: %w", err)
			}
			return errors.New("mosquitto exited unexpectedly")
		}
		if err := probe(ctx, m.listenAddr()); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for %s after %v", m.listenAddr(), readyTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Reload re-renders the config and sends SIGHUP if it changed.
func (m *Manager) Reload() error {
	if !m.cfg.Managed || m.process == nil {
		return nil
	}
	changed, err := WriteConfig(m.cfg.ConfigFile, m.settings)
	if err != nil || !changed {
		return err
	}
	m.logger.Info("mosquitto config changed, reloading")
	return m.process.Signal(syscall.SIGHUP)
}

// Stop stops the broker. It is a no-op when not managed.
func (m *Manager) Stop() error {
	if !m.cfg.Managed || m.process == nil {
		return nil
	}
	m.logger.Info("stopping mosquitto")
	return m.process.Stop()
}

// IsRunning reports whether the supervised broker is running. An
// unmanaged broker is assumed to be running.
func (m *Manager) IsRunning() bool {
	if !m.cfg.Managed {
		return true
	}
	return m.process != nil && m.process.IsRunning()
}

// HealthCheck checks the process state, then that the plain listener
// accepts connections.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if m.process != nil {
		if pid := m.process.PID(); pid > 0 {
			if err := checkProcessState(pid); err != nil {
				return &HealthError{Check: "process", Recoverable: true, Err: err}
			}
		}
	}
	if err := probe(ctx, m.listenAddr()); err != nil {
		return &HealthError{Check: "listener", Recoverable: true, Err: err}
	}
	return nil
}

func probe(ctx context.Context, addr string) error {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// checkProcessState reads /proc/<pid>/stat and fails for stopped, zombie
// and dead processes.
func checkProcessState(pid int) error {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return fmt.Errorf("cannot read process state: %w", err)
	}
	return parseProcState(string(data))
}

// parseProcState extracts the state field that follows "(comm)".
func parseProcState(stat string) error {
	i := strings.LastIndex(stat, ")")
	if i == -1 || i+2 >= len(stat) {
		return errors.New("invalid /proc stat format")
	}
	fields := strings.Fields(stat[i+2:])
	if len(fields) == 0 {
		return errors.New("invalid /proc stat format: no state field")
	}

	switch state := fields[0]; state {
	case "T", "t":
		return fmt.Errorf("process is stopped (state=%s)", state)
	case "Z":
		return fmt.Errorf("process is zombie (state=%s)", state)
	case "X", "x":
		return fmt.Errorf("process is dead (state=%s)", state)
	default:
		return nil
	}
}
