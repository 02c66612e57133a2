package api

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-gateway/internal/broker"
	"github.com/nerrad567/gray-logic-gateway/internal/cluster"
)

// Handler builds the router with all routes and middleware.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoveryMiddleware)
	r.Use(s.loggingMiddleware)

	r.Get("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, s.deps.MetricsPath, s.deps.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/peers", func(r chi.Router) {
			r.Get("/", s.handleListPeers)
			r.Get("/{id}", s.handleGetPeer)
		})
		r.Get("/messages/{direction}", s.handleMessages)
	})
	return r
}

// handleHealth returns 200 while the broker session is up and 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"version": s.deps.Version}
	status := http.StatusOK
	if s.deps.Cluster != nil {
		body["gateway_id"] = s.deps.Cluster.GatewayID()
		body["ok_to_publish"] = s.deps.Cluster.OKToPublish()
	}
	if s.deps.Broker != nil {
		state := s.deps.Broker.State()
		body["broker"] = state.String()
		if state != broker.StateConnected {
			status = http.StatusServiceUnavailable
		}
	}
	if status == http.StatusOK {
		body["status"] = "ok"
	} else {
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}

func (s *Server) handleListPeers(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Peers == nil {
		writeJSON(w, http.StatusOK, map[string]any{"peers": []cluster.Peer{}, "count": 0})
		return
	}
	peers := s.deps.Peers.List()
	writeJSON(w, http.StatusOK, map[string]any{"peers": peers, "count": len(peers)})
}

func (s *Server) handleGetPeer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.deps.Peers == nil {
		writeError(w, http.StatusNotFound, "peer not found")
		return
	}
	p, ok := s.deps.Peers.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "peer not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cluster == nil {
		writeError(w, http.StatusServiceUnavailable, "cluster sync not running")
		return
	}

	var entries []cluster.LogEntry
	switch cluster.Direction(chi.URLParam(r, "direction")) {
	case cluster.Inbound:
		entries = s.deps.Cluster.IncomingLog()
	case cluster.Outbound:
		entries = s.deps.Cluster.OutgoingLog()
	default:
		writeError(w, http.StatusBadRequest, `direction must be "in" or "out"`)
		return
	}
	if entries == nil {
		entries = []cluster.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": entries, "count": len(entries)})
}

// ===== Middleware =====

// statusWriter captures the response status for logging.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// recoveryMiddleware catches panics in handlers and returns a 500 response.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered in HTTP handler",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path,
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ===== Responses =====

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := sonic.ConfigStd.Marshal(v)
	if err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // Best-effort write to response; connection may be closed
	w.Write(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"status": status, "error": message})
}
