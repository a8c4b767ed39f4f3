// Package controlplane accepts worker WebSocket connections, drives the
// per-connection session state machine, and routes business frames into
// the run state engine and dispatcher. It also answers the ambient
// /healthz and /metrics ops endpoints.
package controlplane

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/basket/schedulercore/internal/dispatch"
	"github.com/basket/schedulercore/internal/events"
	"github.com/basket/schedulercore/internal/resources"
	"github.com/basket/schedulercore/internal/runstate"
	"github.com/basket/schedulercore/internal/session"
	"github.com/basket/schedulercore/internal/wire"
)

// WorkerIdentityStore is the durable worker-instance identity index a
// Server consults on handshake/resume so a control.resume still resolves
// after a scheduler restart has emptied the in-memory session registry.
// internal/storage.Store implements this.
type WorkerIdentityStore interface {
	UpsertWorkerInstance(ctx context.Context, wi StoredWorkerInstance) error
	GetWorkerInstanceBySession(ctx context.Context, sessionID string) (StoredWorkerInstance, bool, error)
	DeleteWorkerInstance(ctx context.Context, workerInstanceID string) error
}

// StoredWorkerInstance is the durable identity record exchanged with a
// WorkerIdentityStore, mirroring internal/storage.WorkerInstance without
// this package importing the storage package's SQLite-specific internals.
type StoredWorkerInstance struct {
	WorkerInstanceID string
	WorkerName       string
	Tenant           string
	SessionID        string
	SessionToken     string
	UpdatedAt        time.Time
}

// Config wires a Server to the rest of the process.
type Config struct {
	Engine     *runstate.Engine
	Registry   *session.Registry
	Dispatcher *dispatch.Dispatcher
	Emitter    *events.Emitter
	Resolver   *resources.Resolver // may be nil

	// Identity is the durable worker-instance index. Nil disables
	// across-restart resume; handshake/resume still work in-process.
	Identity WorkerIdentityStore

	// AuthToken is the shared bearer secret every worker connection (and
	// every /metrics scrape) must present. Empty disables the handshake
	// check, for local development only; /metrics then rejects every
	// request.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for the WebSocket
	// upgrade. Empty means same-origin only.
	AllowOrigins []string

	// WindowSize is the sliding-window credit size handed to every new
	// session. 0 means window.DefaultSize.
	WindowSize int

	Logger *slog.Logger
	Now    func() time.Time
}

// Server owns the WebSocket listener, the worker session registry, and the
// business-frame router.
type Server struct {
	cfg       Config
	validator *wire.Validator
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Server. Returns an error only if the built-in envelope
// schema set fails to compile, which indicates a programming error rather
// than bad runtime input.
func New(cfg Config) (*Server, error) {
	v, err := wire.NewValidator()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Server{cfg: cfg, validator: v, logger: logger, now: now}, nil
}

// Handler returns the HTTP surface: the WebSocket upgrade endpoint plus
// ambient health/metrics ops tooling.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return mux
}

// handleHealthz reports process liveness: not worker-session health (that's
// /metrics), just whether this process can still serve connections.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"healthy": true})
}

// handleMetrics is a minimal JSON summary of queue/session health, per
// SPEC_FULL.md's "/metrics (Prometheus text format ... out of scope; a
// minimal JSON summary is exposed instead)".
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	snaps := s.cfg.Registry.Snapshots()
	var connected, healthy int
	for _, snap := range snaps {
		if snap.Connected {
			connected++
		}
		if snap.Healthy(s.now(), 30*time.Second) {
			healthy++
		}
	}
	var runsRunning, runsTerminal int
	for _, run := range s.cfg.Engine.ListRuns() {
		if run.Status.IsTerminal() {
			runsTerminal++
		} else {
			runsRunning++
		}
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"sessions_total":     len(snaps),
		"sessions_connected": connected,
		"sessions_healthy":   healthy,
		"runs_running":       runsRunning,
		"runs_terminal":      runsTerminal,
		"alloc_bytes":        mem.Alloc,
	})
}

// authorize checks the bearer token on an HTTP request against the shared
// secret. Used for /metrics; the WebSocket upgrade itself is additionally
// gated by the control.handshake payload's own authToken field.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	return bearerToken(r) == s.cfg.AuthToken
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return ""
	}
	return h[len(prefix):]
}

// RouteNextResponses delivers each resolved middleware next() response to
// the worker session that originated the corresponding next.request,
// silently dropping any whose worker has since disconnected beyond its
// grace period (there is no one left to notify).
func (s *Server) RouteNextResponses(nrs []runstate.NextResponseDispatch) {
	for _, nr := range nrs {
		sess, ok := s.cfg.Registry.GetByWorkerInstance(nr.WorkerInstanceID)
		if !ok {
			s.logger.Warn("controlplane: no session to route next.response to", "worker_instance_id", nr.WorkerInstanceID, "request_id", nr.RequestID)
			continue
		}
		payload := wire.NextResponsePayload{RequestID: nr.RequestID}
		if nr.Error != nil {
			payload.Refused = true
			payload.RefuseCode = nr.Error.Code
		} else if nr.Result != nil {
			raw, err := json.Marshal(nr.Result)
			if err != nil {
				s.logger.Warn("controlplane: marshal next.response result", "request_id", nr.RequestID, "error", err)
				continue
			}
			payload.Response = raw
		}
		env, err := wire.New(wire.TypeExecNextResponse, sess.Snapshot().Tenant, wire.Sender{Role: wire.RoleScheduler, ID: "scheduler"}, payload)
		if err != nil {
			s.logger.Warn("controlplane: build next.response envelope", "request_id", nr.RequestID, "error", err)
			continue
		}
		if err := sess.Send(env); err != nil {
			s.logger.Warn("controlplane: send next.response", "request_id", nr.RequestID, "error", err)
		}
	}
}

// Drain requests every session registered under workerName stop accepting
// new dispatches, without disturbing in-flight work. Matches §9's resolved
// open question: drain filters worker *selection* only.
func (s *Server) Drain(workerName, reason string) {
	now := s.now()
	for _, sess := range s.cfg.Registry.ByWorkerName(workerName) {
		sess.RequestDrain(now)
		env, err := wire.New(wire.TypeDrain, sess.Snapshot().Tenant, wire.Sender{Role: wire.RoleScheduler, ID: "scheduler"}, wire.DrainPayload{Reason: reason})
		if err != nil {
			s.logger.Warn("controlplane: build drain envelope", "worker", workerName, "error", err)
			continue
		}
		if err := sess.Send(env); err != nil {
			s.logger.Warn("controlplane: send drain", "worker", workerName, "error", err)
		}
	}
}
