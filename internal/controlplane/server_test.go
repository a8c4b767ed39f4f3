package controlplane

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/schedulercore/internal/dispatch"
	"github.com/basket/schedulercore/internal/events"
	"github.com/basket/schedulercore/internal/runstate"
	"github.com/basket/schedulercore/internal/session"
	"github.com/basket/schedulercore/internal/wire"
)

type capturingTransport struct {
	sent []wire.Envelope
}

func (c *capturingTransport) Send(env wire.Envelope) error {
	c.sent = append(c.sent, env)
	return nil
}
func (c *capturingTransport) Close() error { return nil }

func newTestServer(t *testing.T) (*Server, *session.Registry) {
	t.Helper()
	engine := runstate.NewEngine(time.Now)
	registry := session.NewRegistry(nil)
	bus := events.NewBus(nil)
	emitter := events.NewEmitter(bus, time.Now)
	dispatcher := dispatch.New(dispatch.DefaultConfig(), engine, registry, emitter, nil, nil, nil)

	srv, err := New(Config{
		Engine:     engine,
		Registry:   registry,
		Dispatcher: dispatcher,
		Emitter:    emitter,
		AuthToken:  "secret-token",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv, registry
}

func TestHandleHealthzReportsHealthy(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["healthy"] != true {
		t.Fatalf("expected healthy=true, got %v", body["healthy"])
	}
}

func TestHandleMetricsRequiresBearerToken(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer token, got %d", w.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req2.Header.Set("Authorization", "Bearer secret-token")
	w2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("expected 200 with correct bearer token, got %d", w2.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w2.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if _, ok := body["sessions_total"]; !ok {
		t.Fatal("expected sessions_total in metrics summary")
	}
}

func TestRouteNextResponsesDeliversToOriginatingWorker(t *testing.T) {
	srv, registry := newTestServer(t)

	tr := &capturingTransport{}
	sess := session.New("sess-1", "tok-1", "wi-1", "worker-a", "acme", tr)
	sess.SetState(session.StateRegistered)
	registry.Add(sess)

	srv.RouteNextResponses([]runstate.NextResponseDispatch{
		{WorkerInstanceID: "wi-1", RequestID: "req-1", Result: map[string]any{"ok": true}},
	})

	if len(tr.sent) != 1 {
		t.Fatalf("expected 1 envelope sent, got %d", len(tr.sent))
	}
	if tr.sent[0].Type != wire.TypeExecNextResponse {
		t.Fatalf("expected %s, got %s", wire.TypeExecNextResponse, tr.sent[0].Type)
	}
	var payload wire.NextResponsePayload
	if err := tr.sent[0].Decode(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.RequestID != "req-1" {
		t.Fatalf("expected requestId req-1, got %s", payload.RequestID)
	}
	if payload.Refused {
		t.Fatal("expected a successful result to not be marked refused")
	}
}

func TestRouteNextResponsesSkipsUnknownWorkerInstance(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.RouteNextResponses([]runstate.NextResponseDispatch{
		{WorkerInstanceID: "missing", RequestID: "req-1", Result: map[string]any{"ok": true}},
	})
	// No panic, no session to deliver to: nothing else to assert.
}

func TestDrainSendsDrainFrameToEveryWorkerSession(t *testing.T) {
	srv, registry := newTestServer(t)

	tr := &capturingTransport{}
	sess := session.New("sess-1", "tok-1", "wi-1", "worker-a", "acme", tr)
	sess.SetState(session.StateRegistered)
	registry.Add(sess)

	srv.Drain("worker-a", "maintenance")

	if !sess.Snapshot().DrainRequested {
		t.Fatal("expected session to be marked drain-requested")
	}
	if len(tr.sent) != 1 || tr.sent[0].Type != wire.TypeDrain {
		t.Fatalf("expected one control.drain envelope, got %+v", tr.sent)
	}
}
