package controlplane

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/schedulercore/internal/dispatch"
	"github.com/basket/schedulercore/internal/events"
	"github.com/basket/schedulercore/internal/runstate"
	"github.com/basket/schedulercore/internal/session"
	"github.com/basket/schedulercore/internal/wire"
)

func newTestWSServer(t *testing.T) (*httptest.Server, *runstate.Engine, *dispatch.Dispatcher) {
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
		AuthToken:  "worker-secret",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, engine, dispatcher
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(context.Background(), wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	env, err := wire.New(msgType, "acme", wire.Sender{Role: wire.RoleWorker, ID: "worker-instance-1"}, payload)
	if err != nil {
		t.Fatalf("build envelope %s: %v", msgType, err)
	}
	if err := wsjson.Write(context.Background(), conn, env); err != nil {
		t.Fatalf("write envelope %s: %v", msgType, err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wire.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var env wire.Envelope
	if err := wsjson.Read(ctx, conn, &env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

func TestHandshakeRegisterAndDispatchRoundTrip(t *testing.T) {
	ts, engine, dispatcher := newTestWSServer(t)
	conn := dial(t, ts)

	sendEnvelope(t, conn, wire.TypeHandshake, wire.HandshakePayload{
		WorkerInstanceID: "worker-instance-1",
		WorkerName:       "worker-a",
		Tenant:           "acme",
		AuthToken:        "worker-secret",
	})
	accept := readEnvelope(t, conn)
	if accept.Type != wire.TypeSessionAccept {
		t.Fatalf("expected %s, got %s", wire.TypeSessionAccept, accept.Type)
	}
	var acceptPayload wire.SessionAcceptPayload
	if err := accept.Decode(&acceptPayload); err != nil {
		t.Fatalf("decode session accept: %v", err)
	}
	if acceptPayload.Resumed {
		t.Fatal("expected a fresh handshake to report resumed=false")
	}
	if acceptPayload.WindowSize <= 0 {
		t.Fatalf("expected a positive window size, got %d", acceptPayload.WindowSize)
	}

	sendEnvelope(t, conn, wire.TypeRegister, wire.RegisterPayload{
		Packages: []wire.PackageVersion{{Name: "echo", Version: "1.0.0"}},
	})
	sendEnvelope(t, conn, wire.TypeHeartbeat, wire.HeartbeatPayload{InflightCount: 0})

	// Give the handshake/register/heartbeat frames a moment to land
	// server-side before bootstrapping a run whose dispatch depends on this
	// worker's session being healthy.
	time.Sleep(50 * time.Millisecond)

	_, ready, _, err := engine.BootstrapRun("run-1", "client-1", "acme", runstate.WorkflowDef{
		Nodes: []runstate.NodeDef{
			{ID: "A", NodeType: "echo", Package: runstate.PackageRef{Name: "echo", Version: "1.0.0"}},
		},
	})
	if err != nil {
		t.Fatalf("BootstrapRun: %v", err)
	}
	dispatcher.Enqueue(ready)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go dispatcher.Run(ctx)

	dispatchEnv := readEnvelope(t, conn)
	if dispatchEnv.Type != wire.TypeExecDispatch {
		t.Fatalf("expected %s, got %s", wire.TypeExecDispatch, dispatchEnv.Type)
	}
	var dispatchPayload wire.DispatchPayload
	if err := dispatchEnv.Decode(&dispatchPayload); err != nil {
		t.Fatalf("decode dispatch payload: %v", err)
	}

	// Acknowledge the dispatch so MarkAcknowledged clears the pending-ack
	// bookkeeping the dispatcher's ack-timeout waiter would otherwise trip.
	ackEnv := wire.Envelope{
		Type:   wire.TypeAck,
		ID:     "ack-1",
		TS:     time.Now().UTC(),
		Tenant: "acme",
		Sender: wire.Sender{Role: wire.RoleWorker, ID: "worker-instance-1"},
		Corr:   dispatchEnv.ID,
	}
	if err := wsjson.Write(context.Background(), conn, ackEnv); err != nil {
		t.Fatalf("write ack: %v", err)
	}

	sendEnvelope(t, conn, wire.TypeExecResult, wire.ResultPayload{
		DispatchID: dispatchPayload.DispatchID,
		RunID:      dispatchPayload.RunID,
		NodeID:     dispatchPayload.NodeID,
		TaskID:     dispatchPayload.TaskID,
		Status:     string(runstate.StatusSucceeded),
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		run, ok := engine.GetRun("run-1")
		if ok && run.Status.IsTerminal() {
			if run.Status != runstate.StatusSucceeded {
				t.Fatalf("expected run to succeed, got %s", run.Status)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for run to finish, last status: %v", run)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestResumeWithWrongTokenIsRejected(t *testing.T) {
	ts, _, _ := newTestWSServer(t)
	conn := dial(t, ts)

	sendEnvelope(t, conn, wire.TypeHandshake, wire.HandshakePayload{
		WorkerInstanceID: "worker-instance-2",
		WorkerName:       "worker-b",
		Tenant:           "acme",
		AuthToken:        "worker-secret",
	})
	accept := readEnvelope(t, conn)
	var acceptPayload wire.SessionAcceptPayload
	if err := accept.Decode(&acceptPayload); err != nil {
		t.Fatalf("decode session accept: %v", err)
	}

	conn2 := dial(t, ts)
	sendEnvelope(t, conn2, wire.TypeResume, wire.ResumePayload{
		SessionID:    acceptPayload.SessionID,
		SessionToken: "wrong-token",
	})
	reset := readEnvelope(t, conn2)
	if reset.Type != wire.TypeReset {
		t.Fatalf("expected %s for a resume with the wrong token, got %s", wire.TypeReset, reset.Type)
	}
}
