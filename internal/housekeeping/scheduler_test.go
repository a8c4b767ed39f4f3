package housekeeping

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/basket/schedulercore/internal/runstate"
	"github.com/basket/schedulercore/internal/session"
	"github.com/basket/schedulercore/internal/wire"
)

type fakeTransport struct{}

func (fakeTransport) Send(wire.Envelope) error { return nil }
func (fakeTransport) Close() error             { return nil }

type recordingRouter struct {
	mu  sync.Mutex
	got []runstate.NextResponseDispatch
}

func (r *recordingRouter) RouteNextResponses(nrs []runstate.NextResponseDispatch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, nrs...)
}

func (r *recordingRouter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func middlewareWorkflow() runstate.WorkflowDef {
	return runstate.WorkflowDef{Nodes: []runstate.NodeDef{
		{ID: "H", Middlewares: []string{"M1", "M2"}},
	}}
}

func TestTickReapsExpiredSessions(t *testing.T) {
	logger := slog.Default()
	registry := session.NewRegistry(logger)
	base := time.Now()
	sess := session.New("sess-1", "tok", "inst-1", "worker-a", "acme", fakeTransport{})
	sess.MarkDisconnected(base)
	registry.Add(sess)

	calls := 0
	s := NewScheduler(Config{
		Registry: registry,
		Logger:   logger,
		Interval: time.Hour,
		Now:      func() time.Time { calls++; return base.Add(session.GracePeriod + time.Second) },
	})
	s.tick()

	if _, ok := registry.Get("sess-1"); ok {
		t.Fatal("expected session past its grace period to be reaped")
	}
	if calls == 0 {
		t.Fatal("expected Now to be consulted")
	}
}

func TestTickSweepsExpiredNextRequestsAndRoutesThem(t *testing.T) {
	base := time.Now()
	engine := runstate.NewEngine(func() time.Time { return base })
	_, ready, _, err := engine.BootstrapRun("run-1", "client-1", "acme", middlewareWorkflow())
	if err != nil {
		t.Fatalf("BootstrapRun: %v", err)
	}
	if len(ready) != 1 {
		t.Fatalf("expected one ready dispatch for the outer middleware, got %d", len(ready))
	}
	if _, err := engine.MarkDispatched("run-1", ready[0].TaskID, "worker-a", "d-1", ready[0].Seq, time.Second); err != nil {
		t.Fatalf("MarkDispatched: %v", err)
	}

	refuse, _, _, err := engine.HandleNextRequest(runstate.NextRequestInput{
		RunID:            "run-1",
		RequestID:        "req-1",
		NodeID:           "M1",
		MiddlewareID:     "M1",
		ChainIndex:       0,
		TimeoutMs:        1,
		WorkerInstanceID: "inst-1",
		WorkerName:       "worker-a",
	})
	if err != nil {
		t.Fatalf("HandleNextRequest: %v", err)
	}
	if refuse != "" {
		t.Fatalf("expected next() to be accepted, got refusal %q", refuse)
	}

	router := &recordingRouter{}
	s := NewScheduler(Config{
		Engine:   engine,
		Router:   router,
		Interval: time.Hour,
		Now:      func() time.Time { return base.Add(time.Second) },
	})
	s.tick()

	if router.count() != 1 {
		t.Fatalf("expected exactly one routed timeout response, got %d", router.count())
	}
}

func TestStartStopIsClean(t *testing.T) {
	registry := session.NewRegistry(nil)
	engine := runstate.NewEngine(time.Now)
	s := NewScheduler(Config{Registry: registry, Engine: engine, Interval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	cancel()
	s.Stop()
}
