package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/basket/schedulercore/internal/contracts"
	"github.com/basket/schedulercore/internal/resources"
	"github.com/basket/schedulercore/internal/runstate"
	"github.com/basket/schedulercore/internal/session"
	"github.com/basket/schedulercore/internal/wire"
)

type fakeTransport struct {
	mu  sync.Mutex
	out []wire.Envelope
}

func (f *fakeTransport) Send(env wire.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, env)
	return nil
}
func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) sent() []wire.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.Envelope, len(f.out))
	copy(out, f.out)
	return out
}

type collectingPublisher struct {
	mu   sync.Mutex
	pubs []runstate.Publication
}

func (c *collectingPublisher) Publish(pubs []runstate.Publication) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pubs = append(c.pubs, pubs...)
}

func newHealthyWorker(registry *session.Registry, name string, pkg string) *fakeTransport {
	tr := &fakeTransport{}
	s := session.New("sess-"+name, "tok", "inst-"+name, name, "acme", tr)
	s.Register([]wire.PackageVersion{{Name: pkg, Version: "1.0.0"}})
	s.RecordHeartbeat(wire.HeartbeatPayload{InflightCount: 0}, time.Now())
	registry.Add(s)
	return tr
}

func TestDispatcherSendsDispatchEnvelopeToEligibleWorker(t *testing.T) {
	logger := slog.Default()
	registry := session.NewRegistry(logger)
	tr := newHealthyWorker(registry, "w1", "echo")

	engine := runstate.NewEngine(time.Now)
	_, ready, _, err := engine.BootstrapRun("run-1", "client-1", "acme", runstate.WorkflowDef{
		Nodes: []runstate.NodeDef{{ID: "A", NodeType: "echo", Package: runstate.PackageRef{Name: "echo", Version: "1.0.0"}}},
	})
	if err != nil {
		t.Fatalf("BootstrapRun: %v", err)
	}

	pub := &collectingPublisher{}
	cfg := DefaultConfig()
	cfg.AckTimeout = 50 * time.Millisecond
	d := New(cfg, engine, registry, pub, nil, logger, nil)
	d.Enqueue(ready)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for len(tr.sent()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	sent := tr.sent()
	if len(sent) != 1 {
		t.Fatalf("expected exactly one dispatch envelope sent, got %d", len(sent))
	}
	if sent[0].Type != wire.TypeExecDispatch {
		t.Fatalf("expected %s envelope, got %s", wire.TypeExecDispatch, sent[0].Type)
	}
	var payload wire.DispatchPayload
	if err := sent[0].Decode(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.TaskID != "A" {
		t.Fatalf("expected taskId A, got %s", payload.TaskID)
	}

	run, _ := engine.GetRun("run-1")
	if run.TaskIndex["A"].Status != runstate.StatusRunning {
		t.Fatalf("expected node A marked running after dispatch, got %s", run.TaskIndex["A"].Status)
	}
	if payload.DispatchID == "" {
		t.Fatal("expected DispatchPayload.DispatchID to be populated")
	}
	if payload.DispatchID != sent[0].ID {
		t.Fatalf("expected envelope id and payload dispatchId to match, got %s vs %s", sent[0].ID, payload.DispatchID)
	}
	if run.TaskIndex["A"].DispatchID != payload.DispatchID {
		t.Fatalf("expected engine-tracked dispatchId to match the sent payload, got %s vs %s", run.TaskIndex["A"].DispatchID, payload.DispatchID)
	}
}

func TestDispatcherRetriesWhenNoEligibleWorker(t *testing.T) {
	logger := slog.Default()
	registry := session.NewRegistry(logger) // no workers registered

	engine := runstate.NewEngine(time.Now)
	_, ready, _, _ := engine.BootstrapRun("run-2", "client-1", "acme", runstate.WorkflowDef{
		Nodes: []runstate.NodeDef{{ID: "A", NodeType: "echo", Package: runstate.PackageRef{Name: "echo", Version: "1.0.0"}}},
	})

	pub := &collectingPublisher{}
	cfg := DefaultConfig()
	cfg.MaxAttempts = 2
	cfg.BaseRetryDelay = 10 * time.Millisecond
	cfg.MaxRetryDelay = 20 * time.Millisecond
	d := New(cfg, engine, registry, pub, nil, logger, nil)
	d.Enqueue(ready)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	defer cancel()

	deadline := time.Now().Add(2 * time.Second)
	for {
		run, _ := engine.GetRun("run-2")
		if run.Status == runstate.StatusFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected run to fail with E.DISPATCH.UNAVAILABLE after exhausting retries, got status %s", run.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	run, _ := engine.GetRun("run-2")
	if run.Error == nil || run.Error.Code != "E.DISPATCH.UNAVAILABLE" {
		t.Fatalf("expected E.DISPATCH.UNAVAILABLE error, got %+v", run.Error)
	}
}

func TestDispatcherResolvesResourceBindingsIntoDispatchInput(t *testing.T) {
	logger := slog.Default()
	registry := session.NewRegistry(logger)
	tr := newHealthyWorker(registry, "w1", "echo")

	engine := runstate.NewEngine(time.Now)
	_, ready, _, err := engine.BootstrapRun("run-4", "client-1", "acme", runstate.WorkflowDef{
		Nodes: []runstate.NodeDef{{ID: "A", NodeType: "echo", Package: runstate.PackageRef{Name: "echo", Version: "1.0.0"}}},
	})
	if err != nil {
		t.Fatalf("BootstrapRun: %v", err)
	}

	catalog := contracts.NewInMemoryPackageCatalog()
	catalog.Register(contracts.PackageManifest{
		Name:    "echo",
		Version: "1.0.0",
		Resources: []contracts.ResourceRequirement{
			{Key: "apiToken", Type: "secret", Required: true},
		},
	})
	grants := contracts.NewInMemoryResourceGrantStore()
	grants.Register(contracts.ResourceGrant{ResourceID: "res-1", ResourceKey: "apiToken", ResourceType: "secret", PackageName: "echo", CreatedAt: 1})
	provider := contracts.NewInMemoryResourceProvider()
	provider.Put("res-1", []byte("sk-test-999"), contracts.ResourceMetadata{ResourceID: "res-1", SizeBytes: 11})
	resolver := resources.New(catalog, grants, provider, 0, logger)

	pub := &collectingPublisher{}
	cfg := DefaultConfig()
	cfg.AckTimeout = 50 * time.Millisecond
	d := New(cfg, engine, registry, pub, resolver, logger, nil)
	d.Enqueue(ready)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for len(tr.sent()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	sent := tr.sent()
	if len(sent) != 1 {
		t.Fatalf("expected exactly one dispatch envelope sent, got %d", len(sent))
	}
	var payload wire.DispatchPayload
	if err := sent[0].Decode(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if len(payload.Input) == 0 {
		t.Fatalf("expected resolved parameters in dispatch input, got none")
	}
	var input map[string]any
	if err := json.Unmarshal(payload.Input, &input); err != nil {
		t.Fatalf("unmarshal input: %v", err)
	}
	bindings, ok := input["__resourceBindings"].(map[string]any)
	if !ok {
		t.Fatalf("expected __resourceBindings in input, got %#v", input)
	}
	binding, ok := bindings["apiToken"].(map[string]any)
	if !ok || binding["value"] != "sk-test-999" {
		t.Fatalf("expected inline apiToken binding with resolved value, got %#v", bindings["apiToken"])
	}
}

func TestBackoffCapsAtMaxRetryDelay(t *testing.T) {
	d := &Dispatcher{cfg: Config{BaseRetryDelay: time.Second, MaxRetryDelay: 5 * time.Second}}
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, c := range cases {
		if got := d.backoff(c.attempts); got != c.want {
			t.Errorf("backoff(%d) = %v, want %v", c.attempts, got, c.want)
		}
	}
}
