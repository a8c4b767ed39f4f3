package session

import (
	"testing"
	"time"

	"github.com/basket/schedulercore/internal/wire"
)

type fakeTransport struct {
	sent   []wire.Envelope
	closed bool
}

func (f *fakeTransport) Send(env wire.Envelope) error {
	f.sent = append(f.sent, env)
	return nil
}
func (f *fakeTransport) Close() error { f.closed = true; return nil }

func TestSessionLifecycle(t *testing.T) {
	tr := &fakeTransport{}
	s := New("sess-1", "tok-1", "wi-1", "worker-a", "acme", tr)
	if s.State() != StateNew {
		t.Fatalf("expected StateNew, got %s", s.State())
	}
	s.Register([]wire.PackageVersion{{Name: "echo", Version: "1.0.0"}})
	if s.State() != StateRegistered {
		t.Fatalf("expected StateRegistered after Register, got %s", s.State())
	}

	now := time.Now()
	s.RecordHeartbeat(wire.HeartbeatPayload{InflightCount: 2}, now)
	if s.State() != StateHeartbeating {
		t.Fatalf("expected StateHeartbeating after heartbeat, got %s", s.State())
	}

	snap := s.Snapshot()
	if !snap.SupportsPackage("echo") {
		t.Fatal("expected snapshot to report echo package support")
	}
	if !snap.Healthy(now, 30*time.Second) {
		t.Fatal("expected fresh heartbeat session to be healthy")
	}
}

func TestSessionDisconnectAndResume(t *testing.T) {
	tr := &fakeTransport{}
	s := New("sess-2", "tok-2", "wi-2", "worker-b", "acme", tr)
	s.Register(nil)
	now := time.Now()
	s.MarkDisconnected(now)
	if s.State() != StateBackoff {
		t.Fatalf("expected StateBackoff, got %s", s.State())
	}
	if err := s.Send(wire.Envelope{Type: wire.TypeHeartbeat}); err == nil {
		t.Fatal("expected send to fail with no transport")
	}
	if s.ExpiredAt(now.Add(GracePeriod + time.Second)) != true {
		t.Fatal("expected session to be expired after grace period elapses")
	}
	if s.ExpiredAt(now.Add(time.Second)) != false {
		t.Fatal("expected session to not be expired within grace period")
	}

	tr2 := &fakeTransport{}
	s.Reattach(tr2)
	if s.State() != StateRegistered {
		t.Fatalf("expected StateRegistered after reattach, got %s", s.State())
	}
	if err := s.Send(wire.Envelope{Type: wire.TypeHeartbeat}); err != nil {
		t.Fatalf("expected send to succeed after reattach, got %v", err)
	}
}

func TestSnapshotUnhealthyWhenDraining(t *testing.T) {
	tr := &fakeTransport{}
	s := New("sess-3", "tok-3", "wi-3", "worker-c", "acme", tr)
	s.Register(nil)
	s.RecordHeartbeat(wire.HeartbeatPayload{}, time.Now())
	s.RequestDrain(time.Now())
	snap := s.Snapshot()
	if snap.Healthy(time.Now(), 30*time.Second) {
		t.Fatal("expected draining session to be unhealthy for new selection")
	}
}

func TestSendAdmitsBusinessFramesThroughSendWindowButNotControlFrames(t *testing.T) {
	tr := &fakeTransport{}
	s := New("sess-6", "tok-6", "wi-6", "worker-f", "acme", tr)
	s.Register(nil)

	if err := s.Send(wire.Envelope{Type: wire.TypeHeartbeat}); err != nil {
		t.Fatalf("control frame send: %v", err)
	}
	if tr.sent[0].SessionSeq != 0 {
		t.Fatalf("expected control frame to bypass the send window, got sessionSeq %d", tr.sent[0].SessionSeq)
	}

	if err := s.Send(wire.Envelope{Type: wire.TypeExecDispatch}); err != nil {
		t.Fatalf("business frame send: %v", err)
	}
	if tr.sent[1].SessionSeq != 1 {
		t.Fatalf("expected first business frame to get sessionSeq 1, got %d", tr.sent[1].SessionSeq)
	}
	if s.InFlightSendCount() != 1 {
		t.Fatalf("expected 1 in-flight business frame, got %d", s.InFlightSendCount())
	}

	s.AckSend(1, 0)
	if s.InFlightSendCount() != 0 {
		t.Fatalf("expected ack to retire the in-flight frame, got %d", s.InFlightSendCount())
	}
}

func TestAcceptRecvRejectsDuplicateSequence(t *testing.T) {
	tr := &fakeTransport{}
	s := New("sess-7", "tok-7", "wi-7", "worker-g", "acme", tr)

	ok, _ := s.AcceptRecv(1)
	if !ok {
		t.Fatal("expected first frame at seq 1 to be accepted")
	}
	ok, reason := s.AcceptRecv(1)
	if ok || reason != "duplicate" {
		t.Fatalf("expected duplicate rejection, got ok=%v reason=%s", ok, reason)
	}

	ackSeq, _, recvWindow := s.RecvAckState()
	if ackSeq != 1 {
		t.Fatalf("expected ackSeq 1, got %d", ackSeq)
	}
	if recvWindow <= 0 {
		t.Fatalf("expected positive recv window credit, got %d", recvWindow)
	}
}

func TestTrackDispatchResolvesAndClearsOnce(t *testing.T) {
	s := New("sess-8", "tok-8", "wi-8", "worker-h", "acme", &fakeTransport{})
	s.TrackDispatch("dispatch-1", "run-1", "task-1")

	runID, taskID, ok := s.ResolveDispatch("dispatch-1")
	if !ok || runID != "run-1" || taskID != "task-1" {
		t.Fatalf("expected resolved (run-1, task-1), got (%s, %s, %v)", runID, taskID, ok)
	}

	if _, _, ok := s.ResolveDispatch("dispatch-1"); ok {
		t.Fatal("expected second resolve of the same dispatchId to miss")
	}
}

func TestRegistryAddGetRemove(t *testing.T) {
	r := NewRegistry(nil)
	s := New("sess-4", "tok-4", "wi-4", "worker-d", "acme", &fakeTransport{})
	r.Add(s)
	got, ok := r.Get("sess-4")
	if !ok || got != s {
		t.Fatal("expected to find registered session")
	}
	if len(r.Snapshots()) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(r.Snapshots()))
	}
	r.Remove("sess-4")
	if _, ok := r.Get("sess-4"); ok {
		t.Fatal("expected session to be removed")
	}
}

func TestRegistryReapExpired(t *testing.T) {
	r := NewRegistry(nil)
	s := New("sess-5", "tok-5", "wi-5", "worker-e", "acme", &fakeTransport{})
	r.Add(s)
	now := time.Now()
	s.MarkDisconnected(now)

	reaped := r.ReapExpired(now.Add(time.Second))
	if len(reaped) != 0 {
		t.Fatalf("expected no reaps within grace period, got %d", len(reaped))
	}
	reaped = r.ReapExpired(now.Add(GracePeriod + time.Second))
	if len(reaped) != 1 {
		t.Fatalf("expected 1 reap after grace period, got %d", len(reaped))
	}
	if _, ok := r.Get("sess-5"); ok {
		t.Fatal("expected session to be removed from registry after reap")
	}
}
