package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scheduler.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndGetWorkerInstance(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	wi := WorkerInstance{
		WorkerInstanceID: "worker-instance-1",
		WorkerName:       "worker-a",
		Tenant:           "acme",
		SessionID:        "sess-1",
		SessionToken:     "tok-1",
		UpdatedAt:        time.Now().UTC(),
	}
	if err := s.UpsertWorkerInstance(ctx, wi); err != nil {
		t.Fatalf("UpsertWorkerInstance: %v", err)
	}

	got, ok, err := s.GetWorkerInstance(ctx, "worker-instance-1")
	if err != nil {
		t.Fatalf("GetWorkerInstance: %v", err)
	}
	if !ok {
		t.Fatal("expected worker instance to be found")
	}
	if got.SessionID != "sess-1" || got.SessionToken != "tok-1" {
		t.Fatalf("unexpected worker instance: %+v", got)
	}
}

func TestUpsertWorkerInstanceOverwritesOnResume(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := WorkerInstance{WorkerInstanceID: "worker-instance-1", WorkerName: "worker-a", Tenant: "acme", SessionID: "sess-1", SessionToken: "tok-1", UpdatedAt: time.Now().UTC()}
	if err := s.UpsertWorkerInstance(ctx, first); err != nil {
		t.Fatalf("UpsertWorkerInstance first: %v", err)
	}

	second := first
	second.SessionID = "sess-2"
	second.SessionToken = "tok-2"
	second.UpdatedAt = first.UpdatedAt.Add(time.Minute)
	if err := s.UpsertWorkerInstance(ctx, second); err != nil {
		t.Fatalf("UpsertWorkerInstance second: %v", err)
	}

	got, ok, err := s.GetWorkerInstance(ctx, "worker-instance-1")
	if err != nil || !ok {
		t.Fatalf("GetWorkerInstance: ok=%v err=%v", ok, err)
	}
	if got.SessionID != "sess-2" {
		t.Fatalf("expected resume to overwrite session id, got %q", got.SessionID)
	}
}

func TestGetWorkerInstanceNotFound(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.GetWorkerInstance(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetWorkerInstance: %v", err)
	}
	if ok {
		t.Fatal("expected not found")
	}
}

func TestDeleteWorkerInstance(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	wi := WorkerInstance{WorkerInstanceID: "worker-instance-1", WorkerName: "worker-a", Tenant: "acme", SessionID: "sess-1", SessionToken: "tok-1", UpdatedAt: time.Now().UTC()}
	if err := s.UpsertWorkerInstance(ctx, wi); err != nil {
		t.Fatalf("UpsertWorkerInstance: %v", err)
	}
	if err := s.DeleteWorkerInstance(ctx, "worker-instance-1"); err != nil {
		t.Fatalf("DeleteWorkerInstance: %v", err)
	}
	_, ok, err := s.GetWorkerInstance(ctx, "worker-instance-1")
	if err != nil {
		t.Fatalf("GetWorkerInstance: %v", err)
	}
	if ok {
		t.Fatal("expected worker instance to be gone after delete")
	}
}

func TestOpenTwiceReusesExistingSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler.db")
	s1, err := Open(path)
	if err != nil {
		t.Fatalf("Open first: %v", err)
	}
	if err := s1.UpsertWorkerInstance(context.Background(), WorkerInstance{
		WorkerInstanceID: "worker-instance-1", WorkerName: "worker-a", Tenant: "acme",
		SessionID: "sess-1", SessionToken: "tok-1", UpdatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("UpsertWorkerInstance: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("Open second: %v", err)
	}
	defer s2.Close()
	_, ok, err := s2.GetWorkerInstance(context.Background(), "worker-instance-1")
	if err != nil {
		t.Fatalf("GetWorkerInstance: %v", err)
	}
	if !ok {
		t.Fatal("expected worker instance persisted across reopen")
	}
}
