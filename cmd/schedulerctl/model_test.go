package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

func TestView_DisplaysSessionAndRunCounts(t *testing.T) {
	m := model{
		target:    "http://127.0.0.1:8080",
		connected: true,
		snap: snapshot{
			SessionsTotal:     4,
			SessionsConnected: 3,
			SessionsHealthy:   3,
			RunsRunning:       2,
			RunsTerminal:      9,
			AllocBytes:        2 * 1024 * 1024,
		},
	}
	view := m.View()

	for _, want := range []string{
		"Sessions total: 4",
		"3 / 3",
		"Runs running: 2",
		"Runs terminal: 9",
		"2.0 MiB",
	} {
		if !strings.Contains(view, want) {
			t.Errorf("expected view to contain %q, got:\n%s", want, view)
		}
	}
}

func TestView_ShowsLastErrorWhenDisconnected(t *testing.T) {
	m := model{connected: false, lastErr: "connection refused"}
	view := m.View()
	if !strings.Contains(view, "disconnected") {
		t.Errorf("expected disconnected status, got:\n%s", view)
	}
	if !strings.Contains(view, "connection refused") {
		t.Errorf("expected last error to be rendered, got:\n%s", view)
	}
}

func TestUpdate_QuitsOnQ(t *testing.T) {
	m := newModel(newClient("http://127.0.0.1:8080", ""), "http://127.0.0.1:8080", time.Second)
	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if updated == nil {
		t.Fatal("expected non-nil model after Update")
	}
	if cmd == nil {
		t.Fatal("expected a quit command on 'q'")
	}
}

func TestUpdate_SnapshotMsgAppliesAndClearsError(t *testing.T) {
	m := newModel(newClient("http://127.0.0.1:8080", ""), "http://127.0.0.1:8080", time.Second)
	m.lastErr = "stale"

	updated, _ := m.Update(snapshotMsg{snap: snapshot{SessionsTotal: 7}})
	mm := updated.(model)
	if !mm.connected {
		t.Fatal("expected connected after a successful snapshot")
	}
	if mm.lastErr != "" {
		t.Fatalf("expected lastErr cleared, got %q", mm.lastErr)
	}
	if mm.snap.SessionsTotal != 7 {
		t.Fatalf("expected snapshot applied, got %+v", mm.snap)
	}

	updated2, _ := mm.Update(snapshotMsg{err: errors.New("connection refused")})
	mm2 := updated2.(model)
	if mm2.connected {
		t.Fatal("expected disconnected after a failed poll")
	}
	if mm2.lastErr == "" {
		t.Fatal("expected lastErr to be set")
	}
}

func TestClientFetch_ParsesMetricsAndSendsBearerToken(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sessions_total":5,"sessions_connected":5,"sessions_healthy":4,"runs_running":1,"runs_terminal":3,"alloc_bytes":1048576}`))
	}))
	defer ts.Close()

	c := newClient(ts.URL, "secret-token")
	snap, err := c.fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if snap.SessionsTotal != 5 || snap.RunsRunning != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("expected bearer token forwarded, got %q", gotAuth)
	}
}

func TestClientFetch_ErrorsOnNonOKStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer ts.Close()

	c := newClient(ts.URL, "")
	if _, err := c.fetch(context.Background()); err == nil {
		t.Fatal("expected an error for a non-200 response")
	}
}
