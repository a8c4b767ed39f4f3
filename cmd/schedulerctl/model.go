package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// snapshot mirrors the JSON body schedulerd's /metrics endpoint returns.
type snapshot struct {
	SessionsTotal     int    `json:"sessions_total"`
	SessionsConnected int    `json:"sessions_connected"`
	SessionsHealthy   int    `json:"sessions_healthy"`
	RunsRunning       int    `json:"runs_running"`
	RunsTerminal      int    `json:"runs_terminal"`
	AllocBytes        uint64 `json:"alloc_bytes"`
}

// client polls a schedulerd instance's /metrics endpoint.
type client struct {
	http      *http.Client
	baseURL   string
	authToken string
}

func newClient(baseURL, authToken string) *client {
	return &client{http: &http.Client{Timeout: 5 * time.Second}, baseURL: baseURL, authToken: authToken}
}

func (c *client) fetch(ctx context.Context) (snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/metrics", nil)
	if err != nil {
		return snapshot{}, err
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return snapshot{}, fmt.Errorf("schedulerctl: %s returned %s", c.baseURL, resp.Status)
	}
	var snap snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return snapshot{}, fmt.Errorf("decode metrics: %w", err)
	}
	return snap, nil
}

type tickMsg time.Time

type snapshotMsg struct {
	snap snapshot
	err  error
}

func tickCmd(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func pollCmd(c *client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		snap, err := c.fetch(ctx)
		return snapshotMsg{snap: snap, err: err}
	}
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// model is the operator dashboard's tea.Model: it polls a remote schedulerd
// process over HTTP rather than subscribing in-process, since schedulerctl
// runs as a separate OS process from the daemon it observes.
type model struct {
	client   *client
	interval time.Duration
	target   string

	snap      snapshot
	lastErr   string
	connected bool
}

func newModel(c *client, target string, interval time.Duration) model {
	return model{client: c, interval: interval, target: target}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(pollCmd(m.client), tickCmd(m.interval))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		return m, tea.Batch(pollCmd(m.client), tickCmd(m.interval))
	case snapshotMsg:
		if msg.err != nil {
			m.connected = false
			m.lastErr = msg.err.Error()
			return m, nil
		}
		m.connected = true
		m.lastErr = ""
		m.snap = msg.snap
	}
	return m, nil
}

// View renders plain-text metrics (so they substring-match cleanly whether
// or not the terminal supports color) framed by a styled title, status
// badge, and footer.
func (m model) View() string {
	status := okStyle.Render("connected")
	if !m.connected {
		status = warnStyle.Render("disconnected")
	}
	body := fmt.Sprintf(
		"%s\n\n%s  %s\n\nSessions total: %d\n  connected/healthy: %d / %d\nRuns running: %d\nRuns terminal: %d\nHeap alloc: %.1f MiB\n",
		titleStyle.Render("schedulerctl"),
		labelStyle.Render(m.target), status,
		m.snap.SessionsTotal,
		m.snap.SessionsConnected, m.snap.SessionsHealthy,
		m.snap.RunsRunning,
		m.snap.RunsTerminal,
		float64(m.snap.AllocBytes)/(1024*1024),
	)
	if m.lastErr != "" {
		body += "\n" + warnStyle.Render("last error: "+m.lastErr) + "\n"
	}
	body += "\n" + dimStyle.Render("press q to quit")
	return body
}
