// Command schedulerctl is an operator TUI that polls a running schedulerd
// process's /metrics endpoint and renders session/run health, since a
// separate OS process cannot subscribe in-process to schedulerd's event bus.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "schedulerctl: fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	target := flag.String("addr", "http://127.0.0.1:8080", "schedulerd base URL")
	token := flag.String("token", os.Getenv("SCHEDULERD_AUTH_TOKEN"), "bearer token for schedulerd's /metrics endpoint")
	interval := flag.Duration("interval", 2*time.Second, "poll interval")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := newClient(*target, *token)
	m := newModel(c, *target, *interval)
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return nil
	case err := <-done:
		return err
	}
}
