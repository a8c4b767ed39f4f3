package events

import (
	"context"
	"log/slog"
)

// Sink consumes events from a bus subscription until its context is
// cancelled. Run is expected to be launched in its own goroutine.
type Sink interface {
	Name() string
	Run(ctx context.Context)
}

// LogSink writes every event as a structured log line. It is the
// always-on reference sink: cheap, and useful as an audit trail even when
// no external notifier is configured.
type LogSink struct {
	bus    *Bus
	logger *slog.Logger
}

// NewLogSink creates a LogSink subscribed to every topic.
func NewLogSink(bus *Bus, logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{bus: bus, logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Run(ctx context.Context) {
	sub := s.bus.Subscribe("")
	defer s.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			s.logger.Info("event", "topic", ev.Topic, "payload", ev.Payload)
		}
	}
}
