package events

import (
	"time"

	"github.com/basket/schedulercore/internal/runstate"
	"github.com/basket/schedulercore/internal/session"
)

// Worker event topics, published from the session layer rather than the
// run state engine.
const (
	TopicWorkerHeartbeat = "worker.heartbeat"
	TopicWorkerPackage   = "worker.package"
)

// WorkerHeartbeatEvent mirrors a session's liveness/load snapshot.
type WorkerHeartbeatEvent struct {
	WorkerName    string  `json:"workerName"`
	SessionID     string  `json:"sessionId"`
	InflightCount int     `json:"inflightCount"`
	LatencyMsP50  float64 `json:"latencyMsP50"`
	LatencyMsP99  float64 `json:"latencyMsP99"`
}

// WorkerPackageEvent is published when a worker (re)registers its package
// capabilities.
type WorkerPackageEvent struct {
	WorkerName string              `json:"workerName"`
	SessionID  string              `json:"sessionId"`
	Packages   []PackageVersionRef `json:"packages"`
}

// PackageVersionRef is the wire-independent projection of a package
// capability, so the events package doesn't need to import internal/wire
// just to describe what it publishes.
type PackageVersionRef struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Emitter is the run state engine's single publication sink: it fans every
// runstate.Publication (and worker.* events pushed from the session layer)
// out over the topic bus. It implements dispatch.Publisher.
type Emitter struct {
	bus *Bus
	now func() time.Time
}

// NewEmitter creates an Emitter over bus. nowFn defaults to time.Now.
func NewEmitter(bus *Bus, nowFn func() time.Time) *Emitter {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Emitter{bus: bus, now: nowFn}
}

// Publish implements dispatch.Publisher: every publication produced by an
// engine mutation is forwarded to the bus under its own type as topic,
// fire-and-forget.
func (e *Emitter) Publish(pubs []runstate.Publication) {
	for _, p := range pubs {
		e.bus.Publish(p.Type, p)
	}
}

// PublishWorkerHeartbeat is called by the control plane's heartbeat
// handler after recording a control.heartbeat frame onto the session.
func (e *Emitter) PublishWorkerHeartbeat(snap session.Snapshot) {
	e.bus.Publish(TopicWorkerHeartbeat, WorkerHeartbeatEvent{
		WorkerName:    snap.WorkerName,
		SessionID:     snap.SessionID,
		InflightCount: snap.InflightCount,
		LatencyMsP50:  snap.LatencyMsP50,
		LatencyMsP99:  snap.LatencyMsP99,
	})
}

// PublishWorkerPackage is called after a control.register frame updates a
// session's advertised package capabilities.
func (e *Emitter) PublishWorkerPackage(snap session.Snapshot) {
	pkgs := make([]PackageVersionRef, len(snap.Packages))
	for i, p := range snap.Packages {
		pkgs[i] = PackageVersionRef{Name: p.Name, Version: p.Version}
	}
	e.bus.Publish(TopicWorkerPackage, WorkerPackageEvent{
		WorkerName: snap.WorkerName,
		SessionID:  snap.SessionID,
		Packages:   pkgs,
	})
}
