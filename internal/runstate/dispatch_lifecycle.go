package runstate

import (
	"fmt"
	"time"
)

// MarkDispatched stamps a node as handed off to a worker: status=running,
// worker identity, dispatch bookkeeping, and ack deadline. Recomputes the
// run's rollup status afterward.
func (e *Engine) MarkDispatched(runID, taskID, workerName, dispatchID string, seq int64, ackTimeout time.Duration) ([]Publication, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	run, ns, err := e.lookupLocked(runID, taskID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return nil, nil
	}

	now := e.now()
	ns.Status = StatusRunning
	ns.WorkerName = workerName
	ns.StartedAt = now
	ns.Seq = seq
	ns.PendingAck = true
	ns.DispatchID = dispatchID
	ns.AckDeadline = now.Add(ackTimeout)

	if seq+1 > run.NextSeq {
		run.NextSeq = seq + 1
	}
	run.Status = e.rollup(run)

	return []Publication{e.nodeStatePublication(run, ns), e.runStatePublication(run)}, nil
}

// MarkAcknowledged clears the pending-ack bookkeeping once a worker's
// control.ack resolves a dispatch.
func (e *Engine) MarkAcknowledged(runID, taskID, dispatchID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, ns, err := e.lookupLocked(runID, taskID)
	if err != nil {
		return err
	}
	if ns.DispatchID != dispatchID {
		// Stale ack for a dispatch that has already been reset/retried.
		return nil
	}
	ns.PendingAck = false
	ns.AckDeadline = time.Time{}
	return nil
}

// ResetAfterAckTimeout reverts a node to queued when its dispatcher ack
// timer fires before a control.ack arrives, and re-collects it as ready so
// the dispatcher can retry it. Only the node itself is affected; the run
// keeps running.
func (e *Engine) ResetAfterAckTimeout(runID, taskID, dispatchID string) ([]DispatchRequest, []Publication, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	run, ns, err := e.lookupLocked(runID, taskID)
	if err != nil {
		return nil, nil, err
	}
	if ns.DispatchID != dispatchID || !ns.PendingAck || run.Status.IsTerminal() {
		return nil, nil, nil
	}

	ns.Status = StatusQueued
	ns.WorkerName = ""
	ns.Seq = 0
	ns.PendingAck = false
	ns.DispatchID = ""
	ns.AckDeadline = time.Time{}
	ns.Error = nil
	ns.Enqueued = false

	var pubs []Publication
	pubs = append(pubs, e.nodeStatePublication(run, ns))

	var ready []DispatchRequest
	if isDispatchable(ns) {
		ns.Enqueued = true
		ready = append(ready, e.buildDispatchRequest(run, ns))
	}
	return ready, pubs, nil
}

// lookupLocked resolves a run and one of its nodes by taskId. Callers must
// hold e.mu.
func (e *Engine) lookupLocked(runID, taskID string) (*RunRecord, *NodeState, error) {
	run, ok := e.runs[runID]
	if !ok {
		return nil, nil, fmt.Errorf("runstate: unknown run %s", runID)
	}
	ns, ok := run.TaskIndex[taskID]
	if !ok {
		return nil, nil, fmt.Errorf("runstate: unknown task %s in run %s", taskID, runID)
	}
	return run, ns, nil
}

// GetRun returns a read-only lookup of a run's current rollup status and
// error, for REST-facing queries.
func (e *Engine) GetRun(runID string) (*RunRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.runs[runID]
	return run, ok
}

// ListRuns returns every known run. Intended for small-scale operator
// tooling; the core does not paginate or persist runs.
func (e *Engine) ListRuns() []*RunRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*RunRecord, 0, len(e.runs))
	for _, r := range e.runs {
		out = append(out, r)
	}
	return out
}
