package runstate

import "time"

// NextRequestInput is the normalized shape of an inbound
// biz.exec.next.request frame.
type NextRequestInput struct {
	RunID            string
	RequestID        string
	NodeID           string // taskId of the middleware issuing the call
	MiddlewareID     string
	ChainIndex       int
	TimeoutMs        int64
	WorkerInstanceID string
	WorkerName       string
}

// Refusal codes for next.request, per the error taxonomy.
const (
	NextDuplicate       = "next_duplicate"
	NextNoChain         = "next_no_chain"
	NextInvalidChain    = "next_invalid_chain"
	NextTargetNotReady  = "next_target_not_ready"
	NextRunFinalised    = "next_run_finalised"
	NextTimeout         = "next_timeout"
	NextFailed          = "next_failed"
	NextCancelled       = "next_cancelled"
	NextUnavailable     = "next_unavailable"
)

// HandleNextRequest routes a middleware's next() call to the next link in
// its chain (or the host, if the chain is exhausted), registers a
// PendingNextRequest for correlation, and returns any newly-ready
// dispatches this activation produces.
func (e *Engine) HandleNextRequest(in NextRequestInput) (refuseCode string, ready []DispatchRequest, pubs []Publication, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	run, ok := e.runs[in.RunID]
	if !ok {
		return "", nil, nil, errUnknownRun(in.RunID)
	}
	if run.Status.IsTerminal() {
		return NextRunFinalised, nil, nil, nil
	}
	if _, dup := e.pendingNext[in.RequestID]; dup {
		return NextDuplicate, nil, nil, nil
	}

	mw, ok := run.TaskIndex[in.NodeID]
	if !ok || mw.Kind != KindMiddleware {
		return NextNoChain, nil, nil, nil
	}
	host, ok := run.TaskIndex[mw.HostNodeID]
	if !ok {
		return NextNoChain, nil, nil, nil
	}
	if in.ChainIndex != mw.ChainIndex {
		return NextInvalidChain, nil, nil, nil
	}

	var targetTaskID string
	if mw.ChainIndex+1 < len(host.Middlewares) {
		targetTaskID = host.Middlewares[mw.ChainIndex+1]
	} else {
		targetTaskID = host.TaskID
	}
	target, ok := run.TaskIndex[targetTaskID]
	if !ok {
		return NextInvalidChain, nil, nil, nil
	}

	if target.Kind == KindContainer {
		if target.Status == StatusRunning {
			return NextTargetNotReady, nil, nil, nil
		}
		ready = append(ready, e.activateFrameLocked(run, target, &pubs)...)
	} else {
		if target.Status.IsTerminal() || target.Status == StatusRunning {
			target.Status = StatusQueued
			target.Enqueued = false
			target.ChainBlocked = false
			pubs = append(pubs, e.nodeStatePublication(run, target))
		}
		target.ChainBlocked = false
		if isDispatchable(target) {
			target.Enqueued = true
			ready = append(ready, e.buildDispatchRequest(run, target))
		}
	}

	now := e.now()
	pnr := &PendingNextRequest{
		RequestID:        in.RequestID,
		RunID:            in.RunID,
		WorkerInstanceID: in.WorkerInstanceID,
		WorkerName:       in.WorkerName,
		NodeID:           in.NodeID,
		MiddlewareID:     in.MiddlewareID,
		TargetTaskID:     targetTaskID,
	}
	if in.TimeoutMs > 0 {
		pnr.Deadline = now.Add(time.Duration(in.TimeoutMs) * time.Millisecond)
	}
	e.pendingNext[in.RequestID] = pnr
	e.byTaskID[targetTaskID] = append(e.byTaskID[targetTaskID], pnr)

	return "", ready, pubs, nil
}

// resolvePendingNextForTaskLocked resolves every PendingNextRequest
// targeting a task that just reached a terminal status, producing the
// correlated next.response to route back to each originating worker.
func (e *Engine) resolvePendingNextForTaskLocked(taskID string, ns *NodeState) []NextResponseDispatch {
	pending := e.byTaskID[taskID]
	if len(pending) == 0 {
		return nil
	}
	delete(e.byTaskID, taskID)

	out := make([]NextResponseDispatch, 0, len(pending))
	for _, pnr := range pending {
		delete(e.pendingNext, pnr.RequestID)
		out = append(out, NextResponseDispatch{
			WorkerInstanceID: pnr.WorkerInstanceID,
			WorkerName:       pnr.WorkerName,
			RequestID:        pnr.RequestID,
			Result:           ns.Result,
			Error:            ns.Error,
		})
	}
	return out
}

// SweepExpiredNextRequests resolves every PendingNextRequest whose
// deadline has elapsed as of now with a next_timeout error, for the
// housekeeping sweep to call periodically.
func (e *Engine) SweepExpiredNextRequests(now time.Time) []NextResponseDispatch {
	e.mu.Lock()
	defer e.mu.Unlock()

	var expired []*PendingNextRequest
	for _, pnr := range e.pendingNext {
		if !pnr.Deadline.IsZero() && now.After(pnr.Deadline) {
			expired = append(expired, pnr)
		}
	}
	out := make([]NextResponseDispatch, 0, len(expired))
	for _, pnr := range expired {
		delete(e.pendingNext, pnr.RequestID)
		e.removeFromByTaskIDLocked(pnr)
		out = append(out, NextResponseDispatch{
			WorkerInstanceID: pnr.WorkerInstanceID,
			WorkerName:       pnr.WorkerName,
			RequestID:        pnr.RequestID,
			Error:            &ErrorInfo{Code: NextTimeout, Message: "middleware next() request timed out"},
		})
	}
	return out
}

func (e *Engine) removeFromByTaskIDLocked(pnr *PendingNextRequest) {
	list := e.byTaskID[pnr.TargetTaskID]
	filtered := list[:0]
	for _, p := range list {
		if p.RequestID != pnr.RequestID {
			filtered = append(filtered, p)
		}
	}
	if len(filtered) == 0 {
		delete(e.byTaskID, pnr.TargetTaskID)
	} else {
		e.byTaskID[pnr.TargetTaskID] = filtered
	}
}

type unknownRunError struct{ runID string }

func (e unknownRunError) Error() string { return "runstate: unknown run " + e.runID }

func errUnknownRun(runID string) error { return unknownRunError{runID: runID} }
