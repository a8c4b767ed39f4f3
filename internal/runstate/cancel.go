package runstate

// CancelRun marks every non-terminal node in a run cancelled, tears down
// its frame bookkeeping, and resolves any outstanding PendingNextRequests
// with a synthetic next_cancelled error so waiting workers are notified.
// Idempotent: cancelling an already-terminal run is a no-op.
func (e *Engine) CancelRun(runID string) ([]NextResponseDispatch, []Publication, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	run, ok := e.runs[runID]
	if !ok {
		return nil, nil, errUnknownRun(runID)
	}
	if run.Status.IsTerminal() {
		return nil, nil, nil
	}

	now := e.now()
	var pubs []Publication
	for _, ns := range run.TaskIndex {
		if !ns.Status.IsTerminal() {
			ns.Status = StatusCancelled
			ns.FinishedAt = now
			pubs = append(pubs, e.nodeStatePublication(run, ns))
		}
	}
	for _, frt := range run.ActiveFrames {
		if !frt.Status.IsTerminal() {
			frt.Status = StatusCancelled
			frt.FinishedAt = now
		}
	}
	run.ActiveFrames = make(map[string]*FrameRuntimeState)
	run.FrameStack = nil
	run.Status = StatusCancelled
	run.FinishedAt = now

	var nextResponses []NextResponseDispatch
	for reqID, pnr := range e.pendingNext {
		if pnr.RunID != runID {
			continue
		}
		delete(e.pendingNext, reqID)
		nextResponses = append(nextResponses, NextResponseDispatch{
			WorkerInstanceID: pnr.WorkerInstanceID,
			WorkerName:       pnr.WorkerName,
			RequestID:        pnr.RequestID,
			Error:            &ErrorInfo{Code: NextCancelled, Message: "run cancelled"},
		})
	}
	for taskID, list := range e.byTaskID {
		filtered := list[:0]
		for _, pnr := range list {
			if pnr.RunID != runID {
				filtered = append(filtered, pnr)
			}
		}
		if len(filtered) == 0 {
			delete(e.byTaskID, taskID)
		} else {
			e.byTaskID[taskID] = filtered
		}
	}

	pubs = append(pubs, e.runStatePublication(run), e.runSnapshotPublication(run))
	return nextResponses, pubs, nil
}

// ApplyWorkerCancelled handles the worker-reported E.RUNNER.CANCELLED
// error: the affected task is reset to queued (counters cleared) so it
// becomes redispatchable, and any PendingNextRequest on it is dropped.
func (e *Engine) ApplyWorkerCancelled(runID, taskID string) ([]Publication, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	run, ns, err := e.lookupLocked(runID, taskID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return nil, nil
	}

	ns.Status = StatusQueued
	ns.WorkerName = ""
	ns.Seq = 0
	ns.PendingAck = false
	ns.DispatchID = ""
	ns.Error = nil
	ns.Enqueued = false

	delete(e.byTaskID, taskID)
	for reqID, pnr := range e.pendingNext {
		if pnr.TargetTaskID == taskID {
			delete(e.pendingNext, reqID)
		}
	}

	return []Publication{e.nodeStatePublication(run, ns)}, nil
}
