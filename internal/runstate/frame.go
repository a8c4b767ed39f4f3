package runstate

// checkFrameCompletionLocked finalises a frame once every contained node
// is terminal: cancels any still-queued siblings if the frame failed, then
// finalises the container. Returns newly-ready dispatches produced by
// releasing the container's dependents (or none, if the container itself
// still has a middleware chain to drain) plus any PendingNextRequests
// resolved by the container's own terminalisation.
func (e *Engine) checkFrameCompletionLocked(run *RunRecord, frt *FrameRuntimeState) ([]DispatchRequest, []NextResponseDispatch, []Publication) {
	if frt.Status.IsTerminal() {
		return nil, nil, nil
	}
	for _, ns := range frt.Nodes {
		if !ns.Status.IsTerminal() {
			return nil, nil, nil
		}
	}
	var pubs []Publication
	ready, next := e.finaliseFrameLocked(run, frt, &pubs)
	return ready, next, pubs
}

// finaliseFrameLocked marks a frame terminal, cancelling any queued
// siblings on failure, and finalises the container node (or leaves it
// queued if the container itself has a middleware chain still to drain).
// pubs accumulates into *pubsOut if non-nil.
func (e *Engine) finaliseFrameLocked(run *RunRecord, frt *FrameRuntimeState, pubsOut *[]Publication) ([]DispatchRequest, []NextResponseDispatch) {
	var pubs []Publication
	if pubsOut != nil {
		pubs = *pubsOut
	}

	anyFailed := false
	for _, ns := range frt.Nodes {
		if ns.Status == StatusFailed {
			anyFailed = true
		}
	}
	if anyFailed {
		for _, ns := range frt.Nodes {
			if !ns.Status.IsTerminal() {
				ns.Status = StatusCancelled
				ns.FinishedAt = e.now()
				pubs = append(pubs, e.nodeStatePublication(run, ns))
			}
		}
		frt.Status = StatusFailed
	} else {
		frt.Status = StatusSucceeded
	}
	frt.FinishedAt = e.now()
	run.CompletedFrames[frt.FrameID] = true

	var ready []DispatchRequest
	var next []NextResponseDispatch

	container, ok := run.TaskIndex[frt.ContainerTaskID]
	if ok {
		if container.Kind == KindHostWithMiddleware {
			container.Status = StatusQueued
			container.ChainBlocked = true
			pubs = append(pubs, e.nodeStatePublication(run, container))
		} else {
			if anyFailed {
				container.Status = StatusFailed
				container.Error = &ErrorInfo{Code: "E.FRAME.FAILED", Message: "subgraph frame failed"}
			} else {
				container.Status = StatusSucceeded
			}
			container.FinishedAt = e.now()
			pubs = append(pubs, e.nodeResultSnapshotPublication(run, container))
			applyEdgeBindings(run, container)
			if anyFailed {
				ready = append(ready, e.failPropagateLocked(run, container, &pubs)...)
			} else {
				ready = append(ready, e.releaseDependentsLocked(run, container, &pubs)...)
			}
		}
		next = e.resolvePendingNextForTaskLocked(container.TaskID, container)
	}

	if pubsOut != nil {
		*pubsOut = pubs
	}
	return ready, next
}
