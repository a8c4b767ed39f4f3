package runstate

// ApplyResult applies an inbound biz.exec.result frame to the node it
// terminates. Idempotent: a repeat of the same dispatchId against an
// already-terminal node is a no-op. A result for a run that has already
// reached a terminal status is dropped (late worker report after
// cancellation/failure).
func (e *Engine) ApplyResult(runID string, in ResultInput) ([]DispatchRequest, []NextResponseDispatch, []Publication, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	run, ns, err := e.lookupLocked(runID, in.TaskID)
	if err != nil {
		return nil, nil, nil, err
	}
	if run.Status.IsTerminal() {
		return nil, nil, nil, nil
	}
	if ns.Status.IsTerminal() {
		// Already applied (possibly by a duplicate delivery); no-op.
		return nil, nil, nil, nil
	}

	now := e.now()
	ns.Result = in.Result
	ns.Artifacts = in.Artifacts
	ns.Metadata = mergeMetadata(ns.Metadata, in.Metadata)
	ns.PendingAck = false
	ns.DispatchID = ""
	ns.FinishedAt = now

	var pubs []Publication
	var ready []DispatchRequest
	var nextResponses []NextResponseDispatch

	switch ns.Kind {
	case KindHostWithMiddleware:
		ns.Status = StatusQueued
		ns.ChainBlocked = true
		ns.Error = nil
		pubs = append(pubs, e.nodeStatePublication(run, ns))

	case KindMiddleware:
		ns.Status = in.Status
		ns.Error = in.Error
		pubs = append(pubs, e.nodeResultSnapshotPublication(run, ns))

		host, ok := run.TaskIndex[ns.HostNodeID]
		if ok {
			if in.Status == StatusFailed {
				host.Status = StatusFailed
				host.Error = in.Error
				host.FinishedAt = now
				pubs = append(pubs, e.nodeResultSnapshotPublication(run, host))
				ready = append(ready, e.failPropagateLocked(run, host, &pubs)...)
			} else {
				applyEdgeBindings(run, ns)
				if ns.ChainIndex == 0 || in.Status == StatusSkipped {
					host.Status = in.Status
					host.ChainBlocked = false
					host.Result = ns.Result
					host.FinishedAt = now
					pubs = append(pubs, e.nodeResultSnapshotPublication(run, host))
					applyEdgeBindings(run, host)
					ready = append(ready, e.releaseDependentsLocked(run, host, &pubs)...)
				}
			}
		}

	default: // KindPlain
		ns.Status = in.Status
		ns.Error = in.Error
		pubs = append(pubs, e.nodeResultSnapshotPublication(run, ns))
		switch in.Status {
		case StatusFailed:
			ready = append(ready, e.failPropagateLocked(run, ns, &pubs)...)
		case StatusSucceeded, StatusSkipped:
			applyEdgeBindings(run, ns)
			ready = append(ready, e.releaseDependentsLocked(run, ns, &pubs)...)
		case StatusCancelled:
			// no dependents released
		}
	}

	if ns.FrameID != "" {
		if frt, ok := run.ActiveFrames[ns.FrameID]; ok {
			more, moreNext, morePubs := e.checkFrameCompletionLocked(run, frt)
			ready = append(ready, more...)
			nextResponses = append(nextResponses, moreNext...)
			pubs = append(pubs, morePubs...)
		}
	}

	nextResponses = append(nextResponses, e.resolvePendingNextForTaskLocked(ns.TaskID, ns)...)

	run.Status = e.rollup(run)
	if run.Status.IsTerminal() && run.FinishedAt.IsZero() {
		run.FinishedAt = now
	}
	pubs = append(pubs, e.runStatePublication(run), e.runSnapshotPublication(run))

	return ready, nextResponses, pubs, nil
}

// mergeMetadata merges adapter-reported metadata into existing node
// metadata without clobbering the role/hostNodeId/chainIndex bookkeeping
// keys set at bootstrap.
func mergeMetadata(existing, incoming map[string]any) map[string]any {
	if existing == nil {
		existing = make(map[string]any)
	}
	for k, v := range incoming {
		switch k {
		case "role", "hostNodeId", "chainIndex":
			continue
		default:
			existing[k] = v
		}
	}
	return existing
}

// failPropagateLocked handles a node's terminal failure: if the node is
// inside a frame, the frame-completion check (invoked by the caller)
// handles cancelling frame siblings; at the root scope, the failed node's
// entire dependent subtree is transitively cancelled rather than left
// queued forever.
func (e *Engine) failPropagateLocked(run *RunRecord, ns *NodeState, pubs *[]Publication) []DispatchRequest {
	if run.Error == nil {
		run.Error = ns.Error
	}
	if ns.FrameID != "" {
		return nil
	}
	e.cancelTransitiveDependentsLocked(run, ns, pubs)
	return nil
}

// cancelTransitiveDependentsLocked walks the dependent graph from a failed
// node and marks every non-terminal descendant cancelled. This resolves
// the source ambiguity over dependent-of-failed-node fate: dependents are
// cancelled, not left queued.
func (e *Engine) cancelTransitiveDependentsLocked(run *RunRecord, ns *NodeState, pubs *[]Publication) {
	seen := make(map[string]bool)
	var walk func(n *NodeState)
	walk = func(n *NodeState) {
		for _, depTaskID := range n.Dependents {
			if seen[depTaskID] {
				continue
			}
			seen[depTaskID] = true
			dep, ok := run.TaskIndex[depTaskID]
			if !ok || dep.Status.IsTerminal() {
				continue
			}
			dep.Status = StatusCancelled
			dep.FinishedAt = e.now()
			*pubs = append(*pubs, e.nodeStatePublication(run, dep))
			walk(dep)
		}
	}
	walk(ns)
}
