package runstate

import "fmt"

// isDispatchable reports whether a node satisfies the pure readiness
// predicate from the dependency-release rule: queued, no pending
// dependencies, not yet enqueued, not chain-blocked, and not a container
// or a host-with-middleware (those are driven by frame activation and
// middleware next() respectively, never dispatched directly).
func isDispatchable(ns *NodeState) bool {
	return ns.Status == StatusQueued &&
		ns.PendingDependencies == 0 &&
		!ns.Enqueued &&
		!ns.ChainBlocked &&
		ns.Kind != KindContainer &&
		ns.Kind != KindHostWithMiddleware
}

// collectInitialReadyLocked performs the one-time full scan of a
// newly-built frame's nodes (root or nested) for nodes ready at the moment
// of construction. Subsequent readiness changes are driven incrementally
// by releaseDependent, not by rescanning.
func (e *Engine) collectInitialReadyLocked(run *RunRecord, localNodes map[string]*NodeState, pubs *[]Publication) []DispatchRequest {
	var ready []DispatchRequest
	for _, ns := range localNodes {
		if ns.Kind == KindContainer && ns.Status == StatusQueued && ns.PendingDependencies == 0 && !ns.Enqueued {
			ready = append(ready, e.activateFrameLocked(run, ns, pubs)...)
			continue
		}
		if isDispatchable(ns) {
			ns.Enqueued = true
			ready = append(ready, e.buildDispatchRequest(run, ns))
		}
	}
	return ready
}

// activateFrameLocked materialises a container node's subgraph into a live
// FrameRuntimeState, marks the container running/enqueued, emits a
// node.state event per contained node, and recursively collects that
// frame's own initial ready set.
func (e *Engine) activateFrameLocked(run *RunRecord, container *NodeState, pubs *[]Publication) []DispatchRequest {
	alias := frameAlias(container)
	frameID := alias + "::" + container.SubgraphID

	fd, ok := run.Frames[frameID]
	if !ok {
		// No subgraph to expand: treat as an immediately empty, succeeded
		// frame so the container can finalise.
		container.Status = StatusSucceeded
		container.Enqueued = true
		*pubs = append(*pubs, e.nodeStatePublication(run, container))
		e.releaseDependentsLocked(run, container, pubs)
		return nil
	}

	container.Status = StatusRunning
	container.Enqueued = true
	container.StartedAt = e.now()
	*pubs = append(*pubs, e.nodeStatePublication(run, container))

	frameNodes := make(map[string]*NodeState)
	frameTaskIndex := make(map[string]*NodeState)
	frameEdgeBindings := make(map[string][]EdgeBinding)
	buildNodes(fd.Workflow, frameID, container.NodeID, alias, frameNodes, frameTaskIndex, frameEdgeBindings)
	collectFrameDefinitions(fd.Workflow, alias, frameID, run.Frames)
	wireDependents(frameNodes, frameTaskIndex)

	for taskID, ns := range frameTaskIndex {
		run.TaskIndex[taskID] = ns
	}

	frt := &FrameRuntimeState{
		FrameID:         frameID,
		ContainerTaskID: container.TaskID,
		Nodes:           frameNodes,
		TaskIndex:       frameTaskIndex,
		EdgeBindings:    frameEdgeBindings,
		ScopeIndex:      make(map[string]string),
		Status:          StatusRunning,
		StartedAt:       e.now(),
	}
	for nodeID, ns := range frameNodes {
		frt.ScopeIndex[nodeID] = ns.TaskID
		*pubs = append(*pubs, e.nodeStatePublication(run, ns))
	}
	run.ActiveFrames[frameID] = frt
	run.FrameStack = append(run.FrameStack, frameID)

	if len(frameNodes) == 0 {
		// A subgraph with zero nodes finalises immediately. This is the
		// only frame-activation path that can itself resolve a
		// PendingNextRequest (the target would have to be a container
		// whose subgraph is empty); ApplyResult/HandleNextRequest thread
		// that return value to the control plane for every other path.
		ready, _ := e.finaliseFrameLocked(run, frt, pubs)
		return ready
	}
	return e.collectInitialReadyLocked(run, frameNodes, pubs)
}

func frameAlias(container *NodeState) string {
	if container.FrameAlias != "" {
		return container.FrameAlias + "::" + container.NodeID
	}
	return container.NodeID
}

func (e *Engine) buildDispatchRequest(run *RunRecord, ns *NodeState) DispatchRequest {
	seq := run.NextSeq
	run.NextSeq++

	req := DispatchRequest{
		RunID:          run.RunID,
		Tenant:         run.Tenant,
		NodeID:         ns.NodeID,
		TaskID:         ns.TaskID,
		NodeType:       ns.NodeType,
		Package:        ns.Package,
		Parameters:     ns.Parameters,
		ResourceRefs:   ns.ResourceRefs,
		Affinity:       ns.Affinity,
		ConcurrencyKey: concurrencyKey(run.RunID, ns.FrameID, ns.NodeID),
		Seq:            seq,
	}

	if ns.Kind == KindMiddleware {
		host, ok := run.TaskIndex[ns.HostNodeID]
		if ok {
			req.HostNodeID = ns.HostNodeID
			req.MiddlewareChain = host.Middlewares
			req.NodeType = ns.NodeType
			req.Package = hostOrMiddlewarePackage(ns, host)
		}
		req.ChainIndex = ns.ChainIndex
		req.HasChainIndex = true
	}
	return req
}

func hostOrMiddlewarePackage(ns, host *NodeState) PackageRef {
	if ns.Package.Name != "" {
		return ns.Package
	}
	return host.Package
}

func concurrencyKey(runID, frameID, nodeID string) string {
	ns := frameID
	if ns == "" {
		ns = "root"
	}
	return fmt.Sprintf("%s:%s:%s", runID, ns, nodeID)
}

// releaseDependentsLocked decrements PendingDependencies on every
// dependent of a just-terminalised node and, for each dependent now ready,
// either activates its frame (container) or emits a DispatchRequest
// (plain/middleware). Returns the newly ready dispatch requests.
func (e *Engine) releaseDependentsLocked(run *RunRecord, ns *NodeState, pubs *[]Publication) []DispatchRequest {
	var ready []DispatchRequest
	for _, depTaskID := range ns.Dependents {
		dep, ok := run.TaskIndex[depTaskID]
		if !ok {
			continue
		}
		if dep.PendingDependencies > 0 {
			dep.PendingDependencies--
		}
		if dep.PendingDependencies > 0 {
			continue
		}
		if dep.Kind == KindContainer && dep.Status == StatusQueued && !dep.Enqueued {
			ready = append(ready, e.activateFrameLocked(run, dep, pubs)...)
			continue
		}
		if isDispatchable(dep) {
			dep.Enqueued = true
			ready = append(ready, e.buildDispatchRequest(run, dep))
		}
	}
	return ready
}
