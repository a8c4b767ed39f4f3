package runstate

import (
	"fmt"
)

// BootstrapRun creates a new RunRecord from a submitted workflow
// definition, wires dependency/middleware bookkeeping, and returns the
// initial set of ready dispatches plus publications. An empty workflow
// (zero nodes) becomes terminal succeeded immediately.
func (e *Engine) BootstrapRun(runID, clientID, tenant string, wf WorkflowDef) (*RunRecord, []DispatchRequest, []Publication, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.runs[runID]; exists {
		return nil, nil, nil, fmt.Errorf("runstate: run %s already exists", runID)
	}

	now := e.now()
	run := &RunRecord{
		RunID:           runID,
		Workflow:        wf,
		DefinitionHash:  definitionHash(wf),
		ClientID:        clientID,
		Tenant:          tenant,
		CreatedAt:       now,
		StartedAt:       now,
		Status:          StatusQueued,
		NextSeq:         1,
		Nodes:           make(map[string]*NodeState),
		TaskIndex:       make(map[string]*NodeState),
		EdgeBindings:    make(map[string][]EdgeBinding),
		Frames:          make(map[string]*FrameDefinition),
		ActiveFrames:    make(map[string]*FrameRuntimeState),
		CompletedFrames: make(map[string]bool),
	}

	buildNodes(wf, "", "", "", run.Nodes, run.TaskIndex, run.EdgeBindings)
	collectFrameDefinitions(wf, "", "", run.Frames)
	wireDependents(run.Nodes, run.TaskIndex)

	var pubs []Publication
	var ready []DispatchRequest

	if len(run.Nodes) == 0 {
		run.Status = StatusSucceeded
		run.FinishedAt = now
		pubs = append(pubs, e.runStatePublication(run))
	} else {
		ready = e.collectInitialReadyLocked(run, run.Nodes, &pubs)
		run.Status = e.rollup(run)
	}

	e.runs[runID] = run
	pubs = append(pubs, e.runSnapshotPublication(run))
	return run, ready, pubs, nil
}

// buildNodes walks a workflow definition's flat node list (one frame's
// worth of nodes), creating a NodeState — plus one per middleware in its
// chain — for each. frameID, containerNodeID, and frameAlias are empty at
// the root frame. Dependencies, dependents, and edge-binding targets are
// all recorded by taskId (globally unique) rather than nodeId (unique only
// within this frame), so downstream lookups never need frame context.
func buildNodes(wf WorkflowDef, frameID, containerNodeID, frameAlias string, nodes, taskIndex map[string]*NodeState, edgeBindings map[string][]EdgeBinding) {
	taskIDOf := func(nodeID string) string {
		if frameID == "" {
			return nodeID
		}
		return frameID + "::" + nodeID
	}

	for _, def := range wf.Nodes {
		taskID := taskIDOf(def.ID)

		kind := KindPlain
		if def.Container {
			kind = KindContainer
		} else if len(def.Middlewares) > 0 {
			kind = KindHostWithMiddleware
		}

		deps := make([]string, 0, len(def.DependsOn))
		for _, d := range def.DependsOn {
			deps = append(deps, taskIDOf(d))
		}

		ns := &NodeState{
			NodeID:          def.ID,
			TaskID:          taskID,
			Status:          StatusQueued,
			NodeType:        def.NodeType,
			Package:         def.Package,
			Parameters:      cloneParams(def.Parameters),
			ResourceRefs:    def.ResourceRefs,
			Affinity:        def.Affinity,
			Dependencies:    deps,
			Metadata:        make(map[string]any),
			Kind:            kind,
			FrameID:         frameID,
			ContainerNodeID: containerNodeID,
			FrameAlias:      frameAlias,
		}
		if def.Container && def.Subgraph != nil {
			ns.SubgraphID = subgraphID(def)
		}
		if kind == KindHostWithMiddleware {
			ns.Middlewares = make([]string, len(def.Middlewares))
			for i, mwID := range def.Middlewares {
				ns.Middlewares[i] = taskIDOf(mwID)
			}
		}
		nodes[def.ID] = ns
		taskIndex[taskID] = ns

		for _, b := range def.Bindings {
			edgeBindings[def.ID] = append(edgeBindings[def.ID], EdgeBinding{
				SourceNodeID: def.ID,
				SourceRoot:   b.SourceRoot,
				SourcePath:   b.SourcePath,
				TargetNodeID: taskIDOf(b.TargetNode),
				TargetRoot:   b.TargetRoot,
				TargetPath:   b.TargetPath,
			})
		}

		// Middleware chain members. The first middleware inherits the
		// host's upstream dependencies so it does not run ahead of the
		// host's own data predecessors; chain order thereafter is driven
		// by next(), not dependency edges.
		for i, mwID := range def.Middlewares {
			mwTaskID := taskIDOf(mwID)
			var mwDeps []string
			if i == 0 {
				mwDeps = deps
			}
			mw := &NodeState{
				NodeID:       mwID,
				TaskID:       mwTaskID,
				Status:       StatusQueued,
				Dependencies: mwDeps,
				Metadata:     map[string]any{"role": "middleware", "hostNodeId": def.ID, "chainIndex": i},
				Kind:         KindMiddleware,
				HostNodeID:   taskID,
				ChainIndex:   i,
				ChainBlocked: i > 0,
				FrameID:      frameID,
				FrameAlias:   frameAlias,
			}
			nodes[mwID] = mw
			taskIndex[mwTaskID] = mw
		}
	}
}

func subgraphID(def NodeDef) string {
	if def.Subgraph != nil && def.Subgraph.Name != "" {
		return def.Subgraph.Name
	}
	return def.ID + "-subgraph"
}

// collectFrameDefinitions walks container nodes depth-first, recording a
// FrameDefinition for every subgraph encountered, whether or not it is
// ever activated.
func collectFrameDefinitions(wf WorkflowDef, parentAliasChain, parentFrameID string, frames map[string]*FrameDefinition) {
	for _, def := range wf.Nodes {
		if !def.Container || def.Subgraph == nil {
			continue
		}
		sgID := subgraphID(def)
		alias := def.ID
		if parentAliasChain != "" {
			alias = parentAliasChain + "::" + def.ID
		}
		frameID := alias + "::" + sgID
		frames[frameID] = &FrameDefinition{
			FrameID:         frameID,
			ContainerNodeID: def.ID,
			SubgraphID:      sgID,
			ParentFrameID:   parentFrameID,
			Workflow:        *def.Subgraph,
		}
		collectFrameDefinitions(*def.Subgraph, alias, frameID, frames)
	}
}

// wireDependents populates each node's Dependents list (by taskId) from the
// Dependencies declared on its downstream peers, and sets
// PendingDependencies to the count of not-yet-satisfied predecessors. All
// dependencies start unsatisfied at bootstrap. localNodes is keyed by
// nodeId (this frame only); taskIndex is keyed by taskId and is used to
// resolve each node's own taskId-keyed Dependencies back to its
// dependents' lists.
func wireDependents(localNodes, taskIndex map[string]*NodeState) {
	for _, ns := range localNodes {
		ns.PendingDependencies = len(ns.Dependencies)
	}
	for _, ns := range localNodes {
		for _, depTaskID := range ns.Dependencies {
			if dep, ok := taskIndex[depTaskID]; ok {
				dep.Dependents = append(dep.Dependents, ns.TaskID)
			}
		}
	}
}

func cloneParams(in map[string]any) map[string]any {
	if in == nil {
		return make(map[string]any)
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
