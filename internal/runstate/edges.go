package runstate

// edgeBindingsFor returns the declared edge bindings whose source is ns,
// resolved against the correct scope (root run or the frame ns belongs
// to).
func edgeBindingsFor(run *RunRecord, ns *NodeState) []EdgeBinding {
	if ns.FrameID == "" {
		return run.EdgeBindings[ns.NodeID]
	}
	frt, ok := run.ActiveFrames[ns.FrameID]
	if !ok {
		return nil
	}
	return frt.EdgeBindings[ns.NodeID]
}

// applyEdgeBindings projects a completed node's parameter/result values
// onto the parameters of whatever downstream nodes declared a binding
// against it.
func applyEdgeBindings(run *RunRecord, ns *NodeState) {
	for _, b := range edgeBindingsFor(run, ns) {
		var source any
		var ok bool
		switch b.SourceRoot {
		case "result":
			source, ok = pointerGet(ns.Result, b.SourcePath)
		default: // "parameters"
			source, ok = pointerGet(ns.Parameters, b.SourcePath)
		}
		if !ok {
			continue
		}
		target, found := run.TaskIndex[b.TargetNodeID]
		if !found {
			continue
		}
		if target.Parameters == nil {
			target.Parameters = make(map[string]any)
		}
		pointerSet(target.Parameters, b.TargetPath, source)
	}
}
