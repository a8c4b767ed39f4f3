package runstate

import "time"

// ApplyFeedback merges a non-terminal progress update into a node's
// metadata, publishing both the merged snapshot (node.state) and the
// individual JSON-pointer deltas it produced (node.result.delta).
func (e *Engine) ApplyFeedback(runID string, in FeedbackInput) ([]Publication, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	run, ns, err := e.lookupLocked(runID, in.TaskID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() || ns.Status.IsTerminal() {
		return nil, nil
	}
	if ns.Metadata == nil {
		ns.Metadata = make(map[string]any)
	}

	var pubs []Publication
	now := e.now()

	if in.Stage != "" {
		ns.Metadata["stage"] = in.Stage
	}
	if in.Progress != 0 {
		ns.Metadata["progress"] = in.Progress
	}
	if in.Message != "" {
		ns.Metadata["message"] = in.Message
	}
	if in.Metrics != nil {
		ns.Metadata["metrics"] = in.Metrics
	}

	if in.MetaResults != nil {
		existing, _ := ns.Metadata["results"].(map[string]any)
		if existing == nil {
			existing = make(map[string]any)
		}
		deltas := deepMergeWithDeltas(existing, in.MetaResults, "/metadata/results")
		ns.Metadata["results"] = existing
		ns.Seq++
		for _, d := range deltas {
			pubs = append(pubs, e.resultDeltaPublication(run, ns, d.op, d.path, d.value, now))
		}
	}

	for _, chunk := range in.Chunks {
		ns.Seq++
		path := "/channels/" + chunk.Channel
		value := map[string]any{"mimeType": chunk.MimeType}
		if chunk.Text != "" {
			value["text"] = chunk.Text
		}
		if chunk.DataBase64 != "" {
			value["dataBase64"] = chunk.DataBase64
		}
		pub := e.resultDeltaPublication(run, ns, "append", path, value, now)
		if ev, ok := pub.Data.(NodeResultDeltaEvent); ok {
			ev.Terminal = chunk.Terminal
			pub.Data = ev
		}
		pubs = append(pubs, pub)
	}

	pubs = append(pubs, e.nodeStatePublication(run, ns))
	return pubs, nil
}

func (e *Engine) resultDeltaPublication(run *RunRecord, ns *NodeState, op, path string, value any, _ time.Time) Publication {
	return Publication{
		Type:       "node.result.delta",
		Scope:      Scope{Tenant: run.Tenant, RunID: run.RunID},
		OccurredAt: e.now(),
		Data: NodeResultDeltaEvent{
			RunID:    run.RunID,
			NodeID:   ns.NodeID,
			TaskID:   ns.TaskID,
			Op:       op,
			Path:     path,
			Value:    value,
			Revision: ns.Seq,
			Sequence: ns.Seq,
		},
	}
}

type delta struct {
	op    string
	path  string
	value any
}

// deepMergeWithDeltas merges src into dst in place (dst must be a
// map[string]any) and returns one delta per leaf value changed or added,
// each addressed by its full JSON pointer under basePath.
func deepMergeWithDeltas(dst, src map[string]any, basePath string) []delta {
	var deltas []delta
	for k, v := range src {
		path := basePath + "/" + k
		if nested, ok := v.(map[string]any); ok {
			existing, _ := dst[k].(map[string]any)
			if existing == nil {
				existing = make(map[string]any)
				dst[k] = existing
			}
			deltas = append(deltas, deepMergeWithDeltas(existing, nested, path)...)
			continue
		}
		dst[k] = v
		deltas = append(deltas, delta{op: "replace", path: path, value: v})
	}
	return deltas
}
