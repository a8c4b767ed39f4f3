package runstate

// RunStateEvent is the data payload of a run.state publication.
type RunStateEvent struct {
	RunID  string     `json:"runId"`
	Status Status     `json:"status"`
	Error  *ErrorInfo `json:"error,omitempty"`
}

// RunSnapshotEvent is the data payload of a run.snapshot publication: the
// current aggregate view of the run and all of its nodes.
type RunSnapshotEvent struct {
	RunID   string                `json:"runId"`
	Status  Status                `json:"status"`
	Error   *ErrorInfo            `json:"error,omitempty"`
	NextSeq int64                 `json:"nextSeq"`
	Nodes   map[string]NodeSummary `json:"nodes"`
}

// NodeSummary is the externally-observable projection of a NodeState.
type NodeSummary struct {
	TaskID     string         `json:"taskId"`
	Status     Status         `json:"status"`
	WorkerName string         `json:"workerName,omitempty"`
	Error      *ErrorInfo     `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NodeStateEvent is the data payload of a node.state publication: a
// stage/progress/message/error delta.
type NodeStateEvent struct {
	RunID    string         `json:"runId"`
	NodeID   string         `json:"nodeId"`
	TaskID   string         `json:"taskId"`
	Status   Status         `json:"status"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Error    *ErrorInfo     `json:"error,omitempty"`
}

// NodeResultSnapshotEvent is the data payload of a node.result.snapshot
// publication: the full node result after it reaches a terminal status.
type NodeResultSnapshotEvent struct {
	RunID     string         `json:"runId"`
	NodeID    string         `json:"nodeId"`
	TaskID    string         `json:"taskId"`
	Status    Status         `json:"status"`
	Result    map[string]any `json:"result,omitempty"`
	Artifacts []any          `json:"artifacts,omitempty"`
	Error     *ErrorInfo     `json:"error,omitempty"`
}

// NodeResultDeltaEvent is the data payload of a node.result.delta
// publication: a fine-grained append/replace/remove at a JSON pointer.
type NodeResultDeltaEvent struct {
	RunID      string `json:"runId"`
	NodeID     string `json:"nodeId"`
	TaskID     string `json:"taskId"`
	Op         string `json:"op"` // append | replace | remove
	Path       string `json:"path"`
	Value      any    `json:"value,omitempty"`
	Revision   int64  `json:"revision"`
	Sequence   int64  `json:"sequence"`
	Terminal   bool   `json:"terminal,omitempty"`
}

func (e *Engine) runStatePublication(run *RunRecord) Publication {
	return Publication{
		Type:       "run.state",
		Scope:      Scope{Tenant: run.Tenant, RunID: run.RunID},
		OccurredAt: e.now(),
		Data: RunStateEvent{
			RunID:  run.RunID,
			Status: run.Status,
			Error:  run.Error,
		},
	}
}

func (e *Engine) runSnapshotPublication(run *RunRecord) Publication {
	nodes := make(map[string]NodeSummary, len(run.TaskIndex))
	for taskID, ns := range run.TaskIndex {
		nodes[taskID] = NodeSummary{
			TaskID:     ns.TaskID,
			Status:     ns.Status,
			WorkerName: ns.WorkerName,
			Error:      ns.Error,
			Metadata:   ns.Metadata,
		}
	}
	return Publication{
		Type:       "run.snapshot",
		Scope:      Scope{Tenant: run.Tenant, RunID: run.RunID},
		OccurredAt: e.now(),
		Data: RunSnapshotEvent{
			RunID:   run.RunID,
			Status:  run.Status,
			Error:   run.Error,
			NextSeq: run.NextSeq,
			Nodes:   nodes,
		},
	}
}

func (e *Engine) nodeStatePublication(run *RunRecord, ns *NodeState) Publication {
	return Publication{
		Type:       "node.state",
		Scope:      Scope{Tenant: run.Tenant, RunID: run.RunID},
		OccurredAt: e.now(),
		Data: NodeStateEvent{
			RunID:    run.RunID,
			NodeID:   ns.NodeID,
			TaskID:   ns.TaskID,
			Status:   ns.Status,
			Metadata: ns.Metadata,
			Error:    ns.Error,
		},
	}
}

func (e *Engine) nodeResultSnapshotPublication(run *RunRecord, ns *NodeState) Publication {
	return Publication{
		Type:       "node.result.snapshot",
		Scope:      Scope{Tenant: run.Tenant, RunID: run.RunID},
		OccurredAt: e.now(),
		Data: NodeResultSnapshotEvent{
			RunID:     run.RunID,
			NodeID:    ns.NodeID,
			TaskID:    ns.TaskID,
			Status:    ns.Status,
			Result:    ns.Result,
			Artifacts: ns.Artifacts,
			Error:     ns.Error,
		},
	}
}
