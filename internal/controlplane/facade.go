package controlplane

import (
	"context"
	"fmt"

	"github.com/basket/schedulercore/internal/contracts"
	"github.com/basket/schedulercore/internal/dispatch"
	"github.com/basket/schedulercore/internal/runstate"
)

// Publisher emits publications produced by an engine mutation; satisfied by
// both dispatch.Publisher and internal/events.Emitter.
type Publisher interface {
	Publish(pubs []runstate.Publication)
}

// NextResponseRouter delivers resolved middleware next() responses back to
// the worker session that is awaiting them; Server implements this.
type NextResponseRouter interface {
	RouteNextResponses(nrs []runstate.NextResponseDispatch)
}

// SchedulerFacade is the plain Go entry point an external REST layer (not
// built here) would bind to routes: POST /runs, GET /runs/:id,
// GET /runs/:id/definition, POST /runs/:id:cancel, GET /runs.
type SchedulerFacade struct {
	engine     *runstate.Engine
	dispatcher *dispatch.Dispatcher
	workflows  contracts.WorkflowStore
	publisher  Publisher
	router     NextResponseRouter
}

// NewSchedulerFacade wires the facade to the engine, dispatcher, and
// workflow-definition store it fronts, plus the event publisher and
// next-response router a cancel needs to notify the rest of the system.
func NewSchedulerFacade(engine *runstate.Engine, dispatcher *dispatch.Dispatcher, workflows contracts.WorkflowStore, publisher Publisher, router NextResponseRouter) *SchedulerFacade {
	return &SchedulerFacade{engine: engine, dispatcher: dispatcher, workflows: workflows, publisher: publisher, router: router}
}

// StartRun bootstraps a new run from a submitted workflow, persists the
// authored definition for later GetRunDefinition calls, and enqueues the
// initial ready dispatches.
func (f *SchedulerFacade) StartRun(ctx context.Context, runID, clientID, tenant string, wf runstate.WorkflowDef) (*runstate.RunRecord, error) {
	run, ready, _, err := f.engine.BootstrapRun(runID, clientID, tenant, wf)
	if err != nil {
		return nil, err
	}
	if err := f.workflows.Put(ctx, runID, wf); err != nil {
		return nil, fmt.Errorf("controlplane: persist workflow definition: %w", err)
	}
	f.dispatcher.Enqueue(ready)
	return run, nil
}

// GetRun returns the live rollup status of a run.
func (f *SchedulerFacade) GetRun(_ context.Context, runID string) (*runstate.RunRecord, bool) {
	return f.engine.GetRun(runID)
}

// ListRuns returns every known run, for small-scale operator tooling.
func (f *SchedulerFacade) ListRuns(_ context.Context) []*runstate.RunRecord {
	return f.engine.ListRuns()
}

// CancelRun cancels a run and routes synthetic next_cancelled responses to
// any worker still awaiting a middleware next() reply on it.
func (f *SchedulerFacade) CancelRun(_ context.Context, runID string) error {
	nrs, pubs, err := f.engine.CancelRun(runID)
	if err != nil {
		return err
	}
	if f.publisher != nil {
		f.publisher.Publish(pubs)
	}
	if f.router != nil {
		f.router.RouteNextResponses(nrs)
	}
	return nil
}

// NodeStateView projects a node's live status onto its authored definition.
type NodeStateView struct {
	TaskID string              `json:"taskId"`
	NodeID string              `json:"nodeId"`
	Status string              `json:"status"`
	Error  *runstate.ErrorInfo `json:"error,omitempty"`
}

// RunDefinitionView is the workflow as authored, annotated with each node's
// current state.
type RunDefinitionView struct {
	Workflow runstate.WorkflowDef     `json:"workflow"`
	Nodes    map[string]NodeStateView `json:"nodes"`
}

// GetRunDefinition returns the authored workflow plus per-node state, per
// the GET /runs/:id/definition contract.
func (f *SchedulerFacade) GetRunDefinition(ctx context.Context, runID string) (RunDefinitionView, error) {
	wf, err := f.workflows.Get(ctx, runID)
	if err != nil {
		return RunDefinitionView{}, err
	}
	view := RunDefinitionView{Workflow: wf, Nodes: make(map[string]NodeStateView)}
	run, ok := f.engine.GetRun(runID)
	if !ok {
		return view, nil
	}
	for taskID, ns := range run.TaskIndex {
		view.Nodes[taskID] = NodeStateView{
			TaskID: taskID,
			NodeID: ns.NodeID,
			Status: string(ns.Status),
			Error:  ns.Error,
		}
	}
	return view, nil
}
