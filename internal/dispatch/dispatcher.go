// Package dispatch runs the background loop that turns ready
// runstate.DispatchRequests into biz.exec.dispatch envelopes on a selected
// worker session, tracks outstanding acks, and retries or fails a run when
// no worker can be found.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/schedulercore/internal/runstate"
	"github.com/basket/schedulercore/internal/session"
	"github.com/basket/schedulercore/internal/wire"
)

// Config tunes dispatch timing and worker selection.
type Config struct {
	Strategy          Strategy
	AckTimeout        time.Duration
	MaxAttempts       int
	BaseRetryDelay    time.Duration
	MaxRetryDelay     time.Duration
	MaxHeartbeatAge   time.Duration
	BreakerThreshold  int
	BreakerCooldown   time.Duration
}

// DefaultConfig matches the spec's documented default tunables.
func DefaultConfig() Config {
	return Config{
		Strategy:         StrategyDefault,
		AckTimeout:       5 * time.Second,
		MaxAttempts:      5,
		BaseRetryDelay:   time.Second,
		MaxRetryDelay:    30 * time.Second,
		MaxHeartbeatAge:  0,
		BreakerThreshold: 5,
		BreakerCooldown:  300 * time.Second,
	}
}

// Publisher emits publications produced by engine mutations; the control
// plane's event emitter implements this.
type Publisher interface {
	Publish(pubs []runstate.Publication)
}

// ResourceResolver injects resolved resource bindings into a
// DispatchRequest's parameters before it is sent; internal/resources.Resolver
// implements this. A nil resolver skips the step entirely (no manifest
// declares resource requirements).
type ResourceResolver interface {
	Resolve(ctx context.Context, req *runstate.DispatchRequest, workflowScope string)
}

// queuedItem is one DispatchRequest in flight through the loop, carrying
// its own attempt counter and next-eligible-retry time independent of the
// engine's copy (which is reset fresh on ResetAfterAckTimeout).
type queuedItem struct {
	req       runstate.DispatchRequest
	notBefore time.Time
}

// Dispatcher owns the unbounded FIFO dispatch queue, the per-worker circuit
// breakers, and the ack-timeout waiter goroutines.
type Dispatcher struct {
	cfg       Config
	configMu  sync.RWMutex
	engine    *runstate.Engine
	registry  *session.Registry
	breakers  *BreakerRegistry
	publisher Publisher
	resolver  ResourceResolver
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	queue []queuedItem
	cond  *sync.Cond

	closed bool
}

// UpdateConfig swaps the dispatcher's tunables in place, for the config
// watcher's hot reload of the dispatch.* keys: ack timeout, retry bounds,
// worker strategy and MaxHeartbeatAge take effect on the next process()
// call. It does not rebuild the breaker registry, so BreakerThreshold and
// BreakerCooldown keep the values given to New.
func (d *Dispatcher) UpdateConfig(cfg Config) {
	d.configMu.Lock()
	defer d.configMu.Unlock()
	d.cfg = cfg
}

// currentConfig returns a snapshot of the dispatcher's tunables, safe to
// call concurrently with UpdateConfig.
func (d *Dispatcher) currentConfig() Config {
	d.configMu.RLock()
	defer d.configMu.RUnlock()
	return d.cfg
}

// New creates a Dispatcher. nowFn defaults to time.Now. resolver may be nil
// if no resource binding resolution is configured.
func New(cfg Config, engine *runstate.Engine, registry *session.Registry, publisher Publisher, resolver ResourceResolver, logger *slog.Logger, nowFn func() time.Time) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	d := &Dispatcher{
		cfg:       cfg,
		engine:    engine,
		registry:  registry,
		breakers:  NewBreakerRegistry(cfg.BreakerThreshold, cfg.BreakerCooldown, logger),
		publisher: publisher,
		resolver:  resolver,
		logger:    logger,
		now:       nowFn,
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Enqueue adds ready DispatchRequests produced by a runstate mutation to the
// tail of the queue.
func (d *Dispatcher) Enqueue(reqs []runstate.DispatchRequest) {
	if len(reqs) == 0 {
		return
	}
	d.mu.Lock()
	for _, r := range reqs {
		d.queue = append(d.queue, queuedItem{req: r})
	}
	d.mu.Unlock()
	d.cond.Broadcast()
}

// Run drives the dispatcher loop until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		d.cond.Broadcast()
	}()

	for {
		item, ok := d.popReady(ctx)
		if !ok {
			return
		}
		d.process(ctx, item)
	}
}

// popReady blocks until an item is due for processing or the dispatcher is
// closed. Items whose notBefore has not yet elapsed are requeued at the
// tail and the loop sleeps briefly rather than busy-spinning.
func (d *Dispatcher) popReady(ctx context.Context) (queuedItem, bool) {
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if d.closed && len(d.queue) == 0 {
			d.mu.Unlock()
			return queuedItem{}, false
		}

		now := d.now()
		idx := -1
		for i, it := range d.queue {
			if it.notBefore.IsZero() || !it.notBefore.After(now) {
				idx = i
				break
			}
		}
		if idx == -1 {
			soonest := d.queue[0].notBefore
			for _, it := range d.queue[1:] {
				if it.notBefore.Before(soonest) {
					soonest = it.notBefore
				}
			}
			wait := soonest.Sub(now)
			d.mu.Unlock()
			select {
			case <-ctx.Done():
				return queuedItem{}, false
			case <-time.After(wait):
			}
			continue
		}

		item := d.queue[idx]
		d.queue = append(d.queue[:idx], d.queue[idx+1:]...)
		d.mu.Unlock()
		return item, true
	}
}

// process handles one dispatch attempt: run-terminal discard, worker
// selection, envelope send, markDispatched bookkeeping, and the ack-timeout
// waiter. On failure to select or send, it retries with backoff or fails
// the run once MaxAttempts is exhausted.
func (d *Dispatcher) process(ctx context.Context, item queuedItem) {
	req := item.req

	run, ok := d.engine.GetRun(req.RunID)
	if !ok || run.Status.IsTerminal() {
		return
	}

	cfg := d.currentConfig()
	snaps := d.registry.Snapshots()
	now := d.now()
	snap, found := Select(cfg.Strategy, snaps, req.Package.Name, req.PreferredWorkerName, now, cfg.MaxHeartbeatAge, d.breakers)
	if !found {
		d.retryOrFail(req, "no eligible worker")
		return
	}

	sess, ok := d.registry.Get(snap.SessionID)
	if !ok {
		d.retryOrFail(req, "selected session vanished")
		return
	}

	if d.resolver != nil {
		d.resolver.Resolve(ctx, &req, req.RunID)
	}

	dispatchID := uuid.NewString()
	payload := d.dispatchPayload(req)
	payload.DispatchID = dispatchID
	env, err := wire.New(wire.TypeExecDispatch, req.Tenant, wire.Sender{Role: wire.RoleScheduler, ID: "scheduler"}, payload)
	if err != nil {
		d.retryOrFail(req, "build envelope: "+err.Error())
		return
	}
	env.ID = dispatchID
	env.Seq = req.Seq
	env.Ack = &wire.Ack{Request: true}

	if err := sess.Send(env); err != nil {
		d.breakers.RecordFailure(snap.WorkerName, now)
		d.retryOrFail(req, "send failed: "+err.Error())
		return
	}
	d.breakers.RecordSuccess(snap.WorkerName)
	sess.TrackDispatch(dispatchID, req.RunID, req.TaskID)

	pubs, err := d.engine.MarkDispatched(req.RunID, req.TaskID, snap.WorkerName, dispatchID, req.Seq, cfg.AckTimeout)
	if err != nil {
		d.logger.Warn("dispatch: markDispatched failed", "run", req.RunID, "task", req.TaskID, "error", err)
		return
	}
	d.publisher.Publish(pubs)

	go d.waitForAck(ctx, req, dispatchID)
}

// waitForAck sleeps AckTimeout and, if the dispatch is still pending,
// resets the node and re-enqueues it with an incremented attempt count.
func (d *Dispatcher) waitForAck(ctx context.Context, req runstate.DispatchRequest, dispatchID string) {
	cfg := d.currentConfig()
	select {
	case <-ctx.Done():
		return
	case <-time.After(cfg.AckTimeout):
	}

	ready, pubs, err := d.engine.ResetAfterAckTimeout(req.RunID, req.TaskID, dispatchID)
	if err != nil {
		d.logger.Warn("dispatch: resetAfterAckTimeout failed", "run", req.RunID, "task", req.TaskID, "error", err)
		return
	}
	if len(ready) == 0 {
		// Already acked (or run went terminal) between send and timeout.
		return
	}
	d.publisher.Publish(pubs)

	next := req
	next.Attempts++
	if next.Attempts >= cfg.MaxAttempts {
		d.fail(req, "ack timeout: max attempts exhausted")
		return
	}
	d.enqueueWithDelay(next, d.backoff(next.Attempts))
}

// retryOrFail schedules a backed-off retry, or fails the run once
// MaxAttempts has been exhausted.
func (d *Dispatcher) retryOrFail(req runstate.DispatchRequest, reason string) {
	cfg := d.currentConfig()
	next := req
	next.Attempts++
	if next.Attempts >= cfg.MaxAttempts {
		d.fail(req, reason)
		return
	}
	d.logger.Info("dispatch: retrying", "run", req.RunID, "task", req.TaskID, "attempt", next.Attempts, "reason", reason)
	d.enqueueWithDelay(next, d.backoff(next.Attempts))
}

// backoff computes baseRetrySeconds*2^(attempts-1), capped at maxRetrySeconds.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	cfg := d.currentConfig()
	delay := cfg.BaseRetryDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= cfg.MaxRetryDelay {
			return cfg.MaxRetryDelay
		}
	}
	if delay > cfg.MaxRetryDelay {
		return cfg.MaxRetryDelay
	}
	return delay
}

func (d *Dispatcher) enqueueWithDelay(req runstate.DispatchRequest, delay time.Duration) {
	d.mu.Lock()
	d.queue = append(d.queue, queuedItem{req: req, notBefore: d.now().Add(delay)})
	d.mu.Unlock()
	d.cond.Broadcast()
}

// fail surfaces E.DISPATCH.UNAVAILABLE into the run via the normal result
// path, which fails the run and cancels its dependents.
func (d *Dispatcher) fail(req runstate.DispatchRequest, reason string) {
	d.logger.Warn("dispatch: exhausted retries, failing run", "run", req.RunID, "task", req.TaskID, "reason", reason)
	_, _, pubs, err := d.engine.ApplyResult(req.RunID, runstate.ResultInput{
		TaskID: req.TaskID,
		Status: runstate.StatusFailed,
		Error: &runstate.ErrorInfo{
			Code:    "E.DISPATCH.UNAVAILABLE",
			Message: reason,
		},
	})
	if err != nil {
		d.logger.Error("dispatch: failed to surface E.DISPATCH.UNAVAILABLE", "run", req.RunID, "task", req.TaskID, "error", err)
		return
	}
	d.publisher.Publish(pubs)
}

// dispatchPayload builds the wire payload for req, marshalling its resolved
// parameters (including any __resourceBindings the resolver injected) into
// the envelope's input document.
func (d *Dispatcher) dispatchPayload(req runstate.DispatchRequest) wire.DispatchPayload {
	var input json.RawMessage
	if len(req.Parameters) > 0 {
		raw, err := json.Marshal(req.Parameters)
		if err != nil {
			d.logger.Warn("dispatch: failed to marshal parameters", "run", req.RunID, "task", req.TaskID, "error", err)
		} else {
			input = raw
		}
	}

	resourceRefs := req.ResourceRefs
	return wire.DispatchPayload{
		RunID:           req.RunID,
		NodeID:          req.NodeID,
		TaskID:          req.TaskID,
		Package:         wire.PackageVersion{Name: req.Package.Name, Version: req.Package.Version},
		Attempt:         req.Attempts,
		Input:           input,
		ResourceRefs:    resourceRefs,
		Affinity:        req.Affinity,
		ConcurrencyKey:  req.ConcurrencyKey,
		HostNodeID:      req.HostNodeID,
		MiddlewareChain: req.MiddlewareChain,
		ChainIndex:      req.ChainIndex,
		HasChainIndex:   req.HasChainIndex,
	}
}
