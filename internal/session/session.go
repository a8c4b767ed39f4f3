// Package session tracks worker control-plane sessions: their identity,
// package capabilities, liveness, and load, with a grace-period index that
// lets a disconnected worker resume its session rather than starting fresh.
package session

import (
	"sync"
	"time"

	"github.com/basket/schedulercore/internal/wire"
	"github.com/basket/schedulercore/internal/window"
)

// State is a worker session's lifecycle state.
type State string

const (
	StateNew          State = "NEW"
	StateHandshaking  State = "HANDSHAKING"
	StateRegistered   State = "REGISTERED"
	StateHeartbeating State = "HEARTBEATING"
	StateBackoff      State = "BACKOFF"
	StateDraining     State = "DRAINING"
	StateClosed       State = "CLOSED"
)

// GracePeriod is the fixed window during which a disconnected session may
// be resumed before it is reaped.
const GracePeriod = 120 * time.Second

// Transport is the minimal send surface a session needs from its
// underlying connection. The control plane's websocket wrapper implements
// this; tests can fake it.
type Transport interface {
	Send(env wire.Envelope) error
	Close() error
}

// Session holds the full runtime state of one worker's control-plane
// connection across possibly multiple underlying transports (a resume
// swaps the Transport without resetting identity or window state).
type Session struct {
	mu sync.RWMutex

	sessionID        string
	sessionToken     string
	workerInstanceID string
	workerName       string
	tenant           string

	transport Transport
	state     State

	packages      []wire.PackageVersion
	lastHeartbeat time.Time
	disconnectedAt time.Time

	inflightCount int
	latencyMsP50  float64
	latencyMsP99  float64

	drainRequested bool
	drainedAt      time.Time

	sendWindow *window.SendWindow
	recvWindow *window.ReceiveWindow

	pendingDispatches map[string]dispatchRef
}

// dispatchRef is what a control.ack's envelope-level correlation id
// (Ack.For) resolves to: the run/task the dispatcher sent that envelope
// for, since the ack frame itself carries no business payload.
type dispatchRef struct {
	RunID  string
	TaskID string
}

// Snapshot is a read-only, allocation-cheap copy of session state used by
// selection predicates (dispatch worker selection, housekeeping sweeps).
type Snapshot struct {
	SessionID        string
	WorkerInstanceID string
	WorkerName       string
	Tenant           string
	State            State
	Packages         []wire.PackageVersion
	LastHeartbeat    time.Time
	InflightCount    int
	LatencyMsP50     float64
	LatencyMsP99     float64
	DrainRequested   bool
	Connected        bool
}

// New creates a session in state NEW for a freshly handshaking worker, with
// a sliding window of window.DefaultSize credits. Use NewWithWindowSize to
// honor a configured session.windowSize.
func New(sessionID, sessionToken, workerInstanceID, workerName, tenant string, transport Transport) *Session {
	return NewWithWindowSize(sessionID, sessionToken, workerInstanceID, workerName, tenant, transport, window.DefaultSize)
}

// NewWithWindowSize is New with an explicit sliding-window credit size.
func NewWithWindowSize(sessionID, sessionToken, workerInstanceID, workerName, tenant string, transport Transport, windowSize int) *Session {
	return &Session{
		sessionID:        sessionID,
		sessionToken:     sessionToken,
		workerInstanceID: workerInstanceID,
		workerName:       workerName,
		tenant:           tenant,
		transport:        transport,
		state:            StateNew,
		sendWindow:       window.NewSendWindow(windowSize, 0, 0),
		recvWindow:       window.NewReceiveWindow(windowSize),
	}
}

func (s *Session) ID() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.sessionID }
func (s *Session) Token() string        { s.mu.RLock(); defer s.mu.RUnlock(); return s.sessionToken }
func (s *Session) WorkerInstanceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workerInstanceID
}

// SetState transitions the session's lifecycle state.
func (s *Session) SetState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Register records the package capabilities this worker supports.
func (s *Session) Register(packages []wire.PackageVersion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packages = packages
	if s.state == StateHandshaking || s.state == StateNew {
		s.state = StateRegistered
	}
}

// RecordHeartbeat updates liveness and load stats from an inbound
// control.heartbeat frame.
func (s *Session) RecordHeartbeat(hb wire.HeartbeatPayload, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = at
	s.inflightCount = hb.InflightCount
	s.latencyMsP50 = hb.LatencyMsP50
	s.latencyMsP99 = hb.LatencyMsP99
	if s.state == StateRegistered {
		s.state = StateHeartbeating
	}
}

// MarkDisconnected flips the session into BACKOFF and records the
// disconnect time for the grace-period clock, without discarding identity
// or window state: a matching control.resume can still reattach.
func (s *Session) MarkDisconnected(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateBackoff
	s.disconnectedAt = at
	s.transport = nil
}

// Reattach swaps in a new transport on a resumed session and clears the
// disconnect clock.
func (s *Session) Reattach(transport Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport = transport
	s.disconnectedAt = time.Time{}
	s.state = StateRegistered
}

// ExpiredAt reports whether, as of now, a disconnected session's grace
// period has elapsed and it should be reaped.
func (s *Session) ExpiredAt(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateBackoff || s.disconnectedAt.IsZero() {
		return false
	}
	return now.Sub(s.disconnectedAt) > GracePeriod
}

// RequestDrain marks the session for selection-exclusion without closing
// the transport: in-flight dispatches finish, but no new dispatch is
// selected onto it.
func (s *Session) RequestDrain(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drainRequested = true
	s.drainedAt = at
}

// Send writes an envelope to the session's current transport. Returns an
// error if the session has no live transport (disconnected, awaiting
// resume), or if a business frame finds the send window saturated
// (backpressure). Control frames bypass the window entirely.
func (s *Session) Send(env wire.Envelope) error {
	s.mu.RLock()
	t := s.transport
	s.mu.RUnlock()
	if t == nil {
		return ErrNoTransport{SessionID: s.sessionID}
	}
	if !env.IsControl() {
		seq, err := s.sendWindow.Admit(time.Now())
		if err != nil {
			return err
		}
		env.SessionSeq = seq
	}
	return t.Send(env)
}

// AckSend retires pending outbound business frames up to ackSeq (plus any
// flagged in ackBitmap) in response to an inbound control.ack.
func (s *Session) AckSend(ackSeq int64, ackBitmap uint64) {
	s.sendWindow.Ack(ackSeq, ackBitmap)
}

// AcceptRecv admits an inbound business frame's session sequence number
// into the receive window, rejecting duplicates/stale/too-far-ahead
// arrivals so the caller can drop them before they reach the run engine.
func (s *Session) AcceptRecv(seq int64) (bool, window.DropReason) {
	return s.recvWindow.Accept(seq)
}

// RecvAckState returns the (ackSeq, ackBitmap, recvWindow) triple to embed
// in the next control.ack sent back to this session's worker.
func (s *Session) RecvAckState() (int64, uint64, int) {
	return s.recvWindow.AckState()
}

// InFlightSendCount reports how many outbound business frames are still
// awaiting acknowledgement, for diagnostics.
func (s *Session) InFlightSendCount() int {
	return s.sendWindow.InFlight()
}

// TrackDispatch records which run/task a dispatch envelope id was sent for,
// so a later control.ack{for=dispatchId} can be routed to MarkAcknowledged
// without the ack payload itself carrying business identifiers.
func (s *Session) TrackDispatch(dispatchID, runID, taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingDispatches == nil {
		s.pendingDispatches = make(map[string]dispatchRef)
	}
	s.pendingDispatches[dispatchID] = dispatchRef{RunID: runID, TaskID: taskID}
}

// ResolveDispatch looks up and clears the (runId, taskId) a dispatch
// envelope id was tracked under.
func (s *Session) ResolveDispatch(dispatchID string) (runID, taskID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, found := s.pendingDispatches[dispatchID]
	if !found {
		return "", "", false
	}
	delete(s.pendingDispatches, dispatchID)
	return ref.RunID, ref.TaskID, true
}

// ErrNoTransport is returned by Send when a session has no live transport.
type ErrNoTransport struct{ SessionID string }

func (e ErrNoTransport) Error() string {
	return "session: no live transport for session " + e.SessionID
}

// Snapshot copies out the session's current state for read-only use by
// selection predicates, outside the session's own lock.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	packages := make([]wire.PackageVersion, len(s.packages))
	copy(packages, s.packages)
	return Snapshot{
		SessionID:        s.sessionID,
		WorkerInstanceID: s.workerInstanceID,
		WorkerName:       s.workerName,
		Tenant:           s.tenant,
		State:            s.state,
		Packages:         packages,
		LastHeartbeat:    s.lastHeartbeat,
		InflightCount:    s.inflightCount,
		LatencyMsP50:     s.latencyMsP50,
		LatencyMsP99:     s.latencyMsP99,
		DrainRequested:   s.drainRequested,
		Connected:        s.transport != nil,
	}
}

// SupportsPackage reports whether the snapshot's worker advertises support
// for the given package name at any version.
func (s Snapshot) SupportsPackage(name string) bool {
	for _, p := range s.Packages {
		if p.Name == name {
			return true
		}
	}
	return false
}

// Healthy reports whether the session is usable for new dispatch
// selection: registered/heartbeating, connected, not draining, and its
// last heartbeat is within maxHeartbeatAge of now. A maxHeartbeatAge <= 0
// applies no heartbeat-age cap.
func (s Snapshot) Healthy(now time.Time, maxHeartbeatAge time.Duration) bool {
	if !s.Connected || s.DrainRequested {
		return false
	}
	if s.State != StateRegistered && s.State != StateHeartbeating {
		return false
	}
	if s.LastHeartbeat.IsZero() {
		return true // newly registered, not yet missed a beat
	}
	if maxHeartbeatAge <= 0 {
		return true
	}
	return now.Sub(s.LastHeartbeat) <= maxHeartbeatAge
}
