package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/basket/schedulercore/internal/runstate"
	"github.com/basket/schedulercore/internal/session"
	"github.com/basket/schedulercore/internal/window"
	"github.com/basket/schedulercore/internal/wire"
)

// wsTransport adapts a coder/websocket connection to session.Transport.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Send(env wire.Envelope) error {
	return wsjson.Write(context.Background(), t.conn, env)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "bye")
}

// handleWS accepts a worker connection and runs its control-frame/business-
// frame read loop until the connection drops, at which point the session is
// parked in BACKOFF pending a control.resume within its grace period.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	transport := &wsTransport{conn: conn}

	var sess *session.Session
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		if sess != nil {
			sess.MarkDisconnected(s.now())
		}
	}()

	ctx := r.Context()
	for {
		var env wire.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return
		}
		if err := s.validator.Validate(env.Type, env.Payload); err != nil {
			s.logger.Warn("controlplane: dropping invalid frame", "type", env.Type, "error", err)
			continue
		}
		next, err := s.handleEnvelope(ctx, sess, transport, env)
		if err != nil {
			s.logger.Warn("controlplane: frame handling error", "type", env.Type, "error", err)
			continue
		}
		if next != nil {
			sess = next
		}
	}
}

// handleEnvelope routes one inbound frame to its handler. It returns the
// session the connection should now be associated with (set on
// control.handshake/control.resume, unchanged otherwise).
func (s *Server) handleEnvelope(ctx context.Context, sess *session.Session, transport *wsTransport, env wire.Envelope) (*session.Session, error) {
	switch env.Type {
	case wire.TypeHandshake:
		return s.onHandshake(transport, env)
	case wire.TypeResume:
		return s.onResume(transport, env)
	}

	if sess == nil {
		return nil, fmt.Errorf("controlplane: %s received before handshake", env.Type)
	}

	if !env.IsControl() {
		ok, reason := sess.AcceptRecv(env.SessionSeq)
		if !ok {
			s.logger.Warn("controlplane: dropping business frame", "type", env.Type, "reason", reason, "session_seq", env.SessionSeq)
			return sess, nil
		}
		ackSeq, ackBitmap, recvWindow := sess.RecvAckState()
		ack := &wire.Ack{AckSeq: ackSeq, AckBitmap: ackBitmap, RecvWindow: recvWindow}
		defer func() { s.sendAck(sess, env, ack) }()
	}

	switch env.Type {
	case wire.TypeRegister:
		return sess, s.onRegister(sess, env)
	case wire.TypeHeartbeat:
		return sess, s.onHeartbeat(sess, env)
	case wire.TypeAck:
		return sess, s.onAck(sess, env)
	case wire.TypeExecResult:
		return sess, s.onResult(ctx, env)
	case wire.TypeExecFeedback:
		return sess, s.onFeedback(env)
	case wire.TypeExecError:
		return sess, s.onError(ctx, env)
	case wire.TypeExecNextRequest:
		return sess, s.onNextRequest(sess, env)
	default:
		return sess, fmt.Errorf("controlplane: unhandled frame type %s", env.Type)
	}
}

func (s *Server) onHandshake(transport *wsTransport, env wire.Envelope) (*session.Session, error) {
	var p wire.HandshakePayload
	if err := env.Decode(&p); err != nil {
		return nil, err
	}
	if s.cfg.AuthToken != "" && p.AuthToken != s.cfg.AuthToken {
		reset, err := wire.New(wire.TypeReset, p.Tenant, wire.Sender{Role: wire.RoleScheduler, ID: "scheduler"}, map[string]string{"code": "auth_failed", "reason": "handshake auth rejected"})
		if err == nil {
			_ = transport.Send(reset)
		}
		_ = transport.Close()
		return nil, fmt.Errorf("controlplane: handshake auth rejected for %s", p.WorkerInstanceID)
	}

	windowSize := s.cfg.WindowSize
	if windowSize <= 0 {
		windowSize = window.DefaultSize
	}
	sessionID := uuid.NewString()
	sessionToken := uuid.NewString()
	sess := session.NewWithWindowSize(sessionID, sessionToken, p.WorkerInstanceID, p.WorkerName, p.Tenant, transport, windowSize)
	sess.SetState(session.StateHandshaking)
	s.cfg.Registry.Add(sess)
	s.persistIdentity(sess)

	accept := wire.SessionAcceptPayload{SessionID: sessionID, SessionToken: sessionToken, Resumed: false, WindowSize: windowSize}
	return sess, s.reply(sess, p.Tenant, wire.TypeSessionAccept, accept)
}

// onResume reattaches a still-registered session, or, if the in-memory
// registry has no record of it (a scheduler restart emptied it), consults
// the durable WorkerIdentityStore so the resume can still succeed rather
// than unconditionally refusing with session_not_found.
func (s *Server) onResume(transport *wsTransport, env wire.Envelope) (*session.Session, error) {
	var p wire.ResumePayload
	if err := env.Decode(&p); err != nil {
		return nil, err
	}
	windowSize := s.cfg.WindowSize
	if windowSize <= 0 {
		windowSize = window.DefaultSize
	}

	sess, ok := s.cfg.Registry.Get(p.SessionID)
	if !ok {
		sess, ok = s.resumeFromIdentityStore(transport, p, windowSize)
	}
	if !ok || sess.Token() != p.SessionToken {
		return nil, s.replyNoSession(transport, env.Tenant, p.SessionID)
	}
	sess.Reattach(transport)
	s.persistIdentity(sess)
	accept := wire.SessionAcceptPayload{SessionID: sess.ID(), SessionToken: sess.Token(), Resumed: true, WindowSize: windowSize}
	return sess, s.reply(sess, env.Tenant, wire.TypeSessionAccept, accept)
}

// resumeFromIdentityStore rebuilds an in-memory Session from the durable
// identity index and re-registers it, so the rest of onResume's token
// check and reattach proceeds exactly as it would for a session that
// never left memory.
func (s *Server) resumeFromIdentityStore(transport *wsTransport, p wire.ResumePayload, windowSize int) (*session.Session, bool) {
	if s.cfg.Identity == nil {
		return nil, false
	}
	wi, ok, err := s.cfg.Identity.GetWorkerInstanceBySession(context.Background(), p.SessionID)
	if err != nil {
		s.logger.Warn("controlplane: identity store lookup failed", "session_id", p.SessionID, "error", err)
		return nil, false
	}
	if !ok || wi.SessionToken != p.SessionToken {
		return nil, false
	}
	sess := session.NewWithWindowSize(wi.SessionID, wi.SessionToken, wi.WorkerInstanceID, wi.WorkerName, wi.Tenant, transport, windowSize)
	s.cfg.Registry.Add(sess)
	return sess, true
}

// persistIdentity writes the session's durable identity so a future
// restart's resume can rebuild it via resumeFromIdentityStore. Failures
// are logged and swallowed: identity persistence is a resume-durability
// nicety, not a correctness requirement for the current process lifetime.
func (s *Server) persistIdentity(sess *session.Session) {
	if s.cfg.Identity == nil {
		return
	}
	snap := sess.Snapshot()
	wi := StoredWorkerInstance{
		WorkerInstanceID: snap.WorkerInstanceID,
		WorkerName:       snap.WorkerName,
		Tenant:           snap.Tenant,
		SessionID:        sess.ID(),
		SessionToken:     sess.Token(),
		UpdatedAt:        s.now(),
	}
	if err := s.cfg.Identity.UpsertWorkerInstance(context.Background(), wi); err != nil {
		s.logger.Warn("controlplane: identity store upsert failed", "worker_instance_id", wi.WorkerInstanceID, "error", err)
	}
}

func (s *Server) replyNoSession(transport *wsTransport, tenant, sessionID string) error {
	env, err := wire.New(wire.TypeReset, tenant, wire.Sender{Role: wire.RoleScheduler, ID: "scheduler"}, map[string]string{"code": "session_not_found", "sessionId": sessionID})
	if err != nil {
		return err
	}
	return transport.Send(env)
}

func (s *Server) onRegister(sess *session.Session, env wire.Envelope) error {
	var p wire.RegisterPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	sess.Register(p.Packages)
	s.cfg.Emitter.PublishWorkerPackage(sess.Snapshot())
	return nil
}

func (s *Server) onHeartbeat(sess *session.Session, env wire.Envelope) error {
	var p wire.HeartbeatPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	sess.RecordHeartbeat(p, s.now())
	s.cfg.Emitter.PublishWorkerHeartbeat(sess.Snapshot())
	return nil
}

// onAck resolves a prior dispatch's pending-ack bookkeeping. The ack frame
// itself carries no business payload; Ack.For is the dispatch envelope id
// (the envelope's Corr is used when Ack.For is empty), resolved back to
// (runId, taskId) via the session's own tracking.
func (s *Server) onAck(sess *session.Session, env wire.Envelope) error {
	dispatchID := env.Corr
	if env.Ack != nil {
		sess.AckSend(env.Ack.AckSeq, env.Ack.AckBitmap)
		if env.Ack.For != "" {
			dispatchID = env.Ack.For
		}
	}
	if dispatchID == "" {
		return nil
	}
	runID, taskID, ok := sess.ResolveDispatch(dispatchID)
	if !ok {
		return nil
	}
	return s.cfg.Engine.MarkAcknowledged(runID, taskID, dispatchID)
}

func (s *Server) onResult(ctx context.Context, env wire.Envelope) error {
	var p wire.ResultPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	var result map[string]any
	if len(p.Output) > 0 {
		if err := json.Unmarshal(p.Output, &result); err != nil {
			return err
		}
	}
	var artifacts []any
	if len(p.Artifacts) > 0 {
		if err := json.Unmarshal(p.Artifacts, &artifacts); err != nil {
			return err
		}
	}
	ready, nrs, pubs, err := s.cfg.Engine.ApplyResult(p.RunID, runstate.ResultInput{
		TaskID:     p.TaskID,
		DispatchID: p.DispatchID,
		Status:     runstate.Status(p.Status),
		Result:     result,
		Artifacts:  artifacts,
		DurationMs: p.DurationMs,
	})
	if err != nil {
		return err
	}
	s.cfg.Emitter.Publish(pubs)
	s.cfg.Dispatcher.Enqueue(ready)
	s.RouteNextResponses(nrs)
	return nil
}

func (s *Server) onFeedback(env wire.Envelope) error {
	var p wire.FeedbackPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	var merge map[string]any
	if len(p.Merge) > 0 {
		if err := json.Unmarshal(p.Merge, &merge); err != nil {
			return err
		}
	}
	var metaResults map[string]any
	if len(p.MetaResults) > 0 {
		if err := json.Unmarshal(p.MetaResults, &metaResults); err != nil {
			return err
		}
	}
	var metrics map[string]any
	if len(p.Metrics) > 0 {
		if err := json.Unmarshal(p.Metrics, &metrics); err != nil {
			return err
		}
	}
	var chunks []runstate.FeedbackChunk
	if p.Chunk != nil {
		chunks = append(chunks, runstate.FeedbackChunk{
			Channel:    p.Chunk.Channel,
			Text:       p.Chunk.Text,
			DataBase64: p.Chunk.DataBase64,
			MimeType:   p.Chunk.MimeType,
			Terminal:   p.Chunk.Terminal,
		})
	}
	pubs, err := s.cfg.Engine.ApplyFeedback(p.RunID, runstate.FeedbackInput{
		TaskID:      p.TaskID,
		DispatchID:  p.DispatchID,
		Stage:       p.Stage,
		Progress:    p.Progress,
		Message:     p.Message,
		MetaResults: metaResults,
		Metrics:     metrics,
		Chunks:      chunks,
	})
	if err != nil {
		return err
	}
	_ = merge // decoded for validation only; Merge and Deltas are not applied to node state
	s.cfg.Emitter.Publish(pubs)
	return nil
}

// onError converts a worker-reported failure into a failed ApplyResult,
// folding the error taxonomy into the same terminal path a success result
// takes rather than a separate engine method.
func (s *Server) onError(_ context.Context, env wire.Envelope) error {
	var p wire.ErrorPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	ready, nrs, pubs, err := s.cfg.Engine.ApplyResult(p.RunID, runstate.ResultInput{
		TaskID:     p.TaskID,
		DispatchID: p.DispatchID,
		Status:     runstate.StatusFailed,
		Error:      &runstate.ErrorInfo{Code: p.Code, Message: p.Message},
	})
	if err != nil {
		return err
	}
	s.cfg.Emitter.Publish(pubs)
	s.cfg.Dispatcher.Enqueue(ready)
	s.RouteNextResponses(nrs)
	return nil
}

// onNextRequest routes a middleware's next() call. The envelope's own id is
// used as the request correlation id: each next() call is a distinct
// envelope, so there is no separate request-id field to invent.
func (s *Server) onNextRequest(sess *session.Session, env wire.Envelope) error {
	var p wire.NextRequestPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	snap := sess.Snapshot()
	refuseCode, ready, pubs, err := s.cfg.Engine.HandleNextRequest(runstate.NextRequestInput{
		RunID:            p.RunID,
		RequestID:        env.ID,
		NodeID:           p.NodeID,
		MiddlewareID:     p.MiddlewareID,
		ChainIndex:       p.ChainIndex,
		TimeoutMs:        p.TimeoutMs,
		WorkerInstanceID: snap.WorkerInstanceID,
		WorkerName:       snap.WorkerName,
	})
	if err != nil {
		return err
	}
	s.cfg.Emitter.Publish(pubs)
	s.cfg.Dispatcher.Enqueue(ready)
	if refuseCode != "" {
		payload := wire.NextResponsePayload{RequestID: env.ID, Refused: true, RefuseCode: refuseCode}
		return s.reply(sess, env.Tenant, wire.TypeExecNextResponse, payload)
	}
	return nil
}

func (s *Server) sendAck(sess *session.Session, env wire.Envelope, ack *wire.Ack) {
	ack.For = env.ID
	reply, err := wire.New(wire.TypeAck, env.Tenant, wire.Sender{Role: wire.RoleScheduler, ID: "scheduler"}, map[string]any{})
	if err != nil {
		return
	}
	reply.Ack = ack
	reply.Corr = env.ID
	if err := sess.Send(reply); err != nil {
		s.logger.Warn("controlplane: send ack", "for", env.ID, "error", err)
	}
}

func (s *Server) reply(sess *session.Session, tenant, msgType string, payload any) error {
	env, err := wire.New(msgType, tenant, wire.Sender{Role: wire.RoleScheduler, ID: "scheduler"}, payload)
	if err != nil {
		return err
	}
	return sess.Send(env)
}
