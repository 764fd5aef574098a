// Package signal is the protocol dispatcher: it maps inbound wire methods
// onto orchestrator operations, correlates responses to requests, pushes
// the orchestrator's notifications to the right connections, and normalizes
// every failure into the wire error format.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/akarev/roomd/internal/domain"
	"github.com/akarev/roomd/internal/metrics"
	"github.com/akarev/roomd/internal/orch"
)

// Config is the dispatcher's configuration slice.
type Config struct {
	// SuppressDetail replaces internal error detail with a generic message
	// in outbound GenericError payloads. Full detail is always logged.
	SuppressDetail bool
	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int
	// PingPeriod is the keepalive ping interval; zero selects the default.
	PingPeriod time.Duration
}

type session struct {
	id   string
	conn *wsConn

	mu            sync.Mutex
	participantID domain.ParticipantID
	userName      string
}

func (s *session) bind(id domain.ParticipantID, userName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.participantID != "" {
		return false
	}
	s.participantID = id
	s.userName = userName
	return true
}

func (s *session) unbind() domain.ParticipantID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.participantID
	s.participantID = ""
	s.userName = ""
	return id
}

func (s *session) participant() domain.ParticipantID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participantID
}

type Dispatcher struct {
	orch    *orch.Orchestrator
	cfg     Config
	metrics *metrics.Metrics

	mu            sync.RWMutex
	sessions      map[string]*session
	byParticipant map[domain.ParticipantID]*session
}

func NewDispatcher(cfg Config, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		cfg:           cfg,
		metrics:       m,
		sessions:      make(map[string]*session),
		byParticipant: make(map[domain.ParticipantID]*session),
	}
}

// Attach wires the orchestrator in after construction: the dispatcher is
// also the orchestrator's RoomHandler, so the two reference each other.
func (d *Dispatcher) Attach(o *orch.Orchestrator) { d.orch = o }

// HandleConn owns one client connection for its whole lifetime. On any
// close, graceful or abrupt, it synthesizes a leave for the bound
// participant and closes the connection resource exactly once.
func (d *Dispatcher) HandleConn(ctx context.Context, ws *websocket.Conn) {
	sess := &session{id: uuid.NewString(), conn: newWSConn(ws, d.cfg.SendBuffer, d.cfg.PingPeriod)}
	d.mu.Lock()
	d.sessions[sess.id] = sess
	d.mu.Unlock()
	log.Info().Str("module", "signal").Str("session", sess.id).Msg("connection open")

	sess.conn.setupRead()
	go sess.conn.writePump()
	defer d.closeSession(ctx, sess)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, data, err := ws.ReadMessage()
		if err != nil {
			log.Info().Err(err).Str("module", "signal").Str("session", sess.id).Msg("connection read ended")
			return
		}
		d.handleFrame(ctx, sess, data)
	}
}

// closeSession runs the disconnect sequence: synthesized leave first, then
// unconditional resource cleanup regardless of how the leave went.
func (d *Dispatcher) closeSession(ctx context.Context, sess *session) {
	defer func() {
		d.mu.Lock()
		delete(d.sessions, sess.id)
		d.mu.Unlock()
		sess.conn.Close()
		log.Info().Str("module", "signal").Str("session", sess.id).Msg("connection closed")
	}()
	if pid := sess.unbind(); pid != "" {
		d.mu.Lock()
		delete(d.byParticipant, pid)
		d.mu.Unlock()
		if _, err := d.orch.LeaveRoom(ctx, pid); err != nil {
			log.Error().Err(err).Str("module", "signal").Str("session", sess.id).Msg("leave on disconnect")
		}
	}
}

// OnTransportError is the transport fault callback: logged only, no state
// mutation. Teardown happens through the read loop ending.
func (d *Dispatcher) OnTransportError(sessionID string, err error) {
	log.Error().Err(err).Str("module", "signal").Str("session", sessionID).Msg("transport error")
}

func (d *Dispatcher) handleFrame(ctx context.Context, sess *session, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("session", sess.id).Msg("bad json frame")
		return
	}
	if d.metrics != nil {
		// Arbitrary client-supplied names must not become label values.
		label := req.Method
		if !knownMethod(label) {
			label = "unknown"
		}
		d.metrics.Requests.WithLabelValues(label).Inc()
	}
	// An unexpected internal fault must never escape to the transport.
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("panic", r).Str("module", "signal").Str("session", sess.id).Str("method", req.Method).Msg("request handler panicked")
			d.sendError(sess, req, domain.NewRoomError(domain.CodeGeneric, "internal server error"))
		}
	}()

	switch req.Method {
	case MethodJoinRoom:
		d.handleJoinRoom(ctx, sess, req)
	case MethodPublishVideo:
		d.handlePublishVideo(ctx, sess, req)
	case MethodUnpublishVideo:
		d.handleUnpublishVideo(ctx, sess, req)
	case MethodReceiveVideoFrom:
		d.handleReceiveVideoFrom(ctx, sess, req)
	case MethodUnsubscribeFromVideo:
		d.handleUnsubscribeFromVideo(ctx, sess, req)
	case MethodOnIceCandidate:
		d.handleOnIceCandidate(ctx, sess, req)
	case MethodLeaveRoom:
		d.handleLeaveRoom(ctx, sess, req)
	case MethodSendMessage:
		d.handleSendMessage(sess, req)
	case MethodCustomRequest:
		// Opaque passthrough: echoed back, not interpreted.
		d.sendResult(sess, req, json.RawMessage(req.Params))
	default:
		// Deliberately no wire response; the client gets silence.
		log.Error().Str("module", "signal").Str("session", sess.id).Str("method", req.Method).Msg("unrecognized request")
	}
}

func (d *Dispatcher) boundParticipant(sess *session) (domain.ParticipantID, error) {
	pid := sess.participant()
	if pid == "" {
		return "", domain.NewRoomError(domain.CodeParticipantNotFound, "session %s has not joined a room", sess.id)
	}
	return pid, nil
}

func (d *Dispatcher) handleJoinRoom(ctx context.Context, sess *session, req request) {
	var p joinRoomParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		d.sendError(sess, req, domain.NewRoomError(domain.CodeGeneric, "bad joinRoom params: %v", err))
		return
	}
	pid := domain.NewParticipantID()
	if !sess.bind(pid, p.User) {
		d.sendError(sess, req, domain.NewRoomError(domain.CodeDuplicateParticipant, "session %s already joined", sess.id))
		return
	}
	d.mu.Lock()
	d.byParticipant[pid] = sess
	d.mu.Unlock()

	trickle := p.Trickle == nil || *p.Trickle
	existing, err := d.orch.JoinRoom(ctx, p.User, domain.RoomName(p.Room), p.DataChannels, trickle, true, pid)
	if err != nil {
		sess.unbind()
		d.mu.Lock()
		delete(d.byParticipant, pid)
		d.mu.Unlock()
		d.sendError(sess, req, err)
		return
	}
	d.sendResult(sess, req, map[string]any{
		"sessionId": sess.id,
		"value":     existing,
	})
}

func (d *Dispatcher) handleLeaveRoom(ctx context.Context, sess *session, req request) {
	pid := sess.unbind()
	if pid == "" {
		// Leaving twice is fine; the explicit leave can race a disconnect.
		d.sendResult(sess, req, map[string]any{})
		return
	}
	d.mu.Lock()
	delete(d.byParticipant, pid)
	d.mu.Unlock()
	if _, err := d.orch.LeaveRoom(ctx, pid); err != nil {
		d.sendError(sess, req, err)
		return
	}
	d.sendResult(sess, req, map[string]any{})
}

func (d *Dispatcher) handlePublishVideo(ctx context.Context, sess *session, req request) {
	pid, err := d.boundParticipant(sess)
	if err != nil {
		d.sendError(sess, req, err)
		return
	}
	var p publishVideoParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		d.sendError(sess, req, domain.NewRoomError(domain.CodeGeneric, "bad publishVideo params: %v", err))
		return
	}
	isOffer := p.SdpOffer != ""
	sdp := p.SdpOffer
	if !isOffer {
		// Either the answer completing a server-generated offer, or empty
		// to ask for one.
		sdp = p.SdpAnswer
	}
	result, err := d.orch.PublishMedia(ctx, pid, domain.StreamID(p.StreamID), p.StreamType, isOffer, sdp, p.DoLoopback, domain.MediaAll, "")
	if err != nil {
		d.sendError(sess, req, err)
		return
	}
	switch {
	case isOffer:
		d.sendResult(sess, req, map[string]any{"sdpAnswer": result})
	case sdp == "":
		d.sendResult(sess, req, map[string]any{"sdpOffer": result})
	default:
		d.sendResult(sess, req, map[string]any{})
	}
}

func (d *Dispatcher) handleUnpublishVideo(ctx context.Context, sess *session, req request) {
	pid, err := d.boundParticipant(sess)
	if err != nil {
		d.sendError(sess, req, err)
		return
	}
	var p unpublishVideoParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		d.sendError(sess, req, domain.NewRoomError(domain.CodeGeneric, "bad unpublishVideo params: %v", err))
		return
	}
	if err := d.orch.UnpublishMedia(ctx, pid, domain.StreamID(p.StreamID)); err != nil {
		d.sendError(sess, req, err)
		return
	}
	d.sendResult(sess, req, map[string]any{})
}

func (d *Dispatcher) handleReceiveVideoFrom(ctx context.Context, sess *session, req request) {
	pid, err := d.boundParticipant(sess)
	if err != nil {
		d.sendError(sess, req, err)
		return
	}
	var p receiveVideoParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		d.sendError(sess, req, domain.NewRoomError(domain.CodeGeneric, "bad receiveVideoFrom params: %v", err))
		return
	}
	answer, err := d.orch.Subscribe(ctx, p.Sender, domain.StreamID(p.StreamID), p.SdpOffer, pid)
	if err != nil {
		d.sendError(sess, req, err)
		return
	}
	d.sendResult(sess, req, map[string]any{"sdpAnswer": answer})
}

func (d *Dispatcher) handleUnsubscribeFromVideo(ctx context.Context, sess *session, req request) {
	pid, err := d.boundParticipant(sess)
	if err != nil {
		d.sendError(sess, req, err)
		return
	}
	var p unsubscribeVideoParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		d.sendError(sess, req, domain.NewRoomError(domain.CodeGeneric, "bad unsubscribeFromVideo params: %v", err))
		return
	}
	if err := d.orch.Unsubscribe(ctx, p.Sender, domain.StreamID(p.StreamID), pid); err != nil {
		d.sendError(sess, req, err)
		return
	}
	d.sendResult(sess, req, map[string]any{})
}

func (d *Dispatcher) handleOnIceCandidate(ctx context.Context, sess *session, req request) {
	pid, err := d.boundParticipant(sess)
	if err != nil {
		d.sendError(sess, req, err)
		return
	}
	var p iceCandidateParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		d.sendError(sess, req, domain.NewRoomError(domain.CodeGeneric, "bad onIceCandidate params: %v", err))
		return
	}
	err = d.orch.OnIceCandidate(ctx, p.EndpointName, domain.StreamID(p.StreamID), p.Candidate, p.SdpMLineIndex, p.SdpMid, pid)
	if err != nil {
		d.sendError(sess, req, err)
		return
	}
	d.sendResult(sess, req, map[string]any{})
}

func (d *Dispatcher) handleSendMessage(sess *session, req request) {
	pid, err := d.boundParticipant(sess)
	if err != nil {
		d.sendError(sess, req, err)
		return
	}
	var p sendMessageParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		d.sendError(sess, req, domain.NewRoomError(domain.CodeGeneric, "bad sendMessage params: %v", err))
		return
	}
	if err := d.orch.SendMessage(pid, domain.RoomName(p.Room), p.Message); err != nil {
		d.sendError(sess, req, err)
		return
	}
	d.sendResult(sess, req, map[string]any{})
}

func (d *Dispatcher) sendResult(sess *session, req request, result any) {
	if req.ID == nil {
		return
	}
	d.sendJSON(sess, response{ID: *req.ID, Result: result})
}

// sendError converts a typed failure into the wire error payload. Full
// detail is logged; the outbound GenericError message is replaced with a
// generic string when detail suppression is on.
func (d *Dispatcher) sendError(sess *session, req request, err error) {
	code := domain.CodeOf(err)
	log.Error().Err(err).Str("module", "signal").Str("session", sess.id).Str("method", req.Method).Str("code", code.String()).Msg("request failed")
	if d.metrics != nil {
		d.metrics.WireErrors.WithLabelValues(code.String()).Inc()
	}
	if req.ID == nil {
		return
	}
	msg := err.Error()
	var re *domain.RoomError
	if errors.As(err, &re) {
		msg = re.Message
	}
	if code == domain.CodeGeneric && d.cfg.SuppressDetail {
		msg = "internal server error"
	}
	d.sendJSON(sess, response{ID: *req.ID, Error: &wireError{Code: int(code), Message: msg}})
}

func (d *Dispatcher) sendJSON(sess *session, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("marshal outbound frame")
		return
	}
	if err := sess.conn.TrySend(data); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("session", sess.id).Msg("send dropped")
	}
}
