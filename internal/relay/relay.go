package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/dontrlycare/m-essenger-server/internal/registry"
	"github.com/dontrlycare/m-essenger-server/internal/store"
)

const (
	statusOnline  = "online"
	statusOffline = "offline"

	defaultMessageType = "text"
)

// Store is the durable collaborator behind the relay. The relay never caches
// store results; participants are resolved fresh for every event.
type Store interface {
	UpdateUserStatus(ctx context.Context, userID, status string) error
	CreateMessage(ctx context.Context, conversationID, senderID, content, messageType string) (store.Message, error)
	ConversationParticipants(ctx context.Context, conversationID string) ([]string, error)
	UserByID(ctx context.Context, userID string) (store.User, error)
}

// Options configures observability for the relay.
type Options struct {
	Metrics *Metrics
}

// Relay routes frames between live client connections: presence, chat
// fan-out, typing indicators and call signaling.
type Relay struct {
	log      *zap.Logger
	registry registry.ConnRegistry
	store    Store
	metrics  *Metrics
}

// New wires the relay's collaborators.
func New(log *zap.Logger, reg registry.ConnRegistry, st Store, opts Options) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	if reg == nil {
		reg = registry.NewInMemory()
	}
	return &Relay{
		log:      log,
		registry: reg,
		store:    st,
		metrics:  opts.Metrics,
	}
}

type sessionState int

const (
	stateUnbound sessionState = iota
	stateBound
	stateClosed
)

// Session tracks the relay-side state of one client connection. A session is
// confined to its connection's read loop; it must not be shared across
// goroutines.
type Session struct {
	conn   registry.Conn
	remote string
	userID string
	state  sessionState
}

// NewSession starts tracking a connection that has not yet declared an
// identity.
func NewSession(conn registry.Conn, remote string) *Session {
	return &Session{conn: conn, remote: remote}
}

// UserID reports the bound identity, empty while unbound.
func (s *Session) UserID() string {
	return s.userID
}

// HandleFrame parses and routes one inbound frame. Every failure is scoped
// to this connection: the sender gets a single error frame and the stream
// stays open. Frames of unknown kinds are dropped without a reply.
func (r *Relay) HandleFrame(ctx context.Context, session *Session, raw []byte) {
	if session.state == stateClosed {
		return
	}
	start := time.Now()

	frame, err := DecodeFrame(raw)
	if err != nil {
		if errors.Is(err, errUnknownKind) {
			r.metrics.recordFrame("ignored")
			return
		}
		r.metrics.recordFrame("malformed")
		r.metrics.recordError("MALFORMED")
		r.log.Debug("malformed frame", zap.String("remote", session.remote), zap.Error(err))
		r.sendError(session, "invalid frame format")
		return
	}

	op := frameOp(frame)
	r.metrics.recordFrame(op)

	err = r.routeFrame(ctx, session, frame)
	r.observe(op, start, err)
	if err == nil {
		return
	}

	var rerr *routeError
	if errors.As(err, &rerr) {
		r.sendError(session, rerr.msg)
		return
	}
	r.log.Error("frame handling failed", zap.String("op", op), zap.Error(err))
	r.sendError(session, "internal error")
}

// HandleDisconnect runs the teardown path for a closing connection. Nothing
// is written back to the closing connection; a second call is a no-op.
func (r *Relay) HandleDisconnect(ctx context.Context, session *Session) {
	if session.state == stateClosed {
		return
	}
	userID := session.userID
	if session.state == stateBound {
		r.release(ctx, session)
	}
	session.state = stateClosed
	r.log.Info("connection closed",
		zap.String("remote", session.remote),
		zap.String("user_id", userID),
		zap.Int("online", r.registry.Len()))
}

func (r *Relay) routeFrame(ctx context.Context, session *Session, frame any) error {
	switch f := frame.(type) {
	case *AuthFrame:
		return r.handleAuth(ctx, session, f)
	case *MessageFrame:
		return r.handleMessage(ctx, f)
	case *TypingFrame:
		return r.handleTyping(ctx, f)
	case *CallOfferFrame:
		return r.handleCallOffer(session, f)
	case *CallAnswerFrame:
		return r.handleCallAnswer(f)
	case *IceCandidateFrame:
		return r.handleIceCandidate(f)
	case *CallEndFrame:
		return r.handleCallEnd(f)
	case *CallRejectFrame:
		return r.handleCallReject(f)
	default:
		return &routeError{code: "INVALID_FRAME", msg: "unsupported frame"}
	}
}

// handleAuth binds the declared identity to this connection, marks the user
// online and acknowledges. Bind order matters: registry first, then the
// store, then the presence broadcast, then the ack.
func (r *Relay) handleAuth(ctx context.Context, session *Session, frame *AuthFrame) error {
	if frame.UserID == "" {
		return &routeError{code: "INVALID_FRAME", msg: "user id required"}
	}

	if session.state == stateBound && session.userID != frame.UserID {
		// Rebinding under a different identity releases the old one first.
		r.release(ctx, session)
	}

	replaced := r.registry.Bind(frame.UserID, session.conn)
	if session.state != stateBound {
		r.metrics.incSession()
	}
	session.userID = frame.UserID
	session.state = stateBound

	if err := r.store.UpdateUserStatus(ctx, frame.UserID, statusOnline); err != nil {
		r.log.Warn("mark user online", zap.String("user_id", frame.UserID), zap.Error(err))
		return &routeError{code: "STORE_FAILED", msg: "failed to update status"}
	}

	r.broadcastStatus(frame.UserID, statusOnline)
	r.push(session.conn, authSuccess{Type: kindAuthSuccess, UserID: frame.UserID})

	r.log.Info("user bound",
		zap.String("user_id", frame.UserID),
		zap.String("remote", session.remote),
		zap.Bool("replaced", replaced),
		zap.Int("online", r.registry.Len()))
	return nil
}

// handleMessage persists the message, then fans it out to every participant
// with a live connection except the sender. The record must be durable
// before any peer hears about it.
func (r *Relay) handleMessage(ctx context.Context, frame *MessageFrame) error {
	if frame.ConversationID == "" || frame.SenderID == "" {
		return &routeError{code: "INVALID_FRAME", msg: "conversation id and sender id required"}
	}
	messageType := frame.MessageType
	if messageType == "" {
		messageType = defaultMessageType
	}

	msg, err := r.store.CreateMessage(ctx, frame.ConversationID, frame.SenderID, frame.Content, messageType)
	if err != nil {
		r.log.Warn("persist message",
			zap.String("conversation_id", frame.ConversationID),
			zap.String("sender_id", frame.SenderID),
			zap.Error(err))
		return &routeError{code: "STORE_FAILED", msg: "failed to save message"}
	}

	participants, err := r.store.ConversationParticipants(ctx, frame.ConversationID)
	if err != nil {
		r.log.Warn("resolve participants", zap.String("conversation_id", frame.ConversationID), zap.Error(err))
		return &routeError{code: "STORE_FAILED", msg: "failed to resolve conversation"}
	}

	sender, err := r.store.UserByID(ctx, frame.SenderID)
	if err != nil {
		r.log.Warn("resolve sender", zap.String("user_id", frame.SenderID), zap.Error(err))
		return &routeError{code: "STORE_FAILED", msg: "failed to resolve sender"}
	}

	payload, err := json.Marshal(newMessageEvent{
		Type:           kindNewMessage,
		Message:        msg,
		SenderUsername: sender.Username,
	})
	if err != nil {
		return err
	}

	delivered := 0
	for _, id := range participants {
		if id == frame.SenderID {
			continue
		}
		conn, ok := r.registry.Lookup(id)
		if !ok {
			continue
		}
		if err := conn.Send(payload); err != nil {
			r.metrics.recordDrop()
			continue
		}
		delivered++
	}

	r.log.Debug("message routed",
		zap.String("message_id", msg.ID),
		zap.String("conversation_id", msg.ConversationID),
		zap.Int("delivered", delivered))
	return nil
}

// handleTyping forwards the indicator to every other participant currently
// online. Nothing is persisted and per-peer losses are invisible.
func (r *Relay) handleTyping(ctx context.Context, frame *TypingFrame) error {
	if frame.ConversationID == "" || frame.UserID == "" {
		return &routeError{code: "INVALID_FRAME", msg: "conversation id and user id required"}
	}

	participants, err := r.store.ConversationParticipants(ctx, frame.ConversationID)
	if err != nil {
		r.log.Warn("resolve participants", zap.String("conversation_id", frame.ConversationID), zap.Error(err))
		return &routeError{code: "STORE_FAILED", msg: "failed to resolve conversation"}
	}

	payload, err := json.Marshal(typingEvent{
		Type:           kindTyping,
		ConversationID: frame.ConversationID,
		UserID:         frame.UserID,
		IsTyping:       frame.IsTyping,
	})
	if err != nil {
		return err
	}

	for _, id := range participants {
		if id == frame.UserID {
			continue
		}
		conn, ok := r.registry.Lookup(id)
		if !ok {
			continue
		}
		if err := conn.Send(payload); err != nil {
			r.metrics.recordDrop()
		}
	}
	return nil
}

// handleCallOffer forwards the offer to its target. The offer is the only
// signaling frame that reports an offline callee back to the caller.
func (r *Relay) handleCallOffer(session *Session, frame *CallOfferFrame) error {
	if frame.TargetUserID == "" {
		return &routeError{code: "INVALID_FRAME", msg: "target user id required"}
	}

	conn, ok := r.registry.Lookup(frame.TargetUserID)
	if !ok {
		r.push(session.conn, callErrorEvent{Type: kindCallError, Error: "User is offline"})
		return nil
	}

	r.push(conn, callOfferEvent{
		Type:           kindCallOffer,
		Offer:          frame.Offer,
		CallerID:       frame.CallerID,
		CallerName:     frame.CallerName,
		ConversationID: frame.ConversationID,
		IsVideo:        frame.IsVideo,
	})
	return nil
}

func (r *Relay) handleCallAnswer(frame *CallAnswerFrame) error {
	if frame.CallerID == "" {
		return &routeError{code: "INVALID_FRAME", msg: "caller id required"}
	}

	conn, ok := r.registry.Lookup(frame.CallerID)
	if !ok {
		return nil
	}
	r.push(conn, callAnswerEvent{Type: kindCallAnswer, Answer: frame.Answer, AnswererID: frame.AnswererID})
	return nil
}

func (r *Relay) handleIceCandidate(frame *IceCandidateFrame) error {
	if frame.TargetUserID == "" {
		return &routeError{code: "INVALID_FRAME", msg: "target user id required"}
	}

	conn, ok := r.registry.Lookup(frame.TargetUserID)
	if !ok {
		return nil
	}
	r.push(conn, iceCandidateEvent{Type: kindIceCandidate, Candidate: frame.Candidate, FromUserID: frame.FromUserID})
	return nil
}

func (r *Relay) handleCallEnd(frame *CallEndFrame) error {
	if frame.TargetUserID == "" {
		return &routeError{code: "INVALID_FRAME", msg: "target user id required"}
	}

	conn, ok := r.registry.Lookup(frame.TargetUserID)
	if !ok {
		return nil
	}
	r.push(conn, callEndedEvent{Type: kindCallEnded, FromUserID: frame.FromUserID})
	return nil
}

func (r *Relay) handleCallReject(frame *CallRejectFrame) error {
	if frame.CallerID == "" {
		return &routeError{code: "INVALID_FRAME", msg: "caller id required"}
	}

	conn, ok := r.registry.Lookup(frame.CallerID)
	if !ok {
		return nil
	}
	r.push(conn, callRejectedEvent{Type: kindCallRejected, RejecterID: frame.RejecterID})
	return nil
}

// release gives up the session's current identity: conditional unbind, then
// offline status and broadcast when this connection still owned the binding.
func (r *Relay) release(ctx context.Context, session *Session) {
	userID := session.userID
	owned := r.registry.Unbind(userID, session.conn)
	session.userID = ""
	session.state = stateUnbound
	r.metrics.decSession()

	if !owned {
		// A newer connection for this user holds the binding; telling peers
		// the user went offline would be wrong.
		r.log.Debug("binding already displaced", zap.String("user_id", userID))
		return
	}

	if err := r.store.UpdateUserStatus(ctx, userID, statusOffline); err != nil {
		r.log.Warn("mark user offline", zap.String("user_id", userID), zap.Error(err))
	}
	r.broadcastStatus(userID, statusOffline)
}

// broadcastStatus tells every other online user about a presence change.
// Best effort: a peer that cannot take the frame is skipped.
func (r *Relay) broadcastStatus(userID, status string) {
	payload, err := json.Marshal(userStatusEvent{Type: kindUserStatus, UserID: userID, Status: status})
	if err != nil {
		r.log.Error("encode status event", zap.Error(err))
		return
	}
	for _, entry := range r.registry.Snapshot() {
		if entry.UserID == userID {
			continue
		}
		if err := entry.Conn.Send(payload); err != nil {
			r.metrics.recordDrop()
		}
	}
}

// push marshals one outbound frame and enqueues it on conn, dropping the
// frame when the peer cannot take it.
func (r *Relay) push(conn registry.Conn, frame any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		r.log.Error("encode outbound frame", zap.Error(err))
		return
	}
	if err := conn.Send(payload); err != nil {
		r.metrics.recordDrop()
	}
}

func (r *Relay) sendError(session *Session, msg string) {
	r.push(session.conn, errorFrame{Type: kindError, Error: msg})
}

func (r *Relay) observe(op string, start time.Time, err error) {
	if r.metrics == nil {
		return
	}
	r.metrics.observeLatency(op, time.Since(start))
	if err != nil {
		code := "internal"
		var rerr *routeError
		if errors.As(err, &rerr) && rerr.code != "" {
			code = rerr.code
		}
		r.metrics.recordError(code)
	}
}

// routeError maps a handling failure to the error frame sent to the client.
type routeError struct {
	code string
	msg  string
}

func (e *routeError) Error() string {
	return e.msg
}
