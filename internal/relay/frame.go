package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dontrlycare/m-essenger-server/internal/store"
)

// Inbound frame kinds recognized by the dispatcher.
const (
	kindAuth         = "auth"
	kindMessage      = "message"
	kindTyping       = "typing"
	kindCallOffer    = "call_offer"
	kindCallAnswer   = "call_answer"
	kindIceCandidate = "ice_candidate"
	kindCallEnd      = "call_end"
	kindCallReject   = "call_reject"
)

// Outbound frame kinds produced by the relay.
const (
	kindAuthSuccess  = "auth_success"
	kindNewMessage   = "new_message"
	kindUserStatus   = "user_status"
	kindCallEnded    = "call_ended"
	kindCallRejected = "call_rejected"
	kindCallError    = "call_error"
	kindError        = "error"
)

// errUnknownKind marks a well-formed frame whose kind this relay does not
// recognize. The dispatcher drops such frames without replying.
var errUnknownKind = errors.New("unknown frame kind")

// AuthFrame binds the connection to the declared user identity.
type AuthFrame struct {
	UserID string `json:"userId"`
}

// MessageFrame carries one chat message to persist and fan out.
type MessageFrame struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
	MessageType    string `json:"messageType"`
}

// TypingFrame is the ephemeral typing indicator.
type TypingFrame struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// CallOfferFrame initiates a call toward targetUserId. The offer payload is
// opaque to the relay.
type CallOfferFrame struct {
	TargetUserID   string          `json:"targetUserId"`
	CallerID       string          `json:"callerId"`
	CallerName     string          `json:"callerName"`
	ConversationID string          `json:"conversationId"`
	Offer          json.RawMessage `json:"offer"`
	IsVideo        bool            `json:"isVideo"`
}

// CallAnswerFrame answers a pending offer back toward callerId.
type CallAnswerFrame struct {
	CallerID   string          `json:"callerId"`
	AnswererID string          `json:"answererId"`
	Answer     json.RawMessage `json:"answer"`
}

// IceCandidateFrame forwards one ICE candidate toward targetUserId.
type IceCandidateFrame struct {
	TargetUserID string          `json:"targetUserId"`
	FromUserID   string          `json:"fromUserId"`
	Candidate    json.RawMessage `json:"candidate"`
}

// CallEndFrame tells targetUserId the call is over.
type CallEndFrame struct {
	TargetUserID string `json:"targetUserId"`
	FromUserID   string `json:"fromUserId"`
}

// CallRejectFrame tells callerId the callee declined.
type CallRejectFrame struct {
	CallerID   string `json:"callerId"`
	RejecterID string `json:"rejecterId"`
}

// DecodeFrame parses one inbound frame into its typed form. Malformed JSON
// and a missing kind are reported as errors; a well-formed frame of an
// unrecognized kind returns errUnknownKind so callers can drop it silently.
func DecodeFrame(raw []byte) (any, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parse frame envelope: %w", err)
	}
	if env.Type == "" {
		return nil, errors.New("frame kind required")
	}

	var frame any
	switch env.Type {
	case kindAuth:
		frame = &AuthFrame{}
	case kindMessage:
		frame = &MessageFrame{}
	case kindTyping:
		frame = &TypingFrame{}
	case kindCallOffer:
		frame = &CallOfferFrame{}
	case kindCallAnswer:
		frame = &CallAnswerFrame{}
	case kindIceCandidate:
		frame = &IceCandidateFrame{}
	case kindCallEnd:
		frame = &CallEndFrame{}
	case kindCallReject:
		frame = &CallRejectFrame{}
	default:
		return nil, errUnknownKind
	}

	if err := json.Unmarshal(raw, frame); err != nil {
		return nil, fmt.Errorf("parse %s frame: %w", env.Type, err)
	}
	return frame, nil
}

func frameOp(frame any) string {
	switch frame.(type) {
	case *AuthFrame:
		return kindAuth
	case *MessageFrame:
		return kindMessage
	case *TypingFrame:
		return kindTyping
	case *CallOfferFrame:
		return kindCallOffer
	case *CallAnswerFrame:
		return kindCallAnswer
	case *IceCandidateFrame:
		return kindIceCandidate
	case *CallEndFrame:
		return kindCallEnd
	case *CallRejectFrame:
		return kindCallReject
	default:
		return "unknown"
	}
}

type authSuccess struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type userStatusEvent struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// newMessageEvent is the fan-out form of a persisted message: the stored
// record plus the sender's display name.
type newMessageEvent struct {
	Type string `json:"type"`
	store.Message
	SenderUsername string `json:"sender_username"`
}

type typingEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

type callOfferEvent struct {
	Type           string          `json:"type"`
	Offer          json.RawMessage `json:"offer"`
	CallerID       string          `json:"callerId"`
	CallerName     string          `json:"callerName"`
	ConversationID string          `json:"conversationId"`
	IsVideo        bool            `json:"isVideo"`
}

type callAnswerEvent struct {
	Type       string          `json:"type"`
	Answer     json.RawMessage `json:"answer"`
	AnswererID string          `json:"answererId"`
}

type iceCandidateEvent struct {
	Type       string          `json:"type"`
	Candidate  json.RawMessage `json:"candidate"`
	FromUserID string          `json:"fromUserId"`
}

type callEndedEvent struct {
	Type       string `json:"type"`
	FromUserID string `json:"fromUserId"`
}

type callRejectedEvent struct {
	Type       string `json:"type"`
	RejecterID string `json:"rejecterId"`
}

type callErrorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}
