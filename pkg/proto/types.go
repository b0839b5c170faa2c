package proto

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/timestamppb"
)

// Role identifies what an authenticated connection is entitled to see
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleUser    Role = "user"
	RoleSupport Role = "support"
)

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleUser, RoleSupport:
		return true
	}
	return false
}

// EventKind is the named channel an event is published on
type EventKind string

const (
	KindOrderUpdate     EventKind = "order_update"
	KindNewOrder        EventKind = "new_order"
	KindInventoryUpdate EventKind = "inventory_update"
	KindFinancialUpdate EventKind = "financial_update"
	KindLowStockAlert   EventKind = "low_stock_alert"
	KindContentUpdate   EventKind = "content_update"
	KindChatMessage     EventKind = "chat_message"
	KindChatTyping      EventKind = "chat_typing"
)

// AllKinds lists every event kind the broadcaster knows about
func AllKinds() []EventKind {
	return []EventKind{
		KindOrderUpdate,
		KindNewOrder,
		KindInventoryUpdate,
		KindFinancialUpdate,
		KindLowStockAlert,
		KindContentUpdate,
		KindChatMessage,
		KindChatTyping,
	}
}

// Event is an immutable notification describing a committed state change
type Event struct {
	Id           string                 `json:"id"`
	Kind         EventKind              `json:"kind"`
	Payload      json.RawMessage        `json:"payload,omitempty"`
	TargetUserId string                 `json:"target_user_id,omitempty"`
	Ts           *timestamppb.Timestamp `json:"ts,omitempty"`
}

// String returns a short description used in logs
func (e *Event) String() string {
	if e.TargetUserId != "" {
		return fmt.Sprintf("%s(%s -> %s)", e.Kind, e.Id, e.TargetUserId)
	}
	return fmt.Sprintf("%s(%s)", e.Kind, e.Id)
}

// FrameType discriminates wire frames
type FrameType string

const (
	FrameHandshake FrameType = "handshake"
	FramePing      FrameType = "ping"
	FrameConnected FrameType = "connected"
	FrameEvent     FrameType = "event"
	FrameHeartbeat FrameType = "heartbeat"
	FrameError     FrameType = "error"
)

// HandshakeAuth carries the bearer credential for a new session
type HandshakeAuth struct {
	Token string `json:"token"`
}

// ErrorDetail describes a failure sent to the peer
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes carried in ErrorDetail
const (
	ErrCodeUnauthorized      = "unauthorized"
	ErrCodeHandshakeRequired = "handshake_required"
	ErrCodeInvalidFrame      = "invalid_frame"
	ErrCodeCapacity          = "capacity"
)

// Frame is the envelope for every message on the stream transports
type Frame struct {
	Type         FrameType       `json:"type"`
	Auth         *HandshakeAuth  `json:"auth,omitempty"`
	ConnectionId string          `json:"connection_id,omitempty"`
	Role         Role            `json:"role,omitempty"`
	Id           string          `json:"id,omitempty"`
	Kind         EventKind       `json:"kind,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Error        *ErrorDetail    `json:"error,omitempty"`
}

// EventFrame wraps an event for delivery
func EventFrame(e *Event) *Frame {
	return &Frame{
		Type:    FrameEvent,
		Id:      e.Id,
		Kind:    e.Kind,
		Payload: e.Payload,
	}
}

// ErrorFrame builds an error frame
func ErrorFrame(code, message string) *Frame {
	return &Frame{
		Type:  FrameError,
		Error: &ErrorDetail{Code: code, Message: message},
	}
}

// PollHandshakeRequest opens a long-polling session
type PollHandshakeRequest struct {
	Token string `json:"token"`
}

// PollHandshakeResponse is returned when a long-polling session is opened
type PollHandshakeResponse struct {
	ConnectionId string `json:"connection_id"`
	Role         Role   `json:"role"`
}

// PollResponse carries the frames accumulated since the previous poll
type PollResponse struct {
	Frames []json.RawMessage `json:"frames"`
}

// PublishEventRequest is the body of POST /events
type PublishEventRequest struct {
	Kind         EventKind       `json:"kind"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	TargetUserId string          `json:"target_user_id,omitempty"`
}

// ConnectionStats summarizes the live connection set
type ConnectionStats struct {
	Total         int            `json:"total"`
	Pending       int            `json:"pending"`
	ByRole        map[Role]int   `json:"by_role"`
	ByProtocol    map[string]int `json:"by_protocol"`
	DroppedEvents uint64         `json:"dropped_events"`
}
