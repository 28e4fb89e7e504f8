package main

import "errors"

// Client -> server message types.
const (
	typeRegister    = "session:register"
	typeFind        = "match:find"
	typeCancel      = "match:cancel"
	typeSend        = "message:send"
	typeTypingStart = "typing:start"
	typeTypingStop  = "typing:stop"
	typeLeaveRoom   = "room:leave"
	typeBlock       = "user:block"
	typeUnblock     = "user:unblock"
)

// Server -> client event types not produced by the matchmaker.
const (
	eventRegistered = "session:registered"
	eventCancelled  = "match:cancelled"
	eventMessage    = "message:new"
	eventAck        = "message:ack"
	eventTyping     = "typing:update"
	eventRoomLeft   = "room:left"
	eventBlocked    = "user:blocked"
	eventUnblocked  = "user:unblocked"
	eventError      = "error"
)

var (
	errBadRequest   = errors.New("malformed message")
	errUnknownType  = errors.New("unknown message type")
	errNotInRoom    = errors.New("not in a room")
	errEmptyMessage = errors.New("message is empty")
	errNoTarget     = errors.New("missing target")
)

// errorCode maps protocol faults to the code sent in error events.
func errorCode(err error) string {
	switch {
	case errors.Is(err, errBadRequest):
		return "bad_request"
	case errors.Is(err, errUnknownType):
		return "unknown_type"
	case errors.Is(err, errNotInRoom):
		return "not_in_room"
	case errors.Is(err, errEmptyMessage):
		return "empty_message"
	case errors.Is(err, errNoTarget):
		return "no_target"
	default:
		return "internal"
	}
}

// ClientMessage is the envelope received from websocket clients.
type ClientMessage struct {
	Type      string   `json:"type"`
	ID        string   `json:"id,omitempty"`
	Interests []string `json:"interests,omitempty"`
	Mood      string   `json:"mood,omitempty"`
	RoomID    string   `json:"roomId,omitempty"`
	Text      string   `json:"text,omitempty"`
	TempID    string   `json:"tempId,omitempty"`
	Target    string   `json:"target,omitempty"`
}

// Peer describes the other side of a match.
type Peer struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// ServerEvent is pushed to clients. Only the fields relevant to Type are set.
type ServerEvent struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId,omitempty"`
	RoomID     string `json:"roomId,omitempty"`
	Peer       *Peer  `json:"peer,omitempty"`
	MessageID  string `json:"messageId,omitempty"`
	TempID     string `json:"tempId,omitempty"`
	SenderID   string `json:"senderId,omitempty"`
	SenderName string `json:"senderName,omitempty"`
	Text       string `json:"text,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	Active     *bool  `json:"active,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Target     string `json:"target,omitempty"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
}

func errorEvent(err error) ServerEvent {
	return ServerEvent{Type: eventError, Code: errorCode(err), Message: err.Error()}
}
