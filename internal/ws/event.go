package ws

import (
	"encoding/json"
	"fmt"

	"github.com/hirespot/chat/internal/models"
)

// EventType names every frame that crosses the socket. Payload shapes are
// fixed per type so handlers decode into concrete structs instead of looking
// up string-keyed callbacks.
type EventType string

const (
	// Client to server.
	EventJoinRoom        EventType = "join_room"
	EventSendMessage     EventType = "send_message"
	EventCheckUserStatus EventType = "check_user_status"
	EventMarkDelivered   EventType = "mark_message_as_delivered"
	EventMarkRead        EventType = "mark_message_as_read"

	// Server to client.
	EventJoinedRoom          EventType = "joined_room"
	EventReceiveMessage      EventType = "receive_message"
	EventMessageStatusUpdate EventType = "message_status_update"
	EventUserConnected       EventType = "user_connected"
	EventUserDisconnected    EventType = "user_disconnected"
	EventUserStatus          EventType = "user_status"
	EventError               EventType = "error"
)

// Frame is the wire envelope. RequestID correlates acks (joined_room,
// user_status, error) with the client frame that triggered them.
type Frame struct {
	Type      EventType       `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type JoinRoomPayload struct {
	ConversationID int `json:"conversation_id"`
}

type JoinedRoomPayload struct {
	ConversationID int    `json:"conversation_id"`
	PeerID         int    `json:"peer_id"`
	PeerOnline     bool   `json:"peer_online"`
	ServerTime     string `json:"server_time"`
}

type SendMessagePayload struct {
	ConversationID int    `json:"conversation_id"`
	Content        string `json:"content"`
}

type ReceiveMessagePayload struct {
	Message models.Message `json:"message"`
}

type MessageStatusUpdatePayload struct {
	MessageID      int                   `json:"message_id"`
	DeliveryStatus models.DeliveryStatus `json:"delivery_status"`
}

type CheckUserStatusPayload struct {
	UserID int `json:"user_id"`
}

type UserStatusPayload struct {
	UserID   int  `json:"user_id"`
	IsOnline bool `json:"is_online"`
}

type MarkDeliveredPayload struct {
	MessageID int `json:"message_id"`
}

// MarkReadPayload targets one message when MessageID is set, otherwise the
// whole conversation (the bulk form issued on conversation open).
type MarkReadPayload struct {
	MessageID      int `json:"message_id,omitempty"`
	ConversationID int `json:"conversation_id,omitempty"`
}

type PresencePayload struct {
	UserID int `json:"user_id"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewFrame marshals payload into a typed frame.
func NewFrame(eventType EventType, requestID string, payload any) (Frame, error) {
	frame := Frame{Type: eventType, RequestID: requestID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		frame.Payload = raw
	}
	return frame, nil
}

// DecodePayload unmarshals a frame payload into the struct for its type.
func DecodePayload(frame Frame, dst any) error {
	if len(frame.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", frame.Type)
	}
	if err := json.Unmarshal(frame.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", frame.Type, err)
	}
	return nil
}
