package client

import "github.com/hirespot/chat/internal/ws"

// Aliases re-export the wire protocol so consumers of this package can name
// frame and payload types without reaching into internal packages.
type (
	Frame     = ws.Frame
	EventType = ws.EventType

	JoinRoomPayload            = ws.JoinRoomPayload
	JoinedRoomPayload          = ws.JoinedRoomPayload
	SendMessagePayload         = ws.SendMessagePayload
	ReceiveMessagePayload      = ws.ReceiveMessagePayload
	MessageStatusUpdatePayload = ws.MessageStatusUpdatePayload
	CheckUserStatusPayload     = ws.CheckUserStatusPayload
	UserStatusPayload          = ws.UserStatusPayload
	MarkDeliveredPayload       = ws.MarkDeliveredPayload
	MarkReadPayload            = ws.MarkReadPayload
	PresencePayload            = ws.PresencePayload
	ErrorPayload               = ws.ErrorPayload
)

const (
	EventJoinRoom        = ws.EventJoinRoom
	EventSendMessage     = ws.EventSendMessage
	EventCheckUserStatus = ws.EventCheckUserStatus
	EventMarkDelivered   = ws.EventMarkDelivered
	EventMarkRead        = ws.EventMarkRead

	EventJoinedRoom          = ws.EventJoinedRoom
	EventReceiveMessage      = ws.EventReceiveMessage
	EventMessageStatusUpdate = ws.EventMessageStatusUpdate
	EventUserConnected       = ws.EventUserConnected
	EventUserDisconnected    = ws.EventUserDisconnected
	EventUserStatus          = ws.EventUserStatus
	EventError               = ws.EventError
)

// NewFrame and DecodePayload mirror the server-side helpers.
func NewFrame(eventType EventType, requestID string, payload any) (Frame, error) {
	return ws.NewFrame(eventType, requestID, payload)
}

func DecodePayload(frame Frame, dst any) error {
	return ws.DecodePayload(frame, dst)
}
