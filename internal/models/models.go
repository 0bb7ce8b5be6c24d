package models

import "time"

// DeliveryStatus is the server-tracked delivery state of a message.
// Transitions are monotonic: pending -> sent -> delivered -> read.
type DeliveryStatus string

const (
	// DeliveryPending exists only client-side, before the server echo.
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
)

func (s DeliveryStatus) rank() int {
	switch s {
	case DeliveryPending:
		return 0
	case DeliverySent:
		return 1
	case DeliveryDelivered:
		return 2
	case DeliveryRead:
		return 3
	}
	return -1
}

// Valid reports whether s is one of the four known states.
func (s DeliveryStatus) Valid() bool {
	return s.rank() >= 0
}

// MergeDelivery returns the further-along of the two states, so that
// out-of-order status updates never regress a message.
func MergeDelivery(current, next DeliveryStatus) DeliveryStatus {
	if next.rank() > current.rank() {
		return next
	}
	return current
}

// LocalStatus is the client-only send state used for optimistic UI.
// It is never persisted or sent over the wire.
type LocalStatus string

const (
	LocalSending LocalStatus = "sending"
	LocalSent    LocalStatus = "sent"
	LocalError   LocalStatus = "error"
)

type User struct {
	ID          int    `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Conversation links exactly two marketplace parties.
type Conversation struct {
	ID         int       `json:"id"`
	ClientID   int       `json:"client_id"`
	ProviderID int       `json:"provider_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Peer returns the other participant, or 0 if userID is not a participant.
func (c Conversation) Peer(userID int) int {
	switch userID {
	case c.ClientID:
		return c.ProviderID
	case c.ProviderID:
		return c.ClientID
	}
	return 0
}

// HasParticipant reports whether userID is one of the two parties.
func (c Conversation) HasParticipant(userID int) bool {
	return userID == c.ClientID || userID == c.ProviderID
}

type Message struct {
	ID             int            `json:"id"`
	ConversationID int            `json:"conversation_id"`
	SenderID       int            `json:"sender_id"`
	Content        string         `json:"content"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ConversationSummary is the list-view shape: a conversation with its most
// recent message and the viewer's unread count.
type ConversationSummary struct {
	Conversation Conversation `json:"conversation"`
	LastMessage  *Message     `json:"last_message,omitempty"`
	UnreadCount  int          `json:"unread_count"`
}
