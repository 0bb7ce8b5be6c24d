package client

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hirespot/chat/internal/models"
)

// Entry is one row of the reconciled message list. Server-confirmed entries
// carry a positive Message.ID; optimistic entries are identified by TempID
// until the echo arrives.
type Entry struct {
	Message models.Message     `json:"message"`
	TempID  string             `json:"temp_id,omitempty"`
	Status  models.LocalStatus `json:"status"`
}

// Confirmed reports whether the entry has been acknowledged by the server.
func (e Entry) Confirmed() bool {
	return e.Message.ID > 0
}

// TimelineEvent is one input to Reduce.
type TimelineEvent interface {
	isTimelineEvent()
}

// HistoryLoaded replaces the list wholesale with a server history page.
// Messages arrive newest-first, as the history endpoint returns them.
type HistoryLoaded struct {
	Messages []models.Message
}

// LocalSend appends an optimistic entry before any server round trip. When
// Connected is false the entry lands directly in the error state and is never
// retried automatically.
type LocalSend struct {
	TempID         string
	ConversationID int
	SenderID       int
	Content        string
	Connected      bool
	At             time.Time
}

// ServerMessage is an inbound receive_message frame: either the echo of an
// optimistic send or a message from the peer.
type ServerMessage struct {
	Message models.Message
}

// StatusUpdate is an inbound message_status_update frame.
type StatusUpdate struct {
	MessageID      int
	DeliveryStatus models.DeliveryStatus
}

func (HistoryLoaded) isTimelineEvent() {}
func (LocalSend) isTimelineEvent()     {}
func (ServerMessage) isTimelineEvent() {}
func (StatusUpdate) isTimelineEvent()  {}

// Reduce folds one event into the entry list and returns the next list. The
// input slice is never mutated, so a caller can hold the previous state for
// diffing.
func Reduce(entries []Entry, event TimelineEvent) []Entry {
	switch ev := event.(type) {
	case HistoryLoaded:
		return reduceHistory(ev)
	case LocalSend:
		return reduceLocalSend(entries, ev)
	case ServerMessage:
		return reduceServerMessage(entries, ev.Message)
	case StatusUpdate:
		return reduceStatusUpdate(entries, ev)
	}
	return entries
}

func reduceHistory(ev HistoryLoaded) []Entry {
	// Reverse the newest-first page into chronological display order.
	next := make([]Entry, 0, len(ev.Messages))
	for i := len(ev.Messages) - 1; i >= 0; i-- {
		msg := ev.Messages[i]
		if !msg.DeliveryStatus.Valid() {
			// Older rows may predate delivery tracking.
			msg.DeliveryStatus = models.DeliverySent
		}
		next = append(next, Entry{Message: msg, Status: models.LocalSent})
	}
	return next
}

func reduceLocalSend(entries []Entry, ev LocalSend) []Entry {
	status := models.LocalSending
	if !ev.Connected {
		status = models.LocalError
	}
	next := append(copyEntries(entries), Entry{
		Message: models.Message{
			ConversationID: ev.ConversationID,
			SenderID:       ev.SenderID,
			Content:        ev.Content,
			DeliveryStatus: models.DeliveryPending,
			CreatedAt:      ev.At,
		},
		TempID: ev.TempID,
		Status: status,
	})
	return next
}

func reduceServerMessage(entries []Entry, msg models.Message) []Entry {
	// A message already present by server ID is a duplicate echo; drop it.
	for _, e := range entries {
		if e.Confirmed() && e.Message.ID == msg.ID {
			return entries
		}
	}

	// Match the echo against the most recent in-flight optimistic entry with
	// the same sender and content, replacing it in place so the message keeps
	// its position.
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if !e.Confirmed() && e.Status == models.LocalSending &&
			e.Message.SenderID == msg.SenderID && e.Message.Content == msg.Content {
			next := copyEntries(entries)
			next[i] = Entry{Message: msg, Status: models.LocalSent}
			return next
		}
	}

	return append(copyEntries(entries), Entry{Message: msg, Status: models.LocalSent})
}

func reduceStatusUpdate(entries []Entry, ev StatusUpdate) []Entry {
	for i, e := range entries {
		if e.Confirmed() && e.Message.ID == ev.MessageID {
			merged := models.MergeDelivery(e.Message.DeliveryStatus, ev.DeliveryStatus)
			if merged == e.Message.DeliveryStatus {
				return entries
			}
			next := copyEntries(entries)
			next[i].Message.DeliveryStatus = merged
			return next
		}
	}
	// Unknown ID: the update raced a history reload. No-op.
	return entries
}

func copyEntries(entries []Entry) []Entry {
	next := make([]Entry, len(entries))
	copy(next, entries)
	return next
}

// Timeline is the stateful wrapper a view holds: the current entry list plus
// the bookkeeping to turn session events and user actions into Reduce inputs.
type Timeline struct {
	selfID int

	mu      sync.Mutex
	entries []Entry
}

func NewTimeline(selfID int) *Timeline {
	return &Timeline{selfID: selfID}
}

// LoadHistory replaces the list with a freshly fetched newest-first page.
func (t *Timeline) LoadHistory(messages []models.Message) {
	t.apply(HistoryLoaded{Messages: messages})
}

// AppendLocal records an optimistic send and returns its temp ID. With
// connected false the entry is born in the error state.
func (t *Timeline) AppendLocal(conversationID int, content string, connected bool) string {
	tempID := uuid.NewString()
	t.apply(LocalSend{
		TempID:         tempID,
		ConversationID: conversationID,
		SenderID:       t.selfID,
		Content:        content,
		Connected:      connected,
		At:             time.Now(),
	})
	return tempID
}

// ApplyEvent folds an inbound session event into the list. Frames other than
// receive_message and message_status_update are ignored here.
func (t *Timeline) ApplyEvent(ev Event) error {
	switch ev.Frame.Type {
	case EventReceiveMessage:
		var payload ReceiveMessagePayload
		if err := DecodePayload(ev.Frame, &payload); err != nil {
			return err
		}
		t.apply(ServerMessage{Message: payload.Message})
	case EventMessageStatusUpdate:
		var payload MessageStatusUpdatePayload
		if err := DecodePayload(ev.Frame, &payload); err != nil {
			return err
		}
		t.apply(StatusUpdate{MessageID: payload.MessageID, DeliveryStatus: payload.DeliveryStatus})
	}
	return nil
}

// Entries returns a snapshot of the current list in display order.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyEntries(t.entries)
}

func (t *Timeline) apply(event TimelineEvent) {
	t.mu.Lock()
	t.entries = Reduce(t.entries, event)
	t.mu.Unlock()
}
