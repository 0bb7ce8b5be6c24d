package ws

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/hirespot/chat/internal/models"
	"github.com/hirespot/chat/internal/store"
)

var (
	ErrNotParticipant = errors.New("user is not a conversation participant")
	ErrOwnMessage     = errors.New("cannot acknowledge own message")
)

// Pipeline is the single writer of message existence and delivery state. Every
// transition goes through the store's monotonic update, so concurrent or
// repeated acknowledgements can only move a message forward.
type Pipeline struct {
	store store.Store
	hub   *Hub
	log   zerolog.Logger
}

func NewPipeline(st store.Store, hub *Hub, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		store: st,
		hub:   hub,
		log:   log.With().Str("component", "pipeline").Logger(),
	}
}

// Send persists content as a new message with deliveryStatus=sent, fans it out
// to every session joined to the conversation room (the sender's sessions
// receive the echo used for optimistic reconciliation), and auto-transitions
// to delivered when the recipient has a session in the room.
func (p *Pipeline) Send(conversationID, senderID int, content string) error {
	conv, err := p.store.GetConversation(conversationID)
	if err != nil {
		return fmt.Errorf("load conversation %d: %w", conversationID, err)
	}
	if !conv.HasParticipant(senderID) {
		return ErrNotParticipant
	}

	msg, err := p.store.SaveMessage(conversationID, senderID, content)
	if err != nil {
		return fmt.Errorf("persist message: %w", err)
	}

	frame, err := NewFrame(EventReceiveMessage, "", ReceiveMessagePayload{Message: *msg})
	if err != nil {
		return err
	}
	data, _ := json.Marshal(frame)
	for _, s := range p.hub.roomSessions(conversationID) {
		s.enqueue(data)
	}

	// First-session receipt suffices for the delivered transition.
	peerID := conv.Peer(senderID)
	if p.hub.roomHasUser(conversationID, peerID) {
		p.transition(msg.ID, senderID, models.DeliveryDelivered)
	}
	return nil
}

// MarkMessageDelivered is the client-confirmed fallback path for a recipient
// whose automatic receipt handling failed.
func (p *Pipeline) MarkMessageDelivered(messageID, recipientID int) error {
	return p.acknowledge(messageID, recipientID, models.DeliveryDelivered)
}

// MarkMessageRead advances a single message to read on the recipient's
// explicit view action.
func (p *Pipeline) MarkMessageRead(messageID, viewerID int) error {
	return p.acknowledge(messageID, viewerID, models.DeliveryRead)
}

func (p *Pipeline) acknowledge(messageID, userID int, status models.DeliveryStatus) error {
	msg, err := p.store.GetMessage(messageID)
	if err != nil {
		return fmt.Errorf("load message %d: %w", messageID, err)
	}
	if msg.SenderID == userID {
		return ErrOwnMessage
	}
	conv, err := p.store.GetConversation(msg.ConversationID)
	if err != nil {
		return fmt.Errorf("load conversation %d: %w", msg.ConversationID, err)
	}
	if !conv.HasParticipant(userID) {
		return ErrNotParticipant
	}
	p.transition(messageID, msg.SenderID, status)
	return nil
}

// MarkConversationRead is the bulk read transition issued when the viewer
// opens the conversation: every qualifying message (sender != viewer, not
// already read) moves to read, with one status update per message pushed to
// the sender.
func (p *Pipeline) MarkConversationRead(conversationID, viewerID int) error {
	conv, err := p.store.GetConversation(conversationID)
	if err != nil {
		return fmt.Errorf("load conversation %d: %w", conversationID, err)
	}
	if !conv.HasParticipant(viewerID) {
		return ErrNotParticipant
	}

	ids, err := p.store.MarkConversationRead(conversationID, viewerID)
	if err != nil {
		return fmt.Errorf("bulk read transition: %w", err)
	}
	p.pushStatusUpdates(conv.Peer(viewerID), ids, models.DeliveryRead)
	return nil
}

// DeliverPending performs the bulk delivered transition for messages that
// accumulated while the recipient had no session in the room.
func (p *Pipeline) DeliverPending(conversationID, recipientID int) error {
	conv, err := p.store.GetConversation(conversationID)
	if err != nil {
		return fmt.Errorf("load conversation %d: %w", conversationID, err)
	}
	if !conv.HasParticipant(recipientID) {
		return ErrNotParticipant
	}

	ids, err := p.store.MarkConversationDelivered(conversationID, recipientID)
	if err != nil {
		return fmt.Errorf("bulk delivered transition: %w", err)
	}
	p.pushStatusUpdates(conv.Peer(recipientID), ids, models.DeliveryDelivered)
	return nil
}

// transition applies one monotonic state change and, if the row moved, pushes
// the update to the sender's sessions. Regressive updates are silent no-ops.
func (p *Pipeline) transition(messageID, senderID int, status models.DeliveryStatus) {
	changed, err := p.store.UpdateDeliveryStatus(messageID, status)
	if err != nil {
		p.log.Error().Err(err).Int("message_id", messageID).Msg("delivery transition")
		return
	}
	if !changed {
		return
	}
	p.pushStatusUpdates(senderID, []int{messageID}, status)
}

func (p *Pipeline) pushStatusUpdates(senderID int, messageIDs []int, status models.DeliveryStatus) {
	for _, id := range messageIDs {
		frame, err := NewFrame(EventMessageStatusUpdate, "", MessageStatusUpdatePayload{
			MessageID:      id,
			DeliveryStatus: status,
		})
		if err != nil {
			p.log.Error().Err(err).Msg("build status frame")
			continue
		}
		p.hub.sendToUser(senderID, frame)
	}
}
