package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxFrameSize = 16 * 1024

	// Outbound frame buffer per session.
	sendBuffer = 64

	maxContentLength = 2000
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// session is one authenticated websocket connection. All inbound frames for a
// session are handled on its read pump goroutine, so handlers for the same
// session never run concurrently.
type session struct {
	hub    *Hub
	conn   *websocket.Conn
	userID int

	// Buffered channel of outbound frames, drained by the write pump.
	send chan []byte

	// Closed by the hub on unregister. Fan-out runs on caller goroutines
	// against lock-free session snapshots, so the send channel itself is never
	// closed; done is the teardown signal instead.
	done chan struct{}

	mu   sync.Mutex
	room int // active conversation ID, 0 when not joined
}

func (s *session) setRoom(conversationID int) {
	s.mu.Lock()
	s.room = conversationID
	s.mu.Unlock()
}

func (s *session) currentRoom() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// enqueue hands a marshaled frame to the write pump. Frames enqueued after
// the session unregistered are dropped. A full buffer means the consumer
// stopped reading; closing the connection lets the read pump tear the session
// down through the normal unregister path.
func (s *session) enqueue(data []byte) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.send <- data:
	default:
		s.hub.log.Warn().Int("user_id", s.userID).Msg("slow consumer, dropping session")
		s.conn.Close()
	}
}

func (s *session) sendFrame(eventType EventType, requestID string, payload any) {
	frame, err := NewFrame(eventType, requestID, payload)
	if err != nil {
		s.hub.log.Error().Err(err).Str("event", string(eventType)).Msg("build frame")
		return
	}
	data, _ := json.Marshal(frame)
	s.enqueue(data)
}

func (s *session) sendError(requestID, code, message string) {
	s.sendFrame(EventError, requestID, ErrorPayload{Code: code, Message: message})
}

// readPump pumps frames from the websocket connection to the hub.
func (s *session) readPump() {
	defer func() {
		s.hub.unregister <- s
		s.conn.Close()
	}()
	s.conn.SetReadLimit(maxFrameSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		var frame Frame
		if err := s.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.log.Debug().Err(err).Int("user_id", s.userID).Msg("read error")
			}
			return
		}
		s.handleFrame(frame)
	}
}

// writePump pumps frames from the hub to the websocket connection and keeps
// the heartbeat alive.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *session) handleFrame(frame Frame) {
	switch frame.Type {
	case EventJoinRoom:
		s.handleJoin(frame)
	case EventSendMessage:
		s.handleSend(frame)
	case EventCheckUserStatus:
		s.handleCheckStatus(frame)
	case EventMarkDelivered:
		s.handleMarkDelivered(frame)
	case EventMarkRead:
		s.handleMarkRead(frame)
	default:
		s.sendError(frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type")
	}
}

func (s *session) handleJoin(frame Frame) {
	var payload JoinRoomPayload
	if err := DecodePayload(frame, &payload); err != nil {
		s.sendError(frame.RequestID, "INVALID_ARGUMENT", "invalid join payload")
		return
	}

	conv, err := s.hub.store.GetConversation(payload.ConversationID)
	if err != nil {
		s.sendError(frame.RequestID, "NOT_FOUND", "conversation not found")
		return
	}
	if !conv.HasParticipant(s.userID) {
		s.sendError(frame.RequestID, "FORBIDDEN", "participant access required")
		return
	}

	s.hub.joinRoom(s, conv.ID)

	peerID := conv.Peer(s.userID)
	s.sendFrame(EventJoinedRoom, frame.RequestID, JoinedRoomPayload{
		ConversationID: conv.ID,
		PeerID:         peerID,
		PeerOnline:     s.hub.presence.IsOnline(peerID),
		ServerTime:     time.Now().UTC().Format(time.RFC3339),
	})

	// Opening the conversation is the bulk-delivered trigger for messages
	// that accumulated while this user had no session in the room.
	if err := s.hub.pipeline.DeliverPending(conv.ID, s.userID); err != nil {
		s.hub.log.Error().Err(err).Int("conversation_id", conv.ID).Msg("bulk delivered transition")
	}
}

func (s *session) handleSend(frame Frame) {
	var payload SendMessagePayload
	if err := DecodePayload(frame, &payload); err != nil {
		s.sendError(frame.RequestID, "INVALID_ARGUMENT", "invalid send payload")
		return
	}
	if payload.Content == "" {
		s.sendError(frame.RequestID, "INVALID_ARGUMENT", "content is required")
		return
	}
	if len(payload.Content) > maxContentLength {
		s.sendError(frame.RequestID, "INVALID_ARGUMENT", "content too long")
		return
	}
	if s.currentRoom() != payload.ConversationID {
		s.sendError(frame.RequestID, "FORBIDDEN", "must join the conversation room before sending")
		return
	}

	if err := s.hub.pipeline.Send(payload.ConversationID, s.userID, payload.Content); err != nil {
		s.hub.log.Error().Err(err).Int("user_id", s.userID).Msg("send message")
		s.sendError(frame.RequestID, "INTERNAL", "message could not be persisted")
	}
}

func (s *session) handleCheckStatus(frame Frame) {
	var payload CheckUserStatusPayload
	if err := DecodePayload(frame, &payload); err != nil {
		s.sendError(frame.RequestID, "INVALID_ARGUMENT", "invalid status payload")
		return
	}

	// Asking about a user registers interest in their presence changes.
	s.hub.presence.watch(payload.UserID, s)
	s.sendFrame(EventUserStatus, frame.RequestID, UserStatusPayload{
		UserID:   payload.UserID,
		IsOnline: s.hub.presence.IsOnline(payload.UserID),
	})
}

func (s *session) handleMarkDelivered(frame Frame) {
	var payload MarkDeliveredPayload
	if err := DecodePayload(frame, &payload); err != nil {
		s.sendError(frame.RequestID, "INVALID_ARGUMENT", "invalid delivered payload")
		return
	}
	if err := s.hub.pipeline.MarkMessageDelivered(payload.MessageID, s.userID); err != nil {
		s.sendError(frame.RequestID, "FAILED_PRECONDITION", err.Error())
	}
}

func (s *session) handleMarkRead(frame Frame) {
	var payload MarkReadPayload
	if err := DecodePayload(frame, &payload); err != nil {
		s.sendError(frame.RequestID, "INVALID_ARGUMENT", "invalid read payload")
		return
	}
	var err error
	if payload.MessageID > 0 {
		err = s.hub.pipeline.MarkMessageRead(payload.MessageID, s.userID)
	} else {
		err = s.hub.pipeline.MarkConversationRead(payload.ConversationID, s.userID)
	}
	if err != nil {
		s.sendError(frame.RequestID, "FAILED_PRECONDITION", err.Error())
	}
}

// ServeWS upgrades an authenticated HTTP request to a websocket session and
// registers it with the hub.
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request, userID int) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Error().Err(err).Msg("websocket upgrade")
		return
	}
	s := &session{
		hub:    hub,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	hub.register <- s

	go s.writePump()
	go s.readPump()
}
