package ws

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hirespot/chat/internal/store"
)

// Hub owns every live session, the per-conversation rooms that scope message
// fan-out, and the presence set derived from session lifecycle. Register and
// unregister flow through channels so presence transitions are processed one
// at a time; room membership and fan-out are mutex-guarded because they are
// driven concurrently from each session's read pump.
type Hub struct {
	store    store.Store
	log      zerolog.Logger
	presence *Presence
	pipeline *Pipeline

	// Register requests from new sessions.
	register chan *session

	// Unregister requests from closing sessions.
	unregister chan *session

	mu       sync.Mutex
	sessions map[*session]struct{}
	byUser   map[int]map[*session]struct{}
	rooms    map[int]map[*session]struct{} // conversationID -> joined sessions
}

func NewHub(st store.Store, log zerolog.Logger) *Hub {
	h := &Hub{
		store:      st,
		log:        log.With().Str("component", "hub").Logger(),
		presence:   NewPresence(),
		register:   make(chan *session),
		unregister: make(chan *session),
		sessions:   make(map[*session]struct{}),
		byUser:     make(map[int]map[*session]struct{}),
		rooms:      make(map[int]map[*session]struct{}),
	}
	h.pipeline = NewPipeline(st, h, log)
	return h
}

// Pipeline exposes the delivery pipeline for REST collaborators that trigger
// transitions without a websocket session (bulk mark-read).
func (h *Hub) Pipeline() *Pipeline {
	return h.pipeline
}

// Presence exposes point-in-time connectivity lookups.
func (h *Hub) Presence() *Presence {
	return h.presence
}

func (h *Hub) Run() {
	for {
		select {
		case s := <-h.register:
			h.addSession(s)
			if h.presence.connect(s.userID) {
				h.notifyPresence(EventUserConnected, s.userID, 0)
			}
		case s := <-h.unregister:
			// Capture the room before removal so the peer still viewing the
			// conversation learns about the disconnect.
			lastRoom := s.currentRoom()
			if !h.removeSession(s) {
				continue
			}
			h.presence.unwatchAll(s)
			if h.presence.disconnect(s.userID) {
				h.notifyPresence(EventUserDisconnected, s.userID, lastRoom)
			}
		}
	}
}

func (h *Hub) addSession(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s] = struct{}{}
	set, ok := h.byUser[s.userID]
	if !ok {
		set = make(map[*session]struct{})
		h.byUser[s.userID] = set
	}
	set[s] = struct{}{}
}

// removeSession detaches s from every hub structure and signals its write
// pump to stop. The send channel is left open: fan-out goroutines working
// from a pre-removal snapshot may still enqueue, and those frames are simply
// dropped. Reports false if s was already removed, keeping unregister
// idempotent.
func (h *Hub) removeSession(s *session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s]; !ok {
		return false
	}
	delete(h.sessions, s)
	if set, ok := h.byUser[s.userID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.byUser, s.userID)
		}
	}
	h.detachFromRoomLocked(s)
	close(s.done)
	return true
}

// joinRoom moves s into the room for conversationID, replacing any previous
// room membership (switching conversations replaces the active target).
func (h *Hub) joinRoom(s *session, conversationID int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachFromRoomLocked(s)
	room, ok := h.rooms[conversationID]
	if !ok {
		room = make(map[*session]struct{})
		h.rooms[conversationID] = room
	}
	room[s] = struct{}{}
	s.setRoom(conversationID)
}

func (h *Hub) detachFromRoomLocked(s *session) {
	previous := s.currentRoom()
	if previous == 0 {
		return
	}
	if room, ok := h.rooms[previous]; ok {
		delete(room, s)
		if len(room) == 0 {
			delete(h.rooms, previous)
		}
	}
	s.setRoom(0)
}

func (h *Hub) roomSessions(conversationID int) []*session {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[conversationID]
	sessions := make([]*session, 0, len(room))
	for s := range room {
		sessions = append(sessions, s)
	}
	return sessions
}

// roomHasUser reports whether any of userID's sessions is joined to the room.
func (h *Hub) roomHasUser(conversationID, userID int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.rooms[conversationID] {
		if s.userID == userID {
			return true
		}
	}
	return false
}

// sendToUser fans a frame out to every live session of userID, joined to a
// room or not.
func (h *Hub) sendToUser(userID int, frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.log.Error().Err(err).Str("event", string(frame.Type)).Msg("marshal frame")
		return
	}
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.byUser[userID]))
	for s := range h.byUser[userID] {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		s.enqueue(data)
	}
}

// notifyPresence pushes a connect/disconnect event to every session that has
// either queried userID's status or currently shares a room with one of
// userID's sessions. extraRoom, when non-zero, is a room the user occupied
// just before disconnecting.
func (h *Hub) notifyPresence(eventType EventType, userID int, extraRoom int) {
	frame, err := NewFrame(eventType, "", PresencePayload{UserID: userID})
	if err != nil {
		h.log.Error().Err(err).Msg("build presence frame")
		return
	}
	data, _ := json.Marshal(frame)

	targets := make(map[*session]struct{})
	for _, s := range h.presence.watchersOf(userID) {
		targets[s] = struct{}{}
	}
	h.mu.Lock()
	for conversationID, room := range h.rooms {
		if conversationID != extraRoom && !roomContainsUserLocked(room, userID) {
			continue
		}
		for s := range room {
			if s.userID != userID {
				targets[s] = struct{}{}
			}
		}
	}
	h.mu.Unlock()

	for s := range targets {
		if s.userID == userID {
			continue
		}
		s.enqueue(data)
	}
}

func roomContainsUserLocked(room map[*session]struct{}, userID int) bool {
	for s := range room {
		if s.userID == userID {
			return true
		}
	}
	return false
}
