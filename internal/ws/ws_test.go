package ws

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hirespot/chat/internal/models"
	"github.com/hirespot/chat/internal/store/sqlstore"
)

// wsHarness serves the hub over httptest with the user ID taken from a query
// parameter, standing in for the auth middleware.
type wsHarness struct {
	server *httptest.Server
	store  *sqlstore.SQLStore
	alice  int
	bob    int
	convID int
}

func newWSHarness(t *testing.T) *wsHarness {
	t.Helper()
	st, err := sqlstore.New("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	alice := &models.User{Username: "alice", DisplayName: "Alice"}
	bob := &models.User{Username: "bob", DisplayName: "Bob"}
	if err := st.CreateUser(alice); err != nil {
		t.Fatalf("create alice: %v", err)
	}
	if err := st.CreateUser(bob); err != nil {
		t.Fatalf("create bob: %v", err)
	}
	convID, err := st.CreateConversation(alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	hub := NewHub(st, zerolog.Nop())
	go hub.Run()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _ := strconv.Atoi(r.URL.Query().Get("uid"))
		ServeWS(hub, w, r, userID)
	}))
	t.Cleanup(server.Close)

	return &wsHarness{server: server, store: st, alice: alice.ID, bob: bob.ID, convID: int(convID)}
}

func (h *wsHarness) dial(t *testing.T, userID int) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "?uid=" + strconv.Itoa(userID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrameTo(t *testing.T, conn *websocket.Conn, eventType EventType, requestID string, payload any) {
	t.Helper()
	frame, err := NewFrame(eventType, requestID, payload)
	if err != nil {
		t.Fatalf("build %s frame: %v", eventType, err)
	}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write %s frame: %v", eventType, err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func expectError(t *testing.T, conn *websocket.Conn, wantCode string) {
	t.Helper()
	frame := readFrame(t, conn)
	if frame.Type != EventError {
		t.Fatalf("frame type = %s, want error", frame.Type)
	}
	var payload ErrorPayload
	if err := DecodePayload(frame, &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload.Code != wantCode {
		t.Errorf("error code = %s, want %s", payload.Code, wantCode)
	}
}

func TestJoinUnknownConversation(t *testing.T) {
	h := newWSHarness(t)
	conn := h.dial(t, h.alice)

	sendFrameTo(t, conn, EventJoinRoom, "req-1", JoinRoomPayload{ConversationID: 999})
	expectError(t, conn, "NOT_FOUND")
}

func TestJoinAsNonParticipant(t *testing.T) {
	h := newWSHarness(t)
	outsider := &models.User{Username: "mallory", DisplayName: "Mallory"}
	if err := h.store.CreateUser(outsider); err != nil {
		t.Fatalf("create outsider: %v", err)
	}
	conn := h.dial(t, outsider.ID)

	sendFrameTo(t, conn, EventJoinRoom, "req-1", JoinRoomPayload{ConversationID: h.convID})
	expectError(t, conn, "FORBIDDEN")
}

func TestSendWithoutJoining(t *testing.T) {
	h := newWSHarness(t)
	conn := h.dial(t, h.alice)

	sendFrameTo(t, conn, EventSendMessage, "req-1", SendMessagePayload{ConversationID: h.convID, Content: "hi"})
	expectError(t, conn, "FORBIDDEN")
}

func TestSendValidation(t *testing.T) {
	h := newWSHarness(t)
	conn := h.dial(t, h.alice)

	sendFrameTo(t, conn, EventJoinRoom, "req-1", JoinRoomPayload{ConversationID: h.convID})
	joined := readFrame(t, conn)
	if joined.Type != EventJoinedRoom {
		t.Fatalf("frame type = %s, want joined_room", joined.Type)
	}

	sendFrameTo(t, conn, EventSendMessage, "req-2", SendMessagePayload{ConversationID: h.convID})
	expectError(t, conn, "INVALID_ARGUMENT")

	long := strings.Repeat("a", maxContentLength+1)
	sendFrameTo(t, conn, EventSendMessage, "req-3", SendMessagePayload{ConversationID: h.convID, Content: long})
	expectError(t, conn, "INVALID_ARGUMENT")
}

func TestMarkOwnMessageRead(t *testing.T) {
	h := newWSHarness(t)
	msg, err := h.store.SaveMessage(h.convID, h.alice, "hello")
	if err != nil {
		t.Fatalf("save message: %v", err)
	}
	conn := h.dial(t, h.alice)

	sendFrameTo(t, conn, EventMarkRead, "req-1", MarkReadPayload{MessageID: msg.ID})
	expectError(t, conn, "FAILED_PRECONDITION")
}

func TestUnsupportedFrameType(t *testing.T) {
	h := newWSHarness(t)
	conn := h.dial(t, h.alice)

	sendFrameTo(t, conn, EventType("typing_indicator"), "req-1", struct{}{})
	expectError(t, conn, "INVALID_ARGUMENT")
}

func TestJoinSwitchesRooms(t *testing.T) {
	h := newWSHarness(t)
	carol := &models.User{Username: "carol", DisplayName: "Carol"}
	if err := h.store.CreateUser(carol); err != nil {
		t.Fatalf("create carol: %v", err)
	}
	otherConv, err := h.store.CreateConversation(h.alice, carol.ID)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	conn := h.dial(t, h.alice)
	sendFrameTo(t, conn, EventJoinRoom, "req-2", JoinRoomPayload{ConversationID: h.convID})
	if frame := readFrame(t, conn); frame.Type != EventJoinedRoom {
		t.Fatalf("frame type = %s, want joined_room", frame.Type)
	}
	sendFrameTo(t, conn, EventJoinRoom, "req-3", JoinRoomPayload{ConversationID: int(otherConv)})
	if frame := readFrame(t, conn); frame.Type != EventJoinedRoom {
		t.Fatalf("frame type = %s, want joined_room", frame.Type)
	}

	// Sending to the previous room is rejected once the target switched.
	sendFrameTo(t, conn, EventSendMessage, "req-4", SendMessagePayload{ConversationID: h.convID, Content: "stale"})
	expectError(t, conn, "FORBIDDEN")
}
