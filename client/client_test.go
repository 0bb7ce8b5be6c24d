package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirespot/chat/internal/auth"
	"github.com/hirespot/chat/internal/handlers"
	"github.com/hirespot/chat/internal/middleware"
	"github.com/hirespot/chat/internal/models"
	"github.com/hirespot/chat/internal/store"
	"github.com/hirespot/chat/internal/store/sqlstore"
	"github.com/hirespot/chat/internal/ws"
)

// harness runs the real server stack against an in-memory store so sessions
// exercise the same code paths as production.
type harness struct {
	server   *httptest.Server
	store    store.Store
	secret   []byte
	alice    int
	bob      int
	convID   int
	requests int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st, err := sqlstore.New("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{store: st, secret: []byte("test-secret")}

	logger := zerolog.Nop()
	hub := ws.NewHub(st, logger)
	go hub.Run()

	verifier := auth.NewVerifier(h.secret)
	tokenHandler := &handlers.TokenHandler{Secret: h.secret, TokenTTL: time.Hour}
	chatHandler := &handlers.ChatHandler{Store: st, Hub: hub}

	r := mux.NewRouter()
	r.HandleFunc("/token/refresh", tokenHandler.Refresh).Methods("POST")

	protected := r.NewRoute().Subrouter()
	protected.Use(middleware.Auth(verifier))
	protected.HandleFunc("/conversations", chatHandler.GetConversations).Methods("GET")
	protected.HandleFunc("/conversations/{id}/messages", chatHandler.GetMessages).Methods("GET")
	protected.HandleFunc("/conversations/{id}/read", chatHandler.MarkRead).Methods("POST")
	protected.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
		ws.ServeWS(hub, w, req, middleware.UserIDFrom(req.Context()))
	})

	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&h.requests, 1)
		r.ServeHTTP(w, req)
	}))
	t.Cleanup(h.server.Close)

	alice := &models.User{Username: "alice", DisplayName: "Alice"}
	bob := &models.User{Username: "bob", DisplayName: "Bob"}
	require.NoError(t, st.CreateUser(alice))
	require.NoError(t, st.CreateUser(bob))
	h.alice, h.bob = alice.ID, bob.ID

	convID, err := st.CreateConversation(alice.ID, bob.ID)
	require.NoError(t, err)
	h.convID = int(convID)

	return h
}

func (h *harness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws"
}

func (h *harness) token(t *testing.T, userID int, ttl time.Duration) string {
	t.Helper()
	token, err := auth.Mint(h.secret, userID, ttl)
	require.NoError(t, err)
	return token
}

func (h *harness) session(t *testing.T, creds CredentialProvider) (*Session, chan Event) {
	t.Helper()
	events := make(chan Event, 64)
	sess := NewSession(SessionConfig{
		URL:         h.wsURL(),
		Credentials: creds,
		OnEvent:     func(ev Event) { events <- ev },
		Logger:      zerolog.Nop(),
	})
	t.Cleanup(func() { sess.Close() })
	return sess, events
}

// waitFrame drains events until one of the wanted type arrives.
func waitFrame(t *testing.T, events <-chan Event, want EventType) Frame {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Frame.Type == want {
				return ev.Frame
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", want)
		}
	}
}

type countingProvider struct {
	inner     CredentialProvider
	refreshes int32
}

func (p *countingProvider) Token(ctx context.Context) (string, error) {
	return p.inner.Token(ctx)
}

func (p *countingProvider) Refresh(ctx context.Context) (string, error) {
	atomic.AddInt32(&p.refreshes, 1)
	return p.inner.Refresh(ctx)
}

func TestOpenWithoutCredential(t *testing.T) {
	h := newHarness(t)
	before := atomic.LoadInt32(&h.requests)

	sess, _ := h.session(t, StaticProvider(""))
	err := sess.Open(context.Background(), h.convID)

	require.ErrorIs(t, err, ErrAuthMissing)
	assert.Equal(t, StateErrored, sess.State())
	// No network attempt is made without a credential.
	assert.Equal(t, before, atomic.LoadInt32(&h.requests))
}

func TestOpenJoinsRoomAndEchoesSend(t *testing.T) {
	h := newHarness(t)
	sess, events := h.session(t, StaticProvider(h.token(t, h.alice, time.Hour)))

	require.NoError(t, sess.Open(context.Background(), h.convID))
	assert.Equal(t, StateConnected, sess.State())

	joined := waitFrame(t, events, EventJoinedRoom)
	var joinedPayload JoinedRoomPayload
	require.NoError(t, DecodePayload(joined, &joinedPayload))
	assert.Equal(t, h.convID, joinedPayload.ConversationID)
	assert.Equal(t, h.bob, joinedPayload.PeerID)
	assert.False(t, joinedPayload.PeerOnline)

	require.NoError(t, sess.Send(h.convID, "hello bob"))

	echo := waitFrame(t, events, EventReceiveMessage)
	var msgPayload ReceiveMessagePayload
	require.NoError(t, DecodePayload(echo, &msgPayload))
	assert.Equal(t, "hello bob", msgPayload.Message.Content)
	assert.Equal(t, h.alice, msgPayload.Message.SenderID)
	// The peer has no session in the room, so the echo stays at sent.
	assert.Equal(t, models.DeliverySent, msgPayload.Message.DeliveryStatus)
}

func TestSendAutoDeliveredWhenPeerInRoom(t *testing.T) {
	h := newHarness(t)
	aliceSess, aliceEvents := h.session(t, StaticProvider(h.token(t, h.alice, time.Hour)))
	bobSess, bobEvents := h.session(t, StaticProvider(h.token(t, h.bob, time.Hour)))

	require.NoError(t, aliceSess.Open(context.Background(), h.convID))
	waitFrame(t, aliceEvents, EventJoinedRoom)
	require.NoError(t, bobSess.Open(context.Background(), h.convID))
	waitFrame(t, bobEvents, EventJoinedRoom)

	require.NoError(t, aliceSess.Send(h.convID, "are you there"))

	inbound := waitFrame(t, bobEvents, EventReceiveMessage)
	var inboundPayload ReceiveMessagePayload
	require.NoError(t, DecodePayload(inbound, &inboundPayload))
	assert.Equal(t, "are you there", inboundPayload.Message.Content)

	// The recipient has a live session in the room, so the sender sees the
	// delivered transition without any client acknowledgement.
	update := waitFrame(t, aliceEvents, EventMessageStatusUpdate)
	var updatePayload MessageStatusUpdatePayload
	require.NoError(t, DecodePayload(update, &updatePayload))
	assert.Equal(t, inboundPayload.Message.ID, updatePayload.MessageID)
	assert.Equal(t, models.DeliveryDelivered, updatePayload.DeliveryStatus)
}

func TestExpiredCredentialRefreshedOnce(t *testing.T) {
	h := newHarness(t)

	expired := h.token(t, h.alice, -time.Hour)
	provider := &countingProvider{inner: NewRefreshingProvider(h.server.URL, expired)}
	sess, events := h.session(t, provider)

	require.NoError(t, sess.Open(context.Background(), h.convID))
	assert.Equal(t, StateConnected, sess.State())
	assert.Equal(t, int32(1), atomic.LoadInt32(&provider.refreshes))
	waitFrame(t, events, EventJoinedRoom)
}

func TestAuthRejectedWhenRefreshFails(t *testing.T) {
	h := newHarness(t)

	// The token is garbage, so both the handshake and the refresh exchange
	// reject it.
	provider := &countingProvider{inner: NewRefreshingProvider(h.server.URL, "not-a-token")}
	sess, _ := h.session(t, provider)

	err := sess.Open(context.Background(), h.convID)
	require.ErrorIs(t, err, ErrAuthRejected)
	assert.Equal(t, StateErrored, sess.State())
	// Exactly one refresh attempt, no retry loop.
	assert.Equal(t, int32(1), atomic.LoadInt32(&provider.refreshes))
}

func TestSendRequiresConnection(t *testing.T) {
	h := newHarness(t)
	sess, _ := h.session(t, StaticProvider(h.token(t, h.alice, time.Hour)))

	err := sess.Send(h.convID, "into the void")
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t)
	sess, events := h.session(t, StaticProvider(h.token(t, h.alice, time.Hour)))

	require.NoError(t, sess.Open(context.Background(), h.convID))
	waitFrame(t, events, EventJoinedRoom)

	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())
	assert.Equal(t, StateClosed, sess.State())

	err := sess.Send(h.convID, "after close")
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestReconnectBumpsGeneration(t *testing.T) {
	h := newHarness(t)
	sess, events := h.session(t, StaticProvider(h.token(t, h.alice, time.Hour)))

	require.NoError(t, sess.Open(context.Background(), h.convID))
	waitFrame(t, events, EventJoinedRoom)
	firstGen := sess.Generation()

	require.NoError(t, sess.Reconnect(context.Background()))
	assert.Greater(t, sess.Generation(), firstGen)
	assert.Equal(t, StateConnected, sess.State())

	// The new connection rejoins the room on its own.
	joined := waitFrame(t, events, EventJoinedRoom)
	var payload JoinedRoomPayload
	require.NoError(t, DecodePayload(joined, &payload))
	assert.Equal(t, h.convID, payload.ConversationID)
}

func TestCheckStatusTracksPresence(t *testing.T) {
	h := newHarness(t)
	aliceSess, aliceEvents := h.session(t, StaticProvider(h.token(t, h.alice, time.Hour)))

	require.NoError(t, aliceSess.Open(context.Background(), h.convID))
	waitFrame(t, aliceEvents, EventJoinedRoom)

	requestID, err := aliceSess.CheckStatus(h.bob)
	require.NoError(t, err)

	status := waitFrame(t, aliceEvents, EventUserStatus)
	assert.Equal(t, requestID, status.RequestID)
	var statusPayload UserStatusPayload
	require.NoError(t, DecodePayload(status, &statusPayload))
	assert.Equal(t, h.bob, statusPayload.UserID)
	assert.False(t, statusPayload.IsOnline)

	// Bob connecting flips presence for the watcher.
	bobSess, bobEvents := h.session(t, StaticProvider(h.token(t, h.bob, time.Hour)))
	require.NoError(t, bobSess.Open(context.Background(), h.convID))
	waitFrame(t, bobEvents, EventJoinedRoom)

	connected := waitFrame(t, aliceEvents, EventUserConnected)
	var presencePayload PresencePayload
	require.NoError(t, DecodePayload(connected, &presencePayload))
	assert.Equal(t, h.bob, presencePayload.UserID)

	// And disconnecting pushes the counterpart event.
	require.NoError(t, bobSess.Close())
	gone := waitFrame(t, aliceEvents, EventUserDisconnected)
	require.NoError(t, DecodePayload(gone, &presencePayload))
	assert.Equal(t, h.bob, presencePayload.UserID)
}

func TestOfflineBacklogDeliveredAndRead(t *testing.T) {
	h := newHarness(t)
	timeline := NewTimeline(h.alice)

	aliceSess, aliceEvents := h.session(t, StaticProvider(h.token(t, h.alice, time.Hour)))
	require.NoError(t, aliceSess.Open(context.Background(), h.convID))
	waitFrame(t, aliceEvents, EventJoinedRoom)

	// Alice sends twice while Bob is offline.
	for _, content := range []string{"first", "second"} {
		timeline.AppendLocal(h.convID, content, true)
		require.NoError(t, aliceSess.Send(h.convID, content))
		echo := waitFrame(t, aliceEvents, EventReceiveMessage)
		require.NoError(t, timeline.ApplyEvent(Event{Frame: echo}))
	}
	for _, e := range timeline.Entries() {
		assert.Equal(t, models.DeliverySent, e.Message.DeliveryStatus)
	}

	// Bob opening the conversation moves the backlog to delivered.
	bobSess, bobEvents := h.session(t, StaticProvider(h.token(t, h.bob, time.Hour)))
	require.NoError(t, bobSess.Open(context.Background(), h.convID))
	waitFrame(t, bobEvents, EventJoinedRoom)

	for i := 0; i < 2; i++ {
		update := waitFrame(t, aliceEvents, EventMessageStatusUpdate)
		require.NoError(t, timeline.ApplyEvent(Event{Frame: update}))
	}
	for _, e := range timeline.Entries() {
		assert.Equal(t, models.DeliveryDelivered, e.Message.DeliveryStatus)
	}

	// Bob marking the conversation read pushes read updates to Alice.
	require.NoError(t, bobSess.MarkConversationRead(h.convID))
	for i := 0; i < 2; i++ {
		update := waitFrame(t, aliceEvents, EventMessageStatusUpdate)
		require.NoError(t, timeline.ApplyEvent(Event{Frame: update}))
	}
	for _, e := range timeline.Entries() {
		assert.Equal(t, models.DeliveryRead, e.Message.DeliveryStatus)
	}
}

func TestRESTHistoryAndConversations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Seed a short thread directly through the store.
	for _, content := range []string{"one", "two", "three"} {
		_, err := h.store.SaveMessage(h.convID, h.alice, content)
		require.NoError(t, err)
	}

	rest := NewREST(h.server.URL, StaticProvider(h.token(t, h.bob, time.Hour)))

	page, err := rest.History(ctx, h.convID, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	// Newest first.
	assert.Equal(t, "three", page[0].Content)
	assert.Equal(t, "two", page[1].Content)

	older, err := rest.History(ctx, h.convID, page[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, older, 1)
	assert.Equal(t, "one", older[0].Content)

	// Loading a page into the timeline flips it to display order.
	timeline := NewTimeline(h.bob)
	timeline.LoadHistory(page)
	entries := timeline.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "two", entries[0].Message.Content)
	assert.Equal(t, "three", entries[1].Message.Content)

	summaries, err := rest.Conversations(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, 3, summaries[0].UnreadCount)
	require.NotNil(t, summaries[0].LastMessage)
	assert.Equal(t, "three", summaries[0].LastMessage.Content)

	// The HTTP read mark clears the unread count.
	require.NoError(t, rest.MarkConversationRead(ctx, h.convID))
	summaries, err = rest.Conversations(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, 0, summaries[0].UnreadCount)
}

// sequenceProvider hands out tokens front to back, repeating the last one,
// and serves a fixed replacement on refresh.
type sequenceProvider struct {
	mu        sync.Mutex
	tokens    []string
	refreshed string
	refreshes int
}

func (p *sequenceProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	token := p.tokens[0]
	if len(p.tokens) > 1 {
		p.tokens = p.tokens[1:]
	}
	return token, nil
}

func (p *sequenceProvider) Refresh(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshes++
	return p.refreshed, nil
}

func (p *sequenceProvider) refreshCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshes
}

func TestAutoReconnectRefreshesRejectedCredential(t *testing.T) {
	h := newHarness(t)
	provider := &sequenceProvider{
		tokens: []string{
			h.token(t, h.alice, time.Hour),
			h.token(t, h.alice, -time.Hour),
		},
		refreshed: h.token(t, h.alice, time.Hour),
	}
	sess, events := h.session(t, provider)

	require.NoError(t, sess.Open(context.Background(), h.convID))
	waitFrame(t, events, EventJoinedRoom)

	// Drop the connection server-side; the credential presented on the redial
	// has expired in the meantime, so the automatic reconnect must refresh
	// once instead of going straight to errored.
	sess.handleReadError(sess.Generation(), errors.New("connection reset by peer"))

	require.Eventually(t, func() bool { return sess.State() == StateConnected },
		3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, provider.refreshCount())
	waitFrame(t, events, EventJoinedRoom)
}

func TestStaleGenerationEventsIgnored(t *testing.T) {
	h := newHarness(t)
	aliceSess, aliceEvents := h.session(t, StaticProvider(h.token(t, h.alice, time.Hour)))
	bobSess, bobEvents := h.session(t, StaticProvider(h.token(t, h.bob, time.Hour)))

	require.NoError(t, aliceSess.Open(context.Background(), h.convID))
	waitFrame(t, aliceEvents, EventJoinedRoom)
	require.NoError(t, bobSess.Open(context.Background(), h.convID))
	waitFrame(t, bobEvents, EventJoinedRoom)

	// Supersede Alice's live reader without replacing the connection, as an
	// in-progress reconnect would.
	aliceSess.mu.Lock()
	aliceSess.generation++
	aliceSess.mu.Unlock()

	require.NoError(t, bobSess.Send(h.convID, "into a stale reader"))
	waitFrame(t, bobEvents, EventReceiveMessage)

	// The superseded reader must drop the fanned-out message instead of
	// delivering it under the old generation.
	deadline := time.After(700 * time.Millisecond)
	for {
		select {
		case ev := <-aliceEvents:
			if ev.Frame.Type == EventReceiveMessage {
				t.Fatal("stale-generation reader delivered a message event")
			}
		case <-deadline:
			return
		}
	}
}

func TestSendBeforeJoinAckIsOrdered(t *testing.T) {
	h := newHarness(t)
	sess, events := h.session(t, StaticProvider(h.token(t, h.alice, time.Hour)))

	require.NoError(t, sess.Open(context.Background(), h.convID))
	// No waiting for the joined_room ack: the join frame is already ahead of
	// this send on the wire, and the server handles them in order.
	require.NoError(t, sess.Send(h.convID, "eager"))

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			switch ev.Frame.Type {
			case EventError:
				t.Fatalf("send issued before the join ack was rejected: %s", ev.Frame.Payload)
			case EventReceiveMessage:
				var payload ReceiveMessagePayload
				require.NoError(t, DecodePayload(ev.Frame, &payload))
				assert.Equal(t, "eager", payload.Message.Content)
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for the echo")
		}
	}
}

func TestIsAuthErrorClassification(t *testing.T) {
	assert.True(t, isAuthError(errors.New("handshake unauthorized: bad status")))
	assert.True(t, isAuthError(errors.New("invalid token signature")))
	assert.True(t, isAuthError(errors.New("jwt expired")))
	assert.False(t, isAuthError(errors.New("connection refused")))
	assert.False(t, isAuthError(nil))
}
