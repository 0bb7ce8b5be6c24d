// Package client is the consumer side of the chat transport: one session per
// open conversation view, with reconnect/backoff handling, and a reconciler
// that folds history, optimistic sends, and live events into one ordered
// message list.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	dialTimeout   = 10 * time.Second
	writeWait     = 10 * time.Second
	heartbeatWait = 60 * time.Second

	// Built-in bounded retry for transient network failures: a small fixed
	// number of attempts with a fixed delay.
	retryInterval = 2 * time.Second
	maxRetries    = 3
)

var (
	// ErrAuthMissing means no credential was available; no connection is
	// attempted.
	ErrAuthMissing = errors.New("no credential available")

	// ErrAuthRejected means the handshake credential was refused and a single
	// refresh plus reconnect did not recover.
	ErrAuthRejected = errors.New("credential rejected")

	// ErrNotConnected is returned by operations that require a live socket.
	// A send that hits it never reaches the network.
	ErrNotConnected = errors.New("session is not connected")

	ErrClosed = errors.New("session is closed")
)

// State is the transport session lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateErrored      State = "errored"
	StateClosed       State = "closed"
)

// CredentialProvider supplies the bearer credential for the handshake and a
// refresh path for when the server rejects it. Injected explicitly so the
// transport never reaches for ambient token state.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// Event is one inbound frame stamped with the session generation that read
// it. Consumers compare generations explicitly to discard stale work.
type Event struct {
	Generation int
	Frame      Frame
}

// SessionConfig wires a Session's collaborators.
type SessionConfig struct {
	// URL is the websocket endpoint, e.g. ws://host/
	URL string

	Credentials CredentialProvider

	// OnEvent receives inbound frames in arrival order on a single goroutine.
	OnEvent func(Event)

	// OnStateChange surfaces connection-level transitions; err is non-nil for
	// Errored and Disconnected.
	OnStateChange func(State, error)

	Logger zerolog.Logger
}

// Session maintains one live bidirectional channel for the conversation
// currently in view.
type Session struct {
	url     string
	creds   CredentialProvider
	onEvent func(Event)
	onState func(State, error)
	log     zerolog.Logger
	dialer  *websocket.Dialer

	writeMu sync.Mutex

	mu            sync.Mutex
	state         State
	conn          *websocket.Conn
	generation    int
	target        int // active conversation ID
	retries       int
	closed        bool
	lastHeartbeat time.Time
}

func NewSession(cfg SessionConfig) *Session {
	return &Session{
		url:     cfg.URL,
		creds:   cfg.Credentials,
		onEvent: cfg.OnEvent,
		onState: cfg.OnStateChange,
		log:     cfg.Logger.With().Str("component", "chat-session").Logger(),
		dialer:  &websocket.Dialer{HandshakeTimeout: dialTimeout},
		state:   StateIdle,
	}
}

// Open establishes the session and joins the room for conversationID. With no
// credential available it fails immediately with ErrAuthMissing and never
// touches the network. An auth-rejected handshake gets exactly one credential
// refresh and one reconnect before surfacing ErrAuthRejected.
func (s *Session) Open(ctx context.Context, conversationID int) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.target != conversationID {
		// Switching conversation targets starts retry accounting over.
		s.retries = 0
	}
	s.target = conversationID
	s.state = StateConnecting
	s.mu.Unlock()
	s.notifyState(StateConnecting, nil)

	token, err := s.creds.Token(ctx)
	if err != nil || token == "" {
		s.fail(ErrAuthMissing)
		return ErrAuthMissing
	}

	conn, err := s.dialOnce(ctx, token)
	if err != nil {
		if isAuthError(err) {
			conn, err = s.refreshAndRedial(ctx)
			if err != nil {
				s.fail(err)
				return err
			}
		} else {
			conn, err = s.dialWithRetry(ctx, token)
			if err != nil {
				s.fail(err)
				return err
			}
		}
	}
	return s.activate(conn)
}

// Reconnect is the explicit caller-triggered re-attempt after a persistent
// connection error. It clears error state and bumps the generation first, so
// in-flight work from the previous generation is discarded even while the new
// dial is still underway.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.generation++
	s.state = StateIdle
	target := s.target
	s.mu.Unlock()
	return s.Open(ctx, target)
}

// Close tears the session down: the connection is closed, the generation is
// invalidated, and no further events are delivered. Safe to call repeatedly.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.generation++
	conn := s.conn
	s.conn = nil
	s.state = StateClosed
	s.mu.Unlock()

	if conn != nil {
		s.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		conn.Close()
	}
	s.notifyState(StateClosed, nil)
	return nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Generation returns the current session generation.
func (s *Session) Generation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Retries returns the count of failed reconnect attempts for the current
// conversation target.
func (s *Session) Retries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

// Send emits a send_message frame. It never blocks on delivery; confirmation
// arrives later as a receive_message echo. When the session is not connected
// it returns ErrNotConnected without any network activity, leaving the caller
// to keep its optimistic entry in the error state.
func (s *Session) Send(conversationID int, content string) error {
	payload := SendMessagePayload{ConversationID: conversationID, Content: content}
	return s.writeFrame(EventSendMessage, "", payload)
}

// CheckStatus issues a point-in-time presence query; the answer arrives as a
// user_status frame carrying the returned request ID.
func (s *Session) CheckStatus(userID int) (string, error) {
	requestID := uuid.NewString()
	err := s.writeFrame(EventCheckUserStatus, requestID, CheckUserStatusPayload{UserID: userID})
	if err != nil {
		return "", err
	}
	return requestID, nil
}

// MarkConversationRead issues the bulk read transition for a conversation the
// user is viewing.
func (s *Session) MarkConversationRead(conversationID int) error {
	return s.writeFrame(EventMarkRead, "", MarkReadPayload{ConversationID: conversationID})
}

// MarkDelivered confirms receipt of a single message (fallback path).
func (s *Session) MarkDelivered(messageID int) error {
	return s.writeFrame(EventMarkDelivered, "", MarkDeliveredPayload{MessageID: messageID})
}

func (s *Session) writeFrame(eventType EventType, requestID string, payload any) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == StateConnected && conn != nil
	s.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	frame, err := NewFrame(eventType, requestID, payload)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(frame)
}

// activate installs a freshly dialed connection under a new generation, joins
// the room for the active conversation, and starts the read loop.
func (s *Session) activate(conn *websocket.Conn) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.generation++
	gen := s.generation
	s.conn = conn
	s.state = StateConnected
	s.retries = 0
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
	s.notifyState(StateConnected, nil)

	go s.readLoop(gen, conn)

	// The join is the first frame on the wire and the server handles each
	// session's frames in order, so membership is established before any send
	// written after Open; the joined_room ack is informational.
	return s.writeFrame(EventJoinRoom, uuid.NewString(), JoinRoomPayload{ConversationID: s.targetConversation()})
}

func (s *Session) targetConversation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

func (s *Session) readLoop(gen int, conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(heartbeatWait))
	conn.SetPingHandler(func(appData string) error {
		s.mu.Lock()
		s.lastHeartbeat = time.Now()
		s.mu.Unlock()
		conn.SetReadDeadline(time.Now().Add(heartbeatWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			s.handleReadError(gen, err)
			return
		}
		if s.Generation() != gen {
			// A newer generation superseded this reader; its events are
			// discarded.
			return
		}
		if s.onEvent != nil {
			s.onEvent(Event{Generation: gen, Frame: frame})
		}
	}
}

// handleReadError reacts to a broken read: an unexpected server-side
// disconnect triggers the built-in bounded reconnect, anything stale is
// ignored.
func (s *Session) handleReadError(gen int, err error) {
	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.state = StateDisconnected
	s.mu.Unlock()
	s.notifyState(StateDisconnected, err)

	go s.autoReconnect(gen)
}

func (s *Session) autoReconnect(fromGen int) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(maxRetries+1)*(retryInterval+dialTimeout))
	defer cancel()

	token, err := s.creds.Token(ctx)
	if err != nil || token == "" {
		s.fail(ErrAuthMissing)
		return
	}

	conn, err := s.dialWithRetry(ctx, token)
	if err != nil && isAuthError(err) {
		// A credential rejected mid-session gets the same single
		// refresh+redial as a rejected handshake.
		conn, err = s.refreshAndRedial(ctx)
	}

	s.mu.Lock()
	superseded := s.closed || s.generation != fromGen
	s.mu.Unlock()
	if superseded {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		s.fail(err)
		return
	}
	if err := s.activate(conn); err != nil {
		s.fail(err)
	}
}

func (s *Session) dialOnce(ctx context.Context, token string) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := s.dialer.DialContext(ctx, s.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("handshake unauthorized: %w", err)
		}
		return nil, fmt.Errorf("dial %s: %w", s.url, err)
	}
	return conn, nil
}

// refreshAndRedial performs the single refresh+reconnect allowed after an
// auth-classified handshake failure.
func (s *Session) refreshAndRedial(ctx context.Context) (*websocket.Conn, error) {
	token, err := s.creds.Refresh(ctx)
	if err != nil || token == "" {
		return nil, fmt.Errorf("%w: refresh failed: %v", ErrAuthRejected, err)
	}
	conn, err := s.dialOnce(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthRejected, err)
	}
	return conn, nil
}

// dialWithRetry applies the transport's built-in bounded retry policy for
// transient network failures. Auth errors abort immediately.
func (s *Session) dialWithRetry(ctx context.Context, token string) (*websocket.Conn, error) {
	var conn *websocket.Conn
	operation := func() error {
		c, err := s.dialOnce(ctx, token)
		if err != nil {
			s.mu.Lock()
			s.retries++
			s.mu.Unlock()
			if isAuthError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(retryInterval), maxRetries),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.state = StateErrored
	s.mu.Unlock()
	s.log.Debug().Err(err).Msg("session errored")
	s.notifyState(StateErrored, err)
}

func (s *Session) notifyState(state State, err error) {
	if s.onState != nil {
		s.onState(state, err)
	}
}

// isAuthError classifies a handshake failure by its auth/token signals.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, signal := range []string{"auth", "token", "jwt", "unauthorized", "401", "credential"} {
		if strings.Contains(msg, signal) {
			return true
		}
	}
	return false
}
