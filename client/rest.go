package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/hirespot/chat/internal/models"
)

// REST is the HTTP collaborator for the non-realtime surface: conversation
// lists, history pages, and bulk read marks.
type REST struct {
	// BaseURL is the server root, e.g. http://host.
	BaseURL string

	Credentials CredentialProvider

	// HTTPClient defaults to a client with a 10s timeout.
	HTTPClient *http.Client
}

func NewREST(baseURL string, creds CredentialProvider) *REST {
	return &REST{
		BaseURL:     baseURL,
		Credentials: creds,
		HTTPClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Conversations fetches the caller's conversation list, most recently active
// first, with last message and unread count per row.
func (c *REST) Conversations(ctx context.Context) ([]models.ConversationSummary, error) {
	var out []models.ConversationSummary
	err := c.getJSON(ctx, "/conversations", nil, &out)
	return out, err
}

// History fetches one page of messages for a conversation, newest first.
// before <= 0 starts from the latest message; limit <= 0 uses the server
// default. Feed the result to Timeline.LoadHistory.
func (c *REST) History(ctx context.Context, conversationID, before, limit int) ([]models.Message, error) {
	query := url.Values{}
	if before > 0 {
		query.Set("before", strconv.Itoa(before))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var out []models.Message
	err := c.getJSON(ctx, fmt.Sprintf("/conversations/%d/messages", conversationID), query, &out)
	return out, err
}

// MarkConversationRead is the HTTP form of the bulk read transition, for when
// the socket is down.
func (c *REST) MarkConversationRead(ctx context.Context, conversationID int) error {
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/conversations/%d/read", conversationID), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *REST) getJSON(ctx context.Context, path string, query url.Values, dst any) error {
	resp, err := c.do(ctx, http.MethodGet, path, query)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *REST) do(ctx context.Context, method, path string, query url.Values) (*http.Response, error) {
	endpoint := c.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}

	token, err := c.Credentials.Token(ctx)
	if err != nil || token == "" {
		return nil, ErrAuthMissing
	}
	req.Header.Set("Authorization", "Bearer "+token)

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s: %w", method, path, ErrAuthRejected)
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	return resp, nil
}

// RefreshingProvider holds a bearer token and exchanges it at the server's
// refresh endpoint when the transport reports it rejected.
type RefreshingProvider struct {
	// BaseURL is the server root hosting POST /token/refresh.
	BaseURL string

	HTTPClient *http.Client

	mu    sync.Mutex
	token string
}

func NewRefreshingProvider(baseURL, token string) *RefreshingProvider {
	return &RefreshingProvider{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		token:      token,
	}
}

func (p *RefreshingProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token, nil
}

// Refresh exchanges the current token, even if expired, for a fresh one.
func (p *RefreshingProvider) Refresh(ctx context.Context) (string, error) {
	p.mu.Lock()
	current := p.token
	p.mu.Unlock()
	if current == "" {
		return "", ErrAuthMissing
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/token/refresh", nil)
	if err != nil {
		return "", fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+current)

	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("refresh token: %w (status %d)", ErrAuthRejected, resp.StatusCode)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode refresh response: %w", err)
	}

	p.mu.Lock()
	p.token = body.Token
	p.mu.Unlock()
	return body.Token, nil
}

// StaticProvider serves a fixed token and fails refresh. Useful in tests and
// for short-lived tools.
type StaticProvider string

func (p StaticProvider) Token(ctx context.Context) (string, error) {
	return string(p), nil
}

func (p StaticProvider) Refresh(ctx context.Context) (string, error) {
	return "", ErrAuthRejected
}
