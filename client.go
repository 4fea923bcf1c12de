// Package chatsync keeps the client-side view of a chat conversation in sync
// with the server.
//
// It owns an in-memory message cache for the selected channel or direct
// thread, shows outgoing messages optimistically, reconciles them with
// server-confirmed copies arriving over a real-time push channel or a
// request/response fallback, merges reactions and tracks typing indicators.
//
// Example:
//
//	client := chatsync.NewClient("https://chat.example.com/api", token)
//	ws := client.RealtimeWS(&chatsync.RealtimeConfig{Token: token, AutoReconnect: true})
//	syncer := chatsync.New(client, chatsync.StaticIdentity(me), chatsync.WithRealtime(ws))
//	syncer.Bind(ws)
//
//	_ = ws.Connect(ctx)
//	_ = syncer.LoadChannel(ctx, "general")
//	_, _ = syncer.SendMessage(ctx, chatsync.Draft{Content: "hello"}, workspaceID)
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultTimeout = 30 * time.Second

// ============================================================================
// Client
// ============================================================================

// Requester is the verb-based request/response surface consumed by the
// Syncer. *Client implements it.
type Requester interface {
	Get(ctx context.Context, path string, query map[string]string) (*Envelope, error)
	Post(ctx context.Context, path string, body any) (*Envelope, error)
	Delete(ctx context.Context, path string) (*Envelope, error)
}

// Client is the REST client for the chat backend.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a REST client rooted at baseURL.
// token is optional; when set it is sent as a bearer token.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the root URL requests are resolved against.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) Get(ctx context.Context, path string, query map[string]string) (*Envelope, error) {
	return c.doRequest(ctx, http.MethodGet, path, nil, query)
}

func (c *Client) Post(ctx context.Context, path string, body any) (*Envelope, error) {
	return c.doRequest(ctx, http.MethodPost, path, body, nil)
}

func (c *Client) Delete(ctx context.Context, path string) (*Envelope, error) {
	return c.doRequest(ctx, http.MethodDelete, path, nil, nil)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) (*Envelope, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var env Envelope
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &env); err != nil && resp.StatusCode < 300 {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	if resp.StatusCode >= 300 {
		msg := env.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &APIError{Status: resp.StatusCode, Message: msg}
	}
	return &env, nil
}

// ============================================================================
// Paths
// ============================================================================

func channelMessagesPath(channelID string) string {
	return "/messages/" + url.PathEscape(channelID)
}

func messagePath(messageID string) string {
	return "/messages/" + url.PathEscape(messageID)
}

func reactPath(messageID string) string {
	return messagePath(messageID) + "/react"
}

func reactionPath(messageID string) string {
	return messagePath(messageID) + "/reaction"
}

func channelSearchPath(channelID string) string {
	return channelMessagesPath(channelID) + "/search"
}

func directFriendPath(friendID string) string {
	return "/direct-messages/friend/" + url.PathEscape(friendID)
}

func directMessagePath(messageID string) string {
	return "/direct-messages/" + url.PathEscape(messageID)
}

func directSearchPath(friendID string) string {
	return "/direct-messages/search/" + url.PathEscape(friendID)
}

// ============================================================================
// Realtime factories
// ============================================================================

// WSUrl returns the WebSocket URL for token.
func (c *Client) WSUrl(token string) string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if token != "" {
		return base + "/ws?token=" + url.QueryEscape(token)
	}
	return base + "/ws"
}

// SSEUrl returns the server-sent events URL for token.
func (c *Client) SSEUrl(token string) string {
	if token != "" {
		return c.baseURL + "/sse?token=" + url.QueryEscape(token)
	}
	return c.baseURL + "/sse"
}

// RealtimeWS creates a WebSocket real-time client. Call Connect to establish
// the connection.
func (c *Client) RealtimeWS(config *RealtimeConfig) *RealtimeWSClient {
	cfg := *config
	cfg.defaults()
	return &RealtimeWSClient{
		url:             c.WSUrl(cfg.Token),
		config:          &cfg,
		state:           StateDisconnected,
		eventDispatcher: newEventDispatcher(cfg.Logger),
		recon:           newReconnector(&cfg),
		pendingPings:    make(map[string]chan PongPayload),
	}
}

// RealtimeSSE creates a receive-only server-sent events client. Call Connect
// to establish the connection.
func (c *Client) RealtimeSSE(config *RealtimeConfig) *RealtimeSSEClient {
	cfg := *config
	cfg.defaults()
	return &RealtimeSSEClient{
		url:             c.SSEUrl(cfg.Token),
		config:          &cfg,
		state:           StateDisconnected,
		eventDispatcher: newEventDispatcher(cfg.Logger),
		recon:           newReconnector(&cfg),
	}
}
