package chatsync

import (
	"encoding/json"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Wire format
// ============================================================================

// Inbound event types.
const (
	EventAuthenticated        = "authenticated"
	EventChannelMessage       = "channel.message.new"
	EventDirectMessage        = "direct.message.new"
	EventMessageDeleted       = "message.deleted"
	EventDirectMessageDeleted = "direct.message.deleted"
	EventReactions            = "message.reactions"
	EventTyping               = "typing"
	EventDirectMessageRead    = "direct.message.read"
	EventPong                 = "pong"
	EventError                = "error"
)

// Outbound command types.
const (
	CommandSendChannelMessage  = "channel.message.send"
	CommandDeleteMessage       = "message.delete"
	CommandDeleteDirectMessage = "direct.message.delete"
	CommandAddReaction         = "message.reaction.add"
	CommandTypingStart         = "typing.start"
	CommandTypingStop          = "typing.stop"
	CommandPing                = "ping"
)

// RealtimeEnvelope is the wire format for all real-time events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command (WebSocket only).
type RealtimeCommand struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

// AuthenticatedPayload is sent when a real-time connection is authenticated.
type AuthenticatedPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// DeletionPayload identifies a deleted message.
type DeletionPayload struct {
	MessageID string `json:"messageId"`
	ChannelID string `json:"channelId,omitempty"`
}

// ReactionsPayload carries the complete reaction set of a message.
type ReactionsPayload struct {
	MessageID string
	Reactions []Reaction
}

// TypingPayload is sent when a user starts or stops typing. ChannelID is
// empty for direct conversations.
type TypingPayload struct {
	ChannelID string `json:"channelId,omitempty"`
	UserID    string `json:"userId"`
	SenderID  string `json:"senderId,omitempty"`
	Username  string `json:"username,omitempty"`
	IsTyping  bool   `json:"isTyping"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// RealtimeErrorPayload is sent when a server-side error occurs.
type RealtimeErrorPayload struct {
	Message string `json:"message"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures real-time clients.
type RealtimeConfig struct {
	Token         string
	AutoReconnect bool
	// MaxReconnectAttempts defaults to 10; a negative value retries forever.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	// TypingInterval is the minimum gap between two typing.start commands
	// for the same conversation.
	TypingInterval time.Duration
	HTTPClient     *http.Client
	Logger         *zap.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.TypingInterval == 0 {
		c.TypingInterval = 2 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event dispatcher
// ============================================================================

// RealtimeSource delivers inbound push events. Both real-time clients
// implement it; Syncer.Bind consumes it.
type RealtimeSource interface {
	OnChannelMessage(h func(Message))
	OnDirectMessage(h func(Message))
	OnMessageDeleted(h func(DeletionPayload))
	OnDirectMessageDeleted(h func(DeletionPayload))
	OnReactions(h func(ReactionsPayload))
	OnTyping(h func(TypingPayload))
	OnReadReceipt(h func(ReadReceipt))
}

// RealtimeEventHandler is the generic event callback type.
type RealtimeEventHandler func(eventType string, payload json.RawMessage)

// eventDispatcher fans decoded events out to registered handlers. Handlers
// run synchronously on the reading goroutine, in arrival order.
type eventDispatcher struct {
	mu               sync.RWMutex
	log              *zap.Logger
	generic          map[string][]RealtimeEventHandler
	onAuthenticated  []func(AuthenticatedPayload)
	onChannelMessage []func(Message)
	onDirectMessage  []func(Message)
	onDeleted        []func(DeletionPayload)
	onDirectDeleted  []func(DeletionPayload)
	onReactions      []func(ReactionsPayload)
	onTyping         []func(TypingPayload)
	onRead           []func(ReadReceipt)
	onError          []func(RealtimeErrorPayload)
	onConnected      []func()
	onDisconnected   []func(int, string)
	onReconnecting   []func(int, time.Duration)
}

func newEventDispatcher(log *zap.Logger) *eventDispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &eventDispatcher{
		log:     log,
		generic: make(map[string][]RealtimeEventHandler),
	}
}

// OnAuthenticated registers a handler for the authenticated event.
func (d *eventDispatcher) OnAuthenticated(h func(AuthenticatedPayload)) {
	d.mu.Lock()
	d.onAuthenticated = append(d.onAuthenticated, h)
	d.mu.Unlock()
}

// OnChannelMessage registers a handler for new channel messages.
func (d *eventDispatcher) OnChannelMessage(h func(Message)) {
	d.mu.Lock()
	d.onChannelMessage = append(d.onChannelMessage, h)
	d.mu.Unlock()
}

// OnDirectMessage registers a handler for new direct messages.
func (d *eventDispatcher) OnDirectMessage(h func(Message)) {
	d.mu.Lock()
	d.onDirectMessage = append(d.onDirectMessage, h)
	d.mu.Unlock()
}

func (d *eventDispatcher) OnMessageDeleted(h func(DeletionPayload)) {
	d.mu.Lock()
	d.onDeleted = append(d.onDeleted, h)
	d.mu.Unlock()
}

func (d *eventDispatcher) OnDirectMessageDeleted(h func(DeletionPayload)) {
	d.mu.Lock()
	d.onDirectDeleted = append(d.onDirectDeleted, h)
	d.mu.Unlock()
}

// OnReactions registers a handler for reaction set replacements.
func (d *eventDispatcher) OnReactions(h func(ReactionsPayload)) {
	d.mu.Lock()
	d.onReactions = append(d.onReactions, h)
	d.mu.Unlock()
}

func (d *eventDispatcher) OnTyping(h func(TypingPayload)) {
	d.mu.Lock()
	d.onTyping = append(d.onTyping, h)
	d.mu.Unlock()
}

// OnReadReceipt registers a handler for direct message read receipts.
func (d *eventDispatcher) OnReadReceipt(h func(ReadReceipt)) {
	d.mu.Lock()
	d.onRead = append(d.onRead, h)
	d.mu.Unlock()
}

// OnError registers a handler for server errors.
func (d *eventDispatcher) OnError(h func(RealtimeErrorPayload)) {
	d.mu.Lock()
	d.onError = append(d.onError, h)
	d.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (d *eventDispatcher) OnConnected(h func()) {
	d.mu.Lock()
	d.onConnected = append(d.onConnected, h)
	d.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (d *eventDispatcher) OnDisconnected(h func(code int, reason string)) {
	d.mu.Lock()
	d.onDisconnected = append(d.onDisconnected, h)
	d.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (d *eventDispatcher) OnReconnecting(h func(attempt int, delay time.Duration)) {
	d.mu.Lock()
	d.onReconnecting = append(d.onReconnecting, h)
	d.mu.Unlock()
}

// On registers a generic event handler.
func (d *eventDispatcher) On(eventType string, h RealtimeEventHandler) {
	d.mu.Lock()
	d.generic[eventType] = append(d.generic[eventType], h)
	d.mu.Unlock()
}

// handlerSet is a snapshot of the registered handlers. Handlers run without
// the dispatcher lock so they may register further handlers.
type handlerSet struct {
	generic          []RealtimeEventHandler
	onAuthenticated  []func(AuthenticatedPayload)
	onChannelMessage []func(Message)
	onDirectMessage  []func(Message)
	onDeleted        []func(DeletionPayload)
	onDirectDeleted  []func(DeletionPayload)
	onReactions      []func(ReactionsPayload)
	onTyping         []func(TypingPayload)
	onRead           []func(ReadReceipt)
	onError          []func(RealtimeErrorPayload)
}

func (d *eventDispatcher) snapshot(eventType string) handlerSet {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return handlerSet{
		generic:          d.generic[eventType],
		onAuthenticated:  d.onAuthenticated,
		onChannelMessage: d.onChannelMessage,
		onDirectMessage:  d.onDirectMessage,
		onDeleted:        d.onDeleted,
		onDirectDeleted:  d.onDirectDeleted,
		onReactions:      d.onReactions,
		onTyping:         d.onTyping,
		onRead:           d.onRead,
		onError:          d.onError,
	}
}

func (d *eventDispatcher) dispatch(env RealtimeEnvelope) {
	hs := d.snapshot(env.Type)

	switch env.Type {
	case EventAuthenticated:
		var p AuthenticatedPayload
		if d.decode(env, &p) {
			each(d, hs.onAuthenticated, p)
		}
	case EventChannelMessage, EventDirectMessage:
		m, err := DecodeMessage(env.Payload)
		if err != nil {
			d.log.Debug("undecodable message event", zap.String("type", env.Type), zap.Error(err))
			break
		}
		if env.Type == EventChannelMessage {
			each(d, hs.onChannelMessage, m)
		} else {
			each(d, hs.onDirectMessage, m)
		}
	case EventMessageDeleted, EventDirectMessageDeleted:
		var p struct {
			MessageID string `json:"messageId"`
			ID        string `json:"_id"`
			ChannelID string `json:"channelId"`
		}
		if !d.decode(env, &p) {
			break
		}
		del := DeletionPayload{MessageID: firstNonEmpty(p.MessageID, p.ID), ChannelID: p.ChannelID}
		if env.Type == EventMessageDeleted {
			each(d, hs.onDeleted, del)
		} else {
			each(d, hs.onDirectDeleted, del)
		}
	case EventReactions:
		var p struct {
			MessageID string         `json:"messageId"`
			Reactions []wireReaction `json:"reactions"`
		}
		if d.decode(env, &p) {
			each(d, hs.onReactions, ReactionsPayload{MessageID: p.MessageID, Reactions: normalizeReactions(p.Reactions)})
		}
	case EventTyping:
		var p TypingPayload
		if d.decode(env, &p) {
			each(d, hs.onTyping, p)
		}
	case EventDirectMessageRead:
		var p struct {
			SenderID   flexID   `json:"senderId"`
			ReceiverID flexID   `json:"receiverId"`
			ReadAt     flexTime `json:"readAt"`
		}
		if d.decode(env, &p) {
			each(d, hs.onRead, ReadReceipt{SenderID: string(p.SenderID), ReceiverID: string(p.ReceiverID), ReadAt: p.ReadAt.Time})
		}
	case EventError:
		var p RealtimeErrorPayload
		if d.decode(env, &p) {
			each(d, hs.onError, p)
		}
	}

	for _, h := range hs.generic {
		d.safely(env.Type, func() { h(env.Type, env.Payload) })
	}
}

func (d *eventDispatcher) decode(env RealtimeEnvelope, v any) bool {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		d.log.Debug("undecodable event payload", zap.String("type", env.Type), zap.Error(err))
		return false
	}
	return true
}

func each[T any](d *eventDispatcher, handlers []func(T), v T) {
	for _, h := range handlers {
		d.safely("handler", func() { h(v) })
	}
}

// safely runs fn, logging instead of propagating a panic.
func (d *eventDispatcher) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Warn("realtime handler panicked", zap.String("event", what), zap.Any("panic", r))
		}
	}()
	fn()
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.safely("connected", h)
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.safely("disconnected", func() { h(code, reason) })
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.safely("reconnecting", func() { h(attempt, delay) })
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// nextDelay returns the exponential backoff for the next attempt and the
// attempt number. A connection that stayed up for a minute resets the count.
func (r *reconnector) nextDelay() (time.Duration, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay, r.attempt
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}
