package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

const pingTimeout = 10 * time.Second

var errNotConnected = errors.New("chatsync: realtime not connected")

// ============================================================================
// RealtimeWSClient
// ============================================================================

// RealtimeWSClient is a WebSocket real-time client with auto-reconnect and
// heartbeat. It is both the push delivery path (Realtime) and an inbound
// event source (RealtimeSource).
type RealtimeWSClient struct {
	*eventDispatcher

	url              string
	config           *RealtimeConfig
	conn             *websocket.Conn
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	recon            *reconnector
	// parent is the context given to Connect. Every connection, including
	// reconnects, runs under it.
	parent   context.Context
	cancelFn context.CancelFunc

	pendingPings map[string]chan PongPayload
	pendingMu    sync.Mutex

	typingMu       sync.Mutex
	typingLimiters map[string]*rate.Limiter
}

// State returns the current connection state.
func (ws *RealtimeWSClient) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connected reports whether commands can currently be written.
func (ws *RealtimeWSClient) Connected() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state == StateConnected && ws.conn != nil
}

// Connect dials the server and waits for the authenticated event. Cancelling
// ctx closes the connection and stops reconnecting.
func (ws *RealtimeWSClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.parent = ctx
	ws.mu.Unlock()
	return ws.connect(ctx)
}

func (ws *RealtimeWSClient) connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, ws.url, nil)
	if err != nil {
		ws.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}

	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != EventAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("expected %q, got %q", EventAuthenticated, env.Type)
	}

	ws.mu.Lock()
	connCtx, cancel := context.WithCancel(ws.lifetime())
	if ws.cancelFn != nil {
		ws.cancelFn()
	}
	ws.conn = conn
	ws.state = StateConnected
	ws.cancelFn = cancel
	ws.mu.Unlock()
	ws.recon.markConnected()
	ws.config.Logger.Debug("websocket connected", zap.String("url", redactToken(ws.url)))

	ws.dispatch(env)
	ws.emitConnected()

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection.
func (ws *RealtimeWSClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.clearPendingPings()
	ws.recon.reset()
	ws.emitDisconnected(int(websocket.StatusNormalClosure), "client disconnect")

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// ── Commands ─────────────────────────────────────────────

// SendChannelMessage writes a channel.message.send command. It reports
// whether the command was written.
func (ws *RealtimeWSClient) SendChannelMessage(ctx context.Context, channelID string, payload OutboundMessage, workspaceID string) bool {
	return ws.trySend(ctx, CommandSendChannelMessage, map[string]any{
		"channelId":   channelID,
		"workspaceId": workspaceID,
		"message":     payload.Message,
		"image":       payload.Image,
		"isCode":      payload.IsCode,
		"language":    payload.Language,
	})
}

func (ws *RealtimeWSClient) DeleteMessage(ctx context.Context, messageID, channelID string) bool {
	return ws.trySend(ctx, CommandDeleteMessage, map[string]string{
		"messageId": messageID,
		"channelId": channelID,
	})
}

func (ws *RealtimeWSClient) DeleteDirectMessage(ctx context.Context, messageID string) bool {
	return ws.trySend(ctx, CommandDeleteDirectMessage, map[string]string{"messageId": messageID})
}

func (ws *RealtimeWSClient) AddMessageReaction(ctx context.Context, messageID, channelID, reaction string) bool {
	return ws.trySend(ctx, CommandAddReaction, map[string]string{
		"messageId": messageID,
		"channelId": channelID,
		"reaction":  reaction,
	})
}

// StartTyping announces that the current user is typing in channelID, or to
// receiverID when channelID is empty. Repeated calls for the same
// conversation within TypingInterval are dropped.
func (ws *RealtimeWSClient) StartTyping(ctx context.Context, channelID, receiverID string) error {
	if !ws.typingLimiter(channelID, receiverID).Allow() {
		return nil
	}
	return ws.Send(ctx, &RealtimeCommand{Type: CommandTypingStart, Payload: typingTarget(channelID, receiverID)})
}

// StopTyping announces that the current user stopped typing.
func (ws *RealtimeWSClient) StopTyping(ctx context.Context, channelID, receiverID string) error {
	return ws.Send(ctx, &RealtimeCommand{Type: CommandTypingStop, Payload: typingTarget(channelID, receiverID)})
}

func typingTarget(channelID, receiverID string) map[string]string {
	if channelID != "" {
		return map[string]string{"channelId": channelID}
	}
	return map[string]string{"receiverId": receiverID}
}

func (ws *RealtimeWSClient) typingLimiter(channelID, receiverID string) *rate.Limiter {
	key := "c:" + channelID
	if channelID == "" {
		key = "d:" + receiverID
	}
	ws.typingMu.Lock()
	defer ws.typingMu.Unlock()
	if ws.typingLimiters == nil {
		ws.typingLimiters = make(map[string]*rate.Limiter)
	}
	l, ok := ws.typingLimiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(ws.config.TypingInterval), 1)
		ws.typingLimiters[key] = l
	}
	return l
}

func (ws *RealtimeWSClient) trySend(ctx context.Context, typ string, payload any) bool {
	err := ws.Send(ctx, &RealtimeCommand{Type: typ, Payload: payload, RequestID: uuid.NewString()})
	if err != nil {
		ws.config.Logger.Debug("realtime command not sent", zap.String("type", typ), zap.Error(err))
		return false
	}
	return true
}

// Send writes a raw command.
func (ws *RealtimeWSClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return errNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the matching pong.
func (ws *RealtimeWSClient) Ping(ctx context.Context) (*PongPayload, error) {
	requestID := uuid.NewString()

	ch := make(chan PongPayload, 1)
	ws.pendingMu.Lock()
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()

	forget := func() {
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
	}

	err := ws.Send(ctx, &RealtimeCommand{
		Type:    CommandPing,
		Payload: map[string]string{"requestId": requestID},
	})
	if err != nil {
		forget()
		return nil, err
	}

	timer := time.NewTimer(pingTimeout)
	defer timer.Stop()
	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, errNotConnected
		}
		return &pong, nil
	case <-timer.C:
		forget()
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

// ── Loops ────────────────────────────────────────────────

func (ws *RealtimeWSClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			if !intentional {
				ws.state = StateDisconnected
				ws.conn = nil
			}
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.clearPendingPings()
			ws.config.Logger.Warn("websocket closed", zap.Error(err))
			ws.emitDisconnected(int(websocket.CloseStatus(err)), err.Error())

			if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
				ws.mu.Lock()
				parent := ws.lifetime()
				ws.mu.Unlock()
				ws.scheduleReconnect(parent)
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			ws.config.Logger.Debug("ignoring malformed frame")
			continue
		}

		if env.Type == EventPong {
			ws.resolvePong(env.Payload)
		}

		ws.dispatch(env)
	}
}

func (ws *RealtimeWSClient) resolvePong(payload json.RawMessage) {
	var p PongPayload
	if json.Unmarshal(payload, &p) != nil || p.RequestID == "" {
		return
	}
	ws.pendingMu.Lock()
	ch, ok := ws.pendingPings[p.RequestID]
	if ok {
		delete(ws.pendingPings, p.RequestID)
	}
	ws.pendingMu.Unlock()
	if ok {
		ch <- p
	}
}

func (ws *RealtimeWSClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws.State() != StateConnected {
				return
			}
			if _, err := ws.Ping(ctx); err != nil {
				ws.config.Logger.Warn("heartbeat failed", zap.Error(err))
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *RealtimeWSClient) scheduleReconnect(ctx context.Context) {
	for {
		delay, attempt := ws.recon.nextDelay()
		ws.setState(StateReconnecting)
		ws.emitReconnecting(attempt, delay)

		select {
		case <-ctx.Done():
			ws.setState(StateDisconnected)
			return
		case <-time.After(delay):
		}

		err := ws.connect(ctx)
		if err == nil {
			return
		}
		ws.config.Logger.Debug("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
		if !ws.config.AutoReconnect || !ws.recon.shouldReconnect() {
			ws.setState(StateDisconnected)
			return
		}
	}
}

// lifetime returns the context connections derive from. ws.mu must be held.
func (ws *RealtimeWSClient) lifetime() context.Context {
	if ws.parent == nil {
		return context.Background()
	}
	return ws.parent
}

func (ws *RealtimeWSClient) setState(s RealtimeState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

func (ws *RealtimeWSClient) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}
