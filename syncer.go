package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultPendingTimeout  = 3 * time.Second
	DefaultDuplicateWindow = time.Second
)

// ============================================================================
// Notifier
// ============================================================================

// Notifier displays user-visible error messages.
type Notifier interface {
	NotifyError(message string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(message string)

func (f NotifierFunc) NotifyError(message string) { f(message) }

// ============================================================================
// Syncer
// ============================================================================

// Syncer is the synchronization engine. It owns the Store and routes user
// actions and inbound events through it.
type Syncer struct {
	store    *Store
	typing   *TypingTracker
	api      Requester
	rest     *restDelivery
	push     Delivery
	identity IdentitySource
	notifier Notifier
	log      *zap.Logger
	metrics  *Metrics

	pendingTimeout  time.Duration
	duplicateWindow time.Duration
	now             func() time.Time

	searchMu      sync.Mutex
	channelSearch SearchState
	directSearch  SearchState
}

type Option func(*Syncer)

// WithRealtime sets the push channel tried before the request/response path.
func WithRealtime(rt Realtime) Option {
	return func(s *Syncer) { s.push = &realtimeDelivery{rt: rt} }
}

// WithDelivery replaces the primary delivery path.
func WithDelivery(d Delivery) Option {
	return func(s *Syncer) { s.push = d }
}

func WithNotifier(n Notifier) Option {
	return func(s *Syncer) { s.notifier = n }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Syncer) { s.log = log }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Syncer) { s.metrics = m }
}

// WithPendingTimeout bounds how long a message accepted by the push channel
// stays pending without a confirmation.
func WithPendingTimeout(d time.Duration) Option {
	return func(s *Syncer) { s.pendingTimeout = d }
}

// WithDuplicateWindow sets how close two inbound messages with the same
// content and sender must be to count as duplicates.
func WithDuplicateWindow(d time.Duration) Option {
	return func(s *Syncer) { s.duplicateWindow = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

// WithTypingTracker replaces the default typing tracker.
func WithTypingTracker(t *TypingTracker) Option {
	return func(s *Syncer) { s.typing = t }
}

// New creates a Syncer over api. identity may be nil, in which case every
// operation that needs the current user fails with ErrNotAuthenticated.
func New(api Requester, identity IdentitySource, opts ...Option) *Syncer {
	s := &Syncer{
		api:             api,
		rest:            &restDelivery{api: api},
		identity:        identity,
		pendingTimeout:  DefaultPendingTimeout,
		duplicateWindow: DefaultDuplicateWindow,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.push == nil {
		s.push = &realtimeDelivery{}
	}
	if s.notifier == nil {
		log := s.log
		s.notifier = NotifierFunc(func(msg string) { log.Warn("unhandled notification", zap.String("message", msg)) })
	}
	if s.typing == nil {
		s.typing = NewTypingTracker()
	}
	s.store = NewStore(s.log)
	return s
}

// Store returns the message cache.
func (s *Syncer) Store() *Store { return s.store }

// Typing returns the typing indicator tracker.
func (s *Syncer) Typing() *TypingTracker { return s.typing }

// Close stops background timers.
func (s *Syncer) Close() {
	s.typing.Close()
}

func (s *Syncer) currentUser() *Identity {
	if s.identity == nil {
		return nil
	}
	me, err := s.identity.CurrentUser()
	if err != nil {
		s.log.Warn("resolve current user", zap.Error(err))
		return nil
	}
	if me == nil || me.ID == "" {
		return nil
	}
	return me
}

func (s *Syncer) notify(msg string) {
	s.notifier.NotifyError(msg)
}

// invalid reports a validation failure to the user and returns it.
func (s *Syncer) invalid(field, msg string) error {
	s.notify(msg)
	return &ValidationError{Field: field, Message: msg}
}

// tempID derives a provisional id from the current time. The uuid suffix keeps
// ids unique within one millisecond.
func (s *Syncer) tempID() string {
	return TempIDPrefix + strconv.FormatInt(s.now().UnixMilli(), 10) + "-" + uuid.NewString()[:8]
}

// ============================================================================
// Loading
// ============================================================================

// LoadChannel selects channelID and replaces the channel sequence with its
// current history. The direct sequence is cleared.
func (s *Syncer) LoadChannel(ctx context.Context, channelID string) error {
	if channelID == "" {
		return &ValidationError{Field: "channelId", Message: "Channel ID is required"}
	}
	s.store.SelectChannel(channelID)
	s.store.setFlag(flagLoading, true)
	defer s.store.setFlag(flagLoading, false)

	env, err := s.api.Get(ctx, channelMessagesPath(channelID), nil)
	if err != nil {
		s.notify(errorMessage(err, "Failed to load messages"))
		return fmt.Errorf("load channel %s: %w", channelID, err)
	}
	var payload struct {
		Messages json.RawMessage `json:"messages"`
	}
	if err := env.Decode(&payload); err != nil {
		s.notify("Failed to load messages")
		return fmt.Errorf("load channel %s: %w", channelID, err)
	}
	msgs, err := DecodeMessages(payload.Messages)
	if err != nil {
		s.notify("Failed to load messages")
		return fmt.Errorf("load channel %s: %w", channelID, err)
	}
	s.markOwn(msgs)
	s.store.Load(ScopeChannel, msgs)
	s.log.Debug("channel loaded", zap.String("channel", channelID), zap.Int("messages", len(msgs)))
	return nil
}

// LoadDirect selects friendID and replaces the direct sequence with the
// conversation history. The channel sequence is cleared.
func (s *Syncer) LoadDirect(ctx context.Context, friendID string) error {
	if friendID == "" {
		return &ValidationError{Field: "friendId", Message: "Friend ID is required"}
	}
	s.store.SelectFriend(friendID)
	s.store.setFlag(flagLoading, true)
	defer s.store.setFlag(flagLoading, false)

	env, err := s.api.Get(ctx, directFriendPath(friendID), nil)
	if err != nil {
		s.notify(errorMessage(err, "Failed to load direct messages"))
		return fmt.Errorf("load direct %s: %w", friendID, err)
	}
	var payload struct {
		Conversation json.RawMessage `json:"conversation"`
	}
	if err := env.Decode(&payload); err != nil {
		s.notify("Failed to load direct messages")
		return fmt.Errorf("load direct %s: %w", friendID, err)
	}
	msgs, err := DecodeMessages(payload.Conversation)
	if err != nil {
		s.notify("Failed to load direct messages")
		return fmt.Errorf("load direct %s: %w", friendID, err)
	}
	s.markOwn(msgs)
	s.store.Load(ScopeDirect, msgs)
	s.log.Debug("direct conversation loaded", zap.String("friend", friendID), zap.Int("messages", len(msgs)))
	return nil
}

// markOwn sets IsSentByMe on history entries authored by the current user.
func (s *Syncer) markOwn(msgs []Message) {
	me := s.currentUser()
	if me == nil {
		return
	}
	for i := range msgs {
		if msgs[i].SenderID == me.ID {
			msgs[i].IsSentByMe = true
		}
	}
}
