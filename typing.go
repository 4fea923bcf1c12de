package chatsync

import (
	"sort"
	"sync"
	"time"
)

const (
	DefaultTypingStale  = 3 * time.Second
	DefaultTypingExpiry = 3500 * time.Millisecond
)

// TypingIndicator is one user's last typing activity.
type TypingIndicator struct {
	UserID   string
	Username string
	At       time.Time
}

// TypingTracker holds who is typing in direct conversations and channels.
// Entries expire on their own; readers never see an entry older than the
// stale window even before its expiry timer has fired.
type TypingTracker struct {
	mu       sync.Mutex
	direct   map[string]time.Time
	channels map[string]map[string]TypingIndicator
	timers   map[*time.Timer]struct{}
	closed   bool

	stale    time.Duration
	expiry   time.Duration
	now      func() time.Time
	onChange func()
}

type TypingOption func(*TypingTracker)

// WithTypingWindows overrides the stale window and the delay of the expiry
// check. expiry should be longer than stale.
func WithTypingWindows(stale, expiry time.Duration) TypingOption {
	return func(t *TypingTracker) {
		t.stale = stale
		t.expiry = expiry
	}
}

func WithTypingClock(now func() time.Time) TypingOption {
	return func(t *TypingTracker) { t.now = now }
}

// WithTypingChange registers fn to run after every change, including expiry.
// fn is called without the tracker's lock held.
func WithTypingChange(fn func()) TypingOption {
	return func(t *TypingTracker) { t.onChange = fn }
}

func NewTypingTracker(opts ...TypingOption) *TypingTracker {
	t := &TypingTracker{
		direct:   make(map[string]time.Time),
		channels: make(map[string]map[string]TypingIndicator),
		timers:   make(map[*time.Timer]struct{}),
		stale:    DefaultTypingStale,
		expiry:   DefaultTypingExpiry,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetDirect records that userID started or stopped typing to the current user.
func (t *TypingTracker) SetDirect(userID string, typing bool) {
	if userID == "" {
		return
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if !typing {
		_, had := t.direct[userID]
		delete(t.direct, userID)
		t.mu.Unlock()
		if had {
			t.changed()
		}
		return
	}
	at := t.now()
	t.direct[userID] = at
	t.schedule(func() bool {
		if cur, ok := t.direct[userID]; ok && cur.Equal(at) && t.now().Sub(at) > t.stale {
			delete(t.direct, userID)
			return true
		}
		return false
	})
	t.mu.Unlock()
	t.changed()
}

// SetChannel records that userID started or stopped typing in channelID.
func (t *TypingTracker) SetChannel(channelID, userID, username string, typing bool) {
	if channelID == "" || userID == "" {
		return
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if !typing {
		users := t.channels[channelID]
		_, had := users[userID]
		delete(users, userID)
		if len(users) == 0 {
			delete(t.channels, channelID)
		}
		t.mu.Unlock()
		if had {
			t.changed()
		}
		return
	}
	at := t.now()
	users := t.channels[channelID]
	if users == nil {
		users = make(map[string]TypingIndicator)
		t.channels[channelID] = users
	}
	users[userID] = TypingIndicator{UserID: userID, Username: username, At: at}
	t.schedule(func() bool {
		users := t.channels[channelID]
		cur, ok := users[userID]
		if !ok || !cur.At.Equal(at) || t.now().Sub(at) <= t.stale {
			return false
		}
		delete(users, userID)
		if len(users) == 0 {
			delete(t.channels, channelID)
		}
		return true
	})
	t.mu.Unlock()
	t.changed()
}

// DirectTyping reports whether userID is currently typing.
func (t *TypingTracker) DirectTyping(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.direct[userID]
	return ok && t.fresh(at)
}

// ChannelTypingUsers returns the users typing in channelID, oldest first.
func (t *TypingTracker) ChannelTypingUsers(channelID string) []TypingIndicator {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []TypingIndicator
	for _, ind := range t.channels[channelID] {
		if t.fresh(ind.At) {
			out = append(out, ind)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].At.Before(out[j].At)
	})
	return out
}

// Close stops every pending expiry timer. Later updates are ignored.
func (t *TypingTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for timer := range t.timers {
		timer.Stop()
	}
	t.timers = make(map[*time.Timer]struct{})
}

func (t *TypingTracker) fresh(at time.Time) bool {
	return t.now().Sub(at) <= t.stale
}

// schedule runs check under the lock after the expiry delay. check compares
// the entry against the timestamp captured when it was set. Callers hold t.mu.
func (t *TypingTracker) schedule(check func() bool) {
	var timer *time.Timer
	timer = time.AfterFunc(t.expiry, func() {
		t.mu.Lock()
		delete(t.timers, timer)
		cleared := !t.closed && check()
		t.mu.Unlock()
		if cleared {
			t.changed()
		}
	})
	t.timers[timer] = struct{}{}
}

func (t *TypingTracker) changed() {
	if t.onChange != nil {
		t.onChange()
	}
}
