package chatsync

import (
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Listeners
// ============================================================================

// Listener receives the new sequence of a scope after every change. The slice
// is shared with the Store and with other listeners and must not be modified.
type Listener func(scope Scope, messages []Message)

type storeEmitter struct {
	mu        sync.RWMutex
	listeners map[Scope][]Listener
	log       *zap.Logger
}

// On registers fn for changes of scope.
func (e *storeEmitter) On(scope Scope, fn Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[scope] = append(e.listeners[scope], fn)
}

func (e *storeEmitter) emit(scope Scope, messages []Message) {
	e.mu.RLock()
	handlers := e.listeners[scope]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Warn("store listener panicked", zap.Stringer("scope", scope), zap.Any("panic", r))
				}
			}()
			h(scope, messages)
		}()
	}
}

// ============================================================================
// Store
// ============================================================================

// Selection is the conversation the cache currently reflects. At most one of
// Channel and Friend is set.
type Selection struct {
	Channel string
	Friend  string
}

// Status holds the in-flight operation flags rendered by the UI.
type Status struct {
	Loading   bool
	Sending   bool
	Deleting  bool
	Reacting  bool
	Searching bool
}

type statusFlag int

const (
	flagLoading statusFlag = iota
	flagSending
	flagDeleting
	flagReacting
	flagSearching
)

// Store is the message cache: one channel sequence, one direct sequence and
// the current selection. Every mutation replaces the affected sequence with a
// new slice, so a slice obtained from Messages never changes afterwards.
type Store struct {
	storeEmitter

	mu       sync.Mutex
	channel  []Message
	direct   []Message
	versions [2]uint64
	sel      Selection
	status   Status
}

// NewStore creates an empty cache.
func NewStore(log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		storeEmitter: storeEmitter{listeners: make(map[Scope][]Listener), log: log},
	}
}

// Messages returns the current sequence of scope.
func (s *Store) Messages(scope Scope) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq(scope)
}

// Version increases by one on every change of scope.
func (s *Store) Version(scope Scope) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versions[scope]
}

// Find returns the entry of scope with the given id.
func (s *Store) Find(scope Scope, id string) (Message, bool) {
	for _, m := range s.Messages(scope) {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

func (s *Store) Selection() Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sel
}

func (s *Store) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Store) seq(scope Scope) []Message {
	if scope == ScopeDirect {
		return s.direct
	}
	return s.channel
}

// set swaps in next for scope. Callers hold s.mu.
func (s *Store) set(scope Scope, next []Message) {
	if scope == ScopeDirect {
		s.direct = next
	} else {
		s.channel = next
	}
	s.versions[scope]++
}

func (s *Store) setFlag(flag statusFlag, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch flag {
	case flagLoading:
		s.status.Loading = v
	case flagSending:
		s.status.Sending = v
	case flagDeleting:
		s.status.Deleting = v
	case flagReacting:
		s.status.Reacting = v
	case flagSearching:
		s.status.Searching = v
	}
}

// ── Selection ────────────────────────────────────────────

// SelectChannel makes channelID the authoritative conversation, clears the
// direct sequence and resets the loading state.
func (s *Store) SelectChannel(channelID string) {
	s.selectScope(ScopeChannel, channelID)
}

// SelectFriend makes friendID the authoritative conversation, clears the
// channel sequence and resets the loading state.
func (s *Store) SelectFriend(friendID string) {
	s.selectScope(ScopeDirect, friendID)
}

func (s *Store) selectScope(scope Scope, id string) {
	other := opposite(scope)
	s.mu.Lock()
	if scope == ScopeChannel {
		s.sel = Selection{Channel: id}
	} else {
		s.sel = Selection{Friend: id}
	}
	s.status.Loading = false
	cleared := len(s.seq(other)) > 0
	if cleared {
		s.set(other, []Message{})
	}
	next := s.seq(other)
	s.mu.Unlock()

	if cleared {
		s.emit(other, next)
	}
}

// Load replaces scope wholesale with msgs and clears the opposing sequence.
func (s *Store) Load(scope Scope, msgs []Message) {
	other := opposite(scope)
	next := append([]Message(nil), msgs...)
	s.mu.Lock()
	s.set(scope, next)
	cleared := len(s.seq(other)) > 0
	if cleared {
		s.set(other, []Message{})
	}
	s.mu.Unlock()

	s.emit(scope, next)
	if cleared {
		s.emit(other, []Message{})
	}
}

func opposite(scope Scope) Scope {
	if scope == ScopeDirect {
		return ScopeChannel
	}
	return ScopeDirect
}

// ── Mutations ────────────────────────────────────────────

// mutate runs fn with the current sequence and selection while holding the
// lock. fn must not modify cur; it returns the replacement and whether it
// differs. Listeners are notified after the lock is released.
func (s *Store) mutate(scope Scope, fn func(cur []Message, sel Selection) ([]Message, bool)) bool {
	s.mu.Lock()
	next, changed := fn(s.seq(scope), s.sel)
	if changed {
		s.set(scope, next)
	}
	s.mu.Unlock()

	if changed {
		s.emit(scope, next)
	}
	return changed
}

// Append adds m to the end of scope.
func (s *Store) Append(scope Scope, m Message) {
	s.mutate(scope, func(cur []Message, _ Selection) ([]Message, bool) {
		return appendCopy(cur, m), true
	})
}

// Replace swaps the entry with the given id for m.
func (s *Store) Replace(scope Scope, id string, m Message) bool {
	return s.Update(scope, id, func(Message) (Message, bool) { return m, true })
}

// Update applies fn to the first entry with the given id. fn reports whether
// it changed the entry.
func (s *Store) Update(scope Scope, id string, fn func(Message) (Message, bool)) bool {
	return s.mutate(scope, func(cur []Message, _ Selection) ([]Message, bool) {
		i := indexByID(cur, id)
		if i < 0 {
			return cur, false
		}
		m, ok := fn(cur[i])
		if !ok {
			return cur, false
		}
		next := append([]Message(nil), cur...)
		next[i] = m
		return next, true
	})
}

// Remove deletes the entry with the given id.
func (s *Store) Remove(scope Scope, id string) bool {
	return s.mutate(scope, func(cur []Message, _ Selection) ([]Message, bool) {
		next := make([]Message, 0, len(cur))
		for _, m := range cur {
			if m.ID != id {
				next = append(next, m)
			}
		}
		return next, len(next) != len(cur)
	})
}

// Tombstone flags the entry with the given id as deleted, keeping it in place.
func (s *Store) Tombstone(scope Scope, id string) bool {
	return s.Update(scope, id, func(m Message) (Message, bool) {
		if m.IsDeleted {
			return m, false
		}
		m.IsDeleted = true
		return m, true
	})
}

func appendCopy(cur []Message, m Message) []Message {
	next := make([]Message, len(cur), len(cur)+1)
	copy(next, cur)
	return append(next, m)
}

func indexByID(msgs []Message, id string) int {
	for i, m := range msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}
