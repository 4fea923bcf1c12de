package chatsync

import (
	"reflect"
	"testing"
)

func TestStoreCopyOnWrite(t *testing.T) {
	s := NewStore(nil)
	s.Append(ScopeChannel, Message{ID: "a"})
	before := s.Messages(ScopeChannel)
	v := s.Version(ScopeChannel)

	s.Append(ScopeChannel, Message{ID: "b"})
	s.Update(ScopeChannel, "a", func(m Message) (Message, bool) {
		m.Content = "edited"
		return m, true
	})

	if len(before) != 1 || before[0].Content != "" {
		t.Fatalf("earlier slice changed: %+v", before)
	}
	if got := s.Version(ScopeChannel); got != v+2 {
		t.Errorf("version = %d, want %d", got, v+2)
	}
	if got := ids(s.Messages(ScopeChannel)); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("ids = %v", got)
	}
	if s.Version(ScopeDirect) != 0 {
		t.Error("direct version should not move")
	}
}

func TestStoreNoopMutationKeepsVersion(t *testing.T) {
	s := NewStore(nil)
	s.Append(ScopeDirect, Message{ID: "a"})
	v := s.Version(ScopeDirect)

	if s.Remove(ScopeDirect, "missing") {
		t.Error("Remove of unknown id reported a change")
	}
	if s.Tombstone(ScopeDirect, "missing") {
		t.Error("Tombstone of unknown id reported a change")
	}
	if s.Version(ScopeDirect) != v {
		t.Error("version moved without a change")
	}
}

func TestStoreSelection(t *testing.T) {
	s := NewStore(nil)
	s.Load(ScopeChannel, []Message{{ID: "c1"}})
	s.SelectChannel("general")
	if got := s.Selection(); got != (Selection{Channel: "general"}) {
		t.Fatalf("selection = %+v", got)
	}
	if len(s.Messages(ScopeChannel)) != 1 {
		t.Fatal("selecting a channel must not clear the channel sequence")
	}

	s.SelectFriend("f1")
	if got := s.Selection(); got != (Selection{Friend: "f1"}) {
		t.Fatalf("selection = %+v", got)
	}
	if n := len(s.Messages(ScopeChannel)); n != 0 {
		t.Fatalf("channel sequence has %d entries after selecting a friend", n)
	}

	s.Load(ScopeDirect, []Message{{ID: "d1"}})
	s.Append(ScopeChannel, Message{ID: "stray"})
	s.Load(ScopeChannel, []Message{{ID: "c2"}})
	if n := len(s.Messages(ScopeDirect)); n != 0 {
		t.Fatalf("loading the channel left %d direct entries", n)
	}
}

func TestStoreSelectionResetsLoading(t *testing.T) {
	s := NewStore(nil)
	s.setFlag(flagLoading, true)
	s.SelectChannel("general")
	if s.Status().Loading {
		t.Error("loading flag survived selection")
	}
}

func TestStoreListeners(t *testing.T) {
	s := NewStore(nil)
	var got [][]string
	s.On(ScopeChannel, func(scope Scope, msgs []Message) {
		if scope != ScopeChannel {
			t.Errorf("scope = %v", scope)
		}
		got = append(got, ids(msgs))
	})
	s.On(ScopeChannel, func(Scope, []Message) { panic("listener bug") })

	s.Append(ScopeChannel, Message{ID: "a"})
	s.Append(ScopeDirect, Message{ID: "ignored"})
	s.Remove(ScopeChannel, "a")

	want := [][]string{{"a"}, {}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("listener saw %v, want %v", got, want)
	}
}

func TestStoreTombstoneAndRemove(t *testing.T) {
	s := NewStore(nil)
	s.Load(ScopeDirect, []Message{{ID: "a"}, {ID: "b"}})

	if !s.Tombstone(ScopeDirect, "a") {
		t.Fatal("Tombstone reported no change")
	}
	if s.Tombstone(ScopeDirect, "a") {
		t.Error("second Tombstone reported a change")
	}
	m, ok := s.Find(ScopeDirect, "a")
	if !ok || !m.IsDeleted {
		t.Fatalf("tombstoned entry = %+v, %v", m, ok)
	}

	s.Remove(ScopeDirect, "b")
	if got := ids(s.Messages(ScopeDirect)); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("ids = %v", got)
	}
}
