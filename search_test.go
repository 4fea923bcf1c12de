package chatsync

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func searchHarness(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t, testMe)
	h.syncer.Store().Load(ScopeChannel, []Message{{ID: "a"}, {ID: "b"}})
	return h
}

func TestSearchMessagesIntersectsCache(t *testing.T) {
	h := searchHarness(t)
	h.api.get = func(path string, q map[string]string) (*Envelope, error) {
		if path != "/messages/c1/search" {
			t.Errorf("path = %s", path)
		}
		want := map[string]string{"query": "hello", "page": "1", "limit": "20"}
		if !reflect.DeepEqual(q, want) {
			t.Errorf("query = %v", q)
		}
		return dataEnvelope(t, map[string]any{
			"messages": []map[string]any{
				{"_id": "a", "content": "hello"},
				{"_id": "srv-b", "messageId": "b", "content": "hello again"},
				{"_id": "zzz", "content": "hello from elsewhere"},
			},
			"pagination": map[string]any{"page": 1, "limit": 20, "total": 57, "pages": 3},
		}), nil
	}

	st, err := h.syncer.SearchMessages(context.Background(), "c1", "hello", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(st.Results); !reflect.DeepEqual(got, []string{"a", "srv-b"}) {
		t.Errorf("results = %v", got)
	}
	if st.Pagination == nil || st.Pagination.Total != 2 || st.Pagination.Pages != 3 {
		t.Errorf("pagination = %+v", st.Pagination)
	}
	if st.Query != "hello" || !reflect.DeepEqual(h.syncer.ChannelSearch(), st) {
		t.Errorf("stored state = %+v", h.syncer.ChannelSearch())
	}
	if h.syncer.Store().Status().Searching {
		t.Error("searching flag left set")
	}
}

func TestSearchWithoutPagination(t *testing.T) {
	h := searchHarness(t)
	h.api.get = func(string, map[string]string) (*Envelope, error) {
		return dataEnvelope(t, map[string]any{"messages": []map[string]any{{"_id": "a"}}}), nil
	}
	st, err := h.syncer.SearchMessages(context.Background(), "c1", "x", 2, 5)
	if err != nil {
		t.Fatal(err)
	}
	if st.Pagination != nil || len(st.Results) != 1 {
		t.Errorf("state = %+v", st)
	}
}

func TestSearchEmptyQueryResets(t *testing.T) {
	h := searchHarness(t)
	h.api.get = func(string, map[string]string) (*Envelope, error) {
		return dataEnvelope(t, map[string]any{
			"messages":   []map[string]any{{"_id": "a"}},
			"pagination": map[string]any{"page": 1, "limit": 20},
		}), nil
	}
	ctx := context.Background()
	if _, err := h.syncer.SearchMessages(ctx, "c1", "hello", 1, 20); err != nil {
		t.Fatal(err)
	}
	before := len(h.api.Calls())

	for _, q := range []string{"", "   "} {
		st, err := h.syncer.SearchMessages(ctx, "c1", q, 1, 20)
		if err != nil {
			t.Fatal(err)
		}
		if st.Query != "" || st.Results != nil || st.Pagination != nil {
			t.Errorf("query %q left state %+v", q, st)
		}
	}
	if len(h.api.Calls()) != before {
		t.Errorf("empty query issued a request: %v", h.api.Calls())
	}
}

func TestSearchFailures(t *testing.T) {
	t.Run("missing data", func(t *testing.T) {
		h := searchHarness(t)
		_, err := h.syncer.SearchMessages(context.Background(), "c1", "x", 1, 20)
		if !errors.Is(err, ErrInvalidResponse) {
			t.Fatalf("err = %v", err)
		}
		if h.notes.Last() != "Invalid search response from server" {
			t.Errorf("notification = %q", h.notes.Last())
		}
		if st := h.syncer.ChannelSearch(); st.Results != nil || st.Pagination != nil {
			t.Errorf("state = %+v", st)
		}
	})

	t.Run("server error", func(t *testing.T) {
		h := newHarness(t, testMe)
		h.api.get = func(string, map[string]string) (*Envelope, error) {
			return nil, &APIError{Status: 500, Message: ""}
		}
		if _, err := h.syncer.SearchDirectMessages(context.Background(), "f1", "x", 1, 20); err == nil {
			t.Fatal("expected error")
		}
		if h.notes.Last() != "Failed to search direct messages" {
			t.Errorf("notification = %q", h.notes.Last())
		}
	})

	t.Run("validation", func(t *testing.T) {
		h := newHarness(t, testMe)
		if _, err := h.syncer.SearchMessages(context.Background(), "", "x", 1, 20); !errors.Is(err, ErrValidation) {
			t.Errorf("channel err = %v", err)
		}
		if _, err := h.syncer.SearchDirectMessages(context.Background(), "", "x", 1, 20); !errors.Is(err, ErrValidation) {
			t.Errorf("direct err = %v", err)
		}
		want := []string{"Channel ID is required to search messages", "Friend ID is required to search direct messages"}
		if !reflect.DeepEqual(h.notes.All(), want) {
			t.Errorf("notifications = %v", h.notes.All())
		}
		if len(h.api.Calls()) != 0 {
			t.Error("network used")
		}
	})
}

func TestSearchDirectMessagesUsesDirectCache(t *testing.T) {
	h := newHarness(t, testMe)
	h.syncer.Store().Load(ScopeDirect, []Message{{ID: "d1"}})
	h.api.get = func(path string, _ map[string]string) (*Envelope, error) {
		if path != "/direct-messages/search/f1" {
			t.Errorf("path = %s", path)
		}
		return dataEnvelope(t, map[string]any{"messages": []map[string]any{{"_id": "d1"}, {"_id": "a"}}}), nil
	}
	st, err := h.syncer.SearchDirectMessages(context.Background(), "f1", "x", 1, 20)
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(st.Results); !reflect.DeepEqual(got, []string{"d1"}) {
		t.Errorf("results = %v", got)
	}

	h.syncer.ClearSearch()
	if st := h.syncer.DirectSearch(); st.Query != "" || st.Results != nil {
		t.Errorf("state after clear = %+v", st)
	}
}
