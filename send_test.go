package chatsync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSendMessageShowsPendingBeforeResponse(t *testing.T) {
	h := newHarness(t, testMe)
	h.syncer.Store().SelectChannel("c1")

	var seen []Message
	h.api.post = func(path string, body any) (*Envelope, error) {
		seen = h.syncer.Store().Messages(ScopeChannel)
		return dataEnvelope(t, map[string]any{"_id": "m1", "content": "hello", "senderId": testMe.ID, "channelId": "c1"}), nil
	}

	if _, err := h.syncer.SendMessage(context.Background(), Draft{Content: "hello"}, "w1"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if len(seen) != 1 {
		t.Fatalf("cache had %d entries during the request, want 1", len(seen))
	}
	p := seen[0]
	if !p.IsProvisional() || !p.IsPending || !p.IsSentByMe {
		t.Errorf("provisional entry = %+v", p)
	}
	if p.SenderID != testMe.ID || p.Sender.Username != testMe.Username || p.Sender.Avatar != testMe.Avatar {
		t.Errorf("provisional sender = %+v", p.Sender)
	}
	if !strings.HasPrefix(p.ID, TempIDPrefix) {
		t.Errorf("id %q lacks prefix", p.ID)
	}
}

func TestSendMessageFallbackScenario(t *testing.T) {
	h := newHarness(t, testMe)
	h.syncer.Store().SelectChannel("C")
	h.api.post = func(path string, body any) (*Envelope, error) {
		if path != "/messages/C" {
			t.Errorf("path = %s", path)
		}
		out, ok := body.(OutboundMessage)
		if !ok || out.Message != "hello" {
			t.Errorf("body = %#v", body)
		}
		return dataEnvelope(t, map[string]any{"_id": "m1", "content": "hello", "senderId": testMe.ID, "channelId": "C"}), nil
	}

	got, err := h.syncer.SendMessage(context.Background(), Draft{Content: "hello"}, "w1")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if got.ID != "m1" {
		t.Errorf("returned id = %s", got.ID)
	}

	msgs := h.syncer.Store().Messages(ScopeChannel)
	if len(msgs) != 1 || msgs[0].ID != "m1" || msgs[0].IsPending || !msgs[0].IsSentByMe {
		t.Fatalf("cache = %+v", msgs)
	}
	if len(h.rt.Commands()) != 0 {
		t.Errorf("disconnected push channel was used: %v", h.rt.Commands())
	}
}

func TestSendMessageRealtimeAccepted(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	h := newHarness(t, testMe, WithPendingTimeout(20*time.Millisecond), WithMetrics(metrics))
	h.rt.connected, h.rt.accept = true, true
	h.syncer.Store().SelectChannel("c1")

	if _, err := h.syncer.SendMessage(context.Background(), Draft{Content: "hi"}, "w1"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if calls := h.api.Calls(); len(calls) != 0 {
		t.Fatalf("fallback used: %v", calls)
	}
	msgs := h.syncer.Store().Messages(ScopeChannel)
	if len(msgs) != 1 || !msgs[0].IsPending {
		t.Fatalf("cache = %+v", msgs)
	}

	eventually(t, "pending flag cleared", func() bool {
		msgs := h.syncer.Store().Messages(ScopeChannel)
		return len(msgs) == 1 && !msgs[0].IsPending && msgs[0].IsProvisional()
	})
	if v := testutil.ToFloat64(metrics.sends.WithLabelValues("realtime")); v != 1 {
		t.Errorf("realtime sends = %v", v)
	}
	eventually(t, "timeout counted", func() bool {
		return testutil.ToFloat64(metrics.pendingTimeouts) == 1
	})
}

func TestSendMessageTimeoutKeepsConfirmation(t *testing.T) {
	h := newHarness(t, testMe, WithPendingTimeout(10*time.Millisecond))
	h.rt.connected, h.rt.accept = true, true
	h.syncer.Store().SelectChannel("c1")

	if _, err := h.syncer.SendMessage(context.Background(), Draft{Content: "hi"}, "w1"); err != nil {
		t.Fatal(err)
	}
	h.syncer.ReceiveChannelMessage(confirmed("m9", "c1", testMe.ID, "hi", h.clock.Now()))

	time.Sleep(40 * time.Millisecond)
	msgs := h.syncer.Store().Messages(ScopeChannel)
	if len(msgs) != 1 || msgs[0].ID != "m9" || msgs[0].IsPending {
		t.Fatalf("cache = %+v", msgs)
	}
}

func TestSendMessageRealtimeRefusedFallsBack(t *testing.T) {
	h := newHarness(t, testMe)
	h.rt.connected = true
	h.syncer.Store().SelectChannel("c1")
	h.api.post = func(path string, body any) (*Envelope, error) {
		return dataEnvelope(t, map[string]any{"_id": "m2", "content": "x", "senderId": testMe.ID}), nil
	}

	if _, err := h.syncer.SendMessage(context.Background(), Draft{Content: "x"}, "w1"); err != nil {
		t.Fatal(err)
	}
	if len(h.rt.Commands()) != 1 {
		t.Errorf("push commands = %v", h.rt.Commands())
	}
	if got := ids(h.syncer.Store().Messages(ScopeChannel)); len(got) != 1 || got[0] != "m2" {
		t.Errorf("ids = %v", got)
	}
}

func TestSendMessageFailureRollsBack(t *testing.T) {
	h := newHarness(t, testMe)
	h.syncer.Store().Load(ScopeChannel, []Message{{ID: "old", ChannelID: "c1"}})
	h.syncer.Store().SelectChannel("c1")
	h.api.post = func(string, any) (*Envelope, error) {
		return nil, &APIError{Status: 403, Message: "You are not a member of this channel"}
	}

	_, err := h.syncer.SendMessage(context.Background(), Draft{Content: "x"}, "w1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 403 {
		t.Fatalf("err = %v", err)
	}
	if got := ids(h.syncer.Store().Messages(ScopeChannel)); len(got) != 1 || got[0] != "old" {
		t.Errorf("ids after rollback = %v", got)
	}
	if h.notes.Last() != "You are not a member of this channel" {
		t.Errorf("notification = %q", h.notes.Last())
	}
	if h.syncer.Store().Status().Sending {
		t.Error("sending flag left set")
	}
}

func TestSendMessageFailureGenericNotice(t *testing.T) {
	h := newHarness(t, testMe)
	h.api.post = func(string, any) (*Envelope, error) { return nil, errors.New("connection refused") }

	if _, err := h.syncer.SendMessage(context.Background(), Draft{Content: "x"}, "w1"); err == nil {
		t.Fatal("expected error")
	}
	if h.notes.Last() != "Failed to send message" {
		t.Errorf("notification = %q", h.notes.Last())
	}
}

func TestSendMessageGuards(t *testing.T) {
	t.Run("no workspace", func(t *testing.T) {
		h := newHarness(t, testMe)
		m, err := h.syncer.SendMessage(context.Background(), Draft{Content: "x"}, "")
		if m != nil || err != nil {
			t.Fatalf("got %v, %v", m, err)
		}
		if len(h.api.Calls()) != 0 || len(h.syncer.Store().Messages(ScopeChannel)) != 0 {
			t.Error("send without workspace had effects")
		}
	})

	t.Run("signed out", func(t *testing.T) {
		h := newHarness(t, nil)
		_, err := h.syncer.SendMessage(context.Background(), Draft{Content: "x"}, "w1")
		if !errors.Is(err, ErrNotAuthenticated) {
			t.Fatalf("err = %v", err)
		}
		if h.notes.Last() != "You must be logged in to send messages" {
			t.Errorf("notification = %q", h.notes.Last())
		}
		if len(h.syncer.Store().Messages(ScopeChannel)) != 0 {
			t.Error("provisional entry created without identity")
		}
	})
}

func TestSendMessageChannelResolution(t *testing.T) {
	tests := []struct {
		name     string
		draft    string
		selected string
		want     string
	}{
		{"draft wins", "c-draft", "c-sel", "/messages/c-draft"},
		{"selected channel", "", "c-sel", "/messages/c-sel"},
		{"workspace fallback", "", "", "/messages/w1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testMe)
			if tt.selected != "" {
				h.syncer.Store().SelectChannel(tt.selected)
			}
			if _, err := h.syncer.SendMessage(context.Background(), Draft{ChannelID: tt.draft, Content: "x"}, "w1"); err != nil {
				t.Fatal(err)
			}
			if calls := h.api.Calls(); len(calls) != 1 || calls[0] != "POST "+tt.want {
				t.Errorf("calls = %v", calls)
			}
		})
	}
}

func TestSendMessageWithoutDataClearsPending(t *testing.T) {
	h := newHarness(t, testMe)
	if _, err := h.syncer.SendMessage(context.Background(), Draft{Content: "x"}, "w1"); err != nil {
		t.Fatal(err)
	}
	msgs := h.syncer.Store().Messages(ScopeChannel)
	if len(msgs) != 1 || msgs[0].IsPending || !msgs[0].IsProvisional() {
		t.Fatalf("cache = %+v", msgs)
	}
}

func TestTempIDsAreUnique(t *testing.T) {
	h := newHarness(t, testMe)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := h.syncer.tempID()
		if seen[id] {
			t.Fatalf("duplicate temp id %s", id)
		}
		seen[id] = true
	}
}

// ============================================================================
// Direct messages
// ============================================================================

func TestSendDirectMessage(t *testing.T) {
	t.Run("confirmed", func(t *testing.T) {
		h := newHarness(t, testMe)
		h.syncer.Store().SelectFriend("f1")
		h.api.post = func(path string, body any) (*Envelope, error) {
			if path != "/direct-messages/friend/f1" {
				t.Errorf("path = %s", path)
			}
			b := body.(map[string]any)
			if b["language"] != "text" || b["content"] != "yo" {
				t.Errorf("body = %v", b)
			}
			msgs := h.syncer.Store().Messages(ScopeDirect)
			if len(msgs) != 1 || !msgs[0].IsPending || msgs[0].ReceiverID != "f1" {
				t.Errorf("provisional = %+v", msgs)
			}
			return dataEnvelope(t, map[string]any{"messageId": "d1", "content": "yo", "senderId": testMe.ID, "receiverId": "f1"}), nil
		}

		got, err := h.syncer.SendDirectMessage(context.Background(), Draft{Content: "yo"}, "f1")
		if err != nil {
			t.Fatal(err)
		}
		if got.ID != "d1" {
			t.Errorf("id = %s", got.ID)
		}
		msgs := h.syncer.Store().Messages(ScopeDirect)
		if len(msgs) != 1 || msgs[0].ID != "d1" || msgs[0].IsPending || !msgs[0].IsSentByMe {
			t.Fatalf("cache = %+v", msgs)
		}
		if len(h.rt.Commands()) != 0 {
			t.Error("direct message used the push channel")
		}
	})

	t.Run("no identity", func(t *testing.T) {
		h := newHarness(t, nil)
		h.syncer.Store().SelectFriend("f1")
		_, err := h.syncer.SendDirectMessage(context.Background(), Draft{Content: "yo"}, "f1")
		if !errors.Is(err, ErrNotAuthenticated) {
			t.Fatalf("err = %v", err)
		}
		if n := len(h.syncer.Store().Messages(ScopeDirect)); n != 0 {
			t.Errorf("cache has %d entries", n)
		}
		if calls := h.api.Calls(); len(calls) != 0 {
			t.Errorf("calls = %v", calls)
		}
		if h.notes.Last() != "You must be logged in to send messages" {
			t.Errorf("notification = %q", h.notes.Last())
		}
	})

	t.Run("failure removes entry", func(t *testing.T) {
		h := newHarness(t, testMe)
		h.api.post = func(string, any) (*Envelope, error) { return nil, errors.New("offline") }
		if _, err := h.syncer.SendDirectMessage(context.Background(), Draft{Content: "yo"}, "f1"); err == nil {
			t.Fatal("expected error")
		}
		if n := len(h.syncer.Store().Messages(ScopeDirect)); n != 0 {
			t.Errorf("%d entries left", n)
		}
		if h.notes.Last() != "Failed to send direct message" {
			t.Errorf("notification = %q", h.notes.Last())
		}
	})

	t.Run("friend required", func(t *testing.T) {
		h := newHarness(t, testMe)
		_, err := h.syncer.SendDirectMessage(context.Background(), Draft{Content: "yo"}, "")
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("err = %v", err)
		}
		if h.notes.Last() != "Friend ID is required" || len(h.api.Calls()) != 0 {
			t.Errorf("notes=%v calls=%v", h.notes.All(), h.api.Calls())
		}
	})
}

// ============================================================================
// Loading
// ============================================================================

func TestLoadChannel(t *testing.T) {
	h := newHarness(t, testMe)
	h.syncer.Store().Load(ScopeDirect, []Message{{ID: "d"}})
	h.api.get = func(path string, _ map[string]string) (*Envelope, error) {
		if path != "/messages/c1" {
			t.Errorf("path = %s", path)
		}
		return dataEnvelope(t, map[string]any{"messages": []map[string]any{
			{"_id": "a", "content": "mine", "senderId": testMe.ID},
			{"_id": "b", "content": "theirs", "senderId": "u2"},
		}}), nil
	}

	if err := h.syncer.LoadChannel(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	msgs := h.syncer.Store().Messages(ScopeChannel)
	if len(msgs) != 2 || !msgs[0].IsSentByMe || msgs[1].IsSentByMe {
		t.Fatalf("cache = %+v", msgs)
	}
	if len(h.syncer.Store().Messages(ScopeDirect)) != 0 {
		t.Error("direct sequence not cleared")
	}
	if h.syncer.Store().Selection().Channel != "c1" || h.syncer.Store().Status().Loading {
		t.Errorf("selection=%+v status=%+v", h.syncer.Store().Selection(), h.syncer.Store().Status())
	}
}

func TestLoadDirectFailure(t *testing.T) {
	h := newHarness(t, testMe)
	h.api.get = func(string, map[string]string) (*Envelope, error) {
		return nil, &APIError{Status: 500, Message: ""}
	}
	if err := h.syncer.LoadDirect(context.Background(), "f1"); err == nil {
		t.Fatal("expected error")
	}
	if h.notes.Last() != "Failed to load direct messages" {
		t.Errorf("notification = %q", h.notes.Last())
	}
}
