package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var testMe = &Identity{ID: "u-me", Username: "me", Avatar: "me.png"}

// fakeAPI is an in-memory Requester. Unset handlers answer with an empty
// envelope.
type fakeAPI struct {
	mu    sync.Mutex
	calls []string

	get  func(path string, query map[string]string) (*Envelope, error)
	post func(path string, body any) (*Envelope, error)
	del  func(path string) (*Envelope, error)
}

func (f *fakeAPI) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeAPI) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAPI) Get(_ context.Context, path string, query map[string]string) (*Envelope, error) {
	f.record("GET " + path)
	if f.get == nil {
		return &Envelope{}, nil
	}
	return f.get(path, query)
}

func (f *fakeAPI) Post(_ context.Context, path string, body any) (*Envelope, error) {
	f.record("POST " + path)
	if f.post == nil {
		return &Envelope{}, nil
	}
	return f.post(path, body)
}

func (f *fakeAPI) Delete(_ context.Context, path string) (*Envelope, error) {
	f.record("DELETE " + path)
	if f.del == nil {
		return &Envelope{}, nil
	}
	return f.del(path)
}

// fakeRealtime is a scripted push channel.
type fakeRealtime struct {
	mu        sync.Mutex
	connected bool
	accept    bool
	commands  []string
}

func (f *fakeRealtime) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeRealtime) send(cmd string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	return f.accept
}

func (f *fakeRealtime) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeRealtime) SendChannelMessage(_ context.Context, channelID string, _ OutboundMessage, _ string) bool {
	return f.send(CommandSendChannelMessage + " " + channelID)
}

func (f *fakeRealtime) DeleteMessage(_ context.Context, messageID, _ string) bool {
	return f.send(CommandDeleteMessage + " " + messageID)
}

func (f *fakeRealtime) DeleteDirectMessage(_ context.Context, messageID string) bool {
	return f.send(CommandDeleteDirectMessage + " " + messageID)
}

func (f *fakeRealtime) AddMessageReaction(_ context.Context, messageID, _, reaction string) bool {
	return f.send(CommandAddReaction + " " + messageID + " " + reaction)
}

// notes records user-visible notifications.
type notes struct {
	mu   sync.Mutex
	msgs []string
}

func (n *notes) NotifyError(msg string) {
	n.mu.Lock()
	n.msgs = append(n.msgs, msg)
	n.mu.Unlock()
}

func (n *notes) All() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

func (n *notes) Last() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.msgs) == 0 {
		return ""
	}
	return n.msgs[len(n.msgs)-1]
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	syncer *Syncer
	api    *fakeAPI
	rt     *fakeRealtime
	notes  *notes
	clock  *fakeClock
}

func newHarness(t *testing.T, me *Identity, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		api:   &fakeAPI{},
		rt:    &fakeRealtime{},
		notes: &notes{},
		clock: newFakeClock(),
	}
	base := []Option{
		WithRealtime(h.rt),
		WithNotifier(h.notes),
		WithClock(h.clock.Now),
	}
	h.syncer = New(h.api, StaticIdentity(me), append(base, opts...)...)
	t.Cleanup(h.syncer.Close)
	return h
}

func dataEnvelope(t *testing.T, v any) *Envelope {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal envelope data: %v", err)
	}
	return &Envelope{Data: b}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func confirmed(id, channelID, senderID, content string, at time.Time) Message {
	return Message{
		ID:        id,
		ChannelID: channelID,
		SenderID:  senderID,
		Sender:    Sender{UserID: senderID, Username: fmt.Sprintf("user %s", senderID)},
		Content:   content,
		CreatedAt: at,
	}
}
