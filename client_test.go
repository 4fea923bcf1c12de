package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientRequests(t *testing.T) {
	var got struct {
		method, path, query, auth, body string
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got.method, got.path, got.query = r.Method, r.URL.Path, r.URL.RawQuery
		got.auth, got.body = r.Header.Get("Authorization"), string(b)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"ok":true},"message":"done"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "tok", WithTimeout(5*time.Second))
	ctx := context.Background()

	t.Run("get", func(t *testing.T) {
		env, err := c.Get(ctx, "/messages/c1/search", map[string]string{"query": "a b"})
		if err != nil {
			t.Fatal(err)
		}
		if got.method != http.MethodGet || got.path != "/messages/c1/search" || got.query != "query=a+b" {
			t.Errorf("request = %+v", got)
		}
		if got.auth != "Bearer tok" {
			t.Errorf("auth = %q", got.auth)
		}
		var data struct{ OK bool }
		if err := env.Decode(&data); err != nil || !data.OK || env.Message != "done" {
			t.Errorf("envelope = %+v, %v", env, err)
		}
	})

	t.Run("post", func(t *testing.T) {
		if _, err := c.Post(ctx, "/messages/c1", OutboundMessage{Message: "hi"}); err != nil {
			t.Fatal(err)
		}
		var body map[string]any
		if err := json.Unmarshal([]byte(got.body), &body); err != nil {
			t.Fatal(err)
		}
		if body["message"] != "hi" || body["isCode"] != false {
			t.Errorf("body = %v", body)
		}
		if v, ok := body["language"]; !ok || v != nil {
			t.Errorf("language = %v, %v", v, ok)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if _, err := c.Delete(ctx, directMessagePath("d 1")); err != nil {
			t.Fatal(err)
		}
		if got.method != http.MethodDelete || got.path != "/direct-messages/d 1" {
			t.Errorf("request = %+v", got)
		}
	})
}

func TestClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/with-message":
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"message":"Not a member"}`))
		case "/plain":
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte(`<html>bad gateway</html>`))
		case "/garbage":
			w.Write([]byte(`{not json`))
		}
	}))
	defer srv.Close()
	c := NewClient(srv.URL, "")
	ctx := context.Background()

	var apiErr *APIError
	_, err := c.Get(ctx, "/with-message", nil)
	if !errors.As(err, &apiErr) || apiErr.Status != 403 || apiErr.Message != "Not a member" {
		t.Errorf("err = %v", err)
	}
	if errorMessage(err, "fallback") != "Not a member" {
		t.Errorf("errorMessage = %q", errorMessage(err, "fallback"))
	}

	_, err = c.Get(ctx, "/plain", nil)
	if !errors.As(err, &apiErr) || apiErr.Status != 502 || apiErr.Message != "Bad Gateway" {
		t.Errorf("err = %v", err)
	}

	if _, err := c.Get(ctx, "/garbage", nil); err == nil || errors.As(err, &apiErr) {
		t.Errorf("err = %v", err)
	}
}

func TestClientURLs(t *testing.T) {
	c := NewClient("https://chat.example.com/api", "")
	if got := c.WSUrl("a b"); got != "wss://chat.example.com/api/ws?token=a+b" {
		t.Errorf("WSUrl = %s", got)
	}
	if got := c.SSEUrl(""); got != "https://chat.example.com/api/sse" {
		t.Errorf("SSEUrl = %s", got)
	}
	if got := redactToken("ws://h/ws?token=secret"); got != "ws://h/ws?token=redacted" {
		t.Errorf("redactToken = %s", got)
	}
}

func TestSyncerOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/messages/C" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"data":{"_id":"m1","content":"hello","sender":{"userId":"u-me","username":"me"},"channelId":"C","createdAt":"2026-01-01T00:00:00Z"}}`))
	}))
	defer srv.Close()

	s := New(NewClient(srv.URL, "tok"), StaticIdentity(testMe))
	defer s.Close()
	s.Store().SelectChannel("C")

	if _, err := s.SendMessage(context.Background(), Draft{Content: "hello"}, "w1"); err != nil {
		t.Fatal(err)
	}
	msgs := s.Store().Messages(ScopeChannel)
	if len(msgs) != 1 || msgs[0].ID != "m1" || msgs[0].IsPending {
		t.Fatalf("cache = %+v", msgs)
	}
}
