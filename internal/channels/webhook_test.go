package channels

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KafClaw/capclaw/internal/bus"
)

func postJSON(t *testing.T, h http.Handler, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func consume(t *testing.T, b *bus.MessageBus) *bus.InboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := b.ConsumeInbound(ctx)
	if err != nil {
		t.Fatalf("no inbound message: %v", err)
	}
	return msg
}

func TestWebhookInboundMessage(t *testing.T) {
	b := bus.NewMessageBus()
	w := NewWebhookTransport(b, "secret", "", 0)

	rec := postJSON(t, w, "secret", `{"session_id":"s1","chat_id":"c1","text":"hi","sender":"alice"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	msg := consume(t, b)
	if msg.Kind != bus.KindMessage || msg.Channel != WebhookName || msg.ChatID != "c1" || msg.SessionID != "s1" || msg.Content != "hi" || msg.SenderID != "alice" {
		t.Fatalf("inbound = %+v", msg)
	}
}

func TestWebhookInboundCallback(t *testing.T) {
	b := bus.NewMessageBus()
	w := NewWebhookTransport(b, "", "", 0)

	rec := postJSON(t, w, "", `{"callback":{"id":"cb","data":"mode:auto","chat_id":"c1","message_id":"m9"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	msg := consume(t, b)
	if msg.Kind != bus.KindCallback || msg.Callback == nil || msg.Callback.Data != "mode:auto" || msg.Callback.MessageID != "m9" {
		t.Fatalf("inbound = %+v", msg)
	}
}

func TestWebhookRejects(t *testing.T) {
	w := NewWebhookTransport(bus.NewMessageBus(), "secret", "", 0)
	tests := []struct {
		name  string
		token string
		body  string
		code  int
	}{
		{name: "no token", body: `{"chat_id":"c1","text":"hi"}`, code: http.StatusUnauthorized},
		{name: "wrong token", token: "nope", body: `{"chat_id":"c1","text":"hi"}`, code: http.StatusUnauthorized},
		{name: "bad json", token: "secret", body: `{`, code: http.StatusBadRequest},
		{name: "no chat", token: "secret", body: `{"text":"hi"}`, code: http.StatusBadRequest},
		{name: "empty text", token: "secret", body: `{"chat_id":"c1","text":"  "}`, code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := postJSON(t, w, tt.token, tt.body); rec.Code != tt.code {
				t.Fatalf("status = %d, want %d", rec.Code, tt.code)
			}
		})
	}
}

func TestWebhookOutboxPolling(t *testing.T) {
	w := NewWebhookTransport(bus.NewMessageBus(), "", "", 0)
	ctx := context.Background()

	id, err := w.Send(ctx, &bus.OutboundMessage{ChatID: "c1", Content: "Approve?", Buttons: [][]bus.Button{{{Label: "Approve", Data: "confirm:approve:1"}}}})
	if err != nil || id == "" {
		t.Fatalf("Send = %q, %v", id, err)
	}
	if err := w.EditMessage(ctx, "c1", id, "Approved."); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/webhook?chat_id=c1", nil)
	rec := httptest.NewRecorder()
	w.ServeHTTP(rec, req)

	var out struct {
		Messages []WebhookMessage `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Messages) != 2 || out.Messages[0].Buttons == nil || !out.Messages[1].Edit || out.Messages[1].ID != id {
		t.Fatalf("outbox = %+v", out.Messages)
	}
	if left := w.Drain("c1"); len(left) != 0 {
		t.Fatalf("outbox not drained: %+v", left)
	}
}

func TestWebhookReplyURL(t *testing.T) {
	var (
		mu       sync.Mutex
		received []WebhookMessage
		calls    int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var m WebhookMessage
		_ = json.NewDecoder(r.Body).Decode(&m)
		received = append(received, m)
	}))
	defer srv.Close()

	w := NewWebhookTransport(bus.NewMessageBus(), "tok", srv.URL, 0)
	if err := w.SendPlain(context.Background(), "c1", "plain hello"); err != nil {
		t.Fatalf("SendPlain: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 || len(received) != 1 || !received[0].Plain || received[0].Text != "plain hello" {
		t.Fatalf("calls=%d received=%+v", calls, received)
	}
}

func TestServerHealthz(t *testing.T) {
	srv := NewServer("127.0.0.1", 0, NewWebhookTransport(bus.NewMessageBus(), "", "", 0), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("healthz = %d %s", rec.Code, rec.Body.String())
	}
}
