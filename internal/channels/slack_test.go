package channels

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KafClaw/capclaw/internal/bus"
	"github.com/KafClaw/capclaw/internal/config"
)

func signSlack(secret, ts, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + ts + ":" + body))
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySlackSignature(t *testing.T) {
	body := `{"type":"event_callback"}`
	now := strconv.FormatInt(time.Now().Unix(), 10)
	stale := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)

	tests := []struct {
		name    string
		secret  string
		ts      string
		sig     string
		wantErr bool
	}{
		{name: "disabled", secret: ""},
		{name: "valid", secret: "s3cret", ts: now, sig: signSlack("s3cret", now, body)},
		{name: "mismatch", secret: "s3cret", ts: now, sig: signSlack("other", now, body), wantErr: true},
		{name: "stale", secret: "s3cret", ts: stale, sig: signSlack("s3cret", stale, body), wantErr: true},
		{name: "missing headers", secret: "s3cret", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/slack/events", strings.NewReader(body))
			if tt.ts != "" {
				req.Header.Set("X-Slack-Request-Timestamp", tt.ts)
				req.Header.Set("X-Slack-Signature", tt.sig)
			}
			err := verifySlackSignature([]byte(body), req, tt.secret)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func newTestSlack(t *testing.T, apiURL string) (*SlackTransport, *bus.MessageBus) {
	t.Helper()
	b := bus.NewMessageBus()
	s := NewSlackTransport(config.SlackConfig{Enabled: true, BotToken: "xoxb-test", APIURL: apiURL}, b, 0)
	t.Cleanup(func() { _ = s.Stop() })
	return s, b
}

func TestSlackURLVerification(t *testing.T) {
	s, _ := newTestSlack(t, "")
	req := httptest.NewRequest(http.MethodPost, "/slack/events", strings.NewReader(`{"type":"url_verification","token":"x","challenge":"abc123"}`))
	rec := httptest.NewRecorder()
	s.HandleEvents(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "abc123" {
		t.Fatalf("challenge = %d %q", rec.Code, rec.Body.String())
	}
}

func TestSlackMessageEvents(t *testing.T) {
	s, b := newTestSlack(t, "")
	post := func(event string) {
		body := `{"token":"x","type":"event_callback","event":` + event + `}`
		rec := httptest.NewRecorder()
		s.HandleEvents(rec, httptest.NewRequest(http.MethodPost, "/slack/events", strings.NewReader(body)))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
	}

	post(`{"type":"message","channel":"C1","user":"U1","text":"hello there","ts":"1.1"}`)
	post(`{"type":"app_mention","channel":"C1","user":"U1","text":"<@UBOT> hello there","ts":"1.1"}`)
	post(`{"type":"message","channel":"C1","bot_id":"B1","text":"echo","ts":"1.2"}`)
	post(`{"type":"message","subtype":"message_changed","channel":"C1","text":"edit","ts":"1.3"}`)
	post(`{"type":"app_mention","channel":"C1","user":"U2","text":"<@UBOT> status?","ts":"1.4"}`)

	first := consume(t, b)
	if first.Channel != SlackName || first.ChatID != "C1" || first.Content != "hello there" || first.SenderID != "U1" {
		t.Fatalf("first = %+v", first)
	}
	second := consume(t, b)
	if second.Content != "status?" || second.SenderID != "U2" {
		t.Fatalf("second = %+v", second)
	}
	if n := b.InboundSize(); n != 0 {
		t.Fatalf("%d unexpected inbound messages", n)
	}
}

func TestSlackInteraction(t *testing.T) {
	s, b := newTestSlack(t, "")
	payload := `{"type":"block_actions","trigger_id":"trig","user":{"id":"U1"},"channel":{"id":"C1"},` +
		`"container":{"type":"message","message_ts":"111.222"},"message":{"ts":"111.222","text":"Send digest?"},` +
		`"actions":[{"type":"button","block_id":"actions_0","action_id":"btn_0_0","value":"sched:approve:01HRUN"}]}`
	form := url.Values{"payload": {payload}}
	req := httptest.NewRequest(http.MethodPost, "/slack/interactions", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.HandleInteractions(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}

	msg := consume(t, b)
	if msg.Kind != bus.KindCallback || msg.ChatID != "C1" || msg.Callback == nil {
		t.Fatalf("inbound = %+v", msg)
	}
	cb := msg.Callback
	if cb.Data != "sched:approve:01HRUN" || cb.MessageID != "111.222" || cb.ID != "trig" || cb.MessageText != "Send digest?" {
		t.Fatalf("callback = %+v", cb)
	}
}

func TestSlackSendAndEdit(t *testing.T) {
	var (
		mu    sync.Mutex
		forms = map[string]url.Values{}
	)
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		method := strings.TrimPrefix(r.URL.Path, "/")
		mu.Lock()
		forms[method] = r.PostForm
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "channel": "C1", "ts": "1700.0001", "text": "x"})
	}))
	defer api.Close()

	s, _ := newTestSlack(t, api.URL)
	ts, err := s.Send(context.Background(), &bus.OutboundMessage{
		ChatID:  "C1",
		Content: "Digest ready",
		Buttons: [][]bus.Button{{{Label: "Approve", Data: "sched:approve:r1", Style: "primary"}}},
	})
	if err != nil || ts != "1700.0001" {
		t.Fatalf("Send = %q, %v", ts, err)
	}
	if err := s.EditMessage(context.Background(), "C1", ts, "Approved."); err != nil {
		t.Fatalf("EditMessage: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	post := forms["chat.postMessage"]
	if post.Get("channel") != "C1" || !strings.Contains(post.Get("blocks"), "sched:approve:r1") {
		t.Fatalf("postMessage form = %v", post)
	}
	update := forms["chat.update"]
	if update.Get("ts") != "1700.0001" || update.Get("text") != "Approved." {
		t.Fatalf("update form = %v", update)
	}
}

func TestSlackMaxMessageLength(t *testing.T) {
	s, _ := newTestSlack(t, "")
	if got := s.MaxMessageLength(); got != slackSectionLimit {
		t.Fatalf("MaxMessageLength = %d", got)
	}
}
