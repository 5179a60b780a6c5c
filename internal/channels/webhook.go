package channels

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/capclaw/internal/bus"
)

// WebhookName is the bus channel of the generic JSON webhook.
const WebhookName = "webhook"

const maxOutbox = 200

// WebhookUpdate is the inbound body accepted on POST /webhook.
type WebhookUpdate struct {
	SessionID string           `json:"session_id"`
	ChatID    string           `json:"chat_id"`
	Text      string           `json:"text"`
	Sender    string           `json:"sender"`
	Callback  *WebhookCallback `json:"callback,omitempty"`
}

// WebhookCallback is a button tap reported through the webhook.
type WebhookCallback struct {
	ID        string `json:"id"`
	Data      string `json:"data"`
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}

// WebhookMessage is an outbound message, either posted to the reply URL or
// queued for polling.
type WebhookMessage struct {
	ID      string         `json:"id"`
	ChatID  string         `json:"chat_id"`
	Text    string         `json:"text"`
	Buttons [][]bus.Button `json:"buttons,omitempty"`
	Plain   bool           `json:"plain,omitempty"`
	Edit    bool           `json:"edit,omitempty"`
}

// WebhookTransport is a platform-neutral JSON transport.
type WebhookTransport struct {
	bus      *bus.MessageBus
	token    string
	replyURL string
	maxLen   int
	client   *http.Client

	mu     sync.Mutex
	outbox map[string][]WebhookMessage
}

// NewWebhookTransport creates the webhook transport. A non-empty token is
// required as a Bearer token on every request.
func NewWebhookTransport(b *bus.MessageBus, token, replyURL string, maxLen int) *WebhookTransport {
	if maxLen <= 0 {
		maxLen = DefaultMaxMessageLength
	}
	return &WebhookTransport{
		bus:      b,
		token:    strings.TrimSpace(token),
		replyURL: strings.TrimSpace(replyURL),
		maxLen:   maxLen,
		client:   &http.Client{Timeout: 15 * time.Second},
		outbox:   make(map[string][]WebhookMessage),
	}
}

func (w *WebhookTransport) Name() string                    { return WebhookName }
func (w *WebhookTransport) Start(ctx context.Context) error { return nil }
func (w *WebhookTransport) Stop() error                     { return nil }
func (w *WebhookTransport) MaxMessageLength() int           { return w.maxLen }

func (w *WebhookTransport) AckCallback(ctx context.Context, callbackID string) error { return nil }

func (w *WebhookTransport) Send(ctx context.Context, msg *bus.OutboundMessage) (string, error) {
	out := WebhookMessage{ID: uuid.NewString(), ChatID: msg.ChatID, Text: msg.Content, Buttons: msg.Buttons}
	return out.ID, w.emit(ctx, out)
}

func (w *WebhookTransport) SendPlain(ctx context.Context, chatID, text string) error {
	return w.emit(ctx, WebhookMessage{ID: uuid.NewString(), ChatID: chatID, Text: text, Plain: true})
}

func (w *WebhookTransport) EditMessage(ctx context.Context, chatID, messageID, text string) error {
	return w.emit(ctx, WebhookMessage{ID: messageID, ChatID: chatID, Text: text, Edit: true})
}

func (w *WebhookTransport) emit(ctx context.Context, out WebhookMessage) error {
	if w.replyURL == "" {
		w.mu.Lock()
		queue := append(w.outbox[out.ChatID], out)
		if len(queue) > maxOutbox {
			queue = queue[len(queue)-maxOutbox:]
		}
		w.outbox[out.ChatID] = queue
		w.mu.Unlock()
		return nil
	}
	body, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return withRetry(3, 200*time.Millisecond, func() (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.replyURL, bytes.NewReader(body))
		if err != nil {
			return false, err
		}
		req.Header.Set("Content-Type", "application/json")
		if w.token != "" {
			req.Header.Set("Authorization", "Bearer "+w.token)
		}
		resp, err := w.client.Do(req)
		if err != nil {
			return true, err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 300 {
			return false, nil
		}
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return retryable, fmt.Errorf("webhook reply rejected: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(msg)))
	})
}

// Drain returns and clears the queued messages for chatID.
func (w *WebhookTransport) Drain(chatID string) []WebhookMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.outbox[chatID]
	delete(w.outbox, chatID)
	return out
}

func (w *WebhookTransport) authorized(r *http.Request) bool {
	if w.token == "" {
		return true
	}
	got := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	return subtle.ConstantTimeCompare([]byte(got), []byte(w.token)) == 1
}

// ServeHTTP accepts updates on POST and serves the outbox on GET.
func (w *WebhookTransport) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if !w.authorized(r) {
		http.Error(rw, "unauthorized", http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodGet:
		chatID := strings.TrimSpace(r.URL.Query().Get("chat_id"))
		if chatID == "" {
			http.Error(rw, "chat_id required", http.StatusBadRequest)
			return
		}
		msgs := w.Drain(chatID)
		if msgs == nil {
			msgs = []WebhookMessage{}
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]any{"messages": msgs})
	case http.MethodPost:
		var upd WebhookUpdate
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&upd); err != nil {
			http.Error(rw, "invalid json", http.StatusBadRequest)
			return
		}
		msg, err := upd.inbound()
		if err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true})
		w.bus.PublishInbound(msg)
	default:
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (u WebhookUpdate) inbound() (*bus.InboundMessage, error) {
	if cb := u.Callback; cb != nil {
		chatID := strings.TrimSpace(cb.ChatID)
		if chatID == "" {
			chatID = strings.TrimSpace(u.ChatID)
		}
		if chatID == "" || strings.TrimSpace(cb.Data) == "" {
			return nil, errors.New("callback needs chat_id and data")
		}
		return &bus.InboundMessage{
			Kind:      bus.KindCallback,
			Channel:   WebhookName,
			SenderID:  u.Sender,
			ChatID:    chatID,
			SessionID: strings.TrimSpace(u.SessionID),
			Callback:  &bus.Callback{ID: cb.ID, Data: cb.Data, MessageID: cb.MessageID},
		}, nil
	}
	chatID := strings.TrimSpace(u.ChatID)
	if chatID == "" {
		chatID = strings.TrimSpace(u.SessionID)
	}
	if chatID == "" {
		return nil, errors.New("chat_id or session_id required")
	}
	if strings.TrimSpace(u.Text) == "" {
		return nil, errors.New("text required")
	}
	return &bus.InboundMessage{
		Kind:      bus.KindMessage,
		Channel:   WebhookName,
		SenderID:  u.Sender,
		ChatID:    chatID,
		SessionID: strings.TrimSpace(u.SessionID),
		Content:   u.Text,
	}, nil
}

// withRetry retries fn with exponential backoff while it reports a
// retryable error.
func withRetry(attempts int, baseDelay time.Duration, fn func() (retryable bool, err error)) error {
	if attempts <= 0 {
		attempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		retryable, err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || i == attempts-1 {
			break
		}
		time.Sleep(baseDelay * time.Duration(1<<i))
	}
	return lastErr
}
