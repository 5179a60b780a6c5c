package channels

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/KafClaw/capclaw/internal/approval"
	"github.com/KafClaw/capclaw/internal/bus"
	"github.com/KafClaw/capclaw/internal/config"
)

// SlackName is the bus channel of the Slack transport.
const SlackName = "slack"

// slackSectionLimit is the longest mrkdwn text a section block accepts.
const slackSectionLimit = 3000

var mentionPattern = regexp.MustCompile(`<@[A-Z0-9]+>`)

// SlackTransport talks to Slack through the Web API, the Events API and the
// interactivity endpoint, or through Socket Mode when an app token is set.
type SlackTransport struct {
	cfg    config.SlackConfig
	bus    *bus.MessageBus
	api    *slack.Client
	maxLen int
	seen   *approval.TTLStore[struct{}]
	cancel context.CancelFunc
}

// NewSlackTransport creates the Slack transport.
func NewSlackTransport(cfg config.SlackConfig, b *bus.MessageBus, maxLen int) *SlackTransport {
	opts := []slack.Option{}
	if api := strings.TrimSpace(cfg.APIURL); api != "" {
		if !strings.HasSuffix(api, "/") {
			api += "/"
		}
		opts = append(opts, slack.OptionAPIURL(api))
	}
	if tok := strings.TrimSpace(cfg.AppToken); tok != "" {
		opts = append(opts, slack.OptionAppLevelToken(tok))
	}
	if maxLen <= 0 || maxLen > slackSectionLimit {
		maxLen = slackSectionLimit
	}
	return &SlackTransport{
		cfg:    cfg,
		bus:    b,
		api:    slack.New(strings.TrimSpace(cfg.BotToken), opts...),
		maxLen: maxLen,
		seen:   approval.NewTTLStore[struct{}](10 * time.Minute),
	}
}

func (s *SlackTransport) Name() string          { return SlackName }
func (s *SlackTransport) MaxMessageLength() int { return s.maxLen }

// AckCallback is a no-op: interactions are acknowledged by the HTTP
// response or the socket mode ack.
func (s *SlackTransport) AckCallback(ctx context.Context, callbackID string) error { return nil }

// Start opens a Socket Mode connection when an app token is configured.
func (s *SlackTransport) Start(ctx context.Context) error {
	if strings.TrimSpace(s.cfg.AppToken) == "" {
		return nil
	}
	ctx, s.cancel = context.WithCancel(ctx)
	client := socketmode.New(s.api)
	go s.runSocketMode(ctx, client)
	go func() {
		if err := client.RunContext(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Slack socket mode stopped", "error", err)
		}
	}()
	slog.Info("Slack socket mode started")
	return nil
}

func (s *SlackTransport) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.seen.Close()
	return nil
}

func (s *SlackTransport) Send(ctx context.Context, msg *bus.OutboundMessage) (string, error) {
	_, ts, err := s.api.PostMessageContext(ctx, msg.ChatID,
		slack.MsgOptionText(msg.Content, false),
		slack.MsgOptionBlocks(messageBlocks(msg)...),
	)
	return ts, err
}

func (s *SlackTransport) SendPlain(ctx context.Context, chatID, text string) error {
	_, _, err := s.api.PostMessageContext(ctx, chatID,
		slack.MsgOptionText(text, false),
		slack.MsgOptionDisableMarkdown(),
	)
	return err
}

// EditMessage replaces the message text and removes its blocks.
func (s *SlackTransport) EditMessage(ctx context.Context, chatID, messageID, text string) error {
	opts := []slack.MsgOption{slack.MsgOptionBlocks([]slack.Block{}...)}
	if text != "" {
		opts = append(opts, slack.MsgOptionText(text, false))
	}
	_, _, _, err := s.api.UpdateMessageContext(ctx, chatID, messageID, opts...)
	return err
}

func messageBlocks(msg *bus.OutboundMessage) []slack.Block {
	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, msg.Content, false, false), nil, nil),
	}
	for i, row := range msg.Buttons {
		elems := make([]slack.BlockElement, 0, len(row))
		for j, b := range row {
			btn := slack.NewButtonBlockElement(
				"btn_"+strconv.Itoa(i)+"_"+strconv.Itoa(j),
				b.Data,
				slack.NewTextBlockObject(slack.PlainTextType, b.Label, false, false),
			)
			switch b.Style {
			case "primary":
				btn.Style = slack.StylePrimary
			case "danger":
				btn.Style = slack.StyleDanger
			}
			elems = append(elems, btn)
		}
		blocks = append(blocks, slack.NewActionBlock("actions_"+strconv.Itoa(i), elems...))
	}
	return blocks
}

// HandleEvents serves the Events API endpoint.
func (s *SlackTransport) HandleEvents(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readVerified(w, r)
	if !ok {
		return
	}
	ev, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		http.Error(w, "invalid event", http.StatusBadRequest)
		return
	}
	switch ev.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			http.Error(w, "invalid challenge", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(challenge.Challenge))
	case slackevents.CallbackEvent:
		w.WriteHeader(http.StatusOK)
		s.handleInner(ev.InnerEvent)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

// HandleInteractions serves the interactivity endpoint.
func (s *SlackTransport) HandleInteractions(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readVerified(w, r)
	if !ok {
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	cb, err := slack.InteractionCallbackParse(r)
	if err != nil {
		http.Error(w, "invalid interaction payload", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
	s.handleInteraction(cb)
}

func (s *SlackTransport) readVerified(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return nil, false
	}
	if err := verifySlackSignature(body, r, s.cfg.SigningSecret); err != nil {
		slog.Warn("Slack request rejected", "error", err)
		http.Error(w, "invalid slack signature", http.StatusUnauthorized)
		return nil, false
	}
	return body, true
}

func (s *SlackTransport) handleInner(inner slackevents.EventsAPIInnerEvent) {
	switch ev := inner.Data.(type) {
	case *slackevents.MessageEvent:
		if ev == nil || ev.BotID != "" || ev.SubType != "" {
			return
		}
		s.publishText(ev.User, ev.Channel, ev.TimeStamp, ev.Text)
	case *slackevents.AppMentionEvent:
		if ev == nil || ev.BotID != "" {
			return
		}
		s.publishText(ev.User, ev.Channel, ev.TimeStamp, ev.Text)
	}
}

func (s *SlackTransport) publishText(user, channel, ts, text string) {
	key := channel + ":" + ts
	if _, dup := s.seen.Get(key); dup {
		return
	}
	s.seen.Put(key, struct{}{})
	text = strings.TrimSpace(mentionPattern.ReplaceAllString(text, ""))
	if text == "" {
		return
	}
	s.bus.PublishInbound(&bus.InboundMessage{
		Kind:     bus.KindMessage,
		Channel:  SlackName,
		SenderID: user,
		ChatID:   channel,
		Content:  text,
	})
}

func (s *SlackTransport) handleInteraction(cb slack.InteractionCallback) {
	if cb.Type != slack.InteractionTypeBlockActions {
		return
	}
	messageID := cb.Container.MessageTs
	if messageID == "" {
		messageID = cb.Message.Timestamp
	}
	for _, action := range cb.ActionCallback.BlockActions {
		if action == nil || action.Value == "" {
			continue
		}
		s.bus.PublishInbound(&bus.InboundMessage{
			Kind:     bus.KindCallback,
			Channel:  SlackName,
			SenderID: cb.User.ID,
			ChatID:   cb.Channel.ID,
			Callback: &bus.Callback{ID: cb.TriggerID, Data: action.Value, MessageID: messageID, MessageText: cb.Message.Text},
		})
	}
}

func (s *SlackTransport) runSocketMode(ctx context.Context, client *socketmode.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-client.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				if evt.Request != nil {
					client.Ack(*evt.Request)
				}
				ev, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok || ev.Type != slackevents.CallbackEvent {
					continue
				}
				s.handleInner(ev.InnerEvent)
			case socketmode.EventTypeInteractive:
				if evt.Request != nil {
					client.Ack(*evt.Request)
				}
				if cb, ok := evt.Data.(slack.InteractionCallback); ok {
					s.handleInteraction(cb)
				}
			case socketmode.EventTypeConnectionError:
				slog.Warn("Slack socket mode connection error")
			}
		}
	}
}

// verifySlackSignature checks the v0 request signature. An empty secret
// disables the check.
func verifySlackSignature(body []byte, r *http.Request, secret string) error {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	ts := strings.TrimSpace(r.Header.Get("X-Slack-Request-Timestamp"))
	sig := strings.TrimSpace(r.Header.Get("X-Slack-Signature"))
	if ts == "" || sig == "" {
		return errors.New("missing slack signature headers")
	}
	tsNum, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return err
	}
	if delta := time.Since(time.Unix(tsNum, 0)); delta > 5*time.Minute || delta < -5*time.Minute {
		return errors.New("slack signature timestamp out of range")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte("v0:" + ts + ":" + string(body)))
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return errors.New("slack signature mismatch")
	}
	return nil
}
