package bus

import (
	"context"
	"testing"
	"time"
)

func TestInboundDefaults(t *testing.T) {
	b := NewMessageBus()
	b.PublishInbound(&InboundMessage{Channel: "webhook", ChatID: "c1", Content: "hi"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := b.ConsumeInbound(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Kind != KindMessage || msg.Timestamp.IsZero() {
		t.Errorf("defaults not applied: %+v", msg)
	}
	if b.InboundSize() != 0 {
		t.Error("expected empty inbound queue")
	}
}

func TestDispatchOutboundRoutesByChannel(t *testing.T) {
	b := NewMessageBus()
	got := make(chan *OutboundMessage, 2)
	b.Subscribe("slack", func(m *OutboundMessage) { got <- m })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)

	b.PublishOutbound(&OutboundMessage{Channel: "nowhere", Content: "dropped"})
	b.PublishOutbound(&OutboundMessage{Channel: "slack", ChatID: "C1", Content: "hello", Buttons: [][]Button{{{Label: "Run", Data: "run:x"}}}})

	select {
	case m := <-got:
		if m.Content != "hello" || m.Buttons[0][0].Data != "run:x" {
			t.Errorf("unexpected message %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("outbound message not dispatched")
	}
}
