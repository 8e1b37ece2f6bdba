package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"replybot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishSubscribe(t *testing.T) {
	b := New(4, testLogger())
	defer b.Close()

	if err := b.Publish(context.Background(), domain.InboundMessage{Channel: "discord", MessageID: "1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-b.Subscribe():
		if msg.MessageID != "1" {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestPublish_AfterClose(t *testing.T) {
	b := New(1, testLogger())
	b.Close()
	b.Close() // idempotent

	err := b.Publish(context.Background(), domain.InboundMessage{})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestPublish_FullBusTimesOut(t *testing.T) {
	b := New(1, testLogger())
	b.publishTimeout = 20 * time.Millisecond
	defer b.Close()

	if err := b.Publish(context.Background(), domain.InboundMessage{MessageID: "1"}); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(context.Background(), domain.InboundMessage{MessageID: "2"}); err == nil {
		t.Fatal("expected error on full bus")
	}
}

func TestPublish_FullBusHonoursContext(t *testing.T) {
	b := New(1, testLogger())
	defer b.Close()
	b.Publish(context.Background(), domain.InboundMessage{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Publish(ctx, domain.InboundMessage{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSendOutbound(t *testing.T) {
	b := New(1, testLogger())
	defer b.Close()

	err := b.SendOutbound(context.Background(), domain.OutboundMessage{Channel: "telegram"})
	if !errors.Is(err, ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler, got %v", err)
	}

	var got domain.OutboundMessage
	b.OnOutbound("telegram", func(_ context.Context, msg domain.OutboundMessage) error {
		got = msg
		return nil
	})
	if err := b.SendOutbound(context.Background(), domain.OutboundMessage{Channel: "telegram", Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	if got.Content != "hi" {
		t.Fatalf("handler not called: %+v", got)
	}
}
