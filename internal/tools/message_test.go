package tools

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/bus"
)

func TestMessageToolPublishesToBoundDestination(t *testing.T) {
	b := bus.New()
	tool := NewMessageTool(b, "telegram", "12345")

	res := tool.Execute(context.Background(), map[string]interface{}{"content": "hello there"})
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.ForLLM)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, ok := b.ConsumeOutbound(ctx)
	if !ok {
		t.Fatal("expected an outbound message to be published")
	}
	if out.Channel != "telegram" || out.ChatID != "12345" || out.Content != "hello there" {
		t.Fatalf("unexpected outbound message: %+v", out)
	}
}

func TestMessageToolOverridesDestination(t *testing.T) {
	b := bus.New()
	tool := NewMessageTool(b, "telegram", "12345")

	res := tool.Execute(context.Background(), map[string]interface{}{
		"content": "hi",
		"channel": "discord",
		"chat_id": "99",
	})
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.ForLLM)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, ok := b.ConsumeOutbound(ctx)
	if !ok {
		t.Fatal("expected an outbound message to be published")
	}
	if out.Channel != "discord" || out.ChatID != "99" {
		t.Fatalf("expected override destination, got %+v", out)
	}
}

func TestMessageToolRequiresContent(t *testing.T) {
	b := bus.New()
	tool := NewMessageTool(b, "telegram", "12345")
	res := tool.Execute(context.Background(), map[string]interface{}{})
	if !res.IsError {
		t.Fatal("expected error for missing content")
	}
}
