package tools

import (
	"context"

	"github.com/nextlevelbuilder/agentd/internal/bus"
)

// MessageTool implements the `message` tool: it constructs an
// OutboundMessage and publishes it via the bus. Default channel/chat_id are
// bound per request (one MessageTool instance per agent-loop turn) rather
// than shared mutable state on the tool, so concurrent sessions never cross
// wires over which turn they belong to.
type MessageTool struct {
	bus            *bus.MessageBus
	defaultChannel string
	defaultChatID  string
}

// NewMessageTool binds the outbound destination for one agent-loop turn.
// channel/chatID come from the InboundMessage that started this turn.
func NewMessageTool(b *bus.MessageBus, channel, chatID string) *MessageTool {
	return &MessageTool{bus: b, defaultChannel: channel, defaultChatID: chatID}
}

func (t *MessageTool) Name() string { return "message" }

func (t *MessageTool) Description() string {
	return "Send a message back to the user. By default replies in the current conversation; channel/chat_id can target a different destination."
}

func (t *MessageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Message text to send.",
			},
			"channel": map[string]interface{}{
				"type":        "string",
				"description": "Override destination channel (defaults to the current conversation's channel).",
			},
			"chat_id": map[string]interface{}{
				"type":        "string",
				"description": "Override destination chat_id (defaults to the current conversation).",
			},
		},
		"required": []string{"content"},
	}
}

func (t *MessageTool) ParallelSafe() bool   { return false }
func (t *MessageTool) Cacheable() bool      { return false }
func (t *MessageTool) CacheTTLSeconds() int { return 0 }
func (t *MessageTool) MaxRetries() int      { return 1 }
func (t *MessageTool) CacheKey(map[string]interface{}) (string, bool) { return "", false }

func (t *MessageTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.bus == nil {
		return ErrorResult("message bus not available")
	}

	content, _ := args["content"].(string)
	if content == "" {
		return ErrorResult("content is required")
	}

	channel, _ := args["channel"].(string)
	if channel == "" {
		channel = t.defaultChannel
	}
	chatID, _ := args["chat_id"].(string)
	if chatID == "" {
		chatID = t.defaultChatID
	}
	if channel == "" || chatID == "" {
		return ErrorResult("no destination channel/chat_id bound for this request")
	}

	t.bus.PublishOutbound(bus.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		Content: content,
		Metadata: map[string]string{
			"type": bus.OutboundTypeAssistant,
		},
	})

	return SilentResult("message sent")
}
