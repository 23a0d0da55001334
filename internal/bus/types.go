// Package bus implements the typed inbound/outbound queues that sit between
// chat front-ends and the agent engine.
package bus

import "time"

// InboundMessage is a message received from a channel (Telegram, Discord, ...).
type InboundMessage struct {
	Channel    string            `json:"channel"`
	SenderID   string            `json:"sender_id"`
	ChatID     string            `json:"chat_id"`
	Content    string            `json:"content"`
	Media      []string          `json:"media,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}

// SessionKeyOverride returns the session_key override from metadata, if any.
// It does not check whether the channel is trusted to override.
func (m InboundMessage) SessionKeyOverride() (string, bool) {
	k, ok := m.Metadata["session_key"]
	return k, ok && k != ""
}

// ModelOverride returns the per-message model override from metadata, if any.
func (m InboundMessage) ModelOverride() (string, bool) {
	v, ok := m.Metadata["model"]
	return v, ok && v != ""
}

// Control returns the control op name from metadata, if this message carries
// a non-LLM control record (e.g. "subagent_list", "subagent_spawn").
func (m InboundMessage) Control() (string, bool) {
	v, ok := m.Metadata["control"]
	return v, ok && v != ""
}

// OutboundMessage is a message to be delivered to a channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Outbound metadata "type" values.
const (
	OutboundTypeAssistant     = "assistant"
	OutboundTypeStatus        = "status"
	OutboundTypeSubagents     = "subagents"
	OutboundTypeSubagentEvent = "subagent_event"
)

// MediaAttachment describes a media file attached to an inbound/outbound message.
type MediaAttachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Caption     string `json:"caption,omitempty"`
}
