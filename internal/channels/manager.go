package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/agentd/internal/bus"
)

// Manager owns the set of active channel front-ends and routes outbound
// messages to the right one by name.
type Manager struct {
	bus *bus.MessageBus

	mu       sync.RWMutex
	channels map[string]Channel
}

// NewManager creates an empty channel manager.
func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{bus: msgBus, channels: make(map[string]Channel)}
}

// RegisterChannel adds a channel under name, replacing any prior registration.
func (m *Manager) RegisterChannel(name string, ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = ch
}

// Get returns the channel registered under name, if any.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// GetEnabledChannels lists the names of every registered channel.
func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// StartAll starts every registered channel, logging (not failing) on
// individual errors so one broken front-end doesn't block the others.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		if err := ch.Start(ctx); err != nil {
			slog.Error("channel failed to start", "channel", name, "error", err)
		}
	}
	return nil
}

// StopAll stops every registered channel.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		if err := ch.Stop(ctx); err != nil {
			slog.Warn("channel failed to stop cleanly", "channel", name, "error", err)
		}
	}
}

// SendToChannel delivers content to chatID on the named channel.
func (m *Manager) SendToChannel(ctx context.Context, channel, chatID, content string) error {
	ch, ok := m.Get(channel)
	if !ok {
		return fmt.Errorf("unknown channel %q", channel)
	}
	return ch.Send(ctx, bus.OutboundMessage{Channel: channel, ChatID: chatID, Content: content})
}

// DispatchOutbound runs the outbound consume loop until ctx is canceled,
// sending each message to its target channel.
func (m *Manager) DispatchOutbound(ctx context.Context) {
	for {
		msg, ok := m.bus.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		if IsInternalChannel(msg.Channel) {
			continue
		}
		ch, ok := m.Get(msg.Channel)
		if !ok {
			slog.Warn("outbound message for unregistered channel", "channel", msg.Channel)
			continue
		}
		if err := ch.Send(ctx, msg); err != nil {
			slog.Warn("failed to deliver outbound message", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
		}
	}
}
