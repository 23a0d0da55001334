// Package sessions implements the Session Store: one JSONL file per chat,
// with an in-memory cache, atomic persistence, and FIFO-friendly locking.
package sessions

import "strings"

// BuildSessionKey returns the canonical "<channel>:<chat_id>" session key
// that shards per-chat ordering (see GLOSSARY, "Session key").
func BuildSessionKey(channel, chatID string) string {
	return channel + ":" + chatID
}

// ParseSessionKey splits a session key back into channel and chat_id. Returns
// ok=false if the key does not contain the separator.
func ParseSessionKey(key string) (channel, chatID string, ok bool) {
	idx := strings.Index(key, ":")
	if idx < 0 {
		return "", "", false
	}
	return key[:idx], key[idx+1:], true
}
