package adapter

import (
	"sync"

	kit "smsbot/internal/transport"
)

// history is a bounded per-chat log of messages the bot has seen or sent.
//
// The Bot API has no "read channel history" call, so recent-message scans are
// answered from this log. Entries are kept oldest-first.
type history struct {
	mu     sync.Mutex
	size   int
	byChat map[string][]kit.Message
}

func newHistory(size int) *history {
	if size <= 0 {
		size = 50
	}
	return &history{size: size, byChat: map[string][]kit.Message{}}
}

func (h *history) add(m kit.Message) {
	if m.Ref.ChannelID == "" || m.Ref.MessageID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := append(h.byChat[m.Ref.ChannelID], m)
	if over := len(msgs) - h.size; over > 0 {
		msgs = append([]kit.Message(nil), msgs[over:]...)
	}
	h.byChat[m.Ref.ChannelID] = msgs
}

func (h *history) remove(ref kit.MessageRef) {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := h.byChat[ref.ChannelID]
	for i, m := range msgs {
		if m.Ref.MessageID == ref.MessageID {
			h.byChat[ref.ChannelID] = append(msgs[:i:i], msgs[i+1:]...)
			return
		}
	}
}

// recent returns up to limit messages, newest first.
func (h *history) recent(chatID string, limit int) []kit.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := h.byChat[chatID]
	if limit <= 0 || limit > len(msgs) {
		limit = len(msgs)
	}
	out := make([]kit.Message, 0, limit)
	for i := len(msgs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, msgs[i])
	}
	return out
}
