package conversation

import (
	"sync"
	"time"

	"github.com/BaSui01/voxagent/types"
)

// History 是单次通话的有序轮次序列，只追加不修改。
// 同一个 *History 在 persona 切换时按引用传递，所有持有者看到同一份记录。
type History struct {
	id    string
	mu    sync.RWMutex
	turns []types.Message
	now   func() time.Time
}

// NewHistory creates an empty turn sequence for the given session.
func NewHistory(sessionID string) *History {
	return &History{
		id:    sessionID,
		turns: make([]types.Message, 0, 32),
		now:   time.Now,
	}
}

// ID returns the owning session ID.
func (h *History) ID() string {
	return h.id
}

// Append records a new turn and returns it.
func (h *History) Append(role types.Role, content string) types.Message {
	msg := types.Message{Role: role, Content: content}
	return h.Add(msg)
}

// Add records a fully-formed message. A zero timestamp is stamped with now.
func (h *History) Add(msg types.Message) types.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	if msg.Timestamp.IsZero() {
		msg.Timestamp = h.now()
	}
	h.turns = append(h.turns, msg)
	return msg
}

// Turns returns a copy of all turns in chronological order.
func (h *History) Turns() []types.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]types.Message, len(h.turns))
	copy(out, h.turns)
	return out
}

// Since returns a copy of the turns recorded at or after index from.
func (h *History) Since(from int) []types.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if from < 0 {
		from = 0
	}
	if from >= len(h.turns) {
		return nil
	}
	out := make([]types.Message, len(h.turns)-from)
	copy(out, h.turns[from:])
	return out
}

// Len returns the number of recorded turns.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns)
}

// Last returns the most recent turn with the given role.
func (h *History) Last(role types.Role) (types.Message, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for i := len(h.turns) - 1; i >= 0; i-- {
		if h.turns[i].Role == role {
			return h.turns[i], true
		}
	}
	return types.Message{}, false
}

// Range iterates turns in order until fn returns false.
// fn runs on a snapshot, so it may append to h without deadlocking.
func (h *History) Range(fn func(i int, msg types.Message) bool) {
	for i, msg := range h.Turns() {
		if !fn(i, msg) {
			return
		}
	}
}
