package memory

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BaSui01/voxagent/types"
)

// Snapshot 是会话开始时注入上下文的事实块。
// Text 同时用作保存阶段的排除过滤器：任何包含 Text 的轮次都不会被写回存储。
type Snapshot struct {
	UserID string
	Facts  []Fact
	Text   string
}

// Empty reports whether nothing was injected.
func (s Snapshot) Empty() bool {
	return s.Text == ""
}

// Excludes reports whether content carries the injected block verbatim.
func (s Snapshot) Excludes(content string) bool {
	return s.Text != "" && strings.Contains(content, s.Text)
}

// renderedFact is the wire shape of one fact inside the snapshot block.
type renderedFact struct {
	Memory    string `json:"memory"`
	UpdatedAt string `json:"updated_at"`
}

// SortByRecency orders facts by UpdatedAt descending.
func SortByRecency(facts []Fact) {
	sort.SliceStable(facts, func(i, j int) bool {
		return facts[i].UpdatedAt.After(facts[j].UpdatedAt)
	})
}

// RenderFacts renders facts as an indented JSON array of {memory, updated_at}.
// Facts are rendered in the order given.
func RenderFacts(facts []Fact) (string, error) {
	if len(facts) == 0 {
		return "", nil
	}
	out := make([]renderedFact, 0, len(facts))
	for _, f := range facts {
		rf := renderedFact{Memory: f.Text}
		if !f.UpdatedAt.IsZero() {
			rf.UpdatedAt = f.UpdatedAt.UTC().Format(time.RFC3339)
		}
		out = append(out, rf)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("render facts: %w", err)
	}
	return string(data), nil
}

// DefaultContextTemplate wraps the rendered block into the injected turn.
const DefaultContextTemplate = "The user's name is %s and this is relevant context about them:\n%s"

// ContextMessage builds the contextual turn carrying the snapshot.
func (s Snapshot) ContextMessage(template string, role types.Role) types.Message {
	if template == "" {
		template = DefaultContextTemplate
	}
	return types.NewMessage(role, fmt.Sprintf(template, s.UserID, s.Text))
}
