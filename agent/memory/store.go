package memory

import (
	"context"
	"strings"
	"time"

	"github.com/BaSui01/voxagent/types"
)

// Fact 是关于某个用户的一条长期记忆，写入后不可变。
type Fact struct {
	ID        string    `json:"id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Text      string    `json:"memory"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Entry is one item handed to Store.Add: either a conversation turn
// (Role + Content) or a raw memory statement (Memory).
type Entry struct {
	Role    types.Role `json:"role,omitempty"`
	Content string     `json:"content,omitempty"`
	Memory  string     `json:"memory,omitempty"`
}

// IsMemory reports whether the entry is a raw memory statement.
func (e Entry) IsMemory() bool {
	return e.Memory != ""
}

// Text returns the memory statement or the turn content.
func (e Entry) Text() string {
	if e.IsMemory() {
		return e.Memory
	}
	return e.Content
}

// MemoryEntry builds a raw memory entry.
func MemoryEntry(text string) Entry {
	return Entry{Memory: text}
}

// SearchOptions narrows a Store lookup. An empty Query means "all facts for the user".
type SearchOptions struct {
	Query        string
	Limit        int
	UpdatedAfter time.Time
}

// Store 是外部长期事实存储的契约，按用户身份分区。
// 实现必须对单个 userID 的读写保持原子性，以便多个会话并发访问。
type Store interface {
	// Search returns facts for userID, either all of them or the ones
	// relevant to opts.Query.
	Search(ctx context.Context, userID string, opts SearchOptions) ([]Fact, error)
	// Add appends entries for userID. Stores may extract or merge facts.
	Add(ctx context.Context, userID string, entries []Entry) error
}

// Recorder is the write half of Store.
type Recorder interface {
	Add(ctx context.Context, userID string, entries []Entry) error
}

// normalizeFact folds whitespace and case for duplicate detection.
func normalizeFact(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// queryTerms splits a search query into lowercase terms of 3+ runes.
func queryTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r == '\'' || r == '-' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r > 127)
	})
	terms := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) >= 3 {
			terms = append(terms, f)
		}
	}
	return terms
}

// relevance counts how many query terms occur in text.
func relevance(text string, terms []string) int {
	lower := strings.ToLower(text)
	score := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			score++
		}
	}
	return score
}
