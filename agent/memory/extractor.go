package memory

import (
	"strings"

	"github.com/BaSui01/voxagent/types"
)

// Extractor 从待写入条目中挑出值得长期保存的事实文本。
// 托管记忆平台自行抽取，本地存储（内存、Redis、SQL）使用 Extractor。
type Extractor interface {
	Extract(entries []Entry) []string
}

// SalienceExtractor keeps explicit memory entries and user statements,
// dropping greetings, acknowledgements and other small talk.
type SalienceExtractor struct {
	// IncludeAssistant also keeps assistant turns.
	IncludeAssistant bool
	// MinWords is the minimum word count for a turn to count as a statement.
	MinWords  int
	smallTalk map[string]struct{}
}

// NewSalienceExtractor returns the default extractor.
func NewSalienceExtractor() *SalienceExtractor {
	phrases := []string{
		"hi", "hello", "hey", "hey there", "good morning", "good evening",
		"thanks", "thank you", "thanks a lot", "ok", "okay", "sure", "got it",
		"yes", "no", "yeah", "nope", "bye", "goodbye", "cool", "great", "fine",
	}
	st := make(map[string]struct{}, len(phrases))
	for _, p := range phrases {
		st[p] = struct{}{}
	}
	return &SalienceExtractor{MinWords: 3, smallTalk: st}
}

// Extract implements Extractor.
func (x *SalienceExtractor) Extract(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsMemory() {
			if text := strings.TrimSpace(e.Memory); text != "" {
				out = append(out, text)
			}
			continue
		}
		switch e.Role {
		case types.RoleUser:
		case types.RoleAssistant:
			if !x.IncludeAssistant {
				continue
			}
		default:
			continue
		}
		text := strings.TrimSpace(e.Content)
		if x.isSmallTalk(text) {
			continue
		}
		out = append(out, text)
	}
	return out
}

func (x *SalienceExtractor) isSmallTalk(text string) bool {
	if text == "" {
		return true
	}
	key := strings.ToLower(strings.TrimRight(text, ".!?, "))
	if _, ok := x.smallTalk[key]; ok {
		return true
	}
	return len(strings.Fields(text)) < x.MinWords
}
