package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type InMemoryStoreConfig struct {
	// MaxFactsPerUser 是单个用户的事实上限，超出时淘汰最旧的。
	// 0表示无限.
	MaxFactsPerUser int

	// Extractor 默认为 NewSalienceExtractor()。
	Extractor Extractor

	// 现在用于测试。 默认时间 。 现在。
	Now func() time.Time
}

// InMemoryStore 是进程内的 Store 实现。
// 它用于地方发展、测试和单实例部署，重启后数据丢失。
type InMemoryStore struct {
	mu    sync.RWMutex
	facts map[string][]Fact

	maxFacts  int
	extractor Extractor
	now       func() time.Time
	logger    *zap.Logger
}

func NewInMemoryStore(config InMemoryStoreConfig, logger *zap.Logger) *InMemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	extractor := config.Extractor
	if extractor == nil {
		extractor = NewSalienceExtractor()
	}
	return &InMemoryStore{
		facts:     make(map[string][]Fact),
		maxFacts:  config.MaxFactsPerUser,
		extractor: extractor,
		now:       now,
		logger:    logger.With(zap.String("component", "memory_store_inmemory")),
	}
}

// Search implements Store.
func (s *InMemoryStore) Search(ctx context.Context, userID string, opts SearchOptions) ([]Fact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	s.mu.RLock()
	all := make([]Fact, len(s.facts[userID]))
	copy(all, s.facts[userID])
	s.mu.RUnlock()

	return selectFacts(all, opts), nil
}

// Add implements Store. Facts are never modified after they are written:
// a repeated fact is stored as a new Fact that supersedes the older one.
func (s *InMemoryStore) Add(ctx context.Context, userID string, entries []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	texts := s.extractor.Extract(entries)
	if len(texts) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	facts := s.facts[userID]
	for _, text := range texts {
		facts = supersede(facts, normalizeFact(text))
		facts = append(facts, Fact{
			ID:        uuid.NewString(),
			UserID:    userID,
			Text:      text,
			UpdatedAt: now,
		})
	}
	s.facts[userID] = s.evictLocked(facts)

	s.logger.Debug("facts added",
		zap.String("user_id", userID),
		zap.Int("extracted", len(texts)),
		zap.Int("total", len(s.facts[userID])))
	return nil
}

// Clear removes all facts for every user.
func (s *InMemoryStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cleared := len(s.facts)
	s.facts = make(map[string][]Fact)
	s.logger.Info("memory store cleared", zap.Int("users", cleared))
	return nil
}

// supersede 返回去掉同文本旧事实后的新切片，不改动原有元素。
func supersede(facts []Fact, key string) []Fact {
	out := make([]Fact, 0, len(facts)+1)
	for _, f := range facts {
		if normalizeFact(f.Text) != key {
			out = append(out, f)
		}
	}
	return out
}

func (s *InMemoryStore) evictLocked(facts []Fact) []Fact {
	if s.maxFacts <= 0 || len(facts) <= s.maxFacts {
		return facts
	}
	sort.SliceStable(facts, func(i, j int) bool {
		return facts[i].UpdatedAt.Before(facts[j].UpdatedAt)
	})
	return facts[len(facts)-s.maxFacts:]
}

// selectFacts applies SearchOptions to an unordered fact list and returns
// the result newest first.
func selectFacts(all []Fact, opts SearchOptions) []Fact {
	out := all[:0]
	for _, f := range all {
		if !opts.UpdatedAfter.IsZero() && !f.UpdatedAt.After(opts.UpdatedAfter) {
			continue
		}
		out = append(out, f)
	}

	if terms := queryTerms(opts.Query); len(terms) > 0 {
		scored := out[:0]
		scores := make(map[string]int, len(out))
		for _, f := range out {
			if sc := relevance(f.Text, terms); sc > 0 {
				scores[f.ID] = sc
				scored = append(scored, f)
			}
		}
		out = scored
		sort.SliceStable(out, func(i, j int) bool {
			if scores[out[i].ID] != scores[out[j].ID] {
				return scores[out[i].ID] > scores[out[j].ID]
			}
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		})
	} else {
		SortByRecency(out)
	}

	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}
