// =============================================================================
// 🧠 MockStore - 长期记忆存储模拟实现
// =============================================================================
// 用于测试的记忆存储模拟，支持预置事实、错误注入与调用记录
//
// 使用方法:
//
//	store := mocks.NewMockStore().WithFacts("u1", memory.Fact{Text: "likes dark mode"})
//	store := mocks.NewErrorStore(errors.New("unavailable"))
//
// =============================================================================
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/voxagent/agent/memory"
)

// MockStore 是 memory.Store 的模拟实现。Add 把每个条目原样记为一条事实。
type MockStore struct {
	mu sync.Mutex

	facts map[string][]memory.Fact
	now   func() time.Time

	// 错误注入
	searchErr error
	addErr    error

	// 调用记录
	searchCalls int
	batches     [][]memory.Entry
}

// NewMockStore 创建新的 MockStore
func NewMockStore() *MockStore {
	return &MockStore{
		facts: make(map[string][]memory.Fact),
		now:   time.Now,
	}
}

// NewErrorStore 创建读写总是失败的存储
func NewErrorStore(err error) *MockStore {
	return NewMockStore().WithSearchError(err).WithAddError(err)
}

// WithFacts 预置用户事实
func (s *MockStore) WithFacts(userID string, facts ...memory.Fact) *MockStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts[userID] = append(s.facts[userID], facts...)
	return s
}

// WithClock 设置 Add 使用的时钟
func (s *MockStore) WithClock(now func() time.Time) *MockStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

// WithSearchError 设置 Search 的错误
func (s *MockStore) WithSearchError(err error) *MockStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searchErr = err
	return s
}

// WithAddError 设置 Add 的错误
func (s *MockStore) WithAddError(err error) *MockStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addErr = err
	return s
}

// Search 返回用户全部事实
func (s *MockStore) Search(ctx context.Context, userID string, opts memory.SearchOptions) ([]memory.Fact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.searchCalls++
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	out := append([]memory.Fact{}, s.facts[userID]...)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Add 记录一次批量写入，ctx 已结束时不写入
func (s *MockStore) Add(ctx context.Context, userID string, entries []memory.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.batches = append(s.batches, append([]memory.Entry{}, entries...))
	if s.addErr != nil {
		return s.addErr
	}
	for _, e := range entries {
		s.facts[userID] = append(s.facts[userID], memory.Fact{
			UserID:    userID,
			Text:      e.Text(),
			UpdatedAt: s.now(),
		})
	}
	return nil
}

// =============================================================================
// 🔍 查询方法
// =============================================================================

// Facts 返回用户当前事实
func (s *MockStore) Facts(userID string) []memory.Fact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]memory.Fact{}, s.facts[userID]...)
}

// Batches 返回每次 Add 的条目
func (s *MockStore) Batches() [][]memory.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]memory.Entry{}, s.batches...)
}

// SearchCalls 返回 Search 调用次数
func (s *MockStore) SearchCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.searchCalls
}
