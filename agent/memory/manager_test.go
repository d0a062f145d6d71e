package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/voxagent/agent/conversation"
	"github.com/BaSui01/voxagent/types"
)

// testStore is a function-field Store double.
type testStore struct {
	searchFn func(ctx context.Context, userID string, opts SearchOptions) ([]Fact, error)
	addFn    func(ctx context.Context, userID string, entries []Entry) error

	mu    sync.Mutex
	calls [][]Entry
}

func (s *testStore) Search(ctx context.Context, userID string, opts SearchOptions) ([]Fact, error) {
	if s.searchFn != nil {
		return s.searchFn(ctx, userID, opts)
	}
	return nil, nil
}

func (s *testStore) Add(ctx context.Context, userID string, entries []Entry) error {
	s.mu.Lock()
	s.calls = append(s.calls, entries)
	s.mu.Unlock()
	if s.addFn != nil {
		return s.addFn(ctx, userID, entries)
	}
	return nil
}

func (s *testStore) addCalls() [][]Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var errStoreDown = errors.New("store unreachable")

func failingStore() *testStore {
	return &testStore{
		searchFn: func(context.Context, string, SearchOptions) ([]Fact, error) { return nil, errStoreDown },
		addFn:    func(context.Context, string, []Entry) error { return errStoreDown },
	}
}

func TestManager_Load_InjectsRecencyOrderedBlock(t *testing.T) {
	t0 := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	store := &testStore{
		searchFn: func(_ context.Context, userID string, opts SearchOptions) ([]Fact, error) {
			assert.Equal(t, "tanish", userID)
			assert.Empty(t, opts.Query)
			return []Fact{
				{Text: "Works on a Go voice agent", UpdatedAt: t0},
				{Text: "Prefers dark mode", UpdatedAt: t0.Add(48 * time.Hour)},
				{Text: "  ", UpdatedAt: t0.Add(time.Hour)},
			}, nil
		},
	}
	m := NewManager(store, DefaultManagerConfig(), zaptest.NewLogger(t))
	history := conversation.NewHistory("sess-1")

	snap := m.Load(context.Background(), "tanish", history)

	require.False(t, snap.Empty())
	require.Len(t, snap.Facts, 2)
	assert.Equal(t, "Prefers dark mode", snap.Facts[0].Text)
	assert.Less(t, strings.Index(snap.Text, "Prefers dark mode"), strings.Index(snap.Text, "Works on a Go voice agent"))

	turns := history.Turns()
	require.Len(t, turns, 1)
	assert.Equal(t, types.RoleAssistant, turns[0].Role)
	assert.True(t, strings.HasPrefix(turns[0].Content, "The user's name is tanish and this is relevant context about them:\n"))
	assert.Contains(t, turns[0].Content, snap.Text)
}

func TestManager_Load_SearchQueryAndLimit(t *testing.T) {
	var got SearchOptions
	store := &testStore{
		searchFn: func(_ context.Context, _ string, opts SearchOptions) ([]Fact, error) {
			got = opts
			return nil, nil
		},
	}
	cfg := DefaultManagerConfig()
	cfg.SearchQuery = "user preferences, personal facts, workflow habits"
	cfg.Limit = 20

	snap := NewManager(store, cfg, zap.NewNop()).Load(context.Background(), "u1", conversation.NewHistory("s"))

	assert.True(t, snap.Empty())
	assert.Equal(t, cfg.SearchQuery, got.Query)
	assert.Equal(t, 20, got.Limit)
}

func TestManager_Load_NoFactsInjectsNothing(t *testing.T) {
	m := NewManager(&testStore{}, DefaultManagerConfig(), zap.NewNop())
	history := conversation.NewHistory("s")

	snap := m.Load(context.Background(), "u1", history)

	assert.True(t, snap.Empty())
	assert.Equal(t, 0, history.Len())
}

func TestManager_Load_DegradesSilently(t *testing.T) {
	t.Run("store error", func(t *testing.T) {
		history := conversation.NewHistory("s")
		snap := NewManager(failingStore(), DefaultManagerConfig(), zap.NewNop()).Load(context.Background(), "u1", history)
		assert.True(t, snap.Empty())
		assert.Equal(t, 0, history.Len())
	})

	t.Run("store panic", func(t *testing.T) {
		store := &testStore{
			searchFn: func(context.Context, string, SearchOptions) ([]Fact, error) { panic("boom") },
		}
		history := conversation.NewHistory("s")
		var snap Snapshot
		assert.NotPanics(t, func() {
			snap = NewManager(store, DefaultManagerConfig(), zap.NewNop()).Load(context.Background(), "u1", history)
		})
		assert.True(t, snap.Empty())
	})

	t.Run("store timeout", func(t *testing.T) {
		store := &testStore{
			searchFn: func(ctx context.Context, _ string, _ SearchOptions) ([]Fact, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		}
		cfg := DefaultManagerConfig()
		cfg.LoadTimeout = 20 * time.Millisecond
		snap := NewManager(store, cfg, zap.NewNop()).Load(context.Background(), "u1", conversation.NewHistory("s"))
		assert.True(t, snap.Empty())
	})

	t.Run("nil store", func(t *testing.T) {
		snap := NewManager(nil, DefaultManagerConfig(), zap.NewNop()).Load(context.Background(), "u1", nil)
		assert.True(t, snap.Empty())
	})
}

func TestManager_Load_TokenBudget(t *testing.T) {
	facts := make([]Fact, 0, 10)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		facts = append(facts, Fact{Text: strings.Repeat("fact ", 20), UpdatedAt: base.Add(time.Duration(i) * time.Hour)})
	}
	store := &testStore{
		searchFn: func(context.Context, string, SearchOptions) ([]Fact, error) { return facts, nil },
	}
	cfg := DefaultManagerConfig()
	cfg.MaxSnapshotTokens = 80

	m := NewManager(store, cfg, zap.NewNop(), WithTokenCounter(types.NewEstimateTokenizer()))
	snap := m.Load(context.Background(), "u1", conversation.NewHistory("s"))

	require.NotEmpty(t, snap.Facts)
	assert.Less(t, len(snap.Facts), 10)
	assert.LessOrEqual(t, types.NewEstimateTokenizer().CountTokens(snap.Text), 80)
	assert.Equal(t, base.Add(9*time.Hour), snap.Facts[0].UpdatedAt)
}

func TestManager_Save_FiltersInjectedAndRoles(t *testing.T) {
	store := &testStore{}
	m := NewManager(store, DefaultManagerConfig(), zap.NewNop())
	snap := Snapshot{UserID: "u1", Text: "[\n  {\n    \"memory\": \"Prefers dark mode\"\n  }\n]"}

	turns := []types.Message{
		snap.ContextMessage("", types.RoleAssistant),
		types.NewSystemMessage("You are a helpful assistant."),
		types.NewUserMessage("  book me a dentist appointment  "),
		types.NewMessage(types.RoleTool, "tool output"),
		types.NewAssistantMessage("Sure, which day works?"),
		types.NewUserMessage("   "),
		types.NewUserMessage("recap: " + snap.Text + " thanks"),
	}

	written := m.Save(context.Background(), "u1", turns, snap)

	assert.Equal(t, 2, written)
	calls := store.addCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, []Entry{
		{Role: types.RoleUser, Content: "book me a dentist appointment"},
		{Role: types.RoleAssistant, Content: "Sure, which day works?"},
	}, calls[0])
}

func TestManager_Save_EmptySkipsStore(t *testing.T) {
	store := &testStore{}
	m := NewManager(store, DefaultManagerConfig(), zap.NewNop())
	snap := Snapshot{Text: "injected"}

	written := m.Save(context.Background(), "u1", []types.Message{
		types.NewAssistantMessage("context: injected"),
		types.NewSystemMessage("system prompt"),
	}, snap)

	assert.Equal(t, 0, written)
	assert.Empty(t, store.addCalls())
}

func TestManager_Save_NeverRaises(t *testing.T) {
	turns := []types.Message{types.NewUserMessage("remember I prefer dark mode")}

	t.Run("store error", func(t *testing.T) {
		written := NewManager(failingStore(), DefaultManagerConfig(), zap.NewNop()).Save(context.Background(), "u1", turns, Snapshot{})
		assert.Equal(t, 0, written)
	})

	t.Run("store panic", func(t *testing.T) {
		store := &testStore{addFn: func(context.Context, string, []Entry) error { panic("boom") }}
		assert.NotPanics(t, func() {
			NewManager(store, DefaultManagerConfig(), zap.NewNop()).Save(context.Background(), "u1", turns, Snapshot{})
		})
	})
}

func TestManager_FailingStore_SessionStillStarts(t *testing.T) {
	m := NewManager(failingStore(), DefaultManagerConfig(), zap.NewNop())
	history := conversation.NewHistory("s")

	snap := m.Load(context.Background(), "u1", history)
	history.Append(types.RoleUser, "hello there, how are you")
	history.Append(types.RoleAssistant, "I'm well, thanks for asking")

	assert.True(t, snap.Empty())
	assert.NotPanics(t, func() {
		m.Save(context.Background(), "u1", history.Turns(), snap)
	})
}

func TestManager_DarkModeScenario(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	backing := NewInMemoryStore(InMemoryStoreConfig{Now: func() time.Time { return now }}, zap.NewNop())
	store := &testStore{
		searchFn: backing.Search,
		addFn:    backing.Add,
	}
	m := NewManager(store, DefaultManagerConfig(), zap.NewNop())
	ctx := context.Background()

	// session 1
	h1 := conversation.NewHistory("s1")
	snap1 := m.Load(ctx, "u1", h1)
	require.True(t, snap1.Empty())
	h1.Append(types.RoleUser, "remember I prefer dark mode")
	m.Save(ctx, "u1", h1.Turns(), snap1)

	// session 2
	now = now.Add(24 * time.Hour)
	h2 := conversation.NewHistory("s2")
	snap2 := m.Load(ctx, "u1", h2)
	require.False(t, snap2.Empty())
	assert.Contains(t, h2.Turns()[0].Content, "remember I prefer dark mode")

	h2.Append(types.RoleUser, "remember I prefer dark mode")
	m.Save(ctx, "u1", h2.Turns(), snap2)

	calls := store.addCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, []Entry{{Role: types.RoleUser, Content: "remember I prefer dark mode"}}, calls[1])

	facts, err := backing.Search(ctx, "u1", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, now, facts[0].UpdatedAt)
}
