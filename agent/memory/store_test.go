package memory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/BaSui01/voxagent/agent/conversation"
	"github.com/BaSui01/voxagent/types"
)

// storeFactory builds a fresh Store with a controllable clock.
type storeFactory func(t *testing.T, now func() time.Time) Store

func setupTestRedisStore(t *testing.T, now func() time.Time) Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisStore(client, RedisStoreConfig{Now: now, MaxFactsPerUser: 3}, zap.NewNop())
}

func setupTestSQLStore(t *testing.T, now func() time.Time) Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store, err := NewSQLStore(db, SQLStoreConfig{AutoMigrate: true, Now: now, MaxFactsPerUser: 3}, zap.NewNop())
	require.NoError(t, err)
	return store
}

func setupTestInMemoryStore(_ *testing.T, now func() time.Time) Store {
	return NewInMemoryStore(InMemoryStoreConfig{Now: now, MaxFactsPerUser: 3}, zap.NewNop())
}

func TestStores_Contract(t *testing.T) {
	factories := map[string]storeFactory{
		"inmemory": setupTestInMemoryStore,
		"redis":    setupTestRedisStore,
		"sql":      setupTestSQLStore,
	}

	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
			store := factory(t, func() time.Time { return clock })

			t.Run("empty user", func(t *testing.T) {
				facts, err := store.Search(ctx, "nobody", SearchOptions{})
				require.NoError(t, err)
				assert.Empty(t, facts)
			})

			t.Run("add extracts and orders by recency", func(t *testing.T) {
				require.NoError(t, store.Add(ctx, "u1", []Entry{
					{Role: types.RoleUser, Content: "I live in Pune with my family"},
					{Role: types.RoleUser, Content: "thanks"},
					{Role: types.RoleAssistant, Content: "Noted, you live in Pune."},
				}))
				clock = clock.Add(time.Hour)
				require.NoError(t, store.Add(ctx, "u1", []Entry{MemoryEntry("Pending approval: delete file X")}))

				facts, err := store.Search(ctx, "u1", SearchOptions{})
				require.NoError(t, err)
				require.Len(t, facts, 2)
				assert.Equal(t, "Pending approval: delete file X", facts[0].Text)
				assert.Equal(t, "I live in Pune with my family", facts[1].Text)
				assert.True(t, facts[0].UpdatedAt.After(facts[1].UpdatedAt))
			})

			t.Run("duplicate supersedes without rewriting", func(t *testing.T) {
				before, err := store.Search(ctx, "u1", SearchOptions{})
				require.NoError(t, err)
				require.Len(t, before, 2)
				old := before[1]

				clock = clock.Add(time.Hour)
				require.NoError(t, store.Add(ctx, "u1", []Entry{{Role: types.RoleUser, Content: "i live in  PUNE with my family"}}))

				facts, err := store.Search(ctx, "u1", SearchOptions{})
				require.NoError(t, err)
				require.Len(t, facts, 2)
				assert.Equal(t, "i live in  PUNE with my family", facts[0].Text)
				assert.True(t, facts[0].UpdatedAt.Equal(clock))
				assert.NotEqual(t, old.ID, facts[0].ID)
				// 先前读到的事实保持原样
				assert.Equal(t, "I live in Pune with my family", old.Text)
				assert.True(t, old.UpdatedAt.Before(clock))
			})

			t.Run("query ranks matching facts", func(t *testing.T) {
				facts, err := store.Search(ctx, "u1", SearchOptions{Query: "where does the user live", Limit: 5})
				require.NoError(t, err)
				require.Len(t, facts, 1)
				assert.Contains(t, facts[0].Text, "PUNE")
			})

			t.Run("users are isolated", func(t *testing.T) {
				facts, err := store.Search(ctx, "u2", SearchOptions{})
				require.NoError(t, err)
				assert.Empty(t, facts)
			})

			t.Run("max facts evicts oldest", func(t *testing.T) {
				for _, text := range []string{"first fact about u3", "second fact about u3", "third fact about u3", "fourth fact about u3"} {
					clock = clock.Add(time.Minute)
					require.NoError(t, store.Add(ctx, "u3", []Entry{MemoryEntry(text)}))
				}
				facts, err := store.Search(ctx, "u3", SearchOptions{})
				require.NoError(t, err)
				require.Len(t, facts, 3)
				assert.Equal(t, "fourth fact about u3", facts[0].Text)
				for _, f := range facts {
					assert.NotEqual(t, "first fact about u3", f.Text)
				}
			})

			t.Run("limit", func(t *testing.T) {
				facts, err := store.Search(ctx, "u3", SearchOptions{Limit: 2})
				require.NoError(t, err)
				assert.Len(t, facts, 2)
			})

			t.Run("user id required", func(t *testing.T) {
				_, err := store.Search(ctx, "", SearchOptions{})
				assert.Error(t, err)
				assert.Error(t, store.Add(ctx, "", []Entry{MemoryEntry("x y z")}))
			})
		})
	}
}

func TestSQLStore_DatabaseFailure(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	store, err := NewSQLStore(db, SQLStoreConfig{}, zap.NewNop())
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT .* FROM "user_facts"`).WillReturnError(errors.New("connection refused"))
	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	_, err = store.Search(context.Background(), "u1", SearchOptions{})
	assert.Error(t, err)

	err = store.Add(context.Background(), "u1", []Entry{MemoryEntry("prefers dark mode")})
	assert.Error(t, err)

	// the manager swallows both
	m := NewManager(store, DefaultManagerConfig(), zap.NewNop())
	mock.ExpectQuery(`SELECT .* FROM "user_facts"`).WillReturnError(errors.New("connection refused"))
	snap := m.Load(context.Background(), "u1", conversation.NewHistory("s"))
	assert.True(t, snap.Empty())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMem0Store(t *testing.T) {
	var addBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Token secret", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		switch r.URL.Path {
		case "/v2/memories/":
			filters, _ := json.Marshal(body["filters"])
			assert.JSONEq(t, `{"OR":[{"user_id":"u1"}]}`, string(filters))
			_, _ = w.Write([]byte(`[
				{"id":"m1","memory":"Prefers dark mode","updated_at":"2025-03-01T10:00:00Z"},
				{"id":"m2","memory":"Lives in Pune","updated_at":null,"created_at":"2025-02-01T10:00:00.123456-07:00"}
			]`))
		case "/v2/memories/search/":
			assert.Equal(t, "workflow habits", body["query"])
			assert.Equal(t, float64(20), body["top_k"])
			_, _ = w.Write([]byte(`{"results":[{"id":"m3","memory":"Uses vim","updated_at":"2025-03-02T10:00:00Z"}]}`))
		case "/v1/memories/":
			addBody = body
			_, _ = w.Write([]byte(`{"results":[]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	store := NewMem0Store(Mem0Config{BaseURL: srv.URL + "/", APIKey: "secret"}, zap.NewNop())
	ctx := context.Background()

	facts, err := store.Search(ctx, "u1", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.Equal(t, "Prefers dark mode", facts[0].Text)
	assert.Equal(t, 2025, facts[1].UpdatedAt.Year())

	facts, err = store.Search(ctx, "u1", SearchOptions{Query: "workflow habits", Limit: 20})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "Uses vim", facts[0].Text)

	require.NoError(t, store.Add(ctx, "u1", []Entry{
		{Role: types.RoleUser, Content: "remember I prefer dark mode"},
		MemoryEntry("Pending approval: send email"),
	}))
	assert.Equal(t, "u1", addBody["user_id"])
	msgs, _ := json.Marshal(addBody["messages"])
	assert.JSONEq(t, `[{"role":"user","content":"remember I prefer dark mode"},{"memory":"Pending approval: send email"}]`, string(msgs))
}

func TestMem0Store_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	store := NewMem0Store(Mem0Config{BaseURL: srv.URL}, zap.NewNop())
	_, err := store.Search(context.Background(), "u1", SearchOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.True(t, types.IsErrorCode(err, types.ErrMemoryUnavailable))
}

func TestMem0Store_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[{"id":"m1","memory":"Prefers tea"}]`))
	}))
	defer srv.Close()

	store := NewMem0Store(Mem0Config{BaseURL: srv.URL, MaxRetries: 2}, zap.NewNop())
	facts, err := store.Search(context.Background(), "u1", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, int32(2), calls.Load())

	// 4xx 不重试
	calls.Store(0)
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad filter", http.StatusBadRequest)
	}))
	defer bad.Close()
	store = NewMem0Store(Mem0Config{BaseURL: bad.URL, MaxRetries: 2}, zap.NewNop())
	_, err = store.Search(context.Background(), "u1", SearchOptions{})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSalienceExtractor(t *testing.T) {
	x := NewSalienceExtractor()

	got := x.Extract([]Entry{
		{Role: types.RoleUser, Content: "Hello!"},
		{Role: types.RoleUser, Content: "ok"},
		{Role: types.RoleUser, Content: "my sister is called Priya"},
		{Role: types.RoleAssistant, Content: "That's a lovely name for a sister."},
		{Role: types.RoleSystem, Content: "system instructions go here"},
		MemoryEntry("  Pending approval: run ls  "),
	})
	assert.Equal(t, []string{"my sister is called Priya", "Pending approval: run ls"}, got)

	x.IncludeAssistant = true
	got = x.Extract([]Entry{{Role: types.RoleAssistant, Content: "That's a lovely name for a sister."}})
	assert.Len(t, got, 1)
}

func TestRenderFacts(t *testing.T) {
	text, err := RenderFacts(nil)
	require.NoError(t, err)
	assert.Empty(t, text)

	text, err = RenderFacts([]Fact{{Text: "Prefers dark mode", UpdatedAt: time.Date(2025, 3, 1, 10, 0, 0, 0, time.FixedZone("IST", 19800))}})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"memory":"Prefers dark mode","updated_at":"2025-03-01T04:30:00Z"}]`, text)
	assert.Contains(t, text, "\n  {")
}
