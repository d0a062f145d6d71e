package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStoreConfig configures RedisStore.
type RedisStoreConfig struct {
	KeyPrefix       string
	MaxFactsPerUser int
	Extractor       Extractor
	Now             func() time.Time
}

// RedisStore 是基于 Redis 的 Store 实现，适合多实例部署。
// 每个用户使用三个键：
//
//	<prefix><user>:order  ZSET  score=updated_at, member=fact id
//	<prefix><user>:data   HASH  fact id -> Fact JSON
//	<prefix><user>:index  HASH  normalized text -> fact id
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	maxFacts  int
	extractor Extractor
	now       func() time.Time
	logger    *zap.Logger
}

// NewRedisStore creates a Redis-backed fact store on an existing client.
func NewRedisStore(client redis.UniversalClient, config RedisStoreConfig, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "voxagent:"
	}
	extractor := config.Extractor
	if extractor == nil {
		extractor = NewSalienceExtractor()
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &RedisStore{
		client:    client,
		keyPrefix: prefix + "facts:",
		maxFacts:  config.MaxFactsPerUser,
		extractor: extractor,
		now:       now,
		logger:    logger.With(zap.String("component", "memory_store_redis")),
	}
}

func (s *RedisStore) orderKey(userID string) string { return s.keyPrefix + userID + ":order" }
func (s *RedisStore) dataKey(userID string) string  { return s.keyPrefix + userID + ":data" }
func (s *RedisStore) indexKey(userID string) string { return s.keyPrefix + userID + ":index" }

// Search implements Store.
func (s *RedisStore) Search(ctx context.Context, userID string, opts SearchOptions) ([]Fact, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	ids, err := s.client.ZRevRange(ctx, s.orderKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list fact ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	raw, err := s.client.HMGet(ctx, s.dataKey(userID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load facts: %w", err)
	}

	facts := make([]Fact, 0, len(raw))
	for i, v := range raw {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var f Fact
		if err := json.Unmarshal([]byte(str), &f); err != nil {
			s.logger.Warn("skip corrupt fact", zap.String("fact_id", ids[i]), zap.Error(err))
			continue
		}
		facts = append(facts, f)
	}
	return selectFacts(facts, opts), nil
}

// Add implements Store. A repeated fact replaces the older record under a
// new id; stored facts are never rewritten.
func (s *RedisStore) Add(ctx context.Context, userID string, entries []Entry) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	texts := s.extractor.Extract(entries)
	if len(texts) == 0 {
		return nil
	}

	keys := make([]string, len(texts))
	for i, t := range texts {
		keys[i] = normalizeFact(t)
	}
	existing, err := s.client.HMGet(ctx, s.indexKey(userID), keys...).Result()
	if err != nil {
		return fmt.Errorf("lookup fact index: %w", err)
	}

	// 旧事实整条删除，由新 id 的事实取代
	now := s.now()
	pipe := s.client.TxPipeline()
	for _, v := range existing {
		if id, ok := v.(string); ok && id != "" {
			pipe.HDel(ctx, s.dataKey(userID), id)
			pipe.ZRem(ctx, s.orderKey(userID), id)
		}
	}
	written := make(map[string]string, len(texts))
	for i, text := range texts {
		if prev, ok := written[keys[i]]; ok {
			pipe.HDel(ctx, s.dataKey(userID), prev)
			pipe.ZRem(ctx, s.orderKey(userID), prev)
		}
		id := uuid.NewString()
		written[keys[i]] = id

		data, err := json.Marshal(Fact{ID: id, UserID: userID, Text: text, UpdatedAt: now})
		if err != nil {
			return fmt.Errorf("marshal fact: %w", err)
		}
		pipe.HSet(ctx, s.dataKey(userID), id, data)
		pipe.HSet(ctx, s.indexKey(userID), keys[i], id)
		pipe.ZAdd(ctx, s.orderKey(userID), redis.Z{Score: float64(now.UnixNano()), Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write facts: %w", err)
	}

	if s.maxFacts > 0 {
		if err := s.trim(ctx, userID); err != nil {
			s.logger.Warn("trim facts failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return nil
}

// trim drops the oldest facts beyond maxFacts.
func (s *RedisStore) trim(ctx context.Context, userID string) error {
	count, err := s.client.ZCard(ctx, s.orderKey(userID)).Result()
	if err != nil {
		return err
	}
	excess := count - int64(s.maxFacts)
	if excess <= 0 {
		return nil
	}
	ids, err := s.client.ZRange(ctx, s.orderKey(userID), 0, excess-1).Result()
	if err != nil {
		return err
	}
	raw, err := s.client.HMGet(ctx, s.dataKey(userID), ids...).Result()
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	for i, id := range ids {
		if str, ok := raw[i].(string); ok {
			var f Fact
			if json.Unmarshal([]byte(str), &f) == nil {
				pipe.HDel(ctx, s.indexKey(userID), normalizeFact(f.Text))
			}
		}
		pipe.HDel(ctx, s.dataKey(userID), id)
		pipe.ZRem(ctx, s.orderKey(userID), id)
	}
	_, err = pipe.Exec(ctx)
	return err
}
