package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// FactRecord 是 user_facts 表的 GORM 模型。
// (user_id, text_hash) 唯一，重复事实只刷新 updated_at。
type FactRecord struct {
	ID        string    `gorm:"primaryKey;size:36"`
	UserID    string    `gorm:"size:191;not null;uniqueIndex:idx_user_facts_user_hash,priority:1;index:idx_user_facts_user_updated,priority:1"`
	TextHash  string    `gorm:"size:64;not null;uniqueIndex:idx_user_facts_user_hash,priority:2"`
	Text      string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null;index:idx_user_facts_user_updated,priority:2"`
}

// TableName 实现 gorm tabler。
func (FactRecord) TableName() string {
	return "user_facts"
}

// SQLStoreConfig configures SQLStore.
type SQLStoreConfig struct {
	// AutoMigrate 创建表结构；生产环境应使用 voxagent migrate。
	AutoMigrate     bool
	MaxFactsPerUser int
	Extractor       Extractor
	Now             func() time.Time
}

// SQLStore 是基于 GORM 的 Store 实现，支持 postgres / mysql / sqlite。
type SQLStore struct {
	db        *gorm.DB
	maxFacts  int
	extractor Extractor
	now       func() time.Time
	logger    *zap.Logger
}

// NewSQLStore creates a SQL-backed fact store.
func NewSQLStore(db *gorm.DB, config SQLStoreConfig, logger *zap.Logger) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.AutoMigrate {
		if err := db.AutoMigrate(&FactRecord{}); err != nil {
			return nil, fmt.Errorf("migrate user_facts: %w", err)
		}
	}
	extractor := config.Extractor
	if extractor == nil {
		extractor = NewSalienceExtractor()
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &SQLStore{
		db:        db,
		maxFacts:  config.MaxFactsPerUser,
		extractor: extractor,
		now:       now,
		logger:    logger.With(zap.String("component", "memory_store_sql")),
	}, nil
}

// Search implements Store.
func (s *SQLStore) Search(ctx context.Context, userID string, opts SearchOptions) ([]Fact, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if !opts.UpdatedAfter.IsZero() {
		q = q.Where("updated_at > ?", opts.UpdatedAfter)
	}

	var records []FactRecord
	if err := q.Order("updated_at DESC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("query user_facts: %w", err)
	}

	facts := make([]Fact, 0, len(records))
	for _, r := range records {
		facts = append(facts, Fact{ID: r.ID, UserID: r.UserID, Text: r.Text, UpdatedAt: r.UpdatedAt})
	}
	return selectFacts(facts, SearchOptions{Query: opts.Query, Limit: opts.Limit}), nil
}

// Add implements Store.
func (s *SQLStore) Add(ctx context.Context, userID string, entries []Entry) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	texts := s.extractor.Extract(entries)
	if len(texts) == 0 {
		return nil
	}

	now := s.now()
	byHash := make(map[string]FactRecord, len(texts))
	order := make([]string, 0, len(texts))
	for _, text := range texts {
		h := textHash(text)
		if _, dup := byHash[h]; !dup {
			order = append(order, h)
		}
		byHash[h] = FactRecord{
			ID:        uuid.NewString(),
			UserID:    userID,
			TextHash:  h,
			Text:      text,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	records := make([]FactRecord, 0, len(order))
	for _, h := range order {
		records = append(records, byHash[h])
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 同文本的旧记录被新记录取代，不做原地更新
		if err := tx.Where("user_id = ? AND text_hash IN ?", userID, order).
			Delete(&FactRecord{}).Error; err != nil {
			return fmt.Errorf("supersede user_facts: %w", err)
		}
		if err := tx.Create(&records).Error; err != nil {
			return fmt.Errorf("insert user_facts: %w", err)
		}
		if s.maxFacts > 0 {
			return s.trim(tx, userID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("facts written", zap.String("user_id", userID), zap.Int("count", len(records)))
	return nil
}

// trim deletes the oldest facts beyond maxFacts.
func (s *SQLStore) trim(tx *gorm.DB, userID string) error {
	var keep []string
	if err := tx.Model(&FactRecord{}).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Limit(s.maxFacts).
		Pluck("id", &keep).Error; err != nil {
		return fmt.Errorf("select kept facts: %w", err)
	}
	if len(keep) == 0 {
		return nil
	}
	return tx.Where("user_id = ? AND id NOT IN ?", userID, keep).Delete(&FactRecord{}).Error
}

func textHash(text string) string {
	sum := sha256.Sum256([]byte(normalizeFact(text)))
	return hex.EncodeToString(sum[:])
}
