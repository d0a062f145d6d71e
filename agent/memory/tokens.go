package memory

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/BaSui01/voxagent/types"
)

// tiktokenCounter 用 tiktoken 计数快照 token，编码加载失败时退回字符估算。
type tiktokenCounter struct {
	encoding string
	enc      *tiktoken.Tiktoken
	fallback types.TokenCounter
	once     sync.Once
	initErr  error
	logger   *zap.Logger
}

// NewTokenCounter returns a tiktoken-backed counter for the given encoding
// (cl100k_base when empty).
func NewTokenCounter(encoding string, logger *zap.Logger) types.TokenCounter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &tiktokenCounter{
		encoding: encoding,
		fallback: types.NewEstimateTokenizer(),
		logger:   logger.With(zap.String("component", "memory_tokens")),
	}
}

// init lazily 初始化 tiktoken 编码(可以在第一次使用时下载数据).
func (c *tiktokenCounter) init() error {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(c.encoding)
		if err != nil {
			c.initErr = fmt.Errorf("init tiktoken encoding %s: %w", c.encoding, err)
			c.logger.Warn("tiktoken unavailable, using estimate", zap.Error(c.initErr))
			return
		}
		c.enc = enc
	})
	return c.initErr
}

func (c *tiktokenCounter) CountTokens(text string) int {
	if err := c.init(); err != nil {
		return c.fallback.CountTokens(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// fitToBudget keeps the longest recency-ordered prefix of facts whose
// rendered block stays within maxTokens.
func fitToBudget(facts []Fact, maxTokens int, counter types.TokenCounter) []Fact {
	if maxTokens <= 0 || counter == nil {
		return facts
	}
	lo, hi := 0, len(facts)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		text, err := RenderFacts(facts[:mid])
		if err == nil && counter.CountTokens(text) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return facts[:lo]
}
