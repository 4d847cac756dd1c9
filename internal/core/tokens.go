package core

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"github.com/xiaopang/keyrelay/internal/model"
)

// TokenCounter estimates prompt size when the upstream omits usage.
type TokenCounter interface {
	CountMessages(messages []model.Message) int
	CountText(text string) int
}

// CharEstimator approximates one token per four characters.
type CharEstimator struct{}

func (CharEstimator) CountText(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

func (e CharEstimator) CountMessages(messages []model.Message) int {
	total := 0
	for _, m := range messages {
		total += 4 + e.CountText(m.Content)
	}
	return total
}

// TiktokenCounter counts with a BPE encoding, loaded on first use.
// Falls back to CharEstimator if the encoding cannot be loaded.
type TiktokenCounter struct {
	encoding string
	once     sync.Once
	enc      *tiktoken.Tiktoken
	fallback CharEstimator
}

// NewTiktokenCounter 创建 tiktoken 计数器（默认 cl100k_base）
func NewTiktokenCounter(encoding string) *TiktokenCounter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &TiktokenCounter{encoding: encoding}
}

func (t *TiktokenCounter) init() *tiktoken.Tiktoken {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err == nil {
			t.enc = enc
		}
	})
	return t.enc
}

func (t *TiktokenCounter) CountText(text string) int {
	enc := t.init()
	if enc == nil {
		return t.fallback.CountText(text)
	}
	return len(enc.Encode(text, nil, nil))
}

func (t *TiktokenCounter) CountMessages(messages []model.Message) int {
	enc := t.init()
	if enc == nil {
		return t.fallback.CountMessages(messages)
	}
	total := 3
	for _, m := range messages {
		total += 4 + len(enc.Encode(m.Content, nil, nil)) + len(enc.Encode(m.Role, nil, nil))
	}
	return total
}
