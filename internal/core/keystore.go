package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xiaopang/keyrelay/internal/secret"
	"go.uber.org/zap"
)

// 存储槽位；主/备份两份用于抵御部分清除
const (
	SlotKeys            = "grok_api_keys"
	SlotKeysBackup      = "grok_api_keys_backup"
	SlotLegacyKey       = "grok_api_key"
	SlotLegacyKeyBackup = "grok_api_key_backup"
	SlotAlternateKey    = "alt_api_key"
	SlotAlternateBackup = "alt_api_key_backup"
)

// KVStore 槽位存储后端（SQLite 或 Redis）
type KVStore interface {
	Get(ctx context.Context, slot string) (string, bool, error)
	Set(ctx context.Context, slot, value string) error
	Delete(ctx context.Context, slot string) error
}

// KeyFormat is the credential format predicate.
type KeyFormat struct {
	Prefix    string
	MinLength int
}

// DefaultKeyFormat matches x.AI keys.
var DefaultKeyFormat = KeyFormat{Prefix: "xai-", MinLength: 20}

// Valid reports whether key has the prefix and minimum length.
func (f KeyFormat) Valid(key string) bool {
	return strings.HasPrefix(key, f.Prefix) && len(key) >= f.MinLength
}

// Filter trims, validates and deduplicates candidates, keeping first-seen order.
func (f KeyFormat) Filter(candidates []string) []string {
	seen := make(map[string]struct{}, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		k := strings.TrimSpace(c)
		if !f.Valid(k) {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// LoadSource names the slot a key list came from.
type LoadSource string

const (
	LoadSourceNone         LoadSource = "none"
	LoadSourcePrimary      LoadSource = "primary"
	LoadSourceBackup       LoadSource = "backup"
	LoadSourceLegacy       LoadSource = "legacy"
	LoadSourceLegacyBackup LoadSource = "legacy_backup"
)

// LoadResult 加载结果；Err 非空表示加载过程中出错（Keys 可能仍来自后备槽位）
type LoadResult struct {
	Keys   []string
	Source LoadSource
	Err    error
}

// Empty reports whether no keys were loaded.
func (r LoadResult) Empty() bool { return len(r.Keys) == 0 }

// KeyStore 凭据持久化，值在落盘前加密
type KeyStore struct {
	kv     KVStore
	cipher secret.Cipher
	format KeyFormat
	logger *zap.Logger
}

// NewKeyStore 创建 KeyStore；cipher 为 nil 时明文存储
func NewKeyStore(kv KVStore, cipher secret.Cipher, format KeyFormat, logger *zap.Logger) *KeyStore {
	if cipher == nil {
		cipher = secret.Passthrough{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyStore{kv: kv, cipher: cipher, format: format, logger: logger}
}

// Format returns the predicate used at every ingestion point.
func (s *KeyStore) Format() KeyFormat { return s.format }

// LoadKeys reads primary, backup, legacy and legacy backup in that order and
// returns the first slot that yields at least one usable key.
func (s *KeyStore) LoadKeys(ctx context.Context) LoadResult {
	var errs []error

	for _, step := range []struct {
		slot   string
		source LoadSource
		list   bool
	}{
		{SlotKeys, LoadSourcePrimary, true},
		{SlotKeysBackup, LoadSourceBackup, true},
		{SlotLegacyKey, LoadSourceLegacy, false},
		{SlotLegacyKeyBackup, LoadSourceLegacyBackup, false},
	} {
		raw, found, err := s.kv.Get(ctx, step.slot)
		if err != nil {
			s.logger.Warn("credential slot read failed", zap.String("slot", step.slot), zap.Error(err))
			errs = append(errs, &StorageError{Op: "get", Slot: step.slot, Err: err})
			continue
		}
		if !found || strings.TrimSpace(raw) == "" {
			continue
		}

		var sealed []string
		if step.list {
			if err := json.Unmarshal([]byte(raw), &sealed); err != nil {
				s.logger.Warn("credential slot corrupt", zap.String("slot", step.slot), zap.Error(err))
				errs = append(errs, &StorageError{Op: "decode", Slot: step.slot, Err: err})
				continue
			}
		} else {
			sealed = []string{raw}
		}

		keys := s.open(sealed, step.slot)
		if len(keys) > 0 {
			return LoadResult{Keys: keys, Source: step.source, Err: errors.Join(errs...)}
		}
	}

	return LoadResult{Source: LoadSourceNone, Err: errors.Join(errs...)}
}

// open decrypts stored values, dropping failures and anything failing the format check.
func (s *KeyStore) open(sealed []string, slot string) []string {
	plain := make([]string, 0, len(sealed))
	dropped := 0
	for _, v := range sealed {
		// 已是合法明文（未加密的旧数据）
		if s.format.Valid(strings.TrimSpace(v)) {
			plain = append(plain, v)
			continue
		}
		k, err := s.cipher.Decrypt(v)
		if err != nil {
			dropped++
			continue
		}
		plain = append(plain, k)
	}
	if dropped > 0 {
		s.logger.Warn("dropped undecryptable credentials", zap.String("slot", slot), zap.Int("count", dropped))
	}
	return s.format.Filter(plain)
}

// SaveKeys persists the valid subset of candidates to both pool slots and
// mirrors the first key into the legacy slots. When nothing valid remains
// storage is left untouched and ErrNoValidKeys is returned.
func (s *KeyStore) SaveKeys(ctx context.Context, candidates []string) ([]string, error) {
	keys := s.format.Filter(candidates)
	if len(keys) == 0 {
		return nil, ErrNoValidKeys
	}

	sealed := make([]string, len(keys))
	for i, k := range keys {
		v, err := s.cipher.Encrypt(k)
		if err != nil {
			return nil, fmt.Errorf("encrypt credential: %w", err)
		}
		sealed[i] = v
	}
	data, err := json.Marshal(sealed)
	if err != nil {
		return nil, err
	}

	if err := s.kv.Set(ctx, SlotKeys, string(data)); err != nil {
		return nil, &StorageError{Op: "set", Slot: SlotKeys, Err: err}
	}
	s.setBestEffort(ctx, SlotKeysBackup, string(data))
	s.setBestEffort(ctx, SlotLegacyKey, sealed[0])
	s.setBestEffort(ctx, SlotLegacyKeyBackup, sealed[0])

	s.logger.Info("credential pool saved",
		zap.Int("count", len(keys)),
		zap.Int("rejected", len(candidates)-len(keys)),
		zap.Bool("encrypted", s.cipher.Enabled()))
	return keys, nil
}

// setBestEffort 备份槽位写入失败只记录日志
func (s *KeyStore) setBestEffort(ctx context.Context, slot, value string) {
	if err := s.kv.Set(ctx, slot, value); err != nil {
		s.logger.Warn("backup slot write failed", zap.String("slot", slot), zap.Error(err))
	}
}

// HasValidKey reports whether at least one stored key passes the format check.
func (s *KeyStore) HasValidKey(ctx context.Context) bool {
	return !s.LoadKeys(ctx).Empty()
}

// SaveAlternateKey stores the alternate provider's credential.
func (s *KeyStore) SaveAlternateKey(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrNoValidKeys
	}
	v, err := s.cipher.Encrypt(key)
	if err != nil {
		return fmt.Errorf("encrypt credential: %w", err)
	}
	if err := s.kv.Set(ctx, SlotAlternateKey, v); err != nil {
		return &StorageError{Op: "set", Slot: SlotAlternateKey, Err: err}
	}
	s.setBestEffort(ctx, SlotAlternateBackup, v)
	return nil
}

// LoadAlternateKey returns the alternate credential from the primary or backup slot.
func (s *KeyStore) LoadAlternateKey(ctx context.Context) (string, bool) {
	for _, slot := range []string{SlotAlternateKey, SlotAlternateBackup} {
		raw, found, err := s.kv.Get(ctx, slot)
		if err != nil {
			s.logger.Warn("credential slot read failed", zap.String("slot", slot), zap.Error(err))
			continue
		}
		if !found || raw == "" {
			continue
		}
		k, err := s.cipher.Decrypt(raw)
		if err != nil || strings.TrimSpace(k) == "" {
			continue
		}
		return k, true
	}
	return "", false
}

// DeleteAlternateKey clears both alternate slots.
func (s *KeyStore) DeleteAlternateKey(ctx context.Context) error {
	for _, slot := range []string{SlotAlternateKey, SlotAlternateBackup} {
		if err := s.kv.Delete(ctx, slot); err != nil {
			return &StorageError{Op: "delete", Slot: slot, Err: err}
		}
	}
	return nil
}
