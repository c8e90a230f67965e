// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"session-key-service/internal/domain"
	"session-key-service/pkg/envelope"
)

// SessionKeyRepository はsession_keysのデータアクセスのインターフェース。
type SessionKeyRepository interface {
	FindByUserID(ctx context.Context, userID string) (*domain.KeyRecord, error)
	// Upsert系は rec の列と有効期限を書き込む。now 時点で期限切れの行は、もう片方の列も消す。
	UpsertAESKey(ctx context.Context, rec *domain.KeyRecord, now int64) error
	UpsertRSAKeyPair(ctx context.Context, rec *domain.KeyRecord, now int64) error
}

// KeyWrapper は保存時の鍵素材の暗号化/復号のインターフェース（Cloud KMS）。
type KeyWrapper interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// wrappedPrefix はKMSで暗号化された列値の接頭辞。
const wrappedPrefix = "kms:"

// KeyStore はユーザーごとの鍵素材を有効期限付きで保持する。
//
// 期限切れの判定は読み取り時にだけ行い、掃除はしない。期限切れの行は存在しないものとして扱う。
// 同じユーザーへの書き込みは後勝ちで、書き込みのたびに有効期限が now+domain.KeyTTL に延びる。
// 期限切れの行への書き込みは行を作り直したのと同じで、古い鍵素材は復活しない。
type KeyStore struct {
	repo    SessionKeyRepository
	wrapper KeyWrapper
	now     func() time.Time
}

// KeyStoreOption はKeyStoreの設定を変更する。
type KeyStoreOption func(*KeyStore)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) KeyStoreOption {
	return func(s *KeyStore) {
		s.now = now
	}
}

// WithKeyWrapper は保存時に鍵素材をwrapperで暗号化する。
func WithKeyWrapper(wrapper KeyWrapper) KeyStoreOption {
	return func(s *KeyStore) {
		s.wrapper = wrapper
	}
}

// NewKeyStore は新しいKeyStoreを生成する。
func NewKeyStore(repo SessionKeyRepository, opts ...KeyStoreOption) *KeyStore {
	s := &KeyStore{
		repo: repo,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetSymmetricKey は有効なセッション鍵を返す。無ければ ok=false。
func (s *KeyStore) GetSymmetricKey(ctx context.Context, userID string) (key string, ok bool, err error) {
	rec, err := s.load(ctx, userID)
	if err != nil || rec == nil || rec.SymmetricKey == "" {
		return "", false, err
	}
	key, err = s.unwrap(ctx, rec.SymmetricKey)
	if err != nil {
		return "", false, err
	}
	return key, true, nil
}

// PutSymmetricKey はセッション鍵を保存し、新しい有効期限を返す。
// 有効な行のRSA鍵ペアは保持される。handshakeID は鍵を確立したハンドシェイクのID。
func (s *KeyStore) PutSymmetricKey(ctx context.Context, userID, key, handshakeID string) (time.Time, error) {
	if _, err := envelope.ParseKey(key); err != nil {
		return time.Time{}, domain.ErrKeyFormat
	}
	stored, err := s.wrap(ctx, strings.ToLower(key))
	if err != nil {
		return time.Time{}, err
	}

	now := s.now()
	rec := &domain.KeyRecord{
		UserID:       userID,
		SymmetricKey: stored,
		HandshakeID:  handshakeID,
		ExpiresAt:    domain.ExpiresAtFrom(now),
	}
	if err := s.repo.UpsertAESKey(ctx, rec, now.Unix()); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	return time.Unix(rec.ExpiresAt, 0), nil
}

// GetKeyPair は有効なRSA鍵ペア（直列化済み）と発行時のハンドシェイクIDを返す。無ければ ok=false。
func (s *KeyStore) GetKeyPair(ctx context.Context, userID string) (pair domain.PendingKeyPair, ok bool, err error) {
	rec, err := s.load(ctx, userID)
	if err != nil || rec == nil || rec.RSAKeyPair == "" {
		return domain.PendingKeyPair{}, false, err
	}
	serialized, err := s.unwrap(ctx, rec.RSAKeyPair)
	if err != nil {
		return domain.PendingKeyPair{}, false, err
	}
	return domain.PendingKeyPair{HandshakeID: rec.HandshakeID, Serialized: serialized}, true, nil
}

// PutKeyPair はRSA鍵ペアを保存し、新しい有効期限を返す。
// 有効な行のセッション鍵は保持される。
func (s *KeyStore) PutKeyPair(ctx context.Context, userID string, pair domain.PendingKeyPair) (time.Time, error) {
	stored, err := s.wrap(ctx, pair.Serialized)
	if err != nil {
		return time.Time{}, err
	}

	now := s.now()
	rec := &domain.KeyRecord{
		UserID:      userID,
		RSAKeyPair:  stored,
		HandshakeID: pair.HandshakeID,
		ExpiresAt:   domain.ExpiresAtFrom(now),
	}
	if err := s.repo.UpsertRSAKeyPair(ctx, rec, now.Unix()); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	return time.Unix(rec.ExpiresAt, 0), nil
}

// load は有効なレコードだけを返す。期限切れは (nil, nil)。
func (s *KeyStore) load(ctx context.Context, userID string) (*domain.KeyRecord, error) {
	rec, err := s.repo.FindByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	if !rec.IsLive(s.now()) {
		return nil, nil
	}
	return rec, nil
}

func (s *KeyStore) wrap(ctx context.Context, value string) (string, error) {
	if s.wrapper == nil {
		return value, nil
	}
	ciphertext, err := s.wrapper.Encrypt(ctx, []byte(value))
	if err != nil {
		return "", fmt.Errorf("%w: wrapping key material: %v", domain.ErrStorage, err)
	}
	return wrappedPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (s *KeyStore) unwrap(ctx context.Context, stored string) (string, error) {
	if !strings.HasPrefix(stored, wrappedPrefix) {
		return stored, nil
	}
	if s.wrapper == nil {
		return "", fmt.Errorf("%w: key material is KMS-wrapped but no KMS key is configured", domain.ErrStorage)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, wrappedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: decoding wrapped key material: %v", domain.ErrStorage, err)
	}
	plaintext, err := s.wrapper.Decrypt(ctx, ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: unwrapping key material: %v", domain.ErrStorage, err)
	}
	return string(plaintext), nil
}
