// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"errors"
	"log/slog"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"session-key-service/internal/domain"
)

// SessionKeyModel はgorm用のモデル定義。1ユーザー1行。
type SessionKeyModel struct {
	UserID      string  `gorm:"column:user_id;type:varchar(320);primaryKey"`
	AESKey      *string `gorm:"column:aes_key;type:text"`
	RSAKeyPair  *string `gorm:"column:rsa_key_pair;type:text"`
	HandshakeID *string `gorm:"column:handshake_id;type:varchar(36)"`
	ExpiresAt   int64   `gorm:"column:expires_at;not null;index:idx_session_keys_expires_at"`
}

// TableName はテーブル名を返す。
func (SessionKeyModel) TableName() string {
	return "session_keys"
}

// toDomain はモデルをドメインエンティティに変換する。
func (m *SessionKeyModel) toDomain() *domain.KeyRecord {
	rec := &domain.KeyRecord{
		UserID:    m.UserID,
		ExpiresAt: m.ExpiresAt,
	}
	if m.AESKey != nil {
		rec.SymmetricKey = *m.AESKey
	}
	if m.RSAKeyPair != nil {
		rec.RSAKeyPair = *m.RSAKeyPair
	}
	if m.HandshakeID != nil {
		rec.HandshakeID = *m.HandshakeID
	}
	return rec
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// SessionKeyRepository はsession_keysテーブルへのアクセスを提供する。
//
// 書き込みは列単位のupsertで、同じユーザーへの並行書き込みは後勝ちになる。
// 先行していたハンドシェイクが無効になるのは想定された挙動で、ロックは取らない。
type SessionKeyRepository struct {
	db *gorm.DB
}

// NewSessionKeyRepository は新しいSessionKeyRepositoryを生成する。
func NewSessionKeyRepository(db *gorm.DB) *SessionKeyRepository {
	return &SessionKeyRepository{db: db}
}

// FindByUserID は行を取得する。存在しない場合は (nil, nil) を返す。
// 有効期限の判定は呼び出し側で行う。
func (r *SessionKeyRepository) FindByUserID(ctx context.Context, userID string) (*domain.KeyRecord, error) {
	var model SessionKeyModel
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find session key",
			"operation", "find_by_user_id",
			"user_id", userID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// UpsertAESKey は対称鍵・ハンドシェイクID・有効期限を書き込む。
// 既存の行が now 時点で有効ならrsa_key_pair列は保持し、期限切れなら消す。
func (r *SessionKeyRepository) UpsertAESKey(ctx context.Context, rec *domain.KeyRecord, now int64) error {
	model := &SessionKeyModel{
		UserID:      rec.UserID,
		AESKey:      &rec.SymmetricKey,
		HandshakeID: optional(rec.HandshakeID),
		ExpiresAt:   rec.ExpiresAt,
	}
	if err := r.upsert(ctx, model, "aes_key", "rsa_key_pair", now); err != nil {
		slog.ErrorContext(ctx, "failed to upsert aes key",
			"operation", "upsert_aes_key",
			"user_id", rec.UserID,
			"handshake_id", rec.HandshakeID,
			"error", err,
		)
		return err
	}
	return nil
}

// UpsertRSAKeyPair はRSA鍵ペア・ハンドシェイクID・有効期限を書き込む。
// 既存の行が now 時点で有効ならaes_key列は保持し、期限切れなら消す。
func (r *SessionKeyRepository) UpsertRSAKeyPair(ctx context.Context, rec *domain.KeyRecord, now int64) error {
	model := &SessionKeyModel{
		UserID:      rec.UserID,
		RSAKeyPair:  &rec.RSAKeyPair,
		HandshakeID: optional(rec.HandshakeID),
		ExpiresAt:   rec.ExpiresAt,
	}
	if err := r.upsert(ctx, model, "rsa_key_pair", "aes_key", now); err != nil {
		slog.ErrorContext(ctx, "failed to upsert rsa key pair",
			"operation", "upsert_rsa_key_pair",
			"user_id", rec.UserID,
			"handshake_id", rec.HandshakeID,
			"error", err,
		)
		return err
	}
	return nil
}

// upsert は column を書き込み、other は期限切れの行でだけNULLにする。
// MySQLは代入を左から評価するので、other の判定は expires_at の更新より先に置く。
func (r *SessionKeyRepository) upsert(ctx context.Context, model *SessionKeyModel, column, other string, now int64) error {
	updates := clause.Set{{
		Column: clause.Column{Name: other},
		Value:  gorm.Expr("CASE WHEN expires_at <= ? THEN NULL ELSE "+other+" END", now),
	}}
	updates = append(updates, clause.AssignmentColumns([]string{column, "handshake_id", "expires_at"})...)

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: updates,
		}).
		Create(model).Error
}
