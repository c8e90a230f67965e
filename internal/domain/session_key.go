// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import (
	"strings"
	"time"
)

// KeyTTL は鍵素材の有効期間。書き込みのたびに now+KeyTTL に更新される。
const KeyTTL = 30 * time.Minute

// Namespace はハンドシェイクの名前空間を表す。
// 同じ識別子でも名前空間が異なれば別の行として保存される。
type Namespace string

const (
	// NamespaceSession は既存ユーザー（恒久ID）の名前空間。
	NamespaceSession Namespace = "session"
	// NamespaceRegistration は登録前ユーザー（メールアドレス等の仮ハンドル）の名前空間。
	NamespaceRegistration Namespace = "registration"
)

const registrationPrefix = "reg:"

// StorageID は名前空間付きの行キーを返す。
func (n Namespace) StorageID(id string) string {
	if n == NamespaceRegistration {
		return registrationPrefix + id
	}
	return id
}

// IsValid は既知の名前空間かどうかを返す。
func (n Namespace) IsValid() bool {
	return n == NamespaceSession || n == NamespaceRegistration
}

// ValidateUserID はクライアントが主張する識別子を検証する。
func ValidateUserID(id string) error {
	if id == "" || len(id) > 320 {
		return ErrInvalidUserID
	}
	if strings.HasPrefix(id, registrationPrefix) {
		return ErrInvalidUserID
	}
	for _, r := range id {
		if r < 0x21 || r == 0x7f {
			return ErrInvalidUserID
		}
	}
	return nil
}

// KeyRecord は1ユーザー分の鍵素材を表す。
// SymmetricKey と RSAKeyPair は独立した列で、片方の書き込みはもう片方を消さない。
type KeyRecord struct {
	UserID       string
	SymmetricKey string // 16進64文字。未確立なら空
	RSAKeyPair   string // PEM(PKCS#8)。未発行なら空
	HandshakeID  string // 最後に書き込んだハンドシェイクのID
	ExpiresAt    int64  // UNIX秒
}

// PendingKeyPair は公開鍵を発行済みで、セッション鍵の受け取りを待っているRSA鍵ペア。
type PendingKeyPair struct {
	HandshakeID string
	Serialized  string
}

// IsLive は now 時点でレコードが有効かどうかを返す。
func (r *KeyRecord) IsLive(now time.Time) bool {
	return r != nil && now.Unix() < r.ExpiresAt
}

// ExpiresAtFrom は now を基準とした有効期限（UNIX秒）を返す。
func ExpiresAtFrom(now time.Time) int64 {
	return now.Add(KeyTTL).Unix()
}

// HandshakeResult はハンドシェイク1ステップの結果を表す。
type HandshakeResult struct {
	HandshakeID string
	UserID      string
	PublicKey   string
	ExpiresAt   time.Time
}
