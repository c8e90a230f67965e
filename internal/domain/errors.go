package domain

import "errors"

var (
	// ErrInvalidUserID は識別子の形式が不正な場合のエラー。
	ErrInvalidUserID = errors.New("invalid user ID")

	// ErrInvalidRequest はリクエストボディが不正な場合のエラー。
	ErrInvalidRequest = errors.New("invalid request")

	// ErrKeyFormat は鍵の長さ・エンコーディングが不正な場合のエラー。
	ErrKeyFormat = errors.New("malformed key")

	// ErrHandshakeExpired はハンドシェイクに必要な鍵ペアが存在しないか期限切れの場合のエラー。
	// クライアントは最初のステップからやり直す必要がある。
	ErrHandshakeExpired = errors.New("handshake expired")

	// ErrHandshakeFailed は転送された鍵素材の復号に失敗した場合のエラー。
	// 失敗理由の詳細は呼び出し元に返さない。
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrUnauthenticated は主張された識別子に有効なセッション鍵がない場合のエラー。
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrDecryptionFailed はペイロードの認証タグ検証に失敗した場合のエラー。
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrInvalidToken はJWTの検証に失敗した場合のエラー。
	ErrInvalidToken = errors.New("invalid token")

	// ErrStorage は鍵ストアのI/O失敗を表す。詳細はクライアントに返さない。
	ErrStorage = errors.New("key store unavailable")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrMigrationFileNotFound はマイグレーションファイルが見つからない場合のエラー。
	ErrMigrationFileNotFound = errors.New("migration file not found")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)
