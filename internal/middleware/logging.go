// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"time"

	"session-key-service/internal/domain"
)

// 監査ログの結果。
const (
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

// WriteAuditLog は鍵確立・セッション検証の監査ログを出力する。
// handshakeID が空の場合は属性を出さない。鍵素材や平文は渡さないこと。
func WriteAuditLog(ctx context.Context, operation, userID, handshakeID string, namespace domain.Namespace, result string) {
	attrs := []any{
		"operation", operation,
		"user_id", userID,
		"namespace", string(namespace),
		"result", result,
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	}
	if handshakeID != "" {
		attrs = append(attrs, "handshake_id", handshakeID)
	}
	slog.InfoContext(ctx, "session key operation completed", attrs...)
}
