package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"session-key-service/internal/middleware"
	"session-key-service/pkg/httputil"
)

// SessionHandler はセッション保護ルートのハンドラを提供する。
// middleware.Session の内側でのみ使う。
type SessionHandler struct{}

// NewSessionHandler は新しいSessionHandlerを生成する。
func NewSessionHandler() *SessionHandler {
	return &SessionHandler{}
}

// EchoResponse は Echo のレスポンス形式（エンベロープ化前）。
type EchoResponse struct {
	UserID    string          `json:"userId"`
	Namespace string          `json:"namespace"`
	Payload   json.RawMessage `json:"payload"`
}

// Echo は復号済みのペイロードと検証済みの識別子を返す。
// 確立したチャネルの疎通確認に使う。
func (h *SessionHandler) Echo(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "UNAUTHENTICATED", "session required")
		return
	}
	ns, _ := middleware.NamespaceFromContext(r.Context())

	body, err := io.ReadAll(r.Body)
	if err != nil || !json.Valid(body) {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}

	httputil.JSON(w, http.StatusOK, EchoResponse{
		UserID:    userID,
		Namespace: string(ns),
		Payload:   body,
	})
}
