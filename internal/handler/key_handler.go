// Package handler はHTTPハンドラを提供する。
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"session-key-service/internal/domain"
	"session-key-service/internal/infra"
	"session-key-service/internal/middleware"
	"session-key-service/internal/usecase"
	"session-key-service/pkg/httputil"
)

// KeyHandler はハンドシェイクのHTTPハンドラを提供する。
// リクエスト・レスポンスはエンベロープ化しない平文JSON。
type KeyHandler struct {
	service *usecase.HandshakeService
}

// NewKeyHandler は新しいKeyHandlerを生成する。
func NewKeyHandler(service *usecase.HandshakeService) *KeyHandler {
	return &KeyHandler{service: service}
}

// HandshakeRequest はハンドシェイクのリクエスト形式。
type HandshakeRequest struct {
	UserID          string `json:"userId,omitempty"`
	Email           string `json:"email,omitempty"`
	EncryptedAESKey string `json:"encryptedAesKey,omitempty"`
	// HandshakeID は publicKey で受け取ったID。指定すると setAESkey で照合される。
	HandshakeID     string `json:"handshakeId,omitempty"`
	ClientPublicKey string `json:"clientPublicKey,omitempty"`
}

// identifier は名前空間に応じた識別子を返す。登録では email を優先する。
func (req HandshakeRequest) identifier(ns domain.Namespace) string {
	if ns == domain.NamespaceRegistration && req.Email != "" {
		return req.Email
	}
	return req.UserID
}

// PublicKeyResponse は公開鍵のレスポンス形式。
type PublicKeyResponse struct {
	PublicKey   string `json:"publicKey"`
	HandshakeID string `json:"handshakeId"`
	ExpiresAt   string `json:"expiresAt"`
}

// SetKeyResponse はセッション鍵登録のレスポンス形式。
type SetKeyResponse struct {
	OK          bool   `json:"ok"`
	HandshakeID string `json:"handshakeId"`
	ExpiresAt   string `json:"expiresAt"`
}

// GenerateDashboardKey はECDHでダッシュボード用のセッション鍵を確立する。
func (h *KeyHandler) GenerateDashboardKey(w http.ResponseWriter, r *http.Request) {
	const op = "DASHBOARD_GENERATE"
	var req HandshakeRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.writeError(r.Context(), w, op, "", "", domain.NamespaceSession, domain.ErrInvalidRequest)
		return
	}

	done := infra.ObserveCrypto("ecdh_exchange")
	result, err := h.service.ExchangeDashboardKey(r.Context(), req.UserID, req.ClientPublicKey)
	done()
	if err != nil {
		h.writeError(r.Context(), w, op, req.UserID, "", domain.NamespaceSession, err)
		return
	}

	h.succeed(r.Context(), op, req.UserID, result.HandshakeID, domain.NamespaceSession)
	httputil.JSON(w, http.StatusOK, PublicKeyResponse{
		PublicKey:   result.PublicKey,
		HandshakeID: result.HandshakeID,
		ExpiresAt:   result.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// IssuePublicKey は既存ユーザー向けにRSA公開鍵を発行する。
func (h *KeyHandler) IssuePublicKey(w http.ResponseWriter, r *http.Request) {
	h.issuePublicKey(w, r, domain.NamespaceSession)
}

// IssueRegistrationPublicKey は登録フロー向けにRSA公開鍵を発行する。
func (h *KeyHandler) IssueRegistrationPublicKey(w http.ResponseWriter, r *http.Request) {
	h.issuePublicKey(w, r, domain.NamespaceRegistration)
}

// SetAESKey は既存ユーザーのRSA-OAEPで暗号化されたセッション鍵を受け取る。
func (h *KeyHandler) SetAESKey(w http.ResponseWriter, r *http.Request) {
	h.setAESKey(w, r, domain.NamespaceSession)
}

// SetRegistrationAESKey は登録フローのRSA-OAEPで暗号化されたセッション鍵を受け取る。
func (h *KeyHandler) SetRegistrationAESKey(w http.ResponseWriter, r *http.Request) {
	h.setAESKey(w, r, domain.NamespaceRegistration)
}

func (h *KeyHandler) issuePublicKey(w http.ResponseWriter, r *http.Request, ns domain.Namespace) {
	const op = "ISSUE_PUBLIC_KEY"
	var req HandshakeRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.writeError(r.Context(), w, op, "", "", ns, domain.ErrInvalidRequest)
		return
	}
	id := req.identifier(ns)

	done := infra.ObserveCrypto("rsa_generate")
	result, err := h.service.IssuePublicKey(r.Context(), ns, id)
	done()
	if err != nil {
		h.writeError(r.Context(), w, op, id, "", ns, err)
		return
	}

	h.succeed(r.Context(), op, id, result.HandshakeID, ns)
	httputil.JSON(w, http.StatusOK, PublicKeyResponse{
		PublicKey:   result.PublicKey,
		HandshakeID: result.HandshakeID,
		ExpiresAt:   result.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (h *KeyHandler) setAESKey(w http.ResponseWriter, r *http.Request, ns domain.Namespace) {
	const op = "SET_AES_KEY"
	var req HandshakeRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.writeError(r.Context(), w, op, "", "", ns, domain.ErrInvalidRequest)
		return
	}
	id := req.identifier(ns)

	done := infra.ObserveCrypto("rsa_unwrap")
	result, err := h.service.AcceptSymmetricKey(r.Context(), ns, id, req.HandshakeID, req.EncryptedAESKey)
	done()
	if err != nil {
		h.writeError(r.Context(), w, op, id, req.HandshakeID, ns, err)
		return
	}

	h.succeed(r.Context(), op, id, result.HandshakeID, ns)
	httputil.JSON(w, http.StatusOK, SetKeyResponse{
		OK:          true,
		HandshakeID: result.HandshakeID,
		ExpiresAt:   result.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (h *KeyHandler) succeed(ctx context.Context, op, userID, handshakeID string, ns domain.Namespace) {
	infra.HandshakeCounter.WithLabelValues(op, "success").Inc()
	middleware.WriteAuditLog(ctx, op, userID, handshakeID, ns, middleware.ResultSuccess)
}

func (h *KeyHandler) writeError(ctx context.Context, w http.ResponseWriter, op, userID, handshakeID string, ns domain.Namespace, err error) {
	infra.HandshakeCounter.WithLabelValues(op, "failed").Inc()
	middleware.WriteAuditLog(ctx, op, userID, handshakeID, ns, middleware.ResultFailed)

	switch {
	case errors.Is(err, domain.ErrInvalidUserID):
		httputil.Error(w, http.StatusBadRequest, "INVALID_USER_ID", "invalid user ID")
	case errors.Is(err, domain.ErrInvalidRequest):
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
	case errors.Is(err, domain.ErrKeyFormat):
		httputil.Error(w, http.StatusBadRequest, "INVALID_KEY_FORMAT", "key must be 32 bytes")
	case errors.Is(err, domain.ErrHandshakeExpired):
		httputil.Error(w, http.StatusGone, "HANDSHAKE_EXPIRED", "handshake expired, request a new public key")
	case errors.Is(err, domain.ErrHandshakeFailed):
		httputil.Error(w, http.StatusBadRequest, "HANDSHAKE_FAILED", "handshake failed")
	default:
		slog.ErrorContext(ctx, "handshake failed", "operation", op, "user_id", userID, "handshake_id", handshakeID, "error", err)
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}
