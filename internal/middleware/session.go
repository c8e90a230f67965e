package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"session-key-service/internal/domain"
	"session-key-service/internal/infra"
	"session-key-service/pkg/envelope"
	"session-key-service/pkg/httputil"
)

// maxEnvelopeBytes は保護ルートのリクエストボディの上限。
const maxEnvelopeBytes = 1 << 20

type contextKey int

const (
	userIDKey contextKey = iota
	namespaceKey
)

// UserIDFromContext はSessionで検証された識別子を返す。
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok
}

// NamespaceFromContext はSessionの名前空間を返す。
func NamespaceFromContext(ctx context.Context) (domain.Namespace, bool) {
	ns, ok := ctx.Value(namespaceKey).(domain.Namespace)
	return ns, ok
}

// SymmetricKeyLookup はセッション鍵の読み取り専用インターフェース。
type SymmetricKeyLookup interface {
	GetSymmetricKey(ctx context.Context, userID string) (string, bool, error)
}

// EnvelopeRequest は保護ルートのリクエストボディ。
type EnvelopeRequest struct {
	Claim
	Payload string `json:"payload"`
}

// EnvelopeResponse は保護ルートのレスポンスボディ。
type EnvelopeResponse struct {
	Payload string `json:"payload"`
}

// Session は保護ルートのエンベロープを検証・復号し、レスポンスを同じ鍵で暗号化する。
// 鍵ストアへの書き込みは行わない。
type Session struct {
	keys      SymmetricKeyLookup
	identity  *IdentityResolver
	codec     *envelope.Codec
	namespace domain.Namespace
}

// NewSession は namespace の鍵で保護するSessionを生成する。
func NewSession(keys SymmetricKeyLookup, identity *IdentityResolver, codec *envelope.Codec, namespace domain.Namespace) *Session {
	return &Session{
		keys:      keys,
		identity:  identity,
		codec:     codec,
		namespace: namespace,
	}
}

// Handler は next を保護するミドルウェアを返す。
//
// next には復号済みのJSONがボディとして渡される。
// next が2xxを返した場合のみボディを {payload} に暗号化し、それ以外はそのまま返す。
func (s *Session) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req EnvelopeRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEnvelopeBytes)).Decode(&req); err != nil || req.Payload == "" {
			s.reject(ctx, w, "", "invalid_request", http.StatusBadRequest, "INVALID_REQUEST", "request must be {userId|jwt, payload}")
			return
		}

		userID, err := s.identity.Resolve(r, req.Claim, s.namespace)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidToken) {
				s.reject(ctx, w, "", "invalid_token", http.StatusUnauthorized, "INVALID_TOKEN", "invalid token")
				return
			}
			s.reject(ctx, w, "", "invalid_user_id", http.StatusBadRequest, "INVALID_USER_ID", "invalid user ID")
			return
		}

		key, ok, err := s.keys.GetSymmetricKey(ctx, s.namespace.StorageID(userID))
		if err != nil {
			slog.ErrorContext(ctx, "failed to load session key", "user_id", userID, "error", err)
			s.reject(ctx, w, userID, "error", http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
			return
		}
		if !ok {
			s.reject(ctx, w, userID, "unauthenticated", http.StatusUnauthorized, "UNAUTHENTICATED", "no valid session key, perform a handshake")
			return
		}

		plaintext, err := s.codec.OpenBytes(req.Payload, key)
		if err != nil {
			if errors.Is(err, envelope.ErrKeyFormat) {
				slog.ErrorContext(ctx, "stored session key is malformed", "user_id", userID)
				s.reject(ctx, w, userID, "error", http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
				return
			}
			s.reject(ctx, w, userID, "decryption_failed", http.StatusUnauthorized, "DECRYPTION_FAILED", "payload could not be authenticated")
			return
		}
		if !json.Valid(plaintext) {
			s.reject(ctx, w, userID, "invalid_request", http.StatusBadRequest, "INVALID_REQUEST", "payload is not JSON")
			return
		}

		ctx = context.WithValue(ctx, userIDKey, userID)
		ctx = context.WithValue(ctx, namespaceKey, s.namespace)
		r = r.WithContext(ctx)
		r.Body = io.NopCloser(bytes.NewReader(plaintext))
		r.ContentLength = int64(len(plaintext))
		r.Header.Set("Content-Type", "application/json")

		rec := newBufferedResponse()
		next.ServeHTTP(rec, r)

		if rec.status < 200 || rec.status >= 300 {
			infra.EnvelopeCounter.WithLabelValues(string(s.namespace), "downstream_error").Inc()
			rec.flushTo(w)
			return
		}

		body := bytes.TrimSpace(rec.body.Bytes())
		if len(body) == 0 {
			body = []byte("null")
		}
		status := rec.status
		if status == http.StatusNoContent {
			status = http.StatusOK
		}

		token, err := s.codec.SealBytes(body, key)
		if err != nil {
			slog.ErrorContext(ctx, "failed to seal response", "user_id", userID, "error", err)
			httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
			return
		}

		infra.EnvelopeCounter.WithLabelValues(string(s.namespace), "success").Inc()
		WriteAuditLog(ctx, "SESSION_OPEN", userID, "", s.namespace, ResultSuccess)
		copyHeader(w.Header(), rec.header)
		httputil.JSON(w, status, EnvelopeResponse{Payload: token})
	})
}

func (s *Session) reject(ctx context.Context, w http.ResponseWriter, userID, metric string, status int, code, message string) {
	infra.EnvelopeCounter.WithLabelValues(string(s.namespace), metric).Inc()
	WriteAuditLog(ctx, "SESSION_OPEN", userID, "", s.namespace, ResultFailed)
	httputil.Error(w, status, code, message)
}

// bufferedResponse は下流ハンドラのレスポンスを暗号化前に溜める。
type bufferedResponse struct {
	header      http.Header
	body        bytes.Buffer
	status      int
	wroteHeader bool
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header), status: http.StatusOK}
}

func (b *bufferedResponse) Header() http.Header {
	return b.header
}

func (b *bufferedResponse) WriteHeader(status int) {
	if b.wroteHeader {
		return
	}
	b.status = status
	b.wroteHeader = true
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	b.wroteHeader = true
	return b.body.Write(p)
}

func (b *bufferedResponse) flushTo(w http.ResponseWriter) {
	copyHeader(w.Header(), b.header)
	w.WriteHeader(b.status)
	if _, err := w.Write(b.body.Bytes()); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		// ボディを差し替えるので長さは引き継がない
		if k == "Content-Length" {
			continue
		}
		dst[k] = vs
	}
}
