package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"session-key-service/internal/domain"
	"session-key-service/pkg/envelope"
)

const (
	testKey    = "1111111111111111111111111111111111111111111111111111111111111122"
	testSecret = "test-secret"
)

// mockKeyLookup はテスト用の鍵ストア。
type mockKeyLookup struct {
	keys map[string]string
	err  error
}

func (m *mockKeyLookup) GetSymmetricKey(ctx context.Context, userID string) (string, bool, error) {
	if m.err != nil {
		return "", false, m.err
	}
	key, ok := m.keys[userID]
	return key, ok, nil
}

func signToken(t *testing.T, claims jwt.MapClaims, method jwt.SigningMethod, secret interface{}) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func TestIdentityResolver_ClaimedUserID(t *testing.T) {
	r := NewIdentityResolver("")
	req := httptest.NewRequest(http.MethodPost, "/", nil)

	id, err := r.Resolve(req, Claim{UserID: "u1"}, domain.NamespaceSession)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if id != "u1" {
		t.Errorf("expected u1, got %s", id)
	}

	id, err = r.Resolve(req, Claim{UserID: "u1", Email: "a@example.com"}, domain.NamespaceRegistration)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if id != "a@example.com" {
		t.Errorf("expected email handle, got %s", id)
	}

	if _, err := r.Resolve(req, Claim{}, domain.NamespaceSession); !errors.Is(err, domain.ErrInvalidUserID) {
		t.Errorf("expected ErrInvalidUserID, got %v", err)
	}
}

func TestIdentityResolver_JWT(t *testing.T) {
	r := NewIdentityResolver(testSecret)
	valid := signToken(t, jwt.MapClaims{"id": float64(42), "exp": time.Now().Add(time.Hour).Unix()}, jwt.SigningMethodHS256, []byte(testSecret))

	tests := []struct {
		name  string
		claim Claim
		setup func(*http.Request)
	}{
		{"body", Claim{JWT: valid, UserID: "ignored"}, func(*http.Request) {}},
		{"x-access-token", Claim{}, func(req *http.Request) { req.Header.Set("x-access-token", valid) }},
		{"bearer", Claim{}, func(req *http.Request) { req.Header.Set("Authorization", "Bearer "+valid) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			tt.setup(req)
			id, err := r.Resolve(req, tt.claim, domain.NamespaceSession)
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if id != "42" {
				t.Errorf("expected 42, got %s", id)
			}
		})
	}
}

func TestIdentityResolver_SubFallback(t *testing.T) {
	r := NewIdentityResolver(testSecret)
	token := signToken(t, jwt.MapClaims{"sub": "user-7"}, jwt.SigningMethodHS256, []byte(testSecret))

	id, err := r.Resolve(httptest.NewRequest(http.MethodPost, "/", nil), Claim{JWT: token}, domain.NamespaceSession)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if id != "user-7" {
		t.Errorf("expected user-7, got %s", id)
	}
}

func TestIdentityResolver_InvalidTokens(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	tokens := map[string]string{
		"wrong secret": signToken(t, jwt.MapClaims{"id": "u1"}, jwt.SigningMethodHS256, []byte("other")),
		"expired":      signToken(t, jwt.MapClaims{"id": "u1", "exp": time.Now().Add(-time.Hour).Unix()}, jwt.SigningMethodHS256, []byte(testSecret)),
		"wrong alg":    signToken(t, jwt.MapClaims{"id": "u1"}, jwt.SigningMethodHS512, []byte(testSecret)),
		"no identity":  signToken(t, jwt.MapClaims{"role": "admin"}, jwt.SigningMethodHS256, []byte(testSecret)),
		"garbage":      "not.a.jwt",
	}
	r := NewIdentityResolver(testSecret)
	for name, token := range tokens {
		if _, err := r.Resolve(req, Claim{JWT: token}, domain.NamespaceSession); !errors.Is(err, domain.ErrInvalidToken) {
			t.Errorf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}

	// シークレット未設定ではトークンを受け付けない
	valid := signToken(t, jwt.MapClaims{"id": "u1"}, jwt.SigningMethodHS256, []byte(testSecret))
	if _, err := NewIdentityResolver("").Resolve(req, Claim{JWT: valid}, domain.NamespaceSession); !errors.Is(err, domain.ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken without secret, got %v", err)
	}
}

// echoHandler は受け取ったボディと識別子を返す。
func echoHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("failed to read body: %v", err)
		}
		userID, _ := UserIDFromContext(r.Context())
		ns, _ := NamespaceFromContext(r.Context())
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"userId":    userID,
			"namespace": ns,
			"data":      json.RawMessage(body),
		})
	})
}

func newCodec(t *testing.T, nonceSize int) *envelope.Codec {
	t.Helper()
	codec, err := envelope.NewCodec(nonceSize)
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	return codec
}

func sessionRequest(t *testing.T, codec *envelope.Codec, claim Claim, payload interface{}) *http.Request {
	t.Helper()
	token, err := codec.Seal(payload, testKey)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	body, _ := json.Marshal(EnvelopeRequest{Claim: claim, Payload: token})
	return httptest.NewRequest(http.MethodPost, "/session/echo", bytes.NewReader(body))
}

func TestSession_RoundTrip(t *testing.T) {
	codec := newCodec(t, envelope.DefaultNonceSize)
	keys := &mockKeyLookup{keys: map[string]string{"u1": testKey}}
	h := NewSession(keys, NewIdentityResolver(""), codec, domain.NamespaceSession).Handler(echoHandler(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, sessionRequest(t, codec, Claim{UserID: "u1"}, map[string]int{"amount": 100}))

	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp EnvelopeResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	var out struct {
		UserID    string         `json:"userId"`
		Namespace string         `json:"namespace"`
		Data      map[string]int `json:"data"`
	}
	if err := codec.Open(resp.Payload, testKey, &out); err != nil {
		t.Fatalf("failed to open response: %v", err)
	}
	if out.UserID != "u1" || out.Namespace != "session" || out.Data["amount"] != 100 {
		t.Errorf("unexpected response: %+v", out)
	}
}

func TestSession_RegistrationNamespace(t *testing.T) {
	codec := newCodec(t, envelope.DefaultNonceSize)
	keys := &mockKeyLookup{keys: map[string]string{"reg:a@example.com": testKey}}
	h := NewSession(keys, NewIdentityResolver(""), codec, domain.NamespaceRegistration).Handler(echoHandler(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, sessionRequest(t, codec, Claim{Email: "a@example.com"}, map[string]string{"name": "alice"}))
	if rec.Code != http.StatusOK {
		t.Errorf("want status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// 同じハンドルでも既存ユーザー側の鍵は無い
	h = NewSession(keys, NewIdentityResolver(""), codec, domain.NamespaceSession).Handler(echoHandler(t))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, sessionRequest(t, codec, Claim{UserID: "a@example.com"}, map[string]string{"name": "alice"}))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("want status 401, got %d", rec.Code)
	}
}

func TestSession_Rejections(t *testing.T) {
	codec := newCodec(t, envelope.DefaultNonceSize)
	otherKey := "2222222222222222222222222222222222222222222222222222222222222211"

	tests := []struct {
		name     string
		keys     *mockKeyLookup
		req      func() *http.Request
		wantCode int
		wantErr  string
	}{
		{
			name: "no live key",
			keys: &mockKeyLookup{keys: map[string]string{}},
			req: func() *http.Request {
				return sessionRequest(t, codec, Claim{UserID: "u1"}, map[string]string{})
			},
			wantCode: http.StatusUnauthorized,
			wantErr:  "UNAUTHENTICATED",
		},
		{
			name: "wrong key",
			keys: &mockKeyLookup{keys: map[string]string{"u1": otherKey}},
			req: func() *http.Request {
				return sessionRequest(t, codec, Claim{UserID: "u1"}, map[string]string{})
			},
			wantCode: http.StatusUnauthorized,
			wantErr:  "DECRYPTION_FAILED",
		},
		{
			name: "missing payload",
			keys: &mockKeyLookup{keys: map[string]string{"u1": testKey}},
			req: func() *http.Request {
				return httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"userId":"u1"}`))
			},
			wantCode: http.StatusBadRequest,
			wantErr:  "INVALID_REQUEST",
		},
		{
			name: "not json",
			keys: &mockKeyLookup{keys: map[string]string{"u1": testKey}},
			req: func() *http.Request {
				return httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`payload=abc`))
			},
			wantCode: http.StatusBadRequest,
			wantErr:  "INVALID_REQUEST",
		},
		{
			name: "missing identity",
			keys: &mockKeyLookup{keys: map[string]string{"u1": testKey}},
			req: func() *http.Request {
				return sessionRequest(t, codec, Claim{}, map[string]string{})
			},
			wantCode: http.StatusBadRequest,
			wantErr:  "INVALID_USER_ID",
		},
		{
			name: "invalid token",
			keys: &mockKeyLookup{keys: map[string]string{"u1": testKey}},
			req: func() *http.Request {
				return sessionRequest(t, codec, Claim{JWT: "not.a.jwt"}, map[string]string{})
			},
			wantCode: http.StatusUnauthorized,
			wantErr:  "INVALID_TOKEN",
		},
		{
			name: "store failure",
			keys: &mockKeyLookup{err: domain.ErrStorage},
			req: func() *http.Request {
				return sessionRequest(t, codec, Claim{UserID: "u1"}, map[string]string{})
			},
			wantCode: http.StatusInternalServerError,
			wantErr:  "INTERNAL_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
			h := NewSession(tt.keys, NewIdentityResolver(testSecret), codec, domain.NamespaceSession).Handler(next)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, tt.req())

			if rec.Code != tt.wantCode {
				t.Errorf("want status %d, got %d", tt.wantCode, rec.Code)
			}
			var resp map[string]string
			json.NewDecoder(rec.Body).Decode(&resp)
			if resp["code"] != tt.wantErr {
				t.Errorf("want code %s, got %s", tt.wantErr, resp["code"])
			}
			if _, leaked := resp["payload"]; leaked {
				t.Error("error response must not carry a payload")
			}
			if called {
				t.Error("downstream handler must not be called")
			}
		})
	}
}

func TestSession_DownstreamErrorPassesThrough(t *testing.T) {
	codec := newCodec(t, envelope.DefaultNonceSize)
	keys := &mockKeyLookup{keys: map[string]string{"u1": testKey}}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"code":"NOT_FOUND"}`))
	})
	h := NewSession(keys, NewIdentityResolver(""), codec, domain.NamespaceSession).Handler(next)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, sessionRequest(t, codec, Claim{UserID: "u1"}, map[string]string{}))

	if rec.Code != http.StatusNotFound {
		t.Errorf("want status 404, got %d", rec.Code)
	}
	if rec.Body.String() != `{"code":"NOT_FOUND"}` {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestSession_LegacyNonceChannel(t *testing.T) {
	codec := newCodec(t, envelope.LegacyNonceSize)
	keys := &mockKeyLookup{keys: map[string]string{"u1": testKey}}
	h := NewSession(keys, NewIdentityResolver(""), codec, domain.NamespaceSession).Handler(echoHandler(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, sessionRequest(t, codec, Claim{UserID: "u1"}, map[string]string{"a": "b"}))
	if rec.Code != http.StatusOK {
		t.Errorf("want status 200, got %d", rec.Code)
	}

	// 16バイトnonceのトークンは12バイトのチャネルでは認証に失敗する
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, sessionRequest(t, newCodec(t, envelope.DefaultNonceSize), Claim{UserID: "u1"}, map[string]string{"a": "b"}))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("want status 401, got %d", rec.Code)
	}
}

func TestWriteAuditLog_HandshakeID(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	WriteAuditLog(context.Background(), "SET_AES_KEY", "u1", "hs-1", domain.NamespaceSession, ResultSuccess)
	WriteAuditLog(context.Background(), "SESSION_OPEN", "u1", "", domain.NamespaceSession, ResultSuccess)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("want 2 log lines, got %d: %s", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], `"handshake_id":"hs-1"`) {
		t.Errorf("want handshake_id in first line, got %s", lines[0])
	}
	if strings.Contains(lines[1], "handshake_id") {
		t.Errorf("want no handshake_id when empty, got %s", lines[1])
	}
}
