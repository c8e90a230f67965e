// Package client はセッション鍵サービスのクライアント実装を提供する。
//
// ハンドシェイクの状態はすべて呼び出し側が保持するオブジェクトに閉じており、
// プロセス全体で共有する鍵ペアは持たない。同一プロセスで複数のセッションを並行して扱える。
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"session-key-service/internal/keyexchange"
	"session-key-service/pkg/envelope"
)

// Namespace はハンドシェイクの名前空間。
type Namespace string

const (
	// Returning は既存ユーザーの名前空間。
	Returning Namespace = "session"
	// Registration は登録フローの名前空間。識別子にはメールアドレス等の仮ハンドルを使う。
	Registration Namespace = "registration"
)

func (n Namespace) keyPrefix() string {
	if n == Registration {
		return "/key/reg"
	}
	return "/key"
}

// identityField は識別子を載せるJSONフィールド名。
func (n Namespace) identityField() string {
	if n == Registration {
		return "email"
	}
	return "userId"
}

// APIError はサーバーが返したエラー。
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned status %d", e.Status)
	}
	return fmt.Sprintf("%s: %s (status %d)", e.Code, e.Message, e.Status)
}

// Client はサービスのHTTPクライアント。
type Client struct {
	baseURL  string
	http     *http.Client
	oaepHash keyexchange.OAEPHash
	kdf      keyexchange.KDF
}

// Option はClientの設定を変更する。
type Option func(*Client) error

// WithHTTPClient は使用するhttp.Clientを差し替える。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.http = hc
		return nil
	}
}

// WithOAEPHash はRSA-OAEPのハッシュ（sha1 | sha256）を指定する。サーバーと一致させる必要がある。
func WithOAEPHash(name string) Option {
	return func(c *Client) error {
		h, err := keyexchange.ParseOAEPHash(name)
		if err != nil {
			return err
		}
		c.oaepHash = h
		return nil
	}
}

// WithKDF はECDH共有秘密からの鍵導出（raw | hkdf-sha256）を指定する。サーバーと一致させる必要がある。
func WithKDF(name string) Option {
	return func(c *Client) error {
		kdf, err := keyexchange.ParseKDF(name)
		if err != nil {
			return err
		}
		c.kdf = kdf
		return nil
	}
}

// New は baseURL に接続するClientを生成する。
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: 30 * time.Second},
		oaepHash: keyexchange.OAEPSHA1,
		kdf:      keyexchange.RawKDF{},
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// post はJSONを送り、2xxならレスポンスを out にデコードする。
func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var errResp struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &errResp) == nil {
			apiErr.Code = errResp.Code
			apiErr.Message = errResp.Message
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

// NewSession は確立済みの鍵でエンベロープ通信を行うSessionを返す。
func (c *Client) NewSession(ns Namespace, id, keyHex string, nonceSize int) (*Session, error) {
	if _, err := envelope.ParseKey(keyHex); err != nil {
		return nil, err
	}
	codec, err := envelope.NewCodec(nonceSize)
	if err != nil {
		return nil, err
	}
	return &Session{
		client:    c,
		namespace: ns,
		id:        id,
		key:       strings.ToLower(keyHex),
		codec:     codec,
	}, nil
}
