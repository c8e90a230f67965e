package client

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"fmt"
	"time"

	"session-key-service/internal/keyexchange"
	"session-key-service/pkg/envelope"
)

type handshakeResponse struct {
	PublicKey   string `json:"publicKey"`
	HandshakeID string `json:"handshakeId"`
	ExpiresAt   string `json:"expiresAt"`
	OK          bool   `json:"ok"`
}

func (r handshakeResponse) expiresAt() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, r.ExpiresAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing expiresAt: %w", err)
	}
	return t, nil
}

// RSAHandshake は進行中のRSA鍵輸送ハンドシェイク1件分の状態。
// StartRSAHandshake で取得し、Complete で鍵を登録する。
type RSAHandshake struct {
	client    *Client
	namespace Namespace
	id        string
	publicKey *rsa.PublicKey

	HandshakeID string
	ExpiresAt   time.Time
}

// StartRSAHandshake はサーバーからRSA公開鍵を取得する。
// 同じ識別子で再度呼ぶとサーバー側の鍵ペアが置き換わり、以前のRSAHandshakeは完了できなくなる。
func (c *Client) StartRSAHandshake(ctx context.Context, ns Namespace, id string) (*RSAHandshake, error) {
	var resp handshakeResponse
	if err := c.post(ctx, ns.keyPrefix()+"/publicKey", map[string]string{ns.identityField(): id}, &resp); err != nil {
		return nil, err
	}

	pub, err := keyexchange.ParseRSAPublicKey(resp.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("parsing server public key: %w", err)
	}
	expiresAt, err := resp.expiresAt()
	if err != nil {
		return nil, err
	}

	return &RSAHandshake{
		client:      c,
		namespace:   ns,
		id:          id,
		publicKey:   pub,
		HandshakeID: resp.HandshakeID,
		ExpiresAt:   expiresAt,
	}, nil
}

// Complete はランダムなセッション鍵を生成して登録し、その16進表現を返す。
func (h *RSAHandshake) Complete(ctx context.Context) (string, error) {
	key := make([]byte, envelope.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generating session key: %w", err)
	}
	keyHex := hex.EncodeToString(key)
	if err := h.CompleteWithKey(ctx, keyHex); err != nil {
		return "", err
	}
	return keyHex, nil
}

// CompleteWithKey は指定したセッション鍵を登録する。
// サーバー側で鍵ペアが再発行されていた場合は HANDSHAKE_FAILED の APIError を返す。
func (h *RSAHandshake) CompleteWithKey(ctx context.Context, keyHex string) error {
	key, err := envelope.ParseKey(keyHex)
	if err != nil {
		return err
	}
	wrapped, err := keyexchange.WrapSymmetricKey(h.publicKey, key, h.client.oaepHash)
	if err != nil {
		return err
	}

	var resp handshakeResponse
	body := map[string]string{
		h.namespace.identityField(): h.id,
		"encryptedAesKey":           wrapped,
		"handshakeId":               h.HandshakeID,
	}
	if err := h.client.post(ctx, h.namespace.keyPrefix()+"/setAESkey", body, &resp); err != nil {
		return err
	}
	expiresAt, err := resp.expiresAt()
	if err != nil {
		return err
	}
	h.ExpiresAt = expiresAt
	return nil
}

// DashboardResult はECDHハンドシェイクの結果。
type DashboardResult struct {
	Key         string
	HandshakeID string
	ExpiresAt   time.Time
}

// DashboardHandshake はECDHでセッション鍵を確立する。
// クライアント側の鍵ペアはこの呼び出しの中だけで使い捨てる。
func (c *Client) DashboardHandshake(ctx context.Context, userID string) (*DashboardResult, error) {
	kp, err := keyexchange.GenerateECDHKeyPair()
	if err != nil {
		return nil, err
	}

	var resp handshakeResponse
	body := map[string]string{
		"userId":          userID,
		"clientPublicKey": kp.PublicKeyBase64(),
	}
	if err := c.post(ctx, "/key/dashboard/generate", body, &resp); err != nil {
		return nil, err
	}

	key, err := kp.DeriveSessionKey(resp.PublicKey, c.kdf)
	if err != nil {
		return nil, fmt.Errorf("deriving session key: %w", err)
	}
	expiresAt, err := resp.expiresAt()
	if err != nil {
		return nil, err
	}
	return &DashboardResult{
		Key:         key,
		HandshakeID: resp.HandshakeID,
		ExpiresAt:   expiresAt,
	}, nil
}
