package keyexchange

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// ECDHKeyPair はP-256のエフェメラル鍵ペア。1回の交換ごとに生成し、保存しない。
type ECDHKeyPair struct {
	private *ecdh.PrivateKey
}

// GenerateECDHKeyPair はP-256（prime256v1）の鍵ペアを生成する。
func GenerateECDHKeyPair() (*ECDHKeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ECDH key: %w", err)
	}
	return &ECDHKeyPair{private: priv}, nil
}

// PublicKeyBase64 は非圧縮形式の公開鍵をbase64で返す。
func (kp *ECDHKeyPair) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(kp.private.PublicKey().Bytes())
}

// SharedSecret は相手のbase64公開鍵との共有秘密（x座標32バイト）を計算する。
func (kp *ECDHKeyPair) SharedSecret(peerPublicB64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(peerPublicB64))
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	peer, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	secret, err := kp.private.ECDH(peer)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	return secret, nil
}

// DeriveSessionKey は共有秘密を計算し、kdf でセッション鍵を導出する。
func (kp *ECDHKeyPair) DeriveSessionKey(peerPublicB64 string, kdf KDF) (string, error) {
	secret, err := kp.SharedSecret(peerPublicB64)
	if err != nil {
		return "", err
	}
	return kdf.Derive(secret)
}
