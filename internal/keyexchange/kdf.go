package keyexchange

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// KDF はECDHの共有秘密からセッション鍵（16進64文字）を導出する。
type KDF interface {
	Name() string
	Derive(sharedSecret []byte) (string, error)
}

// RawKDF は共有秘密をそのままセッション鍵として使う。
// 既存のダッシュボードクライアントとの互換のために残している。
type RawKDF struct{}

// Name はKDF名を返す。
func (RawKDF) Name() string { return "raw" }

// Derive は共有秘密をそのまま16進化する。
func (RawKDF) Derive(sharedSecret []byte) (string, error) {
	if len(sharedSecret) != symmetricKeySize {
		return "", fmt.Errorf("raw KDF requires %d-byte secret, got %d", symmetricKeySize, len(sharedSecret))
	}
	return hex.EncodeToString(sharedSecret), nil
}

// HKDFSHA256 はHKDF-SHA256でセッション鍵を導出する。
type HKDFSHA256 struct {
	Salt []byte
	Info []byte
}

// DefaultHKDFInfo はHKDFのinfoの既定値。
var DefaultHKDFInfo = []byte("session-key-service/ecdh/v1")

// Name はKDF名を返す。
func (HKDFSHA256) Name() string { return "hkdf-sha256" }

// Derive は共有秘密から32バイトの鍵を導出する。
func (k HKDFSHA256) Derive(sharedSecret []byte) (string, error) {
	info := k.Info
	if info == nil {
		info = DefaultHKDFInfo
	}
	out := make([]byte, symmetricKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sharedSecret, k.Salt, info), out); err != nil {
		return "", fmt.Errorf("deriving key: %w", err)
	}
	return hex.EncodeToString(out), nil
}

// ParseKDF は設定値からKDFを得る。
func ParseKDF(name string) (KDF, error) {
	switch strings.ToLower(name) {
	case "", "raw":
		return RawKDF{}, nil
	case "hkdf-sha256", "hkdf":
		return HKDFSHA256{}, nil
	}
	return nil, fmt.Errorf("unsupported KDF %q", name)
}
