// Package keyexchange はセッション鍵確立のための非対称暗号プリミティブを提供する。
package keyexchange

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"hash"
	"strings"
)

// MinRSABits はサーバーが生成するRSA鍵の最小ビット長。
const MinRSABits = 2048

const symmetricKeySize = 32

var (
	// ErrUnwrap はRSA-OAEPで転送された鍵の復元に失敗した場合のエラー。
	// パディングオラクルを避けるため失敗理由は区別しない。
	ErrUnwrap = errors.New("keyexchange: unable to recover transported key")

	// ErrInvalidKeyPair は保存された鍵ペアが解釈できない場合のエラー。
	ErrInvalidKeyPair = errors.New("keyexchange: invalid stored key pair")

	// ErrInvalidPublicKey は相手の公開鍵が不正な場合のエラー。
	ErrInvalidPublicKey = errors.New("keyexchange: invalid public key")
)

// OAEPHash はRSA-OAEPで使うハッシュ関数名。
type OAEPHash string

const (
	// OAEPSHA1 はnode-forgeの既定（RSA-OAEP）に合わせたSHA-1。
	OAEPSHA1 OAEPHash = "sha1"
	// OAEPSHA256 はSHA-256。
	OAEPSHA256 OAEPHash = "sha256"
)

// ParseOAEPHash は設定値からOAEPHashを得る。
func ParseOAEPHash(s string) (OAEPHash, error) {
	switch OAEPHash(strings.ToLower(s)) {
	case OAEPSHA1:
		return OAEPSHA1, nil
	case OAEPSHA256:
		return OAEPSHA256, nil
	}
	return "", fmt.Errorf("unsupported OAEP hash %q", s)
}

func (h OAEPHash) new() hash.Hash {
	if h == OAEPSHA256 {
		return sha256.New()
	}
	return sha1.New()
}

// RSAKeyPair はサーバー側で一時的に保持するRSA鍵ペア。
type RSAKeyPair struct {
	private *rsa.PrivateKey
}

// GenerateRSAKeyPair は新しいRSA鍵ペアを生成する。
func GenerateRSAKeyPair(bits int) (*RSAKeyPair, error) {
	if bits < MinRSABits {
		return nil, fmt.Errorf("RSA key size %d is below minimum %d", bits, MinRSABits)
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generating RSA key: %w", err)
	}
	return &RSAKeyPair{private: priv}, nil
}

// ParseRSAKeyPair はMarshalで直列化された鍵ペアを復元する。
func ParseRSAKeyPair(serialized string) (*RSAKeyPair, error) {
	block, _ := pem.Decode([]byte(serialized))
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, ErrInvalidKeyPair
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, ErrInvalidKeyPair
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrInvalidKeyPair
	}
	return &RSAKeyPair{private: priv}, nil
}

// Marshal は鍵ペアをPKCS#8 PEMに直列化する（公開鍵は秘密鍵から導出できる）。
func (kp *RSAKeyPair) Marshal() (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(kp.private)
	if err != nil {
		return "", fmt.Errorf("marshaling private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// PublicKeyPEM は公開鍵をSPKI PEMで返す。
func (kp *RSAKeyPair) PublicKeyPEM() (string, error) {
	return MarshalRSAPublicKey(&kp.private.PublicKey)
}

// UnwrapSymmetricKey はbase64のRSA-OAEP暗号文からセッション鍵を復元し、16進小文字で返す。
// 平文は生の32バイト、または64文字の16進表現のどちらでもよい。
func (kp *RSAKeyPair) UnwrapSymmetricKey(encryptedB64 string, h OAEPHash) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encryptedB64))
	if err != nil {
		return "", ErrUnwrap
	}
	plaintext, err := rsa.DecryptOAEP(h.new(), rand.Reader, kp.private, ciphertext, nil)
	if err != nil {
		return "", ErrUnwrap
	}
	return normalizeSymmetricKey(plaintext)
}

func normalizeSymmetricKey(plaintext []byte) (string, error) {
	switch len(plaintext) {
	case symmetricKeySize:
		return hex.EncodeToString(plaintext), nil
	case symmetricKeySize * 2:
		s := strings.ToLower(string(plaintext))
		if _, err := hex.DecodeString(s); err != nil {
			return "", ErrUnwrap
		}
		return s, nil
	}
	return "", ErrUnwrap
}

// MarshalRSAPublicKey は公開鍵をSPKI PEMに直列化する。
func MarshalRSAPublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshaling public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ParseRSAPublicKey はSPKI PEMの公開鍵を読み込む。
func ParseRSAPublicKey(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, ErrInvalidPublicKey
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, ErrInvalidPublicKey
	}
	return pub, nil
}

// WrapSymmetricKey はクライアント側の処理で、生の鍵をRSA-OAEPで暗号化してbase64で返す。
func WrapSymmetricKey(pub *rsa.PublicKey, key []byte, h OAEPHash) (string, error) {
	ciphertext, err := rsa.EncryptOAEP(h.new(), rand.Reader, pub, key, nil)
	if err != nil {
		return "", fmt.Errorf("encrypting key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}
