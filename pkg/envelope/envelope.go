// Package envelope はセッション鍵によるペイロードの認証付き暗号化（AES-256-GCM）を提供する。
//
// トークン形式: base64( iv || ciphertext || tag )
// iv はチャネルごとに固定長、tag は常に16バイト。長さプレフィックスは持たない。
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// KeySize はセッション鍵のバイト長（AES-256）。
	KeySize = 32
	// KeyHexLen はセッション鍵の16進表現の文字数。
	KeyHexLen = KeySize * 2
	// TagSize はGCM認証タグのバイト長。
	TagSize = 16
	// DefaultNonceSize は既定のnonce長。
	DefaultNonceSize = 16
	// LegacyNonceSize はnode-forge製モバイルクライアントが使うnonce長。
	LegacyNonceSize = 12
)

var (
	// ErrKeyFormat は鍵が64文字の16進文字列でない場合のエラー。
	ErrKeyFormat = errors.New("envelope: key must be 64 hex characters")

	// ErrAuthentication はトークンの認証に失敗した場合のエラー。
	// 形式不正とタグ不一致を区別しない。
	ErrAuthentication = errors.New("envelope: message authentication failed")

	// ErrPayload は認証済み平文がJSONとして解釈できない場合のエラー。
	ErrPayload = errors.New("envelope: payload is not valid JSON")

	// ErrNonceSize はサポート外のnonce長が指定された場合のエラー。
	ErrNonceSize = errors.New("envelope: unsupported nonce size")
)

// Codec は固定nonce長のエンベロープ符号化器。
// ゼロ値は使用できない。NewCodec で生成する。
type Codec struct {
	nonceSize int
	rand      io.Reader
}

// NewCodec は指定したnonce長のCodecを生成する。
// 両端で同じ長さを使う必要がある。12 または 16 のみ受け付ける。
func NewCodec(nonceSize int) (*Codec, error) {
	if nonceSize != LegacyNonceSize && nonceSize != DefaultNonceSize {
		return nil, fmt.Errorf("%w: %d", ErrNonceSize, nonceSize)
	}
	return &Codec{nonceSize: nonceSize, rand: rand.Reader}, nil
}

// NonceSize はこのCodecのnonce長を返す。
func (c *Codec) NonceSize() int {
	return c.nonceSize
}

// ParseKey は16進表現の鍵を検証してバイト列に変換する。
func ParseKey(keyHex string) ([]byte, error) {
	if len(keyHex) != KeyHexLen {
		return nil, ErrKeyFormat
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, ErrKeyFormat
	}
	return key, nil
}

// Seal は任意の値をJSONに直列化して暗号化し、トークンを返す。
func (c *Codec) Seal(v any, keyHex string) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshaling payload: %w", err)
	}
	return c.SealBytes(plaintext, keyHex)
}

// Open はトークンを復号し、JSONとして v にデコードする。
func (c *Codec) Open(token, keyHex string, v any) error {
	plaintext, err := c.OpenBytes(token, keyHex)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, v); err != nil {
		return ErrPayload
	}
	return nil
}

// SealBytes は平文バイト列を暗号化する。
func (c *Codec) SealBytes(plaintext []byte, keyHex string) (string, error) {
	nonce := make([]byte, c.nonceSize)
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	return c.sealWithNonce(plaintext, keyHex, nonce)
}

func (c *Codec) sealWithNonce(plaintext []byte, keyHex string, nonce []byte) (string, error) {
	aead, err := c.aead(keyHex)
	if err != nil {
		return "", err
	}

	// Seal は ciphertext || tag を返すので nonce の後ろに連結する
	out := make([]byte, 0, len(nonce)+len(plaintext)+TagSize)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// OpenBytes はトークンを復号して平文バイト列を返す。
func (c *Codec) OpenBytes(token, keyHex string) ([]byte, error) {
	aead, err := c.aead(keyHex)
	if err != nil {
		return nil, err
	}

	raw, err := decodeToken(token)
	if err != nil || len(raw) < c.nonceSize+TagSize {
		return nil, ErrAuthentication
	}

	nonce := raw[:c.nonceSize]
	plaintext, err := aead.Open(nil, nonce, raw[c.nonceSize:], nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

func (c *Codec) aead(keyHex string) (cipher.AEAD, error) {
	key, err := ParseKey(keyHex)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrKeyFormat
	}
	aead, err := cipher.NewGCMWithNonceSize(block, c.nonceSize)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return aead, nil
}

// decodeToken はパディング有無どちらのbase64も受け付ける。
func decodeToken(token string) ([]byte, error) {
	if raw, err := base64.StdEncoding.DecodeString(token); err == nil {
		return raw, nil
	}
	return base64.RawStdEncoding.DecodeString(token)
}
