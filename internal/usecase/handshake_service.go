package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"session-key-service/internal/domain"
	"session-key-service/internal/keyexchange"
)

// KeyMaterialStore は鍵素材ストアのインターフェース。
type KeyMaterialStore interface {
	GetSymmetricKey(ctx context.Context, userID string) (string, bool, error)
	PutSymmetricKey(ctx context.Context, userID, key, handshakeID string) (time.Time, error)
	GetKeyPair(ctx context.Context, userID string) (domain.PendingKeyPair, bool, error)
	PutKeyPair(ctx context.Context, userID string, pair domain.PendingKeyPair) (time.Time, error)
}

// CryptoRunner はCPU負荷の高い暗号処理を実行する。
type CryptoRunner interface {
	Run(ctx context.Context, task func() error) error
}

type inlineRunner struct{}

func (inlineRunner) Run(ctx context.Context, task func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return task()
}

// HandshakeConfig はハンドシェイクの暗号パラメータ。
type HandshakeConfig struct {
	RSABits  int
	OAEPHash keyexchange.OAEPHash
	KDF      keyexchange.KDF
}

// HandshakeService はセッション鍵確立のビジネスロジックを提供する。
//
// RSA鍵輸送（モバイル、登録/既存ユーザーの2名前空間）とECDH（ダッシュボード）の
// どちらも最終的に KeyMaterialStore.PutSymmetricKey に収束する。
// 状態はすべてストアを経由し、プロセス内には保持しない。
type HandshakeService struct {
	store  KeyMaterialStore
	runner CryptoRunner
	cfg    HandshakeConfig
}

// NewHandshakeService は新しいHandshakeServiceを生成する。runner が nil の場合は同期実行する。
func NewHandshakeService(store KeyMaterialStore, runner CryptoRunner, cfg HandshakeConfig) *HandshakeService {
	if runner == nil {
		runner = inlineRunner{}
	}
	if cfg.RSABits == 0 {
		cfg.RSABits = keyexchange.MinRSABits
	}
	if cfg.OAEPHash == "" {
		cfg.OAEPHash = keyexchange.OAEPSHA1
	}
	if cfg.KDF == nil {
		cfg.KDF = keyexchange.RawKDF{}
	}
	return &HandshakeService{
		store:  store,
		runner: runner,
		cfg:    cfg,
	}
}

// IssuePublicKey はRSA鍵ペアを生成して保存し、公開鍵（PEM）とハンドシェイクIDを返す。
// IDは鍵ペアと一緒に保存され、AcceptSymmetricKey で照合される。
// 同じ識別子で再度呼ばれると鍵ペアは上書きされ、進行中のハンドシェイクは無効になる。
func (s *HandshakeService) IssuePublicKey(ctx context.Context, ns domain.Namespace, userID string) (*domain.HandshakeResult, error) {
	if err := validateHandshakeTarget(ns, userID); err != nil {
		return nil, err
	}

	var serialized, publicKey string
	err := s.runner.Run(ctx, func() error {
		kp, err := keyexchange.GenerateRSAKeyPair(s.cfg.RSABits)
		if err != nil {
			return err
		}
		if serialized, err = kp.Marshal(); err != nil {
			return err
		}
		publicKey, err = kp.PublicKeyPEM()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}

	handshakeID := uuid.NewString()
	expiresAt, err := s.store.PutKeyPair(ctx, ns.StorageID(userID), domain.PendingKeyPair{
		HandshakeID: handshakeID,
		Serialized:  serialized,
	})
	if err != nil {
		return nil, fmt.Errorf("storing key pair: %w", err)
	}

	return &domain.HandshakeResult{
		HandshakeID: handshakeID,
		UserID:      userID,
		PublicKey:   publicKey,
		ExpiresAt:   expiresAt,
	}, nil
}

// AcceptSymmetricKey はRSA-OAEPで暗号化されたセッション鍵を受け取り、復号して保存する。
// handshakeID が指定され、保存中の鍵ペアのIDと一致しない場合は、より新しい IssuePublicKey に
// 置き換えられたものとして ErrHandshakeFailed を返す。結果には鍵ペア発行時のIDが入る。
func (s *HandshakeService) AcceptSymmetricKey(ctx context.Context, ns domain.Namespace, userID, handshakeID, encryptedKey string) (*domain.HandshakeResult, error) {
	if err := validateHandshakeTarget(ns, userID); err != nil {
		return nil, err
	}
	if encryptedKey == "" {
		return nil, domain.ErrInvalidRequest
	}

	storageID := ns.StorageID(userID)
	pending, ok, err := s.store.GetKeyPair(ctx, storageID)
	if err != nil {
		return nil, fmt.Errorf("loading key pair: %w", err)
	}
	if !ok {
		return nil, domain.ErrHandshakeExpired
	}
	if handshakeID != "" && pending.HandshakeID != "" && handshakeID != pending.HandshakeID {
		slog.WarnContext(ctx, "handshake superseded",
			"user_id", userID,
			"handshake_id", handshakeID,
			"current_handshake_id", pending.HandshakeID,
		)
		return nil, domain.ErrHandshakeFailed
	}
	if pending.HandshakeID != "" {
		handshakeID = pending.HandshakeID
	}

	var symmetricKey string
	err = s.runner.Run(ctx, func() error {
		kp, err := keyexchange.ParseRSAKeyPair(pending.Serialized)
		if err != nil {
			return err
		}
		symmetricKey, err = kp.UnwrapSymmetricKey(encryptedKey, s.cfg.OAEPHash)
		return err
	})
	if err != nil {
		if errors.Is(err, keyexchange.ErrUnwrap) || errors.Is(err, keyexchange.ErrInvalidKeyPair) {
			return nil, domain.ErrHandshakeFailed
		}
		return nil, err
	}

	expiresAt, err := s.store.PutSymmetricKey(ctx, storageID, symmetricKey, handshakeID)
	if err != nil {
		return nil, fmt.Errorf("storing session key: %w", err)
	}

	return &domain.HandshakeResult{
		HandshakeID: handshakeID,
		UserID:      userID,
		ExpiresAt:   expiresAt,
	}, nil
}

// ExchangeDashboardKey はクライアントのP-256公開鍵とECDHを行い、導出した鍵を保存する。
// サーバー側の鍵ペアは毎回使い捨てる。
func (s *HandshakeService) ExchangeDashboardKey(ctx context.Context, userID, clientPublicKey string) (*domain.HandshakeResult, error) {
	if err := domain.ValidateUserID(userID); err != nil {
		return nil, err
	}
	if clientPublicKey == "" {
		return nil, domain.ErrInvalidRequest
	}

	var serverPublicKey, sessionKey string
	err := s.runner.Run(ctx, func() error {
		kp, err := keyexchange.GenerateECDHKeyPair()
		if err != nil {
			return err
		}
		sessionKey, err = kp.DeriveSessionKey(clientPublicKey, s.cfg.KDF)
		if err != nil {
			return err
		}
		serverPublicKey = kp.PublicKeyBase64()
		return nil
	})
	if err != nil {
		if errors.Is(err, keyexchange.ErrInvalidPublicKey) {
			return nil, domain.ErrHandshakeFailed
		}
		return nil, err
	}

	handshakeID := uuid.NewString()
	expiresAt, err := s.store.PutSymmetricKey(ctx, domain.NamespaceSession.StorageID(userID), sessionKey, handshakeID)
	if err != nil {
		return nil, fmt.Errorf("storing session key: %w", err)
	}

	return &domain.HandshakeResult{
		HandshakeID: handshakeID,
		UserID:      userID,
		PublicKey:   serverPublicKey,
		ExpiresAt:   expiresAt,
	}, nil
}

func validateHandshakeTarget(ns domain.Namespace, userID string) error {
	if !ns.IsValid() {
		return fmt.Errorf("unknown namespace %q", ns)
	}
	return domain.ValidateUserID(userID)
}
