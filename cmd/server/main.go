// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"session-key-service/config"
	"session-key-service/internal/domain"
	"session-key-service/internal/handler"
	"session-key-service/internal/infra"
	"session-key-service/internal/keyexchange"
	"session-key-service/internal/middleware"
	"session-key-service/internal/repository"
	"session-key-service/internal/usecase"
	"session-key-service/migrations"
	"session-key-service/pkg/envelope"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}

	// トレーサー初期化（ロガー設定の前に実行）
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		return err
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	infra.SetupLogger(cfg)

	db, err := infra.NewDB(cfg.DatabaseURL, cfg)
	if err != nil {
		return err
	}

	if cfg.AutoMigrate {
		migrationService := usecase.NewMigrationService(repository.NewMigrationRepository(db), db, migrations.FS)
		applied, err := migrationService.ApplyMigrations(ctx)
		if err != nil {
			return err
		}
		slog.Info("migrations checked", "applied", applied)
	}

	// 暗号パラメータ
	oaepHash, err := keyexchange.ParseOAEPHash(cfg.RSAOAEPHash)
	if err != nil {
		return err
	}
	kdf, err := keyexchange.ParseKDF(cfg.ECDHKDF)
	if err != nil {
		return err
	}
	mobileCodec, err := envelope.NewCodec(cfg.MobileNonceSize)
	if err != nil {
		return err
	}
	dashboardCodec, err := envelope.NewCodec(cfg.DashboardNonceSize)
	if err != nil {
		return err
	}

	// 保存時の鍵素材暗号化（任意）
	storeOpts := []usecase.KeyStoreOption{}
	if cfg.KMSKeyName != "" {
		kmsClient, err := infra.NewKMSClient(ctx, cfg.KMSKeyName)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := kmsClient.Close(); closeErr != nil {
				slog.Error("failed to close KMS client", "error", closeErr)
			}
		}()
		storeOpts = append(storeOpts, usecase.WithKeyWrapper(kmsClient))
	}

	pool := infra.NewCryptoPool(cfg.CryptoWorkers)
	defer pool.Stop()

	// DI
	store := usecase.NewKeyStore(repository.NewSessionKeyRepository(db), storeOpts...)
	service := usecase.NewHandshakeService(store, pool, usecase.HandshakeConfig{
		RSABits:  cfg.RSAKeyBits,
		OAEPHash: oaepHash,
		KDF:      kdf,
	})
	identity := middleware.NewIdentityResolver(cfg.JWTSecret)
	router := handler.NewRouter(handler.Routes{
		Keys:             handler.NewKeyHandler(service),
		Session:          handler.NewSessionHandler(),
		SessionGate:      middleware.NewSession(store, identity, mobileCodec, domain.NamespaceSession),
		RegistrationGate: middleware.NewSession(store, identity, mobileCodec, domain.NamespaceRegistration),
		DashboardGate:    middleware.NewSession(store, identity, dashboardCodec, domain.NamespaceSession),
	}, cfg)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		<-sigCh

		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server",
		"port", cfg.Port,
		"oaep_hash", string(oaepHash),
		"kdf", kdf.Name(),
		"mobile_nonce_size", mobileCodec.NonceSize(),
		"dashboard_nonce_size", dashboardCodec.NonceSize(),
		"kms", cfg.KMSKeyName != "",
	)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	slog.Info("server stopped")
	return nil
}
