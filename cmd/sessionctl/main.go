// Package main はCLIツールのエントリポイント。
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"session-key-service/pkg/client"
)

const version = "1.0.0"

var (
	apiURL   string
	output   string
	timeout  time.Duration
	oaepHash string
	kdfName  string
)

func main() {
	// .envファイルを読み込む（存在しない場合は無視）
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sessionctl",
		Short: "Session Key Service CLI",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if apiURL == "" {
				apiURL = os.Getenv("SESSIONCTL_API_URL")
			}
		},
		SilenceUsage: true,
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API endpoint URL (or set SESSIONCTL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")
	rootCmd.PersistentFlags().StringVar(&oaepHash, "oaep-hash", "sha1", "RSA-OAEP hash: sha1, sha256 (must match the server)")
	rootCmd.PersistentFlags().StringVar(&kdfName, "kdf", "raw", "ECDH key derivation: raw, hkdf-sha256 (must match the server)")

	// サブコマンド登録
	rootCmd.AddCommand(handshakeCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(sealCmd())
	rootCmd.AddCommand(openCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sessionctl version %s\n", version)
		},
	}
}

// newClient はグローバルフラグからAPIクライアントを組み立てる。
func newClient() (*client.Client, error) {
	if apiURL == "" {
		return nil, fmt.Errorf("--api-url is required (or set SESSIONCTL_API_URL)")
	}
	return client.New(apiURL,
		client.WithHTTPClient(&http.Client{Timeout: timeout}),
		client.WithOAEPHash(oaepHash),
		client.WithKDF(kdfName),
	)
}

// namespaceFor は --namespace フラグの値を解釈する。
func namespaceFor(name string) (client.Namespace, error) {
	switch name {
	case "", "session":
		return client.Returning, nil
	case "reg", "registration":
		return client.Registration, nil
	default:
		return "", fmt.Errorf("unknown namespace %q (session | reg)", name)
	}
}

// printJSON は --output json 用の出力。
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// handleError はAPIエラーをCLI向けのメッセージに変換する。
func handleError(err error) error {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Message != "" {
			return fmt.Errorf("Error: %s", apiErr.Message)
		}
		return fmt.Errorf("Error: server returned status %d", apiErr.Status)
	}
	return fmt.Errorf("API request failed: %w", err)
}
