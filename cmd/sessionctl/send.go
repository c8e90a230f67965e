package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"session-key-service/pkg/envelope"
)

// sendCmd は確立済みの鍵でセッション保護ルートを呼び出す。
func sendCmd() *cobra.Command {
	var (
		id        string
		key       string
		path      string
		data      string
		nonceSize int
		namespace string
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Call a session-protected route with an encrypted payload",
		RunE: func(cmd *cobra.Command, args []string) error {
			ns, err := namespaceFor(namespace)
			if err != nil {
				return err
			}
			in, err := readPayload(cmd.InOrStdin(), data)
			if err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			sess, err := c.NewSession(ns, id, key, nonceSize)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			var out json.RawMessage
			if err := sess.Do(ctx, path, in, &out); err != nil {
				return handleError(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "user", "", "User ID, or email for the registration namespace (required)")
	cmd.Flags().StringVar(&key, "key", os.Getenv("SESSIONCTL_KEY"), "Session key as 64 hex chars (or set SESSIONCTL_KEY)")
	cmd.Flags().StringVar(&path, "path", "/session/echo", "Protected route path")
	cmd.Flags().StringVar(&data, "data", "", "JSON payload, or - to read stdin")
	cmd.Flags().IntVar(&nonceSize, "nonce-size", envelope.DefaultNonceSize, "Envelope nonce size: 16, or 12 for legacy channels")
	cmd.Flags().StringVar(&namespace, "namespace", "session", "Key namespace: session, reg")
	cmd.MarkFlagRequired("user")
	return cmd
}

// sealCmd はオフラインでエンベロープを生成する。
func sealCmd() *cobra.Command {
	var (
		key       string
		data      string
		nonceSize int
	)
	cmd := &cobra.Command{
		Use:   "seal",
		Short: "Encrypt a JSON value into an envelope token",
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := readPayload(cmd.InOrStdin(), data)
			if err != nil {
				return err
			}
			codec, err := envelope.NewCodec(nonceSize)
			if err != nil {
				return err
			}
			token, err := codec.SealBytes(in, key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", os.Getenv("SESSIONCTL_KEY"), "Session key as 64 hex chars (or set SESSIONCTL_KEY)")
	cmd.Flags().StringVar(&data, "data", "", "JSON payload, or - to read stdin")
	cmd.Flags().IntVar(&nonceSize, "nonce-size", envelope.DefaultNonceSize, "Envelope nonce size: 16 or 12")
	return cmd
}

// openCmd はオフラインでエンベロープを復号する。
func openCmd() *cobra.Command {
	var (
		key       string
		nonceSize int
	)
	cmd := &cobra.Command{
		Use:   "open TOKEN",
		Short: "Decrypt an envelope token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			codec, err := envelope.NewCodec(nonceSize)
			if err != nil {
				return err
			}
			var out json.RawMessage
			if err := codec.Open(args[0], key, &out); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", os.Getenv("SESSIONCTL_KEY"), "Session key as 64 hex chars (or set SESSIONCTL_KEY)")
	cmd.Flags().IntVar(&nonceSize, "nonce-size", envelope.DefaultNonceSize, "Envelope nonce size: 16 or 12")
	return cmd
}

// readPayload は --data の値（- の場合は標準入力）をJSONとして検証して返す。
func readPayload(stdin io.Reader, data string) (json.RawMessage, error) {
	raw := []byte(data)
	if data == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		raw = b
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("--data must be valid JSON")
	}
	return json.RawMessage(raw), nil
}
