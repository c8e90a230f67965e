package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"session-key-service/pkg/client"
)

type handshakeOutput struct {
	Namespace   string `json:"namespace"`
	ID          string `json:"id"`
	Key         string `json:"key"`
	HandshakeID string `json:"handshakeId"`
	ExpiresAt   string `json:"expiresAt"`
}

// handshakeCmd はハンドシェイクを実行してセッション鍵を表示する。
func handshakeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handshake",
		Short: "Establish a session key with the service",
	}
	cmd.AddCommand(rsaHandshakeCmd("mobile", "user", "Returning user handshake (RSA key transport)", client.Returning))
	cmd.AddCommand(rsaHandshakeCmd("register", "email", "Registration handshake (RSA key transport)", client.Registration))
	cmd.AddCommand(dashboardHandshakeCmd())
	return cmd
}

func rsaHandshakeCmd(use, idFlag, short string, ns client.Namespace) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			hs, err := c.StartRSAHandshake(ctx, ns, id)
			if err != nil {
				return handleError(err)
			}
			key, err := hs.Complete(ctx)
			if err != nil {
				return handleError(err)
			}
			return printHandshake(cmd, handshakeOutput{
				Namespace:   string(ns),
				ID:          id,
				Key:         key,
				HandshakeID: hs.HandshakeID,
				ExpiresAt:   hs.ExpiresAt.Format(time.RFC3339),
			})
		},
	}
	cmd.Flags().StringVar(&id, idFlag, "", "Identifier (required)")
	cmd.MarkFlagRequired(idFlag)
	return cmd
}

func dashboardHandshakeCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Dashboard handshake (ECDH P-256)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			result, err := c.DashboardHandshake(ctx, userID)
			if err != nil {
				return handleError(err)
			}
			return printHandshake(cmd, handshakeOutput{
				Namespace:   string(client.Returning),
				ID:          userID,
				Key:         result.Key,
				HandshakeID: result.HandshakeID,
				ExpiresAt:   result.ExpiresAt.Format(time.RFC3339),
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User ID (required)")
	cmd.MarkFlagRequired("user")
	return cmd
}

func printHandshake(cmd *cobra.Command, out handshakeOutput) error {
	if output == "json" {
		return printJSON(cmd.OutOrStdout(), out)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Established %s key for %q\n", out.Namespace, out.ID)
	fmt.Fprintf(w, "  key:          %s\n", out.Key)
	fmt.Fprintf(w, "  handshake id: %s\n", out.HandshakeID)
	fmt.Fprintf(w, "  expires at:   %s\n", out.ExpiresAt)
	return nil
}
