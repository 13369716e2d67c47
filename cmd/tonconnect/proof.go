package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bhandras/tonconnect/internal/config"
	"github.com/bhandras/tonconnect/internal/crypto"
	"github.com/bhandras/tonconnect/internal/server"
	"github.com/bhandras/tonconnect/pkg/tonproof"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var errNoProofSecret = errors.New("proof.secret is not configured")

func proofCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proof",
		Short: "Issue challenges and check ton_proof replies",
	}

	payload := &cobra.Command{
		Use:   "payload",
		Short: "Print a fresh challenge for connect --proof-payload",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Proof.Secret == "" {
				return errNoProofSecret
			}
			p, err := tonproof.CreatePayload([]byte(cfg.Proof.Secret), cfg.Proof.PayloadTTL)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), p)
			return nil
		},
	}

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Verify the ton_proof of the stored connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := openSession(ctx, true)
			if err != nil {
				return err
			}
			defer s.close()

			w := s.conn.Wallet()
			if w.TonProof == nil {
				return errors.New("the wallet did not return a ton_proof, connect with --proof-payload")
			}
			if cfg.Proof.Secret != "" {
				if err := tonproof.VerifyPayload([]byte(cfg.Proof.Secret), w.TonProof.Payload); err != nil {
					return err
				}
			}

			proof := tonproof.TonProof{
				Address:         w.Account.Address,
				Network:         w.Account.Network,
				PublicKey:       w.Account.PublicKey,
				WalletStateInit: w.Account.WalletStateInit,
				Proof:           *w.TonProof,
			}
			if err := proof.Verify(ctx, tonproof.VerifyOptions{
				AllowedDomains: cfg.Proof.Domains,
				ValidAuthTime:  cfg.Proof.ValidAuthTime,
			}); err != nil {
				return err
			}
			color.New(color.FgGreen, color.Bold).Fprintf(cmd.OutOrStdout(),
				"Proof for %s is valid.\n", w.Account.Address)
			return nil
		},
	}

	cmd.AddCommand(payload, verify)
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ton_proof backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Proof.Secret == "" {
				return errNoProofSecret
			}
			jwtManager, err := crypto.NewJWTManager(cfg.Server.JWTSecret, cfg.Server.TokenTTL)
			if err != nil {
				return fmt.Errorf("server.jwt_secret: %w", err)
			}

			srv, err := server.New(server.Config{
				ProofSecret: []byte(cfg.Proof.Secret),
				PayloadTTL:  cfg.Proof.PayloadTTL,
				Verify: tonproof.VerifyOptions{
					AllowedDomains: cfg.Proof.Domains,
					ValidAuthTime:  cfg.Proof.ValidAuthTime,
				},
				AllowedOrigins: cfg.Server.AllowedOrigins,
			}, jwtManager)
			if err != nil {
				return err
			}

			if addr == "" {
				addr = cfg.Server.Addr
			}
			return srv.Run(cmd.Context(), addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the current configuration to a file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(cfg.Home, "tonconnect.yaml")
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists, use --force to overwrite", path)
			}
			if err := cfg.Save(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (storage: %s)\n", path, storageLabel(cfg))
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	cmd.AddCommand(initCmd)
	return cmd
}

func storageLabel(c *config.Config) string {
	if c.Storage.Kind == config.StorageMemory {
		return c.Storage.Kind
	}
	return c.Storage.Kind + " at " + c.StoragePath()
}
