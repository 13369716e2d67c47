package main

import (
	"fmt"
	"io"

	"github.com/bhandras/tonconnect/pkg/logger"
	"github.com/bhandras/tonconnect/pkg/wallets"
	"github.com/bhandras/tonconnect/pkg/wire"
	"github.com/bhandras/tonconnect/sdk"
	"github.com/fatih/color"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
)

func connectCmd() *cobra.Command {
	var (
		walletName   string
		proofPayload string
		network      string
		noQR         bool
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect a wallet and wait for approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			registry := newRegistry(cfg)
			defer registry.Close()

			w, err := registry.Wallet(ctx, walletName)
			if err != nil {
				return err
			}
			source, ok := w.Source()
			if !ok {
				return fmt.Errorf("wallet %q has no http bridge", walletName)
			}

			s, err := openSession(ctx, false)
			if err != nil {
				return err
			}
			defer s.close()

			link, err := s.conn.Connect(ctx, source, sdk.ConnectOptions{
				ProofPayload: proofPayload,
				Network:      wire.Network(network),
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			color.New(color.FgCyan, color.Bold).Fprintf(out, "Open in %s:\n", w.Name)
			fmt.Fprintln(out, link)
			if !noQR {
				printQR(out, link)
			}
			fmt.Fprintln(out, "Waiting for wallet approval...")

			wallet, err := s.conn.WaitConnect(ctx)
			if err != nil {
				if dropErr := s.conn.DropConnect(ctx); dropErr != nil {
					logger.Debugf("drop connect: %v", dropErr)
				}
				return err
			}
			printWallet(out, wallet)
			return nil
		},
	}

	cmd.Flags().StringVarP(&walletName, "wallet", "w", "tonkeeper", "wallet app name from the registry")
	cmd.Flags().StringVar(&proofPayload, "proof-payload", "", "request a ton_proof over this challenge")
	cmd.Flags().StringVar(&network, "network", "", "required network (-239 mainnet, -3 testnet)")
	cmd.Flags().BoolVar(&noQR, "no-qr", false, "do not render the link as a QR code")
	return cmd
}

func restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Show the stored connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer s.close()

			printWallet(cmd.OutOrStdout(), s.conn.Wallet())
			return nil
		},
	}
}

func disconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Disconnect the wallet and forget the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.conn.Disconnect(cmd.Context()); err != nil {
				// Local state is gone either way.
				logger.Warnf("wallet was not notified: %v", err)
			}
			color.New(color.FgYellow).Fprintln(cmd.OutOrStdout(), "Disconnected.")
			return nil
		},
	}
}

func walletsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wallets",
		Short: "List wallets with an HTTP bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := newRegistry(cfg)
			defer registry.Close()

			list, err := registry.Wallets(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			name := color.New(color.FgGreen).SprintFunc()
			for _, w := range list {
				src, ok := w.Source()
				if !ok {
					continue
				}
				fmt.Fprintf(out, "%-20s %s\n", name(w.AppName), src.BridgeURL)
			}
			fmt.Fprintf(out, "\n%d distinct bridges\n", len(wallets.Sources(list)))
			return nil
		},
	}
}

func printQR(out io.Writer, link string) {
	qr, err := qrcode.New(link, qrcode.Medium)
	if err != nil {
		logger.Warnf("failed to render QR code: %v", err)
		return
	}
	fmt.Fprintln(out, qr.ToSmallString(false))
}

func printWallet(out io.Writer, w *sdk.Wallet) {
	if w == nil {
		return
	}
	label := color.New(color.Bold).SprintFunc()

	color.New(color.FgGreen, color.Bold).Fprintln(out, "Connected.")
	fmt.Fprintf(out, "%s %s\n", label("Address:"), w.Account.Address)
	fmt.Fprintf(out, "%s %s\n", label("Network:"), w.Account.Network)
	fmt.Fprintf(out, "%s %s %s (%s)\n", label("Wallet: "), w.Device.AppName, w.Device.AppVersion, w.Device.Platform)
	if w.TonProof != nil {
		fmt.Fprintf(out, "%s signed at %d for %s\n", label("Proof:  "), w.TonProof.Timestamp, w.TonProof.Domain.Value)
	}
}
