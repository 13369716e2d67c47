package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bhandras/tonconnect/pkg/tonproof"
	"github.com/bhandras/tonconnect/pkg/wire"
	"github.com/bhandras/tonconnect/sdk"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/ton/wallet"
	"github.com/xssnick/tonutils-go/tvm/cell"
)

func sendTxCmd() *cobra.Command {
	var (
		to       string
		amount   string
		comment  string
		validFor time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send-tx",
		Short: "Ask the wallet to send TON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			tx, err := buildTransfer(to, amount, comment, time.Now().Add(validFor))
			if err != nil {
				return err
			}

			s, err := openSession(ctx, true)
			if err != nil {
				return err
			}
			defer s.close()

			id, err := s.conn.SendTransaction(ctx, tx, 0)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Request %s sent, confirm it in the wallet...\n", id)

			res, err := s.conn.WaitTransaction(ctx, id)
			if err != nil {
				return describeRequestError(err)
			}
			color.New(color.FgGreen, color.Bold).Fprintln(cmd.OutOrStdout(), "Transaction signed.")
			fmt.Fprintln(cmd.OutOrStdout(), res.BOC)
			return nil
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "destination address")
	cmd.Flags().StringVar(&amount, "amount", "", "amount in TON, e.g. 0.05")
	cmd.Flags().StringVar(&comment, "comment", "", "optional text comment")
	cmd.Flags().DurationVar(&validFor, "valid-for", 5*time.Minute, "how long the wallet may accept the request")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

// buildTransfer makes a single-message transaction paying amount TON to to.
func buildTransfer(to, amount, comment string, validUntil time.Time) (wire.Transaction, error) {
	addr, err := tonproof.ParseAddress(to)
	if err != nil {
		return wire.Transaction{}, fmt.Errorf("invalid destination: %w", err)
	}
	coins, err := tlb.FromTON(amount)
	if err != nil {
		return wire.Transaction{}, fmt.Errorf("invalid amount: %w", err)
	}

	msg := wire.Message{
		Address: addr.String(),
		Amount:  coins.Nano().String(),
	}
	if comment != "" {
		body, err := wallet.CreateCommentCell(comment)
		if err != nil {
			return wire.Transaction{}, fmt.Errorf("encode comment: %w", err)
		}
		msg.Payload = base64.StdEncoding.EncodeToString(body.ToBOC())
	}

	return wire.Transaction{
		ValidUntil: validUntil.Unix(),
		Messages:   []wire.Message{msg},
	}, nil
}

func signDataCmd() *cobra.Command {
	var (
		text    string
		binFile string
		cellBOC string
		schema  string
	)

	cmd := &cobra.Command{
		Use:   "sign-data",
		Short: "Ask the wallet to sign text, bytes or a cell",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			payload, err := buildSignData(text, binFile, cellBOC, schema)
			if err != nil {
				return err
			}

			s, err := openSession(ctx, true)
			if err != nil {
				return err
			}
			defer s.close()

			id, err := s.conn.SignData(ctx, payload, 0)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Request %s sent, confirm it in the wallet...\n", id)

			res, err := s.conn.WaitSignData(ctx, id)
			if err != nil {
				return describeRequestError(err)
			}

			account, _ := s.conn.Account()
			signed := tonproof.SignedData{
				Result:          *res,
				PublicKey:       account.PublicKey,
				WalletStateInit: account.WalletStateInit,
			}
			verifyErr := signed.Verify(ctx, tonproof.VerifyOptions{
				AllowedDomains: []string{res.Domain},
				ValidAuthTime:  cfg.Proof.ValidAuthTime,
			})

			out := cmd.OutOrStdout()
			color.New(color.FgGreen, color.Bold).Fprintln(out, "Data signed.")
			fmt.Fprintf(out, "Signature: %s\nTimestamp: %d\nDomain:    %s\n", res.Signature, res.Timestamp, res.Domain)
			if verifyErr != nil {
				color.New(color.FgRed).Fprintf(out, "Signature does not verify: %v\n", verifyErr)
			} else {
				fmt.Fprintln(out, "Signature verified against the wallet key.")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "text to sign")
	cmd.Flags().StringVar(&binFile, "file", "", "file whose bytes to sign")
	cmd.Flags().StringVar(&cellBOC, "cell", "", "base64 BoC to sign")
	cmd.Flags().StringVar(&schema, "schema", "", "TL-B schema of --cell")
	cmd.MarkFlagsMutuallyExclusive("text", "file", "cell")
	cmd.MarkFlagsOneRequired("text", "file", "cell")
	cmd.MarkFlagsRequiredTogether("cell", "schema")
	return cmd
}

func buildSignData(text, binFile, cellBOC, schema string) (wire.SignDataPayload, error) {
	switch {
	case text != "":
		return wire.SignDataPayload{Type: wire.SignDataText, Text: text}, nil

	case binFile != "":
		raw, err := os.ReadFile(binFile)
		if err != nil {
			return wire.SignDataPayload{}, err
		}
		return wire.SignDataPayload{
			Type:  wire.SignDataBinary,
			Bytes: base64.StdEncoding.EncodeToString(raw),
		}, nil

	default:
		boc, err := base64.StdEncoding.DecodeString(cellBOC)
		if err != nil {
			return wire.SignDataPayload{}, fmt.Errorf("cell is not base64: %w", err)
		}
		if _, err := cell.FromBOC(boc); err != nil {
			return wire.SignDataPayload{}, fmt.Errorf("invalid cell: %w", err)
		}
		return wire.SignDataPayload{Type: wire.SignDataCell, Cell: cellBOC, Schema: schema}, nil
	}
}

func describeRequestError(err error) error {
	var walletErr *sdk.WalletError
	switch {
	case errors.As(err, &walletErr) && walletErr.UserRejected():
		return errors.New("rejected in the wallet")
	case sdk.IsTimeout(err):
		return fmt.Errorf("wallet did not answer: %w", err)
	default:
		return err
	}
}
