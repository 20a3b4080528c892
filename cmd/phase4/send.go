package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pondersource/phase4/internal/config"
	"github.com/pondersource/phase4/internal/keystore"
	"github.com/pondersource/phase4/internal/server"
	"github.com/pondersource/phase4/pkg/as4"
	"github.com/pondersource/phase4/pkg/attachment"
	"github.com/pondersource/phase4/pkg/compression"
	"github.com/pondersource/phase4/pkg/dump"
	"github.com/pondersource/phase4/pkg/message"
	"github.com/pondersource/phase4/pkg/pmode"
)

// sendOptions are the flags shared by send and ping
type sendOptions struct {
	pmodeID      string
	endpoint     string
	recipientKey string
}

func (s *sendOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&s.endpoint, "to", "", "Endpoint URL (overrides the P-Mode address)")
	cmd.Flags().StringVar(&s.recipientKey, "recipient-key", "", "PEM file with the partner's X25519 public key, needed when the P-Mode encrypts")
}

func newSendCmd(opts *globalOptions) *cobra.Command {
	so := &sendOptions{}
	var (
		files    []string
		mimeType string
		compress bool
	)
	cmd := &cobra.Command{
		Use:   "send --pmode ID --file PATH...",
		Short: "Send a user message with file attachments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			reg, err := server.NewPModeRegistry(cfg)
			if err != nil {
				return err
			}
			pm, ok := reg.Get(so.pmodeID)
			if !ok {
				return fmt.Errorf("unknown P-Mode: %s", so.pmodeID)
			}

			atts := make([]*attachment.Attachment, 0, len(files))
			for _, path := range files {
				if _, err := os.Stat(path); err != nil {
					return err
				}
				mt := mimeType
				if mt == "" {
					mt = mime.TypeByExtension(filepath.Ext(path))
				}
				att := attachment.NewFromFile(uuid.NewString()+"@phase4", mt, path)
				if compress {
					att.CompressionMode = compression.GZIP
				}
				atts = append(atts, att)
			}

			um := &as4.UserMessage{Attachments: atts}
			um.SetValuesFromPMode(pm)
			return so.send(cmd, opts, cfg, pm, um)
		},
	}
	cmd.Flags().StringVar(&so.pmodeID, "pmode", "", "ID of the P-Mode to send with")
	cmd.Flags().StringSliceVarP(&files, "file", "f", nil, "File to attach, repeatable")
	cmd.Flags().StringVar(&mimeType, "mime-type", "", "MIME type of the attachments (default: guessed from the extension)")
	cmd.Flags().BoolVar(&compress, "compress", false, "GZIP-compress the attachments")
	_ = cmd.MarkFlagRequired("pmode")
	so.register(cmd)
	return cmd
}

// send wires a client for pm, sends um and prints the response signal
func (so *sendOptions) send(cmd *cobra.Command, opts *globalOptions, cfg *config.Config, pm *pmode.PMode, um *as4.UserMessage) error {
	logger := opts.logger(cmd, cfg)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	ks, err := keystore.NewProvider(&cfg.Keystore)
	if err != nil {
		return fmt.Errorf("initializing keystore: %w", err)
	}
	defer ks.Close()

	binding, err := server.NewBinding(ctx, cfg, ks, logger)
	if err != nil {
		return err
	}

	var outgoing dump.OutgoingDumper
	dir, err := server.NewDumper(&cfg.Dump)
	if err != nil {
		return err
	}
	if dir != nil {
		outgoing = dir
	}

	client, err := server.NewClient(cfg, binding, pm, outgoing, logger)
	if err != nil {
		return err
	}
	if so.endpoint != "" {
		client.Endpoint = so.endpoint
	}
	if so.recipientKey != "" {
		key, err := keystore.LoadEncryptionKey(so.recipientKey)
		if err != nil {
			return err
		}
		client.CryptParams.RecipientKey = key
	}

	sent, err := client.SendMessageWithRetries(ctx, um, nil)
	if err != nil {
		return err
	}
	logger.Info("message sent",
		slog.String("message_id", sent.MessageID()),
		slog.String("status", sent.StatusLine()),
		slog.Int("attempts", sent.Attempts))
	return printSignal(cmd.OutOrStdout(), sent)
}

// printSignal reports the receipt or the errors of the response. ebMS
// errors make the command fail.
func printSignal(w io.Writer, sent *as4.SentMessage) error {
	fmt.Fprintf(w, "message-id: %s\n", sent.MessageID())
	fmt.Fprintf(w, "status: %s\n", sent.StatusLine())

	signal, err := sent.Signal()
	if errors.Is(err, as4.ErrNoResponseSignal) {
		fmt.Fprintln(w, "signal: none")
		return nil
	}
	if err != nil {
		return err
	}
	if signal.Receipt != nil {
		fmt.Fprintf(w, "receipt: %s\n", signal.MessageInfo.MessageId)
	}
	if len(signal.Error) == 0 {
		return nil
	}
	for _, e := range signal.Error {
		fmt.Fprintf(w, "error: %s %s %s\n", e.ErrorCode, e.Severity, describe(e))
	}
	return fmt.Errorf("partner answered with %d ebMS error(s)", len(signal.Error))
}

func describe(e *message.Error) string {
	if e.Description != nil && e.Description.Value != "" {
		return e.Description.Value
	}
	if e.ShortDescription != "" {
		return e.ShortDescription
	}
	return e.ErrorDetail
}
