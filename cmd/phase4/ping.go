package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pondersource/phase4/internal/server"
	"github.com/pondersource/phase4/pkg/as4"
	"github.com/pondersource/phase4/pkg/pmode"
)

func newPingCmd(opts *globalOptions) *cobra.Command {
	so := &sendOptions{}
	cmd := &cobra.Command{
		Use:   "ping --to URL",
		Short: "Send an ebMS test message to check connectivity",
		Long: `ping sends a user message on the ebMS test service and action. Receivers
answer it with a receipt without handing it to the application.

Without --pmode the ebMS default P-Mode is used, which needs --to.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			pm := pmode.Default()
			if so.pmodeID != "" {
				reg, err := server.NewPModeRegistry(cfg)
				if err != nil {
					return err
				}
				found, ok := reg.Get(so.pmodeID)
				if !ok {
					return fmt.Errorf("unknown P-Mode: %s", so.pmodeID)
				}
				pm = found
			}

			um := &as4.UserMessage{}
			um.SetValuesFromPMode(pm)
			um.Service = pmode.DefaultServiceURL
			um.ServiceType = ""
			um.Action = pmode.DefaultActionURL
			return so.send(cmd, opts, cfg, pm, um)
		},
	}
	cmd.Flags().StringVar(&so.pmodeID, "pmode", "", "ID of the P-Mode supplying parties and security (default: the ebMS default P-Mode)")
	so.register(cmd)
	return cmd
}
