// File: cmd/session.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/remotesuite/internal/capabilities"
	"github.com/xkilldash9x/remotesuite/internal/controlplane"
	"github.com/xkilldash9x/remotesuite/internal/observability"
)

func newSessionCmd() *cobra.Command {
	var app, turbo bool

	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Inspects and updates remote sessions",
	}
	sessionCmd.PersistentFlags().BoolVar(&app, "app", false, "the session is an app automate session")
	sessionCmd.PersistentFlags().BoolVar(&turbo, "turbo", false, "the session runs in turbo scale mode")

	// sessionClient applies the shared flags to the configuration and builds
	// the control plane client.
	sessionClient := func(cmd *cobra.Command) (*controlplane.Client, *components, error) {
		ctx := cmd.Context()
		cfg, err := configFromContext(ctx)
		if err != nil {
			return nil, nil, err
		}
		if app {
			cfg.ControlPlane.AppAutomate = true
		}
		if turbo {
			cfg.ControlPlane.TurboScale = true
		}
		comps, err := initializeComponents(ctx, cfg, observability.GetLogger())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize components: %w", err)
		}
		return comps.Client, comps, nil
	}

	var status, name, reason string
	statusCmd := &cobra.Command{
		Use:   "status <session-id>",
		Short: "Pushes a status update for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch status {
			case controlplane.StatusPassed, controlplane.StatusFailed:
			default:
				return fmt.Errorf("--status must be %q or %q, got %q", controlplane.StatusPassed, controlplane.StatusFailed, status)
			}
			client, comps, err := sessionClient(cmd)
			if err != nil {
				return err
			}
			defer comps.Shutdown(cmd.Context())

			body := controlplane.UpdateBody{Status: status, Name: name, Reason: reason}
			if err := client.Update(cmd.Context(), args[0], capabilities.Bag{}, body); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s marked %s\n", args[0], status)
			return nil
		},
	}
	statusCmd.Flags().StringVar(&status, "status", "", "passed or failed")
	statusCmd.Flags().StringVar(&name, "name", "", "new session name")
	statusCmd.Flags().StringVar(&reason, "reason", "", "reason shown with the status")
	_ = statusCmd.MarkFlagRequired("status")

	urlCmd := &cobra.Command{
		Use:   "url <session-id>",
		Short: "Prints the public URL of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, comps, err := sessionClient(cmd)
			if err != nil {
				return err
			}
			defer comps.Shutdown(cmd.Context())

			url, err := client.SessionURL(cmd.Context(), args[0], capabilities.Bag{})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), url)
			return nil
		},
	}

	sessionCmd.AddCommand(statusCmd, urlCmd)
	return sessionCmd
}
