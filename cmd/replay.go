// File: cmd/replay.go
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/remotesuite/internal/accessibility"
	"github.com/xkilldash9x/remotesuite/internal/observability"
	"github.com/xkilldash9x/remotesuite/internal/orchestrator"
	"github.com/xkilldash9x/remotesuite/internal/replay"
)

func newReplayCmd() *cobra.Command {
	var driverName string

	replayCmd := &cobra.Command{
		Use:   "replay <trace.yaml>",
		Short: "Replays a recorded hook trace through the orchestrator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}
			trace, err := replay.Load(args[0])
			if err != nil {
				return err
			}
			if trace.Framework != "" {
				cfg.Runner.Framework = trace.Framework
			}

			var factory replay.BrowserFactory
			switch strings.ToLower(driverName) {
			case "memory":
				factory = replay.MemoryFactory(logger)
			case "chrome":
				factory = replay.ChromeFactory(logger, cfg.Browser)
			default:
				return fmt.Errorf("unknown driver %q, want memory or chrome", driverName)
			}

			opts := []orchestrator.Option{}
			if cfg.Accessibility.ScriptsFile != "" {
				scripts, err := accessibility.LoadScripts(cfg.Accessibility.ScriptsFile)
				if err != nil {
					return err
				}
				opts = append(opts, orchestrator.WithScripts(scripts))
			}

			comps, err := initializeComponents(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer comps.Shutdown(ctx)
			opts = append(opts, orchestrator.WithHandlers(comps.Handlers...))

			svc, err := orchestrator.New(cfg, logger, comps.Client, opts...)
			if err != nil {
				return err
			}

			logger.Info("Replaying trace.",
				zap.String("trace", args[0]),
				zap.String("driver", driverName),
				zap.String("run_id", comps.RunID))
			rep, err := replay.NewRunner(logger, factory).Run(ctx, svc, trace)
			if err != nil {
				return fmt.Errorf("replay failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Replayed %d steps (%d commands, %d failed), exit code %d\n",
				rep.Steps, rep.Commands, len(rep.CommandErrors), rep.ExitCode)
			for _, reason := range rep.FailReasons {
				fmt.Fprintf(out, "  failure: %s\n", reason)
			}
			return nil
		},
	}
	replayCmd.Flags().StringVar(&driverName, "driver", "memory", "browser driver to replay against (memory or chrome)")
	return replayCmd
}
