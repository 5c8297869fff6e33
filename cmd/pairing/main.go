package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"pkg.world.dev/world-engine/pairing"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Msg(eris.ToString(err, true))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pairing",
		Short:         "Matchmaking and presence coordinator",
		Long:          "pairing pairs waiting users into two-party rooms and keeps the shared redis state consistent.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("namespace", "", "key prefix, overrides PAIRING_NAMESPACE")
	root.AddCommand(newServeCmd(), newReconcileCmd(), newValidateCmd())
	return root
}

func coordinator(cmd *cobra.Command, extra ...pairing.Option) (*pairing.Coordinator, error) {
	var opts []pairing.Option
	if ns, _ := cmd.Flags().GetString("namespace"); cmd.Flags().Changed("namespace") {
		opts = append(opts, pairing.WithNamespace(ns))
	}
	return pairing.New(append(opts, extra...)...)
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Serve the HTTP API and run the background loops",
		Aliases: []string{"start"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			var opts []pairing.Option
			if port, _ := cmd.Flags().GetString("port"); port != "" {
				opts = append(opts, pairing.WithPort(port))
			}
			c, err := coordinator(cmd, opts...)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.Run(ctx)
		},
	}
	cmd.Flags().String("port", "", "listen port, overrides PAIRING_PORT")
	return cmd
}

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one consistency pass and print its report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd, func(ctx context.Context, c *pairing.Coordinator) (any, error) {
				return c.Service().RunConsistencyCheck(ctx)
			})
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate every active match and tear down the inconsistent ones",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd, func(ctx context.Context, c *pairing.Coordinator) (any, error) {
				return c.Service().ValidateMatches(ctx)
			})
		},
	}
}

func runOnce(cmd *cobra.Command, fn func(context.Context, *pairing.Coordinator) (any, error)) error {
	c, err := coordinator(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := fn(ctx, c)
	if err != nil {
		return err
	}
	bz, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return eris.Wrap(err, "failed to encode result")
	}
	_, err = cmd.OutOrStdout().Write(append(bz, '\n'))
	return err
}
