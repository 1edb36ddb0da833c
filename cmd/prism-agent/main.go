// prism-agent is a polling worker for a prism server. It finds open slots,
// takes them, hands each to a solver command and submits the result.
//
// Usage:
//
//	prism-agent run --agent a1 --exec ./solve.sh [--concurrency 2]
//	prism-agent next --agent a1
//	prism-agent release --agent a1
//	prism-agent balance --agent a1
//
// Every flag may also be set as PRISM_AGENT_<FLAG>, e.g. PRISM_AGENT_SERVER.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ssd-technologies/prism/internal/client"
	"github.com/ssd-technologies/prism/internal/config"
	"github.com/ssd-technologies/prism/internal/logging"
	"github.com/ssd-technologies/prism/internal/pipeline"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("PRISM_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "prism-agent",
		Short:         "Work prism pipeline slots",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.String("server", "http://localhost:8080", "prism server URL")
	flags.String("agent", "", "agent identity (required)")
	flags.Duration("timeout", 30*time.Second, "HTTP request timeout")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	_ = v.BindPFlags(flags)

	newClient := func() (*client.Client, error) {
		agent := v.GetString("agent")
		if agent == "" {
			return nil, errors.New("--agent or PRISM_AGENT_AGENT is required")
		}
		return client.New(v.GetString("server"), agent, v.GetDuration("timeout")), nil
	}

	root.AddCommand(
		newRunCmd(v, newClient),
		newNextCmd(v, newClient),
		newReleaseCmd(newClient),
		newBalanceCmd(newClient),
	)
	return root
}

func newRunCmd(v *viper.Viper, newClient func() (*client.Client, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll for slots and work them until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			command := v.GetString("exec")
			if command == "" {
				return errors.New("--exec is required")
			}
			fields := strings.Fields(command)
			solver := client.ExecSolver{Command: fields[0], Args: fields[1:]}

			logger, err := logging.New(config.LoggingConfig{Level: v.GetString("log-level")})
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			logger = logger.With(zap.String("agent", c.AgentID()))

			f, err := slotFilter(v)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			concurrency := max(v.GetInt("concurrency"), 1)
			g, gctx := errgroup.WithContext(ctx)
			for i := 0; i < concurrency; i++ {
				w := client.NewWorker(c, solver, f, v.GetDuration("poll"), logger.With(zap.Int("worker", i)))
				g.Go(func() error { return w.Run(gctx) })
			}
			logger.Info("agent running", zap.Int("workers", concurrency))
			err = g.Wait()

			// Give back anything still held so other agents can pick it up.
			if n, rerr := c.Release(context.WithoutCancel(ctx)); rerr != nil {
				logger.Warn("release on shutdown", zap.Error(rerr))
			} else if n > 0 {
				logger.Info("released held slots", zap.Int("count", n))
			}
			return err
		},
	}
	cmd.Flags().String("exec", "", "solver command; receives the slot as JSON on stdin")
	cmd.Flags().Int("concurrency", 1, "number of concurrent workers")
	cmd.Flags().Duration("poll", 2*time.Second, "wait between empty polls")
	addFilterFlags(cmd)
	bindOnRun(cmd, v)
	return cmd
}

func newNextCmd(v *viper.Viper, newClient func() (*client.Client, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Print the next open slot without taking it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			f, err := slotFilter(v)
			if err != nil {
				return err
			}
			next, err := c.NextSlot(cmd.Context(), f)
			if err != nil {
				return err
			}
			if next == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no open slots")
				return nil
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(next)
		},
	}
	addFilterFlags(cmd)
	bindOnRun(cmd, v)
	return cmd
}

func newReleaseCmd(newClient func() (*client.Client, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "release",
		Short: "Release every slot the agent holds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			n, err := c.Release(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %d slot(s)\n", n)
			return nil
		},
	}
}

func newBalanceCmd(newClient func() (*client.Client, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Print the agent's balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			b, err := c.Balance(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s balance: %d\n", c.AgentID(), b)
			return nil
		},
	}
}

// bindOnRun binds cmd's local flags when cmd is the one executing, since run
// and next share flag names.
func bindOnRun(cmd *cobra.Command, v *viper.Viper) {
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		return v.BindPFlags(cmd.Flags())
	}
}

func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().Int("layer", -1, "only slots on this layer")
	cmd.Flags().String("role", "", "only slots with this role")
	cmd.Flags().String("slot-type", "", "only work or consensus slots")
}

func slotFilter(v *viper.Viper) (pipeline.SlotFilter, error) {
	f := pipeline.SlotFilter{
		Role:     v.GetString("role"),
		SlotType: v.GetString("slot-type"),
	}
	switch f.SlotType {
	case "", "work", "consensus":
	default:
		return f, fmt.Errorf("slot-type must be work or consensus, got %q", f.SlotType)
	}
	if layer := v.GetInt("layer"); layer >= 0 {
		f.Layer = &layer
	}
	return f, nil
}
