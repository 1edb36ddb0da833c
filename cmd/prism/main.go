// prism runs the staked deliberation pipeline service and its operator
// commands.
//
// Usage:
//
//	prism serve [--addr :8080] [--db prism.db]
//	prism protocols list
//	prism protocols show <name>
//	prism init <claim-id> [--title ...] [--protocol ...]
//	prism grant <agent-id> <amount>
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ssd-technologies/prism/internal/config"
	"github.com/ssd-technologies/prism/internal/logging"
	"github.com/ssd-technologies/prism/internal/storage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app carries the state shared by every subcommand once the root command has
// loaded configuration.
type app struct {
	v      *viper.Viper
	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New()}
	var configFile string

	root := &cobra.Command{
		Use:           "prism",
		Short:         "Staked multi-agent deliberation pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.ReadFile(a.v, configFile); err != nil {
				return err
			}
			cfg, err := config.Load(a.v)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			a.cfg, a.logger = cfg, logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default ./prism.yaml)")
	flags.String("db", "", "sqlite database path")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	_ = a.v.BindPFlag("storage.path", flags.Lookup("db"))
	_ = a.v.BindPFlag("logging.level", flags.Lookup("log-level"))

	root.AddCommand(
		newServeCmd(a),
		newProtocolsCmd(a),
		newInitCmd(a),
		newGrantCmd(a),
	)
	return root
}

func (a *app) openDB() (*storage.DB, error) {
	db, err := storage.NewDB(a.cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", a.cfg.Storage.Path, err)
	}
	return db, nil
}
