package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/knowledgepitt/server/internal/config"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "knowledgepitt",
		Short:         "Document ingestion and question answering server",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "config.yaml", "path to the YAML config file")

	root.AddCommand(
		serveCmd(a),
		ingestCmd(a),
		queryCmd(a),
		backupCmd(a),
		configCmd(a),
	)
	return root
}

// load reads .env, the config file and KP_* overrides, in that order.
func (a *app) load() error {
	_ = godotenv.Load()

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	a.cfg = cfg
	a.logger = cfg.Logging.NewLogger(os.Stderr)
	slog.SetDefault(a.logger)
	return nil
}
