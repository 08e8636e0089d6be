// Command studyrag builds a searchable bundle from study sources and serves
// semantic search and grounded answers over it.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/perbu/studyrag/internal/config"
	"github.com/perbu/studyrag/internal/logging"
)

// flagKeys maps command flag names to config keys. A flag is bound only on
// commands that define it.
var flagKeys = map[string]string{
	"config":              "config",
	"bundle":              "bundle-dir",
	"log-level":           "log.level",
	"log-format":          "log.format",
	"embedding-provider":  "embedding.provider",
	"embedding-model":     "embedding.model",
	"embedding-dims":      "embedding.dimensions",
	"source":              "sources",
	"checkpoint":          "checkpoint",
	"batch-size":          "embedding.batch-size",
	"concurrency":         "embedding.concurrency",
	"rate-limit":          "embedding.rate-limit",
	"completion-provider": "completion.provider",
	"completion-model":    "completion.model",
	"addr":                "server.addr",
	"top":                 "search.top-k",
	"threshold":           "search.min-score",
}

// app carries the loaded configuration into the subcommands
type app struct {
	v      *viper.Viper
	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New()}

	root := &cobra.Command{
		Use:           "studyrag",
		Short:         "Semantic search and grounded answers over scripture, conference talks and curriculum",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.BindFlags(a.v, cmd.Flags(), flagKeys); err != nil {
				return err
			}
			cfg, err := config.Load(a.v)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logging.Init(cfg.Log.Level, cfg.Log.Format)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "config file (yaml, json or toml)")
	pf.String("bundle", "bundle", "bundle directory")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-format", "text", "log format: text or json")
	pf.String("embedding-provider", "openai", "embedding provider: openai, ollama, hash")
	pf.String("embedding-model", "", "embedding model, empty for the provider default")
	pf.Int("embedding-dims", 0, "embedding dimensions, 0 for the model default")

	root.AddCommand(
		newBuildCmd(a),
		newServeCmd(a),
		newSearchCmd(a),
		newAskCmd(a),
		newModesCmd(a),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
