package cmd

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "central",
	Short: "Talk to local and remote language models with durable memory",
	Long: `central mediates between you and a language model runtime: a local
runner, an Ollama daemon or an OpenAI-compatible endpoint. Conversations are
archived under memory/sessions and hidden <think> reasoning never reaches
your terminal.

Examples:
  central chat                          # interactive conversation
  central chat "summarise my day"       # one-shot question
  central sessions list                 # browse the archive
  central sessions merge 1 2            # stitch two sessions together`,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

var verbose bool

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Emit debug logs")
}

func setupLogging() {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})))
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
