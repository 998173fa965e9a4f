// Command earshot is the entry point for the earshot transcription daemon and
// its one-shot helpers.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MrWong99/earshot/internal/app"
	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const defaultConfigPath = "earshot.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "earshot: %v\n", err)
		os.Exit(1)
	}
}

// globals holds state shared by every subcommand.
type globals struct {
	configPath string

	// level backs the default logger so config reloads can change it.
	level *slog.LevelVar
}

func newRootCmd() *cobra.Command {
	g := &globals{level: new(slog.LevelVar)}

	root := &cobra.Command{
		Use:           "earshot",
		Short:         "Transcribe what your desktop hears and answer it",
		Long:          "earshot records the desktop audio monitor on demand, transcribes it with Deepgram and answers the transcript with an LLM, keeping a self-summarising dialogue context.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			slog.SetDefault(newLogger(os.Stderr, g.level))
		},
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", defaultConfigPath, "path to the YAML configuration file")

	root.AddCommand(newServeCmd(g))
	root.AddCommand(newRecordCmd(g))
	root.AddCommand(newContextCmd(g))
	root.AddCommand(newDoctorCmd(g))
	return root
}

// loadConfig reads the config file. A missing file is only an error when
// --config was given explicitly; otherwise the defaults are used.
func (g *globals) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config") {
		slog.Info("no config file found, using defaults", "path", g.configPath)
		cfg, err = config.LoadFromReader(strings.NewReader(""))
	}
	if err != nil {
		return nil, err
	}
	g.level.Set(app.SlogLevel(cfg.Server.LogLevel))
	return cfg, nil
}

// buildApp creates the providers named in cfg and wires them into an App.
func (g *globals) buildApp(cfg *config.Config, m *observe.Metrics) (*app.App, error) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg, m)
	if err != nil {
		return nil, err
	}
	return app.New(cfg, providers,
		app.WithMetrics(m),
		app.WithLogger(slog.Default()),
		app.WithLevelVar(g.level),
	)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(w io.Writer, level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║         earshot: startup summary      ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printProvider(w, "LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider(w, "Summary LLM", cfg.Providers.SummaryLLM.Name, cfg.Providers.SummaryLLM.Model)
	printProvider(w, "STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	fmt.Fprintf(w, "║  %-12s    : %-19d ║\n", "Fallbacks", len(cfg.Providers.LLMFallbacks))
	fmt.Fprintf(w, "║  %-12s    : %-19t ║\n", "Answer on stop", cfg.Solver.AnswerOnStop)
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", "Listen addr", cfg.Server.ListenAddr)
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printProvider(w io.Writer, kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", kind, value)
}
