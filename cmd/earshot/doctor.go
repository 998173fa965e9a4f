package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/earshot/internal/capture"
	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/health"
	"github.com/MrWong99/earshot/internal/observe"
)

func newDoctorCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check prerequisites",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig(cmd)
			if err != nil {
				setupCheck(cmd.OutOrStdout(), "config", err)
				return errors.New("some prerequisites are missing")
			}
			if !doctor(cmd.Context(), cmd.OutOrStdout(), cfg) {
				return errors.New("some prerequisites are missing")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "\nAll prerequisites met. Ready to record!")
			return nil
		},
	}
}

// doctor prints one line per prerequisite and reports whether all passed.
func doctor(ctx context.Context, w io.Writer, cfg *config.Config) bool {
	ok := true
	check := func(name string, err error) {
		setupCheck(w, name, err)
		if err != nil {
			ok = false
		}
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	check("config", nil)
	for _, c := range []health.Checker{
		health.Executable("ffmpeg", cfg.Capture.FFmpegPath),
		health.Executable("pactl", cfg.Capture.PactlPath),
		health.Configured("stt key", "providers.stt.api_key", cfg.Providers.STT.APIKey),
	} {
		check(c.Name, c.Check(ctx))
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	_, err := buildProviders(cfg, reg, observe.NoopMetrics())
	check("providers", err)

	src := capture.NewFFmpegSource(
		capture.WithPactlPath(cfg.Capture.PactlPath),
		capture.WithFallbackMonitor(cfg.Capture.FallbackMonitor),
	)
	fmt.Fprintf(w, "  • %-12s %s\n", "monitor", src.Detect(ctx))
	return ok
}

func setupCheck(w io.Writer, name string, err error) {
	if err != nil {
		fmt.Fprintf(w, "  ✗ %-12s %v\n", name, err)
		return
	}
	fmt.Fprintf(w, "  ✓ %-12s ok\n", name)
}
