package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/solver"
)

func newRecordCmd(g *globals) *cobra.Command {
	var (
		duration time.Duration
		answer   bool
	)

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record once and print the transcript",
		Long:  "record captures the desktop audio monitor until Ctrl+C (or --duration elapses), prints the transcript and, with --answer, streams the answer to it.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.record(cmd, duration, answer)
		},
	}
	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "stop after this long (0 records until Ctrl+C)")
	cmd.Flags().BoolVarP(&answer, "answer", "a", false, "answer the transcript once recording stops")
	return cmd
}

func (g *globals) record(cmd *cobra.Command, duration time.Duration, answer bool) error {
	cfg, err := g.loadConfig(cmd)
	if err != nil {
		return err
	}
	application, err := g.buildApp(cfg, observe.NoopMetrics())
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = application.Shutdown(ctx)
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rec := application.Recorder()
	if err := rec.Start(ctx); err != nil {
		return err
	}
	stderr := cmd.ErrOrStderr()
	fmt.Fprintf(stderr, "recording from %s, press Ctrl+C to stop\n", rec.Snapshot().Device)

	var timeout <-chan time.Time
	if duration > 0 {
		t := time.NewTimer(duration)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-ctx.Done():
	case <-timeout:
	}
	// A second Ctrl+C while draining terminates the process.
	stop()

	text, ok := rec.Stop(context.Background())
	if !ok {
		return errors.New("nothing was transcribed")
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, text)
	if !answer {
		return nil
	}

	actx := context.Background()
	if d := cfg.Solver.RequestTimeout; d > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(actx, d)
		defer cancel()
	}
	fmt.Fprintln(out)
	_, err = application.Solver().AnswerStream(actx, text, solver.SinkFunc(func(_ context.Context, part string) error {
		_, err := io.WriteString(out, part)
		return err
	}))
	fmt.Fprintln(out)
	return err
}
