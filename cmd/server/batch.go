package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"guardstat-service/internal/engine"
	"guardstat-service/internal/models"
)

func newRebuildCmd(a *app) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Recompute deltas and baselines (append by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			d, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			mode := engine.ModeAppend
			if all {
				mode = engine.ModeFull
			}
			report, err := d.engine.Rebuild(ctx, mode)
			if err != nil {
				return err
			}
			return writeJSON(a.stdout, report)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "full rebuild of every host's history")
	return cmd
}

func newAnalyzeCmd(a *app) *cobra.Command {
	var req engine.AnalyzeRequest

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Classify stored days and print them as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			d, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			report, err := d.engine.Analyze(ctx, req, newJSONLinesSink(a.stdout))
			if err != nil {
				return err
			}
			return writeJSON(a.stderr, report)
		},
	}
	cmd.Flags().StringSliceVar(&req.Hosts, "host", nil, "hosts to analyze (default all)")
	cmd.Flags().StringVar(&req.From, "from", "", "first date, YYYY-MM-DD")
	cmd.Flags().StringVar(&req.To, "to", "", "last date, YYYY-MM-DD")
	cmd.Flags().BoolVar(&req.Global, "global", false, "relabel severe samples with the cross-host global index")
	return cmd
}

func newLiveCmd(a *app) *cobra.Command {
	var (
		in       models.LiveInput
		previous int64
	)

	cmd := &cobra.Command{
		Use:   "live",
		Short: "Evaluate one fresh sample without a rebuild",
		RunE: func(cmd *cobra.Command, args []string) error {
			if in.Host == "" || in.Epoch <= 0 {
				return errors.New("--host and --epoch are required")
			}
			if cmd.Flags().Changed("previous") {
				in.PreviousEvents = &previous
			}

			ctx := commandContext(cmd)
			d, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			res, err := d.engine.Live(ctx, in)
			if err != nil {
				return err
			}
			return writeJSON(a.stdout, res)
		},
	}
	cmd.Flags().StringVar(&in.Host, "host", "", "host identifier")
	cmd.Flags().Int64Var(&in.Epoch, "epoch", 0, "sample epoch seconds")
	cmd.Flags().Int64Var(&in.Events, "events", 0, "cumulative counter value")
	cmd.Flags().Int64Var(&previous, "previous", 0, "previous counter value")
	return cmd
}

// jsonLinesSink пишет каждый день отдельной строкой JSON
type jsonLinesSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newJSONLinesSink(w io.Writer) *jsonLinesSink {
	return &jsonLinesSink{enc: json.NewEncoder(w)}
}

func (s *jsonLinesSink) WriteDay(_ context.Context, day models.ClassifiedDay) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(day)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
