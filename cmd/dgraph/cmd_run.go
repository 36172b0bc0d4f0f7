package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/danshapiro/decisiongraph/internal/adapter"
	"github.com/danshapiro/decisiongraph/internal/contract"
	"github.com/danshapiro/decisiongraph/internal/graphmap"
	"github.com/danshapiro/decisiongraph/internal/stream"
)

type runFlags struct {
	template  string
	graphPath string
	seed      int64
	treatment string
	outcome   string
	samples   int
	baseline  float64
	debug     bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&f.template, "template", "t", "", "template id")
	fs.StringVarP(&f.graphPath, "graph", "g", "", "editor graph JSON file (overrides the template graph)")
	fs.Int64Var(&f.seed, "seed", 0, "run seed")
	fs.StringVar(&f.treatment, "treatment", "", "treatment node id")
	fs.StringVar(&f.outcome, "outcome", "", "outcome node id")
	fs.IntVar(&f.samples, "samples", 0, "sample count (0 lets the Engine choose)")
	fs.Float64Var(&f.baseline, "baseline", 0, "baseline value to compare against")
	fs.BoolVar(&f.debug, "debug", false, "request debug slices")
}

func (f *runFlags) request(cmd *cobra.Command) (adapter.RunRequest, error) {
	req := adapter.RunRequest{
		TemplateID:    f.template,
		Seed:          f.seed,
		TreatmentNode: f.treatment,
		OutcomeNode:   f.outcome,
		Samples:       f.samples,
		Debug:         f.debug,
	}
	if cmd.Flags().Changed("baseline") {
		b := f.baseline
		req.Baseline = &b
	}
	if f.graphPath != "" {
		g, err := readGraph(f.graphPath)
		if err != nil {
			return adapter.RunRequest{}, err
		}
		req.Graph = &g
	}
	return req, nil
}

func readGraph(path string) (graphmap.UIGraph, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return graphmap.UIGraph{}, err
	}
	var g graphmap.UIGraph
	if err := json.Unmarshal(b, &g); err != nil {
		return graphmap.UIGraph{}, contract.BadInput("graph", "%s: %v", path, err)
	}
	return g, nil
}

func newRunCommand(root *RootOptions) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an analysis synchronously and print the report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := f.request(cmd)
			if err != nil {
				return err
			}
			a, err := root.open()
			if err != nil {
				return err
			}
			defer a.Close()
			rep, err := a.Run(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		},
	}
	f.register(cmd)
	return cmd
}

func newStreamCommand(root *RootOptions) *cobra.Command {
	f := &runFlags{}
	var quiet bool
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Run an analysis with progress, falling back to sync when streaming is unavailable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := f.request(cmd)
			if err != nil {
				return err
			}
			a, err := root.open()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			s, err := a.Stream(ctx, req)
			if err != nil {
				return err
			}
			out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
			finished := make(chan struct{})
			defer close(finished)
			go func() {
				select {
				case <-ctx.Done():
					a.Cancel(s.ID())
				case <-finished:
				}
			}()
			for {
				ev, ok := s.Next()
				if !ok {
					break
				}
				switch e := ev.(type) {
				case stream.Hello:
					if !quiet {
						fmt.Fprintf(errOut, "session %s run %s\n", e.SessionID, e.RunID)
					}
				case stream.Tick:
					if !quiet {
						fmt.Fprintf(errOut, "[%d/%d] %.0f%%\n", e.Index, e.Total, e.Percent)
					}
				case stream.Interim:
					if !quiet {
						fmt.Fprintf(errOut, "interim: %s\n", e.Data)
					}
				case stream.Done:
					if e.Fallback && !quiet {
						fmt.Fprintf(errOut, "result came from the sync path (%s)\n", s.Diagnostics().FallbackReason)
					}
					return printJSON(out, e.Report)
				case stream.Error:
					return e.Err
				}
			}
			_, err = s.Wait()
			return err
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print only the final report")
	return cmd
}
