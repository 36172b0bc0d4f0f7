package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/danshapiro/decisiongraph/internal/contract"
)

func newHealthCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the Engine is up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := root.open()
			if err != nil {
				return err
			}
			defer a.Close()
			h, err := a.Health(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), h)
		},
	}
}

type limitsOutput struct {
	Source    string          `json:"source"`
	Limits    contract.Limits `json:"limits"`
	Reason    string          `json:"reason,omitempty"`
	FetchedAt time.Time       `json:"fetched_at"`
}

func newLimitsCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "limits",
		Short: "Show the Engine's graph size caps and where they came from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := root.open()
			if err != nil {
				return err
			}
			defer a.Close()
			f := a.Limits(cmd.Context())
			if !f.OK {
				return f.Err
			}
			return printJSON(cmd.OutOrStdout(), limitsOutput{
				Source:    string(f.Source),
				Limits:    f.Data,
				Reason:    f.Reason,
				FetchedAt: f.FetchedAt,
			})
		},
	}
}

type probeOutput struct {
	StreamingAvailable bool             `json:"streaming_available"`
	Version            contract.Version `json:"version"`
	CheckedAt          time.Time        `json:"checked_at"`
	Error              *contract.Error  `json:"error,omitempty"`
}

func newProbeCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Ask the Engine whether it can stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := root.open()
			if err != nil {
				return err
			}
			defer a.Close()
			r := a.Reprobe(cmd.Context())
			return printJSON(cmd.OutOrStdout(), probeOutput{
				StreamingAvailable: r.StreamingAvailable,
				Version:            r.Version,
				CheckedAt:          r.CheckedAt,
				Error:              r.Err,
			})
		},
	}
}
