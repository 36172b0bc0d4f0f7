package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/danshapiro/decisiongraph/internal/contract"
)

func newShareCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "share",
		Short: "Publish or fetch a shared scenario",
	}

	var graphPath, reportPath, title string
	create := &cobra.Command{
		Use:   "create",
		Short: "Publish a graph, optionally with a report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			g, err := readGraph(graphPath)
			if err != nil {
				return err
			}
			var rep *contract.Report
			if reportPath != "" {
				b, err := os.ReadFile(reportPath)
				if err != nil {
					return err
				}
				rep = &contract.Report{}
				if err := json.Unmarshal(b, rep); err != nil {
					return contract.BadInput("report", "%s: %v", reportPath, err)
				}
			}
			a, err := root.open()
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.Share(cmd.Context(), g, rep, title)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	f := create.Flags()
	f.StringVarP(&graphPath, "graph", "g", "", "editor graph JSON file (required)")
	f.StringVar(&reportPath, "report", "", "report JSON as printed by run")
	f.StringVar(&title, "title", "", "scenario title")
	_ = create.MarkFlagRequired("graph")

	get := &cobra.Command{
		Use:   "get <share-id>",
		Short: "Fetch a shared scenario",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.open()
			if err != nil {
				return err
			}
			defer a.Close()
			sc, err := a.GetShare(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sc)
		},
	}

	cmd.AddCommand(create, get)
	return cmd
}
