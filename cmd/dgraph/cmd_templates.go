package main

import (
	"github.com/spf13/cobra"
)

func newTemplatesCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List templates, or show one with its graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := root.open()
			if err != nil {
				return err
			}
			defer a.Close()
			list, err := a.Templates(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), list)
		},
	}

	var withGraph bool
	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.open()
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()
			if withGraph {
				g, err := a.TemplateGraph(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), g)
			}
			t, err := a.Template(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), t)
		},
	}
	get.Flags().BoolVar(&withGraph, "graph", false, "print the template's wire graph instead")
	cmd.AddCommand(get)
	return cmd
}
