package commands

import "github.com/spf13/cobra"

func (c *CLI) newRenderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "render <pipeline>",
		Short: "Print the Dockerfile of every stage of a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.app.Render(cmd.Context(), args[0], cmd.OutOrStdout(), projectOptions(cmd))
		},
	}
}

func (c *CLI) newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <pipeline>",
		Short: "Print the metadata of the image last published by a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.app.Inspect(cmd.Context(), args[0], cmd.OutOrStdout(), projectOptions(cmd))
		},
	}
}
