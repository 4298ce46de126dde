package commands

import (
	"github.com/spf13/cobra"
	"go.trai.ch/stagehand/internal/app"
)

func (c *CLI) newBuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build [pipelines...]",
		Short: "Build pipelines and publish their images",
		Long:  "Build the named pipelines, or every pipeline when none is named. Pipelines build in parallel.",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			noCache, _ := cmd.Flags().GetBool("no-cache")
			backend, _ := cmd.Flags().GetString("backend")

			return c.app.Build(cmd.Context(), args, app.BuildOptions{
				ProjectOptions: projectOptions(cmd),
				NoCache:        noCache,
				Backend:        backend,
			})
		},
	}
	cmd.Flags().BoolP("no-cache", "n", false, "Bypass the stage cache and rebuild every stage")
	cmd.Flags().StringP("backend", "b", "", "Backend to build with: snapshot or docker (default: from the project file)")
	return cmd
}
