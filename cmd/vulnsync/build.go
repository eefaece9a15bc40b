package main

import (
	"context"
	"fmt"
	"io"

	"github.com/rcourtman/vulnsync/internal/logging"
	"github.com/rcourtman/vulnsync/internal/setup"
	"github.com/spf13/cobra"
)

var buildNoUpdate bool

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Prepare the Jira project",
	Long: `Resolve the project, issue types and fields in Jira, creating any missing
custom fields, and write the resolved ids back into the configuration file so
later syncs skip the lookups.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBuild(cmd.Context(), cmd.OutOrStdout(), configPath, buildNoUpdate)
	},
}

func init() {
	buildCmd.Flags().BoolVar(&buildNoUpdate, "no-update", false, "do not write the resolved ids to the configuration file")
}

func runBuild(ctx context.Context, out io.Writer, path string, noUpdate bool) error {
	cfg, err := loadConfig(path, false)
	if err != nil {
		return err
	}
	defer logging.Shutdown()

	if err := cfg.Validate(); err != nil {
		return err
	}
	client, err := newJiraClient(cfg)
	if err != nil {
		return err
	}
	res, err := setup.Resolve(ctx, cfg, client, setup.Options{CreateFields: true})
	if err != nil {
		return err
	}

	if !noUpdate {
		if err := cfg.SaveResolved(res.IDs()); err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "project %s: task type %s, sub-task type %s\n",
		res.Project.Key, res.Task.Definition().TypeID, res.SubTask.Definition().TypeID)
	for _, f := range res.Fields {
		fmt.Fprintf(out, "  %-24s %-20s %s\n", f.Name, f.ID, f.Source())
	}
	if len(res.Created) > 0 {
		fmt.Fprintf(out, "created %d field(s)\n", len(res.Created))
	}
	return nil
}
