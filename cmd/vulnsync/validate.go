package main

import (
	"context"
	"fmt"
	"io"

	"github.com/rcourtman/vulnsync/internal/config"
	"github.com/rcourtman/vulnsync/internal/logging"
	"github.com/rcourtman/vulnsync/internal/setup"
	"github.com/spf13/cobra"
)

var validateRemote bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration",
	Long: `Report every problem in the configuration file. With --remote the project,
issue types and fields are also looked up in Jira; nothing is created.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(cmd.Context(), cmd.OutOrStdout(), configPath, validateRemote)
	},
}

func init() {
	validateCmd.Flags().BoolVar(&validateRemote, "remote", false, "also resolve the project and fields in Jira")
}

func runValidate(ctx context.Context, out io.Writer, path string, remote bool) error {
	cfg, err := loadConfig(path, false)
	if err != nil {
		return err
	}
	defer logging.Shutdown()

	if problems := cfg.Problems(); len(problems) > 0 {
		fmt.Fprintf(out, "%s: %d problem(s)\n", path, len(problems))
		for _, p := range problems {
			fmt.Fprintf(out, "  - %s\n", p)
		}
		return cfg.Validate()
	}

	if remote {
		if err := checkRemote(ctx, out, cfg); err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "%s: configuration is valid\n", path)
	return nil
}

func checkRemote(ctx context.Context, out io.Writer, cfg *config.Config) error {
	client, err := newJiraClient(cfg)
	if err != nil {
		return err
	}
	res, err := setup.Resolve(ctx, cfg, client, setup.Options{})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "project %s: task type %s, sub-task type %s, %d fields linked\n",
		res.Project.Key, res.Task.Definition().TypeID, res.SubTask.Definition().TypeID, len(res.Fields))
	return nil
}
