package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"fileindex/internal/config"
)

func newProjectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage indexed projects",
	}

	addCmd := &cobra.Command{
		Use:   "add <name> <root>...",
		Short: "Add or replace a project",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			include, _ := cmd.Flags().GetStringSlice("include")
			exclude, _ := cmd.Flags().GetStringSlice("exclude")

			p := config.ProjectConfig{Name: args[0], Include: include, Exclude: exclude}
			for _, root := range args[1:] {
				abs, err := filepath.Abs(root)
				if err != nil {
					return err
				}
				p.Roots = append(p.Roots, filepath.ToSlash(abs))
			}
			if err := p.Validate(); err != nil {
				return err
			}

			_, store, _, err := openConfig(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			if err := store.PutProject(cmd.Context(), p); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "project %s saved\n", p.Name)
			return nil
		},
	}
	addCmd.Flags().StringSlice("include", nil, "glob patterns of files to index (default: **)")
	addCmd.Flags().StringSlice("exclude", nil, "glob patterns of files and directories to skip")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, _, err := openConfig(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			projects, err := store.ListProjects(cmd.Context())
			if err != nil {
				return err
			}
			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			return p.print(projectList(projects))
		},
	}

	removeCmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, _, err := openConfig(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			existing, err := store.GetProject(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if existing == nil {
				return fmt.Errorf("unknown project %q", args[0])
			}
			return store.DeleteProject(cmd.Context(), args[0])
		},
	}

	cmd.AddCommand(addCmd, listCmd, removeCmd)
	return cmd
}
