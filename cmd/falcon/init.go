package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/falcon-pm/falcon/pkg/config"
	"github.com/falcon-pm/falcon/pkg/models"
)

var (
	initWorkspace string
	initProject   string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the current repository for falcon",
	Long: `Writes .falcon/config.yaml binding this repository to a workspace
and project. Fails when the directory is not a git repository or the
repository is already initialized.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initWorkspace, "workspace", "default", "workspace slug")
	initCmd.Flags().StringVar(&initProject, "project", "", "project name (default: directory name)")
}

func runInit(cmd *cobra.Command, args []string) error {
	root, err := os.Getwd()
	if err != nil {
		return err
	}
	if info, err := os.Stat(filepath.Join(root, ".git")); err != nil || !info.IsDir() {
		return fmt.Errorf("not a git repository: %s", root)
	}

	projectName := initProject
	if projectName == "" {
		projectName = filepath.Base(root)
	}

	scope := &config.Scope{
		Version:     config.ScopeFileVersion,
		WorkspaceID: uuid.NewString(),
		ProjectID:   uuid.NewString(),
		Workspace: config.WorkspaceScope{
			Slug: models.Slugify(initWorkspace),
			Name: initWorkspace,
		},
		Project: config.ProjectScope{Name: projectName},
	}
	if err := config.WriteScope(root, scope); err != nil {
		return err
	}

	fmt.Printf("Initialized %s\n", config.ScopePath(root))
	fmt.Printf("  workspace: %s (%s)\n", scope.Workspace.Slug, scope.WorkspaceID)
	fmt.Printf("  project:   %s (%s)\n", projectName, scope.ProjectID)
	return nil
}
