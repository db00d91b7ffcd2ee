package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/falcon-pm/falcon/pkg/config"
	"github.com/falcon-pm/falcon/pkg/killswitch"
	"github.com/falcon-pm/falcon/pkg/models"
	"github.com/falcon-pm/falcon/pkg/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print project, queue, and kill-switch state",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	home, err := config.ResolveHome(homeFlag)
	if err != nil {
		return err
	}
	cfg, err := config.LoadServer(home)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	st, err := store.OpenSQLite(ctx, filepath.Join(home, dbFile))
	if err != nil {
		return transient(fmt.Errorf("open store: %w", err))
	}
	defer st.Close()

	ks := killswitch.NewService(killswitch.DefaultConfig(cfg.WorkspaceID), st)

	projects, err := st.Projects().List(ctx)
	if err != nil {
		return transient(err)
	}
	if len(projects) == 0 {
		fmt.Println("No projects.")
		return nil
	}

	for _, p := range projects {
		issues, err := st.Issues().ListByProject(ctx, p.ID)
		if err != nil {
			return transient(err)
		}
		byStatus := map[models.IssueStatus]int{}
		for _, i := range issues {
			byStatus[i.Status]++
		}

		status, err := ks.Status(ctx, p.ID)
		if err != nil {
			return transient(err)
		}

		fmt.Printf("%s (%s)\n", p.Name, p.Slug)
		fmt.Printf("  issues: %d total, %d queued, %d in progress, %d done\n",
			len(issues),
			byStatus[models.StatusBacklog]+byStatus[models.StatusTodo],
			byStatus[models.StatusInProgress],
			byStatus[models.StatusDone])
		fmt.Printf("  kill switch: %s", status.State)
		if status.Reason != "" {
			fmt.Printf(" (%s)", status.Reason)
		}
		fmt.Println()
	}
	return nil
}
