package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dnanh/opsmem/internal/core/config"
	"github.com/dnanh/opsmem/internal/core/domain"
	"github.com/dnanh/opsmem/internal/infra/storage/postgres"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show task counts by status plus notification backlog",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "STATUS\tTASKS")

	statuses := []domain.TaskStatus{
		domain.TaskStatusPending,
		domain.TaskStatusInProgress,
		domain.TaskStatusCompleted,
		domain.TaskStatusBlocked,
		domain.TaskStatusEscalated,
	}
	for _, status := range statuses {
		n, err := db.Tasks().CountByStatus(ctx, status)
		if err != nil {
			slog.Error("Failed to count tasks", "status", status, "error", err)
			os.Exit(1)
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\n", status, n)
	}
	_ = w.Flush()

	pending, err := db.Notifications().Count(ctx)
	if err == nil {
		fmt.Printf("\nNotifications stored: %d\n", pending)
	}
}
