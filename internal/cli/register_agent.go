package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dnanh/opsmem/internal/core/config"
	"github.com/dnanh/opsmem/internal/core/domain"
	"github.com/dnanh/opsmem/internal/infra/storage/postgres"
)

var agentCapabilities []string

var registerAgentCmd = &cobra.Command{
	Use:   "register-agent [agent_id]",
	Short: "Register an agent so tasks can be delegated to it",
	Args:  cobra.ExactArgs(1),
	Run:   runRegisterAgent,
}

func init() {
	registerAgentCmd.Flags().StringSliceVar(&agentCapabilities, "capabilities", nil, "task types this agent can handle")
	rootCmd.AddCommand(registerAgentCmd)
}

func runRegisterAgent(cmd *cobra.Command, args []string) {
	agentID := args[0]

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

	for _, c := range agentCapabilities {
		if !domain.TaskType(c).Valid() {
			fmt.Printf("Unknown capability: %s\n", c)
			os.Exit(1)
		}
	}

	err = db.Agents().Save(ctx, &domain.Agent{
		ID:           agentID,
		Capabilities: agentCapabilities,
		CreatedAt:    time.Now(),
	})
	if err != nil {
		slog.Error("Failed to register agent", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Successfully registered agent %s\n", agentID)
}
