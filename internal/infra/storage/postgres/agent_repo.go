package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/dnanh/opsmem/internal/core/domain"
)

type AgentRepo struct {
	db *sqlx.DB
}

func (r *AgentRepo) Get(ctx context.Context, agentID string) (*domain.Agent, error) {
	var a domain.Agent
	err := r.db.QueryRowContext(ctx, `
		SELECT id, capabilities, created_at FROM agents WHERE id = $1`,
		agentID,
	).Scan(&a.ID, pq.Array(&a.Capabilities), &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get agent: %v", domain.ErrDatabase, err)
	}
	return &a, nil
}

func (r *AgentRepo) Save(ctx context.Context, agent *domain.Agent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO agents (id, capabilities, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET capabilities = EXCLUDED.capabilities`,
		agent.ID, pq.Array(agent.Capabilities), agent.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: save agent: %v", domain.ErrDatabase, err)
	}
	return nil
}
