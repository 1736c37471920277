package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dnanh/opsmem/internal/core/domain"
)

type NotificationRepo struct {
	db *sqlx.DB
}

func (r *NotificationRepo) Create(ctx context.Context, n *domain.Notification) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO notifications (id, type, task_id, from_agent, to_agent, summary, read, ttl_hours, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		n.ID, n.Type, n.TaskID, n.FromAgent, n.ToAgent, n.Summary, n.Read, n.TTLHours, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: insert notification: %v", domain.ErrDatabase, err)
	}
	return nil
}

// GetPendingAndMarkRead flips unread rows to read and returns them in one
// statement, giving at-most-once delivery.
func (r *NotificationRepo) GetPendingAndMarkRead(ctx context.Context, agentID string) ([]*domain.Notification, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE notifications SET read = TRUE
		WHERE id IN (
			SELECT id FROM notifications WHERE to_agent = $1 AND read = FALSE
		)
		RETURNING id, type, task_id, from_agent, to_agent, summary, read, ttl_hours, created_at`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch notifications: %v", domain.ErrDatabase, err)
	}
	defer rows.Close()

	var result []*domain.Notification
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.Type, &n.TaskID, &n.FromAgent, &n.ToAgent, &n.Summary, &n.Read, &n.TTLHours, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan notification: %v", domain.ErrDatabase, err)
		}
		result = append(result, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate notifications: %v", domain.ErrDatabase, err)
	}
	return result, nil
}

// DeleteExpired removes at most limit expired rows. The id-subselect keeps
// each sweep pass bounded so the delete never holds locks for long.
func (r *NotificationRepo) DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM notifications
		WHERE id IN (
			SELECT id FROM notifications
			WHERE created_at + make_interval(hours => ttl_hours) < $1
			LIMIT $2
		)`,
		now, limit,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: delete expired: %v", domain.ErrDatabase, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: expired rows affected: %v", domain.ErrDatabase, err)
	}
	return int(affected), nil
}

func (r *NotificationRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM notifications`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: count notifications: %v", domain.ErrDatabase, err)
	}
	return count, nil
}
