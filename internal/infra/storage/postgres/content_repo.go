package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/dnanh/opsmem/internal/core/domain"
)

type ContentRepo struct {
	db *sqlx.DB
}

func (r *ContentRepo) Insert(ctx context.Context, c *domain.ClassifiedContent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO contents (id, tier, sender_key, body, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.Tier, c.SenderKey, c.Body, pq.Array(c.Embedding), c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: insert content: %v", domain.ErrDatabase, err)
	}
	return nil
}

// SearchText matches against the stored tsvector. Visibility: public rows
// always, sensitive rows only for the matching sender key. Private rows
// never exist here; the classifier blocks them before any write.
func (r *ContentRepo) SearchText(ctx context.Context, query, senderKey string, limit int) ([]*domain.ClassifiedContent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tier, sender_key, body, embedding, created_at
		FROM contents
		WHERE (tier = $1 OR (tier = $2 AND sender_key = $3 AND $3 <> ''))
		  AND body_tsv @@ plainto_tsquery('english', $4)
		ORDER BY created_at DESC
		LIMIT $5`,
		domain.TierPublic, domain.TierSensitive, senderKey, query, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: search contents: %v", domain.ErrDatabase, err)
	}
	defer rows.Close()
	return scanContents(rows)
}

func (r *ContentRepo) RecentWithEmbeddings(ctx context.Context, senderKey string, limit int) ([]*domain.ClassifiedContent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tier, sender_key, body, embedding, created_at
		FROM contents
		WHERE (tier = $1 OR (tier = $2 AND sender_key = $3 AND $3 <> ''))
		  AND embedding IS NOT NULL AND cardinality(embedding) > 0
		ORDER BY created_at DESC
		LIMIT $4`,
		domain.TierPublic, domain.TierSensitive, senderKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: recent embedded contents: %v", domain.ErrDatabase, err)
	}
	defer rows.Close()
	return scanContents(rows)
}

func scanContents(rows *sql.Rows) ([]*domain.ClassifiedContent, error) {
	var result []*domain.ClassifiedContent
	for rows.Next() {
		var c domain.ClassifiedContent
		if err := rows.Scan(&c.ID, &c.Tier, &c.SenderKey, &c.Body, pq.Array(&c.Embedding), &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan content: %v", domain.ErrDatabase, err)
		}
		result = append(result, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate contents: %v", domain.ErrDatabase, err)
	}
	return result, nil
}
