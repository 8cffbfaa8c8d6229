package pgdelivery

import (
	"context"
	"time"

	"github.com/CheherK/COD-CRM-sub001/internal/errs"
	"github.com/CheherK/COD-CRM-sub001/internal/models"
	"github.com/pkg/errors"
)

func (s *Storage) AddActivity(ctx context.Context, a models.Activity) error {
	return errs.Persistence("insert activity", insertActivity(ctx, s.db, a, time.Now().UTC()))
}

func (s *Storage) ListActivities(ctx context.Context, limit int) ([]models.Activity, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
SELECT id, type, description, actor_id, metadata, created_at
FROM activities
ORDER BY id DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, errs.Persistence("select activities", err)
	}
	defer rows.Close()

	var out []models.Activity
	for rows.Next() {
		var a models.Activity
		if err := rows.Scan(&a.ID, &a.Type, &a.Description, &a.ActorID, &a.Metadata, &a.CreatedAt); err != nil {
			return nil, errs.Persistence("scan activity", err)
		}
		out = append(out, a)
	}
	if rows.Err() != nil {
		return nil, errs.Persistence("rows", rows.Err())
	}
	return out, nil
}

func insertActivity(ctx context.Context, q execer, a models.Activity, at time.Time) error {
	if a.Type == "" {
		return nil
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = at
	}
	_, err := q.Exec(ctx, `
INSERT INTO activities (type, description, actor_id, metadata, created_at)
VALUES ($1,$2,$3,$4,$5)
`, a.Type, a.Description, a.ActorID, nilIfEmpty(a.Metadata), a.CreatedAt)
	return errors.Wrap(err, "insert activity")
}
