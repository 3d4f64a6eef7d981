package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "execution-insight/backend/internal/errors"
	"execution-insight/backend/pkg/models"
)

const feedbackColumns = `id, target_type, target_id, thread_id, type, rating, content, author, created_at, resolution`

func (s *PostgresStore) InsertFeedback(ctx context.Context, f *models.Feedback) error {
	author, err := json.Marshal(f.Author)
	if err != nil {
		return err
	}
	var resolution []byte
	if f.Resolution != nil {
		if resolution, err = json.Marshal(f.Resolution); err != nil {
			return err
		}
	}
	_, err = s.db.Exec(ctx, `INSERT INTO feedback (`+feedbackColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		f.ID, string(f.TargetType), f.TargetID, f.ThreadID, string(f.Type), f.Rating, f.Content,
		author, f.CreatedAt, resolution)
	if err != nil {
		return fmt.Errorf("inserting feedback %s: %w", f.ID, err)
	}
	return nil
}

func scanFeedback(row pgx.Row) (*models.Feedback, error) {
	var (
		f                  models.Feedback
		targetType, typ    string
		author, resolution []byte
	)
	if err := row.Scan(&f.ID, &targetType, &f.TargetID, &f.ThreadID, &typ, &f.Rating, &f.Content,
		&author, &f.CreatedAt, &resolution); err != nil {
		return nil, err
	}
	f.TargetType = models.TargetType(targetType)
	f.Type = models.FeedbackType(typ)
	if err := json.Unmarshal(author, &f.Author); err != nil {
		return nil, fmt.Errorf("decoding author of %s: %w", f.ID, err)
	}
	if len(resolution) > 0 {
		f.Resolution = &models.Resolution{}
		if err := json.Unmarshal(resolution, f.Resolution); err != nil {
			return nil, fmt.Errorf("decoding resolution of %s: %w", f.ID, err)
		}
	}
	return &f, nil
}

func (s *PostgresStore) queryFeedback(ctx context.Context, q string, args ...any) ([]*models.Feedback, error) {
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Feedback
	for rows.Next() {
		f, err := scanFeedback(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetFeedback(ctx context.Context, id string) (*models.Feedback, error) {
	f, err := scanFeedback(s.db.QueryRow(ctx, `SELECT `+feedbackColumns+` FROM feedback WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "feedback %s", id)
	}
	return f, nil
}

func (s *PostgresStore) ListFeedbackByTarget(ctx context.Context, targetType models.TargetType, targetID string) ([]*models.Feedback, error) {
	return s.queryFeedback(ctx, `SELECT `+feedbackColumns+` FROM feedback
		WHERE target_type = $1 AND target_id = $2 ORDER BY seq`, string(targetType), targetID)
}

func (s *PostgresStore) ListFeedbackByThread(ctx context.Context, threadID string) ([]*models.Feedback, error) {
	return s.queryFeedback(ctx, `SELECT `+feedbackColumns+` FROM feedback
		WHERE thread_id = $1 ORDER BY seq`, threadID)
}

func (s *PostgresStore) ListFeedbackBetween(ctx context.Context, from, to time.Time) ([]*models.Feedback, error) {
	return s.queryFeedback(ctx, `SELECT `+feedbackColumns+` FROM feedback
		WHERE created_at >= $1 AND created_at < $2 ORDER BY seq`, from, to)
}

// ResolveFeedback relies on the conditional update to serialize concurrent resolutions.
func (s *PostgresStore) ResolveFeedback(ctx context.Context, id string, r models.Resolution) (*models.Feedback, error) {
	resolution, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	f, err := scanFeedback(s.db.QueryRow(ctx, `UPDATE feedback SET resolution = $2
		WHERE id = $1 AND resolution IS NULL RETURNING `+feedbackColumns, id, resolution))
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM feedback WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "feedback %s", id)
	}
	return nil, apperrors.Wrapf(apperrors.ErrAlreadyResolved, "feedback %s", id)
}
