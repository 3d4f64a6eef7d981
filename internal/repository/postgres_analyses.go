package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"execution-insight/backend/pkg/models"
)

const signatureColumns = `target_type, target_id, model, thread_id, vector, keywords, domain,
	process_definition_id, name, task_type, outcome, duration_ms, completed_at, computed_at`

func (s *PostgresStore) SaveSignature(ctx context.Context, sig *models.Signature) error {
	keywords := sig.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	_, err := s.db.Exec(ctx, `INSERT INTO signatures (`+signatureColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (target_type, target_id, model) DO NOTHING`,
		string(sig.TargetType), sig.TargetID, sig.Model, sig.ThreadID, sig.Vector, keywords, sig.Domain,
		sig.ProcessDefinitionID, sig.Name, string(sig.TaskType), string(sig.Outcome), sig.DurationMs,
		sig.CompletedAt, sig.ComputedAt)
	if err != nil {
		return fmt.Errorf("saving signature %s/%s: %w", sig.TargetType, sig.TargetID, err)
	}
	return nil
}

func scanSignature(row pgx.Row) (*models.Signature, error) {
	var (
		sig                           models.Signature
		targetType, taskType, outcome string
	)
	if err := row.Scan(&targetType, &sig.TargetID, &sig.Model, &sig.ThreadID, &sig.Vector, &sig.Keywords,
		&sig.Domain, &sig.ProcessDefinitionID, &sig.Name, &taskType, &outcome, &sig.DurationMs,
		&sig.CompletedAt, &sig.ComputedAt); err != nil {
		return nil, err
	}
	sig.TargetType = models.TargetType(targetType)
	sig.TaskType = models.TaskType(taskType)
	sig.Outcome = models.Status(outcome)
	return &sig, nil
}

func (s *PostgresStore) GetSignature(ctx context.Context, targetType models.TargetType, targetID, model string) (*models.Signature, error) {
	sig, err := scanSignature(s.db.QueryRow(ctx, `SELECT `+signatureColumns+` FROM signatures
		WHERE target_type = $1 AND target_id = $2 AND model = $3`, string(targetType), targetID, model))
	if err != nil {
		return nil, notFound(err, "signature %s/%s", targetType, targetID)
	}
	return sig, nil
}

func (s *PostgresStore) ListSignatures(ctx context.Context, model string) ([]*models.Signature, error) {
	rows, err := s.db.Query(ctx, `SELECT `+signatureColumns+` FROM signatures
		WHERE model = $1 ORDER BY target_id`, model)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Signature
	for rows.Next() {
		sig, err := scanSignature(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveSimilarity(ctx context.Context, r *models.SimilarityRecord) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `INSERT INTO similarity_records (id, target_type, target_id, record, computed_at)
		VALUES ($1, $2, $3, $4, $5)`, r.ID, string(r.TargetType), r.TargetID, doc, r.ComputedAt)
	return err
}

func scanDocument[T any](row pgx.Row) (*T, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(doc, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *PostgresStore) GetSimilarity(ctx context.Context, id string) (*models.SimilarityRecord, error) {
	r, err := scanDocument[models.SimilarityRecord](s.db.QueryRow(ctx,
		`SELECT record FROM similarity_records WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "similarity record %s", id)
	}
	return r, nil
}

func (s *PostgresStore) LatestSimilarity(ctx context.Context, targetType models.TargetType, targetID string) (*models.SimilarityRecord, error) {
	r, err := scanDocument[models.SimilarityRecord](s.db.QueryRow(ctx, `SELECT record FROM similarity_records
		WHERE target_type = $1 AND target_id = $2 ORDER BY computed_at DESC, id DESC LIMIT 1`,
		string(targetType), targetID))
	if err != nil {
		return nil, notFound(err, "similarity for %s %s", targetType, targetID)
	}
	return r, nil
}

func (s *PostgresStore) SaveImpact(ctx context.Context, a *models.ImpactAnalysis) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `INSERT INTO impact_analyses (id, fingerprint, analysis, computed_at)
		VALUES ($1, $2, $3, $4)`, a.ID, a.Trigger.Fingerprint(), doc, a.ComputedAt)
	return err
}

func (s *PostgresStore) GetImpact(ctx context.Context, id string) (*models.ImpactAnalysis, error) {
	a, err := scanDocument[models.ImpactAnalysis](s.db.QueryRow(ctx,
		`SELECT analysis FROM impact_analyses WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "impact analysis %s", id)
	}
	return a, nil
}

func (s *PostgresStore) LatestImpact(ctx context.Context, fingerprint string) (*models.ImpactAnalysis, error) {
	a, err := scanDocument[models.ImpactAnalysis](s.db.QueryRow(ctx, `SELECT analysis FROM impact_analyses
		WHERE fingerprint = $1 ORDER BY computed_at DESC, id DESC LIMIT 1`, fingerprint))
	if err != nil {
		return nil, notFound(err, "impact analysis for %s", fingerprint)
	}
	return a, nil
}
