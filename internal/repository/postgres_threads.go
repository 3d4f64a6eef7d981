package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"execution-insight/backend/pkg/models"
)

const threadColumns = `id, process_instance_id, process_definition_id, business_key, domain, status,
	start_time, end_time, task_count, completed_tasks, failed_tasks, variables, execution_path,
	last_sequence, anomalies, updated_at`

const taskColumns = `id, thread_id, name, type, status, start_time, end_time, assignee, input_ref,
	injected_ref, output_ref, previous_output_refs, called_process, metrics, error, updated_at`

// Commit appends the event and upserts the projections in one transaction.
func (s *PostgresStore) Commit(ctx context.Context, c Commit) error {
	ev, t := c.Event, c.Thread
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encoding event payload: %w", err)
	}
	vars, err := json.Marshal(t.Variables)
	if err != nil {
		return fmt.Errorf("encoding variables: %w", err)
	}
	path, err := json.Marshal(t.ExecutionPath)
	if err != nil {
		return err
	}
	anomalies, err := json.Marshal(t.Anomalies)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `INSERT INTO thread_events
			(thread_id, sequence, task_id, kind, occurred_at, received_at, payload, anomaly)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (thread_id, sequence) DO NOTHING`,
			ev.ThreadID, ev.Sequence, ev.TaskID, ev.Kind.String(), ev.OccurredAt, ev.ReceivedAt,
			payload, string(ev.Anomaly))
		if err != nil {
			return fmt.Errorf("appending event %s: %w", ev.Key(), err)
		}
		if tag.RowsAffected() == 0 {
			return ErrDuplicateEvent
		}

		_, err = tx.Exec(ctx, `INSERT INTO threads (`+threadColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			ON CONFLICT (id) DO UPDATE SET
				process_instance_id = EXCLUDED.process_instance_id,
				process_definition_id = EXCLUDED.process_definition_id,
				business_key = EXCLUDED.business_key,
				domain = EXCLUDED.domain,
				status = EXCLUDED.status,
				start_time = EXCLUDED.start_time,
				end_time = EXCLUDED.end_time,
				task_count = EXCLUDED.task_count,
				completed_tasks = EXCLUDED.completed_tasks,
				failed_tasks = EXCLUDED.failed_tasks,
				variables = EXCLUDED.variables,
				execution_path = EXCLUDED.execution_path,
				last_sequence = EXCLUDED.last_sequence,
				anomalies = EXCLUDED.anomalies,
				updated_at = EXCLUDED.updated_at`,
			t.ID, t.ProcessInstanceID, t.ProcessDefinitionID, t.BusinessKey, t.Domain, string(t.Status),
			t.StartTime, t.EndTime, t.TaskCount, t.CompletedTasks, t.FailedTasks, vars, path,
			t.LastSequence, anomalies, t.UpdatedAt)
		if err != nil {
			return fmt.Errorf("storing thread %s: %w", t.ID, err)
		}

		if c.Task == nil {
			return nil
		}
		k := c.Task
		metrics, err := json.Marshal(k.Metrics)
		if err != nil {
			return err
		}
		prev := k.PreviousOutputRefs
		if prev == nil {
			prev = []string{}
		}
		_, err = tx.Exec(ctx, `INSERT INTO tasks (`+taskColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				type = EXCLUDED.type,
				status = EXCLUDED.status,
				start_time = EXCLUDED.start_time,
				end_time = EXCLUDED.end_time,
				assignee = EXCLUDED.assignee,
				input_ref = EXCLUDED.input_ref,
				injected_ref = EXCLUDED.injected_ref,
				output_ref = EXCLUDED.output_ref,
				previous_output_refs = EXCLUDED.previous_output_refs,
				called_process = EXCLUDED.called_process,
				metrics = EXCLUDED.metrics,
				error = EXCLUDED.error,
				updated_at = EXCLUDED.updated_at`,
			k.ID, k.ThreadID, k.Name, string(k.Type), string(k.Status), k.StartTime, k.EndTime,
			k.Assignee, k.InputRef, k.InjectedRef, k.OutputRef, prev, k.CalledProcess, metrics,
			k.Error, k.UpdatedAt)
		if err != nil {
			return fmt.Errorf("storing task %s: %w", k.ID, err)
		}
		return nil
	})
}

func scanThread(row pgx.Row) (*models.Thread, error) {
	var (
		t                     models.Thread
		status                string
		vars, path, anomalies []byte
	)
	err := row.Scan(&t.ID, &t.ProcessInstanceID, &t.ProcessDefinitionID, &t.BusinessKey, &t.Domain,
		&status, &t.StartTime, &t.EndTime, &t.TaskCount, &t.CompletedTasks, &t.FailedTasks, &vars,
		&path, &t.LastSequence, &anomalies, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = models.Status(status)
	if err := json.Unmarshal(vars, &t.Variables); err != nil {
		return nil, fmt.Errorf("decoding variables of %s: %w", t.ID, err)
	}
	if err := json.Unmarshal(path, &t.ExecutionPath); err != nil {
		return nil, fmt.Errorf("decoding execution path of %s: %w", t.ID, err)
	}
	if err := json.Unmarshal(anomalies, &t.Anomalies); err != nil {
		return nil, fmt.Errorf("decoding anomalies of %s: %w", t.ID, err)
	}
	return &t, nil
}

func scanTask(row pgx.Row) (*models.Task, error) {
	var (
		k           models.Task
		typ, status string
		metrics     []byte
	)
	err := row.Scan(&k.ID, &k.ThreadID, &k.Name, &typ, &status, &k.StartTime, &k.EndTime,
		&k.Assignee, &k.InputRef, &k.InjectedRef, &k.OutputRef, &k.PreviousOutputRefs,
		&k.CalledProcess, &metrics, &k.Error, &k.UpdatedAt)
	if err != nil {
		return nil, err
	}
	k.Type = models.TaskType(typ)
	k.Status = models.Status(status)
	if len(k.PreviousOutputRefs) == 0 {
		k.PreviousOutputRefs = nil
	}
	if err := json.Unmarshal(metrics, &k.Metrics); err != nil {
		return nil, fmt.Errorf("decoding metrics of %s: %w", k.ID, err)
	}
	return &k, nil
}

func (s *PostgresStore) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	t, err := scanThread(s.db.QueryRow(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "thread %s", id)
	}
	return t, nil
}

func (s *PostgresStore) ListThreads(ctx context.Context, filter models.ThreadFilter) ([]*models.Thread, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	if len(filter.ProcessDefinitionIDs) > 0 {
		where = append(where, "process_definition_id = ANY("+arg(filter.ProcessDefinitionIDs)+")")
	}
	if filter.Domain != "" {
		where = append(where, "domain = "+arg(filter.Domain))
	}
	if !filter.StartedAfter.IsZero() {
		where = append(where, "start_time >= "+arg(filter.StartedAfter))
	}
	if !filter.StartedBefore.IsZero() {
		where = append(where, "start_time < "+arg(filter.StartedBefore))
	}
	if !filter.UpdatedAfter.IsZero() {
		where = append(where, "updated_at >= "+arg(filter.UpdatedAfter))
	}

	q := `SELECT ` + threadColumns + ` FROM threads`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY start_time DESC, id"
	if filter.Limit > 0 {
		q += " LIMIT " + arg(filter.Limit)
	}

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var threads []*models.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	k, err := scanTask(s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "task %s", id)
	}
	return k, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, threadID string) ([]*models.Task, error) {
	rows, err := s.db.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE thread_id = $1
		ORDER BY start_time, id`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		k, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, k)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) Events(ctx context.Context, threadID string, limit int) ([]*models.Event, error) {
	q := `SELECT thread_id, sequence, task_id, kind, occurred_at, received_at, payload, anomaly
		FROM thread_events WHERE thread_id = $1 ORDER BY sequence`
	args := []any{threadID}
	if limit > 0 {
		q += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		var (
			ev            models.Event
			kind, anomaly string
			payload       []byte
		)
		if err := rows.Scan(&ev.ThreadID, &ev.Sequence, &ev.TaskID, &kind, &ev.OccurredAt,
			&ev.ReceivedAt, &payload, &anomaly); err != nil {
			return nil, err
		}
		if ev.Kind, err = models.ParseEventKind(kind); err != nil {
			return nil, err
		}
		ev.Anomaly = models.AnomalyKind(anomaly)
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("decoding payload of %s: %w", ev.Key(), err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func (s *PostgresStore) ReferencedContexts(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.Query(ctx, `SELECT ref FROM (
			SELECT input_ref AS ref FROM tasks
			UNION SELECT injected_ref FROM tasks
			UNION SELECT output_ref FROM tasks
			UNION SELECT unnest(previous_output_refs) FROM tasks
		) r WHERE ref <> ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	refs := make(map[string]struct{})
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		refs[ref] = struct{}{}
	}
	return refs, rows.Err()
}
