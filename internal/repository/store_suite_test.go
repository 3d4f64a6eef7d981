package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "execution-insight/backend/internal/errors"
	"execution-insight/backend/pkg/models"
)

var baseTime = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newThread(id string, seq int64) *models.Thread {
	return &models.Thread{
		ID:                  id,
		ProcessInstanceID:   id,
		ProcessDefinitionID: "order-fulfilment",
		Domain:              "retail",
		Status:              models.StatusActive,
		StartTime:           baseTime,
		Variables:           map[string]any{"region": "eu"},
		LastSequence:        seq,
		UpdatedAt:           baseTime,
	}
}

func newEvent(threadID string, seq int64, kind models.EventKind) *models.Event {
	return &models.Event{
		ThreadID:   threadID,
		Kind:       kind,
		Sequence:   seq,
		OccurredAt: baseTime.Add(time.Duration(seq) * time.Second),
		ReceivedAt: baseTime.Add(time.Duration(seq) * time.Second),
	}
}

// runStoreSuite exercises the behaviour every Store backend must share.
func runStoreSuite(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("Commit and read projections", func(t *testing.T) {
		id := uuid.NewString()
		th := newThread(id, 1)
		require.NoError(t, store.Commit(ctx, Commit{Event: newEvent(id, 1, models.EventThreadStarted), Thread: th}))

		th.LastSequence = 2
		th.TaskCount = 1
		task := &models.Task{
			ID:        uuid.NewString(),
			ThreadID:  id,
			Name:      "Approve order",
			Type:      models.TaskTypeUser,
			Status:    models.StatusActive,
			StartTime: baseTime.Add(time.Second),
			InputRef:  "sha256:aa",
			UpdatedAt: baseTime,
		}
		ev := newEvent(id, 2, models.EventTaskStarted)
		ev.TaskID = task.ID
		ev.Payload.InputRef = "sha256:aa"
		require.NoError(t, store.Commit(ctx, Commit{Event: ev, Thread: th, Task: task}))

		got, err := store.GetThread(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.LastSequence)
		assert.Equal(t, 1, got.TaskCount)
		assert.Equal(t, "eu", got.Variables["region"])

		gotTask, err := store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskTypeUser, gotTask.Type)
		assert.Equal(t, "sha256:aa", gotTask.InputRef)

		tasks, err := store.ListTasks(ctx, id)
		require.NoError(t, err)
		assert.Len(t, tasks, 1)

		events, err := store.Events(ctx, id, 0)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, models.EventThreadStarted, events[0].Kind)
		assert.Equal(t, "sha256:aa", events[1].Payload.InputRef)

		refs, err := store.ReferencedContexts(ctx)
		require.NoError(t, err)
		assert.Contains(t, refs, "sha256:aa")
	})

	t.Run("Duplicate sequence is rejected", func(t *testing.T) {
		id := uuid.NewString()
		require.NoError(t, store.Commit(ctx, Commit{Event: newEvent(id, 1, models.EventThreadStarted), Thread: newThread(id, 1)}))
		err := store.Commit(ctx, Commit{Event: newEvent(id, 1, models.EventThreadStarted), Thread: newThread(id, 1)})
		assert.ErrorIs(t, err, ErrDuplicateEvent)
	})

	t.Run("Unknown ids are not found", func(t *testing.T) {
		_, err := store.GetThread(ctx, "missing")
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
		_, err = store.GetTask(ctx, "missing")
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
		_, err = store.GetFeedback(ctx, "missing")
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
		_, err = store.GetImpact(ctx, "missing")
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("ListThreads filters", func(t *testing.T) {
		domain := "filter-" + uuid.NewString()
		for i, status := range []models.Status{models.StatusActive, models.StatusCompleted} {
			id := uuid.NewString()
			th := newThread(id, 1)
			th.Domain = domain
			th.Status = status
			th.StartTime = baseTime.Add(time.Duration(i) * time.Hour)
			if status.IsTerminal() {
				end := th.StartTime.Add(time.Minute)
				th.EndTime = &end
			}
			require.NoError(t, store.Commit(ctx, Commit{Event: newEvent(id, 1, models.EventThreadStarted), Thread: th}))
		}

		all, err := store.ListThreads(ctx, models.ThreadFilter{Domain: domain})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.True(t, all[0].StartTime.After(all[1].StartTime))

		done, err := store.ListThreads(ctx, models.ThreadFilter{Domain: domain, Statuses: []models.Status{models.StatusCompleted}})
		require.NoError(t, err)
		require.Len(t, done, 1)
		assert.NotNil(t, done[0].EndTime)

		recent, err := store.ListThreads(ctx, models.ThreadFilter{Domain: domain, UpdatedAfter: baseTime.Add(time.Hour)})
		require.NoError(t, err)
		assert.Empty(t, recent)
		recent, err = store.ListThreads(ctx, models.ThreadFilter{Domain: domain, UpdatedAfter: baseTime})
		require.NoError(t, err)
		assert.Len(t, recent, 2)
	})

	t.Run("Feedback resolve is single shot", func(t *testing.T) {
		rating := 4
		f := &models.Feedback{
			ID:         uuid.NewString(),
			TargetType: models.TargetThread,
			TargetID:   "thread-fb",
			ThreadID:   "thread-fb",
			Type:       models.FeedbackRating,
			Rating:     &rating,
			Author:     models.Principal{ID: "u1", Role: "reviewer", Credibility: 0.9},
			CreatedAt:  baseTime,
		}
		require.NoError(t, store.InsertFeedback(ctx, f))

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			resolved int
			already  int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.ResolveFeedback(ctx, f.ID, models.Resolution{Status: "fixed", ResolvedBy: "u2", ResolvedAt: baseTime})
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					resolved++
				} else if apperrors.Is(err, apperrors.ErrAlreadyResolved) {
					already++
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, resolved)
		assert.Equal(t, 7, already)

		_, err := store.ResolveFeedback(ctx, "missing", models.Resolution{Status: "fixed"})
		assert.ErrorIs(t, err, apperrors.ErrNotFound)

		got, err := store.GetFeedback(ctx, f.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Resolution)
		assert.Equal(t, 4, *got.Rating)

		list, err := store.ListFeedbackByTarget(ctx, models.TargetThread, "thread-fb")
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("Signatures are written once per model", func(t *testing.T) {
		target := uuid.NewString()
		sig := &models.Signature{
			TargetID: target, TargetType: models.TargetTask, ThreadID: "t", Model: "m1",
			Vector: []float32{1, 0}, Outcome: models.StatusCompleted, CompletedAt: baseTime, ComputedAt: baseTime,
		}
		require.NoError(t, store.SaveSignature(ctx, sig))
		second := *sig
		second.Vector = []float32{0, 1}
		require.NoError(t, store.SaveSignature(ctx, &second))

		got, err := store.GetSignature(ctx, models.TargetTask, target, "m1")
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 0}, got.Vector)
	})

	t.Run("Latest analyses", func(t *testing.T) {
		target := uuid.NewString()
		first := &models.SimilarityRecord{ID: uuid.NewString(), TargetID: target, TargetType: models.TargetThread, ComputedAt: baseTime}
		second := &models.SimilarityRecord{ID: uuid.NewString(), TargetID: target, TargetType: models.TargetThread, ComputedAt: baseTime.Add(time.Minute), PreviousID: first.ID}
		require.NoError(t, store.SaveSimilarity(ctx, first))
		require.NoError(t, store.SaveSimilarity(ctx, second))

		latest, err := store.LatestSimilarity(ctx, models.TargetThread, target)
		require.NoError(t, err)
		assert.Equal(t, second.ID, latest.ID)
		assert.Equal(t, first.ID, latest.PreviousID)

		trigger := models.ChangeTrigger{Kind: models.TriggerProcessDefinition, ProcessDefinitionID: uuid.NewString()}
		a := &models.ImpactAnalysis{ID: uuid.NewString(), Trigger: trigger, OverallRisk: models.ImpactHigh, ComputedAt: baseTime}
		require.NoError(t, store.SaveImpact(ctx, a))
		got, err := store.LatestImpact(ctx, trigger.Fingerprint())
		require.NoError(t, err)
		assert.Equal(t, a.ID, got.ID)
		assert.Equal(t, models.ImpactHigh, got.OverallRisk)
	})
}

// runBlobSuite exercises the behaviour every BlobStore backend must share.
func runBlobSuite(t *testing.T, blobs BlobStore) {
	ctx := context.Background()

	created, err := blobs.PutBlob(ctx, "sha256:one", []byte(`{"a":1}`), baseTime)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = blobs.PutBlob(ctx, "sha256:one", []byte(`{"a":1}`), baseTime.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, created)

	data, err := blobs.GetBlob(ctx, "sha256:one")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(data))

	ok, err := blobs.HasBlob(ctx, "sha256:one")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = blobs.GetBlob(ctx, "sha256:none")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	// The re-put refreshed the stamp, so a cutoff between the two writes keeps it.
	cutoff := baseTime.Add(30 * time.Minute)
	stale, err := blobs.ListBlobsBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.NotContains(t, stale, "sha256:one")

	deleted, err := blobs.DeleteBlobIfBefore(ctx, "sha256:one", cutoff)
	require.NoError(t, err)
	assert.False(t, deleted)

	later := baseTime.Add(2 * time.Hour)
	stale, err = blobs.ListBlobsBefore(ctx, later)
	require.NoError(t, err)
	assert.Contains(t, stale, "sha256:one")

	deleted, err = blobs.DeleteBlobIfBefore(ctx, "sha256:one", later)
	require.NoError(t, err)
	assert.True(t, deleted)

	ok, err = blobs.HasBlob(ctx, "sha256:one")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, blobs.Ping(ctx))
}
