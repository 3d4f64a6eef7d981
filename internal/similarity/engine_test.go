package similarity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-insight/backend/internal/config"
	"execution-insight/backend/internal/contextstore"
	"execution-insight/backend/internal/embedding"
	apperrors "execution-insight/backend/internal/errors"
	"execution-insight/backend/internal/repository"
	"execution-insight/backend/pkg/models"
)

var t0 = time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    *repository.MemoryStore
	contexts *contextstore.Store
	mock     *clock.Mock
	seq      map[string]int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(t0)
	return &fixture{
		store:    repository.NewMemoryStore(),
		contexts: contextstore.New(repository.NewMemoryBlobStore(), contextstore.Options{Clock: mock}),
		mock:     mock,
		seq:      make(map[string]int64),
	}
}

func (f *fixture) commit(t *testing.T, th *models.Thread, task *models.Task) {
	t.Helper()
	f.seq[th.ID]++
	th.LastSequence = f.seq[th.ID]
	th.UpdatedAt = f.mock.Now()
	require.NoError(t, f.store.Commit(context.Background(), repository.Commit{
		Event:  &models.Event{ThreadID: th.ID, Sequence: f.seq[th.ID], Kind: models.EventVariablesUpdated},
		Thread: th,
		Task:   task,
	}))
}

func (f *fixture) thread(t *testing.T, id, def string, status models.Status) *models.Thread {
	t.Helper()
	th := &models.Thread{ID: id, ProcessDefinitionID: def, Domain: "finance", Status: status, StartTime: t0}
	if status.IsTerminal() {
		end := t0.Add(time.Minute)
		th.EndTime = &end
	}
	f.commit(t, th, nil)
	return th
}

func (f *fixture) task(t *testing.T, th *models.Thread, id, name string, status models.Status, response string) {
	t.Helper()
	ref, err := f.contexts.Put(context.Background(), []byte(`{"response":"`+response+`"}`))
	require.NoError(t, err)
	task := &models.Task{
		ID: id, ThreadID: th.ID, Name: name, Type: models.TaskTypeAgent, Status: status,
		StartTime: t0, OutputRef: ref, Metrics: models.TaskMetrics{DurationMs: 1000},
	}
	if status.IsTerminal() {
		end := t0.Add(time.Second)
		task.EndTime = &end
	}
	th.ExecutionPath = append(th.ExecutionPath, models.TaskTransition{TaskID: id, TaskName: name, TaskType: task.Type, To: status})
	f.commit(t, th, task)
}

// seed creates three finished threads, two of them near-identical invoice
// runs, plus one running thread.
func (f *fixture) seed(t *testing.T) {
	th1 := f.thread(t, "th-1", "proc-a", models.StatusCompleted)
	f.task(t, th1, "tk-1", "classify invoice", models.StatusCompleted, "invoice vendor acme total amount due net thirty")
	th2 := f.thread(t, "th-2", "proc-a", models.StatusCompleted)
	f.task(t, th2, "tk-2", "classify invoice", models.StatusCompleted, "invoice vendor globex total amount due net sixty")
	th3 := f.thread(t, "th-3", "proc-b", models.StatusFailed)
	f.task(t, th3, "tk-3", "draft email", models.StatusFailed, "weather forecast sunny beach holiday")
	th4 := f.thread(t, "th-4", "proc-a", models.StatusActive)
	f.task(t, th4, "tk-4", "classify invoice", models.StatusActive, "invoice vendor")
}

func (f *fixture) engine(provider embedding.Provider, quality Quality) *Engine {
	return NewEngine(Deps{
		Threads:    f.store,
		Signatures: f.store,
		Records:    f.store,
		Contexts:   f.contexts,
		Provider:   provider,
		Feedback:   quality,
	}, Options{
		TopK:                5,
		Threshold:           0.05,
		Weights:             config.SimilarityWeights{Structural: 0.3, Context: 0.5, Outcome: 0.2},
		ContentFields:       []string{"prompt", "response"},
		BestPracticeQuality: 0.75,
		AvoidQuality:        0.25,
		Clock:               f.mock,
	})
}

// switchable embeds with the current provider and can be made to fail.
type switchable struct {
	fail atomic.Bool
	dims atomic.Int32
}

func (s *switchable) Embed(ctx context.Context, text string) (embedding.Embedding, error) {
	if s.fail.Load() {
		return embedding.Embedding{}, errors.New("provider down")
	}
	return embedding.NewHashing(int(s.dims.Load())).Embed(ctx, text)
}

func newSwitchable(dims int) *switchable {
	s := &switchable{}
	s.dims.Store(int32(dims))
	return s
}

type stubQuality map[string]*models.FeedbackAggregate

func (q stubQuality) Aggregate(_ context.Context, _ models.TargetType, id string) (*models.FeedbackAggregate, error) {
	if agg, ok := q[id]; ok {
		return agg, nil
	}
	return &models.FeedbackAggregate{TargetID: id}, nil
}

func (q stubQuality) Quality(agg *models.FeedbackAggregate) (float64, bool) {
	if agg.RatedCount == 0 {
		return 0, false
	}
	return (agg.WeightedMean - 1) / 4, true
}

func TestAnalyze_FindsSimilarTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t)
	e := f.engine(embedding.NewHashing(64), nil)

	n, err := e.Backfill(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	rec, err := e.Analyze(ctx, "tk-1", models.TargetTask)
	require.NoError(t, err)
	require.NotEmpty(t, rec.Neighbors)
	assert.Equal(t, "tk-2", rec.Neighbors[0].ID)
	assert.Equal(t, "th-2", rec.Neighbors[0].ThreadID)
	for _, nb := range rec.Neighbors {
		assert.NotEqual(t, "tk-1", nb.ID)
		assert.NotEqual(t, "tk-4", nb.ID)
		var sum float64
		for _, fs := range nb.Factors {
			sum += fs.Contribution
		}
		assert.InDelta(t, nb.Score, sum, 1e-9)
		assert.Equal(t, models.RecommendReference, nb.Recommendation.Kind)
	}
	assert.False(t, rec.Degraded)
	assert.Equal(t, AlgorithmVersion, rec.AlgorithmVersion)
	assert.Equal(t, "hashing-64", rec.ModelVersion)
	assert.Greater(t, rec.Confidence, 0.0)
	assert.Empty(t, rec.PreviousID)

	again, err := e.Analyze(ctx, "tk-1", models.TargetTask)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, again.PreviousID)
	assert.Equal(t, ids(rec.Neighbors), ids(again.Neighbors))

	stored, err := f.store.GetSimilarity(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Neighbors[0].ID, stored.Neighbors[0].ID)
}

func TestAnalyze_ThreadTarget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t)
	e := f.engine(embedding.NewHashing(64), nil)
	_, err := e.Backfill(ctx)
	require.NoError(t, err)

	rec, err := e.AnalyzeWith(ctx, Request{TargetID: "th-1", TargetType: models.TargetThread, TopK: 1})
	require.NoError(t, err)
	require.Len(t, rec.Neighbors, 1)
	assert.Equal(t, "th-2", rec.Neighbors[0].ID)
}

func TestAnalyze_Errors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t)
	e := f.engine(embedding.NewHashing(64), nil)

	_, err := e.Analyze(ctx, "tk-4", models.TargetTask)
	assert.ErrorIs(t, err, apperrors.ErrTargetNotReady)

	_, err = e.Analyze(ctx, "th-4", models.TargetThread)
	assert.ErrorIs(t, err, apperrors.ErrTargetNotReady)

	_, err = e.Analyze(ctx, "missing", models.TargetTask)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = e.Analyze(ctx, "tk-1", models.TargetType("process"))
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestAnalyze_NoNeighbors(t *testing.T) {
	f := newFixture(t)
	th := f.thread(t, "solo", "proc-a", models.StatusCompleted)
	f.task(t, th, "only", "classify invoice", models.StatusCompleted, "invoice")
	e := f.engine(embedding.NewHashing(64), nil)

	rec, err := e.Analyze(context.Background(), "only", models.TargetTask)
	require.NoError(t, err)
	assert.NotNil(t, rec.Neighbors)
	assert.Empty(t, rec.Neighbors)
	assert.Zero(t, rec.Confidence)
}

func TestAnalyze_DegradesWithoutProvider(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t)
	provider := newSwitchable(64)
	e := f.engine(provider, nil)

	for _, id := range []string{"tk-2", "tk-3"} {
		ok, err := e.IndexTarget(ctx, models.TargetTask, id)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	provider.fail.Store(true)

	rec, err := e.Analyze(ctx, "tk-1", models.TargetTask)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAnalysisDegraded)
	require.NotNil(t, rec)
	assert.True(t, rec.Degraded)
	assert.Contains(t, rec.DegradedReason, "provider down")
	require.NotEmpty(t, rec.Neighbors)
	assert.Equal(t, "tk-2", rec.Neighbors[0].ID)

	stored, err := f.store.GetSimilarity(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, stored.Degraded)
}

func TestAnalyze_AttachesFeedback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t)
	e := f.engine(embedding.NewHashing(64), stubQuality{
		"tk-2": {TargetID: "tk-2", RatedCount: 3, Mean: 4.5, WeightedMean: 4.6},
	})
	_, err := e.Backfill(ctx)
	require.NoError(t, err)

	rec, err := e.Analyze(ctx, "tk-1", models.TargetTask)
	require.NoError(t, err)
	top := rec.Neighbors[0]
	require.Equal(t, "tk-2", top.ID)
	require.NotNil(t, top.FeedbackMean)
	assert.Equal(t, 4.5, *top.FeedbackMean)
	assert.Equal(t, models.RecommendBestPractice, top.Recommendation.Kind)
	assert.InDelta(t, top.Score*0.9, top.Recommendation.Score, 1e-9)
}

// cancelOnAggregate cancels the analysis while feedback is being attached.
type cancelOnAggregate struct {
	stubQuality
	cancel context.CancelFunc
}

func (q *cancelOnAggregate) Aggregate(ctx context.Context, tt models.TargetType, id string) (*models.FeedbackAggregate, error) {
	if q.cancel != nil {
		q.cancel()
	}
	return q.stubQuality.Aggregate(ctx, tt, id)
}

func TestAnalyze_CancelledDuringFeedbackIsDiscarded(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	q := &cancelOnAggregate{}
	e := f.engine(embedding.NewHashing(64), q)
	_, err := e.Backfill(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.cancel = cancel

	rec, err := e.Analyze(ctx, "tk-1", models.TargetTask)
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, rec)

	_, err = f.store.LatestSimilarity(context.Background(), models.TargetTask, "tk-1")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound), "cancelled analysis must not be stored: %v", err)
}

func TestAnalyze_ModelChangeRequestsReindex(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t)
	provider := newSwitchable(64)
	e := f.engine(provider, nil)
	require.NoError(t, e.Load(ctx))
	_, err := e.Backfill(ctx)
	require.NoError(t, err)

	th := f.thread(t, "th-5", "proc-a", models.StatusCompleted)
	f.task(t, th, "tk-5", "classify invoice", models.StatusCompleted, "invoice vendor initech")
	provider.dims.Store(32)

	rec, err := e.Analyze(ctx, "tk-5", models.TargetTask)
	assert.ErrorIs(t, err, apperrors.ErrAnalysisDegraded)
	require.NotNil(t, rec)
	assert.True(t, rec.Degraded)

	select {
	case <-e.ReindexRequests():
	default:
		t.Fatal("expected a reindex request")
	}

	n, err := e.Reindex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, "hashing-32", e.Index().Snapshot().Model())

	rec, err = e.Analyze(ctx, "tk-5", models.TargetTask)
	require.NoError(t, err)
	assert.False(t, rec.Degraded)
	assert.Equal(t, "hashing-32", rec.ModelVersion)
}

// threadLister records which threads each listing returned.
type threadLister struct {
	*repository.MemoryStore
	listed []string
}

func (s *threadLister) ListThreads(ctx context.Context, f models.ThreadFilter) ([]*models.Thread, error) {
	threads, err := s.MemoryStore.ListThreads(ctx, f)
	for _, th := range threads {
		s.listed = append(s.listed, th.ID)
	}
	return threads, err
}

func TestBackfill_OnlyRevisitsUpdatedThreads(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t)
	threads := &threadLister{MemoryStore: f.store}
	e := NewEngine(Deps{
		Threads:    threads,
		Signatures: f.store,
		Records:    f.store,
		Contexts:   f.contexts,
		Provider:   embedding.NewHashing(64),
	}, Options{ContentFields: []string{"response"}, Clock: f.mock})
	f.mock.Add(2 * time.Minute)

	n, err := e.Backfill(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Len(t, threads.listed, 4)

	f.mock.Add(time.Hour)
	th := f.thread(t, "th-5", "proc-a", models.StatusCompleted)
	f.task(t, th, "tk-5", "classify invoice", models.StatusCompleted, "invoice vendor initech")
	threads.listed = nil

	n, err = e.Backfill(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"th-5"}, threads.listed)
	assert.Equal(t, 8, e.Index().Snapshot().Len())
}

func TestIndexTarget_IsWriteOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t)
	e := f.engine(embedding.NewHashing(64), nil)

	ok, err := e.IndexTarget(ctx, models.TargetTask, "tk-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = e.IndexTarget(ctx, models.TargetTask, "tk-1")
	require.NoError(t, err)
	assert.False(t, ok)

	sigs, err := f.store.ListSignatures(ctx, "hashing-64")
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Contains(t, sigs[0].Keywords, "invoice")
	assert.Equal(t, "proc-a", sigs[0].ProcessDefinitionID)

	// a fresh engine picks the stored signature up on load
	fresh := f.engine(embedding.NewHashing(64), nil)
	require.NoError(t, fresh.Load(ctx))
	assert.NotNil(t, fresh.Index().Snapshot().Get(models.TargetTask, "tk-1"))
}

func TestScoreThreads(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t)
	e := f.engine(embedding.NewHashing(64), nil)
	_, err := e.Backfill(ctx)
	require.NoError(t, err)

	scores, err := e.ScoreThreads(ctx,
		models.ChangeTrigger{Kind: models.TriggerProcessDefinition, ProcessDefinitionID: "proc-a"},
		[]string{"th-1", "th-2", "th-3", "th-4"})
	require.NoError(t, err)
	assert.Contains(t, scores, "th-1")
	assert.Contains(t, scores, "th-3")
	assert.NotContains(t, scores, "th-4")
	assert.Greater(t, scores["th-1"], scores["th-3"])

	scores, err = e.ScoreThreads(ctx,
		models.ChangeTrigger{Kind: models.TriggerTaskType, TaskType: models.TaskTypeScript},
		[]string{"th-1"})
	require.NoError(t, err)
	assert.Empty(t, scores)

	scores, err = e.ScoreThreads(ctx,
		models.ChangeTrigger{Kind: models.TriggerThread, ThreadID: "th-4"},
		[]string{"th-1", "th-3"})
	require.NoError(t, err)
	assert.Greater(t, scores["th-1"], scores["th-3"])
}

func TestScoreThreads_DegradedOnProviderFailure(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	provider := newSwitchable(64)
	provider.fail.Store(true)
	e := f.engine(provider, nil)

	_, err := e.ScoreThreads(context.Background(),
		models.ChangeTrigger{Kind: models.TriggerTaskType, TaskType: models.TaskTypeAgent, Description: "swap model"},
		[]string{"th-1"})
	assert.ErrorIs(t, err, apperrors.ErrAnalysisDegraded)
}
