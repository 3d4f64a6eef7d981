package impact

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"execution-insight/backend/internal/config"
	apperrors "execution-insight/backend/internal/errors"
	"execution-insight/backend/internal/repository"
	"execution-insight/backend/pkg/models"
)

var t0 = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

// countingStore records how often threads are read.
type countingStore struct {
	*repository.MemoryStore
	reads atomic.Int64
}

func (s *countingStore) ListThreads(ctx context.Context, f models.ThreadFilter) ([]*models.Thread, error) {
	s.reads.Add(1)
	return s.MemoryStore.ListThreads(ctx, f)
}

func (s *countingStore) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	s.reads.Add(1)
	return s.MemoryStore.GetThread(ctx, id)
}

type mockSimilarity struct {
	mock.Mock
}

func (m *mockSimilarity) ScoreThreads(ctx context.Context, trigger models.ChangeTrigger, ids []string) (map[string]float64, error) {
	args := m.Called(ctx, trigger, ids)
	scores, _ := args.Get(0).(map[string]float64)
	return scores, args.Error(1)
}

type stubQuality map[string]float64

func (q stubQuality) Aggregate(_ context.Context, _ models.TargetType, id string) (*models.FeedbackAggregate, error) {
	agg := &models.FeedbackAggregate{TargetID: id}
	if v, ok := q[id]; ok {
		agg.RatedCount = 1
		agg.WeightedMean = v
	}
	return agg, nil
}

func (q stubQuality) Quality(agg *models.FeedbackAggregate) (float64, bool) {
	return agg.WeightedMean, agg.RatedCount > 0
}

type fixture struct {
	store *countingStore
	mock  *clock.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mc := clock.NewMock()
	mc.Set(t0)
	return &fixture{store: &countingStore{MemoryStore: repository.NewMemoryStore()}, mock: mc}
}

// thread stores a completed thread whose tasks have the given types. A
// call_activity task calls the named process.
func (f *fixture) thread(t *testing.T, id, def string, status models.Status, calls string, types ...models.TaskType) {
	t.Helper()
	th := &models.Thread{
		ID: id, ProcessDefinitionID: def, Domain: "ops", Status: status,
		StartTime: t0.Add(-time.Hour), LastSequence: 1,
	}
	if status.IsTerminal() {
		end := t0
		th.EndTime = &end
	}
	for i, tt := range types {
		th.ExecutionPath = append(th.ExecutionPath, models.TaskTransition{
			TaskID: id + "-task", TaskName: "step", TaskType: tt, To: models.StatusCompleted, Sequence: int64(i + 1),
		})
	}
	ev := &models.Event{ThreadID: id, Sequence: 1, Kind: models.EventThreadStarted}
	var task *models.Task
	if calls != "" {
		task = &models.Task{ID: id + "-call", ThreadID: id, Name: "call", Type: models.TaskTypeCallActivity,
			Status: models.StatusCompleted, CalledProcess: calls}
	}
	require.NoError(t, f.store.Commit(context.Background(), repository.Commit{Event: ev, Thread: th, Task: task}))
}

func (f *fixture) seed(t *testing.T) {
	f.thread(t, "a1", "proc-a", models.StatusCompleted, "", models.TaskTypeAgent, models.TaskTypeUser)
	f.thread(t, "a2", "proc-a", models.StatusCompleted, "", models.TaskTypeAgent, models.TaskTypeUser)
	f.thread(t, "a3", "proc-a", models.StatusFailed, "", models.TaskTypeAgent, models.TaskTypeUser)
	f.thread(t, "b1", "proc-b", models.StatusCompleted, "proc-a", models.TaskTypeCallActivity)
	f.thread(t, "c1", "proc-c", models.StatusCompleted, "", models.TaskTypeScript)
	f.thread(t, "a4", "proc-a", models.StatusActive, "", models.TaskTypeAgent)
}

func (f *fixture) analyzer(sim Similarity, q Quality) *Analyzer {
	return NewAnalyzer(f.store, f.store, sim, q, Options{
		MaxHorizonDays:     90,
		MaxDepth:           2,
		MaxCandidates:      100,
		Parallelism:        2,
		Weights:            config.ImpactWeights{Structural: 0.4, Similarity: 0.3, Recency: 0.2, Frequency: 0.1},
		Tiers:              tiers,
		EscalationFraction: 0.25,
		Recency:            config.RecencyConfig{Policy: RecencyExponential, HalfLife: 30 * 24 * time.Hour},
		Strategies:         config.DefaultStrategies,
		Clock:              f.mock,
	})
}

func impactedIDs(a *models.ImpactAnalysis) []string {
	out := make([]string, len(a.Impacted))
	for i, it := range a.Impacted {
		out[i] = it.ThreadID
	}
	return out
}

func TestAnalyze_ScopeTooLargeBeforeScan(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	a := f.analyzer(nil, nil)
	trigger := models.ChangeTrigger{Kind: models.TriggerThread, ThreadID: "a1"}

	_, err := a.Analyze(context.Background(), trigger, models.Scope{HorizonDays: 91})
	assert.ErrorIs(t, err, apperrors.ErrScopeTooLarge)
	assert.Equal(t, apperrors.CategoryLimit, apperrors.Classify(err))

	_, err = a.Analyze(context.Background(), trigger, models.Scope{HorizonDays: 30, Depth: 3})
	assert.ErrorIs(t, err, apperrors.ErrScopeTooLarge)

	assert.Zero(t, f.store.reads.Load())
}

func TestAnalyze_Validation(t *testing.T) {
	f := newFixture(t)
	a := f.analyzer(nil, nil)
	tests := []struct {
		name    string
		trigger models.ChangeTrigger
		scope   models.Scope
	}{
		{"unknown trigger", models.ChangeTrigger{Kind: "schema"}, models.Scope{}},
		{"thread without id", models.ChangeTrigger{Kind: models.TriggerThread}, models.Scope{}},
		{"negative horizon", models.ChangeTrigger{Kind: models.TriggerProcessDefinition, ProcessDefinitionID: "p"}, models.Scope{HorizonDays: -1}},
		{"unknown scope", models.ChangeTrigger{Kind: models.TriggerProcessDefinition, ProcessDefinitionID: "p"}, models.Scope{Kind: "galaxy"}},
		{"domain scope without domain", models.ChangeTrigger{Kind: models.TriggerProcessDefinition, ProcessDefinitionID: "p"}, models.Scope{Kind: models.ScopeDomain}},
		{"task type in definition scope", models.ChangeTrigger{Kind: models.TriggerTaskType, TaskType: models.TaskTypeAgent}, models.Scope{Kind: models.ScopeProcessDefinition}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Analyze(context.Background(), tt.trigger, tt.scope)
			assert.ErrorIs(t, err, apperrors.ErrValidation)
		})
	}
}

func TestAnalyze_EmptyCandidateSet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t)
	a := f.analyzer(nil, nil)

	res, err := a.Analyze(ctx, models.ChangeTrigger{Kind: models.TriggerProcessDefinition, ProcessDefinitionID: "proc-z"}, models.Scope{})
	require.NoError(t, err)
	assert.Equal(t, models.ImpactNegligible, res.OverallRisk)
	assert.Zero(t, res.CandidateCount)
	assert.Empty(t, res.Impacted)
	assert.Empty(t, res.Mitigations)

	stored, err := a.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, res.ID, stored.ID)
}

func TestAnalyze_ProcessDefinitionWithDependencies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t)
	a := f.analyzer(nil, nil)
	trigger := models.ChangeTrigger{Kind: models.TriggerProcessDefinition, ProcessDefinitionID: "proc-a"}

	direct, err := a.Analyze(ctx, trigger, models.Scope{})
	require.NoError(t, err)
	assert.Equal(t, 3, direct.CandidateCount)
	assert.Equal(t, []string{"a1", "a2", "a3"}, impactedIDs(direct))
	for _, it := range direct.Impacted {
		// structural 1, recency 1, frequency 1, no similarity
		assert.InDelta(t, 0.7, it.Score, 1e-9)
		assert.Equal(t, models.ImpactHigh, it.Level)
	}
	assert.Equal(t, models.ImpactCritical, direct.OverallRisk)
	assert.True(t, direct.Escalated)

	deep, err := a.Analyze(ctx, trigger, models.Scope{Depth: 1})
	require.NoError(t, err)
	assert.Equal(t, 4, deep.CandidateCount)
	assert.Equal(t, []string{"a1", "a2", "a3", "b1"}, impactedIDs(deep))
	b1 := deep.Impacted[3]
	assert.InDelta(t, 0.4*0.5+0.5*(0.2+0.1/3), b1.Score, 1e-9)
	assert.Equal(t, models.ImpactLow, b1.Level)
	assert.Equal(t, direct.ID, deep.PreviousID)

	require.Len(t, deep.Mitigations, len(config.DefaultStrategies["process_structure"]))
	for _, m := range deep.Mitigations {
		assert.Equal(t, models.CategoryProcessStructure, m.Category)
		assert.Equal(t, models.ImpactHigh, m.Priority)
		assert.Equal(t, 4, m.AffectedThreads)
	}
}

func TestAnalyze_ConfiguredDependencies(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	a := f.analyzer(nil, nil)
	a.opts.Dependencies = map[string][]string{"proc-c": {"proc-b"}}

	res, err := a.Analyze(context.Background(),
		models.ChangeTrigger{Kind: models.TriggerProcessDefinition, ProcessDefinitionID: "proc-a"}, models.Scope{Depth: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, res.CandidateCount)
	assert.Contains(t, impactedIDs(res), "c1")
}

func TestAnalyze_ThreadTriggerExcludesItselfAndUsesSimilarity(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	sim := &mockSimilarity{}
	sim.On("ScoreThreads", mock.Anything, mock.Anything, []string{"a2", "a3"}).
		Return(map[string]float64{"a3": 1.0}, nil).Once()
	a := f.analyzer(sim, nil)

	res, err := a.Analyze(context.Background(), models.ChangeTrigger{Kind: models.TriggerThread, ThreadID: "a1"}, models.Scope{})
	require.NoError(t, err)
	sim.AssertExpectations(t)
	assert.Equal(t, 2, res.CandidateCount)
	assert.Equal(t, []string{"a3", "a2"}, impactedIDs(res))
	assert.InDelta(t, 1.0, res.Impacted[0].Score, 1e-9)
	assert.Equal(t, models.ImpactCritical, res.Impacted[0].Level)
}

func TestAnalyze_DegradedSimilarity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t)
	sim := &mockSimilarity{}
	sim.On("ScoreThreads", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, apperrors.Degraded("embedding", errors.New("provider down")))
	a := f.analyzer(sim, nil)

	res, err := a.Analyze(ctx, models.ChangeTrigger{Kind: models.TriggerProcessDefinition, ProcessDefinitionID: "proc-a"}, models.Scope{})
	assert.ErrorIs(t, err, apperrors.ErrAnalysisDegraded)
	require.NotNil(t, res)
	assert.True(t, res.Degraded)
	assert.Len(t, res.Impacted, 3)

	stored, err := a.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.True(t, stored.Degraded)
}

func TestAnalyze_InFlightAndQuality(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	a := f.analyzer(nil, stubQuality{"a2": 0.1})

	res, err := a.Analyze(context.Background(),
		models.ChangeTrigger{Kind: models.TriggerTaskType, TaskType: models.TaskTypeAgent},
		models.Scope{IncludeActive: true})
	require.NoError(t, err)
	assert.Equal(t, 6, res.CandidateCount)
	assert.ElementsMatch(t, []string{"a1", "a2", "a3", "a4"}, impactedIDs(res))

	cats := make(map[models.ImpactCategory]bool)
	for _, m := range res.Mitigations {
		cats[m.Category] = true
	}
	assert.True(t, cats[models.CategoryProcessStructure])
	assert.True(t, cats[models.CategoryInFlight])
	assert.True(t, cats[models.CategoryQuality])
	assert.False(t, cats[models.CategoryDataContext])
}

func TestAnalyze_TooManyCandidates(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	a := f.analyzer(nil, nil)
	a.opts.MaxCandidates = 2

	_, err := a.Analyze(context.Background(), models.ChangeTrigger{Kind: models.TriggerTaskType, TaskType: models.TaskTypeAgent}, models.Scope{})
	assert.ErrorIs(t, err, apperrors.ErrScopeTooLarge)
}

func TestAnalyze_Canceled(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	a := f.analyzer(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Analyze(ctx, models.ChangeTrigger{Kind: models.TriggerTaskType, TaskType: models.TaskTypeAgent}, models.Scope{})
	assert.ErrorIs(t, err, context.Canceled)
}

// cancellingQuality cancels the analysis while candidates are scored.
type cancellingQuality struct {
	stubQuality
	cancel context.CancelFunc
}

func (q cancellingQuality) Aggregate(ctx context.Context, tt models.TargetType, id string) (*models.FeedbackAggregate, error) {
	q.cancel()
	return q.stubQuality.Aggregate(ctx, tt, id)
}

func TestAnalyze_CanceledWhileScoringIsNotStored(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := f.analyzer(nil, cancellingQuality{stubQuality: stubQuality{}, cancel: cancel})
	a.opts.Parallelism = 1
	trigger := models.ChangeTrigger{Kind: models.TriggerThread, ThreadID: "a1"}

	res, err := a.Analyze(ctx, trigger, models.Scope{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res)

	_, err = f.store.LatestImpact(context.Background(), trigger.Fingerprint())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestNewAnalyzer_DefaultsZeroTiers(t *testing.T) {
	a := NewAnalyzer(nil, nil, nil, nil, Options{})
	assert.Equal(t, config.DefaultImpactTiers, a.opts.Tiers)
	assert.Equal(t, models.ImpactLow, level(0.3, a.opts.Tiers))
	assert.Equal(t, models.ImpactNegligible, level(0.1, a.opts.Tiers))
}

func TestAnalyze_UnknownThread(t *testing.T) {
	f := newFixture(t)
	a := f.analyzer(nil, nil)
	_, err := a.Analyze(context.Background(), models.ChangeTrigger{Kind: models.TriggerThread, ThreadID: "nope"}, models.Scope{})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
