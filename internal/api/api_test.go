package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"execution-insight/backend/internal/analytics"
	"execution-insight/backend/internal/auth"
	"execution-insight/backend/internal/contextstore"
	apperrors "execution-insight/backend/internal/errors"
	"execution-insight/backend/internal/feedback"
	"execution-insight/backend/internal/ingest"
	"execution-insight/backend/internal/logging"
	"execution-insight/backend/internal/repository"
	"execution-insight/backend/internal/similarity"
	"execution-insight/backend/internal/threadstate"
	"execution-insight/backend/pkg/models"
)

type mockSimilarity struct{ mock.Mock }

func (m *mockSimilarity) AnalyzeWith(ctx context.Context, req similarity.Request) (*models.SimilarityRecord, error) {
	args := m.Called(ctx, req)
	rec, _ := args.Get(0).(*models.SimilarityRecord)
	return rec, args.Error(1)
}

type mockImpact struct{ mock.Mock }

func (m *mockImpact) Analyze(ctx context.Context, trigger models.ChangeTrigger, scope models.Scope) (*models.ImpactAnalysis, error) {
	args := m.Called(ctx, trigger, scope)
	a, _ := args.Get(0).(*models.ImpactAnalysis)
	return a, args.Error(1)
}

func (m *mockImpact) Get(ctx context.Context, id string) (*models.ImpactAnalysis, error) {
	args := m.Called(ctx, id)
	a, _ := args.Get(0).(*models.ImpactAnalysis)
	return a, args.Error(1)
}

type staticHealth struct{ snap models.HealthSnapshot }

func (s staticHealth) Snapshot() *models.HealthSnapshot { return &s.snap }

var caller = models.Principal{ID: "u-1", Email: "ops@acme.com", Role: "operator", Credibility: 0.8}

type testServer struct {
	e      *echo.Echo
	store  *repository.MemoryStore
	sim    *mockSimilarity
	impact *mockImpact
	health *staticHealth
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := repository.NewMemoryStore()
	contexts := contextstore.New(repository.NewMemoryBlobStore(), contextstore.Options{MaxBytes: 1024})
	in := ingest.New(threadstate.NewMachine(store, clock.New(), nil), store, contexts, ingest.Options{Workers: 2})
	ctx, cancel := context.WithCancel(context.Background())
	in.Start(ctx)
	t.Cleanup(func() {
		cancel()
		in.WaitForCompletion()
	})

	ts := &testServer{
		e:      echo.New(),
		store:  store,
		sim:    &mockSimilarity{},
		impact: &mockImpact{},
		health: &staticHealth{snap: models.HealthSnapshot{Status: "ok", Service: "test"}},
	}
	h := NewHandler(Services{
		Events:     in,
		Threads:    store,
		Contexts:   contexts,
		Feedback:   feedback.NewAggregator(store, store, feedback.Options{}),
		Similarity: ts.sim,
		Records:    store,
		Impact:     ts.impact,
		Analytics:  analytics.NewAggregator(store, clock.New()),
		Health:     ts.health,
	}, logging.Nop())

	ts.e.HTTPErrorHandler = ErrorHandler(logging.Nop())
	ts.e.GET("/health", h.HandleHealth)
	g := ts.e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.SetRequest(c.Request().WithContext(auth.WithPrincipal(c.Request().Context(), caller)))
			return next(c)
		}
	})
	RegisterHandlers(g, h)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	ts.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func assertProblem(t *testing.T, rec *httptest.ResponseRecorder, status int, category apperrors.Category) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	assert.Equal(t, "application/problem+json", rec.Header().Get(echo.HeaderContentType))
	p := decode[models.ProblemDetails](t, rec)
	assert.Equal(t, status, p.Status)
	assert.Equal(t, string(category), p.Category)
}

const threadStarted = `{"thread_id":"th-1","kind":"thread_started","sequence":1,
	"payload":{"process_definition_id":"proc-a","domain":"billing"}}`

func TestEvents_IngestAndRead(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/events", threadStarted)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, ingest.StatusApplied, decode[ingest.Result](t, rec).Status)

	rec = ts.do(t, http.MethodPost, "/api/v1/events", `{"thread_id":"th-1","task_id":"tk-1","kind":"task_started","sequence":2,
		"payload":{"task_name":"Draft","task_type":"agent","input":{"a": 1}}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/v1/threads/th-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	th := decode[models.Thread](t, rec)
	assert.Equal(t, "proc-a", th.ProcessDefinitionID)
	assert.Equal(t, models.StatusActive, th.Status)

	rec = ts.do(t, http.MethodGet, "/api/v1/threads?status=active&domain=billing", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.Thread](t, rec), 1)

	rec = ts.do(t, http.MethodGet, "/api/v1/threads?status=completed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/v1/threads/th-1/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.Event](t, rec), 2)

	rec = ts.do(t, http.MethodGet, "/api/v1/tasks/tk-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	task := decode[models.Task](t, rec)
	assert.Equal(t, contextstore.Hash([]byte(`{"a":1}`)), task.InputRef)

	rec = ts.do(t, http.MethodGet, "/api/v1/contexts/"+task.InputRef, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, echo.MIMEApplicationJSON, rec.Header().Get(echo.HeaderContentType))
	assert.Equal(t, `{"a":1}`, rec.Body.String())
}

func TestEvents_Errors(t *testing.T) {
	ts := newTestServer(t)

	assertProblem(t, ts.do(t, http.MethodPost, "/api/v1/events", `{"thread_id":"th-1","kind":"thread_started","sequence":0}`),
		http.StatusBadRequest, apperrors.CategoryValidation)
	assertProblem(t, ts.do(t, http.MethodGet, "/api/v1/threads/nope", ""),
		http.StatusNotFound, apperrors.CategoryNotFound)
	assertProblem(t, ts.do(t, http.MethodGet, "/api/v1/threads?status=sleeping", ""),
		http.StatusBadRequest, apperrors.CategoryValidation)
	assertProblem(t, ts.do(t, http.MethodGet, "/api/v1/threads?limit=abc", ""),
		http.StatusBadRequest, apperrors.CategoryValidation)
	assertProblem(t, ts.do(t, http.MethodGet, "/api/v1/contexts/md5:00", ""),
		http.StatusBadRequest, apperrors.CategoryValidation)

	big := `{"thread_id":"th-2","kind":"thread_started","sequence":1,"payload":{"input":{"blob":"` +
		strings.Repeat("x", 2048) + `"}}}`
	assertProblem(t, ts.do(t, http.MethodPost, "/api/v1/events", big),
		http.StatusRequestEntityTooLarge, apperrors.CategoryLimit)
}

func TestEvents_BatchReportsPerEvent(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/events/batch", `[`+threadStarted+`,
		{"thread_id":"th-1","kind":"thread_completed","sequence":2},
		{"thread_id":"","kind":"thread_started","sequence":1}]`)
	require.Equal(t, http.StatusMultiStatus, rec.Code, rec.Body.String())
	resp := decode[batchResponse](t, rec)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, 1, resp.Failed)
	assert.Equal(t, ingest.StatusApplied, resp.Results[1].Status)
	assert.Equal(t, string(apperrors.CategoryValidation), resp.Results[2].Category)

	assertProblem(t, ts.do(t, http.MethodPost, "/api/v1/events/batch", `[]`),
		http.StatusBadRequest, apperrors.CategoryValidation)
}

func TestFeedback_SubmitResolveSummary(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/events", threadStarted).Code)

	rec := ts.do(t, http.MethodPost, "/api/v1/feedback",
		`{"target_type":"thread","target_id":"th-1","type":"rating","rating":4,"content":"fine"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	f := decode[models.Feedback](t, rec)
	assert.Equal(t, caller, f.Author)
	assert.NotEmpty(t, f.ID)

	rec = ts.do(t, http.MethodPost, "/api/v1/feedback/"+f.ID+"/resolve", `{"status":"acknowledged"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resolved := decode[models.Feedback](t, rec)
	require.NotNil(t, resolved.Resolution)
	assert.Equal(t, caller.ID, resolved.Resolution.ResolvedBy)

	assertProblem(t, ts.do(t, http.MethodPost, "/api/v1/feedback/"+f.ID+"/resolve", `{"status":"again"}`),
		http.StatusConflict, apperrors.CategoryInvariant)

	rec = ts.do(t, http.MethodGet, "/api/v1/feedback/thread/th-1/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	agg := decode[models.FeedbackAggregate](t, rec)
	assert.Equal(t, 1, agg.Count)
	assert.Equal(t, 1, agg.Resolved)

	rec = ts.do(t, http.MethodGet, "/api/v1/feedback/thread/th-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.Feedback](t, rec), 1)

	assertProblem(t, ts.do(t, http.MethodGet, "/api/v1/feedback/process/th-1/summary", ""),
		http.StatusBadRequest, apperrors.CategoryValidation)
	assertProblem(t, ts.do(t, http.MethodPost, "/api/v1/feedback",
		`{"target_type":"thread","target_id":"missing","type":"comment","content":"?"}`),
		http.StatusNotFound, apperrors.CategoryNotFound)
}

func TestSimilarity_DegradedStillReturnsRecord(t *testing.T) {
	ts := newTestServer(t)
	rec := &models.SimilarityRecord{ID: "sim-1", TargetID: "th-1", TargetType: models.TargetThread, Degraded: true}
	ts.sim.On("AnalyzeWith", mock.Anything, similarity.Request{TargetID: "th-1", TargetType: models.TargetThread, TopK: 3}).
		Return(rec, apperrors.Degraded("embedding", apperrors.New("timeout"))).Once()
	ts.sim.On("AnalyzeWith", mock.Anything, similarity.Request{TargetID: "th-2", TargetType: models.TargetThread}).
		Return(nil, apperrors.ErrTargetNotReady).Once()

	resp := ts.do(t, http.MethodPost, "/api/v1/similarity", `{"target_type":"thread","target_id":"th-1","top_k":3}`)
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	assert.Contains(t, resp.Header().Get("Warning"), "embedding")
	assert.Equal(t, "/api/v1/similarity/sim-1", resp.Header().Get(echo.HeaderLocation))
	assert.True(t, decode[models.SimilarityRecord](t, resp).Degraded)

	assertProblem(t, ts.do(t, http.MethodPost, "/api/v1/similarity", `{"target_type":"thread","target_id":"th-2"}`),
		http.StatusConflict, apperrors.CategoryInvariant)
	ts.sim.AssertExpectations(t)
}

func TestImpact_AnalyzeAndGet(t *testing.T) {
	ts := newTestServer(t)
	trigger := models.ChangeTrigger{Kind: models.TriggerProcessDefinition, ProcessDefinitionID: "proc-a"}
	analysis := &models.ImpactAnalysis{ID: "imp-1", Trigger: trigger, OverallRisk: models.ImpactHigh}

	ts.impact.On("Analyze", mock.Anything, trigger, models.Scope{HorizonDays: 7}).Return(analysis, nil).Once()
	ts.impact.On("Analyze", mock.Anything, trigger, models.Scope{HorizonDays: 9999}).
		Return(nil, apperrors.Wrapf(apperrors.ErrScopeTooLarge, "horizon")).Once()
	ts.impact.On("Get", mock.Anything, "imp-1").Return(analysis, nil)
	ts.impact.On("Get", mock.Anything, "imp-2").Return(nil, apperrors.ErrNotFound)

	rec := ts.do(t, http.MethodPost, "/api/v1/impact",
		`{"trigger":{"kind":"process_definition","process_definition_id":"proc-a"},"scope":{"horizon_days":7}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "/api/v1/impact/imp-1", rec.Header().Get(echo.HeaderLocation))
	assert.Equal(t, models.ImpactHigh, decode[models.ImpactAnalysis](t, rec).OverallRisk)

	assertProblem(t, ts.do(t, http.MethodPost, "/api/v1/impact",
		`{"trigger":{"kind":"process_definition","process_definition_id":"proc-a"},"scope":{"horizon_days":9999}}`),
		http.StatusUnprocessableEntity, apperrors.CategoryLimit)

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/impact/imp-1", "").Code)
	assertProblem(t, ts.do(t, http.MethodGet, "/api/v1/impact/imp-2", ""), http.StatusNotFound, apperrors.CategoryNotFound)
	ts.impact.AssertExpectations(t)
}

func TestAnalytics_Summary(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/events", threadStarted).Code)

	from := time.Now().UTC().Add(-time.Hour).Truncate(time.Hour)
	to := from.Add(3 * time.Hour)
	rec := ts.do(t, http.MethodGet, "/api/v1/analytics/summary?bucket=hour&from="+
		from.Format(time.RFC3339)+"&to="+to.Format(time.RFC3339), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	summary := decode[models.AnalyticsSummary](t, rec)
	require.Len(t, summary.Buckets, 3)
	started := 0
	for _, b := range summary.Buckets {
		started += b.ThreadsStarted
	}
	assert.Equal(t, 1, started)

	assertProblem(t, ts.do(t, http.MethodGet, "/api/v1/analytics/summary?bucket=fortnight", ""),
		http.StatusBadRequest, apperrors.CategoryValidation)
	assertProblem(t, ts.do(t, http.MethodGet, "/api/v1/analytics/summary?from=yesterday", ""),
		http.StatusBadRequest, apperrors.CategoryValidation)
}

func TestHealth_StatusCode(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", "").Code)

	ts.health.snap.Status = "down"
	rec := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "down", decode[models.HealthSnapshot](t, rec).Status)
}

func TestSpecHandler_SubstitutesIssuer(t *testing.T) {
	rec := httptest.NewRecorder()
	SpecHandler("https://acme.okta.com/oauth2/default")(rec, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "https://acme.okta.com/oauth2/default/v1/authorize")
	assert.NotContains(t, rec.Body.String(), "{oktaIssuer}")
}
