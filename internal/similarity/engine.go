// Package similarity finds past executions comparable to a completed task or
// thread and explains each match as a weighted sum of factors.
//
// Signatures are embeddings of a canonical text projection of the target's
// contexts. They are written once per target and model and served from an
// in-memory index that is updated incrementally as targets complete. The
// index is eventually consistent with the thread store.
package similarity

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"execution-insight/backend/internal/config"
	"execution-insight/backend/internal/embedding"
	apperrors "execution-insight/backend/internal/errors"
	"execution-insight/backend/internal/logging"
	"execution-insight/backend/internal/repository"
	"execution-insight/backend/pkg/models"
)

// AlgorithmVersion is stored on every record. Bump it when scoring changes.
const AlgorithmVersion = "weighted-cosine-v1"

// modelProbe is embedded once at load time to learn the provider's model.
const modelProbe = "model probe"

const (
	backfillBatch = 256
	// backfillSlack covers commits that land after a pass listed threads.
	backfillSlack = time.Minute
)

// Contexts reads context blobs by hash.
type Contexts interface {
	Get(ctx context.Context, hash string) ([]byte, error)
}

// Quality supplies feedback aggregates for recommendations.
type Quality interface {
	Aggregate(ctx context.Context, targetType models.TargetType, id string) (*models.FeedbackAggregate, error)
	Quality(agg *models.FeedbackAggregate) (float64, bool)
}

type Deps struct {
	Threads    repository.ThreadStore
	Signatures repository.SignatureStore
	Records    repository.AnalysisStore
	Contexts   Contexts
	Provider   embedding.Provider
	// Feedback is optional; without it every neighbour is a plain reference.
	Feedback Quality
	// Purge, if set, is called before a reindex to drop cached embeddings.
	Purge func()
}

type Options struct {
	TopK                int
	Threshold           float64
	QueryTimeout        time.Duration
	TieBreak            string
	Weights             config.SimilarityWeights
	MaxTextChars        int
	ContentFields       []string
	BestPracticeQuality float64
	AvoidQuality        float64
	Clock               clock.Clock
	Logger              *logging.Logger
}

func OptionsFromConfig(cfg config.SimilarityConfig) Options {
	return Options{
		TopK:                cfg.TopK,
		Threshold:           cfg.Threshold,
		QueryTimeout:        cfg.QueryTimeout,
		TieBreak:            cfg.TieBreak,
		Weights:             cfg.Weights,
		MaxTextChars:        cfg.MaxTextChars,
		ContentFields:       cfg.ContentFields,
		BestPracticeQuality: cfg.BestPracticeQuality,
		AvoidQuality:        cfg.AvoidQuality,
	}
}

type Engine struct {
	deps    Deps
	opts    Options
	index   *Index
	clock   clock.Clock
	logger  *logging.Logger
	tracer  trace.Tracer
	reindex chan struct{}

	markMu sync.Mutex
	mark   time.Time // threads updated before this are already backfilled
}

func NewEngine(deps Deps, opts Options) *Engine {
	if opts.TopK <= 0 {
		opts.TopK = 10
	}
	if opts.TieBreak == "" {
		opts.TieBreak = TieBreakID
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Engine{
		deps:    deps,
		opts:    opts,
		index:   NewIndex(),
		clock:   opts.Clock,
		logger:  opts.Logger,
		tracer:  otel.Tracer("execution-insight/similarity"),
		reindex: make(chan struct{}, 1),
	}
}

// Index exposes the live index, mainly for health reporting.
func (e *Engine) Index() *Index { return e.index }

// Request is an Analyze call with its optional filters.
type Request struct {
	TargetID   string
	TargetType models.TargetType
	Domain     string
	TopK       int
}

// Analyze computes and stores a new similarity record for a terminal target.
func (e *Engine) Analyze(ctx context.Context, targetID string, targetType models.TargetType) (*models.SimilarityRecord, error) {
	return e.AnalyzeWith(ctx, Request{TargetID: targetID, TargetType: targetType})
}

// AnalyzeWith is Analyze with a domain filter and a per-call neighbour limit.
// When the embedding provider is unavailable it ranks by keywords and
// metadata instead and returns the stored record together with a
// DegradedError.
func (e *Engine) AnalyzeWith(ctx context.Context, req Request) (*models.SimilarityRecord, error) {
	ctx, span := e.tracer.Start(ctx, "similarity.Analyze", trace.WithAttributes(
		attribute.String(logging.TargetTypeKey, string(req.TargetType)),
		attribute.String(logging.TargetIDKey, req.TargetID),
	))
	defer span.End()

	if _, err := models.ParseTargetType(string(req.TargetType)); err != nil {
		return nil, apperrors.Validation("%v", err)
	}
	if req.TargetID == "" {
		return nil, apperrors.Validation("target id is required")
	}
	topK := e.opts.TopK
	if req.TopK > 0 && req.TopK < topK {
		topK = req.TopK
	}

	target, text, err := e.describe(ctx, req.TargetType, req.TargetID, true)
	if err != nil {
		return nil, err
	}

	snap := e.index.Snapshot()
	var (
		neighbors []models.Neighbor
		degradeBy error
	)
	vec, fresh, embedErr := e.vectorFor(ctx, target, text, snap)
	if fresh != nil {
		e.index.Upsert(fresh)
	}
	switch {
	case embedErr == nil:
		neighbors, err = e.semanticNeighbors(ctx, target, vec, snap, req.Domain, topK)
		if err != nil {
			return nil, err
		}
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		degradeBy = embedErr
		neighbors, err = e.keywordNeighbors(ctx, target, snap, req.Domain)
		if err != nil {
			return nil, err
		}
	}

	if err := e.attachFeedback(ctx, req.TargetType, neighbors); err != nil {
		return nil, err
	}
	completedAt := make(map[string]int64, len(neighbors))
	for _, n := range neighbors {
		if sig := snap.Get(req.TargetType, n.ID); sig != nil {
			completedAt[n.ID] = sig.CompletedAt.UnixNano()
		}
	}
	rank(neighbors, completedAt, e.opts.TieBreak)
	if len(neighbors) > topK {
		neighbors = neighbors[:topK]
	}
	if neighbors == nil {
		neighbors = []models.Neighbor{}
	}

	rec := &models.SimilarityRecord{
		ID:               uuid.NewString(),
		TargetID:         req.TargetID,
		TargetType:       req.TargetType,
		Neighbors:        neighbors,
		Confidence:       confidence(neighbors, degradeBy != nil),
		Degraded:         degradeBy != nil,
		AlgorithmVersion: AlgorithmVersion,
		ModelVersion:     snap.Model(),
		ComputedAt:       e.clock.Now(),
	}
	if target.Model != "" {
		rec.ModelVersion = target.Model
	}
	if degradeBy != nil {
		rec.DegradedReason = degradeBy.Error()
	}

	prev, err := e.deps.Records.LatestSimilarity(ctx, req.TargetType, req.TargetID)
	switch {
	case err == nil:
		rec.PreviousID = prev.ID
	case !apperrors.Is(err, apperrors.ErrNotFound):
		return nil, apperrors.Dependency("analysis_store", err)
	}
	// A cancelled analysis is discarded, never stored as complete.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.deps.Records.SaveSimilarity(ctx, rec); err != nil {
		return nil, apperrors.Dependency("analysis_store", err)
	}

	span.SetAttributes(attribute.Int(logging.NeighborsKey, len(neighbors)), attribute.Bool("degraded", rec.Degraded))
	e.logger.Info("similarity analysis stored",
		logging.AnalysisIDKey, rec.ID, logging.TargetTypeKey, string(req.TargetType),
		logging.TargetIDKey, req.TargetID, logging.NeighborsKey, len(neighbors), "degraded", rec.Degraded)

	if degradeBy != nil {
		span.SetStatus(codes.Error, "degraded")
		return rec, apperrors.Degraded("embedding", degradeBy)
	}
	return rec, nil
}

// vectorFor returns the target's embedding for the index model, embedding and
// storing it when it is not known yet. The returned signature is not in the
// index yet and the caller publishes it; it is nil when snap already holds
// the target.
func (e *Engine) vectorFor(ctx context.Context, target *models.Signature, text string, snap *Snapshot) ([]float32, *models.Signature, error) {
	if model := snap.Model(); model != "" {
		if sig := snap.Get(target.TargetType, target.TargetID); sig != nil {
			target.Model, target.Vector = sig.Model, sig.Vector
			return sig.Vector, nil, nil
		}
		sig, err := e.deps.Signatures.GetSignature(ctx, target.TargetType, target.TargetID, model)
		switch {
		case err == nil:
			target.Model, target.Vector = sig.Model, sig.Vector
			return sig.Vector, sig, nil
		case !apperrors.Is(err, apperrors.ErrNotFound):
			return nil, nil, apperrors.Dependency("signature_store", err)
		}
	}

	emb, err := e.deps.Provider.Embed(ctx, text)
	if err != nil {
		return nil, nil, err
	}
	if model := snap.Model(); model != "" && emb.Model != model {
		e.requestReindex()
		return nil, nil, fmt.Errorf("index holds model %s but the provider serves %s; reindex requested", model, emb.Model)
	}

	target.Model, target.Vector = emb.Model, emb.Vector
	target.ComputedAt = e.clock.Now()
	if err := e.deps.Signatures.SaveSignature(ctx, target); err != nil {
		return nil, nil, apperrors.Dependency("signature_store", err)
	}
	return emb.Vector, target, nil
}

func (e *Engine) semanticNeighbors(ctx context.Context, target *models.Signature, vec []float32, snap *Snapshot, domain string, topK int) ([]models.Neighbor, error) {
	qctx := ctx
	if e.opts.QueryTimeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, e.opts.QueryTimeout)
		defer cancel()
	}
	matches, err := snap.Search(qctx, Query{
		Vector:     vec,
		TargetType: target.TargetType,
		Domain:     domain,
		Exclude:    target.TargetID,
		TopK:       topK,
		Threshold:  e.opts.Threshold,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.Dependency("similarity_index", err)
	}

	neighbors := make([]models.Neighbor, 0, len(matches))
	for _, m := range matches {
		score, factors := decompose(target, m.Signature, m.Cosine, e.opts.Weights)
		neighbors = append(neighbors, models.Neighbor{
			ID:       m.Signature.TargetID,
			ThreadID: m.Signature.ThreadID,
			Score:    score,
			Factors:  factors,
		})
	}
	return neighbors, nil
}

// keywordNeighbors is the fallback ranking used without an embedding: the
// context factor becomes the keyword overlap.
func (e *Engine) keywordNeighbors(ctx context.Context, target *models.Signature, snap *Snapshot, domain string) ([]models.Neighbor, error) {
	var neighbors []models.Neighbor
	for i, sig := range snap.Signatures(target.TargetType) {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if sig.TargetID == target.TargetID || (domain != "" && sig.Domain != domain) {
			continue
		}
		overlap := jaccard(target.Keywords, sig.Keywords)
		if overlap == 0 {
			continue
		}
		score, factors := decompose(target, sig, overlap, e.opts.Weights)
		neighbors = append(neighbors, models.Neighbor{ID: sig.TargetID, ThreadID: sig.ThreadID, Score: score, Factors: factors})
	}
	return neighbors, nil
}

func (e *Engine) attachFeedback(ctx context.Context, targetType models.TargetType, neighbors []models.Neighbor) error {
	for i := range neighbors {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := &neighbors[i]
		var (
			q     float64
			rated bool
		)
		if e.deps.Feedback != nil {
			agg, err := e.deps.Feedback.Aggregate(ctx, targetType, n.ID)
			if err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				e.logger.Warn("feedback aggregate unavailable",
					logging.TargetIDKey, n.ID, logging.ErrorKey, err)
			} else if q, rated = e.deps.Feedback.Quality(agg); rated {
				mean := agg.Mean
				n.FeedbackMean = &mean
			}
		}
		n.Recommendation = recommend(n.Score, q, rated, e.opts.BestPracticeQuality, e.opts.AvoidQuality)
	}
	return ctx.Err()
}

// describe builds the signature metadata and canonical text of a target.
func (e *Engine) describe(ctx context.Context, targetType models.TargetType, id string, requireTerminal bool) (*models.Signature, string, error) {
	switch targetType {
	case models.TargetTask:
		return e.describeTask(ctx, id, requireTerminal)
	case models.TargetThread:
		return e.describeThread(ctx, id, requireTerminal)
	default:
		return nil, "", apperrors.Validation("unknown target type %q", targetType)
	}
}

func (e *Engine) describeTask(ctx context.Context, id string, requireTerminal bool) (*models.Signature, string, error) {
	task, err := e.deps.Threads.GetTask(ctx, id)
	if err != nil {
		return nil, "", storeErr(err)
	}
	if requireTerminal && (!task.Status.IsTerminal() || task.EndTime == nil) {
		return nil, "", apperrors.Wrapf(apperrors.ErrTargetNotReady, "task %s is %s", id, task.Status)
	}
	thread, err := e.deps.Threads.GetThread(ctx, task.ThreadID)
	if err != nil {
		return nil, "", storeErr(err)
	}
	blobs, err := e.loadContexts(ctx, task.InputRef, task.InjectedRef, task.OutputRef)
	if err != nil {
		return nil, "", err
	}

	sig := &models.Signature{
		TargetID:            task.ID,
		TargetType:          models.TargetTask,
		ThreadID:            task.ThreadID,
		Domain:              thread.Domain,
		ProcessDefinitionID: thread.ProcessDefinitionID,
		Name:                task.Name,
		TaskType:            task.Type,
		Outcome:             task.Status,
		DurationMs:          task.Metrics.DurationMs,
	}
	if task.EndTime != nil {
		sig.CompletedAt = *task.EndTime
	}

	var b strings.Builder
	fmt.Fprintf(&b, "task: %s\ntype: %s\nprocess: %s\n", task.Name, task.Type, thread.ProcessDefinitionID)
	b.WriteString(Canonicalize(blobs, e.opts.ContentFields, e.opts.MaxTextChars))
	text := truncate(b.String(), e.opts.MaxTextChars)
	sig.Keywords = Keywords(text)
	return sig, text, nil
}

func (e *Engine) describeThread(ctx context.Context, id string, requireTerminal bool) (*models.Signature, string, error) {
	thread, err := e.deps.Threads.GetThread(ctx, id)
	if err != nil {
		return nil, "", storeErr(err)
	}
	if requireTerminal && (!thread.Status.IsTerminal() || thread.EndTime == nil) {
		return nil, "", apperrors.Wrapf(apperrors.ErrTargetNotReady, "thread %s is %s", id, thread.Status)
	}
	tasks, err := e.deps.Threads.ListTasks(ctx, id)
	if err != nil {
		return nil, "", storeErr(err)
	}
	var refs []string
	for _, t := range tasks {
		refs = append(refs, t.InputRef, t.OutputRef)
	}
	blobs, err := e.loadContexts(ctx, refs...)
	if err != nil {
		return nil, "", err
	}

	sig := &models.Signature{
		TargetID:            thread.ID,
		TargetType:          models.TargetThread,
		ThreadID:            thread.ID,
		Domain:              thread.Domain,
		ProcessDefinitionID: thread.ProcessDefinitionID,
		Name:                thread.ProcessDefinitionID,
		Outcome:             thread.Status,
		DurationMs:          thread.Duration().Milliseconds(),
	}
	if thread.EndTime != nil {
		sig.CompletedAt = *thread.EndTime
	}

	var path []string
	seen := make(map[string]bool)
	for _, tr := range thread.ExecutionPath {
		if tr.TaskName != "" && !seen[tr.TaskName] {
			seen[tr.TaskName] = true
			path = append(path, tr.TaskName)
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "process: %s\ndomain: %s\npath: %s\n", thread.ProcessDefinitionID, thread.Domain, strings.Join(path, " > "))
	b.WriteString(Canonicalize(blobs, e.opts.ContentFields, e.opts.MaxTextChars))
	text := truncate(b.String(), e.opts.MaxTextChars)
	sig.Keywords = Keywords(text)
	return sig, text, nil
}

// loadContexts fetches the distinct non-empty refs. Blobs removed by retention
// are skipped.
func (e *Engine) loadContexts(ctx context.Context, refs ...string) ([][]byte, error) {
	seen := make(map[string]bool, len(refs))
	var blobs [][]byte
	for _, ref := range refs {
		if ref == "" || seen[ref] {
			continue
		}
		seen[ref] = true
		data, err := e.deps.Contexts.Get(ctx, ref)
		switch {
		case err == nil:
			blobs = append(blobs, data)
		case apperrors.Is(err, apperrors.ErrNotFound):
			e.logger.Debug("context no longer stored", logging.HashKey, ref)
		default:
			return nil, err
		}
	}
	return blobs, nil
}

func storeErr(err error) error {
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return err
	}
	return apperrors.Dependency("thread_store", err)
}

func (e *Engine) requestReindex() {
	select {
	case e.reindex <- struct{}{}:
	default:
	}
}

// ReindexRequests fires when a model change was detected during analysis.
func (e *Engine) ReindexRequests() <-chan struct{} { return e.reindex }

// IndexTarget computes and stores the signature of one terminal target. It is
// a no-op when the index already holds it.
func (e *Engine) IndexTarget(ctx context.Context, targetType models.TargetType, id string) (bool, error) {
	sig, err := e.signTarget(ctx, targetType, id)
	if err != nil || sig == nil {
		return false, err
	}
	return e.index.Upsert(sig), nil
}

// signTarget embeds and stores the signature of a terminal target without
// publishing it to the index. It returns nil when the index already holds it.
func (e *Engine) signTarget(ctx context.Context, targetType models.TargetType, id string) (*models.Signature, error) {
	snap := e.index.Snapshot()
	if snap.Get(targetType, id) != nil {
		return nil, nil
	}
	target, text, err := e.describe(ctx, targetType, id, true)
	if err != nil {
		return nil, err
	}
	_, sig, err := e.vectorFor(ctx, target, text, snap)
	if err != nil || sig == nil {
		return nil, err
	}
	e.logger.Debug("signed target",
		logging.TargetTypeKey, string(targetType), logging.TargetIDKey, id, logging.ModelKey, sig.Model)
	return sig, nil
}

// Load learns the provider's current model and rebuilds the index from the
// signatures stored for it.
func (e *Engine) Load(ctx context.Context) error {
	emb, err := e.deps.Provider.Embed(ctx, modelProbe)
	if err != nil {
		return err
	}
	sigs, err := e.deps.Signatures.ListSignatures(ctx, emb.Model)
	if err != nil {
		return apperrors.Dependency("signature_store", err)
	}
	e.index.Reset(emb.Model, sigs)
	e.setBackfillMark(time.Time{})
	e.logger.Info("similarity index loaded", logging.ModelKey, emb.Model, logging.SizeKey, len(sigs))
	return nil
}

// Backfill indexes every terminal thread and task that has no signature for
// the current model yet. After a complete pass only threads updated since
// that pass are visited again; Load starts over. It returns the number of
// signatures published.
func (e *Engine) Backfill(ctx context.Context) (int, error) {
	started := e.clock.Now()
	threads, err := e.deps.Threads.ListThreads(ctx, models.ThreadFilter{UpdatedAfter: e.backfillMark()})
	if err != nil {
		return 0, apperrors.Dependency("thread_store", err)
	}

	created := 0
	var pending []*models.Signature
	flush := func() {
		if len(pending) > 0 {
			created += e.index.UpsertBatch(pending)
			pending = pending[:0]
		}
	}
	sign := func(tt models.TargetType, id string) error {
		sig, err := e.signTarget(ctx, tt, id)
		switch {
		case err == nil:
			if sig != nil {
				pending = append(pending, sig)
			}
			if len(pending) >= backfillBatch {
				flush()
			}
			return nil
		case apperrors.Is(err, apperrors.ErrTargetNotReady), apperrors.Is(err, apperrors.ErrNotFound):
			return nil
		default:
			return err
		}
	}
	err = e.backfillThreads(ctx, threads, sign)
	flush()
	if err != nil {
		return created, err
	}

	e.setBackfillMark(started.Add(-backfillSlack))
	if created > 0 {
		e.logger.Info("similarity backfill finished", logging.SizeKey, created)
	}
	return created, nil
}

func (e *Engine) backfillThreads(ctx context.Context, threads []*models.Thread, sign func(models.TargetType, string) error) error {
	for _, th := range threads {
		if err := ctx.Err(); err != nil {
			return err
		}
		tasks, err := e.deps.Threads.ListTasks(ctx, th.ID)
		if err != nil {
			return apperrors.Dependency("thread_store", err)
		}
		for _, t := range tasks {
			if !t.Status.IsTerminal() {
				continue
			}
			if err := sign(models.TargetTask, t.ID); err != nil {
				return err
			}
		}
		if th.Status.IsTerminal() {
			if err := sign(models.TargetThread, th.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) backfillMark() time.Time {
	e.markMu.Lock()
	defer e.markMu.Unlock()
	return e.mark
}

func (e *Engine) setBackfillMark(t time.Time) {
	e.markMu.Lock()
	e.mark = t
	e.markMu.Unlock()
}

// Reindex drops cached embeddings, reloads the index for the provider's
// current model and backfills what is missing.
func (e *Engine) Reindex(ctx context.Context) (int, error) {
	if e.deps.Purge != nil {
		e.deps.Purge()
	}
	if err := e.Load(ctx); err != nil {
		return 0, err
	}
	return e.Backfill(ctx)
}

// ScoreThreads returns the cosine similarity between each thread's signature
// and a vector representing the trigger. Threads without a signature are
// absent from the result. Embedding failures are returned as DegradedError.
func (e *Engine) ScoreThreads(ctx context.Context, trigger models.ChangeTrigger, threadIDs []string) (map[string]float64, error) {
	ctx, span := e.tracer.Start(ctx, "similarity.ScoreThreads", trace.WithAttributes(
		attribute.String("trigger_kind", string(trigger.Kind)),
		attribute.Int(logging.CandidatesKey, len(threadIDs)),
	))
	defer span.End()

	snap := e.index.Snapshot()
	vec, err := e.representative(ctx, trigger, snap)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(threadIDs))
	if vec == nil {
		return out, nil
	}
	qn := norm(vec)
	if qn == 0 {
		return out, nil
	}
	for i, id := range threadIDs {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		sig := snap.Get(models.TargetThread, id)
		if sig == nil || len(sig.Vector) != len(vec) {
			continue
		}
		n := norm(sig.Vector)
		if n == 0 {
			continue
		}
		out[id] = clamp01(dot(vec, sig.Vector) / (qn * n))
	}
	return out, nil
}

func (e *Engine) representative(ctx context.Context, trigger models.ChangeTrigger, snap *Snapshot) ([]float32, error) {
	var vectors [][]float32
	switch trigger.Kind {
	case models.TriggerThread:
		if sig := snap.Get(models.TargetThread, trigger.ThreadID); sig != nil {
			return sig.Vector, nil
		}
		_, text, err := e.describeThread(ctx, trigger.ThreadID, false)
		if err != nil {
			return nil, err
		}
		return e.embedFor(ctx, text, snap)
	case models.TriggerTaskType:
		for _, sig := range snap.Signatures(models.TargetTask) {
			if sig.TaskType == trigger.TaskType {
				vectors = append(vectors, sig.Vector)
			}
		}
	case models.TriggerProcessDefinition:
		for _, sig := range snap.Signatures(models.TargetThread) {
			if sig.ProcessDefinitionID == trigger.ProcessDefinitionID {
				vectors = append(vectors, sig.Vector)
			}
		}
	}
	if c := centroid(vectors); c != nil {
		return c, nil
	}
	if trigger.Description == "" {
		return nil, nil
	}
	return e.embedFor(ctx, trigger.Description, snap)
}

func (e *Engine) embedFor(ctx context.Context, text string, snap *Snapshot) ([]float32, error) {
	emb, err := e.deps.Provider.Embed(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.Degraded("embedding", err)
	}
	if model := snap.Model(); model != "" && emb.Model != model {
		e.requestReindex()
		return nil, apperrors.Degraded("embedding",
			fmt.Errorf("index holds model %s but the provider serves %s", model, emb.Model))
	}
	return emb.Vector, nil
}
