package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "execution-insight/backend/internal/errors"
	"execution-insight/backend/pkg/models"
)

// MemoryStore is an in-process Store. Values are copied on the way in and
// out so callers never share state with the store.
type MemoryStore struct {
	mu sync.RWMutex

	threads    map[string]*models.Thread
	tasks      map[string]*models.Task
	events     map[string]map[int64]*models.Event
	feedback   map[string]*models.Feedback
	feedbackSq []string
	signatures map[string]*models.Signature
	similarity map[string]*models.SimilarityRecord
	impacts    map[string]*models.ImpactAnalysis
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:    make(map[string]*models.Thread),
		tasks:      make(map[string]*models.Task),
		events:     make(map[string]map[int64]*models.Event),
		feedback:   make(map[string]*models.Feedback),
		signatures: make(map[string]*models.Signature),
		similarity: make(map[string]*models.SimilarityRecord),
		impacts:    make(map[string]*models.ImpactAnalysis),
	}
}

func (s *MemoryStore) Commit(ctx context.Context, c Commit) error {
	if c.Event == nil || c.Thread == nil {
		return apperrors.Validation("commit requires an event and a thread")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.events[c.Event.ThreadID]
	if log == nil {
		log = make(map[int64]*models.Event)
		s.events[c.Event.ThreadID] = log
	}
	if _, ok := log[c.Event.Sequence]; ok {
		return ErrDuplicateEvent
	}
	ev := *c.Event
	log[ev.Sequence] = &ev
	s.threads[c.Thread.ID] = c.Thread.Clone()
	if c.Task != nil {
		s.tasks[c.Task.ID] = c.Task.Clone()
	}
	return nil
}

func (s *MemoryStore) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "thread %s", id)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) ListThreads(ctx context.Context, filter models.ThreadFilter) ([]*models.Thread, error) {
	s.mu.RLock()
	out := make([]*models.Thread, 0, len(s.threads))
	for _, t := range s.threads {
		if filter.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.After(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "task %s", id)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, threadID string) ([]*models.Task, error) {
	s.mu.RLock()
	var out []*models.Task
	for _, t := range s.tasks {
		if t.ThreadID == threadID {
			out = append(out, t.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) Events(ctx context.Context, threadID string, limit int) ([]*models.Event, error) {
	s.mu.RLock()
	log := s.events[threadID]
	out := make([]*models.Event, 0, len(log))
	for _, ev := range log {
		cp := *ev
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ReferencedContexts(ctx context.Context) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := make(map[string]struct{})
	for _, t := range s.tasks {
		for _, r := range t.ContextRefs() {
			refs[r] = struct{}{}
		}
		for _, r := range t.PreviousOutputRefs {
			refs[r] = struct{}{}
		}
	}
	return refs, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func copyFeedback(f *models.Feedback) *models.Feedback {
	c := *f
	if f.Rating != nil {
		r := *f.Rating
		c.Rating = &r
	}
	if f.Resolution != nil {
		r := *f.Resolution
		c.Resolution = &r
	}
	return &c
}

func (s *MemoryStore) InsertFeedback(ctx context.Context, f *models.Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.feedback[f.ID]; ok {
		return apperrors.Validation("feedback %s already exists", f.ID)
	}
	s.feedback[f.ID] = copyFeedback(f)
	s.feedbackSq = append(s.feedbackSq, f.ID)
	return nil
}

func (s *MemoryStore) GetFeedback(ctx context.Context, id string) (*models.Feedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.feedback[id]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "feedback %s", id)
	}
	return copyFeedback(f), nil
}

func (s *MemoryStore) listFeedback(match func(*models.Feedback) bool) []*models.Feedback {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Feedback
	for _, id := range s.feedbackSq {
		if f := s.feedback[id]; match(f) {
			out = append(out, copyFeedback(f))
		}
	}
	return out
}

func (s *MemoryStore) ListFeedbackByTarget(ctx context.Context, targetType models.TargetType, targetID string) ([]*models.Feedback, error) {
	return s.listFeedback(func(f *models.Feedback) bool {
		return f.TargetType == targetType && f.TargetID == targetID
	}), nil
}

func (s *MemoryStore) ListFeedbackByThread(ctx context.Context, threadID string) ([]*models.Feedback, error) {
	return s.listFeedback(func(f *models.Feedback) bool { return f.ThreadID == threadID }), nil
}

func (s *MemoryStore) ListFeedbackBetween(ctx context.Context, from, to time.Time) ([]*models.Feedback, error) {
	return s.listFeedback(func(f *models.Feedback) bool {
		return !f.CreatedAt.Before(from) && f.CreatedAt.Before(to)
	}), nil
}

func (s *MemoryStore) ResolveFeedback(ctx context.Context, id string, r models.Resolution) (*models.Feedback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.feedback[id]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "feedback %s", id)
	}
	if f.Resolution != nil {
		return nil, apperrors.Wrapf(apperrors.ErrAlreadyResolved, "feedback %s", id)
	}
	f.Resolution = &r
	return copyFeedback(f), nil
}

func signatureKey(targetType models.TargetType, targetID, model string) string {
	return string(targetType) + "|" + targetID + "|" + model
}

func copySignature(sig *models.Signature) *models.Signature {
	c := *sig
	c.Vector = append([]float32(nil), sig.Vector...)
	c.Keywords = append([]string(nil), sig.Keywords...)
	return &c
}

func (s *MemoryStore) SaveSignature(ctx context.Context, sig *models.Signature) error {
	key := signatureKey(sig.TargetType, sig.TargetID, sig.Model)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.signatures[key]; ok {
		return nil
	}
	s.signatures[key] = copySignature(sig)
	return nil
}

func (s *MemoryStore) GetSignature(ctx context.Context, targetType models.TargetType, targetID, model string) (*models.Signature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sig, ok := s.signatures[signatureKey(targetType, targetID, model)]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "signature %s/%s", targetType, targetID)
	}
	return copySignature(sig), nil
}

func (s *MemoryStore) ListSignatures(ctx context.Context, model string) ([]*models.Signature, error) {
	s.mu.RLock()
	var out []*models.Signature
	for _, sig := range s.signatures {
		if sig.Model == model {
			out = append(out, copySignature(sig))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID < out[j].TargetID })
	return out, nil
}

func copySimilarity(r *models.SimilarityRecord) *models.SimilarityRecord {
	c := *r
	c.Neighbors = make([]models.Neighbor, len(r.Neighbors))
	for i, n := range r.Neighbors {
		n.Factors = append([]models.FactorScore(nil), n.Factors...)
		if n.FeedbackMean != nil {
			m := *n.FeedbackMean
			n.FeedbackMean = &m
		}
		c.Neighbors[i] = n
	}
	return &c
}

func (s *MemoryStore) SaveSimilarity(ctx context.Context, r *models.SimilarityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.similarity[r.ID] = copySimilarity(r)
	return nil
}

func (s *MemoryStore) GetSimilarity(ctx context.Context, id string) (*models.SimilarityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.similarity[id]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "similarity record %s", id)
	}
	return copySimilarity(r), nil
}

func (s *MemoryStore) LatestSimilarity(ctx context.Context, targetType models.TargetType, targetID string) (*models.SimilarityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.SimilarityRecord
	for _, r := range s.similarity {
		if r.TargetType != targetType || r.TargetID != targetID {
			continue
		}
		if latest == nil || r.ComputedAt.After(latest.ComputedAt) ||
			(r.ComputedAt.Equal(latest.ComputedAt) && r.ID > latest.ID) {
			latest = r
		}
	}
	if latest == nil {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "similarity for %s %s", targetType, targetID)
	}
	return copySimilarity(latest), nil
}

func copyImpact(a *models.ImpactAnalysis) *models.ImpactAnalysis {
	c := *a
	c.Scope.ProcessDefinitionIDs = append([]string(nil), a.Scope.ProcessDefinitionIDs...)
	c.Impacted = make([]models.ImpactedThread, len(a.Impacted))
	for i, it := range a.Impacted {
		it.Categories = append([]models.CategoryScore(nil), it.Categories...)
		c.Impacted[i] = it
	}
	c.Mitigations = append([]models.Mitigation(nil), a.Mitigations...)
	return &c
}

func (s *MemoryStore) SaveImpact(ctx context.Context, a *models.ImpactAnalysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.impacts[a.ID] = copyImpact(a)
	return nil
}

func (s *MemoryStore) GetImpact(ctx context.Context, id string) (*models.ImpactAnalysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.impacts[id]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "impact analysis %s", id)
	}
	return copyImpact(a), nil
}

func (s *MemoryStore) LatestImpact(ctx context.Context, fingerprint string) (*models.ImpactAnalysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.ImpactAnalysis
	for _, a := range s.impacts {
		if a.Trigger.Fingerprint() != fingerprint {
			continue
		}
		if latest == nil || a.ComputedAt.After(latest.ComputedAt) ||
			(a.ComputedAt.Equal(latest.ComputedAt) && a.ID > latest.ID) {
			latest = a
		}
	}
	if latest == nil {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "impact analysis for %s", fingerprint)
	}
	return copyImpact(latest), nil
}

func (s *MemoryStore) Close() error { return nil }

// MemoryBlobStore is an in-process BlobStore.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]memoryBlob
}

type memoryBlob struct {
	data []byte
	at   time.Time
}

var _ BlobStore = (*MemoryBlobStore)(nil)

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string]memoryBlob)}
}

func (s *MemoryBlobStore) PutBlob(ctx context.Context, hash string, data []byte, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.blobs[hash]; ok {
		if at.After(b.at) {
			b.at = at
			s.blobs[hash] = b
		}
		return false, nil
	}
	s.blobs[hash] = memoryBlob{data: append([]byte(nil), data...), at: at}
	return true, nil
}

func (s *MemoryBlobStore) GetBlob(ctx context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[hash]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "context %s", hash)
	}
	return append([]byte(nil), b.data...), nil
}

func (s *MemoryBlobStore) HasBlob(ctx context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[hash]
	return ok, nil
}

func (s *MemoryBlobStore) ListBlobsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for h, b := range s.blobs {
		if b.at.Before(cutoff) {
			out = append(out, h)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryBlobStore) DeleteBlobIfBefore(ctx context.Context, hash string, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[hash]
	if !ok || !b.at.Before(cutoff) {
		return false, nil
	}
	delete(s.blobs, hash)
	return true, nil
}

func (s *MemoryBlobStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *MemoryBlobStore) Close() error { return nil }
