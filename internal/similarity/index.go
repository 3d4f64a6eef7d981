package similarity

import (
	"context"
	"maps"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"execution-insight/backend/pkg/models"
)

// checkEvery is how many entries a query scans between context checks.
const checkEvery = 256

type entry struct {
	sig  *models.Signature
	norm float64
}

// Snapshot is an immutable view of the index. Readers keep using the
// snapshot they loaded while writers publish new ones.
type Snapshot struct {
	model   string
	byType  map[models.TargetType][]*entry
	byKey   map[string]*entry
	version uint64
}

func (s *Snapshot) Model() string { return s.model }

func (s *Snapshot) Len() int { return len(s.byKey) }

// Get returns the signature of a target, or nil.
func (s *Snapshot) Get(targetType models.TargetType, id string) *models.Signature {
	if e, ok := s.byKey[indexKey(targetType, id)]; ok {
		return e.sig
	}
	return nil
}

// Signatures returns every signature of one target type.
func (s *Snapshot) Signatures(targetType models.TargetType) []*models.Signature {
	entries := s.byType[targetType]
	out := make([]*models.Signature, len(entries))
	for i, e := range entries {
		out[i] = e.sig
	}
	return out
}

// Query describes a nearest-neighbour lookup.
type Query struct {
	Vector     []float32
	TargetType models.TargetType
	Domain     string
	Exclude    string
	TopK       int
	Threshold  float64
}

// Match is one candidate above the threshold.
type Match struct {
	Signature *models.Signature
	Cosine    float64
}

// Search returns the TopK entries of the query's target type by cosine
// similarity, highest first, ties ordered by target id.
func (s *Snapshot) Search(ctx context.Context, q Query) ([]Match, error) {
	qnorm := norm(q.Vector)
	if qnorm == 0 {
		return nil, nil
	}
	var matches []Match
	for i, e := range s.byType[q.TargetType] {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if e.sig.TargetID == q.Exclude || e.norm == 0 || len(e.sig.Vector) != len(q.Vector) {
			continue
		}
		if q.Domain != "" && e.sig.Domain != q.Domain {
			continue
		}
		c := dot(q.Vector, e.sig.Vector) / (qnorm * e.norm)
		if c < q.Threshold {
			continue
		}
		matches = append(matches, Match{Signature: e.sig, Cosine: c})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Cosine != matches[j].Cosine {
			return matches[i].Cosine > matches[j].Cosine
		}
		return matches[i].Signature.TargetID < matches[j].Signature.TargetID
	})
	if q.TopK > 0 && len(matches) > q.TopK {
		matches = matches[:q.TopK]
	}
	return matches, nil
}

// Index is the in-memory nearest-neighbour index. Writes copy the affected
// structures and publish a new snapshot, so no reader ever blocks.
type Index struct {
	mu  sync.Mutex
	cur atomic.Pointer[Snapshot]
}

func NewIndex() *Index {
	ix := &Index{}
	ix.cur.Store(emptySnapshot("", 0))
	return ix
}

func emptySnapshot(model string, version uint64) *Snapshot {
	return &Snapshot{
		model:   model,
		byType:  make(map[models.TargetType][]*entry),
		byKey:   make(map[string]*entry),
		version: version,
	}
}

func (ix *Index) Snapshot() *Snapshot {
	return ix.cur.Load()
}

// Reset replaces the whole index with sigs of one model.
func (ix *Index) Reset(model string, sigs []*models.Signature) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	next := emptySnapshot(model, ix.cur.Load().version+1)
	for _, sig := range sigs {
		if sig.Model != model {
			continue
		}
		e := &entry{sig: sig, norm: norm(sig.Vector)}
		key := indexKey(sig.TargetType, sig.TargetID)
		if _, dup := next.byKey[key]; dup {
			continue
		}
		next.byKey[key] = e
		next.byType[sig.TargetType] = append(next.byType[sig.TargetType], e)
	}
	ix.cur.Store(next)
}

// Upsert adds or replaces one signature. It returns false when the signature
// belongs to a different model than the index; an empty index adopts the
// model of its first signature.
func (ix *Index) Upsert(sig *models.Signature) bool {
	return ix.UpsertBatch([]*models.Signature{sig}) == 1
}

// UpsertBatch adds or replaces sigs and publishes them as one snapshot, so a
// batch costs a single copy of the index. Signatures of another model are
// skipped. It returns how many were accepted.
func (ix *Index) UpsertBatch(sigs []*models.Signature) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	cur := ix.cur.Load()
	model := cur.model

	var (
		byKey    map[string]*entry
		added    []*entry
		replaced = make(map[*entry]bool)
	)
	for _, sig := range sigs {
		if model == "" {
			model = sig.Model
		}
		if sig.Model != model {
			continue
		}
		if byKey == nil {
			byKey = maps.Clone(cur.byKey)
			if byKey == nil {
				byKey = make(map[string]*entry, len(sigs))
			}
		}
		e := &entry{sig: sig, norm: norm(sig.Vector)}
		key := indexKey(sig.TargetType, sig.TargetID)
		if old, ok := byKey[key]; ok {
			replaced[old] = true
		}
		byKey[key] = e
		added = append(added, e)
	}
	if len(added) == 0 {
		return 0
	}

	next := &Snapshot{
		model:   model,
		byType:  make(map[models.TargetType][]*entry, len(cur.byType)+1),
		byKey:   byKey,
		version: cur.version + 1,
	}
	for t, entries := range cur.byType {
		next.byType[t] = entries
	}
	rebuilt := make(map[models.TargetType]bool)
	for _, e := range added {
		if replaced[e] {
			continue
		}
		t := e.sig.TargetType
		if !rebuilt[t] {
			entries := cur.byType[t]
			fresh := make([]*entry, 0, len(entries)+len(added))
			for _, x := range entries {
				if !replaced[x] {
					fresh = append(fresh, x)
				}
			}
			next.byType[t] = fresh
			rebuilt[t] = true
		}
		next.byType[t] = append(next.byType[t], e)
	}

	ix.cur.Store(next)
	return len(added)
}

func indexKey(targetType models.TargetType, id string) string {
	return string(targetType) + "/" + id
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func norm(v []float32) float64 {
	return math.Sqrt(dot(v, v))
}

// centroid averages equally sized vectors. It returns nil for no input.
func centroid(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	dims := len(vectors[0])
	sum := make([]float64, dims)
	n := 0
	for _, v := range vectors {
		if len(v) != dims {
			continue
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
		n++
	}
	out := make([]float32, dims)
	for i := range sum {
		out[i] = float32(sum[i] / float64(n))
	}
	return out
}
