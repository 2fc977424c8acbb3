package skill

import (
	"context"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ruster/ruster/internal/wire"
)

// Embedder is the daemon's single collaborator for turning text into a
// vector. Treated as opaque per spec: embed(text) -> vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// cacheKey identifies a cached embedding by the skill's on-disk path and
// content digest, so an unchanged skill never re-embeds across rescans.
type cacheKey struct {
	path   string
	digest string
}

// Registry indexes skills discovered under a set of configured directories
// and serves RAG similarity search against their embedded descriptors.
type Registry struct {
	mu       sync.RWMutex
	dirs     []string
	embedder Embedder
	logger   *slog.Logger

	skills map[string]wire.Skill
	cache  map[cacheKey][]float32

	maxEmbedWorkers int
}

// NewRegistry constructs an empty Registry watching the given directories.
// Call Rescan to perform the initial scan.
func NewRegistry(dirs []string, embedder Embedder, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dirs:            append([]string(nil), dirs...),
		embedder:        embedder,
		logger:          logger,
		skills:          map[string]wire.Skill{},
		cache:           map[cacheKey][]float32{},
		maxEmbedWorkers: 8,
	}
}

// Get returns a skill by name.
func (r *Registry) Get(name string) (wire.Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[name]
	return s, ok
}

// Names returns every known skill name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.skills))
	for n := range r.skills {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// List returns a snapshot of all loaded skills, sorted by name.
func (r *Registry) List() []wire.Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]wire.Skill, 0, len(r.skills))
	for _, s := range r.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Rescan re-walks the configured directories, (re)loading every skill and
// embedding any whose (path, digest) pair is not already cached. Later
// directories win on duplicate names; a warning is logged, not an error.
func (r *Registry) Rescan(ctx context.Context) error {
	found := map[string]wire.Skill{}

	for _, base := range r.dirs {
		entries, err := os.ReadDir(base)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			dir := filepath.Join(base, e.Name())
			if _, err := os.Stat(filepath.Join(dir, skillFileName)); err != nil {
				continue
			}
			sk, err := Load(dir)
			if err != nil {
				r.logger.Warn("skipping invalid skill directory", "dir", dir, "error", err)
				continue
			}
			if _, dup := found[sk.Name]; dup {
				r.logger.Warn("duplicate skill name, later definition wins", "name", sk.Name, "dir", dir)
			}
			found[sk.Name] = sk
		}
	}

	if err := r.embedAllLocked(ctx, found); err != nil {
		return err
	}

	r.mu.Lock()
	r.skills = found
	r.mu.Unlock()
	return nil
}

// embedAllLocked fills in the Embedding field of every skill in found,
// reusing cached vectors keyed by (path, digest) and computing the rest
// concurrently (bounded fan-out via errgroup).
func (r *Registry) embedAllLocked(ctx context.Context, found map[string]wire.Skill) error {
	if r.embedder == nil {
		return nil
	}

	type job struct {
		name string
		key  cacheKey
	}

	r.mu.RLock()
	var jobs []job
	for name, sk := range found {
		key := cacheKey{path: sk.Location, digest: sk.Digest}
		if v, ok := r.cache[key]; ok {
			sk.Embedding = v
			found[name] = sk
			continue
		}
		jobs = append(jobs, job{name: name, key: key})
	}
	r.mu.RUnlock()

	if len(jobs) == 0 {
		return nil
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(r.maxEmbedWorkers)

	var mu sync.Mutex
	for _, j := range jobs {
		j := j
		eg.Go(func() error {
			sk := found[j.name]
			vec, err := r.embedder.Embed(egCtx, descriptor(sk))
			if err != nil {
				return err
			}
			mu.Lock()
			sk.Embedding = vec
			found[j.name] = sk
			r.cache[j.key] = vec
			mu.Unlock()
			return nil
		})
	}
	return eg.Wait()
}

func descriptor(sk wire.Skill) string {
	return sk.Name + "\n" + sk.Description
}

// SearchResult is one scored candidate from Search.
type SearchResult struct {
	Name  string
	Score float64
}

// Search returns the top-N skill names (excluding names in excluded) whose
// cosine similarity to query exceeds threshold, ties broken by name
// ascending. topN<=0 or threshold>=1 yields no results per spec's boundary
// behavior.
func (r *Registry) Search(
	ctx context.Context,
	query string,
	topN int,
	threshold float64,
	excluded map[string]struct{},
) ([]SearchResult, error) {
	if topN <= 0 || threshold >= 1.0 || r.embedder == nil {
		return nil, nil
	}

	qv, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	candidates := make([]wire.Skill, 0, len(r.skills))
	for _, sk := range r.skills {
		if excluded != nil {
			if _, skip := excluded[sk.Name]; skip {
				continue
			}
		}
		candidates = append(candidates, sk)
	}
	r.mu.RUnlock()

	results := make([]SearchResult, 0, len(candidates))
	for _, sk := range candidates {
		score := cosineSimilarity(qv, sk.Embedding)
		if score > threshold {
			results = append(results, SearchResult{Name: sk.Name, Score: score})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Name < results[j].Name
	})

	if len(results) > topN {
		results = results[:topN]
	}
	return results, nil
}

// cosineSimilarity mirrors the standard dot-product-over-magnitudes
// computation; mismatched lengths or a zero-magnitude vector score 0
// rather than erroring, since callers scan many candidates per query.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// StaleNames returns the subset of names that are no longer present in the
// registry (the registry_stale condition). Prompt assembly does not call
// it; it detects stale skills through its own lookup.
func (r *Registry) StaleNames(names []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var stale []string
	for _, n := range names {
		if _, ok := r.skills[n]; !ok {
			stale = append(stale, n)
		}
	}
	return stale
}
