// Package registry implements the capability registry: named tool/skill
// descriptors with optional embeddings, exact and semantic lookup, and a
// deterministic keyword fallback when no embedding can be produced.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/adalundhe/viable/core/config"
	"github.com/adalundhe/viable/core/errors"
	"github.com/adalundhe/viable/core/providers"
	"github.com/adalundhe/viable/core/validation"
)

// Capability is a named, versioned descriptor of a tool or skill.
type Capability struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	Embedding    []float32      `json:"embedding,omitempty"`
	Inputs       []string       `json:"inputs,omitempty"`
	Outputs      []string       `json:"outputs,omitempty"`
	Provider     any            `json:"-"`
	Version      string         `json:"version"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	RegisteredAt time.Time      `json:"registered_at"`
}

// clone returns a call-scoped copy so callers never alias registry state.
func (c *Capability) clone() *Capability {
	copied := *c
	if c.Embedding != nil {
		copied.Embedding = append([]float32(nil), c.Embedding...)
	}
	if c.Inputs != nil {
		copied.Inputs = append([]string(nil), c.Inputs...)
	}
	if c.Outputs != nil {
		copied.Outputs = append([]string(nil), c.Outputs...)
	}
	if c.Metadata != nil {
		meta := make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			meta[k] = v
		}
		copied.Metadata = meta
	}
	return &copied
}

// RegisterInput carries the caller-supplied attributes for Register.
type RegisterInput struct {
	Name        string
	Description string
	Provider    any
	Embedding   []float32
	Inputs      []string
	Outputs     []string
	Version     string
	Metadata    map[string]any
}

// Match is one semantic or keyword search result.
type Match struct {
	Capability *Capability `json:"capability"`
	Score      float64     `json:"score"`
}

// DiscoverOptions tunes Discover and MatchSemantic.
type DiscoverOptions struct {
	// Threshold overrides the configured similarity threshold.
	Threshold *float64

	// Limit overrides the configured max result count.
	Limit int

	// Filter drops candidates the predicate rejects.
	Filter func(*Capability) bool
}

// Stats is a snapshot of registry counters.
type Stats struct {
	Total            int   `json:"total"`
	WithEmbeddings   int   `json:"with_embeddings"`
	Registered       int64 `json:"registered"`
	Unregistered     int64 `json:"unregistered"`
	Discovers        int64 `json:"discovers"`
	SemanticHits     int64 `json:"semantic_hits"`
	KeywordFallbacks int64 `json:"keyword_fallbacks"`
}

// Registry owns all capability records. Names are unique; registration is
// atomic against the name index.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]*Capability
	nameIndex    map[string]string

	cfg      config.RegistryConfig
	embedder providers.EmbeddingProvider
	cache    *embeddingCache
	logger   *slog.Logger

	registered       atomic.Int64
	unregistered     atomic.Int64
	discovers        atomic.Int64
	semanticHits     atomic.Int64
	keywordFallbacks atomic.Int64
}

// New creates a registry. The embedder may be nil; Discover then always
// takes the keyword fallback path.
func New(cfg config.RegistryConfig, embedder providers.EmbeddingProvider, logger *slog.Logger) *Registry {
	if cfg.MatchThreshold <= 0 {
		cfg.MatchThreshold = 0.8
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 10
	}
	if logger == nil {
		logger = slog.Default()
	}

	cache, err := newEmbeddingCache()
	if err != nil {
		// Cache is an optimization only; registry works without it.
		logger.Warn("embedding cache unavailable", "error", err)
		cache = nil
	}

	return &Registry{
		capabilities: make(map[string]*Capability),
		nameIndex:    make(map[string]string),
		cfg:          cfg,
		embedder:     embedder,
		cache:        cache,
		logger:       logger,
	}
}

// Register validates input, assigns a fresh id, and stores the capability.
// Fails atomically when the name is already taken.
func (r *Registry) Register(input RegisterInput) (*Capability, error) {
	if err := validation.Required(map[string]any{
		"name":        input.Name,
		"description": input.Description,
		"provider":    input.Provider,
	}, []string{"name", "description", "provider"}); err != nil {
		return nil, err
	}
	if err := validation.Name(input.Name); err != nil {
		return nil, err
	}
	if err := validation.Description(input.Description); err != nil {
		return nil, err
	}
	if err := validation.ContextSize(input.Metadata); err != nil {
		return nil, err
	}

	version := input.Version
	if version == "" {
		version = "1.0.0"
	}

	capability := &Capability{
		ID:           uuid.NewString(),
		Name:         input.Name,
		Description:  input.Description,
		Embedding:    input.Embedding,
		Inputs:       input.Inputs,
		Outputs:      input.Outputs,
		Provider:     input.Provider,
		Version:      version,
		Metadata:     input.Metadata,
		RegisteredAt: time.Now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nameIndex[capability.Name]; exists {
		return nil, errors.Newf(errors.KindStateConflict, "capability name already registered: %s", capability.Name)
	}

	r.capabilities[capability.ID] = capability
	r.nameIndex[capability.Name] = capability.ID
	r.registered.Add(1)

	return capability.clone(), nil
}

// Unregister removes a capability by id.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	capability, ok := r.capabilities[id]
	if !ok {
		return errors.Newf(errors.KindNotFound, "capability not found: %s", id)
	}

	delete(r.capabilities, id)
	delete(r.nameIndex, capability.Name)
	r.unregistered.Add(1)
	return nil
}

// Get returns a capability by id.
func (r *Registry) Get(id string) (*Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	capability, ok := r.capabilities[id]
	if !ok {
		return nil, errors.Newf(errors.KindNotFound, "capability not found: %s", id)
	}
	return capability.clone(), nil
}

// GetByName returns a capability by its unique name.
func (r *Registry) GetByName(name string) (*Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.nameIndex[name]
	if !ok {
		return nil, errors.Newf(errors.KindNotFound, "capability not found: %s", name)
	}
	return r.capabilities[id].clone(), nil
}

// List returns all capabilities, sorted by name for stable output.
func (r *Registry) List() []*Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Capability, 0, len(r.capabilities))
	for _, capability := range r.capabilities {
		result = append(result, capability.clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

// UpdateEmbedding replaces a capability's embedding in place.
func (r *Registry) UpdateEmbedding(id string, embedding []float32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	capability, ok := r.capabilities[id]
	if !ok {
		return errors.Newf(errors.KindNotFound, "capability not found: %s", id)
	}
	capability.Embedding = append([]float32(nil), embedding...)
	return nil
}

// Discover ranks capabilities against a free-text query. It embeds the
// query and runs semantic matching; if embedding fails for any reason it
// falls back to deterministic keyword overlap and never propagates the
// embedding error.
func (r *Registry) Discover(ctx context.Context, query string, opts DiscoverOptions) []Match {
	r.discovers.Add(1)

	embedding, err := r.embedQuery(ctx, query)
	if err != nil {
		r.logger.Debug("query embedding failed, using keyword fallback",
			"query", query, "error", err)
		r.keywordFallbacks.Add(1)
		return r.keywordMatch(query, opts)
	}

	r.semanticHits.Add(1)
	return r.MatchSemantic(embedding, opts)
}

// MatchSemantic ranks stored capabilities by cosine similarity against a
// caller-supplied embedding.
func (r *Registry) MatchSemantic(embedding []float32, opts DiscoverOptions) []Match {
	threshold := r.cfg.MatchThreshold
	if opts.Threshold != nil {
		threshold = *opts.Threshold
	}
	limit := r.cfg.MaxResults
	if opts.Limit > 0 {
		limit = opts.Limit
	}

	r.mu.RLock()
	matches := make([]Match, 0, len(r.capabilities))
	for _, capability := range r.capabilities {
		if capability.Embedding == nil {
			continue
		}
		if opts.Filter != nil && !opts.Filter(capability) {
			continue
		}
		score := CosineSimilarity(embedding, capability.Embedding)
		if score < threshold {
			continue
		}
		matches = append(matches, Match{Capability: capability.clone(), Score: score})
	}
	r.mu.RUnlock()

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Capability.Name < matches[j].Capability.Name
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// keywordMatch is the deterministic fallback: lowercase whitespace
// tokenization of the query against each capability's name and
// description, ranked by word-set intersection size.
func (r *Registry) keywordMatch(query string, opts DiscoverOptions) []Match {
	limit := r.cfg.MaxResults
	if opts.Limit > 0 {
		limit = opts.Limit
	}

	queryWords := tokenize(query)
	if len(queryWords) == 0 {
		return nil
	}

	r.mu.RLock()
	matches := make([]Match, 0, len(r.capabilities))
	for _, capability := range r.capabilities {
		if opts.Filter != nil && !opts.Filter(capability) {
			continue
		}
		capWords := tokenize(capability.Name + " " + capability.Description)
		overlap := 0
		for word := range queryWords {
			if _, ok := capWords[word]; ok {
				overlap++
			}
		}
		if overlap == 0 {
			continue
		}
		matches = append(matches, Match{Capability: capability.clone(), Score: float64(overlap)})
	}
	r.mu.RUnlock()

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Capability.Name < matches[j].Capability.Name
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

func (r *Registry) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if r.embedder == nil {
		return nil, errors.New(errors.KindNotFound, "no embedding provider configured")
	}

	if r.cache != nil {
		if cached, ok := r.cache.get(query); ok {
			return cached, nil
		}
	}

	vectors, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, errors.New(errors.KindTransport, "embedding provider returned no vector")
	}

	if r.cache != nil {
		r.cache.set(query, vectors[0])
	}
	return vectors[0], nil
}

// Stats returns a snapshot of registry counters.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	total := len(r.capabilities)
	withEmbeddings := 0
	for _, capability := range r.capabilities {
		if capability.Embedding != nil {
			withEmbeddings++
		}
	}
	r.mu.RUnlock()

	return Stats{
		Total:            total,
		WithEmbeddings:   withEmbeddings,
		Registered:       r.registered.Load(),
		Unregistered:     r.unregistered.Load(),
		Discovers:        r.discovers.Load(),
		SemanticHits:     r.semanticHits.Load(),
		KeywordFallbacks: r.keywordFallbacks.Load(),
	}
}

// Close releases the embedding cache.
func (r *Registry) Close() {
	if r.cache != nil {
		r.cache.close()
	}
}

func tokenize(text string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(text))
	set := make(map[string]struct{}, len(words))
	for _, word := range words {
		set[word] = struct{}{}
	}
	return set
}
