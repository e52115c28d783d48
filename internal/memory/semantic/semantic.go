// Package semantic maintains the relevance-ranked fact index derived from
// the relational memory store. The index is in-process and rebuilt on start;
// the relational store stays authoritative.
package semantic

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/blevesearch/bleve"

	"github.com/lawyrs/counsel/config"
	core "github.com/lawyrs/counsel/internal/agent/core"
)

// Index is a bleve-backed core.SemanticMemory. Facts are indexed by id with
// a mutex-guarded meta map for scope filtering and listing.
type Index struct {
	idx    bleve.Index
	meta   map[string]core.MemoryFact
	topK   int
	logger *log.Logger
	mu     sync.RWMutex
}

// indexedFact is the document shape handed to bleve.
type indexedFact struct {
	Text         string `json:"text"`
	Jurisdiction string `json:"jurisdiction"`
}

// New builds the semantic index. Returns nil when disabled.
func New(cfg config.SemanticMemoryConfig, logger *log.Logger) (*Index, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.SearchTopK <= 0 {
		cfg.SearchTopK = 5
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[SEMANTIC] ", log.LstdFlags)
	}
	var (
		idx bleve.Index
		err error
	)
	if cfg.IndexPath != "" {
		idx, err = bleve.Open(cfg.IndexPath)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(cfg.IndexPath, bleve.NewIndexMapping())
		}
	} else {
		idx, err = bleve.NewMemOnly(bleve.NewIndexMapping())
	}
	if err != nil {
		return nil, err
	}
	return &Index{
		idx:    idx,
		meta:   make(map[string]core.MemoryFact),
		topK:   cfg.SearchTopK,
		logger: logger,
	}, nil
}

// Warm loads existing facts from the relational store into the index.
func (x *Index) Warm(ctx context.Context, st core.Storage, scope core.MemoryScope, limit int) error {
	facts, err := st.ListMemoryFacts(ctx, scope, limit)
	if err != nil {
		return err
	}
	for _, fact := range facts {
		if err := x.Write(ctx, fact); err != nil {
			x.logger.Printf("warm skipped fact %s: %v", fact.ID, err)
		}
	}
	return nil
}

// Write indexes one fact.
func (x *Index) Write(_ context.Context, fact core.MemoryFact) error {
	if fact.ID == "" {
		return errors.New("fact id is required")
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.meta[fact.ID] = fact
	return x.idx.Index(fact.ID, indexedFact{Text: fact.Text, Jurisdiction: fact.Jurisdiction})
}

// Search returns up to limit fact texts relevant to the query, best first,
// restricted to the scope. Scope filtering happens against the meta map, so
// the bleve query stays a plain relevance query.
func (x *Index) Search(_ context.Context, query string, scope core.MemoryScope, limit int) ([]string, error) {
	if limit <= 0 {
		limit = x.topK
	}
	q := bleve.NewMatchQuery(query)
	// Overfetch so scope filtering still fills the limit.
	req := bleve.NewSearchRequestOptions(q, limit*4, 0, false)
	res, err := x.idx.Search(req)
	if err != nil {
		return nil, err
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]string, 0, limit)
	for _, hit := range res.Hits {
		fact, ok := x.meta[hit.ID]
		if !ok || !inScope(fact, scope) {
			continue
		}
		out = append(out, fact.Text)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// List returns every indexed fact within the scope.
func (x *Index) List(_ context.Context, scope core.MemoryScope) ([]core.MemoryFact, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]core.MemoryFact, 0, len(x.meta))
	for _, fact := range x.meta {
		if inScope(fact, scope) {
			out = append(out, fact)
		}
	}
	return out, nil
}

// Delete removes a fact from the index. Unknown ids are a no-op.
func (x *Index) Delete(_ context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.meta[id]; !ok {
		return nil
	}
	delete(x.meta, id)
	return x.idx.Delete(id)
}

// inScope reports whether a fact is visible under the scope. A fact attached
// to the scoped case stays visible across sessions on that case; the session
// match covers caseless conversations. An empty scope matches everything.
func inScope(fact core.MemoryFact, scope core.MemoryScope) bool {
	if scope.CaseID == "" && scope.SessionID == "" {
		return true
	}
	if scope.CaseID != "" && fact.CaseID == scope.CaseID {
		return true
	}
	return scope.SessionID != "" && fact.SessionID == scope.SessionID
}
