package core

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// historyWindow bounds the recent-turn read used for classification and
	// handler context.
	historyWindow = 30
	// semanticTopK bounds semantic-memory retrieval per request.
	semanticTopK = 5

	caseCacheKeyPrefix = "counsel:case:"
)

// AssembledContext is the read-only bundle the engine hands to handlers.
type AssembledContext struct {
	Matter       *MatterContext
	History      []ConversationTurn
	MemorySnips  []string
	MemoryUsed   bool
	Jurisdiction string
}

// MemoryText renders the semantic snippets as one prompt-ready block, empty
// when no snippets were retrieved.
func (a AssembledContext) MemoryText() string {
	if len(a.MemorySnips) == 0 {
		return ""
	}
	return "Relevant facts from memory:\n- " + strings.Join(a.MemorySnips, "\n- ")
}

// Assembler builds the per-request context bundle. Every lookup is
// degradable except the history read: a missing case degrades to a nil
// snapshot and semantic-memory failures degrade to no snippets.
type Assembler struct {
	store    Storage
	semantic SemanticMemory
	cache    *redis.Client
	cacheTTL time.Duration
	logger   *log.Logger
}

// NewAssembler wires an assembler. semantic and cache may be nil; both
// capabilities then stay off.
func NewAssembler(store Storage, semantic SemanticMemory, cache *redis.Client, cacheTTL time.Duration, logger *log.Logger) *Assembler {
	if logger == nil {
		logger = log.New(log.Writer(), "[CTX] ", log.LstdFlags)
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Assembler{store: store, semantic: semantic, cache: cache, cacheTTL: cacheTTL, logger: logger}
}

// Assemble produces the context bundle for one request. Only the history
// read can fail the call; everything else narrows the context instead.
func (a *Assembler) Assemble(ctx context.Context, req ChatRequest) (AssembledContext, error) {
	out := AssembledContext{Jurisdiction: req.Jurisdiction}

	if req.CaseID != "" {
		if matter, ok := a.caseSnapshot(ctx, req.CaseID); ok {
			out.Matter = &matter
			if out.Jurisdiction == "" {
				out.Jurisdiction = matter.Jurisdiction
			}
		}
	}

	history, err := a.store.RecentTurns(ctx, req.SessionID, historyWindow)
	if err != nil {
		return AssembledContext{}, err
	}
	out.History = history

	if a.semantic != nil && req.Message != "" {
		scope := MemoryScope{CaseID: req.CaseID, SessionID: req.SessionID}
		snips, err := a.semantic.Search(ctx, req.Message, scope, semanticTopK)
		if err != nil {
			a.logger.Printf("semantic search degraded for session %s: %v", req.SessionID, err)
		} else if len(snips) > 0 {
			out.MemorySnips = snips
			out.MemoryUsed = true
		}
	}
	return out, nil
}

// caseSnapshot reads the case record through the cache. Cache errors fall
// through to the store; store misses report not-found.
func (a *Assembler) caseSnapshot(ctx context.Context, caseID string) (MatterContext, bool) {
	key := caseCacheKeyPrefix + caseID
	if a.cache != nil {
		raw, err := a.cache.Get(ctx, key).Bytes()
		if err == nil {
			var matter MatterContext
			if err := json.Unmarshal(raw, &matter); err == nil {
				return matter, true
			}
		} else if err != redis.Nil {
			a.logger.Printf("case cache read degraded for %s: %v", caseID, err)
		}
	}

	matter, found, err := a.store.CaseSnapshot(ctx, caseID)
	if err != nil {
		a.logger.Printf("case snapshot degraded for %s: %v", caseID, err)
		return MatterContext{}, false
	}
	if !found {
		return MatterContext{}, false
	}

	if a.cache != nil {
		if raw, err := json.Marshal(matter); err == nil {
			if err := a.cache.Set(ctx, key, raw, a.cacheTTL).Err(); err != nil {
				a.logger.Printf("case cache write degraded for %s: %v", caseID, err)
			}
		}
	}
	return matter, true
}
