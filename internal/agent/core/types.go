package core

import (
	"context"
	"time"
)

// AgentType identifies one of the specialist capability categories.
type AgentType string

const (
	AgentResearcher AgentType = "researcher"
	AgentDrafter    AgentType = "drafter"
	AgentAnalyst    AgentType = "analyst"
	AgentStrategist AgentType = "strategist"
)

// FallbackAgent handles messages no classification rule matched.
const FallbackAgent = AgentStrategist

// AgentTypes lists every specialist category in a stable order.
var AgentTypes = []AgentType{AgentResearcher, AgentDrafter, AgentAnalyst, AgentStrategist}

// Valid reports whether t names a known specialist category.
func (t AgentType) Valid() bool {
	switch t {
	case AgentResearcher, AgentDrafter, AgentAnalyst, AgentStrategist:
		return true
	}
	return false
}

// Citation is a legal authority reference attached to a handler response.
// Reference is the dedup key when merging.
type Citation struct {
	Reference string `json:"reference"`
	Source    string `json:"source,omitempty"`
	URL       string `json:"url,omitempty"`
}

// ConversationTurn is one immutable message within a session, ordered by
// creation time.
type ConversationTurn struct {
	ID           string      `json:"id"`
	SessionID    string      `json:"session_id"`
	Role         string      `json:"role"` // user | assistant
	Content      string      `json:"content"`
	AgentType    AgentType   `json:"agent_type,omitempty"`
	Confidence   float64     `json:"confidence,omitempty"`
	SubAgents    []AgentType `json:"sub_agents,omitempty"`
	RisksFlagged []string    `json:"risks_flagged,omitempty"`
	Citations    []Citation  `json:"citations,omitempty"`
	TokensUsed   int64       `json:"tokens_used,omitempty"`
	DurationMS   int64       `json:"duration_ms,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Session tracks per-conversation routing state. Sessions are created
// implicitly on first use and persist until explicitly cleared.
type Session struct {
	SessionID        string    `json:"session_id"`
	CaseID           string    `json:"case_id,omitempty"`
	LastAgent        AgentType `json:"last_agent,omitempty"`
	CumulativeTokens int64     `json:"cumulative_tokens"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// MatterContext is a read-only snapshot of the case record assembled per
// request. It is recomputed on every call and never persisted as its own
// entity.
type MatterContext struct {
	CaseID       string   `json:"case_id"`
	Title        string   `json:"title"`
	Summary      string   `json:"summary,omitempty"`
	Jurisdiction string   `json:"jurisdiction,omitempty"`
	Facts        []string `json:"facts,omitempty"`
}

// AgentRoute is the per-request classification outcome. Its summary is
// embedded into the stored assistant turn for audit.
type AgentRoute struct {
	Agent      AgentType   `json:"agent"`
	Confidence float64     `json:"confidence"`
	SubAgents  []AgentType `json:"sub_agents,omitempty"`
	Reasoning  string      `json:"reasoning"`
}

// MemoryFact is a derived fact persisted after a turn. The relational write
// is authoritative; the semantic index is a best-effort derived index.
type MemoryFact struct {
	ID           string    `json:"id"`
	Text         string    `json:"text"`
	CaseID       string    `json:"case_id,omitempty"`
	SessionID    string    `json:"session_id"`
	SourceAgent  AgentType `json:"source_agent"`
	Jurisdiction string    `json:"jurisdiction"`
	CreatedAt    time.Time `json:"created_at"`
}

// MemoryScope bounds semantic search and listing to a case and/or session.
type MemoryScope struct {
	CaseID    string `json:"case_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// HandlerRequest is the input bundle passed to a specialist handler. This is
// the only boundary between the orchestration core and the content
// generators.
type HandlerRequest struct {
	Message        string             `json:"message"`
	Jurisdiction   string             `json:"jurisdiction"`
	Matter         *MatterContext     `json:"matter_context,omitempty"`
	SessionID      string             `json:"session_id"`
	History        []ConversationTurn `json:"conversation_history,omitempty"`
	Date           time.Time          `json:"date"`
	UserID         string             `json:"user_id"`
	SemanticMemory string             `json:"semantic_memory_text,omitempty"`
}

// HandlerResponse is the structured output of a specialist handler.
type HandlerResponse struct {
	Content       string       `json:"content"`
	AgentType     AgentType    `json:"agent_type"`
	SubAgents     []AgentType  `json:"sub_agents_called,omitempty"`
	TokensUsed    int64        `json:"tokens_used"`
	Citations     []Citation   `json:"citations,omitempty"`
	RisksFlagged  []string     `json:"risks_flagged,omitempty"`
	MemoryUpdates []MemoryFact `json:"memory_updates,omitempty"`
	DurationMS    int64        `json:"duration_ms"`
	Confidence    float64      `json:"confidence"`
}

// ChatRequest is the caller-facing orchestration input. UserID is required;
// there is no default identity baked into the engine.
type ChatRequest struct {
	Message      string    `json:"message"`
	SessionID    string    `json:"session_id"`
	CaseID       string    `json:"case_id,omitempty"`
	Jurisdiction string    `json:"jurisdiction"`
	UserID       string    `json:"user_id"`
	ForcedAgent  AgentType `json:"agent_type,omitempty"`
}

// FinalResponse is the merged, normalized result of one orchestration cycle
// plus routing metadata for observability.
type FinalResponse struct {
	Content      string      `json:"content"`
	SessionID    string      `json:"session_id"`
	AgentType    AgentType   `json:"agent_type"`
	Confidence   float64     `json:"confidence"`
	SubAgents    []AgentType `json:"sub_agents,omitempty"`
	Citations    []Citation  `json:"citations,omitempty"`
	RisksFlagged []string    `json:"risks_flagged,omitempty"`
	TokensUsed   int64       `json:"tokens_used"`
	DurationMS   int64       `json:"duration_ms"`
	Jurisdiction string      `json:"jurisdiction"`
	MemoryUsed   bool        `json:"memory_used"`
	Reasoning    string      `json:"reasoning,omitempty"`
}

// SpecialistHandler converts one structured input into one structured output
// for a single problem category. Implementations may call a remote completion
// service; the engine treats them as opaque.
type SpecialistHandler interface {
	Invoke(ctx context.Context, req HandlerRequest) (HandlerResponse, error)
}

// HandlerRegistry resolves the handler for a specialist category.
type HandlerRegistry interface {
	Handler(agent AgentType) (SpecialistHandler, bool)
}

// Storage is the relational store contract used by the engine. The store is
// the source of truth for sessions, turns and memory facts.
type Storage interface {
	EnsureSession(ctx context.Context, sessionID, caseID string) (Session, error)
	AppendTurn(ctx context.Context, turn ConversationTurn) error
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]ConversationTurn, error)
	ClearSession(ctx context.Context, sessionID string) error
	UpdateSessionRouting(ctx context.Context, sessionID string, lastAgent AgentType, tokens int64) error
	SaveMemoryFact(ctx context.Context, fact MemoryFact) error
	ListMemoryFacts(ctx context.Context, scope MemoryScope, limit int) ([]MemoryFact, error)
	CaseSnapshot(ctx context.Context, caseID string) (MatterContext, bool, error)
}

// SemanticMemory is the optional relevance-ranked fact retrieval service.
// A nil SemanticMemory means the capability is disabled; every call site
// must treat errors as degradable.
type SemanticMemory interface {
	Search(ctx context.Context, query string, scope MemoryScope, limit int) ([]string, error)
	Write(ctx context.Context, fact MemoryFact) error
	List(ctx context.Context, scope MemoryScope) ([]MemoryFact, error)
	Delete(ctx context.Context, id string) error
}
