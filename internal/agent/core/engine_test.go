package core

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// fakeHandler returns a canned response or error.
type fakeHandler struct {
	resp  HandlerResponse
	err   error
	calls int
}

func (f *fakeHandler) Invoke(_ context.Context, _ HandlerRequest) (HandlerResponse, error) {
	f.calls++
	if f.err != nil {
		return HandlerResponse{}, f.err
	}
	return f.resp, nil
}

type fakeRegistry map[AgentType]*fakeHandler

func (r fakeRegistry) Handler(agent AgentType) (SpecialistHandler, bool) {
	h, ok := r[agent]
	return h, ok
}

func allHandlers(content string) fakeRegistry {
	r := fakeRegistry{}
	for _, agent := range AgentTypes {
		r[agent] = &fakeHandler{resp: HandlerResponse{Content: content, TokensUsed: 100}}
	}
	return r
}

func newTestEngine(store *fakeStore, sem SemanticMemory, handlers fakeRegistry) *Engine {
	assembler := NewAssembler(store, sem, nil, time.Minute, quietLogger())
	return NewEngine(assembler, handlers, store, sem, nil, quietLogger())
}

func TestHandleFullCycle(t *testing.T) {
	store := newFakeStore()
	handlers := allHandlers("The motion should argue lack of personal jurisdiction.")
	eng := newTestEngine(store, nil, handlers)

	resp, err := eng.Handle(context.Background(), ChatRequest{
		Message:      "Draft a motion to dismiss",
		SessionID:    "s1",
		Jurisdiction: "missouri",
		UserID:       "u1",
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.AgentType != AgentDrafter {
		t.Fatalf("expected drafter route, got %s", resp.AgentType)
	}
	if resp.Confidence < 0.5 {
		t.Fatalf("expected confidence >= 0.5, got %v", resp.Confidence)
	}
	if !strings.Contains(resp.Content, disclaimerLine) {
		t.Fatalf("expected normalized footer, got %q", resp.Content)
	}
	if turns := store.turns["s1"]; len(turns) != 2 || turns[0].Role != "user" || turns[1].Role != "assistant" {
		t.Fatalf("expected user+assistant turns persisted, got %+v", turns)
	}
	if store.sessions["s1"].LastAgent != AgentDrafter {
		t.Fatalf("expected last-agent pointer updated, got %s", store.sessions["s1"].LastAgent)
	}
}

func TestHandleEmptyMessageRejected(t *testing.T) {
	eng := newTestEngine(newFakeStore(), nil, allHandlers("x"))
	_, err := eng.Handle(context.Background(), ChatRequest{SessionID: "s1"})
	if err == nil {
		t.Fatal("expected error for empty message")
	}
	var stage *StageError
	if !errors.As(err, &stage) || stage.Stage != StageClassification {
		t.Fatalf("expected classification stage error, got %v", err)
	}
}

func TestHandlePrimaryFailureSurfaced(t *testing.T) {
	store := newFakeStore()
	handlers := allHandlers("x")
	handlers[AgentStrategist].err = errors.New("completion service down")
	eng := newTestEngine(store, nil, handlers)

	_, err := eng.Handle(context.Background(), ChatRequest{Message: "hello there", SessionID: "s1"})
	if err == nil {
		t.Fatal("expected generation error")
	}
	var stage *StageError
	if !errors.As(err, &stage) || stage.Stage != StageGeneration {
		t.Fatalf("expected generation stage error, got %v", err)
	}
	if len(store.turns["s1"]) != 0 {
		t.Fatalf("no turns must be written on failure, got %d", len(store.turns["s1"]))
	}
}

func TestHandleSubAgentFailureDegrades(t *testing.T) {
	store := newFakeStore()
	handlers := allHandlers("strategy answer")
	handlers[AgentAnalyst].err = errors.New("boom")
	eng := newTestEngine(store, nil, handlers)

	// Strategist primary with analyst co-routed.
	resp, err := eng.Handle(context.Background(), ChatRequest{Message: "What am I missing? Please assess.", SessionID: "s1"})
	if err != nil {
		t.Fatalf("expected degraded success, got %v", err)
	}
	if resp.AgentType != AgentStrategist {
		t.Fatalf("expected strategist, got %s", resp.AgentType)
	}
	if len(resp.SubAgents) != 0 {
		t.Fatalf("failed sub-agent must not appear in response, got %v", resp.SubAgents)
	}
}

func TestHandleSemanticFailureReportsMemoryUnused(t *testing.T) {
	store := newFakeStore()
	sem := &fakeSemantic{fail: true}
	eng := newTestEngine(store, sem, allHandlers("answer"))

	resp, err := eng.Handle(context.Background(), ChatRequest{Message: "research the precedent", SessionID: "s1"})
	if err != nil {
		t.Fatalf("expected success despite semantic failure, got %v", err)
	}
	if resp.MemoryUsed {
		t.Fatal("expected memory_used == false when semantic store throws")
	}
}

func TestHandleMemoryFactAuthoritativeWrite(t *testing.T) {
	store := newFakeStore()
	sem := &fakeSemantic{}
	handlers := allHandlers("answer")
	handlers[AgentResearcher].resp.MemoryUpdates = []MemoryFact{{Text: "SOL is five years for breach of written contract"}}
	eng := newTestEngine(store, sem, handlers)

	_, err := eng.Handle(context.Background(), ChatRequest{
		Message: "research the statute of limitations", SessionID: "s1", CaseID: "c1", Jurisdiction: "missouri",
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(store.facts) != 1 {
		t.Fatalf("expected one relational fact, got %d", len(store.facts))
	}
	fact := store.facts[0]
	if fact.SessionID != "s1" || fact.CaseID != "c1" || fact.SourceAgent != AgentResearcher || fact.Jurisdiction != "missouri" {
		t.Fatalf("fact scope not filled: %+v", fact)
	}
	if fact.ID == "" || fact.CreatedAt.IsZero() {
		t.Fatalf("fact identity not filled: %+v", fact)
	}
}

func TestHandleRelationalFactFailureSurfaced(t *testing.T) {
	store := newFakeStore()
	store.factErr = errors.New("db down")
	handlers := allHandlers("answer")
	handlers[AgentResearcher].resp.MemoryUpdates = []MemoryFact{{Text: "fact"}}
	eng := newTestEngine(store, nil, handlers)

	_, err := eng.Handle(context.Background(), ChatRequest{Message: "research precedent", SessionID: "s1"})
	var stage *StageError
	if !errors.As(err, &stage) || stage.Stage != StagePersistence {
		t.Fatalf("expected persistence stage error, got %v", err)
	}
}

func TestHandleForcedAgentOverride(t *testing.T) {
	store := newFakeStore()
	eng := newTestEngine(store, nil, allHandlers("drafted"))

	resp, err := eng.Handle(context.Background(), ChatRequest{
		Message: "research the precedent", SessionID: "s1", ForcedAgent: AgentDrafter,
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.AgentType != AgentDrafter {
		t.Fatalf("expected forced drafter, got %s", resp.AgentType)
	}

	if _, err := eng.Handle(context.Background(), ChatRequest{
		Message: "hi", SessionID: "s1", ForcedAgent: AgentType("paralegal"),
	}); err == nil {
		t.Fatal("expected error for unknown forced agent")
	}
}

func TestClearSessionEmptiesHistory(t *testing.T) {
	store := newFakeStore()
	eng := newTestEngine(store, nil, allHandlers("answer"))
	ctx := context.Background()

	if _, err := eng.Handle(ctx, ChatRequest{Message: "research precedent", SessionID: "s1"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := eng.ClearSession(ctx, "s1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	turns, err := eng.History(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(turns) != 0 {
		t.Fatalf("expected empty history after clear, got %d turns", len(turns))
	}
}

func TestHandleGeneratesSessionID(t *testing.T) {
	store := newFakeStore()
	eng := newTestEngine(store, nil, allHandlers("answer"))
	resp, err := eng.Handle(context.Background(), ChatRequest{Message: "research precedent"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(store.sessions) != 1 {
		t.Fatalf("expected one implicit session, got %d", len(store.sessions))
	}
	if resp.SessionID == "" {
		t.Fatal("expected response to carry the generated session id")
	}
	if _, ok := store.sessions[resp.SessionID]; !ok {
		t.Fatalf("response session id %q does not match the stored session", resp.SessionID)
	}
	if len(store.turns[resp.SessionID]) != 2 {
		t.Fatalf("expected turns recorded under the returned session id, got %+v", store.turns)
	}
}

func TestHandleEchoesExplicitSessionID(t *testing.T) {
	store := newFakeStore()
	eng := newTestEngine(store, nil, allHandlers("answer"))
	resp, err := eng.Handle(context.Background(), ChatRequest{Message: "research precedent", SessionID: "s1"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.SessionID != "s1" {
		t.Fatalf("expected session id s1, got %q", resp.SessionID)
	}
}
