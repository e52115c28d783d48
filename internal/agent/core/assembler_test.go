package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"
)

// fakeStore is an in-memory Storage for unit tests.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	turns    map[string][]ConversationTurn
	facts    []MemoryFact
	cases    map[string]MatterContext

	turnsErr error
	factErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[string]Session),
		turns:    make(map[string][]ConversationTurn),
		cases:    make(map[string]MatterContext),
	}
}

func (f *fakeStore) EnsureSession(_ context.Context, sessionID, caseID string) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		s = Session{SessionID: sessionID, CaseID: caseID, CreatedAt: time.Now()}
		f.sessions[sessionID] = s
	}
	return s, nil
}

func (f *fakeStore) AppendTurn(_ context.Context, turn ConversationTurn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns[turn.SessionID] = append(f.turns[turn.SessionID], turn)
	return nil
}

func (f *fakeStore) RecentTurns(_ context.Context, sessionID string, limit int) ([]ConversationTurn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.turnsErr != nil {
		return nil, f.turnsErr
	}
	turns := f.turns[sessionID]
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return append([]ConversationTurn(nil), turns...), nil
}

func (f *fakeStore) ClearSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.turns, sessionID)
	return nil
}

func (f *fakeStore) UpdateSessionRouting(_ context.Context, sessionID string, lastAgent AgentType, tokens int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sessions[sessionID]
	s.LastAgent = lastAgent
	s.CumulativeTokens += tokens
	f.sessions[sessionID] = s
	return nil
}

func (f *fakeStore) SaveMemoryFact(_ context.Context, fact MemoryFact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.factErr != nil {
		return f.factErr
	}
	f.facts = append(f.facts, fact)
	return nil
}

func (f *fakeStore) ListMemoryFacts(_ context.Context, scope MemoryScope, limit int) ([]MemoryFact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]MemoryFact, 0, len(f.facts))
	for _, fact := range f.facts {
		if scope.SessionID != "" && fact.SessionID != scope.SessionID {
			continue
		}
		if scope.CaseID != "" && fact.CaseID != scope.CaseID {
			continue
		}
		out = append(out, fact)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) CaseSnapshot(_ context.Context, caseID string) (MatterContext, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.cases[caseID]
	return m, ok, nil
}

// fakeSemantic is an in-memory SemanticMemory that can be forced to fail.
type fakeSemantic struct {
	mu    sync.Mutex
	facts []MemoryFact
	fail  bool
}

func (f *fakeSemantic) Search(_ context.Context, query string, scope MemoryScope, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("semantic store unreachable")
	}
	out := make([]string, 0, limit)
	for _, fact := range f.facts {
		if scope.SessionID != "" && fact.SessionID != scope.SessionID {
			continue
		}
		out = append(out, fact.Text)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeSemantic) Write(_ context.Context, fact MemoryFact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("semantic store unreachable")
	}
	f.facts = append(f.facts, fact)
	return nil
}

func (f *fakeSemantic) List(_ context.Context, scope MemoryScope) ([]MemoryFact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("semantic store unreachable")
	}
	return append([]MemoryFact(nil), f.facts...), nil
}

func (f *fakeSemantic) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, fact := range f.facts {
		if fact.ID == id {
			f.facts = append(f.facts[:i], f.facts[i+1:]...)
			return nil
		}
	}
	return nil
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestAssembleWithCaseAndMemory(t *testing.T) {
	store := newFakeStore()
	store.cases["case-1"] = MatterContext{CaseID: "case-1", Title: "Smith v. Jones", Jurisdiction: "missouri"}
	sem := &fakeSemantic{facts: []MemoryFact{{Text: "client prefers arbitration", SessionID: "s1"}}}
	a := NewAssembler(store, sem, nil, time.Minute, quietLogger())

	got, err := a.Assemble(context.Background(), ChatRequest{Message: "settlement options", SessionID: "s1", CaseID: "case-1"})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if got.Matter == nil || got.Matter.Title != "Smith v. Jones" {
		t.Fatalf("expected case snapshot, got %+v", got.Matter)
	}
	if got.Jurisdiction != "missouri" {
		t.Fatalf("expected jurisdiction from case, got %q", got.Jurisdiction)
	}
	if !got.MemoryUsed || len(got.MemorySnips) != 1 {
		t.Fatalf("expected one memory snippet, got %+v", got)
	}
	if got.MemoryText() == "" {
		t.Fatal("expected rendered memory text")
	}
}

func TestAssembleMissingCaseDegrades(t *testing.T) {
	store := newFakeStore()
	a := NewAssembler(store, nil, nil, time.Minute, quietLogger())
	got, err := a.Assemble(context.Background(), ChatRequest{Message: "hi", SessionID: "s1", CaseID: "nope"})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if got.Matter != nil {
		t.Fatalf("expected nil snapshot for unknown case, got %+v", got.Matter)
	}
}

func TestAssembleSemanticFailureDegrades(t *testing.T) {
	store := newFakeStore()
	sem := &fakeSemantic{fail: true}
	a := NewAssembler(store, sem, nil, time.Minute, quietLogger())
	got, err := a.Assemble(context.Background(), ChatRequest{Message: "settlement", SessionID: "s1"})
	if err != nil {
		t.Fatalf("expected degraded success, got %v", err)
	}
	if got.MemoryUsed || len(got.MemorySnips) != 0 {
		t.Fatalf("expected no memory on failure, got %+v", got)
	}
}

func TestAssembleBoundsHistoryWindow(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < 50; i++ {
		store.turns["s1"] = append(store.turns["s1"], ConversationTurn{
			SessionID: "s1", Role: "user", Content: fmt.Sprintf("msg %d", i),
		})
	}
	a := NewAssembler(store, nil, nil, time.Minute, quietLogger())
	got, err := a.Assemble(context.Background(), ChatRequest{Message: "hi", SessionID: "s1"})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if len(got.History) != historyWindow {
		t.Fatalf("expected %d turns, got %d", historyWindow, len(got.History))
	}
	if got.History[len(got.History)-1].Content != "msg 49" {
		t.Fatalf("expected most recent turns kept, got last %q", got.History[len(got.History)-1].Content)
	}
}

func TestAssembleHistoryErrorSurfaces(t *testing.T) {
	store := newFakeStore()
	store.turnsErr = errors.New("db down")
	a := NewAssembler(store, nil, nil, time.Minute, quietLogger())
	if _, err := a.Assemble(context.Background(), ChatRequest{Message: "hi", SessionID: "s1"}); err == nil {
		t.Fatal("expected history read error to surface")
	}
}
