package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	core "github.com/lawyrs/counsel/internal/agent/core"
	"github.com/lawyrs/counsel/internal/store"
)

func TestStoreRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase("counsel"),
		tcPostgres.WithUsername("counsel"),
		tcPostgres.WithPassword("counsel"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	defer func() {
		_ = pgC.Terminate(ctx)
	}()

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	var st *store.Store
	deadline := time.Now().Add(30 * time.Second)
	for {
		st, err = store.NewWithDSN(ctx, dsn)
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		t.Fatalf("store init: %v", err)
	}

	sessionID := uuid.NewString()
	if _, err := st.EnsureSession(ctx, sessionID, "case-it"); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	// Idempotent on second call.
	sess, err := st.EnsureSession(ctx, sessionID, "")
	if err != nil {
		t.Fatalf("EnsureSession again: %v", err)
	}
	if sess.CaseID != "case-it" {
		t.Fatalf("case id must survive re-ensure, got %q", sess.CaseID)
	}

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 3; i++ {
		turn := core.ConversationTurn{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Role:      "user",
			Content:   "message",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := st.AppendTurn(ctx, turn); err != nil {
			t.Fatalf("AppendTurn: %v", err)
		}
	}

	turns, err := st.RecentTurns(ctx, sessionID, 2)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected window of 2 turns, got %d", len(turns))
	}
	if !turns[0].CreatedAt.Before(turns[1].CreatedAt) {
		t.Fatalf("expected chronological order, got %v then %v", turns[0].CreatedAt, turns[1].CreatedAt)
	}

	fact := core.MemoryFact{
		ID:           uuid.NewString(),
		Text:         "client signed the engagement letter",
		CaseID:       "case-it",
		SessionID:    sessionID,
		SourceAgent:  core.AgentDrafter,
		Jurisdiction: "kansas",
		CreatedAt:    base,
	}
	if err := st.SaveMemoryFact(ctx, fact); err != nil {
		t.Fatalf("SaveMemoryFact: %v", err)
	}
	facts, err := st.ListMemoryFacts(ctx, core.MemoryScope{SessionID: sessionID}, 10)
	if err != nil {
		t.Fatalf("ListMemoryFacts: %v", err)
	}
	if len(facts) != 1 || facts[0].Text != fact.Text {
		t.Fatalf("unexpected facts: %+v", facts)
	}

	matter := core.MatterContext{CaseID: "case-it", Title: "Doe v. Roe", Jurisdiction: "kansas", Facts: []string{"filed 2024"}}
	if err := st.UpsertCase(ctx, matter); err != nil {
		t.Fatalf("UpsertCase: %v", err)
	}
	got, found, err := st.CaseSnapshot(ctx, "case-it")
	if err != nil || !found {
		t.Fatalf("CaseSnapshot: found=%v err=%v", found, err)
	}
	if got.Title != "Doe v. Roe" || len(got.Facts) != 1 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}

	if err := st.ClearSession(ctx, sessionID); err != nil {
		t.Fatalf("ClearSession: %v", err)
	}
	turns, err = st.RecentTurns(ctx, sessionID, 10)
	if err != nil {
		t.Fatalf("RecentTurns after clear: %v", err)
	}
	if len(turns) != 0 {
		t.Fatalf("expected empty history after clear, got %d", len(turns))
	}
}
