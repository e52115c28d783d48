// Package store is the Postgres persistence layer: sessions, conversation
// turns, memory facts and case records. It is the source of truth; the
// semantic index is derived from it.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"github.com/lib/pq"

	core "github.com/lawyrs/counsel/internal/agent/core"
)

type Store struct {
	DB *sql.DB
}

// New constructs the Store from DATABASE_URL or the discrete POSTGRES_*
// variables.
func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
  session_id TEXT PRIMARY KEY,
  case_id TEXT NOT NULL DEFAULT '',
  last_agent TEXT NOT NULL DEFAULT '',
  cumulative_tokens BIGINT NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
		`CREATE TABLE IF NOT EXISTS conversation_turns (
  id UUID PRIMARY KEY,
  session_id TEXT NOT NULL,
  role TEXT NOT NULL,
  content TEXT NOT NULL,
  agent_type TEXT NOT NULL DEFAULT '',
  confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
  sub_agents TEXT[] NOT NULL DEFAULT '{}',
  risks_flagged TEXT[] NOT NULL DEFAULT '{}',
  citations JSONB NOT NULL DEFAULT '[]',
  tokens_used BIGINT NOT NULL DEFAULT 0,
  duration_ms BIGINT NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_session_created ON conversation_turns (session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS memory_facts (
  id UUID PRIMARY KEY,
  fact_text TEXT NOT NULL,
  case_id TEXT NOT NULL DEFAULT '',
  session_id TEXT NOT NULL,
  source_agent TEXT NOT NULL DEFAULT '',
  jurisdiction TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
		`CREATE TABLE IF NOT EXISTS cases (
  case_id TEXT PRIMARY KEY,
  title TEXT NOT NULL,
  summary TEXT NOT NULL DEFAULT '',
  jurisdiction TEXT NOT NULL DEFAULT '',
  facts TEXT[] NOT NULL DEFAULT '{}',
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// EnsureSession creates the session row on first use and returns it.
func (s *Store) EnsureSession(ctx context.Context, sessionID, caseID string) (core.Session, error) {
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO sessions (session_id, case_id)
VALUES ($1, $2)
ON CONFLICT (session_id) DO UPDATE SET
  case_id = CASE WHEN EXCLUDED.case_id <> '' THEN EXCLUDED.case_id ELSE sessions.case_id END,
  updated_at = NOW()
RETURNING session_id, case_id, last_agent, cumulative_tokens, created_at, updated_at
`, sessionID, caseID)
	var sess core.Session
	var lastAgent string
	if err := row.Scan(&sess.SessionID, &sess.CaseID, &lastAgent, &sess.CumulativeTokens, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return core.Session{}, err
	}
	sess.LastAgent = core.AgentType(lastAgent)
	return sess, nil
}

// AppendTurn inserts one immutable conversation turn.
func (s *Store) AppendTurn(ctx context.Context, turn core.ConversationTurn) error {
	citations, err := json.Marshal(turn.Citations)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO conversation_turns
  (id, session_id, role, content, agent_type, confidence, sub_agents, risks_flagged, citations, tokens_used, duration_ms, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
`, turn.ID, turn.SessionID, turn.Role, turn.Content, string(turn.AgentType), turn.Confidence,
		pq.Array(agentsToStrings(turn.SubAgents)), pq.Array(turn.RisksFlagged), citations,
		turn.TokensUsed, turn.DurationMS, turn.CreatedAt)
	return err
}

// RecentTurns returns the last limit turns for a session in chronological
// order.
func (s *Store) RecentTurns(ctx context.Context, sessionID string, limit int) ([]core.ConversationTurn, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, session_id, role, content, agent_type, confidence, sub_agents, risks_flagged, citations, tokens_used, duration_ms, created_at
FROM conversation_turns
WHERE session_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2
`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.ConversationTurn
	for rows.Next() {
		var (
			turn      core.ConversationTurn
			agentType string
			subAgents pq.StringArray
			risks     pq.StringArray
			citations []byte
		)
		if err := rows.Scan(&turn.ID, &turn.SessionID, &turn.Role, &turn.Content, &agentType, &turn.Confidence,
			&subAgents, &risks, &citations, &turn.TokensUsed, &turn.DurationMS, &turn.CreatedAt); err != nil {
			return nil, err
		}
		turn.AgentType = core.AgentType(agentType)
		turn.SubAgents = stringsToAgents(subAgents)
		turn.RisksFlagged = []string(risks)
		if len(citations) > 0 {
			_ = json.Unmarshal(citations, &turn.Citations)
		}
		out = append(out, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Query is newest-first; callers want chronological.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ClearSession truncates all turns for a session. The session row survives.
func (s *Store) ClearSession(ctx context.Context, sessionID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM conversation_turns WHERE session_id = $1`, sessionID)
	return err
}

// UpdateSessionRouting advances the last-agent pointer and the cumulative
// token counter.
func (s *Store) UpdateSessionRouting(ctx context.Context, sessionID string, lastAgent core.AgentType, tokens int64) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE sessions
SET last_agent = $2, cumulative_tokens = cumulative_tokens + $3, updated_at = NOW()
WHERE session_id = $1
`, sessionID, string(lastAgent), tokens)
	return err
}

// SaveMemoryFact writes the authoritative copy of a derived fact.
func (s *Store) SaveMemoryFact(ctx context.Context, fact core.MemoryFact) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO memory_facts (id, fact_text, case_id, session_id, source_agent, jurisdiction, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`, fact.ID, fact.Text, fact.CaseID, fact.SessionID, string(fact.SourceAgent), fact.Jurisdiction, fact.CreatedAt)
	return err
}

// ListMemoryFacts returns facts matching the scope, newest first.
func (s *Store) ListMemoryFacts(ctx context.Context, scope core.MemoryScope, limit int) ([]core.MemoryFact, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, fact_text, case_id, session_id, source_agent, jurisdiction, created_at
FROM memory_facts
WHERE ($1 = '' OR case_id = $1)
  AND ($2 = '' OR session_id = $2)
ORDER BY created_at DESC
LIMIT $3
`, scope.CaseID, scope.SessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.MemoryFact
	for rows.Next() {
		var (
			fact   core.MemoryFact
			source string
		)
		if err := rows.Scan(&fact.ID, &fact.Text, &fact.CaseID, &fact.SessionID, &source, &fact.Jurisdiction, &fact.CreatedAt); err != nil {
			return nil, err
		}
		fact.SourceAgent = core.AgentType(source)
		out = append(out, fact)
	}
	return out, rows.Err()
}

// CaseSnapshot reads the case record by id. Missing cases report found ==
// false rather than an error.
func (s *Store) CaseSnapshot(ctx context.Context, caseID string) (core.MatterContext, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT case_id, title, summary, jurisdiction, facts
FROM cases
WHERE case_id = $1
`, caseID)
	var (
		matter core.MatterContext
		facts  pq.StringArray
	)
	if err := row.Scan(&matter.CaseID, &matter.Title, &matter.Summary, &matter.Jurisdiction, &facts); err != nil {
		if err == sql.ErrNoRows {
			return core.MatterContext{}, false, nil
		}
		return core.MatterContext{}, false, err
	}
	matter.Facts = []string(facts)
	return matter, true, nil
}

// UpsertCase creates or replaces a case record.
func (s *Store) UpsertCase(ctx context.Context, matter core.MatterContext) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO cases (case_id, title, summary, jurisdiction, facts)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (case_id) DO UPDATE SET
  title = EXCLUDED.title,
  summary = EXCLUDED.summary,
  jurisdiction = EXCLUDED.jurisdiction,
  facts = EXCLUDED.facts
`, matter.CaseID, matter.Title, matter.Summary, matter.Jurisdiction, pq.Array(matter.Facts))
	return err
}

func agentsToStrings(agents []core.AgentType) []string {
	out := make([]string, len(agents))
	for i, a := range agents {
		out[i] = string(a)
	}
	return out
}

func stringsToAgents(in []string) []core.AgentType {
	if len(in) == 0 {
		return nil
	}
	out := make([]core.AgentType, len(in))
	for i, s := range in {
		out[i] = core.AgentType(s)
	}
	return out
}
