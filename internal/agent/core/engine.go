package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lawyrs/counsel/internal/agent/telemetry"
)

var engineTracer trace.Tracer = otel.Tracer("counsel/internal/agent/engine")

// ErrEmptyMessage rejects chat requests without a message body.
var ErrEmptyMessage = errors.New("message is required")

// ErrUnknownAgent rejects forced routes naming no registered specialist.
var ErrUnknownAgent = errors.New("unknown agent type")

// semanticWriteTimeout bounds the detached fire-and-forget index write.
const semanticWriteTimeout = 10 * time.Second

// Engine is the top-level request coordinator: it assembles context,
// classifies, invokes specialists, merges, normalizes and persists, in that
// order. Engines hold no cross-request mutable state.
type Engine struct {
	classifier *Classifier
	assembler  *Assembler
	merger     *Merger
	normalizer *Normalizer
	handlers   HandlerRegistry
	store      Storage
	semantic   SemanticMemory
	metrics    *telemetry.Metrics
	logger     *log.Logger
	now        func() time.Time
}

// NewEngine wires an engine. semantic and metrics may be nil.
func NewEngine(assembler *Assembler, handlers HandlerRegistry, store Storage, semantic SemanticMemory, metrics *telemetry.Metrics, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	return &Engine{
		classifier: NewClassifier(),
		assembler:  assembler,
		merger:     NewMerger(),
		normalizer: NewNormalizer(),
		handlers:   handlers,
		store:      store,
		semantic:   semantic,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
	}
}

// Classify exposes the pure routing decision for a message within a session,
// without invoking any handler.
func (e *Engine) Classify(ctx context.Context, message, sessionID string) (AgentRoute, error) {
	history, err := e.store.RecentTurns(ctx, sessionID, historyWindow)
	if err != nil {
		return AgentRoute{}, stageErr(StageClassification, err)
	}
	return e.classifier.Classify(message, history), nil
}

// Handle runs one full request cycle and returns the finalized response.
func (e *Engine) Handle(ctx context.Context, req ChatRequest) (FinalResponse, error) {
	started := e.now()

	ctx, span := engineTracer.Start(ctx, "engine.handle",
		trace.WithAttributes(
			attribute.String("session.id", req.SessionID),
			attribute.String("case.id", req.CaseID),
		))
	defer span.End()

	resp, err := e.handle(ctx, req, started)
	elapsed := e.now().Sub(started)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.ObserveRequest(string(resp.AgentType), "error", 0, elapsed)
		return FinalResponse{}, err
	}
	span.SetAttributes(
		attribute.String("route.agent", string(resp.AgentType)),
		attribute.Float64("route.confidence", resp.Confidence),
		attribute.Int64("tokens.used", resp.TokensUsed),
	)
	span.SetStatus(codes.Ok, "completed")
	e.metrics.ObserveRequest(string(resp.AgentType), "ok", resp.TokensUsed, elapsed)
	return resp, nil
}

func (e *Engine) handle(ctx context.Context, req ChatRequest, started time.Time) (FinalResponse, error) {
	if req.Message == "" {
		return FinalResponse{}, stageErr(StageClassification, ErrEmptyMessage)
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	if _, err := e.store.EnsureSession(ctx, req.SessionID, req.CaseID); err != nil {
		return FinalResponse{}, stageErr(StageContextAssembly, err)
	}

	assembled, err := e.assembleSpan(ctx, req)
	if err != nil {
		return FinalResponse{}, stageErr(StageContextAssembly, err)
	}
	jurisdiction := assembled.Jurisdiction
	if jurisdiction == "" {
		jurisdiction = req.Jurisdiction
	}

	route, err := e.route(ctx, req, assembled.History)
	if err != nil {
		return FinalResponse{}, err
	}

	merged, err := e.generate(ctx, req, route, assembled, jurisdiction, started)
	if err != nil {
		return FinalResponse{AgentType: route.Agent}, err
	}

	content := e.normalizer.Normalize(merged.Content, jurisdiction, req.CaseID, started)

	if err := e.persist(ctx, req, route, merged, content, jurisdiction, started); err != nil {
		return FinalResponse{AgentType: route.Agent}, err
	}

	return FinalResponse{
		Content:      content,
		SessionID:    req.SessionID,
		AgentType:    route.Agent,
		Confidence:   route.Confidence,
		SubAgents:    merged.SubAgents,
		Citations:    merged.Citations,
		RisksFlagged: merged.RisksFlagged,
		TokensUsed:   merged.TokensUsed,
		DurationMS:   e.now().Sub(started).Milliseconds(),
		Jurisdiction: jurisdiction,
		MemoryUsed:   assembled.MemoryUsed,
		Reasoning:    route.Reasoning,
	}, nil
}

func (e *Engine) assembleSpan(ctx context.Context, req ChatRequest) (AssembledContext, error) {
	ctx, span := engineTracer.Start(ctx, "engine.assemble_context")
	defer span.End()
	assembled, err := e.assembler.Assemble(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return AssembledContext{}, err
	}
	span.SetAttributes(
		attribute.Bool("memory.used", assembled.MemoryUsed),
		attribute.Int("history.turns", len(assembled.History)),
	)
	span.SetStatus(codes.Ok, "completed")
	return assembled, nil
}

// route classifies the message, honoring an explicit caller override.
func (e *Engine) route(ctx context.Context, req ChatRequest, history []ConversationTurn) (AgentRoute, error) {
	_, span := engineTracer.Start(ctx, "engine.classify")
	defer span.End()

	if req.ForcedAgent != "" {
		if !req.ForcedAgent.Valid() {
			err := fmt.Errorf("%w: %q", ErrUnknownAgent, req.ForcedAgent)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return AgentRoute{}, stageErr(StageClassification, err)
		}
		route := AgentRoute{Agent: req.ForcedAgent, Confidence: maxConfidence, Reasoning: "caller-forced route"}
		span.SetAttributes(attribute.String("route.agent", string(route.Agent)), attribute.Bool("route.forced", true))
		span.SetStatus(codes.Ok, "completed")
		return route, nil
	}

	route := e.classifier.Classify(req.Message, history)
	span.SetAttributes(
		attribute.String("route.agent", string(route.Agent)),
		attribute.Float64("route.confidence", route.Confidence),
	)
	span.SetStatus(codes.Ok, "completed")
	return route, nil
}

// generate invokes the primary handler and, when co-routed, the sub-agent
// concurrently. The primary is critical; the sub-agent degrades.
func (e *Engine) generate(ctx context.Context, req ChatRequest, route AgentRoute, assembled AssembledContext, jurisdiction string, started time.Time) (HandlerResponse, error) {
	ctx, span := engineTracer.Start(ctx, "engine.generate",
		trace.WithAttributes(attribute.String("route.agent", string(route.Agent))))
	defer span.End()

	handler, ok := e.handlers.Handler(route.Agent)
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownAgent, route.Agent)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return HandlerResponse{}, stageErr(StageGeneration, err)
	}

	bundle := HandlerRequest{
		Message:        req.Message,
		Jurisdiction:   jurisdiction,
		Matter:         assembled.Matter,
		SessionID:      req.SessionID,
		History:        assembled.History,
		Date:           started,
		UserID:         req.UserID,
		SemanticMemory: assembled.MemoryText(),
	}

	// The co-route shares no mutable state with the primary, so it runs
	// concurrently against the same read-only bundle.
	type subResult struct {
		resp HandlerResponse
		err  error
	}
	var subCh chan subResult
	if len(route.SubAgents) == 1 {
		if subHandler, ok := e.handlers.Handler(route.SubAgents[0]); ok {
			subCh = make(chan subResult, 1)
			go func() {
				r, err := subHandler.Invoke(ctx, bundle)
				subCh <- subResult{resp: r, err: err}
			}()
		}
	}

	primary, err := handler.Invoke(ctx, bundle)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return HandlerResponse{}, stageErr(StageGeneration, err)
	}
	if primary.Content == "" {
		err := errors.New("handler returned empty content")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return HandlerResponse{}, stageErr(StageGeneration, err)
	}
	primary.AgentType = route.Agent

	var sub *HandlerResponse
	if subCh != nil {
		res := <-subCh
		if res.err != nil {
			e.logger.Printf("co-routed %s degraded for session %s: %v", route.SubAgents[0], req.SessionID, res.err)
		} else {
			res.resp.AgentType = route.SubAgents[0]
			sub = &res.resp
			e.metrics.ObserveCoRoute()
		}
	}

	merged := e.merger.Merge(primary, sub)
	span.SetAttributes(attribute.Int64("tokens.used", merged.TokensUsed))
	span.SetStatus(codes.Ok, "completed")
	return merged, nil
}

// persist writes memory facts and turn metadata. Fact writes to the
// relational store are critical; turn/session tracking and the semantic
// index write are degradable.
func (e *Engine) persist(ctx context.Context, req ChatRequest, route AgentRoute, merged HandlerResponse, content, jurisdiction string, started time.Time) error {
	ctx, span := engineTracer.Start(ctx, "engine.persist")
	defer span.End()

	for _, fact := range merged.MemoryUpdates {
		fact.ID = uuid.NewString()
		fact.SessionID = req.SessionID
		if fact.CaseID == "" {
			fact.CaseID = req.CaseID
		}
		if fact.SourceAgent == "" {
			fact.SourceAgent = route.Agent
		}
		if fact.Jurisdiction == "" {
			fact.Jurisdiction = jurisdiction
		}
		fact.CreatedAt = e.now()

		if err := e.store.SaveMemoryFact(ctx, fact); err != nil {
			e.metrics.ObserveMemoryFailure("relational")
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return stageErr(StagePersistence, err)
		}
		e.writeSemanticAsync(ctx, fact)
	}

	now := e.now()
	userTurn := ConversationTurn{
		ID:        uuid.NewString(),
		SessionID: req.SessionID,
		Role:      "user",
		Content:   req.Message,
		CreatedAt: started,
	}
	assistantTurn := ConversationTurn{
		ID:           uuid.NewString(),
		SessionID:    req.SessionID,
		Role:         "assistant",
		Content:      content,
		AgentType:    route.Agent,
		Confidence:   route.Confidence,
		SubAgents:    merged.SubAgents,
		RisksFlagged: merged.RisksFlagged,
		Citations:    merged.Citations,
		TokensUsed:   merged.TokensUsed,
		DurationMS:   now.Sub(started).Milliseconds(),
		CreatedAt:    now,
	}
	for _, turn := range []ConversationTurn{userTurn, assistantTurn} {
		if err := e.store.AppendTurn(ctx, turn); err != nil {
			e.logger.Printf("turn tracking degraded for session %s: %v", req.SessionID, err)
			span.RecordError(err)
			span.SetStatus(codes.Ok, "degraded")
			return nil
		}
	}
	if err := e.store.UpdateSessionRouting(ctx, req.SessionID, route.Agent, merged.TokensUsed); err != nil {
		e.logger.Printf("session tracking degraded for session %s: %v", req.SessionID, err)
	}
	span.SetStatus(codes.Ok, "completed")
	return nil
}

// writeSemanticAsync mirrors a fact into the semantic index, detached from
// the request lifecycle. Failures are logged and counted, never surfaced.
func (e *Engine) writeSemanticAsync(ctx context.Context, fact MemoryFact) {
	if e.semantic == nil {
		return
	}
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), semanticWriteTimeout)
	go func() {
		defer cancel()
		if err := e.semantic.Write(detached, fact); err != nil {
			e.metrics.ObserveMemoryFailure("semantic")
			e.logger.Printf("semantic write degraded for fact %s: %v", fact.ID, err)
		}
	}()
}

// ClearSession truncates all turns for a session id.
func (e *Engine) ClearSession(ctx context.Context, sessionID string) error {
	if err := e.store.ClearSession(ctx, sessionID); err != nil {
		return stageErr(StagePersistence, err)
	}
	return nil
}

// History returns the recent-turn window for a session. limit <= 0 or above
// the standard window falls back to the standard window.
func (e *Engine) History(ctx context.Context, sessionID string, limit int) ([]ConversationTurn, error) {
	if limit <= 0 || limit > historyWindow {
		limit = historyWindow
	}
	turns, err := e.store.RecentTurns(ctx, sessionID, limit)
	if err != nil {
		return nil, stageErr(StagePersistence, err)
	}
	return turns, nil
}
