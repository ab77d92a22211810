// Package engine runs narrative programs against session documents. Each
// Start or Step call loads the session, drives node executors on a private
// copy until the runtime suspends or finishes, and saves the copy. A call
// that fails leaves the stored session untouched.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AaronLay10/SentientNarrative/internal/config"
	"github.com/AaronLay10/SentientNarrative/internal/effects"
	"github.com/AaronLay10/SentientNarrative/internal/events"
	"github.com/AaronLay10/SentientNarrative/internal/program"
	"github.com/AaronLay10/SentientNarrative/internal/session"
)

const tracerName = "github.com/AaronLay10/SentientNarrative/internal/engine"

// Engine executes narrative programs. It is safe for concurrent use across
// different (session, NPC) pairs; calls for the same pair must be serialized
// by the caller or resolved through the store's version check.
type Engine struct {
	programs ProgramSource
	sessions SessionStore
	resolver ContentResolver

	limits            effects.Limits
	maxTransitions    int
	historyLimit      int
	generationTimeout time.Duration
	now               func() time.Time
	newID             func() string
	tracer            trace.Tracer

	mu    sync.RWMutex
	cache map[programKey][]program.Issue
}

type programKey struct {
	id      string
	version int
}

// Option configures an Engine.
type Option func(*Engine)

// WithResolver sets the content generation collaborator.
func WithResolver(r ContentResolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithLimits sets the relationship clamp range.
func WithLimits(l effects.Limits) Option {
	return func(e *Engine) { e.limits = l }
}

// WithMaxTransitions sets the per-call transition cap.
func WithMaxTransitions(n int) Option {
	return func(e *Engine) { e.maxTransitions = n }
}

// WithHistoryLimit sets how many visited node ids a runtime keeps.
func WithHistoryLimit(n int) Option {
	return func(e *Engine) { e.historyLimit = n }
}

// WithGenerationTimeout bounds each content generation call.
func WithGenerationTimeout(d time.Duration) Option {
	return func(e *Engine) { e.generationTimeout = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithConfig applies the engine section of cfg.
func WithConfig(cfg *config.Config) Option {
	return func(e *Engine) {
		lo, hi := cfg.RelationshipRange()
		e.limits = effects.Limits{RelationshipMin: lo, RelationshipMax: hi}
		e.maxTransitions = cfg.MaxTransitions()
		e.historyLimit = cfg.HistoryLimit()
		e.generationTimeout = cfg.GenerationTimeout()
	}
}

// New creates an engine over the given program source and session store.
func New(programs ProgramSource, sessions SessionStore, opts ...Option) *Engine {
	e := &Engine{
		programs:          programs,
		sessions:          sessions,
		limits:            effects.DefaultLimits(),
		maxTransitions:    1000,
		historyLimit:      200,
		generationTimeout: 10 * time.Second,
		now:               time.Now,
		newID:             uuid.NewString,
		tracer:            otel.Tracer(tracerName),
		cache:             make(map[programKey][]program.Issue),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Forget drops cached validation results for id. Call it after replacing a
// program without bumping its version.
func (e *Engine) Forget(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k := range e.cache {
		if k.id == id {
			delete(e.cache, k)
		}
	}
}

// program fetches the latest version of id and refuses programs with fatal
// validation issues.
func (e *Engine) program(ctx context.Context, id string) (*program.Program, error) {
	p, err := e.programs.GetProgram(ctx, id)
	if err != nil {
		return nil, lookupError(id, err)
	}
	return e.checked(p)
}

// programAt fetches the version a runtime was running. Unversioned programs
// (version 0) resolve to the latest.
func (e *Engine) programAt(ctx context.Context, id string, version int) (*program.Program, error) {
	if version == 0 {
		return e.program(ctx, id)
	}
	if vs, ok := e.programs.(VersionedProgramSource); ok {
		p, err := vs.GetProgramVersion(ctx, id, version)
		if errors.Is(err, program.ErrNotFound) {
			return nil, newError(CodeProgramInvalid, id, "", err, "program %q version %d is no longer available", id, version)
		}
		if err != nil {
			return nil, lookupError(id, err)
		}
		return e.checked(p)
	}
	p, err := e.program(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Version != version {
		return nil, newError(CodeProgramInvalid, id, "", nil,
			"program %q was replaced: runtime is on version %d, registry has %d", id, version, p.Version)
	}
	return p, nil
}

func lookupError(id string, err error) error {
	if errors.Is(err, program.ErrNotFound) {
		return newError(CodeProgramNotFound, id, "", err, "program %q not found", id)
	}
	return newError(CodeInternal, id, "", err, "failed to load program %q", id)
}

// checked refuses programs with fatal validation issues. Validation runs once
// per (id, version).
func (e *Engine) checked(p *program.Program) (*program.Program, error) {
	key := programKey{id: p.ID, version: p.Version}
	e.mu.RLock()
	fatal, ok := e.cache[key]
	e.mu.RUnlock()
	if !ok {
		fatal = program.Errors(program.Validate(p))
		e.mu.Lock()
		e.cache[key] = fatal
		e.mu.Unlock()
		if len(fatal) > 0 {
			_, _ = events.Emit("error", "program.invalid", fatal[0].Message, map[string]interface{}{
				"program_id": p.ID,
				"version":    p.Version,
				"issues":     len(fatal),
			})
		}
	}
	if len(fatal) > 0 {
		return nil, newError(CodeProgramInvalid, p.ID, fatal[0].NodeID, nil,
			"program %q has %d fatal issue(s), first: %s", p.ID, len(fatal), fatal[0].Message)
	}
	return p, nil
}

// Start begins programID for npcID in sessionID, replacing whatever the NPC's
// runtime was doing, and runs until the first suspension or the end.
func (e *Engine) Start(ctx context.Context, sessionID, npcID, programID string, vars map[string]any) (*StepResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Start", trace.WithAttributes(
		attribute.String("narrative.session_id", sessionID),
		attribute.String("narrative.npc_id", npcID),
		attribute.String("narrative.program_id", programID),
	))
	defer span.End()

	res, err := e.start(ctx, sessionID, npcID, programID, vars)
	endSpan(span, res, err)
	return res, err
}

func (e *Engine) start(ctx context.Context, sessionID, npcID, programID string, vars map[string]any) (*StepResult, error) {
	prog, err := e.program(ctx, programID)
	if err != nil {
		return nil, e.fail(sessionID, npcID, err)
	}

	doc, err := e.sessions.Load(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		doc, err = session.NewDocument(sessionID), nil
	}
	if err != nil {
		return nil, e.fail(sessionID, npcID, newError(CodeInternal, programID, "", err, "failed to load session"))
	}

	r, err := e.newRun(ctx, sessionID, npcID, doc)
	if err != nil {
		return nil, e.fail(sessionID, npcID, err)
	}
	r.prog = prog
	r.rs.Reset(prog.ID, prog.Version, prog.EntryNodeID, vars)
	r.emit("program.started", map[string]interface{}{"version": prog.Version})

	result, err := r.begin(prog.EntryNodeID)
	if err != nil {
		return nil, e.fail(sessionID, npcID, err)
	}
	return e.commit(ctx, r, result)
}

// Step feeds input to the suspended runtime of npcID and runs until the next
// suspension or the end.
func (e *Engine) Step(ctx context.Context, sessionID, npcID string, in Input) (*StepResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Step", trace.WithAttributes(
		attribute.String("narrative.session_id", sessionID),
		attribute.String("narrative.npc_id", npcID),
	))
	defer span.End()

	res, err := e.step(ctx, sessionID, npcID, in)
	endSpan(span, res, err)
	return res, err
}

func (e *Engine) step(ctx context.Context, sessionID, npcID string, in Input) (*StepResult, error) {
	doc, err := e.load(ctx, sessionID)
	if err != nil {
		return nil, e.fail(sessionID, npcID, err)
	}
	rs := doc.Runtime(npcID)
	if rs == nil || rs.Status != session.StatusSuspended {
		status := session.StatusNotStarted
		if rs != nil {
			status = rs.Status
		}
		return nil, e.fail(sessionID, npcID, newError(CodeNotSuspended, "", "", nil, "runtime for %s is %s", npcID, status))
	}

	prog, err := e.programAt(ctx, rs.ActiveProgramID, rs.ActiveProgramVersion)
	if err != nil {
		return nil, e.abandon(ctx, doc, npcID, err)
	}
	node, ok := prog.Node(rs.ActiveNodeID)
	if !ok {
		return nil, e.abandon(ctx, doc, npcID, newError(CodeProgramInvalid, prog.ID, rs.ActiveNodeID, nil,
			"active node no longer exists in version %d", prog.Version))
	}

	r, err := e.newRun(ctx, sessionID, npcID, doc)
	if err != nil {
		return nil, e.fail(sessionID, npcID, err)
	}
	r.prog = prog
	r.current = node

	result, err := r.resume(in)
	if err != nil {
		return nil, e.fail(sessionID, npcID, err)
	}
	if r.unchanged {
		r.batch.Flush()
		return result, nil
	}
	return e.commit(ctx, r, result)
}

// GetState returns the runtime state of npcID. An NPC that never started has
// a not_started state.
func (e *Engine) GetState(ctx context.Context, sessionID, npcID string) (*session.RuntimeState, error) {
	_, span := e.tracer.Start(ctx, "engine.GetState", trace.WithAttributes(
		attribute.String("narrative.session_id", sessionID),
		attribute.String("narrative.npc_id", npcID),
	))
	defer span.End()

	doc, err := e.load(ctx, sessionID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	rs := doc.Runtime(npcID)
	if rs == nil {
		return &session.RuntimeState{
			NPCID:     npcID,
			Status:    session.StatusNotStarted,
			Variables: map[string]any{},
			Stack:     []session.Frame{},
			History:   []string{},
		}, nil
	}
	return rs, nil
}

func (e *Engine) load(ctx context.Context, sessionID string) (*session.Document, error) {
	doc, err := e.sessions.Load(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, newError(CodeSessionNotFound, "", "", err, "session %q not found", sessionID)
	}
	if err != nil {
		return nil, newError(CodeInternal, "", "", err, "failed to load session")
	}
	return doc, nil
}

func (e *Engine) newRun(ctx context.Context, sessionID, npcID string, doc *session.Document) (*run, error) {
	work, err := doc.Clone()
	if err != nil {
		return nil, newError(CodeInternal, "", "", err, "failed to copy session")
	}
	rs := work.EnsureRuntime(npcID)
	if rs.Variables == nil {
		rs.Variables = make(map[string]any)
	}
	return &run{e: e, ctx: ctx, sessionID: sessionID, doc: work, rs: rs}, nil
}

// commit saves the working copy and then publishes the call's events.
func (e *Engine) commit(ctx context.Context, r *run, result *StepResult) (*StepResult, error) {
	r.rs.UpdatedAt = e.now().UTC()
	if err := e.sessions.Save(ctx, r.doc); err != nil {
		r.batch.Discard()
		if errors.Is(err, session.ErrConflict) {
			_, _ = events.Emit("warn", "session.conflict", "", map[string]interface{}{
				"session_id": r.sessionID,
				"npc_id":     r.rs.NPCID,
			})
			return nil, newError(CodeSessionConflict, r.rs.ActiveProgramID, "", err, "session changed during the call")
		}
		return nil, e.fail(r.sessionID, r.rs.NPCID, newError(CodeInternal, r.rs.ActiveProgramID, "", err, "failed to save session"))
	}
	r.emit("session.saved", map[string]interface{}{"version": r.doc.Version})
	r.batch.Flush()
	return result, nil
}

// fail reports a fatal call error. Nothing of the call is persisted.
func (e *Engine) fail(sessionID, npcID string, err error) error {
	_, _ = events.Emit("error", "runtime.failed", err.Error(), map[string]interface{}{
		"session_id": sessionID,
		"npc_id":     npcID,
		"code":       string(CodeOf(err)),
	})
	return err
}

// abandon marks a runtime whose program or node can no longer be resolved as
// failed, since no retry can succeed.
func (e *Engine) abandon(ctx context.Context, doc *session.Document, npcID string, cause error) error {
	rs := doc.Runtime(npcID)
	rs.Status = session.StatusFailed
	rs.Awaiting = nil
	rs.UpdatedAt = e.now().UTC()
	if err := e.sessions.Save(ctx, doc); err != nil {
		return e.fail(doc.ID, npcID, fmt.Errorf("%w (marking runtime failed: %v)", cause, err))
	}
	return e.fail(doc.ID, npcID, cause)
}

func endSpan(span trace.Span, res *StepResult, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(CodeOf(err)))
		return
	}
	span.SetAttributes(
		attribute.String("narrative.state", string(res.State)),
		attribute.String("narrative.node_id", res.NodeID),
	)
	if res.Error != nil {
		span.SetAttributes(attribute.String("narrative.error_code", string(res.Error.Code)))
	}
	span.SetStatus(codes.Ok, "")
}
