// Package engine is the pipeline orchestrator: it threads one
// ReasoningSession through the five stages in strict order, catches stage
// errors into the session's error_message, emits a snapshot after every
// stage boundary, and honors the session-scoped cancel flag between stages.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/retentionlabs/causalreason/internal/audit"
	"github.com/retentionlabs/causalreason/internal/dataset"
	"github.com/retentionlabs/causalreason/internal/domain"
	"github.com/retentionlabs/causalreason/internal/llm/adapter"
	"github.com/retentionlabs/causalreason/internal/llm/budget"
	"github.com/retentionlabs/causalreason/internal/metrics"
	"github.com/retentionlabs/causalreason/internal/pipeline/confounder"
	"github.com/retentionlabs/causalreason/internal/pipeline/estimator"
	"github.com/retentionlabs/causalreason/internal/pipeline/explanator"
	"github.com/retentionlabs/causalreason/internal/pipeline/generator"
	"github.com/retentionlabs/causalreason/internal/pipeline/tester"
	"github.com/retentionlabs/causalreason/internal/profiler"
	"github.com/retentionlabs/causalreason/internal/session"
)

// Options carries every tunable the orchestrator resolves from the config
// layer. The zero value gives the documented defaults.
type Options struct {
	// MaxRetries is the schema-validation retry budget for the generator and
	// analyzer stages (default 2).
	MaxRetries int

	// LLMTimeout is the base of the stage deadline (default 30s): each stage
	// runs under LLMTimeout x (retries+1) x 4. A single LLM request gets no
	// deadline of its own beyond the provider client's HTTP timeout.
	LLMTimeout time.Duration

	// Tester carries the causal tester's thresholds and worker-pool size.
	Tester tester.Options

	// MaxLLMCallsPerSession and MaxSessionDurationSeconds bound a session's
	// LLM usage; 0 disables the respective limit.
	MaxLLMCallsPerSession     int
	MaxSessionDurationSeconds int
}

func (o Options) retries() int {
	if o.MaxRetries <= 0 {
		return 2
	}
	return o.MaxRetries
}

func (o Options) llmTimeout() time.Duration {
	if o.LLMTimeout <= 0 {
		return 30 * time.Second
	}
	return o.LLMTimeout
}

// Request is the public input contract: an opportunity, an already-loaded
// tabular view, the ordered feature catalog, and optional business context
// forwarded to the generator's prompt.
type Request struct {
	Opportunity     *domain.Opportunity
	Dataset         *dataset.Dataset
	Catalog         []dataset.Feature
	BusinessContext string
}

// Engine orchestrates reasoning sessions. One Engine serves many
// independent sessions concurrently; per-session state lives in the
// registry and the cancel-flag map.
type Engine struct {
	registry *session.Registry
	llm      adapter.LLMAdapter
	auditLog audit.Logger
	opts     Options

	mu        sync.Mutex
	cancelled map[string]bool

	// afterStage, when set, runs after each successful stage before the
	// cancel check. Tests use it to exercise mid-pipeline cancellation
	// deterministically.
	afterStage func(stage domain.Stage, sess *domain.ReasoningSession)
}

// New creates an Engine. registry, llm, and auditLog must not be nil.
func New(registry *session.Registry, llm adapter.LLMAdapter, auditLog audit.Logger, opts Options) *Engine {
	if registry == nil || llm == nil || auditLog == nil {
		panic("engine: registry, llm, and auditLog are required")
	}
	return &Engine{
		registry:  registry,
		llm:       llm,
		auditLog:  auditLog,
		opts:      opts,
		cancelled: make(map[string]bool),
	}
}

// Registry exposes the session registry so callers can look sessions up and
// subscribe to their snapshot stream.
func (e *Engine) Registry() *session.Registry { return e.registry }

// Cancel sets the session-scoped cancel flag. In-flight stages run to
// completion; the session transitions to cancelled at the next stage
// boundary.
func (e *Engine) Cancel(sessionID string) {
	e.mu.Lock()
	e.cancelled[sessionID] = true
	e.mu.Unlock()
}

func (e *Engine) isCancelled(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled[sessionID]
}

func (e *Engine) clearCancel(sessionID string) {
	e.mu.Lock()
	delete(e.cancelled, sessionID)
	e.mu.Unlock()
}

// Analyze runs the full pipeline synchronously and returns the session in a
// terminal status. The returned error is non-nil only for request-shaping
// problems (nil opportunity or dataset); pipeline failures are reported
// through the session record itself, which still carries any partially
// populated hypotheses.
func (e *Engine) Analyze(ctx context.Context, req Request) (*domain.ReasoningSession, error) {
	if req.Opportunity == nil || req.Dataset == nil {
		return nil, fmt.Errorf("engine: opportunity and dataset are required")
	}

	correlationID := audit.GenerateCorrelationID()
	sess, err := e.registry.Create(ctx, req.Opportunity.ID, correlationID)
	if err != nil {
		return nil, err
	}
	defer e.clearCancel(sess.ID)

	start := time.Now()
	e.run(ctx, sess, req)

	metrics.SessionsTotal.WithLabelValues(string(sess.Status)).Inc()
	metrics.SessionDuration.WithLabelValues(string(sess.Status)).Observe(time.Since(start).Seconds())
	return sess, nil
}

// run drives the five stages. All failure handling funnels through the
// registry so every terminal transition is audited and broadcast.
func (e *Engine) run(ctx context.Context, sess *domain.ReasoningSession, req Request) {
	llm := e.sessionAdapter(sess.ID)

	// Data profiling precedes hypothesis generation; a DataQualityError is
	// fatal before any hypothesis exists and is tagged to the
	// generator stage, the first stage the caller observes.
	profile, err := profiler.Build(req.Dataset, req.Catalog, req.Opportunity.MetricName)
	if err != nil {
		e.fail(ctx, sess, domain.StageGenerator, err)
		return
	}

	if e.checkCancelled(ctx, sess) {
		return
	}

	// Stage 1: hypothesis generation.
	if !e.stage(ctx, sess, domain.StageGenerator, func(stageCtx context.Context) error {
		hyps, genErr := generator.Generate(stageCtx, llm.WithStage(string(domain.StageGenerator)),
			e.auditLog, sess.ID, sess.CorrelationID, req.Opportunity, profile, req.BusinessContext, e.opts.retries())
		if genErr != nil {
			return genErr
		}
		sess.Hypotheses = hyps
		return nil
	}) {
		return
	}

	// Stage 2: confounder analysis.
	if !e.stage(ctx, sess, domain.StageConfounder, func(stageCtx context.Context) error {
		for i := range sess.Hypotheses {
			if analyzeErr := confounder.Analyze(stageCtx, llm.WithStage(string(domain.StageConfounder)),
				e.auditLog, sess.ID, sess.CorrelationID, req.Dataset, profile, &sess.Hypotheses[i], e.opts.retries()); analyzeErr != nil {
				return analyzeErr
			}
		}
		return nil
	}) {
		return
	}

	// Stage 3: causal testing.
	if !e.stage(ctx, sess, domain.StageTester, func(stageCtx context.Context) error {
		return tester.Run(stageCtx, e.auditLog, req.Dataset, sess, e.opts.Tester)
	}) {
		return
	}

	// Stage 4: lever estimation.
	if !e.stage(ctx, sess, domain.StageLeverEstim, func(context.Context) error {
		estimator.Estimate(sess)
		return nil
	}) {
		return
	}

	// Stage 5: explanation generation. Never fails the session: the
	// deterministic template is the fallback.
	if !e.stage(ctx, sess, domain.StageExplanation, func(stageCtx context.Context) error {
		explanator.Explain(stageCtx, llm.WithStage(string(domain.StageExplanation)), req.Opportunity, req.Dataset, profile, sess)
		return nil
	}) {
		return
	}

	if _, err := e.registry.Complete(ctx, sess.ID); err != nil {
		e.fail(ctx, sess, domain.StageExplanation, err)
	}
}

// stage runs one pipeline stage under the stage deadline, records its
// duration, folds an error into a failed session, and applies the cancel
// check at the boundary. Returns false when the pipeline must stop.
func (e *Engine) stage(ctx context.Context, sess *domain.ReasoningSession, name domain.Stage, fn func(context.Context) error) bool {
	_ = e.auditLog.LogStageStarted(ctx, sess.ID, string(name))

	stageCtx, cancel := context.WithTimeout(ctx, e.llmStageTimeout())
	defer cancel()

	start := time.Now()
	err := fn(stageCtx)
	elapsed := time.Since(start)
	metrics.StageDuration.WithLabelValues(string(name)).Observe(elapsed.Seconds())

	if err != nil {
		metrics.StageFailuresTotal.WithLabelValues(string(name)).Inc()
		e.fail(ctx, sess, name, err)
		return false
	}

	if _, err := e.registry.CompleteStage(ctx, sess.ID, name, elapsed); err != nil {
		e.fail(ctx, sess, name, err)
		return false
	}

	if e.afterStage != nil {
		e.afterStage(name, sess)
	}

	return !e.checkCancelled(ctx, sess)
}

// llmStageTimeout bounds a whole stage at a multiple of LLMTimeout,
// covering the retry budget plus per-hypothesis fan-out.
func (e *Engine) llmStageTimeout() time.Duration {
	return e.opts.llmTimeout() * time.Duration(e.opts.retries()+1) * 4
}

// checkCancelled applies the between-stage cancel check. Reports true
// when the session was cancelled.
func (e *Engine) checkCancelled(ctx context.Context, sess *domain.ReasoningSession) bool {
	if !e.isCancelled(sess.ID) && ctx.Err() == nil {
		return false
	}
	if _, err := e.registry.Cancel(ctx, sess.ID); err != nil {
		// Already terminal; nothing to do.
		return true
	}
	return true
}

func (e *Engine) fail(ctx context.Context, sess *domain.ReasoningSession, stage domain.Stage, err error) {
	if _, failErr := e.registry.Fail(ctx, sess.ID, stage, err); failErr != nil {
		// The session was already terminal (e.g. cancelled during the same
		// boundary); keep the first terminal status.
		return
	}
}

// sessionAdapter wraps the engine's adapter with per-session budget
// enforcement when limits are configured.
func (e *Engine) sessionAdapter(sessionID string) adapter.LLMAdapter {
	if e.opts.MaxLLMCallsPerSession <= 0 && e.opts.MaxSessionDurationSeconds <= 0 {
		return e.llm
	}
	tracker := budget.NewSessionBudget(e.opts.MaxLLMCallsPerSession, e.opts.MaxSessionDurationSeconds)
	return adapter.NewSessionBudgetedAdapter(e.llm, tracker, sessionID)
}
