package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/rmarchant/webextract/internal/budget"
	"github.com/rmarchant/webextract/internal/cache"
	"github.com/rmarchant/webextract/internal/clock"
	"github.com/rmarchant/webextract/internal/extract"
	"github.com/rmarchant/webextract/internal/id/uuid"
	"github.com/rmarchant/webextract/internal/progress"
	"github.com/rmarchant/webextract/internal/render"
	"github.com/rmarchant/webextract/internal/resilience"
	"github.com/rmarchant/webextract/internal/session"
	"github.com/rmarchant/webextract/internal/storage"
)

// RenderCircuitID keys the breaker protecting the render capability.
const RenderCircuitID = "render"

const totalSteps = 6

// Renderer drives an acquired session through one page load.
type Renderer interface {
	RenderWith(ctx context.Context, sess *session.Session, req render.Request) (render.Page, error)
}

// StrategyResolver resolves extraction strategies by provider name.
type StrategyResolver interface {
	Strategy(name string) (extract.Strategy, error)
}

// Request is one end-to-end extraction job.
type Request struct {
	URL           string
	Wait          render.WaitStrategy
	WaitDelay     time.Duration
	RenderTimeout time.Duration
	Instructions  string
	Schema        extract.Schema
	// Provider overrides the configured default strategy when set.
	Provider string
}

// Truncation is the budgeting metadata surfaced with every outcome.
type Truncation struct {
	OriginalUnits int  `json:"original_units"`
	FinalUnits    int  `json:"final_units"`
	Truncated     bool `json:"truncated"`
	Degraded      bool `json:"degraded"`
}

// Outcome is the success result of a run.
type Outcome struct {
	RunID           string
	Value           map[string]any
	RawResponse     string
	SnapshotURI     string
	Truncation      Truncation
	RenderAttempts  int
	ExtractAttempts int
	RenderCacheHit  bool
	ExtractCacheHit bool
	Elapsed         time.Duration
}

// Config tunes the orchestrator.
type Config struct {
	// DefaultProvider names the strategy used when the request does not
	// pick one.
	DefaultProvider string
	RenderPolicy    resilience.Policy
	Budget          budget.Budget
	RenderTTL       time.Duration
	ExtractTTL      time.Duration
}

// Orchestrator composes the pool, renderer, budgeter, strategies, and
// cache into the fixed pipeline. Construct one at startup and share it;
// concurrent runs are bounded by the session pool.
type Orchestrator struct {
	cfg       Config
	pool      *session.Pool
	renderer  Renderer
	budgeter  *budget.Budgeter
	resolver  StrategyResolver
	caches    *cache.Manager
	invoker   *resilience.Invoker
	artifacts storage.Store
	hub       progress.Emitter
	hooks     *Hooks
	logger    *zap.Logger
	clock     clock.Clock
	idGen     *uuid.Generator
}

// New constructs an Orchestrator. The cache, artifact store, hub, and
// hooks are optional.
func New(
	cfg Config,
	pool *session.Pool,
	renderer Renderer,
	budgeter *budget.Budgeter,
	resolver StrategyResolver,
	caches *cache.Manager,
	invoker *resilience.Invoker,
	artifacts storage.Store,
	hub progress.Emitter,
	hooks *Hooks,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if pool == nil {
		return nil, errors.New("pipeline needs a session pool")
	}
	if renderer == nil {
		return nil, errors.New("pipeline needs a renderer")
	}
	if budgeter == nil {
		return nil, errors.New("pipeline needs a budgeter")
	}
	if resolver == nil {
		return nil, errors.New("pipeline needs a strategy resolver")
	}
	if invoker == nil {
		return nil, errors.New("pipeline needs a resilient invoker")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pol := cfg.RenderPolicy
	if pol.MaxAttempts == 0 {
		pol = resilience.DefaultPolicy()
	}
	pol.Retryable = render.IsRetryable
	cfg.RenderPolicy = pol
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = extract.ProviderStub
	}
	return &Orchestrator{
		cfg:       cfg,
		pool:      pool,
		renderer:  renderer,
		budgeter:  budgeter,
		resolver:  resolver,
		caches:    caches,
		invoker:   invoker,
		artifacts: artifacts,
		hub:       hub,
		hooks:     hooks,
		logger:    logger,
		clock:     clock.NewSystem(),
		idGen:     uuid.NewGenerator(),
	}, nil
}

// run tracks one pipeline execution.
type run struct {
	id        string
	req       Request
	started   time.Time
	step      int
	sess      *session.Session
	released  bool
	corrupted bool
}

// Run executes the pipeline for one request. It returns either a fully
// typed Outcome or a *Error identifying exactly one taxonomy kind; the
// acquired session is released exactly once on every path, including
// cancellation.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Outcome, error) {
	runID, err := o.idGen.NewID()
	if err != nil {
		return Outcome{}, &Error{Kind: KindSession, Step: "acquire", Msg: "generate run id", Cause: err}
	}
	r := &run{id: runID, req: req, started: o.clock.Now()}
	defer o.release(r)

	if req.Provider == "" {
		r.req.Provider = o.cfg.DefaultProvider
	}

	page, renderAttempts, renderHit, perr := o.renderStage(ctx, r)
	if perr != nil {
		return Outcome{}, o.fail(ctx, r, perr)
	}

	bounded, perr := o.budgetStage(r, page.HTML)
	if perr != nil {
		return Outcome{}, o.fail(ctx, r, perr)
	}

	result, extractAttempts, extractHit, perr := o.extractStage(ctx, r, bounded)
	if perr != nil {
		return Outcome{}, o.fail(ctx, r, perr)
	}

	snapshotURI := o.persistSnapshot(ctx, r, page.Screenshot)

	o.emit(r, progress.StageReleasing, "returning session to pool")
	o.release(r)

	elapsed := o.clock.Now().Sub(r.started)
	o.emitTerminal(r, progress.StageDone, "pipeline complete", elapsed)

	return Outcome{
		RunID:           r.id,
		Value:           result.Value,
		RawResponse:     result.Raw,
		SnapshotURI:     snapshotURI,
		Truncation:      boundedMeta(bounded),
		RenderAttempts:  renderAttempts,
		ExtractAttempts: extractAttempts,
		RenderCacheHit:  renderHit,
		ExtractCacheHit: extractHit,
		Elapsed:         elapsed,
	}, nil
}

// renderStage acquires a session and produces page content, consulting
// the render cache first.
func (o *Orchestrator) renderStage(ctx context.Context, r *run) (render.Page, int, bool, *Error) {
	o.emit(r, progress.StageAcquiring, "acquiring rendering session")

	sess, err := o.pool.Acquire(ctx)
	if err != nil {
		return render.Page{}, 0, false, o.sessionError(err)
	}
	r.sess = sess

	o.emit(r, progress.StageRendering, "rendering "+r.req.URL)

	key := cache.RenderKey(r.req.URL, string(r.req.Wait))
	if cached, ok := o.caches.Get(ctx, key); ok {
		o.logger.Debug("render cache hit", zap.String("run_id", r.id), zap.String("url", r.req.URL))
		return render.Page{URL: r.req.URL, FinalURL: r.req.URL, HTML: string(cached)}, 0, true, nil
	}

	o.hooks.beforeRender(ctx, &r.req)

	attempts := 0
	page, err := resilience.Do(ctx, o.invoker, RenderCircuitID, o.cfg.RenderPolicy, func(ctx context.Context) (render.Page, error) {
		attempts++
		return o.renderer.RenderWith(ctx, r.sess, render.Request{
			URL:       r.req.URL,
			Wait:      r.req.Wait,
			WaitDelay: r.req.WaitDelay,
			Timeout:   r.req.RenderTimeout,
		})
	})
	if err != nil {
		if render.IsSessionCorrupt(err) {
			r.corrupted = true
		}
		return render.Page{}, attempts, false, &Error{
			Kind:  KindRender,
			Step:  "render",
			Msg:   "render " + r.req.URL,
			Cause: err,
			Context: map[string]any{
				"attempts":      attempts,
				"circuit_state": string(o.invoker.State(RenderCircuitID)),
			},
		}
	}

	o.hooks.afterRender(ctx, &page)
	o.caches.Set(ctx, key, []byte(page.HTML), o.cfg.RenderTTL)
	return page, attempts, false, nil
}

// budgetStage bounds the rendered content. Lossy truncation is reported
// through metadata, never raised; only invalid configuration fails.
func (o *Orchestrator) budgetStage(r *run, html string) (budget.Bounded, *Error) {
	o.emit(r, progress.StageBudgeting, "bounding content to token budget")

	bounded, err := o.budgeter.Truncate(html, o.cfg.Budget)
	if err != nil {
		return budget.Bounded{}, &Error{Kind: KindBudget, Step: "budget", Msg: "invalid budget configuration", Cause: err}
	}
	if bounded.Truncated {
		o.logger.Info("content truncated to budget",
			zap.String("run_id", r.id),
			zap.Int("original_units", bounded.OriginalUnits),
			zap.Int("final_units", bounded.FinalUnits),
			zap.Bool("degraded", bounded.Degraded),
		)
	}
	return bounded, nil
}

// extractStage resolves the strategy and produces the structured value,
// consulting the extraction cache first.
func (o *Orchestrator) extractStage(ctx context.Context, r *run, bounded budget.Bounded) (extract.Result, int, bool, *Error) {
	o.emit(r, progress.StageExtracting, "extracting via "+r.req.Provider)

	strategy, err := o.resolver.Strategy(r.req.Provider)
	if err != nil {
		return extract.Result{}, 0, false, &Error{
			Kind:  KindExtraction,
			Step:  "extract",
			Msg:   "resolve strategy " + r.req.Provider,
			Cause: err,
		}
	}

	key := cache.ExtractionKey(bounded.Content, r.req.Instructions, r.req.Schema.ID())
	if cached, ok := o.caches.Get(ctx, key); ok {
		var value map[string]any
		if jerr := json.Unmarshal(cached, &value); jerr == nil {
			o.logger.Debug("extraction cache hit", zap.String("run_id", r.id))
			return extract.Result{Value: value, Raw: string(cached)}, 0, true, nil
		}
		// Undecodable entries are dropped and treated as a miss.
		o.caches.Delete(ctx, key)
	}

	req := extract.Request{
		Content:      bounded.Content,
		Instructions: r.req.Instructions,
		Schema:       r.req.Schema,
	}
	o.hooks.beforeExtract(ctx, &req)

	result, err := strategy.Extract(ctx, req)
	if err != nil {
		return extract.Result{}, result.Attempts, false, &Error{
			Kind:  KindExtraction,
			Step:  "extract",
			Msg:   "extract via " + r.req.Provider,
			Cause: err,
			Context: map[string]any{
				"attempts":      result.Attempts,
				"circuit_state": string(o.invoker.State(strategy.Name())),
			},
		}
	}

	o.hooks.afterExtract(ctx, &result)
	if raw, jerr := json.Marshal(result.Value); jerr == nil {
		o.caches.Set(ctx, key, raw, o.cfg.ExtractTTL)
	}
	return result, result.Attempts, false, nil
}

// persistSnapshot stores the screenshot best-effort.
func (o *Orchestrator) persistSnapshot(ctx context.Context, r *run, shot []byte) string {
	if o.artifacts == nil || len(shot) == 0 {
		return ""
	}
	uri, err := o.artifacts.PutObject(ctx, r.id+"/snapshot.png", "image/png", shot)
	if err != nil {
		o.logger.Warn("snapshot persist failed", zap.String("run_id", r.id), zap.Error(err))
		return ""
	}
	return uri
}

// release returns the session exactly once; subsequent calls are no-ops.
func (o *Orchestrator) release(r *run) {
	if r.sess == nil || r.released {
		return
	}
	r.released = true
	o.pool.Release(r.sess, !r.corrupted)
}

// fail finalizes a run on the error path: hooks, guaranteed release,
// terminal event.
func (o *Orchestrator) fail(ctx context.Context, r *run, perr *Error) error {
	o.hooks.onError(ctx, perr)
	o.release(r)
	elapsed := o.clock.Now().Sub(r.started)
	o.emitTerminal(r, progress.StageFailed, perr.Msg, elapsed)
	o.logger.Warn("pipeline failed",
		zap.String("run_id", r.id),
		zap.String("kind", string(perr.Kind)),
		zap.String("step", perr.Step),
		zap.Error(perr.Cause),
	)
	return perr
}

func (o *Orchestrator) sessionError(err error) *Error {
	msg := "acquire session"
	switch {
	case errors.Is(err, session.ErrPoolExhausted):
		msg = "session pool exhausted"
	case errors.Is(err, session.ErrPoolClosed):
		msg = "session pool closed"
	}
	return &Error{Kind: KindSession, Step: "acquire", Msg: msg, Cause: err}
}

func (o *Orchestrator) emit(r *run, stage progress.Stage, msg string) {
	r.step++
	o.send(progress.Event{
		RunID:   r.id,
		Step:    r.step,
		Total:   totalSteps,
		Stage:   stage,
		Message: msg,
		TS:      o.clock.Now(),
	})
}

func (o *Orchestrator) emitTerminal(r *run, stage progress.Stage, msg string, elapsed time.Duration) {
	r.step++
	if r.step > totalSteps {
		r.step = totalSteps
	}
	o.send(progress.Event{
		RunID:   r.id,
		Step:    r.step,
		Total:   totalSteps,
		Stage:   stage,
		Message: msg,
		TS:      o.clock.Now(),
		Dur:     elapsed,
	})
}

func (o *Orchestrator) send(evt progress.Event) {
	if o.hub == nil {
		return
	}
	o.hub.Emit(evt)
}

func boundedMeta(b budget.Bounded) Truncation {
	return Truncation{
		OriginalUnits: b.OriginalUnits,
		FinalUnits:    b.FinalUnits,
		Truncated:     b.Truncated,
		Degraded:      b.Degraded,
	}
}
