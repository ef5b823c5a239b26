// Package engine drives process runs through their graphs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentflow/backend/internal/agent"
	"agentflow/backend/internal/logging"
	"agentflow/backend/internal/observability"
	"agentflow/backend/internal/process"
	"agentflow/backend/internal/repository"
	"agentflow/backend/pkg/models"
)

const (
	DefaultIterationThreshold = 3
	MinIterationThreshold     = 2
	DefaultMaxSteps           = 500
	DefaultRoutingContext     = 1500
)

// Store is the storage the engine writes run progress to.
type Store interface {
	repository.RunStore
	repository.ApprovalStore
	repository.SnapshotStore
}

// Invoker runs a prompt on a worker.
type Invoker interface {
	Invoke(ctx context.Context, worker models.WorkerRef, prompt agent.Prompt) (*agent.Result, error)
}

// Router decides reasoned gateways.
type Router interface {
	ChooseGatewayFlow(ctx context.Context, gatewayName string, flows []*process.Flow, contextText string) (string, error)
}

// Publisher receives run events in production order.
type Publisher interface {
	Publish(ctx context.Context, ev models.Event)
}

// Rehydrator loads the graph of a run whose instance is gone.
type Rehydrator interface {
	Rehydrate(ctx context.Context, run *models.FlowRun, snap *models.StateSnapshot) (*process.Graph, error)
}

// RehydratorFunc adapts a function to Rehydrator.
type RehydratorFunc func(ctx context.Context, run *models.FlowRun, snap *models.StateSnapshot) (*process.Graph, error)

func (f RehydratorFunc) Rehydrate(ctx context.Context, run *models.FlowRun, snap *models.StateSnapshot) (*process.Graph, error) {
	return f(ctx, run, snap)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, models.Event) {}

// Decision resolves a human checkpoint.
type Decision struct {
	Approved bool
	Comment  string
	By       string
}

// StartRequest describes a run to start.
type StartRequest struct {
	TenantID  string
	ProcessID string
	Version   int
	Graph     *process.Graph
	// Workers maps task ids to the worker executing them.
	Workers map[string]models.WorkerRef
	Input   map[string]interface{}
}

// Engine owns the resident run instances of this process.
type Engine struct {
	store      Store
	invoker    Invoker
	router     Router
	publisher  Publisher
	rehydrator Rehydrator
	logger     *logging.Logger
	metrics    *observability.Metrics

	threshold       int
	maxSteps        int
	summaryLimit    int
	routingContext  int
	failOnRejection bool
	preAnalysis     bool

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	active map[string]*runner
}

// Option configures an Engine.
type Option func(*Engine)

// WithIterationThreshold sets the entry count at which a task is forced
// through. Values below MinIterationThreshold keep the default.
func WithIterationThreshold(n int) Option {
	return func(e *Engine) {
		if n >= MinIterationThreshold {
			e.threshold = n
		}
	}
}

func WithMaxSteps(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

func WithSummaryLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.summaryLimit = n
		}
	}
}

// WithRoutingContext bounds the context given to routing decisions.
func WithRoutingContext(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.routingContext = n
		}
	}
}

// WithFailOnRejection fails the run when a checkpoint is rejected.
func WithFailOnRejection(v bool) Option {
	return func(e *Engine) { e.failOnRejection = v }
}

// WithPreAnalysis lets the mapped worker analyse a checkpoint before the
// approval request is created.
func WithPreAnalysis(v bool) Option {
	return func(e *Engine) { e.preAnalysis = v }
}

func WithPublisher(p Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithRehydrator enables resuming paused runs that have no resident instance.
func WithRehydrator(r Rehydrator) Option {
	return func(e *Engine) { e.rehydrator = r }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an Engine.
func New(store Store, invoker Invoker, router Router, logger *logging.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = logging.Nop()
	}
	ctx, stop := context.WithCancel(context.Background())
	e := &Engine{
		store:          store,
		invoker:        invoker,
		router:         router,
		publisher:      nopPublisher{},
		logger:         logger,
		threshold:      DefaultIterationThreshold,
		maxSteps:       DefaultMaxSteps,
		summaryLimit:   DefaultSummaryLimit,
		routingContext: DefaultRoutingContext,
		preAnalysis:    true,
		ctx:            ctx,
		stop:           stop,
		active:         make(map[string]*runner),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start creates a run and executes it in the background.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*models.FlowRun, error) {
	if req.Graph == nil {
		return nil, &process.DefinitionError{Reason: "no executable graph"}
	}
	if req.Input == nil {
		req.Input = map[string]interface{}{}
	}
	processID := req.ProcessID
	if processID == "" {
		processID = req.Graph.ID
	}

	run := &models.FlowRun{
		ID:        uuid.New().String(),
		TenantID:  req.TenantID,
		ProcessID: processID,
		Status:    models.RunStatusRunning,
		Input:     req.Input,
		StartedAt: time.Now().UTC(),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	r := e.newRunner(run, req.Graph, req.Workers, NewFlowState(requestText(req.Input), e.summaryLimit), req.Version)
	if err := r.saveSnapshot(ctx); err != nil {
		return nil, err
	}
	e.register(r)
	e.metrics.RunStarted(ctx, processID)
	e.logger.Info("run started", "run_id", run.ID, "process_id", processID, "tenant_id", run.TenantID)

	r.publishRun(ctx, models.EventRunUpdate, "")
	e.launch(r, func(ctx context.Context) error {
		return r.walk(ctx, req.Graph.Start, "")
	})
	return r.runCopy(), nil
}

// Resume resolves the waiting checkpoint of a paused run and lets it
// continue. Without a resident instance the run is rebuilt from its snapshot
// when a Rehydrator is configured, and ErrEngineNotFound is returned
// otherwise.
func (e *Engine) Resume(ctx context.Context, runID string, d Decision) (*models.FlowRun, error) {
	r, ok := e.lookup(runID)
	if !ok {
		if e.rehydrator == nil {
			return nil, ErrEngineNotFound
		}
		var err error
		if r, err = e.rehydrate(ctx, runID); err != nil {
			return nil, err
		}
	}
	if err := r.resume(ctx, d); err != nil {
		return nil, err
	}
	return r.runCopy(), nil
}

// Cancel moves a non-terminal run to cancelled. In-flight worker calls finish
// but their results are discarded.
func (e *Engine) Cancel(ctx context.Context, runID string) (*models.FlowRun, error) {
	if r, ok := e.lookup(runID); ok {
		if err := r.cancel(ctx); err != nil {
			return nil, err
		}
		return r.runCopy(), nil
	}
	return e.cancelStored(ctx, runID)
}

// Resident reports whether runID has an instance in this process.
func (e *Engine) Resident(runID string) bool {
	_, ok := e.lookup(runID)
	return ok
}

// Wait blocks until the resident instance of runID exits or ctx is done.
func (e *Engine) Wait(ctx context.Context, runID string) error {
	r, ok := e.lookup(runID)
	if !ok {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops every resident run without changing its stored status and
// waits for the goroutines to exit.
func (e *Engine) Close(ctx context.Context) error {
	e.stop()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) lookup(runID string) (*runner, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.active[runID]
	return r, ok
}

func (e *Engine) register(r *runner) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[r.run.ID] = r
}

func (e *Engine) unregister(r *runner) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[r.run.ID] == r {
		delete(e.active, r.run.ID)
	}
}

// launch runs body in the background and settles the run when it returns.
func (e *Engine) launch(r *runner, body func(ctx context.Context) error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(r.done)
		defer e.unregister(r)
		r.finish(body(e.ctx))
	}()
}

// rehydrate rebuilds a paused run from its snapshot. The rebuilt instance
// waits at the checkpoint and then follows the checkpoint's branch.
func (e *Engine) rehydrate(ctx context.Context, runID string) (*runner, error) {
	run, err := e.store.GetRunByID(ctx, runID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrEngineNotFound
		}
		return nil, err
	}
	if run.Status != models.RunStatusPaused {
		return nil, ErrNotPaused
	}
	snap, err := e.store.GetSnapshot(ctx, runID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrEngineNotFound
		}
		return nil, err
	}
	graph, err := e.rehydrator.Rehydrate(ctx, run, snap)
	if err != nil {
		return nil, fmt.Errorf("rehydrate run %s: %w", runID, err)
	}

	steps, err := e.store.ListSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	var waiting *models.FlowStep
	for _, s := range steps {
		if s.Status == models.StepStatusWaitingApproval {
			waiting = s
		}
	}
	if waiting == nil || waiting.ApprovalID == nil {
		return nil, ErrNotPaused
	}
	approval, err := e.store.GetApproval(ctx, run.TenantID, *waiting.ApprovalID)
	if err != nil {
		return nil, err
	}
	node, ok := graph.Node(waiting.TaskID)
	if !ok {
		return nil, &process.DefinitionError{Reason: "checkpoint task missing from definition", NodeID: waiting.TaskID}
	}

	e.mu.Lock()
	if existing, ok := e.active[runID]; ok {
		e.mu.Unlock()
		return existing, nil
	}
	r := e.newRunner(run, graph, snap.Assignments, RestoreFlowState(snap, e.summaryLimit), snap.Version)
	r.seq = snap.NextSeq
	if last := steps[len(steps)-1].Seq; last > r.seq {
		r.seq = last
	}
	w := &waiter{step: waiting, approval: approval, ch: make(chan Decision, 1)}
	r.waiting = w
	r.resumed = make(chan struct{})
	e.active[runID] = r
	e.mu.Unlock()

	e.logger.Info("run rehydrated", "run_id", runID, "task_id", node.ID)
	e.launch(r, func(ctx context.Context) error {
		if err := r.awaitDecision(ctx, node, w); err != nil {
			return err
		}
		return r.continueAfter(ctx, node)
	})
	return r, nil
}

// cancelStored cancels a run that has no resident instance.
func (e *Engine) cancelStored(ctx context.Context, runID string) (*models.FlowRun, error) {
	run, err := e.store.GetRunByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	next, err := run.Status.Transition(models.RunStatusCancelled)
	if err != nil {
		return nil, ErrRunFinished
	}
	now := time.Now().UTC()
	run.Status = next
	run.CompletedAt = &now
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return nil, err
	}

	steps, err := e.store.ListSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, s := range steps {
		if s.Status.IsTerminal() {
			continue
		}
		if s.ApprovalID != nil {
			if a, err := e.store.GetApproval(ctx, run.TenantID, *s.ApprovalID); err == nil && a.Resolution == models.ApprovalPending {
				rejectForCancel(a, now)
				if err := e.store.UpdateApproval(ctx, a); err != nil {
					return nil, err
				}
			}
		}
		s.Status = models.StepStatusSkipped
		s.CompletedAt = &now
		if err := e.store.SaveStep(ctx, s); err != nil {
			return nil, err
		}
	}

	e.metrics.RunFinished(ctx, run.ProcessID, string(run.Status))
	e.publisher.Publish(ctx, models.Event{Type: models.EventRunUpdate, RunID: run.ID, Run: run})
	e.logger.Info("run cancelled", "run_id", run.ID, "resident", false)
	return run, nil
}

// InterruptedReason is recorded on runs found running without an instance.
const InterruptedReason = "interrupted by restart"

// FailInterrupted marks stored runs that are running without a resident
// instance as failed. It is meant for startup: a process that stopped mid-run
// leaves such rows behind, and they can neither be resumed nor finish. Only
// one process sharing a store should call it.
func (e *Engine) FailInterrupted(ctx context.Context) (int, error) {
	runs, err := e.store.ListRunsByStatus(ctx, models.RunStatusRunning)
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, run := range runs {
		if e.Resident(run.ID) {
			continue
		}
		if err := e.failStored(ctx, run); err != nil {
			return failed, err
		}
		failed++
	}
	return failed, nil
}

func (e *Engine) failStored(ctx context.Context, run *models.FlowRun) error {
	next, err := run.Status.Transition(models.RunStatusFailed)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	reason := InterruptedReason
	run.Status = next
	run.CompletedAt = &now
	run.Error = &reason
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return err
	}

	steps, err := e.store.ListSteps(ctx, run.ID)
	if err != nil {
		return err
	}
	for _, s := range steps {
		if s.Status != models.StepStatusRunning {
			continue
		}
		s.Status = models.StepStatusFailed
		s.Error = &reason
		s.CompletedAt = &now
		if err := e.store.SaveStep(ctx, s); err != nil {
			return err
		}
	}

	e.metrics.RunFinished(ctx, run.ProcessID, string(run.Status))
	e.publisher.Publish(ctx, models.Event{Type: models.EventRunError, RunID: run.ID, Run: run, Error: reason})
	e.logger.Warn("run failed after restart", "run_id", run.ID, "tenant_id", run.TenantID)
	return nil
}

func rejectForCancel(a *models.ApprovalRequest, now time.Time) {
	comment := "run cancelled"
	a.Resolution = models.ApprovalRejected
	a.Comment = &comment
	a.ResolvedAt = &now
}
