package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"agentflow/backend/internal/agent"
	"agentflow/backend/internal/logging"
	"agentflow/backend/internal/process"
	"agentflow/backend/internal/repository"
	"agentflow/backend/internal/router"
	"agentflow/backend/pkg/models"
)

// waiter is a checkpoint blocked on a decision.
type waiter struct {
	step     *models.FlowStep
	approval *models.ApprovalRequest
	ch       chan Decision
}

// runner is the resident instance of one run.
type runner struct {
	e       *Engine
	graph   *process.Graph
	workers map[string]models.WorkerRef
	state   *FlowState
	version int
	logger  *logging.Logger

	// mu guards the fields below and keeps persist+publish of one run in
	// production order.
	mu      sync.Mutex
	run     *models.FlowRun
	seq     int
	waiting *waiter
	resumed chan struct{}

	steps atomic.Int64
	// cp admits one checkpoint at a time across parallel branches.
	cp   chan struct{}
	done chan struct{}
}

func (e *Engine) newRunner(run *models.FlowRun, g *process.Graph, workers map[string]models.WorkerRef, state *FlowState, version int) *runner {
	if workers == nil {
		workers = map[string]models.WorkerRef{}
	}
	return &runner{
		e:       e,
		graph:   g,
		workers: workers,
		state:   state,
		version: version,
		logger:  e.logger.With("run_id", run.ID),
		run:     run,
		cp:      make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// walk follows the graph from id until an end event, a dead end or stopAt.
func (r *runner) walk(ctx context.Context, id, stopAt string) error {
	cur := id
	for cur != "" && cur != stopAt {
		n, ok := r.graph.Node(cur)
		if !ok {
			return fmt.Errorf("node %q is not part of the graph", cur)
		}

		var err error
		switch {
		case n.Kind == models.TaskKindEnd:
			return nil
		case n.IsTask():
			if err = r.runTask(ctx, n); err != nil {
				return err
			}
			cur, err = r.advance(ctx, n)
		case n.Kind == models.TaskKindGateway && n.Gateway == process.GatewayExclusive:
			var f *process.Flow
			if f, err = r.selectFlow(ctx, n); err == nil {
				cur = ""
				if f != nil {
					r.logger.Debug("gateway passed", "gateway", n.ID, "flow_id", f.ID)
					cur = f.Target
				}
			}
		default:
			cur, err = r.advance(ctx, n)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// continueAfter routes and walks on from a finished task.
func (r *runner) continueAfter(ctx context.Context, n *process.Node) error {
	if err := r.preRoute(ctx, n); err != nil {
		return err
	}
	next, err := r.advance(ctx, n)
	if err != nil {
		return err
	}
	return r.walk(ctx, next, "")
}

// advance returns the node after n. Several outgoing flows fork; the walk
// resumes at the join when the branches have one.
func (r *runner) advance(ctx context.Context, n *process.Node) (string, error) {
	outs := r.graph.Outgoing(n.ID)
	switch len(outs) {
	case 0:
		return "", nil
	case 1:
		return outs[0].Target, nil
	}
	join := ""
	if n.Gateway == process.GatewayParallel {
		join, _ = r.graph.JoinFor(n.ID)
	}
	if err := r.fork(ctx, outs, join); err != nil {
		return "", err
	}
	if join == "" {
		return "", nil
	}
	next := r.graph.Outgoing(join)
	switch len(next) {
	case 0:
		return "", nil
	case 1:
		return next[0].Target, nil
	}
	// the join forks again
	return join, nil
}

// fork runs each flow as a concurrent branch up to join.
func (r *runner) fork(ctx context.Context, flows []*process.Flow, join string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, f := range flows {
		target := f.Target
		g.Go(func() error {
			return r.walk(gctx, target, join)
		})
	}
	return g.Wait()
}

// runTask executes one entry into a task node.
func (r *runner) runTask(ctx context.Context, n *process.Node) error {
	if err := r.barrier(ctx); err != nil {
		return err
	}
	if int(r.steps.Add(1)) > r.e.maxSteps {
		return ErrStepLimit
	}

	iteration := r.state.Enter(n.ID)
	step, err := r.startStep(ctx, n, iteration)
	if err != nil {
		return err
	}

	if iteration >= r.e.threshold {
		return r.force(ctx, n, step)
	}

	switch w, mapped := r.workers[n.ID]; {
	case r.graph.IsHumanCheckpoint(n.ID):
		err = r.checkpoint(ctx, n, step)
	case mapped:
		err = r.execute(ctx, n, step, w)
	default:
		r.logger.Debug("task has no worker; passing through", "task_id", n.ID)
		err = r.finishStep(ctx, step, models.StepStatusCompleted, nil)
	}
	if err != nil {
		return err
	}
	return r.preRoute(ctx, n)
}

// force completes a task that reached the iteration threshold and steers
// every gateway ahead to its last flow.
func (r *runner) force(ctx context.Context, n *process.Node, step *models.FlowStep) error {
	r.state.ForceDecisions(r.graph.DecisionVars)
	for _, gw := range exclusiveAhead(r.graph, n.ID) {
		flows := r.graph.GatewayFlows[gw]
		r.state.SetRoute(gw, flows[len(flows)-1].ID)
	}
	note := fmt.Sprintf("iteration limit of %d reached; completed without running the worker", r.e.threshold)
	r.state.Note(n.DisplayName() + ": " + note)
	r.logger.Warn("iteration limit reached", "task_id", n.ID, "iteration", step.Iteration)
	return r.finishStep(ctx, step, models.StepStatusCompleted, func(s *models.FlowStep) {
		s.Output = map[string]interface{}{"note": note, "forced": true}
	})
}

// preRoute decides every reasoned gateway ahead of n with fresh context.
func (r *runner) preRoute(ctx context.Context, n *process.Node) error {
	for _, gw := range r.graph.GatewaysAhead(n.ID) {
		if r.stopped() {
			return errStopped
		}
		gn, _ := r.graph.Node(gw)
		id, err := r.e.router.ChooseGatewayFlow(ctx, gn.DisplayName(), r.graph.GatewayFlows[gw], r.routingContext())
		if err != nil {
			return fmt.Errorf("route %s: %w", gw, err)
		}
		r.state.SetRoute(gw, id)
	}
	return nil
}

// selectFlow picks the outgoing flow of an exclusive gateway. Reasoned
// gateways take the decision made ahead of time, or ask the router now, and
// expose it as the route variable their flow conditions test. Static
// gateways follow a forced route when one is set. Either way the first flow
// whose condition holds wins, then the default flow, then the last flow.
func (r *runner) selectFlow(ctx context.Context, n *process.Node) (*process.Flow, error) {
	flows := r.graph.GatewayFlows[n.ID]
	switch len(flows) {
	case 0:
		return nil, nil
	case 1:
		return flows[0], nil
	}

	id, routed := r.state.TakeRoute(n.ID)
	if !routed && n.Routing == process.RoutingReasoned {
		var err error
		if id, err = r.e.router.ChooseGatewayFlow(ctx, n.DisplayName(), flows, r.routingContext()); err != nil {
			return nil, fmt.Errorf("route %s: %w", n.ID, err)
		}
		routed = true
	}
	if routed && n.Routing != process.RoutingReasoned {
		if f := flowByID(flows, id); f != nil {
			return f, nil
		}
	}

	env := r.state.Env(r.run.Input)
	if routed {
		env[process.RouteVar] = map[string]interface{}{n.ID: id}
	}
	var fallback *process.Flow
	for _, f := range flows {
		if f.Condition == "" {
			if fallback == nil {
				fallback = f
			}
			continue
		}
		ok, err := f.Eval(env)
		if err != nil {
			r.logger.Warn("flow condition failed", "gateway", n.ID, "flow_id", f.ID, "error", err.Error())
			continue
		}
		if ok {
			return f, nil
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return flows[len(flows)-1], nil
}

func (r *runner) routingContext() string {
	return router.RoutingContext(r.state.Summary(), r.state.Latest(), r.e.routingContext)
}

// execute invokes the mapped worker of a service task.
func (r *runner) execute(ctx context.Context, n *process.Node, step *models.FlowStep, w models.WorkerRef) error {
	input, prompt := r.buildPrompt(n)
	if err := r.updateStep(ctx, step, func(s *models.FlowStep) { s.Input = input }); err != nil {
		return err
	}

	res, err := r.e.invoker.Invoke(ctx, w, prompt)
	if r.stopped() {
		r.discard(ctx, step)
		return errStopped
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := err.Error()
		if ferr := r.finishStep(ctx, step, models.StepStatusFailed, func(s *models.FlowStep) { s.Error = &msg }); ferr != nil {
			r.logger.Error("failed to record step failure", "task_id", n.ID, "error", ferr.Error())
		}
		return fmt.Errorf("task %q: %w", n.DisplayName(), err)
	}

	r.state.Record(n.ID, n.DisplayName(), res.Output, res.Text)
	if names := r.state.ExtractDecisions(res.Output, res.Text, r.graph.DecisionVars); len(names) > 0 {
		r.logger.Debug("decision variables updated", "task_id", n.ID, "vars", strings.Join(names, ","))
	}
	return r.finishStep(ctx, step, models.StepStatusCompleted, func(s *models.FlowStep) { s.Output = res.Output })
}

// discard skips a step whose result arrived after the run stopped.
func (r *runner) discard(ctx context.Context, step *models.FlowStep) {
	if err := r.finishStep(ctx, step, models.StepStatusSkipped, nil); err != nil {
		r.logger.Debug("could not skip discarded step", "step_id", step.ID, "error", err.Error())
	}
}

func (r *runner) buildPrompt(n *process.Node) (map[string]interface{}, agent.Prompt) {
	contract, _ := r.graph.Contract(n.ID)
	var input map[string]interface{}
	if len(contract.Inputs) > 0 {
		scoped, missing := r.state.ScopeInput(contract.Inputs)
		input = scoped
		if len(missing) > 0 {
			input[MissingInputsKey] = missing
		}
	} else {
		input = r.state.Context()
	}
	return input, newPrompt(n, contract, r.state.Request(), input)
}

// checkpoint pauses the run until a decision for the task arrives.
func (r *runner) checkpoint(ctx context.Context, n *process.Node, step *models.FlowStep) error {
	select {
	case r.cp <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-r.cp }()

	if r.stopped() {
		r.discard(ctx, step)
		return errStopped
	}

	description := strings.TrimSpace(n.Documentation)
	var analysis map[string]interface{}
	if w, ok := r.workers[n.ID]; ok && r.e.preAnalysis {
		_, prompt := r.buildPrompt(n)
		prompt.Text = "Prepare a short analysis that helps a reviewer decide on this step.\n\n" + prompt.Text
		res, err := r.e.invoker.Invoke(ctx, w, prompt)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			r.logger.Warn("checkpoint pre-analysis failed", "task_id", n.ID, "error", err.Error())
		default:
			analysis = res.Output
			description = strings.TrimSpace(description + "\n\nPre-analysis:\n" + res.Text)
		}
	}

	w := &waiter{
		step: step,
		approval: &models.ApprovalRequest{
			ID:          uuid.New().String(),
			TenantID:    r.run.TenantID,
			RunID:       r.run.ID,
			StepID:      step.ID,
			Title:       n.DisplayName(),
			Description: description,
			Urgency:     models.UrgencyNormal,
			Resolution:  models.ApprovalPending,
			RequestedAt: time.Now().UTC(),
		},
		ch: make(chan Decision, 1),
	}
	if err := r.pause(ctx, w, analysis); err != nil {
		if errors.Is(err, errStopped) {
			r.discard(ctx, step)
		}
		return err
	}
	r.logger.Info("run paused for approval", "task_id", n.ID, "approval_id", w.approval.ID)
	return r.awaitDecision(ctx, n, w)
}

func (r *runner) pause(ctx context.Context, w *waiter, analysis map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.run.Status != models.RunStatusRunning {
		return errStopped
	}
	if err := r.e.store.CreateApproval(ctx, w.approval); err != nil {
		return fmt.Errorf("create approval: %w", err)
	}
	next, err := w.step.Status.Transition(models.StepStatusWaitingApproval)
	if err != nil {
		return err
	}
	w.step.Status = next
	w.step.ApprovalID = &w.approval.ID
	if analysis != nil {
		w.step.Output = analysis
	}
	if err := r.saveStepLocked(ctx, w.step); err != nil {
		return err
	}
	if err := r.setRunLocked(ctx, models.RunStatusPaused, ""); err != nil {
		return err
	}
	r.waiting = w
	r.resumed = make(chan struct{})
	return nil
}

// awaitDecision blocks until resume or cancel hands over a decision.
func (r *runner) awaitDecision(ctx context.Context, n *process.Node, w *waiter) error {
	var d Decision
	select {
	case d = <-w.ch:
	case <-ctx.Done():
		return ctx.Err()
	}
	if r.stopped() {
		return errStopped
	}
	output := map[string]interface{}{"approved": d.Approved}
	text := "approved"
	if !d.Approved {
		text = "rejected"
	}
	if d.Comment != "" {
		output["comment"] = d.Comment
		text += ": " + d.Comment
	}
	r.state.SetVar("approved", d.Approved)
	r.state.Record(n.ID, n.DisplayName(), output, text)
	return nil
}

// resume resolves the waiting checkpoint. The step and run are settled
// before resume returns; the branch continues in the background.
func (r *runner) resume(ctx context.Context, d Decision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.waiting
	if r.run.Status != models.RunStatusPaused || w == nil {
		return ErrNotPaused
	}

	now := time.Now().UTC()
	a := *w.approval
	a.Resolution = models.ApprovalApproved
	if !d.Approved {
		a.Resolution = models.ApprovalRejected
	}
	if d.Comment != "" {
		a.Comment = &d.Comment
	}
	if d.By != "" {
		a.ResolvedBy = &d.By
	}
	a.ResolvedAt = &now
	if err := r.e.store.UpdateApproval(ctx, &a); err != nil {
		return fmt.Errorf("resolve approval: %w", err)
	}
	*w.approval = a

	output := maps.Clone(w.step.Output)
	if output == nil {
		output = map[string]interface{}{}
	}
	output["approved"] = d.Approved
	if d.Comment != "" {
		output["comment"] = d.Comment
	}

	stepStatus, runStatus, reason := models.StepStatusCompleted, models.RunStatusRunning, ""
	if !d.Approved && r.e.failOnRejection {
		stepStatus, runStatus = models.StepStatusFailed, models.RunStatusFailed
		reason = "checkpoint " + w.step.Name + " rejected"
		if d.Comment != "" {
			reason += ": " + d.Comment
		}
	}

	if err := r.transitionStepLocked(ctx, w.step, stepStatus, func(s *models.FlowStep) {
		s.Output = output
		if reason != "" {
			s.Error = &reason
		}
	}); err != nil {
		return err
	}
	if err := r.setRunLocked(ctx, runStatus, reason); err != nil {
		return err
	}
	r.waiting = nil
	close(r.resumed)
	w.ch <- d
	r.logger.Info("run resumed", "approval_id", a.ID, "approved", d.Approved)
	return nil
}

// cancel moves the run to cancelled and releases a waiting checkpoint.
func (r *runner) cancel(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.run.Status.IsTerminal() {
		return ErrRunFinished
	}
	wasPaused := r.run.Status == models.RunStatusPaused
	if err := r.setRunLocked(ctx, models.RunStatusCancelled, ""); err != nil {
		return err
	}
	r.releaseWaiterLocked(ctx)
	if wasPaused {
		close(r.resumed)
	}
	r.logger.Info("run cancelled")
	return nil
}

// releaseWaiterLocked skips the waiting checkpoint of a stopped run.
func (r *runner) releaseWaiterLocked(ctx context.Context) {
	w := r.waiting
	if w == nil {
		return
	}
	r.waiting = nil
	rejectForCancel(w.approval, time.Now().UTC())
	if err := r.e.store.UpdateApproval(ctx, w.approval); err != nil {
		r.logger.Error("failed to close approval", "approval_id", w.approval.ID, "error", err.Error())
	}
	if err := r.transitionStepLocked(ctx, w.step, models.StepStatusSkipped, nil); err != nil {
		r.logger.Error("failed to skip waiting step", "step_id", w.step.ID, "error", err.Error())
	}
	w.ch <- Decision{}
}

// finish settles the run once its walk returns.
func (r *runner) finish(err error) {
	ctx := context.Background()
	var pe *repository.PersistenceError
	switch {
	case err == nil:
		r.mu.Lock()
		serr := r.setRunLocked(ctx, models.RunStatusCompleted, "")
		r.mu.Unlock()
		if serr != nil {
			r.logger.Warn("run finished but could not be completed", "error", serr.Error())
			return
		}
		r.logger.Info("run completed")
	case errors.Is(err, errStopped):
		r.logger.Debug("run walk stopped")
	case r.e.ctx.Err() != nil:
		r.logger.Warn("run interrupted by shutdown")
	case errors.As(err, &pe):
		r.logger.Error("run left in last stored status after a storage failure", "error", err.Error())
		r.e.publisher.Publish(ctx, models.Event{Type: models.EventRunError, RunID: r.run.ID, Error: err.Error()})
	default:
		r.mu.Lock()
		defer r.mu.Unlock()
		r.releaseWaiterLocked(ctx)
		if serr := r.setRunLocked(ctx, models.RunStatusFailed, err.Error()); serr != nil {
			r.logger.Error("failed to record run failure", "error", serr.Error(), "cause", err.Error())
			return
		}
		r.logger.Warn("run failed", "error", err.Error())
	}
}

// barrier holds a branch at a task boundary while the run is paused.
func (r *runner) barrier(ctx context.Context) error {
	for {
		r.mu.Lock()
		status, resumed := r.run.Status, r.resumed
		r.mu.Unlock()
		switch status {
		case models.RunStatusRunning:
			return nil
		case models.RunStatusPaused:
			select {
			case <-resumed:
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			return errStopped
		}
	}
}

func (r *runner) stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run.Status.IsTerminal()
}

func (r *runner) startStep(ctx context.Context, n *process.Node, iteration int) (*models.FlowStep, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.run.Status.IsTerminal() {
		return nil, errStopped
	}
	r.seq++
	step := &models.FlowStep{
		ID:        uuid.New().String(),
		RunID:     r.run.ID,
		Seq:       r.seq,
		TaskID:    n.ID,
		Name:      n.DisplayName(),
		Kind:      n.Kind,
		Status:    models.StepStatusRunning,
		Iteration: iteration,
		StartedAt: time.Now().UTC(),
	}
	if err := r.saveStepLocked(ctx, step); err != nil {
		return nil, err
	}
	return step, nil
}

func (r *runner) updateStep(ctx context.Context, step *models.FlowStep, mutate func(*models.FlowStep)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	mutate(step)
	return r.saveStepLocked(ctx, step)
}

func (r *runner) finishStep(ctx context.Context, step *models.FlowStep, status models.StepStatus, mutate func(*models.FlowStep)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionStepLocked(ctx, step, status, mutate)
}

func (r *runner) transitionStepLocked(ctx context.Context, step *models.FlowStep, status models.StepStatus, mutate func(*models.FlowStep)) error {
	next, err := step.Status.Transition(status)
	if err != nil {
		return err
	}
	step.Status = next
	if mutate != nil {
		mutate(step)
	}
	if next.IsTerminal() {
		now := time.Now().UTC()
		step.CompletedAt = &now
		r.e.metrics.StepFinished(ctx, string(step.Kind), string(next), now.Sub(step.StartedAt))
	}
	return r.saveStepLocked(ctx, step)
}

// saveStepLocked persists and publishes a step, then snapshots the state.
func (r *runner) saveStepLocked(ctx context.Context, step *models.FlowStep) error {
	if err := r.e.store.SaveStep(ctx, step); err != nil {
		return err
	}
	c := *step
	c.Input = maps.Clone(step.Input)
	c.Output = maps.Clone(step.Output)
	r.e.publisher.Publish(ctx, models.Event{Type: models.EventStepUpdate, RunID: r.run.ID, Step: &c})
	return r.saveSnapshot(ctx)
}

// setRunLocked moves the run to next. The in-memory run is restored when the
// write fails.
func (r *runner) setRunLocked(ctx context.Context, next models.RunStatus, reason string) error {
	status, err := r.run.Status.Transition(next)
	if err != nil {
		return err
	}
	prev := *r.run
	r.run.Status = status
	if status.IsTerminal() {
		now := time.Now().UTC()
		r.run.CompletedAt = &now
		if reason != "" {
			r.run.Error = &reason
		}
		if status == models.RunStatusCompleted {
			r.run.Output = r.state.Output()
		}
	}
	if err := r.e.store.UpdateRun(ctx, r.run); err != nil {
		*r.run = prev
		return err
	}

	evType := models.EventRunUpdate
	switch status {
	case models.RunStatusCompleted:
		evType = models.EventRunComplete
	case models.RunStatusFailed:
		evType = models.EventRunError
	}
	r.publishRun(ctx, evType, reason)
	if status.IsTerminal() {
		r.e.metrics.RunFinished(ctx, r.run.ProcessID, string(status))
	}
	return nil
}

func (r *runner) publishRun(ctx context.Context, t models.EventType, reason string) {
	c := *r.run
	c.Output = maps.Clone(r.run.Output)
	r.e.publisher.Publish(ctx, models.Event{Type: t, RunID: r.run.ID, Run: &c, Error: reason})
}

// saveSnapshot persists the flow state. It runs with r.mu held or before the
// run is launched.
func (r *runner) saveSnapshot(ctx context.Context) error {
	snap := r.state.Snapshot()
	snap.RunID = r.run.ID
	snap.ProcessID = r.run.ProcessID
	snap.Version = r.version
	snap.Assignments = r.workers
	snap.NextSeq = r.seq
	return r.e.store.SaveSnapshot(ctx, snap)
}

func (r *runner) runCopy() *models.FlowRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *r.run
	c.Input = maps.Clone(r.run.Input)
	c.Output = maps.Clone(r.run.Output)
	return &c
}

func flowByID(flows []*process.Flow, id string) *process.Flow {
	for _, f := range flows {
		if f.ID == id {
			return f
		}
	}
	return nil
}

// exclusiveAhead returns every exclusive gateway with a choice reachable from
// id without passing another task.
func exclusiveAhead(g *process.Graph, id string) []string {
	var found []string
	seen := map[string]bool{id: true}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, f := range g.Outgoing(cur) {
			if seen[f.Target] {
				continue
			}
			seen[f.Target] = true
			n, ok := g.Node(f.Target)
			if !ok {
				continue
			}
			switch n.Kind {
			case models.TaskKindGateway:
				if n.Gateway == process.GatewayExclusive && len(g.GatewayFlows[n.ID]) > 1 {
					found = append(found, n.ID)
				}
				queue = append(queue, n.ID)
			case models.TaskKindIntermediateEvent:
				queue = append(queue, n.ID)
			}
		}
	}
	return found
}
