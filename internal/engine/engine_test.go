package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/backend/internal/agent"
	"agentflow/backend/internal/process"
	"agentflow/backend/internal/reasoning"
	"agentflow/backend/internal/repository"
	"agentflow/backend/internal/router"
	"agentflow/backend/pkg/models"
)

const tenant = "tenant-1"

var writer = models.WorkerRef{ID: "w1", Name: "Writer"}

type fakeInvoker struct {
	mu    sync.Mutex
	calls []string
	fn    func(task string) (*agent.Result, error)
}

func (f *fakeInvoker) Invoke(_ context.Context, _ models.WorkerRef, p agent.Prompt) (*agent.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, p.Task)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(p.Task)
	}
	text := p.Task + " done"
	return &agent.Result{Text: text, Output: map[string]interface{}{agent.RawKey: text}, Attempts: 1}, nil
}

func (f *fakeInvoker) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Publish(_ context.Context, ev models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) runStatuses() []models.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.RunStatus
	for _, ev := range r.events {
		if ev.Run != nil {
			out = append(out, ev.Run.Status)
		}
	}
	return out
}

func (r *recorder) last() models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

// countingRouter answers every routing prompt with answer.
func countingRouter(answer string, calls *atomic.Int32) *router.Router {
	return router.New(reasoning.CompleterFunc(func(context.Context, reasoning.Request) (string, error) {
		calls.Add(1)
		return answer, nil
	}), nil)
}

func graphFrom(t *testing.T, src string) *process.Graph {
	t.Helper()
	def, err := process.Parse([]byte(src))
	require.NoError(t, err)
	g, err := process.Normalize(def)
	require.NoError(t, err)
	return g
}

func everyTask(g *process.Graph, w models.WorkerRef) map[string]models.WorkerRef {
	out := make(map[string]models.WorkerRef)
	for _, n := range g.Tasks() {
		out[n.ID] = w
	}
	return out
}

func start(t *testing.T, e *Engine, g *process.Graph, workers map[string]models.WorkerRef, input map[string]interface{}) *models.FlowRun {
	t.Helper()
	run, err := e.Start(context.Background(), StartRequest{
		TenantID: tenant, ProcessID: g.ID, Version: 1, Graph: g, Workers: workers, Input: input,
	})
	require.NoError(t, err)
	return run
}

func wait(t *testing.T, e *Engine, runID string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Wait(ctx, runID))
}

func waitStatus(t *testing.T, store repository.RunStore, runID string, status models.RunStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		run, err := store.GetRunByID(context.Background(), runID)
		return err == nil && run.Status == status
	}, 5*time.Second, 5*time.Millisecond, "run never reached %s", status)
}

func assertRunHistory(t *testing.T, statuses []models.RunStatus) {
	t.Helper()
	for i := 1; i < len(statuses); i++ {
		assert.True(t, statuses[i-1].CanTransition(statuses[i]),
			"invalid run transition %s -> %s", statuses[i-1], statuses[i])
	}
}

func stepsOf(t *testing.T, store repository.RunStore, runID string) []*models.FlowStep {
	t.Helper()
	steps, err := store.ListSteps(context.Background(), runID)
	require.NoError(t, err)
	return steps
}

const linearYAML = `
id: linear
processes:
  - id: main
    nodes:
      - {id: start, type: startEvent}
      - {id: a, type: task, name: A}
      - {id: b, type: serviceTask, name: B}
      - {id: c, type: scriptTask, name: C}
      - {id: end, type: endEvent}
    flows:
      - {source: start, target: a}
      - {source: a, target: b}
      - {source: b, target: c}
      - {source: c, target: end}
`

func TestEngine_LinearRunMergesOutputs(t *testing.T) {
	completer := reasoning.CompleterFunc(func(_ context.Context, req reasoning.Request) (string, error) {
		for i, name := range []string{"A", "B", "C"} {
			if strings.Contains(req.User, "Task: "+name+"\n") {
				key := strings.ToLower(name)
				return fmt.Sprintf("Done.\n```json\n{\"%s\": %d, \"shared\": \"%s\"}\n```", key, i+1, key), nil
			}
		}
		return "", errors.New("unexpected prompt")
	})
	executor := agent.NewExecutor(completer, nil, agent.WithRetry(0, time.Millisecond, time.Millisecond))
	store := repository.NewMemory()
	events := &recorder{}
	e := New(store, executor, router.New(completer, nil), nil, WithPublisher(events))

	g := graphFrom(t, linearYAML)
	run := start(t, e, g, everyTask(g, writer), map[string]interface{}{"request": "launch"})
	wait(t, e, run.ID)

	got, err := store.GetRun(context.Background(), tenant, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.EqualValues(t, 1, got.Output["a"])
	assert.EqualValues(t, 2, got.Output["b"])
	assert.EqualValues(t, 3, got.Output["c"])
	assert.Equal(t, "c", got.Output["shared"], "later tasks win")

	steps := stepsOf(t, store, run.ID)
	require.Len(t, steps, 3)
	for i, s := range steps {
		assert.Equal(t, i+1, s.Seq)
		assert.Equal(t, models.StepStatusCompleted, s.Status)
		assert.Equal(t, 1, s.Iteration)
	}
	assert.Equal(t, []string{"a", "b", "c"}, []string{steps[0].TaskID, steps[1].TaskID, steps[2].TaskID})

	assert.Equal(t, models.EventRunComplete, events.last().Type)
	assertRunHistory(t, events.runStatuses())
	assert.False(t, e.Resident(run.ID))
}

func TestEngine_UnmappedTasksPassThrough(t *testing.T) {
	inv := &fakeInvoker{}
	store := repository.NewMemory()
	var calls atomic.Int32
	e := New(store, inv, countingRouter("1", &calls), nil)

	g := graphFrom(t, linearYAML)
	run := start(t, e, g, map[string]models.WorkerRef{"b": writer}, nil)
	wait(t, e, run.ID)

	assert.Equal(t, []string{"B"}, inv.Calls())
	steps := stepsOf(t, store, run.ID)
	require.Len(t, steps, 3)
	assert.Nil(t, steps[0].Output)
	assert.Equal(t, models.StepStatusCompleted, steps[0].Status)
}

const checkpointYAML = `
id: review
processes:
  - id: main
    nodes:
      - {id: start, type: startEvent}
      - {id: draft, type: task, name: Draft}
      - {id: signoff, type: userTask, name: Sign-off, documentation: Check the draft.}
      - {id: end, type: endEvent}
    flows:
      - {source: start, target: draft}
      - {source: draft, target: signoff}
      - {source: signoff, target: end}
`

func TestEngine_CheckpointPausesOnceAndResumes(t *testing.T) {
	inv := &fakeInvoker{}
	store := repository.NewMemory()
	events := &recorder{}
	var calls atomic.Int32
	e := New(store, inv, countingRouter("1", &calls), nil, WithPublisher(events))

	g := graphFrom(t, checkpointYAML)
	run := start(t, e, g, everyTask(g, writer), map[string]interface{}{"request": "write a post"})
	waitStatus(t, store, run.ID, models.RunStatusPaused)

	approvals, err := store.ListApprovals(context.Background(), tenant, models.ApprovalPending)
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	approval := approvals[0]
	assert.Equal(t, "Sign-off", approval.Title)
	assert.Contains(t, approval.Description, "Check the draft.")
	assert.Contains(t, approval.Description, "Pre-analysis:")

	steps := stepsOf(t, store, run.ID)
	require.Len(t, steps, 2)
	assert.Equal(t, models.StepStatusWaitingApproval, steps[1].Status)
	require.NotNil(t, steps[1].ApprovalID)
	assert.Equal(t, approval.ID, *steps[1].ApprovalID)
	assert.Equal(t, approval.StepID, steps[1].ID)

	resumed, err := e.Resume(context.Background(), run.ID, Decision{Approved: true, Comment: "ship it", By: "dev@localhost"})
	require.NoError(t, err)
	assert.Contains(t, []models.RunStatus{models.RunStatusRunning, models.RunStatusCompleted}, resumed.Status)

	// the waiting step is settled before Resume returns
	steps = stepsOf(t, store, run.ID)
	assert.Equal(t, models.StepStatusCompleted, steps[1].Status)
	assert.Equal(t, true, steps[1].Output["approved"])

	wait(t, e, run.ID)
	got, err := store.GetRunByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.Equal(t, true, got.Output["approved"])

	resolved, err := store.GetApproval(context.Background(), tenant, approval.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, resolved.Resolution)
	require.NotNil(t, resolved.ResolvedBy)
	assert.Equal(t, "dev@localhost", *resolved.ResolvedBy)

	statuses := events.runStatuses()
	assertRunHistory(t, statuses)
	paused := 0
	for _, s := range statuses {
		if s == models.RunStatusPaused {
			paused++
		}
	}
	assert.Equal(t, 1, paused)
}

func TestEngine_ResumeErrors(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 3)
	inv := &fakeInvoker{fn: func(task string) (*agent.Result, error) {
		started <- struct{}{}
		<-release
		return &agent.Result{Output: map[string]interface{}{}}, nil
	}}
	store := repository.NewMemory()
	var calls atomic.Int32
	e := New(store, inv, countingRouter("1", &calls), nil)

	_, err := e.Resume(context.Background(), "missing", Decision{Approved: true})
	assert.ErrorIs(t, err, ErrEngineNotFound)

	g := graphFrom(t, linearYAML)
	run := start(t, e, g, everyTask(g, writer), nil)
	<-started
	_, err = e.Resume(context.Background(), run.ID, Decision{Approved: true})
	assert.ErrorIs(t, err, ErrNotPaused)

	close(release)
	wait(t, e, run.ID)

	_, err = e.Resume(context.Background(), run.ID, Decision{Approved: true})
	assert.ErrorIs(t, err, ErrEngineNotFound, "finished runs have no instance")
}

func TestEngine_RejectionFailsRunWhenConfigured(t *testing.T) {
	store := repository.NewMemory()
	events := &recorder{}
	var calls atomic.Int32
	e := New(store, &fakeInvoker{}, countingRouter("1", &calls), nil,
		WithPublisher(events), WithFailOnRejection(true), WithPreAnalysis(false))

	g := graphFrom(t, checkpointYAML)
	run := start(t, e, g, everyTask(g, writer), nil)
	waitStatus(t, store, run.ID, models.RunStatusPaused)

	_, err := e.Resume(context.Background(), run.ID, Decision{Approved: false, Comment: "off brand"})
	require.NoError(t, err)
	wait(t, e, run.ID)

	got, err := store.GetRunByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "off brand")

	steps := stepsOf(t, store, run.ID)
	assert.Equal(t, models.StepStatusFailed, steps[1].Status)
	assert.Equal(t, models.EventRunError, events.last().Type)
	assertRunHistory(t, events.runStatuses())
}

const rejectLoopYAML = `
id: reject-loop
processes:
  - id: main
    nodes:
      - {id: start, type: startEvent}
      - {id: draft, type: task, name: Draft}
      - {id: signoff, type: task, name: Sign-off, human: true}
      - {id: gw, type: exclusiveGateway, routing: static}
      - {id: end, type: endEvent}
    flows:
      - {source: start, target: draft}
      - {source: draft, target: signoff}
      - {source: signoff, target: gw}
      - {id: redo, source: gw, target: draft, condition: "approved == false"}
      - {id: done, source: gw, target: end}
`

func TestEngine_RejectionLoopsBack(t *testing.T) {
	inv := &fakeInvoker{}
	store := repository.NewMemory()
	var calls atomic.Int32
	e := New(store, inv, countingRouter("1", &calls), nil, WithPreAnalysis(false))

	g := graphFrom(t, rejectLoopYAML)
	run := start(t, e, g, everyTask(g, writer), nil)
	waitStatus(t, store, run.ID, models.RunStatusPaused)
	_, err := e.Resume(context.Background(), run.ID, Decision{Approved: false})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		approvals, err := store.ListApprovals(context.Background(), tenant, models.ApprovalPending)
		return err == nil && len(approvals) == 1
	}, 5*time.Second, 5*time.Millisecond)
	waitStatus(t, store, run.ID, models.RunStatusPaused)
	_, err = e.Resume(context.Background(), run.ID, Decision{Approved: true})
	require.NoError(t, err)
	wait(t, e, run.ID)

	assert.Equal(t, []string{"Draft", "Draft"}, inv.Calls())
	assert.Zero(t, calls.Load(), "static gateways never ask the router")
	got, err := store.GetRunByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
}

const routingYAML = `
id: routing
processes:
  - id: main
    nodes:
      - {id: start, type: startEvent}
      - {id: gw, type: exclusiveGateway, name: "Which channel?"}
      - {id: ta, type: task, name: Email}
      - {id: tb, type: task, name: Social}
      - {id: tc, type: task, name: Print}
      - {id: end, type: endEvent}
    flows:
      - {source: start, target: gw}
      - {id: to_a, source: gw, target: ta, name: Email}
      - {id: to_b, source: gw, target: tb, name: Social}
      - {id: to_c, source: gw, target: tc, name: Print}
      - {source: ta, target: end}
      - {source: tb, target: end}
      - {source: tc, target: end}
`

func TestEngine_UnparseableRoutingTakesLastFlow(t *testing.T) {
	for _, answer := range []string{"I am not sure", "7", ""} {
		t.Run(answer, func(t *testing.T) {
			inv := &fakeInvoker{}
			store := repository.NewMemory()
			var calls atomic.Int32
			e := New(store, inv, countingRouter(answer, &calls), nil)

			g := graphFrom(t, routingYAML)
			run := start(t, e, g, everyTask(g, writer), nil)
			wait(t, e, run.ID)

			assert.Equal(t, []string{"Print"}, inv.Calls())
			assert.EqualValues(t, 1, calls.Load())
		})
	}
}

func TestEngine_RoutingFollowsAnswer(t *testing.T) {
	inv := &fakeInvoker{}
	var calls atomic.Int32
	e := New(repository.NewMemory(), inv, countingRouter("2", &calls), nil)

	g := graphFrom(t, routingYAML)
	run := start(t, e, g, everyTask(g, writer), nil)
	wait(t, e, run.ID)
	assert.Equal(t, []string{"Social"}, inv.Calls())
}

const loopYAML = `
id: loop
processes:
  - id: main
    nodes:
      - {id: start, type: startEvent}
      - {id: review, type: task, name: Review}
      - {id: gw, type: exclusiveGateway, name: "Good enough?"}
      - {id: end, type: endEvent}
    flows:
      - {source: start, target: review}
      - {source: review, target: gw}
      - {id: again, source: gw, target: review, name: Revise}
      - {id: done, source: gw, target: end, name: Ship}
`

func TestEngine_IterationGuardForcesHappyPath(t *testing.T) {
	inv := &fakeInvoker{}
	store := repository.NewMemory()
	var calls atomic.Int32
	// the router always asks for another pass
	e := New(store, inv, countingRouter("1", &calls), nil)

	g := graphFrom(t, loopYAML)
	run := start(t, e, g, everyTask(g, writer), nil)
	wait(t, e, run.ID)

	got, err := store.GetRunByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)

	steps := stepsOf(t, store, run.ID)
	require.Len(t, steps, 3)
	for i, s := range steps {
		assert.Equal(t, i+1, s.Iteration, "iterations increase monotonically")
	}
	assert.Equal(t, true, steps[2].Output["forced"])
	assert.Equal(t, []string{"Review", "Review"}, inv.Calls(), "the forced entry does not run the worker")
	assert.EqualValues(t, 2, calls.Load(), "no routing call after the forced entry")

	snap, err := store.GetSnapshot(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, true, snap.Vars["approved"])
	assert.Equal(t, 3, snap.Iterations["review"])
}

func TestEngine_IterationThresholdIsConfigurable(t *testing.T) {
	inv := &fakeInvoker{}
	var calls atomic.Int32
	store := repository.NewMemory()
	e := New(store, inv, countingRouter("1", &calls), nil, WithIterationThreshold(5))

	g := graphFrom(t, loopYAML)
	run := start(t, e, g, everyTask(g, writer), nil)
	wait(t, e, run.ID)

	assert.Len(t, stepsOf(t, store, run.ID), 5)
	assert.EqualValues(t, 4, calls.Load())
}

func TestEngine_IterationThresholdBelowTwoKeepsDefault(t *testing.T) {
	for _, n := range []int{0, 1} {
		inv := &fakeInvoker{}
		var calls atomic.Int32
		store := repository.NewMemory()
		e := New(store, inv, countingRouter("1", &calls), nil, WithIterationThreshold(n))
		assert.Equal(t, DefaultIterationThreshold, e.threshold)

		g := graphFrom(t, loopYAML)
		run := start(t, e, g, everyTask(g, writer), nil)
		wait(t, e, run.ID)

		assert.Len(t, stepsOf(t, store, run.ID), DefaultIterationThreshold)
		assert.Equal(t, []string{"Review", "Review"}, inv.Calls(), "threshold %d", n)
	}
}

const staticYAML = `
id: static
processes:
  - id: main
    nodes:
      - {id: start, type: startEvent}
      - {id: check, type: task, name: Check}
      - {id: gw, type: exclusiveGateway, routing: static}
      - {id: pub, type: task, name: Publish}
      - {id: fix, type: task, name: Fix}
      - {id: end, type: endEvent}
    flows:
      - {source: start, target: check}
      - {source: check, target: gw}
      - {id: yes, source: gw, target: pub, condition: "approved == true"}
      - {id: no, source: gw, target: fix, condition: "approved == false"}
      - {id: other, source: gw, target: end}
      - {source: pub, target: end}
      - {source: fix, target: end}
`

func TestEngine_StaticGatewayEvaluatesConditions(t *testing.T) {
	cases := []struct {
		name   string
		output map[string]interface{}
		text   string
		want   []string
	}{
		{name: "structured false", output: map[string]interface{}{"approved": false}, want: []string{"Check", "Fix"}},
		{name: "text true", output: map[string]interface{}{}, text: "Verdict -> approved: yes", want: []string{"Check", "Publish"}},
		{name: "no decision takes default", output: map[string]interface{}{}, want: []string{"Check"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inv := &fakeInvoker{fn: func(task string) (*agent.Result, error) {
				if task == "Check" {
					return &agent.Result{Text: tc.text, Output: tc.output}, nil
				}
				return &agent.Result{Output: map[string]interface{}{}}, nil
			}}
			var calls atomic.Int32
			e := New(repository.NewMemory(), inv, countingRouter("1", &calls), nil)

			g := graphFrom(t, staticYAML)
			run := start(t, e, g, everyTask(g, writer), nil)
			wait(t, e, run.ID)

			assert.Equal(t, tc.want, inv.Calls())
			assert.Zero(t, calls.Load())
		})
	}
}

const parallelYAML = `
id: parallel
processes:
  - id: main
    nodes:
      - {id: start, type: startEvent}
      - {id: split, type: parallelGateway}
      - {id: a, type: task, name: A}
      - {id: b, type: task, name: B}
      - {id: join, type: parallelGateway}
      - {id: c, type: task, name: C}
      - {id: end, type: endEvent}
    flows:
      - {source: start, target: split}
      - {source: split, target: a}
      - {source: split, target: b}
      - {source: a, target: join}
      - {source: b, target: join}
      - {source: join, target: c}
      - {source: c, target: end}
`

func TestEngine_ParallelBranchesJoin(t *testing.T) {
	inv := &fakeInvoker{fn: func(task string) (*agent.Result, error) {
		return &agent.Result{Output: map[string]interface{}{strings.ToLower(task): true}}, nil
	}}
	store := repository.NewMemory()
	var calls atomic.Int32
	e := New(store, inv, countingRouter("1", &calls), nil)

	g := graphFrom(t, parallelYAML)
	run := start(t, e, g, everyTask(g, writer), nil)
	wait(t, e, run.ID)

	got, err := store.GetRunByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.Equal(t, true, got.Output["a"])
	assert.Equal(t, true, got.Output["b"])
	assert.Equal(t, true, got.Output["c"])

	steps := stepsOf(t, store, run.ID)
	require.Len(t, steps, 3)
	assert.Equal(t, "c", steps[2].TaskID, "the join waits for both branches")
	assert.ElementsMatch(t, []string{"a", "b"}, []string{steps[0].TaskID, steps[1].TaskID})
}

const parallelCheckpointsYAML = `
id: parallel-review
processes:
  - id: main
    nodes:
      - {id: start, type: startEvent}
      - {id: split, type: parallelGateway}
      - {id: a1, type: task, name: A1}
      - {id: ca, type: userTask, name: Approve A}
      - {id: b1, type: task, name: B1}
      - {id: b2, type: task, name: B2}
      - {id: cb, type: userTask, name: Approve B}
      - {id: join, type: parallelGateway}
      - {id: d, type: task, name: D}
      - {id: end, type: endEvent}
    flows:
      - {source: start, target: split}
      - {source: split, target: a1}
      - {source: a1, target: ca}
      - {source: ca, target: join}
      - {source: split, target: b1}
      - {source: b1, target: b2}
      - {source: b2, target: cb}
      - {source: cb, target: join}
      - {source: join, target: d}
      - {source: d, target: end}
`

func TestEngine_ParallelCheckpointsPauseOneAtATime(t *testing.T) {
	ctx := context.Background()
	releaseA, releaseB := make(chan struct{}), make(chan struct{})
	inv := &fakeInvoker{fn: func(task string) (*agent.Result, error) {
		switch task {
		case "A1":
			<-releaseA
		case "B1":
			<-releaseB
		}
		return &agent.Result{Output: map[string]interface{}{}}, nil
	}}
	store := repository.NewMemory()
	events := &recorder{}
	var calls atomic.Int32
	e := New(store, inv, countingRouter("1", &calls), nil, WithPreAnalysis(false), WithPublisher(events))

	g := graphFrom(t, parallelCheckpointsYAML)
	run := start(t, e, g, everyTask(g, writer), nil)

	called := func(task string) bool {
		for _, c := range inv.Calls() {
			if c == task {
				return true
			}
		}
		return false
	}
	pending := func() []*models.ApprovalRequest {
		approvals, err := store.ListApprovals(ctx, tenant, models.ApprovalPending)
		require.NoError(t, err)
		return approvals
	}
	waiting := func() int {
		n := 0
		for _, s := range stepsOf(t, store, run.ID) {
			if s.Status == models.StepStatusWaitingApproval {
				n++
			}
		}
		return n
	}

	require.Eventually(t, func() bool { return called("A1") && called("B1") }, 5*time.Second, 5*time.Millisecond)

	// branch a reaches its checkpoint while branch b is still working
	close(releaseA)
	waitStatus(t, store, run.ID, models.RunStatusPaused)
	first := pending()
	require.Len(t, first, 1)
	assert.Equal(t, "Approve A", first[0].Title)
	assert.Equal(t, 1, waiting())

	// branch b finishes its task but holds at the next boundary
	close(releaseB)
	assert.Never(t, func() bool { return called("B2") }, 150*time.Millisecond, 10*time.Millisecond,
		"no task starts while the run is paused")
	assert.Len(t, pending(), 1)
	assert.Equal(t, 1, waiting())

	_, err := e.Resume(ctx, run.ID, Decision{Approved: true})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p := pending()
		return len(p) == 1 && p[0].ID != first[0].ID
	}, 5*time.Second, 5*time.Millisecond, "second checkpoint never paused")
	second := pending()[0]
	assert.Equal(t, "Approve B", second.Title)
	waitStatus(t, store, run.ID, models.RunStatusPaused)
	assert.Equal(t, 1, waiting())
	assert.True(t, called("B2"))
	assert.False(t, called("D"), "the join waits for the second checkpoint")

	_, err = e.Resume(ctx, run.ID, Decision{Approved: true})
	require.NoError(t, err)
	wait(t, e, run.ID)

	got, err := store.GetRunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)

	all, err := store.ListApprovals(ctx, tenant, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, a := range all {
		assert.Equal(t, models.ApprovalApproved, a.Resolution)
	}

	steps := stepsOf(t, store, run.ID)
	require.Len(t, steps, 6)
	assert.Equal(t, "d", steps[len(steps)-1].TaskID)
	assert.Equal(t, 0, waiting())

	statuses := events.runStatuses()
	assertRunHistory(t, statuses)
	paused := 0
	for _, s := range statuses {
		if s == models.RunStatusPaused {
			paused++
		}
	}
	assert.Equal(t, 2, paused)
}

func TestEngine_WorkerFailureFailsRun(t *testing.T) {
	inv := &fakeInvoker{fn: func(task string) (*agent.Result, error) {
		if task == "B" {
			return nil, &agent.WorkerInvocationError{Worker: "Writer", Attempts: 1, Err: errors.New("invalid api key")}
		}
		return &agent.Result{Output: map[string]interface{}{}}, nil
	}}
	store := repository.NewMemory()
	events := &recorder{}
	var calls atomic.Int32
	e := New(store, inv, countingRouter("1", &calls), nil, WithPublisher(events))

	g := graphFrom(t, linearYAML)
	run := start(t, e, g, everyTask(g, writer), nil)
	wait(t, e, run.ID)

	got, err := store.GetRunByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "invalid api key")
	assert.Nil(t, got.Output)

	steps := stepsOf(t, store, run.ID)
	require.Len(t, steps, 2)
	assert.Equal(t, models.StepStatusFailed, steps[1].Status)
	require.NotNil(t, steps[1].Error)
	assert.Equal(t, []string{"A", "B"}, inv.Calls())
	assert.Equal(t, models.EventRunError, events.last().Type)
}

func TestEngine_StepLimitFailsRunawayRun(t *testing.T) {
	store := repository.NewMemory()
	var calls atomic.Int32
	e := New(store, &fakeInvoker{}, countingRouter("1", &calls), nil, WithMaxSteps(2))

	g := graphFrom(t, linearYAML)
	run := start(t, e, g, everyTask(g, writer), nil)
	wait(t, e, run.ID)

	got, err := store.GetRunByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	assert.Contains(t, *got.Error, ErrStepLimit.Error())
}

func TestEngine_CancelDiscardsInFlightResult(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	inv := &fakeInvoker{fn: func(task string) (*agent.Result, error) {
		started <- struct{}{}
		<-release
		return &agent.Result{Output: map[string]interface{}{"late": true}}, nil
	}}
	store := repository.NewMemory()
	events := &recorder{}
	var calls atomic.Int32
	e := New(store, inv, countingRouter("1", &calls), nil, WithPublisher(events))

	g := graphFrom(t, linearYAML)
	run := start(t, e, g, everyTask(g, writer), nil)
	<-started

	cancelled, err := e.Cancel(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, cancelled.Status)

	close(release)
	wait(t, e, run.ID)

	got, err := store.GetRunByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, got.Status)
	assert.Nil(t, got.Output)

	steps := stepsOf(t, store, run.ID)
	require.Len(t, steps, 1)
	assert.Equal(t, models.StepStatusSkipped, steps[0].Status)
	assert.Nil(t, steps[0].Output)
	assert.Equal(t, []string{"A"}, inv.Calls())

	_, err = e.Cancel(context.Background(), run.ID)
	assert.ErrorIs(t, err, ErrRunFinished)
	assertRunHistory(t, events.runStatuses())
}

func TestEngine_CancelPausedRun(t *testing.T) {
	store := repository.NewMemory()
	var calls atomic.Int32
	e := New(store, &fakeInvoker{}, countingRouter("1", &calls), nil, WithPreAnalysis(false))

	g := graphFrom(t, checkpointYAML)
	run := start(t, e, g, everyTask(g, writer), nil)
	waitStatus(t, store, run.ID, models.RunStatusPaused)

	_, err := e.Cancel(context.Background(), run.ID)
	require.NoError(t, err)
	wait(t, e, run.ID)

	steps := stepsOf(t, store, run.ID)
	require.Len(t, steps, 2)
	assert.Equal(t, models.StepStatusSkipped, steps[1].Status)

	approvals, err := store.ListApprovals(context.Background(), tenant, "")
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	assert.Equal(t, models.ApprovalRejected, approvals[0].Resolution)

	_, err = e.Resume(context.Background(), run.ID, Decision{Approved: true})
	assert.ErrorIs(t, err, ErrEngineNotFound)
}

func TestEngine_CancelWithoutInstance(t *testing.T) {
	store := repository.NewMemory()
	var calls atomic.Int32
	first := New(store, &fakeInvoker{}, countingRouter("1", &calls), nil, WithPreAnalysis(false))

	g := graphFrom(t, checkpointYAML)
	run := start(t, first, g, everyTask(g, writer), nil)
	waitStatus(t, store, run.ID, models.RunStatusPaused)
	require.NoError(t, first.Close(context.Background()))

	second := New(store, &fakeInvoker{}, countingRouter("1", &calls), nil)
	got, err := second.Cancel(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, got.Status)

	steps := stepsOf(t, store, run.ID)
	assert.Equal(t, models.StepStatusSkipped, steps[1].Status)
	_, err = second.Cancel(context.Background(), run.ID)
	assert.ErrorIs(t, err, ErrRunFinished)
}

func TestEngine_FailInterruptedSettlesOrphanedRuns(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemory()
	now := time.Now().UTC()

	orphan := &models.FlowRun{ID: "orphan", TenantID: tenant, ProcessID: "linear", Status: models.RunStatusRunning, StartedAt: now}
	require.NoError(t, store.CreateRun(ctx, orphan))
	done := &models.FlowStep{ID: "s1", RunID: orphan.ID, Seq: 1, TaskID: "a", Name: "A",
		Kind: models.TaskKindService, Status: models.StepStatusCompleted, Iteration: 1, StartedAt: now}
	inFlight := &models.FlowStep{ID: "s2", RunID: orphan.ID, Seq: 2, TaskID: "b", Name: "B",
		Kind: models.TaskKindService, Status: models.StepStatusRunning, Iteration: 1, StartedAt: now}
	require.NoError(t, store.SaveStep(ctx, done))
	require.NoError(t, store.SaveStep(ctx, inFlight))

	paused := &models.FlowRun{ID: "paused", TenantID: tenant, ProcessID: "review", Status: models.RunStatusPaused, StartedAt: now}
	require.NoError(t, store.CreateRun(ctx, paused))

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	inv := &fakeInvoker{fn: func(string) (*agent.Result, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return &agent.Result{Output: map[string]interface{}{}}, nil
	}}
	events := &recorder{}
	var calls atomic.Int32
	e := New(store, inv, countingRouter("1", &calls), nil, WithPublisher(events))
	g := graphFrom(t, linearYAML)
	live := start(t, e, g, everyTask(g, writer), nil)
	<-started

	n, err := e.FailInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetRunByID(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, InterruptedReason, *got.Error)
	require.NotNil(t, got.CompletedAt)

	steps := stepsOf(t, store, orphan.ID)
	require.Len(t, steps, 2)
	assert.Equal(t, models.StepStatusCompleted, steps[0].Status)
	assert.Equal(t, models.StepStatusFailed, steps[1].Status)

	got, err = store.GetRunByID(ctx, paused.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPaused, got.Status, "paused runs can still be resumed")

	got, err = store.GetRunByID(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, got.Status, "resident runs are left alone")

	ev := events.last()
	assert.Equal(t, models.EventRunError, ev.Type)
	assert.Equal(t, orphan.ID, ev.RunID)

	close(release)
	wait(t, e, live.ID)
	n, err = e.FailInterrupted(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEngine_RehydratesPausedRun(t *testing.T) {
	store := repository.NewMemory()
	inv := &fakeInvoker{}
	var calls atomic.Int32
	g := graphFrom(t, checkpointYAML)

	first := New(store, inv, countingRouter("1", &calls), nil, WithPreAnalysis(false))
	run := start(t, first, g, everyTask(g, writer), map[string]interface{}{"request": "write"})
	waitStatus(t, store, run.ID, models.RunStatusPaused)
	require.NoError(t, first.Close(context.Background()))

	got, err := store.GetRunByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPaused, got.Status, "shutdown keeps the stored status")

	bare := New(store, inv, countingRouter("1", &calls), nil)
	_, err = bare.Resume(context.Background(), run.ID, Decision{Approved: true})
	assert.ErrorIs(t, err, ErrEngineNotFound)

	var loaded *models.StateSnapshot
	rehydrating := New(store, inv, countingRouter("1", &calls), nil,
		WithRehydrator(RehydratorFunc(func(_ context.Context, r *models.FlowRun, snap *models.StateSnapshot) (*process.Graph, error) {
			assert.Equal(t, run.ID, r.ID)
			loaded = snap
			return g, nil
		})))
	_, err = rehydrating.Resume(context.Background(), run.ID, Decision{Approved: true})
	require.NoError(t, err)
	wait(t, rehydrating, run.ID)

	require.NotNil(t, loaded)
	assert.Equal(t, "write", loaded.Request)
	assert.Equal(t, writer, loaded.Assignments["draft"])

	got, err = store.GetRunByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.Contains(t, got.Output, "approved")

	steps := stepsOf(t, store, run.ID)
	require.Len(t, steps, 2)
	assert.Equal(t, models.StepStatusCompleted, steps[1].Status)
	assert.Equal(t, []string{"Draft"}, inv.Calls(), "completed tasks are not repeated")

	_, err = rehydrating.Resume(context.Background(), run.ID, Decision{Approved: true})
	assert.ErrorIs(t, err, ErrNotPaused)
}

const contractYAML = `
id: contract
processes:
  - id: main
    nodes:
      - {id: start, type: startEvent}
      - id: research
        type: task
        name: Research
        contract: {outputs: [findings]}
      - id: write
        type: task
        name: Write
        documentation: |
          Write the copy.
          Inputs: findings, budget
          Outputs: copy
      - {id: end, type: endEvent}
    flows:
      - {source: start, target: research}
      - {source: research, target: write}
      - {source: write, target: end}
`

func TestEngine_ContractScopesInput(t *testing.T) {
	inv := &fakeInvoker{fn: func(task string) (*agent.Result, error) {
		if task == "Research" {
			return &agent.Result{Output: map[string]interface{}{"findings": "three rivals", "noise": 1}}, nil
		}
		return &agent.Result{Output: map[string]interface{}{"copy": "Buy now"}}, nil
	}}
	store := repository.NewMemory()
	var calls atomic.Int32
	e := New(store, inv, countingRouter("1", &calls), nil)

	g := graphFrom(t, contractYAML)
	run := start(t, e, g, everyTask(g, writer), map[string]interface{}{"request": "launch"})
	wait(t, e, run.ID)

	steps := stepsOf(t, store, run.ID)
	require.Len(t, steps, 2)
	assert.Equal(t, "launch", steps[0].Input["request"], "tasks without inputs get the full context")
	write := steps[1].Input
	assert.Equal(t, "three rivals", write["findings"])
	assert.NotContains(t, write, "noise")
	assert.Equal(t, []string{"budget"}, write[MissingInputsKey])
	assert.Equal(t, models.StepStatusCompleted, steps[1].Status, "missing inputs do not fail the task")
}

func TestEngine_StartRejectsMissingGraph(t *testing.T) {
	var calls atomic.Int32
	e := New(repository.NewMemory(), &fakeInvoker{}, countingRouter("1", &calls), nil)
	_, err := e.Start(context.Background(), StartRequest{TenantID: tenant})
	assert.True(t, process.IsDefinitionError(err))
}

func TestRunner_SelectFlowEvaluatesRouteVariable(t *testing.T) {
	var calls atomic.Int32
	e := New(repository.NewMemory(), &fakeInvoker{}, countingRouter("2", &calls), nil)
	g := graphFrom(t, loopYAML)
	r := e.newRunner(&models.FlowRun{ID: "run-1", Input: map[string]interface{}{}}, g, nil, NewFlowState("", 0), 1)
	gw, ok := g.Node("gw")
	require.True(t, ok)
	ctx := context.Background()

	r.state.SetRoute("gw", "again")
	f, err := r.selectFlow(ctx, gw)
	require.NoError(t, err)
	assert.Equal(t, "again", f.ID, "decision made ahead of time")
	assert.Zero(t, calls.Load())

	f, err = r.selectFlow(ctx, gw)
	require.NoError(t, err)
	assert.Equal(t, "done", f.ID, "decided on arrival")
	assert.EqualValues(t, 1, calls.Load())

	r.state.SetRoute("gw", "unknown")
	f, err = r.selectFlow(ctx, gw)
	require.NoError(t, err)
	assert.Equal(t, "done", f.ID, "an unknown flow falls back to the last flow")
	assert.EqualValues(t, 1, calls.Load())
}

func TestRunner_StaticGatewayHonoursForcedRoute(t *testing.T) {
	var calls atomic.Int32
	e := New(repository.NewMemory(), &fakeInvoker{}, countingRouter("1", &calls), nil)
	g := graphFrom(t, staticYAML)
	r := e.newRunner(&models.FlowRun{ID: "run-1", Input: map[string]interface{}{}}, g, nil, NewFlowState("", 0), 1)
	gw, ok := g.Node("gw")
	require.True(t, ok)
	ctx := context.Background()

	r.state.SetVar("approved", true)
	f, err := r.selectFlow(ctx, gw)
	require.NoError(t, err)
	assert.Equal(t, "yes", f.ID)

	r.state.SetRoute("gw", "other")
	f, err = r.selectFlow(ctx, gw)
	require.NoError(t, err)
	assert.Equal(t, "other", f.ID)
	assert.Zero(t, calls.Load())
}
