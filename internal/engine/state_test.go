package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/backend/internal/agent"
	"agentflow/backend/internal/process"
)

func TestScopeInput(t *testing.T) {
	outputs := map[string]map[string]interface{}{
		"research": {"findings": "old", "budget": 100},
		"revise":   {"findings": "new"},
	}
	order := []string{"research", "revise"}

	scoped, missing := ScopeInput(outputs, order, []string{"findings", "budget", "research.findings", "tone"})
	assert.Equal(t, "new", scoped["findings"], "latest output wins")
	assert.Equal(t, 100, scoped["budget"])
	assert.Equal(t, "old", scoped["research.findings"])
	assert.Equal(t, []string{"tone"}, missing)

	again, missingAgain := ScopeInput(outputs, order, []string{"findings", "budget", "research.findings", "tone"})
	assert.Equal(t, scoped, again, "scoping is a pure function")
	assert.Equal(t, missing, missingAgain)
	assert.Len(t, outputs["revise"], 1, "outputs are not modified")

	scoped, missing = ScopeInput(nil, nil, []string{"anything"})
	assert.Empty(t, scoped)
	assert.Equal(t, []string{"anything"}, missing)
}

func TestFlowState_SummaryIsBounded(t *testing.T) {
	s := NewFlowState("req", 50)
	for i := 0; i < 10; i++ {
		s.Record("task", "Task", nil, strings.Repeat("word ", 20))
	}
	assert.LessOrEqual(t, len([]rune(s.Summary())), 50)

	s = NewFlowState("req", 0)
	s.Record("a", "Research", nil, "first line\nsecond line")
	assert.Equal(t, "Research: first line", s.Summary())
}

func TestFlowState_OutputFollowsCompletionOrder(t *testing.T) {
	s := NewFlowState("", 0)
	s.Record("a", "A", map[string]interface{}{"v": "a", "a": true}, "")
	s.Record("b", "B", map[string]interface{}{"v": "b"}, "")
	s.Record("a", "A", map[string]interface{}{"v": "a2", "a": true}, "")

	out := s.Output()
	assert.Equal(t, "a2", out["v"], "a re-run task moves to the end")
	assert.Equal(t, true, out["a"])
}

func TestFlowState_IterationsAreMonotonic(t *testing.T) {
	s := NewFlowState("", 0)
	for want := 1; want <= 4; want++ {
		assert.Equal(t, want, s.Enter("review"))
	}
	assert.Equal(t, 1, s.Enter("other"))
	assert.Equal(t, 4, s.Iteration("review"))
}

func TestExtractDecisions(t *testing.T) {
	decl := process.DefaultDecisionVariables()

	got := ExtractDecisions(map[string]interface{}{"approved": false}, "approved: yes", decl)
	assert.Equal(t, false, got["approved"], "structured output wins")

	got = ExtractDecisions(nil, `{"passed": "true"} and Complete = no`, decl)
	assert.Equal(t, true, got["passed"])
	assert.Equal(t, false, got["complete"])
	assert.NotContains(t, got, "approved")

	got = ExtractDecisions(nil, "score: 7", []process.DecisionVariable{{Name: "score", Success: 10.0}})
	assert.Equal(t, 7.0, got["score"])
}

func TestFlowState_ForceDecisions(t *testing.T) {
	s := NewFlowState("", 0)
	s.SetVar("approved", false)
	s.ForceDecisions([]process.DecisionVariable{{Name: "approved", Success: true}, {Name: "grade", Success: "A"}})
	vars := s.Vars()
	assert.Equal(t, true, vars["approved"])
	assert.Equal(t, "A", vars["grade"])
}

func TestFlowState_RoutesAreConsumed(t *testing.T) {
	s := NewFlowState("", 0)
	s.SetRoute("gw", "f1")
	id, ok := s.TakeRoute("gw")
	assert.True(t, ok)
	assert.Equal(t, "f1", id)
	_, ok = s.TakeRoute("gw")
	assert.False(t, ok)
}

func TestFlowState_SnapshotRoundTrip(t *testing.T) {
	s := NewFlowState("launch", 0)
	s.Enter("research")
	s.Record("research", "Research", map[string]interface{}{"findings": "x", agent.RawKey: "raw"}, "raw")
	s.SetVar("approved", true)
	s.SetRoute("gw", "done")

	snap := s.Snapshot()
	assert.Equal(t, "launch", snap.Request)
	assert.Equal(t, []string{"research"}, snap.Order)
	assert.Equal(t, map[string]interface{}{"gw": "done"}, snap.Vars["route"])

	restored := RestoreFlowState(snap, 0)
	assert.Equal(t, s.Summary(), restored.Summary())
	assert.Equal(t, 1, restored.Iteration("research"))
	assert.Equal(t, "raw", restored.Latest())
	assert.NotContains(t, restored.Vars(), "route")
	id, ok := restored.TakeRoute("gw")
	require.True(t, ok)
	assert.Equal(t, "done", id)

	ctx := restored.Context()
	outputs := ctx["outputs"].(map[string]interface{})
	assert.NotContains(t, outputs["research"], agent.RawKey, "raw text stays out of worker context")
}

func TestRequestText(t *testing.T) {
	assert.Equal(t, "launch", requestText(map[string]interface{}{"request": "launch", "other": 1}))
	assert.Equal(t, "hi", requestText(map[string]interface{}{"prompt": "hi"}))
	assert.Equal(t, `{"budget":5}`, requestText(map[string]interface{}{"budget": 5}))
	assert.Empty(t, requestText(nil))
}
