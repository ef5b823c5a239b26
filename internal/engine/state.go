package engine

import (
	"encoding/json"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"

	"agentflow/backend/internal/agent"
	"agentflow/backend/internal/process"
	"agentflow/backend/pkg/models"
)

// DefaultSummaryLimit bounds the rolling summary in characters.
const DefaultSummaryLimit = 500

// MissingInputsKey lists contract inputs no prior task produced.
const MissingInputsKey = "missingInputs"

// FlowState is the run-scoped working memory of the engine. It is safe for
// use by concurrent branches of one run.
type FlowState struct {
	mu         sync.Mutex
	request    string
	summary    string
	limit      int
	outputs    map[string]map[string]interface{}
	order      []string
	vars       map[string]interface{}
	iterations map[string]int
	routes     map[string]string
}

// NewFlowState creates the state of a new run.
func NewFlowState(request string, summaryLimit int) *FlowState {
	if summaryLimit <= 0 {
		summaryLimit = DefaultSummaryLimit
	}
	return &FlowState{
		request:    request,
		limit:      summaryLimit,
		outputs:    make(map[string]map[string]interface{}),
		vars:       make(map[string]interface{}),
		iterations: make(map[string]int),
		routes:     make(map[string]string),
	}
}

// RestoreFlowState rebuilds state from a persisted snapshot.
func RestoreFlowState(snap *models.StateSnapshot, summaryLimit int) *FlowState {
	s := NewFlowState(snap.Request, summaryLimit)
	s.summary = snap.Summary
	for id, out := range snap.Outputs {
		s.outputs[id] = maps.Clone(out)
	}
	s.order = slices.Clone(snap.Order)
	for k, v := range snap.Vars {
		if k == process.RouteVar {
			if routes, ok := v.(map[string]interface{}); ok {
				for gw, flow := range routes {
					if id, ok := flow.(string); ok {
						s.routes[gw] = id
					}
				}
			}
			continue
		}
		s.vars[k] = v
	}
	maps.Copy(s.iterations, snap.Iterations)
	return s
}

// Request returns the original request text.
func (s *FlowState) Request() string { return s.request }

// Enter counts one more entry into taskID and returns the new count.
func (s *FlowState) Enter(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iterations[taskID]++
	return s.iterations[taskID]
}

// Iteration returns how many times taskID was entered.
func (s *FlowState) Iteration(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iterations[taskID]
}

// Record stores the latest output of a task and extends the summary.
func (s *FlowState) Record(taskID, name string, output map[string]interface{}, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[taskID] = maps.Clone(output)
	if i := slices.Index(s.order, taskID); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
	s.order = append(s.order, taskID)
	s.summary = appendSummary(s.summary, name+": "+headline(text), s.limit)
}

// Note appends a line to the summary without recording an output.
func (s *FlowState) Note(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary = appendSummary(s.summary, line, s.limit)
}

// Summary returns the rolling summary.
func (s *FlowState) Summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

// SetVar sets a decision variable.
func (s *FlowState) SetVar(name string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars[name] = value
}

// Vars returns a copy of the decision variables.
func (s *FlowState) Vars() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.vars)
}

// SetRoute stores a decided flow for gateway gw.
func (s *FlowState) SetRoute(gw, flowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[gw] = flowID
}

// TakeRoute returns and clears the decided flow for gw.
func (s *FlowState) TakeRoute(gw string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.routes[gw]
	delete(s.routes, gw)
	return id, ok
}

// ScopeInput builds a contract-scoped input from prior outputs.
func (s *FlowState) ScopeInput(keys []string) (map[string]interface{}, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ScopeInput(s.outputs, s.order, keys)
}

// ScopeInput looks every key up across prior task outputs, latest first. A key
// written as "task.key" reads that task's output only. Keys found nowhere are
// returned as missing. The inputs are not modified.
func ScopeInput(outputs map[string]map[string]interface{}, order []string, keys []string) (map[string]interface{}, []string) {
	scoped := make(map[string]interface{}, len(keys))
	var missing []string
	for _, key := range keys {
		if task, field, ok := strings.Cut(key, "."); ok {
			if v, found := outputs[task][field]; found {
				scoped[key] = v
				continue
			}
		}
		found := false
		for i := len(order) - 1; i >= 0; i-- {
			if v, ok := outputs[order[i]][key]; ok {
				scoped[key] = v
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, key)
		}
	}
	return scoped, missing
}

// Context is the full running context handed to a worker without a contract.
func (s *FlowState) Context() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	outputs := make(map[string]interface{}, len(s.outputs))
	for id, out := range s.outputs {
		trimmed := maps.Clone(out)
		delete(trimmed, agent.RawKey)
		outputs[id] = trimmed
	}
	return map[string]interface{}{
		"request": s.request,
		"summary": s.summary,
		"outputs": outputs,
	}
}

// Latest returns the raw text of the most recently completed task.
func (s *FlowState) Latest() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return ""
	}
	raw, _ := s.outputs[s.order[len(s.order)-1]][agent.RawKey].(string)
	return raw
}

// Output merges all task outputs in completion order, later keys winning.
func (s *FlowState) Output() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := make(map[string]interface{})
	for _, id := range s.order {
		maps.Copy(merged, s.outputs[id])
	}
	return merged
}

// Env is the environment gateway flow conditions are evaluated against.
func (s *FlowState) Env(input map[string]interface{}) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	env := maps.Clone(s.vars)
	if env == nil {
		env = make(map[string]interface{})
	}
	outputs := make(map[string]interface{}, len(s.outputs))
	for id, out := range s.outputs {
		outputs[id] = out
	}
	env["outputs"] = outputs
	env["input"] = input
	return env
}

// ExtractDecisions copies declared decision variables from a worker's output
// into the variable set. Structured output wins over the free text.
func (s *FlowState) ExtractDecisions(output map[string]interface{}, text string, decl []process.DecisionVariable) []string {
	found := ExtractDecisions(output, text, decl)
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(found))
	for _, d := range decl {
		if v, ok := found[d.Name]; ok {
			s.vars[d.Name] = v
			names = append(names, d.Name)
		}
	}
	return names
}

// ForceDecisions sets every declared variable to its success value.
func (s *FlowState) ForceDecisions(decl []process.DecisionVariable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range decl {
		s.vars[d.Name] = d.Success
	}
}

// Snapshot returns the persisted form of the state.
func (s *FlowState) Snapshot() *models.StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	outputs := make(map[string]map[string]interface{}, len(s.outputs))
	for id, out := range s.outputs {
		outputs[id] = maps.Clone(out)
	}
	vars := maps.Clone(s.vars)
	if vars == nil {
		vars = make(map[string]interface{})
	}
	if len(s.routes) > 0 {
		routes := make(map[string]interface{}, len(s.routes))
		for gw, id := range s.routes {
			routes[gw] = id
		}
		vars[process.RouteVar] = routes
	}
	return &models.StateSnapshot{
		Request:    s.request,
		Summary:    s.summary,
		Outputs:    outputs,
		Order:      slices.Clone(s.order),
		Vars:       vars,
		Iterations: maps.Clone(s.iterations),
	}
}

// ExtractDecisions finds declared decision variables in output or text.
func ExtractDecisions(output map[string]interface{}, text string, decl []process.DecisionVariable) map[string]interface{} {
	found := make(map[string]interface{})
	for _, d := range decl {
		if v, ok := output[d.Name]; ok {
			found[d.Name] = v
			continue
		}
		if v, ok := decisionFromText(d.Name, text); ok {
			found[d.Name] = v
		}
	}
	return found
}

func decisionFromText(name, text string) (interface{}, bool) {
	if text == "" {
		return nil, false
	}
	re, err := regexp.Compile(`(?i)["']?\b` + regexp.QuoteMeta(name) + `\b["']?\s*[:=]\s*["']?([A-Za-z0-9_.\-]+)`)
	if err != nil {
		return nil, false
	}
	m := re.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}
	return parseValue(m[1]), true
}

func parseValue(s string) interface{} {
	switch strings.ToLower(s) {
	case "true", "yes", "approved", "pass", "passed":
		return true
	case "false", "no", "rejected", "fail", "failed":
		return false
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	return s
}

func appendSummary(summary, entry string, limit int) string {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return summary
	}
	if summary != "" {
		summary += " | "
	}
	summary += entry
	r := []rune(summary)
	if limit > 0 && len(r) > limit {
		return string(r[len(r)-limit:])
	}
	return summary
}

func headline(text string) string {
	line := strings.TrimSpace(text)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	r := []rune(line)
	if len(r) > 160 {
		return string(r[:160]) + "..."
	}
	return line
}

// requestText picks the human request out of a run input.
func requestText(input map[string]interface{}) string {
	for _, key := range []string{"request", "prompt", "query", "message"} {
		if s, ok := input[key].(string); ok && s != "" {
			return s
		}
	}
	if len(input) == 0 {
		return ""
	}
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprint(input)
	}
	return string(data)
}
