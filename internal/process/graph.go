package process

import (
	"fmt"
	"sort"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"agentflow/backend/pkg/models"
)

// GatewayKind distinguishes branching gateways from fork/join gateways.
type GatewayKind string

const (
	GatewayExclusive GatewayKind = "exclusive"
	GatewayParallel  GatewayKind = "parallel"
)

// Routing selects how an exclusive gateway picks its outgoing flow.
type Routing string

const (
	// RoutingReasoned gateways are decided at run time by the task router.
	RoutingReasoned Routing = "reasoned"
	// RoutingStatic gateways evaluate their flow conditions against run variables.
	RoutingStatic Routing = "static"
)

// RouteVar is the run variable holding reasoned gateway decisions, keyed by
// gateway id.
const RouteVar = "route"

// RouteCondition is the condition a reasoned gateway flow is rewritten to.
func RouteCondition(gatewayID, flowID string) string {
	return fmt.Sprintf("%s[%q] == %q", RouteVar, gatewayID, flowID)
}

var humanRoleKeywords = []string{"reviewer", "approver", "stakeholder", "manager", "client"}

// Participant is a pool of the normalized definition.
type Participant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Role      string `json:"role,omitempty"`
	ProcessID string `json:"process_id,omitempty"`
	Human     bool   `json:"human,omitempty"`
}

// Node is one executable element of the coordinating process.
type Node struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Kind          models.TaskKind `json:"kind"`
	Type          string          `json:"type"`
	Documentation string          `json:"documentation,omitempty"`
	Lane          string          `json:"lane,omitempty"`
	Gateway       GatewayKind     `json:"gateway,omitempty"`
	Routing       Routing         `json:"routing,omitempty"`
	// Handoffs are the participants this node sends message flows to.
	Handoffs []Participant `json:"handoffs,omitempty"`
}

// IsTask reports whether the node is a unit of work.
func (n *Node) IsTask() bool {
	return n.Kind == models.TaskKindService || n.Kind == models.TaskKindHuman
}

// DisplayName returns the node name, falling back to its id.
func (n *Node) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

// Flow is a sequence flow between two nodes.
type Flow struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Name      string `json:"name,omitempty"`
	Condition string `json:"condition,omitempty"`
	// Hint keeps the authored condition of a reasoned gateway flow.
	Hint string `json:"hint,omitempty"`

	program *vm.Program
}

// Label describes the flow to a reasoning call.
func (f *Flow) Label() string {
	switch {
	case f.Name != "" && f.Hint != "":
		return f.Name + " (" + f.Hint + ")"
	case f.Name != "":
		return f.Name
	case f.Hint != "":
		return f.Hint
	}
	return "to " + f.Target
}

// Eval evaluates the flow condition against env. A flow without a condition
// never matches.
func (f *Flow) Eval(env map[string]interface{}) (bool, error) {
	if f.program == nil {
		return false, nil
	}
	out, err := expr.Run(f.program, env)
	if err != nil {
		return false, fmt.Errorf("flow %s: %w", f.ID, err)
	}
	b, ok := out.(bool)
	return ok && b, nil
}

// Graph is the executable, read-only form of a process definition.
type Graph struct {
	ID           string
	Name         string
	Version      int
	Coordinator  Participant
	Participants []Participant
	Start        string
	// HumanTasks is the set of checkpoint task ids.
	HumanTasks map[string]bool
	// GatewayFlows holds the ordered outgoing flows of every exclusive gateway.
	GatewayFlows map[string][]*Flow
	Contracts    map[string]Contract
	DecisionVars []DecisionVariable

	nodes map[string]*Node
	order []string
	out   map[string][]*Flow
	in    map[string][]*Flow
	joins map[string]string
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns all nodes in authored order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Tasks returns the service and human nodes in authored order.
func (g *Graph) Tasks() []*Node {
	var out []*Node
	for _, id := range g.order {
		if n := g.nodes[id]; n.IsTask() {
			out = append(out, n)
		}
	}
	return out
}

func (g *Graph) Outgoing(id string) []*Flow { return g.out[id] }

func (g *Graph) Incoming(id string) []*Flow { return g.in[id] }

// IsHumanCheckpoint reports whether the task pauses the run for approval.
func (g *Graph) IsHumanCheckpoint(id string) bool { return g.HumanTasks[id] }

// Contract returns the task's data contract, if any.
func (g *Graph) Contract(id string) (Contract, bool) {
	c, ok := g.Contracts[id]
	return c, ok
}

// JoinFor returns the parallel gateway where the branches of split meet.
// ok is false when the branches never rejoin.
func (g *Graph) JoinFor(split string) (string, bool) {
	j, ok := g.joins[split]
	return j, ok
}

// NeedsRouting reports whether the node is a reasoned gateway with a real
// choice to make.
func (g *Graph) NeedsRouting(id string) bool {
	n, ok := g.nodes[id]
	return ok && n.Kind == models.TaskKindGateway && n.Gateway == GatewayExclusive &&
		n.Routing == RoutingReasoned && len(g.out[id]) > 1
}

// GatewaysAhead returns the reasoned gateways reachable from id without
// passing through another task, in discovery order.
func (g *Graph) GatewaysAhead(id string) []string {
	var found []string
	seen := map[string]bool{id: true}
	var visit func(string)
	visit = func(from string) {
		for _, f := range g.out[from] {
			if seen[f.Target] {
				continue
			}
			seen[f.Target] = true
			n := g.nodes[f.Target]
			switch n.Kind {
			case models.TaskKindGateway:
				if g.NeedsRouting(n.ID) {
					found = append(found, n.ID)
				}
				visit(n.ID)
			case models.TaskKindIntermediateEvent:
				visit(n.ID)
			}
		}
	}
	visit(id)
	return found
}

// Normalize builds the executable graph of the coordinating process. The
// graph does not depend on the worker registry; see router.MapTasksToWorkers.
func Normalize(raw *Definition) (*Graph, error) {
	if raw == nil || len(raw.Processes) == 0 {
		return nil, &DefinitionError{Reason: "definition has no processes"}
	}

	procs := make(map[string]*RawProcess, len(raw.Processes))
	for i := range raw.Processes {
		p := &raw.Processes[i]
		if _, dup := procs[p.ID]; dup {
			return nil, &DefinitionError{Reason: "duplicate process id", NodeID: p.ID}
		}
		procs[p.ID] = p
	}

	participants := make([]Participant, 0, len(raw.Participants))
	for _, p := range raw.Participants {
		human := p.Human
		if proc, ok := procs[p.Process]; ok && proc.Human {
			human = true
		}
		participants = append(participants, Participant{
			ID: p.ID, Name: p.Name, Role: p.Role, ProcessID: p.Process, Human: human,
		})
	}

	coord, err := coordinator(participants, raw.Processes, procs)
	if err != nil {
		return nil, err
	}
	proc := procs[coord.ProcessID]

	g := &Graph{
		ID:           raw.ID,
		Name:         raw.Name,
		Version:      raw.Version,
		Coordinator:  coord,
		Participants: participants,
		HumanTasks:   make(map[string]bool),
		GatewayFlows: make(map[string][]*Flow),
		Contracts:    make(map[string]Contract),
		nodes:        make(map[string]*Node, len(proc.Nodes)),
		out:          make(map[string][]*Flow),
		in:           make(map[string][]*Flow),
		joins:        make(map[string]string),
	}
	if g.ID == "" {
		g.ID = proc.ID
	}
	if g.Name == "" {
		g.Name = proc.Name
	}

	lanes := make(map[string]string)
	for _, lane := range proc.Lanes {
		for _, id := range lane.Nodes {
			lanes[id] = lane.Name
		}
	}

	for _, rn := range proc.Nodes {
		if rn.ID == "" {
			return nil, &DefinitionError{Reason: "node without id"}
		}
		if _, dup := g.nodes[rn.ID]; dup {
			return nil, &DefinitionError{Reason: "duplicate node id", NodeID: rn.ID}
		}
		kind, gw, err := kindOf(rn)
		if err != nil {
			return nil, err
		}
		n := &Node{
			ID:            rn.ID,
			Name:          strings.TrimSpace(rn.Name),
			Kind:          kind,
			Type:          rn.Type,
			Documentation: rn.Documentation,
			Lane:          lanes[rn.ID],
			Gateway:       gw,
		}
		if gw == GatewayExclusive {
			n.Routing = RoutingReasoned
			if strings.EqualFold(rn.Routing, string(RoutingStatic)) {
				n.Routing = RoutingStatic
			}
		}
		if n.Kind == models.TaskKindHuman {
			g.HumanTasks[n.ID] = true
		}
		if n.IsTask() {
			if c, ok := contractFor(rn); ok {
				g.Contracts[n.ID] = c
			}
		}
		if n.Kind == models.TaskKindStart && g.Start == "" {
			g.Start = n.ID
		}
		g.nodes[n.ID] = n
		g.order = append(g.order, n.ID)
	}
	if g.Start == "" {
		return nil, &DefinitionError{Reason: "coordinating process has no start event", NodeID: proc.ID}
	}

	flowIDs := make(map[string]bool, len(proc.Flows))
	for i, rf := range proc.Flows {
		f := &Flow{
			ID:        rf.ID,
			Source:    rf.Source,
			Target:    rf.Target,
			Name:      strings.TrimSpace(rf.Name),
			Condition: strings.TrimSpace(rf.Condition),
		}
		if f.ID == "" {
			f.ID = fmt.Sprintf("flow_%d", i+1)
		}
		if flowIDs[f.ID] {
			return nil, &DefinitionError{Reason: "duplicate flow id", NodeID: f.ID}
		}
		flowIDs[f.ID] = true
		if _, ok := g.nodes[f.Source]; !ok {
			return nil, &DefinitionError{Reason: "flow source does not exist", NodeID: f.ID}
		}
		if _, ok := g.nodes[f.Target]; !ok {
			return nil, &DefinitionError{Reason: "flow target does not exist", NodeID: f.ID}
		}
		g.out[f.Source] = append(g.out[f.Source], f)
		g.in[f.Target] = append(g.in[f.Target], f)
	}

	g.resolveHandoffs(raw, procs)

	for _, id := range g.order {
		n := g.nodes[id]
		if n.Gateway != GatewayExclusive {
			continue
		}
		flows := g.out[id]
		for _, f := range flows {
			if n.Routing == RoutingReasoned {
				f.Hint = f.Condition
				f.Condition = RouteCondition(id, f.ID)
			}
			if f.Condition == "" {
				continue
			}
			program, err := expr.Compile(f.Condition, expr.AllowUndefinedVariables())
			if err != nil {
				return nil, &DefinitionError{Reason: fmt.Sprintf("invalid condition %q: %v", f.Condition, err), NodeID: f.ID}
			}
			f.program = program
		}
		g.GatewayFlows[id] = flows
	}

	for _, id := range g.order {
		n := g.nodes[id]
		if n.Gateway == GatewayParallel && len(g.out[id]) > 1 {
			if join, ok := g.findJoin(id); ok {
				g.joins[id] = join
			}
		}
	}

	g.DecisionVars = raw.DecisionVariables
	if len(g.DecisionVars) == 0 {
		g.DecisionVars = DefaultDecisionVariables()
	}
	return g, nil
}

// DefaultDecisionVariables are used when a definition declares none.
func DefaultDecisionVariables() []DecisionVariable {
	return []DecisionVariable{
		{Name: "approved", Success: true},
		{Name: "passed", Success: true},
		{Name: "complete", Success: true},
	}
}

func coordinator(participants []Participant, ordered []RawProcess, procs map[string]*RawProcess) (Participant, error) {
	if len(participants) == 0 {
		if len(ordered) == 1 {
			p := ordered[0]
			return Participant{ID: p.ID, Name: p.Name, ProcessID: p.ID}, nil
		}
		return Participant{}, &DefinitionError{Reason: "no participants and more than one process; cannot identify the coordinating process"}
	}
	for _, p := range participants {
		if _, ok := procs[p.ProcessID]; !ok {
			continue
		}
		role := strings.ToLower(p.Role)
		name := strings.ToLower(p.Name)
		if role == "coordinator" || role == "orchestrator" ||
			strings.Contains(name, "coordinator") || strings.Contains(name, "orchestrator") {
			return p, nil
		}
	}
	for _, p := range participants {
		if _, ok := procs[p.ProcessID]; ok && !p.Human {
			return p, nil
		}
	}
	return Participant{}, &DefinitionError{Reason: "no coordinating process could be identified"}
}

// resolveHandoffs records message flow targets on coordinator tasks and marks
// hand-offs to human-role participants as checkpoints.
func (g *Graph) resolveHandoffs(raw *Definition, procs map[string]*RawProcess) {
	byID := make(map[string]Participant, len(g.Participants))
	byProcess := make(map[string]Participant, len(g.Participants))
	for _, p := range g.Participants {
		byID[p.ID] = p
		if p.ProcessID != "" {
			byProcess[p.ProcessID] = p
		}
	}
	owner := make(map[string]Participant)
	for _, proc := range procs {
		p, ok := byProcess[proc.ID]
		if !ok {
			continue
		}
		for _, n := range proc.Nodes {
			owner[n.ID] = p
		}
	}

	for _, mf := range raw.MessageFlows {
		n, ok := g.nodes[mf.Source]
		if !ok {
			continue
		}
		target, ok := byID[mf.Target]
		if !ok {
			target, ok = owner[mf.Target]
		}
		if !ok || target.ID == g.Coordinator.ID {
			continue
		}
		n.Handoffs = append(n.Handoffs, target)
		if n.IsTask() && isHumanRole(target) {
			n.Kind = models.TaskKindHuman
			g.HumanTasks[n.ID] = true
		}
	}
}

func isHumanRole(p Participant) bool {
	name := strings.ToLower(p.Name)
	for _, kw := range humanRoleKeywords {
		if strings.Contains(name, kw) {
			return true
		}
	}
	return false
}

func kindOf(n RawNode) (models.TaskKind, GatewayKind, error) {
	t := strings.ToLower(strings.TrimSpace(n.Type))
	switch t {
	case "startevent", "start":
		return models.TaskKindStart, "", nil
	case "endevent", "end":
		return models.TaskKindEnd, "", nil
	case "intermediatecatchevent", "intermediatethrowevent", "intermediateevent", "boundaryevent":
		return models.TaskKindIntermediateEvent, "", nil
	case "exclusivegateway", "inclusivegateway", "eventbasedgateway", "complexgateway", "gateway":
		return models.TaskKindGateway, GatewayExclusive, nil
	case "parallelgateway":
		return models.TaskKindGateway, GatewayParallel, nil
	case "usertask", "manualtask", "human":
		return models.TaskKindHuman, "", nil
	case "task", "servicetask", "scripttask", "sendtask", "receivetask",
		"businessruletask", "callactivity", "subprocess", "service", "":
		if n.Human {
			return models.TaskKindHuman, "", nil
		}
		return models.TaskKindService, "", nil
	}
	return "", "", &DefinitionError{Reason: fmt.Sprintf("unsupported node type %q", n.Type), NodeID: n.ID}
}

// findJoin picks the nearest parallel join reachable from every branch of
// split, measured by the longest branch distance.
func (g *Graph) findJoin(split string) (string, bool) {
	flows := g.out[split]
	dists := make([]map[string]int, len(flows))
	for i, f := range flows {
		dists[i] = g.distances(f.Target, split)
	}

	type candidate struct {
		id   string
		cost int
		pos  int
	}
	var cands []candidate
	for pos, id := range g.order {
		n := g.nodes[id]
		if n.Gateway != GatewayParallel || len(g.in[id]) < 2 {
			continue
		}
		worst, everywhere := 0, true
		for _, d := range dists {
			v, ok := d[id]
			if !ok {
				everywhere = false
				break
			}
			if v > worst {
				worst = v
			}
		}
		if everywhere {
			cands = append(cands, candidate{id: id, cost: worst, pos: pos})
		}
	}
	if len(cands) == 0 {
		return "", false
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].cost != cands[j].cost {
			return cands[i].cost < cands[j].cost
		}
		return cands[i].pos < cands[j].pos
	})
	return cands[0].id, true
}

func (g *Graph) distances(from, avoid string) map[string]int {
	dist := map[string]int{from: 0}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, f := range g.out[cur] {
			if f.Target == avoid {
				continue
			}
			if _, seen := dist[f.Target]; seen {
				continue
			}
			dist[f.Target] = dist[cur] + 1
			queue = append(queue, f.Target)
		}
	}
	return dist
}
