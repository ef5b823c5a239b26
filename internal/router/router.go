// Package router assigns workers to tasks and picks gateway flows.
package router

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"agentflow/backend/internal/logging"
	"agentflow/backend/internal/process"
	"agentflow/backend/internal/reasoning"
)

// DefaultContextLimit bounds the context handed to a routing decision.
const DefaultContextLimit = 1500

const routingSystemPrompt = "You decide which path a business process takes next. " +
	"Read the context and answer with the number of the best option and nothing else."

var firstNumber = regexp.MustCompile(`\d+`)

// ErrNoFlows is returned when a gateway has nothing to choose from.
var ErrNoFlows = errors.New("router: gateway has no outgoing flows")

// RoutingAmbiguityError describes a routing answer that could not be used.
// The router recovers by taking the last declared flow.
type RoutingAmbiguityError struct {
	Gateway string
	Answer  string
	Err     error
}

func (e *RoutingAmbiguityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("routing for %q failed: %v", e.Gateway, e.Err)
	}
	return fmt.Sprintf("routing for %q got unusable answer %q", e.Gateway, e.Answer)
}

func (e *RoutingAmbiguityError) Unwrap() error { return e.Err }

// Router resolves workers and gateway decisions.
type Router struct {
	completer    reasoning.Completer
	logger       *logging.Logger
	model        string
	contextLimit int
}

// Option configures a Router.
type Option func(*Router)

// WithModel sets the model id used for routing prompts.
func WithModel(model string) Option {
	return func(r *Router) { r.model = model }
}

// WithContextLimit sets the maximum context length in characters.
func WithContextLimit(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.contextLimit = n
		}
	}
}

// New creates a Router.
func New(completer reasoning.Completer, logger *logging.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = logging.Nop()
	}
	r := &Router{completer: completer, logger: logger, contextLimit: DefaultContextLimit}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ChooseGatewayFlow asks the reasoning call which of flows to follow. Any
// unusable answer, including a failed call, selects the last declared flow.
func (r *Router) ChooseGatewayFlow(ctx context.Context, gatewayName string, flows []*process.Flow, contextText string) (string, error) {
	if len(flows) == 0 {
		return "", ErrNoFlows
	}
	fallback := flows[len(flows)-1].ID
	if len(flows) == 1 {
		return fallback, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Decision: %s\n\n", gatewayName)
	if contextText = Truncate(contextText, r.contextLimit); contextText != "" {
		fmt.Fprintf(&b, "Context:\n%s\n\n", contextText)
	}
	b.WriteString("Options:\n")
	for i, f := range flows {
		fmt.Fprintf(&b, "%d. %s\n", i+1, f.Label())
	}
	b.WriteString("\nReply with a single option number.")

	answer, err := r.completer.Complete(ctx, reasoning.Request{
		System: routingSystemPrompt,
		User:   b.String(),
		Model:  r.model,
	})
	if err != nil {
		r.ambiguous(&RoutingAmbiguityError{Gateway: gatewayName, Err: err}, fallback)
		return fallback, nil
	}

	idx, ok := parseChoice(answer, len(flows))
	if !ok {
		r.ambiguous(&RoutingAmbiguityError{Gateway: gatewayName, Answer: answer}, fallback)
		return fallback, nil
	}
	chosen := flows[idx].ID
	r.logger.Debug("gateway routed", "gateway", gatewayName, "flow_id", chosen)
	return chosen, nil
}

func (r *Router) ambiguous(err *RoutingAmbiguityError, fallback string) {
	r.logger.Warn("routing fell back to last flow", "error", err.Error(), "flow_id", fallback)
}

func parseChoice(answer string, n int) (int, bool) {
	m := firstNumber.FindString(answer)
	if m == "" {
		return 0, false
	}
	v, err := strconv.Atoi(m)
	if err != nil || v < 1 || v > n {
		return 0, false
	}
	return v - 1, true
}

// RoutingContext joins the rolling summary and the latest output.
func RoutingContext(summary, latest string, limit int) string {
	var parts []string
	if s := strings.TrimSpace(summary); s != "" {
		parts = append(parts, "Summary so far: "+s)
	}
	if l := strings.TrimSpace(latest); l != "" {
		parts = append(parts, "Latest output: "+l)
	}
	return Truncate(strings.Join(parts, "\n"), limit)
}

// Truncate cuts s to at most limit runes.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
