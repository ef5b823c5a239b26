// Package agent invokes workers through the reasoning call with retry and
// side task policy.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"agentflow/backend/internal/logging"
	"agentflow/backend/internal/observability"
	"agentflow/backend/internal/reasoning"
	"agentflow/backend/pkg/models"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 8 * time.Second
)

// Prompt is one unit of work for a worker.
type Prompt struct {
	// Task is the display name of the task being executed.
	Task string
	Text string
	// Outputs are the keys the task is expected to produce.
	Outputs []string
}

// Result is a successful worker invocation.
type Result struct {
	Text     string
	Output   map[string]interface{}
	Attempts int
}

// Executor runs prompts against workers.
type Executor struct {
	completer  reasoning.Completer
	images     ImageGenerator
	logger     *logging.Logger
	metrics    *observability.Metrics
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithImageGenerator enables the creative side task.
func WithImageGenerator(g ImageGenerator) Option {
	return func(e *Executor) { e.images = g }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithRetry sets the retry count and the backoff bounds.
func WithRetry(maxRetries int, base, max time.Duration) Option {
	return func(e *Executor) {
		if maxRetries >= 0 {
			e.maxRetries = maxRetries
		}
		if base > 0 {
			e.baseDelay = base
		}
		if max > 0 {
			e.maxDelay = max
		}
	}
}

// NewExecutor creates an Executor.
func NewExecutor(completer reasoning.Completer, logger *logging.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = logging.Nop()
	}
	e := &Executor{
		completer:  completer,
		logger:     logger,
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
		maxDelay:   DefaultMaxDelay,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Invoke sends prompt to worker. Transient failures are retried with
// exponential backoff; anything else fails immediately.
func (e *Executor) Invoke(ctx context.Context, worker models.WorkerRef, prompt Prompt) (*Result, error) {
	req := reasoning.Request{
		System: systemPrompt(worker),
		User:   prompt.Text,
		Model:  worker.Config.Model,
	}

	attempts := 0
	op := func() (string, error) {
		attempts++
		text, err := e.completer.Complete(ctx, req)
		if err == nil {
			return text, nil
		}
		if !IsTransient(err) {
			return "", backoff.Permanent(err)
		}
		e.logger.Warn("transient worker failure", "worker", worker.Name, "attempt", attempts, "error", err.Error())
		return "", err
	}

	text, err := backoff.RetryWithData(op, backoff.WithContext(e.policy(), ctx))
	if err != nil {
		e.metrics.WorkerInvoked(ctx, worker.Name, "failed", attempts)
		return nil, &WorkerInvocationError{
			Worker:    worker.Name,
			Attempts:  attempts,
			Transient: IsTransient(err),
			Err:       err,
		}
	}
	e.metrics.WorkerInvoked(ctx, worker.Name, "ok", attempts)

	res := &Result{
		Text:     text,
		Output:   ExtractOutput(text, prompt.Outputs),
		Attempts: attempts,
	}
	if e.images != nil && IsCreative(prompt.Task, worker.Name) {
		e.sideTask(ctx, worker, prompt, text, res)
	}
	return res, nil
}

func (e *Executor) policy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.baseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = e.maxDelay
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(e.maxRetries))
}

// sideTask renders an image for creative tasks. Failures are only logged.
func (e *Executor) sideTask(ctx context.Context, worker models.WorkerRef, prompt Prompt, text string, res *Result) {
	img, err := e.images.Generate(ctx, fmt.Sprintf("%s: %s", prompt.Task, firstChars(text, 400)))
	if err != nil {
		e.logger.Warn("image side task failed", "worker", worker.Name, "task", prompt.Task, "error", err.Error())
		return
	}
	res.Output[ImageKey] = map[string]interface{}{"url": img.URL, "prompt": img.Prompt}
}

func systemPrompt(w models.WorkerRef) string {
	if w.Config.SystemPrompt != "" {
		return w.Config.SystemPrompt
	}
	s := "You are " + w.Name + "."
	if w.Config.Purpose != "" {
		s += " " + w.Config.Purpose
	}
	return s + " When you produce structured results, include them as a JSON object."
}

func firstChars(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
