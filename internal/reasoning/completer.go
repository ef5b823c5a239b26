// Package reasoning wraps the text completion call used for worker output and
// gateway routing.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"
)

// ErrEmptyResponse is returned when the model produced no choices.
var ErrEmptyResponse = errors.New("reasoning: empty response")

// Request is a single prompt.
type Request struct {
	System string
	User   string
	// Model overrides the completer's default model when set.
	Model string
}

// Completer turns a prompt into text.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// CompleterFunc adapts a function to the Completer interface.
type CompleterFunc func(ctx context.Context, req Request) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// ModelFactory builds a model client for a model id.
type ModelFactory func(model string) (llms.Model, error)

// LLMCompleter implements Completer on top of langchaingo models. One client
// is created and cached per model id.
type LLMCompleter struct {
	factory      ModelFactory
	defaultModel string

	mu     sync.Mutex
	models map[string]llms.Model
}

// NewLLMCompleter creates a completer using factory for client construction.
func NewLLMCompleter(factory ModelFactory, defaultModel string) *LLMCompleter {
	return &LLMCompleter{
		factory:      factory,
		defaultModel: defaultModel,
		models:       make(map[string]llms.Model),
	}
}

// ProviderFactory returns a ModelFactory for a named provider.
func ProviderFactory(provider, apiKey, baseURL string) (ModelFactory, error) {
	switch strings.ToLower(provider) {
	case "openai":
		return func(model string) (llms.Model, error) {
			opts := []openai.Option{openai.WithToken(apiKey)}
			if baseURL != "" {
				opts = append(opts, openai.WithBaseURL(baseURL))
			}
			if model != "" {
				opts = append(opts, openai.WithModel(model))
			}
			return openai.New(opts...)
		}, nil
	case "anthropic":
		return func(model string) (llms.Model, error) {
			opts := []anthropic.Option{anthropic.WithToken(apiKey)}
			if baseURL != "" {
				opts = append(opts, anthropic.WithBaseURL(baseURL))
			}
			if model != "" {
				opts = append(opts, anthropic.WithModel(model))
			}
			return anthropic.New(opts...)
		}, nil
	}
	return nil, fmt.Errorf("reasoning: unknown provider %q", provider)
}

// Complete sends the prompt as a system and a human message.
func (c *LLMCompleter) Complete(ctx context.Context, req Request) (string, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	model, err := c.model(modelID)
	if err != nil {
		return "", err
	}

	var messages []llms.MessageContent
	if req.System != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, req.User))

	resp, err := model.GenerateContent(ctx, messages)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Content, nil
}

func (c *LLMCompleter) model(id string) (llms.Model, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.models[id]; ok {
		return m, nil
	}
	m, err := c.factory(id)
	if err != nil {
		return nil, fmt.Errorf("reasoning: create model %q: %w", id, err)
	}
	c.models[id] = m
	return m, nil
}
