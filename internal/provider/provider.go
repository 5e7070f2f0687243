// Package provider adapts chat models with tool calling to the agent
// runtime.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/mtzanidakis/phalanx/internal/config"
)

// Provider proposes the next assistant turn. The returned message carries
// either content, tool calls, or both.
type Provider interface {
	Complete(ctx context.Context, modelName string, messages []*schema.Message, tools []*schema.ToolInfo) (*schema.Message, error)
}

// Factory builds a chat model for a model name.
type Factory func(ctx context.Context, modelName string) (model.ToolCallingChatModel, error)

// Eino calls eino chat models, building one per model name on first use.
type Eino struct {
	factory Factory

	models map[string]model.ToolCallingChatModel
	mu     sync.Mutex
}

func NewEino(factory Factory) *Eino {
	return &Eino{factory: factory, models: make(map[string]model.ToolCallingChatModel)}
}

func (e *Eino) model(ctx context.Context, name string) (model.ToolCallingChatModel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.models[name]; ok {
		return m, nil
	}
	m, err := e.factory(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("create chat model %s: %w", name, err)
	}
	e.models[name] = m
	return m, nil
}

func (e *Eino) Complete(ctx context.Context, modelName string, messages []*schema.Message, tools []*schema.ToolInfo) (*schema.Message, error) {
	m, err := e.model(ctx, modelName)
	if err != nil {
		return nil, err
	}

	var opts []model.Option
	if len(tools) > 0 {
		opts = append(opts, model.WithTools(tools))
	}

	resp, err := m.Generate(ctx, messages, opts...)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("generate: empty response")
	}
	return resp, nil
}

// NewOpenAIFactory builds OpenAI-compatible chat models.
func NewOpenAIFactory(cfg config.ProviderConfig) Factory {
	return func(ctx context.Context, modelName string) (model.ToolCallingChatModel, error) {
		chatConfig := &openai.ChatModelConfig{
			Model:  modelName,
			APIKey: cfg.APIKey,
		}
		if cfg.BaseURL != "" {
			chatConfig.BaseURL = cfg.BaseURL
		}
		return openai.NewChatModel(ctx, chatConfig)
	}
}

// WithRetry runs call up to attempts times. The wait before retry n is
// backoff * 2^(n-1). It stops early when ctx is done.
func WithRetry(ctx context.Context, attempts int, backoff time.Duration, call func(ctx context.Context) (*schema.Message, error)) (*schema.Message, error) {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	wait := backoff
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := call(ctx)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == attempts {
			break
		}

		slog.Warn("provider call failed, retrying", "attempt", attempt, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return nil, fmt.Errorf("provider failed after %d attempts: %w", attempts, lastErr)
}
