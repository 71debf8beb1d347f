// Package gateway routes inbound chat-completion payloads to the
// upstream inference server: it resolves the model field through the
// registry, optionally injects a policy system message, dispatches to
// the buffered or streaming path, and recovers model-not-found 404s
// with exactly one retry.
package gateway

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/nkamura/llm-gateway/internal/upstream"
)

// CompletionsPath is the chat endpoint; identical on the gateway and
// the upstream, so payloads forward to the same route they arrived on.
const CompletionsPath = "/v1/chat/completions"

// Backend is the single capability the router needs from a transport:
// a buffered call mirroring status and body, and a lazy ordered byte
// stream. Any OpenAI-compatible server fits behind it.
type Backend interface {
	Post(ctx context.Context, path string, payload interface{}) (*upstream.Result, error)
	Stream(ctx context.Context, path string, payload interface{}, headers map[string]string) (<-chan upstream.Chunk, error)
}

// Resolver is the model-registry surface the router consumes.
type Resolver interface {
	Resolve(ctx context.Context, requested, defaultModel string) string
	RetryModelFor404(ctx context.Context, status int, body []byte, requested, defaultModel string) (string, bool)
	Refresh(ctx context.Context, force bool)
	Models() []string
}

// Service is the request router.
type Service interface {
	// ChatCompletion forwards a buffered completion request and returns
	// the upstream's final response verbatim. A model-not-found 404 is
	// retried once after re-resolution; any other outcome passes through.
	ChatCompletion(ctx context.Context, payload map[string]interface{}) (*upstream.Result, error)

	// StreamChatCompletion forwards a streaming completion request and
	// returns the upstream's raw byte-chunk sequence. No retry happens
	// on this path: response headers are committed before a content
	// error could be observed.
	StreamChatCompletion(ctx context.Context, payload map[string]interface{}) (<-chan upstream.Chunk, error)

	// ListModels returns the registry's view of the upstream listing,
	// refreshing it first if stale.
	ListModels(ctx context.Context) []string
}

// Config carries the router's policy knobs.
type Config struct {
	DefaultModel        string
	SystemPromptEnabled bool
	SystemPrompt        string
}

type service struct {
	backend  Backend
	registry Resolver
	cfg      Config
	logger   *zap.Logger
}

func NewService(backend Backend, registry Resolver, cfg Config, logger *zap.Logger) Service {
	return &service{
		backend:  backend,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
	}
}

func (s *service) ChatCompletion(ctx context.Context, payload map[string]interface{}) (*upstream.Result, error) {
	requested := s.prepare(ctx, payload)

	res, err := s.backend.Post(ctx, CompletionsPath, payload)
	if err != nil {
		return nil, err
	}

	if res.StatusCode == http.StatusNotFound {
		if model, ok := s.registry.RetryModelFor404(ctx, res.StatusCode, res.Body, requested, s.cfg.DefaultModel); ok {
			current, _ := payload["model"].(string)
			if model != current {
				payload["model"] = model
				s.logger.Info("retrying completion with re-resolved model",
					zap.String("tried", current),
					zap.String("model", model),
				)
				// One retry, then take whatever comes back.
				res, err = s.backend.Post(ctx, CompletionsPath, payload)
				if err != nil {
					return nil, err
				}
			}
		}
	}

	return res, nil
}

func (s *service) StreamChatCompletion(ctx context.Context, payload map[string]interface{}) (<-chan upstream.Chunk, error) {
	s.prepare(ctx, payload)
	return s.backend.Stream(ctx, CompletionsPath, payload, nil)
}

func (s *service) ListModels(ctx context.Context) []string {
	s.registry.Refresh(ctx, false)
	return s.registry.Models()
}

// prepare rewrites the payload's model field to a resolved identifier
// and applies the optional system-prompt injection. It returns the
// model the client originally asked for. Resolution yielding nothing
// leaves the payload untouched so the upstream sees the request as
// sent.
func (s *service) prepare(ctx context.Context, payload map[string]interface{}) string {
	if payload == nil {
		return ""
	}

	requested, _ := payload["model"].(string)

	resolved := s.registry.Resolve(ctx, requested, s.cfg.DefaultModel)
	if resolved != "" {
		if resolved != requested {
			s.logger.Debug("model resolved",
				zap.String("requested", requested),
				zap.String("resolved", resolved),
			)
		}
		payload["model"] = resolved
	}

	if s.cfg.SystemPromptEnabled {
		s.injectSystemPrompt(payload)
	}

	return requested
}

// injectSystemPrompt prepends the configured system message unless the
// conversation already opens with one.
func (s *service) injectSystemPrompt(payload map[string]interface{}) {
	msgs, _ := payload["messages"].([]interface{})
	if len(msgs) > 0 {
		if first, ok := msgs[0].(map[string]interface{}); ok {
			if role, _ := first["role"].(string); role == "system" {
				return
			}
		}
	}

	injected := map[string]interface{}{
		"role":    "system",
		"content": s.cfg.SystemPrompt,
	}
	payload["messages"] = append([]interface{}{injected}, msgs...)
}
