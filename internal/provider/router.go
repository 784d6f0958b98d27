package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrModelUnavailable is returned when neither the primary model nor any
// fallback produced a response.
var ErrModelUnavailable = errors.New("model unavailable")

// ModelRef names a model on a registered provider ("provider/model").
type ModelRef struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// ParseModelRef splits "provider/model". Everything after the first slash is
// the model name, so "openrouter/meta/llama" keeps its path.
func ParseModelRef(s string) (ModelRef, error) {
	s = strings.TrimSpace(s)
	i := strings.Index(s, "/")
	if i <= 0 || i == len(s)-1 {
		return ModelRef{}, fmt.Errorf("invalid model reference %q: want provider/model", s)
	}
	return ModelRef{Provider: s[:i], Model: s[i+1:]}, nil
}

func (m ModelRef) String() string {
	if m.Provider == "" {
		return ""
	}
	return m.Provider + "/" + m.Model
}

// IsZero reports whether the reference is unset.
func (m ModelRef) IsZero() bool { return m.Provider == "" }

// Router manages LLM providers and routes each request to the primary model,
// falling back to the configured fallback chain.
type Router struct {
	providers map[string]Provider
	primary   ModelRef
	fallbacks []ModelRef
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates a new provider router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		logger:    logger,
	}
}

// Register adds a provider to the router.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// SetModels configures the primary model and its fallbacks.
func (r *Router) SetModels(primary ModelRef, fallbacks ...ModelRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.primary = primary
	r.fallbacks = nil
	for _, fb := range fallbacks {
		if !fb.IsZero() {
			r.fallbacks = append(r.fallbacks, fb)
		}
	}
}

// Primary returns the primary model reference.
func (r *Router) Primary() ModelRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.primary
}

// Route sends a chat request to the primary model, substituting fallbacks
// for this single call when it fails. req.Model is ignored; each attempt
// uses the model of its reference.
func (r *Router) Route(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	r.mu.RLock()
	chain := append([]ModelRef{r.primary}, r.fallbacks...)
	providers := r.providers
	r.mu.RUnlock()

	var lastErr error
	for i, ref := range chain {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, ok := providers[ref.Provider]
		if !ok {
			lastErr = fmt.Errorf("provider %q not registered", ref.Provider)
			r.logger.Warn("model skipped", zap.String("model", ref.String()), zap.Error(lastErr))
			continue
		}
		attempt := *req
		attempt.Model = ref.Model
		resp, err := p.Chat(ctx, &attempt)
		if err == nil {
			if i > 0 {
				r.logger.Info("served by fallback model", zap.String("model", ref.String()))
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		r.logger.Warn("model call failed", zap.String("model", ref.String()), zap.Int("attempt", i+1), zap.Error(err))
	}

	if lastErr == nil {
		lastErr = errors.New("no model configured")
	}
	return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, lastErr)
}

// GetProvider returns a provider by ID.
func (r *Router) GetProvider(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// ListProviders returns all registered providers.
func (r *Router) ListProviders() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p)
	}
	return result
}

// New builds a provider from its configuration.
func New(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	switch cfg.Type {
	case "openai", "openai-compatible":
		return NewOpenAIProvider(cfg, logger), nil
	case "deepseek":
		if cfg.Endpoint == "" {
			cfg.Endpoint = "https://api.deepseek.com/v1"
		}
		return NewOpenAIProvider(cfg, logger), nil
	case "anthropic":
		return NewAnthropicProvider(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}
