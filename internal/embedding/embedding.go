package embedding

import (
	"context"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Embedder turns texts into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension is the vector size, or 0 before the first successful Embed.
	Dimension() int
}

// Config holds embedding endpoint settings. Type is "openai" or "ollama";
// ollama defaults the endpoint to a local server.
type Config struct {
	Type     string        `json:"type" yaml:"type"`
	Endpoint string        `json:"endpoint" yaml:"endpoint"`
	Model    string        `json:"model" yaml:"model"`
	APIKey   string        `json:"api_key" yaml:"api_key"`
	Timeout  time.Duration `json:"-" yaml:"-"`
}

const defaultOllamaEndpoint = "http://localhost:11434/v1"

// Client embeds through any server speaking the OpenAI embeddings protocol,
// which includes Ollama.
type Client struct {
	model  string
	client *openai.Client
	dim    atomic.Int64
	logger *zap.Logger
}

// New builds a Client for cfg.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedding: model is required")
	}
	switch cfg.Type {
	case "", "openai":
		if cfg.Endpoint == "" {
			cfg.Endpoint = "https://api.openai.com/v1"
		}
	case "ollama":
		if cfg.Endpoint == "" {
			cfg.Endpoint = defaultOllamaEndpoint
		}
		if cfg.APIKey == "" {
			cfg.APIKey = "ollama"
		}
	default:
		return nil, fmt.Errorf("embedding: unknown type %q", cfg.Type)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = cfg.Endpoint
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &Client{
		model:  cfg.Model,
		client: openai.NewClientWithConfig(oc),
		logger: logger,
	}, nil
}

// Embed returns one vector per text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: openai.EmbeddingModel(c.model),
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d texts", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding: index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	if n := len(out[0]); n > 0 && c.dim.CompareAndSwap(0, int64(n)) {
		c.logger.Debug("embedding dimension detected", zap.String("model", c.model), zap.Int("dimension", n))
	}
	return out, nil
}

func (c *Client) Dimension() int { return int(c.dim.Load()) }
