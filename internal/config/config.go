package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nidhogg/companion/internal/embedding"
	"github.com/nidhogg/companion/internal/memory"
	"github.com/nidhogg/companion/internal/provider"
	"github.com/nidhogg/companion/internal/vectorstore"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure.
type Config struct {
	LogLevel  string           `json:"log_level" yaml:"log_level" validate:"oneof=debug info warn error"`
	Providers []ProviderConfig `json:"providers" yaml:"providers" validate:"required,min=1,dive"`
	Agent     AgentConfig      `json:"agent" yaml:"agent"`
	Memory    MemoryConfig     `json:"memory" yaml:"memory"`
	Database  DatabaseConfig   `json:"database" yaml:"database"`
	Tools     ToolsConfig      `json:"tools" yaml:"tools"`
}

type ProviderConfig struct {
	ID       string            `json:"id" yaml:"id" validate:"required"`
	Type     string            `json:"type" yaml:"type" validate:"required,oneof=openai openai-compatible deepseek anthropic"`
	Name     string            `json:"name" yaml:"name"`
	Endpoint string            `json:"endpoint" yaml:"endpoint" validate:"omitempty,url"`
	APIKey   string            `json:"api_key" yaml:"api_key"`
	Timeout  Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Extra    map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// Provider converts to the provider package's config.
func (p ProviderConfig) Provider() provider.ProviderConfig {
	return provider.ProviderConfig{
		ID:       p.ID,
		Type:     p.Type,
		Name:     p.Name,
		Endpoint: p.Endpoint,
		APIKey:   p.APIKey,
		Timeout:  p.Timeout.Std(),
		Extra:    p.Extra,
	}
}

// AgentConfig holds the orchestrator tunables. Models are provider_id/model
// references.
type AgentConfig struct {
	PrimaryModel      string   `json:"primary_model" yaml:"primary_model" validate:"required"`
	FallbackModel     string   `json:"fallback_model" yaml:"fallback_model"`
	MemoryKey         string   `json:"memory_key" yaml:"memory_key"`
	MemoryScope       string   `json:"memory_scope" yaml:"memory_scope"`
	MaxToolIterations int      `json:"max_tool_iterations" yaml:"max_tool_iterations" validate:"min=1,max=50"`
	MaxToolRetries    int      `json:"max_tool_retries" yaml:"max_tool_retries" validate:"min=1"`
	MaxTokens         int      `json:"max_tokens" yaml:"max_tokens" validate:"min=1"`
	Temperature       float64  `json:"temperature" yaml:"temperature" validate:"min=0,max=2"`
	SentimentTimeout  Duration `json:"sentiment_timeout" yaml:"sentiment_timeout"`
	PersonaDir        string   `json:"persona_dir" yaml:"persona_dir"`
}

// Models parses the primary and fallback references. The fallback is zero
// when unset.
func (a AgentConfig) Models() (primary, fallback provider.ModelRef, err error) {
	primary, err = provider.ParseModelRef(a.PrimaryModel)
	if err != nil {
		return primary, fallback, fmt.Errorf("primary_model: %w", err)
	}
	if a.FallbackModel != "" {
		fallback, err = provider.ParseModelRef(a.FallbackModel)
		if err != nil {
			return primary, fallback, fmt.Errorf("fallback_model: %w", err)
		}
	}
	return primary, fallback, nil
}

// Scope parses memory_scope.
func (a AgentConfig) Scope() (memory.Scope, error) {
	return memory.ParseScope(a.MemoryScope)
}

type MemoryConfig struct {
	Backend string `json:"backend" yaml:"backend" validate:"oneof=memory redis postgres neo4j"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	Neo4j    Neo4jConfig    `json:"neo4j" yaml:"neo4j"`
}

type PostgresConfig struct {
	DSN string `json:"dsn" yaml:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url" yaml:"url"`
}

type Neo4jConfig struct {
	URI      string `json:"uri" yaml:"uri"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
}

type ToolsConfig struct {
	SearxngURL    string          `json:"searxng_url" yaml:"searxng_url" validate:"omitempty,url"`
	SearchResults int             `json:"search_results" yaml:"search_results" validate:"min=1,max=20"`
	KnowledgeDir  string          `json:"knowledge_dir" yaml:"knowledge_dir"`
	Knowledge     KnowledgeConfig `json:"knowledge" yaml:"knowledge"`
	DefaultUser   string          `json:"default_user" yaml:"default_user" validate:"required"`
}

// KnowledgeConfig selects how get_info_from_local searches knowledge_dir.
// The qdrant backend falls back to keyword search when it finds nothing.
type KnowledgeConfig struct {
	Backend    string                   `json:"backend" yaml:"backend" validate:"oneof=keyword qdrant"`
	Collection string                   `json:"collection" yaml:"collection"`
	Qdrant     vectorstore.QdrantConfig `json:"qdrant" yaml:"qdrant"`
	Embedding  EmbeddingConfig          `json:"embedding" yaml:"embedding"`
}

type EmbeddingConfig struct {
	Type     string   `json:"type" yaml:"type" validate:"oneof=openai ollama"`
	Endpoint string   `json:"endpoint" yaml:"endpoint" validate:"omitempty,url"`
	Model    string   `json:"model" yaml:"model"`
	APIKey   string   `json:"api_key" yaml:"api_key"`
	Timeout  Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Embedder converts to the embedding package's config.
func (e EmbeddingConfig) Embedder() embedding.Config {
	return embedding.Config{
		Type:     e.Type,
		Endpoint: e.Endpoint,
		Model:    e.Model,
		APIKey:   e.APIKey,
		Timeout:  e.Timeout.Std(),
	}
}

// Duration is a time.Duration written as a string such as "10s".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads a JSON or YAML (by extension) config file, substitutes
// environment variable references, applies defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	resolved := expandEnv(string(data))

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal([]byte(resolved), &cfg)
	default:
		err = json.Unmarshal([]byte(resolved), &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// expandEnv substitutes ${VAR} and ${VAR:default} with environment values.
func expandEnv(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Agent.MemoryKey == "" {
		c.Agent.MemoryKey = "chat_history"
	}
	if c.Agent.MemoryScope == "" {
		c.Agent.MemoryScope = "full"
	}
	if c.Agent.MaxToolIterations == 0 {
		c.Agent.MaxToolIterations = 5
	}
	if c.Agent.MaxToolRetries == 0 {
		c.Agent.MaxToolRetries = 2
	}
	if c.Agent.MaxTokens == 0 {
		c.Agent.MaxTokens = 1024
	}
	if c.Agent.SentimentTimeout == 0 {
		c.Agent.SentimentTimeout = Duration(10 * time.Second)
	}
	if c.Memory.Backend == "" {
		c.Memory.Backend = "memory"
	}
	if c.Database.Neo4j.User == "" {
		c.Database.Neo4j.User = "neo4j"
	}
	if c.Tools.SearchResults == 0 {
		c.Tools.SearchResults = 5
	}
	if c.Tools.Knowledge.Backend == "" {
		c.Tools.Knowledge.Backend = "keyword"
	}
	if c.Tools.Knowledge.Collection == "" {
		c.Tools.Knowledge.Collection = "knowledge"
	}
	if c.Tools.Knowledge.Qdrant.Port == 0 {
		c.Tools.Knowledge.Qdrant.Port = 6334
	}
	if c.Tools.Knowledge.Embedding.Type == "" {
		c.Tools.Knowledge.Embedding.Type = "ollama"
	}
	if c.Tools.DefaultUser == "" {
		c.Tools.DefaultUser = "default"
	}
}

// Validate checks field constraints and cross-field requirements.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, len(verrs))
			for i, fe := range verrs {
				fields[i] = fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("invalid: %s", strings.Join(fields, "; "))
		}
		return err
	}

	primary, fallback, err := c.Agent.Models()
	if err != nil {
		return err
	}
	ids := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if ids[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		ids[p.ID] = true
	}
	if !ids[primary.Provider] {
		return fmt.Errorf("primary_model references unknown provider %q", primary.Provider)
	}
	if !fallback.IsZero() && !ids[fallback.Provider] {
		return fmt.Errorf("fallback_model references unknown provider %q", fallback.Provider)
	}
	if _, err := c.Agent.Scope(); err != nil {
		return err
	}

	switch c.Memory.Backend {
	case "redis":
		if c.Database.Redis.URL == "" {
			return errors.New("memory backend redis requires database.redis.url")
		}
	case "postgres":
		if c.Database.Postgres.DSN == "" {
			return errors.New("memory backend postgres requires database.postgres.dsn")
		}
	case "neo4j":
		if c.Database.Neo4j.URI == "" {
			return errors.New("memory backend neo4j requires database.neo4j.uri")
		}
	}

	if k := c.Tools.Knowledge; k.Backend == "qdrant" {
		if k.Qdrant.Host == "" {
			return errors.New("knowledge backend qdrant requires tools.knowledge.qdrant.host")
		}
		if k.Embedding.Model == "" {
			return errors.New("knowledge backend qdrant requires tools.knowledge.embedding.model")
		}
	}
	return nil
}
