package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nidhogg/companion/internal/agent"
	"github.com/nidhogg/companion/internal/command"
	"github.com/nidhogg/companion/internal/config"
	"github.com/nidhogg/companion/internal/embedding"
	"github.com/nidhogg/companion/internal/memory"
	"github.com/nidhogg/companion/internal/provider"
	"github.com/nidhogg/companion/internal/rag"
	"github.com/nidhogg/companion/internal/schedule"
	"github.com/nidhogg/companion/internal/search"
	"github.com/nidhogg/companion/internal/sentiment"
	"github.com/nidhogg/companion/internal/user"
	"github.com/nidhogg/companion/internal/vectorstore"
	"go.uber.org/zap"
)

type app struct {
	cfg      *config.Config
	router   *provider.Router
	engine   *agent.Engine
	commands *command.Registry
	logger   *zap.Logger
	closers  []func()
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewDevelopmentConfig()
	zc.Level = lvl
	return zc.Build()
}

func wireApp(ctx context.Context, cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, func() { _ = logger.Sync() })

	// Providers
	a.router = provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		p, err := provider.New(pc.Provider(), logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.router.Register(p)
	}
	primary, fallback, err := cfg.Agent.Models()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.router.SetModels(primary, fallback)

	// Memory
	mem, err := a.openMemory(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	// Tools
	deps := agent.BuiltinDeps{
		Schedules: schedule.NewBook(logger),
		Todos:     schedule.NewTodos(),
	}
	if cfg.Tools.SearxngURL != "" {
		deps.Web = search.NewSearxng(cfg.Tools.SearxngURL, cfg.Tools.SearchResults, logger)
	}
	knowledge, err := a.openKnowledge(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	deps.Knowledge = knowledge
	tools := agent.NewToolRegistry()
	if err := agent.RegisterBuiltinTools(tools, deps); err != nil {
		a.Close()
		return nil, err
	}

	// Engine
	scope, err := cfg.Agent.Scope()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine = agent.NewEngine(agent.Config{
		MemoryKey:         cfg.Agent.MemoryKey,
		Scope:             scope,
		MaxToolIterations: cfg.Agent.MaxToolIterations,
		MaxToolRetries:    cfg.Agent.MaxToolRetries,
		MaxTokens:         cfg.Agent.MaxTokens,
		Temperature:       cfg.Agent.Temperature,
	}, a.router, mem, tools, logger)
	a.engine.SetTagger(sentiment.NewTagger(a.router, cfg.Agent.SentimentTimeout.Std(), logger))
	a.engine.SetDirectory(user.ContextDirectory{Fallback: user.Static(cfg.Tools.DefaultUser)})

	persona, err := agent.LoadPersona(cfg.Agent.PersonaDir)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine.SetPersona(persona, nil)

	a.commands = command.NewRegistry()
	if err := command.RegisterBuiltins(a.commands, command.Deps{
		Engine:    a.engine,
		Memory:    mem,
		Todos:     deps.Todos,
		Schedules: deps.Schedules,
	}); err != nil {
		a.Close()
		return nil, err
	}

	logger.Info("companion ready",
		zap.String("primary", primary.String()),
		zap.String("fallback", fallback.String()),
		zap.String("memory", cfg.Memory.Backend),
		zap.Strings("tools", tools.Names()))
	return a, nil
}

func (a *app) openMemory(ctx context.Context) (memory.Store, error) {
	ns := a.cfg.Agent.MemoryKey
	db := a.cfg.Database
	switch a.cfg.Memory.Backend {
	case "redis":
		s, err := memory.NewRedisStore(db.Redis.URL, ns, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = s.Close() })
		return s, nil
	case "postgres":
		s, err := memory.NewPostgresStore(ctx, db.Postgres.DSN, ns, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		if err := s.Migrate(ctx); err != nil {
			return nil, err
		}
		return s, nil
	case "neo4j":
		s, err := memory.NewNeo4jStore(ctx, db.Neo4j.URI, db.Neo4j.User, db.Neo4j.Password, ns, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = s.Close(context.Background()) })
		return s, nil
	default:
		return memory.NewInMemory(), nil
	}
}

// openKnowledge returns the get_info_from_local backend, or nil when there
// is nothing to search. The qdrant backend re-indexes knowledge_dir on start
// and keeps the keyword index as its fallback.
func (a *app) openKnowledge(ctx context.Context) (search.Knowledge, error) {
	tc := a.cfg.Tools
	local, err := search.LoadLocal(tc.KnowledgeDir)
	if err != nil {
		a.logger.Warn("knowledge base unavailable", zap.String("dir", tc.KnowledgeDir), zap.Error(err))
		local = &search.Local{}
	}
	if tc.Knowledge.Backend != "qdrant" {
		if local.Len() == 0 {
			return nil, nil
		}
		a.logger.Info("knowledge base indexed", zap.String("backend", "keyword"), zap.Int("passages", local.Len()))
		return local, nil
	}

	embedder, err := embedding.New(tc.Knowledge.Embedding.Embedder(), a.logger)
	if err != nil {
		return nil, err
	}
	client, err := vectorstore.NewClient(tc.Knowledge.Qdrant)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = client.Close() })

	index := rag.NewIndex(embedder, client, tc.Knowledge.Collection, local, a.logger)
	if local.Len() > 0 {
		ictx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		if _, err := index.IndexPassages(ictx, local.Passages()); err != nil {
			a.logger.Warn("vector indexing failed, keyword search stays available", zap.Error(err))
		}
	}
	return index, nil
}

// Close releases backends in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
