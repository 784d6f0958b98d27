package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/companion/internal/memory"
	"github.com/nidhogg/companion/internal/prompt"
	"github.com/nidhogg/companion/internal/provider"
	"github.com/nidhogg/companion/internal/sentiment"
	"github.com/nidhogg/companion/internal/user"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ErrEmptyInput is returned by Run for blank user input.
var ErrEmptyInput = errors.New("empty input")

// DegradedText is answered when the tool loop is cut short and the final
// model call yields nothing usable.
const DegradedText = "I could not finish working through that within my tool budget. Here is where I got to; please ask again or narrow the request."

// Chatter routes a request to a model. *provider.Router implements it.
type Chatter interface {
	Route(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error)
}

// Config holds the per-engine tunables.
type Config struct {
	MemoryKey         string
	Scope             memory.Scope
	MaxToolIterations int
	MaxToolRetries    int
	MaxTokens         int
	Temperature       float64
}

func (c Config) withDefaults() Config {
	if c.MemoryKey == "" {
		c.MemoryKey = "chat_history"
	}
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = 5
	}
	if c.MaxToolRetries <= 0 {
		c.MaxToolRetries = 2
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1024
	}
	return c
}

// Result is the outcome of one turn.
type Result struct {
	Text      string           `json:"text"`
	Affect    sentiment.Affect `json:"affect"`
	Degraded  bool             `json:"degraded"`
	ToolCalls int              `json:"tool_calls"`
	Chain     *ThinkingChain   `json:"chain"`
	Usage     provider.Usage   `json:"usage"`
}

// Stats are counters over the engine's lifetime.
type Stats struct {
	Served   int64 `json:"served"`
	Degraded int64 `json:"degraded"`
	Failed   int64 `json:"failed"`
}

// Engine runs the sensing, prompting, reasoning and recording pipeline for
// each user turn. It is safe for concurrent use across sessions.
type Engine struct {
	cfg     Config
	chat    Chatter
	memory  memory.Store
	tools   *ToolRegistry
	tagger  *sentiment.Tagger
	prompts *prompt.Assembler
	users   user.Directory
	now     func() time.Time

	served   atomic.Int64
	degraded atomic.Int64
	failed   atomic.Int64

	logger *zap.Logger
}

// NewEngine creates an engine. Tools should be registered before the engine
// is created so the prompt lists them; SetPersona rebuilds the prompt.
func NewEngine(cfg Config, chat Chatter, mem memory.Store, tools *ToolRegistry, logger *zap.Logger) *Engine {
	if tools == nil {
		tools = NewToolRegistry()
	}
	e := &Engine{
		cfg:    cfg.withDefaults(),
		chat:   chat,
		memory: mem,
		tools:  tools,
		tagger: sentiment.NewTagger(chat, 0, logger),
		users:  user.ContextDirectory{},
		now:    time.Now,
		logger: logger,
	}
	e.prompts = prompt.NewAssembler("", nil, tools.Names())
	return e
}

// Tools returns the engine's tool registry.
func (e *Engine) Tools() *ToolRegistry { return e.tools }

// SetTagger replaces the sentiment tagger.
func (e *Engine) SetTagger(t *sentiment.Tagger) { e.tagger = t }

// SetPersona rebuilds the prompt assembler with persona and moods. Empty
// persona and nil moods keep the defaults.
func (e *Engine) SetPersona(persona string, moods map[sentiment.Label]prompt.Mood) {
	e.prompts = prompt.NewAssembler(persona, moods, e.tools.Names())
}

// SetDirectory sets how RunForCurrentUser resolves the session.
func (e *Engine) SetDirectory(d user.Directory) { e.users = d }

// Stats returns a snapshot of the turn counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Served:   e.served.Load(),
		Degraded: e.degraded.Load(),
		Failed:   e.failed.Load(),
	}
}

// RunForCurrentUser runs a turn in the session of the current user.
func (e *Engine) RunForCurrentUser(ctx context.Context, input string) (*Result, error) {
	id, err := e.users.CurrentUserID(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve user: %w", err)
	}
	return e.Run(ctx, input, id)
}

// Run processes one user turn in sessionID. The returned error is
// ErrEmptyInput, a provider.ErrModelUnavailable wrap, a context error, or a
// memory failure; tool and client failures never surface here. The turn pair
// is appended only once the answer is ready.
func (e *Engine) Run(ctx context.Context, input, sessionID string) (*Result, error) {
	if strings.TrimSpace(input) == "" {
		return nil, ErrEmptyInput
	}
	if sessionID == "" {
		return nil, memory.ErrEmptySessionID
	}
	if _, ok := user.IDFromContext(ctx); !ok {
		ctx = user.WithID(ctx, sessionID)
	}

	chain := &ThinkingChain{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		StartedAt: e.now(),
	}

	res, err := e.run(ctx, chain, input, sessionID)
	chain.Duration = time.Since(chain.StartedAt)
	if err != nil {
		e.failed.Inc()
		e.logger.Warn("turn failed",
			zap.String("session", sessionID),
			zap.String("chain", chain.ID),
			zap.Error(err))
		return nil, err
	}

	e.served.Inc()
	if res.Degraded {
		e.degraded.Inc()
	}
	e.logger.Info("turn complete",
		zap.String("session", sessionID),
		zap.String("affect", res.Affect.String()),
		zap.Int("tool_calls", res.ToolCalls),
		zap.Bool("degraded", res.Degraded),
		zap.Duration("took", chain.Duration))
	return res, nil
}

func (e *Engine) run(ctx context.Context, chain *ThinkingChain, input, sessionID string) (*Result, error) {
	// Sensing
	affect := e.tagger.Tag(ctx, input)
	chain.add(StepSensing, affect.String(), affect)

	// Prompting
	tmpl := e.prompts.Build(e.cfg.MemoryKey, affect)
	history, err := e.memory.Recall(ctx, sessionID, e.cfg.Scope.Limit())
	if err != nil {
		return nil, fmt.Errorf("recall %s: %w", sessionID, err)
	}
	messages := tmpl.Messages(e.now(), history, input)
	chain.add(StepPrompting, fmt.Sprintf("recalled %d turns (%s)", history.Len(), e.cfg.Scope), nil)

	// Reasoning
	res, err := e.reason(ctx, chain, messages)
	if err != nil {
		return nil, err
	}
	res.Affect = affect
	res.Chain = chain

	// Recording. Past this check the pair is written in full even if the
	// caller goes away.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	turns := []memory.Turn{
		memory.NewTurn(memory.RoleUser, input),
		memory.NewTurn(memory.RoleAgent, res.Text),
	}
	if err := e.memory.Append(context.WithoutCancel(ctx), sessionID, turns...); err != nil {
		return nil, fmt.Errorf("record %s: %w", sessionID, err)
	}
	chain.add(StepRecording, "appended user and agent turns", nil)
	return res, nil
}

// reason drives the model and tool loop until the model answers or the tool
// call budget is exceeded.
func (e *Engine) reason(ctx context.Context, chain *ThinkingChain, messages []provider.Message) (*Result, error) {
	req := &provider.ChatRequest{
		Messages:    messages,
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: e.cfg.Temperature,
	}
	if defs := e.tools.Definitions(); len(defs) > 0 {
		req.Tools = defs
		req.ToolChoice = provider.ToolChoiceAuto
	}

	res := &Result{}
	failures := make(map[string]int)
	for round := 1; ; round++ {
		chain.add(StepReasoning, fmt.Sprintf("model call %d", round), nil)
		resp, err := e.chat.Route(ctx, req)
		if err != nil {
			return nil, err
		}
		res.Usage = res.Usage.Add(resp.Usage)

		if !resp.HasToolCalls() {
			res.Text = resp.Content
			if strings.TrimSpace(res.Text) == "" {
				res.Text = DegradedText
				res.Degraded = true
			}
			chain.add(StepResponse, truncateStr(res.Text, 200), nil)
			return res, nil
		}

		req.Messages = append(req.Messages, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		exceeded := false
		for _, tc := range resp.ToolCalls {
			var obs string
			if res.ToolCalls >= e.cfg.MaxToolIterations {
				exceeded = true
				obs = observation("tool call limit reached for this turn; answer with what you have")
			} else {
				res.ToolCalls++
				obs = e.invoke(ctx, chain, tc, failures)
			}
			req.Messages = append(req.Messages, provider.Message{
				Role:       provider.RoleTool,
				Content:    obs,
				ToolCallID: tc.ID,
			})
		}
		e.logger.Debug("tool round complete",
			zap.Int("round", round),
			zap.Int("tool_calls", res.ToolCalls))

		if exceeded {
			return e.degrade(ctx, chain, req, res)
		}
	}
}

// degrade makes one final call with tools switched off and marks the result
// degraded. A Router reports any failed final call as ErrModelUnavailable,
// which fails the turn like any other unreachable model. Other errors only
// come from a Chatter without fallback handling and yield DegradedText.
func (e *Engine) degrade(ctx context.Context, chain *ThinkingChain, req *provider.ChatRequest, res *Result) (*Result, error) {
	res.Degraded = true
	chain.add(StepDegraded, fmt.Sprintf("tool budget of %d exceeded", e.cfg.MaxToolIterations), nil)

	final := *req
	final.ToolChoice = provider.ToolChoiceNone
	final.Messages = append(append([]provider.Message(nil), req.Messages...), provider.Message{
		Role:    provider.RoleSystem,
		Content: "The tool budget for this turn is used up. Give the best answer you can from the information above without calling tools.",
	})
	resp, err := e.chat.Route(ctx, &final)
	switch {
	case err == nil:
		res.Usage = res.Usage.Add(resp.Usage)
		res.Text = resp.Content
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, provider.ErrModelUnavailable):
		return nil, err
	default:
		e.logger.Warn("degraded answer failed", zap.Error(err))
	}
	if strings.TrimSpace(res.Text) == "" {
		res.Text = DegradedText
	}
	chain.add(StepResponse, truncateStr(res.Text, 200), nil)
	return res, nil
}

// invoke runs one tool call and returns the observation fed back to the
// model. It never fails.
func (e *Engine) invoke(ctx context.Context, chain *ThinkingChain, tc provider.ToolCall, failures map[string]int) string {
	name := tc.Function.Name
	chain.add(StepToolCall, name, tc.Function.Arguments)

	if failures[name] >= e.cfg.MaxToolRetries {
		obs := observation(fmt.Sprintf("tool %s is disabled for this turn after %d failures", name, failures[name]))
		chain.add(StepToolResult, name+" -> disabled", nil)
		return obs
	}

	out, err := e.tools.Execute(ctx, name, tc.Function.Arguments)
	if err != nil {
		var obs string
		if errors.Is(err, ErrUnknownTool) {
			obs = observation(fmt.Sprintf("unknown tool %q; available tools: %s", name, strings.Join(e.tools.Names(), ", ")))
		} else {
			failures[name]++
			obs = observation(err.Error())
			e.logger.Warn("tool failed",
				zap.String("tool", name),
				zap.Int("failures", failures[name]),
				zap.Error(err))
		}
		chain.add(StepToolResult, name+" -> "+truncateStr(obs, 200), nil)
		return obs
	}
	chain.add(StepToolResult, name+" -> "+truncateStr(out, 200), nil)
	return out
}

func observation(msg string) string {
	return toJSON(map[string]string{"error": msg})
}

func truncateStr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
