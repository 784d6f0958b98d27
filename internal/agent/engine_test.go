package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/nidhogg/companion/internal/memory"
	"github.com/nidhogg/companion/internal/provider"
	"github.com/nidhogg/companion/internal/sentiment"
	"github.com/nidhogg/companion/internal/user"
	"go.uber.org/zap"
)

type step func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error)

// scripted answers each call with the next step; the last step repeats.
type scripted struct {
	id    string
	steps []step
	mu    sync.Mutex
	reqs  []*provider.ChatRequest
}

func (s *scripted) ID() string { return s.id }
func (s *scripted) Name() string { return s.id }
func (s *scripted) HealthCheck(context.Context) error { return nil }
func (s *scripted) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	s.mu.Lock()
	i := len(s.reqs)
	s.reqs = append(s.reqs, req)
	next := s.steps[min(i, len(s.steps)-1)]
	s.mu.Unlock()
	return next(ctx, req)
}

func (s *scripted) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

func (s *scripted) last() *provider.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqs[len(s.reqs)-1]
}

func answer(text string) step {
	return func(context.Context, *provider.ChatRequest) (*provider.ChatResponse, error) {
		return &provider.ChatResponse{Content: text, FinishReason: "stop", Usage: provider.Usage{TotalTokens: 10}}, nil
	}
}

func callTool(name, args string) step {
	return func(context.Context, *provider.ChatRequest) (*provider.ChatResponse, error) {
		return &provider.ChatResponse{
			FinishReason: "tool_calls",
			ToolCalls: []provider.ToolCall{{
				ID:       "call_" + name,
				Type:     "function",
				Function: provider.ToolCallFunction{Name: name, Arguments: args},
			}},
		}, nil
	}
}

func fail(err error) step {
	return func(context.Context, *provider.ChatRequest) (*provider.ChatResponse, error) {
		return nil, err
	}
}

func newRouter(primary, fallback *scripted) *provider.Router {
	r := provider.NewRouter(zap.NewNop())
	r.Register(primary)
	var fb provider.ModelRef
	if fallback != nil {
		r.Register(fallback)
		fb = provider.ModelRef{Provider: fallback.id, Model: "small"}
	}
	r.SetModels(provider.ModelRef{Provider: primary.id, Model: "big"}, fb)
	return r
}

func newTestEngine(t *testing.T, cfg Config, router Chatter, tools *ToolRegistry) (*Engine, *memory.InMemory) {
	t.Helper()
	mem := memory.NewInMemory()
	e := NewEngine(cfg, router, mem, tools, zap.NewNop())
	// Keep sentiment calls out of the scripted providers.
	e.SetTagger(sentiment.NewTagger(nil, 0, zap.NewNop()))
	return e, mem
}

func recall(t *testing.T, mem memory.Store, session string) []memory.Turn {
	t.Helper()
	h, err := mem.Recall(context.Background(), session, 0)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	return h.Turns()
}

func echoTools(t *testing.T, calls *int) *ToolRegistry {
	t.Helper()
	reg := NewToolRegistry()
	err := reg.Register(ToolSpec{
		Name: "echo",
		Handler: func(ctx context.Context, args string) (string, error) {
			*calls++
			return `{"echo":` + args + `}`, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestRunToolThenAnswer(t *testing.T) {
	var calls int
	p := &scripted{id: "p", steps: []step{callTool("echo", `{"x":1}`), answer("done")}}
	e, mem := newTestEngine(t, Config{}, newRouter(p, nil), echoTools(t, &calls))

	res, err := e.Run(context.Background(), "please echo", "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "done" || res.Degraded || res.ToolCalls != 1 {
		t.Errorf("got %+v", res)
	}
	if calls != 1 {
		t.Errorf("tool called %d times, want 1", calls)
	}

	msgs := p.last().Messages
	obs := msgs[len(msgs)-1]
	if obs.Role != provider.RoleTool || obs.ToolCallID != "call_echo" || !strings.Contains(obs.Content, `"x":1`) {
		t.Errorf("observation not fed back: %+v", obs)
	}

	turns := recall(t, mem, "s1")
	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2", len(turns))
	}
	if turns[0].Role != memory.RoleUser || turns[0].Text != "please echo" {
		t.Errorf("first turn %+v", turns[0])
	}
	if turns[1].Role != memory.RoleAgent || turns[1].Text != "done" {
		t.Errorf("second turn %+v", turns[1])
	}
	for _, want := range []StepType{StepSensing, StepPrompting, StepToolCall, StepToolResult, StepRecording} {
		if !res.Chain.Has(want) {
			t.Errorf("chain missing %s step", want)
		}
	}
}

func TestRunIterationCap(t *testing.T) {
	var calls int
	p := &scripted{id: "p", steps: []step{callTool("echo", `{}`)}}
	e, mem := newTestEngine(t, Config{MaxToolIterations: 3}, newRouter(p, nil), echoTools(t, &calls))

	res, err := e.Run(context.Background(), "loop forever", "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Degraded || strings.TrimSpace(res.Text) == "" {
		t.Errorf("want non-empty degraded answer, got %+v", res)
	}
	if res.Text != DegradedText {
		t.Errorf("text = %q, want canned degraded text", res.Text)
	}
	if calls != 3 || res.ToolCalls != 3 {
		t.Errorf("tool ran %d times (counted %d), want 3", calls, res.ToolCalls)
	}
	// three tool rounds, one excess request, one final tool-less call
	if p.calls() != 5 {
		t.Errorf("model called %d times, want 5", p.calls())
	}
	if p.last().ToolChoice != provider.ToolChoiceNone {
		t.Errorf("final call tool choice = %q", p.last().ToolChoice)
	}
	if len(recall(t, mem, "s1")) != 2 {
		t.Error("degraded turn not recorded")
	}
	if s := e.Stats(); s.Served != 1 || s.Degraded != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestRunIterationCapFinalAnswer(t *testing.T) {
	var calls int
	p := &scripted{id: "p", steps: []step{callTool("echo", `{}`), callTool("echo", `{}`), answer("partial answer")}}
	e, _ := newTestEngine(t, Config{MaxToolIterations: 1}, newRouter(p, nil), echoTools(t, &calls))

	res, err := e.Run(context.Background(), "hi", "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Degraded || res.Text != "partial answer" {
		t.Errorf("got %+v", res)
	}
	if !res.Chain.Has(StepDegraded) {
		t.Error("chain missing degraded step")
	}
}

// direct skips the Router so raw provider errors reach the engine.
type direct struct{ p *scripted }

func (d direct) Route(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	return d.p.Chat(ctx, req)
}

func TestRunIterationCapFinalCallFails(t *testing.T) {
	steps := []step{callTool("echo", `{}`), callTool("echo", `{}`), fail(errors.New("400 bad request"))}

	var calls int
	p := &scripted{id: "p", steps: steps}
	e, mem := newTestEngine(t, Config{MaxToolIterations: 1}, direct{p}, echoTools(t, &calls))
	res, err := e.Run(context.Background(), "hi", "s1")
	if err != nil {
		t.Fatalf("bare chatter: unexpected error: %v", err)
	}
	if !res.Degraded || res.Text != DegradedText {
		t.Errorf("bare chatter: got %+v", res)
	}
	if len(recall(t, mem, "s1")) != 2 {
		t.Error("bare chatter: degraded turn not recorded")
	}

	p = &scripted{id: "p", steps: steps}
	e, mem = newTestEngine(t, Config{MaxToolIterations: 1}, newRouter(p, nil), echoTools(t, &calls))
	if _, err := e.Run(context.Background(), "hi", "s1"); !errors.Is(err, provider.ErrModelUnavailable) {
		t.Fatalf("router: got %v, want ErrModelUnavailable", err)
	}
	if len(recall(t, mem, "s1")) != 0 {
		t.Error("router: failed turn was recorded")
	}
}

func TestRunFallback(t *testing.T) {
	primary := &scripted{id: "p", steps: []step{fail(errors.New("503"))}}
	fallback := &scripted{id: "f", steps: []step{answer("from fallback")}}
	e, mem := newTestEngine(t, Config{}, newRouter(primary, fallback), nil)

	res, err := e.Run(context.Background(), "hello", "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "from fallback" {
		t.Errorf("text = %q", res.Text)
	}
	if fallback.last().Model != "small" {
		t.Errorf("fallback got model %q", fallback.last().Model)
	}
	if len(recall(t, mem, "s1")) != 2 {
		t.Error("turn not recorded")
	}
}

func TestRunModelUnavailable(t *testing.T) {
	primary := &scripted{id: "p", steps: []step{fail(errors.New("503"))}}
	fallback := &scripted{id: "f", steps: []step{fail(errors.New("timeout"))}}
	e, mem := newTestEngine(t, Config{}, newRouter(primary, fallback), nil)

	res, err := e.Run(context.Background(), "hello", "s1")
	if !errors.Is(err, provider.ErrModelUnavailable) {
		t.Fatalf("err = %v, want ErrModelUnavailable", err)
	}
	if res != nil {
		t.Errorf("got result %+v", res)
	}
	if n := len(recall(t, mem, "s1")); n != 0 {
		t.Errorf("%d turns appended after failure", n)
	}
	if s := e.Stats(); s.Failed != 1 || s.Served != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestRunModelUnavailableDuringTools(t *testing.T) {
	var calls int
	p := &scripted{id: "p", steps: []step{callTool("echo", `{}`), fail(errors.New("down"))}}
	e, mem := newTestEngine(t, Config{}, newRouter(p, nil), echoTools(t, &calls))

	if _, err := e.Run(context.Background(), "hello", "s1"); !errors.Is(err, provider.ErrModelUnavailable) {
		t.Fatalf("err = %v, want ErrModelUnavailable", err)
	}
	if n := len(recall(t, mem, "s1")); n != 0 {
		t.Errorf("%d turns appended after failure", n)
	}
}

func TestRunUnknownTool(t *testing.T) {
	var calls int
	p := &scripted{id: "p", steps: []step{callTool("teleport", `{}`), answer("cannot do that")}}
	e, _ := newTestEngine(t, Config{}, newRouter(p, nil), echoTools(t, &calls))

	res, err := e.Run(context.Background(), "beam me up", "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "cannot do that" {
		t.Errorf("text = %q", res.Text)
	}
	msgs := p.last().Messages
	obs := msgs[len(msgs)-1].Content
	if !strings.Contains(obs, "unknown tool") || !strings.Contains(obs, "echo") {
		t.Errorf("observation = %s", obs)
	}
}

func TestRunToolFailureRetries(t *testing.T) {
	var invoked int
	reg := NewToolRegistry()
	reg.Register(ToolSpec{
		Name: "flaky",
		Handler: func(ctx context.Context, args string) (string, error) {
			invoked++
			return "", errors.New("backend down")
		},
	})
	p := &scripted{id: "p", steps: []step{
		callTool("flaky", `{}`),
		callTool("flaky", `{}`),
		callTool("flaky", `{}`),
		answer("gave up"),
	}}
	e, _ := newTestEngine(t, Config{MaxToolRetries: 2, MaxToolIterations: 10}, newRouter(p, nil), reg)

	res, err := e.Run(context.Background(), "try it", "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "gave up" || res.Degraded {
		t.Errorf("got %+v", res)
	}
	if invoked != 2 {
		t.Errorf("handler invoked %d times, want 2", invoked)
	}

	msgs := p.last().Messages
	var observations []string
	for _, m := range msgs {
		if m.Role == provider.RoleTool {
			observations = append(observations, m.Content)
		}
	}
	if len(observations) != 3 {
		t.Fatalf("got %d observations", len(observations))
	}
	if !strings.Contains(observations[0], "backend down") {
		t.Errorf("failure not fed back: %s", observations[0])
	}
	if !strings.Contains(observations[2], "disabled") {
		t.Errorf("third observation = %s", observations[2])
	}
}

func TestRunToolPanic(t *testing.T) {
	reg := NewToolRegistry()
	reg.Register(ToolSpec{
		Name: "boom",
		Handler: func(ctx context.Context, args string) (string, error) {
			panic("nil map")
		},
	})
	p := &scripted{id: "p", steps: []step{callTool("boom", `{}`), answer("recovered")}}
	e, _ := newTestEngine(t, Config{}, newRouter(p, nil), reg)

	res, err := e.Run(context.Background(), "go", "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "recovered" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestRunCancelledDuringTool(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reg := NewToolRegistry()
	reg.Register(ToolSpec{
		Name: "slow",
		Handler: func(ctx context.Context, args string) (string, error) {
			cancel()
			return "", ctx.Err()
		},
	})
	p := &scripted{id: "p", steps: []step{callTool("slow", `{}`), answer("late")}}
	e, mem := newTestEngine(t, Config{}, newRouter(p, nil), reg)

	if _, err := e.Run(ctx, "hello", "s1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if n := len(recall(t, mem, "s1")); n != 0 {
		t.Errorf("%d turns appended after cancellation", n)
	}
}

func TestRunCancelledBeforeRecording(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &scripted{id: "p", steps: []step{
		func(context.Context, *provider.ChatRequest) (*provider.ChatResponse, error) {
			cancel()
			return &provider.ChatResponse{Content: "answer"}, nil
		},
	}}
	e, mem := newTestEngine(t, Config{}, newRouter(p, nil), nil)

	if _, err := e.Run(ctx, "hello", "s1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if n := len(recall(t, mem, "s1")); n != 0 {
		t.Errorf("%d turns appended after cancellation", n)
	}
}

func TestRunEmptyInput(t *testing.T) {
	p := &scripted{id: "p", steps: []step{answer("x")}}
	e, _ := newTestEngine(t, Config{}, newRouter(p, nil), nil)

	if _, err := e.Run(context.Background(), "  \n", "s1"); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("err = %v, want ErrEmptyInput", err)
	}
	if _, err := e.Run(context.Background(), "hi", ""); !errors.Is(err, memory.ErrEmptySessionID) {
		t.Errorf("err = %v, want ErrEmptySessionID", err)
	}
	if p.calls() != 0 {
		t.Errorf("model called %d times", p.calls())
	}
}

func TestRunHistoryWindow(t *testing.T) {
	p := &scripted{id: "p", steps: []step{answer("ok")}}
	e, _ := newTestEngine(t, Config{Scope: memory.Scope{Window: 2}}, newRouter(p, nil), nil)

	for i := 0; i < 3; i++ {
		if _, err := e.Run(context.Background(), fmt.Sprintf("msg %d", i), "s1"); err != nil {
			t.Fatal(err)
		}
	}

	msgs := p.last().Messages
	// system, two recalled turns, input
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	if msgs[1].Role != provider.RoleUser || msgs[1].Content != "msg 1" {
		t.Errorf("recalled user turn = %+v", msgs[1])
	}
	if msgs[2].Role != provider.RoleAssistant || msgs[2].Content != "ok" {
		t.Errorf("recalled agent turn = %+v", msgs[2])
	}
	if msgs[3].Content != "msg 2" {
		t.Errorf("input = %+v", msgs[3])
	}
}

func TestRunSessionsIsolated(t *testing.T) {
	p := &scripted{id: "p", steps: []step{answer("ok")}}
	e, mem := newTestEngine(t, Config{}, newRouter(p, nil), nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session := fmt.Sprintf("s%d", i)
			for j := 0; j < 3; j++ {
				if _, err := e.Run(context.Background(), fmt.Sprintf("%s-%d", session, j), session); err != nil {
					t.Error(err)
				}
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		session := fmt.Sprintf("s%d", i)
		turns := recall(t, mem, session)
		if len(turns) != 6 {
			t.Fatalf("%s has %d turns, want 6", session, len(turns))
		}
		for j := 0; j < 3; j++ {
			if want := fmt.Sprintf("%s-%d", session, j); turns[2*j].Text != want {
				t.Errorf("%s turn %d = %q, want %q", session, 2*j, turns[2*j].Text, want)
			}
		}
	}
}

type affectChatter struct{ content string }

func (a affectChatter) Route(context.Context, *provider.ChatRequest) (*provider.ChatResponse, error) {
	return &provider.ChatResponse{Content: a.content}, nil
}

func TestRunAffectInPrompt(t *testing.T) {
	p := &scripted{id: "p", steps: []step{answer("sorry to hear that")}}
	e, _ := newTestEngine(t, Config{}, newRouter(p, nil), nil)
	e.SetTagger(sentiment.NewTagger(affectChatter{`{"feeling":"angry","score":8}`}, 0, zap.NewNop()))

	res, err := e.Run(context.Background(), "this is the third time it broke", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Affect.Label != sentiment.LabelAngry || res.Affect.Score != 8 {
		t.Errorf("affect = %+v", res.Affect)
	}
	system := p.last().Messages[0]
	if system.Role != provider.RoleSystem || !strings.Contains(system.Content, "angry") {
		t.Errorf("system message lacks affect: %q", system.Content)
	}
}

func TestRunForCurrentUser(t *testing.T) {
	p := &scripted{id: "p", steps: []step{answer("hi alice")}}
	e, mem := newTestEngine(t, Config{}, newRouter(p, nil), nil)
	e.SetDirectory(user.Static("alice"))

	if _, err := e.RunForCurrentUser(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	if len(recall(t, mem, "alice")) != 2 {
		t.Error("turns not recorded under the current user")
	}

	e.SetDirectory(user.ContextDirectory{})
	if _, err := e.RunForCurrentUser(context.Background(), "hello"); !errors.Is(err, user.ErrNoUser) {
		t.Errorf("err = %v, want ErrNoUser", err)
	}
	if _, err := e.RunForCurrentUser(user.WithID(context.Background(), "bob"), "hello"); err != nil {
		t.Fatal(err)
	}
	if len(recall(t, mem, "bob")) != 2 {
		t.Error("turns not recorded under the context user")
	}
}

func TestOwnerFromSession(t *testing.T) {
	var seen string
	reg := NewToolRegistry()
	reg.Register(ToolSpec{
		Name: "whoami",
		Handler: func(ctx context.Context, args string) (string, error) {
			seen = owner(ctx)
			return `{}`, nil
		},
	})
	p := &scripted{id: "p", steps: []step{callTool("whoami", `{}`), answer("ok")}}
	e, _ := newTestEngine(t, Config{}, newRouter(p, nil), reg)

	if _, err := e.Run(context.Background(), "who am I", "carol"); err != nil {
		t.Fatal(err)
	}
	if seen != "carol" {
		t.Errorf("tool saw owner %q, want carol", seen)
	}
}
