package command

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nidhogg/companion/internal/agent"
	"github.com/nidhogg/companion/internal/memory"
	"github.com/nidhogg/companion/internal/schedule"
)

// Deps are what the built-in commands read from. Nil fields leave their
// commands unregistered.
type Deps struct {
	Engine    *agent.Engine
	Memory    memory.Store
	Todos     *schedule.Todos
	Schedules *schedule.Book
	Now       func() time.Time
}

// RegisterBuiltins registers /help, /tools, /stats, /history, /todos and
// /schedule.
func RegisterBuiltins(reg *Registry, deps Deps) error {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cmds := []*Command{helpCommand(reg)}
	if deps.Engine != nil {
		cmds = append(cmds, toolsCommand(deps.Engine), statsCommand(deps.Engine))
	}
	if deps.Memory != nil {
		cmds = append(cmds, historyCommand(deps.Memory))
	}
	if deps.Todos != nil {
		cmds = append(cmds, todosCommand(deps.Todos))
	}
	if deps.Schedules != nil {
		cmds = append(cmds, scheduleCommand(deps.Schedules, deps.Now))
	}
	for _, c := range cmds {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func helpCommand(reg *Registry) *Command {
	return &Command{
		Name:        "help",
		Aliases:     []string{"?"},
		Description: "List available commands",
		Usage:       "/help",
		Handler: func(_ context.Context, _ string, _ *CommandContext) (*CommandResult, error) {
			var b strings.Builder
			b.WriteString("Available commands:\n")
			for _, c := range reg.List() {
				fmt.Fprintf(&b, "  %-22s %s\n", c.Usage, c.Description)
			}
			return &CommandResult{Content: strings.TrimRight(b.String(), "\n")}, nil
		},
	}
}

func toolsCommand(e *agent.Engine) *Command {
	return &Command{
		Name:        "tools",
		Description: "List the agent's tools",
		Usage:       "/tools",
		Handler: func(_ context.Context, _ string, _ *CommandContext) (*CommandResult, error) {
			specs := e.Tools().List()
			if len(specs) == 0 {
				return &CommandResult{Content: "No tools registered."}, nil
			}
			var b strings.Builder
			for _, s := range specs {
				fmt.Fprintf(&b, "  %s: %s\n", s.Name, s.Description)
			}
			return &CommandResult{Content: strings.TrimRight(b.String(), "\n")}, nil
		},
	}
}

func statsCommand(e *agent.Engine) *Command {
	return &Command{
		Name:        "stats",
		Description: "Show turn counters",
		Usage:       "/stats",
		Handler: func(_ context.Context, _ string, _ *CommandContext) (*CommandResult, error) {
			s := e.Stats()
			return &CommandResult{
				Content: fmt.Sprintf("served %d, degraded %d, failed %d", s.Served, s.Degraded, s.Failed),
				Data:    s,
			}, nil
		},
	}
}

func historyCommand(mem memory.Store) *Command {
	return &Command{
		Name:        "history",
		Description: "Show the most recent turns in this session",
		Usage:       "/history [n]",
		Handler: func(ctx context.Context, args string, cc *CommandContext) (*CommandResult, error) {
			limit := 10
			if args != "" {
				n, err := strconv.Atoi(args)
				if err != nil || n <= 0 {
					return &CommandResult{Content: "Usage: /history [n]"}, nil
				}
				limit = n
			}
			h, err := mem.Recall(ctx, cc.SessionID, limit)
			if err != nil {
				return nil, fmt.Errorf("recall history: %w", err)
			}
			if h.Len() == 0 {
				return &CommandResult{Content: "No history yet."}, nil
			}
			var b strings.Builder
			for t := range h.All() {
				fmt.Fprintf(&b, "[%s] %s: %s\n", t.Timestamp.Local().Format("01-02 15:04"), t.Role, t.Text)
			}
			return &CommandResult{Content: strings.TrimRight(b.String(), "\n")}, nil
		},
	}
}

func todosCommand(todos *schedule.Todos) *Command {
	return &Command{
		Name:        "todos",
		Description: "List your todos",
		Usage:       "/todos",
		Handler: func(_ context.Context, _ string, cc *CommandContext) (*CommandResult, error) {
			items := todos.List(cc.SessionID)
			if len(items) == 0 {
				return &CommandResult{Content: "No todos."}, nil
			}
			var b strings.Builder
			for _, it := range items {
				if it.Due != nil {
					fmt.Fprintf(&b, "  - %s (due %s)\n", it.Title, it.Due.Format("2006-01-02 15:04"))
				} else {
					fmt.Fprintf(&b, "  - %s\n", it.Title)
				}
			}
			return &CommandResult{Content: strings.TrimRight(b.String(), "\n"), Data: items}, nil
		},
	}
}

func scheduleCommand(book *schedule.Book, now func() time.Time) *Command {
	return &Command{
		Name:        "schedule",
		Aliases:     []string{"cal"},
		Description: "Show your schedule for a day",
		Usage:       "/schedule [YYYY-MM-DD]",
		Handler: func(_ context.Context, args string, cc *CommandContext) (*CommandResult, error) {
			day := now()
			if args != "" {
				t, err := time.ParseInLocation("2006-01-02", args, time.Local)
				if err != nil {
					return &CommandResult{Content: "Usage: /schedule [YYYY-MM-DD]"}, nil
				}
				day = t
			}
			from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
			entries := book.Between(cc.SessionID, from, from.AddDate(0, 0, 1))
			if len(entries) == 0 {
				return &CommandResult{Content: fmt.Sprintf("Nothing scheduled on %s.", from.Format("2006-01-02"))}, nil
			}
			var b strings.Builder
			for _, e := range entries {
				fmt.Fprintf(&b, "  %s-%s %s", e.StartTime.Format("15:04"), e.End().Format("15:04"), e.Title)
				if e.Location != "" {
					fmt.Fprintf(&b, " @ %s", e.Location)
				}
				b.WriteString("\n")
			}
			return &CommandResult{Content: strings.TrimRight(b.String(), "\n"), Data: entries}, nil
		},
	}
}
