package command

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

var (
	// ErrUnknownCommand is returned by Dispatch for names nobody registered.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrDuplicateCommand is returned by Register when a name or alias is taken.
	ErrDuplicateCommand = errors.New("duplicate command")
)

// Command represents a slash command.
type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Handler     CommandHandler
}

// CommandHandler is the function signature for command execution.
type CommandHandler func(ctx context.Context, args string, cc *CommandContext) (*CommandResult, error)

// CommandContext identifies who issued the command.
type CommandContext struct {
	SessionID string
}

// CommandResult holds the output of a command.
type CommandResult struct {
	Content string      `json:"content"`
	Data    interface{} `json:"data,omitempty"`
}

// Registry maps command names and aliases to commands.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Command
	names  []string
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Command)}
}

// Register adds cmd under its name and aliases. Nothing is added when any of
// them is already taken.
func (r *Registry) Register(cmd *Command) error {
	if cmd.Name == "" || cmd.Handler == nil {
		return fmt.Errorf("register command %q: name and handler are required", cmd.Name)
	}
	keys := append([]string{cmd.Name}, cmd.Aliases...)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range keys {
		if _, taken := r.byName[k]; taken {
			return fmt.Errorf("%w: /%s", ErrDuplicateCommand, k)
		}
	}
	for _, k := range keys {
		r.byName[k] = cmd
	}
	i, _ := slices.BinarySearch(r.names, cmd.Name)
	r.names = slices.Insert(r.names, i, cmd.Name)
	return nil
}

// IsCommand reports whether input is a slash command rather than a message.
func IsCommand(input string) bool {
	return strings.HasPrefix(strings.TrimSpace(input), "/")
}

// Dispatch runs the command named by "/name args...".
func (r *Registry) Dispatch(ctx context.Context, input string, cc *CommandContext) (*CommandResult, error) {
	name, args, _ := strings.Cut(strings.TrimPrefix(strings.TrimSpace(input), "/"), " ")

	r.mu.RLock()
	cmd, ok := r.byName[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: /%s", ErrUnknownCommand, name)
	}
	return cmd.Handler(ctx, strings.TrimSpace(args), cc)
}

// List returns the registered commands sorted by name, aliases excluded.
func (r *Registry) List() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Command, len(r.names))
	for i, n := range r.names {
		out[i] = r.byName[n]
	}
	return out
}
