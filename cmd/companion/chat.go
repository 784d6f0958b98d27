package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/nidhogg/companion/internal/agent"
	"github.com/nidhogg/companion/internal/command"
	"github.com/nidhogg/companion/internal/provider"
	"github.com/nidhogg/companion/internal/user"
	"github.com/spf13/cobra"
)

func newChatCmd(load func() *app) *cobra.Command {
	var (
		session string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := load()
			if session == "" {
				session = a.cfg.Tools.DefaultUser
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			ctx = user.WithID(ctx, session)
			r := &repl{
				engine:   a.engine,
				commands: a.commands,
				session:  session,
				timeout:  timeout,
				out:      cmd.OutOrStdout(),
				errOut:   cmd.ErrOrStderr(),
			}
			return r.run(ctx, cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVarP(&session, "session", "s", "", "session id (defaults to the configured user)")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "per-turn timeout")
	return cmd
}

type repl struct {
	engine   *agent.Engine
	commands *command.Registry
	session  string
	timeout  time.Duration
	out      io.Writer
	errOut   io.Writer
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	fmt.Fprintln(r.out, "companion chat")
	fmt.Fprintf(r.out, "Session: %s\n", r.session)
	fmt.Fprintln(r.out, "Type 'exit' or 'quit' to leave, /help for commands.")
	fmt.Fprintln(r.out, "---")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(r.out, "\n> ")
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(r.out, "Bye!")
			return nil
		}
		if command.IsCommand(input) {
			res, err := r.commands.Dispatch(ctx, input, &command.CommandContext{SessionID: r.session})
			switch {
			case errors.Is(err, command.ErrUnknownCommand):
				printError(r.errOut, "%v. Type /help for available commands.", err)
				continue
			case err != nil:
				printError(r.errOut, "Error: %v", err)
				continue
			}
			fmt.Fprintln(r.out, res.Content)
			continue
		}

		turnCtx, cancel := context.WithTimeout(ctx, r.timeout)
		res, err := r.engine.RunForCurrentUser(turnCtx, input)
		cancel()
		switch {
		case err == nil:
			fmt.Fprintln(r.out, res.Text)
		case errors.Is(err, context.Canceled) && ctx.Err() != nil:
			return nil
		case errors.Is(err, provider.ErrModelUnavailable):
			printError(r.errOut, "No model is reachable right now, try again later.")
		default:
			printError(r.errOut, "Error: %v", err)
		}
	}
}

func printError(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, "\033[31m"+format+"\033[0m\n", args...)
}
