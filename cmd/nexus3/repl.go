package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/haasonsaas/nexus3/internal/permissions"
	"github.com/haasonsaas/nexus3/internal/pool"
	"github.com/haasonsaas/nexus3/internal/session"
	"github.com/haasonsaas/nexus3/pkg/models"
)

// runner is one REPL backend: an in-process agent or a remote server
// connection. Turn blocks until the agent's reply is complete; Cancel
// interrupts the turn in flight.
type runner interface {
	Turn(ctx context.Context, input string, out io.Writer) error
	Cancel()
}

// runLocal starts the in-process REPL: one pooled agent, restored from its
// saved session when one exists, saved back on clean exit.
func runLocal(ctx context.Context, opts options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging, opts.verbose)

	reader := bufio.NewReader(os.Stdin)
	observer := session.Observer{
		OnToolCall: func(start models.ToolCallStart) {
			fmt.Fprintf(os.Stderr, "[tool] %s\n", start.Name)
		},
	}
	if opts.verbose {
		observer.OnReasoning = func(delta string) {
			fmt.Fprint(os.Stderr, delta)
		}
	}

	rt, err := buildRuntime(cfg, opts, logger, stdinConfirm(reader, os.Stdout), observer)
	if err != nil {
		return err
	}
	defer rt.pool.DestroyAll(context.Background())

	agent, err := openREPLAgent(ctx, rt)
	if err != nil {
		return err
	}
	if len(agent.Context.Messages()) > 0 {
		fmt.Printf("restored session %q (%d messages)\n", agent.ID, len(agent.Context.Messages()))
	}

	err = runREPL(ctx, &localRunner{agent: agent}, reader, os.Stdout)
	if saveErr := rt.pool.Save(agent.ID); saveErr != nil {
		logger.Warn("session not saved", "agent_id", agent.ID, "error", saveErr)
	}
	return err
}

// openREPLAgent restores the REPL agent from disk or creates a fresh one.
func openREPLAgent(ctx context.Context, rt *runtime) (*pool.Agent, error) {
	if rt.persist.Exists(replAgentID) {
		return rt.pool.GetOrRestore(ctx, replAgentID)
	}
	return rt.pool.Create(ctx, replAgentID)
}

// runREPL drives the read-send-print loop. Ctrl-C cancels the turn in
// flight; Ctrl-D (or "exit") leaves the loop. The banner and prompt are
// suppressed when stdin is not a terminal, so piped input produces only the
// agent's replies.
func runREPL(ctx context.Context, r runner, in *bufio.Reader, out io.Writer) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)
	go func() {
		for range sig {
			r.Cancel()
			fmt.Fprintln(out, "\n[interrupted]")
		}
	}()

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if interactive {
		fmt.Fprintf(out, "nexus3 %s - ctrl-c cancels the current turn, ctrl-d exits\n", version)
	}
	for {
		if interactive {
			fmt.Fprint(out, "> ")
		}
		line, err := in.ReadString('\n')
		if err == io.EOF {
			if interactive {
				fmt.Fprintln(out)
			}
			return nil
		}
		if err != nil {
			return err
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return nil
		}
		if err := r.Turn(ctx, input, out); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

// localRunner drives an in-process agent, streaming assistant text as it
// arrives.
type localRunner struct {
	agent *pool.Agent
}

func (l *localRunner) Turn(ctx context.Context, input string, out io.Writer) error {
	wrote := false
	for chunk := range l.agent.Session.Send(ctx, input) {
		if chunk.Err != nil {
			return chunk.Err
		}
		fmt.Fprint(out, chunk.Text)
		wrote = true
	}
	if wrote {
		fmt.Fprintln(out)
	}
	return nil
}

func (l *localRunner) Cancel() {
	l.agent.Session.Cancel()
}

// stdinConfirm answers destructive-action prompts from the terminal. The
// mutex keeps at most one prompt outstanding.
func stdinConfirm(in *bufio.Reader, out io.Writer) session.ConfirmFunc {
	var mu sync.Mutex
	return func(call models.ToolCall) permissions.ConfirmationResult {
		mu.Lock()
		defer mu.Unlock()

		args, _ := json.Marshal(call.Arguments)
		fmt.Fprintf(out, "\nallow %s %s?\n", call.Name, args)
		fmt.Fprint(out, "  [y] once  [f] always this file  [d] always this directory  [c] always in cwd  [a] always anywhere  [N] deny: ")
		line, err := in.ReadString('\n')
		if err != nil {
			return permissions.Deny
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return permissions.AllowOnce
		case "f":
			return permissions.AllowFile
		case "d":
			return permissions.AllowDirectory
		case "c":
			return permissions.AllowExecCwd
		case "a":
			return permissions.AllowExecGlobal
		default:
			return permissions.Deny
		}
	}
}
