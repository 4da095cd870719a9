package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/parley/internal/agent"
	"github.com/haasonsaas/parley/internal/tools"
	"github.com/haasonsaas/parley/pkg/models"
)

// runChat handles the chat command.
func runChat(cmd *cobra.Command, agentID, conversationID, once string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	renderer := &eventRenderer{out: out}
	rt, err := buildRuntime(ctx, configPath, renderer)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	var opts []agent.TurnOption
	if agentID != "" {
		opts = append(opts, agent.WithAgent(agentID))
	}

	// Ctrl-C during a turn cancels it; a second press (or a press at
	// the prompt) quits.
	var (
		turnActive atomic.Bool
		activeConv atomic.Value
	)
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			if turnActive.CompareAndSwap(true, false) {
				if id, ok := activeConv.Load().(string); ok {
					rt.orch.Cancel(id)
				}
				fmt.Fprintln(out, "\ninterrupt: cancelling turn (press again to quit)")
				continue
			}
			os.Exit(130)
		}
	}()

	turn := func(text string) (*models.TurnOutcome, error) {
		activeConv.Store(conversationID)
		turnActive.Store(true)
		defer turnActive.Store(false)
		return rt.orch.SendTurn(ctx, conversationID, text, opts...)
	}

	// oneShot carries turn failures into the exit code. The renderer has
	// already written the details.
	oneShot := func(text string) error {
		outcome, err := turn(text)
		if err != nil {
			return err
		}
		switch outcome.Status {
		case models.TurnFailed:
			return fmt.Errorf("turn failed: %s", outcome.ErrorKind)
		case models.TurnCancelled:
			return fmt.Errorf("turn cancelled")
		}
		return nil
	}

	if once != "" {
		return oneShot(once)
	}

	stdin := cmd.InOrStdin()
	if f, ok := stdin.(*os.File); ok && !term.IsTerminal(int(f.Fd())) {
		// Piped input: the whole of stdin is one turn.
		data, err := io.ReadAll(stdin)
		if err != nil {
			return err
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			return agent.ErrEmptyUserText
		}
		return oneShot(text)
	}

	fmt.Fprintf(out, "parley %s - conversation %s\n", version, conversationID)
	fmt.Fprintln(out, `Type a message, "/new" for a fresh conversation, "/quit" to exit.`)

	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/new":
			conversationID = uuid.NewString()
			fmt.Fprintf(out, "new conversation %s\n", conversationID)
			continue
		case strings.HasPrefix(line, "/"):
			fmt.Fprintf(out, "unknown command %q\n", line)
			continue
		}
		if _, err := turn(line); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
		}
	}
}

// eventRenderer writes turn events as terminal output: chunks stream
// inline, tool calls get one line each. Implements agent.Sink.
type eventRenderer struct {
	out io.Writer

	mu      sync.Mutex
	midLine bool
}

func (r *eventRenderer) Emit(_ context.Context, event models.TurnEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch event.Type {
	case models.EventChunk:
		if event.Chunk == nil || event.Chunk.Text == "" {
			return
		}
		fmt.Fprint(r.out, event.Chunk.Text)
		r.midLine = !strings.HasSuffix(event.Chunk.Text, "\n")
	case models.EventToolStart:
		if event.Tool == nil {
			return
		}
		r.breakLine()
		detail := tools.CallDetail(event.Tool.Name, event.Tool.Arguments)
		if detail == "" {
			detail = compactJSON(event.Tool.Arguments)
		}
		fmt.Fprintf(r.out, "[tool] %s %s\n", event.Tool.Name, detail)
	case models.EventToolEnd:
		if event.Tool == nil {
			return
		}
		r.breakLine()
		state := "ok"
		if !event.Tool.Success {
			state = "failed"
		}
		fmt.Fprintf(r.out, "[tool] %s %s (%s)\n", event.Tool.Name, state, event.Tool.Elapsed.Round(time.Millisecond))
	case models.EventTurnFinal:
		r.breakLine()
	case models.EventTurnError:
		r.breakLine()
		if event.Error != nil {
			fmt.Fprintf(r.out, "error (%s): %s\n", event.Error.Kind, event.Error.Detail)
		}
	case models.EventTurnCancelled:
		r.breakLine()
		fmt.Fprintln(r.out, "turn cancelled")
	}
}

// breakLine terminates a partially streamed line before status output.
func (r *eventRenderer) breakLine() {
	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}
}

// compactJSON renders tool arguments on one short line.
func compactJSON(raw []byte) string {
	s := strings.Join(strings.Fields(string(raw)), " ")
	const max = 120
	if len(s) > max {
		return s[:max] + "…"
	}
	return s
}
