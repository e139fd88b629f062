package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/coveyhq/covey/internal/agent"
	"github.com/coveyhq/covey/internal/permissions"
	"github.com/coveyhq/covey/internal/providers"
	"github.com/coveyhq/covey/internal/sessions"
)

const toolLineWidth = 100

func chatCmd() *cobra.Command {
	var (
		message    string
		sessionKey string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the agent on this terminal",
		Long: "Runs the agent loop against the configured endpoint. Without -m an\n" +
			"interactive REPL starts; with -m the single message is answered and\n" +
			"the process exits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(message, sessionKey)
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "send one message and exit")
	cmd.Flags().StringVar(&sessionKey, "session", "", "resume the session with this key")
	return cmd
}

func runChat(message, sessionKey string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var prompt permissions.PromptFunc
	if !cfg.Permissions.AutoApprove {
		prompt = terminalPrompt()
	}

	rt, err := buildRuntime(ctx, cfg, prompt, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	if sessionKey == "" {
		sessionKey = sessions.ChatKey()
	}

	newLoop := func(key string) (*agent.Loop, error) {
		sess, err := rt.sessions.GetOrCreate(ctx, key, defaultSystemPrompt(cfg))
		if err != nil {
			return nil, fmt.Errorf("open session: %w", err)
		}
		return agent.NewLoop(rt.client, sess, rt.registry, rt.dispatcher, rt.summarizer, rt.loopCfg, replObserver(), logger), nil
	}

	loop, err := newLoop(sessionKey)
	if err != nil {
		return err
	}

	if message != "" {
		return chatTurn(ctx, loop, message)
	}

	fmt.Fprintf(os.Stderr, "covey %s | model %s | host %s\n", Version, rt.loopCfg.ModelID, cfg.Models.Host)
	fmt.Fprintf(os.Stderr, "session %s\n", sessionKey)
	fmt.Fprintf(os.Stderr, "type \"exit\" to quit, \"/new\" for a fresh session\n\n")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\nbye")
			return nil
		default:
		}

		fmt.Fprint(os.Stderr, "you> ")
		if !scanner.Scan() {
			fmt.Fprintln(os.Stderr)
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return nil
		}
		if input == "/new" {
			sessionKey = sessions.ChatKey()
			if loop, err = newLoop(sessionKey); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "new session: %s\n\n", sessionKey)
			continue
		}

		if err := chatTurn(ctx, loop, input); err != nil {
			if ctx.Err() != nil {
				fmt.Fprintln(os.Stderr, "\nbye")
				return nil
			}
			fmt.Fprintf(os.Stderr, "error: %v\n\n", err)
		}
	}
}

// chatTurn runs one message through the loop. Tokens were already streamed
// by the observer; only bookkeeping output happens here.
func chatTurn(ctx context.Context, loop *agent.Loop, input string) error {
	content, err := loop.Run(ctx, input)
	switch {
	case errors.Is(err, agent.ErrMaxIterations):
		fmt.Fprintf(os.Stderr, "\n(stopped: %v)\n\n", err)
		return nil
	case err != nil:
		return err
	}
	loop.Session().AppendAssistant(ctx, content, nil)
	fmt.Print("\n\n")

	if verbose {
		t := loop.Tracker()
		fmt.Fprintf(os.Stderr, "(context: %d tokens", t.Current())
		if max := t.MaxContext(); max > 0 {
			fmt.Fprintf(os.Stderr, " of %d", max)
		}
		fmt.Fprint(os.Stderr, ")\n\n")
	}
	return nil
}

// replObserver renders the stream on the terminal: answer tokens on
// stdout, everything else on stderr so output stays pipeable.
func replObserver() agent.Observer {
	var mu sync.Mutex
	return agent.Observer{
		OnToken: func(token string) {
			mu.Lock()
			defer mu.Unlock()
			fmt.Print(token)
		},
		OnToolCall: func(call providers.ToolCall) {
			mu.Lock()
			defer mu.Unlock()
			line := fmt.Sprintf("  [tool] %s %s", call.Name, call.Arguments)
			fmt.Fprintln(os.Stderr, runewidth.Truncate(line, toolLineWidth, "..."))
		},
		OnToolResult: func(call providers.ToolCall, result string) {
			if !verbose {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			line := fmt.Sprintf("  [tool] %s -> %s", call.Name, result)
			fmt.Fprintln(os.Stderr, runewidth.Truncate(line, toolLineWidth, "..."))
		},
		OnSummarization: func(summary string) {
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintf(os.Stderr, "  [compacted history to %d chars]\n", len(summary))
		},
	}
}
