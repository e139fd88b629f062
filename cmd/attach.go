package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"

	"github.com/coder/websocket"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/coveyhq/covey/pkg/protocol"
)

func attachCmd() *cobra.Command {
	var (
		rawURL string
		token  string
		jobID  string
	)
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Follow an agent's live event stream",
		Long: "Connects to a gateway's /ws mirror and renders every frame: token\n" +
			"stream on stdout, tool calls and job transitions on stderr. Attach to\n" +
			"the local gateway by default, or any peer with --url.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAttach(rawURL, token, jobID)
		},
	}
	cmd.Flags().StringVar(&rawURL, "url", "", "gateway WebSocket URL (default: the local gateway)")
	cmd.Flags().StringVar(&token, "token", "", "bearer token (default: $COVEY_GATEWAY_TOKEN)")
	cmd.Flags().StringVar(&jobID, "job", "", "only show frames for this job id")
	return cmd
}

func runAttach(rawURL, token, jobID string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if rawURL == "" {
		rawURL = "ws://" + dialableAddr(cfg) + "/ws"
	}
	if token == "" {
		token = cfg.Gateway.Token
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	conn, _, err := websocket.Dial(ctx, rawURL, opts)
	if err != nil {
		return fmt.Errorf("dial %s: %w", rawURL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	fmt.Fprintf(os.Stderr, "attached to %s (ctrl-c to detach)\n", rawURL)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				fmt.Fprintln(os.Stderr, "\ndetached")
				return nil
			}
			return fmt.Errorf("read event stream: %w", err)
		}

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			fmt.Fprintf(os.Stderr, "malformed frame: %v\n", err)
			continue
		}
		renderFrame(os.Stdout, os.Stderr, frame, jobID)
		if frame.Type == protocol.EventShutdown {
			fmt.Fprintln(os.Stderr, "agent shut down")
			return nil
		}
	}
}

// renderFrame writes one event frame for human eyes. Answer tokens go to
// out; everything else goes to errOut so piping stdout captures only the
// model's answer.
func renderFrame(out, errOut io.Writer, f protocol.Frame, jobFilter string) {
	if jobFilter != "" && f.JobID != "" && f.JobID != jobFilter {
		return
	}

	var p map[string]any
	if len(f.Payload) > 0 {
		json.Unmarshal(f.Payload, &p)
	}
	str := func(key string) string {
		s, _ := p[key].(string)
		return s
	}

	switch f.Type {
	case protocol.ChatEventChunk:
		fmt.Fprint(out, str("content"))
	case protocol.ChatEventThinking:
		if verbose {
			fmt.Fprint(errOut, str("content"))
		}
	case protocol.AgentEventToolCall:
		fmt.Fprintf(errOut, "\n  [tool] %s\n", str("name"))
	case protocol.AgentEventToolProgress:
		if verbose {
			line := fmt.Sprintf("  [tool] %s %s %s", str("name"), str("status"), str("message"))
			fmt.Fprintln(errOut, runewidth.Truncate(line, toolLineWidth, "..."))
		}
	case protocol.AgentEventToolResult:
		line := fmt.Sprintf("  [tool] %s -> %s", str("name"), str("result"))
		fmt.Fprintln(errOut, runewidth.Truncate(line, toolLineWidth, "..."))
	case protocol.AgentEventSummarized:
		fmt.Fprintln(errOut, "  [history compacted]")
	case protocol.AgentEventUsage:
		if total, ok := p["total_tokens"].(float64); verbose && ok {
			fmt.Fprintf(errOut, "  [usage] %.0f tokens\n", total)
		}
	case protocol.EventJobStatus:
		line := fmt.Sprintf("\n[job %s] %s", shortID(f.JobID), str("status"))
		if e := str("error"); e != "" {
			line += ": " + e
		}
		fmt.Fprintln(errOut, line)
	case protocol.EventSchedule:
		fmt.Fprintf(errOut, "[schedule %s] submitted job %s\n", str("schedule"), shortID(f.JobID))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
