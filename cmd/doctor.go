package cmd

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/adhocore/gronx"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/coveyhq/covey/internal/config"
	"github.com/coveyhq/covey/internal/providers"
	"github.com/coveyhq/covey/internal/store/pg"
	"github.com/coveyhq/covey/internal/upgrade"
	"github.com/coveyhq/covey/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	var stats bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(stats)
		},
	}
	cmd.Flags().BoolVar(&stats, "stats", false, "include tool usage statistics (requires Postgres)")
	return cmd
}

func runDoctor(stats bool) {
	fmt.Println("covey doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if verbose {
		if data, err := json.MarshalIndent(cfg.MaskedCopy(), "  ", "  "); err == nil {
			fmt.Printf("  Effective config (secrets masked):\n  %s\n", data)
		}
	}

	ctx := context.Background()

	// Workspace
	workspace := cfg.WorkspacePath()
	fmt.Printf("  Workspace: %s", workspace)
	if err := checkWritable(workspace); err != nil {
		fmt.Printf(" (NOT WRITABLE: %s)\n", err)
	} else {
		fmt.Println(" (OK)")
	}

	// Model endpoint
	fmt.Println()
	fmt.Println("  Models:")
	fmt.Printf("    %-12s %s\n", "Host:", cfg.Models.Host)
	client := providers.NewClient(cfg.Models.Host, cfg.Models.APIKey, 10*time.Second)
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	n, err := client.ModelContextLength(probeCtx, cfg.Models.Default)
	cancel()
	switch {
	case err != nil:
		fmt.Printf("    %-12s %s (UNREACHABLE: %s)\n", "Default:", cfg.Models.Default, err)
	case n > 0:
		fmt.Printf("    %-12s %s (context %d)\n", "Default:", cfg.Models.Default, n)
	default:
		fmt.Printf("    %-12s %s (OK, context unknown; using %d)\n", "Default:", cfg.Models.Default, cfg.Models.ContextWindow)
	}
	if m := cfg.Models.ThinkingModel(); m != cfg.Models.Default {
		fmt.Printf("    %-12s %s\n", "Thinking:", m)
	}
	if m := cfg.Models.SummarizerModel(); m != cfg.Models.Default {
		fmt.Printf("    %-12s %s\n", "Summarizer:", m)
	}

	// Gateway
	fmt.Println()
	fmt.Println("  Gateway:")
	addr := cfg.GatewayAddr()
	fmt.Printf("    %-12s %s", "Address:", addr)
	if conn, err := net.DialTimeout("tcp", dialableAddr(cfg), 2*time.Second); err == nil {
		conn.Close()
		fmt.Println(" (RUNNING)")
	} else {
		fmt.Println(" (not running)")
	}
	if cfg.Gateway.Token == "" {
		fmt.Printf("    %-12s disabled (set COVEY_GATEWAY_TOKEN)\n", "Auth:")
	} else {
		fmt.Printf("    %-12s bearer token\n", "Auth:")
	}

	// Scheduled jobs
	if len(cfg.Gateway.ScheduledJobs) > 0 {
		fmt.Println()
		fmt.Println("  Scheduled jobs:")
		gron := gronx.New()
		for _, job := range cfg.Gateway.ScheduledJobs {
			if gron.IsValid(job.Cron) {
				fmt.Printf("    %-20s %s (OK)\n", job.Name+":", job.Cron)
			} else {
				fmt.Printf("    %-20s %s (INVALID CRON)\n", job.Name+":", job.Cron)
			}
		}
	}

	// Peers
	if len(cfg.Peers) > 0 {
		fmt.Println()
		fmt.Println("  Peers:")
		for _, c := range peerClients(cfg) {
			peerCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := c.Health(peerCtx)
			cancel()
			if err != nil {
				fmt.Printf("    %-20s %s (DOWN: %s)\n", c.Name()+":", c.BaseURL(), err)
			} else {
				fmt.Printf("    %-20s %s (OK)\n", c.Name()+":", c.BaseURL())
			}
		}
	}

	// MCP servers
	if len(cfg.MCP) > 0 {
		fmt.Println()
		fmt.Println("  MCP servers:")
		for name, srv := range cfg.MCP {
			switch {
			case srv.Command != "" && srv.URL != "":
				fmt.Printf("    %-20s INVALID (both command and url set)\n", name+":")
			case srv.Command != "":
				fmt.Printf("    %-20s stdio: %s\n", name+":", srv.Command)
			case srv.URL != "":
				fmt.Printf("    %-20s http: %s\n", name+":", srv.URL)
			default:
				fmt.Printf("    %-20s INVALID (neither command nor url set)\n", name+":")
			}
		}
	}

	// Database
	fmt.Println()
	fmt.Println("  Database:")
	if path := cfg.Database.JobsPath; path != "" {
		fmt.Printf("    %-12s %s\n", "Jobs:", config.ExpandHome(path))
	} else {
		fmt.Printf("    %-12s in-memory\n", "Jobs:")
	}
	if dsn := cfg.Database.PostgresDSN; dsn != "" {
		db, err := sql.Open("pgx", dsn)
		if err == nil {
			err = db.PingContext(ctx)
		}
		if err != nil {
			fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Postgres:", err)
		} else {
			defer db.Close()
			s, schemaErr := upgrade.CheckSchema(db)
			switch {
			case schemaErr != nil:
				fmt.Printf("    %-12s connected, schema check failed (%s)\n", "Postgres:", schemaErr)
			case s.Err() != nil:
				fmt.Printf("    %-12s connected\n", "Postgres:")
				fmt.Printf("    %-12s %s\n", "Schema:", upgrade.FormatError(s))
			default:
				fmt.Printf("    %-12s connected, schema v%d (up to date)\n", "Postgres:", s.CurrentVersion)
			}
			if stats && schemaErr == nil {
				printToolStats(ctx, db)
			}
		}
	} else {
		fmt.Printf("    %-12s sessions on disk at %s\n", "Postgres:", config.ExpandHome(cfg.Sessions.Storage))
		if stats {
			fmt.Printf("    %-12s --stats needs COVEY_POSTGRES_DSN\n", "Stats:")
		}
	}
}

func printToolStats(ctx context.Context, db *sql.DB) {
	counts, err := pg.NewLog(db).ToolInvocationCounts(ctx)
	if err != nil {
		fmt.Printf("    %-12s query failed (%s)\n", "Stats:", err)
		return
	}
	fmt.Println()
	fmt.Println("  Tool usage:")
	if len(counts) == 0 {
		fmt.Println("    no tool calls recorded")
		return
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})
	for _, name := range names {
		fmt.Printf("    %-20s %d\n", name+":", counts[name])
	}
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".covey-doctor")
	if err := os.WriteFile(probe, []byte("ok"), 0600); err != nil {
		return err
	}
	return os.Remove(probe)
}
