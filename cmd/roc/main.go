// roc is the admin CLI for the run orchestration daemon: store health,
// lock inspection, log levels, token issuance, job lookup, and live event
// tailing.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/redis/go-redis/v9"

	"github.com/weppcloud/roc/internal/config"
	"github.com/weppcloud/roc/internal/doctor"
	"github.com/weppcloud/roc/internal/eventlog"
	"github.com/weppcloud/roc/internal/jobq"
	"github.com/weppcloud/roc/internal/locker"
	"github.com/weppcloud/roc/internal/redisstore"
	"github.com/weppcloud/roc/internal/token"
)

const version = "0.1.0"

// Exit codes: 0 success, 1 user error, 2 service unavailable.
const (
	exitOK          = 0
	exitUserError   = 1
	exitUnavailable = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitUserError)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "status":
		os.Exit(runStatus(args))
	case "locks":
		os.Exit(runLocks(args))
	case "loglevel":
		os.Exit(runLogLevel(args))
	case "issue-token":
		os.Exit(runIssueToken(args))
	case "job":
		os.Exit(runJob(args))
	case "tail":
		os.Exit(runTail(args))
	case "version":
		fmt.Printf("roc version %s\n", version)
		os.Exit(exitOK)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(exitOK)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(exitUserError)
	}
}

func printUsage() {
	fmt.Print(`roc - run orchestration admin tool

Usage:
  roc <command> [flags]

Commands:
  status                      Report health of lock store, pub/sub, queue, token secret
  locks <runid>               Print the run's lock map
  loglevel <runid> <level>    Set the run's effective log level
  issue-token <subject>       Emit a signed token to stdout
      --runs <id,...> [--scope <s,...>] [--expires-in <seconds>] [--tier <tier>]
  job <job-id>                Print a job envelope
  tail <runid>                Stream the run's events
  version                     Show version information

Common flags:
  --config <path>             Path to configuration file

Exit codes: 0 success, 1 user error, 2 service unavailable.
`)
}

// loadConfig parses the shared --config flag and loads configuration.
func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, []string, int) {
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return nil, nil, exitUserError
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, nil, exitUserError
	}
	return cfg, fs.Args(), exitOK
}

func openRedis(cfg *config.Config) (*redis.Client, int) {
	rdb, err := redisstore.New(cfg.RedisAddr())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid redis endpoint: %v\n", err)
		return nil, exitUserError
	}
	if err := redisstore.Ping(context.Background(), rdb, 3*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "Store unreachable: %v\n", err)
		_ = rdb.Close()
		return nil, exitUnavailable
	}
	return rdb, exitOK
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfg, _, code := loadConfig(fs, args)
	if code != exitOK {
		return code
	}

	rdb, err := redisstore.New(cfg.RedisAddr())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid redis endpoint: %v\n", err)
		return exitUserError
	}
	defer rdb.Close()

	result := doctor.New(cfg, rdb).Run(context.Background())
	for _, check := range result.Checks {
		mark := "ok"
		if !check.OK {
			mark = "FAIL"
			if check.Detail != "" {
				mark += " (" + check.Detail + ")"
			}
		}
		fmt.Printf("%-14s %s\n", check.Component, mark)
	}
	for _, issue := range result.Errors {
		fmt.Printf("error: %s: %s\n", issue.Field, issue.Message)
	}
	for _, issue := range result.Warnings {
		fmt.Printf("warning: %s: %s\n", issue.Field, issue.Message)
	}

	if !result.Healthy {
		return exitUnavailable
	}
	fmt.Println("healthy")
	return exitOK
}

func runLocks(args []string) int {
	fs := flag.NewFlagSet("locks", flag.ExitOnError)
	cfg, rest, code := loadConfig(fs, args)
	if code != exitOK {
		return code
	}
	if len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: roc locks <runid>")
		return exitUserError
	}
	runid := rest[0]

	rdb, code := openRedis(cfg)
	if code != exitOK {
		return code
	}
	defer rdb.Close()

	statuses, err := locker.New(rdb).Statuses(context.Background(), runid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock query failed: %v\n", err)
		return exitUnavailable
	}

	out, _ := json.MarshalIndent(statuses, "", "  ")
	fmt.Println(string(out))
	return exitOK
}

func runLogLevel(args []string) int {
	fs := flag.NewFlagSet("loglevel", flag.ExitOnError)
	cfg, rest, code := loadConfig(fs, args)
	if code != exitOK {
		return code
	}
	if len(rest) != 2 {
		fmt.Fprintln(os.Stderr, "Usage: roc loglevel <runid> <level>")
		return exitUserError
	}
	runid, level := rest[0], rest[1]

	if _, err := eventlog.ParseLevel(level); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitUserError
	}

	rdb, code := openRedis(cfg)
	if code != exitOK {
		return code
	}
	defer rdb.Close()

	if err := eventlog.NewLevelStore(rdb).Set(context.Background(), runid, level); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set level: %v\n", err)
		return exitUnavailable
	}
	fmt.Printf("%s loglevel set to %s\n", runid, strings.ToUpper(level))
	return exitOK
}

func runIssueToken(args []string) int {
	fs := flag.NewFlagSet("issue-token", flag.ExitOnError)
	runs := fs.String("runs", "", "Comma-separated run ids the token is scoped to")
	scope := fs.String("scope", "", "Comma-separated scopes")
	expiresIn := fs.Int("expires-in", 0, "Token lifetime in seconds")
	tier := fs.String("tier", "", "Capability tier")
	cfg, rest, code := loadConfig(fs, args)
	if code != exitOK {
		return code
	}
	if len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: roc issue-token <subject> --runs <id,...> [--scope <s,...>] [--expires-in N] [--tier <tier>]")
		return exitUserError
	}
	subject := rest[0]

	svc, err := token.New(cfg.Auth)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Token service unavailable: %v\n", err)
		return exitUserError
	}

	opts := token.IssueOptions{
		Runs:   splitList(*runs),
		Scopes: splitList(*scope),
		Tier:   *tier,
	}
	if *expiresIn > 0 {
		opts.ExpiresIn = time.Duration(*expiresIn) * time.Second
	}

	signed, _, err := svc.Issue(subject, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Issuance failed: %v\n", err)
		return exitUserError
	}
	fmt.Println(signed)
	return exitOK
}

func runJob(args []string) int {
	fs := flag.NewFlagSet("job", flag.ExitOnError)
	cfg, rest, code := loadConfig(fs, args)
	if code != exitOK {
		return code
	}
	if len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: roc job <job-id>")
		return exitUserError
	}
	jobID := rest[0]

	rdb, code := openRedis(cfg)
	if code != exitOK {
		return code
	}
	defer rdb.Close()

	store := jobq.NewRedisStore(rdb, cfg.Queue.ResultTTL)
	info, err := jobq.NewService(store, cfg.Queue.DefaultQueue).Info(context.Background(), jobID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Job lookup failed: %v\n", err)
		return exitUserError
	}

	out, _ := json.MarshalIndent(info, "", "  ")
	fmt.Println(string(out))
	return exitOK
}

var levelStyles = map[string]lipgloss.Style{
	"DEBUG":    lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	"INFO":     lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
	"WARNING":  lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
	"ERROR":    lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
	"CRITICAL": lipgloss.NewStyle().Foreground(lipgloss.Color("13")).Bold(true),
}

func runTail(args []string) int {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	history := fs.Int64("history", 50, "Recent events to print before following")
	cfg, rest, code := loadConfig(fs, args)
	if code != exitOK {
		return code
	}
	if len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: roc tail <runid>")
		return exitUserError
	}
	runid := rest[0]

	rdb, code := openRedis(cfg)
	if code != exitOK {
		return code
	}
	defer rdb.Close()

	ctx := context.Background()

	recent, err := eventlog.History(ctx, rdb, runid, *history)
	if err != nil {
		fmt.Fprintf(os.Stderr, "History unavailable: %v\n", err)
		return exitUnavailable
	}
	var lastSeq int64
	for _, ev := range recent {
		printEvent(ev)
		lastSeq = ev.Seq
	}

	hub := eventlog.NewHub(256)
	events, cancel := hub.Subscribe()
	defer cancel()
	go func() {
		if err := eventlog.Listen(ctx, rdb, runid, hub); err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "Stream ended: %v\n", err)
			os.Exit(exitUnavailable)
		}
	}()

	for ev := range events {
		if ev.Seq != 0 && ev.Seq <= lastSeq {
			continue
		}
		printEvent(ev)
	}
	return exitOK
}

func printEvent(ev eventlog.Event) {
	level := ev.Level
	if style, ok := levelStyles[level]; ok {
		level = style.Render(level)
	}
	ts := time.Unix(0, int64(ev.Ts*1e9)).Format("15:04:05.000")
	fmt.Printf("%s %-8s %-12s %s\n", ts, level, ev.Source, ev.Message)
	if len(ev.Context) > 0 {
		if raw, err := json.Marshal(ev.Context); err == nil {
			fmt.Printf("           %s\n", string(raw))
		}
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
