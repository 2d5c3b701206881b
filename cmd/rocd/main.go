package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"syscall"
	"time"

	"github.com/weppcloud/roc/internal/command"
	"github.com/weppcloud/roc/internal/config"
	"github.com/weppcloud/roc/internal/eventlog"
	"github.com/weppcloud/roc/internal/inbox"
	"github.com/weppcloud/roc/internal/jobq"
	"github.com/weppcloud/roc/internal/locker"
	"github.com/weppcloud/roc/internal/log"
	"github.com/weppcloud/roc/internal/redisstore"
	"github.com/weppcloud/roc/internal/runfs"
	"github.com/weppcloud/roc/internal/token"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("rocd", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if *showVersion {
		fmt.Printf("rocd version %s\n", version)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("rocd starting", "version", version, "run_root", cfg.Service.RunRoot)

	pidPath := cfg.Service.PIDFile
	if pidPath == "" {
		pidPath = filepath.Join(os.TempDir(), "rocd.pid")
	}
	pidLock, err := locker.AcquirePIDLock(pidPath)
	if err != nil {
		logger.Error("failed to acquire daemon lock (another instance may be running)", "path", pidPath, "error", err)
		return 1
	}
	defer pidLock.Release()

	runs, err := runfs.NewManager(cfg.Service.RunRoot)
	if err != nil {
		logger.Error("invalid run root", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := redisstore.New(cfg.RedisAddr())
	if err != nil {
		logger.Error("failed to open redis client", "error", err)
		return 1
	}
	defer rdb.Close()
	if err := redisstore.Ping(ctx, rdb, 5*time.Second); err != nil {
		logger.Error("redis unreachable", "addr", cfg.RedisAddr(), "error", err)
		return 1
	}
	logger.Info("redis connected", "addr", cfg.RedisAddr())

	tokens, err := token.New(cfg.Auth)
	if err != nil {
		logger.Error("token service init failed", "error", err)
		return 1
	}

	locks := locker.New(rdb)
	levels := eventlog.NewLevelStore(rdb)
	events := eventlog.NewWriter(runs, rdb, levels)

	jobStore := jobq.NewRedisStore(rdb, cfg.Queue.ResultTTL)
	jobs := jobq.NewService(jobStore, cfg.Queue.DefaultQueue)
	pool := jobq.NewPool(jobStore, cfg.Queue.Queues, cfg.Queue.Workers, events)

	inboxPath := cfg.Inbox.DBPath
	if inboxPath == "" {
		inboxPath = filepath.Join(cfg.Service.RunRoot, "_inbox", "inbox.db")
	}
	db, err := inbox.Open(ctx, inboxPath)
	if err != nil {
		logger.Error("failed to open inbox db", "path", inboxPath, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("inbox db opened", "path", inboxPath)

	messages := inbox.NewStore(db)
	providers := inbox.NewRegistry(
		inbox.Provider{Name: "exec", Interactive: false},
		inbox.Provider{Name: "claude", Interactive: true, IdlePattern: regexp.MustCompile(`(?m)^[>❯] ?$`)},
	)
	sessions := inbox.NewFileSessionSource(filepath.Join(cfg.Service.RunRoot, "_sessions"))
	deliverer := inbox.NewDeliverer(messages, providers, sessions, inbox.NewFileSender(sessions), events, cfg.Inbox.PollInterval)

	server := command.New(command.Config{Listen: cfg.Service.Listen}, tokens, locks, levels, jobs, deliverer, runs)

	errCh := make(chan error, 3)
	go func() { errCh <- server.Start(ctx) }()
	go func() { errCh <- pool.Start(ctx) }()
	go func() { errCh <- deliverer.Watch(ctx) }()

	err = <-errCh
	if err != nil && err != context.Canceled {
		logger.Error("component failed", "error", err)
		return 1
	}
	logger.Info("rocd stopped")
	return 0
}
