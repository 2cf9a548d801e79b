package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/chorewheel/internal/audit"
	"github.com/basket/chorewheel/internal/bus"
	"github.com/basket/chorewheel/internal/config"
	"github.com/basket/chorewheel/internal/engine"
	otelPkg "github.com/basket/chorewheel/internal/otel"
	"github.com/basket/chorewheel/internal/persistence"
	"github.com/basket/chorewheel/internal/scanner"
	"github.com/basket/chorewheel/internal/shared"
	"github.com/basket/chorewheel/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Run the boundary scanner daemon

SUBCOMMANDS:
  %s claim <chore> <member>   Claim a chore for a household member
  %s approve <chore> <member> Approve a member's chore completion
  %s reset <chore>            Manually reset a chore (MANUAL_ONLY included)
  %s events <chore>           Show the chore's event log

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CHOREWHEEL_HOME             Data directory (default: ~/.chorewheel)
  CHOREWHEEL_LOG_LEVEL        Log level: debug, info, warn, error
  CHOREWHEEL_DB_PATH          SQLite database path override
`)
}

func main() {
	sweep := flag.Bool("sweep", false, "run one boundary sweep and exit")
	quiet := flag.Bool("quiet", false, "suppress stdout logging (file log only)")
	version := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *version {
		fmt.Println("chorewheel", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet || cfg.Quiet)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if err := audit.Init(cfg.HomeDir); err != nil {
		logger.Warn("audit log unavailable", "error", err)
	}
	defer audit.Close()

	provider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		logger.Error("otel init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		logger.Error("otel metrics init failed", "error", err)
		os.Exit(1)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		logger.Error("open store failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	audit.SetDB(store.DB())

	if err := seedChores(ctx, store, cfg); err != nil {
		logger.Error("seed chores failed", "error", err)
		os.Exit(1)
	}

	b := bus.New()
	eng := engine.New(engine.Config{
		Store:   store,
		Bus:     b,
		Logger:  logger,
		Metrics: metrics,
	})

	if args := flag.Args(); len(args) > 0 {
		os.Exit(runCommand(ctx, eng, store, logger, args))
	}

	scn := scanner.New(scanner.Config{
		Store:    store,
		Engine:   eng,
		Bus:      b,
		Logger:   logger,
		Metrics:  metrics,
		Interval: cfg.ScanInterval(),
	})

	if *sweep {
		scn.Tick(shared.WithTraceID(ctx, shared.NewTraceID()))
		return
	}

	scn.Start(ctx)
	defer scn.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go watchReloads(ctx, watcher, store, logger, cfg.Fingerprint())
	}

	logger.Info("chorewheel daemon started",
		"version", Version,
		"home", cfg.HomeDir,
		"scan_interval", cfg.ScanInterval(),
		"chores", len(cfg.Chores),
	)
	<-ctx.Done()
	logger.Info("chorewheel daemon shutting down")
}

// seedChores reconciles the registry with config.yaml: every configured
// chore is upserted (existing records keep their state; definitions and the
// assignee set are refreshed) and chores no longer in the config are removed.
func seedChores(ctx context.Context, store *persistence.Store, cfg config.Config) error {
	now := time.Now()
	configured := make(map[string]struct{}, len(cfg.Chores))
	for _, cc := range cfg.Chores {
		configured[cc.ID] = struct{}{}
		due, err := cc.FirstDueTime(now)
		if err != nil {
			return err
		}
		if err := store.UpsertChore(ctx, cc.Chore(), due, now); err != nil {
			return fmt.Errorf("upsert chore %s: %w", cc.ID, err)
		}
	}
	ids, err := store.ListChoreIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, ok := configured[id]; ok {
			continue
		}
		if err := store.DeleteChore(ctx, id); err != nil {
			return fmt.Errorf("delete chore %s: %w", id, err)
		}
	}
	return nil
}

// watchReloads re-seeds chore definitions when config.yaml changes.
func watchReloads(ctx context.Context, watcher *config.Watcher, store *persistence.Store, logger *slog.Logger, fingerprint string) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watcher.Events():
			if !ok {
				return
			}
			cfg, err := config.Load()
			if err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			next := cfg.Fingerprint()
			if next == fingerprint {
				continue
			}
			fingerprint = next
			if err := seedChores(ctx, store, cfg); err != nil {
				logger.Error("chore reload failed", "error", err)
				continue
			}
			logger.Info("chore definitions reloaded", "chores", len(cfg.Chores), "fingerprint", next)
		}
	}
}

func runCommand(ctx context.Context, eng *engine.Engine, store *persistence.Store, logger *slog.Logger, args []string) int {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	cmd := strings.ToLower(strings.TrimSpace(args[0]))
	switch cmd {
	case "help", "-h", "--help":
		printUsage()
		return 0

	case "claim", "approve":
		if len(args) != 3 {
			fmt.Fprintf(os.Stderr, "usage: chorewheel %s <chore> <member>\n", cmd)
			return 2
		}
		choreID, memberID := args[1], args[2]
		if cmd == "claim" {
			if err := eng.Claim(ctx, choreID, memberID); err != nil {
				fmt.Fprintln(os.Stderr, "claim:", err)
				return 1
			}
			fmt.Printf("claimed %s for %s\n", choreID, memberID)
			return 0
		}
		result, err := eng.Approve(ctx, choreID, memberID)
		if err != nil {
			fmt.Fprintln(os.Stderr, "approve:", err)
			return 1
		}
		fmt.Printf("approved %s for %s: decision=%s changes=%d\n",
			choreID, memberID, result.Decision, len(result.Changed))
		return 0

	case "reset":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: chorewheel reset <chore>")
			return 2
		}
		result, err := eng.ResetManual(ctx, args[1])
		if err != nil {
			fmt.Fprintln(os.Stderr, "reset:", err)
			return 1
		}
		fmt.Printf("reset %s: changes=%d\n", args[1], len(result.Changed))
		return 0

	case "events":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: chorewheel events <chore>")
			return 2
		}
		events, err := store.ListChoreEvents(ctx, args[1], 100)
		if err != nil {
			fmt.Fprintln(os.Stderr, "events:", err)
			return 1
		}
		if len(events) == 0 {
			fmt.Println("no events")
			return 0
		}
		for _, ev := range events {
			fmt.Printf("%s  %-20s %-10s %-22s %s -> %s\n",
				ev.CreatedAt.Format(time.RFC3339), ev.EventType, ev.Trigger,
				ev.Decision, ev.StateFrom, ev.StateTo)
		}
		return 0

	default:
		logger.Error("unknown command", "command", cmd)
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		printUsage()
		return 2
	}
}
