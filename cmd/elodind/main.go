package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alejandrosuarez/elodin/internal/bridge"
	"github.com/alejandrosuarez/elodin/internal/config"
	"github.com/alejandrosuarez/elodin/internal/ecs"
	"github.com/alejandrosuarez/elodin/internal/exec"
	"github.com/alejandrosuarez/elodin/internal/kernel"
	"github.com/alejandrosuarez/elodin/internal/metrics"
	"github.com/alejandrosuarez/elodin/internal/scene"
	"github.com/alejandrosuarez/elodin/internal/sched"
	"github.com/alejandrosuarez/elodin/internal/scripting"
	"github.com/alejandrosuarez/elodin/internal/snapshot"
	"github.com/alejandrosuarez/elodin/internal/transport"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// ── Startup display helpers ────────────────────────────────────────

func printBanner(serverName string, serverID int) {
	fmt.Println()
	fmt.Println("\033[36;1m  ┌───────────────────────────────────────────┐\033[0m")
	fmt.Println("\033[36;1m  │\033[0m               elodin  v0.1.0              \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  │\033[0m      deterministic simulation runtime     \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  └───────────────────────────────────────────┘\033[0m")
	fmt.Println()
	fmt.Printf("  \033[1mserver:\033[0m %s \033[90m(id: %d)\033[0m\n\n", serverName, serverID)
}

func printSection(title string) {
	lineLen := 46 - len(title) - 1
	if lineLen < 3 {
		lineLen = 3
	}
	fmt.Printf("  \033[33m── %s %s\033[0m\n", title, strings.Repeat("─", lineLen))
}

func printStat(label string, count int) {
	numStr := fmt.Sprintf("%d", count)
	dotsLen := 42 - len(label) - len(numStr)
	if dotsLen < 3 {
		dotsLen = 3
	}
	fmt.Printf("  %s \033[90m%s\033[0m \033[32m%s\033[0m\n", label, strings.Repeat("·", dotsLen), numStr)
}

func printOK(msg string) {
	fmt.Printf("  \033[32m✓\033[0m %s\n", msg)
}

func printReady(msg string) {
	fmt.Printf("  \033[32m▶\033[0m %s\n", msg)
}

// ── Main daemon logic ──────────────────────────────────────────────

func run() error {
	// 1. Load config
	cfgPath := "config/elodin.toml"
	if p := os.Getenv("ELODIN_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	printBanner(cfg.Server.Name, cfg.Server.ID)

	// 3. Connect the snapshot catalog when a DSN is configured
	var store *snapshot.Store
	if cfg.Snapshot.DSN != "" {
		printSection("Storage")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		db, err := snapshot.NewDB(ctx, cfg.Snapshot.DSN, log)
		if err != nil {
			return fmt.Errorf("snapshot store: %w", err)
		}
		defer db.Close()
		printOK("PostgreSQL connected")

		if err := snapshot.RunMigrations(ctx, db.Pool); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		printOK("migrations applied")
		fmt.Println()

		store = snapshot.NewStore(db)
	}

	// 4. Build the runtime: registry, world, scheduler, backend, executor
	reg := ecs.NewRegistry()
	w := ecs.NewWorld(reg)

	var backend kernel.Backend
	switch cfg.Sim.Backend {
	case "", "cpu":
		backend = kernel.NewCPU()
	case "lua":
		eng, err := scripting.NewEngine(cfg.Sim.ScriptsDir, log)
		if err != nil {
			return fmt.Errorf("lua engine: %w", err)
		}
		defer eng.Close()
		backend = scripting.NewBackend(eng)
	default:
		return fmt.Errorf("unknown backend %q", cfg.Sim.Backend)
	}

	x := exec.New(w, sched.New(), backend, log)
	x.SetWorkers(cfg.Sim.Workers)

	// 5. Transport server and sync bridge. The bridge is wired before the
	// scene loads so spawn placements reach the dirty tracker.
	srv, err := transport.NewServer(
		cfg.Transport.BindAddress,
		cfg.Transport.InQueueSize,
		cfg.Transport.OutQueueSize,
		cfg.Transport.FramesPerSec,
		log,
	)
	if err != nil {
		return fmt.Errorf("transport server: %w", err)
	}
	go srv.AcceptLoop()

	m := metrics.New()
	b := bridge.New(w, srv, bridge.Config{
		Server:     cfg.Server.Name,
		QueueSize:  cfg.Bridge.QueueSize,
		InboundCap: cfg.Bridge.InboundCap,
	}, log)
	b.SetMetrics(m)
	x.SetSink(b)
	b.Start()

	if cfg.Metrics.BindAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.Metrics.BindAddress, mux); err != nil {
				log.Error("metrics endpoint", zap.Error(err))
			}
		}()
	}

	// 6. Load the scene. A restore boot takes entities from the snapshot
	// directory instead of the scene's spawn groups.
	printSection("Scene")

	sc, err := scene.Load(cfg.Scene.Path)
	if err != nil {
		return fmt.Errorf("load scene: %w", err)
	}
	printStat("components", len(sc.Components))
	printStat("systems", len(sc.Systems))

	if cfg.Snapshot.RestoreOnBoot {
		if err := sc.ApplyDefs(reg, x); err != nil {
			return fmt.Errorf("apply scene: %w", err)
		}
		snap, err := snapshot.ReadDir(cfg.Snapshot.Dir)
		if err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
		if err := snapshot.Apply(snap, w); err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
		printStat("entities restored", snap.EntityCount())
		printOK(fmt.Sprintf("resumed at tick %d", w.Tick()))
	} else {
		if err := sc.Apply(reg, w, x); err != nil {
			return fmt.Errorf("apply scene: %w", err)
		}
		printStat("entities", w.EntityCount())
	}
	fmt.Println()

	// 7. Start the tick loop
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	tickRate := cfg.Sim.TickRate.Duration
	ticker := time.NewTicker(tickRate)
	defer ticker.Stop()

	printSection("Ready")
	printReady(fmt.Sprintf("listening on %s", srv.Addr().String()))
	if cfg.Metrics.BindAddress != "" {
		printReady(fmt.Sprintf("metrics on %s/metrics", cfg.Metrics.BindAddress))
	}
	printReady(fmt.Sprintf("tick loop started (rate: %s, backend: %s)", tickRate, backend.Name()))
	fmt.Println()

	snapCounter := 0
	for {
		select {
		case <-ticker.C:
			b.ApplyInbound()
			rep, err := x.Tick(context.Background(), tickRate)
			if err != nil {
				log.Error("tick aborted", zap.Error(err))
				continue
			}
			m.Ticks.Inc()
			m.TickDuration.Observe(rep.Elapsed.Seconds())
			for _, d := range rep.Stages {
				m.StageDuration.Observe(d.Seconds())
			}
			m.Entities.Set(float64(w.EntityCount()))
			for _, f := range rep.Failed {
				m.SystemFailed.WithLabelValues(f.System).Inc()
				log.Warn("system output discarded", zap.String("system", f.System), zap.Error(f.Err))
			}
			// Periodic snapshot
			if cfg.Snapshot.IntervalTicks > 0 {
				snapCounter++
				if snapCounter >= cfg.Snapshot.IntervalTicks {
					snapCounter = 0
					saveSnapshot(w, cfg.Snapshot, store, cfg.Server.Name, log)
				}
			}
		case sig := <-shutdownCh:
			log.Info("shutdown signal received", zap.String("signal", sig.String()))
			// Persist the final tick before stopping
			if cfg.Snapshot.IntervalTicks > 0 {
				saveSnapshot(w, cfg.Snapshot, store, cfg.Server.Name, log)
			}
			b.Close()
			srv.Shutdown()
			log.Info("server stopped")
			return nil
		}
	}
}

// saveSnapshot captures the world into the snapshot directory, plus the
// Postgres catalog when a store is configured. Runs between ticks only.
func saveSnapshot(w *ecs.World, scfg config.SnapshotConfig, store *snapshot.Store, name string, log *zap.Logger) {
	snap := snapshot.Capture(w)
	if err := snapshot.WriteDir(snap, scfg.Dir); err != nil {
		log.Error("write snapshot", zap.Error(err))
		return
	}
	log.Info("snapshot written",
		zap.Uint64("tick", snap.Tick),
		zap.Int("entities", snap.EntityCount()),
		zap.String("dir", scfg.Dir))

	if store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	id, err := store.Save(ctx, name, snap)
	if err != nil {
		log.Error("store snapshot", zap.Error(err))
		return
	}
	log.Info("snapshot stored", zap.Int64("id", id), zap.Uint64("tick", snap.Tick))
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
