package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"typerace/broker/internal/config"
	"typerace/broker/internal/controller"
	"typerace/broker/internal/fanout"
	"typerace/broker/internal/flags"
	"typerace/broker/internal/httpapi"
	"typerace/broker/internal/ids"
	"typerace/broker/internal/logging"
	"typerace/broker/internal/networking"
	"typerace/broker/internal/raceengine"
	"typerace/broker/internal/replay"
	"typerace/broker/internal/textprovider"
)

// readinessTracker implements httpapi.ReadinessProvider over the live Hub,
// recording the process start time and the first fatal startup error (if
// any) so /readyz can report it without the HTTP layer reaching back into
// the wiring code directly.
type readinessTracker struct {
	mu        sync.RWMutex
	hub       *fanout.Hub
	startedAt time.Time
	startErr  error
}

func newReadinessTracker(hub *fanout.Hub, startedAt time.Time) *readinessTracker {
	return &readinessTracker{hub: hub, startedAt: startedAt}
}

func (r *readinessTracker) SnapshotClientCounts() (clients, pending int) {
	return r.hub.ClientCount(), 0
}

func (r *readinessTracker) StartupError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.startErr
}

func (r *readinessTracker) Uptime() time.Duration {
	return time.Since(r.startedAt)
}

func (r *readinessTracker) setStartupError(err error) {
	r.mu.Lock()
	r.startErr = err
	r.mu.Unlock()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("configuration error: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		os.Stderr.WriteString("logging setup error: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting typing-race server",
		logging.String("env", cfg.NodeEnv),
		logging.String("port", cfg.Port),
		logging.Bool("selfHealing", cfg.SelfHealingEnabled),
	)

	text, err := textprovider.New(time.Now().UnixNano())
	if err != nil {
		log.Fatal("failed to load text corpus", logging.Error(err))
	}

	flagStore := flags.NewStore()
	replayStore := replay.NewStore(flagStore, ids.SystemClock)
	bandwidth := networking.NewProgressBandwidthRegulator(cfg.BandwidthBytesPerSecond, time.Now)

	// Two-step wiring: the Hub needs to exist to be handed to the Engine as
	// its EventSink, but the Hub also needs the Engine back to service
	// get_game_state/get_all_games lookups and disconnect cleanup.
	hub := fanout.NewHub(flagStore, log)
	hub.SetBandwidth(bandwidth)

	engineCfg := raceengine.EngineConfig{
		DefaultMaxPlayers: cfg.MaxPlayersPerGame,
		MinPlayersToStart: cfg.MinPlayersToStart,
		CountdownSeconds:  cfg.CountdownSeconds,
		MaxRaceTime:       cfg.MaxRaceTime,
		CleanupDelay:      cfg.CleanupDelay,
	}
	engine := raceengine.NewEngine(engineCfg, text, replayStore, flagStore, ids.SystemClock, hub, time.Now().UnixNano(), log)
	hub.SetEngine(engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine.Start(ctx)

	sweeper := replay.NewSweeper(replayStore, ids.SystemClock, log)
	go sweeper.Run(ctx, 30*time.Second)

	ctrl := controller.New(engine, replayStore, flagStore, ids.SystemClock, log, cfg.MaxPlayersPerGame, nil)
	if cfg.SelfHealingEnabled {
		go ctrl.Run(ctx, 10*time.Second)
		log.Info("self-healing controller engaged")
	}

	startedAt := time.Now()
	readiness := newReadinessTracker(hub, startedAt)

	limiter := httpapi.NewSlidingWindowLimiter(15*time.Minute, 100, time.Now)
	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:     log,
		Readiness:  readiness,
		Stats:      hub.Stats,
		Games:      hub.GetAllGames,
		Bandwidth:  bandwidth,
		AdminToken: cfg.AdminAPIKey,
		Replay: httpapi.ReplayDumperFunc(func(_ context.Context, sessionID string) (string, error) {
			return replayStore.Dump(cfg.ReplayDumpDir, sessionID)
		}),
		RateLimiter: limiter,
		TimeSource:  time.Now,
		ReplayStats: replayStore.Stats,
		QueueDepth:  engine.QueueDepth,
	})

	mux := http.NewServeMux()
	handlers.Register(mux)
	mux.Handle("/ws", hub)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           logging.HTTPTraceMiddleware(log)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErrors := make(chan error, 1)
	go func() {
		log.Info("listening",
			logging.String("adminURL", listenerURL(server.Addr, false)),
			logging.String("wsURL", websocketURL(server.Addr, false, "/ws")),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrors <- err
			return
		}
		serveErrors <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", logging.String("signal", sig.String()))
	case err := <-serveErrors:
		if err != nil {
			readiness.setStartupError(err)
			log.Error("http server failed", logging.Error(err))
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown did not complete cleanly", logging.Error(err))
	}
	log.Info("typing-race server stopped")
}
