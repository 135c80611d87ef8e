package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/javier96ke/plazas/pkg/backend"
	badgerbe "github.com/javier96ke/plazas/pkg/backend/badger"
	memorybe "github.com/javier96ke/plazas/pkg/backend/memory"
	"github.com/javier96ke/plazas/pkg/config"
	"github.com/javier96ke/plazas/pkg/dataset"
	"github.com/javier96ke/plazas/pkg/engine"
	"github.com/javier96ke/plazas/pkg/remote"
	"github.com/javier96ke/plazas/pkg/server"
	"github.com/javier96ke/plazas/pkg/store"
	"github.com/javier96ke/plazas/pkg/watchdog"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	log.Println("🚀 Starting plazas comparison server...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Config: %v", err)
	}
	log.Printf("⚙️  Configuration: port=%s año_actual=%d backend=%q max_historicos=%d",
		cfg.Port, cfg.CurrentYear, cfg.Backend, cfg.MaxHistorical)

	// Acceleration backend
	var be backend.Backend
	var badgerBE *badgerbe.Backend
	switch cfg.Backend {
	case "badger":
		if err := os.MkdirAll(cfg.BackendPath, 0755); err != nil {
			log.Fatalf("❌ Backend dir: %v", err)
		}
		badgerBE, err = badgerbe.New(badgerbe.Config{
			Path:        cfg.BackendPath,
			MaxMemoryMB: cfg.MaxMemoryMB,
		})
		if err != nil {
			log.Fatalf("❌ Badger backend: %v", err)
		}
		be = badgerBE
		defer badgerBE.Close()
		log.Printf("💾 Badger backend at %s", cfg.BackendPath)
	case "memory":
		be = memorybe.New()
		log.Println("💾 In-memory backend")
	default:
		log.Println("💾 No acceleration backend; aggregating over the period store")
	}

	// Period store and protected local dataset
	periodStore := store.New(cfg.CurrentYear, be)
	if cfg.LocalDataset != "" {
		ds, err := dataset.ParseFile(cfg.LocalDataset)
		if err != nil {
			log.Fatalf("❌ Local dataset %s: %v", cfg.LocalDataset, err)
		}
		if _, err := periodStore.IndexProtected(ds); err != nil {
			log.Fatalf("❌ Index local dataset: %v", err)
		}
	} else {
		log.Println("⚠️  No local dataset configured; only remote periods available")
	}

	// Remote manifest. A missing manifest is not fatal: resident periods
	// keep working, downloads are refused until recargar-arbol succeeds.
	index := remote.NewIndex(cfg.RemoteIndex)
	if cfg.RemoteIndex != "" {
		if err := index.Load(); err != nil {
			log.Printf("⚠️  Remote index: %v", err)
		}
	} else {
		log.Println("⚠️  No remote index configured")
	}

	fetcher := remote.NewFetcher(periodStore, index, be,
		cfg.DownloadTimeout.Std(), cfg.MaxRetries)
	eng := engine.New(periodStore, index, fetcher, be, cfg.CurrentYear)

	wd := watchdog.New(watchdog.Config{
		Interval:      cfg.WatchdogInterval.Std(),
		ResultTTL:     cfg.ResultTTL.Std(),
		MaxHistorical: cfg.MaxHistorical,
		RAMWarnBytes:  cfg.RAMWarnMB * 1024 * 1024,
		RAMKillBytes:  cfg.RAMKillMB * 1024 * 1024,
		CurrentYear:   cfg.CurrentYear,
	}, periodStore, eng, be)
	wd.Start()
	defer wd.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	hub := server.NewStatusHub()
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()
	log.Println("📡 WebSocket status hub started")

	srv := server.New(cfg, periodStore, index, eng, be, wd, hub)

	wg.Add(1)
	go func() {
		defer wg.Done()
		srv.BroadcastStatus(ctx)
	}()

	if badgerBE != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runBadgerGC(ctx, badgerBE)
		}()
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Routes(),
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
	}

	go func() {
		log.Printf("🌐 Server listening on http://localhost:%s", cfg.Port)
		log.Println("📡 API endpoints:")
		log.Println("   GET  /api/drive-comparativas/comparar              - Compare two periods")
		log.Println("   GET  /api/drive-comparativas/comparar-años         - Compare two years")
		log.Println("   GET  /api/drive-comparativas/periodos-disponibles  - List periods")
		log.Println("   GET  /api/drive-comparativas/status                - Cache status")
		log.Println("   POST /api/drive-comparativas/limpiar-cache         - Clear caches")
		log.Println("   GET  /metrics                                      - Prometheus endpoint")

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server failed: %v", err)
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM (the watchdog's kill path also
	// lands here)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("🛑 Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️  HTTP shutdown: %v", err)
	}

	cancel()
	wg.Wait()
	log.Println("✅ Server stopped")
}

// runBadgerGC periodically reclaims BadgerDB value-log space.
func runBadgerGC(ctx context.Context, be *badgerbe.Backend) {
	ticker := time.NewTicker(config.DefaultBackendGCPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := be.RunGC(0.5); err != nil && err != badger.ErrNoRewrite {
				log.Printf("Badger GC: %v", err)
			}
		}
	}
}
