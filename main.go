package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/ssh"

	"github.com/colabvibe/previewd/internal/config"
	"github.com/colabvibe/previewd/internal/database"
	"github.com/colabvibe/previewd/internal/deploy"
	"github.com/colabvibe/previewd/internal/handlers"
	"github.com/colabvibe/previewd/internal/logging"
	"github.com/colabvibe/previewd/internal/ports"
	"github.com/colabvibe/previewd/internal/reconciler"
	"github.com/colabvibe/previewd/internal/runtime"
	"github.com/colabvibe/previewd/internal/session"
)

func main() {
	config.Load()
	logging.Init()

	store, err := database.Open(filepath.Join(config.Cfg.DataPath, "previewd.db"))
	if err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer store.Close()

	templates, err := config.LoadTemplates(config.Cfg.TemplatesPath)
	if err != nil {
		log.Fatalf("Template catalog: %v", err)
	}
	log.Printf("Loaded %d project templates", len(templates))

	alloc, err := ports.NewAllocator(config.Cfg.PortRangeMin, config.Cfg.PortRangeMax)
	if err != nil {
		log.Fatalf("Port allocator: %v", err)
	}

	ctx := context.Background()

	rt, err := runtime.NewDockerRuntime(ctx, config.Cfg.DockerHost, parseDuration(config.Cfg.RuntimeCallTimeout, 30*time.Second))
	if err != nil {
		log.Fatalf("Container runtime: %v", err)
	}

	deploys := deploy.NewManager(store, rt, alloc, templates)
	if err := deploys.AdoptExisting(); err != nil {
		log.Printf("WARNING: deployment re-adoption: %v", err)
	}

	sessions := session.NewManager(store, sessionBackends(), config.Cfg.ScrollbackBytes, config.Cfg.SubscriberQueueSize)
	if err := sessions.AdoptExisting(ctx); err != nil {
		log.Printf("WARNING: session re-adoption: %v", err)
	}

	rec := reconciler.New(store, rt, alloc, deploys, sessions, reconciler.Options{
		Interval:           parseDuration(config.Cfg.ReconcileInterval, 30*time.Second),
		Jitter:             parseDuration(config.Cfg.ReconcileJitter, 5*time.Second),
		AbsentStrikes:      config.Cfg.AbsentStrikes,
		ProbeFailThreshold: config.Cfg.ProbeFailThreshold,
		ProbeFailLimit:     config.Cfg.ProbeFailLimit,
		ProbeTimeout:       parseDuration(config.Cfg.ProbeTimeout, 5*time.Second),
		CheckTimeout:       parseDuration(config.Cfg.RuntimeCallTimeout, 30*time.Second),
		KillOrphanBackends: config.Cfg.KillOrphanBackends,
		SessionIdleTimeout: parseDuration(config.Cfg.SessionIdleTimeout, 30*time.Minute),
	})

	// Settle drift that accumulated while we were down before serving
	// traffic, then keep settling it on the timer.
	rec.Tick(ctx)
	if err := rec.Start(); err != nil {
		log.Fatalf("Reconciler: %v", err)
	}

	api := &handlers.API{Store: store, Deploys: deploys, Sessions: sessions}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	api.Routes(r)

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	rec.Stop()
	sessions.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

// sessionBackends assembles the configured session backends. Multiplexed and
// local are always available; remote joins only when a host is configured.
func sessionBackends() []session.Backend {
	backends := []session.Backend{
		&session.TmuxBackend{},
		&session.LocalBackend{},
	}

	if config.Cfg.RemoteHost != "" {
		signer, err := loadRemoteSigner(config.Cfg.RemoteKeyPath)
		if err != nil {
			log.Printf("WARNING: remote backend disabled: %v", err)
			return backends
		}
		backends = append(backends, &session.RemoteBackend{
			Addr:   config.Cfg.RemoteHost,
			User:   config.Cfg.RemoteUser,
			Signer: signer,
		})
		log.Printf("Remote session backend enabled for %s", config.Cfg.RemoteHost)
	}
	return backends
}

func loadRemoteSigner(path string) (ssh.Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(raw)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
