package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liverelay/liverelay/internal/auth"
	"github.com/liverelay/liverelay/internal/broker"
	"github.com/liverelay/liverelay/internal/config"
	"github.com/liverelay/liverelay/internal/httpapi"
	"github.com/liverelay/liverelay/internal/ingest"
	"github.com/liverelay/liverelay/internal/logging"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	fmt.Println("LiveRelay ingestor " + version)
	fmt.Println("=============================================")
	fmt.Printf("LIVERELAY_INGESTOR_PORT=%s\n", cfg.IngestorPort)
	fmt.Printf("LIVERELAY_REDIS_URL=%s\n", cfg.RedisURL)
	fmt.Printf("LIVERELAY_CONNECTOR_URL=%s\n", cfg.ConnectorURL)
	fmt.Printf("LIVERELAY_INGEST_DB_PATH=%s\n", cfg.IngestDBPath)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	store, err := ingest.OpenStore(cfg.IngestDBPath)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	b, err := broker.New(cfg.RedisURL, cfg.StreamMaxLen)
	if err != nil {
		log.Error("failed to connect broker", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	mgr := ingest.NewManager(store, b, ingest.NewBridgeDialer(cfg.ConnectorURL), log)
	tokens := auth.New(cfg.JWTSecret)

	mux := http.NewServeMux()
	ingest.NewAPI(store, mgr, b, log).Register(mux, httpapi.RequireAuth(tokens))
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    net.JoinHostPort("", cfg.IngestorPort),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "error", err)
		}
	}()

	log.Info("ingestor started", "version", version, "port", cfg.IngestorPort)
	<-ctx.Done()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Error("http shutdown error", "error", err)
	}
	// Session workers publish their disconnect events before exiting.
	mgr.Shutdown()

	log.Info("ingestor shutdown complete")
}
