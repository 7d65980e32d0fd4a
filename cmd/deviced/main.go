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
	"github.com/liverelay/liverelay/internal/config"
	"github.com/liverelay/liverelay/internal/device"
	"github.com/liverelay/liverelay/internal/httpapi"
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

	fmt.Println("LiveRelay device service " + version)
	fmt.Println("=============================================")
	fmt.Printf("LIVERELAY_DEVICE_PORT=%s\n", cfg.DevicePort)
	fmt.Printf("LIVERELAY_DEVICE_DB_PATH=%s\n", cfg.DeviceDBPath)
	fmt.Printf("LIVERELAY_HEARTBEAT_INTERVAL=%s\n", cfg.HeartbeatInterval)
	fmt.Printf("LIVERELAY_CLIENT_TOKEN_TTL=%s\n", cfg.ClientTokenTTL)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	store, err := device.OpenStore(cfg.DeviceDBPath)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	hub := device.NewHub()
	router := device.NewRouter(store, hub, log)
	tokens := auth.New(cfg.JWTSecret)

	mux := http.NewServeMux()
	device.NewWSHandler(store, hub, router, tokens, cfg.HeartbeatInterval, log).Register(mux)
	device.NewAPI(store, hub, router, tokens, cfg.ClientTokenTTL, log).Register(mux,
		httpapi.RequireAuth(tokens),
		httpapi.RequireInternal(cfg.InternalToken),
	)
	mux.Handle("GET /metrics", promhttp.Handler())

	reaper := device.NewReaper(store, cfg.HeartbeatInterval, log)
	reaper.Start()
	defer reaper.Stop()

	srv := &http.Server{
		Addr:    net.JoinHostPort("", cfg.DevicePort),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "error", err)
		}
	}()

	log.Info("device service started", "version", version, "port", cfg.DevicePort)
	<-ctx.Done()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Error("http shutdown error", "error", err)
	}

	log.Info("device service shutdown complete")
}
