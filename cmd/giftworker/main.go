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

	"github.com/liverelay/liverelay/internal/broker"
	"github.com/liverelay/liverelay/internal/config"
	"github.com/liverelay/liverelay/internal/forward"
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

	fmt.Println("LiveRelay gift worker " + version)
	fmt.Println("=============================================")
	fmt.Printf("LIVERELAY_REDIS_URL=%s\n", cfg.RedisURL)
	fmt.Printf("LIVERELAY_MQTT_BROKER=%s\n", cfg.MQTTBroker)
	fmt.Printf("LIVERELAY_MQTT_TOPIC_BASE=%s\n", cfg.MQTTTopicBase)
	fmt.Printf("LIVERELAY_GIFT_GROUP=%s\n", cfg.GiftGroup)
	fmt.Printf("LIVERELAY_GIFT_MAP_PATH=%s\n", cfg.GiftMapPath)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	mappings := forward.DefaultMappings()
	if cfg.GiftMapPath != "" {
		loaded, err := forward.LoadMappings(cfg.GiftMapPath)
		if err != nil {
			log.Error("failed to load gift mappings", "path", cfg.GiftMapPath, "error", err)
			os.Exit(1)
		}
		mappings = loaded
		log.Info("gift mappings loaded", "path", cfg.GiftMapPath, "count", len(mappings))
	}

	b, err := broker.New(cfg.RedisURL, cfg.StreamMaxLen)
	if err != nil {
		log.Error("failed to connect broker", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	pub, err := forward.NewMQTT(cfg.MQTTBroker, mqttClientID())
	if err != nil {
		log.Error("failed to connect mqtt broker", "error", err)
		os.Exit(1)
	}
	defer pub.Close()

	fwd := forward.New(b, pub, mappings, forward.Opts{
		Group:     cfg.GiftGroup,
		Consumer:  consumerName(),
		TopicBase: cfg.MQTTTopicBase,
		Block:     cfg.ConsumerBlock,
		Count:     cfg.ConsumerCount,
		ScanWait:  cfg.StreamScanWait,
		ClaimIdle: cfg.GiftClaimIdle,
	}, log)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		pctx, pcancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer pcancel()
		if err := b.Ping(pctx); err != nil {
			httpapi.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded", "broker": err.Error(),
			})
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    net.JoinHostPort("", cfg.GiftPort),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "error", err)
		}
	}()

	log.Info("gift worker started", "version", version, "group", cfg.GiftGroup, "consumer", consumerName())
	fwd.Run(ctx)

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Error("http shutdown error", "error", err)
	}

	log.Info("gift worker shutdown complete")
}

// consumerName gives each instance a stable consumer-group identity so
// stale entries can be claimed after a crash.
func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "giftworker-1"
	}
	return "giftworker-" + host
}

func mqttClientID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "liverelay-giftworker"
	}
	return "liverelay-giftworker-" + host
}
