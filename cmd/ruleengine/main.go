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
	"github.com/liverelay/liverelay/internal/logging"
	"github.com/liverelay/liverelay/internal/notify"
	"github.com/liverelay/liverelay/internal/rules"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	fmt.Println("LiveRelay rule engine " + version)
	fmt.Println("=============================================")
	fmt.Printf("LIVERELAY_RULEENGINE_PORT=%s\n", cfg.RuleEnginePort)
	fmt.Printf("LIVERELAY_REDIS_URL=%s\n", cfg.RedisURL)
	fmt.Printf("LIVERELAY_RULES_DB_PATH=%s\n", cfg.RulesDBPath)
	fmt.Printf("LIVERELAY_DEVICED_URL=%s\n", cfg.DevicedURL)
	fmt.Printf("LIVERELAY_CONSUMER_BLOCK=%s\n", cfg.ConsumerBlock)
	fmt.Printf("LIVERELAY_TENANT_REFRESH=%s\n", cfg.TenantRefresh)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	store, err := rules.OpenStore(cfg.RulesDBPath)
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

	// Build notification chain.
	var notifiers []notify.Notifier
	notifiers = append(notifiers, notify.NewLogNotifier(log))
	if cfg.NotifyWebhookURL != "" {
		headers := config.ParseHeaders(cfg.NotifyWebhookHeaders)
		notifiers = append(notifiers, notify.NewWebhook(cfg.NotifyWebhookURL, headers))
		log.Info("webhook notifications enabled", "url", cfg.NotifyWebhookURL)
	}
	if cfg.NotifyMQTTBroker != "" {
		notifiers = append(notifiers, notify.NewMQTT(cfg.NotifyMQTTBroker, cfg.NotifyMQTTTopic, "liverelay-ruleengine", 1))
		log.Info("mqtt notifications enabled", "broker", cfg.NotifyMQTTBroker, "topic", cfg.NotifyMQTTTopic)
	}
	notifier := notify.NewMulti(log, notifiers...)

	exec := rules.NewExecutor(store, notifier, rules.ExecutorOpts{
		DevicedURL:           cfg.DevicedURL,
		InternalToken:        cfg.InternalToken,
		WebhookTimeout:       cfg.WebhookTimeout,
		DeviceControlTimeout: cfg.DeviceControlTimeout,
	}, log)
	consumer := rules.NewConsumer(store, b, exec, rules.ConsumerOpts{
		Block:         cfg.ConsumerBlock,
		Count:         cfg.ConsumerCount,
		TenantRefresh: cfg.TenantRefresh,
	}, log)

	tokens := auth.New(cfg.JWTSecret)
	mux := http.NewServeMux()
	rules.NewAPI(store, b, log).Register(mux, httpapi.RequireAuth(tokens))
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    net.JoinHostPort("", cfg.RuleEnginePort),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "error", err)
		}
	}()

	log.Info("rule engine started", "version", version, "port", cfg.RuleEnginePort)
	consumer.Run(ctx)

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Error("http shutdown error", "error", err)
	}

	log.Info("rule engine shutdown complete")
}
