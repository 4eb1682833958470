package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gridserve/gridserve/pkg/api"
	"github.com/gridserve/gridserve/pkg/config"
	"github.com/gridserve/gridserve/pkg/metrics"
	"github.com/gridserve/gridserve/pkg/storage"
	"github.com/gridserve/gridserve/pkg/version"
)

// RouterProcess bundles the router's components for lifecycle control.
type RouterProcess struct {
	config  *config.Config
	store   storage.Store
	server  *api.RouterServer
	metrics *metrics.PrometheusMetrics

	metricsServer *http.Server
}

// NewRouterProcess wires storage, metrics and the HTTP server together.
func NewRouterProcess(cfg *config.Config) (*RouterProcess, error) {
	m := metrics.NewPrometheusMetrics("gridserve")

	store, err := initStore(cfg, m)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize coordination store: %w", err)
	}

	return &RouterProcess{
		config:  cfg,
		store:   store,
		server:  api.NewRouterServer(cfg, store, m),
		metrics: m,
	}, nil
}

func initStore(cfg *config.Config, m *metrics.PrometheusMetrics) (storage.Store, error) {
	log.Printf("Connecting to coordination store at %s...", cfg.Store.Addr)

	store, err := storage.NewRedisStore(&storage.RedisStoreConfig{
		Addr:         cfg.Store.Addr,
		Password:     cfg.Store.Password,
		DB:           cfg.Store.DB,
		KeyPrefix:    cfg.Store.KeyPrefix,
		PoolSize:     cfg.Store.PoolSize,
		ReadTimeout:  cfg.Store.ReadTimeout,
		WriteTimeout: cfg.Store.WriteTimeout,
	})
	if err != nil {
		return nil, err
	}

	log.Printf("Connected to coordination store at %s", cfg.Store.Addr)
	return storage.NewInstrumentedStore(store, m), nil
}

// Start starts the API and metrics servers.
func (p *RouterProcess) Start() {
	if p.config.Monitoring.Enabled {
		addr := fmt.Sprintf(":%d", p.config.Monitoring.MetricsPort)
		mux := http.NewServeMux()
		mux.Handle(p.config.Monitoring.MetricsPath, p.metrics.GetHTTPHandler())
		p.metricsServer = &http.Server{Addr: addr, Handler: mux}

		go func() {
			log.Printf("Metrics available on %s%s", addr, p.config.Monitoring.MetricsPath)
			if err := p.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	go func() {
		if err := p.server.Start(); err != nil {
			log.Fatalf("Router server error: %v", err)
		}
	}()
}

// Stop shuts everything down in reverse start order.
func (p *RouterProcess) Stop() {
	log.Println("Stopping router...")

	if err := p.server.Stop(); err != nil {
		log.Printf("Error stopping router server: %v", err)
	}

	if p.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.metricsServer.Shutdown(ctx); err != nil {
			log.Printf("Error stopping metrics server: %v", err)
		}
	}

	if err := p.store.Close(); err != nil {
		log.Printf("Error closing store: %v", err)
	}

	log.Println("Router stopped")
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		info := version.GetVersionInfo()
		fmt.Printf("%s router %s\n", info["name"], info["version"])
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Starting %s router %s", version.AppName, version.Version)

	process, err := NewRouterProcess(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize router: %v", err)
	}

	process.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %v, shutting down...", sig)

	process.Stop()
}
