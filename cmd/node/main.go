package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gridserve/gridserve/pkg/agent"
	"github.com/gridserve/gridserve/pkg/api"
	"github.com/gridserve/gridserve/pkg/config"
	"github.com/gridserve/gridserve/pkg/engine"
	"github.com/gridserve/gridserve/pkg/metrics"
	"github.com/gridserve/gridserve/pkg/storage"
	"github.com/gridserve/gridserve/pkg/version"
)

// NodeProcess bundles the node's components for lifecycle control.
type NodeProcess struct {
	config  *config.Config
	store   storage.Store
	agent   *agent.Agent
	server  *api.NodeServer
	metrics *metrics.PrometheusMetrics

	metricsServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// NewNodeProcess wires storage, the agent and the HTTP server together.
func NewNodeProcess(cfg *config.Config) (*NodeProcess, error) {
	m := metrics.NewPrometheusMetrics("gridserve")

	redisStore, err := storage.NewRedisStore(&storage.RedisStoreConfig{
		Addr:         cfg.Store.Addr,
		Password:     cfg.Store.Password,
		DB:           cfg.Store.DB,
		KeyPrefix:    cfg.Store.KeyPrefix,
		PoolSize:     cfg.Store.PoolSize,
		ReadTimeout:  cfg.Store.ReadTimeout,
		WriteTimeout: cfg.Store.WriteTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to coordination store: %w", err)
	}
	store := storage.NewInstrumentedStore(redisStore, m)

	nodeID, err := loadNodeID(cfg.Node.ModelsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to establish node identity: %w", err)
	}

	device := engine.DetectDevice(engine.Device(cfg.Node.DeviceOverride), engine.SystemProbe{})
	log.Printf("Node %s using device %s", nodeID, device)

	loader := engine.NewRuntimeLoader(cfg.Node.RuntimeURL, cfg.Node.ModelsDir, cfg.Node.DownloadTimeout)
	ag := agent.New(nodeID, store, loader, device, cfg.Node.PollInterval, m)

	ctx, cancel := context.WithCancel(context.Background())

	return &NodeProcess{
		config:  cfg,
		store:   store,
		agent:   ag,
		server:  api.NewNodeServer(cfg, store, ag, m),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// loadNodeID reads the persistent node identity, minting one on first
// boot. Identity must survive restarts so the node keeps its ownership
// binding and assignments.
func loadNodeID(dir string) (string, error) {
	path := filepath.Join(dir, ".node_id")

	if data, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	id := "node-" + hex.EncodeToString(raw)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", err
	}
	return id, nil
}

// Start starts the reconciliation loop, metrics and the HTTP server.
func (p *NodeProcess) Start() {
	go p.agent.Run(p.ctx)

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
			log.Fatalf("Node server error: %v", err)
		}
	}()
}

// Stop shuts everything down in reverse start order.
func (p *NodeProcess) Stop() {
	log.Println("Stopping node...")

	if err := p.server.Stop(); err != nil {
		log.Printf("Error stopping node server: %v", err)
	}

	if p.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.metricsServer.Shutdown(ctx); err != nil {
			log.Printf("Error stopping metrics server: %v", err)
		}
	}

	// Stops the reconciliation loop and releases the loaded engine
	p.cancel()

	if err := p.store.Close(); err != nil {
		log.Printf("Error closing store: %v", err)
	}

	log.Println("Node stopped")
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		info := version.GetVersionInfo()
		fmt.Printf("%s node %s\n", info["name"], info["version"])
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Starting %s node %s", version.AppName, version.Version)

	process, err := NewNodeProcess(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize node: %v", err)
	}

	process.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %v, shutting down...", sig)

	process.Stop()
}
