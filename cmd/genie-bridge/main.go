// genie-bridge serves MCP tools over stdio and relays them to the Unity
// editor peer.
// Usage: genie-bridge --config configs/bridge.example.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/gamegenie/genie-bridge/internal/audit"
	"github.com/gamegenie/genie-bridge/internal/config"
	"github.com/gamegenie/genie-bridge/internal/connection"
	"github.com/gamegenie/genie-bridge/internal/correlator"
	"github.com/gamegenie/genie-bridge/internal/database"
	"github.com/gamegenie/genie-bridge/internal/dispatch"
	"github.com/gamegenie/genie-bridge/internal/events"
	"github.com/gamegenie/genie-bridge/internal/health"
	"github.com/gamegenie/genie-bridge/internal/imagegen"
	"github.com/gamegenie/genie-bridge/internal/logging"
	"github.com/gamegenie/genie-bridge/internal/metrics"
	"github.com/gamegenie/genie-bridge/internal/tools"
	"github.com/gamegenie/genie-bridge/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults only when empty)")
	flag.Parse()

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// stdout carries the MCP stream, so logs go to stderr and the log file.
	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("starting genie-bridge", append(version.Info(), "config", *configPath)...)

	if err := run(cfg, logger); err != nil {
		logger.Error("genie-bridge failed", "error", err)
		logCloser.Close()
		os.Exit(1)
	}

	logger.Info("genie-bridge stopped")
}

func run(cfg *config.BridgeConfig, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	corr := correlator.New(correlator.Config{
		Retention:     cfg.Requests.Retention,
		SweepInterval: cfg.Requests.SweepInterval,
	}, logger)
	m.RegisterCorrelator(corr)

	// Peer event fan-out
	redisClient := events.NewRedisClient(cfg.Events)
	var publisher events.Publisher
	if redisClient != nil {
		defer redisClient.Close()
		publisher = redisClient
		logger.Info("publishing peer events", "redis_addr", cfg.Events.RedisAddr, "channel", cfg.Events.Channel)
	}
	fanout := events.New(publisher, cfg.Events.Channel, logger, events.WithObserver(m))

	// Peer transport
	peerAddr := net.JoinHostPort(cfg.Peer.Host, strconv.Itoa(cfg.Peer.Port))
	var (
		dialer connection.Dialer
		hub    *connection.Hub
	)
	switch cfg.Peer.Transport {
	case config.TransportTCP:
		dialer = connection.NewTCPDialer(connection.TCPConfig{
			Addr:           peerAddr,
			DialTimeout:    cfg.Peer.DialTimeout,
			WriteTimeout:   cfg.Peer.WriteTimeout,
			ReceiveTimeout: cfg.Peer.ReceiveTimeout,
			ChunkSize:      cfg.Peer.ReadChunkSize,
			BufferSize:     connection.DefaultTCPConfig().BufferSize,
		}, m, logger)
	default:
		hub = connection.NewHub(connection.HubConfig{
			Addr:          peerAddr,
			PrimaryClient: cfg.Peer.PrimaryClient,
			PingInterval:  cfg.Peer.PingInterval,
			PongTimeout:   cfg.Peer.PongTimeout,
			WriteTimeout:  cfg.Peer.WriteTimeout,
			BufferSize:    connection.DefaultHubConfig().BufferSize,
		}, m, logger)
		if err := hub.Start(); err != nil {
			return fmt.Errorf("start websocket server: %w", err)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			hub.Stop(stopCtx)
		}()
		dialer = hub
	}

	manager := connection.NewManager(connection.ManagerConfig{
		CommandKey:          cfg.Peer.CommandKey,
		DialTimeout:         cfg.Peer.DialTimeout,
		HealthCheckTimeout:  cfg.Requests.HealthCheckTimeout,
		HealthCheckInterval: cfg.Requests.HealthCheckInterval,
		LegacyEventIDs:      cfg.Requests.LegacyEventIDs,
	}, dialer, corr, logger,
		connection.WithObserver(m),
		connection.WithEventHandler(fanout.Handle),
	)
	defer manager.Disconnect()

	// Audit log
	dispatchOpts := []dispatch.Option{
		dispatch.WithTimeout(cfg.Requests.Timeout),
		dispatch.WithLegacyEventIDs(cfg.Requests.LegacyEventIDs),
		dispatch.WithObserver(m),
		dispatch.WithLogger(logger),
	}
	var pool *pgxpool.Pool
	if cfg.Database.Enabled {
		logger.Info("connecting to database",
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Name,
		)
		var err error
		pool, err = database.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()

		if err := database.EnsureSchema(ctx, pool); err != nil {
			return err
		}

		writer := audit.NewWriter(audit.Config{
			BatchSize:     cfg.Database.BatchSize,
			FlushInterval: cfg.Database.FlushInterval,
		}, pool, m, logger)
		if err := writer.Start(ctx); err != nil {
			return fmt.Errorf("start audit writer: %w", err)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			writer.Stop(stopCtx)
		}()
		dispatchOpts = append(dispatchOpts, dispatch.WithRecorder(writer))
		logger.Info("database connected")
	}

	dispatcher := dispatch.New(manager, corr, dispatchOpts...)

	// MCP tool server
	toolOpts := []tools.Option{
		tools.WithLogger(logger),
		tools.WithStatus(statusFunc(cfg, manager, hub)),
	}
	if cfg.ImageGen.Enabled() {
		toolOpts = append(toolOpts, tools.WithImageGenerator(imagegen.FromConfig(cfg.ImageGen, logger)))
	}
	toolServer := tools.New(tools.Config{
		Name:         cfg.Server.Name,
		Version:      version.Version,
		Instructions: cfg.Server.Instructions,
	}, dispatcher, toolOpts...)

	// Startup probe: the editor may not be running yet.
	probeCtx, probeCancel := context.WithTimeout(ctx, cfg.Requests.HealthCheckTimeout)
	if err := manager.Connect(probeCtx); err != nil {
		logger.Warn("could not connect to Unity on startup", "error", err)
		logger.Warn("make sure the Unity editor plugin is running before using tools")
	} else {
		logger.Info("connected to Unity on startup", "addr", manager.Stats().Addr)
	}
	probeCancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return corr.Run(gctx)
	})

	g.Go(func() error {
		return fanout.Run(gctx)
	})

	if cfg.Metrics.Enabled {
		deps := health.Deps{
			Connection: manager,
			Requests:   corr,
			Gatherer:   reg,
		}
		if hub != nil {
			deps.Peers = hub
		}
		if pool != nil {
			deps.Database = pool
		}
		healthServer := health.NewServer(health.Config{
			Addr:        fmt.Sprintf(":%d", cfg.Metrics.Port),
			MetricsPath: cfg.Metrics.Path,
		}, deps, logger)

		g.Go(func() error {
			return healthServer.Run(gctx)
		})
	}

	g.Go(func() error {
		// The agent closing stdin ends the session.
		defer cancel()
		return toolServer.ServeStdio(gctx, os.Stdin, os.Stdout)
	})

	logger.Info("genie-bridge running",
		"transport", cfg.Peer.Transport,
		"peer_addr", peerAddr,
		"tools", toolServer.Tools(),
	)

	err := g.Wait()
	logger.Info("shutting down...")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func statusFunc(cfg *config.BridgeConfig, manager connection.Manager, hub *connection.Hub) tools.StatusFunc {
	scheme := "tcp"
	if cfg.Peer.Transport == config.TransportWebSocket {
		scheme = "ws"
	}
	url := fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(cfg.Peer.Host, strconv.Itoa(cfg.Peer.Port)))

	return func() tools.Status {
		stats := manager.Stats()
		status := tools.Status{
			Host:      cfg.Peer.Host,
			Port:      cfg.Peer.Port,
			URL:       url,
			Transport: cfg.Peer.Transport,
			Connected: stats.Connected,
		}
		if hub != nil {
			status.ConnectedClients = len(hub.Peers())
			if p, ok := hub.Primary(); ok {
				status.Primary = p.ID
			}
		} else if stats.Connected {
			status.ConnectedClients = 1
		}
		return status
	}
}
