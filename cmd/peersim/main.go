// peersim is a fake Unity editor peer for exercising genie-bridge by hand.
// Usage:
//
//	go run ./cmd/peersim --transport tcp --addr localhost:9876
//	go run ./cmd/peersim --transport websocket --url ws://localhost:6076/ws
//
// In tcp mode it listens like the editor plugin and the bridge dials it.
// In websocket mode it attaches to the bridge's hub and announces itself.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gamegenie/genie-bridge/internal/connection"
	"github.com/gamegenie/genie-bridge/internal/frame"
)

func main() {
	transport := flag.String("transport", "tcp", "tcp (listen) or websocket (attach to hub)")
	addr := flag.String("addr", "localhost:9876", "tcp listen address")
	url := flag.String("url", "ws://localhost:6076/ws", "hub url for websocket mode")
	announce := flag.String("announce", "Unity", "client kind announced in websocket mode")
	delay := flag.Duration("delay", 50*time.Millisecond, "base response delay")
	jitter := flag.Duration("jitter", 0, "random extra delay, reorders concurrent responses")
	reload := flag.Duration("reload", 500*time.Millisecond, "delay before scripts_reloaded")
	failRate := flag.Float64("fail-rate", 0, "fraction of commands answered with an error")
	split := flag.Bool("split", false, "tcp: write each response in two pieces")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	sim := &simulator{
		delay:    *delay,
		jitter:   *jitter,
		reload:   *reload,
		failRate: *failRate,
		logger:   logger,
	}

	var err error
	switch *transport {
	case "tcp":
		err = serveTCP(ctx, *addr, *split, sim, logger)
	case "websocket":
		err = attachWebSocket(ctx, *url, *announce, sim, logger)
	default:
		logger.Error("unknown transport", "transport", *transport)
		os.Exit(2)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("peer simulator failed", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func serveTCP(ctx context.Context, addr string, split bool, sim *simulator, logger *slog.Logger) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	logger.Info("listening for bridge", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		logger.Info("bridge connected", "remote", conn.RemoteAddr().String())
		go handleTCP(ctx, conn, split, sim, logger)
	}
}

func handleTCP(ctx context.Context, conn net.Conn, split bool, sim *simulator, logger *slog.Logger) {
	defer conn.Close()

	w := &tcpWriter{conn: conn, split: split}
	reader := frame.NewReader(conn, frame.DefaultChunkSize, 15*time.Second)

	for ctx.Err() == nil {
		data, err := reader.Next()
		if err != nil {
			var ferr *frame.Error
			if errors.As(err, &ferr) {
				logger.Warn("discarding bad frame", "reason", ferr.Reason)
				continue
			}
			if errors.Is(err, frame.ErrPeerClosed) {
				logger.Info("bridge disconnected")
			} else {
				logger.Warn("read failed", "error", err)
			}
			return
		}
		go sim.handle(ctx, data, w)
	}
}

func attachWebSocket(ctx context.Context, url, announce string, sim *simulator, logger *slog.Logger) error {
	cfg := connection.DefaultClientConfig()
	cfg.URL = url
	cfg.Announce = announce

	client := connection.NewClient(cfg, logger)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	logger.Info("attached to hub", "url", url, "announce", announce)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-client.Errors():
			return err
		case msg, ok := <-client.Messages():
			if !ok {
				return nil
			}
			go sim.handle(ctx, msg.Data, client)
		}
	}
}

// randomDelay returns base plus up to jitter.
func randomDelay(base, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return base
	}
	return base + time.Duration(rand.Int64N(int64(jitter)))
}
