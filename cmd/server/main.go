package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"fastchat/admin"
	"fastchat/config"
	"fastchat/crypto"
	"fastchat/db"
	"fastchat/logging"
	"fastchat/mesh"
	"fastchat/server"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	port := flag.Int("port", 0, "Client and mesh port of this server (overrides server.base_port)")
	id := flag.Int("id", 0, "Server id, 1..n (overrides server.id)")
	total := flag.Int("n", 0, "Total number of servers (overrides server.total)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *id > 0 {
		cfg.Server.ID = *id
	}
	if *total > 0 {
		cfg.Server.Total = *total
	}
	if *port > 0 {
		cfg.Server.BasePort = *port - cfg.Server.ID + 1
	}
	if cfg.Server.ID > cfg.Server.Total {
		fmt.Fprintf(os.Stderr, "server id %d outside [1, %d]\n", cfg.Server.ID, cfg.Server.Total)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	balancerKey, err := crypto.LoadPublicKey(cfg.Server.BalancerKey)
	if err != nil {
		logger.Fatal("load balancer public key", zap.String("path", cfg.Server.BalancerKey), zap.Error(err))
	}

	store, err := db.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		logger.Fatal("open store", zap.String("driver", cfg.Store.Driver), zap.Error(err))
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	srv := server.New(store, server.Config{
		ID:               cfg.Server.ID,
		Total:            cfg.Server.Total,
		Host:             cfg.Server.Host,
		Port:             cfg.Server.Port(),
		BasePort:         cfg.Server.BasePort,
		HandshakeTimeout: cfg.Server.HandshakeTimeout,
		DialRetry:        cfg.Server.DialRetry,
		MaxFrame:         cfg.Server.MaxFrame,
		BalancerKey:      balancerKey,
		Log:              logger,
		Metrics:          server.NewMetrics(reg),
		MeshMetrics:      mesh.NewMetrics(reg),
	})

	if cfg.Server.AdminAddress != "" {
		stats := func(ctx context.Context) (any, error) { return srv.Stats(ctx) }
		go func() {
			if err := admin.Serve(ctx, cfg.Server.AdminAddress, admin.NewRouter(stats, reg, logger), logger); err != nil {
				logger.Error("admin server stopped", zap.Error(err))
			}
		}()
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port()))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("listen", zap.String("addr", addr), zap.Error(err))
	}

	if err := srv.Run(ctx, ln); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
	logger.Info("server stopped")
}
