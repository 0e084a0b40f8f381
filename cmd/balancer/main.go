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
	"fastchat/balancer"
	"fastchat/config"
	"fastchat/crypto"
	"fastchat/db"
	"fastchat/logging"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const signingKeyBits = 2048

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	port := flag.Int("port", 0, "Balancer port (overrides balancer.port)")
	firstPort := flag.Int("first-port", 0, "Port of server 1 (overrides balancer.first_server_port)")
	total := flag.Int("n", 0, "Total number of servers (overrides balancer.total_servers)")
	strategy := flag.String("strategy", "", "random, round-robin or minimum-connections (overrides balancer.strategy)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Balancer.Port = *port
	}
	if *firstPort > 0 {
		cfg.Balancer.FirstServerPort = *firstPort
	}
	if *total > 0 {
		cfg.Balancer.TotalServers = *total
	}
	if *strategy != "" {
		cfg.Balancer.Strategy = *strategy
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Servers verify assignments with the public half written here.
	key, err := crypto.LoadOrGenerate(cfg.Balancer.KeyPrefix, signingKeyBits)
	if err != nil {
		logger.Fatal("load signing key", zap.String("prefix", cfg.Balancer.KeyPrefix), zap.Error(err))
	}

	var loads balancer.LoadSource
	if balancer.IsMinConnections(cfg.Balancer.Strategy) {
		store, err := db.Open(cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			logger.Fatal("open store", zap.String("driver", cfg.Store.Driver), zap.Error(err))
		}
		defer store.Close()
		loads = store
	}

	pool := balancer.NewPool(cfg.Server.Host, cfg.Balancer.FirstServerPort, cfg.Balancer.TotalServers)
	picker, err := balancer.NewStrategy(cfg.Balancer.Strategy, pool, loads, nil)
	if err != nil {
		logger.Fatal("select strategy", zap.Error(err))
	}

	var limiter *rate.Limiter
	if cfg.Balancer.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Balancer.RateLimit), cfg.Balancer.Burst)
	}

	reg := prometheus.NewRegistry()
	b := balancer.New(balancer.Config{
		Strategy: picker,
		Signer:   crypto.NewService(key),
		Limiter:  limiter,
		Log:      logger,
		Metrics:  balancer.NewMetrics(reg),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Balancer.AdminAddress != "" {
		stats := func(ctx context.Context) (any, error) { return b.Stats(ctx) }
		go func() {
			if err := admin.Serve(ctx, cfg.Balancer.AdminAddress, admin.NewRouter(stats, reg, logger), logger); err != nil {
				logger.Error("admin server stopped", zap.Error(err))
			}
		}()
	}

	addr := net.JoinHostPort(cfg.Balancer.Host, strconv.Itoa(cfg.Balancer.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("listen", zap.String("addr", addr), zap.Error(err))
	}
	if err := b.Serve(ctx, ln); err != nil {
		logger.Fatal("balancer exited with error", zap.Error(err))
	}
	logger.Info("balancer stopped")
}
