package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/devrev/shelfdb/internal/background"
	"github.com/devrev/shelfdb/internal/config"
	"github.com/devrev/shelfdb/internal/metrics"
	"github.com/devrev/shelfdb/internal/model"
	"github.com/devrev/shelfdb/internal/rpc"
	"github.com/devrev/shelfdb/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to the node configuration file")
	flag.Parse()
	if *configPath == "" {
		*configPath = os.Getenv("CONFIG_PATH")
	}
	if *configPath == "" {
		*configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Int("replication_factor", cfg.Cluster.ReplicationFactor))

	if err := os.MkdirAll(cfg.Storage.MetadataDir, 0755); err != nil {
		logger.Fatal("Failed to create metadata directory", zap.Error(err))
	}
	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		logger.Fatal("Failed to create data directory", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry, cfg.Server.NodeID)

	sys := rpc.NewSystem(cfg.Server.NodeID, rpc.NewRing(cfg.Cluster.VirtualNodes), logger)
	transport := rpc.NewGRPCTransport(sys, cfg.Server.RPCSecret, logger)
	sys.SetTransport(transport)
	defer transport.Close()

	for _, peer := range cfg.Cluster.Peers {
		id, addr, err := parsePeer(peer)
		if err != nil {
			logger.Fatal("Invalid peer", zap.String("peer", peer), zap.Error(err))
		}
		if id != cfg.Server.NodeID {
			sys.AddNode(id, addr)
		}
	}

	shelf, err := model.New(cfg, sys, m, logger)
	if err != nil {
		logger.Fatal("Failed to initialize node", zap.Error(err))
	}
	defer shelf.Close()

	rpcServer := rpc.NewGRPCServer(sys, cfg.Server.RPCSecret, logger)
	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("Failed to listen", zap.String("addr", addr), zap.Error(err))
	}

	var membership *rpc.Membership
	if cfg.Gossip.Enabled {
		rpcAddr := cfg.Server.AdvertiseAddr
		if rpcAddr == "" {
			rpcAddr = addr
		}
		membership, err = rpc.NewMembership(&rpc.MembershipConfig{
			BindAddr:       cfg.Server.Host,
			BindPort:       cfg.Gossip.BindPort,
			Seeds:          cfg.Gossip.SeedNodes,
			GossipInterval: cfg.Gossip.GossipInterval,
			ProbeInterval:  cfg.Gossip.ProbeInterval,
			ProbeTimeout:   cfg.Gossip.ProbeTimeout,
			RPCAddr:        rpcAddr,
		}, sys, logger)
		if err != nil {
			logger.Error("Failed to initialize gossip, continuing with static peers", zap.Error(err))
		} else {
			logger.Info("Gossip membership initialized", zap.Int("bind_port", cfg.Gossip.BindPort))
		}
	}

	runner := background.NewRunner(logger)
	shelf.SpawnWorkers(runner)

	var admin *server.AdminServer
	if cfg.Metrics.Enabled {
		deps := server.Deps{
			System:   sys,
			Runner:   runner,
			Vars:     shelf.Vars(),
			Disk:     shelf.Disk(),
			Gatherer: registry,
			Metrics:  m,
			Logger:   logger,
		}
		if membership != nil {
			deps.Members = membership.Members
		}
		admin = server.NewAdminServer(&server.Config{Port: cfg.Metrics.Port}, deps)
		if err := admin.Start(); err != nil {
			logger.Fatal("Failed to start admin server", zap.Error(err))
		}
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down gracefully...")

		if admin != nil {
			if err := admin.Stop(); err != nil {
				logger.Error("Failed to stop admin server", zap.Error(err))
			}
		}
		if membership != nil {
			if err := membership.Shutdown(cfg.Server.ShutdownTimeout); err != nil {
				logger.Error("Failed to leave gossip cluster", zap.Error(err))
			}
		}
		if err := runner.Stop(cfg.Server.ShutdownTimeout); err != nil {
			logger.Error("Background workers did not stop", zap.Error(err))
		}
		rpcServer.Stop()
	}()

	logger.Info("Shelf node starting",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("address", addr))

	if err := rpcServer.Serve(listener); err != nil {
		logger.Error("Failed to serve", zap.Error(err))
	}
}

// parsePeer splits a static peer of the form node_id@host:port.
func parsePeer(peer string) (string, string, error) {
	id, addr, ok := strings.Cut(peer, "@")
	if !ok || id == "" || addr == "" {
		return "", "", fmt.Errorf("peer must be node_id@host:port")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", "", err
	}
	return id, addr, nil
}

// initLogger builds the zap logger from the logging section
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
