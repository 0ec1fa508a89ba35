package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/devrev/pairdb/statetransfer/internal/config"
	"github.com/devrev/pairdb/statetransfer/internal/handler"
	"github.com/devrev/pairdb/statetransfer/internal/membership"
	"github.com/devrev/pairdb/statetransfer/internal/metrics"
	"github.com/devrev/pairdb/statetransfer/internal/model"
	"github.com/devrev/pairdb/statetransfer/internal/node"
	"github.com/devrev/pairdb/statetransfer/internal/server"
	"github.com/devrev/pairdb/statetransfer/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
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

	self := model.Address(cfg.Server.MemberAddress())
	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("address", string(self)),
		zap.Int("num_segments", cfg.Cluster.NumSegments),
		zap.Int("num_owners", cfg.Cluster.NumOwners),
		zap.Bool("rebalancing_enabled", cfg.StateTransfer.IsRebalancingEnabled()))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(cfg.Server.NodeID, reg)

	client := transport.NewGRPCClient(cfg.Server.RPCTimeout, logger.Named("rpc-client"))

	n, err := node.New(node.ConfigFromFile(cfg, self), client, logger, m)
	if err != nil {
		logger.Fatal("Failed to create node", zap.Error(err))
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
	if err != nil {
		logger.Fatal("Failed to listen", zap.Error(err))
	}
	rpcServer := transport.NewGRPCServer(n, 256, logger.Named("rpc-server"))
	go func() {
		if err := rpcServer.Serve(listener); err != nil {
			logger.Error("RPC server stopped", zap.Error(err))
		}
	}()

	dispatcher := membership.NewDispatcher(logger.Named("views"))
	// Connections to departed members are dropped so a returning member is
	// dialled afresh.
	var known []model.Address
	dispatcher.Subscribe("connections", func(view model.View) {
		departed := make(map[model.Address]bool)
		for _, addr := range known {
			departed[addr] = true
		}
		for _, addr := range view.Members {
			delete(departed, addr)
		}
		known = view.Members
		for addr := range departed {
			if err := client.CloseConnection(addr); err != nil {
				logger.Warn("Failed to close connection", zap.String("member", string(addr)), zap.Error(err))
			}
		}
	})
	n.Start(dispatcher)

	var gossip *membership.GossipProvider
	if cfg.Gossip.Enabled {
		gossip = membership.NewGossipProvider(membership.GossipConfig{
			Address:        self,
			BindAddr:       cfg.Server.Host,
			BindPort:       cfg.Gossip.BindPort,
			SeedNodes:      cfg.Gossip.SeedNodes,
			GossipInterval: cfg.Gossip.GossipInterval,
			ProbeTimeout:   cfg.Gossip.ProbeTimeout,
			ProbeInterval:  cfg.Gossip.ProbeInterval,
			SettleInterval: cfg.Gossip.SettleInterval,
		}, dispatcher, logger.Named("gossip"))
		n.OnTopologyInstalled(gossip.SetTopologyID)
		if err := gossip.Start(); err != nil {
			logger.Fatal("Failed to start gossip", zap.Error(err))
		}
	} else {
		logger.Warn("Gossip disabled, running as a single member cluster")
		dispatcher.Publish(model.View{ID: 1, Members: []model.Address{self}})
	}

	var admin *server.Server
	if cfg.Admin.Enabled {
		admin = server.NewServer(cfg.Admin, handler.NewHandlers(n, cfg.Server.RPCTimeout, logger.Named("admin")), reg, logger.Named("admin"))
		admin.Start()
	}

	logger.Info("Node running", zap.String("address", string(self)))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	var shutdownErr error
	if admin != nil {
		shutdownErr = multierr.Append(shutdownErr, admin.Shutdown(ctx))
	}
	if gossip != nil {
		shutdownErr = multierr.Append(shutdownErr, gossip.Stop(cfg.Server.ShutdownTimeout))
	}
	shutdownErr = multierr.Append(shutdownErr, n.Stop(cfg.Server.ShutdownTimeout))
	rpcServer.GracefulStop()
	shutdownErr = multierr.Append(shutdownErr, client.Close())

	if shutdownErr != nil {
		logger.Error("Shutdown completed with errors", zap.Error(shutdownErr))
		return
	}
	logger.Info("Shutdown complete")
}

// initLogger builds a zap logger from the logging section
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zapConfig := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	return zapConfig.Build()
}
