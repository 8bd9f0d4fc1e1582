// Package main provides the atomicmeshd daemon - a cross-chain atomic swap
// node: HTLC contract engine, swap coordinator, chain clients, JSON-RPC API
// and libp2p proposal messenger.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/atomicmesh/atomicmesh/internal/chain"
	"github.com/atomicmesh/atomicmesh/internal/chainclient"
	"github.com/atomicmesh/atomicmesh/internal/config"
	"github.com/atomicmesh/atomicmesh/internal/coordinator"
	"github.com/atomicmesh/atomicmesh/internal/p2p"
	"github.com/atomicmesh/atomicmesh/internal/rpc"
	"github.com/atomicmesh/atomicmesh/internal/storage"
	"github.com/atomicmesh/atomicmesh/internal/wallet"
	"github.com/atomicmesh/atomicmesh/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile   = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		dataDir      = flag.String("data-dir", "", "Data directory, overrides config")
		apiAddr      = flag.String("api", "", "JSON-RPC API address, overrides config")
		testnet      = flag.Bool("testnet", false, "Run on testnet regardless of config")
		mnemonicFile = flag.String("mnemonic-file", "", "File holding the wallet mnemonic (omit for watch-only)")
		logLevel     = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion  = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("atomicmeshd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load config, then apply CLI overrides.
	cfgPath := *configFile
	if cfgPath == "" && *dataDir != "" {
		cfgPath = filepath.Join(expandPath(*dataDir), "config.yaml")
	}
	cfg, err := config.Load(ctx, cfgPath)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *apiAddr != "" {
		cfg.RPC.Listen = *apiAddr
	}
	if *testnet {
		cfg.Network = string(chain.Testnet)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid config", "error", err)
	}

	log = logging.New(&logging.Config{
		Level:      cfg.LogLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	network := cfg.ChainNetwork()
	dataPath := expandPath(cfg.DataDir)
	if network == chain.Testnet {
		dataPath = filepath.Join(dataPath, "testnet")
	}

	// Storage
	store, err := storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", dataPath)

	// Chain clients
	clients := buildClientRegistry(cfg, network)
	defer clients.CloseAll()
	log.Info("Chain clients initialized", "network", network, "chains", clients.List())

	// Wallet (optional)
	var w *wallet.Wallet
	if *mnemonicFile != "" {
		mnemonic, err := os.ReadFile(expandPath(*mnemonicFile))
		if err != nil {
			log.Fatal("Failed to read mnemonic file", "error", err)
		}
		w, err = wallet.NewFromMnemonic(strings.TrimSpace(string(mnemonic)), "", network)
		if err != nil {
			log.Fatal("Failed to initialize wallet", "error", err)
		}
		log.Info("Wallet initialized", "network", network)
	} else {
		log.Info("No mnemonic given, running watch-only")
	}

	// Coordinator
	coord := coordinator.New(store, log)
	if err := coord.Restore(ctx); err != nil {
		log.Warn("Failed to restore swaps", "error", err)
	}

	// P2P proposal messenger
	var node *p2p.Node
	var messenger *p2p.Messenger
	if cfg.P2P.Enabled {
		node, err = p2p.NewNode(&p2p.Config{
			ListenAddrs: cfg.P2P.Listen,
			DataDir:     dataPath,
		}, log)
		if err != nil {
			log.Fatal("Failed to start p2p node", "error", err)
		}
		defer node.Close()

		messenger = p2p.NewMessenger(node, log)
		messenger.OnProposal(p2p.NewSwapProposalHandler(coord, clients, network, log))

		for _, addr := range cfg.P2P.Peers {
			if _, err := node.Connect(ctx, addr); err != nil {
				log.Warn("Failed to connect to peer", "addr", addr, "error", err)
			}
		}
	}

	// RPC server
	var rpcServer *rpc.Server
	if cfg.RPC.Enabled {
		rpcServer = rpc.NewServer(network, coord, w, clients, store)
		if messenger != nil {
			rpcServer.SetProposer(messenger)
		}
		if err := rpcServer.Start(cfg.RPC.Listen); err != nil {
			log.Fatal("Failed to start RPC server", "error", err)
		}
	}

	printBanner(log, cfg, node)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("Shutting down...")

	cancel()
	if rpcServer != nil {
		if err := rpcServer.Stop(); err != nil {
			log.Error("Error stopping RPC server", "error", err)
		}
	}
	log.Info("Goodbye!")
}

// buildClientRegistry builds chain clients from the defaults with config
// endpoint overrides applied.
func buildClientRegistry(cfg *config.Config, network chain.Network) *chainclient.Registry {
	registry := chainclient.NewDefaultRegistry(network)
	for symbol := range cfg.Nodes {
		url := cfg.NodeURL(symbol)
		if url == "" {
			continue
		}
		params, ok := chain.Get(symbol, network)
		if !ok {
			continue
		}
		switch params.Family {
		case chain.FamilyUTXOScript:
			registry.Register(symbol, chainclient.NewEsploraClient(symbol, url))
		case chain.FamilyAccountContract:
			registry.Register(symbol, chainclient.NewEVMClient(symbol, url))
		case chain.FamilyUTXOContract:
			registry.Register(symbol, chainclient.NewBytomClient(symbol, url))
		}
	}
	return registry
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func printBanner(log *logging.Logger, cfg *config.Config, node *p2p.Node) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  atomicmesh swap node (%s)", cfg.Network)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	if node != nil {
		log.Infof("  Peer ID: %s", node.ID())
		log.Info("  Listening on:")
		for _, addr := range node.Host().Addrs() {
			log.Infof("    %s/p2p/%s", addr, node.ID())
		}
		log.Info("")
	}
	if cfg.RPC.Enabled {
		log.Infof("  API: http://%s", cfg.RPC.Listen)
		log.Infof("  WS:  ws://%s/ws", cfg.RPC.Listen)
	}
	log.Infof("  Data dir: %s", expandPath(cfg.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
