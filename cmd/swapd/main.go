// Package main provides the swapd daemon - a cross-chain atomic swap engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/klingon-exchange/swapd/internal/backend"
	"github.com/klingon-exchange/swapd/internal/chain"
	"github.com/klingon-exchange/swapd/internal/config"
	"github.com/klingon-exchange/swapd/internal/driver"
	"github.com/klingon-exchange/swapd/internal/locker"
	"github.com/klingon-exchange/swapd/internal/manager"
	"github.com/klingon-exchange/swapd/internal/storage"
	"github.com/klingon-exchange/swapd/internal/task"
	"github.com/klingon-exchange/swapd/internal/transport"
	"github.com/klingon-exchange/swapd/internal/wallet"
	"github.com/klingon-exchange/swapd/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

// passwordEnv holds the wallet seed password.
const passwordEnv = "SWAPD_WALLET_PASSWORD"

const seedFileName = "wallet.seed"

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.swapd", "Data directory")
		testnet     = flag.Bool("testnet", false, "Run on testnet (separate data)")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		relayURL    = flag.String("relay", "", "Swap relay websocket URL, overrides config")
		initWallet  = flag.Bool("init", false, "Create a new wallet seed and exit")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: "info", TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("swapd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	effectiveDataDir := config.ExpandPath(*dataDir)
	if *testnet {
		effectiveDataDir = filepath.Join(effectiveDataDir, "testnet")
	}

	cfg, err := config.Load(effectiveDataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}
	if *testnet {
		cfg.Network = chain.Testnet
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *relayURL != "" {
		cfg.Transport.URL = *relayURL
	}
	cfg.Storage.DataDir = effectiveDataDir
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid config", "error", err)
	}

	fileLog, logCloser, err := logging.Open(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		log.Fatal("Failed to open log", "error", err)
	}
	defer logCloser.Close()
	log = fileLog
	logging.SetDefault(log)
	log.Info("Config loaded", "path", config.ConfigPath(effectiveDataDir))

	seedPath := filepath.Join(effectiveDataDir, seedFileName)
	if *initWallet {
		if err := createWallet(seedPath); err != nil {
			log.Fatal("Failed to create wallet", "error", err)
		}
		return
	}

	w, err := openWallet(seedPath, cfg.Network)
	if err != nil {
		log.Fatal("Failed to open wallet", "error", err, "hint", "run with -init to create one")
	}
	defer w.ClearCache()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.Open(&storage.Config{Driver: cfg.Storage.Driver, DataDir: effectiveDataDir})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "driver", cfg.Storage.Driver, "path", effectiveDataDir)

	backends, err := openBackends(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to initialize backends", "error", err)
	}
	defer backends.CloseAll()
	log.Info("Backends initialized", "network", cfg.Network, "backends", backends.List())

	runner := task.NewRunner(ctx)
	lk := locker.New()

	var notifier transport.Notifier = transport.Discard{}
	var relay *transport.WSClient
	if cfg.Transport.URL != "" {
		relay, err = transport.NewWSClient(transport.Config{
			URL:                  cfg.Transport.URL,
			PeerID:               cfg.Transport.PeerID,
			MaxReconnectInterval: cfg.Transport.MaxReconnectInterval,
			Logger:               log,
		})
		if err != nil {
			log.Fatal("Failed to create relay client", "error", err)
		}
		notifier = relay
	}

	mgr, err := manager.New(&manager.Config{
		Store:      store,
		Runner:     runner,
		Locker:     lk,
		Notifier:   notifier,
		Requisites: walletRequisites{w: w},
		Swap:       cfg.Swap,
		Chains:     cfg.Chains,
		PeerID:     cfg.Transport.PeerID,
		Logger:     log,
	})
	if err != nil {
		log.Fatal("Failed to create swap manager", "error", err)
	}

	deps := driver.Deps{
		Runner:   runner,
		Locker:   lk,
		Listener: mgr,
		Signer:   w,
		Config:   cfg.Swap,
		Logger:   log,
	}
	for _, symbol := range sortedSymbols(cfg.Chains) {
		params, _ := chain.Get(symbol, cfg.Network)
		d, err := driver.New(params, cfg.Chains[symbol], backends, deps)
		if err != nil {
			log.Warn("Currency disabled", "symbol", symbol, "error", err)
			continue
		}
		mgr.AddDriver(d)
		log.Info("Currency enabled", "symbol", symbol, "family", params.Family, "scheme", d.Scheme())
	}

	n, err := mgr.Restore(ctx)
	if err != nil {
		log.Error("Failed to restore swaps", "error", err)
	} else if n > 0 {
		log.Info("Swaps restored", "count", n)
	}

	if relay != nil {
		relay.Start(ctx)
		go mgr.Run(ctx, relay.Incoming())
		log.Info("Relay client started", "url", cfg.Transport.URL, "peer_id", cfg.Transport.PeerID)
	}

	go logEvents(ctx, log.Component("events"), mgr)

	printBanner(log, cfg, effectiveDataDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if relay != nil {
		if err := relay.Close(); err != nil {
			log.Error("Error closing relay client", "error", err)
		}
	}
	if err := mgr.Close(shutdownCtx); err != nil {
		log.Error("Error during shutdown", "error", err)
	}
	cancel()

	log.Info("Goodbye!")
}

// createWallet generates a mnemonic, stores it encrypted and prints it once.
func createWallet(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("wallet seed already exists at %s", path)
	}
	password := os.Getenv(passwordEnv)
	if password == "" {
		return fmt.Errorf("%s is not set", passwordEnv)
	}
	mnemonic, err := wallet.GenerateMnemonic()
	if err != nil {
		return err
	}
	encrypted, err := wallet.EncryptMnemonic(mnemonic, password)
	if err != nil {
		return err
	}
	if err := wallet.SaveEncryptedSeed(encrypted, path); err != nil {
		return err
	}
	fmt.Println("Write down your recovery phrase:")
	fmt.Println()
	fmt.Println("  " + mnemonic)
	fmt.Println()
	logging.Info("Wallet created", "path", path)
	return nil
}

func openWallet(path string, network chain.Network) (*wallet.Wallet, error) {
	password := os.Getenv(passwordEnv)
	if password == "" {
		return nil, fmt.Errorf("%s is not set", passwordEnv)
	}
	encrypted, err := wallet.LoadEncryptedSeed(path)
	if err != nil {
		return nil, err
	}
	mnemonic, err := wallet.DecryptMnemonic(encrypted, password)
	if err != nil {
		return nil, err
	}
	return wallet.NewFromMnemonic(mnemonic, "", network)
}

// openBackends creates one backend per configured currency. EVM currencies
// with the same RPC URL share a client.
func openBackends(ctx context.Context, cfg *config.Config) (*backend.Registry, error) {
	reg := backend.NewRegistry()
	clients := make(map[string]*backend.EVMClient)
	for _, symbol := range sortedSymbols(cfg.Chains) {
		cc := cfg.Chains[symbol]
		if cc.URL == "" {
			return nil, fmt.Errorf("chain %s: no backend url", symbol)
		}
		switch cc.Backend {
		case config.BackendMempool:
			reg.RegisterUTXO(symbol, backend.NewMempoolBackend(cc.URL))
		case config.BackendEsplora:
			reg.RegisterUTXO(symbol, backend.NewEsploraBackend(cc.URL))
		case config.BackendEVM:
			c, ok := clients[cc.URL]
			if !ok {
				var err error
				if c, err = backend.DialEVM(ctx, cc.URL); err != nil {
					return nil, fmt.Errorf("chain %s: %w", symbol, err)
				}
				clients[cc.URL] = c
			}
			reg.RegisterEVM(symbol, c)
		default:
			return nil, fmt.Errorf("chain %s: unknown backend %q", symbol, cc.Backend)
		}
	}
	if err := reg.ConnectAll(ctx); err != nil {
		reg.CloseAll()
		return nil, err
	}
	return reg, nil
}

func sortedSymbols(chains map[string]*config.ChainConfig) []string {
	symbols := make([]string, 0, len(chains))
	for s, cc := range chains {
		if cc != nil {
			symbols = append(symbols, s)
		}
	}
	sort.Strings(symbols)
	return symbols
}

// logEvents writes swap events to the log until ctx is done.
func logEvents(ctx context.Context, log *logging.Logger, mgr *manager.Manager) {
	events, unsubscribe := mgr.Subscribe(256)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch e.Type {
			case manager.EventSwapFailed:
				if errors.Is(e.Err, context.Canceled) {
					continue
				}
				log.Warn("Swap failed", "swap_id", e.Swap.ID, "error", e.Err)
			case manager.EventSwapUpdated:
				log.Debug("Swap updated", "swap_id", e.Swap.ID, "flags", e.Swap.Flags, "added", e.Added, "status", e.Swap.Status)
			default:
				log.Info("Swap event", "type", e.Type, "swap_id", e.Swap.ID)
			}
		}
	}
}

func printBanner(log *logging.Logger, cfg *config.Config, dataDir string) {
	networkLabel := "mainnet"
	if cfg.Network == chain.Testnet {
		networkLabel = "TESTNET"
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  swapd (%s)", networkLabel)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Currencies: %v", sortedSymbols(cfg.Chains))
	if cfg.Transport.URL != "" {
		log.Infof("  Relay: %s as %s", cfg.Transport.URL, cfg.Transport.PeerID)
	} else {
		log.Info("  Relay: disabled")
	}
	log.Infof("  Lock times: initiator %s, acceptor %s", cfg.Swap.InitiatorLockTime, cfg.Swap.AcceptorLockTime)
	log.Infof("  Data dir: %s", dataDir)
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
