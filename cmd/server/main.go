package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"merchantrails/internal/config"
	"merchantrails/internal/escrow"
	"merchantrails/internal/idempotency"
	"merchantrails/internal/logging"
	"merchantrails/internal/notices"
	"merchantrails/internal/server"
	"merchantrails/internal/wallet"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := logging.New(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, closeProvider, err := openProvider(cfg.Wallet)
	if err != nil {
		log.Fatalf("wallet error: %v", err)
	}
	defer closeProvider()

	connector, err := escrow.DialConnector(ctx, cfg.Chain.RPCURL, provider, cfg.Deployment.Contracts, cfg.Service.ConfirmPollInterval)
	if err != nil {
		log.Fatalf("escrow connector error: %v", err)
	}
	defer connector.Close()

	store, closeStore, err := idempotency.Open(ctx, cfg.Service.IdempotencyStore)
	if err != nil {
		log.Fatalf("idempotency store error: %v", err)
	}
	defer closeStore()
	if purger, ok := store.(interface {
		Purge(context.Context) (int64, error)
	}); ok {
		go purgeExpired(ctx, purger, cfg.Service.IdempotencyWindow, logger)
	}

	metrics := server.NewMetrics()
	hub := notices.NewHub(200, 64, logger)

	var deploymentChain *big.Int
	if cfg.Deployment.ChainID > 0 {
		deploymentChain = big.NewInt(cfg.Deployment.ChainID)
	}
	orch := escrow.New(escrow.Options{
		Connector:       connector,
		ChainID:         deploymentChain,
		Network:         cfg.Deployment.Network,
		Tokens:          cfg.Deployment.TokenAddresses(),
		DefaultDecimals: cfg.Deployment.DefaultDecimals,
		RewardDecimals:  cfg.Deployment.RewardDecimals,
		RewardSymbol:    cfg.Deployment.RewardSymbol,
		Notifier:        hub,
		Observer:        metrics,
		Logger:          logger,
	})

	if _, err := orch.Connect(ctx); err != nil {
		logger.Warn("initial wallet connection failed", "error", err)
	}

	chainID, err := connector.ChainID(ctx)
	if err != nil {
		logger.Warn("could not read chain id", "error", err)
	}
	go orch.Watch(ctx, provider.Events(), wallet.WatchNetwork(ctx, connector, chainID, cfg.Chain.NetworkPollInterval))

	apiServer := server.NewServer(cfg, server.Deps{
		Orchestrator: orch,
		Store:        store,
		Hub:          hub,
		Metrics:      metrics,
		Logger:       logger,
		RPCHealth:    connector.Ping,
	})

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
}

// openProvider picks the wallet: a raw key, then a keystore, else none.
func openProvider(cfg config.WalletConfig) (wallet.Provider, func(), error) {
	switch {
	case cfg.PrivateKey != "":
		p, err := wallet.NewKeyProvider(cfg.PrivateKey)
		if err != nil {
			return nil, nil, err
		}
		return p, func() {}, nil
	case cfg.KeystoreDir != "":
		passphrase := wallet.TerminalPrompt(os.Stdin, os.Stderr)
		if cfg.Passphrase != "" {
			passphrase = wallet.StaticPassphrase(cfg.Passphrase)
		}
		p, err := wallet.NewKeystoreProvider(cfg.KeystoreDir, cfg.Account, passphrase)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	default:
		return wallet.None{}, func() {}, nil
	}
}

func purgeExpired(ctx context.Context, store interface {
	Purge(context.Context) (int64, error)
}, every time.Duration, logger *slog.Logger) {
	if every <= 0 || every > time.Hour {
		every = time.Hour
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Purge(ctx)
			if err != nil {
				logger.Warn("idempotency purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("idempotency records purged", "count", n)
			}
		}
	}
}
