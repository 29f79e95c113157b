package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ampersend-xyz/x402-mcp-proxy/internal/ampersend"
	"github.com/ampersend-xyz/x402-mcp-proxy/internal/config"
	"github.com/ampersend-xyz/x402-mcp-proxy/internal/proxy"
	"github.com/ampersend-xyz/x402-mcp-proxy/internal/treasurer"
	"github.com/ampersend-xyz/x402-mcp-proxy/internal/wallet"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		envPrefix  = flag.String("env-prefix", "X402_PROXY_", "prefix for configuration environment variables")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath, *envPrefix)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	w, err := buildWallet(cfg)
	if err != nil {
		log.Error("failed to build wallet", "error", err)
		os.Exit(1)
	}
	log.Info("wallet ready", "mode", cfg.Wallet.Mode, "address", w.Address())

	t, err := buildTreasurer(cfg, w, log)
	if err != nil {
		log.Error("failed to build treasurer", "error", err)
		os.Exit(1)
	}

	server := proxy.NewServer(proxy.ServerOptions{
		Treasurer:  t,
		MaxPending: cfg.Server.MaxPending,
		Log:        log,
	})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: server.Handler(),
	}

	go func() {
		log.Info("proxy listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn("shutdown did not complete cleanly", "error", err)
	}
	server.Sessions().CloseAll()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func buildWallet(cfg *config.Config) (wallet.Wallet, error) {
	switch cfg.Wallet.Mode {
	case config.ModeEOA:
		if cfg.Wallet.Mnemonic != "" {
			return wallet.NewMnemonicWallet(cfg.Wallet.Mnemonic, cfg.Wallet.DerivationPath)
		}
		return wallet.NewEOAWallet(cfg.Wallet.PrivateKey)
	case config.ModeSmartAccount:
		return wallet.NewSmartAccountWallet(wallet.SmartAccountConfig{
			AccountAddress:       cfg.Wallet.SmartAccountAddress,
			SessionKeyPrivateKey: cfg.Wallet.SessionKeyPrivateKey,
			ValidatorAddress:     cfg.Wallet.ValidatorAddress,
			ChainID:              cfg.Wallet.ChainID,
		})
	case config.ModeSVM:
		return wallet.NewSolanaWallet(cfg.Wallet.SVMPrivateKey)
	default:
		return nil, fmt.Errorf("unknown wallet mode %q", cfg.Wallet.Mode)
	}
}

func buildTreasurer(cfg *config.Config, w wallet.Wallet, log *slog.Logger) (treasurer.Treasurer, error) {
	if cfg.Treasurer.PolicyAPIURL == "" {
		return treasurer.NewNaive(w, log), nil
	}

	signingKey, err := policySigningKey(cfg)
	if err != nil {
		return nil, err
	}
	client, err := ampersend.NewClient(ampersend.ClientOptions{
		BaseURL:    cfg.Treasurer.PolicyAPIURL,
		SigningKey: signingKey,
		Timeout:    cfg.Treasurer.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return ampersend.NewTreasurer(client, w, log), nil
}

// policySigningKey picks the key used for the policy service login: the
// account key for EOA wallets, the session key for smart accounts.
func policySigningKey(cfg *config.Config) (string, error) {
	switch cfg.Wallet.Mode {
	case config.ModeEOA:
		if cfg.Wallet.PrivateKey == "" {
			return "", fmt.Errorf("treasurer.policyApiUrl requires wallet.privateKey (mnemonic login is not supported)")
		}
		return cfg.Wallet.PrivateKey, nil
	case config.ModeSmartAccount:
		return cfg.Wallet.SessionKeyPrivateKey, nil
	default:
		return "", fmt.Errorf("treasurer.policyApiUrl is not supported with wallet.mode=%s", cfg.Wallet.Mode)
	}
}
