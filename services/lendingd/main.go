package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	riskconfig "cdpledger/config"
	"cdpledger/observability/logging"
	telemetry "cdpledger/observability/otel"
	lendingserver "cdpledger/services/lending/server"
	"cdpledger/services/lendingd/config"
	"cdpledger/state"
	"cdpledger/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/lendingd/config.yaml", "path to lendingd config")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		slog.Error("lendingd stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("CDP_ENV"))
	logOpts := logging.Options{Level: cfg.Log.Level}
	if cfg.Log.File != "" {
		logOpts.File = &logging.FileConfig{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		}
	}
	logger := logging.SetupWithOptions("lendingd", env, logOpts)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("lendingd", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	riskDoc, err := riskconfig.Load(cfg.RiskPath)
	if err != nil {
		return fmt.Errorf("load risk document: %w", err)
	}
	risk, err := riskconfig.NewStore(*riskDoc)
	if err != nil {
		return fmt.Errorf("risk document: %w", err)
	}

	var store *state.Store
	if cfg.DataDir != "" {
		db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
		if err != nil {
			return fmt.Errorf("open ledger db: %w", err)
		}
		defer db.Close()
		store = state.New(db)
	} else {
		logger.Warn("no data_dir configured; ledger state lives in memory only")
	}

	eng, err := buildEngine(cfg, risk, store, logger)
	if err != nil {
		return err
	}
	eng.Start()
	logger.Info("lending engine started", "markets", len(eng.Markets()), "feeds", len(eng.Feeds()), "risk", risk.String())

	tokens := make([]lendingserver.APIToken, 0, len(cfg.Auth.Tokens))
	for _, tok := range cfg.Auth.Tokens {
		tokens = append(tokens, lendingserver.APIToken{Token: tok.Token, Account: tok.Account, Admin: tok.Admin})
	}
	srv, err := lendingserver.New(lendingserver.Config{
		Engine:         eng,
		Auth:           lendingserver.AuthConfig{Tokens: tokens},
		RateLimit:      lendingserver.RateLimit{RequestsPerMinute: cfg.RateLimit.RequestsPerMinute, Burst: cfg.RateLimit.Burst},
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger.With("component", "http"),
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	tlsCfg, err := lendingserver.ServerTLS(lendingserver.TLSConfig{
		CertFile:         cfg.TLS.CertPath,
		KeyFile:          cfg.TLS.KeyPath,
		ClientCAFile:     cfg.TLS.ClientCAPath,
		AllowInsecure:    cfg.TLS.AllowInsecure,
		AllowedClientCNs: cfg.TLS.AllowedCommonNames,
	})
	if err != nil {
		return fmt.Errorf("configure tls: %w", err)
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddress, err)
	}
	if tlsCfg == nil {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(env, "dev") && !loopback {
			_ = listener.Close()
			return errors.New("plaintext lendingd mode is restricted to loopback listeners or dev environment")
		}
	}

	httpServer := &http.Server{
		Handler:           srv.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	persist := func() {
		if store == nil {
			return
		}
		if err := eng.Persist(); err != nil {
			logger.Error("persist ledger snapshot", "error", err)
		}
	}
	go runTicker(ctx, cfg.PersistInterval, persist)
	go runTicker(ctx, cfg.AccrueInterval, func() {
		if err := eng.Accrue(ctx); err != nil {
			logger.Warn("scheduled accrue failed", "error", err)
		}
	})
	go reloadRiskOnHangup(ctx, cfg.RiskPath, risk, logger)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("lendingd listening", "addr", listener.Addr().String(), "tls", tlsCfg != nil)
		if tlsCfg != nil {
			serverErr <- httpServer.ServeTLS(listener, "", "")
			return
		}
		serverErr <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", "error", err)
			_ = httpServer.Close()
		}
		persist()
		return nil
	case err := <-serverErr:
		persist()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	}
}

func runTicker(ctx context.Context, every time.Duration, fn func()) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// reloadRiskOnHangup re-reads the risk document on SIGHUP. A document that
// fails validation leaves the running parameters in place.
func reloadRiskOnHangup(ctx context.Context, path string, risk *riskconfig.Store, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			doc, err := riskconfig.Load(path)
			if err == nil {
				err = risk.Apply(*doc)
			}
			if err != nil {
				logger.Error("risk reload rejected", "path", path, "error", err)
				continue
			}
			logger.Info("risk document reloaded", "risk", risk.String())
		}
	}
}
