package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/reliquary/consensus/internal/api"
	"github.com/reliquary/consensus/internal/config"
	rqcrypto "github.com/reliquary/consensus/internal/crypto"
	"github.com/reliquary/consensus/internal/logging"
	"github.com/reliquary/consensus/internal/service"
	"github.com/reliquary/consensus/internal/storage"
	"github.com/reliquary/consensus/internal/storage/memory"
	"github.com/reliquary/consensus/internal/storage/postgres"
)

type Application struct {
	Server *http.Server
	Store  storage.Store
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	signer, err := rqcrypto.LoadSigner(cfg.Keys.SigningPrivateKeyPath, cfg.Keys.SigningPublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load signing keys: %w", err)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open consensus store: %w", err)
	}

	svc, err := service.New(service.Params{
		Store:           store,
		Signer:          signer,
		Events:          service.MultiSink{service.NewLogSink(logger), service.NewOutboxSink(store, logger)},
		AdminID:         cfg.Governance.AdminID,
		VotingPeriod:    time.Duration(cfg.Governance.VotingPeriodSeconds) * time.Second,
		ExecutionDelay:  time.Duration(cfg.Governance.ExecutionDelaySeconds) * time.Second,
		QuorumThreshold: cfg.Governance.QuorumThreshold,
		ServiceName:     cfg.Logging.Service,
		Version:         cfg.Logging.Version,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build consensus service: %w", err)
	}

	handler := api.NewHandler(svc, logger)
	router := handler.Router()
	if *cfg.Security.EnableIPAllow {
		mw, err := api.IPAllowListMiddleware(cfg.Security.TrustedCIDRs)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("configure ip allow list: %w", err)
		}
		router = mw(router)
	}
	if *cfg.Security.EnableBearerAuth {
		router = api.BearerAuthMiddleware(cfg.Security.BearerToken)(router)
	}
	env := logging.Environment{
		Service: cfg.Logging.Service,
		Version: cfg.Logging.Version,
		Commit:  cfg.Logging.Commit,
		Region:  cfg.Logging.Region,
		NodeID:  cfg.Logging.NodeID,
	}
	root := logging.Middleware(logger, env)(router)

	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           root,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return &Application{Server: server, Store: store}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		return postgres.Open(ctx, cfg.Storage.PostgresDSN, cfg.Storage.MaxConns, cfg.Storage.MinConns)
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func (a *Application) Shutdown(ctx context.Context) error {
	defer a.Store.Close()
	return a.Server.Shutdown(ctx)
}
