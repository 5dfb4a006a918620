package main

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/opensource-finance/subsidy/internal/config"
	"github.com/opensource-finance/subsidy/internal/domain"
	"github.com/opensource-finance/subsidy/internal/logger"
	"github.com/opensource-finance/subsidy/internal/repository"
)

// app holds what every subcommand needs: configuration, a logger and an
// open repository.
type app struct {
	cfg  *domain.Config
	log  *slog.Logger
	repo *repository.SQLRepository
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}

	log := logger.New(cfg.Logging, serviceName, Version)
	slog.SetDefault(log)

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}

	return &app{cfg: cfg, log: log, repo: repo}, nil
}

func (a *app) Close() {
	if err := a.repo.Close(); err != nil {
		a.log.Error("failed to close repository", "error", err)
	}
}
