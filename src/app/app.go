// Package app assembles the import pipeline from configuration. It is shared
// by the HTTP server and the command line tool.
package app

import (
	"fmt"

	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/username/aims/backend/src/config"
	"github.com/username/aims/backend/src/database"
	"github.com/username/aims/backend/src/logger"
	"github.com/username/aims/backend/src/metrics"
	"github.com/username/aims/backend/src/parsers"
	"github.com/username/aims/backend/src/processors"
	"github.com/username/aims/backend/src/services"
	"github.com/username/aims/backend/src/utils"
)

type App struct {
	Config   *config.AppConfig
	Store    *database.Store
	Parser   parsers.Parser
	Service  services.ImportService
	Registry *prometheus.Registry
	Sessions *cache.Cache
}

// New loads reference data, opens the database and wires the import service.
// Missing rate or country files degrade the pipeline instead of failing it.
func New(cfg *config.AppConfig) (*App, error) {
	logger.L.Info("Initializing data loaders...")
	var converter processors.CurrencyConverter
	if rates, err := processors.LoadHistoricalRates(cfg.HistoricalDataPath); err != nil {
		logger.L.Error("Failed to load historical rates; USD values will be left empty", "path", cfg.HistoricalDataPath, "error", err)
	} else {
		converter = rates
	}
	var validatorOpts []processors.ValidatorOption
	if err := utils.InitCountryData(cfg.CountryDataPath); err != nil {
		logger.L.Error("Failed to load country data; recipient countries are checked by format only", "path", cfg.CountryDataPath, "error", err)
	} else {
		validatorOpts = append(validatorOpts, processors.WithCountryCheck(utils.IsKnownCountry))
	}

	parser, err := parsers.GetParser("iati")
	if err != nil {
		return nil, err
	}

	logger.L.Info("Initializing database...", "path", cfg.DatabasePath)
	store, err := database.InitDB(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	logger.L.Info("Database initialized successfully.")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sessions := cache.New(cfg.ReviewSessionTTL, services.CacheCleanupInterval)
	service := services.NewImportService(
		parser,
		processors.NewValidator(validatorOpts...),
		processors.NewTransactionProcessor(converter),
		store,
		metrics.New(registry),
		sessions,
		services.Options{
			AllowUnlinked:  cfg.AllowUnlinkedTransactions,
			ImportOnExpiry: cfg.ImportOnSessionExpiry,
			SampleSize:     cfg.ReportSampleSize,
		},
	)

	return &App{
		Config:   cfg,
		Store:    store,
		Parser:   parser,
		Service:  service,
		Registry: registry,
		Sessions: sessions,
	}, nil
}

func (a *App) Close() error {
	return a.Store.Close()
}
