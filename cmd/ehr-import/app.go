package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/clinicalimport/internal/config"
	"github.com/ehr/clinicalimport/internal/domain/concept"
	"github.com/ehr/clinicalimport/internal/domain/ingest"
	"github.com/ehr/clinicalimport/internal/domain/validation"
	"github.com/ehr/clinicalimport/internal/platform/cache"
	"github.com/ehr/clinicalimport/internal/platform/db"
	"github.com/ehr/clinicalimport/internal/platform/middleware"
)

const version = "0.1.0"

// app holds the wired services shared by every subcommand.
type app struct {
	cfg        *config.Config
	logger     zerolog.Logger
	pool       *pgxpool.Pool
	cache      *cache.Cache
	lookup     *concept.Lookup
	validator  *validation.Validator
	dispatcher *ingest.Dispatcher
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	logger := zerolog.New(out).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	if lvl, err := cfg.Level(); err == nil {
		logger = logger.Level(lvl)
	}
	return logger
}

// newApp connects the concept backend and builds the import core. Without
// DATABASE_URL concepts come from the in-memory store, seeded from
// CONCEPTS_FILE when set.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	var concepts concept.ConceptRepository
	var rules concept.RuleRepository
	if cfg.UsesDatabase() {
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		}, logger)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		concepts = concept.NewConceptRepoPG(pool)
		rules = concept.NewRuleRepoPG(pool)
	} else {
		store := concept.NewMemoryStore()
		if cfg.ConceptsFile != "" {
			if err := store.LoadFile(cfg.ConceptsFile); err != nil {
				return nil, err
			}
		}
		logger.Info().Int("concepts", store.Len()).Str("file", cfg.ConceptsFile).Msg("using in-memory concept store")
		concepts, rules = store.Concepts(), store.Rules()
	}

	c, err := cache.New(ctx, cache.Config{URL: cfg.RedisURL})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.cache = c
	if c.IsEnabled() {
		cached := concept.NewCachedRepository(concepts, rules, c, cfg.ConceptCacheTTL, logger)
		concepts, rules = cached.Concepts(), cached.Rules()
		logger.Info().Dur("ttl", cfg.ConceptCacheTTL).Msg("concept cache enabled")
	}

	a.lookup = concept.NewLookup(concepts, rules)
	a.validator = validation.New(a.lookup, logger)
	a.dispatcher = ingest.NewDispatcher(ingest.NewImporters(ingest.Services{
		Concepts:  a.lookup,
		Validator: a.validator,
		Logger:    logger,
	}), ingest.DispatcherConfig{
		MaxFileSize:  cfg.ImportMaxFileSize,
		DefaultLimit: cfg.ImportDefaultLimit,
		SourceSystem: cfg.ImportSourceSystem,
	}, logger)

	return a, nil
}

func (a *app) Close() {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("closing concept cache")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// uploadLimit leaves room for JSON escaping and multipart framing around a
// file of the maximum import size.
func (a *app) uploadLimit() int64 {
	return 2*a.cfg.ImportMaxFileSize + 64<<10
}

func (a *app) readinessChecks() []db.Check {
	var checks []db.Check
	if a.pool != nil {
		checks = append(checks, db.Check{Name: "postgres", Pinger: a.pool})
	}
	if a.cache != nil && a.cache.IsEnabled() {
		checks = append(checks, db.Check{Name: "redis", Pinger: a.cache})
	}
	return checks
}

// newServer builds the echo instance with middleware and all routes.
func (a *app) newServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.BodyLimit(a.cfg.BodyLimit, "/api/v1/imports", a.uploadLimit()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Content-Type", middleware.RequestIDHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/ready", db.ReadinessHandler(0, a.readinessChecks()...))
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool))
	}

	apiV1 := e.Group("/api/v1")
	ingest.NewHandler(a.dispatcher).RegisterRoutes(apiV1)
	validation.NewHandler(a.validator).RegisterRoutes(apiV1)
	concept.NewHandler(a.lookup).RegisterRoutes(apiV1)

	return e
}

func readInput(path string, stdin io.Reader) (content []byte, filename string, err error) {
	if path == "-" {
		content, err = io.ReadAll(stdin)
		if err != nil {
			return nil, "", fmt.Errorf("read stdin: %w", err)
		}
		return content, "", nil
	}
	content, err = os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read import file: %w", err)
	}
	return content, filepath.Base(path), nil
}
