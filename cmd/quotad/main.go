// Copyright (c) 2025 The quotad authors.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Command quotad serves the per-user quota API used by the courtroom
// backend to throttle argument submissions and case generation.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/courtroomai/quotad/httpserver"
	"github.com/courtroomai/quotad/internal/version"
	"github.com/courtroomai/quotad/log"
	"github.com/courtroomai/quotad/migrator"
	"github.com/courtroomai/quotad/pg"
	"github.com/courtroomai/quotad/quotaapi"
	"github.com/courtroomai/quotad/ratelimit"
	"github.com/courtroomai/quotad/timeutil"
	"github.com/courtroomai/quotad/unit"
)

type (
	service struct {
		config *config
	}

	config struct {
		HTTP      httpConfig               `json:"http"`
		Postgres  postgresConfig           `json:"postgres"`
		TimeZone  string                   `json:"time-zone"`
		Migration migrationConfig          `json:"migrations"`
		Sweep     sweepConfig              `json:"sweep"`
		Limiters  map[string]limiterConfig `json:"limiters"`
	}

	httpConfig struct {
		Addr string `json:"addr"`
	}

	postgresConfig struct {
		Addr     string `json:"addr"`
		User     string `json:"user"`
		Password string `json:"password"`
		Database string `json:"database"`
		PoolSize int32  `json:"pool-size"`
	}

	migrationConfig struct {
		Dirname string `json:"dirname"`
	}

	sweepConfig struct {
		IntervalSeconds int `json:"interval-seconds"`
	}

	limiterConfig struct {
		Requests      int `json:"requests"`
		WindowSeconds int `json:"window-seconds"`
	}
)

var serviceVersion = version.New(0).Alpha(1)

func main() {
	svc := &service{
		config: &config{
			HTTP: httpConfig{
				Addr: ":8080",
			},
			Postgres: postgresConfig{
				Addr:     "localhost:5432",
				User:     "quotad",
				Database: "quotad",
				PoolSize: 10,
			},
			TimeZone: timeutil.DefaultZone,
			Migration: migrationConfig{
				Dirname: "migrations",
			},
			Sweep: sweepConfig{
				IntervalSeconds: 900,
			},
			Limiters: map[string]limiterConfig{
				"argument_rate_limiter": {
					Requests:      10,
					WindowSeconds: 86400,
				},
				"case_generation_rate_limiter": {
					Requests:      3,
					WindowSeconds: 86400,
				},
			},
		},
	}

	u := unit.NewUnit("quotad", serviceVersion, envName(), svc)
	if err := u.Run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func envName() string {
	if v := os.Getenv("QUOTAD_ENVIRONMENT"); v != "" {
		return v
	}

	return "development"
}

func (s *service) GetConfiguration() any {
	return s.config
}

func (s *service) Run(
	ctx context.Context,
	logger *log.Logger,
	registerer prometheus.Registerer,
	tracerProvider trace.TracerProvider,
) error {
	location, err := timeutil.Location(s.config.TimeZone)
	if err != nil {
		return fmt.Errorf("cannot load time zone %q: %w", s.config.TimeZone, err)
	}

	pgClient, err := pg.NewClient(
		pg.WithLogger(logger),
		pg.WithAddr(s.config.Postgres.Addr),
		pg.WithUser(s.config.Postgres.User),
		pg.WithPassword(s.config.Postgres.Password),
		pg.WithDatabase(s.config.Postgres.Database),
		pg.WithPoolSize(s.config.Postgres.PoolSize),
		pg.WithTracerProvider(tracerProvider),
		pg.WithRegisterer(registerer),
	)
	if err != nil {
		return fmt.Errorf("cannot create postgres client: %w", err)
	}
	defer pgClient.Close()

	m := migrator.NewMigrator(
		pgClient,
		s.config.Migration.Dirname,
		migrator.WithLogger(logger),
	)
	if err := m.Run(ctx); err != nil {
		return fmt.Errorf("cannot run migrations: %w", err)
	}

	store := ratelimit.NewPGStore(
		pgClient,
		ratelimit.WithPGStoreLogger(logger),
		ratelimit.WithSweepInterval(time.Duration(s.config.Sweep.IntervalSeconds)*time.Second),
	)
	store.StartSweeper(ctx)

	limiters, err := s.buildLimiters(store, location, logger, registerer, tracerProvider)
	if err != nil {
		return err
	}

	handler := quotaapi.NewHandler(limiters, quotaapi.WithLogger(logger))

	server := httpserver.NewServer(
		s.config.HTTP.Addr,
		handler.Router(),
		httpserver.WithLogger(logger),
		httpserver.WithTracerProvider(tracerProvider),
		httpserver.WithRegisterer(registerer),
	)

	serverErrCh := make(chan error, 1)
	go func() {
		logger.InfoCtx(ctx, "starting http server", log.String("addr", server.Addr))

		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("cannot serve http requests: %w", err)
		}
		close(serverErrCh)
	}()

	select {
	case err := <-serverErrCh:
		return err
	case <-ctx.Done():
	}

	logger.InfoCtx(ctx, "shutting down http server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("cannot shutdown http server: %w", err)
	}

	return ctx.Err()
}

func (s *service) buildLimiters(
	store ratelimit.Store,
	location *time.Location,
	logger *log.Logger,
	registerer prometheus.Registerer,
	tracerProvider trace.TracerProvider,
) ([]*ratelimit.Limiter, error) {
	names := make([]string, 0, len(s.config.Limiters))
	for name := range s.config.Limiters {
		names = append(names, name)
	}
	sort.Strings(names)

	limiters := make([]*ratelimit.Limiter, 0, len(names))
	for _, name := range names {
		cfg := s.config.Limiters[name]

		l, err := ratelimit.NewLimiter(
			store,
			name,
			cfg.Requests,
			time.Duration(cfg.WindowSeconds)*time.Second,
			ratelimit.WithLogger(logger),
			ratelimit.WithLocation(location),
			ratelimit.WithRegisterer(registerer),
			ratelimit.WithTracerProvider(tracerProvider),
		)
		if err != nil {
			return nil, fmt.Errorf("cannot create %q limiter: %w", name, err)
		}

		limiters = append(limiters, l)
	}

	return limiters, nil
}
