package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bryanwahyu/medscan/internal/application"
	appanalysis "github.com/bryanwahyu/medscan/internal/application/analysis"
	"github.com/bryanwahyu/medscan/internal/application/queue"
	"github.com/bryanwahyu/medscan/internal/application/report"
	appscans "github.com/bryanwahyu/medscan/internal/application/scans"
	"github.com/bryanwahyu/medscan/internal/domain/analysis"
	infer "github.com/bryanwahyu/medscan/internal/infra/ai/inference"
	"github.com/bryanwahyu/medscan/internal/infra/cache"
	"github.com/bryanwahyu/medscan/internal/infra/executor/pool"
	"github.com/bryanwahyu/medscan/internal/infra/httpserver"
	"github.com/bryanwahyu/medscan/internal/infra/queue/rabbitmq"
	minioStore "github.com/bryanwahyu/medscan/internal/infra/storage"
	"github.com/bryanwahyu/medscan/internal/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the analysis workers and the stuck-run sweeper",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	// init minio
	images, err := minioStore.New(ctx,
		cfg.Minio.Endpoint,
		cfg.Minio.Region,
		cfg.Minio.BucketName,
		cfg.Minio.AccessKey,
		cfg.Minio.SecretKey,
		cfg.Minio.UseSSL,
	)
	if err != nil {
		return fmt.Errorf("minio init error: %w", err)
	}

	checks := map[string]middleware.HealthChecker{
		"database": middleware.CheckFunc(st.ping),
		"minio":    middleware.CheckFunc(images.Ping),
	}

	var statusCache analysis.StatusCache
	if cfg.Redis.Addr != "" {
		rdb, err := cache.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		c := cache.New(rdb, cfg.Redis.TTL)
		defer c.Close()
		statusCache = c
		checks["redis"] = middleware.CheckFunc(c.Ping)
	}

	var publisher analysis.Publisher
	if cfg.RabbitMQ.URL != "" {
		p, err := rabbitmq.Dial(cfg.RabbitMQ.URL, cfg.RabbitMQ.Queue, log)
		if err != nil {
			return err
		}
		defer p.Close()
		publisher = p
	}

	client, err := infer.NewClient(infer.Config{
		Endpoints:         endpoints(cfg),
		APIKey:            cfg.Inference.APIKey,
		Timeout:           cfg.Inference.Timeout,
		MaxImageDimension: cfg.Inference.MaxImageDimension,
		RatePerSecond:     cfg.Inference.RatePerSecond,
		Burst:             cfg.Inference.Burst,
	}, log)
	if err != nil {
		return err
	}

	clock := application.SystemClock{}
	mgr := queue.NewManager(st.scans, cfg.Analysis.ServiceTime, publisher, clock, log)
	workers := pool.New(cfg.Analysis.Workers, cfg.Analysis.QueueDepth, log)
	completions := make(chan analysis.Completion, cfg.Analysis.CompletionBuffer)

	analysisSvc := &appanalysis.Service{
		Scans:             st.scans,
		Analyses:          st.analyses,
		Images:            images,
		Inference:         client,
		Summarizer:        summarizer(cfg),
		Failures:          st.failures,
		Dispatcher:        workers,
		Admission:         mgr,
		Cache:             statusCache,
		Completions:       completions,
		Clock:             clock,
		Log:               log.With().Str("component", "analysis").Logger(),
		RunTimeout:        cfg.Analysis.RunTimeout,
		ProcessingTimeout: cfg.Analysis.ProcessingTimeout,
		ServiceTime:       cfg.Analysis.ServiceTime,
	}
	scansSvc := &appscans.Service{
		Repo:     st.scans,
		Images:   images,
		Failures: st.failures,
		Cache:    statusCache,
		Clock:    clock,
		Log:      log.With().Str("component", "scans").Logger(),
	}

	keys := make([]middleware.APIKey, 0, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		keys = append(keys, middleware.APIKey{Key: k.Key, Subject: k.Subject, Role: k.Role})
	}
	limiter := middleware.NewRateLimiter(cfg.Auth.RateLimit, cfg.Auth.RateBurst)

	handler := httpserver.NewRouter(httpserver.Deps{
		Scans:    scansSvc,
		Analysis: analysisSvc,
		Queue:    mgr,
		Reports:  &report.Generator{Scans: st.scans, Analyses: st.analyses, Clock: clock},
		Auth:     &middleware.Authenticator{Keys: keys, HMACKey: []byte(cfg.Auth.HMACKey), Issuer: cfg.Auth.Issuer},
		Limiter:  limiter,
		Metrics:  middleware.NewMetrics(),
		Checks:   checks,
		Gauges: map[string]middleware.Gauge{
			"pool_pending": func() int64 { return int64(workers.Pending()) },
			"pool_running": func() int64 { return int64(workers.Running()) },
		},
		CORSOrigins:    cfg.Server.CORSOrigins,
		MaxUploadBytes: cfg.Server.MaxUploadMB << 20,
		Log:            log,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// worker jalan di context sendiri, biar bisa drain setelah server berhenti
	workers.Start(context.WithoutCancel(ctx))
	observeCtx, stopObserve := context.WithCancel(context.WithoutCancel(ctx))
	defer stopObserve()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Str("driver", cfg.Database.Driver).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		mgr.Observe(observeCtx, completions)
		return nil
	})
	g.Go(func() error {
		analysisSvc.RunSweeper(gctx, cfg.Analysis.SweepInterval)
		return nil
	})
	g.Go(func() error {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case now := <-t.C:
				limiter.Prune(now)
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server...")

		shCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil {
			log.Error().Err(err).Msg("http shutdown")
		}
		if err := workers.Shutdown(shCtx); err != nil {
			// masih ada job jalan: jangan close channel, cukup stop observer
			log.Error().Err(err).Int("running", workers.Running()).Msg("worker drain incomplete")
			stopObserve()
			return nil
		}
		close(completions)
		return nil
	})

	return g.Wait()
}
