package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"DendroDetServer/adhoc"
	"DendroDetServer/config"
	"DendroDetServer/engine"
	rpc "DendroDetServer/gRPC"
	"DendroDetServer/httpapi"
	iface "DendroDetServer/interface"
	"DendroDetServer/logger"
	"DendroDetServer/monitor"
	"DendroDetServer/pipeline"
	"DendroDetServer/render"
	"DendroDetServer/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
		fmt.Fprintln(os.Stderr, "Failed to init logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Log().Error("server stopped with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cpus := runtime.NumCPU(); cfg.Model.Workers > cpus {
		logger.Log().Warn("model workers exceed CPU cores, expect contention",
			zap.Int("workers", cfg.Model.Workers), zap.Int("cpus", cpus))
	}
	logger.Log().Info("starting",
		zap.String("http", cfg.Server.Addr()),
		zap.Int("grpc_port", cfg.Server.GRPCPort),
		zap.Int("metrics_port", cfg.Server.MetricsPort),
		zap.Bool("inference_enabled", cfg.Model.EnableInference))

	detector, classifier := loadModels(ctx, cfg)
	defer func() {
		_ = engine.Close(detector)
		_ = engine.Close(classifier)
	}()
	pipe := pipeline.New(detector, classifier, pipeline.Options{
		EnableInference:     cfg.Model.EnableInference,
		ClassifierThreshold: cfg.Classifier.ConfidenceThreshold,
	})

	repo, closeRepo, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeRepo()

	metrics := monitor.New()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		metrics.StartMon(ctx, cfg.Server.MetricsPort)
	}()

	maxUpload := int64(cfg.Server.MaxUploadMB) << 20
	grpcServer, err := rpc.StartGRPCServer(cfg.Server.GRPCPort, rpc.NewServer(pipe, metrics), int(maxUpload))
	if err != nil {
		return err
	}

	if cfg.Registry.Enabled {
		ip, err := adhoc.GetOutboundIP()
		if err != nil {
			logger.Log().Warn("failed to get outbound IP", zap.Error(err))
		}
		hb := adhoc.NewHeartbeat(cfg.Registry.Host, cfg.Registry.Port,
			time.Duration(cfg.Registry.IntervalSeconds)*time.Second,
			adhoc.Instance{IP: ip, Port: cfg.Server.Port, GRPCPort: cfg.Server.GRPCPort, InferenceEnabled: cfg.Model.EnableInference})
		wg.Add(1)
		go func() {
			defer wg.Done()
			hb.Run(ctx)
		}()
	}

	handler := httpapi.NewHandler(pipe, repo, render.NewAnnotator(cfg.Render.Format, cfg.Render.Quality), metrics, httpapi.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxUploadBytes: maxUpload,
		TableFormat:    cfg.Render.TableFormat,
	})
	srv := handler.NewServer(cfg.Server.Addr())
	errCh := make(chan error, 1)
	go func() {
		logger.Log().Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Log().Info("shutting down")
	case err = <-errCh:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Log().Error("http server shutdown", zap.Error(serr))
	}
	grpcServer.GracefulStop()
	wg.Wait()
	logger.Log().Info("safely exited")
	return err
}

// loadModels builds the adapters when inference is enabled. A failed load
// leaves the adapter nil so requests report it as not initialized.
func loadModels(ctx context.Context, cfg *config.Config) (iface.Detector, iface.Classifier) {
	if !cfg.Model.EnableInference {
		logger.Log().Info("model inference disabled in configuration")
		return nil, nil
	}
	var (
		detector   iface.Detector
		classifier iface.Classifier
	)
	d, err := engine.NewDetector(ctx, cfg.Model)
	if err != nil {
		logger.Log().Error("failed to load detector", zap.String("model", cfg.Model.Path), zap.Error(err))
	} else {
		detector = d
	}
	c, err := engine.NewClassifier(ctx, cfg.Classifier, cfg.Model)
	if err != nil {
		logger.Log().Error("failed to load classifier", zap.String("model", cfg.Classifier.Path), zap.Error(err))
	} else {
		classifier = c
	}
	return detector, classifier
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Repository, func(), error) {
	if cfg.URL == "" {
		return store.NewMemoryRepository(store.DefaultMemoryLimit), func() {}, nil
	}
	pg, err := store.OpenPostgres(ctx, cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		_ = pg.Close()
		return nil, nil, err
	}
	logger.Log().Info("results stored in postgres")
	return pg, func() { _ = pg.Close() }, nil
}
