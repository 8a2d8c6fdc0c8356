package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/pavel-fokin/file-vault/internal/config"
	"github.com/pavel-fokin/file-vault/internal/files"
	"github.com/pavel-fokin/file-vault/internal/fs"
	"github.com/pavel-fokin/file-vault/internal/janitor"
	"github.com/pavel-fokin/file-vault/internal/s3"
	"github.com/pavel-fokin/file-vault/internal/sqlite"
)

// app holds the components shared by serve and sweep.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
	repo      *sqlite.Repository
	files     *files.Service
	janitor   *janitor.Janitor
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger, logCloser := cfg.SetupLogger(os.Stdout)
	slog.SetDefault(logger)

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		logCloser.Close()
		return nil, err
	}

	repo, err := sqlite.NewRepository(ctx, cfg.DBPath, logger)
	if err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}

	opts := files.DefaultOptions()
	opts.MaxFileSize = cfg.MaxFileSize
	opts.UploadConcurrency = cfg.UploadWorkers
	opts.StorageTimeout = cfg.StorageTimeout
	opts.KeepVersions = cfg.KeepVersions
	opts.HideForeign = cfg.HideForeign
	opts.ListCacheSize = cfg.ListCacheSize
	opts.ListCacheTTL = cfg.ListCacheTTL

	service := files.NewService(blobs, repo, opts, logger)

	j := janitor.New(blobs, repo, service, janitor.Options{
		OrphanGrace: cfg.OrphanGrace,
		TrashTTL:    cfg.TrashTTL,
	}, logger)

	logger.Info("File vault initialized",
		slog.String("blob_backend", cfg.BlobBackend),
		slog.Bool("keep_versions", cfg.KeepVersions),
		slog.Int64("max_file_size", cfg.MaxFileSize),
	)

	return &app{
		cfg:       cfg,
		logger:    logger,
		logCloser: logCloser,
		repo:      repo,
		files:     service,
		janitor:   j,
	}, nil
}

func newBlobStore(ctx context.Context, cfg *config.Config) (files.BlobStore, error) {
	switch cfg.BlobBackend {
	case "s3":
		storage, err := s3.NewStorage(ctx, s3.Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Prefix:    cfg.S3Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize s3 storage: %w", err)
		}
		return storage, nil
	default:
		storage, err := fs.NewStorage(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		return storage, nil
	}
}

func (a *app) Close() {
	if err := a.repo.Close(); err != nil {
		a.logger.Error("Failed to close repository", slog.String("error", err.Error()))
	}
	a.logCloser.Close()
}
