// Package app wires every collaborator into one explicitly-constructed
// Services aggregate, threaded through cmd/api and cmd/worker in place
// of package-level mutable globals (SPEC_FULL.md §4.0, §9).
//
// Grounded on the teacher's hand-wired dependency construction in
// cmd/knowledge-engine-api/router.go (NewRouter builds every collaborator
// inline from an AppConfig before handing them to handler constructors).
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/docuvision/docuvision/internal/blobstore"
	"github.com/docuvision/docuvision/internal/capability/ocr"
	"github.com/docuvision/docuvision/internal/capability/preprocess"
	"github.com/docuvision/docuvision/internal/capability/rasterizer"
	"github.com/docuvision/docuvision/internal/capability/vision"
	"github.com/docuvision/docuvision/internal/capability/workbook"
	"github.com/docuvision/docuvision/internal/config"
	"github.com/docuvision/docuvision/internal/jobqueue"
	"github.com/docuvision/docuvision/internal/metadatastore"
	"github.com/docuvision/docuvision/internal/observability"
	"github.com/docuvision/docuvision/internal/progressbus"
	"github.com/docuvision/docuvision/internal/schema"
	"github.com/docuvision/docuvision/internal/workerpool"
)

// Services is the single aggregate of every collaborator a binary needs
// (SPEC_FULL.md §4.0). No field is a package-level global; every binary
// constructs exactly one of these in main().
type Services struct {
	Config       *config.Config
	Logger       *observability.Logger
	DB           metadatastore.Store
	Blob         blobstore.Store
	Redis        *redis.Client
	Jobs         jobqueue.Queue
	Progress     *progressbus.Bus
	Schemas      *schema.Registry
	Rasterizer   rasterizer.Rasterizer
	Preprocessor preprocess.Preprocessor
	Vision       *vision.Client
	OCR          ocr.Fallback
	Workbook     workbook.Writer
	Limiter      *workerpool.Limiter
}

// New constructs every collaborator named in cfg. Blob backend "s3" is
// rejected for now: the domain stack wires only the local filesystem
// backend (SPEC_FULL.md names `s3` as a recognized config value but no
// pack repo carries an S3 SDK to ground an implementation on).
func New(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*Services, error) {
	db, err := metadatastore.Open(ctx, cfg.Database.Driver, cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	if cfg.Blob.Backend != "local" {
		return nil, fmt.Errorf("unsupported blob backend %q", cfg.Blob.Backend)
	}
	blobs, err := blobstore.NewLocalStore(cfg.Blob.RootDir)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Cache.Redis.Addr,
		Password: cfg.Cache.Redis.Password,
		DB:       cfg.Cache.Redis.DB,
		PoolSize: cfg.Cache.Redis.PoolSize,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	jobs := jobqueue.NewRedisQueue(redisClient)
	progress := progressbus.NewBus(redisClient, logger)

	visionClient := vision.NewClient(
		cfg.Vision.APIKey,
		vision.WithModel(cfg.Vision.ModelName),
		vision.WithBaseURL(cfg.Vision.BaseURL),
		vision.WithLogger(logger),
	)
	schemas := schema.NewRegistry(visionClient)

	limiter := workerpool.NewLimiter(cfg.Vision.RateLimitPerMin)

	return &Services{
		Config:       cfg,
		Logger:       logger,
		DB:           db,
		Blob:         blobs,
		Redis:        redisClient,
		Jobs:         jobs,
		Progress:     progress,
		Schemas:      schemas,
		Rasterizer:   rasterizer.NewFitzRasterizer(),
		Preprocessor: preprocess.NewImagingPreprocessor(logger),
		Vision:       visionClient,
		OCR:          ocr.NewTesseractFallback(""),
		Workbook:     workbook.NewExcelizeWriter(),
		Limiter:      limiter,
	}, nil
}

// Close releases every pooled resource. Safe to call once during
// graceful shutdown.
func (s *Services) Close() error {
	var firstErr error
	if err := s.Jobs.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.DB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.Redis.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.Limiter.Close()
	return firstErr
}
