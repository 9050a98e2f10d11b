// Package main is the entrypoint for the security event retention job.
//
// The job runs on a schedule (EventBridge -> Lambda in production,
// direct invocation locally), archives security events older than the
// retention window to S3, and purges them from the hot table. A
// Postgres job lock keeps concurrent invocations from double-running.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"

	"monsaas/internal/config"
	"monsaas/internal/db"
	"monsaas/internal/scheduler"
	"monsaas/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("retention job initializing (cold start)")

	var provider config.SecretProvider
	if os.Getenv("APP_ENV") != "local" {
		region := os.Getenv("AWS_REGION")
		if region == "" {
			region = "us-east-1"
		}
		provider = config.NewSSMProvider(region)
	}

	cfg, err := config.LoadConfig(provider)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	if cfg.Database.URL.Unmask() == "" {
		return fmt.Errorf("DATABASE_URL is required for the retention job")
	}

	pool, err := pgxpool.New(context.Background(), cfg.Database.URL.Unmask())
	if err != nil {
		return fmt.Errorf("creating database pool: %w", err)
	}
	defer pool.Close()

	clock := types.RealClock{}
	events := db.NewSecurityEventRepository(pool)
	locks := db.NewJobLockRepository(pool, clock)

	// Without a bucket the job still purges; events are then gone for
	// good, so outside local mode that is a misconfiguration worth
	// refusing to start over.
	var archiver scheduler.ArchiveUploader
	if cfg.AWS.ArchiveBucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return fmt.Errorf("loading AWS SDK config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
				o.UsePathStyle = true
			}
		})
		archiver = scheduler.NewS3Archiver(client, cfg.AWS.ArchiveBucket, logger)
	} else if cfg.Environment != "local" {
		return fmt.Errorf("ARCHIVE_BUCKET is required outside local mode")
	} else {
		logger.Warn("ARCHIVE_BUCKET not set, purged events will not be archived")
	}

	job := scheduler.NewRetentionJob(events, archiver, locks, cfg.Security.EventRetention, clock, logger)

	handler := func(ctx context.Context) error {
		purged, err := job.Run(ctx)
		if err != nil {
			logger.Error("retention run failed", "purged", purged, "error", err)
			return err
		}
		logger.Info("retention run complete", "purged", purged)
		return nil
	}

	logger.Info("retention job initialized",
		"retention", cfg.Security.EventRetention.String(),
		"archive_bucket", cfg.AWS.ArchiveBucket,
	)

	if isLambdaEnvironment() {
		lambda.Start(handler)
		return nil
	}

	// Local/one-shot mode: run a single pass and exit.
	return handler(context.Background())
}

// isLambdaEnvironment returns true if the process is running inside
// AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}
