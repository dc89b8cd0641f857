package main

import (
	"context"
	"fmt"
	"net/http"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/ValXp/btrfs-to-s3/internal/awsiface"
	"github.com/ValXp/btrfs-to-s3/internal/config"
	"github.com/ValXp/btrfs-to-s3/internal/errs"
	"github.com/ValXp/btrfs-to-s3/internal/logging"
	"github.com/ValXp/btrfs-to-s3/internal/pipeline"
	"github.com/ValXp/btrfs-to-s3/internal/snapshot"
)

// buildPipeline loads and validates the config file at configPath, wires
// up the AWS S3 client, and assembles a Pipeline. If cfg.Global.MetricsAddr
// is set, it also starts the `/metrics` HTTP server in the background.
func buildPipeline(ctx context.Context, configPath, logLevel string) (*pipeline.Pipeline, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, errs.Config(fmt.Sprintf("failed to load config %s", configPath), err)
	}

	logging.Init(logging.Config{Level: logLevel})
	log := logging.WithComponent("pipeline")

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3.Region))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var client awsiface.S3Client = awsiface.NewClient(s3.NewFromConfig(awsCfg))

	p := pipeline.New(pipeline.Options{
		Config:         cfg,
		S3Client:       client,
		SnapshotRunner: snapshot.ExecRunner{},
		Logger:         log,
	})

	if cfg.Global.MetricsAddr != "" {
		go serveMetrics(cfg.Global.MetricsAddr, p, log)
	}

	return p, cfg, nil
}

func serveMetrics(addr string, p *pipeline.Pipeline, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Metrics().Handler())
	log.Info().Str("addr", addr).Msg("serving /metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("metrics server exited")
	}
}

