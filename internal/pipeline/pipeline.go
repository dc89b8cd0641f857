// Package pipeline wires the per-subvolume lifecycle from section 2
// together: lock → state → {plan → snapshot → send → chunk+upload →
// publish manifest → persist state → prune} per subvolume → unlock for
// backup, and chain-resolve → archive-readiness → stream receive →
// verify for restore. Grounded in the teacher's `coordinator.Coordinator`
// as the single place that owns every component's lifecycle end to end.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/ValXp/btrfs-to-s3/internal/awsiface"
	"github.com/ValXp/btrfs-to-s3/internal/config"
	"github.com/ValXp/btrfs-to-s3/internal/lock"
	"github.com/ValXp/btrfs-to-s3/internal/manifest"
	"github.com/ValXp/btrfs-to-s3/internal/metrics"
	"github.com/ValXp/btrfs-to-s3/internal/restore"
	"github.com/ValXp/btrfs-to-s3/internal/snapshot"
	"github.com/ValXp/btrfs-to-s3/internal/state"
	"github.com/ValXp/btrfs-to-s3/internal/uploader"
	"github.com/ValXp/btrfs-to-s3/internal/verify"
)

// Pipeline bundles every component the backup and restore flows share.
type Pipeline struct {
	cfg *config.Config

	snapshots   *snapshot.Manager
	uploader    *uploader.Uploader
	publisher   *manifest.Publisher
	loader      manifest.Loader
	stateStore  state.Store
	lock        *lock.Lock
	restoreEng  *restore.Engine
	verifier    *verify.Verifier
	promMetrics *metrics.PrometheusMetrics

	log zerolog.Logger
}

// Options carries the assembled dependencies New needs; constructed by
// cmd/btrfs-to-s3 from the loaded config.
type Options struct {
	Config        *config.Config
	S3Client      awsiface.S3Client
	SnapshotRunner snapshot.Runner
	Logger        zerolog.Logger
}

// New assembles a Pipeline from cfg and the given S3 client / snapshot
// command runner.
func New(opts Options) *Pipeline {
	cfg := opts.Config

	u := uploader.New(opts.S3Client, uploader.Config{
		Bucket:         cfg.S3.Bucket,
		Concurrency:    cfg.S3.Concurrency,
		PartSizeBytes:  cfg.S3.PartSizeBytes,
		ChunkSizeBytes: cfg.S3.ChunkSizeBytes,
		SpoolEnabled:   cfg.Global.SpoolEnabled,
		SpoolDir:       cfg.Global.SpoolDir,
		SpoolSizeBytes: cfg.Global.SpoolSizeBytes,
	})

	loader := manifest.NewS3Loader(opts.S3Client)
	publisher := manifest.NewPublisher(func(ctx context.Context, key string, data []byte, storageClass string) (string, error) {
		return u.Put(ctx, key, bytes.NewReader(data), types.StorageClass(storageClass))
	}, cfg.S3.Prefix, cfg.S3.StorageClassManifest)

	restoreEng := restore.New(opts.S3Client, loader, opts.SnapshotRunner, restore.Config{
		Bucket:                cfg.S3.Bucket,
		Prefix:                cfg.S3.Prefix,
		RestoreTier:           types.Tier(cfg.Restore.RestoreTier),
		WaitForRestore:        cfg.Restore.WaitForRestore,
		RestoreTimeoutSeconds: cfg.Restore.RestoreTimeoutSeconds,
	})

	return &Pipeline{
		cfg:         cfg,
		snapshots:   snapshot.NewManager(cfg.Snapshots.Root, opts.SnapshotRunner),
		uploader:    u,
		publisher:   publisher,
		loader:      loader,
		stateStore:  state.NewFileStore(cfg.Global.StateFilePath),
		lock:        lock.New(cfg.Global.LockFilePath),
		restoreEng:  restoreEng,
		verifier:    verify.New(opts.SnapshotRunner),
		promMetrics: metrics.NewPrometheusMetrics(),
		log:         opts.Logger,
	}
}

// Metrics exposes the Prometheus collector set for mounting at
// global.metrics_addr.
func (p *Pipeline) Metrics() *metrics.PrometheusMetrics { return p.promMetrics }

// LastSnapshotPath returns the local snapshot path this host last backed
// up for subvolume, if any. The restore command uses it as the default
// verification reference, since the source subvolume itself is usually
// still present on the host being restored to.
func (p *Pipeline) LastSnapshotPath(ctx context.Context, subvolume string) (string, error) {
	st, err := p.stateStore.Load(ctx)
	if err != nil {
		return "", err
	}
	return st.Subvolume(subvolume).LastSnapshotPath, nil
}

func now() time.Time { return time.Now().UTC() }

func validateSubvolumeFilter(cfg *config.Config, filter []string) ([]config.Subvolume, error) {
	if len(filter) == 0 {
		return cfg.Subvolumes, nil
	}
	want := make(map[string]bool, len(filter))
	for _, f := range filter {
		want[f] = true
	}
	var out []config.Subvolume
	for _, sv := range cfg.Subvolumes {
		if want[sv.Name] {
			out = append(out, sv)
			delete(want, sv.Name)
		}
	}
	if len(want) > 0 {
		for name := range want {
			return nil, fmt.Errorf("unknown subvolume filter: %s", name)
		}
	}
	return out, nil
}
