package manifest

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/ValXp/btrfs-to-s3/internal/errs"
)

// Publisher assembles and publishes manifests per section 4.8: the
// manifest is uploaded first, and only on its success is the pointer
// overwritten. State persistence (by the caller) happens only after the
// pointer update succeeds.
type Publisher struct {
	put                  func(ctx context.Context, key string, data []byte, storageClass string) (string, error)
	prefix               string
	storageClassManifest string
}

// NewPublisher constructs a Publisher. put is a thin adapter over the
// uploader's small-object PUT (kept as a function value here so this
// package doesn't need to import aws-sdk-go-v2/service/s3/types).
func NewPublisher(put func(ctx context.Context, key string, data []byte, storageClass string) (string, error), prefix, storageClassManifest string) *Publisher {
	return &Publisher{put: put, prefix: prefix, storageClassManifest: storageClassManifest}
}

// Publish uploads m under its timestamped prefix, then overwrites the
// subvolume's current.json pointer. It returns the manifest's object key.
func (p *Publisher) Publish(ctx context.Context, bucket, subvol, ts string, m Manifest) (string, error) {
	if err := m.Validate(); err != nil {
		return "", errs.Precondition(fmt.Sprintf("refusing to publish invalid manifest: %v", err))
	}

	manifestKey := ManifestObjectKey(p.prefix, subvol, m.Kind, ts)

	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode manifest: %w", err)
	}

	if _, err := p.put(ctx, manifestKey, data, p.storageClassManifest); err != nil {
		return "", err
	}

	ptr := Pointer{ManifestKey: manifestKey, Kind: m.Kind, CreatedAt: m.CreatedAt}
	ptrData, err := json.Marshal(ptr)
	if err != nil {
		return "", fmt.Errorf("failed to encode pointer: %w", err)
	}

	ptrKey := PointerObjectKey(p.prefix, subvol)
	if _, err := p.put(ctx, ptrKey, ptrData, p.storageClassManifest); err != nil {
		return "", err
	}

	return manifestKey, nil
}
