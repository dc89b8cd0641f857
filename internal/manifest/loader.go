package manifest

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	json "github.com/goccy/go-json"

	"github.com/ValXp/btrfs-to-s3/internal/awsiface"
)

// Loader fetches manifests and pointers by object key, mirroring the
// ancestor project's Loader interface (Load/GetObject-then-decode) but
// addressed by plain S3 key rather than a parsed s3:// URI.
type Loader interface {
	LoadManifest(ctx context.Context, bucket, key string) (Manifest, error)
	LoadPointer(ctx context.Context, bucket, key string) (Pointer, error)
}

// S3Loader implements Loader against an S3-compatible bucket.
type S3Loader struct {
	client awsiface.S3Client
}

// NewS3Loader constructs an S3Loader.
func NewS3Loader(client awsiface.S3Client) *S3Loader {
	return &S3Loader{client: client}
}

func (l *S3Loader) LoadManifest(ctx context.Context, bucket, key string) (Manifest, error) {
	resp, err := l.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to get manifest %s: %w", key, err)
	}
	defer resp.Body.Close()

	var m Manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("failed to decode manifest %s: %w", key, err)
	}
	return m, nil
}

func (l *S3Loader) LoadPointer(ctx context.Context, bucket, key string) (Pointer, error) {
	resp, err := l.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return Pointer{}, fmt.Errorf("failed to get pointer %s: %w", key, err)
	}
	defer resp.Body.Close()

	var p Pointer
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return Pointer{}, fmt.Errorf("failed to decode pointer %s: %w", key, err)
	}
	return p, nil
}

// ResolveChain walks parent_manifest references starting from startKey
// until a full manifest is reached, returning the chain oldest-first
// (full, then incrementals in order), per section 4.9 step 1. A missing
// or unreadable ancestor is fatal and the error names the missing key.
func ResolveChain(ctx context.Context, loader Loader, bucket, startKey string) ([]ManifestWithKey, error) {
	var reversed []ManifestWithKey

	key := startKey
	for {
		m, err := loader.LoadManifest(ctx, bucket, key)
		if err != nil {
			return nil, fmt.Errorf("broken manifest chain: could not load %s: %w", key, err)
		}
		reversed = append(reversed, ManifestWithKey{Key: key, Manifest: m})

		if m.Kind == KindFull {
			break
		}
		if m.ParentManifest == nil {
			return nil, fmt.Errorf("broken manifest chain: incremental %s has no parent_manifest", key)
		}
		key = *m.ParentManifest
	}

	chain := make([]ManifestWithKey, len(reversed))
	for i, mk := range reversed {
		chain[len(reversed)-1-i] = mk
	}
	return chain, nil
}

// ManifestWithKey pairs a loaded Manifest with the object key it was
// loaded from, since Manifest itself doesn't carry its own key.
type ManifestWithKey struct {
	Key      string
	Manifest Manifest
}
