// Package manifest implements the manifest/pointer schema and the object
// layout and publish protocol from sections 3 and 4.8: assemble the
// manifest, upload it, and only then overwrite the subvolume pointer.
// Grounded in the ancestor project's S3Loader (bucket/key extraction,
// GetObject-then-decode shape), generalized from a DynamoDB export
// manifest to a backup-chain manifest.
package manifest

import (
	"fmt"
	"time"
)

// SchemaVersion is embedded in every published manifest.
const SchemaVersion = 1

// Kind mirrors snapshot.Kind at the manifest level, spelled out per the
// wire schema in section 3 ("full"|"incremental").
type Kind string

const (
	KindFull        Kind = "full"
	KindIncremental Kind = "incremental"
)

// kindDir returns the object-key directory segment for a Kind, per the
// bit-exact layout in section 4.8 ("full"/"inc", not "full"/"incremental").
func (k Kind) kindDir() string {
	if k == KindIncremental {
		return "inc"
	}
	return "full"
}

// SnapshotDescriptor embeds the originating snapshot's identity in a
// manifest, per section 3.
type SnapshotDescriptor struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	UUID       string `json:"uuid,omitempty"`
	ParentUUID string `json:"parent_uuid,omitempty"`
}

// ChunkRecord is one entry in a manifest's ordered chunk list.
type ChunkRecord struct {
	Ordinal int    `json:"ordinal"`
	Key     string `json:"key"`
	Size    int64  `json:"size"`
	SHA256  string `json:"sha256"`
	ETag    string `json:"etag"`
}

// S3Descriptor records where a manifest's chunks live.
type S3Descriptor struct {
	Bucket             string `json:"bucket"`
	Region             string `json:"region"`
	StorageClassChunks string `json:"storage_class_chunks"`
}

// Manifest is the immutable-once-published record from section 3.
type Manifest struct {
	SchemaVersion  int                `json:"schema_version"`
	Subvolume      string             `json:"subvolume"`
	Kind           Kind               `json:"kind"`
	CreatedAt      time.Time          `json:"created_at"`
	Snapshot       SnapshotDescriptor `json:"snapshot"`
	Chunks         []ChunkRecord      `json:"chunks"`
	ParentManifest *string            `json:"parent_manifest"`
	TotalBytes     int64              `json:"total_bytes"`
	ChunkSize      int64              `json:"chunk_size"`
	S3             S3Descriptor       `json:"s3"`
}

// Pointer is the per-subvolume `current.json` object from section 3.
type Pointer struct {
	ManifestKey string    `json:"manifest_key"`
	Kind        Kind      `json:"kind"`
	CreatedAt   time.Time `json:"created_at"`
}

// ManifestObjectKey returns "<prefix>/subvol/<name>/<full|inc>/<ts>/manifest.json".
func ManifestObjectKey(prefix, subvol string, kind Kind, ts string) string {
	return fmt.Sprintf("%s/subvol/%s/%s/%s/manifest.json", prefix, subvol, kind.kindDir(), ts)
}

// ChunkObjectKey returns "<prefix>/subvol/<name>/<full|inc>/<ts>/chunks/part-NNNNN.bin"
// with a zero-padded 5-digit ordinal.
func ChunkObjectKey(prefix, subvol string, kind Kind, ts string, ordinal int) string {
	return fmt.Sprintf("%s/subvol/%s/%s/%s/chunks/part-%05d.bin", prefix, subvol, kind.kindDir(), ts, ordinal)
}

// PointerObjectKey returns "<prefix>/subvol/<name>/current.json".
func PointerObjectKey(prefix, subvol string) string {
	return fmt.Sprintf("%s/subvol/%s/current.json", prefix, subvol)
}

// Validate checks the manifest-level invariants from section 3: chunk
// ordinals are contiguous from zero, and total byte length sums to
// TotalBytes.
func (m Manifest) Validate() error {
	var sum int64
	for i, c := range m.Chunks {
		if c.Ordinal != i {
			return fmt.Errorf("chunk ordinals not contiguous: want %d, got %d", i, c.Ordinal)
		}
		sum += c.Size
	}
	if sum != m.TotalBytes {
		return fmt.Errorf("chunk sizes sum to %d, want total_bytes %d", sum, m.TotalBytes)
	}
	if m.Kind == KindIncremental && m.ParentManifest == nil {
		return fmt.Errorf("incremental manifest missing parent_manifest")
	}
	if m.Kind == KindFull && m.ParentManifest != nil {
		return fmt.Errorf("full manifest must not have a parent_manifest")
	}
	return nil
}
