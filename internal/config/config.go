// Package config implements parsing and validation of the TOML
// configuration file as specified in section 6 of the design. It mirrors
// the plain-struct-plus-Validate shape the rest of the pipeline expects:
// assembled once at startup, no globals, no dynamic dispatch.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// MinSpoolSizeBytes is the minimum spool size accepted when spooling is
// enabled, per section 6 validation rules.
const MinSpoolSizeBytes = 5 * 1024 * 1024

// Global holds process-wide settings (section 6, `[global]`).
type Global struct {
	StateFilePath  string `toml:"state_file_path"`
	LockFilePath   string `toml:"lock_file_path"`
	SpoolDir       string `toml:"spool_dir"`
	SpoolEnabled   bool   `toml:"spool_enabled"`
	SpoolSizeBytes int64  `toml:"spool_size_bytes"`
	MetricsAddr    string `toml:"metrics_addr"`
}

// Schedule holds the run cadence anchor (section 6, `[schedule]`).
type Schedule struct {
	RunAt string `toml:"run_at"` // HH:MM, 24-hour
}

// Snapshots holds snapshot manager settings (section 6, `[snapshots]`).
type Snapshots struct {
	Root      string `toml:"root"` // filesystem root snapshots are created under
	KeepCount int    `toml:"keep_count"`
}

// Subvolume is one entry of the `[[subvolumes]]` array.
type Subvolume struct {
	Path                 string `toml:"path"`
	Name                 string `toml:"name"` // derived from Path's final component if empty
	FullEveryDays        int    `toml:"full_every_days"`
	IncrementalEveryDays int    `toml:"incremental_every_days"`
}

// S3 holds object-store settings (section 6, `[s3]`).
type S3 struct {
	Bucket               string `toml:"bucket"`
	Region               string `toml:"region"`
	Prefix               string `toml:"prefix"`
	Concurrency          int    `toml:"concurrency"`
	PartSizeBytes        int64  `toml:"part_size_bytes"`
	ChunkSizeBytes       int64  `toml:"chunk_size_bytes"`
	StorageClassChunks   string `toml:"storage_class_chunks"`
	StorageClassManifest string `toml:"storage_class_manifest"`
}

// Restore holds restore-engine defaults (section 6, `[restore]`); of these,
// only the verify mode can be overridden by a CLI flag.
type Restore struct {
	Verify                string `toml:"verify"` // none|sample|full
	SampleMaxFiles         int    `toml:"sample_max_files"`
	WaitForRestore         bool   `toml:"wait_for_restore"`
	RestoreTier            string `toml:"restore_tier"`
	RestoreTimeoutSeconds  int    `toml:"restore_timeout_seconds"`
}

// Config is the top-level, validated configuration struct assembled once
// at process startup.
type Config struct {
	Global     Global      `toml:"global"`
	Schedule   Schedule    `toml:"schedule"`
	Snapshots  Snapshots   `toml:"snapshots"`
	Subvolumes []Subvolume `toml:"subvolumes"`
	S3         S3          `toml:"s3"`
	Restore    Restore     `toml:"restore"`
}

// Load reads and parses the TOML file at path, expands "~" in path fields,
// and validates the result.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.expandHome(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func expandHome(p string) (string, error) {
	if p == "" || p[0] != '~' {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}

func (c *Config) expandHome() error {
	fields := []*string{
		&c.Global.StateFilePath,
		&c.Global.LockFilePath,
		&c.Global.SpoolDir,
		&c.Snapshots.Root,
	}
	for _, f := range fields {
		expanded, err := expandHome(*f)
		if err != nil {
			return err
		}
		*f = expanded
	}
	for i := range c.Subvolumes {
		expanded, err := expandHome(c.Subvolumes[i].Path)
		if err != nil {
			return err
		}
		c.Subvolumes[i].Path = expanded
		if c.Subvolumes[i].Name == "" {
			c.Subvolumes[i].Name = filepath.Base(c.Subvolumes[i].Path)
		}
	}
	return nil
}

// Validate enforces the rules from section 6: all paths absolute after
// home-expansion, all byte/day values strictly positive, run_at in HH:MM,
// s3 bucket/region/prefix required, concurrency >= 1, spool size floor.
func (c *Config) Validate() error {
	if err := requireAbs("global.state_file_path", c.Global.StateFilePath); err != nil {
		return err
	}
	if err := requireAbs("global.lock_file_path", c.Global.LockFilePath); err != nil {
		return err
	}
	if err := requireAbs("snapshots.root", c.Snapshots.Root); err != nil {
		return err
	}
	if c.Snapshots.KeepCount < 1 {
		return fmt.Errorf("snapshots.keep_count must be positive")
	}

	if c.Global.SpoolEnabled {
		if err := requireAbs("global.spool_dir", c.Global.SpoolDir); err != nil {
			return err
		}
		if c.Global.SpoolSizeBytes < MinSpoolSizeBytes {
			return fmt.Errorf("global.spool_size_bytes must be at least %d when spooling is enabled", MinSpoolSizeBytes)
		}
	}

	if err := validateRunAt(c.Schedule.RunAt); err != nil {
		return err
	}

	if len(c.Subvolumes) == 0 {
		return fmt.Errorf("at least one [[subvolumes]] entry is required")
	}
	seen := make(map[string]bool, len(c.Subvolumes))
	for _, sv := range c.Subvolumes {
		if err := requireAbs("subvolumes[].path", sv.Path); err != nil {
			return err
		}
		if sv.FullEveryDays <= 0 {
			return fmt.Errorf("subvolume %s: full_every_days must be positive", sv.Name)
		}
		if sv.IncrementalEveryDays <= 0 {
			return fmt.Errorf("subvolume %s: incremental_every_days must be positive", sv.Name)
		}
		if seen[sv.Name] {
			return fmt.Errorf("duplicate subvolume name %q", sv.Name)
		}
		seen[sv.Name] = true
	}

	if c.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required")
	}
	if c.S3.Region == "" {
		return fmt.Errorf("s3.region is required")
	}
	if c.S3.Prefix == "" {
		return fmt.Errorf("s3.prefix is required")
	}
	if c.S3.Concurrency < 1 {
		return fmt.Errorf("s3.concurrency must be at least 1")
	}
	if c.S3.PartSizeBytes <= 0 {
		return fmt.Errorf("s3.part_size_bytes must be positive")
	}
	if c.S3.ChunkSizeBytes <= 0 {
		return fmt.Errorf("s3.chunk_size_bytes must be positive")
	}
	if c.S3.StorageClassChunks == "" {
		return fmt.Errorf("s3.storage_class_chunks is required")
	}
	if c.S3.StorageClassManifest == "" {
		return fmt.Errorf("s3.storage_class_manifest is required")
	}

	switch c.Restore.Verify {
	case "", "none", "sample", "full":
	default:
		return fmt.Errorf("restore.verify must be one of none|sample|full")
	}
	if c.Restore.RestoreTimeoutSeconds < 0 {
		return fmt.Errorf("restore.restore_timeout_seconds must not be negative")
	}

	return nil
}

func requireAbs(field, p string) error {
	if p == "" {
		return fmt.Errorf("%s is required", field)
	}
	if !filepath.IsAbs(p) {
		return fmt.Errorf("%s must be an absolute path, got %q", field, p)
	}
	return nil
}

func validateRunAt(runAt string) error {
	parts := strings.Split(runAt, ":")
	if len(parts) != 2 {
		return fmt.Errorf("schedule.run_at must be in HH:MM form, got %q", runAt)
	}
	hh, err := strconv.Atoi(parts[0])
	if err != nil || hh < 0 || hh > 23 {
		return fmt.Errorf("schedule.run_at hour out of range: %q", runAt)
	}
	mm, err := strconv.Atoi(parts[1])
	if err != nil || mm < 0 || mm > 59 {
		return fmt.Errorf("schedule.run_at minute out of range: %q", runAt)
	}
	return nil
}
