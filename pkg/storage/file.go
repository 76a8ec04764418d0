package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/levenlabs/go-lflag"
	"github.com/salihinsaealal/tnbcalc/pkg/log"
)

// FileProvider stores each meter's envelope as a JSON file under a data
// directory. Writes go through a temp file and rename so a crash mid-write
// can never leave a torn document.
type FileProvider struct {
	dir      string
	legacyID string
}

// configuredFile sets up the file provider.
// It registers flags for configuration.
func configuredFile() *FileProvider {
	dir := lflag.String("storage-dir", "data", "directory for the file storage provider")
	legacyID := lflag.String("storage-legacy-id", "", "old storage file name to adopt on first load (without .json)")

	f := &FileProvider{}

	lflag.Do(func() {
		f.dir = *dir
		f.legacyID = *legacyID
	})

	return f
}

// NewFileProvider returns a provider rooted at dir.
func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{dir: dir}
}

// Validate checks if the provider is properly configured.
func (f *FileProvider) Validate() error {
	if f.dir == "" {
		return fmt.Errorf("storage-dir is required")
	}
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("creating storage dir (%s): %w", f.dir, err)
	}
	return nil
}

func (f *FileProvider) path(meterID string) string {
	return filepath.Join(f.dir, meterID+".json")
}

// LoadRaw reads the envelope file. A file that exists but does not hold a
// JSON object is treated as torn and reported as not found, matching how a
// crash mid-rename would look.
func (f *FileProvider) LoadRaw(ctx context.Context, meterID string) ([]byte, error) {
	path := f.path(meterID)

	// adopt a file written under the old naming scheme
	if f.legacyID != "" && f.legacyID != meterID {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			legacy := filepath.Join(f.dir, f.legacyID+".json")
			if _, err := os.Stat(legacy); err == nil {
				log.Ctx(ctx).InfoContext(ctx, "adopting legacy storage file",
					slog.String("from", legacy),
					slog.String("to", path),
				)
				if err := os.Rename(legacy, path); err != nil {
					return nil, fmt.Errorf("renaming legacy storage file: %w", err)
				}
			}
		}
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if !json.Valid(raw) {
		log.Ctx(ctx).WarnContext(ctx, "storage file is torn, treating as absent", slog.String("path", path))
		return nil, ErrNotFound
	}
	return raw, nil
}

// SaveRaw atomically replaces the envelope file.
func (f *FileProvider) SaveRaw(ctx context.Context, meterID string, raw []byte) error {
	path := f.path(meterID)
	tmp, err := os.CreateTemp(f.dir, meterID+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// SaveBackup writes a pre-migration copy next to the live file.
func (f *FileProvider) SaveBackup(ctx context.Context, meterID string, raw []byte, fromVersion int) error {
	path := filepath.Join(f.dir, fmt.Sprintf("%s.v%d.bak.json", meterID, fromVersion))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("writing backup %s: %w", path, err)
	}
	return nil
}

// Delete removes the envelope file.
func (f *FileProvider) Delete(ctx context.Context, meterID string) error {
	err := os.Remove(f.path(meterID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting %s: %w", f.path(meterID), err)
	}
	return nil
}

// Close is a no-op for the file provider.
func (f *FileProvider) Close() error {
	return nil
}
