// Package storage persists the accumulator state envelope.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/salihinsaealal/tnbcalc/pkg/log"
	"github.com/salihinsaealal/tnbcalc/pkg/types"
)

// ErrNotFound is returned when no envelope exists for a meter. An unreadable
// or torn document is reported the same way so startup always succeeds with
// a fresh envelope.
var ErrNotFound = errors.New("envelope not found")

// Database stores one raw envelope document per meter.
type Database interface {
	// LoadRaw returns the stored envelope bytes or ErrNotFound.
	LoadRaw(ctx context.Context, meterID string) ([]byte, error)
	// SaveRaw atomically replaces the stored envelope.
	SaveRaw(ctx context.Context, meterID string, raw []byte) error
	// SaveBackup keeps a pre-migration copy of the envelope so a bad
	// migration can be recovered by hand.
	SaveBackup(ctx context.Context, meterID string, raw []byte, fromVersion int) error
	// Delete removes the stored envelope.
	Delete(ctx context.Context, meterID string) error

	// Lifecycle
	Close() error
}

// Configured sets up the storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "file", "Storage provider to use (available: file, firestore)")

	var p struct{ Database }

	f := configuredFile()
	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "file":
			if err := f.Validate(); err != nil {
				panic(fmt.Sprintf("file storage validation failed: %v", err))
			}
			p.Database = f
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}

// Load reads, migrates and returns the envelope for a meter. A missing or
// unreadable document yields a fresh envelope. When a migration was applied
// the pre-migration bytes are kept as a backup and the migrated envelope is
// written back before returning.
func Load(ctx context.Context, db Database, meterID string, now time.Time, billingStartDay int) (types.StorageEnvelope, error) {
	raw, err := db.LoadRaw(ctx, meterID)
	if errors.Is(err, ErrNotFound) {
		log.Ctx(ctx).InfoContext(ctx, "no stored state, starting fresh", slog.String("meterID", meterID))
		return types.NewEnvelope(now, billingStartDay), nil
	}
	if err != nil {
		return types.StorageEnvelope{}, fmt.Errorf("loading envelope for %s: %w", meterID, err)
	}

	var probe struct {
		Version int `json:"version"`
	}
	// version is re-parsed in MigrateEnvelope, this only feeds the backup name
	_ = json.Unmarshal(raw, &probe)

	env, migrated, err := types.MigrateEnvelope(raw, now, billingStartDay)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "stored state unreadable, reinitializing",
			slog.String("meterID", meterID),
			slog.Any("error", err),
		)
		if berr := db.SaveBackup(ctx, meterID, raw, probe.Version); berr != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to back up unreadable state", slog.Any("error", berr))
		}
		return types.NewEnvelope(now, billingStartDay), nil
	}

	if migrated {
		log.Ctx(ctx).InfoContext(ctx, "migrated stored state",
			slog.String("meterID", meterID),
			slog.Int("fromVersion", probe.Version),
			slog.Int("toVersion", env.Version),
		)
		if berr := db.SaveBackup(ctx, meterID, raw, probe.Version); berr != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to back up pre-migration state", slog.Any("error", berr))
		}
		if serr := Save(ctx, db, meterID, env); serr != nil {
			return types.StorageEnvelope{}, serr
		}
	}
	return env, nil
}

// Save writes the envelope for a meter.
func Save(ctx context.Context, db Database, meterID string, env types.StorageEnvelope) error {
	env.Version = types.CurrentEnvelopeVersion
	env.LastSaved = time.Now()
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling envelope for %s: %w", meterID, err)
	}
	if err := db.SaveRaw(ctx, meterID, raw); err != nil {
		return fmt.Errorf("saving envelope for %s: %w", meterID, err)
	}
	return nil
}
