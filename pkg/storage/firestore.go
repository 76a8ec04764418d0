package storage

import (
	"context"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. Each meter's envelope is one document holding the JSON blob as
// a string for portability with the file provider.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// Project ID verification could be here, but we allow empty if inferred.
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

// LoadRaw retrieves the envelope blob from the "meters" collection.
func (f *FirestoreProvider) LoadRaw(ctx context.Context, meterID string) ([]byte, error) {
	if meterID == "" {
		return nil, fmt.Errorf("meterID cannot be empty")
	}
	doc, err := f.client.Collection("meters").Doc(meterID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch envelope doc: %w", err)
	}

	val, err := doc.DataAt("json")
	if err != nil {
		return nil, fmt.Errorf("envelope document missing 'json' field: %w", err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		return nil, fmt.Errorf("envelope 'json' field is not a string")
	}
	return []byte(jsonStr), nil
}

// SaveRaw saves the envelope blob. Firestore document writes are atomic so
// no temp-and-swap dance is needed.
func (f *FirestoreProvider) SaveRaw(ctx context.Context, meterID string, raw []byte) error {
	if meterID == "" {
		return fmt.Errorf("meterID cannot be empty")
	}
	_, err := f.client.Collection("meters").Doc(meterID).Set(ctx, map[string]interface{}{
		"json":      string(raw),
		"timestamp": time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to save envelope: %w", err)
	}
	return nil
}

// SaveBackup keeps a pre-migration copy in the "meter_backups" collection.
func (f *FirestoreProvider) SaveBackup(ctx context.Context, meterID string, raw []byte, fromVersion int) error {
	docID := fmt.Sprintf("%s-v%d", meterID, fromVersion)
	_, err := f.client.Collection("meter_backups").Doc(docID).Set(ctx, map[string]interface{}{
		"meter":     meterID,
		"json":      string(raw),
		"version":   fromVersion,
		"timestamp": time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to save backup: %w", err)
	}
	return nil
}

// Delete removes the envelope document along with any backups kept for the
// meter.
func (f *FirestoreProvider) Delete(ctx context.Context, meterID string) error {
	_, err := f.client.Collection("meters").Doc(meterID).Delete(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete envelope: %w", err)
	}

	iter := f.client.Collection("meter_backups").Where("meter", "==", meterID).Documents(ctx)
	defer iter.Stop()
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to list backups: %w", err)
		}
		if _, err := doc.Ref.Delete(ctx); err != nil {
			return fmt.Errorf("failed to delete backup: %w", err)
		}
	}
	return nil
}
