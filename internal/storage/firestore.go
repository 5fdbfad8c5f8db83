package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/dgellow/estate-session/internal/log"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var _ KeyValue = (*FirestoreStorage)(nil)

// FirestoreStorage keeps one document per key in a collection. Reads always
// go to Firestore; the credential store holds the in-memory copy.
type FirestoreStorage struct {
	client     *firestore.Client
	projectID  string
	collection string
}

// kvDoc represents a stored value in Firestore
type kvDoc struct {
	Value     []byte    `firestore:"value"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

// NewFirestoreStorage creates a new Firestore storage instance
func NewFirestoreStorage(ctx context.Context, projectID, database, collection string) (*FirestoreStorage, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection is required")
	}

	var client *firestore.Client
	var err error

	// Firestore client with custom database
	if database != "" && database != "(default)" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, database)
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	log.LogInfoWithFields("storage", "Connected to Firestore", map[string]any{
		"project":    projectID,
		"database":   database,
		"collection": collection,
	})
	return &FirestoreStorage{client: client, projectID: projectID, collection: collection}, nil
}

// docID maps a key to a valid document ID. Firestore IDs may not contain "/".
func docID(key string) string {
	return strings.ReplaceAll(key, "/", "_")
}

func (s *FirestoreStorage) doc(key string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(docID(key))
}

// Get returns the value for key
func (s *FirestoreStorage) Get(ctx context.Context, key string) ([]byte, error) {
	snap, err := s.doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s from Firestore: %w", key, err)
	}

	var d kvDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return d.Value, nil
}

// Put writes all values in one transaction
func (s *FirestoreStorage) Put(ctx context.Context, values map[string][]byte) error {
	now := time.Now()
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		for k, v := range values {
			if err := tx.Set(s.doc(k), kvDoc{Value: v, UpdatedAt: now}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write to Firestore: %w", err)
	}
	return nil
}

// Delete removes keys in one transaction
func (s *FirestoreStorage) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		for _, k := range keys {
			if err := tx.Delete(s.doc(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("failed to delete from Firestore: %w", err)
	}
	return nil
}

// Clear deletes every document in the collection and returns the count
func (s *FirestoreStorage) Clear(ctx context.Context) (int, error) {
	iter := s.client.Collection(s.collection).Documents(ctx)
	defer iter.Stop()

	deleted := 0
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return deleted, fmt.Errorf("error iterating Firestore documents: %w", err)
		}
		if _, err := snap.Ref.Delete(ctx); err != nil {
			return deleted, fmt.Errorf("failed to delete %s: %w", snap.Ref.ID, err)
		}
		deleted++
	}
	return deleted, nil
}

// Close closes the Firestore client
func (s *FirestoreStorage) Close() error {
	return s.client.Close()
}
