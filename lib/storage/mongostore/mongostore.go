// Package mongostore implements the cold tier on MongoDB. Each session
// owns one document keyed by its id; writes go through a conditional
// upsert whose predicate is the stored version, so concurrent writers can
// never interleave versions. Expiry relies on a TTL index over expiresAt
// with expireAfterSeconds zero, meaning documents disappear at the instant
// the field names.
package mongostore

import (
	"context"
	"errors"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/luoarch/baileys-store-core-sub002/lib/defaults"
	"github.com/luoarch/baileys-store-core-sub002/lib/storage"
)

const (
	// DefaultDatabase is the database used when none is configured.
	DefaultDatabase = "baileys_store"
	// DefaultCollection is the collection used when none is configured.
	DefaultCollection = "auth_sessions"
)

// Config configures a Store.
type Config struct {
	// Client is a connected mongo client. Required.
	Client *mongo.Client
	// Database and Collection name where session documents live.
	Database   string
	Collection string
	// OperationTimeout bounds each call.
	OperationTimeout time.Duration
	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.Database == "" {
		c.Database = DefaultDatabase
	}
	if c.Collection == "" {
		c.Collection = DefaultCollection
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaults.OperationTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// sessionDocument is the on-disk document shape.
type sessionDocument struct {
	ID           string    `bson:"_id"`
	Blob         []byte    `bson:"blob"`
	Version      uint64    `bson:"version"`
	FencingToken uint64    `bson:"fencingToken,omitempty"`
	UpdatedAt    time.Time `bson:"updatedAt"`
	CreatedAt    time.Time `bson:"createdAt"`
	ExpiresAt    time.Time `bson:"expiresAt"`
}

func (d *sessionDocument) toDocument() *storage.Document {
	return &storage.Document{
		SessionID:    d.ID,
		Blob:         d.Blob,
		Version:      d.Version,
		FencingToken: d.FencingToken,
		UpdatedAt:    d.UpdatedAt,
		CreatedAt:    d.CreatedAt,
		ExpiresAt:    d.ExpiresAt,
	}
}

// Store implements storage.Cold on MongoDB.
type Store struct {
	cfg  Config
	coll *mongo.Collection
}

// New creates a cold store from the supplied config. Call EnsureIndexes
// once before serving traffic.
func New(cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Store{
		cfg:  cfg,
		coll: cfg.Client.Database(cfg.Database).Collection(cfg.Collection),
	}, nil
}

// EnsureIndexes creates the TTL index on expiresAt and the secondary
// indexes the reconciler and operational queries rely on. Index creation
// is idempotent.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "expiresAt", Value: 1}},
			Options: options.Index().SetName("ttl_expiresAt").SetExpireAfterSeconds(0),
		},
		{
			Keys:    bson.D{{Key: "updatedAt", Value: 1}},
			Options: options.Index().SetName("idx_updatedAt"),
		},
		{
			Keys:    bson.D{{Key: "version", Value: 1}},
			Options: options.Index().SetName("idx_version"),
		},
		{
			Keys:    bson.D{{Key: "fencingToken", Value: 1}},
			Options: options.Index().SetName("idx_fencingToken"),
		},
	})
	if err != nil {
		return storage.NewError(storage.TierCold, "ensure-indexes", err)
	}
	return nil
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.OperationTimeout)
}

// Get implements storage.Cold. Documents past their expiry are treated as
// missing even before the TTL monitor sweeps them.
func (s *Store) Get(ctx context.Context, sessionID string) (*storage.Document, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var doc sessionDocument
	err := s.coll.FindOne(ctx, bson.M{"_id": sessionID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, trace.NotFound("session %q not found in cold tier", sessionID)
	}
	if err != nil {
		return nil, storage.NewError(storage.TierCold, "get", err)
	}
	if !doc.ExpiresAt.IsZero() && !s.cfg.Clock.Now().Before(doc.ExpiresAt) {
		return nil, trace.NotFound("session %q expired in cold tier", sessionID)
	}
	return doc.toDocument(), nil
}

// ConditionalPut implements storage.Cold. With expectedVersion zero it is
// create-only; otherwise it is an atomic compare-and-set on the stored
// version. A failed predicate returns the current document so the caller
// can reconcile.
func (s *Store) ConditionalPut(ctx context.Context, doc *storage.Document, expectedVersion uint64) (*storage.PutResult, error) {
	if doc == nil || doc.SessionID == "" {
		return nil, trace.BadParameter("missing document or session id")
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	now := s.cfg.Clock.Now()
	if expectedVersion == 0 {
		stored := sessionDocument{
			ID:           doc.SessionID,
			Blob:         doc.Blob,
			Version:      doc.Version,
			FencingToken: doc.FencingToken,
			UpdatedAt:    doc.UpdatedAt,
			CreatedAt:    doc.CreatedAt,
			ExpiresAt:    doc.ExpiresAt,
		}
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		_, err := s.coll.InsertOne(ctx, stored)
		if mongo.IsDuplicateKeyError(err) {
			return s.rejectedResult(ctx, doc.SessionID)
		}
		if err != nil {
			return nil, storage.NewError(storage.TierCold, "put", err)
		}
		return &storage.PutResult{Applied: true}, nil
	}

	update := bson.M{"$set": bson.M{
		"blob":         doc.Blob,
		"version":      doc.Version,
		"fencingToken": doc.FencingToken,
		"updatedAt":    doc.UpdatedAt,
		"expiresAt":    doc.ExpiresAt,
	}}
	var updated sessionDocument
	err := s.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": doc.SessionID, "version": expectedVersion},
		update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return s.rejectedResult(ctx, doc.SessionID)
	}
	if err != nil {
		return nil, storage.NewError(storage.TierCold, "put", err)
	}
	return &storage.PutResult{Applied: true}, nil
}

// rejectedResult refetches the current document after a failed predicate.
func (s *Store) rejectedResult(ctx context.Context, sessionID string) (*storage.PutResult, error) {
	current, err := s.Get(ctx, sessionID)
	if trace.IsNotFound(err) {
		return &storage.PutResult{Applied: false}, nil
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &storage.PutResult{Applied: false, Current: current}, nil
}

// Delete implements storage.Cold. Deleting a missing document is not an
// error.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": sessionID}); err != nil {
		return storage.NewError(storage.TierCold, "delete", err)
	}
	return nil
}

// Touch implements storage.Cold: it moves the expiry without touching the
// version or the snapshot.
func (s *Store) Touch(ctx context.Context, sessionID string, expiresAt time.Time) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	result, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": sessionID},
		bson.M{"$set": bson.M{"expiresAt": expiresAt}},
	)
	if err != nil {
		return storage.NewError(storage.TierCold, "touch", err)
	}
	if result.MatchedCount == 0 {
		return trace.NotFound("session %q not found in cold tier", sessionID)
	}
	return nil
}

// Exists implements storage.Cold.
func (s *Store) Exists(ctx context.Context, sessionID string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	n, err := s.coll.CountDocuments(ctx, bson.M{"_id": sessionID}, options.Count().SetLimit(1))
	if err != nil {
		return false, storage.NewError(storage.TierCold, "exists", err)
	}
	return n > 0, nil
}

// Ping implements storage.Cold.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.cfg.Client.Ping(ctx, nil); err != nil {
		return storage.NewError(storage.TierCold, "ping", err)
	}
	return nil
}
