package mongo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/dmitrymomot/sessionkit/core/logger"
	"github.com/dmitrymomot/sessionkit/core/session"
)

var (
	_ session.Backend     = (*Store)(nil)
	_ session.Initializer = (*Store)(nil)
)

// document is the stored form of a session.
type document struct {
	ID        string `bson:"_id"`
	Expiry    int64  `bson:"expiry"`
	LastNode  string `bson:"last_node"`
	LastSaved int64  `bson:"last_saved"`
	Data      []byte `bson:"data"`
}

// Store keeps one document per session keyed by session id.
type Store struct {
	db             *mongo.Database
	collectionName string
	node           string
	logger         *slog.Logger
}

// New creates a MongoDB backed session store.
func New(db *mongo.Database, opts ...Option) *Store {
	s := &Store{
		db:             db,
		collectionName: DefaultConfig().Collection,
		node:           defaultNodeName(),
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewFromConfig creates a store from configuration.
func NewFromConfig(cfg Config, db *mongo.Database, opts ...Option) *Store {
	return New(db, append([]Option{WithCollection(cfg.Collection), WithNodeName(cfg.NodeName)}, opts...)...)
}

func (s *Store) collection() *mongo.Collection {
	return s.db.Collection(s.collectionName)
}

// Initialize creates the expiry index used by sweeps.
func (s *Store) Initialize(ctx context.Context) error {
	_, err := s.collection().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "expiry", Value: 1}, {Key: "last_node", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("creating session expiry index: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, id string) (*session.Data, error) {
	var doc document
	err := s.collection().FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	return session.UnmarshalData(doc.Data)
}

// Store replaces the session document, inserting it when missing.
func (s *Store) Store(ctx context.Context, id string, data *session.Data, _ time.Time) error {
	raw, err := session.MarshalData(data)
	if err != nil {
		return err
	}

	doc := document{
		ID:        id,
		Expiry:    session.ExpiryMillis(data),
		LastNode:  s.node,
		LastSaved: data.LastSaved().UnixMilli(),
		Data:      raw,
	}
	_, err = s.collection().ReplaceOne(ctx, bson.D{{Key: "_id", Value: id}}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return errors.Join(session.ErrUnwritableData, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.collection().DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return false, fmt.Errorf("deleting session: %w", err)
	}
	return res.DeletedCount > 0, nil
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	n, err := s.collection().CountDocuments(ctx, bson.D{
		{Key: "_id", Value: id},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "expiry", Value: 0}},
			bson.D{{Key: "expiry", Value: bson.D{{Key: "$gt", Value: time.Now().UnixMilli()}}}},
		}},
	})
	if err != nil {
		return false, fmt.Errorf("checking session: %w", err)
	}
	return n > 0, nil
}

// CheckExpired returns the candidates that are not stored or expired at now.
func (s *Store) CheckExpired(ctx context.Context, candidates []string, now time.Time) ([]string, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	// Live candidates are the ones to keep.
	live, err := s.findIDs(ctx, bson.D{
		{Key: "_id", Value: bson.D{{Key: "$in", Value: candidates}}},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "expiry", Value: 0}},
			bson.D{{Key: "expiry", Value: bson.D{{Key: "$gt", Value: now.UnixMilli()}}}},
		}},
	})
	if err != nil {
		return nil, err
	}

	var expired []string
	for _, id := range candidates {
		if !slices.Contains(live, id) {
			expired = append(expired, id)
		}
	}
	return expired, nil
}

// Expired returns sessions this node saved last that expired before the given time.
func (s *Store) Expired(ctx context.Context, before time.Time) ([]string, error) {
	return s.findIDs(ctx, bson.D{
		{Key: "expiry", Value: bson.D{{Key: "$gt", Value: 0}, {Key: "$lt", Value: before.UnixMilli()}}},
		{Key: "last_node", Value: s.node},
	})
}

// CleanOrphans deletes sessions that expired before the given time, whichever node saved them.
func (s *Store) CleanOrphans(ctx context.Context, before time.Time) error {
	res, err := s.collection().DeleteMany(ctx, bson.D{
		{Key: "expiry", Value: bson.D{{Key: "$gt", Value: 0}, {Key: "$lt", Value: before.UnixMilli()}}},
	})
	if err != nil {
		return fmt.Errorf("deleting orphaned sessions: %w", err)
	}
	if res.DeletedCount > 0 {
		s.logger.DebugContext(ctx, "removed orphaned sessions",
			logger.Component("session-mongo"),
			logger.Count("sessions", int(res.DeletedCount)))
	}
	return nil
}

func (s *Store) AllSessions(ctx context.Context) ([]string, error) {
	return s.findIDs(ctx, bson.D{})
}

func (s *Store) findIDs(ctx context.Context, filter bson.D) ([]string, error) {
	opts := options.Find().
		SetProjection(bson.D{{Key: "_id", Value: 1}}).
		SetSort(bson.D{{Key: "_id", Value: 1}})

	cursor, err := s.collection().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("reading session ids: %w", err)
	}

	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids, nil
}
