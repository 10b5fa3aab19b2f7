package sink

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Mongo upserts one document per record. The document key is the value of
// KeyField when the record carries it, else the record's content hash, so
// re-scraping a page refreshes documents instead of duplicating them.
type Mongo struct {
	client   *mongo.Client
	coll     *mongo.Collection
	keyField string
}

// MongoOption configures a Mongo sink.
type MongoOption func(*Mongo)

// WithMongoKeyField names the record field used as the document key.
// Records missing the field fall back to their content hash.
func WithMongoKeyField(name string) MongoOption {
	return func(m *Mongo) { m.keyField = name }
}

// NewMongo connects to MongoDB and targets database/collection. The
// connection is verified with a ping so a bad URI fails at construction,
// not on the first emit.
func NewMongo(ctx context.Context, uri, database, collection string, opts ...MongoOption) (*Mongo, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}

	m := &Mongo{
		client: client,
		coll:   client.Database(database).Collection(collection),
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

func (m *Mongo) Emit(ctx context.Context, env Envelope) error {
	now := time.Now().UTC()
	for _, rec := range env.Records {
		key := rec.Hash()
		if m.keyField != "" {
			if v, ok := rec.Get(m.keyField); ok && v != nil {
				key = fmt.Sprint(v)
			}
		}

		update := bson.M{
			"$set": bson.M{
				"fields":     rec.Map(),
				"run_id":     env.RunID,
				"url":        env.URL,
				"ruleset":    env.Ruleset,
				"updated_at": now,
			},
			"$setOnInsert": bson.M{"first_seen": now},
		}
		_, err := m.coll.UpdateOne(ctx, bson.M{"_id": key}, update, options.UpdateOne().SetUpsert(true))
		if err != nil {
			return fmt.Errorf("mongo: upsert %s: %w", key, err)
		}
	}
	return nil
}

func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
