package store

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/liftover/callqueue/queue"
)

// Database and collection names used by the MongoDB snapshot store.
const (
	MongoDBSnapshotDBName   = "callqueue"
	MongoDBSnapshotCollName = "snapshots"

	// mongoDBSnapshotDocID is the _id of the single snapshot document. A
	// replace-one upsert of one document is atomic, which is exactly the
	// guarantee a snapshot write needs.
	mongoDBSnapshotDocID = "latest"
)

// A MongoDBSnapshotStore keeps the latest snapshot in a single MongoDB
// document so that queue and slot state are always written atomically.
type MongoDBSnapshotStore struct {
	coll *mongo.Collection
}

type mongoDBSnapshotDoc struct {
	ID       string         `bson:"_id"`
	Snapshot queue.Snapshot `bson:"snapshot"`
}

// NewMongoDBSnapshotStore returns a store backed by the given client.
func NewMongoDBSnapshotStore(ctx context.Context, client *mongo.Client) (*MongoDBSnapshotStore, error) {
	coll := client.Database(MongoDBSnapshotDBName).Collection(MongoDBSnapshotCollName)
	if err := client.Ping(ctx, nil); err != nil {
		return nil, errors.Wrap(err, "error connecting to snapshot store")
	}
	return &MongoDBSnapshotStore{coll: coll}, nil
}

// SaveSnapshot upserts the snapshot document in one atomic replace.
func (s *MongoDBSnapshotStore) SaveSnapshot(ctx context.Context, snap queue.Snapshot) error {
	_, err := s.coll.ReplaceOne(
		ctx,
		bson.D{{Key: "_id", Value: mongoDBSnapshotDocID}},
		mongoDBSnapshotDoc{ID: mongoDBSnapshotDocID, Snapshot: snap},
		options.Replace().SetUpsert(true),
	)
	return errors.Wrap(err, "error saving snapshot")
}

// LatestSnapshot returns the stored snapshot, if any.
func (s *MongoDBSnapshotStore) LatestSnapshot(ctx context.Context) (queue.Snapshot, bool, error) {
	var doc mongoDBSnapshotDoc
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: mongoDBSnapshotDocID}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return queue.Snapshot{}, false, nil
		}
		return queue.Snapshot{}, false, errors.Wrap(err, "error loading snapshot")
	}
	return doc.Snapshot, true, nil
}
