package leader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// lockDocument is a lease stored in the leader_locks collection
type lockDocument struct {
	ID         string    `bson:"_id"`
	InstanceID string    `bson:"instanceId"`
	AcquiredAt time.Time `bson:"acquiredAt"`
	ExpiresAt  time.Time `bson:"expiresAt"`
}

// MongoLock stores leases as documents in the leader_locks collection
type MongoLock struct {
	collection *mongo.Collection
}

// NewMongoLock creates a lock over db and ensures the TTL index
func NewMongoLock(ctx context.Context, db *mongo.Database) *MongoLock {
	collection := db.Collection("leader_locks")

	_, err := collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0).SetName("ttl_expiresAt"),
	})
	if err != nil {
		log.Debug().Err(err).Msg("Could not create TTL index (may already exist)")
	}

	return &MongoLock{collection: collection}
}

func (m *MongoLock) TryAcquire(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	now := time.Now()

	// Matches a free, expired or already-owned lease. A lease held by someone
	// else makes the upsert collide on _id.
	filter := bson.M{
		"_id": key,
		"$or": []bson.M{
			{"expiresAt": bson.M{"$lt": now}},
			{"instanceId": instanceID},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"instanceId": instanceID,
			"expiresAt":  now.Add(ttl),
		},
		"$setOnInsert": bson.M{"acquiredAt": now},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc lockDocument
	err := m.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	return doc.InstanceID == instanceID, nil
}

func (m *MongoLock) Refresh(ctx context.Context, key, instanceID string, ttl time.Duration) error {
	result, err := m.collection.UpdateOne(ctx,
		bson.M{"_id": key, "instanceId": instanceID},
		bson.M{"$set": bson.M{"expiresAt": time.Now().Add(ttl)}},
	)
	if err != nil {
		return fmt.Errorf("failed to refresh lease %s: %w", key, err)
	}
	if result.MatchedCount == 0 {
		return ErrNotHeld
	}
	return nil
}

func (m *MongoLock) Release(ctx context.Context, key, instanceID string) error {
	result, err := m.collection.DeleteOne(ctx, bson.M{"_id": key, "instanceId": instanceID})
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", key, err)
	}
	if result.DeletedCount == 0 {
		return ErrNotHeld
	}
	return nil
}

func (m *MongoLock) GetHolder(ctx context.Context, key string) (string, error) {
	var doc lockDocument
	err := m.collection.FindOne(ctx, bson.M{
		"_id":       key,
		"expiresAt": bson.M{"$gt": time.Now()},
	}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read lease %s: %w", key, err)
	}
	return doc.InstanceID, nil
}

func (m *MongoLock) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return m.collection.Database().Client().Ping(ctx, nil) == nil
}

// Close is a no-op. The mongo client is owned by the caller.
func (m *MongoLock) Close() error {
	return nil
}
