// Package configsync loads dispatch pool configuration from an external
// source and applies it to the running queue manager.
package configsync

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/multierr"

	"go.flowcatalyst.tech/dispatchcore/internal/router/model"
)

// PoolCollection is the Mongo collection holding pool definitions
const PoolCollection = "dispatch_pools"

// Source returns the full set of pool configurations
type Source interface {
	Name() string
	LoadPools(ctx context.Context) ([]model.PoolConfig, error)
}

// StaticSource serves a fixed list, typically from the config file
type StaticSource struct {
	pools []model.PoolConfig
}

// NewStaticSource creates a source over pools
func NewStaticSource(pools []model.PoolConfig) *StaticSource {
	cp := make([]model.PoolConfig, len(pools))
	copy(cp, pools)
	return &StaticSource{pools: cp}
}

func (s *StaticSource) Name() string { return "static" }

// LoadPools returns a copy of the configured pools
func (s *StaticSource) LoadPools(ctx context.Context) ([]model.PoolConfig, error) {
	out := make([]model.PoolConfig, len(s.pools))
	copy(out, s.pools)
	return out, nil
}

// Mongo pool status values. SUSPENDED pools stop admitting like archived ones.
const (
	mongoStatusActive    = "ACTIVE"
	mongoStatusSuspended = "SUSPENDED"
	mongoStatusArchived  = "ARCHIVED"
)

// poolDocument is a pool as stored by the platform
type poolDocument struct {
	ID              string `bson:"_id"`
	Code            string `bson:"code"`
	Concurrency     int    `bson:"concurrency"`
	RateLimitPerMin *int   `bson:"rateLimitPerMin,omitempty"`
	Status          string `bson:"status,omitempty"`
	// Enabled predates Status and is only read when Status is missing
	Enabled *bool `bson:"enabled,omitempty"`
}

func (d *poolDocument) toConfig() (model.PoolConfig, error) {
	if d.Code == "" {
		return model.PoolConfig{}, fmt.Errorf("pool document %q has no code", d.ID)
	}

	cfg := model.PoolConfig{Code: d.Code, Status: model.PoolStatusActive}
	if d.Concurrency > 0 {
		cfg.Concurrency = model.IntPtr(d.Concurrency)
	}
	if d.RateLimitPerMin != nil && *d.RateLimitPerMin > 0 {
		cfg.RateLimitPerMinute = model.IntPtr(*d.RateLimitPerMin)
	}

	switch d.Status {
	case mongoStatusArchived, mongoStatusSuspended:
		cfg.Status = model.PoolStatusArchived
	case "":
		if d.Enabled != nil && !*d.Enabled {
			cfg.Status = model.PoolStatusArchived
		}
	case mongoStatusActive:
	default:
		return model.PoolConfig{}, fmt.Errorf("pool %s has unknown status %q", d.Code, d.Status)
	}
	return cfg, nil
}

// MongoSource reads pools from the dispatch_pools collection
type MongoSource struct {
	pools *mongo.Collection
}

// NewMongoSource creates a source over db
func NewMongoSource(db *mongo.Database) *MongoSource {
	return &MongoSource{
		pools: db.Collection(PoolCollection),
	}
}

func (s *MongoSource) Name() string { return "mongodb" }

// LoadPools reads every pool ordered by code. Documents that cannot be
// converted fail the whole load so a partial view never archives pools.
func (s *MongoSource) LoadPools(ctx context.Context) ([]model.PoolConfig, error) {
	opts := options.Find().SetSort(bson.D{{Key: "code", Value: 1}})

	cursor, err := s.pools.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("find pools: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []*poolDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode pools: %w", err)
	}

	configs := make([]model.PoolConfig, 0, len(docs))
	var errs error
	for _, doc := range docs {
		cfg, err := doc.toConfig()
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		configs = append(configs, cfg)
	}
	if errs != nil {
		return nil, errs
	}
	return configs, nil
}
