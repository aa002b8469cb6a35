// Package mongodb implements leasecron.LeaseStore and leasecron.Ledger on
// MongoDB collections.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DEEJ4Y/leasecron"
	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	_ leasecron.LeaseStore = (*Store)(nil)
	_ leasecron.Ledger     = (*Store)(nil)
)

// Config holds the configuration for the MongoDB store.
type Config struct {
	// Leases is the collection holding one document per job, keyed by
	// job name. Required.
	Leases *mongo.Collection

	// Executions is the collection holding one document per occurrence,
	// keyed by execution id. Required.
	Executions *mongo.Collection

	// Clock supplies "now" for expiry checks. Default: real clock.
	Clock clockwork.Clock
}

// Store implements leasecron.LeaseStore and leasecron.Ledger for MongoDB.
type Store struct {
	leases     *mongo.Collection
	executions *mongo.Collection
	clock      clockwork.Clock
}

type leaseDoc struct {
	JobName      string    `bson:"_id"`
	HolderID     string    `bson:"holderId"`
	ExpiresAt    time.Time `bson:"expiresAt"`
	FencingToken int64     `bson:"fencingToken"`
}

type executionDoc struct {
	ExecutionID  string    `bson:"_id"`
	JobName      string    `bson:"jobName"`
	Occurrence   time.Time `bson:"occurrence"`
	HolderID     string    `bson:"holderId"`
	FencingToken int64     `bson:"fencingToken"`
	Status       string    `bson:"status"`
	StartedAt    time.Time `bson:"startedAt"`
	CompletedAt  time.Time `bson:"completedAt,omitempty"`
	Error        string    `bson:"error,omitempty"`
}

// NewStore creates a new MongoDB store with the given configuration.
func NewStore(config Config) (*Store, error) {
	if config.Leases == nil {
		return nil, fmt.Errorf("leases collection is required")
	}
	if config.Executions == nil {
		return nil, fmt.Errorf("executions collection is required")
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}

	return &Store{
		leases:     config.Leases,
		executions: config.Executions,
		clock:      config.Clock,
	}, nil
}

// EnsureIndexes creates the secondary index used to list the executions
// of a job. Uniqueness of leases and executions rests on _id.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.executions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "jobName", Value: 1}, {Key: "occurrence", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("create executions index: %w", err)
	}
	return nil
}

// Acquire claims jobName if it is free or expired.
//
// The filter only matches an expired lease document. If the document is
// missing the upsert creates it with fencing token 1; if it exists and is
// live, the upsert collides on _id and the lease is reported as held.
func (s *Store) Acquire(ctx context.Context, jobName, holderID string, ttl time.Duration) (leasecron.Lease, bool, error) {
	now := s.clock.Now()

	filter := bson.M{
		"_id":       jobName,
		"expiresAt": bson.M{"$lte": now},
	}
	update := bson.M{
		"$set": bson.M{
			"holderId":  holderID,
			"expiresAt": now.Add(ttl),
		},
		"$inc": bson.M{"fencingToken": int64(1)},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var doc leaseDoc
	err := s.leases.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return leasecron.Lease{}, false, nil
		}
		return leasecron.Lease{}, false, fmt.Errorf("findOneAndUpdate failed: %w", err)
	}
	return doc.lease(), true, nil
}

// Renew extends a live lease still held by holderID under token.
func (s *Store) Renew(ctx context.Context, jobName, holderID string, token int64, ttl time.Duration) (leasecron.Lease, bool, error) {
	now := s.clock.Now()

	filter := bson.M{
		"_id":          jobName,
		"holderId":     holderID,
		"fencingToken": token,
		"expiresAt":    bson.M{"$gt": now},
	}
	update := bson.M{"$set": bson.M{"expiresAt": now.Add(ttl)}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc leaseDoc
	err := s.leases.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return leasecron.Lease{}, false, nil
		}
		return leasecron.Lease{}, false, fmt.Errorf("renew failed: %w", err)
	}
	return doc.lease(), true, nil
}

// Release frees the lease if holderID and token still match. The document
// and its fencing token are kept.
func (s *Store) Release(ctx context.Context, jobName, holderID string, token int64) error {
	filter := bson.M{
		"_id":          jobName,
		"holderId":     holderID,
		"fencingToken": token,
	}
	update := bson.M{"$set": bson.M{"holderId": "", "expiresAt": time.Unix(0, 0).UTC()}}

	if _, err := s.leases.UpdateOne(ctx, filter, update); err != nil {
		return fmt.Errorf("release failed: %w", err)
	}
	return nil
}

// Lookup returns the stored lease for jobName.
func (s *Store) Lookup(ctx context.Context, jobName string) (leasecron.Lease, bool, error) {
	var doc leaseDoc
	err := s.leases.FindOne(ctx, bson.M{"_id": jobName}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return leasecron.Lease{}, false, nil
		}
		return leasecron.Lease{}, false, fmt.Errorf("find lease failed: %w", err)
	}
	return doc.lease(), true, nil
}

// InsertIfAbsent stores rec unless its execution id is already known.
func (s *Store) InsertIfAbsent(ctx context.Context, rec leasecron.ExecutionRecord) (bool, error) {
	doc := executionDoc{
		ExecutionID:  rec.ExecutionID,
		JobName:      rec.JobName,
		Occurrence:   rec.Occurrence.UTC(),
		HolderID:     rec.HolderID,
		FencingToken: rec.FencingToken,
		Status:       string(rec.Status),
		StartedAt:    rec.StartedAt.UTC(),
		CompletedAt:  rec.CompletedAt,
		Error:        rec.Error,
	}
	if _, err := s.executions.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert failed: %w", err)
	}
	return true, nil
}

// Update writes the terminal state of an execution owned by update.FencingToken.
func (s *Store) Update(ctx context.Context, executionID string, update leasecron.ExecutionUpdate) error {
	filter := bson.M{
		"_id":          executionID,
		"fencingToken": update.FencingToken,
	}
	set := bson.M{
		"status":      string(update.Status),
		"completedAt": update.CompletedAt.UTC(),
		"error":       update.Error,
	}

	result, err := s.executions.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update failed: %w", err)
	}
	if result.MatchedCount == 0 {
		return leasecron.ErrRecordNotOwned
	}
	return nil
}

// Get returns the record stored for executionID.
func (s *Store) Get(ctx context.Context, executionID string) (leasecron.ExecutionRecord, bool, error) {
	var doc executionDoc
	err := s.executions.FindOne(ctx, bson.M{"_id": executionID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return leasecron.ExecutionRecord{}, false, nil
		}
		return leasecron.ExecutionRecord{}, false, fmt.Errorf("find execution failed: %w", err)
	}
	return doc.record(), true, nil
}

// Executions returns up to limit records of jobName, most recent
// occurrence first. A limit of zero means no limit.
func (s *Store) Executions(ctx context.Context, jobName string, limit int64) ([]leasecron.ExecutionRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "occurrence", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cursor, err := s.executions.Find(ctx, bson.M{"jobName": jobName}, opts)
	if err != nil {
		return nil, fmt.Errorf("find executions failed: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []executionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode executions failed: %w", err)
	}
	out := make([]leasecron.ExecutionRecord, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.record())
	}
	return out, nil
}

func (d leaseDoc) lease() leasecron.Lease {
	lease := leasecron.Lease{
		JobName:      d.JobName,
		HolderID:     d.HolderID,
		ExpiresAt:    d.ExpiresAt,
		FencingToken: d.FencingToken,
	}
	// Released leases carry the unix epoch; surface them as zero.
	if d.HolderID == "" && !d.ExpiresAt.After(time.Unix(0, 0)) {
		lease.ExpiresAt = time.Time{}
	}
	return lease
}

func (d executionDoc) record() leasecron.ExecutionRecord {
	rec := leasecron.ExecutionRecord{
		ExecutionID:  d.ExecutionID,
		JobName:      d.JobName,
		Occurrence:   d.Occurrence,
		HolderID:     d.HolderID,
		FencingToken: d.FencingToken,
		Status:       leasecron.ExecutionStatus(d.Status),
		StartedAt:    d.StartedAt,
		Error:        d.Error,
	}
	if !d.CompletedAt.IsZero() && d.CompletedAt.After(time.Unix(0, 0)) {
		rec.CompletedAt = d.CompletedAt
	}
	return rec
}
