// Package redisstore implements leasecron.LeaseStore and leasecron.Ledger
// on Redis.
//
// Every operation is a Lua script, so each lease transition is atomic on
// the server. Expiry is evaluated against the Redis server clock (TIME),
// which makes the store independent of clock skew between instances. The
// store's own clock is not used.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/DEEJ4Y/leasecron"
	"github.com/redis/go-redis/v9"
)

var (
	_ leasecron.LeaseStore = (*Store)(nil)
	_ leasecron.Ledger     = (*Store)(nil)
)

const DefaultPrefix = "leasecron:"

// Config holds the configuration for a Store.
type Config struct {
	// Client is a single-node, sentinel or cluster client. Required.
	Client redis.UniversalClient

	// Prefix is prepended to every key. Default: "leasecron:"
	Prefix string

	// RecordTTL expires execution records after the given duration.
	// It must be well above the longest schedule period or duplicates
	// become possible. Zero keeps records forever.
	RecordTTL time.Duration
}

// Store implements leasecron.LeaseStore and leasecron.Ledger for Redis.
type Store struct {
	client    redis.UniversalClient
	prefix    string
	recordTTL time.Duration
}

// NewStore creates a new Redis store with the given configuration.
func NewStore(config Config) (*Store, error) {
	if config.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if config.Prefix == "" {
		config.Prefix = DefaultPrefix
	}
	if config.RecordTTL < 0 {
		return nil, errors.New("record ttl must not be negative")
	}
	return &Store{
		client:    config.Client,
		prefix:    config.Prefix,
		recordTTL: config.RecordTTL,
	}, nil
}

const serverNow = `
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
`

// KEYS[1] lease key; ARGV holder, ttl ms.
var acquireScript = redis.NewScript(serverNow + `
local expires = tonumber(redis.call('HGET', KEYS[1], 'expires') or '0')
if expires > now then
  return false
end
local token = redis.call('HINCRBY', KEYS[1], 'token', 1)
local expiry = now + tonumber(ARGV[2])
redis.call('HSET', KEYS[1], 'holder', ARGV[1], 'expires', expiry)
return {token, expiry}
`)

// KEYS[1] lease key; ARGV holder, token, ttl ms.
var renewScript = redis.NewScript(serverNow + `
local h = redis.call('HMGET', KEYS[1], 'holder', 'token', 'expires')
if h[1] ~= ARGV[1] or h[2] ~= ARGV[2] or tonumber(h[3] or '0') <= now then
  return false
end
local expiry = now + tonumber(ARGV[3])
redis.call('HSET', KEYS[1], 'expires', expiry)
return expiry
`)

// KEYS[1] lease key; ARGV holder, token.
var releaseScript = redis.NewScript(`
local h = redis.call('HMGET', KEYS[1], 'holder', 'token')
if h[1] == ARGV[1] and h[2] == ARGV[2] then
  redis.call('HSET', KEYS[1], 'holder', '', 'expires', 0)
  return 1
end
return 0
`)

// KEYS[1] execution key; ARGV ttl ms, then field/value pairs.
var insertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
if tonumber(ARGV[1]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return 1
`)

// KEYS[1] execution key; ARGV token, status, completedAt, error.
var updateScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'fencingToken') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'completedAt', ARGV[3], 'error', ARGV[4])
return 1
`)

func (s *Store) leaseKey(jobName string) string {
	return s.prefix + "lease:" + jobName
}

func (s *Store) executionKey(executionID string) string {
	return s.prefix + "execution:" + executionID
}

// Acquire claims jobName if it is free or expired.
func (s *Store) Acquire(ctx context.Context, jobName, holderID string, ttl time.Duration) (leasecron.Lease, bool, error) {
	vals, err := acquireScript.Run(ctx, s.client, []string{s.leaseKey(jobName)}, holderID, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return leasecron.Lease{}, false, nil
		}
		return leasecron.Lease{}, false, fmt.Errorf("acquire lease %q: %w", jobName, err)
	}
	if len(vals) != 2 {
		return leasecron.Lease{}, false, fmt.Errorf("acquire lease %q: unexpected reply %v", jobName, vals)
	}
	return leasecron.Lease{
		JobName:      jobName,
		HolderID:     holderID,
		ExpiresAt:    fromMillis(vals[1]),
		FencingToken: vals[0],
	}, true, nil
}

// Renew extends a live lease still held by holderID under token.
func (s *Store) Renew(ctx context.Context, jobName, holderID string, token int64, ttl time.Duration) (leasecron.Lease, bool, error) {
	expiresAt, err := renewScript.Run(ctx, s.client, []string{s.leaseKey(jobName)}, holderID, token, ttl.Milliseconds()).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return leasecron.Lease{}, false, nil
		}
		return leasecron.Lease{}, false, fmt.Errorf("renew lease %q: %w", jobName, err)
	}
	return leasecron.Lease{
		JobName:      jobName,
		HolderID:     holderID,
		ExpiresAt:    fromMillis(expiresAt),
		FencingToken: token,
	}, true, nil
}

// Release frees the lease if holderID and token still match. The hash and
// its fencing token are kept.
func (s *Store) Release(ctx context.Context, jobName, holderID string, token int64) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.leaseKey(jobName)}, holderID, token).Err(); err != nil {
		return fmt.Errorf("release lease %q: %w", jobName, err)
	}
	return nil
}

// Lookup returns the stored lease for jobName.
func (s *Store) Lookup(ctx context.Context, jobName string) (leasecron.Lease, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.leaseKey(jobName)).Result()
	if err != nil {
		return leasecron.Lease{}, false, fmt.Errorf("lookup lease %q: %w", jobName, err)
	}
	if len(fields) == 0 {
		return leasecron.Lease{}, false, nil
	}
	token, err := strconv.ParseInt(fields["token"], 10, 64)
	if err != nil {
		return leasecron.Lease{}, false, fmt.Errorf("lookup lease %q: bad token: %w", jobName, err)
	}
	expires, _ := strconv.ParseInt(fields["expires"], 10, 64)
	return leasecron.Lease{
		JobName:      jobName,
		HolderID:     fields["holder"],
		ExpiresAt:    fromMillis(expires),
		FencingToken: token,
	}, true, nil
}

// InsertIfAbsent stores rec unless its execution id is already known.
func (s *Store) InsertIfAbsent(ctx context.Context, rec leasecron.ExecutionRecord) (bool, error) {
	args := []any{
		s.recordTTL.Milliseconds(),
		"jobName", rec.JobName,
		"occurrence", toNanos(rec.Occurrence),
		"holderId", rec.HolderID,
		"fencingToken", rec.FencingToken,
		"status", string(rec.Status),
		"startedAt", toNanos(rec.StartedAt),
		"completedAt", toNanos(rec.CompletedAt),
		"error", rec.Error,
	}
	n, err := insertScript.Run(ctx, s.client, []string{s.executionKey(rec.ExecutionID)}, args...).Int64()
	if err != nil {
		return false, fmt.Errorf("insert execution %s: %w", rec.ExecutionID, err)
	}
	return n == 1, nil
}

// Update writes the terminal state of an execution owned by update.FencingToken.
func (s *Store) Update(ctx context.Context, executionID string, update leasecron.ExecutionUpdate) error {
	n, err := updateScript.Run(ctx, s.client, []string{s.executionKey(executionID)},
		update.FencingToken,
		string(update.Status),
		toNanos(update.CompletedAt),
		update.Error,
	).Int64()
	if err != nil {
		return fmt.Errorf("update execution %s: %w", executionID, err)
	}
	if n == 0 {
		return leasecron.ErrRecordNotOwned
	}
	return nil
}

// Get returns the record stored for executionID.
func (s *Store) Get(ctx context.Context, executionID string) (leasecron.ExecutionRecord, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.executionKey(executionID)).Result()
	if err != nil {
		return leasecron.ExecutionRecord{}, false, fmt.Errorf("get execution %s: %w", executionID, err)
	}
	if len(fields) == 0 {
		return leasecron.ExecutionRecord{}, false, nil
	}

	token, err := strconv.ParseInt(fields["fencingToken"], 10, 64)
	if err != nil {
		return leasecron.ExecutionRecord{}, false, fmt.Errorf("get execution %s: bad fencing token: %w", executionID, err)
	}
	return leasecron.ExecutionRecord{
		ExecutionID:  executionID,
		JobName:      fields["jobName"],
		Occurrence:   parseNanos(fields["occurrence"]),
		HolderID:     fields["holderId"],
		FencingToken: token,
		Status:       leasecron.ExecutionStatus(fields["status"]),
		StartedAt:    parseNanos(fields["startedAt"]),
		CompletedAt:  parseNanos(fields["completedAt"]),
		Error:        fields["error"],
	}, true, nil
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func parseNanos(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
