package kv

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Leases are mostly-exclusive: a holder that stalls past its TTL loses the
// lease silently, and the protocol drops the older of two connections.

var renewLease = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseLease = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// AcquireLease takes the account's lease for token if it is free or already
// held by token.
func (s *Store) AcquireLease(ctx context.Context, accountID, token string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, leaseKey(accountID), token, ttl).Result()
	if err != nil || ok {
		return ok, err
	}
	return s.RenewLease(ctx, accountID, token, ttl)
}

// RenewLease extends the lease if token still owns it.
func (s *Store) RenewLease(ctx context.Context, accountID, token string, ttl time.Duration) (bool, error) {
	n, err := renewLease.Run(ctx, s.rdb, []string{leaseKey(accountID)}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseLease deletes the lease if token owns it.
func (s *Store) ReleaseLease(ctx context.Context, accountID, token string) (bool, error) {
	n, err := releaseLease.Run(ctx, s.rdb, []string{leaseKey(accountID)}, token).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// LeaseHolder returns the current owner token, or "" if the lease is free.
func (s *Store) LeaseHolder(ctx context.Context, accountID string) (string, error) {
	token, err := s.rdb.Get(ctx, leaseKey(accountID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return token, err
}
