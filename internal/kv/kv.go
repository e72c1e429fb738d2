// Package kv implements the shared key/value primitives the gateway
// processes coordinate through: session leases, expiring counters, cooldown
// markers, QR codes, in-flight load and per-account send slots.
package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "wa:"

// Store wraps a Redis client.
type Store struct {
	rdb *redis.Client
}

// Dial connects to redisURL, retrying with exponential backoff until the
// server answers PING or ctx is done.
func Dial(ctx context.Context, redisURL string, log *slog.Logger) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 30 * time.Second
	err = backoff.RetryNotify(func() error {
		return rdb.Ping(ctx).Err()
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		log.Warn("redis not ready, retrying", "error", err, "wait", wait)
	})
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

// New wraps an existing client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// Key builders.

func leaseKey(accountID string) string    { return keyPrefix + "lease:" + accountID }
func qrKey(accountID string) string       { return keyPrefix + "qr:" + accountID }
func loadKey(accountID string) string     { return keyPrefix + "load:" + accountID }
func lastSendKey(accountID string) string { return keyPrefix + "lastsend:" + accountID }

// CooldownKey names the marker suppressing a rule for one sender.
func CooldownKey(ruleID, sender string) string {
	return keyPrefix + "cooldown:" + ruleID + ":" + sender
}

// SenderKey names the per-sender auto-reply counter.
func SenderKey(accountID, sender string) string {
	return keyPrefix + "arl:" + accountID + ":" + sender
}

var incrWithExpiry = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// IncrementWithExpiry bumps the counter at key and starts its expiry window
// on the first increment. The window is fixed, not extended by later hits.
func (s *Store) IncrementWithExpiry(ctx context.Context, key string, window time.Duration) (int64, error) {
	return incrWithExpiry.Run(ctx, s.rdb, []string{key}, window.Milliseconds()).Int64()
}

// Count returns the counter at key, zero when it is absent or expired.
func (s *Store) Count(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// Mark sets a marker at key that expires after ttl.
func (s *Store) Mark(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, "1", ttl).Err()
}

// Marked reports whether a marker is present at key.
func (s *Store) Marked(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetQR caches the current pairing code for an account.
func (s *Store) SetQR(ctx context.Context, accountID, code string, ttl time.Duration) error {
	return s.rdb.Set(ctx, qrKey(accountID), code, ttl).Err()
}

// QR returns the cached pairing code, or "" when none is live.
func (s *Store) QR(ctx context.Context, accountID string) (string, error) {
	code, err := s.rdb.Get(ctx, qrKey(accountID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return code, err
}

func (s *Store) ClearQR(ctx context.Context, accountID string) error {
	return s.rdb.Del(ctx, qrKey(accountID)).Err()
}

var decrFloor = redis.NewScript(`
local n = redis.call('DECR', KEYS[1])
if n < 0 then
	redis.call('SET', KEYS[1], 0)
	n = 0
end
return n
`)

// AcquireLoad increments the account's in-flight send counter.
func (s *Store) AcquireLoad(ctx context.Context, accountID string) (int64, error) {
	return s.rdb.Incr(ctx, loadKey(accountID)).Result()
}

// ReleaseLoad decrements the in-flight counter, never below zero.
func (s *Store) ReleaseLoad(ctx context.Context, accountID string) (int64, error) {
	return decrFloor.Run(ctx, s.rdb, []string{loadKey(accountID)}).Int64()
}

// Loads returns the in-flight counters for the given accounts, in order.
func (s *Store) Loads(ctx context.Context, accountIDs []string) ([]int64, error) {
	if len(accountIDs) == 0 {
		return nil, nil
	}
	keys := make([]string, len(accountIDs))
	for i, id := range accountIDs {
		keys[i] = loadKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt load counter for %s: %w", accountIDs[i], err)
		}
		out[i] = n
	}
	return out, nil
}

// Slot times are unix microseconds.
var reserveSlot = redis.NewScript(`
local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local last = tonumber(redis.call('GET', KEYS[1]) or '0')
local slot = now
if last + interval > now then
	slot = last + interval
end
redis.call('SET', KEYS[1], slot, 'PX', math.max(1, math.ceil((slot - now + interval) / 1000)))
return slot - now
`)

var markSent = redis.NewScript(`
local now = tonumber(ARGV[1])
local last = tonumber(redis.call('GET', KEYS[1]) or '0')
if last >= now then
	return 0
end
redis.call('SET', KEYS[1], now, 'PX', ARGV[2])
return 1
`)

// ReserveSendSlot claims the account's next send slot at least interval after
// the previous one and returns how long the caller must wait before sending.
// Claims are atomic, so concurrent dispatchers queue up behind each other.
func (s *Store) ReserveSendSlot(ctx context.Context, accountID string, interval time.Duration) (time.Duration, error) {
	if interval <= 0 {
		return 0, nil
	}
	wait, err := reserveSlot.Run(ctx, s.rdb, []string{lastSendKey(accountID)},
		time.Now().UnixMicro(), interval.Microseconds(),
	).Int64()
	if err != nil {
		return 0, err
	}
	return time.Duration(wait) * time.Microsecond, nil
}

// MarkSent moves the account's last slot up to now when a send finished
// after its reserved slot, so the next claim is spaced from the real send.
func (s *Store) MarkSent(ctx context.Context, accountID string, interval time.Duration) error {
	if interval < time.Millisecond {
		return nil
	}
	return markSent.Run(ctx, s.rdb, []string{lastSendKey(accountID)},
		time.Now().UnixMicro(), interval.Milliseconds(),
	).Err()
}
