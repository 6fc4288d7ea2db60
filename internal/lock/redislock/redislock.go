// Package redislock serializes writers of the same ledger accounts across processes.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/payledger/pkg/ledger"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	defaultKeyPrefix     = "payledger:lock:account:"
	defaultExpiration    = 30 * time.Second
	defaultRetryInterval = 10 * time.Millisecond
	defaultMaxWait       = 5 * time.Second
)

// ErrLockNotAcquired is returned when an account lock stays held by another owner past the wait budget.
var ErrLockNotAcquired = fmt.Errorf("%w: account lock not acquired", ledger.ErrStoreTransient)

// releaseScript deletes the key only while it still carries the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config tunes lock behaviour. Zero values fall back to defaults.
type Config struct {
	KeyPrefix     string
	Expiration    time.Duration
	RetryInterval time.Duration
	MaxWait       time.Duration
}

var _ ledger.AccountLocker = (*Locker)(nil)

// Locker implements ledger.AccountLocker on Redis SET NX.
type Locker struct {
	client        redis.UniversalClient
	keyPrefix     string
	expiration    time.Duration
	retryInterval time.Duration
	maxWait       time.Duration
}

// New builds a Locker over client.
func New(client redis.UniversalClient, config Config) (*Locker, error) {
	if client == nil {
		return nil, errors.New("redislock: client is required")
	}
	locker := &Locker{
		client:        client,
		keyPrefix:     config.KeyPrefix,
		expiration:    config.Expiration,
		retryInterval: config.RetryInterval,
		maxWait:       config.MaxWait,
	}
	if locker.keyPrefix == "" {
		locker.keyPrefix = defaultKeyPrefix
	}
	if locker.expiration <= 0 {
		locker.expiration = defaultExpiration
	}
	if locker.retryInterval <= 0 {
		locker.retryInterval = defaultRetryInterval
	}
	if locker.maxWait <= 0 {
		locker.maxWait = defaultMaxWait
	}
	return locker, nil
}

// LockAccounts acquires one key per account in the given order. On failure every key already held is released.
func (locker *Locker) LockAccounts(ctx context.Context, accountIDs []ledger.AccountID) (func(), error) {
	token := uuid.NewString()
	acquired := make([]string, 0, len(accountIDs))
	release := func() {
		// Release on a fresh context so a cancelled request still frees its keys.
		releaseCtx, cancel := context.WithTimeout(context.Background(), locker.expiration)
		defer cancel()
		for index := len(acquired) - 1; index >= 0; index-- {
			_ = releaseScript.Run(releaseCtx, locker.client, []string{acquired[index]}, token).Err()
		}
	}
	deadline := time.Now().Add(locker.maxWait)
	for _, accountID := range accountIDs {
		key := locker.keyPrefix + accountID.String()
		if err := locker.acquire(ctx, key, token, deadline); err != nil {
			release()
			return nil, fmt.Errorf("lock account %s: %w", accountID, err)
		}
		acquired = append(acquired, key)
	}
	return release, nil
}

func (locker *Locker) acquire(ctx context.Context, key string, token string, deadline time.Time) error {
	for {
		ok, err := locker.client.SetNX(ctx, key, token, locker.expiration).Result()
		if err != nil {
			return fmt.Errorf("%w: %w", ledger.ErrStoreTransient, err)
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return ErrLockNotAcquired
		}
		timer := time.NewTimer(locker.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
