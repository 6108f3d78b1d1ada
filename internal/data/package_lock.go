package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseLockScript deletes a lock key only when the stored token matches, so
// a lock that expired and was re-acquired by someone else is never released
// out from under them.
var releaseLockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Lock is a held TTL-bounded exclusive lock.
type Lock struct {
	Key   string
	Token string
}

// PackageLockProvider provides TTL-bounded exclusive locks keyed by package
// identity. The sync engine holds one for the duration of a run; contention
// means another run is in flight and the job reschedules.
type PackageLockProvider struct {
	client redis.UniversalClient
	prefix string
}

// NewPackageLockProvider creates a lock provider over the given Redis client.
func NewPackageLockProvider(client redis.UniversalClient) *PackageLockProvider {
	return &PackageLockProvider{client: client, prefix: "lock:package:"}
}

// Acquire tries to take the lock for key with the given TTL.
// Returns (nil, nil) when the lock is already held elsewhere.
func (p *PackageLockProvider) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	if key == "" {
		return nil, errors.New("lock key cannot be empty")
	}
	if ttl <= 0 {
		return nil, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	cmd := p.client.SetArgs(ctx, p.prefix+key, token, redis.SetArgs{Mode: "NX", TTL: ttl})
	status, err := cmd.Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if status != "OK" {
		return nil, nil
	}

	return &Lock{Key: key, Token: token}, nil
}

// Release frees a held lock. Releasing a lock that already expired is a no-op.
func (p *PackageLockProvider) Release(ctx context.Context, lock *Lock) error {
	if lock == nil {
		return nil
	}

	if err := releaseLockScript.Run(ctx, p.client, []string{p.prefix + lock.Key}, lock.Token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
