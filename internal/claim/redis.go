package claim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seantiz/asyncq/internal/model"
)

// DefaultTTL bounds how long a claim survives a crashed holder.
const DefaultTTL = 10 * time.Minute

// releaseScript deletes the key only while it still holds our token, so an
// expired claim that another instance has taken over is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis shares claims between service instances. Each claim is a key set
// with SET NX and a TTL whose value is a per-claim owner token.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration

	mu     sync.Mutex
	tokens map[string]string
}

var _ Claimer = (*Redis)(nil)

// NewRedis creates a Redis claimer. Keys are prefix + query id. A ttl <= 0
// uses DefaultTTL.
func NewRedis(client redis.UniversalClient, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		tokens: make(map[string]string),
	}
}

// Claim sets the claim key if it does not exist.
func (r *Redis) Claim(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, errors.New("id cannot be empty")
	}

	token := model.NewID()
	status, err := r.client.SetArgs(ctx, r.prefix+id, token, redis.SetArgs{Mode: "NX", TTL: r.ttl}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis SET NX: %w", err)
	}
	if status != "OK" {
		return false, nil
	}

	r.mu.Lock()
	r.tokens[id] = token
	r.mu.Unlock()
	return true, nil
}

// Release deletes the claim key if this instance still owns it.
func (r *Redis) Release(ctx context.Context, id string) error {
	r.mu.Lock()
	token, ok := r.tokens[id]
	delete(r.tokens, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if err := releaseScript.Run(ctx, r.client, []string{r.prefix + id}, token).Err(); err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

// Health checks the Redis connection.
func (r *Redis) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
