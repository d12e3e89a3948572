// Package lease hands out short, named leases so that only one process runs
// a periodic job at a time.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"wikinovel/api/internal/util"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLease struct {
	client *redis.Client
	prefix string
}

func NewRedisLease(client *redis.Client) *RedisLease {
	return &RedisLease{client: client, prefix: "wikinovel:lease:"}
}

// Acquire takes the named lease for ttl. It returns a release func when the
// lease was taken and ok=false when another holder has it.
func (l *RedisLease) Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error) {
	key := l.prefix + name
	token := util.NewID("lease")
	acquired, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !acquired {
		return nil, false, nil
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
	}, true, nil
}
