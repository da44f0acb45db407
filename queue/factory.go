package queue

import (
	"fmt"
	"path/filepath"

	"github.com/redis/go-redis/v9"
)

// Config selects and configures a Queue backend (spec §6.6: REDIS_URL
// present -> redisqueue, else boltqueue under DataDir).
type Config struct {
	RedisURL string
	DataDir  string
}

// Open builds the Queue backend Config selects.
func Open(cfg Config) (Queue, error) {
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("queue: parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		return NewRedisQueue(client, "orchestrator:queue"), nil
	}
	dir := cfg.DataDir
	if dir == "" {
		dir = "."
	}
	return OpenBoltQueue(filepath.Join(dir, "queue.db"))
}
