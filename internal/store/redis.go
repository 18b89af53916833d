package store

import (
	"context"
	"fmt"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// Shared wraps the Redis client that backs the shared link cache, rate
// counters, click buffer and session lookups.
type Shared struct {
	Client   *redis.Client
	embedded *miniredis.Miniredis
}

// Open connects to Redis. With an empty Addr an in-process miniredis is
// started instead, which is fine for a single node but shares nothing with
// other processes.
func Open(ctx context.Context, cfg Config, log logrus.FieldLogger) (*Shared, error) {
	s := &Shared{}
	addr := cfg.Addr
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, fmt.Errorf("start embedded redis: %w", err)
		}
		s.embedded = mr
		addr = mr.Addr()
		log.WithField("addr", addr).Warn("store: no redis address configured, using embedded redis")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	s.Client = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Client.Ping(pingCtx).Err(); err != nil {
		s.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}

	log.WithField("addr", addr).Info("store: connected to redis")
	return s, nil
}

// Embedded reports whether the store runs on the in-process server.
func (s *Shared) Embedded() bool {
	return s.embedded != nil
}

func (s *Shared) Close() error {
	var err error
	if s.Client != nil {
		err = s.Client.Close()
	}
	if s.embedded != nil {
		s.embedded.Close()
	}
	return err
}
