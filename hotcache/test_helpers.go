package hotcache

import (
	"context"
	"log"

	"github.com/redis/go-redis/v9"
)

func NewTestCache() *Cache {
	cache := &Cache{Client: NewTestRedisClient()}

	// Flush the database synchronously to ensure a clean state for each test
	_, err := cache.Client.FlushDB(context.Background()).Result()
	if err != nil {
		log.Panicf("failed to flush redis database: %v", err)
	}

	return cache
}

func NewTestRedisClient() *redis.Client {
	return NewClient(&Options{
		Addr:     "localhost:6379",
		Password: "",
		DB:       1,
	})
}
