package hotcache

import (
	"openmates/common"

	"github.com/redis/go-redis/v9"
)

func NewClient(opt *Options) *redis.Client {
	return redis.NewClient(opt)
}

type Options = redis.Options

func setupClient() *redis.Client {
	return NewClient(&Options{
		Addr: common.GetRedisAddress(),
	})
}
