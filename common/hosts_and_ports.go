package common

import (
	"fmt"
	"os"
	"strconv"
)

const defaultServerPort = 8866

func GetServerPort() int {
	port := os.Getenv("OM_SERVER_PORT")
	if port == "" {
		return defaultServerPort
	}

	intPort, err := strconv.Atoi(port)
	if err != nil {
		panic(fmt.Sprintf("Failed to parse openmates server port: %s", port))
	}
	return intPort
}

const defaultRedisAddress = "localhost:6379"

func GetRedisAddress() string {
	redisAddress := os.Getenv("OM_REDIS_ADDRESS")
	if redisAddress == "" {
		redisAddress = defaultRedisAddress
	}
	return redisAddress
}

// defaultTopNChats is the number of most-recently-edited chats per user whose
// message histories are kept warm in the hot cache.
const defaultTopNChats = 10

func GetTopNChats() int64 {
	topN := os.Getenv("OM_TOP_N_CHATS")
	if topN == "" {
		return defaultTopNChats
	}

	intTopN, err := strconv.ParseInt(topN, 10, 64)
	if err != nil || intTopN <= 0 {
		panic(fmt.Sprintf("Failed to parse openmates top-n chat count: %s", topN))
	}
	return intTopN
}
