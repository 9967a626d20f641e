package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const connectTimeout = 5 * time.Second

type RedisConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Password  string `json:"password"`
	Namespace string `json:"namespace"`
}

type RedisSentinelConfig struct {
	SentinelHost     string `json:"sentinel_host"`
	SentinelPort     int    `json:"sentinel_port"`
	Password         string `json:"password"`
	MasterName       string `json:"master_name"`
	SentinelUsername string `json:"sentinel_username"`
	Namespace        string `json:"namespace"`
}

// NewRedisClient connects to a single redis server and checks the connection.
func NewRedisClient(config *RedisConfig) (*redis.Client, error) {
	if config.Host == "" {
		return nil, fmt.Errorf("failed to connect to Redis: no host configured")
	}

	address := config.Host + ":" + strconv.Itoa(config.Port)
	client := redis.NewClient(&redis.Options{
		Addr:        address,
		Password:    config.Password,
		DB:          0,
		DialTimeout: connectTimeout,
	})

	if err := ping(client); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", address, err)
	}
	slog.Info("connected to Redis", "address", address)
	return client, nil
}

// NewRedisSentinelClient connects to the master announced by the sentinel.
func NewRedisSentinelClient(config *RedisSentinelConfig) (*redis.Client, error) {
	if config.MasterName == "" {
		return nil, fmt.Errorf("failed to connect to Redis through Sentinel: no master name configured")
	}

	address := config.SentinelHost + ":" + strconv.Itoa(config.SentinelPort)
	client := redis.NewFailoverClient(&redis.FailoverOptions{
		MasterName:       config.MasterName,
		SentinelAddrs:    []string{address},
		SentinelUsername: config.SentinelUsername,
		SentinelPassword: config.Password,
		Password:         config.Password,
		DB:               0,
		DialTimeout:      connectTimeout,
	})

	if err := ping(client); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis through Sentinel at %s: %w", address, err)
	}
	slog.Info("connected to Redis through Sentinel", "sentinel", address, "master", config.MasterName)
	return client, nil
}

func ping(client *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			slog.Warn("failed to close Redis client", "error", closeErr)
		}
		return err
	}
	return nil
}
