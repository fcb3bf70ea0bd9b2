// Package bootstrap wires the StateStore/WorkQueue backend named by
// ServiceConfig, shared by cmd/api and cmd/worker so both processes agree
// on which backend implementation is live without duplicating the
// selection logic in two main packages.
package bootstrap

import (
	"log/slog"

	"docmd/internal/config"
	"docmd/internal/convert"
)

// WireBackends constructs the StateStore and WorkQueue named by svcCfg's
// StateStoreBackend/WorkQueueBackend settings.
func WireBackends(svcCfg *config.ServiceConfig) (convert.StateStore, convert.WorkQueue, error) {
	var store convert.StateStore
	switch svcCfg.StateStoreBackend {
	case "redis":
		redisStore, err := convert.NewRedisStore(convert.RedisStoreConfig{
			Addr:     svcCfg.RedisAddr,
			Password: svcCfg.RedisPassword,
			DB:       svcCfg.RedisDB,
		})
		if err != nil {
			return nil, nil, err
		}
		store = redisStore
		slog.Info("state store backend: redis", "addr", svcCfg.RedisAddr)
	default:
		store = convert.NewMemoryStore(convert.MemoryStoreConfig{})
		slog.Info("state store backend: memory")
	}

	var queue convert.WorkQueue
	switch svcCfg.WorkQueueBackend {
	case "rabbitmq":
		rmqQueue, err := convert.NewRabbitMQQueue(convert.RabbitMQQueueConfig{URL: svcCfg.RabbitMQURL})
		if err != nil {
			return nil, nil, err
		}
		queue = rmqQueue
		slog.Info("work queue backend: rabbitmq")
	default:
		queue = convert.NewMemoryQueue(convert.MemoryQueueConfig{Workers: svcCfg.WorkerConcurrency})
		slog.Info("work queue backend: memory")
	}

	return store, queue, nil
}
