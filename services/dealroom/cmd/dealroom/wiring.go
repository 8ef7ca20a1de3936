package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"slices"

	"github.com/redis/go-redis/v9"

	"dealroom/pkg/queue"
	objstore "dealroom/pkg/storage"
	"dealroom/services/dealroom/internal/config"
	"dealroom/services/dealroom/internal/storage"
	"dealroom/services/dealroom/internal/store"
)

type sessionKV interface {
	store.KV
	io.Closer
}

type memoryKV struct{ *store.MemoryKV }

func (memoryKV) Close() error { return nil }

// openSessionKV returns the configured session backend and, for redis, the
// client other redis-backed parts may share.
func openSessionKV(cfg config.FileConfig) (sessionKV, *redis.Client, error) {
	switch cfg.SessionStore {
	case config.SessionStoreRedis:
		ttl, err := cfg.SessionTTLDuration()
		if err != nil {
			return nil, nil, err
		}
		kv := store.NewRedisKV(cfg.RedisAddr, cfg.RedisPassword, "", ttl)
		return kv, kv.Client(), nil
	case config.SessionStoreMemory:
		return memoryKV{store.NewMemoryKV()}, nil, nil
	default:
		kv, err := store.OpenPebbleKV(filepath.Join(cfg.DataDir, "session"))
		if err != nil {
			return nil, nil, fmt.Errorf("open session store: %w", err)
		}
		return kv, nil, nil
	}
}

type documentStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

func openDocuments(ctx context.Context, cfg config.FileConfig) (documentStore, error) {
	switch cfg.DocumentStore {
	case config.DocumentStoreNone:
		return nil, nil
	case config.DocumentStoreMinio:
		return objstore.NewMinioStore(ctx, objstore.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			UseSSL:    cfg.Minio.UseSSL,
		})
	default:
		return storage.NewFileStore(filepath.Join(cfg.DataDir, "documents"))
	}
}

// originChecker mirrors the CORS allow-list for websocket upgrades.
func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 || slices.Contains(origins, "*") {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(origins, origin)
	}
}

// activityStreamName is the Redis stream holding committed domain events.
const activityStreamName = "dealroom:activity"

func openActivityStream(cfg config.FileConfig, client *redis.Client) (*queue.EventStream, error) {
	streamCfg := queue.StreamConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Stream:   activityStreamName,
		MaxLen:   cfg.ActivityStreamMaxLen,
	}
	var (
		s   *queue.EventStream
		err error
	)
	if client != nil {
		s, err = queue.NewEventStreamWithClient(client, streamCfg)
	} else {
		s, err = queue.NewEventStream(streamCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open activity stream: %w", err)
	}
	return s, nil
}
