package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrExportNotFound = errors.New("log export not found")

// ShareTimeout is how long an exported log stays retrievable.
const ShareTimeout time.Duration = 24 * time.Hour

// Should be safe to use concurrently.
type ShareStorage interface {
	// Stores an exported log under the given share id, replacing any previous value.
	StoreExport(shareId string, export []byte) error

	// Returns ErrExportNotFound when nothing is stored under shareId.
	RetrieveExport(shareId string) ([]byte, error)

	// Removing an export that is not there is an error.
	RemoveExport(shareId string) error
}

type storedExport struct {
	data      []byte
	expiresAt time.Time
}

type InMemoryShareStorage struct {
	exports map[string]storedExport
	mutex   sync.Mutex
	now     func() time.Time
}

func NewInMemoryShareStorage() *InMemoryShareStorage {
	return &InMemoryShareStorage{
		exports: make(map[string]storedExport),
		now:     time.Now,
	}
}

type RedisShareStorage struct {
	client    *redis.Client
	namespace string
}

func NewRedisShareStorage(client *redis.Client, namespace string) *RedisShareStorage {
	return &RedisShareStorage{client: client, namespace: namespace}
}

// ------------------------------------------------------------------------------

func createKey(namespace, shareId string) string {
	return fmt.Sprintf("%s:log-export:%s", namespace, shareId)
}

func (s *RedisShareStorage) StoreExport(shareId string, export []byte) error {
	ctx := context.Background()
	return s.client.Set(ctx, createKey(s.namespace, shareId), export, ShareTimeout).Err()
}

func (s *RedisShareStorage) RetrieveExport(shareId string) ([]byte, error) {
	ctx := context.Background()
	data, err := s.client.Get(ctx, createKey(s.namespace, shareId)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrExportNotFound
	}
	return data, err
}

func (s *RedisShareStorage) RemoveExport(shareId string) error {
	ctx := context.Background()
	removed, err := s.client.Del(ctx, createKey(s.namespace, shareId)).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return ErrExportNotFound
	}
	return nil
}

// ------------------------------------------------------------------------------

func (s *InMemoryShareStorage) StoreExport(shareId string, export []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.exports[shareId] = storedExport{
		data:      append([]byte(nil), export...),
		expiresAt: s.now().Add(ShareTimeout),
	}
	return nil
}

func (s *InMemoryShareStorage) RetrieveExport(shareId string) ([]byte, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	stored, ok := s.exports[shareId]
	if !ok {
		return nil, ErrExportNotFound
	}
	if !s.now().Before(stored.expiresAt) {
		delete(s.exports, shareId)
		return nil, ErrExportNotFound
	}
	return append([]byte(nil), stored.data...), nil
}

func (s *InMemoryShareStorage) RemoveExport(shareId string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.exports[shareId]; !ok {
		return fmt.Errorf("failed to remove export %s: %w", shareId, ErrExportNotFound)
	}
	delete(s.exports, shareId)
	return nil
}
