package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore implements Store on Redis hashes with a set index per namespace
type RedisStore struct {
	logger    *zap.Logger
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore creates a Redis-backed document store
func NewRedisStore(logger *zap.Logger, client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "tiara:"
	}
	return &RedisStore{
		logger:    logger.Named("redis-store"),
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// Ping checks if the store is healthy
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) docKey(namespace, id string) string {
	return s.keyPrefix + "doc:" + namespace + ":" + id
}

func (s *RedisStore) indexKey(namespace string) string {
	return s.keyPrefix + "idx:" + namespace
}

// Get implements Store.Get
func (s *RedisStore) Get(ctx context.Context, namespace, id string) (*Document, error) {
	fields, err := s.client.HGetAll(ctx, s.docKey(namespace, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeHash(namespace, id, fields)
}

func decodeHash(namespace, id string, fields map[string]string) (*Document, error) {
	version, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid version for %s/%s: %w", namespace, id, err)
	}
	updatedAt, _ := time.Parse(time.RFC3339Nano, fields["updated_at"])
	return &Document{
		Namespace: namespace,
		ID:        id,
		Version:   version,
		Data:      []byte(fields["data"]),
		Text:      fields["text"],
		UpdatedAt: updatedAt,
	}, nil
}

// Put implements Store.Put using WATCH for optimistic concurrency
func (s *RedisStore) Put(ctx context.Context, doc *Document) (*Document, error) {
	if err := validate(doc); err != nil {
		return nil, err
	}

	key := s.docKey(doc.Namespace, doc.ID)
	stored := *doc

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		var current int64
		raw, err := tx.HGet(ctx, key, "version").Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if current, err = strconv.ParseInt(raw, 10, 64); err != nil {
				return err
			}
		}
		if current != doc.Version {
			return ErrVersionConflict
		}

		stored.Version = current + 1
		stored.UpdatedAt = time.Now().UTC()

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"version", stored.Version,
				"data", string(stored.Data),
				"text", stored.Text,
				"updated_at", stored.UpdatedAt.Format(time.RFC3339Nano),
			)
			pipe.SAdd(ctx, s.indexKey(doc.Namespace), doc.ID)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return nil, ErrVersionConflict
	}
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to put document: %w", err)
	}
	return &stored, nil
}

// Delete implements Store.Delete
func (s *RedisStore) Delete(ctx context.Context, namespace, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.docKey(namespace, id))
	pipe.SRem(ctx, s.indexKey(namespace), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// List implements Store.List
func (s *RedisStore) List(ctx context.Context, namespace string) ([]*Document, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey(namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	sort.Strings(ids)

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.docKey(namespace, id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to load documents: %w", err)
		}
	}

	docs := make([]*Document, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// index entry outlived its document
			continue
		}
		doc, err := decodeHash(namespace, ids[i], fields)
		if err != nil {
			s.logger.Warn("Skipping undecodable document",
				zap.String("namespace", namespace),
				zap.String("id", ids[i]),
				zap.Error(err))
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Search implements Store.Search
func (s *RedisStore) Search(ctx context.Context, namespace, query string, limit int) ([]Match, error) {
	docs, err := s.List(ctx, namespace)
	if err != nil {
		return nil, err
	}
	return rank(docs, query, limit), nil
}

// Close closes the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
