package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyRecord é o que fica guardado para uma Idempotency-Key
type IdempotencyRecord struct {
	Fingerprint string
	OrderID     int64 // zero enquanto o pedido está em andamento
}

// Completed indica se o pedido da chave já foi gravado
func (r IdempotencyRecord) Completed() bool {
	return r.OrderID != 0
}

// IdempotencyStore guarda o pedido criado para cada Idempotency-Key
type IdempotencyStore interface {
	// Claim reserva a chave para a requisição com essa impressão digital; retorna false se ela já existe
	Claim(ctx context.Context, key, fingerprint string) (bool, error)
	// Lookup retorna o registro da chave, ou nil se ela não existe
	Lookup(ctx context.Context, key string) (*IdempotencyRecord, error)
	Complete(ctx context.Context, key, fingerprint string, orderID int64) error
	Forget(ctx context.Context, key string) error
	// Reset apaga todas as chaves (acompanha a limpeza dos pedidos)
	Reset(ctx context.Context) error
}

const idempotencyKeyPrefix = "idem:orders:"

// RedisIdempotencyStore implementa IdempotencyStore com SETNX no Redis.
// O valor é "<fingerprint>:<order_id>", com order_id 0 enquanto o pedido está em andamento.
type RedisIdempotencyStore struct {
	rdb        *redis.Client
	ttl        time.Duration
	pendingTTL time.Duration
}

// NewRedisIdempotencyStore cria uma nova instância de RedisIdempotencyStore.
// pendingTTL limita quanto tempo uma chave fica presa em andamento se o Complete nunca chegar.
func NewRedisIdempotencyStore(rdb *redis.Client, ttl, pendingTTL time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{rdb: rdb, ttl: ttl, pendingTTL: pendingTTL}
}

func (s *RedisIdempotencyStore) key(key string) string {
	return idempotencyKeyPrefix + key
}

func (s *RedisIdempotencyStore) Claim(ctx context.Context, key, fingerprint string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.key(key), encodeRecord(fingerprint, 0), s.pendingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	return ok, nil
}

func (s *RedisIdempotencyStore) Lookup(ctx context.Context, key string) (*IdempotencyRecord, error) {
	value, err := s.rdb.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency key: %w", err)
	}

	record, err := decodeRecord(value)
	if err != nil {
		return nil, fmt.Errorf("corrupted idempotency key %q: %w", key, err)
	}
	return record, nil
}

func (s *RedisIdempotencyStore) Complete(ctx context.Context, key, fingerprint string, orderID int64) error {
	if err := s.rdb.Set(ctx, s.key(key), encodeRecord(fingerprint, orderID), s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to complete idempotency key: %w", err)
	}
	return nil
}

func (s *RedisIdempotencyStore) Forget(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to forget idempotency key: %w", err)
	}
	return nil
}

func (s *RedisIdempotencyStore) Reset(ctx context.Context) error {
	iter := s.rdb.Scan(ctx, 0, idempotencyKeyPrefix+"*", 100).Iterator()

	batch := make([]string, 0, 100)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := s.rdb.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("failed to reset idempotency keys: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan idempotency keys: %w", err)
	}

	if len(batch) > 0 {
		if err := s.rdb.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("failed to reset idempotency keys: %w", err)
		}
	}
	return nil
}

func encodeRecord(fingerprint string, orderID int64) string {
	return fingerprint + ":" + strconv.FormatInt(orderID, 10)
}

func decodeRecord(value string) (*IdempotencyRecord, error) {
	fingerprint, rawID, ok := strings.Cut(value, ":")
	if !ok {
		return nil, fmt.Errorf("unexpected value %q", value)
	}
	orderID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return nil, err
	}
	return &IdempotencyRecord{Fingerprint: fingerprint, OrderID: orderID}, nil
}
