package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/huykn/tagsync/types"
)

// DefaultKeyPrefix prefixes quote keys in Redis.
const DefaultKeyPrefix = "tagsync:quote:"

// maxTxRetries bounds optimistic transaction retries on contention.
const maxTxRetries = 10

// RedisQuoteStore implements QuoteStore using Redis. Transitions run in a
// WATCH transaction so concurrent price and reject calls cannot both succeed.
type RedisQuoteStore struct {
	client     *redis.Client
	prefix     string
	serializer Serializer
}

// NewRedisQuoteStore connects to Redis and creates a store.
func NewRedisQuoteStore(addr, password string, db int) (*RedisQuoteStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return NewRedisQuoteStoreFromClient(client), nil
}

// NewRedisQuoteStoreFromClient creates a store on an existing client.
func NewRedisQuoteStoreFromClient(client *redis.Client) *RedisQuoteStore {
	return &RedisQuoteStore{
		client:     client,
		prefix:     DefaultKeyPrefix,
		serializer: NewJSONSerializer(),
	}
}

// Create stores a new pending quote.
func (rs *RedisQuoteStore) Create(ctx context.Context, items []types.QuoteItem, ownerEmail string) (types.Quote, error) {
	q, err := newQuote(items, ownerEmail)
	if err != nil {
		return types.Quote{}, err
	}
	data, err := rs.serializer.Marshal(q)
	if err != nil {
		return types.Quote{}, err
	}
	ok, err := rs.client.SetNX(ctx, rs.key(q.ID), data, 0).Result()
	if err != nil {
		return types.Quote{}, err
	}
	if !ok {
		return types.Quote{}, fmt.Errorf("quote %s already exists", q.ID)
	}
	return q, nil
}

// Get returns the quote with the given id.
func (rs *RedisQuoteStore) Get(ctx context.Context, id string) (types.Quote, error) {
	return rs.load(ctx, rs.client, id)
}

// Price moves a pending quote to priced.
func (rs *RedisQuoteStore) Price(ctx context.Context, id string, prices []decimal.Decimal) (types.Quote, error) {
	return rs.update(ctx, id, func(q *types.Quote) error { return applyPrice(q, prices) })
}

// Reject moves a pending quote to rejected.
func (rs *RedisQuoteStore) Reject(ctx context.Context, id string) (types.Quote, error) {
	return rs.update(ctx, id, applyReject)
}

// Close closes the Redis connection.
func (rs *RedisQuoteStore) Close() error {
	return rs.client.Close()
}

// GetClient returns the underlying Redis client.
func (rs *RedisQuoteStore) GetClient() *redis.Client {
	return rs.client
}

func (rs *RedisQuoteStore) key(id string) string {
	return rs.prefix + id
}

func (rs *RedisQuoteStore) load(ctx context.Context, c redis.Cmdable, id string) (types.Quote, error) {
	data, err := c.Get(ctx, rs.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return types.Quote{}, fmt.Errorf("%w: %s", ErrQuoteNotFound, id)
		}
		return types.Quote{}, err
	}
	var q types.Quote
	if err := rs.serializer.Unmarshal(data, &q); err != nil {
		return types.Quote{}, err
	}
	return q, nil
}

func (rs *RedisQuoteStore) update(ctx context.Context, id string, fn func(*types.Quote) error) (types.Quote, error) {
	key := rs.key(id)
	var out types.Quote

	txf := func(tx *redis.Tx) error {
		q, err := rs.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(&q); err != nil {
			return err
		}
		data, err := rs.serializer.Marshal(q)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err == nil {
			out = q
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := rs.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return types.Quote{}, err
		}
		return out, nil
	}
	return types.Quote{}, fmt.Errorf("quote %s: transaction retries exhausted", id)
}
