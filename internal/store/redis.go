package store

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisDB is a redis-backed Store, for deployments that want the
// persistent tier on the network rather than on local disk.
// Ordering for Scan is maintained via a companion sorted set per bucket:
// keys that are 8-byte big-endian ids (as the ledger uses) sort
// numerically; all other keys score 0 and, as redis orders equal scores
// by member, sort lexicographically among themselves.
type RedisDB struct {
	rdb *redis.Client
	ctx context.Context
}

// OpenRedis wraps an existing client and checks/writes the schema version.
func OpenRedis(rdb *redis.Client) (*RedisDB, error) {
	ctx := context.Background()
	s := &RedisDB{rdb: rdb, ctx: ctx}
	if err := s.checkOrWriteVersion(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *RedisDB) versionKey() string { return "claudette:schema_version" }

func (s *RedisDB) checkOrWriteVersion() error {
	val, err := s.rdb.Get(s.ctx, s.versionKey()).Int()
	if err == redis.Nil {
		return s.rdb.Set(s.ctx, s.versionKey(), SchemaVersion, 0).Err()
	}
	if err != nil {
		return fmt.Errorf("store: redis schema check: %w", err)
	}
	if val != SchemaVersion {
		return ErrVersionMismatch
	}
	return nil
}

func (s *RedisDB) hashKey(bucket string) string { return "claudette:bucket:" + bucket }
func (s *RedisDB) zsetKey(bucket string) string { return "claudette:bucket:" + bucket + ":idx" }

func (s *RedisDB) Get(bucket string, key []byte) ([]byte, error) {
	v, err := s.rdb.HGet(s.ctx, s.hashKey(bucket), string(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *RedisDB) Put(bucket string, key, value []byte) error {
	pipe := s.rdb.TxPipeline()
	pipe.HSet(s.ctx, s.hashKey(bucket), string(key), value)
	pipe.ZAdd(s.ctx, s.zsetKey(bucket), redis.Z{Score: scoreOf(key), Member: string(key)})
	_, err := pipe.Exec(s.ctx)
	return err
}

func (s *RedisDB) Delete(bucket string, key []byte) error {
	pipe := s.rdb.TxPipeline()
	pipe.HDel(s.ctx, s.hashKey(bucket), string(key))
	pipe.ZRem(s.ctx, s.zsetKey(bucket), string(key))
	_, err := pipe.Exec(s.ctx)
	return err
}

func (s *RedisDB) Scan(bucket string, start, end []byte, reverse bool, fn func(key, value []byte) bool) error {
	min, max := "-inf", "+inf"
	if start != nil {
		min = fmt.Sprintf("%d", int64(scoreOf(start)))
	}
	if end != nil {
		max = fmt.Sprintf("(%d", int64(scoreOf(end)))
	}

	var members []string
	var err error
	if reverse {
		members, err = s.rdb.ZRevRangeByScore(s.ctx, s.zsetKey(bucket), &redis.ZRangeBy{Min: min, Max: max}).Result()
	} else {
		members, err = s.rdb.ZRangeByScore(s.ctx, s.zsetKey(bucket), &redis.ZRangeBy{Min: min, Max: max}).Result()
	}
	if err != nil {
		return err
	}

	for _, member := range members {
		val, err := s.rdb.HGet(s.ctx, s.hashKey(bucket), member).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return err
		}
		if !fn([]byte(member), val) {
			return nil
		}
	}
	return nil
}

func (s *RedisDB) Close() error { return s.rdb.Close() }

func scoreOf(key []byte) float64 {
	if len(key) == 8 {
		return float64(int64(binary.BigEndian.Uint64(key)))
	}
	return 0
}
