package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRedis(t *testing.T) *RedisDB {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	db, err := OpenRedis(rdb)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRedisPutGetDelete(t *testing.T) {
	db := openTestRedis(t)

	require.NoError(t, db.Put("b", []byte("k"), []byte("v")))

	got, err := db.Get("b", []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, db.Delete("b", []byte("k")))
	_, err = db.Get("b", []byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisScanOrderedByEncodedID(t *testing.T) {
	db := openTestRedis(t)

	for _, id := range []int64{3, 1, 2} {
		require.NoError(t, db.Put("events", EncodeID(id), []byte{byte(id)}))
	}

	var forward []int64
	require.NoError(t, db.Scan("events", nil, nil, false, func(k, v []byte) bool {
		forward = append(forward, DecodeID(k))
		return true
	}))
	assert.Equal(t, []int64{1, 2, 3}, forward)

	var reverse []int64
	require.NoError(t, db.Scan("events", nil, nil, true, func(k, v []byte) bool {
		reverse = append(reverse, DecodeID(k))
		return true
	}))
	assert.Equal(t, []int64{3, 2, 1}, reverse)
}

func TestRedisBucketsAreIsolated(t *testing.T) {
	db := openTestRedis(t)

	require.NoError(t, db.Put("cache", []byte("k"), []byte("cached")))
	require.NoError(t, db.Put("ledger", []byte("k"), []byte("accounted")))

	got, err := db.Get("cache", []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("cached"), got)

	got, err = db.Get("ledger", []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("accounted"), got)
}

func TestRedisSchemaVersionMismatchIsStartupError(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	require.NoError(t, rdb.Set(context.Background(), "claudette:schema_version", SchemaVersion+1, 0).Err())

	_, err := OpenRedis(rdb)
	assert.ErrorIs(t, err, ErrVersionMismatch)
}
