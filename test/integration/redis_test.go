package integration

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DanteTheCreator/real-estate-deployment/pkg/config"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
)

// skipIfNoRedis skips the test when Redis is unavailable.
func skipIfNoRedis(t *testing.T) *redis.Client {
	t.Helper()
	c, err := redis.NewClient(config.RedisConfig{
		Addr:     envOrDefault("TEST_REDIS_ADDR", "localhost:6379"),
		DB:       envOrDefaultInt("TEST_REDIS_DB", 15),
		PoolSize: 5,
	})
	if err != nil {
		t.Skipf("skipping integration test: redis unavailable: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// skipIfNoRedisRaw returns a plain go-redis client on the same database, for
// seeding keys the wrapper never writes.
func skipIfNoRedisRaw(t *testing.T) *goredis.Client {
	t.Helper()
	rdb := goredis.NewClient(&goredis.Options{
		Addr: envOrDefault("TEST_REDIS_ADDR", "localhost:6379"),
		DB:   envOrDefaultInt("TEST_REDIS_DB", 15),
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		t.Skipf("skipping integration test: redis unavailable: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

// ---------------------------------------------------------------------------
// Run lock
// ---------------------------------------------------------------------------

func TestRedisRunLock(t *testing.T) {
	c := skipIfNoRedis(t)
	ctx := context.Background()
	key := fmt.Sprintf("ingestion:lock:test-%d", time.Now().UnixNano())

	ok, err := c.AcquireLock(ctx, key, "run-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected to acquire the lock, got %v, %v", ok, err)
	}
	ok, err = c.AcquireLock(ctx, key, "run-b", time.Minute)
	if err != nil || ok {
		t.Fatalf("expected the second holder to be refused, got %v, %v", ok, err)
	}

	if err := c.ExtendLock(ctx, key, "run-b", time.Minute); !errors.Is(err, redis.ErrLockNotHeld) {
		t.Errorf("expected ErrLockNotHeld when extending someone else's lock, got %v", err)
	}
	if err := c.ExtendLock(ctx, key, "run-a", time.Minute); err != nil {
		t.Errorf("expected to extend our lock, got %v", err)
	}
	if err := c.ReleaseLock(ctx, key, "run-b"); !errors.Is(err, redis.ErrLockNotHeld) {
		t.Errorf("expected ErrLockNotHeld when releasing someone else's lock, got %v", err)
	}
	if err := c.ReleaseLock(ctx, key, "run-a"); err != nil {
		t.Fatalf("release: %v", err)
	}

	ok, err = c.AcquireLock(ctx, key, "run-b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected the lock to be free after release, got %v, %v", ok, err)
	}
	c.ReleaseLock(ctx, key, "run-b")
}

func TestRedisLockExpires(t *testing.T) {
	c := skipIfNoRedis(t)
	ctx := context.Background()
	key := fmt.Sprintf("ingestion:lock:expiry-%d", time.Now().UnixNano())

	if ok, _ := c.AcquireLock(ctx, key, "run-a", 100*time.Millisecond); !ok {
		t.Fatal("expected to acquire the lock")
	}
	time.Sleep(300 * time.Millisecond)
	ok, err := c.AcquireLock(ctx, key, "run-b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected an expired lock to be free, got %v, %v", ok, err)
	}
	c.ReleaseLock(ctx, key, "run-b")
}

// ---------------------------------------------------------------------------
// Cache invalidation
// ---------------------------------------------------------------------------

func TestRedisFlushByPattern(t *testing.T) {
	c := skipIfNoRedis(t)
	ctx := context.Background()
	prefix := fmt.Sprintf("property_search_test_%d", time.Now().UnixNano())

	seed := skipIfNoRedisRaw(t)
	for i := 0; i < 3; i++ {
		if err := seed.Set(ctx, fmt.Sprintf("%s:%d", prefix, i), "cached", time.Minute).Err(); err != nil {
			t.Fatalf("seeding: %v", err)
		}
	}
	if err := seed.Set(ctx, prefix+"_keep", "cached", time.Minute).Err(); err != nil {
		t.Fatalf("seeding: %v", err)
	}
	t.Cleanup(func() { seed.Del(ctx, prefix+"_keep") })

	n, err := c.FlushByPattern(ctx, prefix+":*")
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 keys removed, got %d", n)
	}
	if left, _ := seed.Exists(ctx, prefix+"_keep").Result(); left != 1 {
		t.Error("expected the non-matching key to survive")
	}
}
