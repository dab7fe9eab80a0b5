package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryCacheSetNXAndExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	ok, err := c.SetNX(ctx, "k", "v1", 20*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("first SetNX: ok=%v err=%v", ok, err)
	}
	ok, err = c.SetNX(ctx, "k", "v2", 20*time.Millisecond)
	if err != nil || ok {
		t.Fatalf("second SetNX should lose: ok=%v err=%v", ok, err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil || got != "v1" {
		t.Fatalf("get: %q %v", got, err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, redis.Nil) {
		t.Fatalf("expected redis.Nil after expiry, got %v", err)
	}
}

func TestNewCacheFallsBackToMemory(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 5 * time.Millisecond,
		MaxRetries:  0,
	})
	if _, ok := NewCache(context.Background(), client).(*MemoryCache); !ok {
		t.Fatal("expected memory fallback when redis is unreachable")
	}
}

func TestNewCachePrefersRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	if _, ok := NewCache(context.Background(), client).(*RedisCache); !ok {
		t.Fatal("expected redis cache when ping succeeds")
	}
}
