package httpx

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func TestMemoryRateLimiterWindows(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rl := newMemoryRateLimiter(func() time.Time { return now })
	ctx := context.Background()

	if d := rl.Allow(ctx, "k", 2, time.Minute); !d.allowed || d.count != 1 {
		t.Fatalf("unexpected first decision %+v", d)
	}
	rl.Allow(ctx, "k", 2, time.Minute)
	if d := rl.Allow(ctx, "k", 2, time.Minute); d.allowed {
		t.Fatalf("third attempt should be rejected")
	}
	if d := rl.Allow(ctx, "other", 2, time.Minute); !d.allowed {
		t.Fatalf("keys must not share a window")
	}

	now = now.Add(time.Minute)
	if d := rl.Allow(ctx, "k", 2, time.Minute); !d.allowed || d.count != 1 {
		t.Fatalf("window should reset, got %+v", d)
	}
}

func TestMemoryRateLimiterSweepsExpiredWindows(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rl := newMemoryRateLimiter(func() time.Time { return now })
	ctx := context.Background()
	rl.Allow(ctx, "a", 1, time.Second)
	rl.Allow(ctx, "b", 1, time.Second)

	now = now.Add(rateLimiterSweepInterval + time.Second)
	rl.Allow(ctx, "c", 1, time.Second)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.windows) != 1 {
		t.Fatalf("expected expired windows dropped, have %d", len(rl.windows))
	}
}

func TestStreamSlotsReleaseOnce(t *testing.T) {
	slots := newStreamSlots(2)
	first, ok := slots.acquire("user:u")
	if !ok {
		t.Fatalf("first slot refused")
	}
	if _, ok := slots.acquire("user:u"); !ok {
		t.Fatalf("second slot refused")
	}
	if _, ok := slots.acquire("user:u"); ok {
		t.Fatalf("third slot should be refused")
	}
	first()
	first()
	if n := slots.inUse("user:u"); n != 1 {
		t.Fatalf("double release freed two slots, %d in use", n)
	}
	if _, ok := newStreamSlots(0).acquire("user:u"); !ok {
		t.Fatalf("zero limit disables the cap")
	}
}

type fakeCounters struct {
	count  int64
	err    error
	expire int
}

func (f *fakeCounters) Incr(ctx context.Context, key string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	f.count++
	cmd.SetVal(f.count)
	return cmd
}

func (f *fakeCounters) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	f.expire++
	cmd := redis.NewBoolCmd(ctx)
	cmd.SetVal(true)
	return cmd
}

func (f *fakeCounters) TTL(ctx context.Context, key string) *redis.DurationCmd {
	cmd := redis.NewDurationCmd(ctx, time.Second)
	cmd.SetVal(30 * time.Second)
	return cmd
}

func TestRedisRateLimiter(t *testing.T) {
	store := &fakeCounters{}
	rl := NewRedisRateLimiter(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	if d := rl.Allow(ctx, "k", 1, time.Minute); !d.allowed {
		t.Fatalf("first attempt rejected")
	}
	if d := rl.Allow(ctx, "k", 1, time.Minute); d.allowed || d.count != 2 {
		t.Fatalf("second attempt should be rejected, got %+v", d)
	}
	if store.expire != 1 {
		t.Fatalf("expiry should be set once per window, got %d", store.expire)
	}

	store.err = errors.New("connection refused")
	if d := rl.Allow(ctx, "k", 1, time.Minute); !d.allowed {
		t.Fatalf("limiter should fail open when redis is down")
	}
}
