package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vaultsync/vaultsync/internal/config"
)

func TestMemoryConsumeAndBlock(t *testing.T) {
	store := NewMemoryStore()
	cfg := config.LimitConfig{MaxAttempts: 3, Window: time.Minute, Block: time.Hour}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := store.Consume(ctx, LimitLogin, cfg, "ip:10.0.0.1")
		if err != nil {
			t.Fatalf("consume failed: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("consume %d unexpectedly blocked", i+1)
		}
	}

	res, err := store.Consume(ctx, LimitLogin, cfg, "ip:10.0.0.1")
	if err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if res.Allowed {
		t.Fatal("4th consume must be rejected")
	}
	if res.RetryAfter <= 0 {
		t.Fatalf("expected positive RetryAfter, got %v", res.RetryAfter)
	}

	// Further consumes fail fast while the block holds.
	res, err = store.Consume(ctx, LimitLogin, cfg, "ip:10.0.0.1")
	if err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if res.Allowed {
		t.Fatal("blocked identifier must stay rejected")
	}
}

func TestMemoryWindowReset(t *testing.T) {
	store := NewMemoryStore()
	cfg := config.LimitConfig{MaxAttempts: 1, Window: 10 * time.Millisecond}
	ctx := context.Background()

	if _, err := store.Consume(ctx, LimitLogin, cfg, "ip:10.0.0.1"); err != nil {
		t.Fatalf("consume failed: %v", err)
	}

	res, err := store.Consume(ctx, LimitLogin, cfg, "ip:10.0.0.1")
	if err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if res.Allowed {
		t.Fatal("2nd consume within window must be rejected")
	}

	time.Sleep(20 * time.Millisecond)

	res, err = store.Consume(ctx, LimitLogin, cfg, "ip:10.0.0.1")
	if err != nil {
		t.Fatalf("consume after window failed: %v", err)
	}
	if !res.Allowed {
		t.Fatal("consume after window reset must be allowed")
	}
}

func TestMemoryConsumedPointsAlwaysZero(t *testing.T) {
	store := NewMemoryStore()
	cfg := config.LimitConfig{MaxAttempts: 5, Window: time.Minute}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := store.Consume(ctx, LimitLogin, cfg, "ip:10.0.0.1"); err != nil {
			t.Fatalf("consume failed: %v", err)
		}
	}

	// The per-instance backend cannot answer globally, so it reports 0 and
	// progressive delay stays off.
	points, err := store.ConsumedPoints(ctx, LimitLogin, "ip:10.0.0.1")
	if err != nil {
		t.Fatalf("consumed points failed: %v", err)
	}
	if points != 0 {
		t.Fatalf("expected 0, got %d", points)
	}
}

func TestMemoryConcurrentConsumersNeverExceedLimit(t *testing.T) {
	store := NewMemoryStore()
	cfg := config.LimitConfig{MaxAttempts: 5, Window: time.Minute}
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	wg.Add(n)

	allowed := make(chan bool, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			res, err := store.Consume(ctx, LimitLogin, cfg, "ip:10.0.0.1")
			if err != nil {
				t.Errorf("consume failed: %v", err)
				return
			}
			allowed <- res.Allowed
		}()
	}
	wg.Wait()
	close(allowed)

	granted := 0
	for ok := range allowed {
		if ok {
			granted++
		}
	}
	if granted != 5 {
		t.Fatalf("expected exactly 5 grants under concurrency, got %d", granted)
	}
}

func TestMemoryPurgeExpired(t *testing.T) {
	store := NewMemoryStore()
	cfg := config.LimitConfig{MaxAttempts: 5, Window: 5 * time.Millisecond}
	ctx := context.Background()

	if _, err := store.Consume(ctx, LimitLogin, cfg, "ip:10.0.0.1"); err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if _, err := store.Consume(ctx, LimitLogin, cfg, "ip:10.0.0.2"); err != nil {
		t.Fatalf("consume failed: %v", err)
	}

	time.Sleep(10 * time.Millisecond)

	if purged := store.PurgeExpired(); purged != 2 {
		t.Fatalf("expected 2 purged entries, got %d", purged)
	}
}
