package trellis_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/trellisql/trellis"
)

func countingProvider(loads *atomic.Int32, err error) trellis.GraphProviderFunc {
	return func(ctx context.Context) (*trellis.Graph, error) {
		loads.Add(1)
		if err != nil {
			return nil, err
		}
		return trellis.NewGraph([]*trellis.Entity{{
			Key:        "order",
			Table:      "Orders",
			ObjectName: "orders",
			Properties: []*trellis.Property{{Column: "Id", Name: "id", IsKey: true}},
		}}, nil)
	}
}

func TestGraphCache_LazyLoadAndReuse(t *testing.T) {
	var loads atomic.Int32
	cache := trellis.NewGraphCache(countingProvider(&loads, nil))

	if loads.Load() != 0 {
		t.Fatal("provider should not be called before first use")
	}

	g1, err := cache.Graph(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	g2, err := cache.Graph(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g1 != g2 {
		t.Error("expected the same snapshot on the second call")
	}
	if loads.Load() != 1 {
		t.Errorf("expected exactly one load, got %d", loads.Load())
	}
}

func TestGraphCache_TTLExpiryRebuilds(t *testing.T) {
	var loads atomic.Int32
	cache := trellis.NewGraphCache(countingProvider(&loads, nil), trellis.WithGraphTTL(time.Millisecond))

	g1, err := cache.Graph(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	g2, err := cache.Graph(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g1 == g2 {
		t.Error("expected a fresh snapshot after TTL expiry")
	}
	if loads.Load() != 2 {
		t.Errorf("expected two loads, got %d", loads.Load())
	}
}

func TestGraphCache_ServesStaleOnProviderError(t *testing.T) {
	var loads atomic.Int32
	var failing atomic.Bool
	boom := errors.New("metadata store down")

	provider := trellis.GraphProviderFunc(func(ctx context.Context) (*trellis.Graph, error) {
		if failing.Load() {
			loads.Add(1)
			return nil, boom
		}
		return countingProvider(&loads, nil)(ctx)
	})
	cache := trellis.NewGraphCache(provider, trellis.WithGraphTTL(time.Millisecond))

	g1, err := cache.Graph(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	failing.Store(true)
	time.Sleep(5 * time.Millisecond)

	g2, err := cache.Graph(context.Background())
	if err != nil {
		t.Fatalf("expected the stale graph instead of an error, got: %v", err)
	}
	if g2 != g1 {
		t.Error("expected the stale snapshot to be served")
	}
}

func TestGraphCache_ErrorWithoutSnapshot(t *testing.T) {
	var loads atomic.Int32
	boom := errors.New("metadata store down")
	cache := trellis.NewGraphCache(countingProvider(&loads, boom))

	_, err := cache.Graph(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("expected the provider error on cold start, got: %v", err)
	}
}

func TestGraphCache_Invalidate(t *testing.T) {
	var loads atomic.Int32
	cache := trellis.NewGraphCache(countingProvider(&loads, nil))

	if _, err := cache.Graph(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cache.Invalidate()
	if _, err := cache.Graph(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loads.Load() != 2 {
		t.Errorf("expected a rebuild after Invalidate, got %d loads", loads.Load())
	}
}

func TestGraphCache_ConcurrentAccessSingleLoad(t *testing.T) {
	var loads atomic.Int32
	slow := trellis.GraphProviderFunc(func(ctx context.Context) (*trellis.Graph, error) {
		time.Sleep(10 * time.Millisecond)
		return countingProvider(&loads, nil)(ctx)
	})
	cache := trellis.NewGraphCache(slow)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Graph(context.Background()); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if loads.Load() != 1 {
		t.Errorf("expected one load across concurrent callers, got %d", loads.Load())
	}
}
