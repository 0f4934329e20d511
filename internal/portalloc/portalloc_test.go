package portalloc

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestAllocator(t *testing.T) (*Allocator, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return New(rdb, 30000, 30002, time.Hour), mr
}

func TestInitializePopulatesFreeRange(t *testing.T) {
	alloc, mr := newTestAllocator(t)
	ctx := context.Background()

	if err := alloc.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	count, _ := mr.ZCard(freeSet)
	if count != 3 {
		t.Fatalf("expected 3 free ports, got %d", count)
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	alloc, _ := newTestAllocator(t)
	ctx := context.Background()

	if err := alloc.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	port, err := alloc.Reserve(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	if err := alloc.Initialize(ctx); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}

	expired, err := alloc.Expired(ctx)
	if err != nil {
		t.Fatalf("Expired: %v", err)
	}
	for _, p := range expired {
		if p == port {
			t.Fatalf("reserved port %d should still be in-use after re-Initialize", port)
		}
	}
}

func TestReserveReturnsPortsInAscendingOrder(t *testing.T) {
	alloc, _ := newTestAllocator(t)
	ctx := context.Background()
	if err := alloc.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	var got []int
	for i := 0; i < 3; i++ {
		port, err := alloc.Reserve(ctx, time.Hour)
		if err != nil {
			t.Fatalf("Reserve #%d: %v", i, err)
		}
		got = append(got, port)
	}

	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("expected ascending ports, got %v", got)
		}
	}
}

func TestReserveFailsWhenExhausted(t *testing.T) {
	alloc, _ := newTestAllocator(t)
	ctx := context.Background()
	if err := alloc.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := alloc.Reserve(ctx, time.Hour); err != nil {
			t.Fatalf("Reserve #%d: %v", i, err)
		}
	}

	if _, err := alloc.Reserve(ctx, time.Hour); err == nil {
		t.Fatal("expected OutOfPorts error on the fourth reserve")
	}
}

func TestReleaseRoundTrip(t *testing.T) {
	alloc, mr := newTestAllocator(t)
	ctx := context.Background()
	if err := alloc.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	freeBefore, _ := mr.ZCard(freeSet)

	port, err := alloc.Reserve(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := alloc.Release(ctx, port); err != nil {
		t.Fatalf("Release: %v", err)
	}

	freeAfter, _ := mr.ZCard(freeSet)
	if freeAfter != freeBefore {
		t.Fatalf("expected free count to return to %d, got %d", freeBefore, freeAfter)
	}

	inUseAfter, _ := mr.ZCard(inUseSet)
	if inUseAfter != 0 {
		t.Fatalf("expected in-use set to be empty, got %d members", inUseAfter)
	}
}

func TestReleaseIsIdempotentForNeverReservedPort(t *testing.T) {
	alloc, _ := newTestAllocator(t)
	ctx := context.Background()
	if err := alloc.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if err := alloc.Release(ctx, 30000); err != nil {
		t.Fatalf("Release on never-reserved port: %v", err)
	}
}

func TestExtendAddsToExpiry(t *testing.T) {
	alloc, mr := newTestAllocator(t)
	ctx := context.Background()
	if err := alloc.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	port, err := alloc.Reserve(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	before, err := mr.ZScore(inUseSet, strconv.Itoa(port))
	if err != nil {
		t.Fatalf("ZScore before: %v", err)
	}

	if err := alloc.Extend(ctx, port, 300); err != nil {
		t.Fatalf("Extend: %v", err)
	}

	after, err := mr.ZScore(inUseSet, strconv.Itoa(port))
	if err != nil {
		t.Fatalf("ZScore after: %v", err)
	}

	if after != before+300 {
		t.Fatalf("expected expiry to grow by 300, got %v -> %v", before, after)
	}
}

func TestExtendFailsForPortNotInUse(t *testing.T) {
	alloc, _ := newTestAllocator(t)
	ctx := context.Background()
	if err := alloc.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if err := alloc.Extend(ctx, 30000, 60); err == nil {
		t.Fatal("expected InvalidPort error for a port that is not in-use")
	}
}

func TestExpiredReportsPastExpiryPorts(t *testing.T) {
	alloc, _ := newTestAllocator(t)
	ctx := context.Background()
	if err := alloc.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	port, err := alloc.Reserve(ctx, -time.Second)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	expired, err := alloc.Expired(ctx)
	if err != nil {
		t.Fatalf("Expired: %v", err)
	}

	found := false
	for _, p := range expired {
		if p == port {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected port %d to be reported expired, got %v", port, expired)
	}
}
