package provider

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wopa-project/wopa/config"
)

func poolWith(instances ...*Instance) *Pool {
	p := NewPool()
	for _, in := range instances {
		p.add(in)
	}
	return p
}

func TestAcquireLeastLoaded(t *testing.T) {
	a := NewInstance(KindLLMChat, "http://a", 4, nil)
	b := NewInstance(KindLLMChat, "http://b", 4, nil)
	p := poolWith(a, b)

	ctx := context.Background()
	first, err := p.Acquire(ctx, KindLLMChat)
	require.NoError(t, err)
	// Tie broken by lowest index.
	assert.Same(t, a, first)

	second, err := p.Acquire(ctx, KindLLMChat)
	require.NoError(t, err)
	assert.Same(t, b, second)

	// a and b now tied at 1; lowest index wins again.
	third, err := p.Acquire(ctx, KindLLMChat)
	require.NoError(t, err)
	assert.Same(t, a, third)
}

func TestAcquireSkipsUnhealthy(t *testing.T) {
	a := NewInstance(KindSandbox, "http://a", 1, nil)
	b := NewInstance(KindSandbox, "http://b", 1, nil)
	a.healthy.Store(false)
	p := poolWith(a, b)

	in, err := p.Acquire(context.Background(), KindSandbox)
	require.NoError(t, err)
	assert.Same(t, b, in)
}

func TestAcquireNoHealthyInstance(t *testing.T) {
	a := NewInstance(KindSandbox, "http://a", 1, nil)
	a.healthy.Store(false)
	p := poolWith(a)

	_, err := p.Acquire(context.Background(), KindSandbox)
	assert.True(t, errors.Is(err, ErrUnavailable))

	// Unregistered kind behaves the same.
	_, err = p.Acquire(context.Background(), KindEmulator)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestAcquireBlocksAtCapacity(t *testing.T) {
	a := NewInstance(KindLLMChat, "http://a", 1, nil)
	p := poolWith(a)

	ctx := context.Background()
	held, err := p.Acquire(ctx, KindLLMChat)
	require.NoError(t, err)

	got := make(chan *Instance)
	go func() {
		in, err := p.Acquire(ctx, KindLLMChat)
		require.NoError(t, err)
		got <- in
	}()

	select {
	case <-got:
		t.Fatal("acquire should block while instance is at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release(held)
	select {
	case in := <-got:
		assert.Same(t, a, in)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken after release")
	}
}

func TestAcquireWaiterCancelled(t *testing.T) {
	a := NewInstance(KindLLMChat, "http://a", 1, nil)
	p := poolWith(a)

	_, err := p.Acquire(context.Background(), KindLLMChat)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, KindLLMChat)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestInFlightRestoredAndCapped(t *testing.T) {
	a := NewInstance(KindLLMChat, "http://a", 1, nil)
	b := NewInstance(KindLLMChat, "http://b", 1, nil)
	p := poolWith(a, b)

	// 10 simultaneous callers over 2 capacity-1 instances: counters never
	// exceed capacity and all callers complete.
	served := map[string]int{}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			in, err := p.Acquire(context.Background(), KindLLMChat)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			if p.InFlight(in) > in.Capacity {
				t.Errorf("in_flight %d exceeds capacity %d", p.InFlight(in), in.Capacity)
			}
			served[in.Endpoint]++
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			p.Release(in)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, p.InFlight(a))
	assert.Equal(t, 0, p.InFlight(b))
	assert.Equal(t, 10, served["http://a"]+served["http://b"])
	// Least-loaded selection keeps the split fair.
	diff := served["http://a"] - served["http://b"]
	if diff < 0 {
		diff = -diff
	}
	assert.LessOrEqual(t, diff, 1)
}

func TestAcquireExcluding(t *testing.T) {
	a := NewInstance(KindLLMChat, "http://a", 1, nil)
	b := NewInstance(KindLLMChat, "http://b", 1, nil)
	p := poolWith(a, b)

	in, err := p.AcquireExcluding(context.Background(), KindLLMChat, a)
	require.NoError(t, err)
	assert.Same(t, b, in)

	// Excluding the only healthy instance leaves nothing.
	b.healthy.Store(false)
	_, err = p.AcquireExcluding(context.Background(), KindLLMChat, a)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestApplyRegistryPreservesLiveInstances(t *testing.T) {
	a := NewInstance(KindSandbox, "http://a", 1, nil)
	p := poolWith(a)

	held, err := p.Acquire(context.Background(), KindSandbox)
	require.NoError(t, err)
	assert.Same(t, a, held)

	p.ApplyRegistry(config.Registry{
		"sandbox": {
			{Endpoint: "http://a", Capacity: 2},
			{Endpoint: "http://b", Capacity: 1},
		},
	})

	// The surviving instance keeps its identity and in-flight count.
	assert.Equal(t, 1, p.InFlight(a))
	assert.Equal(t, 2, a.Capacity)

	snapshot := p.Snapshot()
	require.Len(t, snapshot[KindSandbox], 2)

	// Release on the originally selected instance still works after reload.
	p.Release(held)
	assert.Equal(t, 0, p.InFlight(a))
}

func TestApplyRegistryRemovedInstanceFinishes(t *testing.T) {
	a := NewInstance(KindSandbox, "http://a", 1, nil)
	p := poolWith(a)
	held, err := p.Acquire(context.Background(), KindSandbox)
	require.NoError(t, err)

	p.ApplyRegistry(config.Registry{
		"sandbox": {{Endpoint: "http://b", Capacity: 1}},
	})
	assert.Len(t, p.Snapshot()[KindSandbox], 1)

	// In-flight call against the removed instance completes; the release
	// is harmless.
	p.Release(held)

	next, err := p.Acquire(context.Background(), KindSandbox)
	require.NoError(t, err)
	assert.Equal(t, "http://b", next.Endpoint)
}

func TestPoolFromConfig(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Sandbox.Endpoints = []string{"http://sb-1", "http://sb-2"}
	cfg.Emulator.Endpoints = []string{"http://emu-1"}

	p := PoolFromConfig(cfg)
	snap := p.Snapshot()
	assert.Len(t, snap[KindLLMChat], 1)
	assert.Len(t, snap[KindLLMVision], 1)
	assert.Len(t, snap[KindSandbox], 2)
	assert.Len(t, snap[KindEmulator], 1)
}

func TestRecordProbeThreshold(t *testing.T) {
	in := NewInstance(KindLLMChat, "http://a", 1, nil)
	probeErr := errors.New("connection refused")

	in.recordProbe(probeErr, 3)
	in.recordProbe(probeErr, 3)
	assert.True(t, in.Healthy(), "below threshold stays healthy")

	in.recordProbe(probeErr, 3)
	assert.False(t, in.Healthy(), "third consecutive failure marks unhealthy")
	assert.Equal(t, 3, in.ConsecutiveFails())

	// One success restores.
	in.recordProbe(nil, 3)
	assert.True(t, in.Healthy())
	assert.Equal(t, 0, in.ConsecutiveFails())
	assert.False(t, in.LastCheck().IsZero())
}
