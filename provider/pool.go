// Package provider implements the backend-facing tier: it routes LLM,
// sandbox and emulator calls to concrete instances, maintains the instance
// pool with least-loaded selection, probes health and handles fallback.
package provider

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/wopa-project/wopa/config"
)

// Kind identifies a class of backend instances.
type Kind string

const (
	KindLLMChat   Kind = "llm_chat"
	KindLLMVision Kind = "llm_vision"
	KindSandbox   Kind = "sandbox"
	KindEmulator  Kind = "emulator"
)

// AllKinds lists the pooled provider kinds.
func AllKinds() []Kind {
	return []Kind{KindLLMChat, KindLLMVision, KindSandbox, KindEmulator}
}

// ErrUnavailable is returned when a kind has no healthy instance.
var ErrUnavailable = errors.New("unavailable")

// Instance is one concrete backend endpoint. Health flags are atomics so the
// prober never takes the pool lock; the in-flight counter is guarded by the
// pool mutex because selection must read it consistently.
type Instance struct {
	Kind     Kind
	Endpoint string
	Capacity int
	Metadata map[string]string

	inFlight  int
	healthy   atomic.Bool
	fails     atomic.Int32
	lastCheck atomic.Int64 // unix nanos of last probe
}

// NewInstance creates an instance that starts healthy; the prober demotes it
// after consecutive failures.
func NewInstance(kind Kind, endpoint string, capacity int, metadata map[string]string) *Instance {
	if capacity <= 0 {
		capacity = 1
	}
	in := &Instance{Kind: kind, Endpoint: endpoint, Capacity: capacity, Metadata: metadata}
	in.healthy.Store(true)
	return in
}

// Healthy reports the current probe verdict.
func (in *Instance) Healthy() bool { return in.healthy.Load() }

// LastCheck returns the time of the last health probe, zero if never probed.
func (in *Instance) LastCheck() time.Time {
	ns := in.lastCheck.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// ConsecutiveFails returns the current probe failure streak.
func (in *Instance) ConsecutiveFails() int { return int(in.fails.Load()) }

// recordProbe folds one probe outcome into the health state: `threshold`
// consecutive failures mark unhealthy, a single success restores.
func (in *Instance) recordProbe(err error, threshold int) {
	in.lastCheck.Store(time.Now().UnixNano())
	if err == nil {
		in.fails.Store(0)
		in.healthy.Store(true)
		return
	}
	if int(in.fails.Add(1)) >= threshold {
		in.healthy.Store(false)
	}
}

// InstanceStatus is the externally visible instance state.
type InstanceStatus struct {
	Kind             Kind              `json:"kind"`
	Endpoint         string            `json:"endpoint"`
	Capacity         int               `json:"capacity"`
	InFlight         int               `json:"in_flight"`
	Healthy          bool              `json:"healthy"`
	ConsecutiveFails int               `json:"consecutive_fails"`
	LastCheck        time.Time         `json:"last_check,omitzero"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Pool holds the per-kind ordered instance lists. Acquire blocks while all
// healthy instances of a kind are at capacity; it fails fast when the kind
// has no healthy instance at all.
type Pool struct {
	mu        sync.Mutex
	cond      *sync.Cond
	instances map[Kind][]*Instance
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	p := &Pool{instances: make(map[Kind][]*Instance)}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// PoolFromConfig seeds a pool from static configuration. LLM chat and vision
// share the configured LLM endpoint; sandbox and emulator lists come from
// their endpoint arrays. The registry file, when present, is applied on top.
func PoolFromConfig(cfg *config.Config) *Pool {
	p := NewPool()
	if cfg.LLM.Endpoint != "" {
		p.add(NewInstance(KindLLMChat, cfg.LLM.Endpoint, 1, nil))
		p.add(NewInstance(KindLLMVision, cfg.LLM.Endpoint, 1, nil))
	}
	for _, ep := range cfg.Sandbox.Endpoints {
		p.add(NewInstance(KindSandbox, ep, 1, nil))
	}
	for _, ep := range cfg.Emulator.Endpoints {
		p.add(NewInstance(KindEmulator, ep, 1, nil))
	}
	return p
}

func (p *Pool) add(in *Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.instances[in.Kind] = append(p.instances[in.Kind], in)
}

// Acquire selects the least-loaded healthy instance of a kind, breaking ties
// by lowest index, and increments its in-flight counter. When every healthy
// instance is at capacity it waits for a release or context expiry. It
// returns ErrUnavailable immediately when the kind has no healthy instance.
func (p *Pool) Acquire(ctx context.Context, kind Kind) (*Instance, error) {
	return p.acquire(ctx, kind, nil)
}

// AcquireExcluding behaves like Acquire but never returns `exclude`; used
// for the one-retry fallback to a different instance.
func (p *Pool) AcquireExcluding(ctx context.Context, kind Kind, exclude *Instance) (*Instance, error) {
	return p.acquire(ctx, kind, exclude)
}

func (p *Pool) acquire(ctx context.Context, kind Kind, exclude *Instance) (*Instance, error) {
	// Wake waiters when the caller gives up.
	stop := context.AfterFunc(ctx, func() { p.cond.Broadcast() })
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var best *Instance
		healthy := 0
		for _, in := range p.instances[kind] {
			if in == exclude || !in.Healthy() {
				continue
			}
			healthy++
			if in.inFlight < in.Capacity && (best == nil || in.inFlight < best.inFlight) {
				best = in
			}
		}
		if healthy == 0 {
			return nil, errors.Wrap(ErrUnavailable, string(kind))
		}
		if best != nil {
			best.inFlight++
			return best, nil
		}
		p.cond.Wait()
	}
}

// Release returns an instance slot to the pool. Safe to call for instances
// removed by a registry reload; their in-flight call simply completes.
func (p *Pool) Release(in *Instance) {
	p.mu.Lock()
	if in.inFlight > 0 {
		in.inFlight--
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

// InFlight returns the current in-flight count of an instance.
func (p *Pool) InFlight(in *Instance) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return in.inFlight
}

// HasHealthy reports whether at least one healthy instance of kind exists.
func (p *Pool) HasHealthy(kind Kind) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, in := range p.instances[kind] {
		if in.Healthy() {
			return true
		}
	}
	return false
}

// ApplyRegistry swaps the pool contents to match a registry snapshot.
// Instances whose kind and endpoint survive the reload keep their identity,
// so in-flight calls and health state carry over; removed instances are
// dropped from selection but finish their current calls.
func (p *Pool) ApplyRegistry(reg config.Registry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	existing := make(map[string]*Instance)
	for kind, list := range p.instances {
		for _, in := range list {
			existing[string(kind)+"|"+in.Endpoint] = in
		}
	}

	next := make(map[Kind][]*Instance)
	for kindName, entries := range reg {
		kind := Kind(kindName)
		for _, e := range entries {
			if prev, ok := existing[kindName+"|"+e.Endpoint]; ok {
				prev.Capacity = e.Capacity
				prev.Metadata = e.Metadata
				next[kind] = append(next[kind], prev)
				continue
			}
			next[kind] = append(next[kind], NewInstance(kind, e.Endpoint, e.Capacity, e.Metadata))
		}
	}
	p.instances = next
	p.cond.Broadcast()
}

// Snapshot returns the status of every registered instance, grouped by kind
// in registration order.
func (p *Pool) Snapshot() map[Kind][]InstanceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[Kind][]InstanceStatus, len(p.instances))
	for kind, list := range p.instances {
		statuses := make([]InstanceStatus, 0, len(list))
		for _, in := range list {
			statuses = append(statuses, InstanceStatus{
				Kind:             kind,
				Endpoint:         in.Endpoint,
				Capacity:         in.Capacity,
				InFlight:         in.inFlight,
				Healthy:          in.Healthy(),
				ConsecutiveFails: in.ConsecutiveFails(),
				LastCheck:        in.LastCheck(),
				Metadata:         in.Metadata,
			})
		}
		out[kind] = statuses
	}
	return out
}

// Instances returns the live instances of one kind, for the prober.
func (p *Pool) Instances(kind Kind) []*Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Instance(nil), p.instances[kind]...)
}
