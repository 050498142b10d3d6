package provider

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/wopa-project/wopa/config"
)

// ProbeFunc checks one instance and returns nil when it is serving.
type ProbeFunc func(ctx context.Context, in *Instance) error

// Prober runs the background health probes for every pooled kind on a
// single scheduler goroutine per kind. Consecutive failures past the
// configured threshold mark an instance unhealthy; one success restores it.
type Prober struct {
	pool   *Pool
	cfg    *config.Config
	probes map[Kind]ProbeFunc
	// limiter paces probe traffic so a large pool does not burst its
	// backends at tick time.
	limiter *rate.Limiter
	cancel  context.CancelFunc
}

// NewProber creates a prober over the pool with per-kind probe functions.
func NewProber(pool *Pool, cfg *config.Config, probes map[Kind]ProbeFunc) *Prober {
	return &Prober{
		pool:    pool,
		cfg:     cfg,
		probes:  probes,
		limiter: rate.NewLimiter(rate.Limit(10), 10),
	}
}

// Start launches one probe loop per kind. Call Stop to shut down.
func (p *Prober) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	running := 0
	for kind, probe := range p.probes {
		running++
		go p.loop(ctx, kind, probe)
	}
	slog.Info("prober: started", "kinds", running)
}

// Stop terminates all probe loops.
func (p *Prober) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Prober) loop(ctx context.Context, kind Kind, probe ProbeFunc) {
	settings := p.cfg.ProbeFor(string(kind))
	ticker := time.NewTicker(time.Duration(settings.IntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx, kind, probe, settings)
		}
	}
}

// sweep probes every instance of one kind once.
func (p *Prober) sweep(ctx context.Context, kind Kind, probe ProbeFunc, settings config.HealthProbe) {
	for _, in := range p.pool.Instances(kind) {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		probeCtx, cancel := context.WithTimeout(ctx, time.Duration(settings.TimeoutSeconds)*time.Second)
		err := probe(probeCtx, in)
		cancel()

		wasHealthy := in.Healthy()
		in.recordProbe(err, settings.UnhealthyThreshold)

		switch {
		case err != nil && wasHealthy && !in.Healthy():
			slog.Warn("prober: instance marked unhealthy",
				"kind", kind,
				"endpoint", in.Endpoint,
				"consecutive_fails", in.ConsecutiveFails(),
				"error", err)
		case err == nil && !wasHealthy:
			slog.Info("prober: instance restored", "kind", kind, "endpoint", in.Endpoint)
		case err != nil:
			slog.Debug("prober: probe failed",
				"kind", kind,
				"endpoint", in.Endpoint,
				"consecutive_fails", in.ConsecutiveFails(),
				"error", err)
		}
	}
}
