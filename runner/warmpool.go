package runner

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/convergelabs/modelgate/core"
	"github.com/convergelabs/modelgate/models"
	"github.com/convergelabs/modelgate/telemetry"
)

// PoolConfig configures the warm pool
type PoolConfig struct {
	MaxSize int
	IdleTTL time.Duration
	Clock   core.Clock
	Logger  core.Logger
}

// Pool caches loaded runners keyed by (model, version, runner name).
// It guarantees at most one runner per key, at most one concurrent
// load per key (waiters coalesce onto the in-flight load), LRU
// eviction beyond MaxSize and staleness eviction after IdleTTL.
type Pool struct {
	factory *Factory
	maxSize int
	idleTTL time.Duration
	clock   core.Clock
	logger  core.Logger

	mu      sync.Mutex
	entries map[string]*poolEntry
	loading map[string]*loadCall
	lru     *list.List // front = most recently used; values are *poolEntry

	janitorStop chan struct{}
	stopped     bool
}

type poolEntry struct {
	key      Key
	runner   Runner
	lastUsed time.Time
	elem     *list.Element

	// borrow grants the exclusive lease; capacity 1
	borrow chan struct{}
}

// loadCall coalesces concurrent loads for one key. A failed load is
// surfaced to every waiter and never cached.
type loadCall struct {
	done   chan struct{}
	runner Runner
	err    error
}

// NewPool creates a warm pool backed by the factory
func NewPool(factory *Factory, cfg PoolConfig) *Pool {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 4
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	p := &Pool{
		factory:     factory,
		maxSize:     cfg.MaxSize,
		idleTTL:     cfg.IdleTTL,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		entries:     make(map[string]*poolEntry),
		loading:     make(map[string]*loadCall),
		lru:         list.New(),
		janitorStop: make(chan struct{}),
	}
	if p.idleTTL > 0 {
		go p.janitor()
	}
	return p
}

// GetOrCreate returns the cached runner for the key, or loads it.
// Concurrent callers for the same key await the single in-flight load.
func (p *Pool) GetOrCreate(ctx context.Context, manifest models.Manifest, runnerName, device string) (Runner, error) {
	key := Key{ModelID: manifest.ModelID, Version: manifest.Version, RunnerName: runnerName}
	ks := key.String()

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, core.NewGatewayError(core.KindInternal, "pool.GetOrCreate", core.ErrShuttingDown)
	}
	if e, ok := p.entries[ks]; ok {
		p.touchLocked(e)
		p.mu.Unlock()
		telemetry.Counter("pool.hit", "runner_key", ks)
		return e.runner, nil
	}
	if call, ok := p.loading[ks]; ok {
		p.mu.Unlock()
		telemetry.Counter("pool.coalesced", "runner_key", ks)
		return awaitLoad(ctx, call)
	}

	call := &loadCall{done: make(chan struct{})}
	p.loading[ks] = call
	p.mu.Unlock()

	telemetry.Counter("pool.miss", "runner_key", ks)
	p.logger.Info("Loading runner", map[string]interface{}{
		"operation":  "runner_load",
		"runner_key": ks,
		"format":     manifest.Format,
		"device":     device,
	})

	start := p.clock()
	r, err := p.factory.Build(ctx, manifest, runnerName, device)

	var evicted []*poolEntry
	p.mu.Lock()
	delete(p.loading, ks)
	if err == nil {
		e := &poolEntry{
			key:      key,
			runner:   r,
			lastUsed: p.clock(),
			borrow:   make(chan struct{}, 1),
		}
		e.elem = p.lru.PushFront(e)
		p.entries[ks] = e
		evicted = p.evictOverflowLocked()
	}
	call.runner, call.err = r, err
	close(call.done)
	p.mu.Unlock()

	for _, e := range evicted {
		p.closeEntry(e, "lru_overflow")
	}

	if err != nil {
		p.logger.Error("Runner load failed", map[string]interface{}{
			"operation":  "runner_load_failed",
			"runner_key": ks,
			"error":      err.Error(),
		})
		telemetry.RecordError("pool.load", string(core.KindOf(err)), "runner_key", ks)
		return nil, err
	}

	telemetry.Histogram("pool.load.duration_ms",
		float64(p.clock().Sub(start).Milliseconds()), "runner_key", ks)
	return r, nil
}

func awaitLoad(ctx context.Context, call *loadCall) (Runner, error) {
	select {
	case <-call.done:
		return call.runner, call.err
	case <-ctx.Done():
		return nil, core.NewGatewayError(core.KindOf(ctx.Err()), "pool.GetOrCreate", ctx.Err())
	}
}

// Lease is an exclusive borrow of a pooled runner for one inference
// call. Release returns the runner to the pool on every exit path.
type Lease struct {
	pool    *Pool
	entry   *poolEntry
	release sync.Once
}

// Runner returns the borrowed runner
func (l *Lease) Runner() Runner {
	return l.entry.runner
}

// Release ends the borrow. Safe to call more than once.
func (l *Lease) Release() {
	l.release.Do(func() {
		l.pool.mu.Lock()
		l.entry.lastUsed = l.pool.clock()
		if l.entry.elem != nil {
			l.pool.lru.MoveToFront(l.entry.elem)
		}
		l.pool.mu.Unlock()
		<-l.entry.borrow
	})
}

// Acquire returns a ready runner under an exclusive lease, loading it
// first if needed. Blocks while another request holds the same runner.
func (p *Pool) Acquire(ctx context.Context, manifest models.Manifest, runnerName, device string) (*Lease, error) {
	if _, err := p.GetOrCreate(ctx, manifest, runnerName, device); err != nil {
		return nil, err
	}

	ks := Key{ModelID: manifest.ModelID, Version: manifest.Version, RunnerName: runnerName}.String()
	p.mu.Lock()
	e, ok := p.entries[ks]
	p.mu.Unlock()
	if !ok {
		// Evicted between load and borrow; treat as transient
		return nil, core.Errorf(core.KindProviderTransient, "pool.Acquire",
			"runner %s evicted before lease", ks)
	}

	select {
	case e.borrow <- struct{}{}:
		return &Lease{pool: p, entry: e}, nil
	case <-ctx.Done():
		return nil, core.NewGatewayError(core.KindOf(ctx.Err()), "pool.Acquire", ctx.Err())
	}
}

// Prewarm loads the given keys in the background. Errors are logged,
// never raised.
func (p *Pool) Prewarm(ctx context.Context, manifests []models.Manifest, runnerName, device string) {
	for _, m := range manifests {
		m := m
		go func() {
			if _, err := p.GetOrCreate(ctx, m, runnerName, device); err != nil {
				p.logger.Warn("Prewarm failed", map[string]interface{}{
					"operation": "pool_prewarm",
					"model_id":  m.ModelID,
					"version":   m.Version,
					"error":     err.Error(),
				})
			}
		}()
	}
}

// Close evicts and releases the runner for a key. Used by admin
// eviction; in-flight leases finish before the close completes.
func (p *Pool) Close(key Key) error {
	p.mu.Lock()
	e, ok := p.entries[key.String()]
	if ok {
		p.removeLocked(e)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	p.closeEntry(e, "explicit")
	return nil
}

// Shutdown stops the janitor and closes every pooled runner
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.janitorStop)
	all := make([]*poolEntry, 0, len(p.entries))
	for _, e := range p.entries {
		all = append(all, e)
	}
	p.entries = make(map[string]*poolEntry)
	p.lru.Init()
	p.mu.Unlock()

	for _, e := range all {
		e.elem = nil
		p.closeEntry(e, "shutdown")
	}
}

// Size returns the number of pooled runners
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// touchLocked moves an entry to the front of the LRU; callers hold p.mu
func (p *Pool) touchLocked(e *poolEntry) {
	e.lastUsed = p.clock()
	p.lru.MoveToFront(e.elem)
}

// evictOverflowLocked trims the LRU tail beyond maxSize; callers hold
// p.mu and close the returned entries outside the lock
func (p *Pool) evictOverflowLocked() []*poolEntry {
	var evicted []*poolEntry
	for len(p.entries) > p.maxSize {
		tail := p.lru.Back()
		if tail == nil {
			break
		}
		e := tail.Value.(*poolEntry)
		p.removeLocked(e)
		evicted = append(evicted, e)
	}
	return evicted
}

func (p *Pool) removeLocked(e *poolEntry) {
	delete(p.entries, e.key.String())
	if e.elem != nil {
		p.lru.Remove(e.elem)
		e.elem = nil
	}
}

// closeEntry closes a runner after any in-flight lease drains
func (p *Pool) closeEntry(e *poolEntry, reason string) {
	go func() {
		e.borrow <- struct{}{}
		if err := e.runner.Close(); err != nil {
			p.logger.Warn("Runner close failed", map[string]interface{}{
				"operation":  "runner_close",
				"runner_key": e.key.String(),
				"reason":     reason,
				"error":      err.Error(),
			})
		} else {
			p.logger.Info("Runner evicted", map[string]interface{}{
				"operation":  "runner_evicted",
				"runner_key": e.key.String(),
				"reason":     reason,
			})
		}
		telemetry.Counter("pool.evicted", "runner_key", e.key.String(), "reason", reason)
	}()
}

// janitor evicts runners idle beyond the TTL
func (p *Pool) janitor() {
	interval := p.idleTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.janitorStop:
			return
		case <-ticker.C:
			now := p.clock()
			var stale []*poolEntry
			p.mu.Lock()
			for _, e := range p.entries {
				if now.Sub(e.lastUsed) >= p.idleTTL {
					stale = append(stale, e)
				}
			}
			for _, e := range stale {
				p.removeLocked(e)
			}
			p.mu.Unlock()
			for _, e := range stale {
				p.closeEntry(e, "idle_ttl")
			}
		}
	}
}
