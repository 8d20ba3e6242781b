package transport

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// ChaosConfig models an unreliable link for tests: the exact
// conditions the reliability layer exists to survive.
type ChaosConfig struct {
	// Probabilities [0..1]
	Loss    float64 // drop frame
	Dup     float64 // duplicate once
	Reorder float64 // add extra delay to cause reordering

	// Latency model
	BaseDelay time.Duration // fixed base latency
	Jitter    time.Duration // +/- jitter uniformly
	MaxQueue  int           // cap inbound queue to avoid memory blowups

	// Link toggle
	Up bool

	// Seed (optional). If 0, uses time.Now().UnixNano()
	Seed int64
}

// ChaosBinding wraps a Binding so both Send and RecvFrom pass through
// the chaos model.
type ChaosBinding struct {
	under Binding

	in     chan envelope
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	up atomic.Bool

	cfgMu sync.RWMutex
	cfg   ChaosConfig

	rngMu sync.Mutex
	rng   *rand.Rand
}

func WrapChaos(under Binding, cfg ChaosConfig) *ChaosBinding {
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 1024
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	cb := &ChaosBinding{
		under: under,
		in:    make(chan envelope, cfg.MaxQueue),
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
	}
	cb.up.Store(cfg.Up)

	cb.ctx, cb.cancel = context.WithCancel(context.Background())
	cb.wg.Add(1)
	go cb.pumpRecv()
	return cb
}

func (c *ChaosBinding) Kind() Kind      { return c.under.Kind() }
func (c *ChaosBinding) LocalAddr() Addr { return c.under.LocalAddr() }

func (c *ChaosBinding) Close() {
	c.cancel()
	c.under.Close()
	c.wg.Wait()
}

func (c *ChaosBinding) RecvFrom(ctx context.Context) (Addr, []byte, bool) {
	select {
	case <-ctx.Done():
		return "", nil, false
	case <-c.ctx.Done():
		return "", nil, false
	case env := <-c.in:
		return env.from, env.data, true
	}
}

func (c *ChaosBinding) Send(to Addr, frame []byte) error {
	if !c.up.Load() {
		// pretend the link is down: behave like an I/O error
		return ErrClosed
	}
	cfg := c.getCfg()

	// Drop?
	if c.roll() < cfg.Loss {
		return nil
	}

	deliver := func(p []byte, extraDelay time.Duration) {
		delay := c.delayWithJitter(cfg) + extraDelay
		if delay <= 0 {
			_ = c.under.Send(to, p)
			return
		}
		time.AfterFunc(delay, func() { _ = c.under.Send(to, p) })
	}

	deliver(clone(frame), 0)

	// Dup?
	if c.roll() < cfg.Dup {
		deliver(clone(frame), c.delayWithJitter(cfg))
	}
	return nil
}

func (c *ChaosBinding) pumpRecv() {
	defer c.wg.Done()
	for {
		from, frame, ok := c.under.RecvFrom(c.ctx)
		if !ok {
			return
		}
		cfg := c.getCfg()
		if c.roll() < cfg.Loss || !c.up.Load() {
			continue
		}

		extra := time.Duration(0)
		if c.roll() < cfg.Reorder {
			extra = c.delayWithJitter(cfg)
		}

		delay := c.delayWithJitter(cfg) + extra
		p := clone(frame)
		if delay <= 0 {
			select {
			case c.in <- envelope{from: from, data: p}:
			default:
				// drop if receiver queue full
			}
			continue
		}
		time.AfterFunc(delay, func() {
			select {
			case c.in <- envelope{from: from, data: p}:
			default:
				// drop if queue full
			}
		})
	}
}

func (c *ChaosBinding) SetUp(up bool)     { c.up.Store(up) }
func (c *ChaosBinding) SetLoss(p float64) { c.cfgMu.Lock(); c.cfg.Loss = clamp01(p); c.cfgMu.Unlock() }
func (c *ChaosBinding) SetDup(p float64)  { c.cfgMu.Lock(); c.cfg.Dup = clamp01(p); c.cfgMu.Unlock() }
func (c *ChaosBinding) SetReorder(p float64) {
	c.cfgMu.Lock()
	c.cfg.Reorder = clamp01(p)
	c.cfgMu.Unlock()
}

func (c *ChaosBinding) getCfg() ChaosConfig { c.cfgMu.RLock(); defer c.cfgMu.RUnlock(); return c.cfg }

func (c *ChaosBinding) delayWithJitter(cfg ChaosConfig) time.Duration {
	if cfg.Jitter <= 0 {
		return cfg.BaseDelay
	}
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	// uniform in [-Jitter, +Jitter]
	j := time.Duration(c.rng.Int63n(int64(cfg.Jitter)*2)) - cfg.Jitter
	return cfg.BaseDelay + j
}

func (c *ChaosBinding) roll() float64 {
	c.rngMu.Lock()
	x := c.rng.Float64()
	c.rngMu.Unlock()
	return x
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func clone(p []byte) []byte {
	q := make([]byte, len(p))
	copy(q, p)
	return q
}
