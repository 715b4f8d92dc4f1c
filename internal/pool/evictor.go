package pool

import (
	"context"
	"sort"
	"time"
)

func (p *Pool[S]) startEvictor() {
	ctx, cancel := context.WithCancel(context.Background())
	p.stopEvictor = cancel
	p.evictorDone = make(chan struct{})

	go func() {
		defer close(p.evictorDone)
		ticker := time.NewTicker(p.cfg.EvictionInterval)
		defer ticker.Stop()

		p.logger.Info("Evictor started", map[string]interface{}{"interval": p.cfg.EvictionInterval.String()})
		for {
			select {
			case <-ctx.Done():
				p.logger.Info("Evictor stopped")
				return
			case <-ticker.C:
				p.Evict(ctx)
				p.EnsureMinIdle(ctx)
			}
		}
	}()
}

// Evict runs one eviction pass. It tests up to NumTestsPerEvictionRun idle
// sessions, oldest first, and destroys those idle longer than
// MinEvictableIdleTime while keeping MinIdle per key. It returns the number
// of sessions destroyed.
func (p *Pool[S]) Evict(ctx context.Context) int {
	if p.cfg.MinEvictableIdleTime <= 0 {
		return 0
	}
	now := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	keys := p.sortedKeysLocked()
	budget := p.cfg.NumTestsPerEvictionRun
	if budget <= 0 {
		budget = p.total
	}

	var victims []*idleVictim[S]
	// Rotate the starting key so every key gets tested over time.
	for i := 0; i < len(keys) && budget > 0; i++ {
		kp := p.keys[keys[(p.evictCursor+i)%len(keys)]]
		evicted := 0
		kept := kp.idle[:0]
		for _, e := range kp.idle {
			tested := budget > 0
			if tested {
				budget--
			}
			if tested && now.Sub(e.lastReturn) > p.cfg.MinEvictableIdleTime && len(kp.idle)-evicted > p.cfg.MinIdle {
				evicted++
				victims = append(victims, &idleVictim[S]{kp: kp, e: e})
				continue
			}
			kept = append(kept, e)
		}
		for j := len(kept); j < len(kp.idle); j++ {
			kp.idle[j] = nil
		}
		kp.idle = kept
		p.total -= evicted
	}
	if len(keys) > 0 {
		p.evictCursor = (p.evictCursor + 1) % len(keys)
	}
	p.mu.Unlock()

	for _, v := range victims {
		p.destroyIdle(ctx, v, "idle")
	}
	if len(victims) > 0 {
		p.logger.Info("Evicted idle sessions", map[string]interface{}{"count": len(victims)})
	}
	return len(victims)
}

// EnsureMinIdle creates idle sessions until every known key holds MinIdle,
// within MaxActive and MaxTotal.
func (p *Pool[S]) EnsureMinIdle(ctx context.Context) {
	if p.cfg.MinIdle <= 0 {
		return
	}
	p.mu.Lock()
	if !p.defCred.IsZero() {
		p.keyPoolLocked(p.defCred)
	}
	keys := p.sortedKeysLocked()
	p.mu.Unlock()

	for _, key := range keys {
		for {
			p.mu.Lock()
			kp := p.keys[key]
			if p.closed || len(kp.idle) >= p.cfg.MinIdle ||
				kp.active+len(kp.idle) >= p.cfg.MaxActive ||
				(p.cfg.MaxTotal > 0 && p.total >= p.cfg.MaxTotal) {
				p.mu.Unlock()
				break
			}
			kp.active++
			p.total++
			p.mu.Unlock()

			if !p.prefill(ctx, kp) {
				break
			}
		}
	}
}

// prefill creates one session for kp and parks it idle.
func (p *Pool[S]) prefill(ctx context.Context, kp *keyPool[S]) bool {
	if err := p.limiter.Wait(ctx, kp.key); err != nil {
		p.unreserve(kp)
		return false
	}
	s, err := p.factory.Make(ctx, kp.cred)
	if err != nil {
		p.unreserve(kp)
		p.logger.Warn("Failed to prefill idle session", map[string]interface{}{"key": kp.label, "error": err})
		return false
	}
	e := &entry[S]{session: s, key: kp.key, createdAt: time.Now()}
	if !p.validate(ctx, e) {
		p.destroy(ctx, kp, e, "validation")
		return false
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroy(ctx, kp, e, "closed")
		return false
	}
	kp.created++
	kp.active--
	e.lastReturn = time.Now()
	kp.idle = append(kp.idle, e)
	p.gaugeLocked(kp)
	p.notifyLocked()
	p.mu.Unlock()
	return true
}

func (p *Pool[S]) sortedKeysLocked() []string {
	keys := make([]string, 0, len(p.keys))
	for key := range p.keys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
