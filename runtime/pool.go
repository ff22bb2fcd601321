package runtime

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/plugbox/wasm-host/errors"
	"github.com/plugbox/wasm-host/manifest"
)

// Pool hands out plugin instances by key, bounded by a global instance
// cap. Get recycles an idle instance when one exists, builds a new one
// while under the cap, and otherwise blocks until an instance frees up or
// the context expires. Faulted instances are closed on Release, never
// recycled.
type Pool struct {
	rt *Runtime

	// sem holds one token per live instance, idle or checked out, so the
	// cap bounds existing instances rather than concurrent calls.
	sem    chan struct{}
	wakeup chan struct{}

	mu        sync.Mutex
	manifests map[string]*manifest.Manifest
	idle      map[string][]*Instance
	closed    bool
}

// NewPool creates a pool with at most maxInstances live instances across
// all keys.
func NewPool(rt *Runtime, maxInstances int) *Pool {
	if maxInstances < 1 {
		maxInstances = 1
	}
	return &Pool{
		rt:        rt,
		sem:       make(chan struct{}, maxInstances),
		wakeup:    make(chan struct{}, 1),
		manifests: make(map[string]*manifest.Manifest),
		idle:      make(map[string][]*Instance),
	}
}

// Register binds a key to a manifest. Duplicate keys are rejected so a
// key's identity cannot change under instances already pooled for it.
func (p *Pool) Register(key string, m *manifest.Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.manifests[key]; ok {
		return errors.Manifest(errors.KindDuplicate,
			fmt.Sprintf("pool key %q already registered", key), nil)
	}
	p.manifests[key] = m
	return nil
}

// Get returns an instance for key, waiting when the pool is at capacity
// with nothing idle. The caller must hand the instance back with Release.
func (p *Pool) Get(ctx context.Context, key string) (*Instance, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errors.Call(errors.KindInvalidInput, "pool is closed", nil)
		}
		m, ok := p.manifests[key]
		if !ok {
			p.mu.Unlock()
			return nil, errors.Manifest(errors.KindSource,
				fmt.Sprintf("pool key %q not registered", key), nil)
		}
		if n := len(p.idle[key]); n > 0 {
			inst := p.idle[key][n-1]
			p.idle[key] = p.idle[key][:n-1]
			p.mu.Unlock()
			return inst, nil
		}
		p.mu.Unlock()

		select {
		case p.sem <- struct{}{}:
			inst, err := p.rt.NewInstance(ctx, m)
			if err != nil {
				<-p.sem
				return nil, err
			}
			return inst, nil

		case <-p.wakeup:
			// An instance went idle; loop and try to claim it.

		case <-ctx.Done():
			return nil, errors.Timeout(
				fmt.Sprintf("waiting for a pool slot for %q", key), ctx.Err())
		}
	}
}

// Release returns an instance obtained from Get. Healthy instances go
// back on the idle list; faulted ones are closed and their slot freed for
// a fresh build.
func (p *Pool) Release(ctx context.Context, key string, inst *Instance) {
	if inst.State() == StateFaulted {
		p.rt.opts.Log.Debug("discarding faulted pool instance",
			zap.String("key", key), zap.String("plugin", inst.Name()))
		inst.Close(ctx)
		<-p.sem
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		inst.Close(ctx)
		<-p.sem
		return
	}
	p.idle[key] = append(p.idle[key], inst)
	p.mu.Unlock()

	select {
	case p.wakeup <- struct{}{}:
	default:
	}
}

// Live returns the number of existing instances, idle or checked out.
func (p *Pool) Live() int {
	return len(p.sem)
}

// Close shuts the pool and closes every idle instance. Checked-out
// instances are closed when their holders Release them.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = make(map[string][]*Instance)
	p.mu.Unlock()

	var firstErr error
	for _, list := range idle {
		for _, inst := range list {
			if err := inst.Close(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
			<-p.sem
		}
	}
	return firstErr
}
