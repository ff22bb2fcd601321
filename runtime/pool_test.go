package runtime

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/plugbox/wasm-host/errors"
)

func newTestPool(t *testing.T, maxInstances int) *Pool {
	t.Helper()
	rt := newTestRuntime(t, nil)
	p := NewPool(rt, maxInstances)
	t.Cleanup(func() { p.Close(context.Background()) })
	return p
}

func TestPoolRecyclesInstances(t *testing.T) {
	p := newTestPool(t, 4)
	if err := p.Register("adder", bytesManifest(addModule())); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	first, err := p.Get(ctx, "adder")
	if err != nil {
		t.Fatal(err)
	}
	p.Release(ctx, "adder", first)

	second, err := p.Get(ctx, "adder")
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release(ctx, "adder", second)

	if first != second {
		t.Fatal("idle instance was not recycled")
	}
	if got := p.Live(); got != 1 {
		t.Fatalf("Live() = %d, want 1", got)
	}
}

func TestPoolNeverExceedsBound(t *testing.T) {
	const maxInstances = 4
	p := newTestPool(t, maxInstances)
	if err := p.Register("adder", bytesManifest(addModule())); err != nil {
		t.Fatal(err)
	}

	input := make([]byte, 8)
	binary.LittleEndian.PutUint32(input[0:], 20)
	binary.LittleEndian.PutUint32(input[4:], 22)

	var wg sync.WaitGroup
	failures := make(chan error, 64)
	for g := 0; g < 32; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			for n := 0; n < 5; n++ {
				inst, err := p.Get(ctx, "adder")
				if err != nil {
					failures <- err
					return
				}
				if live := p.Live(); live > maxInstances {
					failures <- errors.Limit(errors.PhaseCall, "pool exceeded bound")
					p.Release(ctx, "adder", inst)
					return
				}
				out, err := inst.Call(ctx, "add", input)
				p.Release(ctx, "adder", inst)
				if err != nil {
					failures <- err
					return
				}
				if binary.LittleEndian.Uint32(out) != 42 {
					failures <- errors.Limit(errors.PhaseCall, "wrong result")
					return
				}
			}
		}()
	}
	wg.Wait()
	close(failures)
	for err := range failures {
		t.Fatal(err)
	}
}

func TestPoolDiscardsFaultedInstances(t *testing.T) {
	p := newTestPool(t, 2)
	if err := p.Register("crasher", bytesManifest(crashModule())); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	inst, err := p.Get(ctx, "crasher")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := inst.Call(ctx, "crash", nil); !stderrors.Is(err, errors.ErrTrap) {
		t.Fatalf("err = %v, want trap", err)
	}
	p.Release(ctx, "crasher", inst)

	if got := p.Live(); got != 0 {
		t.Fatalf("Live() = %d after discarding faulted instance, want 0", got)
	}

	fresh, err := p.Get(ctx, "crasher")
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release(ctx, "crasher", fresh)
	if fresh == inst {
		t.Fatal("faulted instance was recycled")
	}
	if fresh.State() != StateReady {
		t.Fatalf("fresh instance state = %s", fresh.State())
	}
}

func TestPoolGetBlocksUntilTimeout(t *testing.T) {
	p := newTestPool(t, 1)
	if err := p.Register("adder", bytesManifest(addModule())); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	inst, err := p.Get(ctx, "adder")
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release(ctx, "adder", inst)

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := p.Get(waitCtx, "adder"); !stderrors.Is(err, errors.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
}

func TestPoolKeyRegistration(t *testing.T) {
	p := newTestPool(t, 2)
	m := bytesManifest(addModule())

	if err := p.Register("adder", m); err != nil {
		t.Fatal(err)
	}
	if err := p.Register("adder", m); err == nil {
		t.Fatal("duplicate key accepted")
	}
	if _, err := p.Get(context.Background(), "unknown"); err == nil {
		t.Fatal("unknown key served")
	}
}

func TestPoolClose(t *testing.T) {
	rt := newTestRuntime(t, nil)
	p := NewPool(rt, 2)
	if err := p.Register("adder", bytesManifest(addModule())); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	inst, err := p.Get(ctx, "adder")
	if err != nil {
		t.Fatal(err)
	}
	p.Release(ctx, "adder", inst)

	if err := p.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if got := p.Live(); got != 0 {
		t.Fatalf("Live() = %d after close, want 0", got)
	}
	if _, err := p.Get(ctx, "adder"); err == nil {
		t.Fatal("closed pool served an instance")
	}
}
