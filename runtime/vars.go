package runtime

import (
	"fmt"
	"sync"

	"github.com/plugbox/wasm-host/errors"
)

// varStore is the per-instance variable store. Variables persist across
// calls on the same instance and die with it; a total-size cap bounds
// runaway guest writes.
type varStore struct {
	m        map[string][]byte
	maxBytes int
	used     int
	mu       sync.Mutex
}

func newVarStore(maxBytes int) *varStore {
	return &varStore{m: make(map[string][]byte), maxBytes: maxBytes}
}

func (v *varStore) Get(key string) ([]byte, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	b, ok := v.m[key]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, true
}

func (v *varStore) Set(key string, value []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	next := v.used + len(key) + len(value)
	if old, ok := v.m[key]; ok {
		next -= len(key) + len(old)
	}
	if next > v.maxBytes {
		return errors.Limit(errors.PhaseHost,
			fmt.Sprintf("variable store full: %d of %d bytes used, %d more requested",
				v.used, v.maxBytes, len(key)+len(value)))
	}

	v.m[key] = append([]byte(nil), value...)
	v.used = next
	return nil
}

func (v *varStore) Delete(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if old, ok := v.m[key]; ok {
		v.used -= len(key) + len(old)
		delete(v.m, key)
	}
}

func (v *varStore) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.m)
}
