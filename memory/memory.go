// Package memory implements the canonical ABI of the plugin host: an arena
// of guest-linear-memory blocks addressed by opaque handles. Data crosses
// the host/guest boundary only as (offset, length) integer pairs; neither
// side ever holds a native pointer into the other's space.
package memory

import (
	"sync"

	"github.com/plugbox/wasm-host/errors"
)

// pageSize is the WebAssembly linear memory page size in bytes.
const pageSize = 65536

// blockAlign keeps every block 8-byte aligned so guests can overlay
// multi-byte values without unaligned access.
const blockAlign = 8

// Handle identifies one memory block: the block's offset in the high 32
// bits and its length in the low 32 bits. The zero handle is the empty
// block, always valid.
type Handle uint64

// NewHandle packs an (offset, length) pair into a Handle.
func NewHandle(offset, length uint32) Handle {
	return Handle(uint64(offset)<<32 | uint64(length))
}

// Offset returns the block's offset into guest linear memory.
func (h Handle) Offset() uint32 { return uint32(h >> 32) }

// Length returns the block's length in bytes.
func (h Handle) Length() uint32 { return uint32(h) }

// Linear is the subset of the engine's memory API the manager needs.
// wazero's api.Memory satisfies it.
type Linear interface {
	Size() uint32
	Grow(deltaPages uint32) (previousPages uint32, ok bool)
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, v []byte) bool
}

type block struct {
	offset   uint32
	length   uint32
	retained bool
}

// Manager owns the block arena of exactly one plugin instance. The arena
// starts at the linear-memory size observed at Attach and grows the memory
// as blocks are allocated. Growing may relocate the underlying buffer but
// never invalidates previously issued offsets.
type Manager struct {
	mem    Linear
	blocks map[Handle]*block
	base   uint32
	next   uint32
	mu     sync.Mutex
}

// NewManager creates an unattached manager. Attach must be called with the
// instance's linear memory before any allocation.
func NewManager() *Manager {
	return &Manager{blocks: make(map[Handle]*block)}
}

// Attach binds the manager to the instance's linear memory and places the
// arena floor at the current memory size, past the guest's own data.
func (m *Manager) Attach(mem Linear) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mem = mem
	m.base = mem.Size()
	m.next = m.base
}

// Allocate reserves length bytes of guest linear memory, growing it as
// needed, and records the region under a fresh handle. A zero length
// returns the zero handle.
func (m *Manager) Allocate(length uint32) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocate(length)
}

func (m *Manager) allocate(length uint32) (Handle, error) {
	if m.mem == nil {
		return 0, errors.Call(errors.KindInvalidInput, "no linear memory attached", nil)
	}
	if length == 0 {
		return 0, nil
	}

	offset := (m.next + blockAlign - 1) &^ (blockAlign - 1)
	end := offset + length
	if end < offset {
		return 0, errors.OutOfMemory("allocation overflows 32-bit address space")
	}

	if size := m.mem.Size(); end > size {
		deltaPages := (end - size + pageSize - 1) / pageSize
		if _, ok := m.mem.Grow(deltaPages); !ok {
			return 0, errors.OutOfMemory("linear memory grow rejected by page limit")
		}
	}

	h := NewHandle(offset, length)
	m.blocks[h] = &block{offset: offset, length: length}
	m.next = end
	return h, nil
}

// Store allocates a block and writes b into it.
func (m *Manager) Store(b []byte) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, err := m.allocate(uint32(len(b)))
	if err != nil {
		return 0, err
	}
	if len(b) == 0 {
		return h, nil
	}
	if !m.mem.Write(h.Offset(), b) {
		delete(m.blocks, h)
		return 0, errors.OutOfMemory("write past linear memory bound")
	}
	return h, nil
}

// Load reads back the exact contents of a live block. Operating on a freed
// or unknown handle fails with invalid_handle; the zero handle loads as an
// empty payload.
func (m *Manager) Load(h Handle) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h == 0 {
		return nil, nil
	}
	if _, ok := m.blocks[h]; !ok {
		return nil, errors.InvalidHandle(h.Offset(), h.Length())
	}
	return m.read(h.Offset(), h.Length())
}

// LoadRegion reads an (offset, length) pair handed back by guest code. The
// region must be a live block or lie entirely inside one; anything else
// fails with invalid_handle. Guests commonly return a sub-slice of a block
// they allocated through the alloc host function.
func (m *Manager) LoadRegion(h Handle) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h == 0 {
		return nil, nil
	}
	if _, ok := m.blocks[h]; ok {
		return m.read(h.Offset(), h.Length())
	}
	off, length := h.Offset(), h.Length()
	for _, blk := range m.blocks {
		if off >= blk.offset && off+length <= blk.offset+blk.length && off+length >= off {
			return m.read(off, length)
		}
	}
	return nil, errors.InvalidHandle(off, length)
}

func (m *Manager) read(offset, length uint32) ([]byte, error) {
	view, ok := m.mem.Read(offset, length)
	if !ok {
		return nil, errors.InvalidHandle(offset, length)
	}
	// The engine returns a view into linear memory; copy so the caller's
	// bytes survive later growth or reset.
	out := make([]byte, length)
	copy(out, view)
	return out, nil
}

// Free releases a block. Freeing an unknown or already-freed handle is a
// no-op, never a fault; subsequent loads of the handle fail.
func (m *Manager) Free(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocks, h)
}

// Retain marks a block to survive Reset, for results that must outlive the
// call that produced them.
func (m *Manager) Retain(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	blk, ok := m.blocks[h]
	if !ok {
		return errors.InvalidHandle(h.Offset(), h.Length())
	}
	blk.retained = true
	return nil
}

// Reset frees every non-retained block and rewinds the bump pointer,
// bounding memory growth across repeated calls. Retained blocks pin the
// arena floor until they are freed.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.base
	for h, blk := range m.blocks {
		if !blk.retained {
			delete(m.blocks, h)
			continue
		}
		if end := blk.offset + blk.length; end > next {
			next = end
		}
	}
	m.next = next
}

// LiveBlocks returns the number of currently tracked blocks.
func (m *Manager) LiveBlocks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocks)
}
