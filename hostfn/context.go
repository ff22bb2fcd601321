package hostfn

import (
	"sync"

	"go.uber.org/zap"

	wasmhost "github.com/plugbox/wasm-host"
	"github.com/plugbox/wasm-host/memory"
)

// Vars is the per-instance variable store host functions read and write.
// Implemented by the runtime package; scope is exactly the instance's
// lifetime.
type Vars interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte) error
	Delete(key string)
}

// CallContext is the per-instance environment handed to every host
// function invocation: the instance's memory manager, variable store,
// sandbox policy, collaborators, and call-scoped state such as the input
// block and the last host error.
type CallContext struct {
	Memory *memory.Manager
	Vars   Vars
	Policy *Policy
	Config map[string]string
	HTTP   wasmhost.HTTPFetcher
	Files  wasmhost.FileReader
	Writer wasmhost.FileWriter
	Log    *zap.Logger

	mu         sync.Mutex
	input      memory.Handle
	lastErr    error
	httpStatus int
}

// BeginCall installs the input block for the coming call and clears state
// left over from the previous one. Called by the runtime under the
// instance's call lock.
func (c *CallContext) BeginCall(input memory.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.input = input
	c.lastErr = nil
	c.httpStatus = 0
}

// Input returns the current call's input block handle.
func (c *CallContext) Input() memory.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.input
}

// LastHostError returns the most recent host-function failure of the
// current call, or nil.
func (c *CallContext) LastHostError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *CallContext) setHostError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
}

// HTTPStatus returns the status code of the current call's most recent
// http_request, 0 when none was made.
func (c *CallContext) HTTPStatus() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.httpStatus
}

func (c *CallContext) setHTTPStatus(status int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.httpStatus = status
}

func (c *CallContext) logger() *zap.Logger {
	if c.Log != nil {
		return c.Log
	}
	return zap.NewNop()
}
