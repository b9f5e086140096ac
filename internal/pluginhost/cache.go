package pluginhost

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
)

// compileCache memoizes compiled modules by the sha256 of their bytecode, so
// a reload that re-reads an unchanged plugin file skips recompilation
// entirely, and two bindings pointing at identical bytecode share one
// compiled module.
type compileCache struct {
	runtime wazero.Runtime

	mu    sync.Mutex
	byKey map[string]wazero.CompiledModule
}

func newCompileCache(runtime wazero.Runtime) *compileCache {
	return &compileCache{runtime: runtime, byKey: make(map[string]wazero.CompiledModule)}
}

func contentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// compile returns the cached CompiledModule for the given bytecode, compiling
// and caching it if this content hash has not been seen before.
func (c *compileCache) compile(ctx context.Context, wasm []byte) (wazero.CompiledModule, string, error) {
	key := contentHash(wasm)

	c.mu.Lock()
	if cm, ok := c.byKey[key]; ok {
		c.mu.Unlock()
		return cm, key, nil
	}
	c.mu.Unlock()

	cm, err := c.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrCompileFailed, err)
	}

	c.mu.Lock()
	c.byKey[key] = cm
	c.mu.Unlock()

	return cm, key, nil
}

// evictUnused closes every cached compiled module whose key is not present
// in keep, releasing the compiler-level resources of plugins dropped by a
// reload. Pool instances still draining a final call hold their own
// reference to the module and are unaffected.
func (c *compileCache) evictUnused(ctx context.Context, keep map[string]struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, cm := range c.byKey {
		if _, ok := keep[key]; ok {
			continue
		}
		_ = cm.Close(ctx)
		delete(c.byKey, key)
	}
}
