package pluginhost

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// instancePool hands out pre-instantiated, stateless module instances for a
// single compiled module, amortizing instantiation cost across invocations.
// Instances are single-use-at-a-time: a caller must return what it borrows.
type instancePool struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	nameSeq  atomic.Uint64
	idleCh   chan api.Module
	namePfx  string
}

func newInstancePool(runtime wazero.Runtime, compiled wazero.CompiledModule, namePfx string, maxIdle int) *instancePool {
	return &instancePool{
		runtime:  runtime,
		compiled: compiled,
		namePfx:  namePfx,
		idleCh:   make(chan api.Module, maxIdle),
	}
}

// get returns an idle instance if one is available, otherwise instantiates
// a fresh one. Each instantiation gets a process-unique module name since
// wazero requires distinct names for concurrently live instances of the
// same compiled module.
func (p *instancePool) get(ctx context.Context) (api.Module, error) {
	select {
	case mod := <-p.idleCh:
		return mod, nil
	default:
	}

	n := p.nameSeq.Add(1)
	cfg := wazero.NewModuleConfig().WithName(fmt.Sprintf("%s-%d", p.namePfx, n))

	mod, err := p.runtime.InstantiateModule(ctx, p.compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("instantiate plugin module: %w", err)
	}
	return mod, nil
}

// put returns an instance to the pool, or closes it if the pool is full or
// the instance was aborted (deadline/trap) and may be left in a
// load-bearing-but-corrupt state.
func (p *instancePool) put(ctx context.Context, mod api.Module, poison bool) {
	if poison {
		_ = mod.Close(ctx)
		return
	}
	select {
	case p.idleCh <- mod:
	default:
		_ = mod.Close(ctx)
	}
}

// closeAll closes every idle instance, used when a module is retired by a
// reload.
func (p *instancePool) closeAll(ctx context.Context) {
	for {
		select {
		case mod := <-p.idleCh:
			_ = mod.Close(ctx)
		default:
			return
		}
	}
}
