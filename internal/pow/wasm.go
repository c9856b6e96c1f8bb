package pow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"ds2openai/internal/config"
)

// WASMSearch delegates the counter search to the upstream's own solver
// module (wasm-bindgen export wasm_solve). Each search runs in a fresh
// instance so concurrent searches never share linear memory.
type WASMSearch struct {
	path string

	mu       sync.Mutex
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

func NewWASMSearch(path string) *WASMSearch {
	return &WASMSearch{path: path}
}

// Load compiles the module; Search calls it lazily.
func (w *WASMSearch) Load(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.compiled != nil {
		return nil
	}
	raw, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("read pow wasm: %w", err)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	compiled, err := rt.CompileModule(ctx, raw)
	if err != nil {
		_ = rt.Close(ctx)
		return fmt.Errorf("compile pow wasm: %w", err)
	}
	w.runtime = rt
	w.compiled = compiled
	config.Logger.Info("[pow] wasm solver loaded", "path", w.path)
	return nil
}

func (w *WASMSearch) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.runtime == nil {
		return nil
	}
	err := w.runtime.Close(ctx)
	w.runtime = nil
	w.compiled = nil
	return err
}

func (w *WASMSearch) Search(ctx context.Context, ch Challenge) (int64, error) {
	if err := w.Load(ctx); err != nil {
		return 0, err
	}
	w.mu.Lock()
	rt, compiled := w.runtime, w.compiled
	w.mu.Unlock()
	if rt == nil {
		return 0, errors.New("pow wasm runtime closed")
	}

	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return 0, fmt.Errorf("instantiate pow wasm: %w", err)
	}
	defer mod.Close(ctx)

	stack := mod.ExportedFunction("__wbindgen_add_to_stack_pointer")
	alloc := mod.ExportedFunction("__wbindgen_export_0")
	solve := mod.ExportedFunction("wasm_solve")
	mem := mod.Memory()
	if stack == nil || alloc == nil || solve == nil || mem == nil {
		return 0, errors.New("pow wasm missing required exports")
	}

	res, err := stack.Call(ctx, api.EncodeI32(-16))
	if err != nil {
		return 0, err
	}
	retptr := uint32(res[0])
	defer func() { _, _ = stack.Call(ctx, api.EncodeI32(16)) }()

	ptrChallenge, lenChallenge, err := writeString(ctx, alloc, mem, ch.Challenge)
	if err != nil {
		return 0, err
	}
	ptrPrefix, lenPrefix, err := writeString(ctx, alloc, mem, ch.Prefix())
	if err != nil {
		return 0, err
	}
	if _, err := solve.Call(ctx,
		api.EncodeI32(int32(retptr)),
		uint64(ptrChallenge), uint64(lenChallenge),
		uint64(ptrPrefix), uint64(lenPrefix),
		api.EncodeF64(float64(ch.Difficulty)),
	); err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("wasm_solve: %w", err)
	}
	status, ok := mem.ReadUint32Le(retptr)
	if !ok {
		return 0, errors.New("pow wasm result out of range")
	}
	if status == 0 {
		return 0, ErrNoSolution
	}
	value, ok := mem.ReadFloat64Le(retptr + 8)
	if !ok {
		return 0, errors.New("pow wasm result out of range")
	}
	return int64(value), nil
}

func writeString(ctx context.Context, alloc api.Function, mem api.Memory, s string) (uint32, uint32, error) {
	res, err := alloc.Call(ctx, uint64(len(s)), 1)
	if err != nil {
		return 0, 0, err
	}
	ptr := uint32(res[0])
	if !mem.Write(ptr, []byte(s)) {
		return 0, 0, errors.New("pow wasm memory write out of range")
	}
	return ptr, uint32(len(s)), nil
}
