package wasmplugin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/openfroyo/netonboard/pkg/engine"
)

// HostConfig bounds plugin execution.
type HostConfig struct {
	// Timeout bounds one parse_facts call.
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"min=0"`

	// MemoryLimitPages caps linear memory in 64KiB pages.
	MemoryLimitPages uint32 `yaml:"memory_limit_pages" json:"memory_limit_pages"`
}

// DefaultHostConfig returns a 10s timeout and a 16MiB memory cap.
func DefaultHostConfig() HostConfig {
	return HostConfig{
		Timeout:          10 * time.Second,
		MemoryLimitPages: 256,
	}
}

// parser runs a plugin's parse_facts export. The module ABI is:
//
//	memory
//	malloc(size i32) i32
//	free(ptr i32)
//	parse_facts(ptr i32, len i32) i64   // (out_ptr << 32) | out_len
//
// The input is {"platform": ..., "outputs": {name: text}} and the output is a
// DeviceFacts JSON object, or {"error": "..."}. Modules are WASI reactors;
// _initialize runs on instantiation when exported.
type parser struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	timeout  time.Duration
}

var requiredExports = []string{"malloc", "free", "parse_facts"}

func newParser(ctx context.Context, module []byte, cfg HostConfig) (*parser, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHostConfig().Timeout
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = DefaultHostConfig().MemoryLimitPages
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	compiled, err := runtime.CompileModule(ctx, module)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to compile WASM module: %w", err)
	}

	exports := compiled.ExportedFunctions()
	for _, name := range requiredExports {
		if _, ok := exports[name]; !ok {
			runtime.Close(ctx)
			return nil, fmt.Errorf("WASM module does not export %s", name)
		}
	}
	if len(compiled.ExportedMemories()) == 0 {
		runtime.Close(ctx)
		return nil, fmt.Errorf("WASM module does not export memory")
	}

	return &parser{runtime: runtime, compiled: compiled, timeout: cfg.Timeout}, nil
}

type parseInput struct {
	Platform string            `json:"platform"`
	Outputs  map[string]string `json:"outputs"`
}

type parseOutput struct {
	engine.DeviceFacts
	Error string `json:"error,omitempty"`
}

// parse instantiates a fresh module so concurrent calls share no memory.
func (p *parser) parse(ctx context.Context, in parseInput) (*engine.DeviceFacts, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	mod, err := p.runtime.InstantiateModule(ctx, p.compiled, wazero.NewModuleConfig().WithName("").WithStartFunctions("_initialize"))
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate WASM module: %w", err)
	}
	defer mod.Close(context.Background())

	input, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal input: %w", err)
	}

	raw, err := call(ctx, mod, input)
	if err != nil {
		return nil, err
	}

	var out parseOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, engine.NewParseError("plugin returned malformed JSON", err)
	}
	if out.Error != "" {
		return nil, engine.NewParseError("plugin: "+out.Error, nil)
	}
	facts := out.DeviceFacts
	return &facts, nil
}

// call copies input into guest memory and invokes parse_facts.
func call(ctx context.Context, mod api.Module, input []byte) ([]byte, error) {
	malloc := mod.ExportedFunction("malloc")
	free := mod.ExportedFunction("free")
	parseFacts := mod.ExportedFunction("parse_facts")
	memory := mod.Memory()

	results, err := malloc.Call(ctx, uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("malloc failed: %w", err)
	}
	inPtr := uint32(results[0])
	if inPtr == 0 {
		return nil, fmt.Errorf("malloc returned null pointer")
	}
	defer func() { _, _ = free.Call(context.Background(), uint64(inPtr)) }()

	if !memory.Write(inPtr, input) {
		return nil, fmt.Errorf("input of %d bytes does not fit guest memory", len(input))
	}

	results, err = parseFacts.Call(ctx, uint64(inPtr), uint64(len(input)))
	if err != nil {
		if ctx.Err() != nil {
			return nil, engine.NewTimeoutError("plugin parse_facts deadline exceeded", err)
		}
		return nil, engine.NewParseError("plugin parse_facts trapped", err)
	}

	packed := results[0]
	outPtr := uint32(packed >> 32)
	outLen := uint32(packed & 0xFFFFFFFF)
	if outLen == 0 {
		return nil, engine.NewParseError("plugin returned no output", nil)
	}

	out, ok := memory.Read(outPtr, outLen)
	if !ok {
		return nil, engine.NewParseError("plugin output is out of bounds", nil)
	}
	// Read returns a view into guest memory.
	return append([]byte(nil), out...), nil
}

func (p *parser) close(ctx context.Context) error {
	return p.runtime.Close(ctx)
}
