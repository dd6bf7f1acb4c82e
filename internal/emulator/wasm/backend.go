// Package wasm runs a WebAssembly build of the signing module on wazero.
//
// Each machine gets its own wazero runtime: WASI preview1 for the virtual
// filesystem, clocks and process identity, and a "jni" host module through
// which the module calls back into the Bridge. Compiled code is shared
// between machines through a compilation cache.
package wasm

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/kenneth/native-sign-gateway/internal/emulator"
	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// HostModule is the import namespace for runtime callbacks.
const HostModule = "jni"

// Backend implements emulator.Backend on wazero.
type Backend struct {
	logger *logrus.Logger
	cache  wazero.CompilationCache
}

var _ emulator.Backend = (*Backend)(nil)

// NewBackend creates a backend. Close it to release compiled code.
func NewBackend(logger *logrus.Logger) *Backend {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Backend{
		logger: logger,
		cache:  wazero.NewCompilationCache(),
	}
}

// Name implements emulator.Backend.
func (b *Backend) Name() string { return "wazero" }

// Close releases the compilation cache.
func (b *Backend) Close(ctx context.Context) error {
	return b.cache.Close(ctx)
}

// Load implements emulator.Backend.
func (b *Backend) Load(ctx context.Context, spec emulator.Spec) (emulator.Machine, error) {
	if spec.Bridge == nil {
		return nil, fmt.Errorf("wasm: spec has no bridge")
	}
	clock := spec.Clock
	if clock == nil {
		clock = time.Now
	}

	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCompilationCache(b.cache))
	m := &Machine{
		runtime: r,
		bridge:  spec.Bridge,
		logger:  b.logger,
	}

	if err := m.load(ctx, spec, clock); err != nil {
		_ = m.Close(ctx)
		return nil, err
	}
	return m, nil
}

func (m *Machine) load(ctx context.Context, spec emulator.Spec, clock func() time.Time) error {
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, m.runtime); err != nil {
		return fmt.Errorf("wasm: failed to instantiate wasi: %w", err)
	}
	if err := m.instantiateHost(ctx); err != nil {
		return fmt.Errorf("wasm: failed to instantiate host module: %w", err)
	}

	if spec.Verbose {
		w := m.logger.WriterLevel(logrus.DebugLevel)
		m.closers = append(m.closers, w)
		m.stdout = w
	}

	for _, lib := range spec.Libraries {
		if _, err := m.instantiateFile(ctx, lib, spec, clock); err != nil {
			return fmt.Errorf("wasm: failed to load library %s: %w", filepath.Base(lib), err)
		}
	}

	mod, err := m.instantiateFile(ctx, spec.ModulePath, spec, clock)
	if err != nil {
		return fmt.Errorf("wasm: failed to load module %s: %w", filepath.Base(spec.ModulePath), err)
	}
	m.module = mod

	m.malloc = mod.ExportedFunction("malloc")
	m.free = mod.ExportedFunction("free")
	if m.malloc == nil || m.free == nil {
		return fmt.Errorf("wasm: module %s must export malloc and free", filepath.Base(spec.ModulePath))
	}
	if mod.Memory() == nil {
		return fmt.Errorf("wasm: module %s exports no memory", filepath.Base(spec.ModulePath))
	}

	if onLoad := mod.ExportedFunction("JNI_OnLoad"); onLoad != nil {
		if _, err := onLoad.Call(ctx); err != nil {
			return fmt.Errorf("wasm: JNI_OnLoad failed: %w", m.takeFault(err))
		}
	}
	return nil
}

func (m *Machine) instantiateFile(ctx context.Context, path string, spec emulator.Spec, clock func() time.Time) (api.Module, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	compiled, err := m.runtime.CompileModule(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	cfg := wazero.NewModuleConfig().
		WithName(filepath.Base(path)).
		WithStartFunctions("_initialize").
		WithArgs(spec.Identity.ProcessName).
		WithEnv("PACKAGE_NAME", spec.Identity.PackageName).
		WithEnv("UID", strconv.Itoa(spec.Identity.UID)).
		WithEnv("SDK_INT", strconv.Itoa(spec.Identity.SDKVersion)).
		WithRandSource(rand.Reader).
		WithWalltime(walltime(clock), sys.ClockResolution(1000)).
		WithNanotime(nanotime(clock), sys.ClockResolution(1))
	if spec.FS != nil {
		cfg = cfg.WithFSConfig(wazero.NewFSConfig().WithFSMount(spec.FS, "/"))
	}
	if m.stdout != nil {
		cfg = cfg.WithStdout(m.stdout).WithStderr(m.stdout)
	}

	mod, err := m.runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("instantiate: %w", m.takeFault(err))
	}
	return mod, nil
}

func walltime(clock func() time.Time) sys.Walltime {
	return func() (int64, int32) {
		now := clock()
		return now.Unix(), int32(now.Nanosecond())
	}
}

// nanotime is monotonic relative to machine creation but follows clock, so a
// fixed clock yields a frozen monotonic clock.
func nanotime(clock func() time.Time) sys.Nanotime {
	base := clock()
	return func() int64 {
		return clock().Sub(base).Nanoseconds()
	}
}
