package wasm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/kenneth/native-sign-gateway/internal/emulator"
	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// ErrOutOfBounds is returned for guest pointers outside linear memory.
var ErrOutOfBounds = errors.New("guest memory access out of bounds")

// Machine is one instantiated module.
type Machine struct {
	runtime wazero.Runtime
	module  api.Module
	malloc  api.Function
	free    api.Function
	bridge  emulator.Bridge
	logger  *logrus.Logger
	stdout  io.Writer
	closers []io.Closer

	mu      sync.Mutex
	fault   error
	results []uint64
	closed  bool
}

var _ emulator.Machine = (*Machine)(nil)

// Call implements emulator.Machine. Each string argument is passed as a
// (pointer, length) pair pointing at a NUL-terminated copy in guest memory.
func (m *Machine) Call(ctx context.Context, entry emulator.EntryPoint, args ...string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, errors.New("wasm: machine closed")
	}
	m.releaseResults(ctx)

	fn := m.resolve(entry)
	if fn == nil {
		return 0, fmt.Errorf("%w: symbol=%q offset=0x%x", emulator.ErrNoEntryPoint, entry.Symbol, entry.Offset)
	}

	params := make([]uint64, 0, len(args)*2)
	var allocated []uint64
	defer func() {
		for _, p := range allocated {
			_, _ = m.free.Call(ctx, p)
		}
	}()
	for _, a := range args {
		ptr, err := m.writeCString(ctx, a)
		if err != nil {
			return 0, err
		}
		allocated = append(allocated, ptr)
		params = append(params, ptr, uint64(len(a)))
	}

	res, err := fn.Call(ctx, params...)
	if err != nil {
		return 0, m.takeFault(err)
	}
	if m.fault != nil {
		return 0, m.takeFault(nil)
	}
	if len(res) == 0 {
		return 0, nil
	}
	addr := uint64(api.DecodeU32(res[0]))
	if addr != 0 {
		m.results = append(m.results, addr)
	}
	return addr, nil
}

func (m *Machine) resolve(entry emulator.EntryPoint) api.Function {
	if entry.Symbol != "" {
		if fn := m.module.ExportedFunction(entry.Symbol); fn != nil {
			return fn
		}
	}
	if entry.Offset != 0 {
		return m.module.ExportedFunction(fmt.Sprintf("sub_%x", entry.Offset))
	}
	return nil
}

func (m *Machine) writeCString(ctx context.Context, s string) (uint64, error) {
	res, err := m.malloc.Call(ctx, uint64(len(s)+1))
	if err != nil {
		return 0, fmt.Errorf("wasm: malloc failed: %w", m.takeFault(err))
	}
	ptr := api.DecodeU32(res[0])
	if ptr == 0 {
		return 0, errors.New("wasm: malloc returned null")
	}
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	if !m.module.Memory().Write(ptr, buf) {
		return 0, fmt.Errorf("%w: write %d bytes at 0x%x", ErrOutOfBounds, len(buf), ptr)
	}
	return uint64(ptr), nil
}

// releaseResults frees strings returned by earlier calls; callers copy them
// out with ReadCString before the next call.
func (m *Machine) releaseResults(ctx context.Context) {
	for _, p := range m.results {
		_, _ = m.free.Call(ctx, p)
	}
	m.results = m.results[:0]
}

// ReadCString implements emulator.Machine.
func (m *Machine) ReadCString(addr uint64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return readCString(m.module.Memory(), addr)
}

func readCString(mem api.Memory, addr uint64) (string, error) {
	size := uint64(mem.Size())
	if addr == 0 || addr >= size {
		return "", fmt.Errorf("%w: string at 0x%x", ErrOutOfBounds, addr)
	}
	view, ok := mem.Read(uint32(addr), uint32(size-addr))
	if !ok {
		return "", fmt.Errorf("%w: string at 0x%x", ErrOutOfBounds, addr)
	}
	end := bytes.IndexByte(view, 0)
	if end < 0 {
		return "", fmt.Errorf("%w: unterminated string at 0x%x", ErrOutOfBounds, addr)
	}
	return string(view[:end]), nil
}

// Close implements emulator.Machine.
func (m *Machine) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	err := m.runtime.Close(ctx)
	for _, c := range m.closers {
		_ = c.Close()
	}
	return err
}

// recordFault remembers the first callback failure of the current call.
func (m *Machine) recordFault(err error) {
	if m.fault == nil {
		m.fault = err
	}
}

// takeFault returns the recorded callback failure in preference to err, the
// error wazero surfaced after unwinding, and clears it.
func (m *Machine) takeFault(err error) error {
	if m.fault != nil {
		f := m.fault
		m.fault = nil
		return f
	}
	return err
}
