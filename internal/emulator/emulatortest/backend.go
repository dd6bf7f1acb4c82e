// Package emulatortest provides a scripted emulator backend so the layers
// above the engine can be tested without a real signing module.
package emulatortest

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kenneth/native-sign-gateway/internal/emulator"
)

// ErrClosed is returned by calls on a closed machine.
var ErrClosed = errors.New("machine closed")

// Env is what a script sees of its machine.
type Env struct {
	Bridge   emulator.Bridge
	FS       fs.FS
	Identity emulator.Identity
	Clock    func() time.Time
}

// Script plays the part of the signing module. An empty result is returned
// to the caller as a null pointer.
type Script func(ctx context.Context, env Env, entry emulator.EntryPoint, args []string) (string, error)

// Backend loads scripted machines.
type Backend struct {
	Script  Script
	LoadErr error

	mu       sync.Mutex
	specs    []emulator.Spec
	machines []*Machine
}

var _ emulator.Backend = (*Backend)(nil)

// Name implements emulator.Backend.
func (b *Backend) Name() string { return "scripted" }

// Load implements emulator.Backend.
func (b *Backend) Load(ctx context.Context, spec emulator.Spec) (emulator.Machine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.specs = append(b.specs, spec)
	if b.LoadErr != nil {
		return nil, b.LoadErr
	}
	clock := spec.Clock
	if clock == nil {
		clock = time.Now
	}
	m := &Machine{
		script: b.Script,
		env:    Env{Bridge: spec.Bridge, FS: spec.FS, Identity: spec.Identity, Clock: clock},
		memory: make(map[uint64]string),
		next:   0x1000,
	}
	b.machines = append(b.machines, m)
	return m, nil
}

// Loads returns the number of Load calls.
func (b *Backend) Loads() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.specs)
}

// LastSpec returns the spec of the most recent Load.
func (b *Backend) LastSpec() emulator.Spec {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.specs) == 0 {
		return emulator.Spec{}
	}
	return b.specs[len(b.specs)-1]
}

// Machines returns every machine loaded so far.
func (b *Backend) Machines() []*Machine {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Machine(nil), b.machines...)
}

// Machine is a scripted emulator.Machine.
type Machine struct {
	script Script
	env    Env

	mu     sync.Mutex
	memory map[uint64]string
	next   uint64
	calls  int
	closed bool
}

// Call implements emulator.Machine.
func (m *Machine) Call(ctx context.Context, entry emulator.EntryPoint, args ...string) (uint64, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	m.calls++
	m.mu.Unlock()

	if m.script == nil {
		return 0, nil
	}
	out, err := m.script(ctx, m.env, entry, args)
	if err != nil {
		return 0, err
	}
	if out == "" {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	addr := m.next
	m.next += uint64(len(out)) + 1
	m.memory[addr] = out
	return addr, nil
}

// ReadCString implements emulator.Machine.
func (m *Machine) ReadCString(addr uint64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.memory[addr]
	if !ok {
		return "", fmt.Errorf("no string at 0x%x", addr)
	}
	return s, nil
}

// Close implements emulator.Machine.
func (m *Machine) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Calls returns the number of Call invocations.
func (m *Machine) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Closed reports whether Close was called.
func (m *Machine) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Fixed returns a script that always produces out.
func Fixed(out string) Script {
	return func(context.Context, Env, emulator.EntryPoint, []string) (string, error) {
		return out, nil
	}
}

// Failing returns a script that always fails with err.
func Failing(err error) Script {
	return func(context.Context, Env, emulator.EntryPoint, []string) (string, error) {
		return "", err
	}
}

// Vendor signature callback signatures replayed by VendorScript. They are
// spelled out here rather than imported so the script exercises the bridge
// exactly as the module would.
const (
	vendorConfig       = "com/bytedance/mobsec/metasec/ml/MS->b(IIJLjava/lang/String;Ljava/lang/Object;)Ljava/lang/Object;"
	vendorSelfCheck    = "com/bytedance/mobsec/metasec/ml/MS->a()V"
	vendorThread       = "java/lang/Thread->currentThread()Ljava/lang/Thread;"
	vendorStackTrace   = "java/lang/Thread->getStackTrace()[Ljava/lang/StackTraceElement;"
	vendorMethodName   = "java/lang/StackTraceElement->getMethodName()Ljava/lang/String;"
	vendorIntValue     = "java/lang/Integer->intValue()I"
	vendorLongValue    = "java/lang/Long->longValue()J"
	vendorBooleanValue = "java/lang/Boolean->booleanValue()Z"
)

// VendorScript mimics the signing routine: it opens installPath through the
// virtual filesystem, walks the runtime callbacks the module relies on, and
// returns newline-separated header pairs including the diagnostic header.
func VendorScript(installPath string) Script {
	return func(ctx context.Context, env Env, entry emulator.EntryPoint, args []string) (string, error) {
		if len(args) != 2 {
			return "", fmt.Errorf("sign expects url and headers, got %d args", len(args))
		}
		if env.FS != nil && installPath != "" {
			if _, err := fs.Stat(env.FS, strings.TrimPrefix(installPath, "/")); err != nil {
				return "", fmt.Errorf("package self-check: %w", err)
			}
		}

		b := env.Bridge
		if _, err := b.Invoke(ctx, emulator.Call{Kind: emulator.CallVoid, Signature: vendorSelfCheck}); err != nil {
			return "", err
		}

		thread, err := b.Invoke(ctx, emulator.Call{Kind: emulator.CallStaticObject, Signature: vendorThread})
		if err != nil {
			return "", err
		}
		trace, err := b.Invoke(ctx, emulator.Call{Kind: emulator.CallObject, Signature: vendorStackTrace, This: thread})
		if err != nil {
			return "", err
		}
		frames, _ := b.Elements(trace)
		if len(frames) == 0 {
			return "", errors.New("empty stack trace")
		}
		if _, err := b.Invoke(ctx, emulator.Call{Kind: emulator.CallObject, Signature: vendorMethodName, This: frames[0]}); err != nil {
			return "", err
		}

		config := func(selector int32) (uint64, error) {
			return b.Invoke(ctx, emulator.Call{
				Kind:      emulator.CallStaticObject,
				Signature: vendorConfig,
				Args:      []uint64{uint64(uint32(selector)), 0, 0, emulator.Null, emulator.Null},
			})
		}

		flag, err := config(33554433)
		if err != nil {
			return "", err
		}
		if on, err := b.Invoke(ctx, emulator.Call{Kind: emulator.CallBoolean, Signature: vendorBooleanValue, This: flag}); err != nil || on != 1 {
			return "", fmt.Errorf("flag selector: %v", err)
		}

		code, err := config(16777232)
		if err != nil {
			return "", err
		}
		version, err := b.Invoke(ctx, emulator.Call{Kind: emulator.CallInt, Signature: vendorIntValue, This: code})
		if err != nil {
			return "", err
		}

		ts, err := config(268435470)
		if err != nil {
			return "", err
		}
		millis, err := b.Invoke(ctx, emulator.Call{Kind: emulator.CallLong, Signature: vendorLongValue, This: ts})
		if err != nil {
			return "", err
		}

		cert, err := config(16777218)
		if err != nil {
			return "", err
		}
		certBytes, _ := b.Bytes(cert)

		nonce := make([]byte, 8)
		if _, err := rand.Read(nonce); err != nil {
			return "", err
		}
		sum := sha256.Sum256([]byte(args[0] + "\x00" + args[1] + "\x00" + string(certBytes) + "\x00" + string(nonce)))

		var sb strings.Builder
		pair := func(k, v string) {
			sb.WriteString(k)
			sb.WriteByte('\n')
			sb.WriteString(v)
			sb.WriteByte('\n')
		}
		pair("X-Argus", base64.StdEncoding.EncodeToString(sum[:]))
		pair("X-Gorgon", "8404"+hex.EncodeToString(sum[:18]))
		pair("X-Khronos", strconv.FormatInt(int64(millis)/1000, 10))
		pair("X-Ladon", base64.StdEncoding.EncodeToString(nonce))
		pair("X-Helios", strconv.FormatUint(uint64(uint32(version)), 10))
		pair("X-Neptune", hex.EncodeToString(nonce))
		return sb.String(), nil
	}
}
