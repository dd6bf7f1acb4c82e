// Package emulator defines the contract between the gateway and the engine
// that executes the vendor signing module. The engine owns instruction
// execution; the gateway supplies the filesystem, clock, process identity
// and a Bridge that answers the module's calls into its host runtime.
package emulator

import (
	"context"
	"errors"
	"io/fs"
	"time"
)

// ErrNoEntryPoint is returned when a machine cannot resolve the requested entry point.
var ErrNoEntryPoint = errors.New("entry point not found")

// Null is the handle value for a null object reference.
const Null uint64 = 0

// Backend loads signing modules into fresh machines.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string
	// Load builds a machine running the module described by spec. The
	// returned machine is owned by the caller and must be closed.
	Load(ctx context.Context, spec Spec) (Machine, error)
}

// Spec describes everything a machine needs at load time.
type Spec struct {
	// ModulePath is the local path of the signing module.
	ModulePath string
	// Libraries are loaded, in order, before the module.
	Libraries []string
	// FS is the filesystem the module sees, rooted at "/".
	FS fs.FS
	// Identity is the virtual process the module runs as.
	Identity Identity
	// Clock supplies wall time; time.Now when nil.
	Clock func() time.Time
	// Bridge answers runtime callbacks.
	Bridge Bridge
	// Verbose enables instruction-level tracing where the backend supports it.
	Verbose bool
}

// Identity is the virtual process identity.
type Identity struct {
	ProcessName string
	PackageName string
	UID         int
	SDKVersion  int
}

// EntryPoint locates an exported function either by symbol or by offset
// from the module base. Backends use whichever they can resolve.
type EntryPoint struct {
	Symbol string
	Offset uint64
}

// Machine is one loaded module instance. A machine runs one call at a time.
type Machine interface {
	// Call invokes entry with NUL-terminated copies of args and returns the
	// raw result word.
	Call(ctx context.Context, entry EntryPoint, args ...string) (uint64, error)
	// ReadCString copies the NUL-terminated string at addr out of machine memory.
	ReadCString(addr uint64) (string, error)
	// Close releases the machine.
	Close(ctx context.Context) error
}

// CallKind is the return kind of a runtime callback.
type CallKind uint32

const (
	CallStaticObject CallKind = iota + 1
	CallObject
	CallInt
	CallLong
	CallBoolean
	CallVoid
)

func (k CallKind) String() string {
	switch k {
	case CallStaticObject:
		return "static_object"
	case CallObject:
		return "object"
	case CallInt:
		return "int"
	case CallLong:
		return "long"
	case CallBoolean:
		return "boolean"
	case CallVoid:
		return "void"
	default:
		return "unknown"
	}
}

// Call is one callback from the module into its host runtime. Signature is
// "class->method(descriptor)"; object arguments and This are handles.
type Call struct {
	Kind      CallKind
	Signature string
	This      uint64
	Args      []uint64
}

// Bridge answers runtime callbacks and manages the host objects they
// reference by handle.
type Bridge interface {
	// Invoke dispatches a callback. Primitive results are returned as their
	// raw bits; object results as handles (Null for none).
	Invoke(ctx context.Context, call Call) (uint64, error)
	// NewString registers a host string and returns its handle.
	NewString(s string) uint64
	// Bytes returns the byte content of a string or byte array handle.
	Bytes(handle uint64) ([]byte, bool)
	// Elements returns the element handles of an object array handle.
	Elements(handle uint64) ([]uint64, bool)
	// Release drops a handle.
	Release(handle uint64)
}
