// Package shim answers the signing module's calls into its host runtime.
//
// The set of supported calls is closed: every signature the module is known
// to use has an arm in Shim.Invoke, and anything else fails the enclosing
// signing call with an UnsupportedOperationError. Silence is limited to the
// configuration getter, which returns null for selectors it does not know.
package shim

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/kenneth/native-sign-gateway/internal/debug"
	"github.com/kenneth/native-sign-gateway/internal/emulator"
	"github.com/sirupsen/logrus"
)

// Runtime method signatures, "class->method(descriptor)".
const (
	SigConfigGetter  = "com/bytedance/mobsec/metasec/ml/MS->b(IIJLjava/lang/String;Ljava/lang/Object;)Ljava/lang/Object;"
	SigSelfCheck     = "com/bytedance/mobsec/metasec/ml/MS->a()V"
	SigCurrentThread = "java/lang/Thread->currentThread()Ljava/lang/Thread;"
	SigGetStackTrace = "java/lang/Thread->getStackTrace()[Ljava/lang/StackTraceElement;"
	SigGetClassName  = "java/lang/StackTraceElement->getClassName()Ljava/lang/String;"
	SigGetMethodName = "java/lang/StackTraceElement->getMethodName()Ljava/lang/String;"
	SigGetBytes      = "java/lang/Thread->getBytes(Ljava/lang/String;)[B"
	SigIntValue      = "java/lang/Integer->intValue()I"
	SigLongValue     = "java/lang/Long->longValue()J"
	SigBooleanValue  = "java/lang/Boolean->booleanValue()Z"
)

// Configuration getter selectors.
const (
	SelectorStoragePath int32 = 65539
	SelectorFlagA       int32 = 33554433
	SelectorFlagB       int32 = 33554434
	SelectorVersionCode int32 = 16777232
	SelectorVersionName int32 = 16777233
	SelectorCertificate int32 = 16777218
	SelectorTimeMillis  int32 = 268435470
)

// ErrUnsupportedOperation marks a callback outside the supported set.
var ErrUnsupportedOperation = errors.New("unsupported runtime operation")

// UnsupportedOperationError names the callback that could not be answered.
type UnsupportedOperationError struct {
	Kind      emulator.CallKind
	Signature string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("unsupported runtime operation: %s call %s", e.Kind, e.Signature)
}

func (e *UnsupportedOperationError) Unwrap() error { return ErrUnsupportedOperation }

// Options configures a Shim.
type Options struct {
	Certificate []byte
	StoragePath string
	VersionCode int32
	VersionName string
	Clock       func() time.Time
	Logger      *logrus.Logger
}

// Shim implements emulator.Bridge for one machine.
type Shim struct {
	objects *ObjectTable
	opts    Options
	logger  *logrus.Logger
}

var _ emulator.Bridge = (*Shim)(nil)

// New creates a Shim.
func New(opts Options) *Shim {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Shim{
		objects: NewObjectTable(),
		opts:    opts,
		logger:  logger,
	}
}

// Objects exposes the handle table.
func (s *Shim) Objects() *ObjectTable { return s.objects }

// Invoke answers one runtime callback.
func (s *Shim) Invoke(ctx context.Context, call emulator.Call) (uint64, error) {
	if debug.Enabled() {
		s.logger.WithFields(logrus.Fields{
			"kind":      call.Kind.String(),
			"signature": call.Signature,
			"args":      len(call.Args),
		}).Debug("Runtime callback")
	}

	switch call.Signature {
	case SigConfigGetter:
		if len(call.Args) < 1 {
			return 0, fmt.Errorf("%s: missing selector argument", call.Signature)
		}
		return s.configValue(int32(call.Args[0])), nil

	case SigSelfCheck:
		return 0, nil

	case SigCurrentThread:
		return s.objects.Put(Thread{}), nil

	case SigGetStackTrace:
		return s.stackTrace(), nil

	case SigGetClassName, SigGetMethodName:
		frame, ok := lookup[StackFrame](s.objects, call.This)
		if !ok {
			return 0, fmt.Errorf("%s: %w %d", call.Signature, ErrInvalidHandle, call.This)
		}
		if call.Signature == SigGetClassName {
			return s.objects.Put(String(frame.ClassName)), nil
		}
		return s.objects.Put(String(frame.MethodName)), nil

	case SigGetBytes:
		if len(call.Args) < 1 {
			return 0, fmt.Errorf("%s: missing string argument", call.Signature)
		}
		str, ok := lookup[String](s.objects, call.Args[0])
		if !ok {
			return 0, fmt.Errorf("%s: %w %d", call.Signature, ErrInvalidHandle, call.Args[0])
		}
		return s.objects.Put(ByteArray(str)), nil

	case SigIntValue:
		v, err := s.intValue(call.This)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", call.Signature, err)
		}
		return uint64(uint32(v)), nil

	case SigLongValue:
		v, ok := lookup[Long](s.objects, call.This)
		if !ok {
			return 0, fmt.Errorf("%s: %w %d", call.Signature, ErrInvalidHandle, call.This)
		}
		return uint64(v), nil

	case SigBooleanValue:
		v, ok := lookup[Boolean](s.objects, call.This)
		if !ok {
			return 0, fmt.Errorf("%s: %w %d", call.Signature, ErrInvalidHandle, call.This)
		}
		if v {
			return 1, nil
		}
		return 0, nil

	default:
		return 0, &UnsupportedOperationError{Kind: call.Kind, Signature: call.Signature}
	}
}

func (s *Shim) configValue(selector int32) uint64 {
	switch selector {
	case SelectorStoragePath:
		return s.objects.Put(String(s.opts.StoragePath))
	case SelectorFlagA, SelectorFlagB:
		return s.objects.Put(Boolean(true))
	case SelectorVersionCode:
		return s.objects.Put(Integer(s.opts.VersionCode))
	case SelectorVersionName:
		return s.objects.Put(String(s.opts.VersionName))
	case SelectorCertificate:
		return s.objects.Put(ByteArray(append([]byte(nil), s.opts.Certificate...)))
	case SelectorTimeMillis:
		return s.objects.Put(Long(s.opts.Clock().UnixMilli()))
	default:
		s.logger.WithField("selector", selector).Debug("Unknown configuration selector, returning null")
		return emulator.Null
	}
}

func (s *Shim) intValue(h uint64) (int32, error) {
	v, ok := s.objects.Get(h)
	if !ok {
		return 0, fmt.Errorf("%w %d", ErrInvalidHandle, h)
	}
	switch v := v.(type) {
	case Integer:
		return int32(v), nil
	case String:
		n, err := strconv.ParseInt(strings.TrimSpace(string(v)), 10, 32)
		if err != nil {
			return 0, fmt.Errorf("boxed string %q is not an integer: %w", string(v), err)
		}
		return int32(n), nil
	default:
		return 0, fmt.Errorf("%w %d: holds %T", ErrInvalidHandle, h, v)
	}
}

// stackTrace snapshots the host call stack as a StackFrame array.
func (s *Shim) stackTrace() uint64 {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var handles []uint64
	for {
		frame, more := frames.Next()
		if frame.Function != "" {
			class, method := splitFunction(frame.Function)
			handles = append(handles, s.objects.Put(StackFrame{ClassName: class, MethodName: method}))
		}
		if !more {
			break
		}
	}
	return s.objects.Put(ObjectArray(handles))
}

// splitFunction turns "example.com/pkg.(*T).Method" into
// ("example.com/pkg.(*T)", "Method").
func splitFunction(fn string) (string, string) {
	slash := strings.LastIndex(fn, "/")
	dot := strings.LastIndex(fn[slash+1:], ".")
	if dot < 0 {
		return "", fn
	}
	dot += slash + 1
	return fn[:dot], fn[dot+1:]
}

// NewString implements emulator.Bridge.
func (s *Shim) NewString(str string) uint64 {
	return s.objects.Put(String(str))
}

// Bytes implements emulator.Bridge.
func (s *Shim) Bytes(h uint64) ([]byte, bool) {
	v, ok := s.objects.Get(h)
	if !ok {
		return nil, false
	}
	switch v := v.(type) {
	case String:
		return []byte(v), true
	case ByteArray:
		return append([]byte(nil), v...), true
	default:
		return nil, false
	}
}

// Elements implements emulator.Bridge.
func (s *Shim) Elements(h uint64) ([]uint64, bool) {
	arr, ok := lookup[ObjectArray](s.objects, h)
	if !ok {
		return nil, false
	}
	return append([]uint64(nil), arr...), true
}

// Release implements emulator.Bridge.
func (s *Shim) Release(h uint64) {
	s.objects.Release(h)
}

// Reset drops all objects created by previous calls.
func (s *Shim) Reset() {
	s.objects.Reset()
}
