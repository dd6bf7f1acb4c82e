package wasm

import (
	"context"
	"fmt"

	"github.com/kenneth/native-sign-gateway/internal/debug"
	"github.com/kenneth/native-sign-gateway/internal/emulator"
	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero/api"
)

const (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

// instantiateHost registers the "jni" imports:
//
//	call(kind, sig_ptr, sig_len i32, this i64, args_ptr, argc i32) i64
//	new_string(ptr, len i32) i64
//	get_bytes(handle i64, out, cap i32) i32
//	array_length(handle i64) i32
//	array_element(handle i64, index i32) i64
//	delete_ref(handle i64)
//
// Callback failures abort the running guest call and are returned from
// Machine.Call.
func (m *Machine) instantiateHost(ctx context.Context) error {
	_, err := m.runtime.NewHostModuleBuilder(HostModule).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(m.hostCall), []api.ValueType{i32, i32, i32, i64, i32, i32}, []api.ValueType{i64}).
		Export("call").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(m.hostNewString), []api.ValueType{i32, i32}, []api.ValueType{i64}).
		Export("new_string").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(m.hostGetBytes), []api.ValueType{i64, i32, i32}, []api.ValueType{i32}).
		Export("get_bytes").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(m.hostArrayLength), []api.ValueType{i64}, []api.ValueType{i32}).
		Export("array_length").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(m.hostArrayElement), []api.ValueType{i64, i32}, []api.ValueType{i64}).
		Export("array_element").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(m.hostDeleteRef), []api.ValueType{i64}, nil).
		Export("delete_ref").
		Instantiate(ctx)
	return err
}

// abort records err as the call's fault and unwinds the guest.
func (m *Machine) abort(err error) {
	m.recordFault(err)
	panic(err)
}

func (m *Machine) hostCall(ctx context.Context, mod api.Module, stack []uint64) {
	kind := emulator.CallKind(api.DecodeU32(stack[0]))
	sigPtr, sigLen := api.DecodeU32(stack[1]), api.DecodeU32(stack[2])
	this := stack[3]
	argsPtr, argc := api.DecodeU32(stack[4]), api.DecodeU32(stack[5])

	mem := mod.Memory()
	sig, ok := mem.Read(sigPtr, sigLen)
	if !ok {
		m.abort(fmt.Errorf("%w: signature at 0x%x", ErrOutOfBounds, sigPtr))
	}
	args := make([]uint64, argc)
	for i := range args {
		v, ok := mem.ReadUint64Le(argsPtr + uint32(i)*8)
		if !ok {
			m.abort(fmt.Errorf("%w: argument %d at 0x%x", ErrOutOfBounds, i, argsPtr))
		}
		args[i] = v
	}

	call := emulator.Call{Kind: kind, Signature: string(sig), This: this, Args: args}
	res, err := m.bridge.Invoke(ctx, call)
	if err != nil {
		m.abort(err)
	}
	if debug.Enabled() {
		m.logger.WithFields(logrus.Fields{
			"signature": call.Signature,
			"result":    res,
		}).Debug("Guest runtime call")
	}
	stack[0] = res
}

func (m *Machine) hostNewString(ctx context.Context, mod api.Module, stack []uint64) {
	ptr, n := api.DecodeU32(stack[0]), api.DecodeU32(stack[1])
	b, ok := mod.Memory().Read(ptr, n)
	if !ok {
		m.abort(fmt.Errorf("%w: string at 0x%x", ErrOutOfBounds, ptr))
	}
	stack[0] = m.bridge.NewString(string(b))
}

// hostGetBytes copies up to cap bytes and returns the full length, so the
// guest can size a buffer with a zero-capacity first call.
func (m *Machine) hostGetBytes(ctx context.Context, mod api.Module, stack []uint64) {
	handle := stack[0]
	out, capacity := api.DecodeU32(stack[1]), api.DecodeU32(stack[2])

	b, ok := m.bridge.Bytes(handle)
	if !ok {
		m.abort(fmt.Errorf("get_bytes: handle %d holds no bytes", handle))
	}
	n := uint32(len(b))
	if n > capacity {
		n = capacity
	}
	if n > 0 && !mod.Memory().Write(out, b[:n]) {
		m.abort(fmt.Errorf("%w: get_bytes into 0x%x", ErrOutOfBounds, out))
	}
	stack[0] = api.EncodeU32(uint32(len(b)))
}

func (m *Machine) hostArrayLength(ctx context.Context, mod api.Module, stack []uint64) {
	elems, ok := m.bridge.Elements(stack[0])
	if !ok {
		m.abort(fmt.Errorf("array_length: handle %d is not an array", stack[0]))
	}
	stack[0] = api.EncodeU32(uint32(len(elems)))
}

func (m *Machine) hostArrayElement(ctx context.Context, mod api.Module, stack []uint64) {
	handle, idx := stack[0], api.DecodeU32(stack[1])
	elems, ok := m.bridge.Elements(handle)
	if !ok || int(idx) >= len(elems) {
		m.abort(fmt.Errorf("array_element: index %d out of range for handle %d", idx, handle))
	}
	stack[0] = elems[idx]
}

func (m *Machine) hostDeleteRef(ctx context.Context, mod api.Module, stack []uint64) {
	m.bridge.Release(stack[0])
}
