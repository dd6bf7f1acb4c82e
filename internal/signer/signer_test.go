package signer

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kenneth/native-sign-gateway/internal/config"
	"github.com/kenneth/native-sign-gateway/internal/emulator"
	"github.com/kenneth/native-sign-gateway/internal/emulator/emulatortest"
	"github.com/kenneth/native-sign-gateway/internal/resource"
	"github.com/kenneth/native-sign-gateway/internal/shim"
	"github.com/kenneth/native-sign-gateway/internal/vm"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func testEngine(t *testing.T, script emulatortest.Script, mutate func(*Options)) *Engine {
	t.Helper()
	opts := Options{
		VM: vm.Options{
			ModuleName:  "libsign.so",
			ModuleBytes: []byte("module"),
			Entry:       emulator.EntryPoint{Symbol: "sign"},
		},
		Logger: quietLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := New(context.Background(), &emulatortest.Backend{Script: script}, opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close(context.Background()) })
	return e
}

func TestSerializeHeaders(t *testing.T) {
	tests := []struct {
		name  string
		pairs []HeaderPair
		want  string
	}{
		{"empty", nil, ""},
		{"single", []HeaderPair{{"a", "1"}}, "a\r\n1"},
		{"ordered", []HeaderPair{{"b", "2"}, {"a", "1"}}, "b\r\n2\r\na\r\n1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SerializeHeaders(tt.pairs))
		})
	}
}

func TestParseSignature(t *testing.T) {
	h := ParseSignature("A\nB\nC\n D \nA\nE\ndangling")
	assert.Equal(t, []string{"A", "C"}, h.Keys())
	v, _ := h.Get("A")
	assert.Equal(t, "E", v)
	v, _ = h.Get("C")
	assert.Equal(t, "D", v)
}

func TestHeaderMap_MarshalJSONKeepsOrder(t *testing.T) {
	h := NewHeaderMap()
	h.Set("Z", "1")
	h.Set("A", "2")
	h.Set("M", "\"q\"")
	data, err := json.Marshal(h)
	require.NoError(t, err)
	assert.Equal(t, `{"Z":"1","A":"2","M":"\"q\""}`, string(data))

	h.Delete("A")
	h.Delete("missing")
	assert.Equal(t, []HeaderPair{{"Z", "1"}, {"M", "\"q\""}}, h.Pairs())
}

func TestSign_StripsDiagnosticHeader(t *testing.T) {
	e := testEngine(t, emulatortest.Fixed("A\nB\nX-Neptune\nZ\n"), nil)
	h, err := e.Sign(context.Background(), "https://example.com/api", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "B"}, h.Map())
}

func TestSign_PassesSerializedRequest(t *testing.T) {
	var got []string
	script := func(ctx context.Context, env emulatortest.Env, entry emulator.EntryPoint, args []string) (string, error) {
		got = args
		return "X-Argus\nv\n", nil
	}
	e := testEngine(t, script, nil)
	_, err := e.Sign(context.Background(), "https://example.com/api?a=1", []HeaderPair{{"Cookie", "c"}, {"lc", "101"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/api?a=1", "Cookie\r\nc\r\nlc\r\n101"}, got)
}

func TestSign_StripPatterns(t *testing.T) {
	e := testEngine(t, emulatortest.Fixed("X-Argus\n1\nX-Debug-Trace\n2\nx-neptune\n3\nX-Ladon\n4\n"), func(o *Options) {
		o.StripHeaders = []string{"X-Debug-*"}
	})
	h, err := e.Sign(context.Background(), "https://example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"X-Argus", "X-Ladon"}, h.Keys())
}

func TestSign_OnlyDiagnosticHeadersGivesEmptyMap(t *testing.T) {
	e := testEngine(t, emulatortest.Fixed("X-Neptune\nZ\nX-Debug-Trace\n2\n"), func(o *Options) {
		o.StripHeaders = []string{"X-Debug-*"}
	})
	h, err := e.Sign(context.Background(), "https://example.com", nil)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, 0, h.Len())
}

func TestSign_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("empty url", func(t *testing.T) {
		e := testEngine(t, emulatortest.Fixed("A\nB\n"), nil)
		_, err := e.Sign(ctx, "", nil)
		assert.ErrorIs(t, err, ErrEmptyURL)
	})

	t.Run("null result", func(t *testing.T) {
		e := testEngine(t, emulatortest.Fixed(""), nil)
		_, err := e.Sign(ctx, "https://example.com", nil)
		assert.ErrorIs(t, err, ErrSignatureGeneration)
	})

	t.Run("no header pairs", func(t *testing.T) {
		e := testEngine(t, emulatortest.Fixed("X-Argus"), nil)
		_, err := e.Sign(ctx, "https://example.com", nil)
		assert.ErrorIs(t, err, ErrSignatureGeneration)
	})

	t.Run("unsupported callback", func(t *testing.T) {
		script := func(ctx context.Context, env emulatortest.Env, _ emulator.EntryPoint, _ []string) (string, error) {
			_, err := env.Bridge.Invoke(ctx, emulator.Call{Kind: emulator.CallObject, Signature: "java/lang/Object->hashCode()I"})
			return "A\nB\n", err
		}
		e := testEngine(t, script, nil)
		_, err := e.Sign(ctx, "https://example.com", nil)
		assert.ErrorIs(t, err, shim.ErrUnsupportedOperation)
	})

	t.Run("machine failure", func(t *testing.T) {
		boom := errors.New("segfault")
		e := testEngine(t, emulatortest.Failing(boom), nil)
		_, err := e.Sign(ctx, "https://example.com", nil)
		assert.ErrorIs(t, err, boom)
	})
}

func TestSign_WarnsOnMissingExpectedHeader(t *testing.T) {
	logger, hook := test.NewNullLogger()
	e := testEngine(t, emulatortest.Fixed("X-Gorgon\n1\n"), func(o *Options) {
		o.ExpectHeaders = []string{"X-Argus"}
		o.Logger = logger
	})
	_, err := e.Sign(context.Background(), "https://example.com", nil)
	require.NoError(t, err)

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "X-Argus", hook.LastEntry().Data["header"])
}

func TestSign_ReleasesObjectsBetweenCalls(t *testing.T) {
	var bridge emulator.Bridge
	script := func(ctx context.Context, env emulatortest.Env, _ emulator.EntryPoint, _ []string) (string, error) {
		bridge = env.Bridge
		env.Bridge.NewString("leak")
		return "A\nB\n", nil
	}
	e := testEngine(t, script, nil)
	for i := 0; i < 3; i++ {
		_, err := e.Sign(context.Background(), "https://example.com", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, bridge.(*shim.Shim).Objects().Len())
}

func TestSign_VendorScriptWellFormed(t *testing.T) {
	const install = "/data/app/com.example-1/base.apk"
	pkg := filepath.Join(t.TempDir(), "base.apk")
	require.NoError(t, os.WriteFile(pkg, []byte("PK"), 0o600))

	e := testEngine(t, emulatortest.VendorScript(install), func(o *Options) {
		o.VM.InstallPath = install
		o.VM.PackagePath = pkg
		o.Shim = shim.Options{Certificate: []byte("cert"), VersionCode: 68132}
		o.ExpectHeaders = []string{"X-Argus"}
	})

	var wg sync.WaitGroup
	results := make([]*HeaderMap, 4)
	errs := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.Sign(context.Background(), "https://example.com/reading", []HeaderPair{{"a", "b"}})
		}(i)
	}
	wg.Wait()

	for i, h := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, []string{"X-Argus", "X-Gorgon", "X-Khronos", "X-Ladon", "X-Helios"}, h.Keys())
		helios, _ := h.Get("X-Helios")
		assert.Equal(t, "68132", helios)
		for _, k := range h.Keys() {
			v, _ := h.Get(k)
			assert.NotEmpty(t, v)
			assert.False(t, strings.EqualFold(k, DiagnosticHeader))
		}
	}
}

func TestLoadBundleAndEngineOptions(t *testing.T) {
	dir := t.TempDir()
	for name, data := range map[string]string{
		"libmetasec_ml.so": "module",
		"libc++_shared.so": "aux",
		"ms_16777218.bin":  "cert",
		"base.apk":         "PK",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(data), 0o600))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "rootfs"), 0o755))

	cfg := config.Default()
	b, err := LoadBundle(context.Background(), resource.NewDirProvider(dir), cfg.Emulator)
	require.NoError(t, err)
	assert.Equal(t, "module", string(b.Module))
	assert.Equal(t, "aux", string(b.AuxLib))
	assert.Equal(t, "cert", string(b.Certificate))
	assert.Equal(t, filepath.Join(dir, "base.apk"), b.PackagePath)
	assert.Equal(t, filepath.Join(dir, "rootfs"), b.FSRoot)

	clock := func() time.Time { return time.Unix(1700000000, 0) }
	opts, err := b.EngineOptions(3, cfg, clock, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, 3, opts.ID)
	assert.Equal(t, int32(68132), opts.Shim.VersionCode)
	assert.Equal(t, "6.8.1.32", opts.Shim.VersionName)
	assert.Equal(t, cfg.Emulator.InstallPath, opts.VM.InstallPath)
	assert.Equal(t, uint64(0x168c80), opts.VM.Entry.Offset)
	assert.Equal(t, 10074, opts.VM.Identity.UID)

	cfg.Remote.Device.VersionCode = "abc"
	_, err = b.EngineOptions(0, cfg, clock, quietLogger())
	assert.Error(t, err)
}

func TestLoadBundle_MissingModule(t *testing.T) {
	_, err := LoadBundle(context.Background(), resource.NewDirProvider(t.TempDir()), config.Default().Emulator)
	assert.ErrorIs(t, err, resource.ErrResourceNotFound)
}
