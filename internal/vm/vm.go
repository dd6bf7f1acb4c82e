// Package vm hosts one loaded copy of the signing module.
//
// An Environment materializes the module and its auxiliary library into a
// private temporary directory, maps the module's filesystem view onto those
// files, the packaged installation archive and a root directory, and
// exposes a single Invoke call returning the module's result string.
package vm

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kenneth/native-sign-gateway/internal/emulator"
	"github.com/sirupsen/logrus"
)

// ErrInitialization is returned when an environment cannot be constructed.
var ErrInitialization = errors.New("environment initialization failed")

// Options describes what to load.
type Options struct {
	ModuleName  string
	ModuleBytes []byte
	AuxLibName  string
	AuxLibBytes []byte

	// InstallPath is the path at which the module expects to find its
	// installation archive; PackagePath is the local copy.
	InstallPath string
	PackagePath string

	// FSRoot backs every path not resolved to a materialized file.
	FSRoot string

	Identity emulator.Identity
	Clock    func() time.Time
	Entry    emulator.EntryPoint
	Verbose  bool
	Logger   *logrus.Logger
}

// Environment is one loaded signing module.
type Environment struct {
	opts    Options
	dir     string
	module  string
	auxLib  string
	machine emulator.Machine
	logger  *logrus.Logger

	closeOnce sync.Once
	closeErr  error
}

// New materializes opts into a temporary directory and loads the module on
// backend with bridge answering its runtime callbacks. Partially built
// environments are torn down before the error is returned.
func New(ctx context.Context, backend emulator.Backend, bridge emulator.Bridge, opts Options) (*Environment, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	env := &Environment{opts: opts, logger: logger}

	if err := env.init(ctx, backend, bridge); err != nil {
		_ = env.Close(ctx)
		return nil, fmt.Errorf("%w: %v", ErrInitialization, err)
	}

	logger.WithFields(logrus.Fields{
		"backend": backend.Name(),
		"module":  opts.ModuleName,
		"dir":     env.dir,
	}).Debug("Loaded signing module")
	return env, nil
}

func (e *Environment) init(ctx context.Context, backend emulator.Backend, bridge emulator.Bridge) error {
	if backend == nil {
		return errors.New("no backend")
	}
	if e.opts.ModuleName == "" || len(e.opts.ModuleBytes) == 0 {
		return errors.New("module is empty")
	}

	dir, err := os.MkdirTemp("", "signgw-vm-*")
	if err != nil {
		return fmt.Errorf("failed to create working directory: %w", err)
	}
	e.dir = dir

	if e.module, err = e.materialize(e.opts.ModuleName, e.opts.ModuleBytes); err != nil {
		return err
	}
	var libs []string
	if e.opts.AuxLibName != "" {
		if e.auxLib, err = e.materialize(e.opts.AuxLibName, e.opts.AuxLibBytes); err != nil {
			return err
		}
		libs = append(libs, e.auxLib)
	}

	machine, err := backend.Load(ctx, emulator.Spec{
		ModulePath: e.module,
		Libraries:  libs,
		FS:         e.FS(),
		Identity:   e.opts.Identity,
		Clock:      e.opts.Clock,
		Bridge:     bridge,
		Verbose:    e.opts.Verbose,
	})
	if err != nil {
		return fmt.Errorf("failed to load module on %s: %w", backend.Name(), err)
	}
	e.machine = machine
	return nil
}

func (e *Environment) materialize(name string, data []byte) (string, error) {
	path := filepath.Join(e.dir, filepath.Base(name))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	return path, nil
}

// Dir returns the temporary directory backing the environment.
func (e *Environment) Dir() string { return e.dir }

// Resolve maps a path requested by the module to a local file. The
// installation path must match exactly; the libraries match on any path
// containing their file name.
func (e *Environment) Resolve(path string) (string, bool) {
	if e.opts.InstallPath != "" && e.opts.PackagePath != "" && path == e.opts.InstallPath {
		return e.opts.PackagePath, true
	}
	if e.module != "" && strings.Contains(path, filepath.Base(e.opts.ModuleName)) {
		return e.module, true
	}
	if e.auxLib != "" && strings.Contains(path, filepath.Base(e.opts.AuxLibName)) {
		return e.auxLib, true
	}
	return "", false
}

// FS returns the module's view of the filesystem.
func (e *Environment) FS() fs.FS {
	var base fs.FS
	if e.opts.FSRoot != "" {
		base = os.DirFS(e.opts.FSRoot)
	}
	return &overlayFS{env: e, base: base}
}

// Invoke runs the entry point on url and the serialized request headers. A
// null result pointer yields an empty string.
func (e *Environment) Invoke(ctx context.Context, url, headers string) (string, error) {
	if e.machine == nil {
		return "", errors.New("environment is not loaded")
	}
	addr, err := e.machine.Call(ctx, e.opts.Entry, url, headers)
	if err != nil {
		return "", err
	}
	if addr == emulator.Null {
		return "", nil
	}
	return e.machine.ReadCString(addr)
}

// Close unloads the module and removes the working directory. It is safe to
// call more than once.
func (e *Environment) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		var errs []error
		if e.machine != nil {
			errs = append(errs, e.machine.Close(ctx))
		}
		if e.dir != "" {
			errs = append(errs, os.RemoveAll(e.dir))
		}
		e.closeErr = errors.Join(errs...)
	})
	return e.closeErr
}

// overlayFS serves resolved paths from local files and everything else from
// the root directory.
type overlayFS struct {
	env  *Environment
	base fs.FS
}

func (o *overlayFS) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	if local, ok := o.env.Resolve("/" + name); ok {
		return os.Open(local)
	}
	if o.base == nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return o.base.Open(name)
}
