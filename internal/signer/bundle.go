package signer

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/kenneth/native-sign-gateway/internal/config"
	"github.com/kenneth/native-sign-gateway/internal/emulator"
	"github.com/kenneth/native-sign-gateway/internal/resource"
	"github.com/kenneth/native-sign-gateway/internal/shim"
	"github.com/kenneth/native-sign-gateway/internal/vm"
	"github.com/sirupsen/logrus"
)

// Bundle holds the packaged resources every engine is built from. It is
// fetched once and shared by all engines of a pool.
type Bundle struct {
	Module      []byte
	AuxLib      []byte
	Certificate []byte
	PackagePath string
	FSRoot      string
}

// LoadBundle fetches the resources named in cfg from p.
func LoadBundle(ctx context.Context, p resource.Provider, cfg config.EmulatorConfig) (*Bundle, error) {
	module, err := resource.ReadFile(ctx, p, cfg.ModuleName)
	if err != nil {
		return nil, fmt.Errorf("signing module: %w", err)
	}
	b := &Bundle{Module: module}

	if cfg.AuxLibName != "" {
		if b.AuxLib, err = resource.ReadFile(ctx, p, cfg.AuxLibName); err != nil {
			return nil, fmt.Errorf("auxiliary library: %w", err)
		}
	}
	if cfg.CertName != "" {
		if b.Certificate, err = resource.ReadFile(ctx, p, cfg.CertName); err != nil {
			return nil, fmt.Errorf("certificate: %w", err)
		}
	}
	if cfg.PackageName != "" {
		if b.PackagePath, err = p.Fetch(ctx, cfg.PackageName); err != nil {
			return nil, fmt.Errorf("package: %w", err)
		}
	}
	if cfg.RootFSName != "" {
		if b.FSRoot, err = p.Fetch(ctx, cfg.RootFSName); err != nil {
			return nil, fmt.Errorf("filesystem root: %w", err)
		}
	}
	return b, nil
}

// EngineOptions builds the options for engine id from the bundle and cfg.
func (b *Bundle) EngineOptions(id int, cfg *config.Config, clock func() time.Time, logger *logrus.Logger) (Options, error) {
	versionCode, err := strconv.ParseInt(cfg.Remote.Device.VersionCode, 10, 32)
	if err != nil {
		return Options{}, fmt.Errorf("invalid version code %q: %w", cfg.Remote.Device.VersionCode, err)
	}
	if clock == nil {
		clock = time.Now
	}
	sdk, _ := strconv.Atoi(cfg.Remote.Device.OSAPI)

	em := cfg.Emulator
	return Options{
		ID: id,
		VM: vm.Options{
			ModuleName:  em.ModuleName,
			ModuleBytes: b.Module,
			AuxLibName:  em.AuxLibName,
			AuxLibBytes: b.AuxLib,
			InstallPath: em.InstallPath,
			PackagePath: b.PackagePath,
			FSRoot:      b.FSRoot,
			Identity: emulator.Identity{
				ProcessName: em.ProcessName,
				PackageName: em.ProcessName,
				UID:         em.UID,
				SDKVersion:  sdk,
			},
			Clock:   clock,
			Entry:   emulator.EntryPoint{Symbol: em.EntrySymbol, Offset: em.EntryOffset},
			Verbose: em.Verbose,
			Logger:  logger,
		},
		Shim: shim.Options{
			Certificate: b.Certificate,
			StoragePath: em.StoragePath,
			VersionCode: int32(versionCode),
			VersionName: cfg.Remote.Device.VersionName,
			Clock:       clock,
			Logger:      logger,
		},
		StripHeaders:  cfg.Signer.StripHeaders,
		ExpectHeaders: cfg.Signer.ExpectHeaders,
		Logger:        logger,
	}, nil
}
