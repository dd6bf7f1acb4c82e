// Package keyvault fetches, decrypts and caches versioned register keys.
//
// A Vault owns a version to key map behind one mutex. The mutex is held
// across the remote fetch, so concurrent lookups that miss are serialized
// behind it rather than deduplicated, and no reader ever sees a partially
// written entry.
package keyvault

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/kenneth/native-sign-gateway/internal/crypto"
	"github.com/kenneth/native-sign-gateway/internal/metrics"
	"github.com/kenneth/native-sign-gateway/internal/remote"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/kenneth/native-sign-gateway/internal/keyvault"

// RequestKeyVersion is the key version sent with every register key request.
const RequestKeyVersion int64 = 1

var (
	// ErrFetch is returned when the register key could not be obtained.
	ErrFetch = errors.New("register key fetch failed")
	// ErrCrypto is returned when the key exchange payload could not be
	// sealed or opened.
	ErrCrypto = errors.New("register key crypto failed")
)

// Fetcher performs the register key exchange.
type Fetcher interface {
	RegisterKey(ctx context.Context, req remote.RegisterKeyRequest) (*remote.RegisterKeyResponse, error)
}

// Key is one cached register key.
type Key struct {
	Version int64
	Bytes   []byte
}

// Hex returns the key as 32 uppercase hex characters.
func (k Key) Hex() string { return crypto.KeyToHex(k.Bytes) }

// Status describes the cache contents.
type Status struct {
	Count    int     `json:"count"`
	Versions []int64 `json:"versions"`
	Current  *int64  `json:"current,omitempty"`
}

// Options configures a Vault.
type Options struct {
	PSK      []byte
	DeviceID int64
	Marker   int64
	Fetcher  Fetcher
	// Mirror, if set, shares fetched keys with other replicas.
	Mirror  Mirror
	Rand    io.Reader
	Metrics *metrics.Metrics
	Logger  *logrus.Logger
}

// Vault caches register keys by version.
type Vault struct {
	opts Options

	mu         sync.Mutex
	keys       map[int64][]byte
	current    int64
	hasCurrent bool
}

// New creates an empty vault.
func New(opts Options) (*Vault, error) {
	if len(opts.PSK) != crypto.KeySize {
		return nil, fmt.Errorf("pre-shared key must be %d bytes, got %d", crypto.KeySize, len(opts.PSK))
	}
	if opts.Fetcher == nil {
		return nil, errors.New("keyvault: fetcher is required")
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Vault{opts: opts, keys: make(map[int64][]byte)}, nil
}

// Key returns the key for version, or the current key when version is nil.
// A miss fetches from the server while holding the vault lock.
func (v *Vault) Key(ctx context.Context, version *int64) (Key, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if k, ok := v.lookup(version); ok {
		v.recordLookup(ctx, true)
		return k, nil
	}
	v.recordLookup(ctx, false)

	if k, ok := v.fromMirror(ctx, version); ok {
		return k, nil
	}
	return v.fetch(ctx, version)
}

// DecryptionKey returns the key for version as uppercase hex.
func (v *Vault) DecryptionKey(ctx context.Context, version *int64) (string, error) {
	k, err := v.Key(ctx, version)
	if err != nil {
		return "", err
	}
	return k.Hex(), nil
}

// Refresh fetches a new key from the server regardless of the cache.
func (v *Vault) Refresh(ctx context.Context) (Key, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fetch(ctx, nil)
}

// Invalidate drops the cached key for version so the next lookup fetches it
// again. It exists only for the gateway's single retry after a failed
// content decrypt; Clear is the general removal path.
func (v *Vault) Invalidate(ctx context.Context, version int64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	delete(v.keys, version)
	if v.hasCurrent && v.current == version {
		v.hasCurrent = false
	}
	if v.opts.Mirror != nil {
		if err := v.opts.Mirror.Delete(ctx, version); err != nil {
			v.opts.Logger.WithError(err).WithField("keyver", version).Warn("Failed to drop register key from mirror")
		}
	}
	v.publishSize()
}

// Clear empties the cache and the mirror.
func (v *Vault) Clear(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.keys = make(map[int64][]byte)
	v.hasCurrent = false
	v.publishSize()
	if v.opts.Mirror != nil {
		if err := v.opts.Mirror.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear key mirror: %w", err)
		}
	}
	return nil
}

// Status reports the cached versions.
func (v *Vault) Status() Status {
	v.mu.Lock()
	defer v.mu.Unlock()

	versions := make([]int64, 0, len(v.keys))
	for ver := range v.keys {
		versions = append(versions, ver)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })

	s := Status{Count: len(versions), Versions: versions}
	if v.hasCurrent {
		cur := v.current
		s.Current = &cur
	}
	return s
}

// Warmup fetches the current key. Failures are logged, not returned, so a
// temporarily unreachable server does not prevent startup.
func (v *Vault) Warmup(ctx context.Context) {
	k, err := v.Key(ctx, nil)
	if err != nil {
		v.opts.Logger.WithError(err).Warn("Initial register key fetch failed")
		return
	}
	v.opts.Logger.WithField("keyver", k.Version).Info("Initial register key fetched")
}

func (v *Vault) lookup(version *int64) (Key, bool) {
	ver := v.current
	if version != nil {
		ver = *version
	} else if !v.hasCurrent {
		return Key{}, false
	}
	b, ok := v.keys[ver]
	if !ok {
		return Key{}, false
	}
	return Key{Version: ver, Bytes: append([]byte(nil), b...)}, true
}

func (v *Vault) fromMirror(ctx context.Context, version *int64) (Key, bool) {
	m := v.opts.Mirror
	if m == nil {
		return Key{}, false
	}

	var ver int64
	if version != nil {
		ver = *version
	} else {
		cur, ok, err := m.Current(ctx)
		if err != nil || !ok {
			if err != nil {
				v.opts.Logger.WithError(err).Warn("Failed to read current key version from mirror")
			}
			return Key{}, false
		}
		ver = cur
	}

	b, ok, err := m.Get(ctx, ver)
	if err != nil {
		v.opts.Logger.WithError(err).WithField("keyver", ver).Warn("Failed to read register key from mirror")
		return Key{}, false
	}
	if !ok {
		return Key{}, false
	}
	stored := v.insert(ver, b)
	if version == nil {
		v.setCurrent(ver)
	}
	v.opts.Logger.WithField("keyver", ver).Debug("Register key loaded from mirror")
	return Key{Version: ver, Bytes: append([]byte(nil), stored...)}, true
}

func (v *Vault) fetch(ctx context.Context, version *int64) (Key, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "keyvault.Fetch")
	defer span.End()

	start := time.Now()
	k, err := v.doFetch(ctx)
	if v.opts.Metrics != nil {
		v.opts.Metrics.RecordKeyFetch(ctx, time.Since(start), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return Key{}, err
	}
	span.SetAttributes(attribute.Int64("keyver", k.Version))

	logger := v.opts.Logger.WithField("keyver", k.Version)
	if version != nil && *version != k.Version {
		logger.WithField("requested", *version).Warn("Server returned a different key version than requested")
	} else {
		logger.Info("Register key fetched")
	}
	return k, nil
}

func (v *Vault) doFetch(ctx context.Context) (Key, error) {
	content, err := BuildRequestContent(v.opts.PSK, v.opts.DeviceID, v.opts.Marker, v.opts.Rand)
	if err != nil {
		return Key{}, err
	}

	resp, err := v.opts.Fetcher.RegisterKey(ctx, remote.RegisterKeyRequest{
		Content:    content,
		KeyVersion: RequestKeyVersion,
	})
	if err != nil {
		return Key{}, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	if resp == nil || resp.Key == "" {
		return Key{}, fmt.Errorf("%w: empty response", ErrFetch)
	}

	key, err := DecodeRegisterKey(resp.Key, v.opts.PSK)
	if err != nil {
		return Key{}, err
	}

	stored := v.insert(resp.Version, key)
	v.setCurrent(resp.Version)
	if v.opts.Mirror != nil {
		if err := v.opts.Mirror.Put(ctx, resp.Version, stored); err != nil {
			v.opts.Logger.WithError(err).WithField("keyver", resp.Version).Warn("Failed to mirror register key")
		}
	}
	return Key{Version: resp.Version, Bytes: append([]byte(nil), stored...)}, nil
}

// insert records key under version. An existing entry for version is kept;
// the stored bytes are returned.
func (v *Vault) insert(version int64, key []byte) []byte {
	existing, ok := v.keys[version]
	if !ok {
		existing = append([]byte(nil), key...)
		v.keys[version] = existing
	}
	v.publishSize()
	return existing
}

// setCurrent marks version as the one served for Key(ctx, nil). Only a
// server fetch, or the mirror's own current pointer, may move it.
func (v *Vault) setCurrent(version int64) {
	v.current = version
	v.hasCurrent = true
}

func (v *Vault) recordLookup(ctx context.Context, hit bool) {
	if v.opts.Metrics != nil {
		v.opts.Metrics.RecordKeyLookup(ctx, hit)
	}
}

func (v *Vault) publishSize() {
	if v.opts.Metrics != nil {
		v.opts.Metrics.SetKeyCacheSize(len(v.keys))
	}
}
