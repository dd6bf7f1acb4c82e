// Package gateway is the collaborator facade: request signing, register key
// lookup and content decryption behind one type, with auditing.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kenneth/native-sign-gateway/internal/audit"
	"github.com/kenneth/native-sign-gateway/internal/content"
	"github.com/kenneth/native-sign-gateway/internal/keyvault"
	"github.com/kenneth/native-sign-gateway/internal/middleware"
	"github.com/kenneth/native-sign-gateway/internal/signer"
	"github.com/sirupsen/logrus"
)

// HeaderSigner produces signature headers for a request.
type HeaderSigner interface {
	SignHeaders(ctx context.Context, url string, headers []signer.HeaderPair) (*signer.HeaderMap, error)
}

// KeySource resolves register keys by version.
type KeySource interface {
	Key(ctx context.Context, version *int64) (keyvault.Key, error)
	Invalidate(ctx context.Context, version int64)
	Clear(ctx context.Context) error
	Status() keyvault.Status
}

// Options configures a Service. Audit may be nil.
type Options struct {
	Signer HeaderSigner
	Keys   KeySource
	Cipher *content.Cipher
	Audit  audit.Logger
	Logger *logrus.Logger
}

// Service implements the gateway operations.
type Service struct {
	signer HeaderSigner
	keys   KeySource
	cipher *content.Cipher
	audit  audit.Logger
	logger *logrus.Logger
}

// New creates a Service.
func New(opts Options) (*Service, error) {
	if opts.Signer == nil {
		return nil, errors.New("gateway: signer is required")
	}
	if opts.Keys == nil {
		return nil, errors.New("gateway: key source is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Cipher == nil {
		opts.Cipher = content.NewCipher(nil, opts.Logger)
	}
	return &Service{
		signer: opts.Signer,
		keys:   opts.Keys,
		cipher: opts.Cipher,
		audit:  opts.Audit,
		logger: opts.Logger,
	}, nil
}

// SignHeaders returns the signature headers for url and headers.
func (s *Service) SignHeaders(ctx context.Context, url string, headers []signer.HeaderPair) (*signer.HeaderMap, error) {
	start := time.Now()
	h, err := s.signer.SignHeaders(ctx, url, headers)
	if s.audit != nil {
		meta := map[string]interface{}{"headers": len(headers)}
		if h != nil {
			meta["signature_headers"] = h.Keys()
		}
		s.audit.LogSign(middleware.RequestID(ctx), url, err, time.Since(start), meta)
	}
	return h, err
}

// GetDecryptionKey returns the register key for version, or the current key
// when version is nil, as 32 uppercase hex characters.
func (s *Service) GetDecryptionKey(ctx context.Context, version *int64) (string, error) {
	k, err := s.ResolveKey(ctx, version)
	if err != nil {
		return "", err
	}
	return k.Hex(), nil
}

// ResolveKey is GetDecryptionKey with the version the key was actually
// served under. It differs from version when the server has moved on.
func (s *Service) ResolveKey(ctx context.Context, version *int64) (keyvault.Key, error) {
	return s.key(ctx, "get_key", version)
}

// CurrentKey returns the current register key and its version.
func (s *Service) CurrentKey(ctx context.Context) (keyvault.Key, error) {
	return s.key(ctx, "get_current_key", nil)
}

// DecryptAndDecompress decrypts a content blob with a hex encoded key.
func (s *Service) DecryptAndDecompress(ctx context.Context, blob, hexKey string) (string, error) {
	start := time.Now()
	text, err := s.cipher.DecryptHex(ctx, blob, hexKey)
	s.auditDecrypt(ctx, nil, err, start, 1)
	return text, err
}

// DecryptItem decrypts a blob encrypted under the register key of version.
// A decrypt failure usually means the cached key for that version is stale,
// so the key is dropped, fetched again and the decrypt retried once.
func (s *Service) DecryptItem(ctx context.Context, blob string, version int64) (string, error) {
	start := time.Now()
	text, attempts, err := s.decryptItem(ctx, blob, version)
	s.auditDecrypt(ctx, &version, err, start, attempts)
	return text, err
}

func (s *Service) decryptItem(ctx context.Context, blob string, version int64) (string, int, error) {
	k, err := s.key(ctx, "get_key", &version)
	if err != nil {
		return "", 0, err
	}
	text, err := s.cipher.Decrypt(ctx, blob, k.Bytes)
	if err == nil || !errors.Is(err, content.ErrContentDecrypt) {
		return text, 1, err
	}

	s.logger.WithError(err).WithField("keyver", version).Warn("Content decrypt failed, refetching register key")
	s.keys.Invalidate(ctx, version)
	k, kerr := s.key(ctx, "refetch_key", &version)
	if kerr != nil {
		return "", 1, fmt.Errorf("%w (refetch failed: %v)", err, kerr)
	}
	text, err = s.cipher.Decrypt(ctx, blob, k.Bytes)
	return text, 2, err
}

// ClearKeys empties the register key cache.
func (s *Service) ClearKeys(ctx context.Context) error {
	err := s.keys.Clear(ctx)
	if s.audit != nil {
		s.audit.LogCacheClear(middleware.RequestID(ctx), err)
	}
	if err == nil {
		s.logger.Info("Register key cache cleared")
	}
	return err
}

// KeyStatus reports the cached register key versions.
func (s *Service) KeyStatus() keyvault.Status {
	return s.keys.Status()
}

func (s *Service) key(ctx context.Context, op string, version *int64) (keyvault.Key, error) {
	start := time.Now()
	k, err := s.keys.Key(ctx, version)
	if s.audit != nil {
		v := version
		if err == nil {
			v = &k.Version
		}
		s.audit.LogKeyFetch(middleware.RequestID(ctx), op, v, err, time.Since(start))
	}
	return k, err
}

func (s *Service) auditDecrypt(ctx context.Context, version *int64, err error, start time.Time, attempts int) {
	if s.audit == nil {
		return
	}
	s.audit.LogDecrypt(middleware.RequestID(ctx), version, err, time.Since(start), map[string]interface{}{
		"attempts": attempts,
	})
}
