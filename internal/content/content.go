// Package content decrypts content payloads with a register key and inflates
// them when they are gzip compressed.
package content

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kenneth/native-sign-gateway/internal/crypto"
	"github.com/kenneth/native-sign-gateway/internal/metrics"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/kenneth/native-sign-gateway/internal/content"

// ErrContentDecrypt is returned when a blob cannot be decrypted or inflated.
// With a well formed blob this usually means the key belongs to a different
// version.
var ErrContentDecrypt = errors.New("content decrypt failed")

// Decrypt opens base64(iv || ciphertext) with key and returns the plaintext
// as text, inflating it first when it starts with the gzip magic number.
func Decrypt(blob string, key []byte) (string, error) {
	text, _, err := decrypt(blob, key)
	return text, err
}

// DecryptHex is Decrypt with the key given as 32 hex characters.
func DecryptHex(blob, hexKey string) (string, error) {
	key, err := crypto.KeyFromHex(hexKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrContentDecrypt, err)
	}
	return Decrypt(blob, key)
}

func decrypt(blob string, key []byte) (string, bool, error) {
	plaintext, err := crypto.OpenBlob(blob, key)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrContentDecrypt, err)
	}
	compressed := crypto.IsGzip(plaintext)
	text, err := crypto.DecodeText(plaintext)
	if err != nil {
		return "", compressed, fmt.Errorf("%w: %v", ErrContentDecrypt, err)
	}
	return text, compressed, nil
}

// Cipher is Decrypt with tracing and metrics.
type Cipher struct {
	metrics *metrics.Metrics
	logger  *logrus.Logger
}

// NewCipher creates a Cipher. m may be nil.
func NewCipher(m *metrics.Metrics, logger *logrus.Logger) *Cipher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Cipher{metrics: m, logger: logger}
}

// Decrypt decrypts blob with key.
func (c *Cipher) Decrypt(ctx context.Context, blob string, key []byte) (string, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "content.Decrypt")
	defer span.End()

	start := time.Now()
	text, compressed, err := decrypt(blob, key)
	if c.metrics != nil {
		c.metrics.RecordDecrypt(ctx, time.Since(start), len(text), compressed, err)
	}
	span.SetAttributes(attribute.Bool("compressed", compressed))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decrypt failed")
		c.logger.WithError(err).WithField("blob_len", len(blob)).Debug("Content decrypt failed")
		return "", err
	}
	return text, nil
}

// DecryptHex decrypts blob with a hex encoded key.
func (c *Cipher) DecryptHex(ctx context.Context, blob, hexKey string) (string, error) {
	key, err := crypto.KeyFromHex(hexKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrContentDecrypt, err)
	}
	return c.Decrypt(ctx, blob, key)
}
