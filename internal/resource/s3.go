package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/kenneth/native-sign-gateway/internal/config"
)

// S3API is the subset of the S3 client the provider uses.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Provider downloads resources from a bucket into a local cache
// directory. A name that is not an object but a key prefix (the virtual
// filesystem root) is downloaded as a directory tree. Resources are
// immutable, so anything already cached is served without a round trip.
type S3Provider struct {
	client   S3API
	bucket   string
	prefix   string
	cacheDir string

	mu sync.Mutex
}

// NewS3Provider creates a provider backed by an AWS SDK client.
func NewS3Provider(ctx context.Context, cfg config.S3Config, cacheDir string) (*S3Provider, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return NewS3ProviderWithClient(client, cfg.Bucket, cfg.Prefix, cacheDir)
}

// NewS3ProviderWithClient creates a provider over an existing client.
func NewS3ProviderWithClient(client S3API, bucket, prefix, cacheDir string) (*S3Provider, error) {
	if cacheDir == "" {
		dir, err := os.MkdirTemp("", "signgw-resources-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create resource cache: %w", err)
		}
		cacheDir = dir
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create resource cache %s: %w", cacheDir, err)
	}
	return &S3Provider{
		client:   client,
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		cacheDir: cacheDir,
	}, nil
}

// Fetch implements Provider.
func (p *S3Provider) Fetch(ctx context.Context, name string) (string, error) {
	rel, err := cleanName(name)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	local := filepath.Join(p.cacheDir, rel)
	if _, err := os.Stat(local); err == nil {
		return local, nil
	}

	key := p.key(filepath.ToSlash(rel))
	err = p.download(ctx, key, local)
	if err == nil {
		return local, nil
	}
	if !isNotFound(err) {
		return "", fmt.Errorf("failed to fetch resource %s from s3://%s/%s: %w", name, p.bucket, key, err)
	}

	n, err := p.downloadTree(ctx, key+"/", local)
	if err != nil {
		return "", fmt.Errorf("failed to fetch resource tree %s from s3://%s/%s: %w", name, p.bucket, key, err)
	}
	if n == 0 {
		return "", fmt.Errorf("%w: s3://%s/%s", ErrResourceNotFound, p.bucket, key)
	}
	return local, nil
}

func (p *S3Provider) key(rel string) string {
	if p.prefix == "" {
		return rel
	}
	return path.Join(p.prefix, rel)
}

func (p *S3Provider) download(ctx context.Context, key, local string) error {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return err
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(local), ".download-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, out.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), local)
}

func (p *S3Provider) downloadTree(ctx context.Context, prefix, local string) (int, error) {
	var (
		count int
		token *string
	)
	for {
		out, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(p.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return count, err
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			rel := strings.TrimPrefix(key, prefix)
			if rel == "" || strings.HasSuffix(rel, "/") {
				continue
			}
			if _, err := cleanName(rel); err != nil {
				return count, err
			}
			if err := p.download(ctx, key, filepath.Join(local, filepath.FromSlash(rel))); err != nil {
				return count, err
			}
			count++
		}
		if !aws.ToBool(out.IsTruncated) {
			return count, nil
		}
		token = out.NextContinuationToken
	}
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
