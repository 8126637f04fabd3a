// Package artifacts issues presigned S3 PUT URLs so agents and users upload
// task artifacts (screenshots, collected files) straight to object storage.
// The control plane never proxies artifact bytes — it only mints scoped,
// short-lived upload grants.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// urlTTL is how long a presigned upload URL stays valid. Long enough for a
// slow link to move a screenshot, short enough that a leaked URL goes cold
// quickly.
const urlTTL = 15 * time.Minute

// ErrNotConfigured is returned by New when the store settings are absent.
// The server runs fine without an artifact store; the API degrades to 503
// on the presign endpoint.
var ErrNotConfigured = errors.New("artifacts: store not configured")

// Config holds the object-store settings, read from the environment by
// cmd/server. Endpoint is optional and only set for S3-compatible stores
// (MinIO, Ceph RGW); empty means AWS proper.
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// Enabled reports whether enough is configured to mint URLs.
func (c Config) Enabled() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

// Presigner mirrors the subset of *s3.PresignClient the service uses, so
// tests can substitute a fake without AWS credentials.
type Presigner interface {
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Service mints presigned uploads into a single bucket.
type Service struct {
	presigner Presigner
	bucket    string
	logger    *zap.Logger
}

// New builds a Service backed by the real S3 presign client.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Service, error) {
	if !cfg.Enabled() {
		return nil, ErrNotConfigured
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("artifacts: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// S3-compatible stores route on the path, not the subdomain.
			o.UsePathStyle = true
		}
	})

	return NewWithPresigner(s3.NewPresignClient(client), cfg.Bucket, logger), nil
}

// NewWithPresigner wires an explicit presigner; tests use it with a fake.
func NewWithPresigner(p Presigner, bucket string, logger *zap.Logger) *Service {
	return &Service{
		presigner: p,
		bucket:    bucket,
		logger:    logger.Named("artifacts"),
	}
}

// PresignInput identifies what is being uploaded and for whom. The owner and
// task scope the object key so uploads can never collide across tasks or be
// guessed across users.
type PresignInput struct {
	OwnerID     uuid.UUID
	TaskID      uuid.UUID
	Filename    string
	ContentType string
}

// PresignedUpload is handed back to the caller, who PUTs the bytes with the
// returned headers before ExpiresAt.
type PresignedUpload struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	Key       string            `json:"key"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// PresignUpload mints a one-shot PUT grant for the described artifact.
func (s *Service) PresignUpload(ctx context.Context, in PresignInput) (*PresignedUpload, error) {
	key := fmt.Sprintf("artifacts/%s/%s/%s-%s",
		in.OwnerID, in.TaskID, uuid.NewString(), sanitizeFilename(in.Filename))

	params := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if in.ContentType != "" {
		params.ContentType = aws.String(in.ContentType)
	}

	req, err := s.presigner.PresignPutObject(ctx, params, func(o *s3.PresignOptions) {
		o.Expires = urlTTL
	})
	if err != nil {
		return nil, fmt.Errorf("artifacts: presign put: %w", err)
	}

	headers := make(map[string]string, len(req.SignedHeader))
	for name, values := range req.SignedHeader {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}

	s.logger.Debug("presigned artifact upload",
		zap.String("task_id", in.TaskID.String()),
		zap.String("key", key))

	return &PresignedUpload{
		URL:       req.URL,
		Method:    req.Method,
		Headers:   headers,
		Key:       key,
		ExpiresAt: time.Now().UTC().Add(urlTTL),
	}, nil
}

// sanitizeFilename strips any path component and falls back to a generic
// name: the filename is client input ending up in an object key.
func sanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == "/" {
		return "artifact"
	}
	return name
}
