// Package blob reads private backing storage and turns its objects into provider-fetchable URLs.
package blob

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ILLUVRSE/imagerotation/internal/logger"
	"github.com/ILLUVRSE/imagerotation/internal/media"
)

type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

type Config struct {
	// Bucket is used for internal-host URLs that do not name a bucket.
	Bucket        string
	InternalHosts []string
	PresignTTL    time.Duration
}

// S3Materializer stages private objects through the provider's upload path, falling back to a
// presigned GET when staging is refused.
type S3Materializer struct {
	bucket    string
	hosts     map[string]bool
	getter    ObjectGetter
	presigner Presigner
	ttl       time.Duration
	log       *logger.Logger
}

// NewS3Materializer loads AWS credentials from the environment the way the SDK does by default.
func NewS3Materializer(ctx context.Context, cfg Config, log *logger.Logger) (*S3Materializer, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("backing bucket required")
	}
	awsCfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return NewWithClients(cfg, client, s3.NewPresignClient(client), log), nil
}

func NewWithClients(cfg Config, getter ObjectGetter, presigner Presigner, log *logger.Logger) *S3Materializer {
	hosts := map[string]bool{}
	for _, h := range cfg.InternalHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts[h] = true
		}
	}
	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &S3Materializer{
		bucket:    cfg.Bucket,
		hosts:     hosts,
		getter:    getter,
		presigner: presigner,
		ttl:       ttl,
		log:       logger.OrNop(log),
	}
}

func (m *S3Materializer) IsInternal(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	if strings.EqualFold(u.Scheme, "s3") {
		return true
	}
	return m.hosts[strings.ToLower(u.Hostname())]
}

// locate splits a private URL into bucket and key.
func (m *S3Materializer) locate(rawURL string) (string, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("parse %s: %w", rawURL, err)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if strings.EqualFold(u.Scheme, "s3") {
		if u.Host == "" || key == "" {
			return "", "", fmt.Errorf("s3 url %s needs bucket and key", rawURL)
		}
		return u.Host, key, nil
	}
	if m.bucket == "" || key == "" {
		return "", "", fmt.Errorf("cannot map %s to a bucket object", rawURL)
	}
	return m.bucket, key, nil
}

func (m *S3Materializer) MaterializePublicURL(ctx context.Context, stager media.Stager, rawURL string) (string, error) {
	bucket, key, err := m.locate(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", media.ErrNotFetchable, err)
	}
	out, err := m.getter.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return "", fmt.Errorf("%w: get s3://%s/%s: %v", media.ErrTransient, bucket, key, err)
	}
	defer out.Body.Close()

	file := media.StagedFile{
		Filename: path.Base(key),
		MimeType: aws.ToString(out.ContentType),
		Size:     aws.ToInt64(out.ContentLength),
		Body:     out.Body,
	}
	staged, err := stager.StageUpload(ctx, file)
	if err == nil {
		return staged, nil
	}
	if media.IsTransient(err) || m.presigner == nil {
		return "", fmt.Errorf("stage s3://%s/%s: %w", bucket, key, err)
	}
	m.log.Warn("staged upload refused, presigning", "bucket", bucket, "key", key, "error", err)
	req, perr := m.presigner.PresignGetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)},
		s3.WithPresignExpires(m.ttl))
	if perr != nil {
		return "", fmt.Errorf("presign s3://%s/%s: %w", bucket, key, perr)
	}
	return req.URL, nil
}
