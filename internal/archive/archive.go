// Package archive copies the audit trail to S3-compatible object storage
// (AWS S3, Cloudflare R2, MinIO) as msgpack objects.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aristath/yieldrouter/internal/domain"
	"github.com/aristath/yieldrouter/internal/store"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

const contentType = "application/msgpack"

// Uploader is the subset of *manager.Uploader the archiver needs
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Options locates the bucket's endpoint and credentials
type Options struct {
	Region          string
	Endpoint        string // empty for AWS; set for R2/MinIO
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Uploader builds a multipart-capable uploader. Static credentials are
// used when both keys are set, otherwise the default AWS chain applies.
func NewS3Uploader(ctx context.Context, opts Options) (*manager.Uploader, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return manager.NewUploader(client), nil
}

// Archiver is a domain.AuditSink writing one object per record
type Archiver struct {
	uploader Uploader
	bucket   string
	prefix   string
	timeout  time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// NewArchiver creates an archiver writing under prefix in bucket
func NewArchiver(uploader Uploader, bucket, prefix string, log zerolog.Logger) *Archiver {
	return &Archiver{
		uploader: uploader,
		bucket:   bucket,
		prefix:   prefix,
		timeout:  2 * time.Minute,
		now:      time.Now,
		log:      log.With().Str("service", "archive").Logger(),
	}
}

// RecordExecution uploads exec to <prefix>/executions/YYYY/MM/DD/<id>.msgpack
func (a *Archiver) RecordExecution(ctx context.Context, exec *domain.RebalanceExecution) error {
	data, err := store.EncodeExecution(exec)
	if err != nil {
		return err
	}
	key := a.key("executions", exec.StartedAt, exec.ID)
	return a.put(ctx, key, data, map[string]string{
		"state":       string(exec.State),
		"destination": exec.Recommendation.DestinationVenue,
	})
}

// RecordRecommendations uploads a batch to
// <prefix>/recommendations/YYYY/MM/DD/<HHMMSS>-<first id>.msgpack
func (a *Archiver) RecordRecommendations(ctx context.Context, recs []domain.RebalanceRecommendation) error {
	if len(recs) == 0 {
		return nil
	}
	data, err := store.EncodeRecommendations(recs)
	if err != nil {
		return fmt.Errorf("encode recommendations: %w", err)
	}
	at := a.now().UTC()
	key := a.key("recommendations", at, at.Format("150405")+"-"+recs[0].ID)
	return a.put(ctx, key, data, map[string]string{
		"count": fmt.Sprintf("%d", len(recs)),
	})
}

func (a *Archiver) key(kind string, at time.Time, name string) string {
	return path.Join(a.prefix, kind, at.UTC().Format("2006/01/02"), name+".msgpack")
}

func (a *Archiver) put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := a.now()
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata:    metadata,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	a.log.Debug().
		Str("key", key).
		Int("bytes", len(data)).
		Dur("elapsed", a.now().Sub(start)).
		Msg("Archived")
	return nil
}
