package sink

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/solflux/arbiter/pkg/logger"
)

// S3Archiver batches MessagePack-encoded outcome records into objects under
// a timestamp-prefixed key, uploaded through the SDK's managed uploader —
// grounded on the teacher's R2/S3 backup jobs, which use the same SDK for
// periodic archival uploads of data the live system no longer needs
// resident.
type S3Archiver struct {
	uploader *manager.Uploader
	bucket   string
	log      zerolog.Logger
}

// S3Config holds the archival writer's object-storage connection settings.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // non-empty for S3-compatible endpoints (e.g. R2); empty uses AWS default resolution
}

// NewS3Archiver builds an archiver bound to cfg. accessKey/secretKey may be
// empty to fall back to the SDK's default credential chain.
func NewS3Archiver(ctx context.Context, cfg S3Config, accessKey, secretKey string, log zerolog.Logger) (*S3Archiver, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("sink: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Archiver{
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		log:      logger.Stage(log, "sink.S3Archiver"),
	}, nil
}

// Archive uploads one batch as a single object keyed by flush time and a
// random suffix, so concurrent flushes never collide.
func (a *S3Archiver) Archive(records []Record) error {
	data, err := EncodeRecords(records)
	if err != nil {
		return fmt.Errorf("sink: encode batch: %w", err)
	}

	key := fmt.Sprintf("outcomes/%s/%s.msgpack", time.Now().UTC().Format("2006/01/02"), uuid.NewString())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("sink: upload %s: %w", key, err)
	}
	a.log.Debug().Str("key", key).Int("records", len(records)).Msg("archived outcome batch")
	return nil
}

// NoopArchiver discards every batch; backs tests and deployments without
// archival configured.
type NoopArchiver struct{}

func (NoopArchiver) Archive(records []Record) error { return nil }
