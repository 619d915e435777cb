package aws

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// FileService mirrors finished generation outputs to object storage so they
// survive backend disk cleanup.
type FileService interface {
	UploadFile(ctx context.Context, fileName string, file io.Reader) (string, error)
	TestConnection(ctx context.Context) error
}

type fileService struct {
	s3     *s3.Client
	bucket string
	region string
	prefix string
}

// NewFileService builds an S3-backed file service. Credentials come from the
// default provider chain (env, shared config, instance role).
func NewFileService(ctx context.Context, region, bucket, prefix string) (FileService, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg)

	log.Info().
		Str("bucket", bucket).
		Str("region", region).
		Str("prefix", prefix).
		Msg("Output mirror initialized")

	return &fileService{
		s3:     client,
		bucket: bucket,
		region: region,
		prefix: prefix,
	}, nil
}

// UploadFile streams one artifact into the bucket and returns its public URL.
func (s *fileService) UploadFile(ctx context.Context, fileName string, file io.Reader) (string, error) {
	key := fileName
	if s.prefix != "" {
		key = path.Join(s.prefix, fileName)
	}

	uploader := manager.NewUploader(s.s3)
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   file,
	})
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Failed to upload output file")
		return "", err
	}

	url := fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key)

	log.Debug().Str("key", key).Str("url", url).Msg("Mirrored output file")
	return url, nil
}

// TestConnection lists a single key to prove the bucket is reachable.
func (s *fileService) TestConnection(ctx context.Context) error {
	_, err := s.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		MaxKeys: aws.Int32(1),
	})
	log.Err(err).Msg("AWS S3 Test Connection")

	return err
}
