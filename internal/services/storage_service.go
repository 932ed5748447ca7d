// internal/services/storage_service.go
package services

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/google/uuid"

	"github.com/javajoker/affiliate-backend/internal/config"
)

// StorageService writes generated statements to S3. Without credentials it
// is disabled and uploads fail with ErrStorageNotConfigured.
type StorageService struct {
	s3Client s3iface.S3API
	bucket   string
	region   string
	prefix   string
}

type UploadResult struct {
	URL      string `json:"url"`
	Key      string `json:"key"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
}

func NewStorageService(cfg config.AWSConfig) (*StorageService, error) {
	service := &StorageService{bucket: cfg.S3Bucket, region: cfg.Region, prefix: cfg.ExportPrefix}
	if cfg.AccessKeyID == "" {
		return service, nil
	}

	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(cfg.Region),
		Credentials: credentials.NewStaticCredentials(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	service.s3Client = s3.New(sess)
	return service, nil
}

// NewStorageServiceWithClient wires an existing client, e.g. one pointed at
// a local S3 compatible endpoint.
func NewStorageServiceWithClient(client s3iface.S3API, cfg config.AWSConfig) *StorageService {
	return &StorageService{s3Client: client, bucket: cfg.S3Bucket, region: cfg.Region, prefix: cfg.ExportPrefix}
}

func (s *StorageService) Enabled() bool {
	return s != nil && s.s3Client != nil
}

func (s *StorageService) Upload(ctx context.Context, key string, data []byte, contentType string) (*UploadResult, error) {
	if !s.Enabled() {
		return nil, ErrStorageNotConfigured
	}

	_, err := s.s3Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String(contentType),
		ContentLength:        aws.Int64(int64(len(data))),
		ServerSideEncryption: aws.String(s3.ServerSideEncryptionAes256),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload to S3: %w", err)
	}

	return &UploadResult{
		URL:      s.objectURL(key),
		Key:      key,
		Size:     int64(len(data)),
		MimeType: contentType,
	}, nil
}

// StatementKey builds prefix/affiliate/20060102_<id>.ext.
func (s *StorageService) StatementKey(affiliateID uuid.UUID, ext string) string {
	timestamp := time.Now().UTC().Format("20060102")
	filename := fmt.Sprintf("%s_%s%s", timestamp, uuid.New().String()[:8], ext)

	if s.prefix != "" {
		return fmt.Sprintf("%s/%s/%s", s.prefix, affiliateID, filename)
	}
	return fmt.Sprintf("%s/%s", affiliateID, filename)
}

func (s *StorageService) objectURL(key string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key)
}
