package services

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/docuvert/docuvert/internal/common"
	"github.com/docuvert/docuvert/internal/transfer"
)

// Test seams for the AWS SDK.
var (
	loadDefaultAWSConfig = awsconfig.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	newS3PresignClient = func(c *s3.Client) *s3.PresignClient {
		return s3.NewPresignClient(c)
	}

	putObject = func(c *s3.Client, ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
		return c.PutObject(ctx, in, optFns...)
	}

	presignGetObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignGetObject(ctx, in, optFns...)
	}
)

func (s *ConversionService) archiveEnabled() bool {
	return s.config.S3Bucket != ""
}

func (s *ConversionService) getS3Client() (*s3.Client, error) {
	cfg, err := loadDefaultAWSConfig(context.Background(),
		awsconfig.WithRegion(s.config.S3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			s.config.S3RootUser,
			s.config.S3RootPassword,
			"",
		)))
	if err != nil {
		return nil, err
	}

	return newS3ClientFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(s.config.S3BaseEndpoint)
	}), nil
}

func archiveKey(userID, fileID string) string {
	return fmt.Sprintf("users/%s/%s", userID, fileID)
}

// ArchiveFile mirrors a stored file's ciphertext (and its tag sidecar, when
// present) into the archive bucket. The payload stays encrypted; the object
// store never sees plaintext.
func (s *ConversionService) ArchiveFile(ctx context.Context, userID, fileID string) (string, error) {
	if !s.archiveEnabled() {
		return "", fmt.Errorf("%w: archive bucket not configured", common.ErrConfiguration)
	}

	file, err := s.repos.Files(s.db).GetByID(ctx, userID, fileID)
	if err != nil {
		return "", err
	}

	client, err := s.getS3Client()
	if err != nil {
		return "", err
	}

	key := archiveKey(userID, fileID)
	if err := s.putFile(ctx, client, key, file.Path); err != nil {
		return "", err
	}

	tagPath := transfer.TagPath(file.Path)
	if _, err := os.Stat(tagPath); err == nil {
		if err := s.putFile(ctx, client, key+transfer.TagSuffix, tagPath); err != nil {
			return "", err
		}
	}

	s.logger.Info(ctx, "file archived", "file_id", fileID, "key", key)
	return key, nil
}

func (s *ConversionService) putFile(ctx context.Context, client *s3.Client, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", common.ErrStorageIO, path, err)
	}
	defer f.Close()

	bucket := s.config.S3Bucket
	_, err = putObject(client, ctx, &s3.PutObjectInput{
		Bucket: &bucket,
		Key:    &key,
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	return nil
}

// ArchiveURL returns a presigned GET for an archived ciphertext object.
func (s *ConversionService) ArchiveURL(ctx context.Context, userID, fileID string) (string, error) {
	if !s.archiveEnabled() {
		return "", fmt.Errorf("%w: archive bucket not configured", common.ErrConfiguration)
	}

	client, err := s.getS3Client()
	if err != nil {
		return "", err
	}
	presignClient := newS3PresignClient(client)

	bucket := s.config.S3Bucket
	key := archiveKey(userID, fileID)
	req, err := presignGetObject(presignClient, ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	}, s3.WithPresignExpires(15*time.Minute))
	if err != nil {
		return "", err
	}

	return req.URL, nil
}
