package signedurl

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	apperrors "github.com/pipeworks-io/pipeworks/errors"
)

func init() {
	RegisterProvider(ProviderS3, func(cfg Config) (Provider, error) {
		return NewS3(context.Background(), cfg)
	})
}

// S3 issues provider-native presigned URLs against one bucket. Dataset paths
// may be plain keys or s3://bucket/key URIs; the URI form overrides the
// configured bucket.
type S3 struct {
	cfg     Config
	presign *awss3.PresignClient
}

// NewS3 creates the S3 provider.
func NewS3(ctx context.Context, cfg Config) (*S3, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("signedurl: load aws config: %w", err)
	}

	var s3Opts []func(*awss3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *awss3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	client := awss3.NewFromConfig(awsCfg, s3Opts...)
	return &S3{cfg: cfg, presign: awss3.NewPresignClient(client)}, nil
}

// object splits a dataset path into bucket and key.
func (s *S3) object(path string) (bucket, key string, err error) {
	if after, ok := strings.CutPrefix(path, "s3://"); ok {
		bucket, key, ok = strings.Cut(after, "/")
		if !ok || bucket == "" || key == "" {
			return "", "", apperrors.BadRequest(fmt.Sprintf("malformed s3 uri %q", path))
		}
		return bucket, key, nil
	}
	if s.cfg.Bucket == "" {
		return "", "", apperrors.BadRequest(fmt.Sprintf("no bucket configured for key %q", path))
	}
	return s.cfg.Bucket, strings.TrimPrefix(path, "/"), nil
}

// Read issues one presigned GET per resolved object.
func (s *S3) Read(ctx context.Context, req Request) ([]string, error) {
	files, err := paths(req)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(files))
	for _, fp := range files {
		bucket, key, err := s.object(fp)
		if err != nil {
			return nil, err
		}
		presigned, err := s.presign.PresignGetObject(ctx, &awss3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		}, awss3.WithPresignExpires(req.ExpiresIn))
		if err != nil {
			return nil, apperrors.Upstream("s3", err)
		}
		out = append(out, presigned.URL)
	}
	return out, nil
}

// Create issues one presigned POST per resolved object.
func (s *S3) Create(ctx context.Context, req Request) ([]Upload, error) {
	files, err := paths(req)
	if err != nil {
		return nil, err
	}
	out := make([]Upload, 0, len(files))
	for _, fp := range files {
		bucket, key, err := s.object(fp)
		if err != nil {
			return nil, err
		}
		presigned, err := s.presign.PresignPostObject(ctx, &awss3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		}, func(o *awss3.PresignPostOptions) {
			o.Expires = req.ExpiresIn
		})
		if err != nil {
			return nil, apperrors.Upstream("s3", err)
		}
		fields := make(map[string]string, len(presigned.Values))
		for k, v := range presigned.Values {
			fields[k] = v
		}
		out = append(out, Upload{URL: presigned.URL, Fields: fields})
	}
	return out, nil
}
