package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Store 对象存储后端，兼容 S3 协议的服务（R2/MinIO 等）
// 对象生命周期由远端服务管理，这里不做清理
type S3Store struct {
	client       *s3.Client
	bucket       string
	publicDomain string
}

// NewS3Store 创建 S3 后端
func NewS3Store(ctx context.Context, opts Options) (*S3Store, error) {
	if opts.S3Bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET must be provided for s3 media storage")
	}

	loadOpts := []func(*awscfg.LoadOptions) error{}
	if opts.S3Region != "" {
		loadOpts = append(loadOpts, awscfg.WithRegion(opts.S3Region))
	}
	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.S3Endpoint)
			o.UsePathStyle = true
		}
	})

	domain := strings.TrimSuffix(opts.S3PublicDomain, "/")
	if domain == "" {
		domain = fmt.Sprintf("https://%s.s3.amazonaws.com", opts.S3Bucket)
	}

	return &S3Store{client: client, bucket: opts.S3Bucket, publicDomain: domain}, nil
}

func (s *S3Store) Save(ctx context.Context, mimeType string, data []byte) (string, error) {
	name := GenerateName(mimeType)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(name),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(mimeType),
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return fmt.Sprintf("%s/%s", s.publicDomain, name), nil
}

func (s *S3Store) Fetch(ctx context.Context, name string) ([]byte, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) || strings.Contains(err.Error(), "NoSuchKey") {
			return nil, "", ErrNotFound
		}
		return nil, "", err
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", err
	}
	return data, aws.ToString(out.ContentType), nil
}

func (s *S3Store) List(page, pageSize int) ([]ObjectInfo, int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var all []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
	})
	for paginator.HasMorePages() {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, 0, err
		}
		for _, obj := range out.Contents {
			name := aws.ToString(obj.Key)
			all = append(all, ObjectInfo{
				Name:      name,
				MimeType:  mimeFromExt(name),
				Size:      aws.ToInt64(obj.Size),
				CreatedAt: aws.ToTime(obj.LastModified),
				URL:       fmt.Sprintf("%s/%s", s.publicDomain, name),
			})
		}
	}

	total := len(all)
	start := (page - 1) * pageSize
	if start < 0 || start >= total {
		return []ObjectInfo{}, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (s *S3Store) Delete(ctx context.Context, name string) bool {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
	})
	return err == nil
}
