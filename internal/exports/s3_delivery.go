package exports

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// S3Delivery uploads completed artifacts to S3-compatible object storage
// and generates presigned download URLs. Delivery is optional; the local
// artifact remains the source of truth for the download endpoint.
type S3Delivery struct {
	client       *s3.Client
	bucket       string
	signedURLTTL time.Duration
	logger       *zap.Logger
}

// NewS3Delivery creates an object storage delivery adapter. A non-empty
// endpoint switches the client to path-style addressing for S3-compatible
// providers.
func NewS3Delivery(endpoint, accessKey, secretKey, bucket, region string, signedURLTTL time.Duration, logger *zap.Logger) (*S3Delivery, error) {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	if endpoint != "" {
		cfg.BaseEndpoint = aws.String(endpoint)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.UsePathStyle = true
		}
	})

	return &S3Delivery{
		client:       client,
		bucket:       bucket,
		signedURLTTL: signedURLTTL,
		logger:       logger,
	}, nil
}

// UploadArtifact streams the artifact file to object storage and returns a
// presigned URL plus the file's SHA-256 checksum. The file is read twice
// (checksum pass, upload pass); memory stays flat regardless of size.
func (s *S3Delivery) UploadArtifact(ctx context.Context, jobID uuid.UUID, path string) (string, string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", "", fmt.Errorf("open artifact: %w", err)
	}
	defer file.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return "", "", fmt.Errorf("checksum artifact: %w", err)
	}
	checksum := hex.EncodeToString(hash.Sum(nil))

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", "", fmt.Errorf("rewind artifact: %w", err)
	}

	key := fmt.Sprintf("exports/%s.csv", jobID.String())
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentType:   aws.String("text/csv"),
		ContentLength: aws.Int64(size),
		Metadata: map[string]string{
			"checksum": checksum,
			"job-id":   jobID.String(),
		},
	})
	if err != nil {
		return "", "", fmt.Errorf("upload artifact: %w", err)
	}

	signedURL, err := s.generateSignedURL(ctx, key)
	if err != nil {
		return "", "", fmt.Errorf("generate signed URL: %w", err)
	}

	s.logger.Info("uploaded artifact to object storage",
		zap.String("job_id", jobID.String()),
		zap.String("key", key),
		zap.String("checksum", checksum),
		zap.Int64("size_bytes", size),
	)

	return signedURL, checksum, nil
}

func (s *S3Delivery) generateSignedURL(ctx context.Context, key string) (string, error) {
	presigner := s3.NewPresignClient(s.client)

	getRequest, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = s.signedURLTTL
	})
	if err != nil {
		return "", fmt.Errorf("presign get request: %w", err)
	}

	return getRequest.URL, nil
}
