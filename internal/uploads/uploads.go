// Package uploads issues presigned S3 URLs that the browser uses to upload
// training samples directly to the bucket.
package uploads

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/sesionesfotosia/headshot-hub/internal/config"
)

// ErrUnsupportedType is returned for content types that are not images.
var ErrUnsupportedType = errors.New("unsupported content type")

// Upload is a presigned PUT target.
type Upload struct {
	UploadURL string            `json:"uploadUrl"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	PublicURL string            `json:"url"`
	Key       string            `json:"key"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// Signer presigns sample uploads.
type Signer struct {
	presign   *s3.PresignClient
	bucket    string
	prefix    string
	publicURL string
	expiry    time.Duration
}

// New builds a Signer. Static credentials are used when configured, the
// default AWS chain otherwise. A custom endpoint switches to path-style
// addressing for S3-compatible stores.
func New(ctx context.Context, cfg config.UploadsConfig) (*Signer, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	publicURL := strings.TrimRight(cfg.PublicURL, "/")
	if publicURL == "" {
		publicURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
	}

	return &Signer{
		presign:   s3.NewPresignClient(client),
		bucket:    cfg.Bucket,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		publicURL: publicURL,
		expiry:    cfg.URLExpiry,
	}, nil
}

// SignSample presigns a PUT for one of userID's sample photos. The object key
// is random; filename only contributes its extension when the content type
// has none.
func (s *Signer) SignSample(ctx context.Context, userID, filename, contentType string) (*Upload, error) {
	mt := mimetype.Lookup(contentType)
	if mt == nil || !strings.HasPrefix(mt.String(), "image/") {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, contentType)
	}

	ext := mt.Extension()
	if ext == "" {
		ext = strings.ToLower(path.Ext(filename))
	}
	key := path.Join(s.prefix, userID, uuid.NewString()+ext)

	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(mt.String()),
	}, s3.WithPresignExpires(s.expiry))
	if err != nil {
		return nil, fmt.Errorf("presign upload: %w", err)
	}

	headers := map[string]string{"Content-Type": mt.String()}
	return &Upload{
		UploadURL: req.URL,
		Method:    req.Method,
		Headers:   headers,
		PublicURL: s.publicURL + "/" + key,
		Key:       key,
		ExpiresAt: time.Now().Add(s.expiry),
	}, nil
}
