package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"campaign-engine/internal/config"
)

// ErrTooLarge is returned when an upload exceeds the configured size cap.
var ErrTooLarge = errors.New("media too large")

// ErrNotImage is returned when the payload does not decode as a supported
// image format.
var ErrNotImage = errors.New("unsupported media format")

// Uploader persists a blob under a key and returns its storage location.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Attachment describes a stored campaign media object plus its thumbnail.
type Attachment struct {
	Key         string `json:"key"`
	ThumbKey    string `json:"thumb_key"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Location    string `json:"location"`
}

// Store validates, thumbnails, and uploads campaign attachments. S3 is used
// when a bucket is configured, local disk otherwise.
type Store struct {
	uploader   Uploader
	maxBytes   int64
	thumbWidth int
	log        *logrus.Entry
}

// NewStore builds the media store from config, choosing the uploader.
func NewStore(ctx context.Context, cfg config.Config) (*Store, error) {
	var up Uploader
	if cfg.MediaS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		up = &s3Uploader{client: client, bucket: cfg.MediaS3Bucket}
	} else {
		baseDir := cfg.MediaDir
		if baseDir == "" {
			baseDir = "./media"
		}
		up = &localUploader{baseDir: baseDir}
	}
	return NewStoreWithUploader(up, cfg), nil
}

// NewStoreWithUploader wires an explicit uploader, used by tests.
func NewStoreWithUploader(up Uploader, cfg config.Config) *Store {
	maxBytes := cfg.MediaMaxBytes
	if maxBytes == 0 {
		maxBytes = 16 * 1024 * 1024
	}
	thumbWidth := cfg.ThumbWidth
	if thumbWidth == 0 {
		thumbWidth = 320
	}
	return &Store{
		uploader:   up,
		maxBytes:   maxBytes,
		thumbWidth: thumbWidth,
		log:        logrus.WithField("component", "media"),
	}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.MediaS3Region),
	}
	if cfg.MediaS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.MediaS3Endpoint,
					HostnameImmutable: cfg.MediaS3PathStyle,
					SigningRegion:     cfg.MediaS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.MediaS3PathStyle
	}), nil
}

// Save reads an uploaded attachment, enforces the size cap, verifies it
// decodes as an image, uploads the original and a width-bounded thumbnail,
// and returns the stored keys.
func (s *Store) Save(ctx context.Context, tenantID, campaignID, filename string, r io.Reader) (Attachment, error) {
	limited := io.LimitReader(r, s.maxBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return Attachment{}, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		return Attachment{}, fmt.Errorf("%w (>%d bytes)", ErrTooLarge, s.maxBytes)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Attachment{}, fmt.Errorf("%w: %v", ErrNotImage, err)
	}

	outputFormat := chooseFormat(filename, format)
	ext := formatExtension(outputFormat)
	id := uuid.New().String()
	key := sanitizeKey(fmt.Sprintf("tenants/%s/campaigns/%s/%s.%s", tenantID, campaignID, id, ext))
	thumbKey := sanitizeKey(fmt.Sprintf("tenants/%s/campaigns/%s/%s_thumb.jpg", tenantID, campaignID, id))

	location, err := s.uploader.Upload(ctx, key, data, mimeForFormat(outputFormat))
	if err != nil {
		return Attachment{}, fmt.Errorf("upload media: %w", err)
	}

	thumb := imaging.Resize(img, s.thumbWidth, 0, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return Attachment{}, fmt.Errorf("encode thumbnail: %w", err)
	}
	if _, err := s.uploader.Upload(ctx, thumbKey, buf.Bytes(), "image/jpeg"); err != nil {
		// The original is already stored; a missing thumbnail only degrades
		// preview, so log and keep going.
		s.log.WithError(err).WithField("key", thumbKey).Warn("thumbnail upload failed")
		thumbKey = ""
	}

	return Attachment{
		Key:         key,
		ThumbKey:    thumbKey,
		ContentType: mimeForFormat(outputFormat),
		Size:        int64(len(data)),
		Location:    location,
	}, nil
}

func chooseFormat(filename, decodeFormat string) imaging.Format {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png":
		return imaging.PNG
	case ".jpg", ".jpeg":
		return imaging.JPEG
	case ".gif":
		return imaging.GIF
	}
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	case "tiff":
		return imaging.TIFF
	}
	return imaging.JPEG
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	case imaging.TIFF:
		return "tiff"
	default:
		return "jpg"
	}
}

func mimeForFormat(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	case imaging.TIFF:
		return "image/tiff"
	default:
		return "image/jpeg"
	}
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
