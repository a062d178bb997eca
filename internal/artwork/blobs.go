package artwork

import (
	"bytes"
	"context"
	"fmt"
	"image/png"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"

	"github.com/SteamVC/pixelroom/internal/pixel"
)

// Blobs は作品の画像を保存する先です
type Blobs interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// MinioConfig はMinIO（S3互換）の接続設定です
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

type MinioBlobs struct {
	client *minio.Client
	bucket string
}

// NewMinioBlobs はクライアントを作成し、バケットがなければ作成します
func NewMinioBlobs(ctx context.Context, cfg MinioConfig) (*MinioBlobs, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		logrus.WithField("bucket", cfg.Bucket).Info("created artwork bucket")
	}
	return &MinioBlobs{client: client, bucket: cfg.Bucket}, nil
}

func (b *MinioBlobs) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// ImageKey は作品画像のオブジェクトキーです
func ImageKey(id string) string { return "artworks/" + id + ".png" }

// WithImages は作成した作品のPNGをblobsにアップロードするStoreを返します
// アップロードの失敗はログに残すだけで、作成自体は成功とします
func WithImages(s Store, blobs Blobs) Store {
	if blobs == nil {
		return s
	}
	return &imageStore{Store: s, blobs: blobs}
}

type imageStore struct {
	Store
	blobs Blobs
}

func (s *imageStore) Create(ctx context.Context, ownerID, ownerName string, in CreateInput) (string, error) {
	id, err := s.Store.Create(ctx, ownerID, ownerName, in)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, pixel.Grid(in.Pixels).Image(in.PixelSize)); err != nil {
		logrus.WithError(err).WithField("artwork_id", id).Warn("failed to render artwork image")
		return id, nil
	}
	if err := s.blobs.Put(ctx, ImageKey(id), buf.Bytes(), "image/png"); err != nil {
		logrus.WithError(err).WithField("artwork_id", id).Warn("failed to upload artwork image")
	}
	return id, nil
}
