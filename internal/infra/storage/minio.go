package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/bryanwahyu/medscan/internal/domain/apperr"
	"github.com/bryanwahyu/medscan/internal/domain/scans"
)

var _ scans.ImageStore = (*Store)(nil)

// MaxImageSize batas ukuran satu image yang dibaca ke memory
const MaxImageSize = 256 << 20

type Store struct {
	client     *minio.Client
	bucketName string
	region     string
}

// New buat koneksi MinIO
func New(ctx context.Context, endpoint, region, bucket, accessKey, secretKey string, useSSL bool) (*Store, error) {
	cli, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, err
	}

	// pastikan bucket ada
	exists, err := cli.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := cli.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
			return nil, err
		}
	}

	return &Store{client: cli, bucketName: bucket, region: region}, nil
}

// Upload simpan image; return value adalah object key yang disimpan di Scan.ImagePaths
func (s *Store) Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	if contentType == "" {
		contentType = ContentTypeFor(key)
	}
	_, err := s.client.PutObject(ctx, s.bucketName, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", apperr.E(apperr.KindStorage, "images.upload", err)
	}
	return key, nil
}

// Read ambil seluruh isi object
func (s *Store) Read(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, apperr.E(apperr.KindStorage, "images.read", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, MaxImageSize+1))
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil, apperr.Ef(apperr.KindStorage, "images.read", "object %s not found", key)
		}
		return nil, apperr.E(apperr.KindStorage, "images.read", err)
	}
	if len(data) > MaxImageSize {
		return nil, apperr.Ef(apperr.KindStorage, "images.read", "object %s larger than %d bytes", key, MaxImageSize)
	}
	return data, nil
}

// Delete hapus object; object yang sudah tidak ada diabaikan
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if err := s.client.RemoveObject(ctx, s.bucketName, key, minio.RemoveObjectOptions{}); err != nil {
			return apperr.E(apperr.KindStorage, "images.delete", err)
		}
	}
	return nil
}

// Ping dipakai health check
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucketName)
	return err
}

// ContentTypeFor tebak mime type dari ekstensi
func ContentTypeFor(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".dcm", ".dicom":
		return "application/dicom"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
