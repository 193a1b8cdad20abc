package filestore

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/bigbluebutton/bbb-consult-session/internal/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"
)

type Minio struct {
	cfg    config.Minio
	client *minio.Client

	mu       sync.Mutex
	bucketOK bool
}

func NewMinio(cfg config.Minio) (*Minio, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Minio{cfg: cfg, client: client}, nil
}

func (m *Minio) ensureBucket(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bucketOK {
		return nil
	}
	exists, err := m.client.BucketExists(ctx, m.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, m.cfg.Bucket, minio.MakeBucketOptions{Region: m.cfg.Region}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
		log.WithField("bucket", m.cfg.Bucket).Info("created recordings bucket")
	}
	m.bucketOK = true
	return nil
}

func (m *Minio) objectName(name string) string {
	if prefix := strings.Trim(m.cfg.Prefix, "/"); prefix != "" {
		return path.Join(prefix, name)
	}
	return name
}

func (m *Minio) Upload(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	if err := m.ensureBucket(ctx); err != nil {
		return "", err
	}

	object := m.objectName(name)
	info, err := m.client.PutObject(ctx, m.cfg.Bucket, object, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", object, err)
	}

	log.WithField("bucket", info.Bucket).
		WithField("object", info.Key).
		Debugf("uploaded %d bytes", info.Size)

	return m.client.EndpointURL().JoinPath(m.cfg.Bucket, object).String(), nil
}
