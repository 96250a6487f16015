package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const probeTimeout = 2 * time.Second

type bucketChecker interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
}

// OriginProbe checks that the object storage bucket behind the origin exists.
type OriginProbe struct {
	client bucketChecker
	bucket string
}

// NewOriginProbe connects a MinIO client to endpoint.
func NewOriginProbe(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*OriginProbe, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("minio endpoint required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("minio bucket required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure:    useSSL,
		Transport: probeTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &OriginProbe{client: client, bucket: bucket}, nil
}

// Check returns nil when the bucket is reachable and present.
func (p *OriginProbe) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	exists, err := p.client.BucketExists(ctx, p.bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if !exists {
		return fmt.Errorf("origin bucket missing: %s", p.bucket)
	}
	return nil
}

func probeTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   probeTimeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		MaxIdleConns:        4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: probeTimeout,
	}
}
