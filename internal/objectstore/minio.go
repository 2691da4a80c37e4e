// Package objectstore holds PHI artifacts (insurance card scans,
// generated documents) behind a narrow put/presign contract. Nothing
// else reads the bucket directly; consumers get short-lived URLs.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const putTimeout = 5 * time.Second

type Client struct {
	minio  *minio.Client
	bucket string
}

func New(endpoint, accessKey, secretKey string, secure bool, bucket string) (*Client, error) {
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("init object store: %w", err)
	}
	return &Client{minio: mc, bucket: bucket}, nil
}

func (c *Client) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, putTimeout)
	defer cancel()

	reader := bytes.NewReader(body)
	_, err := c.minio.PutObject(ctx, c.bucket, key, reader, int64(reader.Len()),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return key, nil
}

func (c *Client) PresignedGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := c.minio.PresignedGetObject(ctx, c.bucket, key, ttl, nil)
	if err != nil {
		return "", fmt.Errorf("presign object: %w", err)
	}
	return u.String(), nil
}
