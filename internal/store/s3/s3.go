// Package s3 implements store.Store on any S3-compatible object store via
// minio-go. Intended for deployments where several operator hosts share one
// snapshot store.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/patchd/internal/store"
)

// Config captures the tunables for the S3 backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	Transport      http.RoundTripper
	// CustomCreds overrides the default env/file/IAM credential chain.
	CustomCreds *credentials.Credentials
}

// Store persists snapshots as JSON objects under bucket/prefix.
type Store struct {
	client *minio.Client
	cfg    Config
}

// New builds the minio client and returns the store.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{client: client, cfg: cfg}, nil
}

// Load returns the snapshot stored under key.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, s.object(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("s3: get %s: %w", key, err)
	}
	defer obj.Close()
	doc, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("s3: read %s: %w", key, err)
	}
	return doc, nil
}

// Save stores doc under key.
func (s *Store) Save(ctx context.Context, key string, doc []byte) error {
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, s.object(key),
		bytes.NewReader(doc), int64(len(doc)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("s3: put %s: %w", key, err)
	}
	return nil
}

// Delete removes the snapshot under key; missing objects are a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.cfg.Bucket, s.object(key), minio.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("s3: remove %s: %w", key, err)
	}
	return nil
}

// List returns the sorted keys under prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	full := s.cfg.Prefix
	if prefix != "" {
		if full != "" {
			full += "/"
		}
		full += prefix
	}
	opts := minio.ListObjectsOptions{Prefix: full, Recursive: true}
	var keys []string
	for info := range s.client.ListObjects(ctx, s.cfg.Bucket, opts) {
		if info.Err != nil {
			return nil, fmt.Errorf("s3: list: %w", info.Err)
		}
		key := strings.TrimSuffix(info.Key, ".json")
		if s.cfg.Prefix != "" {
			key = strings.TrimPrefix(key, s.cfg.Prefix+"/")
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping verifies the bucket is reachable and exists. The server runs it once
// at startup so misconfiguration surfaces before the listener opens.
func (s *Store) Ping(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("s3: connectivity check: %w", err)
	}
	if !exists {
		return fmt.Errorf("s3: bucket %s does not exist", s.cfg.Bucket)
	}
	return nil
}

// Close satisfies store.Store; minio clients hold no dedicated resources.
func (s *Store) Close() error {
	return nil
}

func (s *Store) object(key string) string {
	if s.cfg.Prefix != "" {
		key = s.cfg.Prefix + "/" + key
	}
	if strings.HasSuffix(key, "/") {
		return key
	}
	return key + ".json"
}

func isNotFound(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
	}
	return false
}
