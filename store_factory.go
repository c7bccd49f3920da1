package patchd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/patchd/internal/store"
	"pkt.systems/patchd/internal/store/disk"
	"pkt.systems/patchd/internal/store/memory"
	"pkt.systems/patchd/internal/store/s3"
)

func openStore(cfg Config) (store.Store, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		return memory.New(), nil
	case "disk":
		root, err := buildDiskRoot(cfg)
		if err != nil {
			return nil, err
		}
		return disk.New(root)
	case "s3":
		s3cfg, err := buildS3Config(cfg)
		if err != nil {
			return nil, err
		}
		backend, err := s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := backend.Ping(pingCtx); err != nil {
			_ = backend.Close()
			return nil, err
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

func buildDiskRoot(cfg Config) (string, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return "", fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return "", fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	pathPart := strings.TrimSpace(u.Path)
	host := strings.TrimSpace(u.Host)
	if host != "" {
		if pathPart == "" || pathPart == "/" {
			pathPart = "/" + host
		} else {
			pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
		}
	}
	if pathPart == "" || pathPart == "/" {
		return "", fmt.Errorf("disk store path required (e.g. disk:///var/lib/patchd-data)")
	}
	return filepath.Clean(pathPart), nil
}

// buildS3Config parses s3://host[:port]/bucket[/prefix] URLs. Generic
// S3-compatible services (MinIO, gofakes3) work alongside AWS endpoints.
func buildS3Config(cfg Config) (s3.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	path := strings.Trim(strings.TrimPrefix(u.Path, "/"), "/")
	if path == "" {
		return s3.Config{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	parts := strings.SplitN(path, "/", 2)
	bucket := strings.TrimSpace(parts[0])
	if bucket == "" {
		return s3.Config{}, fmt.Errorf("s3 store missing bucket name")
	}
	var prefix string
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	query := u.Query()
	secure := true
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil && ok {
			secure = false
		}
	}
	if v := query.Get("scheme"); strings.EqualFold(v, "http") {
		secure = false
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         region,
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       !secure,
		ForcePathStyle: forcePath,
		CustomCreds:    resolveS3Credentials(cfg),
	}, nil
}

// resolveS3Credentials prefers static config credentials, then the
// PATCHD_S3_* environment, and finally falls back to the store's own
// env/file/IAM chain by returning nil.
func resolveS3Credentials(cfg Config) *minioCredentials.Credentials {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("PATCHD_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("PATCHD_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("PATCHD_S3_SESSION_TOKEN")
	}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		return nil
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken)
}
