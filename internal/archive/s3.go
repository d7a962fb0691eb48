// Package archive copies every published file set to S3-compatible object
// storage so past versions outlive the database.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/MikeSquared-Agency/kiln/internal/events"
)

var ErrNotFound = errors.New("archive: not found")

type Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type S3Archive struct {
	client     *minio.Client
	bucketName string
	region     string
	logger     *slog.Logger
	initOnce   sync.Once
	initErr    error
}

func New(cfg Config, logger *slog.Logger) (*S3Archive, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	return &S3Archive{
		client:     client,
		bucketName: bucket,
		region:     region,
		logger:     logger,
	}, nil
}

func (a *S3Archive) ensureBucket(ctx context.Context) error {
	a.initOnce.Do(func() {
		exists, err := a.client.BucketExists(ctx, a.bucketName)
		if err != nil {
			a.initErr = err
			return
		}
		if exists {
			return
		}
		a.initErr = a.client.MakeBucket(ctx, a.bucketName, minio.MakeBucketOptions{Region: a.region})
	})
	return a.initErr
}

// Notify archives published cycles and ignores failed ones, which never
// produce a new version.
func (a *S3Archive) Notify(ctx context.Context, c events.Cycle) {
	if !c.Outcome.Published() {
		return
	}
	if err := a.Put(ctx, c); err != nil {
		a.logger.Error("failed to archive snapshot", "workspace_id", c.WorkspaceID, "version", c.Version, "error", err)
		return
	}
	a.logger.Debug("snapshot archived", "workspace_id", c.WorkspaceID, "version", c.Version)
}

func (a *S3Archive) Put(ctx context.Context, c events.Cycle) error {
	if err := a.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal cycle: %w", err)
	}
	_, err = a.client.PutObject(ctx, a.bucketName, ObjectKey(c.WorkspaceID, c.Version), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func (a *S3Archive) Get(ctx context.Context, workspaceID uuid.UUID, version int) (*events.Cycle, error) {
	if err := a.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}
	obj, err := a.client.GetObject(ctx, a.bucketName, ObjectKey(workspaceID, version), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NoSuchBucket" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read object: %w", err)
	}

	var c events.Cycle
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode cycle: %w", err)
	}
	return &c, nil
}

// Versions lists the archived versions of a workspace in ascending order.
func (a *S3Archive) Versions(ctx context.Context, workspaceID uuid.UUID) ([]int, error) {
	if err := a.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}

	prefix := workspacePrefix(workspaceID)
	var versions []int
	for obj := range a.client.ListObjects(ctx, a.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		if v, ok := parseVersion(strings.TrimPrefix(obj.Key, prefix)); ok {
			versions = append(versions, v)
		}
	}
	sort.Ints(versions)
	return versions, nil
}

// ObjectKey zero-pads the version so a plain listing sorts chronologically.
func ObjectKey(workspaceID uuid.UUID, version int) string {
	return fmt.Sprintf("%s%06d.json", workspacePrefix(workspaceID), version)
}

func workspacePrefix(workspaceID uuid.UUID) string {
	return "workspaces/" + workspaceID.String() + "/snapshots/"
}

func parseVersion(name string) (int, bool) {
	name, ok := strings.CutSuffix(name, ".json")
	if !ok || name == "" {
		return 0, false
	}
	v, err := strconv.Atoi(name)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}
