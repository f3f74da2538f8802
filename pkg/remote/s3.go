package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/paulschiretz/pgl-cronbackup/pkg/plog"
)

// s3Handler stores backups as objects in an S3-compatible bucket. Directories
// are key prefixes and exist implicitly.
type s3Handler struct {
	cfg    Config
	log    *plog.Logger
	prefix string
	client *s3.Client
}

func newS3(cfg Config, log *plog.Logger) (Handler, error) {
	return &s3Handler{cfg: cfg, log: log, prefix: cleanRel(cfg.Path)}, nil
}

func (h *s3Handler) Name() string { return h.cfg.Name }
func (h *s3Handler) Kind() Kind   { return S3 }

func (h *s3Handler) Connect(ctx context.Context) error {
	opts := []func(*awsconfig.LoadOptions) error{}
	if h.cfg.S3.Region != "" {
		opts = append(opts, awsconfig.WithRegion(h.cfg.S3.Region))
	} else {
		opts = append(opts, awsconfig.WithRegion("us-east-1"))
	}
	if h.cfg.S3.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(h.cfg.S3.AccessKey, h.cfg.S3.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("could not load s3 configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if h.cfg.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(h.cfg.S3.Endpoint)
		}
		o.UsePathStyle = h.cfg.S3.UsePathStyle
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(h.cfg.S3.Bucket)}); err != nil {
		return fmt.Errorf("could not access bucket %s: %w", h.cfg.S3.Bucket, err)
	}
	h.client = client
	h.log.Debug("Connected to s3 remote", "bucket", h.cfg.S3.Bucket, "prefix", h.prefix)
	return nil
}

func (h *s3Handler) Disconnect() error {
	h.client = nil
	return nil
}

func (h *s3Handler) key(p string) (string, error) {
	if h.client == nil {
		return "", ErrNotConnected
	}
	return strings.TrimPrefix(path.Join(h.prefix, cleanRel(p)), "/"), nil
}

// dirPrefix returns the key prefix for listing the contents of dir.
func (h *s3Handler) dirPrefix(dir string) (string, error) {
	k, err := h.key(dir)
	if err != nil || k == "" {
		return k, err
	}
	return k + "/", nil
}

func (h *s3Handler) Mkdir(ctx context.Context, dir string) error {
	_, err := h.key(dir)
	return err
}

func (h *s3Handler) Upload(ctx context.Context, localPath, remotePath string) error {
	k, err := h.key(remotePath)
	if err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := h.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(h.cfg.S3.Bucket),
		Key:    aws.String(k),
		Body:   f,
	}); err != nil {
		return fmt.Errorf("could not upload %s to s3://%s/%s: %w", localPath, h.cfg.S3.Bucket, k, err)
	}
	return nil
}

func (h *s3Handler) Download(ctx context.Context, remotePath, localPath string) error {
	k, err := h.key(remotePath)
	if err != nil {
		return err
	}
	out, err := h.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(h.cfg.S3.Bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		return fmt.Errorf("could not download s3://%s/%s: %w", h.cfg.S3.Bucket, k, err)
	}
	defer out.Body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(localPath), "."+filepath.Base(localPath)+"-*.part")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.ReadFrom(readerWithContext(ctx, out.Body)); err != nil {
		tmp.Close()
		return fmt.Errorf("could not write %s: %w", localPath, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), localPath)
}

func (h *s3Handler) Delete(ctx context.Context, remotePath string) error {
	k, err := h.key(remotePath)
	if err != nil {
		return err
	}
	_, err = h.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(h.cfg.S3.Bucket),
		Key:    aws.String(k),
	})
	return err
}

func (h *s3Handler) Exists(ctx context.Context, remotePath string) (bool, error) {
	k, err := h.key(remotePath)
	if err != nil {
		return false, err
	}
	_, err = h.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(h.cfg.S3.Bucket),
		Key:    aws.String(k),
	})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return false, nil
	}
	return false, err
}

func (h *s3Handler) List(ctx context.Context, dir string) ([]Entry, error) {
	prefix, err := h.dirPrefix(dir)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	paginator := s3.NewListObjectsV2Paginator(h.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(h.cfg.S3.Bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("could not list s3://%s/%s: %w", h.cfg.S3.Bucket, prefix, err)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			entries = append(entries, Entry{Name: name, IsDir: true})
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" {
				continue
			}
			entries = append(entries, Entry{Name: name, Size: aws.ToInt64(obj.Size), ModTime: aws.ToTime(obj.LastModified)})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// walk calls fn for every object below dir.
func (h *s3Handler) walk(ctx context.Context, dir string, fn func(key string, modTime time.Time) error) error {
	prefix, err := h.dirPrefix(dir)
	if err != nil {
		return err
	}
	paginator := s3.NewListObjectsV2Paginator(h.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(h.cfg.S3.Bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("could not list s3://%s/%s: %w", h.cfg.S3.Bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			if err := fn(aws.ToString(obj.Key), aws.ToTime(obj.LastModified)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *s3Handler) deleteKey(ctx context.Context, key string) error {
	_, err := h.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(h.cfg.S3.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("could not delete s3://%s/%s: %w", h.cfg.S3.Bucket, key, err)
	}
	return nil
}

func (h *s3Handler) Rmdir(ctx context.Context, dir string) error {
	if cleanRel(dir) == "" {
		return fmt.Errorf("refusing to remove remote base prefix %s", h.prefix)
	}
	return h.walk(ctx, dir, func(key string, _ time.Time) error {
		return h.deleteKey(ctx, key)
	})
}

func (h *s3Handler) DeleteOlderThan(ctx context.Context, dir string, cutoff time.Time) ([]string, error) {
	var deleted []string
	err := h.walk(ctx, dir, func(key string, modTime time.Time) error {
		if !modTime.Before(cutoff) {
			return nil
		}
		if err := h.deleteKey(ctx, key); err != nil {
			return err
		}
		deleted = append(deleted, strings.TrimPrefix(strings.TrimPrefix(key, h.prefix), "/"))
		return nil
	})
	return deleted, err
}
