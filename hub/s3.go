package hub

import (
	"bytes"
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// S3Client is the part of *s3.S3 the repository uses.
type S3Client interface {
	ListObjectsV2WithContext(ctx aws.Context, input *s3.ListObjectsV2Input, opts ...request.Option) (*s3.ListObjectsV2Output, error)
	GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error)
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
}

// NewS3Client uses the shared AWS config and credential chain. A non-empty
// endpoint selects an S3-compatible store with path-style addressing.
func NewS3Client(region, endpoint string) (*s3.S3, error) {
	cfg := aws.Config{}
	if region != "" {
		cfg.Region = aws.String(region)
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            cfg,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating aws session")
	}
	return s3.New(sess), nil
}

// ParseS3URL splits s3://bucket/prefix.
func ParseS3URL(u string) (bucket, prefix string, err error) {
	rest := strings.TrimPrefix(u, "s3://")
	if rest == u || rest == "" {
		return "", "", errors.Errorf("%q is not an s3:// url", u)
	}
	parts := strings.SplitN(rest, "/", 2)
	bucket = parts[0]
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	if bucket == "" {
		return "", "", errors.Errorf("%q has no bucket", u)
	}
	return bucket, prefix, nil
}

func (r *Repository) resolveS3(ctx context.Context, id string) (string, error) {
	if r.S3 == nil {
		return "", errors.Errorf("no s3 client configured for %s", id)
	}
	bucket, prefix, err := ParseS3URL(id)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(r.CacheDir, "s3", bucket, filepath.FromSlash(prefix))

	var token *string
	found := 0
	for {
		out, err := r.S3.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(keyPrefix(prefix)),
			ContinuationToken: token,
		})
		if err != nil {
			return "", errors.Wrapf(err, "listing %s", id)
		}
		for _, obj := range out.Contents {
			key := aws.StringValue(obj.Key)
			rel := strings.TrimPrefix(key, keyPrefix(prefix))
			if rel == "" || strings.HasSuffix(rel, "/") {
				continue
			}
			if err := r.download(ctx, bucket, key, filepath.Join(dir, filepath.FromSlash(rel)), aws.Int64Value(obj.Size)); err != nil {
				return "", err
			}
			found++
		}
		if !aws.BoolValue(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	if found == 0 {
		return "", errors.Wrapf(ErrModelNotFound, "no objects under %s", id)
	}
	for _, name := range RequiredFiles {
		if ok, _ := afero.Exists(r.Fs, filepath.Join(dir, name)); !ok {
			return "", errors.Wrapf(ErrModelNotFound, "%s has no %s", id, name)
		}
	}
	return dir, nil
}

func keyPrefix(prefix string) string {
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

// download skips objects already cached with the same size.
func (r *Repository) download(ctx context.Context, bucket, key, dst string, size int64) error {
	if st, err := r.Fs.Stat(dst); err == nil && st.Size() == size {
		return nil
	}
	if err := r.Fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", filepath.Dir(dst))
	}
	out, err := r.S3.GetObjectWithContext(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return errors.Wrapf(err, "getting s3://%s/%s", bucket, key)
	}
	defer out.Body.Close()
	n, err := writeAtomic(r.Fs, dst, out.Body)
	if err != nil {
		return err
	}
	r.logger().Info("downloaded", zap.String("object", "s3://"+bucket+"/"+key), zap.String("size", humanize.Bytes(uint64(n))))
	return nil
}

// Push uploads the files directly in dir, not its checkpoint
// subdirectories, to the s3:// destination dest.
func (r *Repository) Push(ctx context.Context, dir, dest string) error {
	if r.S3 == nil {
		return errors.Errorf("no s3 client configured for %s", dest)
	}
	bucket, prefix, err := ParseS3URL(dest)
	if err != nil {
		return err
	}
	var total uint64
	err = afero.Walk(r.Fs, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if p != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(p, ".part") {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		body, err := afero.ReadFile(r.Fs, p)
		if err != nil {
			return errors.Wrapf(err, "reading %s", p)
		}
		key := path.Join(prefix, filepath.ToSlash(rel))
		if _, err := r.S3.PutObjectWithContext(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(body),
			ContentLength: aws.Int64(int64(len(body))),
		}); err != nil {
			return errors.Wrapf(err, "putting s3://%s/%s", bucket, key)
		}
		total += uint64(len(body))
		return nil
	})
	if err != nil {
		return err
	}
	r.logger().Info("pushed", zap.String("dir", dir), zap.String("dest", dest), zap.String("size", humanize.Bytes(total)))
	return nil
}
