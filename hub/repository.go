package hub

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// ErrModelNotFound means an identifier resolved to no checkpoint.
var ErrModelNotFound = errors.New("model not found")

// RequiredFiles make up a loadable checkpoint.
var RequiredFiles = []string{"config.json", "model.safetensors", "vocab.json", "merges.txt"}

// OptionalFiles are fetched when the remote has them.
var OptionalFiles = []string{"tokenizer_config.json", "special_tokens_map.json", "added_tokens.json", "generation_config.json"}

// Repository resolves model identifiers to checkpoint directories on Fs.
type Repository struct {
	Fs       afero.Fs
	CacheDir string
	Endpoint string // hub base URL; empty disables hub downloads
	Revision string
	Token    string // bearer token for private hub repos
	HTTP     *http.Client
	S3       S3Client // nil disables s3:// identifiers
	Log      *zap.Logger
}

func (r *Repository) logger() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

// Resolve returns a directory holding the checkpoint named by id: an
// existing local directory, an s3://bucket/prefix or a hub org/name.
func (r *Repository) Resolve(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", errors.Wrap(ErrModelNotFound, "empty model id")
	}
	if ok, _ := afero.DirExists(r.Fs, id); ok {
		return id, nil
	}
	if strings.HasPrefix(id, "s3://") {
		return r.resolveS3(ctx, id)
	}
	if !isRepoID(id) || r.Endpoint == "" {
		return "", errors.Wrapf(ErrModelNotFound, "%s is not a local directory", id)
	}
	return r.resolveHub(ctx, id)
}

// isRepoID accepts "name" and "org/name".
func isRepoID(id string) bool {
	if id == "" || strings.HasPrefix(id, ".") || strings.HasPrefix(id, "/") || strings.Contains(id, "..") {
		return false
	}
	parts := strings.Split(id, "/")
	if len(parts) > 2 {
		return false
	}
	for _, p := range parts {
		if p == "" || strings.ContainsAny(p, " \\:") {
			return false
		}
	}
	return true
}

func (r *Repository) resolveHub(ctx context.Context, id string) (string, error) {
	dir := filepath.Join(r.CacheDir, "hub", strings.ReplaceAll(id, "/", "--"))
	if err := r.Fs.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "creating %s", dir)
	}
	for _, name := range RequiredFiles {
		found, err := r.fetch(ctx, id, name, dir)
		if err != nil {
			return "", err
		}
		if !found {
			return "", errors.Wrapf(ErrModelNotFound, "%s has no %s", id, name)
		}
	}
	for _, name := range OptionalFiles {
		if _, err := r.fetch(ctx, id, name, dir); err != nil {
			return "", err
		}
	}
	return dir, nil
}

func (r *Repository) fileURL(id, name string) string {
	rev := r.Revision
	if rev == "" {
		rev = "main"
	}
	return fmt.Sprintf("%s/%s/resolve/%s/%s", strings.TrimRight(r.Endpoint, "/"), id, url.PathEscape(rev), path.Clean(name))
}

// fetch downloads one file unless it is already cached. It reports false
// when the hub answers 404.
func (r *Repository) fetch(ctx context.Context, id, name, dir string) (bool, error) {
	dst := filepath.Join(dir, name)
	if ok, _ := afero.Exists(r.Fs, dst); ok {
		return true, nil
	}
	u := r.fileURL(id, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, errors.Wrapf(err, "building request for %s", u)
	}
	if r.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.Token)
	}
	client := r.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, errors.Wrapf(err, "fetching %s", u)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, errors.Wrapf(ErrModelNotFound, "%s: %s", u, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return false, errors.Errorf("fetching %s: %s", u, resp.Status)
	}

	n, err := writeAtomic(r.Fs, dst, resp.Body)
	if err != nil {
		return false, err
	}
	r.logger().Info("downloaded", zap.String("file", u), zap.String("size", humanize.Bytes(uint64(n))))
	return true, nil
}

// writeAtomic copies body into a temporary file beside dst and renames it
// into place, so an interrupted download never looks cached.
func writeAtomic(fs afero.Fs, dst string, body io.Reader) (int64, error) {
	tmp := dst + ".part"
	f, err := fs.Create(tmp)
	if err != nil {
		return 0, errors.Wrapf(err, "creating %s", tmp)
	}
	n, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		fs.Remove(tmp)
		return 0, errors.Wrapf(err, "writing %s", dst)
	}
	return n, errors.Wrapf(fs.Rename(tmp, dst), "renaming %s", tmp)
}
