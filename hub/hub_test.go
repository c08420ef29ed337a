package hub

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var lines = []string{"Hello there.", "Hi, how are you?", "Tell me a joke.", "hello hello there"}

func writeBase(t *testing.T, fs afero.Fs, dir string) {
	t.Helper()
	_, _, err := WriteBase(fs, dir, lines, BaseOptions{VocabSize: 300, Positions: 16, Embd: 8, Layers: 1, Heads: 2, Seed: 1})
	require.NoError(t, err)
}

func TestResolveLocalDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeBase(t, fs, "models/base")
	repo := &Repository{Fs: fs, CacheDir: "cache"}

	dir, err := repo.Resolve(context.Background(), "models/base")
	require.NoError(t, err)
	assert.Equal(t, "models/base", dir)
}

func TestResolveUnknownIsModelNotFound(t *testing.T) {
	repo := &Repository{Fs: afero.NewMemMapFs(), CacheDir: "cache"}
	for _, id := range []string{"./nope", "/abs/nope", "a/b/c", ""} {
		_, err := repo.Resolve(context.Background(), id)
		assert.True(t, errors.Is(err, ErrModelNotFound), "%q: %v", id, err)
	}
}

// hubServer serves the files of dir under /<id>/resolve/main/.
func hubServer(t *testing.T, src afero.Fs, dir, id string) (*httptest.Server, *sync.Map) {
	t.Helper()
	hits := &sync.Map{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prefix := "/" + id + "/resolve/main/"
		if !strings.HasPrefix(r.URL.Path, prefix) {
			http.NotFound(w, r)
			return
		}
		name := strings.TrimPrefix(r.URL.Path, prefix)
		body, err := afero.ReadFile(src, filepath.Join(dir, name))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		n, _ := hits.LoadOrStore(name, new(int))
		*n.(*int)++
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, hits
}

func TestResolveHubDownloadsAndCaches(t *testing.T) {
	src := afero.NewMemMapFs()
	writeBase(t, src, "served")
	srv, hits := hubServer(t, src, "served", "org/tiny")

	fs := afero.NewMemMapFs()
	repo := &Repository{Fs: fs, CacheDir: "cache", Endpoint: srv.URL, Token: "secret", HTTP: srv.Client(), Log: zaptest.NewLogger(t)}

	dir, err := repo.Resolve(context.Background(), "org/tiny")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("cache", "hub", "org--tiny"), dir)
	for _, name := range RequiredFiles {
		want, _ := afero.ReadFile(src, filepath.Join("served", name))
		got, err := afero.ReadFile(fs, filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}

	_, err = repo.Resolve(context.Background(), "org/tiny")
	require.NoError(t, err)
	n, _ := hits.Load("model.safetensors")
	assert.Equal(t, 1, *n.(*int), "cached file was fetched again")

	model, tok, err := LoadPretrained(context.Background(), repo, "org/tiny")
	require.NoError(t, err)
	assert.Equal(t, tok.EOSID(), tok.PadID())
	assert.Equal(t, 16, model.Config.NPositions)
}

func TestResolveHubMissingRepo(t *testing.T) {
	src := afero.NewMemMapFs()
	writeBase(t, src, "served")
	srv, _ := hubServer(t, src, "served", "org/tiny")
	repo := &Repository{Fs: afero.NewMemMapFs(), CacheDir: "cache", Endpoint: srv.URL, HTTP: srv.Client()}

	_, err := repo.Resolve(context.Background(), "org/other")
	require.Error(t, err)
	assert.Equal(t, ErrModelNotFound, errors.Cause(err))
}

func TestLoadPretrainedPadFallback(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeBase(t, fs, "base")
	repo := &Repository{Fs: fs}

	_, raw, err := LoadDir(fs, "base")
	require.NoError(t, err)
	require.Equal(t, -1, raw.PadID())

	_, tok, err := LoadPretrained(context.Background(), repo, "base")
	require.NoError(t, err)
	assert.Equal(t, tok.EOSID(), tok.PadID())
	assert.Equal(t, tok.EOS, tok.PAD)
}

// fakeS3 keeps objects in memory and pages listings two keys at a time.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte // bucket/key
	gets    int
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}} }

func (f *fakeS3) ListObjectsV2WithContext(_ aws.Context, in *s3.ListObjectsV2Input, _ ...request.Option) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := aws.StringValue(in.Bucket) + "/" + aws.StringValue(in.Prefix)
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, strings.TrimPrefix(k, aws.StringValue(in.Bucket)+"/"))
		}
	}
	sort.Strings(keys)
	start := 0
	if in.ContinuationToken != nil {
		start = sort.SearchStrings(keys, *in.ContinuationToken)
	}
	end := start + 2
	if end > len(keys) {
		end = len(keys)
	}
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, &s3.Object{
			Key:  aws.String(k),
			Size: aws.Int64(int64(len(f.objects[aws.StringValue(in.Bucket)+"/"+k]))),
		})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

func (f *fakeS3) GetObjectWithContext(_ aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key)]
	if !ok {
		return nil, errors.Errorf("no such key %s", aws.StringValue(in.Key))
	}
	f.gets++
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (f *fakeS3) PutObjectWithContext(_ aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func TestPushThenResolveS3(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeBase(t, fs, "out")
	require.NoError(t, fs.MkdirAll("out/checkpoint-5", 0o755))
	require.NoError(t, afero.WriteFile(fs, "out/checkpoint-5/model.safetensors", []byte("skip"), 0o644))

	store := newFakeS3()
	repo := &Repository{Fs: fs, CacheDir: "cache", S3: store}
	require.NoError(t, repo.Push(context.Background(), "out", "s3://models/runs/tiny"))
	assert.Contains(t, store.objects, "models/runs/tiny/model.safetensors")
	for k := range store.objects {
		assert.NotContains(t, k, "checkpoint-5")
	}

	dir, err := repo.Resolve(context.Background(), "s3://models/runs/tiny")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("cache", "s3", "models", "runs", "tiny"), dir)
	want, _ := afero.ReadFile(fs, "out/vocab.json")
	got, err := afero.ReadFile(fs, filepath.Join(dir, "vocab.json"))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// A second resolve reuses every cached object.
	gets := store.gets
	_, err = repo.Resolve(context.Background(), "s3://models/runs/tiny")
	require.NoError(t, err)
	assert.Equal(t, gets, store.gets)

	_, err = repo.Resolve(context.Background(), "s3://models/absent")
	assert.True(t, errors.Is(err, ErrModelNotFound))
}

func TestParseS3URL(t *testing.T) {
	b, p, err := ParseS3URL("s3://bucket/a/b/")
	require.NoError(t, err)
	assert.Equal(t, "bucket", b)
	assert.Equal(t, "a/b", p)
	_, _, err = ParseS3URL("http://bucket")
	assert.Error(t, err)
}
