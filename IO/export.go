package IO

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// DefaultMaxShardBytes caps one .bin shard.
const DefaultMaxShardBytes int64 = 1 << 30

// Source describes the file a cache was built from. It is recorded for
// provenance and never consulted to skip tokenization.
type Source struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// CacheInfo is the content of <prefix>.meta.json.
type CacheInfo struct {
	Source     Source    `json:"source"`
	BlockSize  int       `json:"block_size"`
	Examples   int       `json:"examples"`
	Shards     []string  `json:"shards"`
	TotalBytes int64     `json:"total_bytes"`
	Created    time.Time `json:"created"`
	Prefix     string    `json:"-"`
}

func shardName(prefix string, shard int, ext string) string {
	return fmt.Sprintf("%s-%03d.%s", prefix, shard, ext)
}

// WriteCache writes ds as token-id shards:
//
//   - .bin = concatenated little-endian int32 ids, BlockSize per example
//   - .idx = int64 (offset, length, real tokens) per example
//
// Shards roll over once a .bin reaches maxShardBytes. Any earlier cache
// under prefix is removed first.
func WriteCache(fs afero.Fs, ds *Dataset, prefix string, src Source, maxShardBytes int64) (CacheInfo, error) {
	if maxShardBytes <= 0 {
		maxShardBytes = DefaultMaxShardBytes
	}
	info := CacheInfo{Source: src, BlockSize: ds.BlockSize, Examples: ds.Len(), Prefix: prefix}
	if err := removeCache(fs, prefix); err != nil {
		return info, err
	}
	if dir := filepath.Dir(prefix); dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return info, errors.Wrapf(err, "creating cache dir %s", dir)
		}
	}

	shard := 0
	var (
		dataF, idxF afero.File
		wData, wIdx *bufio.Writer
		cur         int64
	)
	closeShard := func() error {
		if dataF == nil {
			return nil
		}
		if err := wData.Flush(); err != nil {
			return errors.Wrap(err, "flushing cache shard")
		}
		if err := wIdx.Flush(); err != nil {
			return errors.Wrap(err, "flushing cache index")
		}
		info.TotalBytes += cur
		dataF.Close()
		return errors.Wrap(idxF.Close(), "closing cache index")
	}
	openShard := func() error {
		if err := closeShard(); err != nil {
			return err
		}
		name := shardName(prefix, shard, "bin")
		var err error
		if dataF, err = fs.Create(name); err != nil {
			return errors.Wrapf(err, "creating %s", name)
		}
		if idxF, err = fs.Create(shardName(prefix, shard, "idx")); err != nil {
			return errors.Wrapf(err, "creating index for %s", name)
		}
		wData, wIdx = bufio.NewWriter(dataF), bufio.NewWriter(idxF)
		info.Shards = append(info.Shards, name)
		cur = 0
		return nil
	}

	buf4 := make([]byte, 4)
	buf8 := make([]byte, 8)
	for _, ex := range ds.Examples {
		if dataF == nil || cur >= maxShardBytes {
			if dataF != nil {
				shard++
			}
			if err := openShard(); err != nil {
				return info, err
			}
		}
		for _, v := range []int64{cur, int64(len(ex.InputIDs)), int64(ex.RealLen())} {
			binary.LittleEndian.PutUint64(buf8, uint64(v))
			if _, err := wIdx.Write(buf8); err != nil {
				return info, errors.Wrap(err, "writing cache index")
			}
		}
		for _, id := range ex.InputIDs {
			binary.LittleEndian.PutUint32(buf4, uint32(id))
			if _, err := wData.Write(buf4); err != nil {
				return info, errors.Wrap(err, "writing cache shard")
			}
		}
		cur += int64(4 * len(ex.InputIDs))
	}
	if err := closeShard(); err != nil {
		return info, err
	}

	info.Created = time.Now().UTC()
	meta, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return info, errors.Wrap(err, "encoding cache metadata")
	}
	return info, errors.Wrap(afero.WriteFile(fs, prefix+".meta.json", meta, 0o644), "writing cache metadata")
}

func removeCache(fs afero.Fs, prefix string) error {
	for _, pat := range []string{prefix + "-[0-9][0-9][0-9].bin", prefix + "-[0-9][0-9][0-9].idx", prefix + ".meta.json"} {
		old, err := afero.Glob(fs, pat)
		if err != nil {
			return errors.Wrapf(err, "listing %s", pat)
		}
		for _, f := range old {
			if err := fs.Remove(f); err != nil {
				return errors.Wrapf(err, "removing stale cache %s", f)
			}
		}
	}
	return nil
}

// LoadCachedDataset reads back a cache written by WriteCache.
func LoadCachedDataset(fs afero.Fs, prefix string) (*Dataset, error) {
	raw, err := afero.ReadFile(fs, prefix+".meta.json")
	if err != nil {
		return nil, errors.Wrapf(err, "reading cache metadata for %s", prefix)
	}
	var info CacheInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, errors.Wrapf(err, "decoding cache metadata for %s", prefix)
	}
	ds := &Dataset{BlockSize: info.BlockSize, Examples: make([]Example, 0, info.Examples)}
	for i := range info.Shards {
		if err := readShard(fs, prefix, i, ds); err != nil {
			return nil, err
		}
	}
	if ds.Len() != info.Examples {
		return nil, errors.Errorf("cache %s holds %d examples, metadata says %d", prefix, ds.Len(), info.Examples)
	}
	return ds, nil
}

func readShard(fs afero.Fs, prefix string, shard int, ds *Dataset) error {
	data, err := afero.ReadFile(fs, shardName(prefix, shard, "bin"))
	if err != nil {
		return errors.Wrapf(err, "reading shard %d", shard)
	}
	idxF, err := fs.Open(shardName(prefix, shard, "idx"))
	if err != nil {
		return errors.Wrapf(err, "opening index %d", shard)
	}
	defer idxF.Close()

	r := bufio.NewReader(idxF)
	var rec [3]int64
	for {
		if err := binary.Read(r, binary.LittleEndian, &rec); err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Wrapf(err, "reading index %d", shard)
		}
		off, n, nReal := rec[0], rec[1], rec[2]
		if off < 0 || n < 0 || off+4*n > int64(len(data)) || nReal > n {
			return errors.Errorf("index %d has a bad record %v", shard, rec)
		}
		ex := Example{InputIDs: make([]int, n), AttentionMask: make([]int, n)}
		for i := int64(0); i < n; i++ {
			ex.InputIDs[i] = int(int32(binary.LittleEndian.Uint32(data[off+4*i:])))
			if i < nReal {
				ex.AttentionMask[i] = 1
			}
		}
		ds.Examples = append(ds.Examples, ex)
	}
}
