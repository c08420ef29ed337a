package IO

import (
	"bufio"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Example is one fixed-length training row.
type Example struct {
	InputIDs      []int
	AttentionMask []int // 1 for real tokens, 0 for padding
}

// RealLen counts the unmasked positions.
func (e Example) RealLen() int {
	n := 0
	for _, m := range e.AttentionMask {
		n += m
	}
	return n
}

// Dataset holds tokenized lines only; the raw text is dropped.
type Dataset struct {
	BlockSize int
	Examples  []Example
}

func (d *Dataset) Len() int { return len(d.Examples) }

// ReadLines returns every non-empty line of a UTF-8 file, with a trailing
// carriage return removed. Whitespace-only lines are kept.
func ReadLines(fs afero.Fs, path string) ([]string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening dataset %s", path)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSuffix(sc.Text(), "\r")
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading dataset %s", path)
	}
	return lines, nil
}

// Tokenize encodes each line, truncating to blockSize and right-padding
// with the pad id. No special tokens are added.
func Tokenize(tok *Tokenizer, lines []string, blockSize int) (*Dataset, error) {
	if blockSize <= 0 {
		return nil, errors.Errorf("block size must be positive, got %d", blockSize)
	}
	pad := tok.PadID()
	if pad < 0 {
		return nil, errors.New("tokenizer has no padding token")
	}
	ds := &Dataset{BlockSize: blockSize, Examples: make([]Example, 0, len(lines))}
	for i, line := range lines {
		ids, err := tok.Encode(line)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", i+1)
		}
		ds.Examples = append(ds.Examples, encodeBlock(ids, blockSize, pad))
	}
	return ds, nil
}

func encodeBlock(ids []int, blockSize, pad int) Example {
	if len(ids) > blockSize {
		ids = ids[:blockSize]
	}
	ex := Example{
		InputIDs:      make([]int, blockSize),
		AttentionMask: make([]int, blockSize),
	}
	copy(ex.InputIDs, ids)
	for i := range ex.InputIDs {
		if i < len(ids) {
			ex.AttentionMask[i] = 1
		} else {
			ex.InputIDs[i] = pad
		}
	}
	return ex
}

// PrepareDataset reads, tokenizes and caches the file at path. The cache
// under cacheDir is rewritten on every call.
func PrepareDataset(fs afero.Fs, tok *Tokenizer, path string, blockSize int, cacheDir string, maxShardBytes int64) (*Dataset, CacheInfo, error) {
	lines, err := ReadLines(fs, path)
	if err != nil {
		return nil, CacheInfo{}, err
	}
	ds, err := Tokenize(tok, lines, blockSize)
	if err != nil {
		return nil, CacheInfo{}, err
	}
	src := Source{Path: path}
	if st, err := fs.Stat(path); err == nil {
		src.Size = st.Size()
		src.ModTime = st.ModTime().UTC()
	}
	info, err := WriteCache(fs, ds, CachePrefix(cacheDir, path, blockSize), src, maxShardBytes)
	if err != nil {
		return nil, CacheInfo{}, err
	}
	return ds, info, nil
}

// CachePrefix is <cacheDir>/<dataset base name>-b<blockSize>.
func CachePrefix(cacheDir, path string, blockSize int) string {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return filepath.Join(cacheDir, name+"-b"+strconv.Itoa(blockSize))
}
