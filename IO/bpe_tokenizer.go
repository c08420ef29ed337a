package IO

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dlclark/regexp2"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/model"
	"github.com/sugarme/tokenizer/model/bpe"
	"github.com/sugarme/tokenizer/normalizer"
	"github.com/sugarme/tokenizer/pretokenizer"
)

// GPT-2 pre-tokenizer: contractions, letter runs, digit runs, punctuation
// runs, then whitespace not followed by a non-space.
const gpt2Pattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

const EndOfText = "<|endoftext|>"

const (
	VocabFile         = "vocab.json"
	MergesFile        = "merges.txt"
	TokenizerConfig   = "tokenizer_config.json"
	SpecialTokensFile = "special_tokens_map.json"
	AddedTokensFile   = "added_tokens.json"
)

// gpt2Split is a normalizer.Pattern over the GPT-2 regex. regexp2 reports
// rune offsets; the pattern contract wants byte offsets.
type gpt2Split struct{ re *regexp2.Regexp }

func (p gpt2Split) FindMatches(inside string) []normalizer.OffsetsMatch {
	if inside == "" {
		return []normalizer.OffsetsMatch{{Offsets: []int{0, 0}}}
	}
	starts := make([]int, 0, len(inside)+1)
	for i := range inside {
		starts = append(starts, i)
	}
	starts = append(starts, len(inside))

	var out []normalizer.OffsetsMatch
	last := 0
	m, err := p.re.FindStringMatch(inside)
	for err == nil && m != nil {
		start, end := starts[m.Index], starts[m.Index+m.Length]
		if start > last {
			out = append(out, normalizer.OffsetsMatch{Offsets: []int{last, start}})
		}
		out = append(out, normalizer.OffsetsMatch{Offsets: []int{start, end}, Match: true})
		last = end
		m, err = p.re.FindNextMatch(m)
	}
	if last < len(inside) {
		out = append(out, normalizer.OffsetsMatch{Offsets: []int{last, len(inside)}})
	}
	return out
}

// Tokenizer is a GPT-2 byte-level BPE tokenizer on top of
// github.com/sugarme/tokenizer.
type Tokenizer struct {
	tk    *tk.Tokenizer
	model *bpe.BPE
	pre   tk.PreTokenizer

	BOS, EOS, PAD, UNK string
	ModelMaxLength     int
}

func byteLevel() *pretokenizer.ByteLevel {
	bl := pretokenizer.NewByteLevel()
	bl.SetAddPrefixSpace(false)
	bl.SetTrimOffsets(false)
	return bl
}

// NewTokenizer builds a tokenizer from a vocabulary and an ordered merge
// list in merges.txt form. Special tokens are appended to the vocabulary
// when missing.
func NewTokenizer(vocab map[string]int, merges []string, specials ...string) (*Tokenizer, error) {
	v := make(model.Vocab, len(vocab))
	for tok, id := range vocab {
		v[tok] = id
	}
	var lines []string
	for i, m := range merges {
		if m == "" || strings.HasPrefix(m, "#version") {
			continue
		}
		if strings.Count(m, " ") != 1 {
			return nil, errors.Errorf("merge %d %q is not a pair", i, m)
		}
		lines = append(lines, m)
	}
	ranks, err := bpe.CreateMerges(v, lines)
	if err != nil {
		return nil, errors.Wrap(err, "building merges")
	}
	b := bpe.NewBpeBuilder()
	b.VocabAndMerges(v, *ranks)
	m, err := b.Build()
	if err != nil {
		return nil, errors.Wrap(err, "building bpe model")
	}

	bl := byteLevel()
	pre := pretokenizer.NewSequence([]tk.PreTokenizer{
		pretokenizer.NewSplit(gpt2Split{regexp2.MustCompile(gpt2Pattern, regexp2.None)}, normalizer.IsolatedBehavior, false),
		bl,
	})
	t := &Tokenizer{tk: tk.NewTokenizer(m), model: m, pre: pre}
	t.tk.WithPreTokenizer(pre)
	t.tk.WithDecoder(bl)
	for _, s := range specials {
		if err := t.AddSpecialToken(s); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// AddSpecialToken marks tok as special, appending it to the vocabulary if
// it is new. Special tokens are never split by BPE.
func (t *Tokenizer) AddSpecialToken(tok string) error {
	if tok == "" {
		return errors.New("empty special token")
	}
	t.tk.AddSpecialTokens([]tk.AddedToken{tk.NewAddedToken(tok, true)})
	return nil
}

// VocabSize is one past the largest token id, added tokens included.
func (t *Tokenizer) VocabSize() int {
	n := 0
	for id := range *t.model.VocabR {
		if id >= n {
			n = id + 1
		}
	}
	for _, s := range t.tk.GetSpecialTokens() {
		if id, ok := t.TokenToID(s); ok && id >= n {
			n = id + 1
		}
	}
	return n
}

func (t *Tokenizer) TokenToID(tok string) (int, bool) {
	return t.tk.TokenToId(tok)
}

func (t *Tokenizer) IDToToken(id int) (string, bool) {
	return t.tk.IdToToken(id)
}

func (t *Tokenizer) tokenID(tok string) int {
	if tok == "" {
		return -1
	}
	if id, ok := t.TokenToID(tok); ok {
		return id
	}
	return -1
}

// EOSID is -1 when the tokenizer has no end-of-sequence token.
func (t *Tokenizer) EOSID() int { return t.tokenID(t.EOS) }

// PadID is -1 when the tokenizer has no padding token.
func (t *Tokenizer) PadID() int { return t.tokenID(t.PAD) }

// EnsurePadToken makes the end-of-sequence token double as the padding
// token when none is set. It reports whether the pad token changed.
func (t *Tokenizer) EnsurePadToken() bool {
	if t.PadID() >= 0 || t.EOSID() < 0 {
		return false
	}
	t.PAD = t.EOS
	return true
}

func (t *Tokenizer) IsSpecial(id int) bool {
	tok, ok := t.IDToToken(id)
	if !ok {
		return false
	}
	for _, s := range t.tk.GetSpecialTokens() {
		if s == tok {
			return true
		}
	}
	return false
}

// ----- encoding -----

// Encode tokenizes text without adding any special tokens of its own.
// Special token strings inside text map to their ids.
func (t *Tokenizer) Encode(text string) (ids []int, err error) {
	if text == "" {
		return nil, nil
	}
	// The BPE model panics on a symbol outside its vocabulary when it has
	// no unknown token to fall back to.
	defer func() {
		if r := recover(); r != nil {
			ids, err = nil, errors.Errorf("encoding %q: %v", text, r)
		}
	}()
	enc, err := t.tk.EncodeSingle(text)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding %q", text)
	}
	return enc.Ids, nil
}

// words returns the byte-level pre-tokens of text, the units BPE merges
// operate inside.
func (t *Tokenizer) words(text string) ([]string, error) {
	pre, err := t.pre.PreTokenize(tk.NewPreTokenizedString(text))
	if err != nil {
		return nil, errors.Wrap(err, "pre-tokenizing")
	}
	splits := pre.GetSplits(normalizer.OriginalTarget, tk.Byte)
	out := make([]string, 0, len(splits))
	for _, s := range splits {
		if s.Value != "" {
			out = append(out, s.Value)
		}
	}
	return out, nil
}

// ----- decoding -----

// Decode maps ids back to text. Invalid UTF-8 from partial byte
// sequences becomes U+FFFD.
func (t *Tokenizer) Decode(ids []int, skipSpecial bool) string {
	return strings.ToValidUTF8(t.tk.Decode(ids, skipSpecial), "�")
}

// ----- persistence -----

// specialToken accepts both "tok" and {"content": "tok", ...}.
type specialToken string

func (s *specialToken) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = specialToken(str)
		return nil
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*s = specialToken(obj.Content)
	return nil
}

type specialTokensMap struct {
	BOS *specialToken `json:"bos_token,omitempty"`
	EOS *specialToken `json:"eos_token,omitempty"`
	UNK *specialToken `json:"unk_token,omitempty"`
	PAD *specialToken `json:"pad_token,omitempty"`
}

type tokenizerConfig struct {
	specialTokensMap
	ModelMaxLength     int    `json:"model_max_length,omitempty"`
	AddPrefixSpace     bool   `json:"add_prefix_space"`
	TokenizerClass     string `json:"tokenizer_class,omitempty"`
	AddedTokensDecoder map[string]struct {
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens_decoder,omitempty"`
}

// apply sets the named tokens on t. An unknown token is registered as a
// special token so it gets an id.
func (m *specialTokensMap) apply(t *Tokenizer) error {
	set := func(dst *string, v *specialToken) error {
		if v == nil || *v == "" {
			return nil
		}
		*dst = string(*v)
		if _, ok := t.TokenToID(*dst); ok {
			return nil
		}
		return t.AddSpecialToken(*dst)
	}
	for _, f := range []struct {
		dst *string
		v   *specialToken
	}{{&t.BOS, m.BOS}, {&t.EOS, m.EOS}, {&t.UNK, m.UNK}, {&t.PAD, m.PAD}} {
		if err := set(f.dst, f.v); err != nil {
			return err
		}
	}
	return nil
}

func readJSON(fs afero.Fs, path string, v interface{}) (bool, error) {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		if ok, _ := afero.Exists(fs, path); !ok {
			return false, nil
		}
		return false, errors.Wrapf(err, "reading %s", path)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, errors.Wrapf(err, "decoding %s", path)
	}
	return true, nil
}

// addWithID registers tok as special and checks it landed on id.
func (t *Tokenizer) addWithID(tok string, id int) error {
	if err := t.AddSpecialToken(tok); err != nil {
		return err
	}
	if got, _ := t.TokenToID(tok); got != id {
		return errors.Errorf("added token %q got id %d, files say %d", tok, got, id)
	}
	return nil
}

// LoadTokenizer reads vocab.json and merges.txt from dir, plus the
// optional tokenizer_config.json, special_tokens_map.json and
// added_tokens.json.
func LoadTokenizer(fs afero.Fs, dir string) (*Tokenizer, error) {
	vocab := map[string]int{}
	ok, err := readJSON(fs, filepath.Join(dir, VocabFile), &vocab)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Errorf("%s has no %s", dir, VocabFile)
	}
	merges, err := readMerges(fs, filepath.Join(dir, MergesFile))
	if err != nil {
		return nil, err
	}
	t, err := NewTokenizer(vocab, merges)
	if err != nil {
		return nil, err
	}

	// Added tokens first: their ids follow the model vocabulary in order.
	added := map[string]int{}
	if _, err := readJSON(fs, filepath.Join(dir, AddedTokensFile), &added); err != nil {
		return nil, err
	}
	var cfg tokenizerConfig
	if _, err := readJSON(fs, filepath.Join(dir, TokenizerConfig), &cfg); err != nil {
		return nil, err
	}
	for key, tok := range cfg.AddedTokensDecoder {
		id, err := strconv.Atoi(key)
		if err != nil || !tok.Special {
			continue
		}
		added[tok.Content] = id
	}
	toks := make([]string, 0, len(added))
	for tok := range added {
		toks = append(toks, tok)
	}
	sort.Slice(toks, func(i, j int) bool { return added[toks[i]] < added[toks[j]] })
	for _, tok := range toks {
		if err := t.addWithID(tok, added[tok]); err != nil {
			return nil, err
		}
	}

	if err := cfg.apply(t); err != nil {
		return nil, err
	}
	t.ModelMaxLength = cfg.ModelMaxLength
	var stm specialTokensMap
	if _, err := readJSON(fs, filepath.Join(dir, SpecialTokensFile), &stm); err != nil {
		return nil, err
	}
	if err := stm.apply(t); err != nil {
		return nil, err
	}
	for _, s := range []string{t.BOS, t.EOS, t.UNK, t.PAD} {
		if s == "" {
			continue
		}
		if err := t.AddSpecialToken(s); err != nil {
			return nil, err
		}
	}
	t.useUnk()
	return t, nil
}

// useUnk lets the model fall back to UNK for symbols it cannot encode.
// UNK must live in the model vocabulary for that.
func (t *Tokenizer) useUnk() {
	if _, ok := t.model.TokenToId(t.UNK); ok {
		unk := t.UNK
		t.model.UnkToken = &unk
	}
}

func readMerges(fs afero.Fs, path string) ([]string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()
	var merges []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" || strings.HasPrefix(line, "#version") {
			continue
		}
		merges = append(merges, line)
	}
	return merges, errors.Wrapf(sc.Err(), "reading %s", path)
}

func writeJSON(fs afero.Fs, path string, v interface{}) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return errors.Wrapf(err, "encoding %s", path)
	}
	return errors.Wrapf(afero.WriteFile(fs, path, buf.Bytes(), 0o644), "writing %s", path)
}

// mergeLines renders the model's merges in rank order as "a b" lines.
func (t *Tokenizer) mergeLines() []string {
	type ranked struct {
		rank int
		line string
	}
	vr := *t.model.VocabR
	all := make([]ranked, 0, len(*t.model.Merges))
	for p, v := range *t.model.Merges {
		a, okA := vr[p.C1]
		b, okB := vr[p.C2]
		if !okA || !okB {
			continue
		}
		all = append(all, ranked{v.Rank, fmt.Sprintf("%s %s", a, b)})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].rank < all[j].rank })
	lines := make([]string, len(all))
	for i, r := range all {
		lines[i] = r.line
	}
	return lines
}

// Save writes the tokenizer in the layout LoadTokenizer reads.
func (t *Tokenizer) Save(fs afero.Fs, dir string) error {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", dir)
	}
	if err := writeJSON(fs, filepath.Join(dir, VocabFile), t.model.GetVocab()); err != nil {
		return err
	}
	var merges bytes.Buffer
	merges.WriteString("#version: 0.2\n")
	for _, m := range t.mergeLines() {
		merges.WriteString(m)
		merges.WriteByte('\n')
	}
	if err := afero.WriteFile(fs, filepath.Join(dir, MergesFile), merges.Bytes(), 0o644); err != nil {
		return errors.Wrap(err, "writing merges")
	}

	tok := func(s string) *specialToken {
		if s == "" {
			return nil
		}
		v := specialToken(s)
		return &v
	}
	stm := specialTokensMap{BOS: tok(t.BOS), EOS: tok(t.EOS), UNK: tok(t.UNK), PAD: tok(t.PAD)}
	cfg := tokenizerConfig{
		specialTokensMap: stm,
		ModelMaxLength:   t.ModelMaxLength,
		TokenizerClass:   "GPT2Tokenizer",
	}
	if err := writeJSON(fs, filepath.Join(dir, TokenizerConfig), cfg); err != nil {
		return err
	}
	if err := writeJSON(fs, filepath.Join(dir, SpecialTokensFile), stm); err != nil {
		return err
	}
	added := map[string]int{}
	for _, s := range t.tk.GetSpecialTokens() {
		if _, ok := t.model.TokenToId(s); ok {
			continue
		}
		if id, ok := t.TokenToID(s); ok {
			added[s] = id
		}
	}
	if len(added) == 0 {
		return nil
	}
	return writeJSON(fs, filepath.Join(dir, AddedTokensFile), added)
}
