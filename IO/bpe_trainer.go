package IO

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/sugarme/tokenizer/model/bpe"
)

// TrainOptions bounds BPE vocabulary construction.
type TrainOptions struct {
	MaxVocabSize     int // including the 256 byte symbols and EndOfText; 0 means 30000
	MinPairFrequency int // pairs seen fewer times than this are never merged
}

const defaultVocabSize = 30000

// TrainBPE learns a byte-level BPE vocabulary from lines with the sugarme
// BPE trainer. The result always holds every byte symbol, so any input
// encodes, and ends with EndOfText, which is also EOS, BOS and UNK.
// Merges between equally frequent pairs are picked in no fixed order.
func TrainBPE(lines []string, opts TrainOptions) (*Tokenizer, error) {
	if opts.MaxVocabSize == 0 {
		opts.MaxVocabSize = defaultVocabSize
	}
	if opts.MaxVocabSize < 257 {
		return nil, errors.Errorf("max vocab size %d is below the 257 base symbols", opts.MaxVocabSize)
	}
	if opts.MinPairFrequency <= 0 {
		opts.MinPairFrequency = 2
	}

	base, err := NewTokenizer(nil, nil)
	if err != nil {
		return nil, err
	}
	// One slot stays free for EndOfText.
	trainer := bpe.NewBpeTrainer(opts.MinPairFrequency, opts.MaxVocabSize-1)
	trainer.ShowProgress = false
	trainer.InitialAlphabet = byteLevel().Alphabet()

	counts := map[string]int{}
	for _, line := range lines {
		words, err := base.words(line)
		if err != nil {
			return nil, err
		}
		trainer.ProcessTokens(counts, words)
	}
	trained, _ := trainer.Train(counts)
	m, ok := trained.(bpe.BPE)
	if !ok {
		return nil, errors.Errorf("bpe trainer returned %T", trained)
	}

	// A token learned twice keeps only its later id; renumber so ids stay
	// dense.
	toks := make([]string, 0, len(*m.Vocab))
	for tok := range *m.Vocab {
		toks = append(toks, tok)
	}
	sort.Slice(toks, func(i, j int) bool { return (*m.Vocab)[toks[i]] < (*m.Vocab)[toks[j]] })
	vocab := make(map[string]int, len(toks)+1)
	for i, tok := range toks {
		vocab[tok] = i
	}
	vocab[EndOfText] = len(toks)
	learned := &Tokenizer{model: &m}

	t, err := NewTokenizer(vocab, learned.mergeLines(), EndOfText)
	if err != nil {
		return nil, err
	}
	t.BOS, t.EOS, t.UNK = EndOfText, EndOfText, EndOfText
	t.useUnk()
	return t, nil
}

// CorpusWords is a rough word count used for logging.
func CorpusWords(lines []string) int {
	n := 0
	for _, l := range lines {
		n += len(strings.Fields(l))
	}
	return n
}
