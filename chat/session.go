package chat

import (
	"bufio"
	"fmt"
	"io"
	"math/rand"
	"strings"

	"github.com/manningwu07/chattune/IO"
	"github.com/manningwu07/chattune/params"
	"github.com/manningwu07/chattune/transformer"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	Prompt   = "You: "
	Farewell = "Goodbye!"
)

// Session answers one line at a time. Nothing carries over between turns.
type Session struct {
	Model     *transformer.Transformer
	Tokenizer *IO.Tokenizer
	Options   transformer.GenerateOptions
	Log       *zap.Logger
}

// NewSession decodes greedily unless cfg asks for sampling. Generation
// stops at the end-of-sequence token, which is also the padding token.
func NewSession(model *transformer.Transformer, tok *IO.Tokenizer, cfg params.TrainingConfig, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	opts := transformer.GenerateOptions{
		MaxLength:    cfg.MaxLength,
		MinNewTokens: cfg.MinNewTokens,
		EOSID:        tok.EOSID(),
		DoSample:     cfg.DoSample,
		Temperature:  cfg.Temperature,
		TopK:         cfg.TopK,
		TopP:         cfg.TopP,
	}
	if cfg.DoSample {
		opts.Rand = rand.New(rand.NewSource(cfg.Seed))
	}
	return &Session{Model: model, Tokenizer: tok, Options: opts, Log: log}
}

// Reply encodes text followed by the end-of-sequence token and returns the
// decoded continuation with special tokens removed.
func (s *Session) Reply(text string) (string, error) {
	eos := s.Tokenizer.EOSID()
	if eos < 0 {
		return "", errors.New("tokenizer has no end-of-sequence token")
	}
	ids, err := s.Tokenizer.Encode(text)
	if err != nil {
		return "", err
	}
	prompt := append(ids, eos)

	// Keep the newest tokens so at least one new token fits.
	maxLen := s.Options.MaxLength
	if maxLen <= 0 || maxLen > s.Model.Config.NPositions {
		maxLen = s.Model.Config.NPositions
	}
	if len(prompt) >= maxLen {
		s.Log.Debug("prompt truncated", zap.Int("tokens", len(prompt)), zap.Int("max_length", maxLen))
		prompt = prompt[len(prompt)-maxLen+1:]
	}

	out := s.Model.Generate(prompt, s.Options)
	reply := s.Tokenizer.Decode(out[len(prompt):], true)
	s.Log.Debug("reply", zap.Int("prompt_tokens", len(prompt)), zap.Int("new_tokens", len(out)-len(prompt)))
	return reply, nil
}

// Loop reads prompts from r and writes replies to w until a line reading
// "exit" (any case) or EOF.
func (s *Session) Loop(r io.Reader, w io.Writer) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(w, Prompt)
		if !sc.Scan() {
			return errors.Wrap(sc.Err(), "reading input")
		}
		line := strings.TrimSuffix(sc.Text(), "\r")
		if strings.EqualFold(strings.TrimSpace(line), "exit") {
			fmt.Fprintln(w, Farewell)
			return nil
		}
		reply, err := s.Reply(line)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Bot: %s\n", reply)
	}
}
