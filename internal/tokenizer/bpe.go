package tokenizer

import (
	loomtok "github.com/openfluke/loom/tokenizer"
	"github.com/pkg/errors"

	"clipforge/internal/tensor"
)

var (
	startNames = []string{"<|startoftext|>", "<s>", "<|begin_of_text|>", "[CLS]"}
	endNames   = []string{"<|endoftext|>", "</s>", "<|end_of_text|>", "[SEP]"}
)

// BPE wraps a tokenizer.json vocabulary. Rows are start token (when the
// vocabulary has one), the encoded caption, then the end token.
type BPE struct {
	tk      *loomtok.Tokenizer
	context int
	sot     int // -1 when absent
	eot     int
}

// LoadBPE reads a HuggingFace tokenizer.json.
func LoadBPE(path string, contextLength int) (*BPE, error) {
	tk, err := loomtok.LoadFromFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "tokenizer: load %s", path)
	}
	return NewBPE(tk, contextLength)
}

// NewBPE resolves the delimiter ids of tk.
func NewBPE(tk *loomtok.Tokenizer, contextLength int) (*BPE, error) {
	if contextLength <= 0 {
		contextLength = DefaultContextLength
	}
	if contextLength < 2 {
		return nil, errors.Errorf("tokenizer: context length %d cannot hold start and end tokens", contextLength)
	}
	eot, ok := lookup(tk, endNames)
	if !ok {
		return nil, errors.Errorf("tokenizer: vocabulary has none of the end tokens %v", endNames)
	}
	sot, ok := lookup(tk, startNames)
	if !ok {
		sot = -1
	}
	return &BPE{tk: tk, context: contextLength, sot: sot, eot: eot}, nil
}

func lookup(tk *loomtok.Tokenizer, names []string) (int, bool) {
	for _, name := range names {
		if id, ok := tk.SpecialTokens[name]; ok {
			return int(id), true
		}
		if id, ok := tk.Vocab[name]; ok {
			return int(id), true
		}
	}
	return 0, false
}

func (b *BPE) ContextLength() int { return b.context }
func (b *BPE) EndOfText() int     { return b.eot }

// StartOfText is -1 when the vocabulary has no start token.
func (b *BPE) StartOfText() int { return b.sot }

// VocabSize covers every id the tokenizer can emit.
func (b *BPE) VocabSize() int {
	return max(b.tk.VocabSize(), b.sot+1, b.eot+1)
}

// Encode returns the ids for one caption, delimiters included, untruncated.
func (b *BPE) Encode(text string) []int {
	raw := b.tk.Encode(text, false)
	ids := make([]int, 0, len(raw)+2)
	if b.sot >= 0 {
		ids = append(ids, b.sot)
	}
	for _, id := range raw {
		ids = append(ids, int(id))
	}
	return append(ids, b.eot)
}

func (b *BPE) Tokenize(texts []string) (*tensor.Tensor, error) {
	ids := make([][]int, len(texts))
	for i, text := range texts {
		ids[i] = b.Encode(text)
	}
	return pack(ids, b.context, b.eot)
}
