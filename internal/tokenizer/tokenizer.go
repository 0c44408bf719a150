// Package tokenizer turns captions into fixed-length token id rows.
package tokenizer

import (
	"hash/fnv"
	"strings"
	"unicode"

	"github.com/pkg/errors"

	"clipforge/internal/tensor"
)

// DefaultContextLength is the CLIP text context.
const DefaultContextLength = 77

// Pad is the id of padding positions.
const Pad = 0

// Tokenizer maps captions to [B, ContextLength] int64 tensors.
type Tokenizer interface {
	Tokenize(texts []string) (*tensor.Tensor, error)
	ContextLength() int
}

// Hash tokenizes lowercased words by hashing them into the vocabulary. The
// last two ids are reserved for start/end of text.
type Hash struct {
	vocab   int
	context int
}

// NewHash returns a tokenizer over vocab ids producing rows of contextLength.
func NewHash(vocab, contextLength int) (*Hash, error) {
	if vocab < 4 {
		return nil, errors.Errorf("tokenizer: vocab of %d leaves no room for words", vocab)
	}
	if contextLength <= 0 {
		contextLength = DefaultContextLength
	}
	if contextLength < 2 {
		return nil, errors.Errorf("tokenizer: context length %d cannot hold start and end tokens", contextLength)
	}
	return &Hash{vocab: vocab, context: contextLength}, nil
}

func (h *Hash) ContextLength() int { return h.context }

// StartOfText and EndOfText are the reserved delimiter ids.
func (h *Hash) StartOfText() int { return h.vocab - 2 }
func (h *Hash) EndOfText() int   { return h.vocab - 1 }

// Encode returns the ids for one caption, delimiters included, untruncated.
func (h *Hash) Encode(text string) []int {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	ids := make([]int, 0, len(words)+2)
	ids = append(ids, h.StartOfText())
	for _, w := range words {
		ids = append(ids, h.wordID(w))
	}
	return append(ids, h.EndOfText())
}

// wordID lands in [1, vocab-3].
func (h *Hash) wordID(w string) int {
	f := fnv.New32a()
	f.Write([]byte(w))
	return 1 + int(f.Sum32()%uint32(h.vocab-3))
}

// Tokenize encodes every caption, truncating to the context length while
// keeping the end token, and right-pads with Pad.
func (h *Hash) Tokenize(texts []string) (*tensor.Tensor, error) {
	ids := make([][]int, len(texts))
	for i, text := range texts {
		ids[i] = h.Encode(text)
	}
	return pack(ids, h.context, h.EndOfText())
}

// pack lays id rows into a [len(ids), context] Int64 tensor. Rows longer
// than context are cut and end with eot.
func pack(ids [][]int, context, eot int) (*tensor.Tensor, error) {
	rows := make([][]float64, len(ids))
	for i, row := range ids {
		if len(row) > context {
			row = append([]int(nil), row[:context]...)
			row[context-1] = eot
		}
		out := make([]float64, context)
		for j, id := range row {
			out[j] = float64(id)
		}
		rows[i] = out
	}
	t, err := tensor.Stack(rows, context)
	if err != nil {
		return nil, err
	}
	return t.Cast(tensor.Int64), nil
}
