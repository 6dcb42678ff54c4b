package onnx

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode"
)

const (
	clsToken = "[CLS]"
	sepToken = "[SEP]"
	unkToken = "[UNK]"
)

// Tokenizer is a lowercase BERT WordPiece tokenizer driven by the vocab in a
// Hugging Face tokenizer.json.
type Tokenizer struct {
	vocab map[string]int64
	cls   int64
	sep   int64
	unk   int64
}

// LoadTokenizer reads the vocab from tokenizer.json.
func LoadTokenizer(path string) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc struct {
		Model struct {
			Vocab map[string]int64 `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse tokenizer: %w", err)
	}
	return NewTokenizer(doc.Model.Vocab)
}

// NewTokenizer builds a tokenizer from a vocab that must contain the
// [CLS], [SEP] and [UNK] specials.
func NewTokenizer(vocab map[string]int64) (*Tokenizer, error) {
	t := &Tokenizer{vocab: vocab}
	for name, dst := range map[string]*int64{clsToken: &t.cls, sepToken: &t.sep, unkToken: &t.unk} {
		id, ok := vocab[name]
		if !ok {
			return nil, fmt.Errorf("tokenizer vocab missing %s", name)
		}
		*dst = id
	}
	return t, nil
}

// Encode returns input ids and attention mask padded to maxLen, framed by
// [CLS] and [SEP]. Longer input is truncated.
func (t *Tokenizer) Encode(text string, maxLen int) (ids, mask []int64) {
	ids = make([]int64, maxLen)
	mask = make([]int64, maxLen)

	tokens := t.Tokenize(text)
	if len(tokens) > maxLen-2 {
		tokens = tokens[:maxLen-2]
	}

	ids[0], mask[0] = t.cls, 1
	for i, tok := range tokens {
		ids[i+1], mask[i+1] = tok, 1
	}
	end := len(tokens) + 1
	ids[end], mask[end] = t.sep, 1
	return ids, mask
}

// Tokenize splits text on whitespace and punctuation, then applies greedy
// longest-prefix WordPiece to each word.
func (t *Tokenizer) Tokenize(text string) []int64 {
	var out []int64
	for _, word := range splitWords(strings.ToLower(text)) {
		if id, ok := t.vocab[word]; ok {
			out = append(out, id)
			continue
		}
		out = append(out, t.wordPiece(word)...)
	}
	return out
}

func (t *Tokenizer) wordPiece(word string) []int64 {
	runes := []rune(word)
	var pieces []int64
	for start := 0; start < len(runes); {
		end := len(runes)
		var id int64
		found := false
		for ; end > start; end-- {
			sub := string(runes[start:end])
			if start > 0 {
				sub = "##" + sub
			}
			if v, ok := t.vocab[sub]; ok {
				id, found = v, true
				break
			}
		}
		if !found {
			// BERT maps the whole word to [UNK] when any piece is unknown.
			return []int64{t.unk}
		}
		pieces = append(pieces, id)
		start = end
	}
	return pieces
}

// splitWords separates punctuation into its own tokens, as BERT's basic
// tokenizer does.
func splitWords(text string) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			words = append(words, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return words
}
