package data

import "fmt"

// Codec maps the dataset's character alphabet to local token ids. The last
// id is reserved for BOS, which never appears inside a row; it exists for
// generation-time priming.
type Codec struct {
	CharToID map[rune]int
	IDToChar []rune
	BosID    int
}

// NewCodec builds a codec over the given alphabet. The alphabet order is the
// id order, so callers must pass a deterministic ordering.
func NewCodec(alphabet []rune) (*Codec, error) {
	if len(alphabet) == 0 {
		return nil, fmt.Errorf("codec: empty alphabet")
	}
	stoi := make(map[rune]int, len(alphabet))
	for i, r := range alphabet {
		if _, dup := stoi[r]; dup {
			return nil, fmt.Errorf("codec: duplicate alphabet rune %q", r)
		}
		stoi[r] = i
	}
	return &Codec{CharToID: stoi, IDToChar: alphabet, BosID: len(alphabet)}, nil
}

// VocabSize counts the alphabet plus BOS.
func (c *Codec) VocabSize() int {
	return len(c.IDToChar) + 1
}

// Encode maps runes to ids; an unknown rune is an error, since every rune in
// a generated row must be in-alphabet by construction.
func (c *Codec) Encode(s string) ([]int, error) {
	out := make([]int, 0, len(s))
	for _, r := range s {
		id, ok := c.CharToID[r]
		if !ok {
			return nil, fmt.Errorf("codec: rune %q not in alphabet", r)
		}
		out = append(out, id)
	}
	return out, nil
}

// Decode maps ids back to a string. BOS and out-of-range ids are skipped,
// matching the lenient decode in generation paths.
func (c *Codec) Decode(ids []int) string {
	out := make([]rune, 0, len(ids))
	for _, id := range ids {
		if id >= 0 && id < len(c.IDToChar) {
			out = append(out, c.IDToChar[id])
		}
	}
	return string(out)
}

// Vocab returns the alphabet as one-rune strings for checkpoint embedding.
func (c *Codec) Vocab() []string {
	out := make([]string, len(c.IDToChar))
	for i, r := range c.IDToChar {
		out[i] = string(r)
	}
	return out
}

// CodecFromVocab rebuilds a codec from checkpoint vocab strings.
func CodecFromVocab(vocab []string) (*Codec, error) {
	runes := make([]rune, 0, len(vocab))
	for _, s := range vocab {
		r := []rune(s)
		if len(r) != 1 {
			return nil, fmt.Errorf("codec: invalid vocab token %q: expected one rune", s)
		}
		runes = append(runes, r[0])
	}
	return NewCodec(runes)
}
