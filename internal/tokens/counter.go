// Package tokens counts tokens in stage inputs so webhook stages can enforce
// an input budget before calling a model-backed service.
package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// DefaultEncoding is used when a stage does not name one.
const DefaultEncoding = string(tokenizer.Cl100kBase)

// Counter counts tokens in text.
type Counter interface {
	CountText(text string) (int, error)
}

// TiktokenCounter counts tokens with a BPE encoding.
type TiktokenCounter struct {
	codec tokenizer.Codec
}

var (
	codecMu    sync.Mutex
	codecCache = make(map[tokenizer.Encoding]tokenizer.Codec)
)

// NewTiktokenCounter returns a counter for the named encoding
// (cl100k_base, o200k_base, p50k_base, r50k_base). Codecs are cached
// process-wide since loading one parses its vocabulary.
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc := tokenizer.Encoding(strings.ToLower(encoding))

	codecMu.Lock()
	defer codecMu.Unlock()

	if codec, ok := codecCache[enc]; ok {
		return &TiktokenCounter{codec: codec}, nil
	}
	codec, err := tokenizer.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding %q: %w", encoding, err)
	}
	codecCache[enc] = codec
	return &TiktokenCounter{codec: codec}, nil
}

// CountText counts the tokens in text.
func (c *TiktokenCounter) CountText(text string) (int, error) {
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Estimator approximates token counts from character length. It is the
// fallback when no encoding is available.
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{
		CharsPerToken: 4.0,
	}
}

// CountText estimates the token count of text.
func (e *Estimator) CountText(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	n := int(float64(len(text)) / e.CharsPerToken)
	if n == 0 {
		n = 1
	}
	return n, nil
}

// CountValues sums the tokens of every string found in values, descending
// into nested maps and slices. Non-string scalars are ignored.
func CountValues(c Counter, values map[string]any) (int, error) {
	total := 0
	for _, v := range values {
		n, err := countValue(c, v)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func countValue(c Counter, v any) (int, error) {
	switch val := v.(type) {
	case string:
		return c.CountText(val)
	case map[string]any:
		return CountValues(c, val)
	case []any:
		total := 0
		for _, item := range val {
			n, err := countValue(c, item)
			if err != nil {
				return 0, err
			}
			total += n
		}
		return total, nil
	case []string:
		total := 0
		for _, item := range val {
			n, err := c.CountText(item)
			if err != nil {
				return 0, err
			}
			total += n
		}
		return total, nil
	default:
		return 0, nil
	}
}
