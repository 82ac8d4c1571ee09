// Package tokenizer estimates token usage when a provider does not report it.
package tokenizer

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Counter counts tokens in text.
type Counter interface {
	CountTokens(text string) int
	Name() string
}

// modelEncodings maps model prefixes to tiktoken encodings.
var modelEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4.1":       "o200k_base",
	"gpt-5":         "o200k_base",
	"o1":            "o200k_base",
	"o3":            "o200k_base",
	"o4":            "o200k_base",
	"gpt-oss":       "o200k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
}

var (
	encMu    sync.Mutex
	encCache = map[string]*tiktoken.Tiktoken{}
	encFail  = map[string]bool{}
)

// ForModel returns a tiktoken counter for OpenAI-family models and a
// character-based estimator for everything else or when the encoding cannot
// be loaded (tiktoken fetches BPE ranks on first use).
func ForModel(model string) Counter {
	model = strings.TrimPrefix(strings.ToLower(model), "openai/")
	encoding := ""
	for prefix, enc := range modelEncodings {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(encoding) {
			encoding = enc
		}
	}
	if encoding == "" {
		return Estimator{}
	}

	encMu.Lock()
	defer encMu.Unlock()
	if enc, ok := encCache[encoding]; ok {
		return &tiktokenCounter{enc: enc, encoding: encoding}
	}
	if encFail[encoding] {
		return Estimator{}
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		encFail[encoding] = true
		return Estimator{}
	}
	encCache[encoding] = enc
	return &tiktokenCounter{enc: enc, encoding: encoding}
}

type tiktokenCounter struct {
	enc      *tiktoken.Tiktoken
	encoding string
}

func (t *tiktokenCounter) CountTokens(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

func (t *tiktokenCounter) Name() string { return "tiktoken[" + t.encoding + "]" }

// Estimator approximates tokens from character classes: CJK runes count about
// 1.5 characters per token, everything else about 4.
type Estimator struct{}

func (Estimator) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	total := utf8.RuneCountInString(text)
	cjk := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		}
	}
	n := int(float64(cjk)/1.5 + float64(total-cjk)/4.0)
	if n == 0 {
		n = 1
	}
	return n
}

func (Estimator) Name() string { return "estimator" }

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x3040 && r <= 0x30FF) ||
		(r >= 0xAC00 && r <= 0xD7AF)
}
