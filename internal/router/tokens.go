package router

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenEstimator turns a prompt into an approximate token count so Optimize
// can reject requests that would exceed max_tokens before ever dispatching
// to a backend.
type TokenEstimator interface {
	Estimate(model, text string) int
}

// tiktokenEstimator wraps pkoukk/tiktoken-go, caching encodings by name
// since construction parses a sizeable BPE rank table.
type tiktokenEstimator struct {
	mu    sync.Mutex
	cache map[string]*tiktoken.Tiktoken
}

// NewTokenEstimator returns the default estimator.
func NewTokenEstimator() TokenEstimator {
	return &tiktokenEstimator{cache: make(map[string]*tiktoken.Tiktoken)}
}

func (e *tiktokenEstimator) Estimate(model, text string) int {
	enc := e.encodingFor(model)
	if enc == nil {
		return fallbackEstimate(text)
	}
	return len(enc.Encode(text, nil, nil))
}

func (e *tiktokenEstimator) encodingFor(model string) *tiktoken.Tiktoken {
	key := strings.ToLower(model)
	if key == "" {
		key = "cl100k_base"
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if enc, ok := e.cache[key]; ok {
		return enc
	}

	enc, err := tiktoken.EncodingForModel(key)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		e.cache[key] = nil
		return nil
	}
	e.cache[key] = enc
	return enc
}

// fallbackEstimate is used when no encoding can be resolved (air-gapped
// deployments without the BPE rank files cached, unknown model names). It
// assumes roughly 4 bytes per token, the commonly quoted rule of thumb for
// English prose.
func fallbackEstimate(text string) int {
	if len(text) == 0 {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
