// Package fingerprint canonicalises requests to a stable cache key
// (sha256 over a canonical byte buffer) and computes per-token cost.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
	"strings"
)

// Attachment is the canonicalisable subset of a request attachment.
type Attachment struct {
	Name        string `json:"name"`
	ContentHash string `json:"content_hash"`
	Role        string `json:"role"`
}

// OptionsSubset is the slice of request options that participate in the
// fingerprint. priority, bypass_cache, and runtime metadata are
// deliberately excluded so semantically identical calls collide.
type OptionsSubset struct {
	Temperature     float64 `json:"temperature"`
	MaxTokens       int     `json:"max_tokens"`
	ModelOverride     string `json:"model_override,omitempty"`
	BackendPreference string `json:"backend_preference,omitempty"`
}

// Canonical is the normalised form fed to the hash. It is also what
// identical-meaning requests must agree on bit-for-bit.
type Canonical struct {
	Prompt      string       `json:"prompt"`
	Attachments []Attachment `json:"attachments"`
	Options     OptionsSubset `json:"options"`
}

// Fingerprint is a SHA-256 digest rendered as a fixed-size array so it can
// be used as a map key, a bbolt key, and (via MarshalText) a JSON field or
// redis key without intermediate allocation at every call site.
type Fingerprint [32]byte

func (f Fingerprint) String() string { return hex.EncodeToString(f[:]) }

// MarshalText implements encoding.TextMarshaler.
func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Fingerprint) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	copy(f[:], b)
	return nil
}

// Canonicalise normalises a request's prompt, attachments, and cacheable
// option subset: attachments are sorted by (role, name), temperature is
// rounded to 4 decimal places, and the model name is lowercased.
func Canonicalise(prompt string, attachments []Attachment, opts OptionsSubset) Canonical {
	sorted := make([]Attachment, len(attachments))
	copy(sorted, attachments)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Role != sorted[j].Role {
			return sorted[i].Role < sorted[j].Role
		}
		return sorted[i].Name < sorted[j].Name
	})

	opts.Temperature = roundTo(opts.Temperature, 4)
	opts.ModelOverride = strings.ToLower(opts.ModelOverride)

	return Canonical{
		Prompt:      prompt,
		Attachments: sorted,
		Options:     opts,
	}
}

func roundTo(v float64, places int) float64 {
	mult := math.Pow(10, float64(places))
	return math.Round(v*mult) / mult
}

// Compute derives the deterministic Fingerprint of a canonical request.
// Canonicalise is idempotent, so Compute(Canonicalise(Canonicalise(r))) ==
// Compute(Canonicalise(r)).
func Compute(c Canonical) Fingerprint {
	// Re-run Canonicalise so callers that hand in an already-normalised
	// Canonical still get a stable encoding, keeping Compute idempotent.
	c = Canonicalise(c.Prompt, c.Attachments, c.Options)
	data, _ := json.Marshal(c) // Canonical has no unmarshalable fields
	return sha256.Sum256(data)
}

// Cost computes the per-token cost of a call in the configured currency.
func Cost(tokensInput, tokensOutput int, costIn, costOut float64) float64 {
	if tokensInput < 0 {
		tokensInput = 0
	}
	if tokensOutput < 0 {
		tokensOutput = 0
	}
	return float64(tokensInput)*costIn + float64(tokensOutput)*costOut
}
