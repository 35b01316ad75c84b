package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestCanonicaliseSortsAttachments(t *testing.T) {
	atts := []Attachment{
		{Name: "b.png", Role: "user", ContentHash: "h2"},
		{Name: "a.png", Role: "system", ContentHash: "h1"},
		{Name: "a.png", Role: "user", ContentHash: "h3"},
	}
	c := Canonicalise("hi", atts, OptionsSubset{})
	require.Len(t, c.Attachments, 3)
	assert.Equal(t, "system", c.Attachments[0].Role)
	assert.Equal(t, "user", c.Attachments[1].Role)
	assert.Equal(t, "a.png", c.Attachments[1].Name)
	assert.Equal(t, "user", c.Attachments[2].Role)
	assert.Equal(t, "b.png", c.Attachments[2].Name)
}

func TestCanonicaliseRoundsTemperatureAndLowercasesModel(t *testing.T) {
	c := Canonicalise("p", nil, OptionsSubset{Temperature: 0.123456789, ModelOverride: "GPT-4O"})
	assert.Equal(t, 0.1235, c.Options.Temperature)
	assert.Equal(t, "gpt-4o", c.Options.ModelOverride)
}

func TestFingerprintDeterministic(t *testing.T) {
	c1 := Canonicalise("2+2?", nil, OptionsSubset{Temperature: 0, MaxTokens: 8})
	c2 := Canonicalise("2+2?", nil, OptionsSubset{Temperature: 0, MaxTokens: 8})
	assert.Equal(t, Compute(c1), Compute(c2))
}

func TestFingerprintExcludesRuntimeOptions(t *testing.T) {
	// priority and bypass_cache are not part of OptionsSubset at all, so two
	// requests differing only in those fields canonicalise identically.
	base := OptionsSubset{Temperature: 0.5, MaxTokens: 100}
	c1 := Canonicalise("same prompt", nil, base)
	c2 := Canonicalise("same prompt", nil, base)
	assert.Equal(t, Compute(c1), Compute(c2))
}

func TestCanonicaliseIdempotent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		prompt := rapid.String().Draw(rt, "prompt")
		n := rapid.IntRange(0, 5).Draw(rt, "n")
		atts := make([]Attachment, n)
		for i := range atts {
			atts[i] = Attachment{
				Name:        rapid.StringMatching(`[a-z]{1,8}`).Draw(rt, "name"),
				Role:        rapid.SampledFrom([]string{"user", "system", "tool"}).Draw(rt, "role"),
				ContentHash: rapid.StringMatching(`[a-f0-9]{8}`).Draw(rt, "hash"),
			}
		}
		opts := OptionsSubset{
			Temperature:   rapid.Float64Range(0, 2).Draw(rt, "temp"),
			MaxTokens:     rapid.IntRange(0, 8192).Draw(rt, "max_tokens"),
			ModelOverride: rapid.SampledFrom([]string{"", "GPT-4", "qwen-Max"}).Draw(rt, "model"),
		}

		once := Canonicalise(prompt, atts, opts)
		twice := Canonicalise(once.Prompt, once.Attachments, once.Options)

		assert.Equal(rt, Compute(once), Compute(twice))
	})
}

func TestFingerprintCollisionImpliesCanonicalEquality(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		prompt := rapid.String().Draw(rt, "prompt")
		opts := OptionsSubset{Temperature: rapid.Float64Range(0, 2).Draw(rt, "temp")}

		c1 := Canonicalise(prompt, nil, opts)
		c2 := Canonicalise(prompt, nil, opts)

		if Compute(c1) == Compute(c2) {
			assert.Equal(rt, c1, c2)
		}
	})
}

func TestCostIsPerToken(t *testing.T) {
	assert.Equal(t, 150.0, Cost(1000, 500, 0.1, 0.1))
	assert.Equal(t, 0.0, Cost(-5, -5, 1, 1))
}

func TestFingerprintTextMarshalRoundTrip(t *testing.T) {
	c := Canonicalise("round trip", nil, OptionsSubset{})
	fp := Compute(c)
	text, err := fp.MarshalText()
	require.NoError(t, err)

	var out Fingerprint
	require.NoError(t, out.UnmarshalText(text))
	assert.Equal(t, fp, out)
}
