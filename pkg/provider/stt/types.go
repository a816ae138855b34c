package stt

import (
	"fmt"
	"strings"
)

// KeywordBoost represents a keyword to boost in STT recognition.
// Used to improve recognition of uncommon words (names, jargon, places).
type KeywordBoost struct {
	// Keyword is the text to boost (e.g., "Kubernetes").
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}

// ModelTier selects the size of a model-based engine. Larger tiers are more
// accurate and slower to load and run.
type ModelTier string

const (
	TierTiny  ModelTier = "tiny"
	TierBase  ModelTier = "base"
	TierSmall ModelTier = "small"
)

// DefaultTier is used when no tier is configured.
const DefaultTier = TierBase

// Tiers lists every supported tier from smallest to largest.
var Tiers = []ModelTier{TierTiny, TierBase, TierSmall}

// IsValid reports whether t is one of the supported tiers.
func (t ModelTier) IsValid() bool {
	switch t {
	case TierTiny, TierBase, TierSmall:
		return true
	}
	return false
}

// ModelFile returns the whisper.cpp GGML file name for the tier,
// e.g. "ggml-base.bin".
func (t ModelTier) ModelFile() string {
	return "ggml-" + string(t) + ".bin"
}

// ParseTier parses a case-insensitive tier name.
func ParseTier(s string) (ModelTier, error) {
	t := ModelTier(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("stt: unknown model tier %q (want tiny, base or small)", s)
	}
	return t, nil
}
