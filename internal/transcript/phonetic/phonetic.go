// Package phonetic snaps misrecognised words in a transcript onto a known
// vocabulary (product names, people, jargon).
//
// Every window of the transcript with as many words as a vocabulary term is
// compared to that term in two stages:
//
//  1. Phonetic filter: Double Metaphone codes of the window's words are
//     compared with the term's codes. Any shared code makes the term a
//     phonetic candidate, accepted when its Jaro-Winkler similarity reaches
//     the phonetic threshold (default 0.70).
//  2. Fuzzy fallback: without a shared code, a term is accepted only when
//     its Jaro-Winkler similarity reaches the stricter fuzzy threshold
//     (default 0.85).
//
// Longer terms win over shorter ones at the same position. Windows shorter
// than the minimum length (default 4 letters) are never rewritten, so short
// function words are left alone.
package phonetic

import (
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
	defaultMinLength         = 4
)

// Option configures a [Corrector].
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a
// phonetically matching term.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Corrector) { c.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a term without
// a phonetic match.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Corrector) { c.fuzzyThreshold = threshold }
}

// WithMinLength sets the minimum number of letters (spaces excluded) a
// window needs before it can be rewritten.
func WithMinLength(n int) Option {
	return func(c *Corrector) { c.minLength = n }
}

// Correction records one rewrite.
type Correction struct {
	Original   string
	Corrected  string
	Confidence float64
	Phonetic   bool
}

// term is a vocabulary entry with its precomputed matching data.
type term struct {
	text   string
	lower  string
	tokens []string
	concat string
	codes  map[string]struct{}
}

func newTerm(s string) (term, bool) {
	text := strings.Join(strings.Fields(s), " ")
	if text == "" {
		return term{}, false
	}
	lower := strings.ToLower(text)
	tokens := strings.Fields(lower)
	return term{
		text:   text,
		lower:  lower,
		tokens: tokens,
		concat: strings.Join(tokens, ""),
		codes:  codesFor(tokens),
	}, true
}

// Corrector rewrites transcript text against a vocabulary. It is safe for
// concurrent use; [Corrector.SetVocabulary] may be called while other
// goroutines correct text.
type Corrector struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
	minLength         int

	mu       sync.RWMutex
	terms    []term
	maxWords int
}

// New returns a [Corrector] for vocabulary.
func New(vocabulary []string, opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
		minLength:         defaultMinLength,
	}
	for _, o := range opts {
		o(c)
	}
	c.SetVocabulary(vocabulary)
	return c
}

// SetVocabulary replaces the vocabulary. Blank entries are ignored.
func (c *Corrector) SetVocabulary(vocabulary []string) {
	terms := make([]term, 0, len(vocabulary))
	maxWords := 0
	for _, v := range vocabulary {
		t, ok := newTerm(v)
		if !ok {
			continue
		}
		terms = append(terms, t)
		maxWords = max(maxWords, len(t.tokens))
	}
	c.mu.Lock()
	c.terms = terms
	c.maxWords = maxWords
	c.mu.Unlock()
}

// Vocabulary returns the normalised vocabulary terms.
func (c *Corrector) Vocabulary() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.terms))
	for i, t := range c.terms {
		out[i] = t.text
	}
	return out
}

// Correct returns text with every matching window replaced by its
// vocabulary term. Text without any match is returned unchanged.
func (c *Corrector) Correct(text string) string {
	out, _ := c.CorrectDetailed(text)
	return out
}

// CorrectDetailed is [Corrector.Correct] that also reports each rewrite.
// When something is rewritten, words are rejoined with single spaces.
func (c *Corrector) CorrectDetailed(text string) (string, []Correction) {
	c.mu.RLock()
	terms, maxWords := c.terms, c.maxWords
	c.mu.RUnlock()
	if len(terms) == 0 {
		return text, nil
	}

	words := strings.Fields(text)
	var (
		out         []string
		corrections []Correction
	)
	for i := 0; i < len(words); {
		n, corr, ok := c.matchAt(words[i:], terms, maxWords)
		if !ok {
			out = append(out, words[i])
			i++
			continue
		}
		lead, _ := splitPunct(words[i])
		_, trail := splitPunct(words[i+n-1])
		out = append(out, lead+corr.Corrected+trail)
		if corr.Corrected != corr.Original {
			corrections = append(corrections, corr)
		}
		i += n
	}
	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}

// Match returns the vocabulary term closest to phrase. When matched is
// false, corrected equals phrase and confidence is 0.
func (c *Corrector) Match(phrase string) (corrected string, confidence float64, matched bool) {
	c.mu.RLock()
	terms := c.terms
	c.mu.RUnlock()

	words := strings.Fields(phrase)
	if len(words) == 0 {
		return phrase, 0, false
	}
	corr, ok := c.best(words, terms)
	if !ok {
		return phrase, 0, false
	}
	return corr.Corrected, corr.Confidence, true
}

// matchAt tries windows starting at words[0], longest first.
func (c *Corrector) matchAt(words []string, terms []term, maxWords int) (int, Correction, bool) {
	for n := min(maxWords, len(words)); n >= 1; n-- {
		if corr, ok := c.best(words[:n], terms); ok {
			return n, corr, true
		}
	}
	return 0, Correction{}, false
}

// best ranks the terms with as many words as window. Phonetic candidates
// beat fuzzy ones; within a class the higher score wins.
func (c *Corrector) best(window []string, terms []term) (Correction, bool) {
	cores := make([]string, 0, len(window))
	tokens := make([]string, 0, len(window))
	letters := 0
	for _, w := range window {
		_, core := splitPunctCore(w)
		if core == "" {
			return Correction{}, false
		}
		cores = append(cores, core)
		tokens = append(tokens, strings.ToLower(core))
		letters += utf8.RuneCountInString(core)
	}
	if letters < c.minLength {
		return Correction{}, false
	}
	full := strings.Join(tokens, " ")
	codes := codesFor(tokens)

	var (
		best  Correction
		found bool
	)
	for i := range terms {
		t := &terms[i]
		if len(t.tokens) != len(tokens) {
			continue
		}
		score := similarity(tokens, full, t)
		phonetic := overlaps(codes, t.codes)
		switch {
		case phonetic && score >= c.phoneticThreshold:
			if !best.Phonetic || score > best.Confidence {
				best = Correction{Original: full, Corrected: t.text, Confidence: score, Phonetic: true}
				found = true
			}
		case !phonetic && !best.Phonetic && score >= c.fuzzyThreshold:
			if score > best.Confidence {
				best = Correction{Original: full, Corrected: t.text, Confidence: score}
				found = true
			}
		}
	}
	if found {
		best.Original = strings.Join(cores, " ")
	}
	return best, found
}

// similarity is the best of three Jaro-Winkler comparisons: whole phrase,
// phrase without spaces, and the mean of word-by-word scores.
func similarity(tokens []string, full string, t *term) float64 {
	score := matchr.JaroWinkler(full, t.lower, false)
	if len(tokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(tokens, ""), t.concat, false); s > score {
			score = s
		}
		var sum float64
		for i, tok := range tokens {
			sum += matchr.JaroWinkler(tok, t.tokens[i], false)
		}
		if s := sum / float64(len(tokens)); s > score {
			score = s
		}
	}
	return score
}

// codesFor returns the union of the Double Metaphone codes of tokens.
func codesFor(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// splitPunct returns the non-word prefix and suffix of w.
func splitPunct(w string) (lead, trail string) {
	start := strings.IndexFunc(w, isWordRune)
	if start < 0 {
		return w, ""
	}
	end := strings.LastIndexFunc(w, isWordRune)
	_, size := utf8.DecodeRuneInString(w[end:])
	return w[:start], w[end+size:]
}

// splitPunctCore returns the prefix and the word core of w.
func splitPunctCore(w string) (lead, core string) {
	lead, trail := splitPunct(w)
	if lead == w {
		return lead, ""
	}
	return lead, w[len(lead) : len(w)-len(trail)]
}
