// Package vocab snaps misheard words in a finished transcript to a list of
// known terms.
//
// Streaming recognition is weakest on jargon: product names, acronyms and
// compound identifiers come back split ("type script"), misspelt
// ("postgress") or in the wrong case. A [Corrector] slides a window over the
// transcript and replaces a span with a term when
//
//  1. the span's Double Metaphone code overlaps the term's and their
//     Jaro-Winkler similarity reaches the phonetic threshold, or
//  2. their Jaro-Winkler similarity alone reaches the stricter fuzzy threshold.
//
// Spans are compared with spaces removed, so a term may absorb a spoken form
// that is one word longer than the term itself. Spans whose length differs
// too much from a term's are never compared, which keeps the surrounding
// words from being swallowed.
package vocab

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
	defaultMinWordLength     = 3
)

// Correction records one substitution.
type Correction struct {
	// Original is the span as transcribed, punctuation excluded.
	Original string

	// Corrected is the term that replaced it.
	Corrected string

	// Confidence is the Jaro-Winkler similarity in [0, 1].
	Confidence float64

	// Phonetic reports whether the Double Metaphone codes overlapped.
	Phonetic bool
}

// Option configures a [Corrector].
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum similarity accepted for a
// phonetically matching span. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Corrector) {
		c.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum similarity accepted without a phonetic
// match. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Corrector) {
		c.fuzzyThreshold = threshold
	}
}

// WithMinWordLength sets the shortest single word, in runes, that is
// considered for correction. Default: 3.
func WithMinWordLength(n int) Option {
	return func(c *Corrector) {
		c.minWordLength = n
	}
}

type term struct {
	text  string
	key   string
	codes map[string]struct{}
	words int
}

// Corrector rewrites transcripts against a fixed term list. It is read-only
// after construction and safe for concurrent use.
type Corrector struct {
	terms    []term
	maxWords int

	phoneticThreshold float64
	fuzzyThreshold    float64
	minWordLength     int
}

// New returns a Corrector for terms. Blank terms are ignored.
func New(terms []string, opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
		minWordLength:     defaultMinWordLength,
	}
	for _, o := range opts {
		o(c)
	}
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		words := strings.Fields(t)
		key := matchKey(words)
		c.terms = append(c.terms, term{
			text:  strings.Join(words, " "),
			key:   key,
			codes: codes(key),
			words: len(words),
		})
		c.maxWords = max(c.maxWords, len(words))
	}
	return c
}

// Len returns the number of usable terms.
func (c *Corrector) Len() int { return len(c.terms) }

// Match returns the term most similar to phrase.
func (c *Corrector) Match(phrase string) (corrected string, confidence float64, matched bool) {
	best, ok := c.match(strings.Fields(phrase))
	if !ok {
		return phrase, 0, false
	}
	return best.Corrected, best.Confidence, true
}

func (c *Corrector) match(words []string) (Correction, bool) {
	if len(words) == 0 {
		return Correction{}, false
	}
	key := matchKey(words)
	keyLen := utf8.RuneCountInString(key)
	inputCodes := codes(key)

	var best Correction
	found := false
	for _, t := range c.terms {
		if len(words) > t.words+1 || !comparableLength(keyLen, utf8.RuneCountInString(t.key)) {
			continue
		}
		score := matchr.JaroWinkler(key, t.key, false)
		phonetic := overlaps(inputCodes, t.codes)

		var ok bool
		if phonetic {
			ok = score >= c.phoneticThreshold
		} else {
			ok = score >= c.fuzzyThreshold
		}
		if !ok {
			continue
		}
		// Phonetic matches rank above purely fuzzy ones.
		if !found || (phonetic && !best.Phonetic) || (phonetic == best.Phonetic && score > best.Confidence) {
			best = Correction{
				Original:   strings.Join(words, " "),
				Corrected:  t.text,
				Confidence: score,
				Phonetic:   phonetic,
			}
			found = true
		}
	}
	return best, found
}

// Correct returns text with matching spans replaced by their terms, and the
// substitutions made. Punctuation around a span is kept, and a span never
// crosses punctuation. Text without a match is returned unchanged.
func (c *Corrector) Correct(text string) (string, []Correction) {
	if len(c.terms) == 0 {
		return text, nil
	}
	tokens := strings.Fields(text)
	toks := make([]token, len(tokens))
	for i, s := range tokens {
		toks[i] = splitToken(s)
	}

	var (
		out         []string
		corrections []Correction
	)
	for i := 0; i < len(toks); {
		n, fix, ok := c.longestMatch(toks[i:])
		if !ok {
			out = append(out, tokens[i])
			i++
			continue
		}
		replaced := toks[i].lead + fix.Corrected + toks[i+n-1].trail
		if replaced != strings.Join(tokens[i:i+n], " ") {
			corrections = append(corrections, fix)
		}
		out = append(out, replaced)
		i += n
	}
	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}

// longestMatch tries the widest window first and returns how many tokens
// the match spans.
func (c *Corrector) longestMatch(toks []token) (int, Correction, bool) {
	for n := min(c.maxWords+1, len(toks)); n >= 1; n-- {
		words, ok := window(toks[:n])
		if !ok {
			continue
		}
		if n == 1 && utf8.RuneCountInString(words[0]) < c.minWordLength {
			continue
		}
		if fix, ok := c.match(words); ok {
			return n, fix, true
		}
	}
	return 0, Correction{}, false
}

// token is a whitespace-separated word with its surrounding punctuation split
// off.
type token struct {
	lead, core, trail string
}

func splitToken(s string) token {
	isPunct := func(r rune) bool { return unicode.IsPunct(r) || unicode.IsSymbol(r) }
	core := strings.TrimLeftFunc(s, isPunct)
	lead := s[:len(s)-len(core)]
	trimmed := strings.TrimRightFunc(core, isPunct)
	return token{lead: lead, core: trimmed, trail: core[len(trimmed):]}
}

// window returns the words of toks when they form one unpunctuated phrase.
func window(toks []token) ([]string, bool) {
	words := make([]string, len(toks))
	for i, t := range toks {
		if t.core == "" ||
			(i > 0 && t.lead != "") ||
			(i < len(toks)-1 && t.trail != "") {
			return nil, false
		}
		words[i] = t.core
	}
	return words, true
}

// matchKey lower-cases words and joins them without spaces.
func matchKey(words []string) string {
	return strings.ToLower(strings.Join(words, ""))
}

// comparableLength reports whether two keys are close enough in length to be
// compared: within a quarter of the term length, and never less than 2 runes.
func comparableLength(input, term int) bool {
	slack := max(2, term/4)
	diff := input - term
	if diff < 0 {
		diff = -diff
	}
	return diff <= slack
}

func codes(key string) map[string]struct{} {
	set := make(map[string]struct{}, 2)
	p, s := matchr.DoubleMetaphone(key)
	if p != "" {
		set[p] = struct{}{}
	}
	if s != "" {
		set[s] = struct{}{}
	}
	return set
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
