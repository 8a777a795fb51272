package pattern

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"unicode"
)

// Normalize lowercases text, replaces punctuation with spaces and collapses
// whitespace. Apostrophes are dropped so "don't" and "dont" agree.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	space := true
	for _, r := range strings.ToLower(text) {
		switch {
		case r == '\'' || r == '’':
			continue
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			space = false
		default:
			if !space {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// Signature returns the stable hash of the normalized text.
func Signature(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "can": {}, "could": {}, "do": {}, "does": {}, "for": {},
	"from": {}, "have": {}, "hi": {}, "hello": {}, "hey": {}, "how": {},
	"i": {}, "im": {}, "in": {}, "is": {}, "it": {}, "its": {}, "me": {},
	"my": {}, "of": {}, "on": {}, "or": {}, "please": {}, "so": {},
	"thanks": {}, "that": {}, "the": {}, "there": {}, "this": {}, "to": {},
	"u": {}, "we": {}, "what": {}, "when": {}, "where": {}, "which": {},
	"will": {}, "with": {}, "would": {}, "you": {}, "your": {},
}

// Keywords returns the sorted, de-duplicated content tokens of text.
func Keywords(text string) []string {
	seen := make(map[string]struct{})
	for _, tok := range strings.Fields(Normalize(text)) {
		if _, stop := stopwords[tok]; stop {
			continue
		}
		tok = fold(tok)
		if len(tok) < 2 {
			continue
		}
		seen[tok] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for tok := range seen {
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}

// fold strips simple English plural endings.
func fold(tok string) string {
	switch {
	case len(tok) > 4 && strings.HasSuffix(tok, "ies"):
		return tok[:len(tok)-3] + "y"
	case len(tok) > 3 && strings.HasSuffix(tok, "s") && !strings.HasSuffix(tok, "ss") && !strings.HasSuffix(tok, "us"):
		return tok[:len(tok)-1]
	}
	return tok
}

// KeywordOverlap is the Dice coefficient of two keyword sets.
func KeywordOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, k := range a {
		set[k] = struct{}{}
	}
	shared := 0
	seen := make(map[string]struct{}, len(b))
	for _, k := range b {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if _, ok := set[k]; ok {
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(set)+len(seen))
}
