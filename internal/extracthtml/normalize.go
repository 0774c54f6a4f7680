package extracthtml

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

const (
	// Placeholder is the glyph run the wiki uses for "no effect".
	Placeholder = "○○○○○○"

	// ArrowSeparator separates before/after values, e.g. "3→5".
	ArrowSeparator = "→"
)

// Vocabulary is an immutable phrase -> token table. The zero value maps nothing.
type Vocabulary struct {
	m map[string]string
}

// NewVocabulary copies m so later changes by the caller have no effect.
func NewVocabulary(m map[string]string) Vocabulary {
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return Vocabulary{m: cp}
}

// Lookup returns the token for phrase, or phrase itself when unmapped.
func (v Vocabulary) Lookup(phrase string) string {
	if tok, ok := v.m[phrase]; ok {
		return tok
	}
	return phrase
}

// Len returns the number of mapped phrases.
func (v Vocabulary) Len() int { return len(v.m) }

// Normalizer canonicalizes extracted text.
type Normalizer struct {
	vocab Vocabulary
}

// NewNormalizer returns a Normalizer remapping through vocab.
func NewNormalizer(vocab Vocabulary) Normalizer {
	return Normalizer{vocab: vocab}
}

// Normalize applies the declared rules to raw.
//
// The order is fixed no matter how rules are listed:
// nfkc, collapse, placeholder, arrow, vocab. Arrow must precede vocab since
// the split changes the string the vocabulary sees.
func (n Normalizer) Normalize(raw string, rules []Rule) string {
	var set ruleSet
	for _, r := range rules {
		set.add(r)
	}

	s := raw
	if set.has(RuleNFKC) {
		s = norm.NFKC.String(s)
	}
	if set.has(RuleCollapse) {
		s = CollapseSpace(s)
	}
	if set.has(RulePlaceholder) && strings.TrimSpace(s) == Placeholder {
		s = ""
	}
	if set.has(RuleArrow) {
		if i := strings.LastIndex(s, ArrowSeparator); i >= 0 {
			s = strings.TrimSpace(s[i+len(ArrowSeparator):])
		}
	}
	if set.has(RuleVocab) {
		s = n.vocab.Lookup(s)
	}
	return s
}

type ruleSet uint8

func (rs *ruleSet) add(r Rule) {
	if bit, ok := ruleBits[r]; ok {
		*rs |= bit
	}
}

func (rs ruleSet) has(r Rule) bool { return rs&ruleBits[r] != 0 }

var ruleBits = map[Rule]ruleSet{
	RuleNFKC:        1 << 0,
	RuleCollapse:    1 << 1,
	RulePlaceholder: 1 << 2,
	RuleArrow:       1 << 3,
	RuleVocab:       1 << 4,
}

// CollapseSpace turns every run of spaces, tabs and newlines into a single
// space and trims the ends. No-break and ideographic spaces count as spaces.
func CollapseSpace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pending := false
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r', '\f', '\v', '\u00a0', '\u3000':
			pending = b.Len() > 0
			continue
		}
		if pending {
			b.WriteByte(' ')
			pending = false
		}
		b.WriteRune(r)
	}
	return b.String()
}
