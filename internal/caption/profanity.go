package caption

import (
	"regexp"
	"strings"
)

var profanityPatterns = []string{
	`\bdamn(?:ed|ing)?\b`,
	`\bhell\b`,
	`\bshit(?:ty|ting|ted|s)?\b`,
	`\bfuck(?:er|ers|ing|ed|s)?\b`,
	`\bmotherf(?:ucker|uckers|ucking|uckin|ucks?)\b`,
	`\bbitch(?:es|ing|y)?\b`,
	`\basshole(?:s)?\b`,
	`\bbastard(?:s)?\b`,
	`\bdick(?:head|heads|s)?\b`,
	`\bpiss(?:ed|ing|es)?\b`,
	`\bcrap(?:py|s)?\b`,
}

// Masker replaces listed words with asterisks of the same length.
// A nil *Masker leaves text untouched.
type Masker struct {
	patterns []*regexp.Regexp
}

// NewMasker compiles the built-in word list.
func NewMasker() *Masker {
	m := &Masker{patterns: make([]*regexp.Regexp, 0, len(profanityPatterns))}
	for _, p := range profanityPatterns {
		m.patterns = append(m.patterns, regexp.MustCompile(`(?i)`+p))
	}
	return m
}

// Clean returns s with every match masked. It is idempotent.
func (m *Masker) Clean(s string) string {
	if m == nil {
		return s
	}
	for _, rx := range m.patterns {
		s = rx.ReplaceAllStringFunc(s, func(w string) string {
			return strings.Repeat("*", len(w))
		})
	}
	return s
}
