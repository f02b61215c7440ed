// Package contentfilter implements the pluggable dictionary-based message
// filter of spec §4.10: Block, Replace (asterisk out the match preserving
// rune length), or Audit (pass through, just log) per matched term.
package contentfilter

import (
	"log/slog"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Action is what happens when a dictionary term matches.
type Action int

const (
	ActionAudit Action = iota
	ActionReplace
	ActionBlock
)

// Term is one dictionary entry: a matched word and the action it triggers.
type Term struct {
	Word   string
	Action Action
}

// ErrBlocked is returned by Apply when content contains a Block-action term.
type ErrBlocked struct {
	Term string
}

func (e *ErrBlocked) Error() string { return "content blocked: matched term " + e.Term }

// Filter holds a normalized dictionary of terms. A nil or empty Filter is a
// no-op, matching "disabled filter is a no-op" in spec §4.10.
type Filter struct {
	terms  []normalizedTerm
	logger *slog.Logger
}

type normalizedTerm struct {
	normalized string
	original   string
	action     Action
}

// New builds a Filter from terms, normalizing each word with NFC so
// comparisons are composition-insensitive (and lowercased, so case-insensitive).
func New(terms []Term, logger *slog.Logger) *Filter {
	f := &Filter{logger: logger}
	for _, t := range terms {
		f.terms = append(f.terms, normalizedTerm{
			normalized: normalizeLower(t.Word),
			original:   t.Word,
			action:     t.Action,
		})
	}
	return f
}

func normalizeLower(s string) string {
	return strings.ToLower(norm.NFC.String(s))
}

// Apply scans content for dictionary matches. It is linear in content
// length times dictionary size (spec: "linear in content length"). A Block
// match stops at the first one found and returns ErrBlocked. Replace
// matches are asterisked out (preserving rune length) in the returned
// string; Audit matches are logged but leave the content untouched.
func (f *Filter) Apply(content string) (string, error) {
	if f == nil || len(f.terms) == 0 {
		return content, nil
	}

	normalized := normalizeLower(content)
	result := []rune(content)
	normalizedRunes := []rune(normalized)

	for _, term := range f.terms {
		termRunes := []rune(term.normalized)
		if len(termRunes) == 0 {
			continue
		}

		for start := 0; start+len(termRunes) <= len(normalizedRunes); start++ {
			if !runesEqual(normalizedRunes[start:start+len(termRunes)], termRunes) {
				continue
			}

			switch term.action {
			case ActionBlock:
				return "", &ErrBlocked{Term: term.original}
			case ActionReplace:
				for i := start; i < start+len(termRunes) && i < len(result); i++ {
					result[i] = '*'
				}
			case ActionAudit:
				f.logger.Info("content filter audit match", "term", term.original)
			}
		}
	}

	return string(result), nil
}

func runesEqual(a, b []rune) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
