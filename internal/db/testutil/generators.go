// Package testutil provides shared generators for property-based tests.
// String generators are aggressive on purpose: usernames and prompt cells
// come from people typing into forms and spreadsheets.
package testutil

import (
	"strings"

	"pgregory.net/rapid"
)

// BaseUsername generates a canonical (trimmed, lowercase) username.
func BaseUsername() *rapid.Generator[string] {
	return rapid.OneOf(
		rapid.StringMatching(`[a-z][a-z0-9._-]{0,23}`),
		rapid.SampledFrom([]string{
			"alice",
			"bob",
			"zürich",
			"ñoño",
			"日本語",
			"o'brien",
			"' or 1=1 --",
			"a b",
		}),
	)
}

// UsernameVariant returns base with random letter case and surrounding
// whitespace, the forms that must resolve to the same contributor.
func UsernameVariant(base string) *rapid.Generator[string] {
	return rapid.Custom(func(t *rapid.T) string {
		var b strings.Builder
		b.WriteString(arbitraryPadding().Draw(t, "lead"))
		for _, r := range base {
			if rapid.Bool().Draw(t, "upper") {
				b.WriteString(strings.ToUpper(string(r)))
			} else {
				b.WriteRune(r)
			}
		}
		b.WriteString(arbitraryPadding().Draw(t, "trail"))
		return b.String()
	})
}

// SessionID generates opaque session tokens.
func SessionID() *rapid.Generator[string] {
	return rapid.OneOf(
		rapid.StringMatching(`[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`),
		rapid.StringMatching(`sess_[A-Za-z0-9]{4,32}`),
	)
}

// PromptCell generates raw prompt-source cells, including blanks that must
// never be assigned.
func PromptCell() *rapid.Generator[string] {
	return rapid.OneOf(
		rapid.StringMatching(`[A-Z][a-z ,']{4,60}\.`),
		rapid.Just(""),
		arbitraryPadding(),
		arbitraryUnicode(),
		arbitrarySQLInjection(),
	)
}

// PromptColumn generates a column of n cells with at least one non-blank.
func PromptColumn(n int) *rapid.Generator[[]string] {
	return rapid.Custom(func(t *rapid.T) []string {
		cells := rapid.SliceOfN(PromptCell(), n, n).Draw(t, "cells")
		keep := rapid.IntRange(0, n-1).Draw(t, "keep")
		cells[keep] = rapid.StringMatching(`[A-Z][a-z ]{4,40}\.`).Draw(t, "text")
		return cells
	})
}

func arbitrarySQLInjection() *rapid.Generator[string] {
	return rapid.SampledFrom([]string{
		`' OR 1=1 --`,
		`'; DROP TABLE users; --`,
		`" OR "1"="1`,
		`1; SELECT * FROM recordings`,
		`' UNION SELECT * FROM users --`,
	})
}

func arbitraryUnicode() *rapid.Generator[string] {
	return rapid.SampledFrom([]string{
		"日本語の文です。",
		"العربية",
		"🔥🎉💻🚀",
		"Ñoño canta.",
		"à",
		"‮" + "reversed" + "‬",
		"test space",
	})
}

func arbitraryPadding() *rapid.Generator[string] {
	return rapid.SampledFrom([]string{
		"",
		" ",
		"  ",
		"\t",
		"\n",
		" \t \n ",
		"\r\n",
	})
}
