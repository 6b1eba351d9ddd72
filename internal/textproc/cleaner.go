// Package textproc provides the pure in-memory text stages of the ingestion
// pipeline: cleaning extracted text and splitting it into chunks.
//
// Both stages are deterministic and never perform I/O, so they can run on the
// request path without blocking.
package textproc

import (
	"regexp"
	"strings"
)

var (
	// Bullet glyphs commonly left behind by PDF extraction at line starts.
	bulletPattern = regexp.MustCompile(`(?m)^[\s]*[-*•◦‣▪●○]\s+`)

	// Control characters except \n, which is handled by whitespace collapsing.
	controlPattern = regexp.MustCompile("[\x00-\x09\x0b-\x1f\x7f]")

	whitespacePattern = regexp.MustCompile(`\s+`)
)

// Clean normalizes raw extracted text for chunking.
//
// It removes control characters, strips leading bullet artifacts, collapses
// all whitespace runs (including line breaks) to single spaces, and trims the
// result. Semantic content, numbers, domain terms, and punctuation are
// preserved.
//
// Clean is a pure function and idempotent: Clean(Clean(x)) == Clean(x).
// Control characters go first: a control byte in front of a bullet would
// otherwise hide it from the line-anchored bullet pattern on the first pass
// and expose it on the second. Empty input returns the empty string.
func Clean(text string) string {
	if text == "" {
		return ""
	}

	text = controlPattern.ReplaceAllString(text, "")
	text = bulletPattern.ReplaceAllString(text, "")
	text = whitespacePattern.ReplaceAllString(text, " ")

	return strings.TrimSpace(text)
}
