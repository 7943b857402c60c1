// Package sanitize cleans free text arriving from ingestion sources and
// MCP clients. Evidence labels and descriptions flow back out through tool
// results into agent context, so control characters, markup, and code
// fences are stripped before storage to prevent stored prompt injection
// while keeping the semantic content.
package sanitize

import (
	"regexp"
	"strings"
)

// MaxTextLength is the maximum allowed length for evidence descriptions.
const MaxTextLength = 2000

// MaxLabelLength is the maximum allowed length for evidence and branch labels.
const MaxLabelLength = 120

var (
	// reXMLTag matches XML/HTML tags, attributes and self-closing forms
	// included, plus processing instructions like <?xml ...?>.
	reXMLTag = regexp.MustCompile(`<[/?!]?[a-zA-Z][a-zA-Z0-9]*(?:\s+[^>]*)?/?>|<\?[^?]*\?>`)

	// reMarkdownHeading matches markdown headings at the start of a line.
	reMarkdownHeading = regexp.MustCompile(`(?m)^#{1,6}\s+`)

	// reHorizontalRule matches markdown horizontal rules at the start of a line.
	reHorizontalRule = regexp.MustCompile(`(?m)^[-*_]{3,}\s*$`)

	// reTripleBacktick matches triple (or more) backtick code fences.
	reTripleBacktick = regexp.MustCompile("```+")

	// reExcessiveNewlines matches 3 or more consecutive newlines.
	reExcessiveNewlines = regexp.MustCompile(`\n{3,}`)

	// reWhitespaceRun matches runs of spaces and tabs.
	reWhitespaceRun = regexp.MustCompile(`[ \t]+`)
)

// Text sanitizes evidence description text for safe storage. It strips
// control characters, XML/HTML tags, markdown headings, horizontal rules,
// and code fences, collapses excessive newlines, and truncates to
// MaxTextLength.
func Text(input string) string {
	if input == "" {
		return ""
	}

	s := stripControlChars(input)
	s = reXMLTag.ReplaceAllString(s, "")
	s = reMarkdownHeading.ReplaceAllString(s, "- ")
	s = reHorizontalRule.ReplaceAllString(s, "")
	s = reTripleBacktick.ReplaceAllString(s, "`")
	s = reExcessiveNewlines.ReplaceAllString(s, "\n\n")
	s = strings.TrimSpace(s)

	if len(s) > MaxTextLength {
		s = s[:MaxTextLength] + "..."
	}
	return s
}

// Label sanitizes a single-line label. Newlines become spaces, markup and
// control characters are stripped, whitespace runs collapse, and the
// result is truncated to MaxLabelLength.
func Label(input string) string {
	if input == "" {
		return ""
	}

	s := strings.ReplaceAll(input, "\n", " ")
	s = stripControlChars(s)
	s = reXMLTag.ReplaceAllString(s, "")
	s = reTripleBacktick.ReplaceAllString(s, "`")
	s = reWhitespaceRun.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)

	if len(s) > MaxLabelLength {
		s = s[:MaxLabelLength]
	}
	return s
}

// stripControlChars removes ASCII control characters (0x00-0x1F), keeping
// newline and tab.
func stripControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
