// Package redact masks sensitive-data patterns in text before it crosses a
// trust boundary. Masking is irreversible; findings describe what was masked
// for audit purposes only, never for reconstruction.
package redact

import (
	"errors"
	"regexp"
	"sort"
	"strings"
)

// ErrEmptyInput is returned when Redact is called with no input. Any
// non-empty string, however malformed, produces an output string.
var ErrEmptyInput = errors.New("redact: empty input")

// Finding records one masked span. Start and End are byte offsets into the
// text as it stood when the pattern class was applied.
type Finding struct {
	Class string `json:"class"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

type patternClass struct {
	class string
	re    *regexp.Regexp
}

// Pattern classes are applied in fixed order. The set is conservative by
// design: over-redaction is preferred to under-redaction, with the one
// exception that bare numeric sequences (ZIP codes and the like) are left
// alone so benign lookups such as "weather for 90210" pass through clean.
var patternClasses = []patternClass{
	{"SSN", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b|\b\d{9}\b`)},
	{"MRN", regexp.MustCompile(`\b[A-Z]{2,3}\d{6,10}\b`)},
	{"PHONE", regexp.MustCompile(`\b\d{3}[-.]\d{3}[-.]?\d{4}\b|\b\(\d{3}\)\s*\d{3}[-.]?\d{4}\b`)},
	{"EMAIL", regexp.MustCompile(`(?i)\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{"DOB", regexp.MustCompile(`\b\d{1,2}[/-]\d{1,2}[/-]\d{2,4}\b`)},
	{"ADDRESS", regexp.MustCompile(`(?i)\b\d+\s+[A-Za-z ]+(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Dr|Court|Ct|Circle|Cir|Plaza|Pl)\b`)},
}

// Honorific-prefixed names. Only the captured name is masked; the honorific
// stays so the text remains readable.
var namePattern = regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Dr|Prof)\.?\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)*)`)

// Placeholder returns the mask written in place of a matched span.
func Placeholder(class string) string {
	return "[REDACTED:" + class + "]"
}

// Redact scans text for sensitive patterns and returns a sanitized copy plus
// the ordered findings. It is pure, deterministic, and idempotent on its own
// output. The only error case is empty input.
func Redact(text string) (string, []Finding, error) {
	if text == "" {
		return "", nil, ErrEmptyInput
	}

	var findings []Finding
	out := text

	for _, pc := range patternClasses {
		out = maskAll(out, pc.re, pc.class, &findings)
	}
	out = maskNames(out, &findings)

	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].Start < findings[j].Start
	})
	return out, findings, nil
}

func maskAll(text string, re *regexp.Regexp, class string, findings *[]Finding) string {
	matches := re.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return text
	}

	var b strings.Builder
	prev := 0
	for _, m := range matches {
		*findings = append(*findings, Finding{Class: class, Start: m[0], End: m[1]})
		b.WriteString(text[prev:m[0]])
		b.WriteString(Placeholder(class))
		prev = m[1]
	}
	b.WriteString(text[prev:])
	return b.String()
}

func maskNames(text string, findings *[]Finding) string {
	matches := namePattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}

	var b strings.Builder
	prev := 0
	for _, m := range matches {
		// m[2]:m[3] is the captured name, honorific excluded.
		*findings = append(*findings, Finding{Class: "NAME", Start: m[2], End: m[3]})
		b.WriteString(text[prev:m[2]])
		b.WriteString(Placeholder("NAME"))
		prev = m[3]
	}
	b.WriteString(text[prev:])
	return b.String()
}
