package trials

import (
	"regexp"
	"strings"

	"github.com/jdkato/prose/v2"
)

// A comma followed by a capitalised word starts a new criterion in the
// comma-separated style most registries use ("Age 40-70, HbA1c 7-10%, ...").
var criterionBoundary = regexp.MustCompile(`,\s+([A-Z])`)

var bulletPrefix = regexp.MustCompile(`^(?:[-*•]|\d+[.)])\s*`)

// SplitCriteria breaks free-text eligibility criteria into individual
// criteria. Sentences are found with prose; lists, semicolons and the
// registry comma style are split further.
func SplitCriteria(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return []string{}
	}

	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(bulletPrefix.ReplaceAllString(strings.TrimSpace(line), ""))
		if line == "" {
			continue
		}
		for _, sentence := range sentences(line) {
			for _, part := range strings.Split(sentence, ";") {
				out = append(out, splitCommaList(part)...)
			}
		}
	}

	return dedupe(out)
}

func sentences(text string) []string {
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithExtraction(false),
		prose.WithTokenization(false),
	)
	if err != nil {
		return []string{text}
	}

	out := make([]string, 0, len(doc.Sentences()))
	for _, s := range doc.Sentences() {
		out = append(out, s.Text)
	}
	if len(out) == 0 {
		return []string{text}
	}
	return out
}

func splitCommaList(text string) []string {
	marked := criterionBoundary.ReplaceAllString(text, "\x00$1")

	var out []string
	for _, part := range strings.Split(marked, "\x00") {
		part = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(part), ".,"))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		key := strings.ToLower(item)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out
}
