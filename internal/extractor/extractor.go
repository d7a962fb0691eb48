// Package extractor recovers a structured project artifact from free-form
// model output.
package extractor

import (
	"regexp"
	"strings"
)

var fencePattern = regexp.MustCompile("```(?i:json)?\\s*([\\s\\S]*?)\\s*```")

// Extract turns raw model output into an Artifact.
//
// Candidates are tried in a fixed order and the first that decodes wins:
// the interior of each fenced block, each top-level brace-balanced span, the
// span from the first '{' to the last '}', and finally the whole trimmed text.
// When none decodes the returned error is an *ExtractionFailure carrying text.
func Extract(text string) (*Artifact, error) {
	tried := 0
	for _, c := range candidates(text) {
		tried++
		a, err := parse(c.text)
		if err != nil {
			continue
		}
		a.RawText = text
		a.Stage = c.stage
		return a, nil
	}
	return nil, &ExtractionFailure{RawText: text, Candidates: tried}
}

type candidate struct {
	stage Stage
	text  string
}

func candidates(text string) []candidate {
	var out []candidate
	seen := make(map[string]bool)
	add := func(stage Stage, s string) {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, candidate{stage: stage, text: s})
	}

	for _, m := range fencePattern.FindAllStringSubmatch(text, -1) {
		add(StageFence, m[1])
	}
	for _, span := range balancedSpans(text) {
		add(StageBalanced, span)
	}
	if span, ok := greedySpan(text); ok {
		add(StageGreedy, span)
	}
	add(StageWhole, text)
	return out
}

// balancedSpans returns every top-level {...} span in order of appearance.
// Braces inside JSON string literals are ignored once a span is open; quotes
// in surrounding prose are not tracked. An opener that is never closed is
// skipped and the scan resumes just after it.
func balancedSpans(text string) []string {
	var spans []string
	for pos := 0; pos < len(text); {
		span, end, ok := nextSpan(text, pos)
		if !ok {
			if end < 0 {
				break
			}
			pos = end
			continue
		}
		spans = append(spans, span)
		pos = end
	}
	return spans
}

// nextSpan scans text from pos for the next balanced span and returns it with
// the offset to resume from. When an opener is left unclosed ok is false and
// end is the offset just past that opener; end is -1 when no opener remains.
func nextSpan(text string, pos int) (span string, end int, ok bool) {
	start, depth := -1, 0
	inString, escaped := false, false
	for i := pos; i < len(text); i++ {
		ch := text[i]
		if depth > 0 {
			if escaped {
				escaped = false
				continue
			}
			if inString {
				switch ch {
				case '\\':
					escaped = true
				case '"':
					inString = false
				}
				continue
			}
			if ch == '"' {
				inString = true
				continue
			}
		}
		switch ch {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				return text[start : i+1], i + 1, true
			}
		}
	}
	if start < 0 {
		return "", -1, false
	}
	return "", start + 1, false
}

// greedySpan is the widest brace-bounded span, from the first '{' to the last '}'.
func greedySpan(text string) (string, bool) {
	first := strings.IndexByte(text, '{')
	last := strings.LastIndexByte(text, '}')
	if first < 0 || last <= first {
		return "", false
	}
	return text[first : last+1], true
}
