// Package quality implements the two-layer quality-check pipeline (spec
// §4.6): a deterministic hard-rule gate and a soft LLM-scored evaluation,
// combined into one Report that graph routing conditions on.
package quality

import (
	"strings"
	"unicode"
)

// Severity classifies one issue raised by the hard-rule checker.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Category names which hard rule produced an issue.
type Category string

const (
	CategoryWordCount Category = "word_count"
	CategoryKeyword   Category = "keyword"
	CategoryStructure Category = "structure"
	CategoryForbidden Category = "forbidden_word"
)

// Issue is one finding from either layer of the pipeline.
type Issue struct {
	Severity   Severity
	Category   Category
	Message    string
	Suggestion string
}

// KeywordMode selects how HardRules.Keywords is evaluated.
type KeywordMode string

const (
	KeywordAll KeywordMode = "all"
	KeywordAny KeywordMode = "any"
)

// StructuralRules declares the optional structural checks §4.6 names.
type StructuralRules struct {
	RequireTitle        bool
	RequireIntro        bool
	RequireConclusion    bool
	MinSections         int // paragraphs separated by blank lines
	RequireBulletList   bool
	RequireNumberedList bool
	// TitleMaxWords bounds how long the first non-empty line may be to
	// still count as a title.
	TitleMaxWords int
}

// HardRules is the declarative, deterministic gate evaluated against one
// produced artifact.
type HardRules struct {
	MinWords        int
	MaxWords        int
	Keywords        []string
	KeywordMode     KeywordMode
	ForbiddenWords  []string
	Structural      StructuralRules
}

// HardReport is the result of evaluating HardRules against an artifact.
// Any failing rule drives Passed=false, Score=0; otherwise Passed=true,
// Score=100, matching spec §4.6's binary hard-rule scoring.
type HardReport struct {
	Passed bool
	Score  int
	Issues []Issue
}

// CountWords counts "words" the way spec §4.6 defines them: every CJK
// Unified Ideographs / Hiragana / Katakana / Hangul rune counts as one
// word, and every maximal run of consecutive non-CJK, non-whitespace runes
// counts as one word. No ecosystem library in the pack performs this exact,
// narrow word-segmentation rule (real CJK tokenizers do morphological
// segmentation, which is more than this spec asks for), so it is
// implemented directly on stdlib unicode range tables; see DESIGN.md.
func CountWords(text string) int {
	count := 0
	inRun := false
	for _, r := range text {
		if isCJK(r) {
			count++
			inRun = false
			continue
		}
		if unicode.IsSpace(r) {
			inRun = false
			continue
		}
		if !inRun {
			count++
			inRun = true
		}
	}
	return count
}

func isCJK(r rune) bool {
	switch {
	case unicode.Is(unicode.Han, r):
		return true
	case unicode.Is(unicode.Hiragana, r):
		return true
	case unicode.Is(unicode.Katakana, r):
		return true
	case unicode.Is(unicode.Hangul, r):
		return true
	default:
		return false
	}
}

// EvaluateHardRules runs every declared hard rule against artifact and
// returns the combined verdict.
func EvaluateHardRules(artifact string, rules HardRules) HardReport {
	var issues []Issue

	wc := CountWords(artifact)
	if rules.MinWords > 0 && wc < rules.MinWords {
		issues = append(issues, Issue{
			Severity: SeverityError, Category: CategoryWordCount,
			Message:    "word count below minimum",
			Suggestion: "expand the content to meet the minimum word count",
		})
	}
	if rules.MaxWords > 0 && wc > rules.MaxWords {
		issues = append(issues, Issue{
			Severity: SeverityError, Category: CategoryWordCount,
			Message:    "word count above maximum",
			Suggestion: "trim the content to fit within the maximum word count",
		})
	}

	if len(rules.Keywords) > 0 {
		lower := strings.ToLower(artifact)
		present := 0
		for _, kw := range rules.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				present++
			}
		}
		mode := rules.KeywordMode
		if mode == "" {
			mode = KeywordAll
		}
		ok := present == len(rules.Keywords)
		if mode == KeywordAny {
			ok = present > 0
		}
		if !ok {
			issues = append(issues, Issue{
				Severity: SeverityError, Category: CategoryKeyword,
				Message:    "required keywords not satisfied",
				Suggestion: "work the expected keywords into the content",
			})
		}
	}

	for _, fw := range rules.ForbiddenWords {
		if fw == "" {
			continue
		}
		if strings.Contains(strings.ToLower(artifact), strings.ToLower(fw)) {
			issues = append(issues, Issue{
				Severity: SeverityError, Category: CategoryForbidden,
				Message:    "forbidden word present: " + fw,
				Suggestion: "remove or replace the forbidden word",
			})
		}
	}

	issues = append(issues, evaluateStructural(artifact, rules.Structural)...)

	passed := len(issues) == 0
	score := 0
	if passed {
		score = 100
	}
	return HardReport{Passed: passed, Score: score, Issues: issues}
}

func evaluateStructural(artifact string, s StructuralRules) []Issue {
	var issues []Issue
	lines := strings.Split(artifact, "\n")
	paragraphs := splitParagraphs(artifact)

	if s.RequireTitle {
		title := firstNonEmptyLine(lines)
		maxWords := s.TitleMaxWords
		if maxWords == 0 {
			maxWords = 12
		}
		if title == "" || CountWords(title) > maxWords {
			issues = append(issues, Issue{
				Severity: SeverityError, Category: CategoryStructure,
				Message:    "missing or overlong title",
				Suggestion: "add a short title line at the top",
			})
		}
	}

	if s.RequireIntro {
		if len(paragraphs) == 0 || CountWords(paragraphs[0]) > 120 {
			issues = append(issues, Issue{
				Severity: SeverityError, Category: CategoryStructure,
				Message:    "missing or overlong introduction",
				Suggestion: "open with a short introductory paragraph",
			})
		}
	}

	if s.RequireConclusion {
		if len(paragraphs) == 0 || CountWords(paragraphs[len(paragraphs)-1]) < 15 {
			issues = append(issues, Issue{
				Severity: SeverityError, Category: CategoryStructure,
				Message:    "missing or trivial conclusion",
				Suggestion: "close with a substantive concluding paragraph",
			})
		}
	}

	if s.MinSections > 0 && len(paragraphs) < s.MinSections {
		issues = append(issues, Issue{
			Severity: SeverityError, Category: CategoryStructure,
			Message:    "too few sections/paragraphs",
			Suggestion: "break the content into more sections",
		})
	}

	if s.RequireBulletList && !containsBulletList(lines) {
		issues = append(issues, Issue{
			Severity: SeverityError, Category: CategoryStructure,
			Message:    "missing bullet list",
			Suggestion: "add a bulleted list where appropriate",
		})
	}

	if s.RequireNumberedList && !containsNumberedList(lines) {
		issues = append(issues, Issue{
			Severity: SeverityError, Category: CategoryStructure,
			Message:    "missing numbered list",
			Suggestion: "add a numbered list where appropriate",
		})
	}

	return issues
}

func firstNonEmptyLine(lines []string) string {
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			return strings.TrimSpace(l)
		}
	}
	return ""
}

func splitParagraphs(text string) []string {
	raw := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if strings.TrimSpace(p) != "" {
			out = append(out, strings.TrimSpace(p))
		}
	}
	return out
}

func containsBulletList(lines []string) bool {
	for _, l := range lines {
		t := strings.TrimSpace(l)
		if strings.HasPrefix(t, "- ") || strings.HasPrefix(t, "* ") || strings.HasPrefix(t, "• ") {
			return true
		}
	}
	return false
}

func containsNumberedList(lines []string) bool {
	for _, l := range lines {
		t := strings.TrimSpace(l)
		if len(t) > 2 && t[0] >= '0' && t[0] <= '9' {
			i := 0
			for i < len(t) && t[i] >= '0' && t[i] <= '9' {
				i++
			}
			if i < len(t) && (t[i] == '.' || t[i] == ')') {
				return true
			}
		}
	}
	return false
}
