package quality

import "testing"

func TestCountWords(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"ascii", "hello world", 2},
		{"extra whitespace", "hello   world\nfoo", 3},
		{"cjk", "你好世界", 4},
		{"mixed", "hello 世界 world", 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CountWords(tt.text); got != tt.want {
				t.Errorf("CountWords(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestEvaluateHardRules_WordCount(t *testing.T) {
	rules := HardRules{MinWords: 3, MaxWords: 5}

	report := EvaluateHardRules("one two three four", rules)
	if !report.Passed || report.Score != 100 {
		t.Fatalf("expected pass, got %+v", report)
	}

	report = EvaluateHardRules("one two", rules)
	if report.Passed || report.Score != 0 {
		t.Fatalf("expected fail for too few words, got %+v", report)
	}

	report = EvaluateHardRules("one two three four five six", rules)
	if report.Passed {
		t.Fatalf("expected fail for too many words, got %+v", report)
	}
}

func TestEvaluateHardRules_Keywords(t *testing.T) {
	rules := HardRules{Keywords: []string{"go", "concurrency"}, KeywordMode: KeywordAll}
	if r := EvaluateHardRules("Go is great for concurrency.", rules); !r.Passed {
		t.Fatalf("expected pass with all keywords present, got %+v", r)
	}
	if r := EvaluateHardRules("Go is great.", rules); r.Passed {
		t.Fatalf("expected fail missing a required keyword, got %+v", r)
	}

	anyRules := HardRules{Keywords: []string{"go", "rust"}, KeywordMode: KeywordAny}
	if r := EvaluateHardRules("Go is great.", anyRules); !r.Passed {
		t.Fatalf("expected pass with any-mode keyword present, got %+v", r)
	}
}

func TestEvaluateHardRules_ForbiddenWords(t *testing.T) {
	rules := HardRules{ForbiddenWords: []string{"banned"}}
	if r := EvaluateHardRules("this text contains a BANNED word", rules); r.Passed {
		t.Fatalf("expected fail on case-insensitive forbidden word match, got %+v", r)
	}
}

func TestEvaluateHardRules_Structural(t *testing.T) {
	rules := HardRules{
		Structural: StructuralRules{RequireBulletList: true, RequireNumberedList: true},
	}
	text := "Title\n\n- item one\n- item two\n\n1. step one\n2. step two"
	if r := EvaluateHardRules(text, rules); !r.Passed {
		t.Fatalf("expected pass with both list kinds present, got %+v", r)
	}
	if r := EvaluateHardRules("no lists here", rules); r.Passed {
		t.Fatalf("expected fail with no lists present, got %+v", r)
	}
}
