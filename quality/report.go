package quality

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Report is the combined verdict fed back into graph routing (spec §4.6).
type Report struct {
	Score                 float64
	Passed                bool
	HardConstraintsPassed bool
	Hard                  HardReport
	Soft                  SoftReport
	FixSuggestions        []string
	FromCache             bool
}

// Pipeline runs the hard-rule gate and, when it passes (or when configured
// to run regardless), the soft LLM evaluation, combining both into one
// Report.
type Pipeline struct {
	Rules             HardRules
	Evaluator         *Evaluator
	AlwaysRunSoft     bool
	Cache             *Cache
}

// NewPipeline builds a Pipeline. evaluator may be nil to skip the soft
// layer entirely (hard-rule-only gating).
func NewPipeline(rules HardRules, evaluator *Evaluator, cache *Cache) *Pipeline {
	return &Pipeline{Rules: rules, Evaluator: evaluator, Cache: cache}
}

// Evaluate runs the full two-layer pipeline against one artifact, checking
// the cache first. Cache hits are recorded on the returned Report but never
// alter the verdict, per spec §4.6.
func (p *Pipeline) Evaluate(ctx context.Context, artifact, requirements, checkType string) (Report, error) {
	key := CacheKey(artifact, checkType)
	if p.Cache != nil {
		if cached, ok := p.Cache.Get(key); ok {
			cached.FromCache = true
			return cached, nil
		}
	}

	hard := EvaluateHardRules(artifact, p.Rules)

	var soft SoftReport
	runSoft := p.Evaluator != nil && (hard.Passed || p.AlwaysRunSoft)
	if runSoft {
		var err error
		soft, err = p.Evaluator.Evaluate(ctx, artifact, requirements)
		if err != nil {
			return Report{}, err
		}
	}

	report := combine(hard, soft)
	if p.Cache != nil {
		p.Cache.Put(key, report)
	}
	return report, nil
}

func combine(hard HardReport, soft SoftReport) Report {
	score := float64(hard.Score) / 10
	if soft.Ran {
		score = soft.Score
	}
	passed := hard.Passed
	if soft.Ran {
		passed = passed && soft.Passed
	}

	suggestions := make([]string, 0, len(hard.Issues)+len(soft.Suggestions))
	seen := make(map[string]bool)
	for _, issue := range hard.Issues {
		if issue.Suggestion != "" && !seen[issue.Suggestion] {
			seen[issue.Suggestion] = true
			suggestions = append(suggestions, issue.Suggestion)
		}
	}
	for _, s := range soft.Suggestions {
		if s != "" && !seen[s] {
			seen[s] = true
			suggestions = append(suggestions, s)
		}
	}

	return Report{
		Score:                 score,
		Passed:                passed,
		HardConstraintsPassed: hard.Passed,
		Hard:                  hard,
		Soft:                  soft,
		FixSuggestions:        suggestions,
	}
}

// CacheKey computes the cache key the pipeline uses: sha256(artifact) +
// check_type, exactly as spec §4.6 specifies.
func CacheKey(artifact, checkType string) string {
	sum := sha256.Sum256([]byte(artifact))
	return hex.EncodeToString(sum[:]) + ":" + checkType
}
