package quality

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/contentforge/orchestrator/graph/model"
)

// DimensionScores holds the per-dimension breakdown an LLM evaluator
// returns alongside its overall score.
type DimensionScores struct {
	Relevance    float64
	Coherence    float64
	Completeness float64
	Readability  float64
}

// SoftReport is the result of the LLM evaluation layer (spec §4.6.2).
type SoftReport struct {
	Ran         bool
	Score       float64 // [0, 10]
	Dimensions  DimensionScores
	Passed      bool
	Strengths   []string
	Weaknesses  []string
	Suggestions []string
}

// DefaultThreshold is the default passing score for the soft layer.
const DefaultThreshold = 7.0

// Evaluator runs the soft LLM-scored layer over a produced artifact.
type Evaluator struct {
	Model     model.ChatModel
	Threshold float64
}

// NewEvaluator returns an Evaluator with the default passing threshold.
func NewEvaluator(m model.ChatModel) *Evaluator {
	return &Evaluator{Model: m, Threshold: DefaultThreshold}
}

const evaluationSystemPrompt = `You are a strict content quality evaluator. Score the given artifact against the requirements. Respond with a single JSON object and nothing else, shaped exactly as:
{"score": <0-10>, "relevance": <0-10>, "coherence": <0-10>, "completeness": <0-10>, "readability": <0-10>, "strengths": ["..."], "weaknesses": ["..."], "suggestions": ["..."]}`

// Evaluate calls the configured ChatModel to score artifact against
// requirements, extracting the first balanced JSON object from the
// response per the Node Protocol convention (spec §4.5).
func (e *Evaluator) Evaluate(ctx context.Context, artifact, requirements string) (SoftReport, error) {
	threshold := e.Threshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}

	messages := []model.Message{
		{Role: model.RoleSystem, Content: evaluationSystemPrompt},
		{Role: model.RoleUser, Content: fmt.Sprintf("Requirements:\n%s\n\nArtifact:\n%s", requirements, artifact)},
	}
	out, err := e.Model.Chat(ctx, messages, nil)
	if err != nil {
		return SoftReport{}, err
	}

	obj, ok := ExtractJSONObject(out.Text)
	if !ok {
		return SoftReport{}, fmt.Errorf("quality: LLM response did not contain a JSON object")
	}

	score := gjson.Get(obj, "score").Float()
	report := SoftReport{
		Ran:   true,
		Score: score,
		Dimensions: DimensionScores{
			Relevance:    gjson.Get(obj, "relevance").Float(),
			Coherence:    gjson.Get(obj, "coherence").Float(),
			Completeness: gjson.Get(obj, "completeness").Float(),
			Readability:  gjson.Get(obj, "readability").Float(),
		},
		Passed:      score >= threshold,
		Strengths:   stringArray(obj, "strengths"),
		Weaknesses:  stringArray(obj, "weaknesses"),
		Suggestions: stringArray(obj, "suggestions"),
	}
	return report, nil
}

func stringArray(json, path string) []string {
	arr := gjson.Get(json, path).Array()
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		out = append(out, v.String())
	}
	return out
}

// ExtractJSONObject implements the Node Protocol's JSON-extraction
// convention (spec §4.5): strip markdown code fences, then locate the
// first balanced {...} substring and return it verbatim for a JSON parser
// (here, gjson) to read from. Returns ok=false if no balanced object is
// found.
func ExtractJSONObject(text string) (string, bool) {
	stripped := stripCodeFences(text)
	start := strings.IndexByte(stripped, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(stripped); i++ {
		c := stripped[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return stripped[start : i+1], true
			}
		}
	}
	return "", false
}

func stripCodeFences(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```")
	if nl := strings.IndexByte(t, '\n'); nl >= 0 {
		t = t[nl+1:]
	}
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}
