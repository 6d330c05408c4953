package emotion

import (
	"context"
	"math"
	"regexp"
	"strings"

	"github.com/dhruvvootkuri/haven/internal/model"
)

// keywordRule pairs a label with its compiled pattern set. Rules are
// ordered by priority: on equal hit counts the earlier rule wins, so
// urgency outranks everything else.
type keywordRule struct {
	label model.EmotionLabel
	re    *regexp.Regexp
}

// KeywordStrategy is the deterministic floor of the chain: a fixed
// pattern table with no external dependencies. It never fails, so a
// total provider and LLM outage still produces a usable label.
type KeywordStrategy struct {
	rules []keywordRule
}

// NewKeywordStrategy compiles the pattern table.
func NewKeywordStrategy() *KeywordStrategy {
	specs := []struct {
		label    model.EmotionLabel
		patterns []string
	}{
		{model.EmotionUrgency, []string{
			"tonight", "emergency", "right now", "immediately", "urgent",
			"asap", "nowhere to go", "unsafe", "danger", "freezing",
		}},
		{model.EmotionAnxiety, []string{
			"scared", "afraid", "worried", "anxious", "nervous", "panic",
			"panicking", "terrified", "stressed", "overwhelmed",
		}},
		{model.EmotionSadness, []string{
			"sad", "sadness", "lost", "alone", "lonely", "hopeless",
			"depressed", "crying", "miss", "gave up",
		}},
		{model.EmotionFrustration, []string{
			"frustrated", "frustrating", "angry", "mad", "fed up",
			"sick of", "tired of", "ridiculous", "unfair", "nobody listens",
		}},
		{model.EmotionHope, []string{
			"hope", "hopeful", "hoping", "better", "improve", "improving",
			"looking forward", "opportunity", "chance", "fresh start",
		}},
		{model.EmotionGratitude, []string{
			"thank", "thanks", "grateful", "appreciate", "appreciated",
			"bless", "blessed", "means a lot",
		}},
	}

	rules := make([]keywordRule, 0, len(specs))
	for _, spec := range specs {
		quoted := make([]string, len(spec.patterns))
		for i, p := range spec.patterns {
			quoted[i] = regexp.QuoteMeta(p)
		}
		rules = append(rules, keywordRule{
			label: spec.label,
			re:    regexp.MustCompile(`\b(?:` + strings.Join(quoted, "|") + `)\b`),
		})
	}
	return &KeywordStrategy{rules: rules}
}

// Name identifies the strategy in logs.
func (s *KeywordStrategy) Name() string { return "keyword" }

// Classify counts pattern hits per label on the lowercased text. The
// label with the most hits wins; ties go to the higher-priority rule.
// Confidence grows with hit count. No hits at all yields a neutral
// score, never an error.
func (s *KeywordStrategy) Classify(_ context.Context, text string) (Score, error) {
	lowered := strings.ToLower(text)

	best := Score{Label: model.EmotionNeutral, Confidence: neutralConfidence}
	bestHits := 0
	for _, rule := range s.rules {
		hits := len(rule.re.FindAllStringIndex(lowered, -1))
		if hits > bestHits {
			bestHits = hits
			best = Score{
				Label:      rule.label,
				Confidence: math.Min(0.4+0.15*float64(hits), 0.85),
			}
		}
	}
	return best, nil
}
