// Package emotion classifies caller speech into a fixed set of emotion
// labels.
//
// Defines a Strategy interface and a Classifier that runs each text
// unit through an ordered strategy chain (affect provider, LLM prompt,
// keyword matcher), falling through on failure. The chain ends in a
// deterministic matcher, so classification as a whole never fails.
package emotion

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/dhruvvootkuri/haven/internal/model"
)

// Confidence bounds applied to every strategy's output.
const (
	MinConfidence = 0.3
	MaxConfidence = 0.95
)

// neutralConfidence is reported for text nothing could classify.
const neutralConfidence = 0.5

// classifyMaxConcurrency bounds parallel sentence classification within
// a single utterance. Kept low to avoid hammering the affect provider.
const classifyMaxConcurrency = 4

// Score is a single-label classification of one text unit.
type Score struct {
	Label      model.EmotionLabel
	Confidence float64
}

// Strategy classifies one text unit. Implementations return an error to
// pass the text to the next strategy in the chain.
type Strategy interface {
	// Name identifies the strategy in logs.
	Name() string

	// Classify maps text to a label and confidence.
	Classify(ctx context.Context, text string) (Score, error)
}

// Classifier runs texts through an ordered strategy chain.
type Classifier struct {
	strategies []Strategy
	logger     *slog.Logger
}

// New creates a classifier. Strategies are tried in the given order;
// the last one should never fail (the keyword matcher satisfies this).
func New(logger *slog.Logger, strategies ...Strategy) *Classifier {
	return &Classifier{strategies: strategies, logger: logger}
}

// Classify splits text into sentences, classifies each concurrently,
// and aggregates a normalized profile and a sentiment score in [-1, 1].
// Blank input yields a single neutral sentence with profile {neutral: 1}
// and sentiment 0.
func (c *Classifier) Classify(ctx context.Context, text string) model.EmotionResult {
	sentences := SplitSentences(text)
	if len(sentences) == 0 {
		return model.EmotionResult{
			Sentences: []model.SentenceEmotion{{
				Index:      0,
				Emotion:    model.EmotionNeutral,
				Confidence: neutralConfidence,
			}},
			Profile:   map[model.EmotionLabel]float64{model.EmotionNeutral: 1},
			Sentiment: 0,
		}
	}

	// Fan out over sentences with a bounded pool; results land
	// positionally so output order never depends on completion order.
	out := make([]model.SentenceEmotion, len(sentences))
	sem := make(chan struct{}, classifyMaxConcurrency)

	var wg sync.WaitGroup
	for i, sentence := range sentences {
		wg.Add(1)
		go func(idx int, s string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			score := c.classifyOne(ctx, s)
			out[idx] = model.SentenceEmotion{
				Index:      idx,
				Emotion:    score.Label,
				Confidence: score.Confidence,
				Text:       s,
			}
		}(i, sentence)
	}
	wg.Wait()

	return model.EmotionResult{
		Sentences: out,
		Profile:   profileOf(out),
		Sentiment: sentimentOf(out),
	}
}

// ClassifyUtterance classifies the whole text as one unit through the
// chain. Used for the segment-level primary emotion, independently of
// the per-sentence pass.
func (c *Classifier) ClassifyUtterance(ctx context.Context, text string) Score {
	return c.classifyOne(ctx, text)
}

func (c *Classifier) classifyOne(ctx context.Context, text string) Score {
	for _, s := range c.strategies {
		score, err := s.Classify(ctx, text)
		if err != nil {
			c.logger.Warn("emotion: strategy failed, falling through",
				"strategy", s.Name(),
				"error", err)
			continue
		}
		return clampScore(score)
	}
	return Score{Label: model.EmotionNeutral, Confidence: neutralConfidence}
}

// SplitSentences breaks text on sentence-terminal punctuation and
// discards blank fragments. A trailing fragment without a terminator is
// kept.
func SplitSentences(text string) []string {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// profileOf computes normalized label counts rounded to 2 decimals.
// Each sentence contributes one unit to its label's bucket.
func profileOf(sentences []model.SentenceEmotion) map[model.EmotionLabel]float64 {
	counts := make(map[model.EmotionLabel]int, len(sentences))
	for _, s := range sentences {
		counts[s.Emotion]++
	}
	total := float64(len(sentences))
	profile := make(map[model.EmotionLabel]float64, len(counts))
	for label, n := range counts {
		profile[label] = math.Round(float64(n)/total*100) / 100
	}
	return profile
}

// sentimentOf averages per-sentence contributions and clamps to [-1, 1].
func sentimentOf(sentences []model.SentenceEmotion) float64 {
	if len(sentences) == 0 {
		return 0
	}
	var sum float64
	for _, s := range sentences {
		sum += sentimentContribution(s.Emotion)
	}
	return clamp(sum/float64(len(sentences)), -1, 1)
}

func sentimentContribution(label model.EmotionLabel) float64 {
	switch label {
	case model.EmotionHope, model.EmotionGratitude:
		return 0.3
	case model.EmotionAnxiety, model.EmotionSadness, model.EmotionFrustration, model.EmotionUrgency:
		return -0.2
	default:
		return 0
	}
}

// clampScore enforces the closed label set and confidence bounds at the
// chain boundary, regardless of which strategy produced the score.
func clampScore(s Score) Score {
	return Score{
		Label:      model.ParseEmotionLabel(string(s.Label)),
		Confidence: clamp(s.Confidence, MinConfidence, MaxConfidence),
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
