package model

import "sort"

// EmotionLabel is one of the fixed set of emotion classes recognized by
// the classifier. The set is closed: any provider output outside it is
// coerced to neutral.
type EmotionLabel string

const (
	EmotionAnxiety     EmotionLabel = "anxiety"
	EmotionSadness     EmotionLabel = "sadness"
	EmotionFrustration EmotionLabel = "frustration"
	EmotionHope        EmotionLabel = "hope"
	EmotionUrgency     EmotionLabel = "urgency"
	EmotionGratitude   EmotionLabel = "gratitude"
	EmotionNeutral     EmotionLabel = "neutral"
)

// AllEmotionLabels lists every valid label in a stable order.
var AllEmotionLabels = []EmotionLabel{
	EmotionAnxiety,
	EmotionSadness,
	EmotionFrustration,
	EmotionHope,
	EmotionUrgency,
	EmotionGratitude,
	EmotionNeutral,
}

// ParseEmotionLabel coerces an arbitrary string to a valid label.
// Unknown values map to neutral.
func ParseEmotionLabel(s string) EmotionLabel {
	switch EmotionLabel(s) {
	case EmotionAnxiety, EmotionSadness, EmotionFrustration, EmotionHope,
		EmotionUrgency, EmotionGratitude, EmotionNeutral:
		return EmotionLabel(s)
	}
	return EmotionNeutral
}

// SentenceEmotion is the classification of a single sentence within an
// utterance. Index is the sentence's position in the split input.
type SentenceEmotion struct {
	Index      int          `json:"index"`
	Emotion    EmotionLabel `json:"emotion"`
	Confidence float64      `json:"confidence"`
	Text       string       `json:"text"`
}

// EmotionResult is the full output of classifying a piece of text:
// per-sentence labels, a normalized profile over labels, and an
// aggregate sentiment score in [-1, 1]. Profile fractions sum to 1.0
// (within rounding) whenever at least one sentence was classified.
type EmotionResult struct {
	Sentences []SentenceEmotion        `json:"sentences"`
	Profile   map[EmotionLabel]float64 `json:"profile"`
	Sentiment float64                  `json:"sentiment_score"`
}

// Primary returns the dominant label of the result's profile, or
// neutral when the profile is empty. Ties break on the stable label
// order so repeated reads agree.
func (r EmotionResult) Primary() EmotionLabel {
	return TopEmotions(r.Profile, 1)[0].Label
}

// EmotionShare is one entry of a ranked profile.
type EmotionShare struct {
	Label    EmotionLabel `json:"label"`
	Fraction float64      `json:"fraction"`
}

// TopEmotions returns the n highest-fraction labels of a profile in
// descending order. Ties break on AllEmotionLabels order. An empty
// profile yields a single neutral share of 1.0 so callers always have
// at least one entry to report.
func TopEmotions(profile map[EmotionLabel]float64, n int) []EmotionShare {
	if len(profile) == 0 {
		return []EmotionShare{{Label: EmotionNeutral, Fraction: 1.0}}
	}
	rank := make(map[EmotionLabel]int, len(AllEmotionLabels))
	for i, l := range AllEmotionLabels {
		rank[l] = i
	}
	shares := make([]EmotionShare, 0, len(profile))
	for label, frac := range profile {
		shares = append(shares, EmotionShare{Label: label, Fraction: frac})
	}
	sort.Slice(shares, func(i, j int) bool {
		if shares[i].Fraction != shares[j].Fraction {
			return shares[i].Fraction > shares[j].Fraction
		}
		return rank[shares[i].Label] < rank[shares[j].Label]
	})
	if n < len(shares) {
		shares = shares[:n]
	}
	return shares
}
