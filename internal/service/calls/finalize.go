package calls

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dhruvvootkuri/haven/internal/dialogue"
	"github.com/dhruvvootkuri/haven/internal/graph"
	"github.com/dhruvvootkuri/haven/internal/hub"
	"github.com/dhruvvootkuri/haven/internal/model"
)

// callEndedPayload is the data carried on a call_ended event.
type callEndedPayload struct {
	Status         string                         `json:"status"`
	Summary        string                         `json:"summary"`
	EmotionProfile map[model.EmotionLabel]float64 `json:"emotion_profile"`
	SentimentScore float64                        `json:"sentiment_score"`
}

// finalize aggregates and persists a finished call. Persistence and
// enrichment steps are each best effort; none of them can abort the
// teardown. The registry entry is removed only as the last step, so the
// live view stays consistent while aggregation runs and a duplicate
// finalize finds no call and does nothing.
func (s *Service) finalize(ctx context.Context, callID uuid.UUID) {
	// 1. Snapshot the session.
	call, ok := s.registry.Get(callID)
	if !ok {
		return
	}
	transcript := s.registry.FullTranscript(callID)

	// 2. Aggregate emotion over the whole conversation, separate from
	//    the turn-level classifications already broadcast.
	result := s.classifier.Classify(ctx, transcript)

	// 3. Entity extraction and summarization are independent
	//    enrichments; run them concurrently and absorb both failures.
	var (
		entities map[model.EntityCategory][]string
		summary  dialogue.Summary
	)
	var g errgroup.Group
	g.Go(func() error {
		if s.extractor == nil {
			return nil
		}
		ents, err := s.extractor.Entities(ctx, transcript)
		if err != nil {
			s.logger.Warn("calls: entity extraction failed, continuing without", "call_id", callID, "error", err)
			return nil
		}
		entities = ents
		return nil
	})
	g.Go(func() error {
		summary = s.engine.Summarize(ctx, transcript)
		return nil
	})
	_ = g.Wait()

	summaryText := summary.Text
	if !summary.OK {
		summaryText = synthesizedSummary(result.Profile)
	}

	// 4. Merge what the call surfaced into the client record. Fields the
	//    summarizer left unset stay untouched; notes accumulate rather
	//    than overwrite.
	existingNotes := ""
	if client, err := s.store.GetClient(ctx, call.ClientID); err != nil {
		s.logger.Warn("calls: load client for merge", "client_id", call.ClientID, "error", err)
	} else if client.Notes != nil {
		existingNotes = *client.Notes
	}
	patch := buildClientPatch(summary, entities, result.Profile, existingNotes)
	if _, err := s.store.UpdateClient(ctx, call.ClientID, patch); err != nil {
		s.logger.Warn("calls: update client", "client_id", call.ClientID, "error", err)
	}

	// 5. Complete the persisted call record.
	completed := model.CallStatusCompleted
	endedAt := time.Now().UTC()
	sentiment := result.Sentiment
	if _, err := s.store.UpdateCall(ctx, callID, model.CallPatch{
		Status:         &completed,
		Transcript:     &transcript,
		EmotionProfile: result.Profile,
		SentimentScore: &sentiment,
		Summary:        &summaryText,
		EndedAt:        &endedAt,
	}); err != nil {
		s.logger.Warn("calls: update call record", "call_id", callID, "error", err)
	}

	// 6. Push the completion to the relationship graph.
	if err := s.projector.RecordCallCompletion(ctx, callID, call.ClientID, graph.Completion{
		Status:         string(model.CallStatusCompleted),
		SentimentScore: result.Sentiment,
	}); err != nil {
		s.logger.Warn("calls: graph projection failed, continuing without", "call_id", callID, "error", err)
	}

	// 7. Tell subscribers and registered hooks the call is over.
	s.hub.PublishEvent(callID, call.ClientID, hub.EventCallEnded, callEndedPayload{
		Status:         string(model.CallStatusCompleted),
		Summary:        summaryText,
		EmotionProfile: result.Profile,
		SentimentScore: result.Sentiment,
	})

	ended := model.CallRecord{
		ID:             callID,
		ClientID:       call.ClientID,
		Status:         completed,
		Transcript:     &transcript,
		EmotionProfile: result.Profile,
		SentimentScore: &sentiment,
		Summary:        &summaryText,
		StartedAt:      call.StartedAt,
		EndedAt:        &endedAt,
	}
	if call.ExternalRef != "" {
		ref := call.ExternalRef
		ended.ExternalRef = &ref
	}
	s.notifyHooks(ended, Hook.OnCallEnded, "call ended")

	// 8. Terminal transition: drop the live session.
	s.registry.Remove(callID)

	s.logger.Info("calls: finalized",
		"call_id", callID,
		"client_id", call.ClientID,
		"turns", call.TurnIndex,
		"sentiment", result.Sentiment,
	)
}

// buildClientPatch assembles the finalization update: fields the
// summarizer extracted, the aggregate emotion profile, and an entity
// digest folded into notes.
func buildClientPatch(summary dialogue.Summary, entities map[model.EntityCategory][]string, profile map[model.EmotionLabel]float64, existingNotes string) model.ClientPatch {
	patch := model.ClientPatch{EmotionProfile: profile}

	var added []string
	if summary.OK {
		f := summary.Fields
		patch.Employment = f.Employment
		patch.MonthlyIncome = f.MonthlyIncome
		patch.Dependents = f.Dependents
		patch.Veteran = f.Veteran
		patch.Disability = f.Disability
		patch.LocationPreference = f.LocationPreference
		patch.UrgencyLevel = f.UrgencyLevel
		if len(f.Documents) > 0 {
			patch.Documents = f.Documents
		}
		if f.Notes != nil && strings.TrimSpace(*f.Notes) != "" {
			added = append(added, strings.TrimSpace(*f.Notes))
		}
	}
	if digest := entityDigest(entities); digest != "" {
		added = append(added, digest)
	}
	if len(added) > 0 {
		combined := strings.Join(added, "\n")
		if existingNotes != "" {
			combined = existingNotes + "\n\n" + combined
		}
		patch.Notes = &combined
	}
	return patch
}

// entityDigest renders extracted entities as one note line per
// category, in the fixed category order.
func entityDigest(entities map[model.EntityCategory][]string) string {
	if len(entities) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Intake entities:")
	for _, cat := range model.AllEntityCategories {
		values := entities[cat]
		if len(values) == 0 {
			continue
		}
		b.WriteString("\n- " + string(cat) + ": " + strings.Join(values, "; "))
	}
	return b.String()
}

// synthesizedSummary builds the fallback summary from the aggregate
// profile when summarization fails.
func synthesizedSummary(profile map[model.EmotionLabel]float64) string {
	top := model.TopEmotions(profile, 3)
	parts := make([]string, len(top))
	for i, e := range top {
		parts[i] = fmt.Sprintf("%s (%.0f%%)", e.Label, e.Fraction*100)
	}
	return "Call completed. Detected primary emotions: " + strings.Join(parts, ", ")
}
