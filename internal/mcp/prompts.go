package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// case-review — walks the assistant through reviewing one client's case.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("case-review",
			mcplib.WithPromptDescription("Review a client's case file and recent intake calls"),
			mcplib.WithArgument("client_id",
				mcplib.ArgumentDescription("UUID of the client to review"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleCaseReviewPrompt,
	)

	// assistant-setup — system prompt snippet explaining the Haven tools.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("assistant-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining Haven's case lookup tools"),
		),
		s.handleAssistantSetupPrompt,
	)
}

func (s *Server) handleCaseReviewPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	clientID := request.Params.Arguments["client_id"]
	if clientID == "" {
		return nil, fmt.Errorf("client_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: "Review this client's case before advising staff",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Review the case file for client %s:

1. CALL haven_client_lookup with client_id="%s" to load the case record,
   the extracted intake profile, and recent calls.

2. For any call that needs closer reading, CALL haven_call_transcript
   with its call_id.

3. SUMMARIZE for the case worker:
   - Current situation and urgency level
   - Emotional state across recent calls (the emotion profile aggregates
     per-sentence classification, not self-reported mood)
   - Missing information or documents that block placement
   - Suggested next steps

Stick to what the record supports. If the profile and the transcripts
disagree, say so rather than smoothing it over.`, clientID, clientID),
				},
			},
		},
	}, nil
}

func (s *Server) handleAssistantSetupPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Haven case lookup tools for AI assistants",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You have read-only access to Haven, a case-management system for
homelessness services. Its AI voice line conducts intake calls with
people seeking shelter; every call is transcribed, classified for
emotional state sentence by sentence, and folded into the caller's
case record.

## Available Tools

- haven_client_lookup: a client's case record, extracted intake
  profile, and recent calls
- haven_active_calls: intake calls in progress right now
- haven_call_transcript: full transcript of a call (live or completed)

## Ground Rules

- Everything you read is confidential case data about people in
  crisis. Quote transcripts only when the case worker needs the exact
  wording.
- Emotion labels are classifier output over the caller's words, not a
  clinical assessment. Treat them as a signal, not a diagnosis.
- You cannot modify records. Recommend changes to the case worker
  instead.`,
				},
			},
		},
	}, nil
}
