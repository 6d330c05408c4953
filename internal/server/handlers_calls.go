package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/dhruvvootkuri/haven/internal/model"
	"github.com/dhruvvootkuri/haven/internal/registry"
	"github.com/dhruvvootkuri/haven/internal/storage"
)

// HandleStartCall handles POST /v1/calls.
func (h *Handlers) HandleStartCall(w http.ResponseWriter, r *http.Request) {
	var req model.StartCallRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.ClientID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "client_id is required")
		return
	}

	res, err := h.callSvc.Start(r.Context(), req.ClientID, req.ExternalRef)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "client not found")
			return
		}
		h.writeInternalError(w, r, "failed to start call", err)
		return
	}

	writeJSON(w, r, http.StatusCreated, model.StartCallResponse{
		CallID:   res.CallID,
		Greeting: res.Greeting,
	})
}

// HandleSubmitTurn handles POST /v1/calls/{call_id}/turns.
func (h *Handlers) HandleSubmitTurn(w http.ResponseWriter, r *http.Request) {
	callID, err := parseCallID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.SubmitTurnRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateTurnText(req.Text); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	res, err := h.callSvc.ProcessTurn(r.Context(), callID, req.Text)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrCallNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "call not found")
		case errors.Is(err, registry.ErrTurnInFlight):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "a turn is already being processed for this call")
		default:
			h.writeInternalError(w, r, "failed to process turn", err)
		}
		return
	}

	writeJSON(w, r, http.StatusOK, model.TurnResponse{
		AgentText:        res.AgentText,
		SentenceEmotions: res.SentenceEmotions,
		IsComplete:       res.IsComplete,
	})
}

// HandleEndCall handles POST /v1/calls/{call_id}/end.
func (h *Handlers) HandleEndCall(w http.ResponseWriter, r *http.Request) {
	callID, err := parseCallID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if err := h.callSvc.End(r.Context(), callID); err != nil {
		if errors.Is(err, registry.ErrCallNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "call not found")
			return
		}
		h.writeInternalError(w, r, "failed to end call", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.EndCallResponse{
		Status: string(model.CallStatusCompleted),
	})
}

// HandleLiveState handles GET /v1/calls/{call_id}/live.
// A call no longer in progress yields an inactive state with no
// segments rather than a 404; dashboards poll this around call end.
func (h *Handlers) HandleLiveState(w http.ResponseWriter, r *http.Request) {
	callID, err := parseCallID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	state := h.callSvc.Live(callID)
	writeJSON(w, r, http.StatusOK, model.LiveStateResponse{
		Segments:  state.Segments,
		Active:    state.Active,
		TurnIndex: state.TurnIndex,
	})
}

// HandleGetCall handles GET /v1/calls/{call_id}.
func (h *Handlers) HandleGetCall(w http.ResponseWriter, r *http.Request) {
	callID, err := parseCallID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	call, err := h.db.GetCall(r.Context(), callID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "call not found")
			return
		}
		h.writeInternalError(w, r, "failed to get call", err)
		return
	}

	writeJSON(w, r, http.StatusOK, call)
}
