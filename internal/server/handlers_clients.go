package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/dhruvvootkuri/haven/internal/model"
	"github.com/dhruvvootkuri/haven/internal/storage"
)

// HandleCreateClient handles POST /v1/clients.
func (h *Handlers) HandleCreateClient(w http.ResponseWriter, r *http.Request) {
	var req model.CreateClientRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if err := validateClientFields(req.Name, req.Phone, req.Notes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.Status != nil {
		if err := model.ValidateClientStatus(*req.Status); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
	}

	client, err := h.db.CreateClient(r.Context(), req)
	if err != nil {
		h.writeInternalError(w, r, "failed to create client", err)
		return
	}

	writeJSON(w, r, http.StatusCreated, client)
}

// HandleGetClient handles GET /v1/clients/{client_id}.
func (h *Handlers) HandleGetClient(w http.ResponseWriter, r *http.Request) {
	clientID, err := parseClientID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	client, err := h.db.GetClient(r.Context(), clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "client not found")
			return
		}
		h.writeInternalError(w, r, "failed to get client", err)
		return
	}

	writeJSON(w, r, http.StatusOK, client)
}

// HandleListClients handles GET /v1/clients.
// Supports ?status=, ?limit=, ?offset=.
func (h *Handlers) HandleListClients(w http.ResponseWriter, r *http.Request) {
	var status *model.ClientStatus
	if v := r.URL.Query().Get("status"); v != "" {
		s := model.ClientStatus(v)
		if err := model.ValidateClientStatus(s); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		status = &s
	}

	limit := queryLimit(r, 50)
	offset := queryOffset(r)

	clients, total, err := h.db.ListClients(r.Context(), status, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list clients", err)
		return
	}
	if clients == nil {
		clients = []model.Client{}
	}

	writeList(w, r, clients, total, limit, offset)
}

// HandleUpdateClient handles PATCH /v1/clients/{client_id}.
// Absent fields are left untouched.
func (h *Handlers) HandleUpdateClient(w http.ResponseWriter, r *http.Request) {
	clientID, err := parseClientID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.UpdateClientRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if req.Name != nil {
		if err := model.ValidateClientName(*req.Name); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
	}
	if req.Status != nil {
		if err := model.ValidateClientStatus(*req.Status); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
	}
	if req.Phone != nil && len(*req.Phone) > model.MaxPhoneLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("phone exceeds maximum length of %d characters", model.MaxPhoneLen))
		return
	}
	if req.Notes != nil && len(*req.Notes) > model.MaxNotesLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("notes exceed maximum length of %d bytes", model.MaxNotesLen))
		return
	}

	patch := model.ClientPatch{
		Name:               req.Name,
		Phone:              req.Phone,
		Status:             req.Status,
		Employment:         req.Employment,
		MonthlyIncome:      req.MonthlyIncome,
		Dependents:         req.Dependents,
		Veteran:            req.Veteran,
		Disability:         req.Disability,
		Documents:          req.Documents,
		LocationPreference: req.LocationPreference,
		UrgencyLevel:       req.UrgencyLevel,
		Notes:              req.Notes,
	}
	if patch.IsZero() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "no fields to update")
		return
	}

	client, err := h.db.UpdateClient(r.Context(), clientID, patch)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "client not found")
			return
		}
		h.writeInternalError(w, r, "failed to update client", err)
		return
	}

	writeJSON(w, r, http.StatusOK, client)
}

// HandleClientCalls handles GET /v1/clients/{client_id}/calls.
func (h *Handlers) HandleClientCalls(w http.ResponseWriter, r *http.Request) {
	clientID, err := parseClientID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	// Verify the client exists so an unknown ID is a 404, not an empty list.
	if _, err := h.db.GetClient(r.Context(), clientID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "client not found")
			return
		}
		h.writeInternalError(w, r, "failed to get client", err)
		return
	}

	limit := queryLimit(r, 50)
	offset := queryOffset(r)

	callRecords, total, err := h.db.ListCallsByClient(r.Context(), clientID, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list calls", err)
		return
	}
	if callRecords == nil {
		callRecords = []model.CallRecord{}
	}

	writeList(w, r, callRecords, total, limit, offset)
}

// validateClientFields checks the caller-supplied text fields shared by
// create and update.
func validateClientFields(name string, phone, notes *string) error {
	if err := model.ValidateClientName(name); err != nil {
		return err
	}
	if phone != nil && len(*phone) > model.MaxPhoneLen {
		return fmt.Errorf("phone exceeds maximum length of %d characters", model.MaxPhoneLen)
	}
	if notes != nil && len(*notes) > model.MaxNotesLen {
		return fmt.Errorf("notes exceed maximum length of %d bytes", model.MaxNotesLen)
	}
	return nil
}
