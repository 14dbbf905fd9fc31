package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// Context keys
type contextKey string

const requestIDKey contextKey = "requestID"

func getRequestID(r *http.Request) string {
	if reqID, ok := r.Context().Value(requestIDKey).(string); ok {
		return reqID
	}
	return "unknown"
}

// API Handlers
type APIHandler struct {
	calls CallService
	esl   ESLClient
}

func NewAPIHandler(calls CallService, esl ESLClient) *APIHandler {
	return &APIHandler{calls: calls, esl: esl}
}

func (h *APIHandler) respondSuccess(w http.ResponseWriter, r *http.Request, message string) {
	requestID := getRequestID(r)
	logInfo(requestID, message)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(SuccessResponse{
		Status:  "success",
		Message: message,
	})
}

func (h *APIHandler) respondError(w http.ResponseWriter, r *http.Request, message string, statusCode int) {
	requestID := getRequestID(r)

	if statusCode >= 500 {
		logError(requestID, message, nil)
	} else {
		logWarn(requestID, message)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Status:  "error",
		Message: message,
	})
}

func (h *APIHandler) respondData(w http.ResponseWriter, r *http.Request, data interface{}) {
	requestID := getRequestID(r)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "success",
		"data":   data,
	})
}

// Helper to map orchestrator errors onto HTTP status codes
func (h *APIHandler) getErrorStatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrCallNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrCallExists), errors.Is(err, ErrCancelled):
		return http.StatusConflict
	case errors.Is(err, ErrConnectFailed), errors.Is(err, ErrDisconnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrOriginateRejected),
		errors.Is(err, ErrAgentNoAnswer),
		errors.Is(err, ErrAgentHungUp),
		errors.Is(err, ErrLeadNoAnswer),
		errors.Is(err, ErrBridgeFailed):
		// Upstream media server refused or the party never picked up
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// POST /v1/calls
func (h *APIHandler) CreateCall(w http.ResponseWriter, r *http.Request) {
	var req CreateCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.CallID == "" {
		h.respondError(w, r, "call_id is required", http.StatusBadRequest)
		return
	}
	if err := validatePhoneNumber(req.AgentNumber); err != nil {
		h.respondError(w, r, fmt.Sprintf("agent_number: %v", err), http.StatusBadRequest)
		return
	}
	if err := validatePhoneNumber(req.LeadNumber); err != nil {
		h.respondError(w, r, fmt.Sprintf("lead_number: %v", err), http.StatusBadRequest)
		return
	}
	if req.AccountID != "" && !h.validateRequestAccount(w, r, req.AccountID) {
		return
	}

	result, err := h.calls.StartCall(r.Context(), StartCallRequest{
		CallID:      req.CallID,
		AccountID:   req.AccountID,
		AgentNumber: req.AgentNumber,
		LeadNumber:  req.LeadNumber,
	})
	if err != nil {
		h.respondError(w, r, fmt.Sprintf("Failed to start call: %v", err), h.getErrorStatusCode(err))
		return
	}

	h.respondData(w, r, CreateCallData{
		CallID:        req.CallID,
		AgentUUID:     result.AgentUUID,
		LeadUUID:      result.LeadUUID,
		RecordingFile: result.RecordingFile,
	})
}

// POST /v1/calls/{call_id}/cancel
func (h *APIHandler) CancelCall(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	callID := vars["call_id"]

	var req CancelCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// Body is optional
		req.AccountID = ""
	}
	if req.AccountID != "" && !h.validateRequestAccount(w, r, req.AccountID) {
		return
	}

	if err := h.calls.CancelCall(callID, req.AccountID); err != nil {
		h.respondError(w, r, fmt.Sprintf("Failed to cancel call: %v", err), h.getErrorStatusCode(err))
		return
	}

	h.respondSuccess(w, r, fmt.Sprintf("Call %s cancelled", callID))
}

// POST /v1/legs/{uuid}/hangup
func (h *APIHandler) HangupLeg(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	legUUID := vars["uuid"]

	if err := validateUUID(legUUID); err != nil {
		h.respondError(w, r, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.calls.HangupLeg(r.Context(), legUUID); err != nil {
		h.respondError(w, r, fmt.Sprintf("Failed to hangup leg: %v", err), h.getErrorStatusCode(err))
		return
	}

	h.respondSuccess(w, r, fmt.Sprintf("Leg %s hung up", legUUID))
}

// GET /v1/calls
func (h *APIHandler) ListCalls(w http.ResponseWriter, r *http.Request) {
	all := h.calls.Calls()
	visible := make([]CallInfo, 0, len(all))
	for _, info := range all {
		if canAccessCall(r, info) {
			visible = append(visible, info)
		}
	}
	h.respondData(w, r, visible)
}

// GET /v1/calls/{call_id}
func (h *APIHandler) GetCall(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	callID := vars["call_id"]

	info, ok := h.calls.CallInfo(callID)
	if !ok || !canAccessCall(r, info) {
		h.respondError(w, r, fmt.Sprintf("Call %s not found", callID), http.StatusNotFound)
		return
	}
	h.respondData(w, r, info)
}

// GET /health
func (h *APIHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if !h.esl.Connected() {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "unhealthy",
			"error":   "ESL connection unavailable",
			"version": Version,
		})
		return
	}

	// Probe the link with a cheap command
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if _, err := h.esl.API(ctx, "status"); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "unhealthy",
			"error":   "ESL command failed",
			"version": Version,
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"version": Version,
	})
}
