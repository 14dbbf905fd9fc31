package main

// Request/Response Structures
type SuccessResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type CreateCallRequest struct {
	CallID      string `json:"call_id"`
	AccountID   string `json:"account_id,omitempty"`
	AgentNumber string `json:"agent_number"`
	LeadNumber  string `json:"lead_number"`
}

type CreateCallData struct {
	CallID        string `json:"call_id"`
	AgentUUID     string `json:"agent_uuid"`
	LeadUUID      string `json:"lead_uuid"`
	RecordingFile string `json:"recording_file,omitempty"`
}

type CancelCallRequest struct {
	AccountID string `json:"account_id,omitempty"`
}
