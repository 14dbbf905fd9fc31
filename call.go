package main

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Call state machine states. A call is terminal on completed, failed or
// cancelled and never leaves a terminal state.
type CallState string

const (
	StateIdle               CallState = "idle"
	StateStartingAgent      CallState = "starting_agent"
	StateWaitingAgentAnswer CallState = "waiting_agent_answer"
	StateDialingLead        CallState = "dialing_lead"
	StateWaitingLeadAnswer  CallState = "waiting_lead_answer"
	StateBridging           CallState = "bridging"
	StateBridged            CallState = "bridged"
	StateCompleted          CallState = "completed"
	StateFailed             CallState = "failed"
	StateCancelled          CallState = "cancelled"
)

func (s CallState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

type LegRole string

const (
	RoleAgent LegRole = "agent"
	RoleLead  LegRole = "lead"
)

type LegState string

const (
	LegOriginating LegState = "originating"
	LegEarlyMedia  LegState = "early_media"
	LegAnswered    LegState = "answered"
	LegBridged     LegState = "bridged"
	LegHungUp      LegState = "hung_up"
)

// Leg is one side of a call. The UUID is generated before originate via
// origination_uuid, so it is known ahead of the first channel event.
type Leg struct {
	UUID   string
	Role   LegRole
	State  LegState
	CallID string
}

// Error kinds the orchestrator signals. Matched with errors.Is; the HTTP
// layer maps them to status codes and the lifecycle emitter to cause strings.
var (
	ErrConnectFailed     = errors.New("esl connect failed")
	ErrDisconnected      = errors.New("esl disconnected")
	ErrOriginateRejected = errors.New("originate rejected")
	ErrAgentNoAnswer     = errors.New("agent did not answer")
	ErrAgentHungUp       = errors.New("agent hung up before bridge")
	ErrLeadNoAnswer      = errors.New("lead did not answer")
	ErrEarlyMedia        = errors.New("agent answer did not survive early media confirmation")
	ErrBridgeFailed      = errors.New("bridge failed")
	ErrCancelled         = errors.New("call cancelled")
	ErrCallNotFound      = errors.New("call not found")
	ErrCallExists        = errors.New("call already active")
)

// errorCause maps an orchestrator error to the cause string carried on
// lifecycle events.
func errorCause(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled):
		return "CANCELLED"
	case errors.Is(err, ErrDisconnected):
		return "DISCONNECTED"
	case errors.Is(err, ErrEarlyMedia):
		return "AGENT_NO_ANSWER"
	case errors.Is(err, ErrAgentNoAnswer):
		return "AGENT_NO_ANSWER"
	case errors.Is(err, ErrAgentHungUp):
		return "AGENT_HANGUP"
	case errors.Is(err, ErrLeadNoAnswer):
		return "LEAD_NO_ANSWER"
	case errors.Is(err, ErrOriginateRejected):
		return "ORIGINATE_REJECTED"
	case errors.Is(err, ErrBridgeFailed):
		return "BRIDGE_FAILED"
	case errors.Is(err, ErrConnectFailed):
		return "CONNECT_FAILED"
	default:
		return "FAILED"
	}
}

// Call owns its two legs and its recording reference. State is mutated only
// by the goroutine driving the call; everything else reads snapshots.
type Call struct {
	ID          string
	AccountID   string
	AgentNumber string
	LeadNumber  string
	CreatedAt   time.Time

	mu            sync.Mutex
	state         CallState
	endedAt       time.Time
	agent         *Leg
	lead          *Leg
	recordingFile string
	lastErr       error
	abortErr      error
	cancel        context.CancelFunc
}

func newCall(id, accountID, agentNumber, leadNumber string, cancel context.CancelFunc) *Call {
	return &Call{
		ID:          id,
		AccountID:   accountID,
		AgentNumber: agentNumber,
		LeadNumber:  leadNumber,
		CreatedAt:   time.Now(),
		state:       StateIdle,
		cancel:      cancel,
	}
}

func (c *Call) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ended reports when the call reached a terminal state, if it has.
func (c *Call) ended() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Terminal() {
		return time.Time{}, false
	}
	return c.endedAt, true
}

// abort requests termination with the given reason. The first reason wins;
// the wait currently in progress observes the cancellation and unwinds.
func (c *Call) abort(reason error) {
	c.mu.Lock()
	if c.abortErr == nil {
		c.abortErr = reason
	}
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// abortReason returns the recorded abort reason. Cancellation without an
// explicit reason counts as an external cancel.
func (c *Call) abortReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.abortErr != nil {
		return c.abortErr
	}
	return ErrCancelled
}

// release cancels the call context without recording an abort reason. Used
// once the call is terminal to free the watcher and timers.
func (c *Call) release() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Call) setAgent(leg *Leg) {
	c.mu.Lock()
	c.agent = leg
	c.mu.Unlock()
}

func (c *Call) setLead(leg *Leg) {
	c.mu.Lock()
	c.lead = leg
	c.mu.Unlock()
}

func (c *Call) setLegState(role LegRole, state LegState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if role == RoleAgent && c.agent != nil {
		c.agent.State = state
	}
	if role == RoleLead && c.lead != nil {
		c.lead.State = state
	}
}

func (c *Call) setRecordingFile(filename string) {
	c.mu.Lock()
	c.recordingFile = filename
	c.mu.Unlock()
}

func (c *Call) RecordingFile() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recordingFile
}

func (c *Call) setError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Call) legs() []*Leg {
	c.mu.Lock()
	defer c.mu.Unlock()
	var legs []*Leg
	if c.agent != nil {
		legs = append(legs, c.agent)
	}
	if c.lead != nil {
		legs = append(legs, c.lead)
	}
	return legs
}

// CallInfo is a read-only snapshot exposed to the HTTP layer.
type CallInfo struct {
	CallID        string    `json:"call_id"`
	AccountID     string    `json:"account_id,omitempty"`
	State         CallState `json:"state"`
	AgentUUID     string    `json:"agent_uuid,omitempty"`
	LeadUUID      string    `json:"lead_uuid,omitempty"`
	RecordingFile string    `json:"recording_file,omitempty"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (c *Call) snapshot() CallInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := CallInfo{
		CallID:        c.ID,
		AccountID:     c.AccountID,
		State:         c.state,
		RecordingFile: c.recordingFile,
		CreatedAt:     c.CreatedAt,
	}
	if c.agent != nil {
		info.AgentUUID = c.agent.UUID
	}
	if c.lead != nil {
		info.LeadUUID = c.lead.UUID
	}
	if c.lastErr != nil {
		info.Error = c.lastErr.Error()
	}
	return info
}
