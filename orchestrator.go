package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Timeout for short control commands (uuid_exists, uuid_kill, uuid_bridge).
const commandTimeout = 10 * time.Second

type StartCallRequest struct {
	CallID      string
	AccountID   string
	AgentNumber string
	LeadNumber  string
}

type StartCallResult struct {
	AgentUUID     string
	LeadUUID      string
	RecordingFile string
}

// LifecycleEvent reports a call state transition to higher layers.
type LifecycleEvent struct {
	CallID       string
	State        CallState
	Cause        string
	RecordingURL string
}

type LifecycleListener func(LifecycleEvent)

// CallService is the orchestrator API consumed by the HTTP layer.
type CallService interface {
	StartCall(ctx context.Context, req StartCallRequest) (*StartCallResult, error)
	CancelCall(callID, accountID string) error
	HangupLeg(ctx context.Context, legUUID string) error
	CallInfo(callID string) (CallInfo, bool)
	Calls() []CallInfo
}

// Orchestrator drives outbound calls through their state machine: originate
// the agent leg, confirm the answer past early media, originate the lead leg,
// bridge, record, and watch for hangup completion. Calls run concurrently and
// share only the ESL transport.
type Orchestrator struct {
	cfg        Config
	esl        ESLClient
	router     *EventRouter
	recordings *RecordingManager

	mu        sync.Mutex
	calls     map[string]*Call
	listeners []LifecycleListener
}

func NewOrchestrator(cfg Config, esl ESLClient, router *EventRouter, recordings *RecordingManager) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		esl:        esl,
		router:     router,
		recordings: recordings,
		calls:      make(map[string]*Call),
	}
	esl.SetEventSink(router.Dispatch)
	esl.OnDisconnect(o.handleDisconnect)
	return o
}

// OnLifecycleEvent registers a listener for call state transitions. Listener
// panics are swallowed.
func (o *Orchestrator) OnLifecycleEvent(listener LifecycleListener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, listener)
}

// StartCall runs the call synchronously up to the bridged state and returns
// the leg UUIDs and recording filename. After bridging, a watcher goroutine
// owns the hangup-completion phase. The call's lifetime is owned by the
// orchestrator, not the caller's context: an HTTP client going away must not
// tear down a live conversation.
func (o *Orchestrator) StartCall(ctx context.Context, req StartCallRequest) (*StartCallResult, error) {
	if req.CallID == "" {
		return nil, fmt.Errorf("call_id is required")
	}
	if err := validatePhoneNumber(req.AgentNumber); err != nil {
		return nil, fmt.Errorf("agent_number: %v", err)
	}
	if err := validatePhoneNumber(req.LeadNumber); err != nil {
		return nil, fmt.Errorf("lead_number: %v", err)
	}
	if !o.esl.Connected() {
		return nil, fmt.Errorf("%w: media server link is down", ErrConnectFailed)
	}

	callCtx, cancel := context.WithCancel(context.Background())
	call := newCall(req.CallID, req.AccountID, req.AgentNumber, req.LeadNumber, cancel)

	o.mu.Lock()
	o.sweepLocked(time.Now())
	if existing, ok := o.calls[req.CallID]; ok && !existing.State().Terminal() {
		o.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrCallExists, req.CallID)
	}
	o.calls[req.CallID] = call
	o.mu.Unlock()

	logInfo(call.ID, fmt.Sprintf("Starting call agent=%s lead=%s", req.AgentNumber, req.LeadNumber))
	return o.runCall(callCtx, call)
}

func (o *Orchestrator) runCall(ctx context.Context, call *Call) (*StartCallResult, error) {
	// Agent leg. The UUID is generated up front and pinned with
	// origination_uuid so events can be correlated before the channel exists.
	agentUUID := uuid.New().String()
	o.transition(call, StateStartingAgent, "", "")

	// Watch before originating so an answer racing the command response is
	// not lost.
	agentAnswer, releaseAgentAnswer := o.router.Watch(eventChannelAnswer, agentUUID)
	defer releaseAgentAnswer()

	agentCmd := fmt.Sprintf(
		"originate {origination_uuid=%s,ignore_early_media=false,hangup_after_bridge=false,continue_on_fail=true,originate_timeout=%d,bypass_media=false,proxy_media=false}sofia/gateway/%s/%s &echo()",
		agentUUID, seconds(o.cfg.AgentAnswerTimeout), o.cfg.Gateway, call.AgentNumber)
	body, err := o.api(ctx, agentCmd, o.cfg.AgentAnswerTimeout+5*time.Second)
	if err != nil {
		return nil, o.finish(call, err)
	}
	if !isOK(body) {
		return nil, o.finish(call, fmt.Errorf("%w: agent leg: %s", ErrOriginateRejected, strings.TrimSpace(body)))
	}
	if got := parseOriginateUUID(body); got != "" && got != agentUUID {
		logWarn(call.ID, fmt.Sprintf("Originate returned UUID %s, pinned %s", got, agentUUID))
	}
	call.setAgent(&Leg{UUID: agentUUID, Role: RoleAgent, State: LegOriginating, CallID: call.ID})

	o.transition(call, StateWaitingAgentAnswer, "", "")
	if _, err := waitOn(ctx, agentAnswer, o.cfg.AgentAnswerTimeout); err != nil {
		if errors.Is(err, errWaitTimeout) {
			err = fmt.Errorf("%w: no answer within %s", ErrAgentNoAnswer, o.cfg.AgentAnswerTimeout)
		}
		return nil, o.finish(call, err)
	}

	// The answer may be early media that cosmetically looks like a pickup.
	// Hold for the confirmation delay, then require the channel to still
	// exist before trusting it.
	if err := sleepCtx(ctx, o.cfg.EarlyMediaConfirm); err != nil {
		return nil, o.finish(call, err)
	}
	existsBody, err := o.api(ctx, "uuid_exists "+agentUUID, commandTimeout)
	if err != nil {
		return nil, o.finish(call, err)
	}
	if !parseBoolResult(existsBody) {
		return nil, o.finish(call, fmt.Errorf("%w: %w", ErrAgentNoAnswer, ErrEarlyMedia))
	}
	call.setLegState(RoleAgent, LegAnswered)
	logInfo(call.ID, "Agent answered and confirmed")

	// Hangup watches are registered as soon as each leg is live, before any
	// command that could provoke the hangup. A completion racing the bridge
	// command parks in the buffered channel until the watcher drains it. The
	// releases are handed to the watcher on success.
	agentHangup, releaseAgentHangup := o.router.Watch(eventChannelHangupComplete, agentUUID)
	handedOff := false
	defer func() {
		if !handedOff {
			releaseAgentHangup()
		}
	}()

	// Lead leg, parked until bridge. The lead-side answer needs no early
	// media confirmation: bridging immediately produces media either way.
	leadUUID := uuid.New().String()
	o.transition(call, StateDialingLead, "", "")

	leadAnswer, releaseLeadAnswer := o.router.Watch(eventChannelAnswer, leadUUID)
	defer releaseLeadAnswer()

	leadVars := fmt.Sprintf(
		"origination_uuid=%s,ignore_early_media=false,bypass_media=false,proxy_media=false,hangup_after_bridge=false,originate_timeout=%d",
		leadUUID, seconds(o.cfg.LeadAnswerTimeout))
	if o.cfg.DIDNumber != "" {
		leadVars += ",origination_caller_id_number=" + o.cfg.DIDNumber
	}
	leadCmd := fmt.Sprintf("originate {%s}sofia/gateway/%s/%s &park()", leadVars, o.cfg.Gateway, call.LeadNumber)
	body, err = o.api(ctx, leadCmd, o.cfg.LeadAnswerTimeout+5*time.Second)
	if err != nil {
		return nil, o.finish(call, err)
	}
	if !isOK(body) {
		return nil, o.finish(call, fmt.Errorf("%w: lead leg: %s", ErrOriginateRejected, strings.TrimSpace(body)))
	}
	call.setLead(&Leg{UUID: leadUUID, Role: RoleLead, State: LegOriginating, CallID: call.ID})

	leadHangup, releaseLeadHangup := o.router.Watch(eventChannelHangupComplete, leadUUID)
	defer func() {
		if !handedOff {
			releaseLeadHangup()
		}
	}()

	// While the lead rings, the agent can walk away. Waiting out the full
	// lead budget just to fail the bridge would hold a dead call open, so the
	// wait also selects on the agent's hangup.
	o.transition(call, StateWaitingLeadAnswer, "", "")
	leadTimer := time.NewTimer(o.cfg.LeadAnswerTimeout)
	defer leadTimer.Stop()
	select {
	case <-leadAnswer:
	case ev := <-agentHangup:
		call.setLegState(RoleAgent, LegHungUp)
		return nil, o.finish(call, fmt.Errorf("%w: %s", ErrAgentHungUp, normalizeHangupCause(ev.HangupCause)))
	case <-leadTimer.C:
		return nil, o.finish(call, fmt.Errorf("%w: no answer within %s", ErrLeadNoAnswer, o.cfg.LeadAnswerTimeout))
	case <-ctx.Done():
		return nil, o.finish(call, ctx.Err())
	}
	call.setLegState(RoleLead, LegAnswered)
	logInfo(call.ID, "Lead answered")

	// Stop the agent-side echo before joining the legs. Advisory: a failure
	// here must not abort the call.
	if _, err := o.api(ctx, fmt.Sprintf("uuid_broadcast %s stop:::-1", agentUUID), commandTimeout); err != nil {
		logWarn(call.ID, fmt.Sprintf("Stopping agent echo failed: %v", err))
	}

	// The agent may have hung up between answer and here; bridging a dead
	// channel just burns a round trip.
	select {
	case ev := <-agentHangup:
		call.setLegState(RoleAgent, LegHungUp)
		return nil, o.finish(call, fmt.Errorf("%w: %s", ErrAgentHungUp, normalizeHangupCause(ev.HangupCause)))
	default:
	}

	o.transition(call, StateBridging, "", "")
	body, err = o.api(ctx, fmt.Sprintf("uuid_bridge %s %s", agentUUID, leadUUID), commandTimeout)
	if err != nil {
		return nil, o.finish(call, err)
	}
	if !isOK(body) {
		return nil, o.finish(call, fmt.Errorf("%w: %s", ErrBridgeFailed, strings.TrimSpace(body)))
	}

	recordingFile := o.recordings.Start(ctx, call.ID, agentUUID, leadUUID)
	call.setRecordingFile(recordingFile)
	call.setLegState(RoleAgent, LegBridged)
	call.setLegState(RoleLead, LegBridged)
	o.transition(call, StateBridged, "", "")
	logInfo(call.ID, fmt.Sprintf("Bridged agent=%s lead=%s recording=%s", agentUUID, leadUUID, recordingFile))

	handedOff = true
	go o.watchHangup(ctx, call, agentUUID, leadUUID, agentHangup, leadHangup, func() {
		releaseAgentHangup()
		releaseLeadHangup()
	})

	return &StartCallResult{
		AgentUUID:     agentUUID,
		LeadUUID:      leadUUID,
		RecordingFile: recordingFile,
	}, nil
}

// watchHangup owns the bridged phase: the first CHANNEL_HANGUP_COMPLETE on
// either leg completes the call and kills the survivor. The watches were
// registered by runCall before the bridge command, so a hangup that raced the
// bridge is already buffered here.
func (o *Orchestrator) watchHangup(ctx context.Context, call *Call, agentUUID, leadUUID string, agentHangup, leadHangup <-chan Event, release func()) {
	defer release()

	select {
	case ev := <-agentHangup:
		o.completeCall(call, ev, leadUUID)
	case ev := <-leadHangup:
		o.completeCall(call, ev, agentUUID)
	case <-ctx.Done():
		err := call.abortReason()
		call.setError(err)
		if errors.Is(err, ErrCancelled) {
			// Killing the agent leg is enough: the lead tears down on the
			// resulting hangup completion.
			o.kill(call.ID, agentUUID)
			call.setLegState(RoleAgent, LegHungUp)
			o.transition(call, StateCancelled, errorCause(err), "")
		} else {
			o.kill(call.ID, agentUUID)
			o.kill(call.ID, leadUUID)
			call.setLegState(RoleAgent, LegHungUp)
			call.setLegState(RoleLead, LegHungUp)
			o.transition(call, StateFailed, errorCause(err), "")
		}
	}
}

func (o *Orchestrator) completeCall(call *Call, ev Event, survivorUUID string) {
	o.kill(call.ID, survivorUUID)
	call.setLegState(RoleAgent, LegHungUp)
	call.setLegState(RoleLead, LegHungUp)
	url := o.recordings.URL(call.RecordingFile())
	o.transition(call, StateCompleted, normalizeHangupCause(ev.HangupCause), url)
	call.release()
	logInfo(call.ID, fmt.Sprintf("Call completed cause=%s recording=%s", normalizeHangupCause(ev.HangupCause), url))
}

// CancelCall requests termination of an active call. Cancelling a terminal
// call is a no-op. An account mismatch is reported as not-found so callers
// cannot probe other accounts' call ids.
func (o *Orchestrator) CancelCall(callID, accountID string) error {
	o.mu.Lock()
	call, ok := o.calls[callID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	if accountID != "" && call.AccountID != "" && call.AccountID != accountID {
		return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	if call.State().Terminal() {
		return nil
	}
	logInfo(callID, "Cancel requested")
	call.abort(ErrCancelled)
	return nil
}

// HangupLeg kills a single channel by UUID.
func (o *Orchestrator) HangupLeg(ctx context.Context, legUUID string) error {
	if err := validateUUID(legUUID); err != nil {
		return err
	}
	body, err := o.api(ctx, "uuid_kill "+legUUID, commandTimeout)
	if err != nil {
		return err
	}
	if isERR(body) {
		return fmt.Errorf("uuid_kill failed: %s", strings.TrimSpace(body))
	}
	return nil
}

func (o *Orchestrator) CallInfo(callID string) (CallInfo, bool) {
	o.mu.Lock()
	o.sweepLocked(time.Now())
	call, ok := o.calls[callID]
	o.mu.Unlock()
	if !ok {
		return CallInfo{}, false
	}
	return call.snapshot(), true
}

func (o *Orchestrator) Calls() []CallInfo {
	o.mu.Lock()
	o.sweepLocked(time.Now())
	infos := make([]CallInfo, 0, len(o.calls))
	for _, call := range o.calls {
		infos = append(infos, call.snapshot())
	}
	o.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos
}

// sweepLocked evicts terminal calls past the retention window so the registry
// holds recent history, not everything since process start. Caller holds o.mu.
func (o *Orchestrator) sweepLocked(now time.Time) {
	for id, call := range o.calls {
		if endedAt, ok := call.ended(); ok && now.Sub(endedAt) > o.cfg.CallRetention {
			delete(o.calls, id)
		}
	}
}

// finish moves a call to its terminal failure state, kills any originated
// legs and reports the transition. Returns err for the caller to propagate.
func (o *Orchestrator) finish(call *Call, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = call.abortReason()
	}
	state := StateFailed
	if errors.Is(err, ErrCancelled) {
		state = StateCancelled
	}
	o.killLegs(call)
	call.setError(err)
	o.transition(call, state, errorCause(err), "")
	call.release()
	logWarn(call.ID, fmt.Sprintf("Call ended without bridge: %v", err))
	return err
}

func (o *Orchestrator) killLegs(call *Call) {
	for _, leg := range call.legs() {
		if leg.State == LegHungUp {
			continue
		}
		o.kill(call.ID, leg.UUID)
		call.setLegState(leg.Role, LegHungUp)
	}
}

// kill is best-effort; after a disconnect the command fails and is only
// logged.
func (o *Orchestrator) kill(callID, legUUID string) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	body, err := o.esl.API(ctx, "uuid_kill "+legUUID)
	if err != nil {
		logWarn(callID, fmt.Sprintf("uuid_kill %s failed: %v", legUUID, err))
		return
	}
	if isERR(body) {
		logWarn(callID, fmt.Sprintf("uuid_kill %s rejected: %s", legUUID, strings.TrimSpace(body)))
	}
}

// handleDisconnect fails every in-flight call when the transport loses the
// media server link.
func (o *Orchestrator) handleDisconnect() {
	o.mu.Lock()
	calls := make([]*Call, 0, len(o.calls))
	for _, call := range o.calls {
		calls = append(calls, call)
	}
	o.mu.Unlock()

	for _, call := range calls {
		if call.State().Terminal() {
			continue
		}
		call.abort(fmt.Errorf("%w: link lost mid-call", ErrDisconnected))
	}
}

// transition sets the call state (unless already terminal) and notifies
// lifecycle listeners.
func (o *Orchestrator) transition(call *Call, state CallState, cause, recordingURL string) {
	call.mu.Lock()
	if call.state.Terminal() {
		call.mu.Unlock()
		return
	}
	call.state = state
	if state.Terminal() {
		call.endedAt = time.Now()
	}
	call.mu.Unlock()

	o.emit(LifecycleEvent{
		CallID:       call.ID,
		State:        state,
		Cause:        cause,
		RecordingURL: recordingURL,
	})
}

func (o *Orchestrator) emit(ev LifecycleEvent) {
	o.mu.Lock()
	listeners := make([]LifecycleListener, len(o.listeners))
	copy(listeners, o.listeners)
	o.mu.Unlock()

	for _, listener := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					logError(ev.CallID, fmt.Sprintf("Lifecycle listener panic: %v", rec), nil)
				}
			}()
			listener(ev)
		}()
	}
}

func (o *Orchestrator) api(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return o.esl.API(cctx, cmd)
}

func seconds(d time.Duration) int {
	s := int(d / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
