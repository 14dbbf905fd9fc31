package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Channel event names consumed by the orchestrator.
const (
	eventChannelCreate         = "CHANNEL_CREATE"
	eventChannelAnswer         = "CHANNEL_ANSWER"
	eventChannelBridge         = "CHANNEL_BRIDGE"
	eventChannelHangupComplete = "CHANNEL_HANGUP_COMPLETE"
)

// Event is a decoded ESL channel event with the canonical headers extracted.
type Event struct {
	Name           string
	UUID           string
	OtherLegUUID   string
	Direction      string
	AnswerState    string
	HangupCause    string
	CallerIDName   string
	CallerIDNumber string
	CallID         string
}

// errWaitTimeout distinguishes an expired wait budget from cancellation.
// Callers map it to the answer-timeout error for the leg they were waiting on.
var errWaitTimeout = errors.New("timed out waiting for event")

type eventKey struct {
	name string
	uuid string // empty matches any channel
}

type eventSub struct {
	id   uint64
	key  eventKey
	fn   func(Event)
	once bool
}

// EventRouter demultiplexes the ESL event stream to subscribers keyed by
// (event name, optional channel UUID). It holds no leg state of its own; the
// table only references channels by UUID for dispatch.
type EventRouter struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[eventKey][]*eventSub
}

func NewEventRouter() *EventRouter {
	return &EventRouter{subs: make(map[eventKey][]*eventSub)}
}

// Subscribe registers fn for events matching name and uuid. An empty uuid
// matches events on any channel. Returns an id for Unsubscribe.
func (r *EventRouter) Subscribe(name, uuid string, fn func(Event)) uint64 {
	return r.subscribe(name, uuid, fn, false)
}

// SubscribeOnce registers fn and removes the subscription after its first
// matching event.
func (r *EventRouter) SubscribeOnce(name, uuid string, fn func(Event)) uint64 {
	return r.subscribe(name, uuid, fn, true)
}

func (r *EventRouter) subscribe(name, uuid string, fn func(Event), once bool) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	sub := &eventSub{
		id:   r.nextID,
		key:  eventKey{name: name, uuid: uuid},
		fn:   fn,
		once: once,
	}
	r.subs[sub.key] = append(r.subs[sub.key], sub)
	return sub.id
}

func (r *EventRouter) Unsubscribe(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, subs := range r.subs {
		for i, sub := range subs {
			if sub.id == id {
				r.subs[key] = append(subs[:i], subs[i+1:]...)
				if len(r.subs[key]) == 0 {
					delete(r.subs, key)
				}
				return
			}
		}
	}
}

// Dispatch fans the event out to every matching subscriber in registration
// order. Subscriber panics are recovered so one bad callback cannot starve
// its siblings.
func (r *EventRouter) Dispatch(ev Event) {
	r.mu.Lock()
	var matched []*eventSub
	if ev.UUID != "" {
		matched = append(matched, r.subs[eventKey{name: ev.Name, uuid: ev.UUID}]...)
	}
	matched = append(matched, r.subs[eventKey{name: ev.Name, uuid: ""}]...)
	// Registration order across both match keys.
	sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })
	for _, sub := range matched {
		if sub.once {
			r.removeLocked(sub)
		}
	}
	r.mu.Unlock()

	for _, sub := range matched {
		r.safeCall(sub.fn, ev)
	}
}

func (r *EventRouter) removeLocked(target *eventSub) {
	subs := r.subs[target.key]
	for i, sub := range subs {
		if sub.id == target.id {
			r.subs[target.key] = append(subs[:i], subs[i+1:]...)
			if len(r.subs[target.key]) == 0 {
				delete(r.subs, target.key)
			}
			return
		}
	}
}

func (r *EventRouter) safeCall(fn func(Event), ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			logError("events", fmt.Sprintf("Subscriber panic on %s: %v", ev.Name, rec), nil)
		}
	}()
	fn(ev)
}

// Watch returns a buffered channel that receives the first matching event,
// plus a release func. Registering before issuing the command that provokes
// the event closes the race between command response and event delivery.
func (r *EventRouter) Watch(name, uuid string) (<-chan Event, func()) {
	ch := make(chan Event, 1)
	id := r.SubscribeOnce(name, uuid, func(ev Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	return ch, func() { r.Unsubscribe(id) }
}

// WaitForEvent blocks until a matching event arrives, the timeout expires
// (errWaitTimeout) or ctx is cancelled. The subscription is released before
// returning in every case.
func (r *EventRouter) WaitForEvent(ctx context.Context, name, uuid string, timeout time.Duration) (Event, error) {
	ch, release := r.Watch(name, uuid)
	defer release()
	return waitOn(ctx, ch, timeout)
}

// waitOn selects over event arrival, timer expiry and cancellation.
func waitOn(ctx context.Context, ch <-chan Event, timeout time.Duration) (Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-ch:
		return ev, nil
	case <-timer.C:
		return Event{}, errWaitTimeout
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}
