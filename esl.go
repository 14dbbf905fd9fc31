package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/percipia/eslgo"
	"github.com/percipia/eslgo/command"
)

// ESL Client Interface. The orchestrator and the HTTP layer only ever see
// this; the concrete implementation below is backed by eslgo.
type ESLClient interface {
	// Connect dials and authenticates within the configured timeout and
	// subscribes the event stream.
	Connect() error
	// API issues an api command (without the "api " prefix) and returns the
	// response body. Commands are serialized on the wire, so responses
	// correlate FIFO with submissions.
	API(ctx context.Context, cmd string) (string, error)
	Connected() bool
	// OnDisconnect registers a callback fired once per unexpected link loss.
	OnDisconnect(fn func())
	// SetEventSink registers the consumer of the decoded event stream.
	SetEventSink(fn func(Event))
	Close() error
}

// ESLgo implementation
type eslgoClient struct {
	addr           string
	password       string
	connectTimeout time.Duration

	mu        sync.Mutex
	conn      *eslgo.Conn
	connected bool
	closing   bool

	sink          func(Event)
	disconnectFns []func()
	reconnect     chan struct{}
}

func NewESLClient(addr, password string, connectTimeout time.Duration) ESLClient {
	return &eslgoClient{
		addr:           addr,
		password:       password,
		connectTimeout: connectTimeout,
		reconnect:      make(chan struct{}, 1),
	}
}

func (c *eslgoClient) Connect() error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	type dialResult struct {
		conn *eslgo.Conn
		err  error
	}
	done := make(chan dialResult, 1)
	go func() {
		conn, err := eslgo.Dial(c.addr, c.password, c.handleDisconnect)
		done <- dialResult{conn, err}
	}()

	var res dialResult
	select {
	case res = <-done:
	case <-time.After(c.connectTimeout):
		// The dial goroutine may still deliver later; reap it so the
		// connection does not leak.
		go func() {
			if late := <-done; late.conn != nil {
				late.conn.Close()
			}
		}()
		return fmt.Errorf("%w: timeout connecting to %s", ErrConnectFailed, c.addr)
	}
	if res.err != nil {
		return fmt.Errorf("%w: %v", ErrConnectFailed, res.err)
	}

	res.conn.RegisterEventListener(eslgo.EventListenAll, c.handleRawEvent)

	ctx, cancel := context.WithTimeout(context.Background(), c.connectTimeout)
	defer cancel()
	if err := res.conn.EnableEvents(ctx); err != nil {
		res.conn.Close()
		return fmt.Errorf("%w: event subscription failed: %v", ErrConnectFailed, err)
	}

	c.mu.Lock()
	c.conn = res.conn
	c.connected = true
	c.mu.Unlock()

	log.Printf("[INFO] [esl] Connected to %s", c.addr)
	return nil
}

func (c *eslgoClient) API(ctx context.Context, cmd string) (string, error) {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if conn == nil || !connected {
		return "", fmt.Errorf("%w: no active connection", ErrDisconnected)
	}

	logInfo("esl", fmt.Sprintf("API command: %s", cmd))

	// Expected format: "<command> [arguments]"
	parts := strings.SplitN(cmd, " ", 2)
	apiCmd := command.API{Command: parts[0]}
	if len(parts) > 1 {
		apiCmd.Arguments = parts[1]
	}

	response, err := conn.SendCommand(ctx, apiCmd)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	replyText := response.GetHeader("Reply-Text")
	if strings.HasPrefix(replyText, "-ERR") {
		return replyText, fmt.Errorf("esl error: %s", replyText)
	}

	// For api commands the data is in the body, not Reply-Text.
	if len(response.Body) > 0 {
		return string(response.Body), nil
	}
	return replyText, nil
}

func (c *eslgoClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *eslgoClient) OnDisconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectFns = append(c.disconnectFns, fn)
}

func (c *eslgoClient) SetEventSink(fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = fn
}

func (c *eslgoClient) Close() error {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	return nil
}

// handleDisconnect runs when eslgo loses the socket. Pending API callers are
// already failed by the library; here we flip state, notify subscribers and
// kick the reconnect manager.
func (c *eslgoClient) handleDisconnect() {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.conn = nil
	closing := c.closing
	fns := make([]func(), len(c.disconnectFns))
	copy(fns, c.disconnectFns)
	c.mu.Unlock()

	if closing || !wasConnected {
		return
	}

	logWarn("esl", "Connection to media server lost")
	for _, fn := range fns {
		fn()
	}

	select {
	case c.reconnect <- struct{}{}:
	default:
	}
}

// ManageReconnect re-establishes the link after unexpected disconnects,
// backing off exponentially between attempts. In-flight calls at the time of
// the loss have already failed; this only restores service for new calls.
func (c *eslgoClient) ManageReconnect(ctx context.Context) {
	b := &backoff.Backoff{
		Min:    time.Second,
		Max:    30 * time.Second,
		Jitter: true,
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.reconnect:
		}

		b.Reset()
		for {
			if ctx.Err() != nil {
				return
			}
			err := c.Connect()
			if err == nil {
				logInfo("esl", "Reconnected to media server")
				break
			}
			wait := b.Duration()
			logWarn("esl", fmt.Sprintf("Reconnect failed (%v), retrying in %s", err, wait))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}
}

func (c *eslgoClient) handleRawEvent(raw *eslgo.Event) {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink == nil {
		return
	}
	sink(eventFromESL(raw))
}

func eventFromESL(raw *eslgo.Event) Event {
	return Event{
		Name:           raw.GetHeader("Event-Name"),
		UUID:           raw.GetHeader("Unique-ID"),
		OtherLegUUID:   raw.GetHeader("Other-Leg-Unique-ID"),
		Direction:      raw.GetHeader("Call-Direction"),
		AnswerState:    raw.GetHeader("Answer-State"),
		HangupCause:    raw.GetHeader("Hangup-Cause"),
		CallerIDName:   raw.GetHeader("Caller-Caller-ID-Name"),
		CallerIDNumber: raw.GetHeader("Caller-Caller-ID-Number"),
		CallID:         raw.GetHeader("Call-ID"),
	}
}
