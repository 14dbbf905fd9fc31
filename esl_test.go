package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

func newConnectedClient(t *testing.T, srv *fakeESL) ESLClient {
	t.Helper()
	client := NewESLClient(srv.addr(), "ClueCon", 2*time.Second)
	if err := client.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestConnectAndAuth(t *testing.T) {
	srv := newFakeESL(t)
	client := newConnectedClient(t, srv)

	if !client.Connected() {
		t.Fatal("expected client to report connected")
	}
}

func TestConnectAuthRejected(t *testing.T) {
	srv := newFakeESL(t)
	client := NewESLClient(srv.addr(), "wrong-password", 2*time.Second)
	defer client.Close()

	err := client.Connect()
	if err == nil {
		t.Fatal("expected auth failure")
	}
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("expected ErrConnectFailed, got %v", err)
	}
	if client.Connected() {
		t.Fatal("client must not report connected after auth failure")
	}
}

func TestConnectTimeout(t *testing.T) {
	// A listener that accepts but never speaks: the handshake cannot finish.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(io.Discard, conn)
	}()

	client := NewESLClient(ln.Addr().String(), "ClueCon", 150*time.Millisecond)
	defer client.Close()

	start := time.Now()
	err = client.Connect()
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("expected ErrConnectFailed, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("connect did not respect timeout, took %s", elapsed)
	}
}

func TestAPIResponseBody(t *testing.T) {
	srv := newFakeESL(t)
	srv.setScript(func(cmd string) string {
		if strings.HasPrefix(cmd, "uuid_exists") {
			return "true"
		}
		return "+OK done"
	})
	client := newConnectedClient(t, srv)

	ctx := context.Background()
	body, err := client.API(ctx, "uuid_exists abc")
	if err != nil {
		t.Fatalf("API: %v", err)
	}
	if body != "true" {
		t.Fatalf("expected body %q, got %q", "true", body)
	}

	body, err = client.API(ctx, "status")
	if err != nil {
		t.Fatalf("API: %v", err)
	}
	if body != "+OK done" {
		t.Fatalf("expected body %q, got %q", "+OK done", body)
	}
}

func TestAPIErrorBodyIsNotATransportError(t *testing.T) {
	srv := newFakeESL(t)
	srv.setScript(func(cmd string) string { return "-ERR no such channel" })
	client := newConnectedClient(t, srv)

	body, err := client.API(context.Background(), "uuid_kill abc")
	if err != nil {
		t.Fatalf("a -ERR body must not be a transport error, got %v", err)
	}
	if !isERR(body) {
		t.Fatalf("expected -ERR body, got %q", body)
	}
}

// Commands are serialized on the wire, so each concurrent caller must get
// the response to its own command.
func TestAPIResponsesCorrelateFIFO(t *testing.T) {
	srv := newFakeESL(t)
	srv.setScript(func(cmd string) string { return "echo " + cmd })
	client := newConnectedClient(t, srv)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cmd := fmt.Sprintf("uuid_exists chan-%d", i)
			body, err := client.API(context.Background(), cmd)
			if err != nil {
				errs <- err
				return
			}
			if body != "echo "+cmd {
				errs <- fmt.Errorf("response mismatch: sent %q got %q", cmd, body)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	if got := len(srv.apiCommands()); got != 8 {
		t.Fatalf("expected 8 commands on the wire, got %d", got)
	}
}

func TestDisconnectPropagation(t *testing.T) {
	srv := newFakeESL(t)
	client := newConnectedClient(t, srv)

	var notified sync.WaitGroup
	notified.Add(1)
	client.OnDisconnect(func() { notified.Done() })

	srv.dropConnection()

	done := make(chan struct{})
	go func() {
		notified.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect callback never fired")
	}

	if !waitFor(t, 2*time.Second, func() bool { return !client.Connected() }) {
		t.Fatal("client still reports connected after link loss")
	}

	_, err := client.API(context.Background(), "status")
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
}

func TestCloseDoesNotFireDisconnect(t *testing.T) {
	srv := newFakeESL(t)
	client := newConnectedClient(t, srv)

	var mu sync.Mutex
	fired := false
	client.OnDisconnect(func() {
		mu.Lock()
		fired = true
		mu.Unlock()
	})

	client.Close()
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if fired {
		t.Fatal("deliberate Close must not report an unexpected disconnect")
	}
}

func TestReconnectManager(t *testing.T) {
	srv := newFakeESL(t)
	client := newConnectedClient(t, srv)

	managed, ok := client.(interface{ ManageReconnect(context.Context) })
	if !ok {
		t.Fatal("client does not expose a reconnect manager")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go managed.ManageReconnect(ctx)

	srv.dropConnection()
	if !waitFor(t, time.Second, func() bool { return !client.Connected() }) {
		t.Fatal("client never noticed the link loss")
	}

	if !waitFor(t, 5*time.Second, func() bool { return client.Connected() }) {
		t.Fatal("client never reconnected")
	}

	if _, err := client.API(context.Background(), "status"); err != nil {
		t.Fatalf("API after reconnect: %v", err)
	}
}

func TestEventSinkDecoding(t *testing.T) {
	srv := newFakeESL(t)
	client := newConnectedClient(t, srv)

	var mu sync.Mutex
	var events []Event
	client.SetEventSink(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	srv.sendEvent(map[string]string{
		"Event-Name":              "CHANNEL_HANGUP_COMPLETE",
		"Unique-ID":               "11111111-2222-3333-4444-555555555555",
		"Other-Leg-Unique-ID":     "66666666-7777-8888-9999-000000000000",
		"Hangup-Cause":            "NORMAL_CLEARING",
		"Answer-State":            "hangup",
		"Call-Direction":          "outbound",
		"Caller-Caller-ID-Number": "15551234567",
	})

	if !waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) > 0
	}) {
		t.Fatal("event never reached the sink")
	}

	mu.Lock()
	ev := events[0]
	mu.Unlock()
	if ev.Name != "CHANNEL_HANGUP_COMPLETE" {
		t.Errorf("Name = %q", ev.Name)
	}
	if ev.UUID != "11111111-2222-3333-4444-555555555555" {
		t.Errorf("UUID = %q", ev.UUID)
	}
	if ev.OtherLegUUID != "66666666-7777-8888-9999-000000000000" {
		t.Errorf("OtherLegUUID = %q", ev.OtherLegUUID)
	}
	if ev.HangupCause != "NORMAL_CLEARING" {
		t.Errorf("HangupCause = %q", ev.HangupCause)
	}
	if ev.Direction != "outbound" {
		t.Errorf("Direction = %q", ev.Direction)
	}
	if ev.CallerIDNumber != "15551234567" {
		t.Errorf("CallerIDNumber = %q", ev.CallerIDNumber)
	}
}
