package main

import (
	"bufio"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeESL is a scripted stand-in for the media server's event socket. It
// performs the auth handshake, answers api commands from a script function,
// records commands in arrival order and can inject plain events.
type fakeESL struct {
	t        *testing.T
	ln       net.Listener
	password string

	mu       sync.Mutex
	wmu      sync.Mutex
	conn     net.Conn
	commands []string
	script   func(cmd string) string
}

func newFakeESL(t *testing.T) *fakeESL {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeESL{
		t:        t,
		ln:       ln,
		password: "ClueCon",
		script:   func(string) string { return "+OK" },
	}
	go s.acceptLoop()
	t.Cleanup(s.close)
	return s
}

func (s *fakeESL) addr() string { return s.ln.Addr().String() }

func (s *fakeESL) setScript(fn func(cmd string) string) {
	s.mu.Lock()
	s.script = fn
	s.mu.Unlock()
}

// apiCommands returns the api commands seen so far, without the "api" prefix.
func (s *fakeESL) apiCommands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.commands))
	copy(out, s.commands)
	return out
}

func (s *fakeESL) countCommands(prefix string) int {
	n := 0
	for _, cmd := range s.apiCommands() {
		if strings.HasPrefix(cmd, prefix) {
			n++
		}
	}
	return n
}

// dropConnection simulates an unexpected link loss.
func (s *fakeESL) dropConnection() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *fakeESL) close() {
	s.ln.Close()
	s.dropConnection()
}

func (s *fakeESL) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.serveConn(conn)
	}
}

func (s *fakeESL) serveConn(conn net.Conn) {
	reader := bufio.NewReader(conn)
	s.write(conn, "Content-Type: auth/request\n\n")
	for {
		cmd, err := readCommand(reader)
		if err != nil {
			conn.Close()
			return
		}
		switch {
		case strings.HasPrefix(cmd, "auth "):
			if strings.TrimPrefix(cmd, "auth ") == s.password {
				s.write(conn, "Content-Type: command/reply\nReply-Text: +OK accepted\n\n")
			} else {
				s.write(conn, "Content-Type: command/reply\nReply-Text: -ERR invalid\n\n")
			}
		case strings.HasPrefix(cmd, "event "):
			s.write(conn, "Content-Type: command/reply\nReply-Text: +OK event listener enabled plain\n\n")
		case cmd == "exit":
			s.write(conn, "Content-Type: command/reply\nReply-Text: +OK bye\n\n")
			conn.Close()
			return
		case strings.HasPrefix(cmd, "api "):
			apiCmd := strings.TrimPrefix(cmd, "api ")
			s.mu.Lock()
			s.commands = append(s.commands, apiCmd)
			script := s.script
			s.mu.Unlock()
			body := script(apiCmd)
			s.write(conn, fmt.Sprintf("Content-Type: api/response\nContent-Length: %d\n\n%s", len(body), body))
		default:
			s.write(conn, "Content-Type: command/reply\nReply-Text: +OK\n\n")
		}
	}
}

// sendEvent injects a plain channel event on the live connection.
func (s *fakeESL) sendEvent(headers map[string]string) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	var b strings.Builder
	if name, ok := headers["Event-Name"]; ok {
		fmt.Fprintf(&b, "Event-Name: %s\n", name)
	}
	keys := make([]string, 0, len(headers))
	for key := range headers {
		if key != "Event-Name" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&b, "%s: %s\n", key, headers[key])
	}
	b.WriteString("\n")
	body := b.String()
	s.write(conn, fmt.Sprintf("Content-Type: text/event-plain\nContent-Length: %d\n\n%s", len(body), body))
}

func (s *fakeESL) write(conn net.Conn, data string) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	conn.Write([]byte(data))
}

// readCommand reads one command block (a line followed by a blank line).
func readCommand(reader *bufio.Reader) (string, error) {
	var first string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if first == "" {
				continue
			}
			return first, nil
		}
		if first == "" {
			first = line
		}
	}
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// originationUUID pulls the origination_uuid value out of an originate
// command's variable block.
func originationUUID(cmd string) string {
	const marker = "origination_uuid="
	idx := strings.Index(cmd, marker)
	if idx == -1 {
		return ""
	}
	rest := cmd[idx+len(marker):]
	if end := strings.IndexAny(rest, ",}"); end != -1 {
		return rest[:end]
	}
	return rest
}
