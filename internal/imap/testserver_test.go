package imap

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/config"
)

// scriptServer is an in-process IMAP server driven by a per-line
// handler, for exercising the connection layer against real sockets.
type scriptServer struct {
	t        *testing.T
	ln       net.Listener
	greeting string
	handle   func(c *srvConn, line string)

	mu     sync.Mutex
	active *srvConn
}

type srvConn struct {
	conn net.Conn
	r    *bufio.Reader
	mu   sync.Mutex
}

func (c *srvConn) send(lines ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, line := range lines {
		_, _ = c.conn.Write([]byte(line + "\r\n"))
	}
}

// sendRaw writes bytes without CRLF framing, for literal payloads.
func (c *srvConn) sendRaw(data string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = c.conn.Write([]byte(data))
}

func startScriptServer(t *testing.T, greeting string, handle func(c *srvConn, line string)) *scriptServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &scriptServer{t: t, ln: ln, greeting: greeting, handle: handle}
	go s.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *scriptServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serve(conn)
	}
}

func (s *scriptServer) serve(conn net.Conn) {
	c := &srvConn{conn: conn, r: bufio.NewReader(conn)}
	s.mu.Lock()
	s.active = c
	s.mu.Unlock()

	c.send(s.greeting)
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			conn.Close()
			return
		}
		s.handle(c, strings.TrimRight(line, "\r\n"))
	}
}

// push sends unsolicited lines on the current connection.
func (s *scriptServer) push(lines ...string) {
	s.mu.Lock()
	c := s.active
	s.mu.Unlock()
	if c != nil {
		c.send(lines...)
	}
}

func (s *scriptServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *scriptServer) account(name string) *config.AccountConfig {
	return &config.AccountConfig{
		Name:           name,
		Host:           "127.0.0.1",
		Port:           s.port(),
		Username:       "user@example.com",
		Password:       "secret",
		TimeoutSeconds: 2,
	}
}

// defaultHandle answers the command set the Client issues during
// connect, authenticate, and select.
func defaultHandle(caps string) func(c *srvConn, line string) {
	return func(c *srvConn, line string) {
		fields := strings.SplitN(line, " ", 2)
		if len(fields) < 2 {
			return // DONE or junk
		}
		tag, cmd := fields[0], strings.ToUpper(fields[1])
		switch {
		case strings.HasPrefix(cmd, "CAPABILITY"):
			c.send("* CAPABILITY "+caps, tag+" OK CAPABILITY completed")
		case strings.HasPrefix(cmd, "AUTHENTICATE"), strings.HasPrefix(cmd, "LOGIN"):
			c.send(tag + " OK authenticated")
		case strings.HasPrefix(cmd, "SELECT"), strings.HasPrefix(cmd, "EXAMINE"):
			c.send(
				"* 3 EXISTS",
				"* 0 RECENT",
				"* OK [UNSEEN 1] first unseen",
				"* OK [UIDVALIDITY 42] UIDs valid",
				"* OK [UIDNEXT 100] predicted next UID",
				tag+" OK [READ-WRITE] SELECT completed",
			)
		case strings.HasPrefix(cmd, "LOGOUT"):
			c.send("* BYE logging out", tag+" OK LOGOUT completed")
		case strings.HasPrefix(cmd, "NOOP"):
			c.send(tag + " OK NOOP completed")
		default:
			c.send(tag + " OK completed")
		}
	}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}
