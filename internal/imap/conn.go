package imap

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/config"
)

// Conn owns one socket to the mail server and provides tagged
// command/response exchange. It is not safe for concurrent use; the
// Client serializes access.
type Conn struct {
	cfg    *config.AccountConfig
	logger *logrus.Logger

	state    State
	selected string

	conn   net.Conn
	reader *bufio.Reader

	tagCounter int
	greeting   string
	timeout    time.Duration
}

// NewConn creates an unconnected Conn for the given account.
func NewConn(cfg *config.AccountConfig, logger *logrus.Logger) *Conn {
	return &Conn{
		cfg:     cfg,
		logger:  logger,
		state:   StateDisconnected,
		timeout: cfg.Timeout(),
	}
}

// State returns the current lifecycle phase.
func (c *Conn) State() State { return c.state }

// SelectedFolder returns the currently selected folder name, or "".
func (c *Conn) SelectedFolder() string { return c.selected }

// Greeting returns the raw server greeting line from the last connect.
func (c *Conn) Greeting() string { return c.greeting }

// setState is used by the Client after SELECT/CLOSE/auth transitions.
func (c *Conn) setState(state State, folder string) {
	c.state = state
	c.selected = folder
}

// Connect opens the socket, performs the TLS handshake when configured,
// and reads the server greeting. Only valid from Disconnected.
func (c *Conn) Connect() error {
	if c.state != StateDisconnected {
		return newErrorf(KindInvalidState, "connect requires disconnected state, currently %s", c.state)
	}

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	c.logger.WithFields(logrus.Fields{
		"account": c.cfg.Name,
		"addr":    addr,
		"tls":     c.cfg.UsesTLS(),
	}).Debug("Connecting to IMAP server")

	conn, err := net.DialTimeout("tcp", addr, c.timeout)
	if err != nil {
		if isTimeoutErr(err) {
			return wrapError(KindTimeout, fmt.Sprintf("dial %s timed out", addr), err)
		}
		return wrapError(KindConnection, fmt.Sprintf("failed to dial %s", addr), err)
	}

	if c.cfg.UsesTLS() {
		tlsConn := tls.Client(conn, c.tlsConfig())
		if err := tlsConn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			conn.Close()
			return wrapError(KindConnection, "failed to set handshake deadline", err)
		}
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return wrapError(KindConnection, "TLS handshake failed", err)
		}
		tlsConn.SetDeadline(time.Time{})
		conn = tlsConn
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)

	greeting, err := c.ReadLine(c.timeout)
	if err != nil {
		c.resetSocket()
		return fmt.Errorf("failed to read greeting: %w", err)
	}
	c.greeting = greeting

	switch {
	case strings.HasPrefix(greeting, "* OK"):
		c.state = StateConnected
	case strings.HasPrefix(greeting, "* PREAUTH"):
		c.state = StateAuthenticated
	default:
		c.resetSocket()
		return newErrorf(KindProtocol, "unrecognized greeting %q", greeting)
	}

	c.logger.WithFields(logrus.Fields{
		"account": c.cfg.Name,
		"state":   c.state.String(),
	}).Debug("IMAP connection established")
	return nil
}

func (c *Conn) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         c.cfg.Host,
		InsecureSkipVerify: c.cfg.TLSSkipVerify,
	}
}

// StartTLS upgrades a plain connection via the STARTTLS command. Only
// valid in Connected state, before authentication.
func (c *Conn) StartTLS() error {
	if c.state != StateConnected {
		return newErrorf(KindInvalidState, "STARTTLS requires connected state, currently %s", c.state)
	}
	if _, ok := c.conn.(*tls.Conn); ok {
		return newError(KindInvalidState, "connection is already TLS")
	}

	if _, err := c.Execute(FormatStartTLS()); err != nil {
		return fmt.Errorf("STARTTLS refused: %w", err)
	}

	tlsConn := tls.Client(c.conn, c.tlsConfig())
	if err := tlsConn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		c.resetSocket()
		return wrapError(KindConnection, "failed to set handshake deadline", err)
	}
	if err := tlsConn.Handshake(); err != nil {
		c.resetSocket()
		return wrapError(KindConnection, "TLS upgrade handshake failed", err)
	}
	tlsConn.SetDeadline(time.Time{})
	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	return nil
}

// Disconnect sends a best-effort LOGOUT and closes the socket. Always
// leaves the connection in Disconnected state.
func (c *Conn) Disconnect() error {
	if c.state == StateDisconnected {
		return nil
	}
	// Best effort; the server may already be gone.
	_, _ = c.Execute(FormatLogout())
	c.resetSocket()
	return nil
}

func (c *Conn) resetSocket() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.reader = nil
	c.state = StateDisconnected
	c.selected = ""
}

// nextTag generates the per-command tag: "A" plus a 4-digit counter.
func (c *Conn) nextTag() string {
	c.tagCounter++
	return fmt.Sprintf("A%04d", c.tagCounter)
}

// Execute sends one tagged command and collects untagged reply lines
// until the matching tagged completion. NO maps to a server error, BAD
// to a protocol error. A read timeout is returned as-is without
// touching connection state; the caller decides whether to reconnect.
func (c *Conn) Execute(command string) ([]string, error) {
	if c.state == StateDisconnected {
		return nil, newError(KindInvalidState, "not connected")
	}

	tag := c.nextTag()
	if err := c.Send(tag + " " + command); err != nil {
		return nil, err
	}

	var lines []string
	for {
		line, err := c.readLogicalLine(c.timeout)
		if err != nil {
			return nil, err
		}
		status, text, ok := ParseTaggedResult(tag, line)
		if !ok {
			lines = append(lines, line)
			continue
		}
		switch status {
		case "OK":
			return lines, nil
		case "NO":
			return lines, newErrorf(KindServer, "server refused %s: %s", commandVerb(command), text)
		default: // BAD
			return lines, newErrorf(KindProtocol, "server rejected %s: %s", commandVerb(command), text)
		}
	}
}

// commandVerb extracts the command word for error messages, keeping
// credentials out of logs.
func commandVerb(command string) string {
	if idx := strings.IndexByte(command, ' '); idx > 0 {
		return command[:idx]
	}
	return command
}

// Send writes one raw line with CRLF framing. Used directly by the IDLE
// loop, which cannot go through Execute's tagged request/response cycle.
func (c *Conn) Send(line string) error {
	if c.conn == nil {
		return newError(KindInvalidState, "not connected")
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return wrapError(KindConnection, "failed to set write deadline", err)
	}
	if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
		if isTimeoutErr(err) {
			return wrapError(KindTimeout, "write timed out", err)
		}
		return wrapError(KindConnection, "write failed", err)
	}
	return nil
}

// ReadLine reads one CRLF-terminated line under the given timeout. A
// deadline expiry returns a timeout error and leaves the connection
// usable for another read.
func (c *Conn) ReadLine(timeout time.Duration) (string, error) {
	if c.reader == nil {
		return "", newError(KindInvalidState, "not connected")
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", wrapError(KindConnection, "failed to set read deadline", err)
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		if isTimeoutErr(err) {
			return "", wrapError(KindTimeout, "read timed out", err)
		}
		if err == io.EOF {
			return "", wrapError(KindConnection, "connection closed by server", err)
		}
		return "", wrapError(KindConnection, "read failed", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readLogicalLine reads one reply line, and when the line ends with a
// `{n}` literal marker, splices the following n raw bytes plus the rest
// of the reply into a single logical line for the parsers.
func (c *Conn) readLogicalLine(timeout time.Duration) (string, error) {
	line, err := c.ReadLine(timeout)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(line)
	for {
		size, ok := trailingLiteralSize(b.String())
		if !ok {
			return b.String(), nil
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return "", wrapError(KindConnection, "failed to set read deadline", err)
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(c.reader, buf); err != nil {
			if isTimeoutErr(err) {
				return "", wrapError(KindTimeout, "read timed out inside literal", err)
			}
			return "", wrapError(KindConnection, "failed to read literal payload", err)
		}
		b.Write(buf)

		rest, err := c.ReadLine(timeout)
		if err != nil {
			return "", err
		}
		b.WriteString(rest)
	}
}

// trailingLiteralSize reports whether the line ends with a `{n}`
// marker and returns n.
func trailingLiteralSize(line string) (int, bool) {
	if !strings.HasSuffix(line, "}") {
		return 0, false
	}
	open := strings.LastIndexByte(line, '{')
	if open < 0 {
		return 0, false
	}
	size, err := strconv.Atoi(line[open+1 : len(line)-1])
	if err != nil || size < 0 {
		return 0, false
	}
	return size, true
}

func isTimeoutErr(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
