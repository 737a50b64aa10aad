package imap

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// NotifyType tags a push notification.
type NotifyType int

const (
	// NotifyExists reports a new total message count.
	NotifyExists NotifyType = iota
	// NotifyRecent reports a new recent-message count.
	NotifyRecent
	// NotifyExpunge reports a message removal by sequence number.
	NotifyExpunge
	// NotifyFetch reports a flag/metadata change for one message.
	NotifyFetch
	// NotifyConnectionLost reports that the monitoring connection died.
	NotifyConnectionLost
	// NotifyTimeout reports a heartbeat expiry (silent disconnect).
	NotifyTimeout
)

func (t NotifyType) String() string {
	switch t {
	case NotifyExists:
		return "exists"
	case NotifyRecent:
		return "recent"
	case NotifyExpunge:
		return "expunge"
	case NotifyFetch:
		return "fetch"
	case NotifyConnectionLost:
		return "connection-lost"
	case NotifyTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Notification is one parsed server push. Transient, never persisted.
// Err is set only when an automatic restart failed and the monitor has
// given up.
type Notification struct {
	Type     NotifyType
	Folder   string
	Count    uint32
	Sequence uint32
	UID      uint32
	Err      error
}

// NotificationCallback receives every notification, in registration
// order, with no backpressure.
type NotificationCallback func(Notification)

// IdleStats is the monitor's observable state.
type IdleStats struct {
	Active        bool   `json:"active"`
	Folder        string `json:"monitored_folder"`
	CallbackCount int    `json:"callback_count"`
}

// IdleService monitors one folder for server pushes over a dedicated
// client, so the long-held IDLE never blocks ordinary command traffic
// on the account's shared client. One folder at a time per service.
type IdleService struct {
	client *Client
	logger *logrus.Logger

	mu     sync.Mutex
	active bool
	folder string

	// Per-session lifetime handles, replaced on every start. The loop
	// goroutines receive the session's folder, tag, and handles as
	// arguments and never take mu, so Stop holds mu for its whole
	// drain and a concurrent Start serializes behind it.
	stopCh chan struct{}
	doneWg *sync.WaitGroup

	cbMu      sync.Mutex
	callbacks []NotificationCallback

	hbMu          sync.Mutex
	lastHeartbeat time.Time

	// Tunables, overridden in tests. The heartbeat ceiling stays well
	// below the 29-minute protocol maximum for one IDLE.
	readTimeout       time.Duration
	heartbeatInterval time.Duration
	heartbeatCeiling  time.Duration
}

// NewIdleService creates a monitor over its own dedicated client.
func NewIdleService(client *Client, logger *logrus.Logger) *IdleService {
	return &IdleService{
		client:            client,
		logger:            logger,
		readTimeout:       30 * time.Second,
		heartbeatInterval: 30 * time.Second,
		heartbeatCeiling:  25 * time.Minute,
	}
}

// AddCallback registers a notification listener.
func (s *IdleService) AddCallback(cb NotificationCallback) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// Stats returns the monitor's current state.
func (s *IdleService) Stats() IdleStats {
	s.mu.Lock()
	stats := IdleStats{Active: s.active, Folder: s.folder}
	s.mu.Unlock()

	s.cbMu.Lock()
	stats.CallbackCount = len(s.callbacks)
	s.cbMu.Unlock()
	return stats
}

// Start selects the folder on the dedicated connection, issues IDLE,
// and spawns the listener and heartbeat loops. Starting while a
// monitor is active is an error.
func (s *IdleService) Start(folder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return newErrorf(KindInvalidState, "already monitoring folder %q", s.folder)
	}
	return s.startLocked(folder)
}

func (s *IdleService) startLocked(folder string) error {
	if err := s.client.Connect(); err != nil {
		return fmt.Errorf("idle connect failed: %w", err)
	}
	if err := s.client.Authenticate(); err != nil {
		return fmt.Errorf("idle authenticate failed: %w", err)
	}
	if !s.client.Supports(CapIdle) {
		return newError(KindNotSupported, "server does not advertise IDLE")
	}
	if _, err := s.client.SelectFolder(folder); err != nil {
		return fmt.Errorf("idle select failed: %w", err)
	}

	// IDLE holds the connection open past Execute's request/response
	// cycle, so the command goes out raw and the continuation is read
	// directly.
	s.client.mu.Lock()
	conn := s.client.conn
	tag := conn.nextTag()
	err := conn.Send(tag + " " + FormatIdle())
	if err == nil {
		var line string
		line, err = conn.ReadLine(conn.timeout)
		if err == nil && !strings.HasPrefix(line, "+") {
			err = newErrorf(KindProtocol, "IDLE not acknowledged: %q", line)
		}
	}
	s.client.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to enter IDLE: %w", err)
	}

	s.active = true
	s.folder = folder
	s.stopCh = make(chan struct{})
	s.doneWg = &sync.WaitGroup{}
	s.setHeartbeat(time.Now())

	s.doneWg.Add(2)
	go s.listen(conn, s.stopCh, s.doneWg, folder, tag)
	go s.monitorHeartbeat(s.stopCh, s.doneWg, folder)

	s.logger.WithFields(logrus.Fields{
		"account": s.client.AccountName(),
		"folder":  folder,
	}).Info("IDLE monitoring started")
	return nil
}

// Stop terminates the listen loop and returns the service to idle.
func (s *IdleService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *IdleService) stopLocked() error {
	if !s.active {
		return nil
	}
	s.active = false
	s.folder = ""
	close(s.stopCh)

	// Best effort: the connection may already be gone.
	s.client.mu.Lock()
	_ = s.client.conn.Send(FormatDone())
	s.client.mu.Unlock()

	s.doneWg.Wait()

	s.logger.WithField("account", s.client.AccountName()).Info("IDLE monitoring stopped")
	return nil
}

// listen reads pushes until stopped. Bounded-timeout reads keep the
// loop responsive to stop requests; a genuine connection failure
// triggers the single automatic restart.
func (s *IdleService) listen(conn *Conn, stopCh chan struct{}, done *sync.WaitGroup, folder, tag string) {
	defer done.Done()
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		line, err := conn.ReadLine(s.readTimeout)
		if err != nil {
			if IsTimeout(err) {
				continue // nothing pushed, keep listening
			}
			select {
			case <-stopCh:
				return // Stop closed the socket under us
			default:
			}
			s.logger.WithError(err).Warn("IDLE connection lost")
			s.dispatch(Notification{Type: NotifyConnectionLost, Folder: folder})
			go s.restart()
			return
		}

		s.setHeartbeat(time.Now())

		if strings.HasPrefix(line, tag) {
			return // tagged completion after DONE
		}
		if n, ok := parseIdleLine(line); ok {
			n.Folder = folder
			s.dispatch(n)
		}
	}
}

// monitorHeartbeat wakes on a fixed interval and, when the elapsed time
// since the last successful read exceeds the ceiling, emits exactly one
// timeout notification and triggers the single restart attempt.
func (s *IdleService) monitorHeartbeat(stopCh chan struct{}, done *sync.WaitGroup, folder string) {
	defer done.Done()
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if time.Since(s.heartbeat()) <= s.heartbeatCeiling {
				continue
			}
			s.logger.WithField("folder", folder).Warn("IDLE heartbeat timeout")
			s.dispatch(Notification{Type: NotifyTimeout, Folder: folder})
			go s.restart()
			return
		}
	}
}

// restart performs the one automatic stop-then-start for the same
// folder. A restart failure is surfaced to callbacks as a hard error
// and not retried.
func (s *IdleService) restart() {
	s.mu.Lock()
	folder := s.folder
	if folder == "" {
		// Stopped while this restart was pending.
		s.mu.Unlock()
		return
	}
	s.stopLocked()
	_ = s.client.Close()
	err := s.startLocked(folder)
	s.mu.Unlock()

	if err != nil {
		s.logger.WithError(err).WithField("folder", folder).Error("IDLE restart failed")
		s.dispatch(Notification{
			Type:   NotifyConnectionLost,
			Folder: folder,
			Err:    fmt.Errorf("idle restart failed: %w", err),
		})
	}
}

func (s *IdleService) dispatch(n Notification) {
	s.cbMu.Lock()
	callbacks := make([]NotificationCallback, len(s.callbacks))
	copy(callbacks, s.callbacks)
	s.cbMu.Unlock()
	for _, cb := range callbacks {
		cb(n)
	}
}

func (s *IdleService) setHeartbeat(t time.Time) {
	s.hbMu.Lock()
	s.lastHeartbeat = t
	s.hbMu.Unlock()
}

func (s *IdleService) heartbeat() time.Time {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	return s.lastHeartbeat
}

// parseIdleLine parses one unsolicited push line into a notification.
func parseIdleLine(line string) (Notification, bool) {
	if !strings.HasPrefix(line, "* ") {
		return Notification{}, false
	}
	fields := strings.Fields(line[2:])
	if len(fields) < 2 {
		return Notification{}, false
	}
	n, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return Notification{}, false
	}
	num := uint32(n)

	switch strings.ToUpper(fields[1]) {
	case "EXISTS":
		return Notification{Type: NotifyExists, Count: num}, true
	case "RECENT":
		return Notification{Type: NotifyRecent, Count: num}, true
	case "EXPUNGE":
		return Notification{Type: NotifyExpunge, Sequence: num}, true
	case "FETCH":
		notif := Notification{Type: NotifyFetch, Sequence: num}
		if uid, ok := fetchLineUID(line); ok {
			notif.UID = uid
		}
		return notif, true
	default:
		return Notification{}, false
	}
}

// fetchLineUID extracts the UID item from an unsolicited FETCH push.
func fetchLineUID(line string) (uint32, bool) {
	upper := strings.ToUpper(line)
	idx := strings.Index(upper, "UID ")
	if idx < 0 {
		return 0, false
	}
	rest := strings.TrimSpace(line[idx+4:])
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	uid, err := strconv.ParseUint(rest[:end], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(uid), true
}
