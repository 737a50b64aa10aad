package imap

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/config"
)

// Client composes a Conn and the codec into a request-scoped API. One
// Client is shared by all callers for an account; the mutex serializes
// operations so two commands never interleave on one connection.
type Client struct {
	mu     sync.Mutex
	conn   *Conn
	cfg    *config.AccountConfig
	logger *logrus.Logger

	caps     map[Capability]bool
	selected *Folder
}

// NewClient creates an unconnected Client for the given account.
func NewClient(cfg *config.AccountConfig, logger *logrus.Logger) *Client {
	return &Client{
		conn:   NewConn(cfg, logger),
		cfg:    cfg,
		logger: logger,
		caps:   make(map[Capability]bool),
	}
}

// AccountName returns the configured account name.
func (c *Client) AccountName() string { return c.cfg.Name }

// Connect opens the connection, upgrades with STARTTLS when configured,
// and refreshes the capability cache. No-op when already connected.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn.State() != StateDisconnected {
		return nil
	}
	if err := c.conn.Connect(); err != nil {
		return err
	}
	if err := c.refreshCapabilitiesLocked(); err != nil {
		c.conn.resetSocket()
		return err
	}

	if c.cfg.UseStartTLS && !c.cfg.UsesTLS() {
		if !c.caps[CapStartTLS] {
			c.conn.resetSocket()
			return newError(KindNotSupported, "server does not advertise STARTTLS")
		}
		if err := c.conn.StartTLS(); err != nil {
			return err
		}
		// Capabilities may legitimately differ after the upgrade.
		if err := c.refreshCapabilitiesLocked(); err != nil {
			c.conn.resetSocket()
			return err
		}
	}
	return nil
}

// Close disconnects. Safe to call at any time.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selected = nil
	return c.conn.Disconnect()
}

// State returns the connection lifecycle phase.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.State()
}

// Supports reports whether the server advertises the capability.
func (c *Client) Supports(cap Capability) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps[cap]
}

// Capabilities returns a copy of the cached capability set.
func (c *Client) Capabilities() map[Capability]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	caps := make(map[Capability]bool, len(c.caps))
	for k, v := range c.caps {
		caps[k] = v
	}
	return caps
}

// RefreshCapabilities re-queries the server's capability set.
func (c *Client) RefreshCapabilities() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshCapabilitiesLocked()
}

func (c *Client) refreshCapabilitiesLocked() error {
	// The greeting may already carry [CAPABILITY ...]; a fresh query is
	// still authoritative.
	lines, err := c.conn.Execute(FormatCapability())
	if err != nil {
		return fmt.Errorf("capability query failed: %w", err)
	}
	lines = append(lines, c.conn.Greeting())
	c.caps = ParseCapabilities(lines)
	return nil
}

// requireAuthenticated guards commands valid in Authenticated or
// Selected state.
func (c *Client) requireAuthenticated() error {
	switch c.conn.State() {
	case StateAuthenticated, StateSelected:
		return nil
	default:
		return newErrorf(KindInvalidState, "command requires authenticated state, currently %s", c.conn.State())
	}
}

// requireSelected guards message commands.
func (c *Client) requireSelected() error {
	if c.conn.State() != StateSelected {
		return newErrorf(KindInvalidState, "command requires a selected folder, currently %s", c.conn.State())
	}
	return nil
}

// SelectFolder selects the folder read-write and returns its counters.
func (c *Client) SelectFolder(name string) (*Folder, error) {
	return c.selectWith(name, FormatSelect(name))
}

// ExamineFolder selects the folder read-only.
func (c *Client) ExamineFolder(name string) (*Folder, error) {
	return c.selectWith(name, FormatExamine(name))
}

func (c *Client) selectWith(name, command string) (*Folder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireAuthenticated(); err != nil {
		return nil, err
	}
	lines, err := c.conn.Execute(command)
	if err != nil {
		if IsKind(err, KindServer) {
			return nil, wrapError(KindNotFound, fmt.Sprintf("folder %q not selectable", name), err)
		}
		return nil, err
	}
	folder := ParseSelectResponse(name, lines)
	c.conn.setState(StateSelected, name)
	c.selected = folder
	return folder, nil
}

// SelectedFolder returns the counters from the last select, or nil.
func (c *Client) SelectedFolder() *Folder {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// ListFolders lists folders matching the pattern ("*" for all).
func (c *Client) ListFolders(pattern string) ([]Folder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireAuthenticated(); err != nil {
		return nil, err
	}
	lines, err := c.conn.Execute(FormatList("", pattern))
	if err != nil {
		return nil, err
	}
	return ParseListResponse(lines)
}

// ListSubscribed lists subscribed folders matching the pattern.
func (c *Client) ListSubscribed(pattern string) ([]Folder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireAuthenticated(); err != nil {
		return nil, err
	}
	lines, err := c.conn.Execute(FormatLsub("", pattern))
	if err != nil {
		return nil, err
	}
	return ParseListResponse(lines)
}

// FolderStatus queries counters without selecting the folder.
func (c *Client) FolderStatus(name string) (*Folder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireAuthenticated(); err != nil {
		return nil, err
	}
	items := []string{"MESSAGES", "RECENT", "UNSEEN", "UIDVALIDITY", "UIDNEXT"}
	if c.caps[CapCondStore] {
		items = append(items, "HIGHESTMODSEQ")
	}
	lines, err := c.conn.Execute(FormatStatus(name, items))
	if err != nil {
		if IsKind(err, KindServer) {
			return nil, wrapError(KindNotFound, fmt.Sprintf("folder %q not found", name), err)
		}
		return nil, err
	}
	return ParseStatusResponse(lines)
}

// Search runs a sequence-number search in the selected folder.
func (c *Client) Search(criteria string) ([]uint32, error) {
	return c.search(FormatSearch(criteria))
}

// UIDSearch runs a UID search in the selected folder.
func (c *Client) UIDSearch(criteria string) ([]uint32, error) {
	return c.search(FormatUIDSearch(criteria))
}

func (c *Client) search(command string) ([]uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireSelected(); err != nil {
		return nil, err
	}
	lines, err := c.conn.Execute(command)
	if err != nil {
		return nil, err
	}
	return ParseSearchResponse(lines), nil
}

// Fetch fetches the given items for a sequence-number set.
func (c *Client) Fetch(set, items string) ([]*Message, error) {
	return c.fetch(FormatFetch(set, items))
}

// UIDFetch fetches the given items for a UID set.
func (c *Client) UIDFetch(set, items string) ([]*Message, error) {
	return c.fetch(FormatUIDFetch(set, items))
}

func (c *Client) fetch(command string) ([]*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireSelected(); err != nil {
		return nil, err
	}
	lines, err := c.conn.Execute(command)
	if err != nil {
		return nil, err
	}
	return ParseFetchResponse(lines)
}

// StoreFlags applies a flag action (+FLAGS/-FLAGS/FLAGS) to a
// sequence-number set.
func (c *Client) StoreFlags(set, action string, flags []string) error {
	return c.store(FormatStore(set, action, flags))
}

// UIDStoreFlags applies a flag action to a UID set.
func (c *Client) UIDStoreFlags(set, action string, flags []string) error {
	return c.store(FormatUIDStore(set, action, flags))
}

func (c *Client) store(command string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireSelected(); err != nil {
		return err
	}
	_, err := c.conn.Execute(command)
	return err
}

// Copy copies a sequence-number set into another folder.
func (c *Client) Copy(set, folder string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireSelected(); err != nil {
		return err
	}
	_, err := c.conn.Execute(FormatCopy(set, folder))
	return err
}

// UIDCopy copies a UID set into another folder.
func (c *Client) UIDCopy(set, folder string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireSelected(); err != nil {
		return err
	}
	_, err := c.conn.Execute(FormatUIDCopy(set, folder))
	return err
}

// MoveMessages moves a UID set into another folder, using the MOVE
// command when advertised and the COPY + delete-flag + EXPUNGE sequence
// otherwise.
func (c *Client) MoveMessages(uids []uint32, folder string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireSelected(); err != nil {
		return err
	}
	set := UIDSet(uids)

	if c.caps[CapMove] {
		_, err := c.conn.Execute(FormatUIDMove(set, folder))
		return err
	}

	if _, err := c.conn.Execute(FormatUIDCopy(set, folder)); err != nil {
		return fmt.Errorf("move fallback copy failed: %w", err)
	}
	if _, err := c.conn.Execute(FormatUIDStore(set, "+FLAGS", []string{FlagDeleted})); err != nil {
		return fmt.Errorf("move fallback flag failed: %w", err)
	}
	if _, err := c.conn.Execute(FormatExpunge()); err != nil {
		return fmt.Errorf("move fallback expunge failed: %w", err)
	}
	return nil
}

// Expunge permanently removes messages flagged deleted.
func (c *Client) Expunge() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireSelected(); err != nil {
		return err
	}
	_, err := c.conn.Execute(FormatExpunge())
	return err
}

// CreateFolder creates a folder.
func (c *Client) CreateFolder(name string) error {
	return c.folderCommand(FormatCreate(name))
}

// DeleteFolder deletes a folder.
func (c *Client) DeleteFolder(name string) error {
	return c.folderCommand(FormatDelete(name))
}

// RenameFolder renames a folder.
func (c *Client) RenameFolder(from, to string) error {
	return c.folderCommand(FormatRename(from, to))
}

// SubscribeFolder adds a folder to the subscription list.
func (c *Client) SubscribeFolder(name string) error {
	return c.folderCommand(FormatSubscribe(name))
}

// UnsubscribeFolder removes a folder from the subscription list.
func (c *Client) UnsubscribeFolder(name string) error {
	return c.folderCommand(FormatUnsubscribe(name))
}

func (c *Client) folderCommand(command string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireAuthenticated(); err != nil {
		return err
	}
	_, err := c.conn.Execute(command)
	return err
}

// Noop pings the server, keeping the connection alive.
func (c *Client) Noop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn.State() == StateDisconnected {
		return newError(KindInvalidState, "not connected")
	}
	_, err := c.conn.Execute(FormatNoop())
	return err
}
