package imap

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/config"
)

// AccountManager owns a bounded pool of Clients keyed by account name.
// Clients are created lazily and evicted least-recently-used when the
// pool is full; eviction closes the evicted connection. Callers still
// holding an evicted Client keep a usable handle that reconnects on
// next use.
type AccountManager struct {
	mu     sync.Mutex
	cfg    *config.Config
	logger *logrus.Logger
	pool   *lru.Cache[string, *Client]
}

// NewAccountManager creates a manager with a pool bounded by the
// configured maximum connection count.
func NewAccountManager(cfg *config.Config, logger *logrus.Logger) (*AccountManager, error) {
	pool, err := lru.NewWithEvict(cfg.MaxConnections, func(name string, client *Client) {
		logger.WithField("account", name).Debug("Evicting pooled IMAP client")
		if err := client.Close(); err != nil {
			logger.WithError(err).WithField("account", name).Warn("Failed to close evicted client")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client pool: %w", err)
	}
	return &AccountManager{cfg: cfg, logger: logger, pool: pool}, nil
}

// GetClient returns the shared Client for the account, connecting and
// authenticating it if needed. Connect and authenticate each run under
// their own bounded timeout and return distinguishable timeout errors,
// so callers can apply their own retry policy.
func (m *AccountManager) GetClient(accountID string) (*Client, error) {
	m.mu.Lock()
	client, ok := m.pool.Get(accountID)
	if !ok {
		account, err := m.cfg.GetAccountByName(accountID)
		if err != nil {
			m.mu.Unlock()
			return nil, newErrorf(KindNotFound, "unknown account %q", accountID)
		}
		client = NewClient(account, m.logger)
		m.pool.Add(accountID, client)
	}
	m.mu.Unlock()

	timeout := client.cfg.Timeout()
	if err := runWithTimeout(timeout, client.Connect); err != nil {
		if IsTimeout(err) {
			return nil, fmt.Errorf("connect to account %s timed out: %w", accountID, err)
		}
		return nil, fmt.Errorf("failed to connect account %s: %w", accountID, err)
	}
	if err := runWithTimeout(timeout, client.Authenticate); err != nil {
		if IsTimeout(err) {
			return nil, fmt.Errorf("authenticate account %s timed out: %w", accountID, err)
		}
		return nil, fmt.Errorf("failed to authenticate account %s: %w", accountID, err)
	}
	return client, nil
}

// NewDedicatedClient builds a Client outside the pool, for callers that
// must not share the account's pooled connection (the IDLE monitor).
func (m *AccountManager) NewDedicatedClient(accountID string) (*Client, error) {
	account, err := m.cfg.GetAccountByName(accountID)
	if err != nil {
		return nil, newErrorf(KindNotFound, "unknown account %q", accountID)
	}
	return NewClient(account, m.logger), nil
}

// CloseAll disconnects every pooled client.
func (m *AccountManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pool.Purge() // eviction callback closes each client
}

// PoolLen reports how many clients are currently pooled.
func (m *AccountManager) PoolLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pool.Len()
}

// runWithTimeout bounds a blocking call, converting expiry into a
// timeout error. The underlying call keeps running until its own
// network deadlines fire; the caller just stops waiting.
func runWithTimeout(timeout time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return newErrorf(KindTimeout, "operation exceeded %s", timeout)
	}
}
