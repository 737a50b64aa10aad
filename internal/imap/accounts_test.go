package imap

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/config"
)

func poolConfig(server *scriptServer, maxConnections int, names ...string) *config.Config {
	cfg := &config.Config{MaxConnections: maxConnections}
	for _, name := range names {
		cfg.Accounts = append(cfg.Accounts, *server.account(name))
	}
	return cfg
}

func TestGetClientConnectsAndAuthenticates(t *testing.T) {
	server := startScriptServer(t, "* OK ready", defaultHandle("IMAP4REV1 AUTH=PLAIN"))
	manager, err := NewAccountManager(poolConfig(server, 2, "alpha"), testLogger())
	require.NoError(t, err)
	defer manager.CloseAll()

	client, err := manager.GetClient("alpha")
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, client.State())
	assert.Equal(t, 1, manager.PoolLen())
}

func TestGetClientSharesOneClientPerAccount(t *testing.T) {
	server := startScriptServer(t, "* OK ready", defaultHandle("IMAP4REV1 AUTH=PLAIN"))
	manager, err := NewAccountManager(poolConfig(server, 2, "alpha"), testLogger())
	require.NoError(t, err)
	defer manager.CloseAll()

	first, err := manager.GetClient("alpha")
	require.NoError(t, err)
	second, err := manager.GetClient("alpha")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, manager.PoolLen())
}

func TestGetClientUnknownAccount(t *testing.T) {
	server := startScriptServer(t, "* OK ready", defaultHandle("IMAP4REV1"))
	manager, err := NewAccountManager(poolConfig(server, 2, "alpha"), testLogger())
	require.NoError(t, err)
	defer manager.CloseAll()

	_, err = manager.GetClient("nope")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindNotFound))
}

func TestPoolEvictionClosesClient(t *testing.T) {
	server := startScriptServer(t, "* OK ready", defaultHandle("IMAP4REV1 AUTH=PLAIN"))
	manager, err := NewAccountManager(poolConfig(server, 1, "alpha", "beta"), testLogger())
	require.NoError(t, err)
	defer manager.CloseAll()

	first, err := manager.GetClient("alpha")
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, first.State())

	// Filling the single-slot pool with a second account evicts and
	// closes the first client.
	_, err = manager.GetClient("beta")
	require.NoError(t, err)
	assert.Equal(t, 1, manager.PoolLen())
	assert.Equal(t, StateDisconnected, first.State())
}

func TestEvictedClientHandleReconnects(t *testing.T) {
	server := startScriptServer(t, "* OK ready", defaultHandle("IMAP4REV1 AUTH=PLAIN"))
	manager, err := NewAccountManager(poolConfig(server, 1, "alpha", "beta"), testLogger())
	require.NoError(t, err)
	defer manager.CloseAll()

	first, err := manager.GetClient("alpha")
	require.NoError(t, err)
	_, err = manager.GetClient("beta")
	require.NoError(t, err)
	require.Equal(t, StateDisconnected, first.State())

	// The evicted handle stays usable: it reconnects on next use.
	require.NoError(t, first.Connect())
	require.NoError(t, first.Authenticate())
	assert.Equal(t, StateAuthenticated, first.State())
}

func TestGetClientAuthFailure(t *testing.T) {
	server := startScriptServer(t, "* OK ready", func(c *srvConn, line string) {
		fields := strings.SplitN(line, " ", 2)
		if len(fields) < 2 {
			return
		}
		tag, cmd := fields[0], strings.ToUpper(fields[1])
		switch {
		case strings.HasPrefix(cmd, "CAPABILITY"):
			c.send("* CAPABILITY IMAP4REV1 AUTH=PLAIN", tag+" OK done")
		case strings.HasPrefix(cmd, "AUTHENTICATE"):
			c.send(tag + " NO bad credentials")
		default:
			c.send(tag + " OK done")
		}
	})
	manager, err := NewAccountManager(poolConfig(server, 2, "alpha"), testLogger())
	require.NoError(t, err)
	defer manager.CloseAll()

	_, err = manager.GetClient("alpha")
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
}
