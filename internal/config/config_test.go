package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigSingleAccount(t *testing.T) {
	t.Setenv("IMAP_HOST", "imap.example.com")
	t.Setenv("IMAP_USERNAME", "user@example.com")
	t.Setenv("IMAP_PASSWORD", "secret")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Len(t, cfg.Accounts, 1)

	account := cfg.Accounts[0]
	assert.Equal(t, "default", account.Name)
	assert.Equal(t, "imap.example.com", account.Host)
	assert.Equal(t, 993, account.Port)
	assert.Equal(t, "user@example.com", account.Username)
	assert.Equal(t, []string{"INBOX"}, account.PriorityFolders)
	assert.Equal(t, 30*time.Second, account.Timeout())
	assert.Equal(t, 15*time.Minute, account.SyncInterval())
	assert.True(t, account.UsesTLS()) // port 993 implies TLS
	assert.False(t, account.UsesToken())

	// Scheduler defaults.
	assert.Equal(t, 3, cfg.MaxConcurrentTasks)
	assert.Equal(t, 300, cfg.TaskTimeoutSeconds)
	assert.Equal(t, 100, cfg.MaxQueueDepth)
	assert.Equal(t, 50, cfg.ResultCacheSize)
}

func TestLoadConfigMultipleAccounts(t *testing.T) {
	t.Setenv("ACCOUNT_1_NAME", "work")
	t.Setenv("ACCOUNT_1_IMAP_HOST", "imap.work.com")
	t.Setenv("ACCOUNT_1_IMAP_USERNAME", "me@work.com")
	t.Setenv("ACCOUNT_1_IMAP_PASSWORD", "workpass")
	t.Setenv("ACCOUNT_1_PRIORITY_FOLDERS", "INBOX, Sent ,Drafts")
	t.Setenv("ACCOUNT_2_NAME", "personal")
	t.Setenv("ACCOUNT_2_IMAP_HOST", "imap.gmail.com")
	t.Setenv("ACCOUNT_2_IMAP_USERNAME", "me@gmail.com")
	t.Setenv("ACCOUNT_2_IMAP_TOKEN", "ya29.token")
	t.Setenv("ACCOUNT_2_SYNC_INTERVAL_SECONDS", "120")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Len(t, cfg.Accounts, 2)

	assert.Equal(t, []string{"work", "personal"}, cfg.AccountNames())
	assert.Equal(t, []string{"INBOX", "Sent", "Drafts"}, cfg.Accounts[0].PriorityFolders)
	assert.True(t, cfg.Accounts[1].UsesToken())
	assert.Equal(t, 2*time.Minute, cfg.Accounts[1].SyncInterval())

	work, err := cfg.GetAccountByName("work")
	require.NoError(t, err)
	assert.Equal(t, "imap.work.com", work.Host)

	_, err = cfg.GetAccountByName("missing")
	require.Error(t, err)
}

func TestLoadConfigNoAccounts(t *testing.T) {
	_, err := LoadConfig()
	require.Error(t, err)
}

func TestLoadConfigMissingUsername(t *testing.T) {
	t.Setenv("IMAP_HOST", "imap.example.com")
	t.Setenv("IMAP_PASSWORD", "secret")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IMAP_USERNAME")
}

func TestLoadConfigMissingCredential(t *testing.T) {
	t.Setenv("IMAP_HOST", "imap.example.com")
	t.Setenv("IMAP_USERNAME", "user@example.com")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IMAP_PASSWORD or IMAP_TOKEN")
}

func TestLoadConfigPasswordAndTokenExclusive(t *testing.T) {
	t.Setenv("IMAP_HOST", "imap.example.com")
	t.Setenv("IMAP_USERNAME", "user@example.com")
	t.Setenv("IMAP_PASSWORD", "secret")
	t.Setenv("IMAP_TOKEN", "ya29.token")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestUsesTLS(t *testing.T) {
	assert.True(t, (&AccountConfig{Port: 993}).UsesTLS())
	assert.True(t, (&AccountConfig{Port: 143, UseTLS: true}).UsesTLS())
	assert.False(t, (&AccountConfig{Port: 143}).UsesTLS())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			CachePath:          "/data/mail.db",
			SearchResultLimit:  100,
			MaxConnections:     5,
			MaxConcurrentTasks: 3,
			MaxQueueDepth:      50,
			Accounts: []AccountConfig{{
				Name: "work", Host: "imap.work.com", Port: 993,
				Username: "me@work.com", Password: "secret",
			}},
		}
	}

	require.NoError(t, valid().Validate())

	cfg := valid()
	cfg.CachePath = ""
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.SearchResultLimit = 0
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.MaxConnections = 0
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Accounts[0].Port = 70000
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Accounts[0].Password = ""
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Accounts = nil
	assert.Error(t, cfg.Validate())
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STR", "value")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BAD_INT", "not-a-number")
	t.Setenv("TEST_BOOL", "true")
	t.Setenv("TEST_LIST", "a, b ,, c")

	assert.Equal(t, "value", getEnv("TEST_STR", "fallback"))
	assert.Equal(t, "fallback", getEnv("TEST_UNSET", "fallback"))
	assert.Equal(t, 42, getEnvInt("TEST_INT", 7))
	assert.Equal(t, 7, getEnvInt("TEST_BAD_INT", 7))
	assert.True(t, getEnvBool("TEST_BOOL", false))
	assert.Equal(t, []string{"a", "b", "c"}, getEnvList("TEST_LIST", nil))
	assert.Equal(t, []string{"INBOX"}, getEnvList("TEST_UNSET", []string{"INBOX"}))
}
