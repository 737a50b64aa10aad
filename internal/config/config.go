package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration
type Config struct {
	// Cache settings
	CachePath         string
	SearchResultLimit int
	LogLevel          string

	// Connection pool
	MaxConnections int

	// Background scheduler settings
	MaxConcurrentTasks int
	TaskTimeoutSeconds int
	MaxQueueDepth      int
	ResultCacheSize    int

	// Accounts
	Accounts []AccountConfig
}

// AccountConfig holds configuration for a single mail account
type AccountConfig struct {
	Name string

	Host     string
	Port     int
	Username string

	// Exactly one of Password / Token is set. Token selects XOAUTH2.
	Password string
	Token    string

	UseTLS         bool
	UseStartTLS    bool
	TLSSkipVerify  bool
	TimeoutSeconds int

	// Folders synced with elevated priority by the periodic scheduler
	PriorityFolders []string
	// Interval between periodic re-sync checks
	SyncIntervalSeconds int
}

// Timeout returns the per-operation network timeout for this account.
func (a *AccountConfig) Timeout() time.Duration {
	if a.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// SyncInterval returns the periodic re-sync interval for this account.
func (a *AccountConfig) SyncInterval() time.Duration {
	if a.SyncIntervalSeconds <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(a.SyncIntervalSeconds) * time.Second
}

// UsesTLS reports whether the connection starts as TLS. The well-known
// secure port always gets TLS even when not explicitly configured.
func (a *AccountConfig) UsesTLS() bool {
	return a.UseTLS || a.Port == 993
}

// UsesToken reports whether the account authenticates with an external token.
func (a *AccountConfig) UsesToken() bool {
	return a.Token != ""
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		CachePath:          getEnv("CACHE_PATH", "/data/mail_cache.db"),
		SearchResultLimit:  getEnvInt("SEARCH_RESULT_LIMIT", 100),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		MaxConnections:     getEnvInt("MAX_CONNECTIONS", 10),
		MaxConcurrentTasks: getEnvInt("MAX_CONCURRENT_TASKS", 3),
		TaskTimeoutSeconds: getEnvInt("TASK_TIMEOUT_SECONDS", 300),
		MaxQueueDepth:      getEnvInt("MAX_QUEUE_DEPTH", 100),
		ResultCacheSize:    getEnvInt("RESULT_CACHE_SIZE", 50),
	}

	accounts, err := loadAccounts()
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}

	if len(accounts) == 0 {
		return nil, fmt.Errorf("no mail accounts configured")
	}

	cfg.Accounts = accounts
	return cfg, nil
}

// loadAccounts loads mail account configurations from environment variables
func loadAccounts() ([]AccountConfig, error) {
	var accounts []AccountConfig

	// Single account configuration (IMAP_HOST etc.)
	if getEnv("IMAP_HOST", "") != "" {
		account, err := loadAccount("", getEnv("ACCOUNT_NAME", "default"))
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
		return accounts, nil
	}

	// Multiple accounts (ACCOUNT_1_*, ACCOUNT_2_*, etc.)
	accountNum := 1
	for {
		prefix := fmt.Sprintf("ACCOUNT_%d_", accountNum)
		name := getEnv(prefix+"NAME", "")
		if name == "" {
			break // No more accounts
		}
		account, err := loadAccount(prefix, name)
		if err != nil {
			return nil, fmt.Errorf("account %d: %w", accountNum, err)
		}
		accounts = append(accounts, *account)
		accountNum++
	}

	if len(accounts) == 0 {
		return nil, fmt.Errorf("no accounts found in environment variables")
	}

	return accounts, nil
}

// loadAccount loads one account using the given environment prefix
func loadAccount(prefix, name string) (*AccountConfig, error) {
	host := getEnv(prefix+"IMAP_HOST", "")
	if host == "" {
		return nil, fmt.Errorf("IMAP_HOST is required")
	}

	username := getEnv(prefix+"IMAP_USERNAME", "")
	if username == "" {
		return nil, fmt.Errorf("IMAP_USERNAME is required")
	}

	password := getEnv(prefix+"IMAP_PASSWORD", "")
	token := getEnv(prefix+"IMAP_TOKEN", "")
	if password == "" && token == "" {
		return nil, fmt.Errorf("one of IMAP_PASSWORD or IMAP_TOKEN is required")
	}
	if password != "" && token != "" {
		return nil, fmt.Errorf("IMAP_PASSWORD and IMAP_TOKEN are mutually exclusive")
	}

	return &AccountConfig{
		Name:                name,
		Host:                host,
		Port:                getEnvInt(prefix+"IMAP_PORT", 993),
		Username:            username,
		Password:            password,
		Token:               token,
		UseTLS:              getEnvBool(prefix+"IMAP_TLS", false),
		UseStartTLS:         getEnvBool(prefix+"IMAP_STARTTLS", false),
		TLSSkipVerify:       getEnvBool(prefix+"IMAP_TLS_SKIP_VERIFY", false),
		TimeoutSeconds:      getEnvInt(prefix+"IMAP_TIMEOUT_SECONDS", 30),
		PriorityFolders:     getEnvList(prefix+"PRIORITY_FOLDERS", []string{"INBOX"}),
		SyncIntervalSeconds: getEnvInt(prefix+"SYNC_INTERVAL_SECONDS", 900),
	}, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool gets an environment variable as a boolean or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvList gets a comma-separated environment variable as a list
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	list := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			list = append(list, p)
		}
	}
	if len(list) == 0 {
		return defaultValue
	}
	return list
}

// GetAccountByName finds an account by name
func (c *Config) GetAccountByName(name string) (*AccountConfig, error) {
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i], nil
		}
	}
	return nil, fmt.Errorf("account not found: %s", name)
}

// AccountNames returns a list of all account names
func (c *Config) AccountNames() []string {
	names := make([]string, len(c.Accounts))
	for i := range c.Accounts {
		names[i] = c.Accounts[i].Name
	}
	return names
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.CachePath == "" {
		return fmt.Errorf("CACHE_PATH is required")
	}

	if c.SearchResultLimit < 1 || c.SearchResultLimit > 1000 {
		return fmt.Errorf("SEARCH_RESULT_LIMIT must be between 1 and 1000")
	}

	if c.MaxConnections < 1 {
		return fmt.Errorf("MAX_CONNECTIONS must be at least 1")
	}

	if c.MaxConcurrentTasks < 1 {
		return fmt.Errorf("MAX_CONCURRENT_TASKS must be at least 1")
	}

	if c.MaxQueueDepth < 1 {
		return fmt.Errorf("MAX_QUEUE_DEPTH must be at least 1")
	}

	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account must be configured")
	}

	for i := range c.Accounts {
		acc := &c.Accounts[i]
		if acc.Host == "" {
			return fmt.Errorf("account %s: IMAP_HOST is required", acc.Name)
		}
		if acc.Port < 1 || acc.Port > 65535 {
			return fmt.Errorf("account %s: invalid IMAP_PORT", acc.Name)
		}
		if acc.Username == "" {
			return fmt.Errorf("account %s: IMAP_USERNAME is required", acc.Name)
		}
		if acc.Password == "" && acc.Token == "" {
			return fmt.Errorf("account %s: no credential configured", acc.Name)
		}
	}

	return nil
}
