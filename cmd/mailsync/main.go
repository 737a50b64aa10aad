package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/imap"
	"github.com/brandon/mailsync/internal/rpc"
	"github.com/brandon/mailsync/internal/scheduler"
	"github.com/brandon/mailsync/internal/store"
	syncengine "github.com/brandon/mailsync/internal/sync"
)

var (
	version     = "dev"
	showVersion = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailsync version %s\n", version)
		os.Exit(0)
	}
	// Set up logging
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stderr)

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	// Set log level
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.Info("Starting mailsync")

	// Initialize message store
	db, err := store.OpenDB(cfg.CachePath, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open message store")
	}
	defer db.Close()
	messageStore := store.NewStore(db, logger)

	// Connection pool over the configured accounts
	accounts, err := imap.NewAccountManager(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create account manager")
	}
	defer accounts.CloseAll()

	// Sync engine and background scheduler
	engine := syncengine.NewEngine(messageStore, syncengine.MergeFlags, logger)
	executor := scheduler.NewSyncExecutor(accounts, engine, messageStore, logger)
	sched, err := scheduler.NewScheduler(executor, scheduler.SettingsFromConfig(cfg), logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create scheduler")
	}
	sched.Start()
	defer sched.Stop()

	// Periodic re-sync ticking per account
	poller := scheduler.NewPoller(sched, cfg, logger)
	poller.Start()
	defer poller.Stop()

	// IDLE monitors, one dedicated connection per account, feeding
	// folder refresh tasks back into the scheduler
	idleServices := startIdleMonitors(cfg, accounts, sched, logger)
	defer func() {
		for _, service := range idleServices {
			_ = service.Stop()
		}
	}()

	// RPC surface over stdio
	server := rpc.NewServer(sched, idleServices, logger)

	// Set up signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Run server in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := server.Run(ctx, os.Stdin, os.Stdout); err != nil {
			errChan <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	case err := <-errChan:
		logger.WithError(err).Error("Server error")
		cancel()
	}

	logger.Info("Shutting down mailsync")
}

// startIdleMonitors starts one IDLE monitor per account over its first
// priority folder. Notifications queue high-priority folder syncs so
// pushed changes land in the store promptly.
func startIdleMonitors(cfg *config.Config, accounts *imap.AccountManager, sched *scheduler.Scheduler, logger *logrus.Logger) map[string]*imap.IdleService {
	services := make(map[string]*imap.IdleService)
	for i := range cfg.Accounts {
		account := &cfg.Accounts[i]
		if len(account.PriorityFolders) == 0 {
			continue
		}
		folder := account.PriorityFolders[0]

		client, err := accounts.NewDedicatedClient(account.Name)
		if err != nil {
			logger.WithError(err).WithField("account", account.Name).Warn("Skipping IDLE monitor")
			continue
		}

		service := imap.NewIdleService(client, logger)
		accountName := account.Name
		service.AddCallback(func(n imap.Notification) {
			if n.Err != nil {
				logger.WithError(n.Err).WithField("account", accountName).Error("IDLE monitor gave up")
				return
			}
			switch n.Type {
			case imap.NotifyExists, imap.NotifyRecent, imap.NotifyExpunge, imap.NotifyFetch:
				_, err := sched.Queue(&scheduler.Task{
					Name:       "push-triggered folder sync",
					Priority:   scheduler.PriorityHigh,
					AccountID:  accountName,
					FolderName: n.Folder,
					Spec: scheduler.TaskSpec{
						Kind:     scheduler.TaskFolderSync,
						Strategy: syncengine.Strategy{Kind: syncengine.StrategyIncremental},
					},
				})
				if err != nil {
					logger.WithError(err).WithField("account", accountName).Warn("Failed to queue push-triggered sync")
				}
			}
		})

		if err := service.Start(folder); err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"account": account.Name,
				"folder":  folder,
			}).Warn("Failed to start IDLE monitor")
			continue
		}
		services[account.Name] = service
	}
	return services
}
