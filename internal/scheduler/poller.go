package scheduler

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/config"
	syncengine "github.com/brandon/mailsync/internal/sync"
)

// Poller queues periodic re-sync tasks per account: priority folders at
// high priority, then a normal-priority incremental sweep of the whole
// account.
type Poller struct {
	scheduler *Scheduler
	cfg       *config.Config
	logger    *logrus.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPoller creates a stopped poller; call Start to begin ticking.
func NewPoller(scheduler *Scheduler, cfg *config.Config, logger *logrus.Logger) *Poller {
	return &Poller{
		scheduler: scheduler,
		cfg:       cfg,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Start launches one ticking loop per configured account.
func (p *Poller) Start() {
	for i := range p.cfg.Accounts {
		account := &p.cfg.Accounts[i]
		p.wg.Add(1)
		go p.pollAccount(account)
	}
	p.logger.WithField("accounts", len(p.cfg.Accounts)).Info("Periodic sync poller started")
}

// Stop halts all account loops.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Poller) pollAccount(account *config.AccountConfig) {
	defer p.wg.Done()
	ticker := time.NewTicker(account.SyncInterval())
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.queueAccountSync(account)
		}
	}
}

func (p *Poller) queueAccountSync(account *config.AccountConfig) {
	for _, folder := range account.PriorityFolders {
		_, err := p.scheduler.Queue(&Task{
			Name:       "periodic priority folder sync",
			Priority:   PriorityHigh,
			AccountID:  account.Name,
			FolderName: folder,
			Spec: TaskSpec{
				Kind:     TaskFolderSync,
				Strategy: syncengine.Strategy{Kind: syncengine.StrategyIncremental},
			},
		})
		if err != nil {
			p.logger.WithError(err).WithFields(logrus.Fields{
				"account": account.Name,
				"folder":  folder,
			}).Warn("Failed to queue priority folder sync")
		}
	}

	_, err := p.scheduler.Queue(&Task{
		Name:      "periodic account sync",
		Priority:  PriorityNormal,
		AccountID: account.Name,
		Spec: TaskSpec{
			Kind:     TaskAccountSync,
			Strategy: syncengine.Strategy{Kind: syncengine.StrategyIncremental},
		},
	})
	if err != nil {
		p.logger.WithError(err).WithField("account", account.Name).Warn("Failed to queue account sync")
	}
}
