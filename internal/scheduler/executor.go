package scheduler

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/imap"
	"github.com/brandon/mailsync/internal/store"
	syncengine "github.com/brandon/mailsync/internal/sync"
)

// SyncExecutor dispatches tasks to the sync engine, the account
// manager's clients, and the message store.
type SyncExecutor struct {
	accounts *imap.AccountManager
	engine   *syncengine.Engine
	store    *store.Store
	logger   *logrus.Logger
}

// NewSyncExecutor wires the executor to its collaborators.
func NewSyncExecutor(accounts *imap.AccountManager, engine *syncengine.Engine, st *store.Store, logger *logrus.Logger) *SyncExecutor {
	return &SyncExecutor{
		accounts: accounts,
		engine:   engine,
		store:    st,
		logger:   logger,
	}
}

// Execute runs one task. The context is the scheduler's timeout/cancel
// signal; long multi-step operations check it between steps.
func (e *SyncExecutor) Execute(ctx context.Context, task *Task) (*ResultData, error) {
	switch task.Spec.Kind {
	case TaskAccountSync:
		return e.accountSync(task)
	case TaskFolderSync:
		return e.folderSync(task)
	case TaskFolderRefresh:
		return e.folderRefresh(task)
	case TaskSearch:
		return e.search(task)
	case TaskIndexing:
		return e.indexing()
	case TaskCacheWarm:
		return e.cacheWarm(ctx, task)
	default:
		return nil, fmt.Errorf("unknown task kind %q", task.Spec.Kind)
	}
}

func (e *SyncExecutor) accountSync(task *Task) (*ResultData, error) {
	client, err := e.accounts.GetClient(task.AccountID)
	if err != nil {
		return nil, err
	}
	results, err := e.engine.SyncAccount(client, task.AccountID, task.Spec.Strategy)
	if err != nil {
		return nil, err
	}
	return &ResultData{SyncResults: results}, nil
}

func (e *SyncExecutor) folderSync(task *Task) (*ResultData, error) {
	if task.FolderName == "" {
		return nil, fmt.Errorf("folder sync task missing folder name")
	}
	client, err := e.accounts.GetClient(task.AccountID)
	if err != nil {
		return nil, err
	}
	result, err := e.engine.SyncFolder(client, task.AccountID, task.FolderName, task.Spec.Strategy)
	if err != nil {
		return nil, err
	}
	return &ResultData{SyncResults: []*syncengine.Result{result}}, nil
}

// folderRefresh updates the stored checkpoint's counters from a STATUS
// query without selecting the folder or fetching messages.
func (e *SyncExecutor) folderRefresh(task *Task) (*ResultData, error) {
	if task.FolderName == "" {
		return nil, fmt.Errorf("folder refresh task missing folder name")
	}
	client, err := e.accounts.GetClient(task.AccountID)
	if err != nil {
		return nil, err
	}
	status, err := client.FolderStatus(task.FolderName)
	if err != nil {
		return nil, err
	}

	state, err := e.store.GetFolderSyncState(task.AccountID, task.FolderName)
	if err != nil {
		return nil, err
	}
	if state == nil {
		// No sync has run yet; a refresh alone cannot establish a
		// checkpoint epoch.
		return &ResultData{Message: fmt.Sprintf("folder %s not yet synced", task.FolderName)}, nil
	}
	state.MessageCount = status.Exists
	state.UnreadCount = status.Unseen
	state.UIDNext = status.UIDNext
	if status.HighestModSeq > 0 {
		state.HighestModSeq = status.HighestModSeq
	}
	if err := e.store.UpdateFolderSyncState(state); err != nil {
		return nil, err
	}
	return &ResultData{
		Message: fmt.Sprintf("folder %s refreshed: %d messages, %d unseen", task.FolderName, status.Exists, status.Unseen),
	}, nil
}

func (e *SyncExecutor) search(task *Task) (*ResultData, error) {
	if task.Spec.Query == "" {
		return nil, fmt.Errorf("search task missing query")
	}
	var accountID *string
	if task.AccountID != "" {
		accountID = &task.AccountID
	}
	matches, err := e.store.SearchFTS(task.Spec.Query, accountID, task.Spec.Limit)
	if err != nil {
		return nil, err
	}
	return &ResultData{Matches: matches}, nil
}

func (e *SyncExecutor) indexing() (*ResultData, error) {
	if err := e.store.RebuildSearchIndex(); err != nil {
		return nil, err
	}
	return &ResultData{Message: "search index rebuilt"}, nil
}

// cacheWarm runs a recent-window sync over the listed folders so their
// newest messages are locally available.
func (e *SyncExecutor) cacheWarm(ctx context.Context, task *Task) (*ResultData, error) {
	if len(task.Spec.Folders) == 0 {
		return nil, fmt.Errorf("cache warm task missing folder list")
	}
	client, err := e.accounts.GetClient(task.AccountID)
	if err != nil {
		return nil, err
	}

	strategy := task.Spec.Strategy
	if strategy.Kind != syncengine.StrategyRecent {
		strategy = syncengine.Strategy{Kind: syncengine.StrategyRecent, RecentDays: 7}
	}

	var results []*syncengine.Result
	for _, folder := range task.Spec.Folders {
		if err := ctx.Err(); err != nil {
			return &ResultData{SyncResults: results}, err
		}
		result, err := e.engine.SyncFolder(client, task.AccountID, folder, strategy)
		if err != nil {
			e.logger.WithError(err).WithFields(logrus.Fields{
				"account": task.AccountID,
				"folder":  folder,
			}).Warn("Cache warm skipped folder")
			continue
		}
		results = append(results, result)
	}
	return &ResultData{SyncResults: results}, nil
}
