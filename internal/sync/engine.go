package sync

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/imap"
	"github.com/brandon/mailsync/pkg/types"
)

// Storage is the narrow interface the engine needs from the message
// store. The engine never issues SQL itself.
type Storage interface {
	StoreMessage(msg *types.Message) error
	GetMessageByUID(accountID, folderName string, uid uint32) (*types.Message, error)
	DeleteMessagesByUIDs(accountID, folderName string, uids []uint32) error
	UpdateFolderSyncState(state *types.FolderSyncState) error
	GetFolderSyncState(accountID, folderName string) (*types.FolderSyncState, error)
}

// Mailbox is the slice of the IMAP client the engine drives. Satisfied
// by *imap.Client.
type Mailbox interface {
	SelectFolder(name string) (*imap.Folder, error)
	ListFolders(pattern string) ([]imap.Folder, error)
	UIDSearch(criteria string) ([]uint32, error)
	UIDFetch(set, items string) ([]*imap.Message, error)
	Supports(cap imap.Capability) bool
}

// StrategyKind selects the sync algorithm.
type StrategyKind int

const (
	// StrategyFull re-fetches every message with its body.
	StrategyFull StrategyKind = iota
	// StrategyIncremental fetches only changes since the checkpoint,
	// via CONDSTORE when advertised and a UID-range search otherwise.
	StrategyIncremental
	// StrategyHeadersOnly fetches envelope/flags/size, never bodies.
	StrategyHeadersOnly
	// StrategyRecent fetches messages newer than a cutoff.
	StrategyRecent
)

func (k StrategyKind) String() string {
	switch k {
	case StrategyFull:
		return "full"
	case StrategyIncremental:
		return "incremental"
	case StrategyHeadersOnly:
		return "headers-only"
	case StrategyRecent:
		return "recent"
	default:
		return "unknown"
	}
}

// Strategy is a sync request: the algorithm plus its parameters.
type Strategy struct {
	Kind       StrategyKind `json:"kind"`
	RecentDays int          `json:"recent_days,omitempty"`
}

// ConflictPolicy is the rule applied when a fetched message collides
// with a stored local copy during incremental sync.
type ConflictPolicy int

const (
	// ServerWins overwrites the local copy.
	ServerWins ConflictPolicy = iota
	// LocalWins discards the server version.
	LocalWins
	// MergeFlags unions the two flag sets and bumps the local version
	// counter. Subject/body differences are not reconciled.
	MergeFlags
	// AskUser defers to interactive resolution, which lives outside
	// this core; until then it behaves as ServerWins.
	AskUser
)

// Phase names one step of a sync's monotonic progress sequence.
type Phase string

const (
	PhaseInitializing    Phase = "initializing"
	PhaseCheckingFolders Phase = "checking-folders"
	PhaseFetchingHeaders Phase = "fetching-headers"
	PhaseFetchingBodies  Phase = "fetching-bodies"
	PhaseProcessing      Phase = "processing-changes"
	PhaseComplete        Phase = "complete"
	PhaseError           Phase = "error"
)

// Progress is one event on the engine's progress stream. Estimated
// completion is linear extrapolation of the observed per-message rate,
// zero until at least one message has been processed.
type Progress struct {
	AccountID  string    `json:"account_id"`
	FolderName string    `json:"folder_name"`
	Phase      Phase     `json:"phase"`
	Processed  int       `json:"processed"`
	Total      int       `json:"total"`
	Estimated  time.Time `json:"estimated_completion,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Result summarizes one folder sync.
type Result struct {
	AccountID  string        `json:"account_id"`
	FolderName string        `json:"folder_name"`
	Strategy   string        `json:"strategy"`
	Processed  int           `json:"processed"`
	Total      int           `json:"total"`
	NewCount   int           `json:"new_count"`
	Updated    int           `json:"updated_count"`
	Duration   time.Duration `json:"duration"`
}

// Engine reconciles local storage with server state. Work on the same
// (account, folder) pair is serialized by a per-pair lock; different
// folders sync concurrently.
type Engine struct {
	store  Storage
	logger *logrus.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	conflict ConflictPolicy

	batchSize       int
	headerBatchSize int
	batchPause      time.Duration

	progressCh chan Progress
}

// NewEngine creates a sync engine over the given store.
func NewEngine(store Storage, conflict ConflictPolicy, logger *logrus.Logger) *Engine {
	return &Engine{
		store:           store,
		logger:          logger,
		locks:           make(map[string]*sync.Mutex),
		conflict:        conflict,
		batchSize:       50,
		headerBatchSize: 100,
		batchPause:      100 * time.Millisecond,
		progressCh:      make(chan Progress, 256),
	}
}

// Progress returns the engine's progress event stream. Events are
// dropped, never blocked on, when no consumer keeps up.
func (e *Engine) Progress() <-chan Progress {
	return e.progressCh
}

func (e *Engine) publish(p Progress) {
	select {
	case e.progressCh <- p:
	default:
	}
}

// folderLock returns the mutex serializing work on one (account,
// folder) pair.
func (e *Engine) folderLock(accountID, folderName string) *sync.Mutex {
	key := accountID + "\x00" + folderName
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[key] = lock
	}
	return lock
}

// SyncAccount syncs every selectable folder of the account. Individual
// folder failures are logged and skipped; connection or authentication
// failures abort the whole account sync.
func (e *Engine) SyncAccount(mbox Mailbox, accountID string, strategy Strategy) ([]*Result, error) {
	folders, err := mbox.ListFolders("*")
	if err != nil {
		return nil, fmt.Errorf("failed to list folders for %s: %w", accountID, err)
	}

	var results []*Result
	for i := range folders {
		folder := &folders[i]
		if folder.HasAttribute("Noselect") {
			continue
		}
		result, err := e.SyncFolder(mbox, accountID, folder.Name, strategy)
		if err != nil {
			if imap.IsConnectionError(err) || imap.IsAuthError(err) {
				return results, fmt.Errorf("account sync aborted at folder %s: %w", folder.Name, err)
			}
			e.logger.WithError(err).WithFields(logrus.Fields{
				"account": accountID,
				"folder":  folder.Name,
			}).Warn("Folder sync failed, continuing with next folder")
			continue
		}
		results = append(results, result)
	}
	return results, nil
}

// SyncFolder syncs one folder under its per-pair lock. The checkpoint
// is re-read first: a UID-validity mismatch (or missing checkpoint)
// forces a full sync regardless of the requested strategy. The
// checkpoint is rewritten after the attempt whether or not it
// succeeded.
func (e *Engine) SyncFolder(mbox Mailbox, accountID, folderName string, strategy Strategy) (*Result, error) {
	lock := e.folderLock(accountID, folderName)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	e.publish(Progress{AccountID: accountID, FolderName: folderName, Phase: PhaseInitializing})

	checkpoint, err := e.store.GetFolderSyncState(accountID, folderName)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync checkpoint: %w", err)
	}

	e.publish(Progress{AccountID: accountID, FolderName: folderName, Phase: PhaseCheckingFolders})
	selected, err := mbox.SelectFolder(folderName)
	if err != nil {
		e.writeCheckpoint(accountID, folderName, checkpoint, selected, types.SyncError, err.Error())
		e.publish(Progress{AccountID: accountID, FolderName: folderName, Phase: PhaseError, Error: err.Error()})
		return nil, fmt.Errorf("failed to select %s: %w", folderName, err)
	}

	effective := strategy
	if checkpoint == nil || checkpoint.UIDValidity != selected.UIDValidity {
		if checkpoint != nil {
			e.logger.WithFields(logrus.Fields{
				"account": accountID,
				"folder":  folderName,
				"old":     checkpoint.UIDValidity,
				"new":     selected.UIDValidity,
			}).Info("UID validity changed, forcing full sync")
		}
		effective = Strategy{Kind: StrategyFull}
	}

	// Persist the in-progress status before any fetching, so concurrent
	// checkpoint readers observe the running sync.
	e.writeCheckpoint(accountID, folderName, checkpoint, selected, types.SyncSyncing, "")

	uids, fetchItems, batchSize, err := e.planSync(mbox, checkpoint, effective)
	if err != nil {
		e.writeCheckpoint(accountID, folderName, checkpoint, selected, types.SyncError, err.Error())
		e.publish(Progress{AccountID: accountID, FolderName: folderName, Phase: PhaseError, Error: err.Error()})
		return nil, err
	}

	result := &Result{
		AccountID:  accountID,
		FolderName: folderName,
		Strategy:   effective.Kind.String(),
		Total:      len(uids),
	}

	fetchPhase := PhaseFetchingBodies
	if effective.Kind == StrategyHeadersOnly {
		fetchPhase = PhaseFetchingHeaders
	}

	incremental := effective.Kind == StrategyIncremental
	for offset := 0; offset < len(uids); offset += batchSize {
		end := offset + batchSize
		if end > len(uids) {
			end = len(uids)
		}
		batch := uids[offset:end]

		e.publish(e.progressEvent(accountID, folderName, fetchPhase, result, start))
		messages, err := mbox.UIDFetch(imap.UIDSet(batch), fetchItems)
		if err != nil {
			e.writeCheckpoint(accountID, folderName, checkpoint, selected, types.SyncError, err.Error())
			e.publish(Progress{AccountID: accountID, FolderName: folderName, Phase: PhaseError, Error: err.Error()})
			return nil, fmt.Errorf("batch fetch failed: %w", err)
		}

		e.publish(e.progressEvent(accountID, folderName, PhaseProcessing, result, start))
		e.processBatch(accountID, folderName, messages, incremental, result)

		if end < len(uids) && e.batchPause > 0 {
			time.Sleep(e.batchPause) // bound server load between batches
		}
	}

	e.writeCheckpoint(accountID, folderName, checkpoint, selected, types.SyncComplete, "")
	result.Duration = time.Since(start)

	e.publish(Progress{
		AccountID:  accountID,
		FolderName: folderName,
		Phase:      PhaseComplete,
		Processed:  result.Processed,
		Total:      result.Total,
	})
	e.logger.WithFields(logrus.Fields{
		"account":   accountID,
		"folder":    folderName,
		"strategy":  result.Strategy,
		"processed": result.Processed,
		"total":     result.Total,
		"duration":  result.Duration.String(),
	}).Info("Folder sync complete")
	return result, nil
}

// planSync resolves the strategy into the UID set to fetch, the fetch
// item list, and the batch size.
func (e *Engine) planSync(mbox Mailbox, checkpoint *types.FolderSyncState, strategy Strategy) ([]uint32, string, int, error) {
	switch strategy.Kind {
	case StrategyFull:
		uids, err := mbox.UIDSearch(imap.SearchAll())
		if err != nil {
			return nil, "", 0, fmt.Errorf("full sync search failed: %w", err)
		}
		return uids, imap.FetchItemsFull, e.batchSize, nil

	case StrategyHeadersOnly:
		uids, err := mbox.UIDSearch(imap.SearchAll())
		if err != nil {
			return nil, "", 0, fmt.Errorf("headers sync search failed: %w", err)
		}
		return uids, imap.FetchItemsHeaders, e.headerBatchSize, nil

	case StrategyIncremental:
		if mbox.Supports(imap.CapCondStore) && checkpoint != nil && checkpoint.HighestModSeq > 0 {
			uids, err := mbox.UIDSearch(imap.SearchModSeq(checkpoint.HighestModSeq))
			if err != nil {
				return nil, "", 0, fmt.Errorf("modseq search failed: %w", err)
			}
			return uids, imap.FetchItemsFull, e.batchSize, nil
		}
		from := uint32(1)
		if checkpoint != nil && checkpoint.UIDNext > 0 {
			from = checkpoint.UIDNext
		}
		uids, err := mbox.UIDSearch(imap.SearchUIDFrom(from))
		if err != nil {
			return nil, "", 0, fmt.Errorf("uid range search failed: %w", err)
		}
		return uids, imap.FetchItemsFull, e.batchSize, nil

	case StrategyRecent:
		days := strategy.RecentDays
		if days <= 0 {
			days = 7
		}
		cutoff := time.Now().AddDate(0, 0, -days)
		uids, err := mbox.UIDSearch(imap.SearchSince(cutoff))
		if err != nil {
			return nil, "", 0, fmt.Errorf("recent search failed: %w", err)
		}
		return uids, imap.FetchItemsFull, e.batchSize, nil

	default:
		return nil, "", 0, fmt.Errorf("unknown sync strategy %d", strategy.Kind)
	}
}

// processBatch converts and stores one fetched batch. A single
// message's conversion or store failure is logged and skipped.
func (e *Engine) processBatch(accountID, folderName string, messages []*imap.Message, incremental bool, result *Result) {
	for _, msg := range messages {
		stored := toStoredMessage(accountID, folderName, msg)
		if stored == nil {
			e.logger.WithFields(logrus.Fields{
				"account": accountID,
				"folder":  folderName,
				"seq":     msg.SeqNum,
			}).Warn("Skipping message without UID")
			continue
		}

		if incremental {
			local, err := e.store.GetMessageByUID(accountID, folderName, stored.UID)
			if err != nil {
				e.logger.WithError(err).WithField("uid", stored.UID).Warn("Failed to read local copy, storing server version")
			} else if local != nil {
				resolved := e.resolveConflict(local, stored)
				if resolved == nil {
					result.Processed++
					continue // local wins, nothing to write
				}
				if err := e.store.StoreMessage(resolved); err != nil {
					e.logger.WithError(err).WithField("uid", stored.UID).Warn("Failed to store resolved message")
					continue
				}
				result.Processed++
				result.Updated++
				continue
			}
		}

		if err := e.store.StoreMessage(stored); err != nil {
			e.logger.WithError(err).WithField("uid", stored.UID).Warn("Failed to store message")
			continue
		}
		result.Processed++
		result.NewCount++
	}
}

// resolveConflict applies the configured policy. Returning nil means
// the local copy stands.
func (e *Engine) resolveConflict(local, incoming *types.Message) *types.Message {
	switch e.conflict {
	case LocalWins:
		return nil
	case MergeFlags:
		incoming.Flags = unionFlags(local.Flags, incoming.Flags)
		incoming.SyncVersion = local.SyncVersion + 1
		return incoming
	default: // ServerWins, AskUser
		incoming.SyncVersion = local.SyncVersion
		return incoming
	}
}

func unionFlags(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var union []string
	for _, flags := range [][]string{a, b} {
		for _, f := range flags {
			if !seen[f] {
				seen[f] = true
				union = append(union, f)
			}
		}
	}
	return union
}

// progressEvent builds a progress event with the extrapolated
// completion estimate.
func (e *Engine) progressEvent(accountID, folderName string, phase Phase, result *Result, start time.Time) Progress {
	p := Progress{
		AccountID:  accountID,
		FolderName: folderName,
		Phase:      phase,
		Processed:  result.Processed,
		Total:      result.Total,
	}
	if result.Processed > 0 && result.Total > result.Processed {
		perMessage := time.Since(start) / time.Duration(result.Processed)
		remaining := perMessage * time.Duration(result.Total-result.Processed)
		p.Estimated = time.Now().Add(remaining)
	}
	return p
}

// writeCheckpoint persists the folder's sync state after every
// attempt, so the stored status reflects the last outcome.
func (e *Engine) writeCheckpoint(accountID, folderName string, previous *types.FolderSyncState, selected *imap.Folder, status types.SyncStatus, lastError string) {
	state := &types.FolderSyncState{
		AccountID:  accountID,
		FolderName: folderName,
		LastSync:   time.Now(),
		Status:     status,
		LastError:  lastError,
	}
	if selected != nil {
		state.UIDValidity = selected.UIDValidity
		state.UIDNext = selected.UIDNext
		state.HighestModSeq = selected.HighestModSeq
		state.MessageCount = selected.Exists
		state.UnreadCount = selected.Unseen
	} else if previous != nil {
		state.UIDValidity = previous.UIDValidity
		state.UIDNext = previous.UIDNext
		state.HighestModSeq = previous.HighestModSeq
		state.MessageCount = previous.MessageCount
		state.UnreadCount = previous.UnreadCount
	}
	if err := e.store.UpdateFolderSyncState(state); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"account": accountID,
			"folder":  folderName,
		}).Error("Failed to persist sync checkpoint")
	}
}
