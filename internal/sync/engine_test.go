package sync

import (
	"fmt"
	"io"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/imap"
	"github.com/brandon/mailsync/pkg/types"
)

// fakeMailbox is a scripted Mailbox that counts commands.
type fakeMailbox struct {
	folder      *imap.Folder
	folders     []imap.Folder
	uids        []uint32
	messages    map[uint32]*imap.Message
	condstore   bool
	fetchErr    error
	searchCalls atomic.Int32
	fetchCalls  atomic.Int32

	mu         stdsync.Mutex
	searches   []string
	fetchItems []string

	// selectHook runs inside SelectFolder, for serialization probes.
	selectHook func()
}

func (f *fakeMailbox) SelectFolder(name string) (*imap.Folder, error) {
	if f.selectHook != nil {
		f.selectHook()
	}
	return f.folder, nil
}

func (f *fakeMailbox) ListFolders(pattern string) ([]imap.Folder, error) {
	return f.folders, nil
}

func (f *fakeMailbox) UIDSearch(criteria string) ([]uint32, error) {
	f.searchCalls.Add(1)
	f.mu.Lock()
	f.searches = append(f.searches, criteria)
	f.mu.Unlock()
	return f.uids, nil
}

func (f *fakeMailbox) UIDFetch(set, items string) ([]*imap.Message, error) {
	f.fetchCalls.Add(1)
	f.mu.Lock()
	f.fetchItems = append(f.fetchItems, items)
	f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []*imap.Message
	for _, uid := range f.uids {
		if msg, ok := f.messages[uid]; ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (f *fakeMailbox) Supports(cap imap.Capability) bool {
	return f.condstore && cap == imap.CapCondStore
}

func (f *fakeMailbox) lastSearch() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.searches) == 0 {
		return ""
	}
	return f.searches[len(f.searches)-1]
}

// fakeStorage is an in-memory Storage.
type fakeStorage struct {
	mu       stdsync.Mutex
	messages map[string]*types.Message
	states   map[string]*types.FolderSyncState
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		messages: make(map[string]*types.Message),
		states:   make(map[string]*types.FolderSyncState),
	}
}

func msgKey(accountID, folderName string, uid uint32) string {
	return fmt.Sprintf("%s/%s/%d", accountID, folderName, uid)
}

func (s *fakeStorage) StoreMessage(msg *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *msg
	s.messages[msgKey(msg.AccountID, msg.FolderName, msg.UID)] = &copied
	return nil
}

func (s *fakeStorage) GetMessageByUID(accountID, folderName string, uid uint32) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.messages[msgKey(accountID, folderName, uid)]; ok {
		copied := *msg
		return &copied, nil
	}
	return nil, nil
}

func (s *fakeStorage) DeleteMessagesByUIDs(accountID, folderName string, uids []uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, uid := range uids {
		delete(s.messages, msgKey(accountID, folderName, uid))
	}
	return nil
}

func (s *fakeStorage) UpdateFolderSyncState(state *types.FolderSyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *state
	s.states[state.AccountID+"/"+state.FolderName] = &copied
	return nil
}

func (s *fakeStorage) GetFolderSyncState(accountID, folderName string) (*types.FolderSyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.states[accountID+"/"+folderName]; ok {
		copied := *state
		return &copied, nil
	}
	return nil, nil
}

// recordingStorage captures the sequence of checkpoint statuses written.
type recordingStorage struct {
	*fakeStorage
	statusMu stdsync.Mutex
	statuses []types.SyncStatus
}

func (s *recordingStorage) UpdateFolderSyncState(state *types.FolderSyncState) error {
	s.statusMu.Lock()
	s.statuses = append(s.statuses, state.Status)
	s.statusMu.Unlock()
	return s.fakeStorage.UpdateFolderSyncState(state)
}

func (s *recordingStorage) writtenStatuses() []types.SyncStatus {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return append([]types.SyncStatus(nil), s.statuses...)
}

func testMessage(uid uint32, flags ...string) *imap.Message {
	return &imap.Message{
		UID:          uid,
		Flags:        flags,
		Size:         512,
		InternalDate: time.Date(2026, time.January, 10, 12, 0, 0, 0, time.UTC),
		Envelope: &imap.Envelope{
			Subject:   "test message",
			MessageID: "<m@x>",
			From:      []imap.Address{{Name: "A", Mailbox: "a", Host: "x.com"}},
		},
	}
}

func newTestEngine(storage Storage, conflict ConflictPolicy) *Engine {
	engine := NewEngine(storage, conflict, testLogger())
	engine.batchPause = 0
	return engine
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestFullSyncSmallFolderSingleBatch(t *testing.T) {
	mbox := &fakeMailbox{
		folder: &imap.Folder{Name: "INBOX", Exists: 3, UIDValidity: 42, UIDNext: 4},
		uids:   []uint32{1, 2, 3},
		messages: map[uint32]*imap.Message{
			1: testMessage(1),
			2: testMessage(2, `\Seen`),
			3: testMessage(3),
		},
	}
	storage := newFakeStorage()
	engine := newTestEngine(storage, ServerWins)

	result, err := engine.SyncFolder(mbox, "acct", "INBOX", Strategy{Kind: StrategyFull})
	require.NoError(t, err)

	// Batch size exceeds the folder: exactly one search, one fetch.
	assert.Equal(t, int32(1), mbox.searchCalls.Load())
	assert.Equal(t, int32(1), mbox.fetchCalls.Load())
	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 3, result.NewCount)

	state, err := storage.GetFolderSyncState("acct", "INBOX")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, types.SyncComplete, state.Status)
	assert.Equal(t, uint32(42), state.UIDValidity)
	assert.Equal(t, uint32(4), state.UIDNext)
}

func TestFullSyncEndsInCompletePhase(t *testing.T) {
	mbox := &fakeMailbox{
		folder:   &imap.Folder{Name: "INBOX", UIDValidity: 1},
		uids:     []uint32{1},
		messages: map[uint32]*imap.Message{1: testMessage(1)},
	}
	engine := newTestEngine(newFakeStorage(), ServerWins)

	_, err := engine.SyncFolder(mbox, "acct", "INBOX", Strategy{Kind: StrategyFull})
	require.NoError(t, err)

	var last Phase
	for {
		select {
		case p := <-engine.Progress():
			last = p.Phase
			continue
		default:
		}
		break
	}
	assert.Equal(t, PhaseComplete, last)
}

func TestUIDValidityChangeForcesFullSync(t *testing.T) {
	storage := newFakeStorage()
	require.NoError(t, storage.UpdateFolderSyncState(&types.FolderSyncState{
		AccountID:   "acct",
		FolderName:  "INBOX",
		UIDValidity: 7,
		UIDNext:     50,
		Status:      types.SyncComplete,
	}))

	mbox := &fakeMailbox{
		folder:   &imap.Folder{Name: "INBOX", UIDValidity: 8, UIDNext: 2}, // epoch changed
		uids:     []uint32{1},
		messages: map[uint32]*imap.Message{1: testMessage(1)},
	}
	engine := newTestEngine(storage, ServerWins)

	result, err := engine.SyncFolder(mbox, "acct", "INBOX", Strategy{Kind: StrategyIncremental})
	require.NoError(t, err)
	assert.Equal(t, "full", result.Strategy)
	assert.Equal(t, "ALL", mbox.lastSearch())
}

func TestIncrementalSyncUsesUIDRange(t *testing.T) {
	storage := newFakeStorage()
	require.NoError(t, storage.UpdateFolderSyncState(&types.FolderSyncState{
		AccountID:   "acct",
		FolderName:  "INBOX",
		UIDValidity: 7,
		UIDNext:     50,
		Status:      types.SyncComplete,
	}))

	mbox := &fakeMailbox{
		folder:   &imap.Folder{Name: "INBOX", UIDValidity: 7, UIDNext: 60},
		uids:     []uint32{55},
		messages: map[uint32]*imap.Message{55: testMessage(55)},
	}
	engine := newTestEngine(storage, ServerWins)

	result, err := engine.SyncFolder(mbox, "acct", "INBOX", Strategy{Kind: StrategyIncremental})
	require.NoError(t, err)
	assert.Equal(t, "incremental", result.Strategy)
	assert.Equal(t, "UID 50:*", mbox.lastSearch())
}

func TestIncrementalSyncUsesModSeqWithCondstore(t *testing.T) {
	storage := newFakeStorage()
	require.NoError(t, storage.UpdateFolderSyncState(&types.FolderSyncState{
		AccountID:     "acct",
		FolderName:    "INBOX",
		UIDValidity:   7,
		UIDNext:       50,
		HighestModSeq: 9000,
		Status:        types.SyncComplete,
	}))

	mbox := &fakeMailbox{
		folder:    &imap.Folder{Name: "INBOX", UIDValidity: 7, HighestModSeq: 9400},
		condstore: true,
		uids:      []uint32{12},
		messages:  map[uint32]*imap.Message{12: testMessage(12)},
	}
	engine := newTestEngine(storage, ServerWins)

	_, err := engine.SyncFolder(mbox, "acct", "INBOX", Strategy{Kind: StrategyIncremental})
	require.NoError(t, err)
	assert.Equal(t, "MODSEQ 9000", mbox.lastSearch())
}

func TestRecentStrategySearchesSinceCutoff(t *testing.T) {
	mbox := &fakeMailbox{
		folder:   &imap.Folder{Name: "INBOX", UIDValidity: 1},
		uids:     []uint32{},
		messages: map[uint32]*imap.Message{},
	}
	storage := newFakeStorage()
	require.NoError(t, storage.UpdateFolderSyncState(&types.FolderSyncState{
		AccountID: "acct", FolderName: "INBOX", UIDValidity: 1,
	}))
	engine := newTestEngine(storage, ServerWins)

	_, err := engine.SyncFolder(mbox, "acct", "INBOX", Strategy{Kind: StrategyRecent, RecentDays: 3})
	require.NoError(t, err)
	assert.Contains(t, mbox.lastSearch(), "SINCE ")
}

func TestMergeFlagsUnionsAndBumpsVersion(t *testing.T) {
	storage := newFakeStorage()
	require.NoError(t, storage.UpdateFolderSyncState(&types.FolderSyncState{
		AccountID: "acct", FolderName: "INBOX", UIDValidity: 1, UIDNext: 1,
	}))
	require.NoError(t, storage.StoreMessage(&types.Message{
		AccountID:   "acct",
		FolderName:  "INBOX",
		UID:         5,
		Flags:       []string{`\Seen`, `\Flagged`},
		SyncVersion: 2,
	}))

	mbox := &fakeMailbox{
		folder:   &imap.Folder{Name: "INBOX", UIDValidity: 1},
		uids:     []uint32{5},
		messages: map[uint32]*imap.Message{5: testMessage(5, `\Seen`, `\Answered`)},
	}
	engine := newTestEngine(storage, MergeFlags)

	result, err := engine.SyncFolder(mbox, "acct", "INBOX", Strategy{Kind: StrategyIncremental})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)

	merged, err := storage.GetMessageByUID("acct", "INBOX", 5)
	require.NoError(t, err)
	require.NotNil(t, merged)
	assert.ElementsMatch(t, []string{`\Seen`, `\Flagged`, `\Answered`}, merged.Flags)
	assert.Equal(t, 3, merged.SyncVersion)
}

func TestLocalWinsLeavesStoredCopy(t *testing.T) {
	storage := newFakeStorage()
	require.NoError(t, storage.UpdateFolderSyncState(&types.FolderSyncState{
		AccountID: "acct", FolderName: "INBOX", UIDValidity: 1, UIDNext: 1,
	}))
	require.NoError(t, storage.StoreMessage(&types.Message{
		AccountID: "acct", FolderName: "INBOX", UID: 5, Subject: "local copy",
	}))

	mbox := &fakeMailbox{
		folder:   &imap.Folder{Name: "INBOX", UIDValidity: 1},
		uids:     []uint32{5},
		messages: map[uint32]*imap.Message{5: testMessage(5)},
	}
	engine := newTestEngine(storage, LocalWins)

	_, err := engine.SyncFolder(mbox, "acct", "INBOX", Strategy{Kind: StrategyIncremental})
	require.NoError(t, err)

	kept, err := storage.GetMessageByUID("acct", "INBOX", 5)
	require.NoError(t, err)
	assert.Equal(t, "local copy", kept.Subject)
}

func TestConcurrentSyncsOfSameFolderSerialize(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	mbox := &fakeMailbox{
		folder:   &imap.Folder{Name: "INBOX", UIDValidity: 1},
		uids:     []uint32{1},
		messages: map[uint32]*imap.Message{1: testMessage(1)},
	}
	mbox.selectHook = func() {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
	}

	engine := newTestEngine(newFakeStorage(), ServerWins)

	var wg stdsync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.SyncFolder(mbox, "acct", "INBOX", Strategy{Kind: StrategyFull})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestSyncFolderWritesSyncingCheckpointFirst(t *testing.T) {
	mbox := &fakeMailbox{
		folder:   &imap.Folder{Name: "INBOX", UIDValidity: 42, UIDNext: 4},
		uids:     []uint32{1},
		messages: map[uint32]*imap.Message{1: testMessage(1)},
	}
	storage := &recordingStorage{fakeStorage: newFakeStorage()}
	engine := newTestEngine(storage, ServerWins)

	_, err := engine.SyncFolder(mbox, "acct", "INBOX", Strategy{Kind: StrategyFull})
	require.NoError(t, err)

	assert.Equal(t, []types.SyncStatus{types.SyncSyncing, types.SyncComplete}, storage.writtenStatuses())

	// The in-progress checkpoint already carries the observed epoch.
	state, err := storage.GetFolderSyncState("acct", "INBOX")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, uint32(42), state.UIDValidity)
}

func TestSyncFolderFailedFetchLeavesErrorAfterSyncing(t *testing.T) {
	mbox := &fakeMailbox{
		folder:   &imap.Folder{Name: "INBOX", UIDValidity: 42},
		uids:     []uint32{1},
		fetchErr: &imap.Error{Kind: imap.KindServer, Msg: "fetch refused"},
	}
	storage := &recordingStorage{fakeStorage: newFakeStorage()}
	engine := newTestEngine(storage, ServerWins)

	_, err := engine.SyncFolder(mbox, "acct", "INBOX", Strategy{Kind: StrategyFull})
	require.Error(t, err)

	assert.Equal(t, []types.SyncStatus{types.SyncSyncing, types.SyncError}, storage.writtenStatuses())
}

// failingMailbox errors on SelectFolder, for checkpoint/abort paths.
type failingMailbox struct {
	fakeMailbox
	selectErr error
}

func (f *failingMailbox) SelectFolder(name string) (*imap.Folder, error) {
	return nil, f.selectErr
}

func TestSyncFolderFailureWritesErrorCheckpoint(t *testing.T) {
	storage := newFakeStorage()
	require.NoError(t, storage.UpdateFolderSyncState(&types.FolderSyncState{
		AccountID:   "acct",
		FolderName:  "INBOX",
		UIDValidity: 7,
		UIDNext:     50,
		Status:      types.SyncComplete,
	}))

	mbox := &failingMailbox{selectErr: &imap.Error{Kind: imap.KindServer, Msg: "mailbox is busy"}}
	engine := newTestEngine(storage, ServerWins)

	_, err := engine.SyncFolder(mbox, "acct", "INBOX", Strategy{Kind: StrategyIncremental})
	require.Error(t, err)

	state, err := storage.GetFolderSyncState("acct", "INBOX")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, types.SyncError, state.Status)
	assert.Contains(t, state.LastError, "mailbox is busy")
	// Counters from the previous checkpoint survive the failed attempt.
	assert.Equal(t, uint32(7), state.UIDValidity)
	assert.Equal(t, uint32(50), state.UIDNext)
}

func TestSyncAccountAbortsOnConnectionError(t *testing.T) {
	mbox := &failingMailbox{selectErr: &imap.Error{Kind: imap.KindConnection, Msg: "connection reset"}}
	mbox.folders = []imap.Folder{{Name: "INBOX"}, {Name: "Archive"}}
	engine := newTestEngine(newFakeStorage(), ServerWins)

	results, err := engine.SyncAccount(mbox, "acct", Strategy{Kind: StrategyFull})
	require.Error(t, err)
	assert.Empty(t, results)
	assert.True(t, imap.IsConnectionError(err))
}

func TestSyncAccountSkipsNoselectFolders(t *testing.T) {
	mbox := &fakeMailbox{
		folder: &imap.Folder{Name: "INBOX", UIDValidity: 1},
		folders: []imap.Folder{
			{Name: "INBOX"},
			{Name: "[Gmail]", Attributes: []string{"Noselect"}},
		},
		uids:     []uint32{1},
		messages: map[uint32]*imap.Message{1: testMessage(1)},
	}
	engine := newTestEngine(newFakeStorage(), ServerWins)

	results, err := engine.SyncAccount(mbox, "acct", Strategy{Kind: StrategyFull})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "INBOX", results[0].FolderName)
}

func TestHeadersOnlyUsesHeaderItems(t *testing.T) {
	mbox := &fakeMailbox{
		folder:   &imap.Folder{Name: "INBOX", UIDValidity: 1},
		uids:     []uint32{1},
		messages: map[uint32]*imap.Message{1: testMessage(1)},
	}
	engine := newTestEngine(newFakeStorage(), ServerWins)

	result, err := engine.SyncFolder(mbox, "acct", "INBOX", Strategy{Kind: StrategyHeadersOnly})
	require.NoError(t, err)
	assert.Equal(t, "headers-only", result.Strategy)

	mbox.mu.Lock()
	defer mbox.mu.Unlock()
	require.Len(t, mbox.fetchItems, 1)
	assert.NotContains(t, mbox.fetchItems[0], "BODY")
	assert.Contains(t, mbox.fetchItems[0], "ENVELOPE")
}
