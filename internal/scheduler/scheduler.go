package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/config"
	syncengine "github.com/brandon/mailsync/internal/sync"
	"github.com/brandon/mailsync/pkg/types"
)

// Priority orders queued tasks. Higher priorities are always dispatched
// before lower ones; equal priorities dispatch oldest first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// TaskKind tags the operation a task performs. The set is closed.
type TaskKind string

const (
	TaskAccountSync   TaskKind = "account-sync"
	TaskFolderSync    TaskKind = "folder-sync"
	TaskFolderRefresh TaskKind = "folder-refresh"
	TaskSearch        TaskKind = "search"
	TaskIndexing      TaskKind = "indexing"
	TaskCacheWarm     TaskKind = "cache-warm"
)

// TaskSpec carries the operation's parameters.
type TaskSpec struct {
	Kind     TaskKind            `json:"kind"`
	Strategy syncengine.Strategy `json:"strategy,omitempty"`
	Query    string              `json:"query,omitempty"`
	Folders  []string            `json:"folders,omitempty"`
	Limit    int                 `json:"limit,omitempty"`
}

// Task is one prioritized unit of background work. Its ID is the only
// handle callers retain; results are looked up by it after completion.
type Task struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Priority   Priority  `json:"priority"`
	AccountID  string    `json:"account_id,omitempty"`
	FolderName string    `json:"folder_name,omitempty"`
	Spec       TaskSpec  `json:"spec"`
	CreatedAt  time.Time `json:"created_at"`
}

// TaskState is a task's lifecycle phase.
type TaskState string

const (
	StateQueued    TaskState = "queued"
	StateRunning   TaskState = "running"
	StateCompleted TaskState = "completed"
	StateFailed    TaskState = "failed"
	StateCancelled TaskState = "cancelled"
)

// ResultData carries a completed task's typed payload.
type ResultData struct {
	SyncResults []*syncengine.Result   `json:"sync_results,omitempty"`
	Matches     []types.MessageSummary `json:"matches,omitempty"`
	Message     string                 `json:"message,omitempty"`
}

// Result is a task's reported outcome. Failed results carry a reason;
// the literal reason "timeout" distinguishes expiry from logic errors.
type Result struct {
	TaskID      string      `json:"task_id"`
	AccountID   string      `json:"account_id,omitempty"`
	Kind        TaskKind    `json:"kind"`
	State       TaskState   `json:"state"`
	Error       string      `json:"error,omitempty"`
	StartedAt   time.Time   `json:"started_at,omitempty"`
	CompletedAt time.Time   `json:"completed_at"`
	Data        *ResultData `json:"data,omitempty"`
}

// Executor runs one task's logic under the scheduler's context.
type Executor interface {
	Execute(ctx context.Context, task *Task) (*ResultData, error)
}

// Settings are the scheduler's operational limits.
type Settings struct {
	MaxConcurrent   int
	TaskTimeout     time.Duration
	MaxQueueDepth   int
	ResultCacheSize int
	TickInterval    time.Duration
}

// SettingsFromConfig derives scheduler settings from the application
// configuration.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		MaxConcurrent:   cfg.MaxConcurrentTasks,
		TaskTimeout:     time.Duration(cfg.TaskTimeoutSeconds) * time.Second,
		MaxQueueDepth:   cfg.MaxQueueDepth,
		ResultCacheSize: cfg.ResultCacheSize,
		TickInterval:    100 * time.Millisecond,
	}
}

type runningTask struct {
	task      *Task
	cancel    context.CancelFunc
	startedAt time.Time
}

// Scheduler feeds a priority-partitioned queue into a capped pool of
// concurrently running tasks, with per-task timeouts, cancellation, and
// a bounded results cache.
type Scheduler struct {
	executor Executor
	logger   *logrus.Logger
	settings Settings

	mu      sync.Mutex
	queues  map[Priority][]*Task
	running map[string]*runningTask
	results *lru.Cache[string, *Result]

	completionCh chan *Result
	stopCh       chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// NewScheduler creates a stopped scheduler; call Start to begin
// dispatching.
func NewScheduler(executor Executor, settings Settings, logger *logrus.Logger) (*Scheduler, error) {
	if settings.MaxConcurrent < 1 {
		return nil, fmt.Errorf("max concurrent tasks must be at least 1")
	}
	if settings.TickInterval <= 0 {
		settings.TickInterval = 100 * time.Millisecond
	}
	if settings.ResultCacheSize < 1 {
		settings.ResultCacheSize = 50
	}
	results, err := lru.New[string, *Result](settings.ResultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create results cache: %w", err)
	}
	return &Scheduler{
		executor:     executor,
		logger:       logger,
		settings:     settings,
		queues:       make(map[Priority][]*Task),
		running:      make(map[string]*runningTask),
		results:      results,
		completionCh: make(chan *Result, 64),
		stopCh:       make(chan struct{}),
	}, nil
}

// Start begins the dispatch loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.settings.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
	s.logger.WithFields(logrus.Fields{
		"max_concurrent": s.settings.MaxConcurrent,
		"task_timeout":   s.settings.TaskTimeout.String(),
	}).Info("Task scheduler started")
}

// Stop halts dispatching and cancels all running tasks.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	for _, r := range s.running {
		r.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Queue submits a task. An empty ID gets a generated one. Submission
// is rejected once the queue holds the configured maximum, signaling
// backpressure rather than growing unbounded.
func (s *Scheduler) Queue(task *Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queuedLenLocked() >= s.settings.MaxQueueDepth {
		return "", fmt.Errorf("task queue full (%d tasks)", s.settings.MaxQueueDepth)
	}
	s.queues[task.Priority] = append(s.queues[task.Priority], task)

	s.logger.WithFields(logrus.Fields{
		"task_id":  task.ID,
		"kind":     string(task.Spec.Kind),
		"priority": task.Priority.String(),
	}).Debug("Task queued")
	return task.ID, nil
}

// Cancel stops a task. Queued tasks are removed in place with a
// synthesized cancelled result; running tasks have their context
// cancelled, which promptly produces their cancelled result. Unknown
// or finished tasks report false.
func (s *Scheduler) Cancel(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for prio, queue := range s.queues {
		for i, task := range queue {
			if task.ID != taskID {
				continue
			}
			s.queues[prio] = append(queue[:i], queue[i+1:]...)
			result := &Result{
				TaskID:      task.ID,
				AccountID:   task.AccountID,
				Kind:        task.Spec.Kind,
				State:       StateCancelled,
				CompletedAt: time.Now(),
			}
			s.results.Add(task.ID, result)
			s.publishLocked(result)
			return true
		}
	}

	if r, ok := s.running[taskID]; ok {
		r.cancel()
		return true
	}
	return false
}

// TaskStatus reports a task's lifecycle state.
func (s *Scheduler) TaskStatus(taskID string) (TaskState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, queue := range s.queues {
		for _, task := range queue {
			if task.ID == taskID {
				return StateQueued, nil
			}
		}
	}
	if _, ok := s.running[taskID]; ok {
		return StateRunning, nil
	}
	if result, ok := s.results.Get(taskID); ok {
		return result.State, nil
	}
	return "", fmt.Errorf("task not found: %s", taskID)
}

// TaskResult retrieves a finished task's result from the bounded cache.
func (s *Scheduler) TaskResult(taskID string) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if result, ok := s.results.Get(taskID); ok {
		return result, nil
	}
	return nil, fmt.Errorf("no result for task: %s", taskID)
}

// QueuedTasks snapshots the queue, highest priority first.
func (s *Scheduler) QueuedTasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tasks []*Task
	for prio := PriorityCritical; prio >= PriorityLow; prio-- {
		tasks = append(tasks, s.queues[prio]...)
	}
	return tasks
}

// RunningTasks snapshots the currently executing tasks.
func (s *Scheduler) RunningTasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := make([]*Task, 0, len(s.running))
	for _, r := range s.running {
		tasks = append(tasks, r.task)
	}
	return tasks
}

// Completions returns the stream of task outcomes. Events are dropped
// when no consumer keeps up; the results cache remains authoritative.
func (s *Scheduler) Completions() <-chan *Result {
	return s.completionCh
}

func (s *Scheduler) queuedLenLocked() int {
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return n
}

func (s *Scheduler) publishLocked(result *Result) {
	select {
	case s.completionCh <- result:
	default:
	}
}

// tick dispatches queued work while capacity remains.
func (s *Scheduler) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.running) < s.settings.MaxConcurrent {
		task := s.popLocked()
		if task == nil {
			return
		}
		s.dispatchLocked(task)
	}
}

// popLocked removes the highest-priority, oldest-enqueued task.
func (s *Scheduler) popLocked() *Task {
	for prio := PriorityCritical; prio >= PriorityLow; prio-- {
		queue := s.queues[prio]
		if len(queue) == 0 {
			continue
		}
		task := queue[0]
		s.queues[prio] = queue[1:]
		return task
	}
	return nil
}

func (s *Scheduler) dispatchLocked(task *Task) {
	ctx, cancel := context.WithTimeout(context.Background(), s.settings.TaskTimeout)
	s.running[task.ID] = &runningTask{task: task, cancel: cancel, startedAt: time.Now()}

	s.wg.Add(1)
	go s.run(ctx, cancel, task)
}

// run races the task's logic against its timeout. A timeout or cancel
// produces the synthesized result immediately; the executor goroutine
// is left to wind down on its own (side effects already performed are
// not rolled back).
func (s *Scheduler) run(ctx context.Context, cancel context.CancelFunc, task *Task) {
	defer s.wg.Done()
	defer cancel()

	startedAt := time.Now()
	s.logger.WithFields(logrus.Fields{
		"task_id": task.ID,
		"kind":    string(task.Spec.Kind),
	}).Info("Task started")

	type outcome struct {
		data *ResultData
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("task panicked: %v", r)}
			}
		}()
		data, err := s.executor.Execute(ctx, task)
		done <- outcome{data: data, err: err}
	}()

	result := &Result{
		TaskID:    task.ID,
		AccountID: task.AccountID,
		Kind:      task.Spec.Kind,
		StartedAt: startedAt,
	}

	select {
	case o := <-done:
		switch {
		case o.err == nil:
			result.State = StateCompleted
			result.Data = o.data
		case ctx.Err() == context.Canceled:
			result.State = StateCancelled
		case ctx.Err() == context.DeadlineExceeded:
			result.State = StateFailed
			result.Error = "timeout"
		default:
			result.State = StateFailed
			result.Error = o.err.Error()
		}
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			result.State = StateFailed
			result.Error = "timeout"
		} else {
			result.State = StateCancelled
		}
	}
	result.CompletedAt = time.Now()

	s.mu.Lock()
	delete(s.running, task.ID)
	s.results.Add(task.ID, result)
	s.publishLocked(result)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"task_id": task.ID,
		"state":   string(result.State),
		"elapsed": result.CompletedAt.Sub(startedAt).String(),
	}).Info("Task finished")
}
