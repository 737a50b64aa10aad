package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/imap"
	"github.com/brandon/mailsync/internal/scheduler"
	syncengine "github.com/brandon/mailsync/internal/sync"
)

// handler executes one RPC method.
type handler func(params map[string]interface{}) (interface{}, error)

// Server exposes the task-control surface over line-delimited JSON-RPC
// on a reader/writer pair (stdio in production).
type Server struct {
	logger    *logrus.Logger
	scheduler *scheduler.Scheduler
	idle      map[string]*imap.IdleService
	methods   map[string]handler
}

// NewServer wires the RPC surface to the scheduler and the per-account
// IDLE monitors.
func NewServer(sched *scheduler.Scheduler, idle map[string]*imap.IdleService, logger *logrus.Logger) *Server {
	s := &Server{
		logger:    logger,
		scheduler: sched,
		idle:      idle,
	}
	s.methods = map[string]handler{
		"queue-task":      s.queueTask,
		"cancel-task":     s.cancelTask,
		"get-task-status": s.getTaskStatus,
		"get-task-result": s.getTaskResult,
		"get-idle-stats":  s.getIdleStats,
	}
	return s
}

// Run serves requests until the reader is exhausted or the context is
// cancelled.
func (s *Server) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("Starting RPC server on stdio transport")

	decoder := json.NewDecoder(in)
	encoder := json.NewEncoder(out)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			var req map[string]interface{}
			if err := decoder.Decode(&req); err != nil {
				if err == io.EOF {
					return nil
				}
				s.logger.WithError(err).Error("Failed to decode request")
				continue
			}

			resp := s.handleRequest(req)
			if err := encoder.Encode(resp); err != nil {
				s.logger.WithError(err).Error("Failed to encode response")
				continue
			}
		}
	}
}

// handleRequest dispatches one JSON-RPC request.
func (s *Server) handleRequest(req map[string]interface{}) map[string]interface{} {
	method, _ := req["method"].(string)
	id := req["id"]
	params, _ := req["params"].(map[string]interface{})

	fn, ok := s.methods[method]
	if !ok {
		return errorResponse(id, -32601, fmt.Sprintf("Method not found: %s", method))
	}

	result, err := fn(params)
	if err != nil {
		return errorResponse(id, -32603, err.Error())
	}
	return map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	}
}

func errorResponse(id interface{}, code int, message string) map[string]interface{} {
	return map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	}
}

// queueTask submits a background task and returns its id.
func (s *Server) queueTask(params map[string]interface{}) (interface{}, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("bad task parameters: %w", err)
	}

	var body struct {
		Name       string   `json:"name"`
		Kind       string   `json:"kind"`
		Priority   string   `json:"priority"`
		AccountID  string   `json:"account_id"`
		FolderName string   `json:"folder_name"`
		Strategy   string   `json:"strategy"`
		RecentDays int      `json:"recent_days"`
		Query      string   `json:"query"`
		Folders    []string `json:"folders"`
		Limit      int      `json:"limit"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("bad task parameters: %w", err)
	}

	strategy, err := parseStrategy(body.Strategy, body.RecentDays)
	if err != nil {
		return nil, err
	}

	task := &scheduler.Task{
		Name:       body.Name,
		Priority:   parsePriority(body.Priority),
		AccountID:  body.AccountID,
		FolderName: body.FolderName,
		Spec: scheduler.TaskSpec{
			Kind:     scheduler.TaskKind(body.Kind),
			Strategy: strategy,
			Query:    body.Query,
			Folders:  body.Folders,
			Limit:    body.Limit,
		},
	}
	taskID, err := s.scheduler.Queue(task)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"task_id": taskID}, nil
}

func (s *Server) cancelTask(params map[string]interface{}) (interface{}, error) {
	taskID, _ := params["task_id"].(string)
	if taskID == "" {
		return nil, fmt.Errorf("task_id is required")
	}
	return map[string]interface{}{"cancelled": s.scheduler.Cancel(taskID)}, nil
}

func (s *Server) getTaskStatus(params map[string]interface{}) (interface{}, error) {
	taskID, _ := params["task_id"].(string)
	if taskID == "" {
		return nil, fmt.Errorf("task_id is required")
	}
	state, err := s.scheduler.TaskStatus(taskID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"task_id": taskID, "state": string(state)}, nil
}

func (s *Server) getTaskResult(params map[string]interface{}) (interface{}, error) {
	taskID, _ := params["task_id"].(string)
	if taskID == "" {
		return nil, fmt.Errorf("task_id is required")
	}
	return s.scheduler.TaskResult(taskID)
}

func (s *Server) getIdleStats(params map[string]interface{}) (interface{}, error) {
	stats := make(map[string]imap.IdleStats, len(s.idle))
	for account, service := range s.idle {
		stats[account] = service.Stats()
	}
	return stats, nil
}

func parsePriority(p string) scheduler.Priority {
	switch p {
	case "critical":
		return scheduler.PriorityCritical
	case "high":
		return scheduler.PriorityHigh
	case "low":
		return scheduler.PriorityLow
	default:
		return scheduler.PriorityNormal
	}
}

func parseStrategy(name string, recentDays int) (syncengine.Strategy, error) {
	switch name {
	case "", "incremental":
		return syncengine.Strategy{Kind: syncengine.StrategyIncremental}, nil
	case "full":
		return syncengine.Strategy{Kind: syncengine.StrategyFull}, nil
	case "headers-only":
		return syncengine.Strategy{Kind: syncengine.StrategyHeadersOnly}, nil
	case "recent":
		return syncengine.Strategy{Kind: syncengine.StrategyRecent, RecentDays: recentDays}, nil
	default:
		return syncengine.Strategy{}, fmt.Errorf("unknown sync strategy %q", name)
	}
}
