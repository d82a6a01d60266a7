package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"cattlesense/services/compliance-engine/internal/metrics"
)

// taskTimeout bounds a single execution of any task.
const taskTimeout = 30 * time.Minute

// Scheduler runs background sweeps on cron schedules
type Scheduler struct {
	logger     *zap.Logger
	metrics    *metrics.Collector
	cron       *cron.Cron
	tasks      map[string]*ScheduledTask
	tasksMutex sync.RWMutex
}

// ScheduledTask represents a scheduled task
type ScheduledTask struct {
	ID          string
	Name        string
	Description string
	Schedule    string
	Handler     TaskHandler
	LastRun     time.Time
	NextRun     time.Time
	RunCount    int64
	ErrorCount  int64
	Enabled     bool
	cronEntryID cron.EntryID
}

// TaskHandler defines the interface for scheduled task handlers
type TaskHandler interface {
	Execute(ctx context.Context) error
	GetName() string
	GetDescription() string
}

// TaskStatus is a point-in-time copy of a task's counters.
type TaskStatus struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Schedule   string    `json:"schedule"`
	Enabled    bool      `json:"enabled"`
	LastRun    time.Time `json:"last_run"`
	NextRun    time.Time `json:"next_run"`
	RunCount   int64     `json:"run_count"`
	ErrorCount int64     `json:"error_count"`
}

// NewScheduler creates a scheduler with second precision in UTC
func NewScheduler(collector *metrics.Collector, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		logger:  logger.Named("scheduler"),
		metrics: collector,
		cron:    cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		tasks:   make(map[string]*ScheduledTask),
	}
}

// Start starts the cron loop. Enabled tasks are already scheduled by AddTask.
func (s *Scheduler) Start() {
	s.cron.Start()

	s.tasksMutex.RLock()
	defer s.tasksMutex.RUnlock()
	s.logger.Info("Scheduler started", zap.Int("scheduled_tasks", len(s.tasks)))
}

// Stop stops the scheduler and waits for running tasks.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Scheduler stopped")
}

// AddTask registers a task and schedules it when enabled
func (s *Scheduler) AddTask(task *ScheduledTask) error {
	if task.ID == "" || task.Handler == nil {
		return fmt.Errorf("task requires an id and a handler")
	}

	s.tasksMutex.Lock()
	defer s.tasksMutex.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %s already exists", task.ID)
	}
	if task.Name == "" {
		task.Name = task.Handler.GetName()
	}
	if task.Description == "" {
		task.Description = task.Handler.GetDescription()
	}

	if task.Enabled {
		if err := s.scheduleTask(task); err != nil {
			return err
		}
	}
	s.tasks[task.ID] = task
	return nil
}

// DisableTask removes a task from the cron loop but keeps it runnable by RunNow
func (s *Scheduler) DisableTask(taskID string) error {
	s.tasksMutex.Lock()
	defer s.tasksMutex.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return fmt.Errorf("task with ID %s not found", taskID)
	}
	if task.Enabled {
		task.Enabled = false
		if task.cronEntryID != 0 {
			s.cron.Remove(task.cronEntryID)
			task.cronEntryID = 0
		}
	}
	return nil
}

// Tasks returns the status of every task ordered by ID
func (s *Scheduler) Tasks() []TaskStatus {
	s.tasksMutex.RLock()
	defer s.tasksMutex.RUnlock()

	out := make([]TaskStatus, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, TaskStatus{
			ID:         task.ID,
			Name:       task.Name,
			Schedule:   task.Schedule,
			Enabled:    task.Enabled,
			LastRun:    task.LastRun,
			NextRun:    task.NextRun,
			RunCount:   task.RunCount,
			ErrorCount: task.ErrorCount,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RunNow executes a task synchronously, outside of its schedule
func (s *Scheduler) RunNow(ctx context.Context, taskID string) error {
	s.tasksMutex.RLock()
	task, exists := s.tasks[taskID]
	s.tasksMutex.RUnlock()

	if !exists {
		return fmt.Errorf("task with ID %s not found", taskID)
	}
	return s.executeTask(ctx, task)
}

// ValidateSchedule validates a six-field cron expression
func ValidateSchedule(schedule string) error {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	_, err := parser.Parse(schedule)
	return err
}

// scheduleTask schedules a task with cron; callers hold tasksMutex
func (s *Scheduler) scheduleTask(task *ScheduledTask) error {
	if task.cronEntryID != 0 {
		s.cron.Remove(task.cronEntryID)
	}

	entryID, err := s.cron.AddFunc(task.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
		defer cancel()
		_ = s.executeTask(ctx, task)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule task %s: %w", task.ID, err)
	}

	task.cronEntryID = entryID
	task.NextRun = s.cron.Entry(entryID).Next

	s.logger.Debug("Task scheduled",
		zap.String("task_id", task.ID),
		zap.String("schedule", task.Schedule))
	return nil
}

func (s *Scheduler) executeTask(ctx context.Context, task *ScheduledTask) error {
	startTime := time.Now()

	s.tasksMutex.Lock()
	task.LastRun = startTime
	task.RunCount++
	s.tasksMutex.Unlock()

	err := task.Handler.Execute(ctx)
	elapsed := time.Since(startTime)

	s.tasksMutex.Lock()
	if err != nil {
		task.ErrorCount++
	}
	if task.cronEntryID != 0 {
		task.NextRun = s.cron.Entry(task.cronEntryID).Next
	}
	s.tasksMutex.Unlock()

	if err != nil {
		s.metrics.RecordTaskExecution(task.ID, "error", elapsed)
		s.logger.Error("Scheduled task failed",
			zap.String("task_id", task.ID),
			zap.Duration("execution_time", elapsed),
			zap.Error(err))
		return err
	}

	s.metrics.RecordTaskExecution(task.ID, "success", elapsed)
	s.logger.Debug("Scheduled task completed",
		zap.String("task_id", task.ID),
		zap.Duration("execution_time", elapsed))
	return nil
}
