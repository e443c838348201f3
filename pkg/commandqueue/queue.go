package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/steer/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Event types
const (
	EventEnqueued  = "enqueued"
	EventCompleted = "completed"
)

var (
	// ErrClosed is returned for tasks enqueued on, or still queued in, a closed queue
	ErrClosed = errors.New("command queue closed")
	// ErrLaneCleared is returned to tasks removed by ClearLane
	ErrLaneCleared = errors.New("lane cleared")
	// ErrLaneReset is returned to tasks discarded by ResetLane
	ErrLaneReset = errors.New("lane reset")
)

// Task represents an operation to be executed in a lane
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions provides configuration for task execution
type TaskOptions struct {
	// WarnAfter logs a warning (and calls OnWait) when the task is still
	// queued after this long.
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, queuePos int)
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	generation int
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

// laneState is guarded by CommandQueue.mu
type laneState struct {
	name        string
	generation  int
	concurrency int
	pinned      bool
	queue       []*taskRecord
	running     int
}

// EventHandler is a function that handles queue events
type EventHandler func(event Event)

// Event represents a queue event
type Event struct {
	Type   string                 // EventEnqueued or EventCompleted
	Lane   string                 // Lane name
	TaskID string                 // Task ID
	Data   map[string]interface{} // Additional event data
}

// CommandQueue provides lane-based task serialization with concurrency control
type CommandQueue struct {
	lanes     map[string]*laneState
	taskIDSeq int
	mu        sync.Mutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	logger    zerolog.Logger

	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

// New creates an empty CommandQueue
func New(logger zerolog.Logger) *CommandQueue {
	ctx, cancel := context.WithCancel(context.Background())

	return &CommandQueue{
		lanes:         make(map[string]*laneState),
		ctx:           ctx,
		cancel:        cancel,
		logger:        logger.With().Str("component", "commandqueue").Logger(),
		eventHandlers: make(map[string][]EventHandler),
	}
}

// laneLocked returns the named lane, creating an unpinned one when absent.
// cq.mu must be held.
func (cq *CommandQueue) laneLocked(lane string) *laneState {
	ls, exists := cq.lanes[lane]
	if !exists {
		ls = &laneState{name: lane, concurrency: 1}
		cq.lanes[lane] = ls
	}
	return ls
}

// Enqueue adds a task to the lane and waits for its result. The task runs
// with a context derived from ctx that is also cancelled when the queue
// closes. If ctx ends while the task is still queued, the task is dropped
// and ctx.Err() returned.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(ctx, "commandqueue.enqueue", attribute.String("lane", lane))
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, cq.logger)

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	cq.mu.Lock()
	if cq.ctx.Err() != nil {
		cq.mu.Unlock()
		return nil, ErrClosed
	}
	ls := cq.laneLocked(lane)
	cq.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, cq.taskIDSeq),
		task:       task,
		ctx:        ctx,
		generation: ls.generation,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	cq.mu.Unlock()

	logger.Debug().
		Str("lane", lane).
		Str("taskId", record.id).
		Int("queueSize", queueSize).
		Msg("Task enqueued")

	cq.emit(Event{
		Type:   EventEnqueued,
		Lane:   lane,
		TaskID: record.id,
		Data: map[string]interface{}{
			"queueSize": queueSize,
		},
	})

	if opts.WarnAfter > 0 {
		go cq.startWarnTimer(ls, record)
	}

	cq.processLane(ls)

	var result taskResult
	select {
	case result = <-record.result:
	case <-ctx.Done():
		if cq.withdraw(ls, record) {
			result = taskResult{err: ctx.Err()}
		} else {
			// Already running; its context is cancelled, so it ends soon.
			result = <-record.result
		}
	}

	if result.err != nil {
		span.RecordError(result.err)
		span.SetStatus(codes.Error, result.err.Error())
	}
	return result.value, result.err
}

// withdraw removes a still-queued record; it reports false once the record
// has been handed to a worker.
func (cq *CommandQueue) withdraw(ls *laneState, record *taskRecord) bool {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	for i, r := range ls.queue {
		if r == record {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			cq.dropIfIdleLocked(ls)
			return true
		}
	}
	return false
}

// dropIfIdleLocked forgets an unpinned lane with nothing queued or running
func (cq *CommandQueue) dropIfIdleLocked(ls *laneState) {
	if ls.pinned || ls.running > 0 || len(ls.queue) > 0 {
		return
	}
	if cq.lanes[ls.name] == ls {
		delete(cq.lanes, ls.name)
	}
}

// processLane starts queued tasks while the lane has capacity
func (cq *CommandQueue) processLane(ls *laneState) {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		if record.generation != ls.generation {
			record.result <- taskResult{err: ErrLaneReset}
			continue
		}

		ls.running++

		logger := tracing.LoggerFromContext(record.ctx, cq.logger)
		logger.Debug().
			Str("lane", ls.name).
			Str("taskId", record.id).
			Int("running", ls.running).
			Msg("Task started")

		cq.wg.Add(1)
		go cq.executeTask(ls, record)
	}
}

// executeTask runs a single task and hands the lane to the next one
func (cq *CommandQueue) executeTask(ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(
		record.ctx,
		"commandqueue.execute_task",
		attribute.String("lane", ls.name),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(taskCtx, cq.logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	startTime := time.Now()
	value, err := runTask(runCtx, record.task)
	duration := time.Since(startTime)

	cq.mu.Lock()
	ls.running--
	queueSize := len(ls.queue)
	cq.dropIfIdleLocked(ls)
	cq.mu.Unlock()

	record.result <- taskResult{value: value, err: err}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Debug().
			Str("lane", ls.name).
			Str("taskId", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("lane", ls.name).
			Str("taskId", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}

	cq.emit(Event{
		Type:   EventCompleted,
		Lane:   ls.name,
		TaskID: record.id,
		Data: map[string]interface{}{
			"duration":  duration.Milliseconds(),
			"success":   err == nil,
			"queueSize": queueSize,
		},
	})

	cq.processLane(ls)
}

// runTask turns a panicking task into an error so the lane keeps moving
func runTask(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// startWarnTimer warns when a task waits longer than expected
func (cq *CommandQueue) startWarnTimer(ls *laneState, record *taskRecord) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
		cq.mu.Lock()
		queuePos := -1
		for i, r := range ls.queue {
			if r == record {
				queuePos = i
				break
			}
		}
		cq.mu.Unlock()

		if queuePos >= 0 {
			wait := time.Since(record.enqueuedAt)
			logger := tracing.LoggerFromContext(record.ctx, cq.logger)
			logger.Warn().
				Str("lane", ls.name).
				Str("taskId", record.id).
				Dur("wait", wait).
				Int("queuePos", queuePos).
				Msg("Task waiting longer than expected")

			if record.options.OnWait != nil {
				record.options.OnWait(wait, queuePos)
			}
		}
	case <-record.ctx.Done():
	case <-cq.ctx.Done():
	}
}

// GetQueueSize returns the number of queued tasks for a lane
func (cq *CommandQueue) GetQueueSize(lane string) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if ls, exists := cq.lanes[lane]; exists {
		return len(ls.queue)
	}
	return 0
}

// GetRunningCount returns the number of currently executing tasks for a lane
func (cq *CommandQueue) GetRunningCount(lane string) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if ls, exists := cq.lanes[lane]; exists {
		return ls.running
	}
	return 0
}

// HasLane reports whether the lane is currently known to the queue
func (cq *CommandQueue) HasLane(lane string) bool {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	_, exists := cq.lanes[lane]
	return exists
}

// GetStats returns statistics for all lanes
func (cq *CommandQueue) GetStats() map[string]map[string]int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	stats := make(map[string]map[string]int, len(cq.lanes))
	for lane, ls := range cq.lanes {
		stats[lane] = map[string]int{
			"queued":      len(ls.queue),
			"running":     ls.running,
			"concurrency": ls.concurrency,
		}
	}
	return stats
}

// ClearLane rejects all queued tasks of a lane and returns how many were dropped
func (cq *CommandQueue) ClearLane(lane string) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls, exists := cq.lanes[lane]
	if !exists {
		return 0
	}

	count := len(ls.queue)
	for _, record := range ls.queue {
		record.result <- taskResult{err: ErrLaneCleared}
	}
	ls.queue = nil
	cq.dropIfIdleLocked(ls)

	cq.logger.Info().Str("lane", lane).Int("cleared", count).Msg("Lane cleared")
	return count
}

// ResetLane rejects queued tasks and bumps the lane generation
func (cq *CommandQueue) ResetLane(lane string) {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls, exists := cq.lanes[lane]
	if !exists {
		return
	}

	ls.generation++
	for _, record := range ls.queue {
		record.result <- taskResult{err: ErrLaneReset}
	}
	ls.queue = nil
	cq.dropIfIdleLocked(ls)

	cq.logger.Info().Str("lane", lane).Int("generation", ls.generation).Msg("Lane reset")
}

// SetConcurrency configures a lane's concurrency limit and pins the lane
func (cq *CommandQueue) SetConcurrency(lane string, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}

	cq.mu.Lock()
	ls := cq.laneLocked(lane)
	ls.pinned = true
	oldMax := ls.concurrency
	ls.concurrency = concurrency
	cq.mu.Unlock()

	cq.logger.Info().
		Str("lane", lane).
		Int("oldMax", oldMax).
		Int("newMax", concurrency).
		Msg("Lane concurrency updated")

	if concurrency > oldMax {
		cq.processLane(ls)
	}
}

// WaitForActive waits until no lane has a running task, up to timeout
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		allDrained := true
		cq.mu.Lock()
		for _, ls := range cq.lanes {
			if ls.running > 0 {
				allDrained = false
				break
			}
		}
		cq.mu.Unlock()

		if allDrained {
			return true
		}
		if time.Now().After(deadline) {
			cq.logger.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close rejects queued tasks, cancels running ones and waits for them to return
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	cq.cancel()
	for _, ls := range cq.lanes {
		for _, record := range ls.queue {
			record.result <- taskResult{err: ErrClosed}
		}
		ls.queue = nil
	}
	cq.mu.Unlock()

	cq.wg.Wait()
	return nil
}

// On registers an event handler for a specific event type
func (cq *CommandQueue) On(eventType string, handler EventHandler) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()

	cq.eventHandlers[eventType] = append(cq.eventHandlers[eventType], handler)
}

// Off removes all handlers for the event type
func (cq *CommandQueue) Off(eventType string) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()

	delete(cq.eventHandlers, eventType)
}

// emit calls the registered handlers synchronously
func (cq *CommandQueue) emit(event Event) {
	cq.eventMu.RLock()
	handlers := cq.eventHandlers[event.Type]
	cq.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
