package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/f-sync/followsync/internal/clone"
)

const (
	cloneTaskPrefix          = "clone-"
	cloneTaskStatusRunning   = cloneTaskStatus("running")
	cloneTaskStatusCompleted = cloneTaskStatus("completed")
	cloneTaskStatusFailed    = cloneTaskStatus("failed")
)

// cloneTaskStatus represents the lifecycle state of a clone task.
type cloneTaskStatus string

// CloneRunFunc executes one clone run, reporting progress as it goes.
type CloneRunFunc func(ctx context.Context, progress clone.ProgressFunc) (clone.Result, error)

// CloneTaskSnapshot is the public state of a clone task.
type CloneTaskSnapshot struct {
	Identifier string          `json:"taskId"`
	SourceID   int64           `json:"sourceId"`
	Status     cloneTaskStatus `json:"status"`
	Result     clone.Result    `json:"result"`
	Error      string          `json:"error,omitempty"`
}

type cloneTask struct {
	identifier string
	sourceID   int64
	status     cloneTaskStatus
	result     clone.Result
	failure    string
}

// TaskTracker runs clone tasks in the background and keeps their state.
type TaskTracker struct {
	mutex        sync.Mutex
	tasks        map[string]*cloneTask
	nextSequence int

	baseContext context.Context
	cancel      context.CancelFunc
	running     sync.WaitGroup
}

// NewTaskTracker constructs a tracker whose tasks run until Shutdown.
func NewTaskTracker() *TaskTracker {
	baseContext, cancel := context.WithCancel(context.Background())
	return &TaskTracker{
		tasks:       make(map[string]*cloneTask),
		baseContext: baseContext,
		cancel:      cancel,
	}
}

// Launch registers a task for sourceID and starts run in its own goroutine.
func (tracker *TaskTracker) Launch(sourceID int64, run CloneRunFunc) CloneTaskSnapshot {
	tracker.mutex.Lock()
	tracker.nextSequence++
	identifier := fmt.Sprintf("%s%d", cloneTaskPrefix, tracker.nextSequence)
	task := &cloneTask{
		identifier: identifier,
		sourceID:   sourceID,
		status:     cloneTaskStatusRunning,
		result:     clone.Result{SourceID: sourceID},
	}
	tracker.tasks[identifier] = task
	snapshot := snapshotTask(task)
	tracker.running.Add(1)
	tracker.mutex.Unlock()

	go func() {
		defer tracker.running.Done()
		result, runErr := run(tracker.baseContext, func(progress clone.Result) {
			tracker.recordProgress(identifier, progress)
		})
		tracker.completeTask(identifier, result, runErr)
	}()
	return snapshot
}

// TaskSnapshot returns a copy of the task state.
func (tracker *TaskTracker) TaskSnapshot(identifier string) (CloneTaskSnapshot, bool) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	task, exists := tracker.tasks[identifier]
	if !exists {
		return CloneTaskSnapshot{}, false
	}
	return snapshotTask(task), true
}

// Wait blocks until every launched task has finished.
func (tracker *TaskTracker) Wait() {
	tracker.running.Wait()
}

// Shutdown cancels running tasks and waits for them.
func (tracker *TaskTracker) Shutdown() {
	tracker.cancel()
	tracker.running.Wait()
}

func (tracker *TaskTracker) recordProgress(identifier string, progress clone.Result) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	if task, exists := tracker.tasks[identifier]; exists && task.status == cloneTaskStatusRunning {
		task.result = progress
	}
}

func (tracker *TaskTracker) completeTask(identifier string, result clone.Result, runErr error) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	task, exists := tracker.tasks[identifier]
	if !exists {
		return
	}
	task.result = result
	if runErr != nil {
		task.status = cloneTaskStatusFailed
		task.failure = runErr.Error()
		return
	}
	task.status = cloneTaskStatusCompleted
}

func snapshotTask(task *cloneTask) CloneTaskSnapshot {
	result := task.result
	result.Errors = append([]clone.TargetError(nil), task.result.Errors...)
	return CloneTaskSnapshot{
		Identifier: task.identifier,
		SourceID:   task.sourceID,
		Status:     task.status,
		Result:     result,
		Error:      task.failure,
	}
}
