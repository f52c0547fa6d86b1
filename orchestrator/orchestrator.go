// Package orchestrator runs batch verification jobs: a worker pool
// pulls addresses off a shared queue, invokes the caller-supplied
// verification pipeline, and publishes each result under a per-task
// lock. Two pool flavors share these semantics — an in-process
// channel-fed pool, and a Redis-queue-backed pool whose workers never
// share probe state.
package orchestrator

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mailverify/errlog"
	"mailverify/models"
)

// WorkerMode selects between a shared-memory pool and a
// Redis-queue-backed, process-isolated pool. Semantics (at-most-once,
// monotonic progress, ordering-agnostic) are identical either way.
type WorkerMode string

const (
	ModeThreaded WorkerMode = "threaded"
	ModeProcess  WorkerMode = "process"
)

// VerifyFunc is the full verification pipeline the orchestrator
// invokes for each address; supplied by the Engine so this package
// never imports it back.
type VerifyFunc func(ctx context.Context, address string, method models.Method) models.VerificationResult

// ResultHook is called once per published address result, letting the
// Engine mirror it into durable storage (taskstore) without this
// package importing it back.
type ResultHook func(taskID, address string, result models.VerificationResult)

// CompletionHook is called once, when a task transitions to completed.
type CompletionHook func(taskID string)

// Task is the in-memory, lock-guarded batch job record.
type Task struct {
	mu        sync.Mutex
	ID        string
	Method    models.Method
	Status    models.TaskStatus
	Total     int
	Completed int
	Start     time.Time
	End       time.Time
	Results   map[string]models.VerificationResult
}

func (t *Task) snapshot() Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	results := make(map[string]models.VerificationResult, len(t.Results))
	for k, v := range t.Results {
		results[k] = v
	}
	return Task{
		ID: t.ID, Method: t.Method, Status: t.Status,
		Total: t.Total, Completed: t.Completed,
		Start: t.Start, End: t.End, Results: results,
	}
}

// publish records result under address and reports whether this call
// was the one that drove the task to completion.
func (t *Task) publish(address string, result models.VerificationResult) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Results[address] = result
	t.Completed++
	if t.Completed >= t.Total {
		t.Status = models.TaskCompleted
		t.End = time.Now()
		return true
	}
	return false
}

// Orchestrator owns the task table and worker pool configuration.
type Orchestrator struct {
	mu    sync.RWMutex
	tasks map[string]*Task

	workerCount int
	mode        WorkerMode
	jitterMin   time.Duration
	jitterMax   time.Duration
	verify      VerifyFunc

	redisClient *redis.Client
	log         *logrus.Entry

	onResult     ResultHook
	onCompletion CompletionHook
}

// SetHooks registers the durable-persistence callbacks the Engine uses
// to mirror task progress into taskstore. Either argument may be nil.
// Must be called before StartBatch.
func (o *Orchestrator) SetHooks(onResult ResultHook, onCompletion CompletionHook) {
	o.onResult = onResult
	o.onCompletion = onCompletion
}

func New(workerCount int, mode WorkerMode, jitterMin, jitterMax time.Duration, verify VerifyFunc, redisClient *redis.Client) *Orchestrator {
	if workerCount < 1 {
		workerCount = 1
	}
	return &Orchestrator{
		tasks:       make(map[string]*Task),
		workerCount: workerCount,
		mode:        mode,
		jitterMin:   jitterMin,
		jitterMax:   jitterMax,
		verify:      verify,
		redisClient: redisClient,
		log:         logrus.WithField("component", "orchestrator"),
	}
}

// StartBatch creates a Task for addresses and spawns the worker pool,
// returning immediately with the task ID; the batch runs in the
// background. A fatal per-address error never halts the batch — it
// is caught and reported as a RISKY verdict.
func (o *Orchestrator) StartBatch(ctx context.Context, addresses []string, method models.Method) string {
	taskID := uuid.NewString()
	task := &Task{
		ID: taskID, Method: method, Status: models.TaskRunning,
		Total: len(addresses), Start: time.Now(),
		Results: make(map[string]models.VerificationResult, len(addresses)),
	}

	o.mu.Lock()
	o.tasks[taskID] = task
	o.mu.Unlock()

	switch o.mode {
	case ModeProcess:
		go o.runProcessIsolated(ctx, task, addresses)
	default:
		go o.runThreaded(ctx, task, addresses)
	}

	return taskID
}

// runThreaded is the shared-state worker pool: W goroutines pull
// addresses off one channel and write results through the task's own
// lock.
func (o *Orchestrator) runThreaded(ctx context.Context, task *Task, addresses []string) {
	queue := make(chan string, len(addresses))
	for _, a := range addresses {
		queue <- a
	}
	close(queue)

	var wg sync.WaitGroup
	for i := 0; i < o.workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for address := range queue {
				o.verifyOne(ctx, task, address)
				time.Sleep(interAddressJitter(o.jitterMin, o.jitterMax))
			}
		}()
	}
	wg.Wait()
}

// runProcessIsolated pushes every address onto a Redis list and
// spawns W goroutines, each its own "process" in the sense that it
// never shares in-memory probe state with the others — only the
// queue and the task's results map are shared, via Redis and the
// task lock respectively.
func (o *Orchestrator) runProcessIsolated(ctx context.Context, task *Task, addresses []string) {
	if o.redisClient == nil {
		o.log.Warn("process-isolated mode requested without a Redis client, falling back to threaded")
		o.runThreaded(ctx, task, addresses)
		return
	}

	queueKey := fmt.Sprintf("mailverify:batch:%s:queue", task.ID)
	for _, a := range addresses {
		if err := o.redisClient.RPush(ctx, queueKey, a).Err(); err != nil {
			o.log.WithError(err).Error("failed to enqueue address")
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < o.workerCount; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			o.processWorker(ctx, task, queueKey, workerID)
		}(i)
	}
	wg.Wait()
	_ = o.redisClient.Del(ctx, queueKey).Err()
}

func (o *Orchestrator) processWorker(ctx context.Context, task *Task, queueKey string, workerID int) {
	for {
		result, err := o.redisClient.LPop(ctx, queueKey).Result()
		if err == redis.Nil {
			return
		}
		if err != nil {
			o.log.WithError(err).WithField("worker", workerID).Warn("queue pop failed")
			return
		}

		o.verifyOne(ctx, task, result)
		time.Sleep(interAddressJitter(o.jitterMin, o.jitterMax))
	}
}

func (o *Orchestrator) verifyOne(ctx context.Context, task *Task, address string) {
	result := o.safeVerify(ctx, address, task.Method)
	completed := task.publish(address, result)
	if o.onResult != nil {
		o.onResult(task.ID, address, result)
	}
	if completed && o.onCompletion != nil {
		o.onCompletion(task.ID)
	}
}

// safeVerify is the per-address fatal-error boundary: a panic in the
// verification pipeline is caught and reported as a RISKY verdict
// rather than crashing the worker or halting the batch.
func (o *Orchestrator) safeVerify(ctx context.Context, address string, method models.Method) (result models.VerificationResult) {
	defer func() {
		if r := recover(); r != nil {
			errlog.LogError("verification_panic", fmt.Errorf("%v", r), map[string]interface{}{"address": address})
			result = models.VerificationResult{
				Address: address, Verdict: models.Risky,
				Reason: fmt.Sprintf("Verification error: %v", r), Timestamp: time.Now(),
			}
		}
	}()
	return o.verify(ctx, address, method)
}

// TaskStatus reports the task's current progress.
func (o *Orchestrator) TaskStatus(taskID string) (models.TaskStatus, int, int, error) {
	task, err := o.getTask(taskID)
	if err != nil {
		return "", 0, 0, err
	}
	snap := task.snapshot()
	return snap.Status, snap.Total, snap.Completed, nil
}

// TaskResults returns every result published so far for taskID.
func (o *Orchestrator) TaskResults(taskID string) (map[string]models.VerificationResult, error) {
	task, err := o.getTask(taskID)
	if err != nil {
		return nil, err
	}
	return task.snapshot().Results, nil
}

func (o *Orchestrator) getTask(taskID string) (*Task, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	task, ok := o.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("unknown task %s", taskID)
	}
	return task, nil
}

func interAddressJitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	delta := max - min
	n, _ := rand.Int(rand.Reader, big.NewInt(int64(delta)))
	return min + time.Duration(n.Int64())
}
