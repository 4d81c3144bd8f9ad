package jobqueue

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// DefaultJobTimeout bounds a single job execution attempt. An ensemble
// pass over a cold roster can take minutes on constrained hardware, so
// this deliberately stays generous; callers can lower it per queue.
const DefaultJobTimeout = 5 * time.Minute

// JobQueue manages a queue of jobs that can be retried
type JobQueue struct {
	jobs               []*Job
	archivedJobs       []*Job // Terminal jobs kept for inspection instead of discarded
	mu                 sync.Mutex
	stats              JobStats
	jobCounter         int
	stopCh             chan struct{}
	runningJobs        sync.WaitGroup // Track running jobs for graceful shutdown
	isRunning          bool
	maxArchivedJobs    int           // Maximum number of archived jobs to keep
	maxJobs            int           // Maximum number of pending jobs in the queue
	jobTimeout         time.Duration // Per-attempt execution timeout
	logAllSuccesses    bool          // Whether to log all successful jobs, not just retries
	processCancel      context.CancelFunc
	processingInterval time.Duration // Interval for the processing ticker
	depthGauge         func(int)     // Optional hook reporting pending depth to metrics
}

// NewJobQueue creates a new job queue with default settings
func NewJobQueue() *JobQueue {
	return NewJobQueueWithOptions(1000, 100, false)
}

// NewJobQueueWithOptions creates a new job queue with custom settings
func NewJobQueueWithOptions(maxJobs, maxArchivedJobs int, logAllSuccesses bool) *JobQueue {
	return &JobQueue{
		jobs:               make([]*Job, 0),
		archivedJobs:       make([]*Job, 0),
		stopCh:             make(chan struct{}),
		maxArchivedJobs:    maxArchivedJobs,
		maxJobs:            maxJobs,
		jobTimeout:         DefaultJobTimeout,
		logAllSuccesses:    logAllSuccesses,
		processingInterval: 1 * time.Second,
		stats: JobStats{
			ActionStats: make(map[string]ActionStats),
		},
	}
}

// SetProcessingInterval sets the processing ticker interval. Mostly
// useful in tests that cannot wait a full second per cycle.
func (q *JobQueue) SetProcessingInterval(interval time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processingInterval = interval
}

// SetJobTimeout sets the per-attempt execution timeout.
func (q *JobQueue) SetJobTimeout(timeout time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if timeout > 0 {
		q.jobTimeout = timeout
	}
}

// SetDepthGauge installs a hook that receives the pending job count
// whenever it changes, used to feed the queue depth metric.
func (q *JobQueue) SetDepthGauge(fn func(int)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.depthGauge = fn
}

// reportDepth pushes the current pending count to the gauge hook.
// Must be called with q.mu held.
func (q *JobQueue) reportDepth() {
	if q.depthGauge != nil {
		pending := 0
		for _, job := range q.jobs {
			if job.Status == JobStatusPending || job.Status == JobStatusRetrying {
				pending++
			}
		}
		q.depthGauge(pending)
	}
}

// Start starts the job queue processing
func (q *JobQueue) Start() {
	q.StartWithContext(context.Background())
}

// StartWithContext starts the job queue processing with a context
func (q *JobQueue) StartWithContext(ctx context.Context) {
	q.mu.Lock()
	if q.isRunning {
		q.mu.Unlock()
		return
	}
	q.isRunning = true
	q.stopCh = make(chan struct{}) // Ensure we have a fresh stop channel
	q.mu.Unlock()

	// Create a derived context that we can cancel when stopping
	processCtx, cancel := context.WithCancel(ctx)

	q.mu.Lock()
	q.processCancel = cancel
	q.mu.Unlock()

	go q.processJobs(processCtx)
}

// Stop stops the job queue processing
func (q *JobQueue) Stop() error {
	return q.StopWithTimeout(10 * time.Second)
}

// StopWithTimeout stops the job queue processing with a timeout
func (q *JobQueue) StopWithTimeout(timeout time.Duration) error {
	q.mu.Lock()
	if !q.isRunning {
		q.mu.Unlock()
		return nil
	}
	q.isRunning = false

	if q.processCancel != nil {
		q.processCancel()
		q.processCancel = nil
	}

	close(q.stopCh)
	q.mu.Unlock()

	// Wait for all running jobs to complete with timeout
	c := make(chan struct{})
	go func() {
		q.runningJobs.Wait()
		close(c)
	}()

	select {
	case <-c:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timed out waiting for jobs to complete after %v", timeout)
	}
}

// Enqueue adds a job to the queue
func (q *JobQueue) Enqueue(action Action, data any, config RetryConfig) (*Job, error) {
	if action == nil {
		return nil, ErrNilAction
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.isRunning {
		return nil, ErrQueueStopped
	}

	// Queue full: drop the oldest pending job to make room, or reject.
	if len(q.jobs) >= q.maxJobs {
		if !q.dropOldestPendingJob() {
			q.stats.DroppedJobs++

			actionType := fmt.Sprintf("%T", action)
			stats := q.stats.ActionStats[actionType]
			stats.Dropped++
			q.stats.ActionStats[actionType] = stats

			return nil, fmt.Errorf("%w: maximum queue size (%d) reached", ErrQueueFull, q.maxJobs)
		}
	}

	q.jobCounter++
	job := &Job{
		ID:          fmt.Sprintf("job-%d", q.jobCounter),
		Action:      action,
		Data:        data,
		Attempts:    0,
		MaxAttempts: config.MaxRetries + 1,
		CreatedAt:   time.Now(),
		NextRetryAt: time.Now(), // Ready to run immediately
		Status:      JobStatusPending,
		Config:      config,
	}

	q.jobs = append(q.jobs, job)
	q.stats.TotalJobs++

	actionType := fmt.Sprintf("%T", action)
	stats := q.stats.ActionStats[actionType]
	stats.TypeName = actionType
	stats.Description = action.Description()
	stats.Attempted++
	q.stats.ActionStats[actionType] = stats

	logger.Debug("job enqueued", "job_id", job.ID, "action", action.Description())
	q.reportDepth()

	return job, nil
}

// dropOldestPendingJob removes the oldest pending job from the queue to
// make room for a new job. Returns true if a job was dropped.
// Must be called with q.mu held.
func (q *JobQueue) dropOldestPendingJob() bool {
	oldestIdx := -1
	var oldestTime time.Time

	for i, job := range q.jobs {
		if job.Status == JobStatusPending {
			if oldestIdx == -1 || job.CreatedAt.Before(oldestTime) {
				oldestIdx = i
				oldestTime = job.CreatedAt
			}
		}
	}

	if oldestIdx == -1 {
		return false
	}

	oldestJob := q.jobs[oldestIdx]
	q.jobs = append(q.jobs[:oldestIdx], q.jobs[oldestIdx+1:]...)

	q.stats.DroppedJobs++
	actionType := fmt.Sprintf("%T", oldestJob.Action)
	stats := q.stats.ActionStats[actionType]
	stats.Dropped++
	q.stats.ActionStats[actionType] = stats

	logger.Warn("dropped oldest pending job to make room", "job_id", oldestJob.ID)
	return true
}

// processJobs is the main job processing loop
func (q *JobQueue) processJobs(ctx context.Context) {
	q.mu.Lock()
	interval := q.processingInterval
	q.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			logger.Debug("job queue processing stopped via stop channel")
			return
		case <-ctx.Done():
			logger.Debug("job queue processing stopped via context", "error", ctx.Err())
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			q.cleanupStaleJobs(ctx)
			q.processDueJobs(ctx)
		}
	}
}

// cleanupStaleJobs moves completed and failed jobs to the archived jobs list
func (q *JobQueue) cleanupStaleJobs(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var activeJobs []*Job
	var staleJobs []*Job

	for _, job := range q.jobs {
		if job.Status == JobStatusCompleted || job.Status == JobStatusFailed {
			staleJobs = append(staleJobs, job)
		} else {
			activeJobs = append(activeJobs, job)
		}
	}

	q.jobs = activeJobs
	q.archivedJobs = append(q.archivedJobs, staleJobs...)
	q.stats.StaleJobs += len(staleJobs)
	q.stats.ArchivedJobs = len(q.archivedJobs)

	// Trim archived jobs if needed
	if len(q.archivedJobs) > q.maxArchivedJobs {
		excess := len(q.archivedJobs) - q.maxArchivedJobs
		q.archivedJobs = q.archivedJobs[excess:]
		q.stats.ArchivedJobs = len(q.archivedJobs)
	}
}

// calculateBackoffDelay calculates the delay before the next retry attempt
func calculateBackoffDelay(config RetryConfig, attemptNum int) time.Duration {
	// Exponential backoff with jitter
	backoff := float64(config.InitialDelay) * math.Pow(config.Multiplier, float64(attemptNum))

	// Add some jitter (±10%)
	jitterFactor := 0.9 + 0.2*float64(time.Now().Nanosecond())/1e9
	backoff *= jitterFactor

	if backoff > float64(config.MaxDelay) {
		backoff = float64(config.MaxDelay)
	}

	return time.Duration(backoff)
}

// processDueJobs processes jobs that are due for execution
func (q *JobQueue) processDueJobs(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	q.mu.Lock()

	var dueJobs []*Job
	now := time.Now()

	for _, job := range q.jobs {
		if (job.Status == JobStatusPending || job.Status == JobStatusRetrying) && !job.NextRetryAt.After(now) {
			dueJobs = append(dueJobs, job)
			job.Status = JobStatusRunning
		}
	}

	q.reportDepth()
	q.mu.Unlock()

	for _, job := range dueJobs {
		if ctx.Err() != nil {
			// Context cancelled, revert claimed jobs and return
			q.mu.Lock()
			for _, j := range dueJobs {
				if j.Status == JobStatusRunning {
					if j.Attempts > 0 {
						j.Status = JobStatusRetrying
					} else {
						j.Status = JobStatusPending
					}
				}
			}
			q.mu.Unlock()
			return
		}

		q.runningJobs.Add(1)
		go func(j *Job) {
			defer q.runningJobs.Done()
			q.executeJob(ctx, j)
		}(job)
	}
}

// executeJob executes a job and handles retries if needed
func (q *JobQueue) executeJob(ctx context.Context, job *Job) {
	job.Attempts++

	q.mu.Lock()
	q.stats.RetryAttempts++
	timeout := q.jobTimeout
	actionType := fmt.Sprintf("%T", job.Action)
	stats := q.stats.ActionStats[actionType]
	stats.Retried++
	stats.LastExecutionTime = time.Now()
	q.stats.ActionStats[actionType] = stats
	q.mu.Unlock()

	if job.Attempts > 1 {
		logger.Info("retrying job", "job_id", job.ID, "action", job.Action.Description(),
			"attempt", job.Attempts, "max_attempts", job.MaxAttempts)
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Execute the job with panic recovery and error capture
	var err error
	done := make(chan struct{})

	go func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job execution panicked: %v", r)
			}
			close(done)
		}()

		err = job.Action.Execute(execCtx, job.Data)
	}()

	select {
	case <-done:
		// Normal completion, err is already set
	case <-execCtx.Done():
		ctxErr := execCtx.Err()
		if ctxErr == context.DeadlineExceeded {
			err = fmt.Errorf("job execution timed out after %v: %w", timeout, ctxErr)
		} else {
			err = fmt.Errorf("job execution was cancelled: %w", ctxErr)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	stats = q.stats.ActionStats[actionType]
	if err != nil {
		job.LastError = err
		stats.LastFailedTime = time.Now()
		stats.LastErrorMessage = truncateMessage(err.Error())

		if job.Attempts >= job.MaxAttempts {
			job.Status = JobStatusFailed
			q.stats.FailedJobs++
			stats.Failed++
			logger.Error("job permanently failed", "job_id", job.ID,
				"action", job.Action.Description(), "attempts", job.Attempts, "error", err)
		} else {
			job.Status = JobStatusRetrying
			delay := calculateBackoffDelay(job.Config, job.Attempts)
			job.NextRetryAt = time.Now().Add(delay)
			logger.Warn("job failed, will retry", "job_id", job.ID,
				"action", job.Action.Description(), "retry_in", delay.String(),
				"attempt", job.Attempts, "max_attempts", job.MaxAttempts, "error", err)
		}
	} else {
		job.Status = JobStatusCompleted
		q.stats.SuccessfulJobs++
		stats.Successful++
		stats.LastSuccessfulTime = time.Now()

		if job.Attempts > 1 {
			logger.Info("job succeeded after retries", "job_id", job.ID,
				"action", job.Action.Description(), "attempts", job.Attempts)
		} else if q.logAllSuccesses {
			logger.Info("job succeeded", "job_id", job.ID, "action", job.Action.Description())
		}
	}
	q.stats.ActionStats[actionType] = stats
	q.reportDepth()
}

// truncateMessage bounds stored error messages.
func truncateMessage(msg string) string {
	if len(msg) > MaxMessageLength {
		return msg[:MaxMessageLength] + "... [truncated]"
	}
	return msg
}

// GetStats returns a snapshot of the current job statistics
func (q *JobQueue) GetStats() JobStatsSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	actionStatsCopy := make(map[string]ActionStats, len(q.stats.ActionStats))
	for k, v := range q.stats.ActionStats {
		actionStatsCopy[k] = v
	}

	pending := 0
	for _, job := range q.jobs {
		if job.Status == JobStatusPending || job.Status == JobStatusRetrying {
			pending++
		}
	}

	utilization := 0.0
	if q.maxJobs > 0 {
		utilization = float64(len(q.jobs)) / float64(q.maxJobs) * 100.0
	}

	return JobStatsSnapshot{
		TotalJobs:        q.stats.TotalJobs,
		SuccessfulJobs:   q.stats.SuccessfulJobs,
		FailedJobs:       q.stats.FailedJobs,
		StaleJobs:        q.stats.StaleJobs,
		ArchivedJobs:     q.stats.ArchivedJobs,
		DroppedJobs:      q.stats.DroppedJobs,
		RetryAttempts:    q.stats.RetryAttempts,
		PendingJobs:      pending,
		MaxQueueSize:     q.maxJobs,
		QueueUtilization: utilization,
		ActionStats:      actionStatsCopy,
	}
}

// GetDefaultRetryConfig returns a default retry configuration
func GetDefaultRetryConfig(enabled bool) RetryConfig {
	if !enabled {
		return RetryConfig{Enabled: false}
	}

	return RetryConfig{
		Enabled:      true,
		MaxRetries:   5,
		InitialDelay: 30 * time.Second,
		MaxDelay:     1 * time.Hour,
		Multiplier:   2.0,
	}
}

// GetMaxJobs returns the maximum number of jobs allowed in the queue
func (q *JobQueue) GetMaxJobs() int {
	return q.maxJobs
}

// ProcessImmediately processes any pending jobs immediately without
// waiting for the ticker. Intended for tests.
func (q *JobQueue) ProcessImmediately(ctx context.Context) {
	q.cleanupStaleJobs(ctx)
	q.processDueJobs(ctx)
}

// GetPendingJobs returns a slice of all pending jobs in the queue.
// Primarily intended for tests.
func (q *JobQueue) GetPendingJobs() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	pendingJobs := make([]*Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		if job.Status == JobStatusPending {
			pendingJobs = append(pendingJobs, job)
		}
	}

	return pendingJobs
}
