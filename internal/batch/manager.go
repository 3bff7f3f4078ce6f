// Package batch orchestrates generation runs: it owns the single-flight
// guard, feeds runner events back into the task store, and drives the
// auto-retry scheduler.
package batch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"whiskd/internal/captcha"
	"whiskd/internal/config"
	"whiskd/internal/metrics"
	"whiskd/internal/queue"
	"whiskd/internal/retry"
	"whiskd/internal/runner"
)

var (
	ErrBatchRunning   = errors.New("a batch is already running")
	ErrBridgeNotReady = errors.New("captcha bridge is not ready")
	ErrNoTasks        = errors.New("no tasks to run")
)

// Manager runs at most one batch at a time.
type Manager struct {
	store  queue.Store
	bridge *captcha.Bridge
	sched  *retry.Scheduler
	run    *runner.Runner

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	baseCtx context.Context
}

func NewManager(store queue.Store, bridge *captcha.Bridge, api runner.API, tokens runner.TokenSource, runnerOpts runner.Options, retryCfg config.RetryConfig) *Manager {
	m := &Manager{
		store:   store,
		bridge:  bridge,
		baseCtx: context.Background(),
	}
	m.sched = retry.NewScheduler(retryCfg, m.autoRetry)
	m.run = runner.New(api, tokens, runnerOpts, m.handleEvent)
	return m
}

// Scheduler exposes the retry scheduler for toggle endpoints.
func (m *Manager) Scheduler() *retry.Scheduler { return m.sched }

// SetBaseContext sets the context batches derive from. Cancelled during
// process shutdown.
func (m *Manager) SetBaseContext(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()
}

// Busy reports whether a batch is in flight.
func (m *Manager) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// RunAll starts every pending task. A manual run resets the retry budget.
// force skips the bridge preflight check.
func (m *Manager) RunAll(ctx context.Context, force bool) error {
	tasks, err := m.store.List(ctx)
	if err != nil {
		return err
	}
	var toRun []*queue.Task
	for _, t := range tasks {
		if t.Status == queue.StatusPending {
			toRun = append(toRun, t)
		}
	}
	return m.start(toRun, true, force)
}

// RunSelected starts the given tasks. Completed and errored tasks among the
// selection are reset to pending first.
func (m *Manager) RunSelected(ctx context.Context, ids []string, force bool) error {
	var toRun []*queue.Task
	for _, id := range ids {
		t, err := m.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if t.Status == queue.StatusRunning {
			continue
		}
		if t.Status != queue.StatusPending {
			t, err = m.resetToPending(ctx, id)
			if err != nil {
				return err
			}
		}
		toRun = append(toRun, t)
	}
	return m.start(toRun, true, force)
}

// RetryErrors resets every errored task to pending and runs them. Manual
// retry starts a fresh attempt budget.
func (m *Manager) RetryErrors(ctx context.Context, force bool) error {
	tasks, err := m.store.List(ctx)
	if err != nil {
		return err
	}
	var toRun []*queue.Task
	for _, t := range tasks {
		if t.Status != queue.StatusError {
			continue
		}
		reset, err := m.resetToPending(ctx, t.ID)
		if err != nil {
			return err
		}
		toRun = append(toRun, reset)
	}
	return m.start(toRun, true, force)
}

// Stop cancels the batch in flight. Running tasks end as errored with a
// cancellation message.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		log.Info().Msg("stopping batch")
		cancel()
	}
}

// WaitAll blocks until the in-flight batch finishes or ctx is done.
// Returns false on timeout.
func (m *Manager) WaitAll(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) start(tasks []*queue.Task, manual, force bool) error {
	if len(tasks) == 0 {
		return ErrNoTasks
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrBatchRunning
	}
	if !force && m.bridge != nil && !m.bridge.Ready() {
		m.mu.Unlock()
		return ErrBridgeNotReady
	}
	runCtx, cancel := context.WithCancel(m.baseCtx)
	m.running = true
	m.cancel = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	if manual {
		m.sched.Reset()
	} else {
		m.sched.Stop()
	}

	log.Info().Int("tasks", len(tasks)).Bool("manual", manual).Msg("batch started")
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.run.Execute(runCtx, tasks)
		m.finish()
	}()
	return nil
}

func (m *Manager) finish() {
	m.mu.Lock()
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	tasks, err := m.store.List(context.Background())
	if err != nil {
		log.Warn().Err(err).Msg("summary listing failed")
		return
	}
	var completed, failed, retryable int
	for _, t := range tasks {
		switch t.Status {
		case queue.StatusCompleted:
			completed++
		case queue.StatusError:
			failed++
			if m.sched.Retryable(t.ID) {
				retryable++
			}
		}
	}
	log.Info().Int("completed", completed).Int("errors", failed).Msg("batch finished")
	if retryable > 0 {
		m.sched.Arm()
	}
}

// handleEvent folds a runner progress event into the store.
func (m *Manager) handleEvent(e runner.Event) {
	u := queue.Update{
		Status:   queue.Ptr(e.Status),
		Progress: queue.Ptr(e.Progress),
		Note:     queue.Ptr(e.Note),
	}
	if e.ElapsedSeconds > 0 {
		u.ElapsedSeconds = queue.Ptr(e.ElapsedSeconds)
	}
	if e.OutputFiles != nil {
		u.OutputFiles = e.OutputFiles
	}
	if e.OperationName != "" {
		u.OperationName = queue.Ptr(e.OperationName)
	}
	if e.SceneID != "" {
		u.SceneID = queue.Ptr(e.SceneID)
	}
	switch e.Status {
	case queue.StatusCompleted:
		now := time.Now().UTC()
		u.CompletedAt = &now
		u.ErrorMessage = queue.Ptr("")
	case queue.StatusError:
		u.ErrorMessage = queue.Ptr(e.ErrorMessage)
		m.sched.RecordFailure(e.TaskID)
	}
	if _, err := m.store.Update(context.Background(), e.TaskID, u); err != nil {
		log.Warn().Str("task_id", e.TaskID).Err(err).Msg("store update failed")
	}
}

// autoRetry fires from the scheduler cooldown: errored tasks still under
// the attempt cap go back to pending and run again.
func (m *Manager) autoRetry() {
	if m.Busy() {
		log.Info().Msg("auto-retry skipped: batch already running")
		return
	}
	ctx := context.Background()
	tasks, err := m.store.List(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("auto-retry listing failed")
		return
	}
	var toRun []*queue.Task
	for _, t := range tasks {
		if t.Status != queue.StatusError || !m.sched.Retryable(t.ID) {
			continue
		}
		reset, err := m.resetToPending(ctx, t.ID)
		if err != nil {
			log.Warn().Str("task_id", t.ID).Err(err).Msg("auto-retry reset failed")
			continue
		}
		toRun = append(toRun, reset)
		metrics.TasksRetried.Inc()
	}
	if len(toRun) == 0 {
		return
	}
	log.Info().Int("tasks", len(toRun)).Msg("auto-retrying failed tasks")
	if err := m.start(toRun, false, true); err != nil {
		log.Warn().Err(err).Msg("auto-retry start failed")
	}
}

func (m *Manager) resetToPending(ctx context.Context, id string) (*queue.Task, error) {
	return m.store.Update(ctx, id, queue.Update{
		Status:         queue.Ptr(queue.StatusPending),
		Progress:       queue.Ptr(0),
		Note:           queue.Ptr(""),
		ElapsedSeconds: queue.Ptr(0.0),
		ErrorMessage:   queue.Ptr(""),
	})
}
