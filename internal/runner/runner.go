// Package runner executes generation tasks with bounded concurrency. Each
// task walks the same pipeline: upload references, fetch a captcha token,
// submit, poll until done, download the result. Progress is reported
// through events; the runner itself never touches the task store.
package runner

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"whiskd/internal/labs"
	"whiskd/internal/metrics"
	"whiskd/internal/queue"
)

// API is the slice of the generation client the runner needs.
type API interface {
	SubmitGeneration(ctx context.Context, req labs.GenerationRequest) (*labs.Submission, error)
	PollStatus(ctx context.Context, operationName, sceneID, currentStatus string) (*labs.PollResult, error)
	UploadReference(ctx context.Context, path, category string) (*labs.MediaInput, error)
	DownloadMedia(ctx context.Context, url, destPath string) error
}

// TokenSource hands out captcha tokens per channel. *captcha.Registry
// satisfies it.
type TokenSource interface {
	Announce(channel int, action string, count int)
	Withdraw(channel int)
	Pop(ctx context.Context, channel int, timeout time.Duration) (string, error)
	Channels() int
}

// Event is one progress update for a task. ErrorMessage is set only on
// terminal error events.
type Event struct {
	TaskID         string
	Status         queue.Status
	Progress       int
	Note           string
	ElapsedSeconds float64
	ErrorMessage   string
	OutputFiles    []string
	OperationName  string
	SceneID        string
}

// Options configure a Runner.
type Options struct {
	Concurrency  int
	TaskTimeout  time.Duration
	PollInterval time.Duration
	CaptchaWait  time.Duration
	PollMax      time.Duration

	// Channel pins all tasks to one token channel; 0 distributes tasks
	// round-robin over all channels.
	Channel             int
	ProceedWithoutToken bool

	ModelKey  string
	OutputDir string
}

// Runner runs tasks through the generation pipeline. Safe for concurrent
// use; Execute may be called once per batch.
type Runner struct {
	api     API
	tokens  TokenSource
	opts    Options
	emit    func(Event)
	sem     chan struct{}
	wg      sync.WaitGroup
	nextRR  atomic.Int64
	running atomic.Int64
}

func New(api API, tokens TokenSource, opts Options, emit func(Event)) *Runner {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if emit == nil {
		emit = func(Event) {}
	}
	return &Runner{
		api:    api,
		tokens: tokens,
		opts:   opts,
		emit:   emit,
		sem:    make(chan struct{}, opts.Concurrency),
	}
}

// Busy reports whether any task is currently executing.
func (r *Runner) Busy() bool { return r.running.Load() > 0 }

// Execute runs all tasks with bounded concurrency and blocks until they
// finish or ctx is cancelled. Tasks not yet started when ctx is cancelled
// are reported as stopped.
func (r *Runner) Execute(ctx context.Context, tasks []*queue.Task) {
	for _, t := range tasks {
		select {
		case <-ctx.Done():
			r.reportStopped(t, 0)
			continue
		case r.sem <- struct{}{}:
		}
		r.wg.Add(1)
		go func(t *queue.Task) {
			defer r.wg.Done()
			defer func() { <-r.sem }()
			r.runTask(ctx, t)
		}(t)
	}
	r.wg.Wait()
}

func (r *Runner) runTask(ctx context.Context, t *queue.Task) {
	r.running.Add(1)
	metrics.TasksRunning.Inc()
	defer func() {
		r.running.Add(-1)
		metrics.TasksRunning.Dec()
	}()

	start := time.Now()
	taskCtx, cancel := context.WithTimeout(ctx, r.opts.TaskTimeout)
	defer cancel()

	r.emit(Event{
		TaskID:   t.ID,
		Status:   queue.StatusRunning,
		Progress: 10 + rand.Intn(6), //nolint:gosec // cosmetic jitter
	})

	outputs, err := r.generate(taskCtx, t)
	elapsed := time.Since(start)

	if err != nil {
		err = r.mapCtxError(ctx, taskCtx, err, elapsed)
		log.Error().Str("task_id", t.ID).Err(err).Msg("task failed")
		metrics.RecordTaskFailed(FailureReason(err), elapsed)
		msg := err.Error()
		if errors.Is(err, errStopped) {
			msg = "Cancelled by user"
		}
		r.emit(Event{
			TaskID:         t.ID,
			Status:         queue.StatusError,
			Progress:       0,
			ElapsedSeconds: elapsed.Seconds(),
			ErrorMessage:   msg,
			OutputFiles:    outputs,
		})
		return
	}

	metrics.RecordTaskCompleted(elapsed)
	r.emit(Event{
		TaskID:         t.ID,
		Status:         queue.StatusCompleted,
		Progress:       100,
		ElapsedSeconds: elapsed.Seconds(),
		OutputFiles:    outputs,
	})
}

// mapCtxError rewrites context cancellation into the vocabulary users see.
func (r *Runner) mapCtxError(ctx, taskCtx context.Context, err error, elapsed time.Duration) error {
	switch {
	case ctx.Err() != nil:
		return errStopped
	case errors.Is(taskCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w after %ds", errTaskTimeout, int(elapsed.Seconds()))
	default:
		return err
	}
}

func (r *Runner) generate(ctx context.Context, t *queue.Task) ([]string, error) {
	mediaInputs, err := r.prepareMedia(ctx, t)
	if err != nil {
		return nil, err
	}

	var outputs []string
	for imgIdx := 0; imgIdx < t.ImagesPerPrompt; imgIdx++ {
		if ctx.Err() != nil {
			return outputs, ctx.Err()
		}
		path, err := r.generateOne(ctx, t, imgIdx, mediaInputs)
		if err != nil {
			return outputs, err
		}
		outputs = append(outputs, path)
	}
	return outputs, nil
}

// prepareMedia resolves the task's reference assets. Preloaded media inputs
// skip uploads entirely; fresh uploads are best-effort, a failed reference
// does not fail the task.
func (r *Runner) prepareMedia(ctx context.Context, t *queue.Task) ([]labs.MediaInput, error) {
	if len(t.MediaInputs) > 0 {
		inputs := make([]labs.MediaInput, 0, len(t.MediaInputs))
		for _, m := range t.MediaInputs {
			inputs = append(inputs, labs.MediaInput{MediaID: m.MediaID, Category: m.Category})
		}
		r.emit(Event{
			TaskID:   t.ID,
			Status:   queue.StatusRunning,
			Progress: 10,
			Note:     fmt.Sprintf("using %d preloaded reference(s)", len(inputs)),
		})
		return inputs, nil
	}
	if len(t.References) == 0 {
		return nil, nil
	}

	inputs := make([]labs.MediaInput, 0, len(t.References))
	for i, ref := range t.References {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		pct := 5 + i*5/len(t.References)
		r.emit(Event{
			TaskID:   t.ID,
			Status:   queue.StatusRunning,
			Progress: pct,
			Note:     fmt.Sprintf("uploading %d/%d (%s)", i+1, len(t.References), ref.Category),
		})
		media, err := r.api.UploadReference(ctx, ref.Path, ref.Category)
		if err != nil {
			log.Warn().Str("task_id", t.ID).Str("category", ref.Category).Err(err).
				Msg("reference upload failed")
			continue
		}
		inputs = append(inputs, *media)
	}
	r.emit(Event{TaskID: t.ID, Status: queue.StatusRunning, Progress: 10, Note: ""})
	return inputs, nil
}

func (r *Runner) generateOne(ctx context.Context, t *queue.Task, imgIdx int, mediaInputs []labs.MediaInput) (string, error) {
	token, err := r.fetchToken(ctx, t)
	if err != nil {
		return "", err
	}

	r.emit(Event{
		TaskID:   t.ID,
		Status:   queue.StatusRunning,
		Progress: 20,
		Note:     "sending generation request",
	})
	modelKey := t.ModelKey
	if modelKey == "" {
		modelKey = r.opts.ModelKey
	}
	metrics.Submissions.Inc()
	sub, err := r.api.SubmitGeneration(ctx, labs.GenerationRequest{
		Prompt:       t.Prompt,
		AspectRatio:  t.AspectRatio,
		ModelKey:     modelKey,
		CaptchaToken: token,
		MediaInputs:  mediaInputs,
	})
	if err != nil {
		return "", err
	}

	r.emit(Event{
		TaskID:        t.ID,
		Status:        queue.StatusRunning,
		Progress:      25,
		Note:          fmt.Sprintf("generating (polling every %ds)", int(r.opts.PollInterval.Seconds())),
		OperationName: sub.OperationName,
		SceneID:       sub.SceneID,
	})

	fifeURL, err := r.pollUntilReady(ctx, t, sub)
	if err != nil {
		return "", err
	}

	r.emit(Event{TaskID: t.ID, Status: queue.StatusRunning, Progress: 92, Note: "downloading result"})
	dest := r.outputPath(t, imgIdx)
	if err := r.api.DownloadMedia(ctx, fifeURL, dest); err != nil {
		return "", err
	}
	log.Info().Str("task_id", t.ID).Str("path", dest).Msg("result saved")
	return dest, nil
}

func (r *Runner) fetchToken(ctx context.Context, t *queue.Task) (string, error) {
	channel := r.opts.Channel
	if channel == 0 {
		channel = int(r.nextRR.Add(1)-1)%r.tokens.Channels() + 1
	}
	r.emit(Event{
		TaskID:   t.ID,
		Status:   queue.StatusRunning,
		Progress: 18,
		Note:     fmt.Sprintf("waiting for captcha token (channel %d)", channel),
	})
	r.tokens.Announce(channel, "generate", 1)
	token, err := r.tokens.Pop(ctx, channel, r.opts.CaptchaWait)
	if err != nil {
		r.tokens.Withdraw(channel)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if r.opts.ProceedWithoutToken {
			log.Warn().Str("task_id", t.ID).Int("channel", channel).
				Msg("no captcha token, proceeding without one")
			return "", nil
		}
		return "", fmt.Errorf("%w (channel %d)", ErrNoCaptchaToken, channel)
	}
	return token, nil
}

// pollUntilReady polls the operation until it succeeds, fails, or the
// polling budget runs out. Transient poll errors are retried on the next
// tick.
func (r *Runner) pollUntilReady(ctx context.Context, t *queue.Task, sub *labs.Submission) (string, error) {
	pollStart := time.Now()
	currentStatus := sub.Status
	pollCount := 0

	for {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		pollElapsed := time.Since(pollStart)
		if pollElapsed >= r.opts.PollMax {
			return "", fmt.Errorf("%w (%ds)", ErrPollTimeout, int(pollElapsed.Seconds()))
		}
		if pollCount > 0 {
			if err := sleepCtx(ctx, r.opts.PollInterval); err != nil {
				return "", err
			}
			pollElapsed = time.Since(pollStart)
		}
		pollCount++

		pct := 25 + int(pollElapsed.Seconds()/r.opts.PollMax.Seconds()*65)
		if pct > 90 {
			pct = 90
		}
		r.emit(Event{
			TaskID:   t.ID,
			Status:   queue.StatusRunning,
			Progress: pct,
			Note:     fmt.Sprintf("polling #%d (%dm%02ds)", pollCount, int(pollElapsed.Minutes()), int(pollElapsed.Seconds())%60),
		})

		res, err := r.api.PollStatus(ctx, sub.OperationName, sub.SceneID, currentStatus)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			log.Warn().Str("task_id", t.ID).Int("poll", pollCount).Err(err).Msg("poll attempt failed")
			continue
		}
		switch {
		case res.Succeeded():
			if res.FifeURL == "" {
				return "", ErrNoDownloadURL
			}
			return res.FifeURL, nil
		case res.Failed():
			return "", fmt.Errorf("%w: %s", ErrGenerationFailed, res.ErrorMessage)
		}
		currentStatus = res.Status
	}
}

// outputPath builds <dir>/<prefix>_<seq>[_<n>].mp4 with the sequence number
// zero-padded to three digits.
func (r *Runner) outputPath(t *queue.Task, imgIdx int) string {
	dir := t.OutputDir
	if dir == "" {
		dir = r.opts.OutputDir
	}
	var parts []string
	if t.OutputPrefix != "" {
		prefix := strings.TrimSuffix(t.OutputPrefix, filepath.Ext(t.OutputPrefix))
		parts = append(parts, prefix)
	}
	parts = append(parts, fmt.Sprintf("%03d", t.Seq))
	if imgIdx > 0 {
		parts = append(parts, fmt.Sprintf("%d", imgIdx+1))
	}
	return filepath.Join(dir, strings.Join(parts, "_")+".mp4")
}

func (r *Runner) reportStopped(t *queue.Task, elapsed float64) {
	r.emit(Event{
		TaskID:         t.ID,
		Status:         queue.StatusError,
		Progress:       0,
		ElapsedSeconds: elapsed,
		ErrorMessage:   "Cancelled by user",
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
