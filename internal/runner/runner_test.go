package runner

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"whiskd/internal/labs"
	"whiskd/internal/queue"
)

type fakeAPI struct {
	submit   func(ctx context.Context, req labs.GenerationRequest) (*labs.Submission, error)
	poll     func(ctx context.Context, op, scene, status string) (*labs.PollResult, error)
	upload   func(ctx context.Context, path, category string) (*labs.MediaInput, error)
	download func(ctx context.Context, url, dest string) error
}

func (f *fakeAPI) SubmitGeneration(ctx context.Context, req labs.GenerationRequest) (*labs.Submission, error) {
	if f.submit != nil {
		return f.submit(ctx, req)
	}
	return &labs.Submission{OperationName: "ops/1", SceneID: "scene-1", Status: labs.StatusActive}, nil
}

func (f *fakeAPI) PollStatus(ctx context.Context, op, scene, status string) (*labs.PollResult, error) {
	if f.poll != nil {
		return f.poll(ctx, op, scene, status)
	}
	return &labs.PollResult{Status: labs.StatusSuccessful, FifeURL: "https://media/x.mp4"}, nil
}

func (f *fakeAPI) UploadReference(ctx context.Context, path, category string) (*labs.MediaInput, error) {
	if f.upload != nil {
		return f.upload(ctx, path, category)
	}
	return &labs.MediaInput{MediaID: "m-1", Category: category}, nil
}

func (f *fakeAPI) DownloadMedia(ctx context.Context, url, dest string) error {
	if f.download != nil {
		return f.download(ctx, url, dest)
	}
	return nil
}

type fakeTokens struct {
	pop      func(ctx context.Context, channel int, timeout time.Duration) (string, error)
	channels int
}

func (f *fakeTokens) Announce(channel int, action string, count int) {}

func (f *fakeTokens) Withdraw(channel int) {}

func (f *fakeTokens) Pop(ctx context.Context, channel int, timeout time.Duration) (string, error) {
	if f.pop != nil {
		return f.pop(ctx, channel, timeout)
	}
	return "token", nil
}

func (f *fakeTokens) Channels() int {
	if f.channels == 0 {
		return 5
	}
	return f.channels
}

type eventSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *eventSink) record(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *eventSink) last(taskID string) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].TaskID == taskID {
			return s.events[i], true
		}
	}
	return Event{}, false
}

func testOptions() Options {
	return Options{
		Concurrency:  2,
		TaskTimeout:  5 * time.Second,
		PollInterval: time.Millisecond,
		CaptchaWait:  100 * time.Millisecond,
		PollMax:      time.Second,
		Channel:      1,
		ModelKey:     "veo_3_1_t2v_fast",
		OutputDir:    "out",
	}
}

func TestRunnerCompletesTask(t *testing.T) {
	var gotToken atomic.Value
	api := &fakeAPI{
		submit: func(ctx context.Context, req labs.GenerationRequest) (*labs.Submission, error) {
			gotToken.Store(req.CaptchaToken)
			return &labs.Submission{OperationName: "ops/1", SceneID: "sc", Status: labs.StatusActive}, nil
		},
	}
	sink := &eventSink{}
	r := New(api, &fakeTokens{}, testOptions(), sink.record)

	tk := queue.New("a fox")
	tk.Seq = 7
	tk.OutputPrefix = "batch.mp4"
	r.Execute(context.Background(), []*queue.Task{tk})

	last, ok := sink.last(tk.ID)
	if !ok || last.Status != queue.StatusCompleted || last.Progress != 100 {
		t.Fatalf("unexpected final event: %+v", last)
	}
	want := filepath.Join("out", "batch_007.mp4")
	if len(last.OutputFiles) != 1 || last.OutputFiles[0] != want {
		t.Fatalf("unexpected output files: %v", last.OutputFiles)
	}
	if gotToken.Load() != "token" {
		t.Fatalf("captcha token not forwarded: %v", gotToken.Load())
	}
}

func TestRunnerMultipleImagesPerPrompt(t *testing.T) {
	sink := &eventSink{}
	r := New(&fakeAPI{}, &fakeTokens{}, testOptions(), sink.record)

	tk := queue.New("three of them")
	tk.Seq = 2
	tk.OutputPrefix = "p"
	tk.ImagesPerPrompt = 3
	r.Execute(context.Background(), []*queue.Task{tk})

	last, _ := sink.last(tk.ID)
	if len(last.OutputFiles) != 3 {
		t.Fatalf("expected 3 outputs, got %v", last.OutputFiles)
	}
	if filepath.Base(last.OutputFiles[0]) != "p_002.mp4" ||
		filepath.Base(last.OutputFiles[1]) != "p_002_2.mp4" ||
		filepath.Base(last.OutputFiles[2]) != "p_002_3.mp4" {
		t.Fatalf("unexpected output names: %v", last.OutputFiles)
	}
}

func TestRunnerConcurrencyBound(t *testing.T) {
	var active, peak int64
	api := &fakeAPI{
		poll: func(ctx context.Context, op, scene, status string) (*labs.PollResult, error) {
			cur := atomic.AddInt64(&active, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&active, -1)
			return &labs.PollResult{Status: labs.StatusSuccessful, FifeURL: "u"}, nil
		},
	}
	r := New(api, &fakeTokens{}, testOptions(), func(Event) {})

	tasks := make([]*queue.Task, 6)
	for i := range tasks {
		tasks[i] = queue.New("p")
		tasks[i].Seq = i + 1
	}
	r.Execute(context.Background(), tasks)

	if p := atomic.LoadInt64(&peak); p > 2 {
		t.Fatalf("concurrency bound exceeded: peak %d", p)
	}
}

func TestRunnerFailsWithoutCaptchaToken(t *testing.T) {
	tokens := &fakeTokens{pop: func(ctx context.Context, channel int, timeout time.Duration) (string, error) {
		return "", errors.New("timed out")
	}}
	sink := &eventSink{}
	r := New(&fakeAPI{}, tokens, testOptions(), sink.record)

	tk := queue.New("no token")
	r.Execute(context.Background(), []*queue.Task{tk})

	last, _ := sink.last(tk.ID)
	if last.Status != queue.StatusError || !strings.Contains(last.ErrorMessage, "captcha") {
		t.Fatalf("unexpected final event: %+v", last)
	}
}

func TestRunnerProceedsWithoutTokenWhenAllowed(t *testing.T) {
	tokens := &fakeTokens{pop: func(ctx context.Context, channel int, timeout time.Duration) (string, error) {
		return "", errors.New("timed out")
	}}
	opts := testOptions()
	opts.ProceedWithoutToken = true
	sink := &eventSink{}
	r := New(&fakeAPI{}, tokens, opts, sink.record)

	tk := queue.New("optimistic")
	r.Execute(context.Background(), []*queue.Task{tk})

	last, _ := sink.last(tk.ID)
	if last.Status != queue.StatusCompleted {
		t.Fatalf("expected completion without token, got %+v", last)
	}
}

func TestRunnerReportsUpstreamFailure(t *testing.T) {
	api := &fakeAPI{
		poll: func(ctx context.Context, op, scene, status string) (*labs.PollResult, error) {
			return &labs.PollResult{Status: labs.StatusFailed, ErrorMessage: "quota exceeded"}, nil
		},
	}
	sink := &eventSink{}
	r := New(api, &fakeTokens{}, testOptions(), sink.record)

	tk := queue.New("doomed")
	r.Execute(context.Background(), []*queue.Task{tk})

	last, _ := sink.last(tk.ID)
	if last.Status != queue.StatusError || !strings.Contains(last.ErrorMessage, "quota exceeded") {
		t.Fatalf("unexpected final event: %+v", last)
	}
}

func TestRunnerPollTimeout(t *testing.T) {
	api := &fakeAPI{
		poll: func(ctx context.Context, op, scene, status string) (*labs.PollResult, error) {
			return &labs.PollResult{Status: labs.StatusActive}, nil
		},
	}
	opts := testOptions()
	opts.PollMax = 20 * time.Millisecond
	sink := &eventSink{}
	r := New(api, &fakeTokens{}, opts, sink.record)

	tk := queue.New("slow")
	r.Execute(context.Background(), []*queue.Task{tk})

	last, _ := sink.last(tk.ID)
	if last.Status != queue.StatusError || !strings.Contains(last.ErrorMessage, "polling timed out") {
		t.Fatalf("unexpected final event: %+v", last)
	}
}

func TestRunnerTaskTimeout(t *testing.T) {
	api := &fakeAPI{
		poll: func(ctx context.Context, op, scene, status string) (*labs.PollResult, error) {
			return &labs.PollResult{Status: labs.StatusActive}, nil
		},
	}
	opts := testOptions()
	opts.TaskTimeout = 30 * time.Millisecond
	opts.PollMax = time.Minute
	sink := &eventSink{}
	r := New(api, &fakeTokens{}, opts, sink.record)

	tk := queue.New("over budget")
	r.Execute(context.Background(), []*queue.Task{tk})

	last, _ := sink.last(tk.ID)
	if last.Status != queue.StatusError || !strings.Contains(last.ErrorMessage, "timed out") {
		t.Fatalf("unexpected final event: %+v", last)
	}
}

func TestRunnerStopCancelsBatch(t *testing.T) {
	started := make(chan struct{}, 1)
	api := &fakeAPI{
		poll: func(ctx context.Context, op, scene, status string) (*labs.PollResult, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	opts := testOptions()
	opts.Concurrency = 1
	sink := &eventSink{}
	r := New(api, &fakeTokens{}, opts, sink.record)

	tasks := []*queue.Task{queue.New("first"), queue.New("second")}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	r.Execute(ctx, tasks)

	for _, tk := range tasks {
		last, ok := sink.last(tk.ID)
		if !ok || last.Status != queue.StatusError || last.ErrorMessage != "Cancelled by user" {
			t.Fatalf("task %s not cancelled: %+v", tk.Prompt, last)
		}
	}
}

func TestRunnerUploadsReferencesBestEffort(t *testing.T) {
	var uploads int64
	api := &fakeAPI{
		upload: func(ctx context.Context, path, category string) (*labs.MediaInput, error) {
			if atomic.AddInt64(&uploads, 1) == 1 {
				return nil, errors.New("boom")
			}
			return &labs.MediaInput{MediaID: "m", Category: category}, nil
		},
		submit: func(ctx context.Context, req labs.GenerationRequest) (*labs.Submission, error) {
			if len(req.MediaInputs) != 1 {
				t.Errorf("expected 1 surviving media input, got %d", len(req.MediaInputs))
			}
			return &labs.Submission{OperationName: "ops/1", SceneID: "sc"}, nil
		},
	}
	sink := &eventSink{}
	r := New(api, &fakeTokens{}, testOptions(), sink.record)

	tk := queue.New("with refs")
	tk.References = []queue.Reference{
		{Category: "subject", Path: "a.png"},
		{Category: "style", Path: "b.png"},
	}
	r.Execute(context.Background(), []*queue.Task{tk})

	last, _ := sink.last(tk.ID)
	if last.Status != queue.StatusCompleted {
		t.Fatalf("upload failure should not fail the task: %+v", last)
	}
}

func TestRunnerUsesPreloadedMediaInputs(t *testing.T) {
	api := &fakeAPI{
		upload: func(ctx context.Context, path, category string) (*labs.MediaInput, error) {
			t.Errorf("upload must not be called for preloaded media")
			return nil, errors.New("unexpected")
		},
		submit: func(ctx context.Context, req labs.GenerationRequest) (*labs.Submission, error) {
			if len(req.MediaInputs) != 2 {
				t.Errorf("preloaded media not forwarded: %v", req.MediaInputs)
			}
			return &labs.Submission{OperationName: "ops/1", SceneID: "sc"}, nil
		},
	}
	sink := &eventSink{}
	r := New(api, &fakeTokens{}, testOptions(), sink.record)

	tk := queue.New("preloaded")
	tk.MediaInputs = []queue.MediaInput{
		{MediaID: "m1", Category: "MEDIA_CATEGORY_SUBJECT"},
		{MediaID: "m2", Category: "MEDIA_CATEGORY_STYLE"},
	}
	r.Execute(context.Background(), []*queue.Task{tk})

	last, _ := sink.last(tk.ID)
	if last.Status != queue.StatusCompleted {
		t.Fatalf("unexpected final event: %+v", last)
	}
}

func TestRunnerRoundRobinChannels(t *testing.T) {
	var mu sync.Mutex
	seen := map[int]int{}
	tokens := &fakeTokens{
		channels: 3,
		pop: func(ctx context.Context, channel int, timeout time.Duration) (string, error) {
			mu.Lock()
			seen[channel]++
			mu.Unlock()
			return "t", nil
		},
	}
	opts := testOptions()
	opts.Channel = 0
	r := New(&fakeAPI{}, tokens, opts, func(Event) {})

	tasks := make([]*queue.Task, 6)
	for i := range tasks {
		tasks[i] = queue.New("p")
	}
	r.Execute(context.Background(), tasks)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 || seen[1] != 2 || seen[2] != 2 || seen[3] != 2 {
		t.Fatalf("round robin uneven: %v", seen)
	}
}
