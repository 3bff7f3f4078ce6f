package queue

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Reference categories accepted by the generation service.
const (
	RefSubject = "subject"
	RefScene   = "scene"
	RefStyle   = "style"
)

// Reference is a local media file attached to a task. MediaID is filled
// after the file has been uploaded.
type Reference struct {
	Category string `json:"category"`
	Path     string `json:"path"`
	MediaID  string `json:"media_id,omitempty"`
}

// MediaInput is an already-uploaded asset referenced by ID, so the task can
// skip the upload phase for it.
type MediaInput struct {
	MediaID  string `json:"media_id"`
	Category string `json:"category"`
}

// Task is one unit of generation work: a prompt plus settings, resolved to
// one or more output files when it completes.
type Task struct {
	ID  string `json:"id"`
	Seq int    `json:"seq"`

	Name            string `json:"name,omitempty"`
	ModelKey        string `json:"model_key"`
	Prompt          string `json:"prompt"`
	AspectRatio     string `json:"aspect_ratio"`
	ImagesPerPrompt int    `json:"images_per_prompt"`

	References  []Reference  `json:"references,omitempty"`
	MediaInputs []MediaInput `json:"media_inputs,omitempty"`

	OutputDir    string   `json:"output_dir"`
	OutputPrefix string   `json:"output_prefix"`
	OutputFiles  []string `json:"output_files,omitempty"`

	Status         Status  `json:"status"`
	Progress       int     `json:"progress"`
	Note           string  `json:"note,omitempty"`
	ElapsedSeconds float64 `json:"elapsed_seconds,omitempty"`
	ErrorMessage   string  `json:"error_message,omitempty"`

	OperationName string `json:"operation_name,omitempty"`
	SceneID       string `json:"scene_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// New creates a pending task with a fresh ID. Seq is assigned by the store.
func New(prompt string) *Task {
	return &Task{
		ID:              uuid.New().String(),
		Prompt:          prompt,
		ImagesPerPrompt: 1,
		Status:          StatusPending,
		CreatedAt:       time.Now().UTC(),
	}
}

// Update carries a partial task mutation. Nil fields are left untouched.
type Update struct {
	Status         *Status
	Progress       *int
	Note           *string
	ElapsedSeconds *float64
	ErrorMessage   *string
	OutputFiles    []string
	OperationName  *string
	SceneID        *string
	CompletedAt    *time.Time

	Prompt          *string
	AspectRatio     *string
	ImagesPerPrompt *int
}

func (u Update) apply(t *Task) {
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.Progress != nil {
		t.Progress = *u.Progress
	}
	if u.Note != nil {
		t.Note = *u.Note
	}
	if u.ElapsedSeconds != nil {
		t.ElapsedSeconds = *u.ElapsedSeconds
	}
	if u.ErrorMessage != nil {
		t.ErrorMessage = *u.ErrorMessage
	}
	if u.OutputFiles != nil {
		t.OutputFiles = u.OutputFiles
	}
	if u.OperationName != nil {
		t.OperationName = *u.OperationName
	}
	if u.SceneID != nil {
		t.SceneID = *u.SceneID
	}
	if u.CompletedAt != nil {
		t.CompletedAt = u.CompletedAt
	}
	if u.Prompt != nil {
		t.Prompt = *u.Prompt
	}
	if u.AspectRatio != nil {
		t.AspectRatio = *u.AspectRatio
	}
	if u.ImagesPerPrompt != nil {
		t.ImagesPerPrompt = *u.ImagesPerPrompt
	}
}

// Ptr is a small helper for building Update values.
func Ptr[T any](v T) *T { return &v }
