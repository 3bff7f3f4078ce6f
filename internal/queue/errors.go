package queue

import "errors"

var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrEmptyPrompt   = errors.New("empty prompt")
	ErrTooManyImages = errors.New("images per prompt: max 4")
)
