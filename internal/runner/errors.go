package runner

import "errors"

var (
	ErrNoCaptchaToken   = errors.New("no captcha token received in time")
	ErrPollTimeout      = errors.New("polling timed out before the result was ready")
	ErrGenerationFailed = errors.New("generation failed on server")
	ErrNoDownloadURL    = errors.New("generation completed but returned no download url")
)

// FailureReason buckets an execution error for metrics.
func FailureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoCaptchaToken):
		return "captcha"
	case errors.Is(err, ErrPollTimeout):
		return "poll_timeout"
	case errors.Is(err, ErrGenerationFailed):
		return "upstream"
	case errors.Is(err, errTaskTimeout):
		return "task_timeout"
	case errors.Is(err, errStopped):
		return "stopped"
	default:
		return "other"
	}
}

var (
	errTaskTimeout = errors.New("task timed out")
	errStopped     = errors.New("cancelled by user")
)
