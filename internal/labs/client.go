// Package labs is the HTTP client for the remote generation service: it
// submits generation requests, polls operation status, uploads reference
// media and downloads finished results.
package labs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"whiskd/internal/config"
	"whiskd/internal/fileutil"
)

// Operation status values reported by the generation service.
const (
	StatusActive     = "MEDIA_GENERATION_STATUS_ACTIVE"
	StatusSuccessful = "MEDIA_GENERATION_STATUS_SUCCESSFUL"
	StatusFailed     = "MEDIA_GENERATION_STATUS_FAILED"
)

var aspectRatioMap = map[string]string{
	"16:9": "VIDEO_ASPECT_RATIO_LANDSCAPE",
	"9:16": "VIDEO_ASPECT_RATIO_PORTRAIT",
	"1:1":  "VIDEO_ASPECT_RATIO_SQUARE",
}

var mediaCategoryMap = map[string]string{
	"subject": "MEDIA_CATEGORY_SUBJECT",
	"scene":   "MEDIA_CATEGORY_SCENE",
	"style":   "MEDIA_CATEGORY_STYLE",
}

var ErrNoOperation = errors.New("no operation in generation response")

// MediaInput identifies an uploaded asset usable in a generation request.
type MediaInput struct {
	MediaID  string `json:"uploadMediaGenerationId"`
	Category string `json:"mediaCategory"`
	Caption  string `json:"caption,omitempty"`
}

// GenerationRequest is one submission to the generation endpoint.
type GenerationRequest struct {
	Prompt       string
	AspectRatio  string // "16:9", "9:16" or "1:1"
	ModelKey     string
	CaptchaToken string
	Seed         int // 0 picks a random seed
	MediaInputs  []MediaInput
}

// Submission is the accepted generation operation to poll for.
type Submission struct {
	OperationName string
	SceneID       string
	Status        string
	Seed          int
}

// PollResult is one status check of a pending operation.
type PollResult struct {
	Status            string
	FifeURL           string
	MediaGenerationID string
	ErrorMessage      string
}

func (p *PollResult) Succeeded() bool { return p.Status == StatusSuccessful }
func (p *PollResult) Failed() bool    { return p.Status == StatusFailed }

// Client talks to the generation service. One instance is shared by all
// workers; it is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	cfg        config.LabsConfig
}

func NewClient(cfg config.LabsConfig, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		cfg:        cfg,
	}
}

func apiRatio(aspect string) string {
	if strings.HasPrefix(aspect, "VIDEO_ASPECT_RATIO") {
		return aspect
	}
	if mapped, ok := aspectRatioMap[aspect]; ok {
		return mapped
	}
	return "VIDEO_ASPECT_RATIO_LANDSCAPE"
}

// SubmitGeneration starts an async generation and returns the operation to
// poll. The captcha token, when present, rides along in the client context.
func (c *Client) SubmitGeneration(ctx context.Context, req GenerationRequest) (*Submission, error) {
	seed := req.Seed
	if seed == 0 {
		seed = rand.Intn(99000) + 1000 //nolint:gosec // seed is not security sensitive
	}
	sceneID := uuid.New().String()

	clientContext := map[string]any{
		"sessionId":       fmt.Sprintf(";%d", time.Now().UnixMilli()),
		"projectId":       c.cfg.WorkflowID,
		"tool":            "PINHOLE",
		"userPaygateTier": "PAYGATE_TIER_ONE",
	}
	if req.CaptchaToken != "" {
		clientContext["recaptchaContext"] = map[string]any{
			"token":           req.CaptchaToken,
			"applicationType": "RECAPTCHA_APPLICATION_TYPE_WEB",
		}
	}
	request := map[string]any{
		"aspectRatio":   apiRatio(req.AspectRatio),
		"seed":          seed,
		"textInput":     map[string]any{"prompt": req.Prompt},
		"videoModelKey": req.ModelKey,
		"metadata":      map[string]any{"sceneId": sceneID},
	}
	if len(req.MediaInputs) > 0 {
		request["mediaInputs"] = req.MediaInputs
	}
	payload := map[string]any{
		"clientContext": clientContext,
		"requests":      []any{request},
	}

	var resp struct {
		Operations []struct {
			Operation struct {
				Name string `json:"name"`
			} `json:"operation"`
			Status string `json:"status"`
		} `json:"operations"`
	}
	url := c.cfg.VideoBaseURL + "/video:batchAsyncGenerateVideoText"
	if err := c.postJSON(ctx, url, c.bearerHeaders(), payload, &resp); err != nil {
		return nil, fmt.Errorf("submit generation: %w", err)
	}
	if len(resp.Operations) == 0 || resp.Operations[0].Operation.Name == "" {
		return nil, ErrNoOperation
	}
	op := resp.Operations[0]
	status := op.Status
	if status == "" {
		status = StatusActive
	}
	log.Info().Str("operation", op.Operation.Name).Str("scene_id", sceneID).Msg("generation started")
	return &Submission{
		OperationName: op.Operation.Name,
		SceneID:       sceneID,
		Status:        status,
		Seed:          seed,
	}, nil
}

// PollStatus performs one status check. currentStatus is echoed back the
// way the service expects; callers thread the last returned status through.
func (c *Client) PollStatus(ctx context.Context, operationName, sceneID, currentStatus string) (*PollResult, error) {
	if currentStatus == "" {
		currentStatus = StatusActive
	}
	payload := map[string]any{
		"operations": []any{
			map[string]any{
				"operation": map[string]any{"name": operationName},
				"sceneId":   sceneID,
				"status":    currentStatus,
			},
		},
	}

	var resp struct {
		Operations []struct {
			Status    string `json:"status"`
			Operation struct {
				Metadata struct {
					Video struct {
						FifeURL           string `json:"fifeUrl"`
						MediaGenerationID string `json:"mediaGenerationId"`
					} `json:"video"`
				} `json:"metadata"`
			} `json:"operation"`
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		} `json:"operations"`
	}
	url := c.cfg.VideoBaseURL + "/video:batchCheckAsyncVideoGenerationStatus"
	if err := c.postJSON(ctx, url, c.bearerHeaders(), payload, &resp); err != nil {
		return nil, fmt.Errorf("poll status: %w", err)
	}
	if len(resp.Operations) == 0 {
		return nil, ErrNoOperation
	}
	op := resp.Operations[0]
	result := &PollResult{
		Status:            op.Status,
		FifeURL:           op.Operation.Metadata.Video.FifeURL,
		MediaGenerationID: op.Operation.Metadata.Video.MediaGenerationID,
		ErrorMessage:      op.Error.Message,
	}
	if result.Failed() && result.ErrorMessage == "" {
		result.ErrorMessage = "generation failed on server"
	}
	return result, nil
}

// UploadReference uploads a local image as a reference asset. category is
// one of "subject", "scene" or "style".
func (c *Client) UploadReference(ctx context.Context, path, category string) (*MediaInput, error) {
	mediaCategory, ok := mediaCategoryMap[category]
	if !ok {
		mediaCategory = "MEDIA_CATEGORY_SUBJECT"
	}
	raw, err := os.ReadFile(path) //nolint:gosec // path comes from task definition
	if err != nil {
		return nil, fmt.Errorf("read reference image: %w", err)
	}
	dataURI := "data:" + mimeForExt(filepath.Ext(path)) + ";base64," + base64.StdEncoding.EncodeToString(raw)

	payload := map[string]any{
		"json": map[string]any{
			"clientContext": map[string]any{
				"workflowId": c.cfg.WorkflowID,
				"sessionId":  fmt.Sprintf(";%d", time.Now().UnixMilli()),
			},
			"uploadMediaInput": map[string]any{
				"mediaCategory": mediaCategory,
				"rawBytes":      dataURI,
			},
		},
	}

	var resp struct {
		Result struct {
			Data struct {
				JSON struct {
					Result struct {
						UploadMediaGenerationID string `json:"uploadMediaGenerationId"`
					} `json:"result"`
				} `json:"json"`
			} `json:"data"`
		} `json:"result"`
	}
	url := c.cfg.LabsBaseURL + "/api/trpc/backbone.uploadImage"
	if err := c.postJSON(ctx, url, c.sessionHeaders(), payload, &resp); err != nil {
		return nil, fmt.Errorf("upload reference: %w", err)
	}
	mediaID := resp.Result.Data.JSON.Result.UploadMediaGenerationID
	if mediaID == "" {
		return nil, errors.New("upload reference: no media id in response")
	}
	return &MediaInput{MediaID: mediaID, Category: mediaCategory}, nil
}

// DownloadMedia streams a finished result to destPath.
func (c *Client) DownloadMedia(ctx context.Context, url, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download media: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download media: status %d", resp.StatusCode)
	}
	if err := fileutil.EnsureDir(filepath.Dir(destPath)); err != nil {
		return fmt.Errorf("ensure output dir: %w", err)
	}
	if err := fileutil.CopyAtomic(destPath, resp.Body); err != nil {
		return fmt.Errorf("save media: %w", err)
	}
	return nil
}

func (c *Client) bearerHeaders() map[string]string {
	return map[string]string{
		"Content-Type":  "text/plain;charset=UTF-8",
		"Authorization": "Bearer " + c.cfg.AccessToken,
		"Origin":        "https://labs.google",
		"Referer":       "https://labs.google/",
	}
}

func (c *Client) sessionHeaders() map[string]string {
	return map[string]string{
		"Content-Type": "application/json",
		"Origin":       "https://labs.google",
		"Referer":      "https://labs.google/",
		"Cookie":       "__Secure-next-auth.session-token=" + c.cfg.SessionToken,
	}
}

func (c *Client) postJSON(ctx context.Context, url string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(respBody), 300))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func mimeForExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	default:
		return "image/png"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
