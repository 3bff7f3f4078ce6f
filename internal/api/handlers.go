// Package api exposes the control surface: task CRUD, batch control and
// the retry toggle. The captcha bridge has its own server on the loopback
// port.
package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"whiskd/internal/batch"
	"whiskd/internal/captcha"
	"whiskd/internal/prompt"
	"whiskd/internal/queue"
)

// maxPromptsPerAdd caps one add request; larger pastes must be split.
const maxPromptsPerAdd = 300

type API struct {
	store   queue.Store
	manager *batch.Manager
	bridge  *captcha.Bridge
}

func NewAPI(store queue.Store, manager *batch.Manager, bridge *captcha.Bridge) *API {
	return &API{store: store, manager: manager, bridge: bridge}
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		api.GET("/tasks", a.ListTasks)
		api.POST("/tasks", a.AddTasks)
		api.GET("/tasks/:id", a.GetTask)
		api.PATCH("/tasks/:id", a.UpdateTask)
		api.DELETE("/tasks/:id", a.DeleteTask)
		api.DELETE("/tasks", a.ClearTasks)

		api.POST("/run", a.RunAll)
		api.POST("/run/selected", a.RunSelected)
		api.POST("/retry", a.RetryErrors)
		api.POST("/stop", a.Stop)
		api.GET("/status", a.Status)
		api.POST("/retry/toggle", a.ToggleAutoRetry)
	}
}

// ListTasks returns the whole queue in insertion order.
func (a *API) ListTasks(c *gin.Context) {
	tasks, err := a.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

type addTasksRequest struct {
	Prompts         []string          `json:"prompts"`
	Text            string            `json:"text"`
	Name            string            `json:"name"`
	AspectRatio     string            `json:"aspect_ratio"`
	ImagesPerPrompt int               `json:"images_per_prompt"`
	ModelKey        string            `json:"model"`
	OutputDir       string            `json:"output_dir"`
	OutputPrefix    string            `json:"output_prefix"`
	References      []queue.Reference `json:"references"`
	MediaInputs     []queue.MediaInput `json:"media_inputs"`
}

// AddTasks creates one task per prompt. The text field is split on
// newlines; a JSON prompt pasted as text stays one prompt.
func (a *API) AddTasks(c *gin.Context) {
	var req addTasksRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	prompts := req.Prompts
	if text := strings.TrimSpace(req.Text); text != "" {
		if prompt.IsJSONPrompt(text) {
			prompts = append(prompts, text)
		} else {
			for _, line := range strings.Split(text, "\n") {
				if strings.TrimSpace(line) != "" {
					prompts = append(prompts, line)
				}
			}
		}
	}
	if len(prompts) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no prompts provided"})
		return
	}
	if len(prompts) > maxPromptsPerAdd {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many prompts", "max": maxPromptsPerAdd})
		return
	}

	created := make([]*queue.Task, 0, len(prompts))
	for _, raw := range prompts {
		normalized := prompt.Normalize(raw)
		if normalized == "" {
			continue
		}
		t := queue.New(normalized)
		t.Name = req.Name
		t.AspectRatio = req.AspectRatio
		if req.ImagesPerPrompt > 0 {
			t.ImagesPerPrompt = req.ImagesPerPrompt
		}
		t.ModelKey = req.ModelKey
		t.OutputDir = req.OutputDir
		t.OutputPrefix = req.OutputPrefix
		t.References = req.References
		t.MediaInputs = req.MediaInputs
		if err := a.store.Add(c.Request.Context(), t); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		created = append(created, t)
	}
	if len(created) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no usable prompts after normalization"})
		return
	}
	log.Info().Int("count", len(created)).Msg("tasks added")
	c.JSON(http.StatusCreated, gin.H{"tasks": created, "count": len(created)})
}

// GetTask returns one task by ID.
func (a *API) GetTask(c *gin.Context) {
	t, err := a.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type updateTaskRequest struct {
	Prompt          *string `json:"prompt"`
	AspectRatio     *string `json:"aspect_ratio"`
	ImagesPerPrompt *int    `json:"images_per_prompt"`
}

// UpdateTask applies a partial edit to a task's definition. Execution
// fields are owned by the runner and cannot be set here.
func (a *API) UpdateTask(c *gin.Context) {
	var req updateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	u := queue.Update{
		AspectRatio:     req.AspectRatio,
		ImagesPerPrompt: req.ImagesPerPrompt,
	}
	if req.Prompt != nil {
		normalized := prompt.Normalize(*req.Prompt)
		if normalized == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "empty prompt"})
			return
		}
		u.Prompt = &normalized
	}
	t, err := a.store.Update(c.Request.Context(), c.Param("id"), u)
	if err != nil {
		a.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// DeleteTask removes one task.
func (a *API) DeleteTask(c *gin.Context) {
	if err := a.store.Delete(c.Request.Context(), c.Param("id")); err != nil {
		a.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// ClearTasks empties the queue. Rejected while a batch is running.
func (a *API) ClearTasks(c *gin.Context) {
	if a.manager.Busy() {
		c.JSON(http.StatusConflict, gin.H{"error": "batch is running"})
		return
	}
	if err := a.store.Clear(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

type runRequest struct {
	Force bool     `json:"force"`
	IDs   []string `json:"ids"`
}

// RunAll starts a batch over all pending tasks.
func (a *API) RunAll(c *gin.Context) {
	var req runRequest
	_ = c.ShouldBindJSON(&req)
	a.batchError(c, a.manager.RunAll(c.Request.Context(), req.Force))
}

// RunSelected starts a batch over the given task IDs.
func (a *API) RunSelected(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.IDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ids required"})
		return
	}
	a.batchError(c, a.manager.RunSelected(c.Request.Context(), req.IDs, req.Force))
}

// RetryErrors resets all errored tasks and runs them again.
func (a *API) RetryErrors(c *gin.Context) {
	var req runRequest
	_ = c.ShouldBindJSON(&req)
	a.batchError(c, a.manager.RetryErrors(c.Request.Context(), req.Force))
}

// Stop cancels the running batch.
func (a *API) Stop(c *gin.Context) {
	a.manager.Stop()
	c.JSON(http.StatusOK, gin.H{"status": "stopping"})
}

// Status reports batch and bridge state.
func (a *API) Status(c *gin.Context) {
	bridgeUp := a.bridge != nil && a.bridge.Running()
	c.JSON(http.StatusOK, gin.H{
		"busy":               a.manager.Busy(),
		"bridge_running":     bridgeUp,
		"auto_retry_enabled": a.manager.Scheduler().Enabled(),
		"auto_retry_armed":   a.manager.Scheduler().Armed(),
	})
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

// ToggleAutoRetry flips the auto-retry switch.
func (a *API) ToggleAutoRetry(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	a.manager.Scheduler().SetEnabled(req.Enabled)
	c.JSON(http.StatusOK, gin.H{"auto_retry_enabled": req.Enabled})
}

func (a *API) storeError(c *gin.Context, err error) {
	if errors.Is(err, queue.ErrTaskNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func (a *API) batchError(c *gin.Context, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "started"})
	case errors.Is(err, batch.ErrBatchRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, batch.ErrBridgeNotReady):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "hint": "start the bridge or pass force"})
	case errors.Is(err, batch.ErrNoTasks):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
