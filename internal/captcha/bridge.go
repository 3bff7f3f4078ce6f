package captcha

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"whiskd/internal/httputil"
	"whiskd/internal/metrics"
)

// LoginResponse is what the upstream auth service returned, verbatim.
type LoginResponse struct {
	StatusCode int
	Body       map[string]any
}

// Authenticator proxies credential checks to the auth service.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (*LoginResponse, error)
}

// Bridge is the loopback HTTP server that receives captcha tokens from a
// browser-side solver and hands them to workers through the Registry. It
// also holds small bits of session state the solver page needs: the session
// cookie and the active project name.
type Bridge struct {
	registry *Registry
	auth     Authenticator
	port     int

	mu          sync.Mutex
	totalTokens int
	cookie      string
	projectName string

	srv *http.Server
}

func NewBridge(registry *Registry, auth Authenticator, port int, projectName string) *Bridge {
	return &Bridge{
		registry:    registry,
		auth:        auth,
		port:        port,
		projectName: projectName,
	}
}

// Registry exposes the token registry the bridge feeds.
func (b *Bridge) Registry() *Registry { return b.registry }

// Router builds the gin engine serving the bridge endpoints.
func (b *Bridge) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httputil.ZerologLogger())
	// The solver runs inside the browser extension, so the bridge must
	// answer cross-origin requests.
	r.Use(cors.Default())

	r.GET("/captcha/request", b.pendingRequest)
	r.POST("/captcha/token", b.receiveToken)
	r.GET("/captcha/status", b.status)
	r.GET("/bridge/info", b.info)
	r.GET("/bridge/cookie", b.getCookie)
	r.POST("/bridge/cookie", b.setCookie)
	r.POST("/bridge/login", b.login)
	return r
}

// Start launches the bridge on the loopback interface. It returns once the
// listener goroutine is spawned; ListenAndServe failures are logged.
func (b *Bridge) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.srv != nil {
		return
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", b.port),
		Handler:           b.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	b.srv = srv
	go func() {
		log.Info().Int("port", b.port).Msg("captcha bridge listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("captcha bridge server failed")
		}
	}()
}

// Stop shuts the bridge down. The bridge can be started again afterwards.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	srv := b.srv
	b.srv = nil
	b.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("bridge shutdown: %w", err)
	}
	return nil
}

// Running reports whether the bridge server is up.
func (b *Bridge) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.srv != nil
}

// Ready reports whether the bridge is up and the solver has delivered at
// least one token. Batches started against a not-ready bridge will stall
// on token acquisition.
func (b *Bridge) Ready() bool {
	return b.Running() && b.TokensReceived() > 0
}

// pendingRequest is polled by the browser solver to learn whether a worker
// wants a token. With ?channel it reports that channel's slot, otherwise
// the oldest request across all channels.
func (b *Bridge) pendingRequest(c *gin.Context) {
	var (
		req Request
		ok  bool
	)
	if raw := c.Query("channel"); raw != "" {
		req, ok = b.registry.Pending(b.registry.Clamp(queryInt(c, "channel", 1)))
	} else {
		req, ok = b.registry.FirstPending()
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"need_token": false, "action": "", "count": 0})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"need_token": true,
		"action":     req.Action,
		"count":      req.Count,
		"channel":    req.Channel,
	})
}

type tokenSubmission struct {
	Tokens  []string `json:"tokens"`
	Action  string   `json:"action"`
	Channel int      `json:"channel"`
}

func (b *Bridge) receiveToken(c *gin.Context) {
	var req tokenSubmission
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Tokens) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tokens required"})
		return
	}

	// Explicit channel in the body wins; otherwise the tokens answer the
	// oldest pending request; otherwise they land on channel 1.
	channel := 1
	if req.Channel > 0 {
		channel = b.registry.Clamp(req.Channel)
	} else if pending, ok := b.registry.FirstPending(); ok {
		channel = pending.Channel
	}

	received := 0
	for _, token := range req.Tokens {
		if token == "" {
			continue
		}
		if b.registry.Push(channel, token) {
			metrics.TokensReceived.WithLabelValues(strconv.Itoa(channel)).Inc()
			received++
		} else {
			metrics.TokensDropped.WithLabelValues(strconv.Itoa(channel)).Inc()
		}
	}
	b.registry.Withdraw(channel)

	b.mu.Lock()
	b.totalTokens += received
	b.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"ok": true, "received": received})
}

func (b *Bridge) status(c *gin.Context) {
	b.mu.Lock()
	total := b.totalTokens
	project := b.projectName
	b.mu.Unlock()

	resp := gin.H{
		"running":         true,
		"has_pending":     b.registry.HasPending(),
		"tokens_received": total,
		"project_name":    project,
	}
	if raw := c.Query("channel"); raw != "" {
		channel := b.registry.Clamp(queryInt(c, "channel", 1))
		_, pending := b.registry.Pending(channel)
		resp["channel"] = channel
		resp["channel_pending"] = pending
		resp["queued"] = b.registry.Len(channel)
	}
	c.JSON(http.StatusOK, resp)
}

// TokensReceived reports how many tokens the solver has delivered since
// startup. Used as a pre-flight connectivity check.
func (b *Bridge) TokensReceived() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalTokens
}

func (b *Bridge) info(c *gin.Context) {
	b.mu.Lock()
	project := b.projectName
	b.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{
		"project_name": project,
		"port":         b.port,
		"running":      b.Running(),
		"channels":     b.registry.Channels(),
	})
}

func (b *Bridge) getCookie(c *gin.Context) {
	b.mu.Lock()
	cookie := b.cookie
	b.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"cookie": cookie, "has_cookie": cookie != ""})
}

type cookieRequest struct {
	Cookie string `json:"cookie"`
}

func (b *Bridge) setCookie(c *gin.Context) {
	var req cookieRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	b.mu.Lock()
	b.cookie = req.Cookie
	b.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"ok": true, "saved": len(req.Cookie)})
}

type loginRequest struct {
	Mail     string `json:"mail"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// mail is the wire field; email is accepted as an alias.
func (r loginRequest) address() string {
	if r.Mail != "" {
		return r.Mail
	}
	return r.Email
}

func (b *Bridge) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.address() == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mail and password required"})
		return
	}
	if b.auth == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "auth service not configured"})
		return
	}

	resp, err := b.auth.Login(c.Request.Context(), req.address(), req.Password)
	if err != nil {
		log.Warn().Err(err).Msg("auth service unreachable")
		c.JSON(http.StatusBadGateway, gin.H{"error": "auth service unreachable"})
		return
	}
	if resp.StatusCode != http.StatusOK {
		c.JSON(resp.StatusCode, resp.Body)
		return
	}
	claims := userClaims(resp.Body)
	if !hasToolAccess(claims) {
		c.JSON(http.StatusForbidden, gin.H{
			"error": "account has no access to this tool",
			"roles": claims["roles"],
		})
		return
	}
	c.JSON(http.StatusOK, resp.Body)
}

// userClaims returns the user object of an auth response. Some deployments
// nest it under "data", others return it flat.
func userClaims(body map[string]any) map[string]any {
	if data, ok := body["data"].(map[string]any); ok {
		return data
	}
	return body
}

// hasToolAccess accepts admins and accounts whose tools_access claim grants
// WHISK.
func hasToolAccess(claims map[string]any) bool {
	if roles, ok := claims["roles"].(string); ok && roles == "admin" {
		return true
	}
	tools, ok := claims["tools_access"].(map[string]any)
	if !ok {
		return false
	}
	granted, ok := tools["WHISK"].(bool)
	return ok && granted
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
