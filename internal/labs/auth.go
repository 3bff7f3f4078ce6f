package labs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"whiskd/internal/captcha"
)

// AuthClient checks credentials against the account service. It implements
// the bridge's Authenticator: upstream responses are returned with their
// status code so the bridge can forward rejections verbatim.
type AuthClient struct {
	httpClient *http.Client
	baseURL    string
}

func NewAuthClient(baseURL string) *AuthClient {
	return &AuthClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
	}
}

func (a *AuthClient) Login(ctx context.Context, email, password string) (*captcha.LoginResponse, error) {
	payload, err := json.Marshal(map[string]string{"mail": email, "password": password})
	if err != nil {
		return nil, fmt.Errorf("marshal credentials: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/auth/login", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read auth response: %w", err)
	}
	body := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			body = map[string]any{"error": fmt.Sprintf("HTTP %d", resp.StatusCode)}
		}
	}
	return &captcha.LoginResponse{StatusCode: resp.StatusCode, Body: body}, nil
}
