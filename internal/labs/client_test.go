package labs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"whiskd/internal/config"
)

func testClient(videoURL, labsURL string) *Client {
	return NewClient(config.LabsConfig{
		LabsBaseURL:  labsURL,
		VideoBaseURL: videoURL,
		WorkflowID:   "wf-123",
		AccessToken:  "ya29.test",
		SessionToken: "sess-token",
		ModelKey:     "veo_3_1_t2v_fast",
	}, 5*time.Second)
}

func TestSubmitGenerationParsesOperation(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/video:batchAsyncGenerateVideoText" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer ya29.test" {
			t.Errorf("unexpected auth header %q", got)
		}
		_ = json.NewDecoder(r.Body).Decode(&captured)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"operations": []map[string]any{
				{"operation": map[string]any{"name": "ops/abc"}, "status": StatusActive},
			},
		})
	}))
	defer srv.Close()

	c := testClient(srv.URL, srv.URL)
	sub, err := c.SubmitGeneration(context.Background(), GenerationRequest{
		Prompt:       "a red fox",
		AspectRatio:  "9:16",
		ModelKey:     "veo_3_1_t2v_fast",
		CaptchaToken: "tok",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.OperationName != "ops/abc" || sub.SceneID == "" || sub.Seed == 0 {
		t.Fatalf("unexpected submission: %+v", sub)
	}

	cc, _ := captured["clientContext"].(map[string]any)
	if cc["projectId"] != "wf-123" {
		t.Fatalf("workflow id not sent: %v", cc)
	}
	rc, _ := cc["recaptchaContext"].(map[string]any)
	if rc["token"] != "tok" {
		t.Fatalf("captcha token not sent: %v", cc)
	}
	reqs, _ := captured["requests"].([]any)
	if len(reqs) != 1 {
		t.Fatalf("expected one request, got %v", captured["requests"])
	}
	first, _ := reqs[0].(map[string]any)
	if first["aspectRatio"] != "VIDEO_ASPECT_RATIO_PORTRAIT" {
		t.Fatalf("aspect ratio not mapped: %v", first["aspectRatio"])
	}
}

func TestSubmitGenerationNoOperation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"operations": []any{}})
	}))
	defer srv.Close()

	c := testClient(srv.URL, srv.URL)
	_, err := c.SubmitGeneration(context.Background(), GenerationRequest{Prompt: "x"})
	if err == nil {
		t.Fatalf("expected error for empty operations")
	}
}

func TestPollStatusSuccessful(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		ops, _ := req["operations"].([]any)
		if len(ops) != 1 {
			t.Errorf("expected one operation in poll request")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"operations": []map[string]any{
				{
					"status": StatusSuccessful,
					"operation": map[string]any{
						"metadata": map[string]any{
							"video": map[string]any{
								"fifeUrl":           "https://media.example/file.mp4",
								"mediaGenerationId": "mg-1",
							},
						},
					},
				},
			},
		})
	}))
	defer srv.Close()

	c := testClient(srv.URL, srv.URL)
	res, err := c.PollStatus(context.Background(), "ops/abc", "scene-1", "")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !res.Succeeded() || res.FifeURL != "https://media.example/file.mp4" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestPollStatusFailedCarriesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"operations": []map[string]any{
				{"status": StatusFailed, "error": map[string]any{"message": "quota exceeded"}},
			},
		})
	}))
	defer srv.Close()

	c := testClient(srv.URL, srv.URL)
	res, err := c.PollStatus(context.Background(), "ops/abc", "scene-1", StatusActive)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !res.Failed() || res.ErrorMessage != "quota exceeded" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestUploadReference(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/trpc/backbone.uploadImage" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{
				"data": map[string]any{
					"json": map[string]any{
						"result": map[string]any{"uploadMediaGenerationId": "upload-77"},
					},
				},
			},
		})
	}))
	defer srv.Close()

	imgPath := filepath.Join(t.TempDir(), "ref.png")
	if err := os.WriteFile(imgPath, []byte("not-a-real-png"), 0o600); err != nil {
		t.Fatalf("write image: %v", err)
	}

	c := testClient(srv.URL, srv.URL)
	media, err := c.UploadReference(context.Background(), imgPath, "style")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if media.MediaID != "upload-77" || media.Category != "MEDIA_CATEGORY_STYLE" {
		t.Fatalf("unexpected media input: %+v", media)
	}
}

func TestDownloadMediaWritesFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("video-bytes"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out", "clip.mp4")
	c := testClient(srv.URL, srv.URL)
	if err := c.DownloadMedia(context.Background(), srv.URL, dest); err != nil {
		t.Fatalf("download: %v", err)
	}
	b, err := os.ReadFile(dest)
	if err != nil || string(b) != "video-bytes" {
		t.Fatalf("unexpected file contents %q err %v", b, err)
	}
}

func TestAuthClientForwardsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var creds map[string]string
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds["mail"] != "u@example.com" {
			t.Errorf("unexpected credentials %v", creds)
		}
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "bad credentials"})
	}))
	defer srv.Close()

	a := NewAuthClient(srv.URL)
	resp, err := a.Login(context.Background(), "u@example.com", "pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized || resp.Body["error"] != "bad credentials" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}
