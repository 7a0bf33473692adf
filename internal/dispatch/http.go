package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-greeter/internal/protocol"
)

// HTTPGenerator talks to an IndexTTS-style synthesis API:
// POST {base}/tts with a multipart "text" field, GET {base}/health.
type HTTPGenerator struct {
	client *http.Client

	mu      sync.RWMutex
	baseURL string
}

type ttsResponse struct {
	Success  bool     `json:"success"`
	AudioURL string   `json:"audio_url"`
	TaskID   string   `json:"task_id"`
	Message  string   `json:"message"`
	Duration *float64 `json:"duration"`
}

type healthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	Version     string `json:"version"`
}

func NewHTTPGenerator(baseURL string, timeout time.Duration) (*HTTPGenerator, error) {
	g := &HTTPGenerator{client: &http.Client{Timeout: timeout}}
	if err := g.SetBaseURL(baseURL); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *HTTPGenerator) BaseURL() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.baseURL
}

// SetBaseURL points later requests at a different API server.
func (g *HTTPGenerator) SetBaseURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	g.mu.Lock()
	g.baseURL = strings.TrimRight(u.String(), "/")
	g.mu.Unlock()
	return nil
}

func (g *HTTPGenerator) APIURL() string { return g.BaseURL() + "/tts" }
func (g *HTTPGenerator) HealthURL() string { return g.BaseURL() + "/health" }

func (g *HTTPGenerator) Generate(ctx context.Context, req Request) (Result, error) {
	base := g.BaseURL()

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	if err := form.WriteField("text", req.Text); err != nil {
		return Result{}, err
	}
	if err := form.Close(); err != nil {
		return Result{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/tts", &body)
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("%w: tts status %s: %s", ErrGeneration, resp.Status, strings.TrimSpace(string(data)))
	}

	var out ttsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("%w: decode tts response: %w", ErrGeneration, err)
	}
	if !out.Success {
		return Result{}, fmt.Errorf("%w: %s", ErrGeneration, out.Message)
	}
	if out.AudioURL == "" {
		return Result{}, fmt.Errorf("%w: response carried no audio_url", ErrGeneration)
	}

	res := Result{Ref: resolveRef(base, out.AudioURL), TaskID: out.TaskID}
	if out.Duration != nil {
		res.Duration = secondsToDuration(*out.Duration)
	}
	return res, nil
}

// Health queries the synthesis server's health endpoint.
func (g *HTTPGenerator) Health(ctx context.Context) protocol.ServiceHealth {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.HealthURL(), nil)
	if err != nil {
		return protocol.ServiceHealth{Error: err.Error()}
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return protocol.ServiceHealth{Error: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return protocol.ServiceHealth{Reachable: true, Error: "health status " + resp.Status}
	}
	var out healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return protocol.ServiceHealth{Reachable: true, Error: fmt.Sprintf("decode health response: %v", err)}
	}
	return protocol.ServiceHealth{
		Reachable:   true,
		Status:      out.Status,
		ModelLoaded: out.ModelLoaded,
		Version:     out.Version,
	}
}

func resolveRef(base, audioURL string) string {
	if strings.HasPrefix(audioURL, "http://") || strings.HasPrefix(audioURL, "https://") {
		return audioURL
	}
	if !strings.HasPrefix(audioURL, "/") {
		audioURL = "/" + audioURL
	}
	return base + audioURL
}
