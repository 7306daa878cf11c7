package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/trustagent/audit-gateway/internal/audit"
	"github.com/trustagent/audit-gateway/internal/config"
	"github.com/trustagent/audit-gateway/internal/logger"
)

// fakeSubmitter records submitted capture jobs; reject simulates a full
// dispatcher queue.
type fakeSubmitter struct {
	jobs   chan audit.Job
	reject bool
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{jobs: make(chan audit.Job, 16)}
}

func (f *fakeSubmitter) Submit(job audit.Job) bool {
	if f.reject {
		return false
	}
	f.jobs <- job
	return true
}

func (f *fakeSubmitter) expectJob(t *testing.T) audit.Job {
	t.Helper()
	select {
	case job := <-f.jobs:
		return job
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for capture job")
		return audit.Job{}
	}
}

func (f *fakeSubmitter) expectNoJob(t *testing.T) {
	t.Helper()
	select {
	case job := <-f.jobs:
		t.Fatalf("unexpected capture job for request %s", job.RequestID)
	case <-time.After(100 * time.Millisecond):
	}
}

func testConfig(upstreamURL string) *config.Config {
	return &config.Config{
		UpstreamURL:              upstreamURL,
		UpstreamTimeout:          30 * time.Second,
		ProxyMaxIdleConns:        100,
		ProxyMaxIdleConnsPerHost: 10,
		ProxyIdleConnTimeout:     90 * time.Second,
		CaptureLimitBytes:        1 << 20,
	}
}

func setupInterceptServer(t *testing.T, cfg *config.Config, jobs JobSubmitter) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logger.New(logger.Config{Level: slog.LevelError})
	router := gin.New()
	handler := ChatCompletionsHandler(log, jobs, cfg)
	router.POST("/v1/chat/completions", handler)
	router.POST("/v1/completions", handler)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func TestTestModeShortCircuitsUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("test mode must not call upstream")
	}))
	defer upstream.Close()

	jobs := newFakeSubmitter()
	server := setupInterceptServer(t, testConfig(upstream.URL), jobs)

	body := `{"model":"m","messages":[{"role":"user","content":"hi"}],"test_response":"Paris is the capital of France."}`
	resp, err := http.Post(server.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-TrustAgent-Mode"); got != "test" {
		t.Errorf("expected X-TrustAgent-Mode test, got %q", got)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("response carries no X-Request-ID")
	}

	var envelope ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("response is not a completion envelope: %v", err)
	}
	if len(envelope.Choices) != 1 {
		t.Fatalf("expected 1 choice, got %d", len(envelope.Choices))
	}
	if got := envelope.Choices[0].Message.Content; got != "Paris is the capital of France." {
		t.Errorf("unexpected assistant content: %q", got)
	}
	if envelope.Choices[0].Message.Role != "assistant" {
		t.Errorf("unexpected role: %q", envelope.Choices[0].Message.Role)
	}
	if envelope.Model != "m" || envelope.Object != "chat.completion" {
		t.Errorf("unexpected envelope: %+v", envelope)
	}

	job := jobs.expectJob(t)
	if job.Prompt != "[user]: hi" {
		t.Errorf("unexpected prompt: %q", job.Prompt)
	}
	if job.Response != "Paris is the capital of France." {
		t.Errorf("unexpected response: %q", job.Response)
	}
	if job.Model != "m" {
		t.Errorf("unexpected model: %q", job.Model)
	}
}

func TestBufferedCaptureAndPassthrough(t *testing.T) {
	upstreamBody := `{"id":"chatcmpl-1","object":"chat.completion","model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"Berlin."},"finish_reason":"stop"}]}`

	var upstreamReq struct {
		auth      string
		requestID string
		body      []byte
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamReq.auth = r.Header.Get("Authorization")
		upstreamReq.requestID = r.Header.Get("X-Request-ID")
		upstreamReq.body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream-Header", "preserved")
		w.Write([]byte(upstreamBody))
	}))
	defer upstream.Close()

	jobs := newFakeSubmitter()
	server := setupInterceptServer(t, testConfig(upstream.URL), jobs)

	reqBody := `{"model":"gpt-4o","messages":[{"role":"system","content":"be brief"},{"role":"assistant","content":"ignored"},{"role":"user","content":"q?"}]}`
	req, _ := http.NewRequest(http.MethodPost, server.URL+"/v1/chat/completions", strings.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer sk-test")
	req.Header.Set("X-Request-ID", "corr-42")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != upstreamBody {
		t.Errorf("body not passed through verbatim: %q", body)
	}
	if got := resp.Header.Get("X-Upstream-Header"); got != "preserved" {
		t.Errorf("upstream header lost: %q", got)
	}
	if got := resp.Header.Get("X-Request-ID"); got != "corr-42" {
		t.Errorf("expected client correlation id echoed, got %q", got)
	}

	if upstreamReq.auth != "Bearer sk-test" {
		t.Errorf("Authorization not forwarded: %q", upstreamReq.auth)
	}
	if upstreamReq.requestID != "corr-42" {
		t.Errorf("X-Request-ID not forwarded: %q", upstreamReq.requestID)
	}
	if string(upstreamReq.body) != reqBody {
		t.Errorf("request body not forwarded verbatim: %q", upstreamReq.body)
	}

	job := jobs.expectJob(t)
	if job.RequestID != "corr-42" {
		t.Errorf("unexpected correlation id: %q", job.RequestID)
	}
	if job.Prompt != "[system]: be brief\n[user]: q?" {
		t.Errorf("unexpected prompt: %q", job.Prompt)
	}
	if job.Response != "Berlin." {
		t.Errorf("unexpected captured response: %q", job.Response)
	}
}

func TestStreamingCaptureAndPassthrough(t *testing.T) {
	frames := []string{
		`data: {"choices":[{"delta":{"content":"Hello"}}]}` + "\n\n",
		`data: {"choices":[{"delta":{"content":" "}}]}` + "\n\n",
		`data: {"choices":[{"delta":{"content":"World"}}]}` + "\n\n",
		"data: [DONE]\n\n",
	}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range frames {
			fmt.Fprint(w, frame)
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	jobs := newFakeSubmitter()
	server := setupInterceptServer(t, testConfig(upstream.URL), jobs)

	reqBody := `{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"greet"}]}`
	resp, err := http.Post(server.URL+"/v1/chat/completions", "application/json", strings.NewReader(reqBody))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("expected text/event-stream, got %q", got)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-cache" {
		t.Errorf("expected no-cache, got %q", got)
	}

	body, _ := io.ReadAll(resp.Body)
	if want := strings.Join(frames, ""); string(body) != want {
		t.Errorf("SSE bytes not relayed verbatim:\nwant %q\ngot  %q", want, body)
	}

	job := jobs.expectJob(t)
	if job.Response != "Hello World" {
		t.Errorf("expected reconstructed 'Hello World', got %q", job.Response)
	}
	if job.Prompt != "[user]: greet" {
		t.Errorf("unexpected prompt: %q", job.Prompt)
	}
}

func TestMalformedBodyRejected(t *testing.T) {
	jobs := newFakeSubmitter()
	server := setupInterceptServer(t, testConfig("http://127.0.0.1:1"), jobs)

	resp, err := http.Post(server.URL+"/v1/chat/completions", "application/json", strings.NewReader("this is not json"))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	var apiErr struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
		t.Fatalf("error body is not JSON: %v", err)
	}
	if apiErr.Error == "" {
		t.Error("error body carries no message")
	}
	jobs.expectNoJob(t)
}

func TestUpstreamUnreachableReturns502(t *testing.T) {
	jobs := newFakeSubmitter()
	server := setupInterceptServer(t, testConfig("http://127.0.0.1:1"), jobs)

	body := `{"model":"m","messages":[{"role":"user","content":"hi"}]}`
	resp, err := http.Post(server.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}

	var apiErr struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
		t.Fatalf("error body is not JSON: %v", err)
	}
	jobs.expectNoJob(t)
}

func TestEmptyAssistantContentSubmitsNothing(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":""}}]}`))
	}))
	defer upstream.Close()

	jobs := newFakeSubmitter()
	server := setupInterceptServer(t, testConfig(upstream.URL), jobs)

	body := `{"model":"m","messages":[{"role":"user","content":"hi"}]}`
	resp, err := http.Post(server.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	jobs.expectNoJob(t)
}

func TestEmptyTestResponseGoesUpstream(t *testing.T) {
	upstreamCalled := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalled = true
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"real answer"}}]}`))
	}))
	defer upstream.Close()

	jobs := newFakeSubmitter()
	server := setupInterceptServer(t, testConfig(upstream.URL), jobs)

	body := `{"model":"m","messages":[{"role":"user","content":"hi"}],"test_response":""}`
	resp, err := http.Post(server.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if !upstreamCalled {
		t.Error("empty test_response must be treated as absent")
	}
	if job := jobs.expectJob(t); job.Response != "real answer" {
		t.Errorf("unexpected captured response: %q", job.Response)
	}
}

func TestQueueRejectionLeavesResponseIntact(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"answer"}}]}`))
	}))
	defer upstream.Close()

	jobs := newFakeSubmitter()
	jobs.reject = true
	server := setupInterceptServer(t, testConfig(upstream.URL), jobs)

	body := `{"model":"m","messages":[{"role":"user","content":"hi"}]}`
	resp, err := http.Post(server.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("a dropped job must not affect the response, got %d", resp.StatusCode)
	}
	respBody, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(respBody, []byte("answer")) {
		t.Errorf("response body corrupted: %q", respBody)
	}
}

func TestForwardHandlerPassesThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("unexpected upstream path: %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","data":[]}`))
	}))
	defer upstream.Close()

	gin.SetMode(gin.TestMode)
	log := logger.New(logger.Config{Level: slog.LevelError})
	router := gin.New()
	router.GET("/v1/models", ForwardHandler(log, testConfig(upstream.URL)))

	server := httptest.NewServer(router)
	defer server.Close()

	resp, err := http.Get(server.URL + "/v1/models")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("forwarded response carries no X-Request-ID")
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"object":"list","data":[]}` {
		t.Errorf("body not passed through: %q", body)
	}
}
