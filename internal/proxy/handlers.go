// Package proxy implements the interception front-end: OpenAI-compatible
// chat completions pass through verbatim while the assistant text is
// captured on the side and queued for asynchronous verification.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/trustagent/audit-gateway/internal/audit"
	"github.com/trustagent/audit-gateway/internal/config"
	"github.com/trustagent/audit-gateway/internal/errors"
	"github.com/trustagent/audit-gateway/internal/logger"
	"github.com/trustagent/audit-gateway/internal/metrics"
)

// JobSubmitter accepts capture jobs for asynchronous verification. The
// request path never blocks on it.
type JobSubmitter interface {
	Submit(job audit.Job) bool
}

var (
	proxyTransport *http.Transport
	transportOnce  sync.Once

	upstreamClient     *http.Client
	upstreamClientOnce sync.Once
)

func initProxyTransport(cfg *config.Config) *http.Transport {
	transportOnce.Do(func() {
		// Adds connection pooling.
		proxyTransport = &http.Transport{
			MaxIdleConns:        cfg.ProxyMaxIdleConns,
			MaxIdleConnsPerHost: cfg.ProxyMaxIdleConnsPerHost,
			IdleConnTimeout:     cfg.ProxyIdleConnTimeout,
			DisableKeepAlives:   false,
			DisableCompression:  true,
			ForceAttemptHTTP2:   true,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   30 * time.Second,
			ResponseHeaderTimeout: 120 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
	})
	return proxyTransport
}

// sharedUpstreamClient returns the pooled client used for intercepted
// completions. The timeout is generous to accommodate long streamed
// responses.
func sharedUpstreamClient(cfg *config.Config) *http.Client {
	upstreamClientOnce.Do(func() {
		upstreamClient = &http.Client{
			Transport: initProxyTransport(cfg),
			Timeout:   cfg.UpstreamTimeout,
		}
	})
	return upstreamClient
}

// ChatCompletionsHandler returns the intercept-and-audit handler for chat
// completion requests. The exchange is relayed verbatim; once the response
// body has been fully observed, the assistant text is submitted for
// verification.
func ChatCompletionsHandler(appLogger *logger.Logger, jobs JobSubmitter, cfg *config.Config) gin.HandlerFunc {
	client := sharedUpstreamClient(cfg)

	return func(c *gin.Context) {
		start := time.Now()

		defer func() {
			metrics.RequestsTotal.WithLabelValues(c.Request.URL.Path, strconv.Itoa(c.Writer.Status())).Inc()
		}()

		requestID := resolveRequestID(c)
		ctx := logger.WithRequestID(c.Request.Context(), requestID)
		c.Request = c.Request.WithContext(ctx)
		log := appLogger.WithContext(ctx).WithComponent("proxy")

		var requestBody []byte
		var err error
		if c.Request.Body != nil {
			requestBody, err = io.ReadAll(c.Request.Body)
			if err != nil {
				log.Error("failed to read request body",
					slog.String("error", err.Error()))
				errors.AbortWithBadRequest(c, "failed to read request body", nil)
				return
			}
			c.Request.Body = io.NopCloser(bytes.NewReader(requestBody))
		}

		var chatReq ChatCompletionRequest
		if err := json.Unmarshal(requestBody, &chatReq); err != nil {
			log.Warn("rejecting malformed request body",
				slog.String("error", err.Error()))
			errors.AbortWithBadRequest(c, "request body is not a valid chat completion", nil)
			return
		}

		prompt := extractPrompt(chatReq.Messages)

		log.Info("chat completion received",
			slog.String("model", chatReq.Model),
			slog.Bool("stream", chatReq.Stream),
			slog.String("path", c.Request.URL.Path))

		if chatReq.TestResponse != "" {
			handleTestCompletion(c, log, jobs, chatReq, requestID, prompt)
			return
		}

		req, err := prepareUpstreamRequest(cfg.UpstreamURL, c, requestBody, requestID)
		if err != nil {
			log.Error("failed to build upstream request",
				slog.String("error", err.Error()))
			errors.AbortWithInternal(c, "failed to build upstream request", nil)
			return
		}

		resp, err := client.Do(req)
		if err != nil {
			log.Error("upstream request failed",
				slog.String("upstream_url", cfg.UpstreamURL),
				slog.String("error", err.Error()),
				slog.Duration("time_to_error", time.Since(start)))
			errors.AbortWithBadGateway(c, "upstream request failed", nil)
			return
		}
		defer resp.Body.Close()

		copyResponseHeaders(c, resp)
		c.Header("X-Request-ID", requestID)

		// The parsed stream flag decides the relay path; the upstream
		// content type is not consulted.
		if chatReq.Stream {
			relayStreamingResponse(c, resp, log, jobs, chatReq, requestID, prompt, cfg.CaptureLimitBytes, start)
		} else {
			relayBufferedResponse(c, resp, log, jobs, chatReq, requestID, prompt, start)
		}
	}
}

// handleTestCompletion short-circuits requests carrying a test_response
// field: no upstream call is made, the canned text is wrapped in a
// completion envelope and still flows through the capture pipeline.
func handleTestCompletion(c *gin.Context, log *logger.Logger, jobs JobSubmitter, chatReq ChatCompletionRequest, requestID, prompt string) {
	c.Header("X-Request-ID", requestID)
	c.Header("X-TrustAgent-Mode", "test")

	submitCapture(log, jobs, c, chatReq, requestID, prompt, chatReq.TestResponse)

	log.Info("served test completion",
		slog.String("model", chatReq.Model))

	c.JSON(http.StatusOK, newTestCompletion(requestID, chatReq.Model, prompt, chatReq.TestResponse))
}

// relayBufferedResponse forwards a non-streaming upstream body verbatim
// and captures choices[0].message.content for verification.
func relayBufferedResponse(c *gin.Context, resp *http.Response, log *logger.Logger, jobs JobSubmitter, chatReq ChatCompletionRequest, requestID, prompt string, start time.Time) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Error("failed to read upstream response",
			slog.String("error", err.Error()))
		errors.AbortWithBadGateway(c, "failed to read upstream response", nil)
		return
	}

	submitCapture(log, jobs, c, chatReq, requestID, prompt, extractContentFromResponse(body))

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.StatusCode, contentType, body)

	log.Info("chat completion relayed",
		slog.Int("status", resp.StatusCode),
		slog.Int("bytes", len(body)),
		slog.Duration("took", time.Since(start)))
}

// ForwardHandler proxies model listing and embedding requests verbatim.
// Nothing on this path is captured.
func ForwardHandler(appLogger *logger.Logger, cfg *config.Config) gin.HandlerFunc {
	log := appLogger.WithComponent("proxy")

	target, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		log.Error("invalid upstream url",
			slog.String("upstream_url", cfg.UpstreamURL),
			slog.String("error", err.Error()))
		return func(c *gin.Context) {
			errors.AbortWithBadGateway(c, "upstream not configured", nil)
		}
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = initProxyTransport(cfg)

	orig := proxy.Director
	proxy.Director = func(r *http.Request) {
		orig(r)
		r.Host = target.Host
		if r.Header.Get("X-Request-ID") == "" {
			r.Header.Set("X-Request-ID", uuid.New().String())
		}
	}

	proxy.ModifyResponse = func(resp *http.Response) error {
		resp.Header.Set("X-Request-ID", resp.Request.Header.Get("X-Request-ID"))
		return nil
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Error("upstream request failed",
			slog.String("target_url", target.String()+r.RequestURI),
			slog.String("method", r.Method),
			slog.String("error", err.Error()))
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
	}

	return func(c *gin.Context) {
		defer func() {
			metrics.RequestsTotal.WithLabelValues(c.Request.URL.Path, strconv.Itoa(c.Writer.Status())).Inc()
		}()
		proxy.ServeHTTP(c.Writer, c.Request)
	}
}

// prepareUpstreamRequest builds the forwarded request: every client header
// is copied verbatim, the correlation id is attached, and compression is
// disabled so the captured bytes match what the client receives. The
// request runs on a background context so an upstream exchange is never
// cancelled by the client-side socket.
func prepareUpstreamRequest(baseURL string, c *gin.Context, requestBody []byte, requestID string) (*http.Request, error) {
	targetURL := baseURL + c.Request.URL.Path

	var bodyReader io.Reader
	if len(requestBody) > 0 {
		bodyReader = bytes.NewReader(requestBody)
	}

	req, err := http.NewRequestWithContext(context.Background(), c.Request.Method, targetURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}

	for key, values := range c.Request.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("Accept-Encoding", "identity")

	if len(requestBody) > 0 {
		req.ContentLength = int64(len(requestBody))
	}

	return req, nil
}

func resolveRequestID(c *gin.Context) string {
	if id := c.GetHeader("X-Request-ID"); id != "" {
		return id
	}
	return uuid.New().String()
}

func copyResponseHeaders(c *gin.Context, resp *http.Response) {
	for key, values := range resp.Header {
		for _, v := range values {
			c.Writer.Header().Add(key, v)
		}
	}
}

// submitCapture queues the observed exchange for verification. Empty
// responses are not worth auditing and are skipped.
func submitCapture(log *logger.Logger, jobs JobSubmitter, c *gin.Context, chatReq ChatCompletionRequest, requestID, prompt, response string) {
	if response == "" {
		return
	}

	accepted := jobs.Submit(audit.Job{
		RequestID:   requestID,
		Prompt:      prompt,
		Response:    response,
		Model:       chatReq.Model,
		UserID:      chatReq.User,
		RequestPath: c.Request.URL.Path,
		Timestamp:   time.Now(),
	})
	if accepted {
		log.Debug("capture job submitted",
			slog.Int("response_chars", len(response)))
	}
}
