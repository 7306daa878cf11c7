package proxy

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/trustagent/audit-gateway/internal/logger"
)

// streamChunkSize is the relay granularity. Small enough to keep
// time-to-first-token low for the client.
const streamChunkSize = 1024

// relayStreamingResponse forwards SSE bytes to the client as they arrive
// and tees them into an in-memory buffer. When upstream closes cleanly the
// captured transcript is reassembled and queued for verification; a
// mid-stream failure truncates the client response and captures nothing.
func relayStreamingResponse(c *gin.Context, resp *http.Response, log *logger.Logger, jobs JobSubmitter, chatReq ChatCompletionRequest, requestID, prompt string, captureLimit int64, start time.Time) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	// Chunked relay; any upstream length header no longer applies.
	c.Writer.Header().Del("Content-Length")

	c.Status(resp.StatusCode)

	tee := NewTeeBuffer(captureLimit)
	buf := make([]byte, streamChunkSize)
	writer := c.Writer

	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := writer.Write(buf[:n]); werr != nil {
				log.Warn("client write failed mid-stream, abandoning capture",
					slog.String("error", werr.Error()))
				return
			}
			writer.Flush()
			tee.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warn("upstream read failed mid-stream, abandoning capture",
				slog.Int("bytes_relayed", tee.Len()),
				slog.String("error", err.Error()))
			return
		}
	}

	submitCapture(log, jobs, c, chatReq, requestID, prompt, extractStreamingContent(tee.String()))

	log.Info("stream relayed",
		slog.Int("status", resp.StatusCode),
		slog.Int("captured_bytes", tee.Len()),
		slog.Bool("capture_truncated", tee.Truncated()),
		slog.Duration("took", time.Since(start)))
}
