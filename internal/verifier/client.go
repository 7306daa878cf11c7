// Package verifier implements the client side of the external verification
// service. The service is reached over a single long-lived gRPC connection
// and exposes a submit/poll contract: SubmitAudit enqueues a prompt/response
// pair, GetAuditResult is polled until the audit reaches a terminal status.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/trustagent/audit-gateway/internal/logger"
)

// Failure taxonomy. Every error Evaluate returns wraps exactly one of
// these so callers can route on errors.Is.
var (
	ErrSubmissionFailed  = errors.New("audit submission failed")
	ErrResultFetchFailed = errors.New("audit result fetch failed")
	ErrAuditFailed       = errors.New("audit failed")
	ErrAuditTimeout      = errors.New("audit timed out")
)

const (
	serviceName = "audit.AuditService"

	methodSubmitAudit    = "/" + serviceName + "/SubmitAudit"
	methodGetAuditResult = "/" + serviceName + "/GetAuditResult"
	methodHealthCheck    = "/" + serviceName + "/HealthCheck"

	pollInterval    = 100 * time.Millisecond
	maxPollAttempts = 30
	pingTimeout     = 2 * time.Second
)

// Client talks to the verification service over one shared connection.
// The connection is created eagerly but connects lazily, so construction
// never blocks on an unreachable verifier.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	logger  *logger.Logger
}

// New creates a verifier client for the given address. The in-cluster
// verifier speaks plaintext, so transport credentials are insecure.
func New(address string, timeout time.Duration, log *logger.Logger) (*Client, error) {
	conn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verifier channel: %w", err)
	}

	return &Client{
		conn:    conn,
		timeout: timeout,
		logger:  log.WithComponent("verifier"),
	}, nil
}

// Evaluate submits a prompt/response pair and polls until the audit
// completes. The whole exchange is bounded by the configured timeout;
// polling runs at 100 ms intervals for at most 30 attempts.
func (c *Client) Evaluate(ctx context.Context, requestID, query, response string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	submitResp := &submitAuditResponse{}
	submitReq := &submitAuditRequest{
		RequestID: requestID,
		Query:     query,
		Response:  response,
	}
	if err := c.conn.Invoke(ctx, methodSubmitAudit, submitReq, submitResp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}

	c.logger.Debug("audit submitted",
		slog.String("request_id", requestID),
		slog.String("audit_id", submitResp.AuditID),
		slog.String("status", submitResp.Status))

	for attempt := 1; attempt <= maxPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrAuditTimeout, ctx.Err())
		case <-time.After(pollInterval):
		}

		resultResp := &getAuditResultResponse{}
		resultReq := &getAuditResultRequest{AuditID: submitResp.AuditID}
		if err := c.conn.Invoke(ctx, methodGetAuditResult, resultReq, resultResp); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrResultFetchFailed, err)
		}

		switch resultResp.Status {
		case StatusCompleted:
			claims := resultResp.Claims
			if claims == nil {
				claims = []Claim{}
			}
			return &Result{
				AuditID:           resultResp.AuditID,
				FaithfulnessScore: resultResp.FaithfulnessScore,
				Claims:            claims,
				ReasoningTrace:    resultResp.ReasoningTrace,
			}, nil
		case StatusFailed:
			return nil, fmt.Errorf("%w: audit %s", ErrAuditFailed, submitResp.AuditID)
		}
		// PENDING or an unknown status: keep polling.
	}

	return nil, fmt.Errorf("%w: no terminal status after %d attempts", ErrAuditTimeout, maxPollAttempts)
}

// Ping performs a health check with a short deadline, independent of the
// Evaluate timeout.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	return c.conn.Invoke(ctx, methodHealthCheck, &healthCheckRequest{}, &healthCheckResponse{})
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
