package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"ticket-portal/internal/config"
	apperrors "ticket-portal/internal/errors"
)

// Client handles communication with the portal REST API. Every method
// returns *errors.ActionError on failure; callers decide whether to
// surface or swallow it.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new backend client
func NewClient(cfg config.BackendConfig, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// PendingRequests lists requests awaiting a decision, keyed by request ID
func (c *Client) PendingRequests(ctx context.Context) (map[string]PendingRequest, error) {
	var out map[string]PendingRequest
	if err := c.do(ctx, "list-requests", http.MethodGet, "/api/admin/requests", nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]PendingRequest{}
	}
	return out, nil
}

// ActiveUsers lists users currently provisioned on the hotspot
func (c *Client) ActiveUsers(ctx context.Context) ([]ActiveUser, error) {
	var out []ActiveUser
	if err := c.do(ctx, "list-users", http.MethodGet, "/api/admin/users", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Approve approves a pending request
func (c *Client) Approve(ctx context.Context, requestID string) error {
	return c.do(ctx, "approve", http.MethodPost, "/api/admin/approve/"+url.PathEscape(requestID), nil, nil)
}

// Reject rejects a pending request
func (c *Client) Reject(ctx context.Context, requestID string) error {
	return c.do(ctx, "reject", http.MethodPost, "/api/admin/reject/"+url.PathEscape(requestID), nil, nil)
}

// DeleteUser removes an active user
func (c *Client) DeleteUser(ctx context.Context, username string) error {
	return c.do(ctx, "delete-user", http.MethodDelete, "/api/admin/users/"+url.PathEscape(username), nil, nil)
}

// SystemStatus retrieves the backend status and its recent log tail
func (c *Client) SystemStatus(ctx context.Context) (SystemStatus, error) {
	var out SystemStatus
	err := c.do(ctx, "system-status", http.MethodGet, "/api/admin/system-status", nil, &out)
	return out, err
}

// SystemLogs retrieves the per-process log tails
func (c *Client) SystemLogs(ctx context.Context) (SystemLogs, error) {
	var out SystemLogs
	err := c.do(ctx, "system-logs", http.MethodGet, "/api/admin/system-logs", nil, &out)
	return out, err
}

// Plans lists the available plans
func (c *Client) Plans(ctx context.Context) ([]Plan, error) {
	var out []Plan
	if err := c.do(ctx, "list-plans", http.MethodGet, "/api/plans", nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, apperrors.Decode("list-plans", fmt.Errorf("plans response is not a list"))
	}
	return out, nil
}

// SubmitRequest creates a payment request and returns its ID
func (c *Client) SubmitRequest(ctx context.Context, sub PaymentSubmission) (string, error) {
	var out SubmitResponse
	if err := c.do(ctx, "submit-request", http.MethodPost, "/api/submit-request", sub, &out); err != nil {
		return "", err
	}
	if out.RequestID == "" {
		return "", apperrors.Decode("submit-request", fmt.Errorf("response carries no requestId"))
	}
	return out.RequestID, nil
}

// CheckStatus retrieves the resolution state of a submitted request
func (c *Client) CheckStatus(ctx context.Context, requestID string) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, "check-status", http.MethodGet, "/api/check-status/"+url.PathEscape(requestID), nil, &out)
	return out, err
}

// SubmitRefund files a refund request for a rejected submission
func (c *Client) SubmitRefund(ctx context.Context, refund RefundRequest) error {
	return c.do(ctx, "refund", http.MethodPost, "/api/admin/refund", refund, nil)
}

// CheckHealth verifies the backend answers
func (c *Client) CheckHealth(ctx context.Context) error {
	_, err := c.Plans(ctx)
	return err
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return apperrors.Local(op, fmt.Errorf("marshal request: %w", err), "")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return apperrors.Local(op, fmt.Errorf("create request: %w", err), "")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	requestID := uuid.New().String()
	req.Header.Set("X-Request-ID", requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Transport(op, fmt.Errorf("send request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.Transport(op, fmt.Errorf("read response: %w", err))
	}

	c.logger.Debug("backend call",
		"op", op,
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"request_id", requestID,
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		// The error body is best effort; plain-text failures carry no message
		_ = json.Unmarshal(respBody, &eb)
		return apperrors.Status(op, resp.StatusCode, eb.Error)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return apperrors.Decode(op, fmt.Errorf("unmarshal response: %w", err))
	}
	return nil
}
