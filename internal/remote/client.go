// Package remote is the REST side of the chat server: sending messages,
// marking them read and deleting them. Every failure is classified into the
// syncerr taxonomy so the send pipeline can decide between retrying and
// giving up.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/matheus3301/msgsync/internal/message"
	"github.com/matheus3301/msgsync/internal/syncerr"
	"go.uber.org/zap"
)

// DefaultTimeout bounds each request.
const DefaultTimeout = 10 * time.Second

// Client is the REST surface the engine consumes.
type Client interface {
	PostMessage(ctx context.Context, conversationID string, m message.Message) (message.Message, error)
	PostRead(ctx context.Context, conversationID string, messageIDs []string, at time.Time) error
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
}

// HTTPClient talks JSON over HTTP to the chat server.
type HTTPClient struct {
	baseURL    string
	token      string
	selfID     string
	timeout    time.Duration
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPClient creates a client for baseURL. selfID is the local user id,
// used to mark returned messages as mine.
func NewHTTPClient(baseURL, token, selfID string, timeout time.Duration, httpClient *http.Client, logger *zap.Logger) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		selfID:     selfID,
		timeout:    timeout,
		httpClient: httpClient,
		logger:     logger,
	}
}

// PostMessage sends an unconfirmed message and returns the server's copy.
func (c *HTTPClient) PostMessage(ctx context.Context, conversationID string, m message.Message) (message.Message, error) {
	var out WireMessage
	path := fmt.Sprintf("/conversations/%s/messages", url.PathEscape(conversationID))
	if err := c.doJSON(ctx, "post message", http.MethodPost, path, NewOutgoing(m), &out); err != nil {
		return message.Message{}, err
	}
	if out.ID == "" {
		return message.Message{}, &syncerr.RejectedError{StatusCode: http.StatusOK, Code: "missing_id", Message: "server response carries no message id"}
	}
	if out.ClientID == "" {
		out.ClientID = m.LocalID
	}
	confirmed := out.ToMessage(conversationID, c.selfID)
	confirmed.IsMine = true
	return confirmed, nil
}

// PostRead marks messages as read by the local user. An empty id list
// means everything up to at.
func (c *HTTPClient) PostRead(ctx context.Context, conversationID string, messageIDs []string, at time.Time) error {
	path := fmt.Sprintf("/conversations/%s/read", url.PathEscape(conversationID))
	return c.doJSON(ctx, "post read", http.MethodPost, path, readRequest{MessageIDs: messageIDs, ReadAt: at}, nil)
}

// DeleteMessage deletes a confirmed message. A 404 counts as success.
func (c *HTTPClient) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	path := fmt.Sprintf("/conversations/%s/messages/%s", url.PathEscape(conversationID), url.PathEscape(messageID))
	err := c.doJSON(ctx, "delete message", http.MethodDelete, path, nil, nil)
	var rejected *syncerr.RejectedError
	if errors.As(err, &rejected) && rejected.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *HTTPClient) doJSON(ctx context.Context, op, method, requestPath string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode: %w", op, err)
		}
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Connection refused, DNS, reset, deadline: all worth retrying.
		return &syncerr.TransientError{Op: op, Err: err}
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return &syncerr.TransientError{Op: op, Err: readErr}
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return &syncerr.RejectedError{StatusCode: resp.StatusCode, Code: "bad_response", Message: err.Error()}
		}
		return nil
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	if errPayload.Message == "" {
		errPayload.Message = http.StatusText(resp.StatusCode)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500 {
		c.logger.Debug("transient server response", zap.String("op", op), zap.Int("status", resp.StatusCode))
		return &syncerr.TransientError{Op: op, Err: fmt.Errorf("http %d: %s", resp.StatusCode, errPayload.Message)}
	}
	return &syncerr.RejectedError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
	}
}

var _ Client = (*HTTPClient)(nil)
