package deepseek

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"ds2openai/internal/config"
)

type CompletionRequest struct {
	ChatSessionID   string   `json:"chat_session_id"`
	ParentMessageID *int64   `json:"parent_message_id"`
	Prompt          string   `json:"prompt"`
	RefFileIDs      []string `json:"ref_file_ids"`
	SearchEnabled   bool     `json:"search_enabled"`
	ThinkingEnabled bool     `json:"thinking_enabled"`
}

// ParentID parses a stored parent message id; empty or malformed means none.
func ParentID(raw string) *int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

// Completion opens the upstream event stream. The caller owns the returned
// body, already decompressed.
func (c *Client) Completion(ctx context.Context, token, powHeader, accountID string, payload CompletionRequest) (io.ReadCloser, error) {
	if payload.RefFileIDs == nil {
		payload.RefFileIDs = []string{}
	}
	cl := call{
		op:        "completion",
		method:    http.MethodPost,
		path:      PathCompletion,
		token:     token,
		headers:   map[string]string{"X-Ds-Pow-Response": powHeader, "Accept": "text/event-stream"},
		payload:   payload,
		accountID: accountID,
	}
	req, err := c.newRequest(ctx, cl)
	if err != nil {
		return nil, err
	}
	capture := c.capture.Start("completion", req.URL.String(), accountID, payload)
	resp, err := c.stream.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		config.Logger.Warn("[completion] request error", "error", err, "account", accountID)
		return nil, newError(ErrUpstreamUnavailable, "completion", 0, 0, err.Error())
	}
	streaming := strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "text/event-stream")
	if resp.StatusCode == http.StatusOK && streaming {
		body, err := decodedBody(resp)
		if err != nil {
			_ = resp.Body.Close()
			return nil, newError(ErrUpstreamUnavailable, "completion", resp.StatusCode, 0, err.Error())
		}
		return capture.WrapBody(body, resp.StatusCode), nil
	}
	raw, err := readResponseBody(resp)
	if err != nil {
		return nil, newError(ErrUpstreamUnavailable, "completion", resp.StatusCode, 0, err.Error())
	}
	capture.Finish(resp.StatusCode, raw)
	if _, err := decodeEnvelope("completion", resp.StatusCode, raw, true); err != nil {
		config.Logger.Warn("[completion] failed", "status", resp.StatusCode, "error", err, "account", accountID)
		return nil, err
	}
	return nil, newError(ErrProtocolChange, "completion", resp.StatusCode, 0, "expected event stream, got "+resp.Header.Get("Content-Type"))
}
