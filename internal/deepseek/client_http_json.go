package deepseek

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"ds2openai/internal/config"
)

type envelope struct {
	Code *int          `json:"code"`
	Msg  string        `json:"msg"`
	Data *envelopeData `json:"data"`
}

type envelopeData struct {
	BizCode int             `json:"biz_code"`
	BizMsg  string          `json:"biz_msg"`
	BizData json.RawMessage `json:"biz_data"`
}

type call struct {
	op        string
	method    string
	path      string
	token     string
	headers   map[string]string
	payload   any
	accountID string
}

func (c *Client) newRequest(ctx context.Context, cl call) (*http.Request, error) {
	var body io.Reader
	if cl.payload != nil {
		b, err := json.Marshal(cl.payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, c.url(cl.path), body)
	if err != nil {
		return nil, err
	}
	for k, v := range c.headers(cl.token) {
		req.Header.Set(k, v)
	}
	for k, v := range cl.headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// doJSON performs a non-streaming call and returns the envelope's biz_data.
func (c *Client) doJSON(ctx context.Context, cl call) (json.RawMessage, error) {
	req, err := c.newRequest(ctx, cl)
	if err != nil {
		return nil, err
	}
	capture := c.capture.Start(cl.op, req.URL.String(), cl.accountID, cl.payload)
	resp, err := c.regular.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		config.Logger.Warn("["+cl.op+"] request error", "error", err, "account", cl.accountID)
		return nil, newError(ErrUpstreamUnavailable, cl.op, 0, 0, err.Error())
	}
	body, err := readResponseBody(resp)
	if err != nil {
		return nil, newError(ErrUpstreamUnavailable, cl.op, resp.StatusCode, 0, err.Error())
	}
	capture.Finish(resp.StatusCode, body)
	data, err := decodeEnvelope(cl.op, resp.StatusCode, body, cl.token != "")
	if err != nil {
		config.Logger.Warn("["+cl.op+"] failed", "status", resp.StatusCode, "error", err, "account", cl.accountID, "preview", preview(body))
	}
	return data, err
}

// decodeEnvelope classifies a response strictly: any shape outside the
// known envelope is a protocol change rather than a silent empty value.
func decodeEnvelope(op string, status int, body []byte, authed bool) (json.RawMessage, error) {
	if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
		return nil, newError(ErrUpstreamUnavailable, op, status, 0, preview(body))
	}
	authFailure := authed && (status == http.StatusUnauthorized || status == http.StatusForbidden)
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil || env.Code == nil {
		if authFailure {
			return nil, newError(ErrTokenRejected, op, status, 0, "")
		}
		return nil, newError(ErrProtocolChange, op, status, 0, "unrecognized response envelope")
	}
	code := *env.Code
	if code != 0 || status != http.StatusOK {
		switch {
		case authed && isTokenInvalid(status, code, env.Msg):
			return nil, newError(ErrTokenRejected, op, status, code, env.Msg)
		case status >= http.StatusBadRequest:
			return nil, newError(ErrBusinessRejected, op, status, code, env.Msg)
		default:
			return nil, newError(ErrUpstreamUnavailable, op, status, code, env.Msg)
		}
	}
	if env.Data == nil {
		return nil, newError(ErrProtocolChange, op, status, 0, "missing data")
	}
	if env.Data.BizCode != 0 {
		return nil, newError(ErrBusinessRejected, op, status, env.Data.BizCode, env.Data.BizMsg)
	}
	return env.Data.BizData, nil
}

// decodeBiz strictly decodes biz_data into out.
func decodeBiz(op string, raw json.RawMessage, out any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return newError(ErrProtocolChange, op, http.StatusOK, 0, "missing biz_data")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return newError(ErrProtocolChange, op, http.StatusOK, 0, err.Error())
	}
	return nil
}
