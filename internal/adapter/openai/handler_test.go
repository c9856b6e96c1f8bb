package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"ds2openai/internal/account"
	"ds2openai/internal/auth"
	"ds2openai/internal/chat"
	"ds2openai/internal/session"
	"ds2openai/internal/sse"
	"ds2openai/internal/stream"
)

type stubAuth struct{}

func (stubAuth) Determine(req *http.Request) (*auth.Caller, error) {
	token := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		return nil, auth.ErrUnauthorized
	}
	return &auth.Caller{Credential: token, CallerID: "caller:" + token}, nil
}

type stubChat struct {
	outputs []stream.Output
	result  chat.Result
	err     error
	got     chat.Request
}

func (s *stubChat) Complete(ctx context.Context, req chat.Request, hooks chat.Hooks) (chat.Result, error) {
	s.got = req
	if s.err != nil {
		return chat.Result{}, s.err
	}
	if hooks.OnKeepAlive != nil {
		hooks.OnKeepAlive()
	}
	for _, o := range s.outputs {
		if hooks.OnOutput != nil {
			if err := hooks.OnOutput(o); err != nil {
				return chat.Result{}, err
			}
		}
	}
	return s.result, nil
}

func newTestRouter(c *stubChat) http.Handler {
	r := chi.NewRouter()
	RegisterRoutes(r, &Handler{Auth: stubAuth{}, Chat: c})
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func sseFrames(t *testing.T, body string) []string {
	t.Helper()
	var frames []string
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "data: ") {
			frames = append(frames, strings.TrimPrefix(line, "data: "))
		}
	}
	return frames
}

var auth200 = map[string]string{"Authorization": "Bearer dsk-test"}

func cleanResult() chat.Result {
	return chat.Result{
		Result: stream.Result{
			Content:      "Hello world",
			Reasoning:    "thinking",
			FinishReason: stream.FinishStop,
			MessageID:    "2",
		},
		Prompt:         "<｜User｜>Hi",
		ConversationID: "conv-abc",
		Continuation:   session.Continuation{ChatSessionID: "s", ParentMessageID: "2"},
	}
}

func TestListAndGetModels(t *testing.T) {
	h := newTestRouter(&stubChat{})
	rec := doJSON(t, h, http.MethodGet, "/v1/models", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	data, _ := body["data"].([]any)
	if body["object"] != "list" || len(data) == 0 {
		t.Fatalf("unexpected models body %#v", body)
	}
	rec = doJSON(t, h, http.MethodGet, "/v1/models/deepseek-r1", "", nil)
	if rec.Code != http.StatusOK || decodeBody(t, rec)["id"] != "deepseek-r1" {
		t.Fatalf("expected deepseek-r1, got %d %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, h, http.MethodGet, "/v1/models/gpt-4", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestChatRequiresCredential(t *testing.T) {
	rec := doJSON(t, newTestRouter(&stubChat{}), http.MethodPost, "/v1/chat/completions", `{"model":"deepseek","messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	errObj, _ := decodeBody(t, rec)["error"].(map[string]any)
	if errObj["code"] != "invalid_api_key" {
		t.Fatalf("unexpected error %#v", errObj)
	}
}

func TestChatRejectsBadRequests(t *testing.T) {
	h := newTestRouter(&stubChat{})
	cases := map[string]string{
		"invalid json":   `{`,
		"missing fields": `{"model":"deepseek"}`,
		"unknown model":  `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`,
	}
	for name, body := range cases {
		rec := doJSON(t, h, http.MethodPost, "/v1/chat/completions", body, auth200)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, rec.Code)
		}
	}
}

func TestChatNonStream(t *testing.T) {
	c := &stubChat{result: cleanResult()}
	rec := doJSON(t, newTestRouter(c), http.MethodPost, "/v1/chat/completions",
		`{"model":"deepseek-r1","messages":[{"role":"user","content":"hi"}]}`,
		map[string]string{"Authorization": "Bearer dsk-test", conversationHeader: "conv-abc"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	if !c.got.Variant.Thinking || c.got.ConversationID != "conv-abc" || c.got.Credential != "dsk-test" {
		t.Fatalf("unexpected chat request %#v", c.got)
	}
	body := decodeBody(t, rec)
	if body["conversation_id"] != "conv-abc" || rec.Header().Get(conversationHeader) != "conv-abc" {
		t.Fatalf("expected conversation id echoed, got %#v", body["conversation_id"])
	}
	choices, _ := body["choices"].([]any)
	choice, _ := choices[0].(map[string]any)
	msg, _ := choice["message"].(map[string]any)
	if msg["content"] != "Hello world" || msg["reasoning_content"] != "thinking" || choice["finish_reason"] != "stop" {
		t.Fatalf("unexpected choice %#v", choice)
	}
}

func TestChatBodyConversationIDWinsOverHeader(t *testing.T) {
	c := &stubChat{result: cleanResult()}
	doJSON(t, newTestRouter(c), http.MethodPost, "/v1/chat/completions",
		`{"model":"deepseek","conversation_id":"from-body","messages":[{"role":"user","content":"hi"}]}`,
		map[string]string{"Authorization": "Bearer dsk-test", conversationHeader: "from-header"})
	if c.got.ConversationID != "from-body" {
		t.Fatalf("expected body conversation id, got %q", c.got.ConversationID)
	}
}

func TestChatErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{account.ErrNoAvailableAccount, http.StatusTooManyRequests},
		{session.ErrConversationState, http.StatusConflict},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
	}
	for _, tc := range cases {
		rec := doJSON(t, newTestRouter(&stubChat{err: tc.err}), http.MethodPost, "/v1/chat/completions",
			`{"model":"deepseek","messages":[{"role":"user","content":"hi"}]}`, auth200)
		if rec.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rec.Code)
		}
	}
}

func TestChatNonStreamBrokenTurn(t *testing.T) {
	res := cleanResult()
	res.FinishReason = stream.FinishError
	res.Err = stream.ErrStreamBroken
	res.ConversationID = ""
	rec := doJSON(t, newTestRouter(&stubChat{result: res}), http.MethodPost, "/v1/chat/completions",
		`{"model":"deepseek","messages":[{"role":"user","content":"hi"}]}`, auth200)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	choices, _ := body["choices"].([]any)
	choice, _ := choices[0].(map[string]any)
	if choice["finish_reason"] != "error" || body["error"] == nil {
		t.Fatalf("expected error finish, got %#v", body)
	}
	if _, ok := body["conversation_id"]; ok {
		t.Fatal("expected no conversation id for broken stateless turn")
	}
}

func TestChatStream(t *testing.T) {
	res := cleanResult()
	res.Citations = []sse.Citation{{Index: 1, URL: "https://example.com", Title: "Example"}}
	c := &stubChat{
		result: res,
		outputs: []stream.Output{
			{Kind: stream.OutputReasoning, Text: "thinking"},
			{Kind: stream.OutputContent, Text: "Hello"},
			{Kind: stream.OutputContent, Text: " world"},
			{Kind: stream.OutputFinish, FinishReason: stream.FinishStop},
		},
	}
	rec := doJSON(t, newTestRouter(c), http.MethodPost, "/v1/chat/completions",
		`{"model":"deepseek-r1-search","stream":true,"messages":[{"role":"user","content":"hi"}]}`, auth200)
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %q", ct)
	}
	if !strings.Contains(rec.Body.String(), ": keep-alive\n\n") {
		t.Fatal("expected keep-alive comment")
	}
	frames := sseFrames(t, rec.Body.String())
	if len(frames) != 5 || frames[4] != "[DONE]" {
		t.Fatalf("expected 4 chunks and [DONE], got %v", frames)
	}
	var first map[string]any
	_ = json.Unmarshal([]byte(frames[0]), &first)
	delta := first["choices"].([]any)[0].(map[string]any)["delta"].(map[string]any)
	if delta["role"] != "assistant" || delta["reasoning_content"] != "thinking" {
		t.Fatalf("unexpected first delta %#v", delta)
	}
	var second map[string]any
	_ = json.Unmarshal([]byte(frames[1]), &second)
	delta = second["choices"].([]any)[0].(map[string]any)["delta"].(map[string]any)
	if _, ok := delta["role"]; ok || delta["content"] != "Hello" {
		t.Fatalf("unexpected second delta %#v", delta)
	}
	var final map[string]any
	_ = json.Unmarshal([]byte(frames[3]), &final)
	choice := final["choices"].([]any)[0].(map[string]any)
	if choice["finish_reason"] != "stop" || final["usage"] == nil || final["conversation_id"] != "conv-abc" || final["citations"] == nil {
		t.Fatalf("unexpected final chunk %#v", final)
	}
}

func TestChatStreamErrorBeforeOutputIsJSON(t *testing.T) {
	rec := doJSON(t, newTestRouter(&stubChat{err: account.ErrNoAvailableAccount}), http.MethodPost, "/v1/chat/completions",
		`{"model":"deepseek","stream":true,"messages":[{"role":"user","content":"hi"}]}`, auth200)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("expected json error, got %q", ct)
	}
}

type stubConversations map[string]bool

func (s stubConversations) Forget(callerID, conversationID string) bool {
	key := callerID + "|" + conversationID
	if !s[key] {
		return false
	}
	delete(s, key)
	return true
}

func TestDeleteConversation(t *testing.T) {
	convs := stubConversations{"caller:dsk-test|conv-1": true}
	r := chi.NewRouter()
	RegisterRoutes(r, &Handler{Auth: stubAuth{}, Chat: &stubChat{}, Conversations: convs})
	rec := doJSON(t, r, http.MethodDelete, "/v1/conversations/conv-1", "", auth200)
	if rec.Code != http.StatusOK || decodeBody(t, rec)["deleted"] != true {
		t.Fatalf("expected deleted, got %d %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, r, http.MethodDelete, "/v1/conversations/conv-1", "", auth200)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", rec.Code)
	}
}
