// Package deepseektest provides an in-process fake of the upstream chat
// service for tests.
package deepseektest

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"ds2openai/internal/pow"
)

// Answer is the counter every issued challenge is solved by.
const Answer = 7

type Server struct {
	*httptest.Server

	mu               sync.Mutex
	passwords        map[string]string
	tokens           map[string]string
	rejected         map[string]bool
	issued           int
	sessions         int
	Completions      []CompletionCall
	LoginCalls       int
	FailNext         map[string]int
	RequirePow       bool
	EmptyToken       bool
	ExpiredPow       bool
	// RejectIssued makes tokens handed out by login fail /users/current.
	RejectIssued     bool
	// LoginWithoutUser answers a good login with a session but no user.
	LoginWithoutUser bool
	Script           func(call CompletionCall) []string
	ResponseDelay    time.Duration
}

// CompletionCall records one completion request the fake received.
type CompletionCall struct {
	Token           string
	ChatSessionID   string
	ParentMessageID *int64
	Prompt          string
	SearchEnabled   bool
	ThinkingEnabled bool
}

func NewServer() *Server {
	s := &Server{
		passwords:  map[string]string{},
		tokens:     map[string]string{},
		rejected:   map[string]bool{},
		FailNext:   map[string]int{},
		RequirePow: true,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0/chat/create_pow_challenge", s.handleChallenge)
	mux.HandleFunc("/api/v0/users/login", s.handleLogin)
	mux.HandleFunc("/api/v0/users/current", s.handleCurrent)
	mux.HandleFunc("/api/v0/chat_session/create", s.handleCreateSession)
	mux.HandleFunc("/api/v0/chat/completion", s.handleCompletion)
	s.Server = httptest.NewServer(mux)
	return s
}

// AddAccount registers credentials the fake accepts.
func (s *Server) AddAccount(email, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passwords[email] = password
}

// IssueToken makes a token valid without a login round-trip.
func (s *Server) IssueToken(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(email)
}

func (s *Server) issueLocked(email string) string {
	s.issued++
	token := fmt.Sprintf("tok-%d-%s", s.issued, email)
	s.tokens[token] = email
	return token
}

// RejectToken makes an issued token fail authentication from now on.
func (s *Server) RejectToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[token] = true
}

// RejectAccount rejects every token issued to email so far.
func (s *Server) RejectAccount(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, owner := range s.tokens {
		if owner == email {
			s.rejected[token] = true
		}
	}
}

// FailPath makes the next n calls to path answer 503.
func (s *Server) FailPath(path string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FailNext[path] = n
}

func (s *Server) CompletionCalls() []CompletionCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CompletionCall, len(s.Completions))
	copy(out, s.Completions)
	return out
}

func (s *Server) LoginCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.LoginCalls
}

func (s *Server) failing(w http.ResponseWriter, r *http.Request) bool {
	s.mu.Lock()
	n := s.FailNext[r.URL.Path]
	if n > 0 {
		s.FailNext[r.URL.Path] = n - 1
	}
	s.mu.Unlock()
	if n > 0 {
		writeEnvelope(w, http.StatusServiceUnavailable, 50300, "busy", nil)
		return true
	}
	return false
}

func (s *Server) authorized(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	s.mu.Lock()
	_, ok := s.tokens[token]
	rejected := s.rejected[token]
	s.mu.Unlock()
	if !ok || rejected {
		writeEnvelope(w, http.StatusUnauthorized, 40003, "invalid token", nil)
		return "", false
	}
	return token, true
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	if s.failing(w, r) {
		return
	}
	var body struct {
		TargetPath string `json:"target_path"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.TargetPath != pow.LoginTargetPath {
		if _, ok := s.authorized(w, r); !ok {
			return
		}
	}
	if !s.RequirePow {
		writeEnvelope(w, http.StatusOK, 0, "", map[string]any{"challenge": nil})
		return
	}
	writeEnvelope(w, http.StatusOK, 0, "", map[string]any{"challenge": s.challenge(body.TargetPath)})
}

func (s *Server) challenge(target string) pow.Challenge {
	expire := time.Now().Add(5 * time.Minute)
	if s.ExpiredPow {
		expire = time.Now().Add(-time.Minute)
	}
	ch := pow.Challenge{
		Algorithm:  pow.AlgorithmDeepSeekHashV1,
		Salt:       "fake-salt",
		Signature:  "fake-signature",
		Difficulty: 100,
		ExpireAt:   expire.UnixMilli(),
		TargetPath: target,
	}
	sum := pow.SHA3.Sum([]byte(ch.Prefix() + strconv.Itoa(Answer)))
	ch.Challenge = hex.EncodeToString(sum)
	return ch
}

func validPowHeader(r *http.Request, target string) bool {
	raw, err := base64.StdEncoding.DecodeString(r.Header.Get("X-Ds-Pow-Response"))
	if err != nil {
		return false
	}
	var payload struct {
		Answer     int64  `json:"answer"`
		TargetPath string `json:"target_path"`
	}
	if json.Unmarshal(raw, &payload) != nil {
		return false
	}
	return payload.Answer == Answer && payload.TargetPath == target
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.failing(w, r) {
		return
	}
	var body struct {
		Email    string `json:"email"`
		Mobile   string `json:"mobile"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeEnvelope(w, http.StatusBadRequest, 40000, "bad request", nil)
		return
	}
	if s.RequirePow && !validPowHeader(r, pow.LoginTargetPath) {
		writeEnvelope(w, http.StatusOK, 0, "", nil, withBiz(40301, "pow verification failed"))
		return
	}
	id := body.Email
	if id == "" {
		id = body.Mobile
	}
	s.mu.Lock()
	s.LoginCalls++
	want, ok := s.passwords[id]
	if !ok || want != body.Password {
		s.mu.Unlock()
		writeEnvelope(w, http.StatusOK, 0, "", nil, withBiz(2, "wrong password"))
		return
	}
	token := s.issueLocked(id)
	if s.RejectIssued {
		s.rejected[token] = true
	}
	if s.EmptyToken {
		token = ""
	}
	withoutUser := s.LoginWithoutUser
	s.mu.Unlock()
	if withoutUser {
		writeEnvelope(w, http.StatusOK, 0, "", map[string]any{"session": map[string]any{"bearer": token}})
		return
	}
	writeEnvelope(w, http.StatusOK, 0, "", map[string]any{"user": map[string]any{"email": id, "token": token}})
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	if s.failing(w, r) {
		return
	}
	token, ok := s.authorized(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	email := s.tokens[token]
	s.mu.Unlock()
	writeEnvelope(w, http.StatusOK, 0, "", map[string]any{"email": email})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if s.failing(w, r) {
		return
	}
	if _, ok := s.authorized(w, r); !ok {
		return
	}
	s.mu.Lock()
	s.sessions++
	id := fmt.Sprintf("sess-%d", s.sessions)
	s.mu.Unlock()
	writeEnvelope(w, http.StatusOK, 0, "", map[string]any{"id": id})
}

func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	if s.failing(w, r) {
		return
	}
	token, ok := s.authorized(w, r)
	if !ok {
		return
	}
	if !validPowHeader(r, pow.CompletionTargetPath) {
		writeEnvelope(w, http.StatusOK, 0, "", nil, withBiz(40301, "pow verification failed"))
		return
	}
	var body struct {
		ChatSessionID   string `json:"chat_session_id"`
		ParentMessageID *int64 `json:"parent_message_id"`
		Prompt          string `json:"prompt"`
		SearchEnabled   bool   `json:"search_enabled"`
		ThinkingEnabled bool   `json:"thinking_enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeEnvelope(w, http.StatusBadRequest, 40000, "bad request", nil)
		return
	}
	rec := CompletionCall{
		Token:           token,
		ChatSessionID:   body.ChatSessionID,
		ParentMessageID: body.ParentMessageID,
		Prompt:          body.Prompt,
		SearchEnabled:   body.SearchEnabled,
		ThinkingEnabled: body.ThinkingEnabled,
	}
	s.mu.Lock()
	s.Completions = append(s.Completions, rec)
	turn := len(s.Completions)
	script := s.Script
	delay := s.ResponseDelay
	s.mu.Unlock()

	lines := DefaultScript(turn)
	if script != nil {
		lines = script(rec)
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for _, line := range lines {
		if delay > 0 {
			time.Sleep(delay)
		}
		_, _ = fmt.Fprintf(w, "%s\n\n", line)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// DefaultScript answers "Hello world" with the given response message id.
func DefaultScript(messageID int) []string {
	return []string{
		fmt.Sprintf(`data: {"v":{"response":{"message_id":%d,"parent_id":%d}}}`, messageID*2, messageID*2-1),
		`data: {"p":"response/content","o":"APPEND","v":"Hello"}`,
		`data: {"v":" world"}`,
		`data: {"p":"response/status","o":"SET","v":"FINISHED"}`,
	}
}

type bizOption struct {
	code int
	msg  string
}

func withBiz(code int, msg string) bizOption { return bizOption{code: code, msg: msg} }

func writeEnvelope(w http.ResponseWriter, status, code int, msg string, bizData any, opts ...bizOption) {
	data := map[string]any{"biz_code": 0, "biz_msg": "", "biz_data": bizData}
	for _, o := range opts {
		data["biz_code"] = o.code
		data["biz_msg"] = o.msg
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "msg": msg, "data": data})
}
