package devcapture

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultLimit        = 10
	DefaultMaxBodyBytes = 256 * 1024
	maxLimit            = 100
)

var redactedKeys = map[string]bool{"password": true, "token": true, "authorization": true}

// Entry is one captured upstream exchange.
type Entry struct {
	ID                string `json:"id"`
	CreatedAt         int64  `json:"created_at"`
	Label             string `json:"label"`
	URL               string `json:"url"`
	AccountID         string `json:"account_id,omitempty"`
	StatusCode        int    `json:"status_code"`
	RequestBody       string `json:"request_body"`
	ResponseBody      string `json:"response_body"`
	ResponseTruncated bool   `json:"response_truncated"`
}

// Store keeps the newest captured exchanges, newest first. A nil *Store is
// a valid disabled store.
type Store struct {
	mu           sync.Mutex
	limit        int
	maxBodyBytes int
	items        []Entry
}

type Session struct {
	store      *Store
	id         string
	createdAt  int64
	label      string
	url        string
	accountID  string
	requestRaw string
}

func New(limit, maxBodyBytes int) *Store {
	if limit < 1 {
		limit = DefaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if maxBodyBytes < 1024 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &Store{limit: limit, maxBodyBytes: maxBodyBytes, items: make([]Entry, 0, limit)}
}

func (s *Store) Enabled() bool { return s != nil }

func (s *Store) Limit() int {
	if s == nil {
		return 0
	}
	return s.limit
}

func (s *Store) MaxBodyBytes() int {
	if s == nil {
		return 0
	}
	return s.maxBodyBytes
}

func (s *Store) Snapshot() []Entry {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.items))
	copy(out, s.items)
	return out
}

func (s *Store) Clear() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = s.items[:0]
}

func (s *Store) Start(label, url, accountID string, requestPayload any) *Session {
	if s == nil {
		return nil
	}
	return &Session{
		store:      s,
		id:         "cap_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		createdAt:  time.Now().Unix(),
		label:      strings.TrimSpace(label),
		url:        strings.TrimSpace(url),
		accountID:  strings.TrimSpace(accountID),
		requestRaw: marshalRedacted(requestPayload),
	}
}

// Finish records a fully read response body.
func (s *Session) Finish(statusCode int, body []byte) {
	if s == nil {
		return
	}
	limit := s.store.maxBodyBytes
	truncated := len(body) > limit
	if truncated {
		body = body[:limit]
	}
	s.store.push(s.entry(statusCode, string(body), truncated))
}

// WrapBody records a streamed response body once it is drained or closed.
func (s *Session) WrapBody(rc io.ReadCloser, statusCode int) io.ReadCloser {
	if s == nil || rc == nil {
		return rc
	}
	return &captureBody{rc: rc, s: s, statusCode: statusCode}
}

func (s *Session) entry(statusCode int, body string, truncated bool) Entry {
	return Entry{
		ID:                s.id,
		CreatedAt:         s.createdAt,
		Label:             s.label,
		URL:               s.url,
		AccountID:         s.accountID,
		StatusCode:        statusCode,
		RequestBody:       s.requestRaw,
		ResponseBody:      body,
		ResponseTruncated: truncated,
	}
}

type captureBody struct {
	rc         io.ReadCloser
	s          *Session
	statusCode int
	buf        strings.Builder
	truncated  bool
	once       sync.Once
}

func (c *captureBody) Read(p []byte) (int, error) {
	n, err := c.rc.Read(p)
	if n > 0 {
		c.append(p[:n])
	}
	if err == io.EOF {
		c.finalize()
	}
	return n, err
}

func (c *captureBody) Close() error {
	err := c.rc.Close()
	c.finalize()
	return err
}

func (c *captureBody) append(chunk []byte) {
	remain := c.s.store.maxBodyBytes - c.buf.Len()
	if remain <= 0 {
		c.truncated = true
		return
	}
	if len(chunk) > remain {
		chunk = chunk[:remain]
		c.truncated = true
	}
	c.buf.Write(chunk)
}

func (c *captureBody) finalize() {
	c.once.Do(func() {
		c.s.store.push(c.s.entry(c.statusCode, c.buf.String(), c.truncated))
	})
}

func (s *Store) push(entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append([]Entry{entry}, s.items...)
	if len(s.items) > s.limit {
		s.items = s.items[:s.limit]
	}
}

func marshalRedacted(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var generic map[string]any
	if json.Unmarshal(b, &generic) != nil {
		return string(b)
	}
	for k := range generic {
		if redactedKeys[strings.ToLower(k)] {
			generic[k] = "***"
		}
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return string(b)
	}
	return string(out)
}
