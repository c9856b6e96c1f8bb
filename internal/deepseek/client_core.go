package deepseek

import (
	"net/http"
	"strings"
	"time"

	"ds2openai/internal/config"
	"ds2openai/internal/devcapture"
)

// Doer is the transport used for upstream calls.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is the only place upstream wire shapes are known.
type Client struct {
	baseURL string
	regular Doer
	stream  Doer
	capture *devcapture.Store
	now     func() time.Time
}

type Options struct {
	BaseURL        string
	RequestTimeout time.Duration
	Regular        Doer
	Stream         Doer
	Capture        *devcapture.Store
}

func NewClient(opts Options) *Client {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	regular := opts.Regular
	if regular == nil {
		regular = &http.Client{Timeout: timeout}
	}
	stream := opts.Stream
	if stream == nil {
		stream = &http.Client{Timeout: 0}
	}
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = config.DefaultBaseURL
	}
	return &Client{
		baseURL: base,
		regular: regular,
		stream:  stream,
		capture: opts.Capture,
		now:     time.Now,
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) url(path string) string { return c.baseURL + path }

func (c *Client) headers(token string) map[string]string {
	headers := make(map[string]string, len(BaseHeaders)+5)
	for k, v := range BaseHeaders {
		headers[k] = v
	}
	headers["Origin"] = c.baseURL
	headers["Referer"] = c.baseURL + "/"
	headers["Cookie"] = browserCookie(c.now())
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	return headers
}
