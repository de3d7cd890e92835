package aria2

import (
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// DefaultTimeout bounds a single RPC call.
const DefaultTimeout = 10 * time.Second

// Client holds the connection details of one aria2 JSON-RPC endpoint.
type Client struct {
	baseURL *url.URL
	secret  string
	http    *http.Client
}

// NewClient builds a client for the given endpoint. A non-positive timeout
// selects DefaultTimeout.
func NewClient(endpoint, secret string, timeout time.Duration) (*Client, error) {
	baseURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		secret:  secret,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// NewLocalClient builds a client for an engine bound to the loopback
// interface on port.
func NewLocalClient(port int, secret string, timeout time.Duration) (*Client, error) {
	return NewClient(LocalEndpoint(port), secret, timeout)
}

// LocalEndpoint returns the JSON-RPC URL of a loopback engine.
func LocalEndpoint(port int) string {
	return "http://127.0.0.1:" + strconv.Itoa(port) + "/jsonrpc"
}

// TimeoutFromEnv reads PODFETCH_RPC_TIMEOUT_MS, falling back to def when
// unset or not a positive integer.
func TimeoutFromEnv(def time.Duration) time.Duration {
	if v := os.Getenv("PODFETCH_RPC_TIMEOUT_MS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			return time.Duration(parsed) * time.Millisecond
		}
	}
	return def
}

func (c *Client) BaseURL() *url.URL      { return c.baseURL }
func (c *Client) Secret() string         { return c.secret }
func (c *Client) HTTP() *http.Client     { return c.http }
func (c *Client) Timeout() time.Duration { return c.http.Timeout }
