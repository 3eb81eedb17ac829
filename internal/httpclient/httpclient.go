package httpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/skydir/trustpipe/internal/circuitbreaker"
)

// Default returns a client tuned for many small outbound requests against
// operator-controlled endpoints.
func Default() *http.Client {
	tr := &http.Transport{
		TLSClientConfig:       &tls.Config{},
		MaxIdleConns:          256,
		MaxConnsPerHost:       32,
		MaxIdleConnsPerHost:   16,
		ResponseHeaderTimeout: 10 * time.Second,
		IdleConnTimeout:       30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: tr, Timeout: 15 * time.Second}
}

// ResilientClient wraps http.Client with a per-host circuit breaker so bots
// with dead manifest endpoints stop consuming fetch capacity.
type ResilientClient struct {
	client      *http.Client
	hostBreaker *circuitbreaker.HostBreaker
	ua          string
}

func NewResilientClient(client *http.Client, ua string) *ResilientClient {
	if client == nil {
		client = Default()
	}
	return &ResilientClient{
		client:      client,
		hostBreaker: circuitbreaker.NewHostBreaker(nil),
		ua:          ua,
	}
}

// Do executes the request under the breaker for its host. 5xx responses
// count as failures.
func (c *ResilientClient) Do(req *http.Request) (*http.Response, error) {
	host := req.URL.Host
	if host == "" {
		host = req.URL.Hostname()
	}
	if c.ua != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.ua)
	}

	var resp *http.Response
	err := c.hostBreaker.Execute(host, func() error {
		var err error
		resp, err = c.client.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return &StatusError{Code: resp.StatusCode}
		}
		return nil
	})
	return resp, err
}

// Get performs a GET with context under the breaker.
func (c *ResilientClient) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// ResetHost clears breaker state for a host after an operator retrigger.
func (c *ResilientClient) ResetHost(host string) {
	c.hostBreaker.Reset(host)
}

// StatusError marks a response the breaker should count as a failure. The
// response is still returned to the caller alongside it.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d", e.Code)
}
