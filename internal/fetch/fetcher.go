package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/skydir/trustpipe/internal/circuitbreaker"
	"github.com/skydir/trustpipe/internal/httpclient"
	"github.com/skydir/trustpipe/internal/logging"
	"github.com/skydir/trustpipe/internal/manifest"
	"github.com/skydir/trustpipe/internal/metrics"
	"github.com/skydir/trustpipe/internal/rate"
)

// Fetcher retrieves bot manifests with a bounded timeout and body size so a
// malicious or misconfigured endpoint cannot exhaust the pipeline. It never
// returns an error: every outcome is a manifest.Result the orchestrator
// records.
type Fetcher struct {
	client   *httpclient.ResilientClient
	limiter  *rate.PerHost
	timeout  time.Duration
	maxBytes int64
	log      *logging.Logger
}

func New(client *httpclient.ResilientClient, limiter *rate.PerHost, timeout time.Duration, maxBytes int64, log *logging.Logger) *Fetcher {
	return &Fetcher{client: client, limiter: limiter, timeout: timeout, maxBytes: maxBytes, log: log}
}

// Fetch GETs the manifest URL and validates the body.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) manifest.Result {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		metrics.FetchesTotal.WithLabelValues("bad_url").Inc()
		return manifest.FetchFailed(fmt.Sprintf("invalid manifest URL %q", rawURL), false)
	}

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, u.Host); err != nil {
			metrics.FetchesTotal.WithLabelValues("canceled").Inc()
			return manifest.FetchFailed("timeout", true)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	resp, err := f.client.Get(ctx, rawURL)
	if err != nil {
		if resp != nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
		metrics.FetchesTotal.WithLabelValues("error").Inc()
		return manifest.FetchFailed(reason(err), true)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.FetchesTotal.WithLabelValues("bad_status").Inc()
		return manifest.FetchFailed(fmt.Sprintf("status %d", resp.StatusCode), resp.StatusCode >= 500)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		metrics.FetchesTotal.WithLabelValues("error").Inc()
		return manifest.FetchFailed(reason(err), true)
	}
	if int64(len(body)) > f.maxBytes {
		metrics.FetchesTotal.WithLabelValues("too_large").Inc()
		return manifest.FetchFailed(fmt.Sprintf("body exceeds %d bytes", f.maxBytes), false)
	}

	metrics.FetchesTotal.WithLabelValues("ok").Inc()
	return manifest.Validate(body)
}

// reason normalizes transport errors into the stable strings surfaced on
// the manifest row. Timeouts always read "timeout".
func reason(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.Is(err, circuitbreaker.ErrOpenState):
		return "endpoint unavailable (circuit open)"
	}
	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) {
		return fmt.Sprintf("status %d", statusErr.Code)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return "timeout"
		}
		return urlErr.Err.Error()
	}
	return err.Error()
}
