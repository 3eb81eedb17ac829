package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/skydir/trustpipe/internal/logging"
	"github.com/skydir/trustpipe/internal/metrics"

	"context"
)

// Type enumerates the pipeline transitions worth telling downstream
// consumers (search indexer, notification fan-out) about.
type Type string

const (
	ManifestValidated   Type = "manifest.validated"
	ManifestFetchFailed Type = "manifest.fetch_failed"
	ChallengeIssued     Type = "challenge.issued"
	ChallengeVerified   Type = "challenge.verified"
	ChallengeExpired    Type = "challenge.expired"
	ChallengeFailed     Type = "challenge.failed"
)

// Event is one pipeline transition.
type Event struct {
	Type       Type      `json:"type"`
	BotID      string    `json:"bot_id"`
	Detail     string    `json:"detail,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// Batch is what gets POSTed to the ingest endpoint.
type Batch struct {
	Events []Event `json:"events"`
}

// Emitter batches events and ships them to an optional ingest endpoint.
// With no endpoint configured batches go to the log at debug level. Failed
// posts spool to disk and are retried on Drain.
type Emitter struct {
	ingest     string
	batchMax   int
	flushEvery time.Duration
	spoolDir   string
	client     *http.Client
	log        *logging.Logger

	// postWindow bounds how long a single batch post keeps retrying
	// before the batch is spooled instead.
	postWindow time.Duration

	mu  sync.Mutex
	acc []Event
}

func NewEmitter(ingest string, batchMax int, flushEvery time.Duration, spoolDir string, log *logging.Logger) *Emitter {
	_ = os.MkdirAll(spoolDir, 0o755)
	return &Emitter{
		ingest:     ingest,
		batchMax:   batchMax,
		flushEvery: flushEvery,
		spoolDir:   spoolDir,
		client:     &http.Client{Timeout: 20 * time.Second},
		log:        log,
		postWindow: 30 * time.Second,
	}
}

// Emit queues one event; it never blocks the pipeline.
func (e *Emitter) Emit(evt Event) {
	if evt.ObservedAt.IsZero() {
		evt.ObservedAt = time.Now().UTC()
	}
	metrics.EventsTotal.WithLabelValues(string(evt.Type)).Inc()
	e.mu.Lock()
	e.acc = append(e.acc, evt)
	full := len(e.acc) >= e.batchMax
	e.mu.Unlock()
	if full {
		e.flush()
	}
}

// Run flushes on a timer until ctx is done, then drains.
func (e *Emitter) Run(ctx context.Context) {
	t := time.NewTicker(e.flushEvery)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			e.flush()
		case <-ctx.Done():
			e.Drain()
			return
		}
	}
}

func (e *Emitter) flush() {
	e.mu.Lock()
	if len(e.acc) == 0 {
		e.mu.Unlock()
		return
	}
	batch := Batch{Events: e.acc}
	e.acc = nil
	e.mu.Unlock()

	if e.ingest == "" {
		e.log.Debugw("events batch", "count", len(batch.Events))
		return
	}
	if err := e.post(batch); err != nil {
		e.log.Warnw("event ingest failed, spooling", "count", len(batch.Events), "err", err)
		e.spool(batch)
	}
}

func (e *Emitter) post(b Batch) error {
	buf := &bytes.Buffer{}
	_ = json.NewEncoder(buf).Encode(b)
	op := func() error {
		req, _ := http.NewRequest(http.MethodPost, e.ingest, bytes.NewReader(buf.Bytes()))
		req.Header.Set("Content-Type", "application/json")
		resp, err := e.client.Do(req)
		if err != nil {
			return err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("bad status: %d", resp.StatusCode)
		}
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = e.postWindow
	return backoff.Retry(op, bo)
}

func (e *Emitter) spool(b Batch) {
	name := time.Now().UTC().Format("20060102T150405.000000000") + ".json"
	f, err := os.Create(filepath.Join(e.spoolDir, name))
	if err != nil {
		e.log.Errorw("spool create failed", "err", err)
		return
	}
	defer f.Close()
	_ = json.NewEncoder(f).Encode(b)
}

// Drain flushes the accumulator and retries spooled batches once.
func (e *Emitter) Drain() {
	e.flush()
	entries, _ := os.ReadDir(e.spoolDir)
	for _, ent := range entries {
		p := filepath.Join(e.spoolDir, ent.Name())
		f, err := os.Open(p)
		if err != nil {
			continue
		}
		var b Batch
		err = json.NewDecoder(f).Decode(&b)
		f.Close()
		if err != nil {
			continue
		}
		if e.ingest == "" || e.post(b) == nil {
			_ = os.Remove(p)
		}
	}
}
