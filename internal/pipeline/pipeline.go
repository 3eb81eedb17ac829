package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/skydir/trustpipe/internal/challenge"
	"github.com/skydir/trustpipe/internal/domain"
	"github.com/skydir/trustpipe/internal/events"
	"github.com/skydir/trustpipe/internal/fetch"
	"github.com/skydir/trustpipe/internal/logging"
	"github.com/skydir/trustpipe/internal/manifest"
	"github.com/skydir/trustpipe/internal/queue"
	"github.com/skydir/trustpipe/internal/reputation"
	"github.com/skydir/trustpipe/internal/scheduler"
	"github.com/skydir/trustpipe/internal/store"
)

// KindManifestFetch is the queue kind for asynchronous manifest fetches.
const KindManifestFetch queue.Kind = "manifest.fetch"

// fetchPayload captures the manifest URL at enqueue time. The handler
// compares it with the bot's current URL before writing, so a stale job
// completing out of order cannot clobber a newer manifest row.
type fetchPayload struct {
	ManifestURL string `json:"manifest_url"`
}

// Pipeline is the facade the API layer calls. It is the sole mutation path
// for manifest, challenge and reputation state: every transition goes
// through one of its entry points or through the queue handler it owns.
type Pipeline struct {
	store   store.Store
	sched   *scheduler.Scheduler
	fetcher *fetch.Fetcher
	engine  *challenge.Engine
	emitter *events.Emitter
	log     *logging.Logger
	now     func() time.Time
}

func New(st store.Store, sched *scheduler.Scheduler, fetcher *fetch.Fetcher, engine *challenge.Engine, emitter *events.Emitter, log *logging.Logger) *Pipeline {
	p := &Pipeline{
		store:   st,
		sched:   sched,
		fetcher: fetcher,
		engine:  engine,
		emitter: emitter,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
	sched.Register(KindManifestFetch, p.HandleManifestFetch, p.manifestFetchDead)
	return p
}

// OnBotRegistered kicks off the first manifest fetch when the registration
// carried a manifest URL. Fire-and-forget: callers observe completion by
// re-reading manifest state later.
func (p *Pipeline) OnBotRegistered(ctx context.Context, botID, manifestURL string) error {
	if manifestURL == "" {
		return nil
	}
	return p.enqueueFetch(ctx, botID, manifestURL)
}

// OnManifestURLChanged re-fetches against the new URL. Any in-flight job
// for the old URL is neutralized by the staleness guard, not cancelled.
func (p *Pipeline) OnManifestURLChanged(ctx context.Context, botID, newURL string) error {
	if newURL == "" {
		// Clearing the URL leaves the last manifest row in place for
		// diagnostics; there is nothing to fetch.
		return nil
	}
	return p.enqueueFetch(ctx, botID, newURL)
}

// OnVerificationRequested issues (or re-returns) the bot's challenge. The
// caller relays the nonce to the operator; publishing it is out of scope.
func (p *Pipeline) OnVerificationRequested(ctx context.Context, botID string) (domain.VerificationChallenge, error) {
	c, err := p.engine.Issue(ctx, botID)
	if err != nil {
		return domain.VerificationChallenge{}, err
	}
	p.emitter.Emit(events.Event{Type: events.ChallengeIssued, BotID: botID, Detail: c.ID})
	return c, nil
}

// OnVerificationCheck evaluates the bot's pending challenge now. The same
// code path serves explicit "check now" calls and the periodic sweep.
func (p *Pipeline) OnVerificationCheck(ctx context.Context, botID string) (challenge.Outcome, error) {
	out, err := p.engine.Evaluate(ctx, botID)
	if err != nil {
		return challenge.Outcome{}, err
	}
	switch out.Status {
	case domain.ChallengeVerified:
		// EvidenceURI is only set when this evaluation applied the
		// transition; a concurrent winner already recorded reputation.
		if out.EvidenceURI != "" {
			prev, err := p.reputationOrZero(ctx, botID)
			if err != nil {
				return out, err
			}
			if err := p.store.UpsertReputation(ctx, reputation.FromVerification(prev, botID, out.Latency, p.now())); err != nil {
				return out, err
			}
			p.emitter.Emit(events.Event{Type: events.ChallengeVerified, BotID: botID, Detail: out.EvidenceURI})
		}
	case domain.ChallengeExpired:
		p.emitter.Emit(events.Event{Type: events.ChallengeExpired, BotID: botID})
	case domain.ChallengeFailed:
		p.emitter.Emit(events.Event{Type: events.ChallengeFailed, BotID: botID})
	}
	return out, nil
}

// RunSweep periodically evaluates all pending challenges until ctx is done.
func (p *Pipeline) RunSweep(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			p.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) sweep(ctx context.Context) {
	botIDs, err := p.store.ListPendingBotIDs(ctx)
	if err != nil {
		p.log.Warnw("sweep list failed", "err", err)
		return
	}
	for _, botID := range botIDs {
		if ctx.Err() != nil {
			return
		}
		if _, err := p.OnVerificationCheck(ctx, botID); err != nil && !errors.Is(err, challenge.ErrNoPending) {
			p.log.Warnw("sweep evaluate failed", "bot", botID, "err", err)
		}
	}
}

func (p *Pipeline) enqueueFetch(ctx context.Context, botID, manifestURL string) error {
	payload, err := json.Marshal(fetchPayload{ManifestURL: manifestURL})
	if err != nil {
		return err
	}
	job := queue.Job{
		ID:         uuid.NewString(),
		Kind:       KindManifestFetch,
		BotID:      botID,
		Payload:    payload,
		EnqueuedAt: p.now(),
	}
	p.log.Infow("manifest fetch enqueued", "bot", botID, "job", job.ID, "url", manifestURL)
	return p.sched.Enqueue(ctx, job)
}

// HandleManifestFetch executes one fetch job. It is idempotent and safe to
// re-run with stale inputs: the captured URL is checked against the bot's
// current value before any write.
func (p *Pipeline) HandleManifestFetch(ctx context.Context, job queue.Job) error {
	var payload fetchPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		p.log.Warnw("malformed fetch payload, dropping", "job", job.ID, "err", err)
		return nil
	}

	bot, err := p.store.GetBot(ctx, job.BotID)
	if errors.Is(err, store.ErrNotFound) {
		p.log.Warnw("fetch job for unknown bot, dropping", "job", job.ID, "bot", job.BotID)
		return nil
	}
	if err != nil {
		return err
	}
	if bot.ManifestURL != payload.ManifestURL {
		p.log.Infow("stale fetch job discarded", "bot", bot.ID, "captured", payload.ManifestURL, "current", bot.ManifestURL)
		return nil
	}

	res := p.fetcher.Fetch(ctx, payload.ManifestURL)
	if res.Transient {
		// Hand transient failures back to the scheduler for backoff;
		// only the terminal outcome is recorded, by the dead handler.
		return errors.New(res.Errors[0])
	}
	return p.recordResult(ctx, job.BotID, payload.ManifestURL, res)
}

// manifestFetchDead records the terminal fetch-failure once retries are
// exhausted. Re-triggering requires operator action (manual re-fetch or a
// manifest URL change).
func (p *Pipeline) manifestFetchDead(ctx context.Context, job queue.Job, err error) {
	var payload fetchPayload
	if jsonErr := json.Unmarshal(job.Payload, &payload); jsonErr != nil {
		return
	}
	msg := err.Error()
	if inner := errors.Unwrap(err); inner != nil {
		msg = inner.Error()
	}
	res := manifest.Result{Errors: []string{msg}, RuleViolations: manifest.RuleCount}
	if recErr := p.recordResult(ctx, job.BotID, payload.ManifestURL, res); recErr != nil {
		p.log.Errorw("recording dead fetch failed", "bot", job.BotID, "job", job.ID, "err", recErr)
	}
}

// recordResult applies a validation result: manifest row replaced in place,
// command set swapped on success, reputation recomputed. One atomic write
// per affected row.
func (p *Pipeline) recordResult(ctx context.Context, botID, capturedURL string, res manifest.Result) error {
	// Re-check staleness after the slow fetch: the URL may have changed
	// while this job was in flight.
	bot, err := p.store.GetBot(ctx, botID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if bot.ManifestURL != capturedURL {
		p.log.Infow("stale fetch result discarded", "bot", botID, "captured", capturedURL, "current", bot.ManifestURL)
		return nil
	}

	now := p.now()
	errs := res.Errors
	if errs == nil {
		errs = []string{}
	}
	m := domain.Manifest{
		BotID:            botID,
		RawJSON:          res.Raw,
		SchemaVersion:    res.SchemaVersion,
		ValidatedAt:      now,
		Errors:           errs,
		InteractionModes: res.InteractionModes,
		DMEnabled:        res.DMEnabled,
		DMRetention:      res.DMRetention,
	}
	if err := p.store.UpsertManifest(ctx, m); err != nil {
		return err
	}

	if res.Valid() {
		cmds := make([]domain.Command, len(res.Commands))
		for i, c := range res.Commands {
			c.BotID = botID
			cmds[i] = c
		}
		if err := p.store.ReplaceCommands(ctx, botID, cmds); err != nil {
			return err
		}
		p.emitter.Emit(events.Event{Type: events.ManifestValidated, BotID: botID})
	} else {
		p.emitter.Emit(events.Event{Type: events.ManifestFetchFailed, BotID: botID, Detail: errs[0]})
	}

	prev, err := p.reputationOrZero(ctx, botID)
	if err != nil {
		return err
	}
	return p.store.UpsertReputation(ctx, reputation.FromValidation(prev, botID, res, now))
}

func (p *Pipeline) reputationOrZero(ctx context.Context, botID string) (domain.ReputationMetrics, error) {
	prev, err := p.store.GetReputation(ctx, botID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.ReputationMetrics{BotID: botID}, nil
	}
	return prev, err
}
