package challenge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/skydir/trustpipe/internal/domain"
	"github.com/skydir/trustpipe/internal/logging"
	"github.com/skydir/trustpipe/internal/metrics"
	"github.com/skydir/trustpipe/internal/resolver"
	"github.com/skydir/trustpipe/internal/store"
	"go.opentelemetry.io/otel"
)

// ErrNoPending is returned by Evaluate when the bot has no open challenge.
var ErrNoPending = errors.New("no pending challenge")

// Store is the persistence slice the engine needs.
type Store interface {
	store.BotStore
	store.ChallengeStore
}

// Outcome reports what an evaluation concluded. Latency is only meaningful
// when Status is verified.
type Outcome struct {
	Status      domain.ChallengeStatus
	EvidenceURI string
	Latency     time.Duration
}

// Engine issues nonce challenges and adjudicates evidence found in a bot's
// public post stream. All status changes are compare-and-set on the stored
// challenge, so concurrent evaluations (sweep plus manual check) for the
// same bot cannot double-apply or resurrect a terminal challenge.
type Engine struct {
	store      Store
	resolver   resolver.Resolver
	ttl        time.Duration
	postsLimit int
	log        *logging.Logger

	// now and newNonce are swapped in tests.
	now      func() time.Time
	newNonce func() string
}

func NewEngine(st Store, res resolver.Resolver, ttl time.Duration, postsLimit int, log *logging.Logger) *Engine {
	return &Engine{
		store:      st,
		resolver:   res,
		ttl:        ttl,
		postsLimit: postsLimit,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
		newNonce:   randomNonce,
	}
}

func randomNonce() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(b)
}

// Issue returns the bot's open challenge, creating one if needed. Repeated
// calls inside the TTL window return the identical nonce; an expired
// pending challenge is superseded by a fresh one.
func (e *Engine) Issue(ctx context.Context, botID string) (domain.VerificationChallenge, error) {
	bot, err := e.store.GetBot(ctx, botID)
	if err != nil {
		return domain.VerificationChallenge{}, fmt.Errorf("issue: %w", err)
	}

	now := e.now()
	if c, err := e.store.PendingChallenge(ctx, botID); err == nil {
		if !c.Expired(now) {
			return c, nil
		}
		if err := e.expire(ctx, c); err != nil {
			return domain.VerificationChallenge{}, err
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.VerificationChallenge{}, fmt.Errorf("issue: %w", err)
	}

	c := domain.VerificationChallenge{
		ID:        uuid.NewString(),
		BotID:     botID,
		Nonce:     e.newNonce(),
		IssuedAt:  now,
		ExpiresAt: now.Add(e.ttl),
		Status:    domain.ChallengePending,
	}
	if err := e.store.CreateChallenge(ctx, c); err != nil {
		// Lost a race with a concurrent Issue; the winner's challenge is
		// the one to hand back.
		if errors.Is(err, store.ErrConflict) {
			return e.store.PendingChallenge(ctx, botID)
		}
		return domain.VerificationChallenge{}, fmt.Errorf("issue: %w", err)
	}
	metrics.ChallengesTotal.WithLabelValues("issued").Inc()
	e.log.Infow("challenge issued", "bot", botID, "challenge", c.ID, "expires_at", c.ExpiresAt)

	if bot.TrustBadge != domain.BadgeVerified {
		if err := e.store.SetTrustBadge(ctx, botID, domain.BadgePending); err != nil {
			return domain.VerificationChallenge{}, fmt.Errorf("issue: %w", err)
		}
	}
	return c, nil
}

// Evaluate adjudicates the bot's pending challenge against its recent
// public posts. It is triggered by an explicit check or by the sweep.
func (e *Engine) Evaluate(ctx context.Context, botID string) (Outcome, error) {
	tr := otel.Tracer("trustpipe/challenge")
	ctx, span := tr.Start(ctx, "Evaluate")
	defer span.End()

	bot, err := e.store.GetBot(ctx, botID)
	if err != nil {
		return Outcome{}, fmt.Errorf("evaluate: %w", err)
	}
	c, err := e.store.PendingChallenge(ctx, botID)
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{}, ErrNoPending
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("evaluate: %w", err)
	}

	// TTL wins over any evidence found afterwards: no late verification.
	if c.Expired(e.now()) {
		if err := e.expire(ctx, c); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: domain.ChallengeExpired}, nil
	}

	// A DID whose resolution no longer matches the directory record can
	// never produce attributable evidence; the challenge is unsalvageable.
	identity, err := e.resolver.ResolveDID(ctx, bot.DID)
	if err != nil {
		return Outcome{}, fmt.Errorf("evaluate: %w", err)
	}
	if identity.DID != bot.DID {
		if err := e.fail(ctx, c); err != nil {
			return Outcome{}, err
		}
		e.log.Warnw("challenge failed, DID mismatch", "bot", botID, "registered", bot.DID, "resolved", identity.DID)
		return Outcome{Status: domain.ChallengeFailed}, nil
	}

	posts, err := e.resolver.RecentPosts(ctx, bot.DID, e.postsLimit)
	if err != nil {
		return Outcome{}, fmt.Errorf("evaluate: %w", err)
	}

	for _, post := range posts {
		// Literal, case-sensitive match, and the author must be the
		// bot's own DID: a third party echoing the nonce proves nothing.
		if post.AuthorDID != bot.DID || !strings.Contains(post.Text, c.Nonce) {
			continue
		}
		applied, err := e.store.TransitionChallenge(ctx, c.ID, domain.ChallengePending, domain.ChallengeVerified, post.URI)
		if err != nil {
			return Outcome{}, fmt.Errorf("evaluate: %w", err)
		}
		if !applied {
			// A concurrent evaluation got there first; report current state.
			return e.settledOutcome(ctx, botID, c.ID)
		}
		if err := e.store.SetTrustBadge(ctx, botID, domain.BadgeVerified); err != nil {
			return Outcome{}, fmt.Errorf("evaluate: %w", err)
		}
		latency := post.CreatedAt.Sub(c.IssuedAt)
		if latency < 0 {
			latency = 0
		}
		metrics.ChallengesTotal.WithLabelValues("verified").Inc()
		metrics.VerificationSeconds.Observe(latency.Seconds())
		e.log.Infow("challenge verified", "bot", botID, "challenge", c.ID, "evidence", post.URI, "latency", latency)
		return Outcome{Status: domain.ChallengeVerified, EvidenceURI: post.URI, Latency: latency}, nil
	}

	// No evidence yet and not expired: stays pending, poll again later.
	return Outcome{Status: domain.ChallengePending}, nil
}

func (e *Engine) expire(ctx context.Context, c domain.VerificationChallenge) error {
	applied, err := e.store.TransitionChallenge(ctx, c.ID, domain.ChallengePending, domain.ChallengeExpired, "")
	if err != nil {
		return fmt.Errorf("expire: %w", err)
	}
	if applied {
		metrics.ChallengesTotal.WithLabelValues("expired").Inc()
		e.log.Infow("challenge expired", "bot", c.BotID, "challenge", c.ID)
		return e.restoreBadge(ctx, c.BotID)
	}
	return nil
}

func (e *Engine) fail(ctx context.Context, c domain.VerificationChallenge) error {
	applied, err := e.store.TransitionChallenge(ctx, c.ID, domain.ChallengePending, domain.ChallengeFailed, "")
	if err != nil {
		return fmt.Errorf("fail: %w", err)
	}
	if applied {
		metrics.ChallengesTotal.WithLabelValues("failed").Inc()
		return e.restoreBadge(ctx, c.BotID)
	}
	return nil
}

// restoreBadge recomputes the badge after a terminal non-verified outcome:
// verified exactly when some past challenge succeeded, unverified otherwise.
func (e *Engine) restoreBadge(ctx context.Context, botID string) error {
	verified, err := e.store.HasVerifiedChallenge(ctx, botID)
	if err != nil {
		return err
	}
	badge := domain.BadgeUnverified
	if verified {
		badge = domain.BadgeVerified
	}
	return e.store.SetTrustBadge(ctx, botID, badge)
}

// settledOutcome reports the state a concurrent evaluation left behind.
func (e *Engine) settledOutcome(ctx context.Context, botID, challengeID string) (Outcome, error) {
	if _, err := e.store.PendingChallenge(ctx, botID); err == nil {
		return Outcome{Status: domain.ChallengePending}, nil
	}
	verified, err := e.store.HasVerifiedChallenge(ctx, botID)
	if err != nil {
		return Outcome{}, err
	}
	if verified {
		return Outcome{Status: domain.ChallengeVerified}, nil
	}
	return Outcome{Status: domain.ChallengeExpired}, nil
}
