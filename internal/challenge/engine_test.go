package challenge

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skydir/trustpipe/internal/domain"
	"github.com/skydir/trustpipe/internal/logging"
	"github.com/skydir/trustpipe/internal/store"
)

type fakeResolver struct {
	identity domain.Identity
	posts    []domain.Post
	err      error
}

func (f *fakeResolver) ResolveDID(ctx context.Context, did string) (domain.Identity, error) {
	if f.err != nil {
		return domain.Identity{}, f.err
	}
	return f.identity, nil
}

func (f *fakeResolver) RecentPosts(ctx context.Context, did string, limit int) ([]domain.Post, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.posts) > limit {
		return f.posts[:limit], nil
	}
	return f.posts, nil
}

type engineFixture struct {
	store  *store.Memory
	res    *fakeResolver
	engine *Engine
	clock  time.Time
	botID  string
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		store: store.NewMemory(),
		res:   &fakeResolver{identity: domain.Identity{DID: "did:plc:alpha", Handle: "alpha.example.com"}},
		clock: time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC),
		botID: "bot-1",
	}
	require.NoError(t, f.store.CreateBot(context.Background(), domain.Bot{
		ID:         f.botID,
		DID:        "did:plc:alpha",
		Handle:     "alpha.example.com",
		TrustBadge: domain.BadgeUnverified,
	}))
	f.engine = NewEngine(f.store, f.res, 15*time.Minute, 50, logging.NewNop())
	f.engine.now = func() time.Time { return f.clock }
	nonceSeq := 0
	f.engine.newNonce = func() string {
		nonceSeq++
		return fmt.Sprintf("nonce-%04d", nonceSeq)
	}
	return f
}

func (f *engineFixture) badge(t *testing.T) domain.TrustBadge {
	t.Helper()
	bot, err := f.store.GetBot(context.Background(), f.botID)
	require.NoError(t, err)
	return bot.TrustBadge
}

func TestIssue_CreatesPendingAndSetsBadge(t *testing.T) {
	f := newFixture(t)
	c, err := f.engine.Issue(context.Background(), f.botID)
	require.NoError(t, err)

	assert.Equal(t, domain.ChallengePending, c.Status)
	assert.Equal(t, "nonce-0001", c.Nonce)
	assert.Equal(t, f.clock, c.IssuedAt)
	assert.Equal(t, f.clock.Add(15*time.Minute), c.ExpiresAt)
	assert.Equal(t, domain.BadgePending, f.badge(t))
}

func TestIssue_IdempotentWithinTTL(t *testing.T) {
	f := newFixture(t)
	first, err := f.engine.Issue(context.Background(), f.botID)
	require.NoError(t, err)

	f.clock = f.clock.Add(5 * time.Minute)
	second, err := f.engine.Issue(context.Background(), f.botID)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Nonce, second.Nonce, "repeat issue inside TTL must return the identical nonce")
}

func TestIssue_SupersedesExpiredPending(t *testing.T) {
	f := newFixture(t)
	first, err := f.engine.Issue(context.Background(), f.botID)
	require.NoError(t, err)

	f.clock = f.clock.Add(16 * time.Minute)
	second, err := f.engine.Issue(context.Background(), f.botID)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, first.Nonce, second.Nonce)

	// The superseded challenge is a ledger entry, not an overwrite.
	pending, err := f.store.PendingChallenge(context.Background(), f.botID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, pending.ID)
}

func TestIssue_UnknownBot(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Issue(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEvaluate_NoPending(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Evaluate(context.Background(), f.botID)
	assert.ErrorIs(t, err, ErrNoPending)
}

func TestEvaluate_VerifiesOnNonceEcho(t *testing.T) {
	f := newFixture(t)
	c, err := f.engine.Issue(context.Background(), f.botID)
	require.NoError(t, err)

	f.res.posts = []domain.Post{
		{URI: "at://did:plc:alpha/post/0", AuthorDID: "did:plc:alpha", Text: "unrelated chatter", CreatedAt: f.clock.Add(time.Minute)},
		{URI: "at://did:plc:alpha/post/1", AuthorDID: "did:plc:alpha", Text: "verifying: " + c.Nonce, CreatedAt: f.clock.Add(2 * time.Minute)},
	}
	f.clock = f.clock.Add(3 * time.Minute)

	out, err := f.engine.Evaluate(context.Background(), f.botID)
	require.NoError(t, err)

	assert.Equal(t, domain.ChallengeVerified, out.Status)
	assert.Equal(t, "at://did:plc:alpha/post/1", out.EvidenceURI)
	assert.Equal(t, 2*time.Minute, out.Latency)
	assert.Equal(t, domain.BadgeVerified, f.badge(t))
}

func TestEvaluate_ThirdPartyEchoDoesNotVerify(t *testing.T) {
	f := newFixture(t)
	c, err := f.engine.Issue(context.Background(), f.botID)
	require.NoError(t, err)

	f.res.posts = []domain.Post{
		{URI: "at://did:plc:mallory/post/1", AuthorDID: "did:plc:mallory", Text: c.Nonce, CreatedAt: f.clock},
	}

	out, err := f.engine.Evaluate(context.Background(), f.botID)
	require.NoError(t, err)
	assert.Equal(t, domain.ChallengePending, out.Status, "someone else echoing the nonce proves nothing")
	assert.Equal(t, domain.BadgePending, f.badge(t))
}

func TestEvaluate_NonceMatchIsCaseSensitive(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Issue(context.Background(), f.botID)
	require.NoError(t, err)

	f.res.posts = []domain.Post{
		{URI: "at://did:plc:alpha/post/1", AuthorDID: "did:plc:alpha", Text: "NONCE-0001", CreatedAt: f.clock},
	}

	out, err := f.engine.Evaluate(context.Background(), f.botID)
	require.NoError(t, err)
	assert.Equal(t, domain.ChallengePending, out.Status)
}

func TestEvaluate_NoLateVerification(t *testing.T) {
	f := newFixture(t)
	c, err := f.engine.Issue(context.Background(), f.botID)
	require.NoError(t, err)

	// Evidence exists, but the evaluation happens after the TTL: TTL wins.
	f.res.posts = []domain.Post{
		{URI: "at://did:plc:alpha/post/1", AuthorDID: "did:plc:alpha", Text: c.Nonce, CreatedAt: f.clock.Add(time.Minute)},
	}
	f.clock = f.clock.Add(16 * time.Minute)

	out, err := f.engine.Evaluate(context.Background(), f.botID)
	require.NoError(t, err)
	assert.Equal(t, domain.ChallengeExpired, out.Status)
	assert.Equal(t, domain.BadgeUnverified, f.badge(t))

	has, err := f.store.HasVerifiedChallenge(context.Background(), f.botID)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestEvaluate_DIDMismatchFails(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Issue(context.Background(), f.botID)
	require.NoError(t, err)

	f.res.identity = domain.Identity{DID: "did:plc:somebody-else"}

	out, err := f.engine.Evaluate(context.Background(), f.botID)
	require.NoError(t, err)
	assert.Equal(t, domain.ChallengeFailed, out.Status)
	assert.Equal(t, domain.BadgeUnverified, f.badge(t))
}

func TestEvaluate_ResolverErrorIsRetryable(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Issue(context.Background(), f.botID)
	require.NoError(t, err)

	f.res.err = fmt.Errorf("resolver: status 503")
	_, err = f.engine.Evaluate(context.Background(), f.botID)
	require.Error(t, err)

	// The challenge stays pending; a later evaluation can still succeed.
	pending, err := f.store.PendingChallenge(context.Background(), f.botID)
	require.NoError(t, err)
	assert.Equal(t, domain.ChallengePending, pending.Status)
}

func TestExpiry_PreservesEarlierVerifiedBadge(t *testing.T) {
	f := newFixture(t)

	// First round: verify.
	c, err := f.engine.Issue(context.Background(), f.botID)
	require.NoError(t, err)
	f.res.posts = []domain.Post{
		{URI: "at://did:plc:alpha/post/1", AuthorDID: "did:plc:alpha", Text: c.Nonce, CreatedAt: f.clock},
	}
	out, err := f.engine.Evaluate(context.Background(), f.botID)
	require.NoError(t, err)
	require.Equal(t, domain.ChallengeVerified, out.Status)

	// Second round: a re-verification attempt that times out.
	f.clock = f.clock.Add(time.Hour)
	_, err = f.engine.Issue(context.Background(), f.botID)
	require.NoError(t, err)
	assert.Equal(t, domain.BadgeVerified, f.badge(t), "an open re-verification must not downgrade an earned badge")

	f.clock = f.clock.Add(time.Hour)
	out, err = f.engine.Evaluate(context.Background(), f.botID)
	require.NoError(t, err)
	assert.Equal(t, domain.ChallengeExpired, out.Status)
	assert.Equal(t, domain.BadgeVerified, f.badge(t), "badge tracks challenge history, not the last attempt")
}

func TestEvaluate_NegativeLatencyClamped(t *testing.T) {
	f := newFixture(t)
	c, err := f.engine.Issue(context.Background(), f.botID)
	require.NoError(t, err)

	// Clock skew can put the post before the issue timestamp.
	f.res.posts = []domain.Post{
		{URI: "at://did:plc:alpha/post/1", AuthorDID: "did:plc:alpha", Text: c.Nonce, CreatedAt: f.clock.Add(-time.Minute)},
	}
	out, err := f.engine.Evaluate(context.Background(), f.botID)
	require.NoError(t, err)
	assert.Equal(t, domain.ChallengeVerified, out.Status)
	assert.Equal(t, time.Duration(0), out.Latency)
}

func TestRandomNonce(t *testing.T) {
	a, b := randomNonce(), randomNonce()
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}
