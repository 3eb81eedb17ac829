package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/skydir/trustpipe/internal/domain"
)

func newBot(id, did string) domain.Bot {
	return domain.Bot{
		ID:            id,
		DID:           did,
		Handle:        "bot.example.com",
		ListingStatus: domain.ListingActive,
		TrustBadge:    domain.BadgeUnverified,
	}
}

func TestMemory_BotLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	if err := s.CreateBot(ctx, newBot("b1", "did:plc:alpha")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateBot(ctx, newBot("b2", "did:plc:alpha")); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for duplicate DID, got %v", err)
	}
	if err := s.CreateBot(ctx, newBot("b1", "did:plc:beta")); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for duplicate id, got %v", err)
	}

	got, err := s.GetBotByDID(ctx, "did:plc:alpha")
	if err != nil {
		t.Fatalf("get by did: %v", err)
	}
	if got.ID != "b1" {
		t.Errorf("expected b1, got %s", got.ID)
	}

	got.DisplayName = "Alpha Bot"
	if err := s.UpdateBot(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = s.GetBot(ctx, "b1")
	if got.DisplayName != "Alpha Bot" {
		t.Errorf("update not applied: %v", got)
	}

	if err := s.SetTrustBadge(ctx, "b1", domain.BadgePending); err != nil {
		t.Fatalf("set badge: %v", err)
	}
	got, _ = s.GetBot(ctx, "b1")
	if got.TrustBadge != domain.BadgePending {
		t.Errorf("expected pending badge, got %s", got.TrustBadge)
	}

	if _, err := s.GetBot(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemory_ManifestAndCommands(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	m := domain.Manifest{BotID: "b1", SchemaVersion: "1.0", ValidatedAt: time.Now(), Errors: []string{}}
	if err := s.UpsertManifest(ctx, m); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// Upsert replaces in place; one row per bot.
	m.Errors = []string{"fetch failed: timeout"}
	if err := s.UpsertManifest(ctx, m); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, err := s.GetManifest(ctx, "b1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Errors) != 1 {
		t.Errorf("expected replaced row, got %v", got.Errors)
	}

	cmds := []domain.Command{{BotID: "b1", Name: "echo"}, {BotID: "b1", Name: "help"}}
	if err := s.ReplaceCommands(ctx, "b1", cmds); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := s.ReplaceCommands(ctx, "b1", cmds[:1]); err != nil {
		t.Fatalf("replace again: %v", err)
	}
	listed, _ := s.ListCommands(ctx, "b1")
	if len(listed) != 1 || listed[0].Name != "echo" {
		t.Errorf("expected wholesale replacement, got %v", listed)
	}
}

func TestMemory_SinglePendingChallenge(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	c1 := domain.VerificationChallenge{ID: "c1", BotID: "b1", Status: domain.ChallengePending}
	if err := s.CreateChallenge(ctx, c1); err != nil {
		t.Fatalf("create: %v", err)
	}
	c2 := domain.VerificationChallenge{ID: "c2", BotID: "b1", Status: domain.ChallengePending}
	if err := s.CreateChallenge(ctx, c2); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for second pending, got %v", err)
	}
	// A pending challenge for a different bot is fine.
	c3 := domain.VerificationChallenge{ID: "c3", BotID: "b2", Status: domain.ChallengePending}
	if err := s.CreateChallenge(ctx, c3); err != nil {
		t.Errorf("unexpected conflict across bots: %v", err)
	}

	ids, _ := s.ListPendingBotIDs(ctx)
	if len(ids) != 2 {
		t.Errorf("expected 2 bots with pending challenges, got %v", ids)
	}
}

func TestMemory_TransitionChallenge(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	c := domain.VerificationChallenge{ID: "c1", BotID: "b1", Status: domain.ChallengePending}
	if err := s.CreateChallenge(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}

	applied, err := s.TransitionChallenge(ctx, "c1", domain.ChallengePending, domain.ChallengeVerified, "at://evidence/1")
	if err != nil || !applied {
		t.Fatalf("expected applied transition, got applied=%v err=%v", applied, err)
	}

	// Terminal challenges cannot move again.
	applied, err = s.TransitionChallenge(ctx, "c1", domain.ChallengeVerified, domain.ChallengeExpired, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if applied {
		t.Error("terminal challenge must not transition")
	}

	// A stale CAS (wrong from status) is a no-op, not an error.
	applied, err = s.TransitionChallenge(ctx, "c1", domain.ChallengePending, domain.ChallengeExpired, "")
	if err != nil || applied {
		t.Errorf("expected no-op for stale CAS, got applied=%v err=%v", applied, err)
	}

	has, _ := s.HasVerifiedChallenge(ctx, "b1")
	if !has {
		t.Error("expected verified challenge in history")
	}

	// The bot can now re-verify: a fresh pending challenge is legal again.
	c2 := domain.VerificationChallenge{ID: "c2", BotID: "b1", Status: domain.ChallengePending}
	if err := s.CreateChallenge(ctx, c2); err != nil {
		t.Errorf("expected new pending after terminal outcome, got %v", err)
	}
	pending, err := s.PendingChallenge(ctx, "b1")
	if err != nil || pending.ID != "c2" {
		t.Errorf("expected pending c2, got %v err=%v", pending, err)
	}
}

func TestMemory_Reputation(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	if _, err := s.GetReputation(ctx, "b1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	m := domain.ReputationMetrics{BotID: "b1", ManifestCompletenessPct: 80}
	if err := s.UpsertReputation(ctx, m); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	m.ManifestCompletenessPct = 100
	if err := s.UpsertReputation(ctx, m); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, _ := s.GetReputation(ctx, "b1")
	if got.ManifestCompletenessPct != 100 {
		t.Errorf("expected overwrite in place, got %d", got.ManifestCompletenessPct)
	}
}
