package store

import (
	"context"
	"errors"

	"github.com/skydir/trustpipe/internal/domain"
)

var (
	// ErrNotFound keeps missing-row handling consistent across backends.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a unique constraint (DID, pending
	// challenge) would be violated.
	ErrConflict = errors.New("conflicting record exists")
)

// Stores are interface-driven so the pipeline can run against the in-memory
// backend in tests and postgres in production without rewiring.

type BotStore interface {
	CreateBot(ctx context.Context, bot domain.Bot) error
	GetBot(ctx context.Context, id string) (domain.Bot, error)
	GetBotByDID(ctx context.Context, did string) (domain.Bot, error)
	UpdateBot(ctx context.Context, bot domain.Bot) error
	SetTrustBadge(ctx context.Context, botID string, badge domain.TrustBadge) error
}

type ManifestStore interface {
	// UpsertManifest replaces the single manifest row for a bot.
	UpsertManifest(ctx context.Context, m domain.Manifest) error
	GetManifest(ctx context.Context, botID string) (domain.Manifest, error)
	// ReplaceCommands swaps the full command set extracted from a manifest.
	ReplaceCommands(ctx context.Context, botID string, cmds []domain.Command) error
	ListCommands(ctx context.Context, botID string) ([]domain.Command, error)
}

type ChallengeStore interface {
	CreateChallenge(ctx context.Context, c domain.VerificationChallenge) error
	// PendingChallenge returns the single pending challenge for a bot, or
	// ErrNotFound.
	PendingChallenge(ctx context.Context, botID string) (domain.VerificationChallenge, error)
	// ListPendingBotIDs feeds the periodic sweep.
	ListPendingBotIDs(ctx context.Context) ([]string, error)
	// TransitionChallenge applies a compare-and-set status change. It
	// reports false when the challenge is no longer in the from status, so
	// concurrent evaluations cannot double-apply or resurrect a terminal
	// challenge.
	TransitionChallenge(ctx context.Context, id string, from, to domain.ChallengeStatus, evidenceURI string) (bool, error)
	HasVerifiedChallenge(ctx context.Context, botID string) (bool, error)
}

type ReputationStore interface {
	UpsertReputation(ctx context.Context, m domain.ReputationMetrics) error
	GetReputation(ctx context.Context, botID string) (domain.ReputationMetrics, error)
}

// Store is the full persistence surface consumed by the pipeline.
type Store interface {
	BotStore
	ManifestStore
	ChallengeStore
	ReputationStore
}
