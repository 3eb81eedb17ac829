package domain

import "fmt"

// ListingStatus is the lifecycle state of a directory listing. Listings are
// never hard-deleted; suspension is the strongest transition.
type ListingStatus string

const (
	ListingDraft     ListingStatus = "draft"
	ListingActive    ListingStatus = "active"
	ListingSuspended ListingStatus = "suspended"
)

func ParseListingStatus(s string) (ListingStatus, error) {
	switch ListingStatus(s) {
	case ListingDraft, ListingActive, ListingSuspended:
		return ListingStatus(s), nil
	}
	return "", fmt.Errorf("unknown listing status %q", s)
}

// TrustBadge is the public identity-verification signal for a bot.
type TrustBadge string

const (
	BadgeUnverified TrustBadge = "unverified"
	BadgePending    TrustBadge = "pending"
	BadgeVerified   TrustBadge = "verified"
)

func ParseTrustBadge(s string) (TrustBadge, error) {
	switch TrustBadge(s) {
	case BadgeUnverified, BadgePending, BadgeVerified:
		return TrustBadge(s), nil
	}
	return "", fmt.Errorf("unknown trust badge %q", s)
}

// ChallengeStatus is the state of a verification challenge. verified,
// expired and failed are terminal.
type ChallengeStatus string

const (
	ChallengePending  ChallengeStatus = "pending"
	ChallengeVerified ChallengeStatus = "verified"
	ChallengeExpired  ChallengeStatus = "expired"
	ChallengeFailed   ChallengeStatus = "failed"
)

func ParseChallengeStatus(s string) (ChallengeStatus, error) {
	switch ChallengeStatus(s) {
	case ChallengePending, ChallengeVerified, ChallengeExpired, ChallengeFailed:
		return ChallengeStatus(s), nil
	}
	return "", fmt.Errorf("unknown challenge status %q", s)
}

// Terminal reports whether the status permits no further transitions.
func (s ChallengeStatus) Terminal() bool {
	return s == ChallengeVerified || s == ChallengeExpired || s == ChallengeFailed
}

// CanTransition reports whether the state machine allows moving to next.
// Only pending has outgoing edges; a pending→pending write is a no-op, not
// a transition.
func (s ChallengeStatus) CanTransition(next ChallengeStatus) bool {
	if s != ChallengePending {
		return false
	}
	return next == ChallengeVerified || next == ChallengeExpired || next == ChallengeFailed
}
