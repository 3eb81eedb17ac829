package store

import (
	"context"
	"sync"
	"time"

	"github.com/skydir/trustpipe/internal/domain"
)

// Memory is the in-memory backend. It favors clarity over performance and
// backs all package-level tests.
type Memory struct {
	mu         sync.RWMutex
	bots       map[string]domain.Bot
	didIndex   map[string]string
	manifests  map[string]domain.Manifest
	commands   map[string][]domain.Command
	challenges map[string]domain.VerificationChallenge
	byBot      map[string][]string // bot id -> challenge ids, insertion order
	reputation map[string]domain.ReputationMetrics
}

func NewMemory() *Memory {
	return &Memory{
		bots:       make(map[string]domain.Bot),
		didIndex:   make(map[string]string),
		manifests:  make(map[string]domain.Manifest),
		commands:   make(map[string][]domain.Command),
		challenges: make(map[string]domain.VerificationChallenge),
		byBot:      make(map[string][]string),
		reputation: make(map[string]domain.ReputationMetrics),
	}
}

func (s *Memory) CreateBot(_ context.Context, bot domain.Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bots[bot.ID]; ok {
		return ErrConflict
	}
	if _, ok := s.didIndex[bot.DID]; ok {
		return ErrConflict
	}
	s.bots[bot.ID] = bot
	s.didIndex[bot.DID] = bot.ID
	return nil
}

func (s *Memory) GetBot(_ context.Context, id string) (domain.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if bot, ok := s.bots[id]; ok {
		return bot, nil
	}
	return domain.Bot{}, ErrNotFound
}

func (s *Memory) GetBotByDID(_ context.Context, did string) (domain.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.didIndex[did]; ok {
		return s.bots[id], nil
	}
	return domain.Bot{}, ErrNotFound
}

func (s *Memory) UpdateBot(_ context.Context, bot domain.Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bots[bot.ID]; !ok {
		return ErrNotFound
	}
	bot.UpdatedAt = time.Now().UTC()
	s.bots[bot.ID] = bot
	return nil
}

func (s *Memory) SetTrustBadge(_ context.Context, botID string, badge domain.TrustBadge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bot, ok := s.bots[botID]
	if !ok {
		return ErrNotFound
	}
	bot.TrustBadge = badge
	bot.UpdatedAt = time.Now().UTC()
	s.bots[botID] = bot
	return nil
}

func (s *Memory) UpsertManifest(_ context.Context, m domain.Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifests[m.BotID] = m
	return nil
}

func (s *Memory) GetManifest(_ context.Context, botID string) (domain.Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.manifests[botID]; ok {
		return m, nil
	}
	return domain.Manifest{}, ErrNotFound
}

func (s *Memory) ReplaceCommands(_ context.Context, botID string, cmds []domain.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands[botID] = append([]domain.Command{}, cmds...)
	return nil
}

func (s *Memory) ListCommands(_ context.Context, botID string) ([]domain.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Command{}, s.commands[botID]...), nil
}

func (s *Memory) CreateChallenge(_ context.Context, c domain.VerificationChallenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Status == domain.ChallengePending {
		for _, id := range s.byBot[c.BotID] {
			if s.challenges[id].Status == domain.ChallengePending {
				return ErrConflict
			}
		}
	}
	s.challenges[c.ID] = c
	s.byBot[c.BotID] = append(s.byBot[c.BotID], c.ID)
	return nil
}

func (s *Memory) PendingChallenge(_ context.Context, botID string) (domain.VerificationChallenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byBot[botID]
	for i := len(ids) - 1; i >= 0; i-- {
		if c := s.challenges[ids[i]]; c.Status == domain.ChallengePending {
			return c, nil
		}
	}
	return domain.VerificationChallenge{}, ErrNotFound
}

func (s *Memory) ListPendingBotIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, c := range s.challenges {
		if c.Status != domain.ChallengePending {
			continue
		}
		if _, ok := seen[c.BotID]; !ok {
			seen[c.BotID] = struct{}{}
			out = append(out, c.BotID)
		}
	}
	return out, nil
}

func (s *Memory) TransitionChallenge(_ context.Context, id string, from, to domain.ChallengeStatus, evidenceURI string) (bool, error) {
	if !from.CanTransition(to) {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[id]
	if !ok {
		return false, ErrNotFound
	}
	if c.Status != from {
		return false, nil
	}
	c.Status = to
	if evidenceURI != "" {
		c.EvidenceURI = evidenceURI
	}
	s.challenges[id] = c
	return true, nil
}

func (s *Memory) HasVerifiedChallenge(_ context.Context, botID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.byBot[botID] {
		if s.challenges[id].Status == domain.ChallengeVerified {
			return true, nil
		}
	}
	return false, nil
}

func (s *Memory) UpsertReputation(_ context.Context, m domain.ReputationMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reputation[m.BotID] = m
	return nil
}

func (s *Memory) GetReputation(_ context.Context, botID string) (domain.ReputationMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.reputation[botID]; ok {
		return m, nil
	}
	return domain.ReputationMetrics{}, ErrNotFound
}
