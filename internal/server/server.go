package server

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/skydir/trustpipe/internal/challenge"
	"github.com/skydir/trustpipe/internal/domain"
	"github.com/skydir/trustpipe/internal/logging"
	"github.com/skydir/trustpipe/internal/pipeline"
	"github.com/skydir/trustpipe/internal/store"
)

const secretHeader = "X-Listing-Secret"

// Server is the JSON front door. It owns no domain logic: requests are
// validated, then handed to the store or the pipeline.
type Server struct {
	store store.Store
	pipe  *pipeline.Pipeline
	log   *logging.Logger
	now   func() time.Time
}

func New(st store.Store, pipe *pipeline.Pipeline, log *logging.Logger) *Server {
	return &Server{store: st, pipe: pipe, log: log, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/bots", func(r chi.Router) {
		r.Post("/", s.handleRegister)
		r.Route("/{did}", func(r chi.Router) {
			r.Get("/", s.handleGetBot)
			r.Patch("/", s.handleUpdateBot)
			r.Post("/verification", s.handleRequestVerification)
			r.Post("/verification/check", s.handleCheckVerification)
		})
	})
	return r
}

// Response envelope matching the directory's public API.

func writeData(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg})
}

type registerRequest struct {
	DID           string   `json:"did"`
	Handle        string   `json:"handle"`
	DisplayName   string   `json:"display_name"`
	Description   string   `json:"description"`
	OperatorName  string   `json:"operator_name"`
	OperatorEmail string   `json:"operator_email"`
	Categories    []string `json:"categories"`
	ManifestURL   string   `json:"manifest_url"`
}

type registerResponse struct {
	Bot domain.Bot `json:"bot"`
	// ListingSecret is returned exactly once, at registration.
	ListingSecret string `json:"listing_secret"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.DID = strings.TrimSpace(req.DID)
	req.Handle = strings.TrimSpace(req.Handle)
	if req.DID == "" || req.Handle == "" {
		writeError(w, http.StatusBadRequest, "did and handle are required")
		return
	}

	secret, err := newListingSecret()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	now := s.now()
	bot := domain.Bot{
		ID:            uuid.NewString(),
		DID:           req.DID,
		Handle:        req.Handle,
		DisplayName:   req.DisplayName,
		Description:   req.Description,
		ListingSecret: secret,
		OperatorName:  req.OperatorName,
		OperatorEmail: req.OperatorEmail,
		Categories:    req.Categories,
		ManifestURL:   req.ManifestURL,
		ListingStatus: domain.ListingActive,
		TrustBadge:    domain.BadgeUnverified,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateBot(r.Context(), bot); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusConflict, "a listing for this DID already exists")
			return
		}
		s.log.Errorw("create bot failed", "did", req.DID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := s.store.UpsertReputation(r.Context(), domain.ReputationMetrics{BotID: bot.ID, LastSeenAt: now}); err != nil {
		s.log.Warnw("seed reputation failed", "bot", bot.ID, "err", err)
	}
	if err := s.pipe.OnBotRegistered(r.Context(), bot.ID, bot.ManifestURL); err != nil {
		s.log.Warnw("initial fetch enqueue failed", "bot", bot.ID, "err", err)
	}
	writeData(w, http.StatusCreated, registerResponse{Bot: bot, ListingSecret: secret})
}

type botDetail struct {
	Bot        domain.Bot                `json:"bot"`
	Manifest   *domain.Manifest          `json:"manifest,omitempty"`
	Commands   []domain.Command          `json:"commands"`
	Reputation *domain.ReputationMetrics `json:"reputation,omitempty"`
}

func (s *Server) handleGetBot(w http.ResponseWriter, r *http.Request) {
	bot, ok := s.lookupBot(w, r)
	if !ok {
		return
	}
	detail := botDetail{Bot: bot, Commands: []domain.Command{}}
	if m, err := s.store.GetManifest(r.Context(), bot.ID); err == nil {
		detail.Manifest = &m
	} else if !errors.Is(err, store.ErrNotFound) {
		s.log.Errorw("get manifest failed", "bot", bot.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if cmds, err := s.store.ListCommands(r.Context(), bot.ID); err == nil && cmds != nil {
		detail.Commands = cmds
	}
	if rep, err := s.store.GetReputation(r.Context(), bot.ID); err == nil {
		detail.Reputation = &rep
	}
	writeData(w, http.StatusOK, detail)
}

type updateRequest struct {
	DisplayName   *string   `json:"display_name"`
	Description   *string   `json:"description"`
	OperatorName  *string   `json:"operator_name"`
	OperatorEmail *string   `json:"operator_email"`
	Categories    *[]string `json:"categories"`
	ManifestURL   *string   `json:"manifest_url"`
	ListingStatus *string   `json:"listing_status"`
}

func (s *Server) handleUpdateBot(w http.ResponseWriter, r *http.Request) {
	bot, ok := s.lookupBot(w, r)
	if !ok {
		return
	}
	if !secretMatches(r.Header.Get(secretHeader), bot.ListingSecret) {
		writeError(w, http.StatusUnauthorized, "invalid listing secret")
		return
	}
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.DisplayName != nil {
		bot.DisplayName = *req.DisplayName
	}
	if req.Description != nil {
		bot.Description = *req.Description
	}
	if req.OperatorName != nil {
		bot.OperatorName = *req.OperatorName
	}
	if req.OperatorEmail != nil {
		bot.OperatorEmail = *req.OperatorEmail
	}
	if req.Categories != nil {
		bot.Categories = *req.Categories
	}
	if req.ListingStatus != nil {
		status, err := domain.ParseListingStatus(*req.ListingStatus)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		bot.ListingStatus = status
	}
	urlChanged := false
	if req.ManifestURL != nil && *req.ManifestURL != bot.ManifestURL {
		bot.ManifestURL = *req.ManifestURL
		urlChanged = true
	}
	bot.UpdatedAt = s.now()

	if err := s.store.UpdateBot(r.Context(), bot); err != nil {
		s.log.Errorw("update bot failed", "bot", bot.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if urlChanged {
		if err := s.pipe.OnManifestURLChanged(r.Context(), bot.ID, bot.ManifestURL); err != nil {
			s.log.Warnw("re-fetch enqueue failed", "bot", bot.ID, "err", err)
		}
	}
	writeData(w, http.StatusOK, bot)
}

type verificationResponse struct {
	ChallengeID string    `json:"challenge_id"`
	Nonce       string    `json:"nonce"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (s *Server) handleRequestVerification(w http.ResponseWriter, r *http.Request) {
	bot, ok := s.lookupBot(w, r)
	if !ok {
		return
	}
	c, err := s.pipe.OnVerificationRequested(r.Context(), bot.ID)
	if err != nil {
		s.log.Errorw("issue challenge failed", "bot", bot.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeData(w, http.StatusOK, verificationResponse{ChallengeID: c.ID, Nonce: c.Nonce, ExpiresAt: c.ExpiresAt})
}

type checkResponse struct {
	Status      domain.ChallengeStatus `json:"status"`
	TrustBadge  domain.TrustBadge      `json:"trust_badge"`
	EvidenceURI string                 `json:"evidence_uri,omitempty"`
}

func (s *Server) handleCheckVerification(w http.ResponseWriter, r *http.Request) {
	bot, ok := s.lookupBot(w, r)
	if !ok {
		return
	}
	out, err := s.pipe.OnVerificationCheck(r.Context(), bot.ID)
	if err != nil {
		if errors.Is(err, challenge.ErrNoPending) {
			writeError(w, http.StatusNotFound, "no pending challenge")
			return
		}
		s.log.Errorw("check challenge failed", "bot", bot.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	// Re-read for the current badge; Evaluate may have just changed it.
	if fresh, err := s.store.GetBot(r.Context(), bot.ID); err == nil {
		bot = fresh
	}
	writeData(w, http.StatusOK, checkResponse{Status: out.Status, TrustBadge: bot.TrustBadge, EvidenceURI: out.EvidenceURI})
}

func (s *Server) lookupBot(w http.ResponseWriter, r *http.Request) (domain.Bot, bool) {
	did := chi.URLParam(r, "did")
	bot, err := s.store.GetBotByDID(r.Context(), did)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "bot not found")
		return domain.Bot{}, false
	}
	if err != nil {
		s.log.Errorw("get bot failed", "did", did, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return domain.Bot{}, false
	}
	return bot, true
}

func newListingSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func secretMatches(presented, stored string) bool {
	if presented == "" || stored == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(stored)) == 1
}
