package domain

import "time"

// Bot is the root identity record of a directory listing. The DID is the
// stable protocol-level identity; the handle is resolved and may change.
type Bot struct {
	ID            string        `json:"id"`
	DID           string        `json:"did"`
	Handle        string        `json:"handle"`
	DisplayName   string        `json:"display_name"`
	Description   string        `json:"description"`
	ListingSecret string        `json:"-"`
	OperatorName  string        `json:"operator_name,omitempty"`
	OperatorEmail string        `json:"operator_email,omitempty"`
	Categories    []string      `json:"categories"`
	ManifestURL   string        `json:"manifest_url,omitempty"`
	ListingStatus ListingStatus `json:"listing_status"`
	TrustBadge    TrustBadge    `json:"trust_badge"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Manifest holds the outcome of the last fetch-and-validate attempt for a
// bot, one row per bot. Errors non-empty means the document is kept for
// diagnostics only and is not a usable capability declaration.
type Manifest struct {
	BotID            string    `json:"bot_id"`
	RawJSON          []byte    `json:"raw_json,omitempty"`
	SchemaVersion    string    `json:"schema_version"`
	ValidatedAt      time.Time `json:"validated_at"`
	Errors           []string  `json:"errors"`
	InteractionModes []string  `json:"interaction_modes"`
	DMEnabled        bool      `json:"dm_enabled"`
	DMRetention      string    `json:"dm_retention,omitempty"`
}

// Valid reports whether the manifest is usable as a capability declaration.
func (m Manifest) Valid() bool { return len(m.Errors) == 0 }

// Command is a single capability advertised by a bot's manifest. The set is
// replaced wholesale whenever a manifest validates.
type Command struct {
	BotID            string `json:"bot_id"`
	Name             string `json:"name"`
	Description      string `json:"description,omitempty"`
	ArgsSchema       []byte `json:"args_schema,omitempty"`
	ExampleMention   string `json:"example_mention,omitempty"`
	ResponseContract string `json:"response_contract,omitempty"`
}

// VerificationChallenge is one entry in the append-only challenge ledger.
// At most one challenge per bot is pending at a time.
type VerificationChallenge struct {
	ID          string          `json:"id"`
	BotID       string          `json:"bot_id"`
	Nonce       string          `json:"nonce"`
	IssuedAt    time.Time       `json:"issued_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Status      ChallengeStatus `json:"status"`
	EvidenceURI string          `json:"evidence_uri,omitempty"`
}

// Expired reports whether the challenge TTL has elapsed at the given time.
func (c VerificationChallenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// ReputationMetrics is the continuously recomputed per-bot score row.
// Overwritten in place; no history is kept.
type ReputationMetrics struct {
	BotID                   string    `json:"bot_id"`
	ResponsivenessMs        int64     `json:"responsiveness_ms"`
	ManifestCompletenessPct int       `json:"manifest_completeness_pct"`
	ReportCount             int       `json:"report_count"`
	LastSeenAt              time.Time `json:"last_seen_at"`
}

// Post is a public post returned by the identity resolver.
type Post struct {
	URI       string    `json:"uri"`
	Text      string    `json:"text"`
	AuthorDID string    `json:"author_did"`
	CreatedAt time.Time `json:"created_at"`
}

// Identity is the resolver's view of a DID.
type Identity struct {
	DID             string `json:"did"`
	Handle          string `json:"handle"`
	ServiceEndpoint string `json:"service_endpoint"`
}
