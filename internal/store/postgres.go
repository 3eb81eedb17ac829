package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/skydir/trustpipe/internal/domain"
)

// Postgres is the relational backend. One row per bot in manifests and
// reputation_metrics; verification_challenges is append-only with a partial
// unique index enforcing the single-pending-challenge invariant.
type Postgres struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS bots (
	id              UUID PRIMARY KEY,
	did             VARCHAR(255) NOT NULL UNIQUE,
	handle          VARCHAR(255) NOT NULL,
	display_name    VARCHAR(255) NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	listing_secret  VARCHAR(64) NOT NULL,
	operator_name   VARCHAR(255) NOT NULL DEFAULT '',
	operator_email  VARCHAR(255) NOT NULL DEFAULT '',
	categories      JSONB NOT NULL DEFAULT '[]',
	manifest_url    VARCHAR(1024) NOT NULL DEFAULT '',
	listing_status  VARCHAR(20) NOT NULL DEFAULT 'draft',
	trust_badge     VARCHAR(20) NOT NULL DEFAULT 'unverified',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS manifests (
	bot_id            UUID PRIMARY KEY REFERENCES bots(id) ON DELETE CASCADE,
	raw_json          JSONB,
	schema_version    VARCHAR(10) NOT NULL DEFAULT '',
	validated_at      TIMESTAMPTZ NOT NULL,
	errors            JSONB NOT NULL DEFAULT '[]',
	interaction_modes JSONB NOT NULL DEFAULT '[]',
	dm_enabled        BOOLEAN NOT NULL DEFAULT false,
	dm_retention      VARCHAR(10) NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS commands (
	bot_id            UUID NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
	name              VARCHAR(100) NOT NULL,
	description       TEXT NOT NULL DEFAULT '',
	args_schema       JSONB,
	example_mention   VARCHAR(500) NOT NULL DEFAULT '',
	response_contract VARCHAR(500) NOT NULL DEFAULT '',
	PRIMARY KEY (bot_id, name)
);

CREATE TABLE IF NOT EXISTS verification_challenges (
	id           UUID PRIMARY KEY,
	bot_id       UUID NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
	nonce        VARCHAR(64) NOT NULL,
	issued_at    TIMESTAMPTZ NOT NULL,
	expires_at   TIMESTAMPTZ NOT NULL,
	status       VARCHAR(20) NOT NULL DEFAULT 'pending',
	evidence_uri VARCHAR(1024) NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS challenges_one_pending_idx
	ON verification_challenges (bot_id) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS reputation_metrics (
	bot_id                    UUID PRIMARY KEY REFERENCES bots(id) ON DELETE CASCADE,
	responsiveness_ms         BIGINT NOT NULL DEFAULT 0,
	manifest_completeness_pct INT NOT NULL DEFAULT 0,
	report_count              INT NOT NULL DEFAULT 0,
	last_seen_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// OpenPostgres connects and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (s *Postgres) Close() error { return s.db.Close() }

// Ping reports backend health.
func (s *Postgres) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (s *Postgres) CreateBot(ctx context.Context, bot domain.Bot) error {
	categories, _ := json.Marshal(bot.Categories)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bots (id, did, handle, display_name, description, listing_secret,
			operator_name, operator_email, categories, manifest_url,
			listing_status, trust_badge, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		bot.ID, bot.DID, bot.Handle, bot.DisplayName, bot.Description, bot.ListingSecret,
		bot.OperatorName, bot.OperatorEmail, categories, bot.ManifestURL,
		string(bot.ListingStatus), string(bot.TrustBadge), bot.CreatedAt, bot.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

const botColumns = `id, did, handle, display_name, description, listing_secret,
	operator_name, operator_email, categories, manifest_url,
	listing_status, trust_badge, created_at, updated_at`

func (s *Postgres) scanBot(row *sql.Row) (domain.Bot, error) {
	var bot domain.Bot
	var categories []byte
	var listingStatus, trustBadge string
	err := row.Scan(&bot.ID, &bot.DID, &bot.Handle, &bot.DisplayName, &bot.Description,
		&bot.ListingSecret, &bot.OperatorName, &bot.OperatorEmail, &categories,
		&bot.ManifestURL, &listingStatus, &trustBadge, &bot.CreatedAt, &bot.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Bot{}, ErrNotFound
	}
	if err != nil {
		return domain.Bot{}, err
	}
	_ = json.Unmarshal(categories, &bot.Categories)
	bot.ListingStatus = domain.ListingStatus(listingStatus)
	bot.TrustBadge = domain.TrustBadge(trustBadge)
	return bot, nil
}

func (s *Postgres) GetBot(ctx context.Context, id string) (domain.Bot, error) {
	return s.scanBot(s.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE id = $1`, id))
}

func (s *Postgres) GetBotByDID(ctx context.Context, did string) (domain.Bot, error) {
	return s.scanBot(s.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE did = $1`, did))
}

func (s *Postgres) UpdateBot(ctx context.Context, bot domain.Bot) error {
	categories, _ := json.Marshal(bot.Categories)
	res, err := s.db.ExecContext(ctx, `
		UPDATE bots SET handle=$2, display_name=$3, description=$4,
			operator_name=$5, operator_email=$6, categories=$7, manifest_url=$8,
			listing_status=$9, trust_badge=$10, updated_at=now()
		WHERE id=$1`,
		bot.ID, bot.Handle, bot.DisplayName, bot.Description,
		bot.OperatorName, bot.OperatorEmail, categories, bot.ManifestURL,
		string(bot.ListingStatus), string(bot.TrustBadge))
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) SetTrustBadge(ctx context.Context, botID string, badge domain.TrustBadge) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bots SET trust_badge=$2, updated_at=now() WHERE id=$1`, botID, string(badge))
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) UpsertManifest(ctx context.Context, m domain.Manifest) error {
	errs, _ := json.Marshal(m.Errors)
	modes, _ := json.Marshal(m.InteractionModes)
	var raw any
	if m.RawJSON != nil {
		raw = m.RawJSON
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO manifests (bot_id, raw_json, schema_version, validated_at,
			errors, interaction_modes, dm_enabled, dm_retention)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (bot_id) DO UPDATE SET
			raw_json=EXCLUDED.raw_json, schema_version=EXCLUDED.schema_version,
			validated_at=EXCLUDED.validated_at, errors=EXCLUDED.errors,
			interaction_modes=EXCLUDED.interaction_modes,
			dm_enabled=EXCLUDED.dm_enabled, dm_retention=EXCLUDED.dm_retention`,
		m.BotID, raw, m.SchemaVersion, m.ValidatedAt, errs, modes, m.DMEnabled, m.DMRetention)
	return err
}

func (s *Postgres) GetManifest(ctx context.Context, botID string) (domain.Manifest, error) {
	var m domain.Manifest
	var raw, errs, modes []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT bot_id, raw_json, schema_version, validated_at, errors,
			interaction_modes, dm_enabled, dm_retention
		FROM manifests WHERE bot_id = $1`, botID).
		Scan(&m.BotID, &raw, &m.SchemaVersion, &m.ValidatedAt, &errs, &modes, &m.DMEnabled, &m.DMRetention)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Manifest{}, ErrNotFound
	}
	if err != nil {
		return domain.Manifest{}, err
	}
	m.RawJSON = raw
	_ = json.Unmarshal(errs, &m.Errors)
	_ = json.Unmarshal(modes, &m.InteractionModes)
	return m, nil
}

func (s *Postgres) ReplaceCommands(ctx context.Context, botID string, cmds []domain.Command) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM commands WHERE bot_id = $1`, botID); err != nil {
		return err
	}
	for _, c := range cmds {
		var args any
		if c.ArgsSchema != nil {
			args = c.ArgsSchema
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO commands (bot_id, name, description, args_schema, example_mention, response_contract)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			botID, c.Name, c.Description, args, c.ExampleMention, c.ResponseContract); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Postgres) ListCommands(ctx context.Context, botID string) ([]domain.Command, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bot_id, name, description, args_schema, example_mention, response_contract
		FROM commands WHERE bot_id = $1 ORDER BY name`, botID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Command
	for rows.Next() {
		var c domain.Command
		var args []byte
		if err := rows.Scan(&c.BotID, &c.Name, &c.Description, &args, &c.ExampleMention, &c.ResponseContract); err != nil {
			return nil, err
		}
		c.ArgsSchema = args
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Postgres) CreateChallenge(ctx context.Context, c domain.VerificationChallenge) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO verification_challenges (id, bot_id, nonce, issued_at, expires_at, status, evidence_uri)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		c.ID, c.BotID, c.Nonce, c.IssuedAt, c.ExpiresAt, string(c.Status), c.EvidenceURI)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *Postgres) PendingChallenge(ctx context.Context, botID string) (domain.VerificationChallenge, error) {
	var c domain.VerificationChallenge
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, bot_id, nonce, issued_at, expires_at, status, evidence_uri
		FROM verification_challenges
		WHERE bot_id = $1 AND status = 'pending'
		ORDER BY issued_at DESC LIMIT 1`, botID).
		Scan(&c.ID, &c.BotID, &c.Nonce, &c.IssuedAt, &c.ExpiresAt, &status, &c.EvidenceURI)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.VerificationChallenge{}, ErrNotFound
	}
	if err != nil {
		return domain.VerificationChallenge{}, err
	}
	c.Status = domain.ChallengeStatus(status)
	return c, nil
}

func (s *Postgres) ListPendingBotIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT bot_id FROM verification_challenges WHERE status = 'pending'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Postgres) TransitionChallenge(ctx context.Context, id string, from, to domain.ChallengeStatus, evidenceURI string) (bool, error) {
	if !from.CanTransition(to) {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE verification_challenges
		SET status = $3, evidence_uri = CASE WHEN $4 <> '' THEN $4 ELSE evidence_uri END
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), evidenceURI)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Postgres) HasVerifiedChallenge(ctx context.Context, botID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM verification_challenges WHERE bot_id = $1 AND status = 'verified')`,
		botID).Scan(&exists)
	return exists, err
}

func (s *Postgres) UpsertReputation(ctx context.Context, m domain.ReputationMetrics) error {
	last := m.LastSeenAt
	if last.IsZero() {
		last = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reputation_metrics (bot_id, responsiveness_ms, manifest_completeness_pct, report_count, last_seen_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (bot_id) DO UPDATE SET
			responsiveness_ms=EXCLUDED.responsiveness_ms,
			manifest_completeness_pct=EXCLUDED.manifest_completeness_pct,
			report_count=EXCLUDED.report_count,
			last_seen_at=EXCLUDED.last_seen_at`,
		m.BotID, m.ResponsivenessMs, m.ManifestCompletenessPct, m.ReportCount, last)
	return err
}

func (s *Postgres) GetReputation(ctx context.Context, botID string) (domain.ReputationMetrics, error) {
	var m domain.ReputationMetrics
	err := s.db.QueryRowContext(ctx, `
		SELECT bot_id, responsiveness_ms, manifest_completeness_pct, report_count, last_seen_at
		FROM reputation_metrics WHERE bot_id = $1`, botID).
		Scan(&m.BotID, &m.ResponsivenessMs, &m.ManifestCompletenessPct, &m.ReportCount, &m.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ReputationMetrics{}, ErrNotFound
	}
	return m, err
}
