package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"campaign-engine/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence of campaigns, contacts,
// groups, and connected accounts.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const campaignColumns = `id, tenant_id, name, template_id, template_body, audience, distribution,
	anti_ban, schedule, status, total, sent, failed, pending, failure_reason, media_key,
	created_at, updated_at`

// CreateCampaign inserts a campaign row.
func (s *Store) CreateCampaign(ctx context.Context, c *models.Campaign) error {
	audience, distribution, antiBan, schedule, err := marshalSpecs(c)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err = s.pool.Exec(ctx, `
		INSERT INTO campaigns (id, tenant_id, name, template_id, template_body, audience,
			distribution, anti_ban, schedule, status, total, sent, failed, pending,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, 0, 0, 0, $11, $11)
	`, c.ID, c.TenantID, c.Name, c.TemplateID, c.TemplateBody, audience, distribution,
		antiBan, schedule, c.Status, now)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}
	return nil
}

// GetCampaign fetches a campaign scoped to a tenant.
func (s *Store) GetCampaign(ctx context.Context, tenantID, id string) (models.Campaign, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	return scanCampaign(row)
}

// ListCampaigns returns a page of campaigns plus the total match count.
func (s *Store) ListCampaigns(ctx context.Context, tenantID, status string, limit, offset int) ([]models.Campaign, int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE tenant_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, tenantID, status, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list campaigns: %w", err)
	}

	var total int
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM campaigns WHERE tenant_id = $1 AND ($2 = '' OR status = $2)
	`, tenantID, status).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count campaigns: %w", err)
	}
	return out, total, nil
}

// TransitionStatus moves a campaign from one of the expected statuses to the
// target status. It reports false when the campaign was in none of them,
// which the service surfaces as a state conflict.
func (s *Store) TransitionStatus(ctx context.Context, tenantID, id, to string, from ...string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaigns SET status = $3, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND status = ANY($4)
	`, tenantID, id, to, from)
	if err != nil {
		return false, fmt.Errorf("transition status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetRunning marks a picked-up campaign running and records the resolved
// audience size, resetting the counters for this pass only when the campaign
// has not partially run before.
func (s *Store) SetRunning(ctx context.Context, id string, total int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE campaigns
		SET status = $2, total = $3, pending = $3 - sent - failed, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusRunning, total)
	if err != nil {
		return fmt.Errorf("set running: %w", err)
	}
	return nil
}

// FinishCampaign writes a terminal or paused status, with an optional
// human-readable failure reason.
func (s *Store) FinishCampaign(ctx context.Context, id, status string, reason *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE campaigns SET status = $2, failure_reason = $3, updated_at = NOW()
		WHERE id = $1
	`, id, status, reason)
	if err != nil {
		return fmt.Errorf("finish campaign: %w", err)
	}
	return nil
}

// ApplyOutcome folds one send result into the counters as a single UPDATE so
// readers never observe a torn write across sent/failed/pending. It returns
// the updated stats for progress publication.
func (s *Store) ApplyOutcome(ctx context.Context, id string, success bool) (models.Stats, error) {
	var st models.Stats
	err := s.pool.QueryRow(ctx, `
		UPDATE campaigns
		SET sent    = sent + CASE WHEN $2 THEN 1 ELSE 0 END,
		    failed  = failed + CASE WHEN $2 THEN 0 ELSE 1 END,
		    pending = GREATEST(pending - 1, 0),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING total, sent, failed, pending
	`, id, success).Scan(&st.Total, &st.Sent, &st.Failed, &st.Pending)
	if err != nil {
		return st, fmt.Errorf("apply outcome: %w", err)
	}
	return st, nil
}

// SetMediaKey attaches an uploaded media object to a campaign.
func (s *Store) SetMediaKey(ctx context.Context, tenantID, id, key string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaigns SET media_key = $3, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id, key)
	if err != nil {
		return fmt.Errorf("set media key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCampaign removes a campaign unless it is running. It reports whether
// a row was deleted; the caller distinguishes missing from running.
func (s *Store) DeleteCampaign(ctx context.Context, tenantID, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM campaigns WHERE tenant_id = $1 AND id = $2 AND status <> $3
	`, tenantID, id, models.StatusRunning)
	if err != nil {
		return false, fmt.Errorf("delete campaign: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SegmentContacts loads the contacts of one saved segment, in stable order.
func (s *Store) SegmentContacts(ctx context.Context, tenantID, segmentID string) ([]models.Recipient, error) {
	return s.queryRecipients(ctx, `
		SELECT address, name FROM contacts
		WHERE tenant_id = $1 AND segment_id = $2 ORDER BY id
	`, tenantID, segmentID)
}

// AllContacts loads every contact of a tenant regardless of segment.
func (s *Store) AllContacts(ctx context.Context, tenantID string) ([]models.Recipient, error) {
	return s.queryRecipients(ctx, `
		SELECT address, name FROM contacts WHERE tenant_id = $1 ORDER BY id
	`, tenantID)
}

// GroupRecipients loads every synced group address for the tenant.
func (s *Store) GroupRecipients(ctx context.Context, tenantID string) ([]models.Recipient, error) {
	return s.queryRecipients(ctx, `
		SELECT jid, subject FROM chat_groups WHERE tenant_id = $1 ORDER BY id
	`, tenantID)
}

// ReplaceGroups swaps the tenant's local group cache for a fresh listing.
func (s *Store) ReplaceGroups(ctx context.Context, tenantID string, groups []models.Recipient) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `DELETE FROM chat_groups WHERE tenant_id = $1`, tenantID); err != nil {
		return fmt.Errorf("clear groups: %w", err)
	}
	for _, g := range groups {
		if _, err := tx.Exec(ctx, `
			INSERT INTO chat_groups (tenant_id, jid, subject, synced_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (tenant_id, jid) DO UPDATE SET subject = EXCLUDED.subject, synced_at = NOW()
		`, tenantID, g.Address, g.Name); err != nil {
			return fmt.Errorf("insert group: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// ListReadyAccounts returns the ids of accounts currently connected and able
// to send, in stable order. Called fresh per assignment because connectivity
// changes mid-campaign.
func (s *Store) ListReadyAccounts(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT account_id FROM accounts
		WHERE tenant_id = $1 AND status = 'ready' ORDER BY id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list ready accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetAccountStatus updates an account's connectivity status.
func (s *Store) SetAccountStatus(ctx context.Context, tenantID, accountID, status string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (tenant_id, account_id, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, account_id) DO UPDATE SET status = EXCLUDED.status
	`, tenantID, accountID, status)
	if err != nil {
		return fmt.Errorf("set account status: %w", err)
	}
	return nil
}

func (s *Store) queryRecipients(ctx context.Context, sql string, args ...any) ([]models.Recipient, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	defer rows.Close()

	var out []models.Recipient
	for rows.Next() {
		var r models.Recipient
		if err := rows.Scan(&r.Address, &r.Name); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (models.Campaign, error) {
	var c models.Campaign
	var audience, distribution, antiBan, schedule []byte
	var reason, mediaKey pgtype.Text

	err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.TemplateID, &c.TemplateBody,
		&audience, &distribution, &antiBan, &schedule, &c.Status,
		&c.Stats.Total, &c.Stats.Sent, &c.Stats.Failed, &c.Stats.Pending,
		&reason, &mediaKey, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c, ErrNotFound
		}
		return c, fmt.Errorf("scan campaign: %w", err)
	}

	if err := json.Unmarshal(audience, &c.Audience); err != nil {
		return c, fmt.Errorf("unmarshal audience: %w", err)
	}
	if err := json.Unmarshal(distribution, &c.Distribution); err != nil {
		return c, fmt.Errorf("unmarshal distribution: %w", err)
	}
	if err := json.Unmarshal(antiBan, &c.AntiBan); err != nil {
		return c, fmt.Errorf("unmarshal anti_ban: %w", err)
	}
	if err := json.Unmarshal(schedule, &c.Schedule); err != nil {
		return c, fmt.Errorf("unmarshal schedule: %w", err)
	}
	c.FailureReason = textPtr(reason)
	c.MediaKey = textPtr(mediaKey)
	return c, nil
}

func marshalSpecs(c *models.Campaign) (audience, distribution, antiBan, schedule []byte, err error) {
	if audience, err = json.Marshal(c.Audience); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal audience: %w", err)
	}
	if distribution, err = json.Marshal(c.Distribution); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal distribution: %w", err)
	}
	if antiBan, err = json.Marshal(c.AntiBan); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal anti_ban: %w", err)
	}
	if schedule, err = json.Marshal(c.Schedule); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal schedule: %w", err)
	}
	return audience, distribution, antiBan, schedule, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
