package webhook

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ehr/docquery/internal/platform/apperr"
	"github.com/ehr/docquery/internal/platform/db"
)

type requestRepoPG struct{ db db.Querier }

// NewRequestRepoPG creates a PostgreSQL-backed webhook request ledger.
func NewRequestRepoPG(pool db.Querier) RequestRepository {
	return &requestRepoPG{db: pool}
}

const requestCols = `id, cx_id, type, payload, status, status_detail, created_at, updated_at`

func scanRequest(row pgx.Row) (*Request, error) {
	var r Request
	var payload []byte
	if err := row.Scan(&r.ID, &r.CxID, &r.Type, &payload, &r.Status,
		&r.StatusDetail, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Payload = payload
	return &r, nil
}

func (r *requestRepoPG) Create(ctx context.Context, req *Request) error {
	req.ID = uuid.New()
	req.Status = RequestProcessing
	err := db.Conn(ctx, r.db).QueryRow(ctx, `
		INSERT INTO webhook_request (id, cx_id, type, payload, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		req.ID, req.CxID, req.Type, []byte(req.Payload), req.Status,
	).Scan(&req.CreatedAt, &req.UpdatedAt)
	return apperr.Persistence("create webhook request", err)
}

func (r *requestRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status RequestStatus, detail *string) error {
	tag, err := db.Conn(ctx, r.db).Exec(ctx,
		`UPDATE webhook_request SET status = $2, status_detail = $3, updated_at = NOW() WHERE id = $1`,
		id, status, detail)
	if err != nil {
		return apperr.Persistence("update webhook request", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("webhook request", id.String())
	}
	return nil
}

func (r *requestRepoPG) ListByStatus(ctx context.Context, cxID uuid.UUID, status RequestStatus) ([]*Request, error) {
	rows, err := db.Conn(ctx, r.db).Query(ctx, `SELECT `+requestCols+` FROM webhook_request
		WHERE cx_id = $1 AND status = $2
		ORDER BY created_at ASC, id ASC`, cxID, status)
	if err != nil {
		return nil, apperr.Persistence("list webhook requests", err)
	}
	defer rows.Close()
	var items []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, apperr.Persistence("scan webhook request", err)
		}
		items = append(items, req)
	}
	return items, apperr.Persistence("list webhook requests", rows.Err())
}

func (r *requestRepoPG) MarkProcessing(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.Conn(ctx, r.db).Query(ctx, `
		UPDATE webhook_request SET status = 'processing', updated_at = NOW()
		WHERE id = ANY($1) AND status = 'failure'
		RETURNING id`, ids)
	if err != nil {
		return nil, apperr.Persistence("mark webhook requests processing", err)
	}
	defer rows.Close()
	var flipped []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Persistence("scan webhook request id", err)
		}
		flipped = append(flipped, id)
	}
	return flipped, apperr.Persistence("mark webhook requests processing", rows.Err())
}

func (r *requestRepoPG) CountOpen(ctx context.Context, cxID uuid.UUID) (StatusCounts, error) {
	var c StatusCounts
	err := db.Conn(ctx, r.db).QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'failure')
		FROM webhook_request WHERE cx_id = $1`, cxID).Scan(&c.Processing, &c.Failed)
	if err != nil {
		return StatusCounts{}, apperr.Persistence("count webhook requests", err)
	}
	return c, nil
}

func (r *requestRepoPG) List(ctx context.Context, cxID uuid.UUID, limit, offset int) ([]*Request, int, error) {
	conn := db.Conn(ctx, r.db)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM webhook_request WHERE cx_id = $1`, cxID).Scan(&total); err != nil {
		return nil, 0, apperr.Persistence("count webhook requests", err)
	}

	rows, err := conn.Query(ctx, `SELECT `+requestCols+` FROM webhook_request
		WHERE cx_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, cxID, limit, offset)
	if err != nil {
		return nil, 0, apperr.Persistence("list webhook requests", err)
	}
	defer rows.Close()
	var items []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, apperr.Persistence("scan webhook request", err)
		}
		items = append(items, req)
	}
	return items, total, apperr.Persistence("list webhook requests", rows.Err())
}

type settingsRepoPG struct{ db db.Querier }

// NewSettingsRepoPG creates a PostgreSQL-backed settings repository.
func NewSettingsRepoPG(pool db.Querier) SettingsRepository {
	return &settingsRepoPG{db: pool}
}

const settingsCols = `id, webhook_url, webhook_key, webhook_enabled, webhook_status_detail,
	created_at, updated_at`

func scanSettings(row pgx.Row) (*Settings, error) {
	var s Settings
	err := row.Scan(&s.ID, &s.WebhookURL, &s.WebhookKey, &s.WebhookEnabled,
		&s.WebhookStatusDetail, &s.CreatedAt, &s.UpdatedAt)
	return &s, err
}

func (r *settingsRepoPG) Get(ctx context.Context, cxID uuid.UUID) (*Settings, error) {
	s, err := scanSettings(db.Conn(ctx, r.db).QueryRow(ctx,
		`SELECT `+settingsCols+` FROM settings WHERE id = $1`, cxID))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("settings", cxID.String())
	}
	if err != nil {
		return nil, apperr.Persistence("get settings", err)
	}
	return s, nil
}

func (r *settingsRepoPG) GetOrCreate(ctx context.Context, cxID uuid.UUID) (*Settings, error) {
	_, err := db.Conn(ctx, r.db).Exec(ctx,
		`INSERT INTO settings (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, cxID)
	if err != nil {
		return nil, apperr.Persistence("create settings", err)
	}
	return r.Get(ctx, cxID)
}

func (r *settingsRepoPG) UpdateWebhook(ctx context.Context, cxID uuid.UUID, url, key *string) (*Settings, error) {
	s, err := scanSettings(db.Conn(ctx, r.db).QueryRow(ctx, `
		UPDATE settings SET webhook_url = $2, webhook_key = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING `+settingsCols, cxID, url, key))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("settings", cxID.String())
	}
	if err != nil {
		return nil, apperr.Persistence("update webhook settings", err)
	}
	return s, nil
}

func (r *settingsRepoPG) UpdateHealth(ctx context.Context, cxID uuid.UUID, enabled bool, detail *string) error {
	tag, err := db.Conn(ctx, r.db).Exec(ctx, `
		UPDATE settings SET webhook_enabled = $2, webhook_status_detail = $3, updated_at = NOW()
		WHERE id = $1`, cxID, enabled, detail)
	if err != nil {
		return apperr.Persistence("update webhook status", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("settings", cxID.String())
	}
	return nil
}
