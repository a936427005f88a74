package docquery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ehr/docquery/internal/platform/apperr"
	"github.com/ehr/docquery/internal/platform/db"
)

type patientRepoPG struct {
	db     db.TxBeginner
	txOpts db.TxOptions
}

// NewPatientRepoPG creates a PostgreSQL-backed patient progress repository.
func NewPatientRepoPG(pool db.TxBeginner) PatientRepository {
	return &patientRepoPG{db: pool, txOpts: db.DefaultTxOptions}
}

const patientCols = `id, cx_id, facility_ids, data, document_query_progress,
	external_data, consolidated_queries, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var dqp, ext, cq []byte
	if err := row.Scan(&p.ID, &p.CxID, &p.FacilityIDs, &p.Demographics,
		&dqp, &ext, &cq, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if len(dqp) > 0 {
		if err := json.Unmarshal(dqp, &p.DocumentQueryProgress); err != nil {
			return nil, fmt.Errorf("decode document_query_progress: %w", err)
		}
	}
	if len(ext) > 0 {
		if err := json.Unmarshal(ext, &p.ExternalData); err != nil {
			return nil, fmt.Errorf("decode external_data: %w", err)
		}
	}
	if len(cq) > 0 {
		if err := json.Unmarshal(cq, &p.ConsolidatedQueries); err != nil {
			return nil, fmt.Errorf("decode consolidated_queries: %w", err)
		}
	}
	return &p, nil
}

// nullableJSON encodes v, mapping nil values to SQL NULL.
func nullableJSON(v any, isNil bool) ([]byte, error) {
	if isNil {
		return nil, nil
	}
	return json.Marshal(v)
}

func (r *patientRepoPG) Get(ctx context.Context, ref PatientRef) (*Patient, error) {
	p, err := scanPatient(db.Conn(ctx, r.db).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patient WHERE id = $1 AND cx_id = $2`,
		ref.PatientID, ref.CxID))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("patient", ref.PatientID.String())
	}
	if err != nil {
		return nil, apperr.Persistence("get patient", err)
	}
	return p, nil
}

func (r *patientRepoPG) UpdateProgress(ctx context.Context, ref PatientRef, fn func(p *Patient) error) (*Patient, error) {
	var out *Patient
	err := db.RunInTx(ctx, r.db, r.txOpts, func(ctx context.Context) error {
		q := db.Conn(ctx, r.db)

		current, err := scanPatient(q.QueryRow(ctx,
			`SELECT `+patientCols+` FROM patient WHERE id = $1 AND cx_id = $2 FOR UPDATE`,
			ref.PatientID, ref.CxID))
		if db.IsNoRows(err) {
			return apperr.NotFound("patient", ref.PatientID.String())
		}
		if err != nil {
			return fmt.Errorf("lock patient: %w", err)
		}

		work := current.Clone()
		if err := fn(work); err != nil {
			if errors.Is(err, ErrNoChange) {
				out = current
				return nil
			}
			return err
		}

		dqp, err := nullableJSON(work.DocumentQueryProgress, work.DocumentQueryProgress == nil)
		if err != nil {
			return fmt.Errorf("encode document_query_progress: %w", err)
		}
		ext, err := nullableJSON(work.ExternalData, work.ExternalData == nil)
		if err != nil {
			return fmt.Errorf("encode external_data: %w", err)
		}
		cq, err := nullableJSON(work.ConsolidatedQueries, work.ConsolidatedQueries == nil)
		if err != nil {
			return fmt.Errorf("encode consolidated_queries: %w", err)
		}

		if err := q.QueryRow(ctx, `
			UPDATE patient
			SET document_query_progress = $3, external_data = $4,
				consolidated_queries = $5, updated_at = NOW()
			WHERE id = $1 AND cx_id = $2
			RETURNING updated_at`,
			ref.PatientID, ref.CxID, dqp, ext, cq,
		).Scan(&work.UpdatedAt); err != nil {
			return fmt.Errorf("write patient progress: %w", err)
		}
		out = work
		return nil
	})
	if err != nil {
		return nil, apperr.Persistence("update patient progress", err)
	}
	return out, nil
}

func (r *patientRepoPG) ListSweepCandidates(ctx context.Context, stage ProgressType, staleBefore time.Time, patientIDs []uuid.UUID, limit int) ([]PatientRef, error) {
	if len(patientIDs) == 0 {
		patientIDs = nil
	}
	rows, err := db.Conn(ctx, r.db).Query(ctx, `
		SELECT cx_id, id FROM patient
		WHERE document_query_progress->$1::text->>'status' = 'processing'
		  AND (
			((document_query_progress->$1::text->>'total') IS NOT NULL
			 AND (document_query_progress->$1::text->>'total')::int <=
				COALESCE((document_query_progress->$1::text->>'successful')::int, 0) +
				COALESCE((document_query_progress->$1::text->>'errors')::int, 0))
			OR updated_at < $2
		  )
		  AND ($3::uuid[] IS NULL OR id = ANY($3::uuid[]))
		ORDER BY updated_at, id
		LIMIT $4`,
		string(stage), staleBefore, patientIDs, limit)
	if err != nil {
		return nil, apperr.Persistence("list sweep candidates", err)
	}
	defer rows.Close()

	var refs []PatientRef
	for rows.Next() {
		var ref PatientRef
		if err := rows.Scan(&ref.CxID, &ref.PatientID); err != nil {
			return nil, apperr.Persistence("scan sweep candidate", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence("iterate sweep candidates", err)
	}
	return refs, nil
}
