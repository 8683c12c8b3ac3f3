package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"solarline/internal/domain"
)

const documentColumns = `id,project_id,type_code,type_label,submitted_at,issued_at,attached_file_count,external_file_ref,is_current,is_deleted,updated_at`

func scanDocument(row interface{ Scan(...any) error }) (domain.Document, error) {
	var d domain.Document
	var typeCode, typeLabel, submitted, issued, external sql.NullString
	var current, deleted int
	err := row.Scan(&d.ID, &d.ProjectID, &typeCode, &typeLabel, &submitted, &issued, &d.AttachedFileCount, &external, &current, &deleted, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.TypeCode = stringPtr(typeCode)
	d.TypeLabel = stringPtr(typeLabel)
	d.ExternalFileRef = stringPtr(external)
	d.IsCurrent = current != 0
	d.IsDeleted = deleted != 0
	if d.SubmittedAt, err = parseTime(submitted); err != nil {
		return d, err
	}
	if d.IssuedAt, err = parseTime(issued); err != nil {
		return d, err
	}
	return d, nil
}

// UpsertDocument stores a document snapshot row. Documents are owned by the
// document-management side; this is the ingestion path for them.
func (r Repo) UpsertDocument(ctx context.Context, tx *sql.Tx, d domain.Document) error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("document id required")
	}
	if strings.TrimSpace(d.ProjectID) == "" {
		return errors.New("project_id required")
	}
	if d.AttachedFileCount < 0 {
		return errors.New("attached_file_count must not be negative")
	}
	if d.UpdatedAt == "" {
		d.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO documents(`+documentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET project_id=excluded.project_id, type_code=excluded.type_code, type_label=excluded.type_label,
submitted_at=excluded.submitted_at, issued_at=excluded.issued_at, attached_file_count=excluded.attached_file_count,
external_file_ref=excluded.external_file_ref, is_current=excluded.is_current, is_deleted=excluded.is_deleted, updated_at=excluded.updated_at`,
		d.ID, d.ProjectID, nullableStringPtr(d.TypeCode), nullableStringPtr(d.TypeLabel), nullableTime(d.SubmittedAt), nullableTime(d.IssuedAt),
		d.AttachedFileCount, nullableStringPtr(d.ExternalFileRef), boolInt(d.IsCurrent), boolInt(d.IsDeleted), d.UpdatedAt)
	return err
}

func (r Repo) GetDocument(ctx context.Context, tx *sql.Tx, id string) (domain.Document, error) {
	return scanDocument(r.on(tx).QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=?`, id))
}

// ListDocuments returns a project's documents in insertion order. Unless all
// is set, only current, non-deleted documents are returned.
func (r Repo) ListDocuments(ctx context.Context, tx *sql.Tx, projectID string, all bool) ([]domain.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE project_id=?`
	if !all {
		query += ` AND is_current=1 AND is_deleted=0`
	}
	query += ` ORDER BY rowid`
	rows, err := r.on(tx).QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// ListCurrentDocuments is the evidence snapshot a pass reads.
func (r Repo) ListCurrentDocuments(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.Document, error) {
	return r.ListDocuments(ctx, tx, projectID, false)
}

// SoftDeleteDocument flags a document deleted; the row stays for audit.
func (r Repo) SoftDeleteDocument(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE documents SET is_deleted=1, updated_at=? WHERE id=? AND is_deleted=0`,
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
