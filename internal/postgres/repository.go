package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/keithlinneman/lms-bundles/internal/bundle"
	"github.com/keithlinneman/lms-bundles/internal/xerrors"
)

const pgUniqueViolationCode = "23505"

// Repository implements bundle.Repository on a bundles table. The zero
// value is not usable; construct with NewRepository.
type Repository struct {
	// db is nil on transaction-scoped views handed to InTx callbacks.
	db *sqlx.DB
	q  sqlx.ExtContext
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db, q: db}
}

// InTx runs fn against a transaction-scoped Repository and commits when fn
// returns nil. Any fn error rolls the transaction back and is returned
// unchanged.
func (r *Repository) InTx(ctx context.Context, fn func(bundle.Repository) error) error {
	if r.db == nil {
		return xerrors.New("nested transactions are not supported")
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(err, "begin transaction")
	}
	if err := fn(&Repository{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return xerrors.Wrap(tx.Commit(), "commit transaction")
}

type dbRow struct {
	ID            string         `db:"id"`
	ContentUnitID string         `db:"content_unit_id"`
	UnitKind      string         `db:"content_unit_kind"`
	Version       int            `db:"version"`
	Entrypoint    string         `db:"entrypoint"`
	StoragePath   string         `db:"storage_path"`
	Manifest      sql.NullString `db:"manifest"`
	ArchiveSHA256 string         `db:"archive_sha256"`
	SizeBytes     int64          `db:"size_bytes"`
	IsActive      bool           `db:"is_active"`
	CreatedAt     time.Time      `db:"created_at"`
}

const bundleColumns = `id, content_unit_id, content_unit_kind, version, entrypoint, storage_path, manifest, archive_sha256, size_bytes, is_active, created_at`

func (r *Repository) Save(ctx context.Context, b *bundle.Bundle) error {
	row, err := toRow(b)
	if err != nil {
		return err
	}
	query := `INSERT INTO bundles (` + bundleColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	          ON CONFLICT (id) DO UPDATE
	          SET entrypoint     = EXCLUDED.entrypoint,
	              storage_path   = EXCLUDED.storage_path,
	              manifest       = EXCLUDED.manifest,
	              archive_sha256 = EXCLUDED.archive_sha256,
	              size_bytes     = EXCLUDED.size_bytes,
	              is_active      = EXCLUDED.is_active`
	_, err = r.q.ExecContext(ctx, query,
		row.ID, row.ContentUnitID, row.UnitKind, row.Version, row.Entrypoint,
		row.StoragePath, row.Manifest, row.ArchiveSHA256, row.SizeBytes,
		row.IsActive, row.CreatedAt,
	)
	if err != nil {
		var pgErr *pq.Error
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolationCode {
			if pgErr.Constraint == "bundles_one_active_per_unit" {
				return xerrors.WithStack(fmt.Errorf("%w: unit %q already has an active bundle",
					bundle.ErrActiveConflict, b.ContentUnit.ID))
			}
			return xerrors.WithStack(fmt.Errorf("%w: unit %q version %d",
				bundle.ErrVersionConflict, b.ContentUnit.ID, b.Version))
		}
		return xerrors.Wrapf(err, "save bundle %s", b.ID)
	}
	return nil
}

func (r *Repository) FindByID(ctx context.Context, id string) (*bundle.Bundle, error) {
	var row dbRow
	query := `SELECT ` + bundleColumns + ` FROM bundles WHERE id = $1`
	if err := sqlx.GetContext(ctx, r.q, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, xerrors.WithStack(fmt.Errorf("%w: id %q", bundle.ErrNotFound, id))
		}
		return nil, xerrors.Wrapf(err, "find bundle %s", id)
	}
	return fromRow(&row)
}

func (r *Repository) FindByContentUnit(ctx context.Context, unitID string) ([]*bundle.Bundle, error) {
	var rows []dbRow
	query := `SELECT ` + bundleColumns + ` FROM bundles WHERE content_unit_id = $1 ORDER BY version DESC`
	if err := sqlx.SelectContext(ctx, r.q, &rows, query, unitID); err != nil {
		return nil, xerrors.Wrapf(err, "list bundles for unit %s", unitID)
	}
	out := make([]*bundle.Bundle, 0, len(rows))
	for i := range rows {
		b, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (r *Repository) FindActiveByContentUnit(ctx context.Context, unitID string) (*bundle.Bundle, error) {
	var row dbRow
	query := `SELECT ` + bundleColumns + ` FROM bundles WHERE content_unit_id = $1 AND is_active`
	if err := sqlx.GetContext(ctx, r.q, &row, query, unitID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, xerrors.WithStack(fmt.Errorf("%w: no active bundle for unit %q", bundle.ErrNotFound, unitID))
		}
		return nil, xerrors.Wrapf(err, "find active bundle for unit %s", unitID)
	}
	return fromRow(&row)
}

func (r *Repository) GetNextVersion(ctx context.Context, unitID string) (int, error) {
	var next int
	query := `SELECT COALESCE(MAX(version), 0) + 1 FROM bundles WHERE content_unit_id = $1`
	if err := sqlx.GetContext(ctx, r.q, &next, query, unitID); err != nil {
		return 0, xerrors.Wrapf(err, "next version for unit %s", unitID)
	}
	return next, nil
}

func (r *Repository) DeactivateAllForContentUnit(ctx context.Context, unitID string) error {
	query := `UPDATE bundles SET is_active = FALSE WHERE content_unit_id = $1 AND is_active`
	if _, err := r.q.ExecContext(ctx, query, unitID); err != nil {
		return xerrors.Wrapf(err, "deactivate bundles for unit %s", unitID)
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM bundles WHERE id = $1`, id)
	if err != nil {
		return xerrors.Wrapf(err, "delete bundle %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrapf(err, "delete bundle %s", id)
	}
	if n == 0 {
		return xerrors.WithStack(fmt.Errorf("%w: id %q", bundle.ErrNotFound, id))
	}
	return nil
}

func toRow(b *bundle.Bundle) (*dbRow, error) {
	row := &dbRow{
		ID:            b.ID,
		ContentUnitID: b.ContentUnit.ID,
		UnitKind:      string(b.ContentUnit.Kind),
		Version:       b.Version,
		Entrypoint:    b.Entrypoint,
		StoragePath:   b.StoragePath,
		ArchiveSHA256: b.ArchiveSHA256,
		SizeBytes:     b.SizeBytes,
		IsActive:      b.IsActive,
		CreatedAt:     b.CreatedAt.UTC(),
	}
	if b.Manifest != nil {
		data, err := json.Marshal(b.Manifest)
		if err != nil {
			return nil, xerrors.Wrapf(err, "encode manifest for bundle %s", b.ID)
		}
		row.Manifest = sql.NullString{String: string(data), Valid: true}
	}
	return row, nil
}

func fromRow(row *dbRow) (*bundle.Bundle, error) {
	b := &bundle.Bundle{
		ID: row.ID,
		ContentUnit: bundle.ContentUnitRef{
			ID:   row.ContentUnitID,
			Kind: bundle.ContentUnitKind(row.UnitKind),
		},
		Version:       row.Version,
		Entrypoint:    row.Entrypoint,
		StoragePath:   row.StoragePath,
		ArchiveSHA256: row.ArchiveSHA256,
		SizeBytes:     row.SizeBytes,
		IsActive:      row.IsActive,
		CreatedAt:     row.CreatedAt.UTC(),
	}
	if row.Manifest.Valid {
		var m bundle.Manifest
		if err := json.Unmarshal([]byte(row.Manifest.String), &m); err != nil {
			return nil, xerrors.Wrapf(err, "decode manifest for bundle %s", row.ID)
		}
		b.Manifest = &m
	}
	return b, nil
}
