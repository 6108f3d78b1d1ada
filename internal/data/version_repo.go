package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lodestone-registry/lodestone/internal/data/pgxutil"
	"github.com/lodestone-registry/lodestone/internal/domain/model"
)

const versionColumns = `
  id, package_id, name, version, normalized, description, homepage, license,
  development,
  source_type, source_url, source_ref,
  dist_type, dist_url, dist_ref, dist_checksum,
  autoload, extra, binaries, support,
  released_at, soft_deleted_at, created_at, updated_at
`

// VersionRepo provides database operations for versions and their child rows
// (links, tags, authors).
type VersionRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewVersionRepo creates a new VersionRepo with real time provider.
func NewVersionRepo(db *sql.DB) *VersionRepo {
	return &VersionRepo{DB: db, timeProvider: &RealTimeProvider{}}
}

// NewVersionRepoWithTimeProvider creates a new VersionRepo with a custom time provider (useful for tests).
func NewVersionRepoWithTimeProvider(db *sql.DB, tp TimeProvider) *VersionRepo {
	return &VersionRepo{DB: db, timeProvider: tp}
}

// ListByPackage returns every persisted version of a package, including
// soft-deleted ones, ordered by normalized version.
func (r *VersionRepo) ListByPackage(ctx context.Context, packageID int64) ([]*model.Version, error) {
	var rowsOut []model.Version
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT `+versionColumns+`
			FROM versions
			WHERE package_id = $1
			ORDER BY normalized ASC
		`, packageID)
		if err != nil {
			return err
		}
		defer rows.Close()
		rowsOut, err = pgx.CollectRows(rows, pgx.RowToStructByName[model.Version])
		return err
	}); err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}

	out := make([]*model.Version, len(rowsOut))
	for i := range rowsOut {
		out[i] = &rowsOut[i]
	}
	return out, nil
}

// Create inserts a new version row and returns it with generated fields.
func (r *VersionRepo) Create(ctx context.Context, v *model.Version) (*model.Version, error) {
	if v == nil {
		return nil, errors.New("version is required")
	}

	now := r.timeProvider.Now().UTC()
	var out model.Version
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			INSERT INTO versions (
				package_id, name, version, normalized, description, homepage, license,
				development,
				source_type, source_url, source_ref,
				dist_type, dist_url, dist_ref, dist_checksum,
				autoload, extra, binaries, support,
				released_at, created_at, updated_at
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7,
				$8,
				$9, $10, $11,
				$12, $13, $14, $15,
				$16, $17, $18, $19,
				$20, $21, $21
			) RETURNING `+versionColumns,
			v.PackageID, v.Name, v.Version, v.Normalized, v.Description, v.Homepage, v.License,
			v.Development,
			v.SourceType, v.SourceURL, v.SourceRef,
			v.DistType, v.DistURL, v.DistRef, v.DistChecksum,
			nullableJSON(v.Autoload), nullableJSON(v.Extra), nullableJSON(v.Binaries), nullableJSON(v.Support),
			v.ReleasedAt, now,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Version])
		return err
	}); err != nil {
		return nil, fmt.Errorf("create version: %w", err)
	}
	return &out, nil
}

// Update rewrites every content field of an existing version row, stamps
// updated_at, and clears any pending soft delete.
func (r *VersionRepo) Update(ctx context.Context, v *model.Version) error {
	if v == nil || v.ID == 0 {
		return errors.New("a persisted version is required")
	}

	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE versions
		SET name = $2, version = $3, normalized = $4, description = $5, homepage = $6, license = $7,
		    development = $8,
		    source_type = $9, source_url = $10, source_ref = $11,
		    dist_type = $12, dist_url = $13, dist_ref = $14, dist_checksum = $15,
		    autoload = $16, extra = $17, binaries = $18, support = $19,
		    released_at = $20,
		    soft_deleted_at = NULL,
		    updated_at = $21
		WHERE id = $1
	`,
		v.ID, v.Name, v.Version, v.Normalized, v.Description, v.Homepage, v.License,
		v.Development,
		v.SourceType, v.SourceURL, v.SourceRef,
		v.DistType, v.DistURL, v.DistRef, v.DistChecksum,
		nullableJSON(v.Autoload), nullableJSON(v.Extra), nullableJSON(v.Binaries), nullableJSON(v.Support),
		v.ReleasedAt, now,
	)
	if err != nil {
		return fmt.Errorf("update version: %w", err)
	}
	return requireRowAffected(res, ErrVersionNotFound)
}

// UpdateDist rewrites only the distributable-artifact pointer of a version.
// Used when a tag's dist moved but the source reference did not change.
func (r *VersionRepo) UpdateDist(ctx context.Context, id int64, distType, distURL, distRef, distChecksum string) error {
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE versions
		SET dist_type = $2, dist_url = $3, dist_ref = $4, dist_checksum = $5,
		    soft_deleted_at = NULL,
		    updated_at = $6
		WHERE id = $1
	`, id, distType, distURL, distRef, distChecksum, now)
	if err != nil {
		return fmt.Errorf("update version dist: %w", err)
	}
	return requireRowAffected(res, ErrVersionNotFound)
}

// BatchTouch stamps updated_at and clears soft deletes for a set of version
// ids in a single round trip. Versions still reported by upstream but with no
// content change go through here instead of per-row writes.
func (r *VersionRepo) BatchTouch(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	return pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		if _, err := conn.Exec(ctx, `
			UPDATE versions
			SET updated_at = $2,
			    soft_deleted_at = NULL
			WHERE id = ANY($1)
		`, ids, at.UTC()); err != nil {
			return fmt.Errorf("batch touch versions: %w", err)
		}
		return nil
	})
}

// SoftDelete marks a version missing from upstream without removing it.
func (r *VersionRepo) SoftDelete(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE versions
		SET soft_deleted_at = $2
		WHERE id = $1 AND soft_deleted_at IS NULL
	`, id, r.timeProvider.Now().UTC())
	if err != nil {
		return fmt.Errorf("soft delete version: %w", err)
	}
	// Already soft-deleted rows keep their original timestamp.
	if _, raErr := res.RowsAffected(); raErr != nil {
		return fmt.Errorf("rows affected: %w", raErr)
	}
	return nil
}

// HardDelete removes a version and all of its child rows, children first.
func (r *VersionRepo) HardDelete(ctx context.Context, id int64) error {
	return pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			return hardDeleteVersionInTx(ctx, tx, id)
		},
	})
}

// DeleteAllForPackage removes every version of a package, child rows first.
// Used by the delete-before-update flow.
func (r *VersionRepo) DeleteAllForPackage(ctx context.Context, packageID int64) (int64, error) {
	var deleted int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			rows, qerr := tx.QueryContext(ctx, `SELECT id FROM versions WHERE package_id = $1`, packageID)
			if qerr != nil {
				return fmt.Errorf("list versions for delete: %w", qerr)
			}
			var ids []int64
			for rows.Next() {
				var id int64
				if scanErr := rows.Scan(&id); scanErr != nil {
					_ = rows.Close()
					return fmt.Errorf("scan version id: %w", scanErr)
				}
				ids = append(ids, id)
			}
			if closeErr := rows.Close(); closeErr != nil {
				return fmt.Errorf("close rows: %w", closeErr)
			}
			if rowsErr := rows.Err(); rowsErr != nil {
				return fmt.Errorf("iterate version ids: %w", rowsErr)
			}

			for _, id := range ids {
				if delErr := hardDeleteVersionInTx(ctx, tx, id); delErr != nil {
					return delErr
				}
				deleted++
			}
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func hardDeleteVersionInTx(ctx context.Context, tx *sql.Tx, id int64) error {
	steps := []struct {
		desc  string
		query string
	}{
		{"delete version links", `DELETE FROM version_links WHERE version_id = $1`},
		{"delete version tags", `DELETE FROM version_tags WHERE version_id = $1`},
		{"delete version authors", `DELETE FROM version_authors WHERE version_id = $1`},
		{"delete version", `DELETE FROM versions WHERE id = $1`},
	}
	for _, step := range steps {
		if _, err := tx.ExecContext(ctx, step.query, id); err != nil {
			return fmt.Errorf("%s: %w", step.desc, err)
		}
	}
	return nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
