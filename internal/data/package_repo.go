package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lodestone-registry/lodestone/internal/data/pgxutil"
	"github.com/lodestone-registry/lodestone/internal/domain/model"
	"github.com/lodestone-registry/lodestone/internal/vcs"
)

// ErrPackageNameExists is returned when a package name is already claimed.
var ErrPackageNameExists = errors.New("package name already exists")

const packageColumns = `
  id, name, repository, parent_id, sub_directory, credentials_id,
  auto_updated, disabled, archived,
  description, language, readme, stars, forks, open_issues,
  maintainer_emails, failure_notified, remote_gone_at,
  crawled_at, updated_at, indexed_at, created_at
`

// PackageRepo provides database operations for packages.
type PackageRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewPackageRepo creates a new PackageRepo with real time provider.
func NewPackageRepo(db *sql.DB) *PackageRepo {
	return &PackageRepo{DB: db, timeProvider: &RealTimeProvider{}}
}

// NewPackageRepoWithTimeProvider creates a new PackageRepo with a custom time provider (useful for tests).
func NewPackageRepoWithTimeProvider(db *sql.DB, tp TimeProvider) *PackageRepo {
	return &PackageRepo{DB: db, timeProvider: tp}
}

// Create inserts a new package.
func (r *PackageRepo) Create(ctx context.Context, req *model.CreatePackageRequest) (*model.Package, error) {
	if req == nil {
		return nil, errors.New("create package request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	createdAt := r.timeProvider.Now().UTC()
	var out model.Package
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			INSERT INTO packages (name, repository, parent_id, sub_directory, auto_updated, created_at)
			VALUES ($1, $2, $3, $4, TRUE, $5)
			RETURNING `+packageColumns,
			strings.ToLower(strings.TrimSpace(req.Name)),
			strings.TrimSpace(req.Repository),
			req.ParentID,
			req.SubDirectory,
			createdAt,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Package])
		return err
	}); err != nil {
		return nil, fmt.Errorf("create package: %w", err)
	}
	return &out, nil
}

// GetByID retrieves a package by ID.
func (r *PackageRepo) GetByID(ctx context.Context, id int64) (*model.Package, error) {
	return r.getByQuery(ctx, `SELECT `+packageColumns+` FROM packages WHERE id = $1`, id)
}

// GetByName retrieves a package by its lowercased name.
func (r *PackageRepo) GetByName(ctx context.Context, name string) (*model.Package, error) {
	return r.getByQuery(ctx, `SELECT `+packageColumns+` FROM packages WHERE name = $1`, strings.ToLower(name))
}

// ListChildren lists the sub-packages of a mono-repo root.
func (r *PackageRepo) ListChildren(ctx context.Context, parentID int64) ([]*model.Package, error) {
	var rowsOut []model.Package
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT `+packageColumns+`
			FROM packages
			WHERE parent_id = $1
			ORDER BY name ASC
		`, parentID)
		if err != nil {
			return err
		}
		defer rows.Close()
		rowsOut, err = pgx.CollectRows(rows, pgx.RowToStructByName[model.Package])
		return err
	}); err != nil {
		return nil, fmt.Errorf("list child packages: %w", err)
	}

	out := make([]*model.Package, len(rowsOut))
	for i := range rowsOut {
		out[i] = &rowsOut[i]
	}
	return out, nil
}

func (r *PackageRepo) getByQuery(ctx context.Context, query string, arg any) (*model.Package, error) {
	var out model.Package
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, query, arg)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		out, qerr = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Package])
		return qerr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPackageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get package: %w", err)
	}
	return &out, nil
}

// StampSynced sets crawled_at and updated_at after a sync run. A successful
// run also lifts the failure-notification suppression, so the next failure
// reaches maintainers again.
func (r *PackageRepo) StampSynced(ctx context.Context, id int64, at time.Time) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE packages
		SET crawled_at = $2, updated_at = $2, failure_notified = FALSE
		WHERE id = $1
	`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("stamp package synced: %w", err)
	}
	return requireRowAffected(res, ErrPackageNotFound)
}

// UpdateMetadata refreshes default-branch repository metadata. A repeated sync
// run also clears the failure-notification suppression flag here.
func (r *PackageRepo) UpdateMetadata(ctx context.Context, id int64, meta *vcs.RepoMetadata) error {
	if meta == nil {
		return errors.New("metadata is required")
	}

	res, err := r.DB.ExecContext(ctx, `
		UPDATE packages
		SET description = $2,
		    language = $3,
		    readme = $4,
		    stars = $5,
		    forks = $6,
		    open_issues = $7,
		    failure_notified = FALSE
		WHERE id = $1
	`, id, meta.Description, meta.Language, meta.Readme, meta.Stars, meta.Forks, meta.OpenIssues)
	if err != nil {
		return fmt.Errorf("update package metadata: %w", err)
	}
	return requireRowAffected(res, ErrPackageNotFound)
}

// UpdateSubDirectory relocates a sub-package to a new subdirectory of its root.
func (r *PackageRepo) UpdateSubDirectory(ctx context.Context, id int64, subDirectory string) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE packages
		SET sub_directory = $2
		WHERE id = $1
	`, id, subDirectory)
	if err != nil {
		return fmt.Errorf("update package sub_directory: %w", err)
	}
	return requireRowAffected(res, ErrPackageNotFound)
}

// MarkRemoteGone records that the upstream repository was seen conclusively
// missing; the scheduler suppresses new update jobs for a long window.
func (r *PackageRepo) MarkRemoteGone(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE packages
		SET remote_gone_at = $2
		WHERE id = $1
	`, id, r.timeProvider.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark package remote gone: %w", err)
	}
	return requireRowAffected(res, ErrPackageNotFound)
}

// ClearRemoteGone clears the remote-gone marker, re-enabling scheduling.
func (r *PackageRepo) ClearRemoteGone(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE packages
		SET remote_gone_at = NULL
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("clear package remote gone: %w", err)
	}
	return requireRowAffected(res, ErrPackageNotFound)
}

// SetFailureNotified toggles the failure-notification suppression flag.
func (r *PackageRepo) SetFailureNotified(ctx context.Context, id int64, notified bool) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE packages
		SET failure_notified = $2
		WHERE id = $1
	`, id, notified)
	if err != nil {
		return fmt.Errorf("set package failure_notified: %w", err)
	}
	return requireRowAffected(res, ErrPackageNotFound)
}

func requireRowAffected(res sql.Result, notFound error) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notFound
	}
	return nil
}
