package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lodestone-registry/lodestone/internal/data/pgxutil"
	"github.com/lodestone-registry/lodestone/internal/domain/model"
)

// ListLinks returns the dependency links of a version for one link kind,
// keyed by target package name.
func (r *VersionRepo) ListLinks(ctx context.Context, versionID int64, kind model.LinkKind) (map[string]string, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT target_name, "constraint"
		FROM version_links
		WHERE version_id = $1 AND kind = $2
	`, versionID, kind)
	if err != nil {
		return nil, fmt.Errorf("list version links: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			_ = cerr
		}
	}()

	out := make(map[string]string)
	for rows.Next() {
		var target, constraint string
		if scanErr := rows.Scan(&target, &constraint); scanErr != nil {
			return nil, fmt.Errorf("scan version link: %w", scanErr)
		}
		out[target] = constraint
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterate version links: %w", rowsErr)
	}
	return out, nil
}

// DeleteLinks removes the links of one kind whose target names are listed.
func (r *VersionRepo) DeleteLinks(ctx context.Context, versionID int64, kind model.LinkKind, targetNames []string) error {
	if len(targetNames) == 0 {
		return nil
	}

	return pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		if _, err := conn.Exec(ctx, `
			DELETE FROM version_links
			WHERE version_id = $1 AND kind = $2 AND target_name = ANY($3)
		`, versionID, kind, targetNames); err != nil {
			return fmt.Errorf("delete version links: %w", err)
		}
		return nil
	})
}

// DeleteAllLinks removes every link of one kind for a version.
func (r *VersionRepo) DeleteAllLinks(ctx context.Context, versionID int64, kind model.LinkKind) error {
	if _, err := r.DB.ExecContext(ctx, `
		DELETE FROM version_links
		WHERE version_id = $1 AND kind = $2
	`, versionID, kind); err != nil {
		return fmt.Errorf("delete all version links: %w", err)
	}
	return nil
}

// InsertLinks adds links of one kind from a target-name to constraint map.
func (r *VersionRepo) InsertLinks(ctx context.Context, versionID int64, kind model.LinkKind, links map[string]string) error {
	if len(links) == 0 {
		return nil
	}

	return pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		batch := &pgx.Batch{}
		for target, constraint := range links {
			batch.Queue(`
				INSERT INTO version_links (version_id, kind, target_name, "constraint")
				VALUES ($1, $2, $3, $4)
			`, versionID, kind, target, constraint)
		}
		if err := conn.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert version links: %w", err)
		}
		return nil
	})
}

// ListTags returns a version's keyword tags keyed by name.
func (r *VersionRepo) ListTags(ctx context.Context, versionID int64) (map[string]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT t.name, t.id
		FROM version_tags vt
		JOIN tags t ON t.id = vt.tag_id
		WHERE vt.version_id = $1
	`, versionID)
	if err != nil {
		return nil, fmt.Errorf("list version tags: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			_ = cerr
		}
	}()

	out := make(map[string]int64)
	for rows.Next() {
		var name string
		var id int64
		if scanErr := rows.Scan(&name, &id); scanErr != nil {
			return nil, fmt.Errorf("scan version tag: %w", scanErr)
		}
		out[name] = id
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterate version tags: %w", rowsErr)
	}
	return out, nil
}

// EnsureTag finds or creates a tag by name and returns its id.
func (r *VersionRepo) EnsureTag(ctx context.Context, name string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `
		INSERT INTO tags (name)
		VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id
	`, name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ensure tag: %w", err)
	}
	return id, nil
}

// AttachTag links a tag to a version; attaching twice is a no-op.
func (r *VersionRepo) AttachTag(ctx context.Context, versionID, tagID int64) error {
	if _, err := r.DB.ExecContext(ctx, `
		INSERT INTO version_tags (version_id, tag_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, versionID, tagID); err != nil {
		return fmt.Errorf("attach tag: %w", err)
	}
	return nil
}

// DetachTag unlinks a tag from a version.
func (r *VersionRepo) DetachTag(ctx context.Context, versionID, tagID int64) error {
	if _, err := r.DB.ExecContext(ctx, `
		DELETE FROM version_tags
		WHERE version_id = $1 AND tag_id = $2
	`, versionID, tagID); err != nil {
		return fmt.Errorf("detach tag: %w", err)
	}
	return nil
}

// ListAuthors returns the authors attached to a version.
func (r *VersionRepo) ListAuthors(ctx context.Context, versionID int64) ([]*model.Author, error) {
	var rowsOut []model.Author
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT a.id, a.email, a.name, a.homepage, a.role, a.last_confirmed_at
			FROM version_authors va
			JOIN authors a ON a.id = va.author_id
			WHERE va.version_id = $1
			ORDER BY a.id
		`, versionID)
		if err != nil {
			return err
		}
		defer rows.Close()
		rowsOut, err = pgx.CollectRows(rows, pgx.RowToStructByName[model.Author])
		return err
	}); err != nil {
		return nil, fmt.Errorf("list version authors: %w", err)
	}

	out := make([]*model.Author, len(rowsOut))
	for i := range rowsOut {
		out[i] = &rowsOut[i]
	}
	return out, nil
}

// FindAuthor looks up an author by the full identity tuple.
func (r *VersionRepo) FindAuthor(ctx context.Context, a *model.Author) (*model.Author, error) {
	if a == nil {
		return nil, errors.New("author is required")
	}

	var out model.Author
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, `
			SELECT id, email, name, homepage, role, last_confirmed_at
			FROM authors
			WHERE lower(email) = lower($1) AND name = $2 AND homepage = $3 AND role = $4
			LIMIT 1
		`, a.Email, a.Name, a.Homepage, a.Role)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		out, qerr = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Author])
		return qerr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find author: %w", err)
	}
	return &out, nil
}

// CreateAuthor inserts a new author record.
func (r *VersionRepo) CreateAuthor(ctx context.Context, a *model.Author) (*model.Author, error) {
	if a == nil {
		return nil, errors.New("author is required")
	}

	now := r.timeProvider.Now().UTC()
	var out model.Author
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			INSERT INTO authors (email, name, homepage, role, last_confirmed_at)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, email, name, homepage, role, last_confirmed_at
		`, a.Email, a.Name, a.Homepage, a.Role, now)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Author])
		return err
	}); err != nil {
		return nil, fmt.Errorf("create author: %w", err)
	}
	return &out, nil
}

// AttachAuthor links an author to a version; attaching twice is a no-op.
func (r *VersionRepo) AttachAuthor(ctx context.Context, versionID, authorID int64) error {
	if _, err := r.DB.ExecContext(ctx, `
		INSERT INTO version_authors (version_id, author_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, versionID, authorID); err != nil {
		return fmt.Errorf("attach author: %w", err)
	}
	return nil
}

// ConfirmAuthor refreshes an author's last_confirmed_at timestamp.
func (r *VersionRepo) ConfirmAuthor(ctx context.Context, authorID int64, at time.Time) error {
	if _, err := r.DB.ExecContext(ctx, `
		UPDATE authors
		SET last_confirmed_at = $2
		WHERE id = $1
	`, authorID, at.UTC()); err != nil {
		return fmt.Errorf("confirm author: %w", err)
	}
	return nil
}
